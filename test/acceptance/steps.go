package acceptance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"github.com/mnemolabs/mnemo/internal/memory"
	"github.com/mnemolabs/mnemo/internal/server"
)

const (
	testMachine = "acceptance-machine"
	testProject = "/src/acceptance"
)

// TestContext holds per-scenario state: a service over a fresh store plus
// the last HTTP exchange.
type TestContext struct {
	srv     *httptest.Server
	store   *memory.Store
	tmpDir  string
	lastTs  int64
	lastID  string
	prevID  string
	status  int
	payload map[string]any
}

func (tc *TestContext) startService() error {
	tmpDir, err := os.MkdirTemp("", "mnemo-acceptance-*")
	if err != nil {
		return err
	}
	embedder := memory.NewMockEmbedder(16)
	store, err := memory.Open(tmpDir, embedder.Dimensions())
	if err != nil {
		os.RemoveAll(tmpDir)
		return err
	}
	arbiter := memory.NewArbiter(memory.NewRuleJudge(), 0.92, 0.85, 5*time.Second)
	ingestor := memory.NewIngestor(store, embedder, arbiter, 20, 5*time.Second)
	searcher := memory.NewSearcher(store, embedder, 5*time.Second)

	tc.tmpDir = tmpDir
	tc.store = store
	tc.srv = httptest.NewServer(server.New(store, ingestor, searcher).Handler())
	tc.lastTs = time.Now().Unix() - 60
	tc.lastID = ""
	tc.prevID = ""
	return nil
}

func (tc *TestContext) stopService() {
	if tc.srv != nil {
		tc.srv.Close()
	}
	if tc.store != nil {
		tc.store.Close()
	}
	if tc.tmpDir != "" {
		os.RemoveAll(tc.tmpDir)
	}
}

func (tc *TestContext) record(resp *http.Response) error {
	defer resp.Body.Close()
	tc.status = resp.StatusCode
	tc.payload = map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&tc.payload); err != nil {
		return fmt.Errorf("response is not JSON: %w", err)
	}
	return nil
}

func (tc *TestContext) theMemoryServiceIsRunning() error {
	if tc.srv == nil {
		return fmt.Errorf("service not started")
	}
	resp, err := http.Get(tc.srv.URL + "/healthz")
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}

func (tc *TestContext) iIngestAs(content, contentType string) error {
	tc.lastTs++
	body, err := json.Marshal(map[string]any{
		"machine_name": testMachine,
		"project_path": testProject,
		"content_type": contentType,
		"content":      content,
		"ts":           tc.lastTs,
	})
	if err != nil {
		return err
	}
	resp, err := http.Post(tc.srv.URL+"/ingest/memory", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	if err := tc.record(resp); err != nil {
		return err
	}
	if id, ok := tc.payload["id"].(string); ok && id != "" {
		tc.prevID = tc.lastID
		tc.lastID = id
	}
	return nil
}

func (tc *TestContext) theResponseStatusShouldBe(want string) error {
	if tc.status != http.StatusOK {
		return fmt.Errorf("expected HTTP 200, got %d: %v", tc.status, tc.payload)
	}
	got, _ := tc.payload["status"].(string)
	if got != want {
		return fmt.Errorf("expected status %q, got %q", want, got)
	}
	return nil
}

func (tc *TestContext) theResponseShouldContainAMemoryID() error {
	id, _ := tc.payload["id"].(string)
	if !strings.HasPrefix(id, "mem_") {
		return fmt.Errorf("expected mem_ prefixed id, got %q", id)
	}
	return nil
}

func (tc *TestContext) theResponseIDShouldMatchThePreviousID() error {
	if tc.lastID == "" || tc.prevID == "" {
		return fmt.Errorf("need two ingestions to compare ids")
	}
	if tc.lastID != tc.prevID {
		return fmt.Errorf("expected id %q, got %q", tc.prevID, tc.lastID)
	}
	return nil
}

func (tc *TestContext) iSearchForInScope(query, scope string) error {
	params := url.Values{}
	params.Set("machine_name", testMachine)
	params.Set("project_path", testProject)
	params.Set("query", query)
	params.Set("scope", scope)
	params.Set("limit", "10")
	resp, err := http.Get(tc.srv.URL + "/memories/search?" + params.Encode())
	if err != nil {
		return err
	}
	return tc.record(resp)
}

func (tc *TestContext) searchResults() []any {
	results, _ := tc.payload["results"].([]any)
	return results
}

func (tc *TestContext) iShouldGetAtLeastSearchResults(n int) error {
	if tc.status != http.StatusOK {
		return fmt.Errorf("expected HTTP 200, got %d: %v", tc.status, tc.payload)
	}
	if len(tc.searchResults()) < n {
		return fmt.Errorf("expected at least %d results, got %d", n, len(tc.searchResults()))
	}
	return nil
}

func (tc *TestContext) topResult() (map[string]any, error) {
	results := tc.searchResults()
	if len(results) == 0 {
		return nil, fmt.Errorf("no search results")
	}
	top, ok := results[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("malformed search result")
	}
	return top, nil
}

func (tc *TestContext) theTopResultShouldHaveSimilarityOfAtLeast(min float64) error {
	top, err := tc.topResult()
	if err != nil {
		return err
	}
	sim, _ := top["similarity"].(float64)
	if sim < min {
		return fmt.Errorf("expected similarity >= %.2f, got %.4f", min, sim)
	}
	return nil
}

func (tc *TestContext) theTopResultSnippetShouldContain(substr string) error {
	top, err := tc.topResult()
	if err != nil {
		return err
	}
	snippet, _ := top["snippet"].(string)
	if !strings.Contains(snippet, substr) {
		return fmt.Errorf("expected snippet to contain %q, got %q", substr, snippet)
	}
	return nil
}

func (tc *TestContext) iFetchTheLastMemoryIDTogetherWithAnUnknownID() error {
	if tc.lastID == "" {
		return fmt.Errorf("no memory ingested yet")
	}
	resp, err := http.Get(tc.srv.URL + "/memories?ids=" + tc.lastID + ",mem_unknown")
	if err != nil {
		return err
	}
	return tc.record(resp)
}

func (tc *TestContext) iShouldGetExactlyMemoriesBack(n int) error {
	if len(tc.searchResults()) != n {
		return fmt.Errorf("expected exactly %d memories, got %d", n, len(tc.searchResults()))
	}
	return nil
}

func (tc *TestContext) theFetchedMemoryContentShouldContain(substr string) error {
	top, err := tc.topResult()
	if err != nil {
		return err
	}
	content, _ := top["content"].(string)
	if !strings.Contains(content, substr) {
		return fmt.Errorf("expected content to contain %q, got %q", substr, content)
	}
	return nil
}

func (tc *TestContext) iListProjectsForTheTestMachine() error {
	resp, err := http.Get(tc.srv.URL + "/projects?machine_name=" + url.QueryEscape(testMachine))
	if err != nil {
		return err
	}
	return tc.record(resp)
}

func (tc *TestContext) theProjectListShouldContainTheTestProject() error {
	projects, _ := tc.payload["projects"].([]any)
	for _, p := range projects {
		info, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if info["project_path"] == testProject {
			return nil
		}
	}
	return fmt.Errorf("project %q not found in %v", testProject, projects)
}

func (tc *TestContext) theRequestShouldBeRejectedWithCode(code string) error {
	if tc.status != http.StatusBadRequest {
		return fmt.Errorf("expected HTTP 400, got %d: %v", tc.status, tc.payload)
	}
	got, _ := tc.payload["code"].(string)
	if got != code {
		return fmt.Errorf("expected error code %q, got %q", code, got)
	}
	return nil
}

// InitializeScenario sets up step definitions
func InitializeScenario(ctx *godog.ScenarioContext) {
	tc := &TestContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		return ctx, tc.startService()
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		tc.stopService()
		return ctx, nil
	})

	ctx.Step(`^the memory service is running$`, tc.theMemoryServiceIsRunning)
	ctx.Step(`^I ingest "([^"]*)" as "([^"]*)"$`, tc.iIngestAs)
	ctx.Step(`^the response status should be "([^"]*)"$`, tc.theResponseStatusShouldBe)
	ctx.Step(`^the response should contain a memory id$`, tc.theResponseShouldContainAMemoryID)
	ctx.Step(`^the response id should match the previous id$`, tc.theResponseIDShouldMatchThePreviousID)
	ctx.Step(`^I search for "([^"]*)" in scope "([^"]*)"$`, tc.iSearchForInScope)
	ctx.Step(`^I should get at least (\d+) search result(?:s)?$`, tc.iShouldGetAtLeastSearchResults)
	ctx.Step(`^the top result should have similarity of at least ([0-9.]+)$`, tc.theTopResultShouldHaveSimilarityOfAtLeast)
	ctx.Step(`^the top result snippet should contain "([^"]*)"$`, tc.theTopResultSnippetShouldContain)
	ctx.Step(`^I fetch the last memory id together with an unknown id$`, tc.iFetchTheLastMemoryIDTogetherWithAnUnknownID)
	ctx.Step(`^I should get exactly (\d+) memor(?:y|ies) back$`, tc.iShouldGetExactlyMemoriesBack)
	ctx.Step(`^the fetched memory content should contain "([^"]*)"$`, tc.theFetchedMemoryContentShouldContain)
	ctx.Step(`^I list projects for the test machine$`, tc.iListProjectsForTheTestMachine)
	ctx.Step(`^the project list should contain the test project$`, tc.theProjectListShouldContainTheTestProject)
	ctx.Step(`^the request should be rejected with code "([^"]*)"$`, tc.theRequestShouldBeRejectedWithCode)
}
