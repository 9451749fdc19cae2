package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mnemolabs/mnemo/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	embedder := memory.NewMockEmbedder(16)
	store, err := memory.Open(t.TempDir(), embedder.Dimensions())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	arbiter := memory.NewArbiter(memory.NewRuleJudge(), 0.92, 0.85, time.Second)
	ingestor := memory.NewIngestor(store, embedder, arbiter, 20, time.Second)
	searcher := memory.NewSearcher(store, embedder, time.Second)
	return New(store, ingestor, searcher)
}

func doJSON(t *testing.T, srv *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func ingestBody(content string) map[string]any {
	return map[string]any{
		"machine_name": "dev-laptop",
		"project_path": "/src/app",
		"content_type": "development",
		"content":      content,
		"ts":           1700000000,
	}
}

func TestIngest_Created(t *testing.T) {
	srv := setupTestServer(t)

	rec := doJSON(t, srv, "POST", "/ingest/memory", ingestBody("auth service listens on :7001"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "created", resp.Status)
	assert.True(t, strings.HasPrefix(resp.ID, "mem_"))
	assert.Equal(t, int64(1700000000), resp.Ts)
}

func TestIngest_DuplicateSkipped(t *testing.T) {
	srv := setupTestServer(t)

	first := doJSON(t, srv, "POST", "/ingest/memory", ingestBody("pin go toolchain version"))
	require.Equal(t, http.StatusOK, first.Code)
	var firstResp ingestResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

	second := doJSON(t, srv, "POST", "/ingest/memory", ingestBody("pin go toolchain version"))
	require.Equal(t, http.StatusOK, second.Code)
	var secondResp ingestResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))

	assert.Equal(t, "skipped", secondResp.Status)
	assert.Equal(t, firstResp.ID, secondResp.ID)
}

func TestIngest_ValidationErrors(t *testing.T) {
	srv := setupTestServer(t)

	tests := []struct {
		name   string
		mutate func(map[string]any)
		code   string
	}{
		{"missing machine", func(b map[string]any) { b["machine_name"] = "" }, "ERR_INVALID_MACHINE"},
		{"missing project", func(b map[string]any) { b["project_path"] = "  " }, "ERR_INVALID_PROJECT_PATH"},
		{"bad content type", func(b map[string]any) { b["content_type"] = "gossip" }, "ERR_INVALID_CONTENT_TYPE"},
		{"empty content", func(b map[string]any) { b["content"] = "   " }, "ERR_INVALID_CONTENT"},
		{"null byte", func(b map[string]any) { b["content"] = "a\x00b" }, "ERR_INVALID_CONTENT"},
		{"future ts", func(b map[string]any) { b["ts"] = time.Now().Unix() + 3600 }, "ERR_INVALID_TS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := ingestBody("some content")
			tt.mutate(body)
			rec := doJSON(t, srv, "POST", "/ingest/memory", body)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var errResp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
			assert.Equal(t, tt.code, errResp.Code)
			assert.Equal(t, "validation_error", errResp.Error)
			assert.NotEmpty(t, errResp.Timestamp)
		})
	}
}

func TestSearch_FindsIngestedMemory(t *testing.T) {
	srv := setupTestServer(t)

	rec := doJSON(t, srv, "POST", "/ingest/memory", ingestBody("retries use exponential backoff"))
	require.Equal(t, http.StatusOK, rec.Code)
	var ingested ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ingested))

	// the mock embedder is deterministic, so the exact text is a perfect match
	target := "/memories/search?machine_name=dev-laptop&project_path=/src/app&query=" +
		"retries+use+exponential+backoff&scope=development&limit=5"
	rec = doJSON(t, srv, "GET", target, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Results)
	top := resp.Results[0]
	assert.Equal(t, ingested.ID, top.ID)
	assert.InDelta(t, 1.0, top.Similarity, 1e-3)
	assert.Equal(t, "development", top.ContentType)
	assert.Equal(t, 1, top.Version)
	assert.Contains(t, top.Snippet, "exponential backoff")
	assert.Equal(t, len(resp.Results), resp.Metadata.Returned)
}

func TestSearch_ScopeAll(t *testing.T) {
	srv := setupTestServer(t)

	body := ingestBody("memo in development")
	doJSON(t, srv, "POST", "/ingest/memory", body)
	body["content_type"] = "insight"
	body["content"] = "memo in insight"
	doJSON(t, srv, "POST", "/ingest/memory", body)

	rec := doJSON(t, srv, "GET",
		"/memories/search?machine_name=dev-laptop&project_path=/src/app&query=memo&scope=all&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 2)
}

func TestSearch_ValidationErrors(t *testing.T) {
	srv := setupTestServer(t)

	tests := []struct {
		target string
		code   string
	}{
		{"/memories/search?project_path=/p&query=x", "ERR_INVALID_MACHINE"},
		{"/memories/search?machine_name=m&project_path=/p", "ERR_INVALID_QUERY"},
		{"/memories/search?machine_name=m&project_path=/p&query=x&scope=gossip", "ERR_INVALID_SCOPE"},
		{"/memories/search?machine_name=m&project_path=/p&query=x&limit=500", "ERR_INVALID_LIMIT"},
	}
	for _, tt := range tests {
		rec := doJSON(t, srv, "GET", tt.target, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, tt.target)
		var errResp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
		assert.Equal(t, tt.code, errResp.Code, tt.target)
	}
}

func TestGetMemories(t *testing.T) {
	srv := setupTestServer(t)

	rec := doJSON(t, srv, "POST", "/ingest/memory", ingestBody("a known memory"))
	var ingested ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ingested))

	rec = doJSON(t, srv, "GET", "/memories?ids="+ingested.ID+",mem_unknown", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp memoriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1, "unknown ids are omitted, not errors")
	assert.Equal(t, ingested.ID, resp.Results[0].ID)
	assert.Equal(t, "a known memory", resp.Results[0].Content)
	assert.Equal(t, "dev-laptop", resp.Results[0].Machine)
}

func TestGetMemories_TooManyIDs(t *testing.T) {
	srv := setupTestServer(t)

	ids := make([]string, 11)
	for i := range ids {
		ids[i] = fmt.Sprintf("mem_%d", i)
	}
	rec := doJSON(t, srv, "GET", "/memories?ids="+strings.Join(ids, ","), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "ERR_INVALID_IDS", errResp.Code)
}

func TestChain(t *testing.T) {
	srv := setupTestServer(t)

	rec := doJSON(t, srv, "POST", "/ingest/memory", ingestBody("chained memory"))
	var ingested ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ingested))

	rec = doJSON(t, srv, "GET", "/memories/chain?id="+ingested.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp memoriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)

	rec = doJSON(t, srv, "GET", "/memories/chain?id=mem_unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProjects(t *testing.T) {
	srv := setupTestServer(t)

	doJSON(t, srv, "POST", "/ingest/memory", ingestBody("project memory"))

	rec := doJSON(t, srv, "GET", "/projects?machine_name=dev-laptop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp projectsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Projects, 1)
	assert.Equal(t, "/src/app", resp.Projects[0].ProjectPath)
	assert.Equal(t, 1, resp.Projects[0].MemoryCount)
	assert.Equal(t, int64(1700000000), resp.Projects[0].LatestTs)
}

func TestArbitrations(t *testing.T) {
	srv := setupTestServer(t)

	doJSON(t, srv, "POST", "/ingest/memory", ingestBody("dup target"))
	doJSON(t, srv, "POST", "/ingest/memory", ingestBody("dup target"))

	rec := doJSON(t, srv, "GET", "/arbitrations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp arbitrationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "skipped", resp.Results[0].Action)
}

func TestHealthz(t *testing.T) {
	srv := setupTestServer(t)
	rec := doJSON(t, srv, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
