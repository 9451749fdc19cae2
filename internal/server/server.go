package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mnemolabs/mnemo/internal/memory"
)

const (
	maxGetIDs    = 10
	snippetRunes = 200
)

// Server exposes the ingestion pipeline and retrieval over HTTP.
type Server struct {
	store    *memory.Store
	ingestor *memory.Ingestor
	searcher *memory.Searcher
	mux      *http.ServeMux
}

// New wires the HTTP surface over the given core components.
func New(store *memory.Store, ingestor *memory.Ingestor, searcher *memory.Searcher) *Server {
	s := &Server{store: store, ingestor: ingestor, searcher: searcher, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /ingest/memory", s.handleIngest)
	s.mux.HandleFunc("GET /memories/search", s.handleSearch)
	s.mux.HandleFunc("GET /memories/chain", s.handleChain)
	s.mux.HandleFunc("GET /memories", s.handleGet)
	s.mux.HandleFunc("GET /projects", s.handleProjects)
	s.mux.HandleFunc("GET /arbitrations", s.handleArbitrations)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type ingestRequest struct {
	MachineName string `json:"machine_name"`
	ProjectPath string `json:"project_path"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
	Ts          int64  `json:"ts"`
}

type ingestResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Ts     int64  `json:"ts"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("ERR_INVALID_JSON", "request body is not valid JSON"))
		return
	}
	if req.Ts == 0 {
		req.Ts = time.Now().Unix()
	}
	if appErr := validateIngest(&req); appErr != nil {
		writeError(w, appErr)
		return
	}

	scope := memory.Scope{
		Machine:  strings.TrimSpace(req.MachineName),
		Project:  strings.TrimSpace(req.ProjectPath),
		Category: memory.Category(req.ContentType),
	}
	decision, err := s.ingestor.Ingest(r.Context(), scope, req.Content, req.Ts)
	if err != nil {
		writeError(w, internalError("ingestion failed: "+err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		ID:     decision.MemoryID,
		Status: string(decision.Kind),
		Ts:     req.Ts,
	})
}

func validateIngest(req *ingestRequest) *AppError {
	if appErr := validateMachineName(req.MachineName); appErr != nil {
		return appErr
	}
	if appErr := validateProjectPath(req.ProjectPath); appErr != nil {
		return appErr
	}
	if appErr := validateCategory(req.ContentType); appErr != nil {
		return appErr
	}
	if appErr := validateContent(req.Content); appErr != nil {
		return appErr
	}
	return validateTimestamp(req.Ts)
}

type searchResult struct {
	ID          string  `json:"id"`
	Similarity  float64 `json:"similarity"`
	Snippet     string  `json:"snippet"`
	ContentType string  `json:"content_type"`
	Version     int     `json:"version"`
	Ts          int64   `json:"ts"`
}

type searchMetadata struct {
	Total    int `json:"total"`
	Returned int `json:"returned"`
}

type searchResponse struct {
	Results  []searchResult `json:"results"`
	Metadata searchMetadata `json:"metadata"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	machine := strings.TrimSpace(q.Get("machine_name"))
	project := strings.TrimSpace(q.Get("project_path"))
	query := q.Get("query")

	if appErr := validateMachineName(machine); appErr != nil {
		writeError(w, appErr)
		return
	}
	if appErr := validateProjectPath(project); appErr != nil {
		writeError(w, appErr)
		return
	}
	if appErr := validateQuery(query); appErr != nil {
		writeError(w, appErr)
		return
	}
	category, appErr := validateScope(q.Get("scope"))
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	limit, appErr := validateLimit(intParam(q.Get("limit")), 10, 100)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	scope := memory.Scope{Machine: machine, Project: project, Category: category}
	hits, err := s.searcher.Search(r.Context(), scope, query, limit)
	if err != nil {
		writeError(w, internalError("search failed: "+err.Error()))
		return
	}

	results := make([]searchResult, len(hits))
	for i, h := range hits {
		results[i] = searchResult{
			ID:          h.Memory.ID,
			Similarity:  h.Similarity,
			Snippet:     h.Memory.Snippet(snippetRunes),
			ContentType: string(h.Memory.Category),
			Version:     h.Memory.Version,
			Ts:          h.Memory.Ts,
		}
	}
	writeJSON(w, http.StatusOK, searchResponse{
		Results:  results,
		Metadata: searchMetadata{Total: len(results), Returned: len(results)},
	})
}

type memoriesResponse struct {
	Results []*memory.Memory `json:"results"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ids := parseIDs(r.URL.Query()["ids"])
	if len(ids) == 0 {
		writeError(w, badRequest("ERR_INVALID_IDS", "ids is required"))
		return
	}
	if len(ids) > maxGetIDs {
		writeError(w, badRequest("ERR_INVALID_IDS", "at most 10 ids per request"))
		return
	}

	found, err := s.store.Get(r.Context(), ids)
	if err != nil {
		writeError(w, internalError("lookup failed: "+err.Error()))
		return
	}

	// Preserve request order; unknown ids are simply omitted.
	results := make([]*memory.Memory, 0, len(ids))
	for _, id := range ids {
		if mem, ok := found[id]; ok {
			results = append(results, mem)
		}
	}
	writeJSON(w, http.StatusOK, memoriesResponse{Results: results})
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, badRequest("ERR_INVALID_ID", "id is required"))
		return
	}
	chain, err := s.store.Chain(r.Context(), id)
	if errors.Is(err, memory.ErrNotFound) {
		writeError(w, notFound("ERR_MEMORY_NOT_FOUND", "memory not found"))
		return
	}
	if err != nil {
		writeError(w, internalError("chain lookup failed: "+err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, memoriesResponse{Results: chain})
}

type projectInfo struct {
	MachineName string `json:"machine_name"`
	ProjectPath string `json:"project_path"`
	MemoryCount int    `json:"memory_count"`
	LatestTs    int64  `json:"latest_ts"`
}

type projectsResponse struct {
	Projects []projectInfo `json:"projects"`
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	machine := strings.TrimSpace(r.URL.Query().Get("machine_name"))
	if appErr := validateMachineName(machine); appErr != nil {
		writeError(w, appErr)
		return
	}
	limit, appErr := validateLimit(intParam(r.URL.Query().Get("limit")), 50, 1000)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	projects, err := s.store.ListProjects(r.Context(), machine, limit)
	if err != nil {
		writeError(w, internalError("project listing failed: "+err.Error()))
		return
	}

	infos := make([]projectInfo, len(projects))
	for i, p := range projects {
		infos[i] = projectInfo{
			MachineName: p.MachineName,
			ProjectPath: p.Path,
			MemoryCount: p.MemoryCount,
			LatestTs:    p.LatestTs,
		}
	}
	writeJSON(w, http.StatusOK, projectsResponse{Projects: infos})
}

type arbitrationsResponse struct {
	Results []memory.ArbitrationRecord `json:"results"`
}

func (s *Server) handleArbitrations(w http.ResponseWriter, r *http.Request) {
	limit, appErr := validateLimit(intParam(r.URL.Query().Get("limit")), 20, 100)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	records, err := s.store.ListArbitrations(r.Context(), limit)
	if err != nil {
		writeError(w, internalError("arbitration listing failed: "+err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, arbitrationsResponse{Results: records})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseIDs accepts both repeated ids params and comma-separated lists.
func parseIDs(params []string) []string {
	var ids []string
	seen := map[string]bool{}
	for _, p := range params {
		for _, id := range strings.Split(p, ",") {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func intParam(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
