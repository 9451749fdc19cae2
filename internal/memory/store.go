package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrConsistency signals that the vector index and the memory store disagree
// about a scope's alive set. This should never happen under correct per-scope
// serialization and is surfaced instead of being silently reconciled.
var ErrConsistency = errors.New("vector index and memory store out of sync")

// Store is the durable, versioned memory store backed by SQLite, with a
// companion sqlite-vec KNN index living in the same database so mutations of
// both commit in one transaction.
type Store struct {
	db      *sql.DB
	dataDir string
	dims    int
	vecIdx  *vecIndex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (or creates) the store under dataDir for embeddings of the
// given dimensionality.
func Open(dataDir string, dims int) (*Store, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home dir: %w", err)
		}
		dataDir = filepath.Join(home, ".mnemo")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "memories.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dataDir: dataDir, dims: dims}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	s.vecIdx = newVecIndex(db, dims)
	if n, err := s.vecIdx.backfill(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Vector index backfill failed: %v\n", err)
	} else if n > 0 {
		fmt.Fprintf(os.Stderr, "🔄 Indexed %d existing memories\n", n)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS machines (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		machine_id TEXT NOT NULL REFERENCES machines(id),
		path TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(machine_id, path)
	);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		category TEXT NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		embedding TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'alive',
		supersedes TEXT,
		ts INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(project_id, category, status);
	CREATE INDEX IF NOT EXISTS idx_memories_hash ON memories(project_id, category, content_hash, status);
	CREATE INDEX IF NOT EXISTS idx_memories_supersedes ON memories(supersedes);

	CREATE TABLE IF NOT EXISTS arbitrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		machine_name TEXT NOT NULL,
		project_path TEXT NOT NULL,
		candidate_id TEXT,
		memory_id TEXT NOT NULL,
		action TEXT NOT NULL,
		similarity REAL NOT NULL,
		verdict TEXT,
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reset drops all data and recreates the schema. Used by `serve --reset-db`.
func (s *Store) Reset(ctx context.Context) error {
	drops := []string{
		`DROP TABLE IF EXISTS arbitrations`,
		`DROP TABLE IF EXISTS memories`,
		`DROP TABLE IF EXISTS projects`,
		`DROP TABLE IF EXISTS machines`,
		`DROP TABLE IF EXISTS memory_vec_ids`,
		`DROP TABLE IF EXISTS memory_embeddings`,
		`DROP TABLE IF EXISTS vec_metadata`,
	}
	for _, stmt := range drops {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
	}
	if err := s.initSchema(); err != nil {
		return err
	}
	s.vecIdx = newVecIndex(s.db, s.dims)
	return nil
}

func newMemoryID() string {
	return "mem_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newProjectID() string {
	return "proj_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newMachineID() string {
	return "mach_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// upsertProject ensures the machine and project rows for a scope exist and
// returns the project id. Projects are created implicitly on first reference.
func (s *Store) upsertProject(ctx context.Context, q querier, machine, path string) (string, error) {
	now := time.Now().UTC()

	// INSERT OR IGNORE + reselect: scopes on the same machine may race here.
	if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO machines (id, name, created_at) VALUES (?, ?, ?)`,
		newMachineID(), machine, now); err != nil {
		return "", fmt.Errorf("failed to insert machine: %w", err)
	}
	var machineID string
	if err := q.QueryRowContext(ctx, `SELECT id FROM machines WHERE name = ?`, machine).Scan(&machineID); err != nil {
		return "", err
	}

	if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO projects (id, machine_id, path, created_at) VALUES (?, ?, ?, ?)`,
		newProjectID(), machineID, path, now); err != nil {
		return "", fmt.Errorf("failed to insert project: %w", err)
	}
	var projectID string
	if err := q.QueryRowContext(ctx, `SELECT id FROM projects WHERE machine_id = ? AND path = ?`, machineID, path).Scan(&projectID); err != nil {
		return "", err
	}
	return projectID, nil
}

// findProjectID resolves a (machine, path) pair to its project id, returning
// "" when the project has never been ingested into.
func (s *Store) findProjectID(ctx context.Context, machine, path string) (string, error) {
	var projectID string
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id FROM projects p
		JOIN machines m ON m.id = p.machine_id
		WHERE m.name = ? AND p.path = ?
	`, machine, path).Scan(&projectID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return projectID, err
}

// FindDuplicate returns the id of an alive memory in scope with identical
// content, or "" when none exists. Exact duplicates are detected by content
// hash before any capability is invoked.
func (s *Store) FindDuplicate(ctx context.Context, scope Scope, contentHash string) (string, error) {
	projectID, err := s.findProjectID(ctx, scope.Machine, scope.Project)
	if err != nil || projectID == "" {
		return "", err
	}
	var id string
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM memories
		WHERE project_id = ? AND category = ? AND content_hash = ? AND status = 'alive'
		LIMIT 1
	`, projectID, string(scope.Category), contentHash).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// Create inserts a fresh version-1 memory and its index entry in one
// transaction.
func (s *Store) Create(ctx context.Context, scope Scope, content string, embedding []float32, ts int64) (*Memory, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	projectID, err := s.upsertProject(ctx, tx, scope.Machine, scope.Project)
	if err != nil {
		return nil, err
	}

	mem := &Memory{
		ID:        newMemoryID(),
		Machine:   scope.Machine,
		Project:   scope.Project,
		Category:  scope.Category,
		Content:   content,
		Embedding: embedding,
		Version:   1,
		Status:    StatusAlive,
		Ts:        ts,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.insertMemory(ctx, tx, mem, projectID); err != nil {
		return nil, err
	}
	if err := s.vecIdx.insert(ctx, tx, mem.ID, projectID, string(scope.Category), embedding); err != nil {
		return nil, fmt.Errorf("failed to index embedding: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return mem, nil
}

// AppendVersion supersedes predecessorID with a new version carrying the
// given content. The predecessor row is marked superseded (never edited or
// deleted), the new row gets version+1 and a back-reference, and the index
// swaps the embeddings — all in one transaction. Returns ErrNotFound when
// the predecessor is missing or already superseded, which callers use to
// retry the ingestion as a fresh create.
func (s *Store) AppendVersion(ctx context.Context, predecessorID, content string, embedding []float32, ts int64) (*Memory, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	pred, projectID, err := s.getMemoryTx(ctx, tx, predecessorID)
	if err != nil {
		return nil, err
	}
	if pred == nil || pred.Status != StatusAlive {
		return nil, fmt.Errorf("predecessor %s: %w", predecessorID, ErrNotFound)
	}

	// Guard against a concurrent supersede slipping in between the read
	// above and this write.
	res, err := tx.ExecContext(ctx, `UPDATE memories SET status = 'superseded' WHERE id = ? AND status = 'alive'`, predecessorID)
	if err != nil {
		return nil, fmt.Errorf("failed to supersede predecessor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("predecessor %s: %w", predecessorID, ErrNotFound)
	}

	mem := &Memory{
		ID:         newMemoryID(),
		Machine:    pred.Machine,
		Project:    pred.Project,
		Category:   pred.Category,
		Content:    content,
		Embedding:  embedding,
		Version:    pred.Version + 1,
		Status:     StatusAlive,
		Supersedes: pred.ID,
		Ts:         ts,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.insertMemory(ctx, tx, mem, projectID); err != nil {
		return nil, err
	}
	if err := s.vecIdx.remove(ctx, tx, predecessorID); err != nil {
		return nil, fmt.Errorf("failed to deindex predecessor: %w", err)
	}
	if err := s.vecIdx.insert(ctx, tx, mem.ID, projectID, string(mem.Category), embedding); err != nil {
		return nil, fmt.Errorf("failed to index embedding: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return mem, nil
}

func (s *Store) insertMemory(ctx context.Context, q querier, mem *Memory, projectID string) error {
	embJSON, _ := json.Marshal(mem.Embedding)
	var supersedes any
	if mem.Supersedes != "" {
		supersedes = mem.Supersedes
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO memories (id, project_id, category, content, content_hash, embedding, version, status, supersedes, ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, mem.ID, projectID, string(mem.Category), mem.Content, ContentHash(mem.Content), string(embJSON),
		mem.Version, mem.Status, supersedes, mem.Ts, mem.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

const memoryColumns = `
	mem.id, m.name, p.path, mem.category, mem.content, mem.embedding,
	mem.version, mem.status, mem.supersedes, mem.ts, mem.created_at`

const memoryFrom = `
	FROM memories mem
	JOIN projects p ON p.id = mem.project_id
	JOIN machines m ON m.id = p.machine_id`

func scanMemory(rows interface{ Scan(...any) error }) (*Memory, error) {
	var mem Memory
	var category, embJSON string
	var supersedes sql.NullString
	if err := rows.Scan(&mem.ID, &mem.Machine, &mem.Project, &category, &mem.Content, &embJSON,
		&mem.Version, &mem.Status, &supersedes, &mem.Ts, &mem.CreatedAt); err != nil {
		return nil, err
	}
	mem.Category = Category(category)
	if supersedes.Valid {
		mem.Supersedes = supersedes.String
	}
	_ = json.Unmarshal([]byte(embJSON), &mem.Embedding)
	return &mem, nil
}

func (s *Store) getMemoryTx(ctx context.Context, q querier, id string) (*Memory, string, error) {
	row := q.QueryRowContext(ctx, `SELECT `+memoryColumns+`, mem.project_id `+memoryFrom+` WHERE mem.id = ?`, id)
	var mem Memory
	var category, embJSON, projectID string
	var supersedes sql.NullString
	err := row.Scan(&mem.ID, &mem.Machine, &mem.Project, &category, &mem.Content, &embJSON,
		&mem.Version, &mem.Status, &supersedes, &mem.Ts, &mem.CreatedAt, &projectID)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	mem.Category = Category(category)
	if supersedes.Valid {
		mem.Supersedes = supersedes.String
	}
	_ = json.Unmarshal([]byte(embJSON), &mem.Embedding)
	return &mem, projectID, nil
}

// Get returns the memories for the given ids. Missing ids are simply absent
// from the result, never an error.
func (s *Store) Get(ctx context.Context, ids []string) (map[string]*Memory, error) {
	return s.getMemories(ctx, s.db, ids)
}

func (s *Store) getMemories(ctx context.Context, q querier, ids []string) (map[string]*Memory, error) {
	result := make(map[string]*Memory, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+memoryColumns+memoryFrom+` WHERE mem.id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		result[mem.ID] = mem
	}
	return result, rows.Err()
}

// Chain returns the version chain for a memory, newest first, following
// supersedes back-references from the given id.
func (s *Store) Chain(ctx context.Context, id string) ([]*Memory, error) {
	var chain []*Memory
	seen := map[string]bool{}
	current := id
	for current != "" && !seen[current] {
		seen[current] = true
		mem, _, err := s.getMemoryTx(ctx, s.db, current)
		if err != nil {
			return nil, err
		}
		if mem == nil {
			break
		}
		chain = append(chain, mem)
		current = mem.Supersedes
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("chain head %s: %w", id, ErrNotFound)
	}
	return chain, nil
}

// ListProjects returns the projects known for a machine, most recently
// active first, with alive memory counts.
func (s *Store) ListProjects(ctx context.Context, machine string, limit int) ([]Project, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, m.name, p.path, p.created_at,
			COUNT(CASE WHEN mem.status = 'alive' THEN 1 END),
			COALESCE(MAX(mem.ts), 0)
		FROM projects p
		JOIN machines m ON m.id = p.machine_id
		LEFT JOIN memories mem ON mem.project_id = p.id
		WHERE m.name = ?
		GROUP BY p.id
		ORDER BY COALESCE(MAX(mem.ts), 0) DESC
		LIMIT ?
	`, machine, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []Project{}
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.MachineName, &p.Path, &p.CreatedAt, &p.MemoryCount, &p.LatestTs); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// SearchSimilar returns the top-k alive memories in scope ranked by cosine
// similarity to the query embedding, ties broken newest-first. An empty
// category matches every category of the project. A scope that has never
// been ingested into yields an empty result, not an error.
func (s *Store) SearchSimilar(ctx context.Context, scope Scope, embedding []float32, k int) ([]ScoredMemory, error) {
	if k <= 0 {
		return nil, nil
	}
	projectID, err := s.findProjectID(ctx, scope.Machine, scope.Project)
	if err != nil {
		return nil, err
	}
	if projectID == "" {
		return nil, nil
	}

	if s.vecIdx.available {
		hits, err := s.searchWithVecIndex(ctx, projectID, scope, embedding, k)
		if err == nil {
			return hits, nil
		}
		if errors.Is(err, ErrConsistency) {
			return nil, err
		}
		// fall through to linear scan on other index errors
	}
	return s.searchLinear(ctx, projectID, scope, embedding, k)
}

func (s *Store) searchWithVecIndex(ctx context.Context, projectID string, scope Scope, embedding []float32, k int) ([]ScoredMemory, error) {
	overfetch := k * 4
	if overfetch < 32 {
		overfetch = 32
	}

	// KNN lookup and row hydration must observe the same snapshot. Run both
	// inside one read transaction so a version append committing in between
	// cannot make the index and the store appear to disagree.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	results, err := s.vecIdx.search(ctx, tx, projectID, string(scope.Category), embedding, overfetch)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return []ScoredMemory{}, nil
	}

	ids := make([]string, 0, len(results))
	distance := make(map[string]float64, len(results))
	for _, r := range results {
		ids = append(ids, r.memoryID)
		distance[r.memoryID] = r.distance
	}
	memories, err := s.getMemories(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	hits := make([]ScoredMemory, 0, len(results))
	for _, r := range results {
		mem, ok := memories[r.memoryID]
		if !ok || mem.Status != StatusAlive {
			// Within a single snapshot the index must track alive store rows
			// exactly; anything else means a transaction boundary was violated.
			return nil, fmt.Errorf("index entry %s has no alive store row: %w", r.memoryID, ErrConsistency)
		}
		hits = append(hits, ScoredMemory{Memory: mem, Similarity: clampSimilarity(1 - distance[mem.ID])})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *Store) searchLinear(ctx context.Context, projectID string, scope Scope, embedding []float32, k int) ([]ScoredMemory, error) {
	query := `SELECT ` + memoryColumns + memoryFrom + ` WHERE mem.project_id = ? AND mem.status = 'alive'`
	args := []any{projectID}
	if scope.Category != "" {
		query += ` AND mem.category = ?`
		args = append(args, string(scope.Category))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan memories: %w", err)
	}
	defer rows.Close()

	hits := []ScoredMemory{}
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, ScoredMemory{Memory: mem, Similarity: CosineSimilarity(embedding, mem.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func sortHits(hits []ScoredMemory) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		// Equal similarity prefers newer knowledge.
		return hits[i].Memory.CreatedAt.After(hits[j].Memory.CreatedAt)
	})
}

func clampSimilarity(sim float64) float64 {
	if sim > 1 {
		return 1
	}
	if sim < -1 {
		return -1
	}
	return sim
}

// InsertArbitration appends one row to the arbitration audit log.
func (s *Store) InsertArbitration(ctx context.Context, rec ArbitrationRecord) error {
	var candidate any
	if rec.CandidateID != "" {
		candidate = rec.CandidateID
	}
	var verdict any
	if rec.Verdict != "" {
		verdict = rec.Verdict
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO arbitrations (machine_name, project_path, candidate_id, memory_id, action, similarity, verdict, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Machine, rec.Project, candidate, rec.MemoryID, rec.Action, rec.Similarity, verdict, time.Now().UTC())
	return err
}

// ListArbitrations returns the most recent arbitration log entries.
func (s *Store) ListArbitrations(ctx context.Context, limit int) ([]ArbitrationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, machine_name, project_path, COALESCE(candidate_id, ''), memory_id, action, similarity, COALESCE(verdict, ''), created_at
		FROM arbitrations ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []ArbitrationRecord{}
	for rows.Next() {
		var rec ArbitrationRecord
		if err := rows.Scan(&rec.ID, &rec.Machine, &rec.Project, &rec.CandidateID, &rec.MemoryID,
			&rec.Action, &rec.Similarity, &rec.Verdict, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of alive memories.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE status = 'alive'`).Scan(&count)
	return count, err
}

// Size returns the database file size as a human-readable string.
func (s *Store) Size() (string, error) {
	info, err := os.Stat(filepath.Join(s.dataDir, "memories.db"))
	if err != nil {
		return "unknown", err
	}
	size := info.Size()
	switch {
	case size < 1024:
		return fmt.Sprintf("%d B", size), nil
	case size < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024), nil
	default:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024)), nil
	}
}

// CosineSimilarity computes the cosine similarity of two vectors, returning
// 0 for mismatched or empty inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
