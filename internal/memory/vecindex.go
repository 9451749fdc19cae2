package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	sqlite_vec.Auto()
}

// vecIndex manages the sqlite-vec index for fast scoped KNN queries. It lives
// in the same database file as the memory rows so index mutations join the
// store's transactions. If the extension fails to load, all operations are
// no-ops and the store falls back to brute-force cosine similarity.
type vecIndex struct {
	db         *sql.DB
	dimensions int
	available  bool
}

type vecResult struct {
	memoryID string
	distance float64
}

func newVecIndex(db *sql.DB, dimensions int) *vecIndex {
	vi := &vecIndex{db: db, dimensions: dimensions}
	if err := vi.ensureSchema(); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  sqlite-vec not available, using linear scan: %v\n", err)
		vi.available = false
	} else {
		vi.available = true
	}
	return vi
}

func (vi *vecIndex) ensureSchema() error {
	var vecVersion string
	if err := vi.db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		return fmt.Errorf("vec_version() failed: %w", err)
	}

	if _, err := vi.db.Exec(`CREATE TABLE IF NOT EXISTS vec_metadata (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return fmt.Errorf("failed to create vec_metadata: %w", err)
	}

	// vec0 requires integer rowids; memories use text ids. The mapping table
	// also carries the scope columns so KNN queries can be pre-filtered.
	if _, err := vi.db.Exec(`CREATE TABLE IF NOT EXISTS memory_vec_ids (
		vec_id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id TEXT UNIQUE NOT NULL,
		project_id TEXT NOT NULL,
		category TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create vec ID mapping: %w", err)
	}
	if _, err := vi.db.Exec(`CREATE INDEX IF NOT EXISTS idx_vec_ids_scope ON memory_vec_ids(project_id, category)`); err != nil {
		return fmt.Errorf("failed to index vec ID mapping: %w", err)
	}

	vi.handleDimensionChange()

	createSQL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_embeddings USING vec0(embedding float[%d] distance_metric=cosine)`,
		vi.dimensions,
	)
	if _, err := vi.db.Exec(createSQL); err != nil {
		return fmt.Errorf("failed to create vec0 table: %w", err)
	}

	vi.db.Exec(`INSERT OR REPLACE INTO vec_metadata (key, value) VALUES ('dimensions', ?)`,
		fmt.Sprintf("%d", vi.dimensions))

	return nil
}

// handleDimensionChange drops the vec0 table when the configured embedding
// dimensionality differs from the stored one, so it can be recreated.
func (vi *vecIndex) handleDimensionChange() {
	var storedDim string
	err := vi.db.QueryRow(`SELECT value FROM vec_metadata WHERE key = 'dimensions'`).Scan(&storedDim)
	if err != nil {
		return // first run
	}
	if storedDim == fmt.Sprintf("%d", vi.dimensions) {
		return
	}

	fmt.Fprintf(os.Stderr, "⚠️  Embedding dimensions changed (%s -> %d), rebuilding vec index\n", storedDim, vi.dimensions)
	vi.db.Exec(`DROP TABLE IF EXISTS memory_embeddings`)
	vi.db.Exec(`DELETE FROM memory_vec_ids`)
}

// insert adds a memory's embedding to the index within the caller's
// transaction.
func (vi *vecIndex) insert(ctx context.Context, q querier, memoryID, projectID, category string, embedding []float32) error {
	if !vi.available || len(embedding) == 0 || len(embedding) != vi.dimensions {
		return nil
	}

	var vecID int64
	err := q.QueryRowContext(ctx, `SELECT vec_id FROM memory_vec_ids WHERE memory_id = ?`, memoryID).Scan(&vecID)
	if err == sql.ErrNoRows {
		result, err := q.ExecContext(ctx, `INSERT INTO memory_vec_ids (memory_id, project_id, category) VALUES (?, ?, ?)`,
			memoryID, projectID, category)
		if err != nil {
			return fmt.Errorf("failed to create vec ID mapping: %w", err)
		}
		vecID, _ = result.LastInsertId()
	} else if err != nil {
		return err
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}

	// vec0 doesn't support ON CONFLICT, so delete first if exists
	q.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE rowid = ?`, vecID)

	if _, err := q.ExecContext(ctx, `INSERT INTO memory_embeddings (rowid, embedding) VALUES (?, ?)`, vecID, blob); err != nil {
		return fmt.Errorf("failed to insert into vec0: %w", err)
	}
	return nil
}

// remove deletes a memory from the index within the caller's transaction.
// Superseded memories must never surface from KNN queries.
func (vi *vecIndex) remove(ctx context.Context, q querier, memoryID string) error {
	if !vi.available {
		return nil
	}
	var vecID int64
	if err := q.QueryRowContext(ctx, `SELECT vec_id FROM memory_vec_ids WHERE memory_id = ?`, memoryID).Scan(&vecID); err != nil {
		return nil // not indexed
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE rowid = ?`, vecID); err != nil {
		return fmt.Errorf("failed to delete from vec0: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM memory_vec_ids WHERE vec_id = ?`, vecID); err != nil {
		return fmt.Errorf("failed to delete vec ID mapping: %w", err)
	}
	return nil
}

// search performs a scoped KNN query and returns memory ids with cosine
// distances in ascending distance order. An empty category matches every
// category of the project.
func (vi *vecIndex) search(ctx context.Context, q querier, projectID, category string, queryEmbedding []float32, limit int) ([]vecResult, error) {
	if !vi.available {
		return nil, fmt.Errorf("vec index not available")
	}

	blob, err := sqlite_vec.SerializeFloat32(queryEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}

	// Pre-filter the KNN by scope through the mapping table, then map the
	// surviving rowids back to memory ids in one pass.
	scopeFilter := `SELECT vec_id FROM memory_vec_ids WHERE project_id = ?`
	args := []any{blob, projectID}
	if category != "" {
		scopeFilter += ` AND category = ?`
		args = append(args, category)
	}
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, `
		SELECT v.memory_id, e.distance
		FROM (
			SELECT rowid, distance
			FROM memory_embeddings
			WHERE embedding MATCH ? AND rowid IN (`+scopeFilter+`)
			ORDER BY distance
			LIMIT ?
		) e
		JOIN memory_vec_ids v ON v.vec_id = e.rowid
		ORDER BY e.distance
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []vecResult
	for rows.Next() {
		var r vecResult
		if err := rows.Scan(&r.memoryID, &r.distance); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// backfill repopulates the index from alive memories that are missing from
// it, typically after a dimension change rebuild. Returns the number of
// memories indexed.
func (vi *vecIndex) backfill(ctx context.Context) (int, error) {
	if !vi.available {
		return 0, nil
	}

	rows, err := vi.db.QueryContext(ctx, `
		SELECT m.id, m.project_id, m.category, m.embedding
		FROM memories m
		LEFT JOIN memory_vec_ids v ON v.memory_id = m.id
		WHERE v.vec_id IS NULL AND m.status = 'alive'
		AND m.embedding != '' AND m.embedding != '[]' AND m.embedding != 'null'
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type pending struct {
		id, projectID, category string
		embedding               []float32
	}
	var todo []pending
	for rows.Next() {
		var p pending
		var embJSON string
		if err := rows.Scan(&p.id, &p.projectID, &p.category, &embJSON); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(embJSON), &p.embedding); err != nil {
			continue
		}
		if len(p.embedding) != vi.dimensions {
			continue
		}
		todo = append(todo, p)
	}
	rows.Close()

	count := 0
	for _, p := range todo {
		if err := vi.insert(ctx, vi.db, p.id, p.projectID, p.category, p.embedding); err != nil {
			continue
		}
		count++
	}
	return count, nil
}
