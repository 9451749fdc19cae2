// Package memory implements Mnemo's ingestion, arbitration and retrieval core.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContentHash returns the sha256 hex digest used for exact-duplicate
// detection within a scope.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ErrNotFound is returned when a referenced memory is missing or, for
// version appends, already superseded.
var ErrNotFound = errors.New("memory not found")

// Category partitions memories inside a project.
type Category string

const (
	CategoryRequirement Category = "requirement"
	CategoryPlan        Category = "plan"
	CategoryDevelopment Category = "development"
	CategoryTesting     Category = "testing"
	CategoryInsight     Category = "insight"
)

// Categories lists every valid category in declaration order.
func Categories() []Category {
	return []Category{CategoryRequirement, CategoryPlan, CategoryDevelopment, CategoryTesting, CategoryInsight}
}

// Valid reports whether c is one of the closed set of categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryRequirement, CategoryPlan, CategoryDevelopment, CategoryTesting, CategoryInsight:
		return true
	}
	return false
}

// Scope identifies the (machine, project, category) partition a memory
// belongs to. Category may be empty when addressing every category of a
// project (search supersets).
type Scope struct {
	Machine  string
	Project  string
	Category Category
}

// Key returns a stable string key for per-scope serialization.
func (s Scope) Key() string {
	return s.Machine + "\x1f" + s.Project + "\x1f" + string(s.Category)
}

func (s Scope) String() string {
	if s.Category == "" {
		return fmt.Sprintf("%s:%s:*", s.Machine, s.Project)
	}
	return fmt.Sprintf("%s:%s:%s", s.Machine, s.Project, s.Category)
}

// Status of a memory record. Superseded memories are retained for history
// but excluded from the index and from search.
const (
	StatusAlive      = "alive"
	StatusSuperseded = "superseded"
)

// Machine is the identity anchor for an agent host.
type Machine struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is a path-scoped workspace on a machine, created implicitly on
// first ingestion that references it.
type Project struct {
	ID          string    `json:"id"`
	MachineName string    `json:"machine_name"`
	Path        string    `json:"path"`
	MemoryCount int       `json:"memory_count"`
	LatestTs    int64     `json:"latest_ts"`
	CreatedAt   time.Time `json:"created_at"`
}

// Memory is a single versioned record. Supersedes links form an append-only
// chain: each updated memory points back at the record it replaced.
type Memory struct {
	ID         string    `json:"id"`
	Machine    string    `json:"machine_name"`
	Project    string    `json:"project_path"`
	Category   Category  `json:"content_type"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
	Version    int       `json:"version"`
	Status     string    `json:"status"`
	Supersedes string    `json:"supersedes,omitempty"`
	Ts         int64     `json:"ts"`
	CreatedAt  time.Time `json:"created_at"`
}

// Scope returns the partition the memory lives in.
func (m *Memory) Scope() Scope {
	return Scope{Machine: m.Machine, Project: m.Project, Category: m.Category}
}

// Snippet returns the leading runes of the content for compact search results.
func (m *Memory) Snippet(limit int) string {
	trimmed := strings.TrimSpace(m.Content)
	runes := []rune(trimmed)
	if len(runes) <= limit {
		return trimmed
	}
	return string(runes[:limit]) + "..."
}

// DecisionKind classifies the outcome of one ingestion.
type DecisionKind string

const (
	DecisionCreated DecisionKind = "created"
	DecisionUpdated DecisionKind = "updated"
	DecisionSkipped DecisionKind = "skipped"
)

// Decision is the transient result of arbitrating one piece of content.
type Decision struct {
	Kind     DecisionKind
	MemoryID string
	// CandidateID is the existing memory the decision was made against,
	// empty when no candidate cleared the same-topic threshold.
	CandidateID string
	Similarity  float64
	Verdict     Verdict
}

// Candidate pairs an existing memory with its similarity to new content.
type Candidate struct {
	Memory     *Memory
	Similarity float64
}

// ScoredMemory is a search hit: a memory plus its cosine similarity to the
// query embedding.
type ScoredMemory struct {
	Memory     *Memory
	Similarity float64
}

// ArbitrationRecord is one row of the arbitration audit log.
type ArbitrationRecord struct {
	ID          int64     `json:"id"`
	Machine     string    `json:"machine_name"`
	Project     string    `json:"project_path"`
	CandidateID string    `json:"candidate_id,omitempty"`
	MemoryID    string    `json:"memory_id"`
	Action      string    `json:"action"`
	Similarity  float64   `json:"similarity"`
	Verdict     string    `json:"verdict,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
