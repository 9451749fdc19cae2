package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Ingestor runs the full ingestion pipeline for one piece of content:
// duplicate fast path, embed, candidate search, arbitration, store mutation.
// Ingestions are serialized per (machine, project, category) scope so that
// concurrent submissions into one scope arbitrate against each other's
// results instead of racing.
type Ingestor struct {
	store        *Store
	embedder     Embedder
	arbiter      *Arbiter
	topK         int
	embedTimeout time.Duration

	mu         sync.Mutex
	scopeLocks map[string]*sync.Mutex
}

// NewIngestor wires an ingestion pipeline. topK bounds the candidate set
// fetched for arbitration; embedTimeout bounds every embedding call.
func NewIngestor(store *Store, embedder Embedder, arbiter *Arbiter, topK int, embedTimeout time.Duration) *Ingestor {
	if topK <= 0 {
		topK = 20
	}
	if embedTimeout <= 0 {
		embedTimeout = 15 * time.Second
	}
	return &Ingestor{
		store:        store,
		embedder:     embedder,
		arbiter:      arbiter,
		topK:         topK,
		embedTimeout: embedTimeout,
		scopeLocks:   make(map[string]*sync.Mutex),
	}
}

func (in *Ingestor) lockScope(scope Scope) *sync.Mutex {
	in.mu.Lock()
	defer in.mu.Unlock()
	key := scope.Key()
	l, ok := in.scopeLocks[key]
	if !ok {
		l = &sync.Mutex{}
		in.scopeLocks[key] = l
	}
	return l
}

// Ingest arbitrates and stores one piece of content, returning the decision
// with MemoryID set to the created, updated, or retained memory.
func (in *Ingestor) Ingest(ctx context.Context, scope Scope, content string, ts int64) (Decision, error) {
	lock := in.lockScope(scope)
	lock.Lock()
	defer lock.Unlock()

	// Exact duplicates short-circuit before any capability is invoked.
	if dupID, err := in.store.FindDuplicate(ctx, scope, ContentHash(content)); err != nil {
		return Decision{}, fmt.Errorf("duplicate check failed: %w", err)
	} else if dupID != "" {
		decision := Decision{
			Kind:        DecisionSkipped,
			MemoryID:    dupID,
			CandidateID: dupID,
			Similarity:  1.0,
		}
		in.recordArbitration(ctx, scope, decision)
		return decision, nil
	}

	embedding := in.embed(ctx, content)

	var candidates []Candidate
	if embedding != nil {
		hits, err := in.store.SearchSimilar(ctx, scope, embedding, in.topK)
		if err != nil {
			if errors.Is(err, ErrConsistency) {
				return Decision{}, err
			}
			log.Printf("candidate search failed, creating memory: %v", err)
		}
		candidates = make([]Candidate, len(hits))
		for i, h := range hits {
			candidates[i] = Candidate{Memory: h.Memory, Similarity: h.Similarity}
		}
	}

	decision := in.arbiter.Decide(ctx, content, candidates)

	switch decision.Kind {
	case DecisionCreated:
		mem, err := in.store.Create(ctx, scope, content, embedding, ts)
		if err != nil {
			return Decision{}, fmt.Errorf("create failed: %w", err)
		}
		decision.MemoryID = mem.ID

	case DecisionUpdated:
		mem, err := in.store.AppendVersion(ctx, decision.CandidateID, content, embedding, ts)
		if errors.Is(err, ErrNotFound) {
			// The candidate was superseded between search and mutation;
			// under per-scope serialization this only happens across
			// category-superset searches. Fall back to a fresh create.
			mem, err = in.store.Create(ctx, scope, content, embedding, ts)
			if err == nil {
				decision.Kind = DecisionCreated
			}
		}
		if err != nil {
			return Decision{}, fmt.Errorf("append version failed: %w", err)
		}
		decision.MemoryID = mem.ID
	}

	if decision.CandidateID != "" {
		in.recordArbitration(ctx, scope, decision)
	}
	return decision, nil
}

// embed returns the content's embedding, or nil when the provider fails.
// A nil embedding degrades the pipeline to create-without-candidates and
// leaves the memory out of the vector index.
func (in *Ingestor) embed(ctx context.Context, content string) []float32 {
	embedCtx, cancel := context.WithTimeout(ctx, in.embedTimeout)
	defer cancel()
	embedding, err := in.embedder.Embed(embedCtx, content)
	if err != nil {
		log.Printf("embedding unavailable, storing without index entry: %v", err)
		return nil
	}
	return embedding
}

func (in *Ingestor) recordArbitration(ctx context.Context, scope Scope, d Decision) {
	rec := ArbitrationRecord{
		Machine:     scope.Machine,
		Project:     scope.Project,
		CandidateID: d.CandidateID,
		MemoryID:    d.MemoryID,
		Action:      string(d.Kind),
		Similarity:  d.Similarity,
		Verdict:     string(d.Verdict),
	}
	if err := in.store.InsertArbitration(ctx, rec); err != nil {
		log.Printf("failed to record arbitration: %v", err)
	}
}
