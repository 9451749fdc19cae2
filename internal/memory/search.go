package memory

import (
	"context"
	"log"
	"time"
)

// Searcher answers similarity queries over a scope. A failing embedding
// provider degrades search to an empty result rather than an error, so
// agents keep working while the capability is down.
type Searcher struct {
	store        *Store
	embedder     Embedder
	embedTimeout time.Duration
}

// NewSearcher wires a searcher over the store and embedding provider.
func NewSearcher(store *Store, embedder Embedder, embedTimeout time.Duration) *Searcher {
	if embedTimeout <= 0 {
		embedTimeout = 15 * time.Second
	}
	return &Searcher{store: store, embedder: embedder, embedTimeout: embedTimeout}
}

// Search embeds the query and returns the top-limit alive memories in scope
// by cosine similarity. An empty scope category searches every category of
// the project.
func (s *Searcher) Search(ctx context.Context, scope Scope, query string, limit int) ([]ScoredMemory, error) {
	embedCtx, cancel := context.WithTimeout(ctx, s.embedTimeout)
	defer cancel()
	embedding, err := s.embedder.Embed(embedCtx, query)
	if err != nil {
		log.Printf("embedding unavailable, returning degraded empty search: %v", err)
		return []ScoredMemory{}, nil
	}
	hits, err := s.store.SearchSimilar(ctx, scope, embedding, limit)
	if err != nil {
		return nil, err
	}
	if hits == nil {
		hits = []ScoredMemory{}
	}
	return hits, nil
}
