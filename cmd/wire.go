package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/mnemolabs/mnemo/internal/config"
	"github.com/mnemolabs/mnemo/internal/memory"
)

// components bundles the wired core of the service.
type components struct {
	settings *config.Settings
	store    *memory.Store
	ingestor *memory.Ingestor
	searcher *memory.Searcher
}

func (c *components) Close() {
	c.store.Close()
}

// openComponents loads settings and wires the store, embedder, judge and
// pipelines according to them.
func openComponents() (*components, error) {
	settings, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	embedder, err := buildEmbedder(settings)
	if err != nil {
		return nil, err
	}

	store, err := memory.Open(settings.DataDir, embedder.Dimensions())
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	judge := buildJudge(settings)
	arbiter := memory.NewArbiter(judge,
		settings.Arbitration.DuplicateThreshold,
		settings.Arbitration.TopicThreshold,
		time.Duration(settings.Judge.TimeoutSeconds)*time.Second)

	embedTimeout := time.Duration(settings.Embedding.TimeoutSeconds) * time.Second
	return &components{
		settings: settings,
		store:    store,
		ingestor: memory.NewIngestor(store, embedder, arbiter, settings.Arbitration.TopK, embedTimeout),
		searcher: memory.NewSearcher(store, embedder, embedTimeout),
	}, nil
}

func buildEmbedder(settings *config.Settings) (memory.Embedder, error) {
	var inner memory.Embedder
	switch settings.Embedding.Provider {
	case "openai":
		fmt.Fprintln(os.Stderr, "🧠 Using OpenAI-compatible embeddings")
		inner = memory.NewOpenAIEmbedder(
			settings.Embedding.BaseURL,
			settings.Embedding.APIKey,
			settings.Embedding.Model,
			settings.Embedding.Dimensions)
	default:
		fmt.Fprintln(os.Stderr, "🧠 Using mock embeddings")
		inner = memory.NewMockEmbedder(settings.Embedding.Dimensions)
	}
	cached, err := memory.NewCachedEmbedder(inner, settings.Embedding.CacheEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to build embedder: %w", err)
	}
	return cached, nil
}

func buildJudge(settings *config.Settings) memory.Judge {
	switch settings.Judge.Provider {
	case "claude":
		fmt.Fprintln(os.Stderr, "⚖️  Using Claude arbitration judge")
		return memory.NewClaudeJudge(settings.Judge.APIKey, settings.Judge.Model)
	default:
		fmt.Fprintln(os.Stderr, "⚖️  Using rule-based arbitration judge")
		return memory.NewRuleJudge()
	}
}
