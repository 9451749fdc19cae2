// Package config loads Mnemo settings from defaults, an optional YAML file,
// and MNEMO_* environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Settings is the full runtime configuration.
type Settings struct {
	Host        string              `yaml:"host"`
	Port        int                 `yaml:"port"`
	DataDir     string              `yaml:"data_dir"`
	Embedding   EmbeddingSettings   `yaml:"embedding"`
	Judge       JudgeSettings       `yaml:"judge"`
	Arbitration ArbitrationSettings `yaml:"arbitration"`
}

// EmbeddingSettings selects and tunes the embedding provider.
type EmbeddingSettings struct {
	// Provider is "mock" or "openai".
	Provider string `yaml:"provider"`
	// BaseURL lets "openai" point at any OpenAI-compatible endpoint.
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	Dimensions     int    `yaml:"dimensions"`
	CacheEntries   int64  `yaml:"cache_entries"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// JudgeSettings selects and tunes the arbitration judge.
type JudgeSettings struct {
	// Provider is "rule" or "claude".
	Provider       string `yaml:"provider"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ArbitrationSettings tunes the similarity bands of the arbitration engine.
type ArbitrationSettings struct {
	// DuplicateThreshold marks near-certain duplicates.
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`
	// TopicThreshold marks the same-topic band below DuplicateThreshold.
	TopicThreshold float64 `yaml:"topic_threshold"`
	// TopK bounds the candidate set fetched per ingestion.
	TopK int `yaml:"top_k"`
}

// Defaults returns the built-in configuration: offline capabilities, local
// sqlite store, loopback listener.
func Defaults() *Settings {
	return &Settings{
		Host: "127.0.0.1",
		Port: 8080,
		Embedding: EmbeddingSettings{
			Provider:       "mock",
			Dimensions:     256,
			CacheEntries:   4096,
			TimeoutSeconds: 15,
		},
		Judge: JudgeSettings{
			Provider:       "rule",
			TimeoutSeconds: 10,
		},
		Arbitration: ArbitrationSettings{
			DuplicateThreshold: 0.92,
			TopicThreshold:     0.85,
			TopK:               20,
		},
	}
}

// Load builds settings from defaults, the YAML file at path (or MNEMO_CONFIG
// when path is empty; a missing default file is not an error), and finally
// environment overrides.
func Load(path string) (*Settings, error) {
	s := Defaults()

	if path == "" {
		path = os.Getenv("MNEMO_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	s.applyEnv()
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyEnv() {
	if v := os.Getenv("MNEMO_HOST"); v != "" {
		s.Host = v
	}
	if v := os.Getenv("MNEMO_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			s.Port = port
		}
	}
	if v := os.Getenv("MNEMO_DATA_DIR"); v != "" {
		s.DataDir = v
	}
	if v := os.Getenv("MNEMO_EMBEDDINGS"); v != "" {
		s.Embedding.Provider = v
	}
	if v := os.Getenv("MNEMO_EMBEDDING_BASE_URL"); v != "" {
		s.Embedding.BaseURL = v
	}
	if v := os.Getenv("MNEMO_EMBEDDING_MODEL"); v != "" {
		s.Embedding.Model = v
	}
	if v := os.Getenv("MNEMO_EMBEDDING_DIMENSIONS"); v != "" {
		if dims, err := strconv.Atoi(v); err == nil {
			s.Embedding.Dimensions = dims
		}
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && s.Embedding.APIKey == "" {
		s.Embedding.APIKey = v
	}
	if v := os.Getenv("MNEMO_JUDGE"); v != "" {
		s.Judge.Provider = v
	}
	if v := os.Getenv("MNEMO_JUDGE_MODEL"); v != "" {
		s.Judge.Model = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && s.Judge.APIKey == "" {
		s.Judge.APIKey = v
	}
	if v := os.Getenv("MNEMO_DUP_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.Arbitration.DuplicateThreshold = f
		}
	}
	if v := os.Getenv("MNEMO_TOPIC_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.Arbitration.TopicThreshold = f
		}
	}
	if v := os.Getenv("MNEMO_TOP_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil {
			s.Arbitration.TopK = k
		}
	}
}

func (s *Settings) validate() error {
	switch s.Embedding.Provider {
	case "mock", "openai":
	default:
		return fmt.Errorf("unknown embedding provider %q", s.Embedding.Provider)
	}
	switch s.Judge.Provider {
	case "rule", "claude":
	default:
		return fmt.Errorf("unknown judge provider %q", s.Judge.Provider)
	}
	if s.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", s.Embedding.Dimensions)
	}
	if s.Arbitration.TopicThreshold > s.Arbitration.DuplicateThreshold {
		return fmt.Errorf("topic threshold %.2f exceeds duplicate threshold %.2f",
			s.Arbitration.TopicThreshold, s.Arbitration.DuplicateThreshold)
	}
	return nil
}
