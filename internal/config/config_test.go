package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", s.Host)
	assert.Equal(t, 8080, s.Port)
	assert.Equal(t, "mock", s.Embedding.Provider)
	assert.Equal(t, 256, s.Embedding.Dimensions)
	assert.Equal(t, "rule", s.Judge.Provider)
	assert.Equal(t, 0.92, s.Arbitration.DuplicateThreshold)
	assert.Equal(t, 0.85, s.Arbitration.TopicThreshold)
	assert.Equal(t, 20, s.Arbitration.TopK)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
host: 0.0.0.0
port: 9090
embedding:
  provider: openai
  model: text-embedding-3-small
  dimensions: 1536
judge:
  provider: claude
arbitration:
  duplicate_threshold: 0.95
  topic_threshold: 0.80
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", s.Host)
	assert.Equal(t, 9090, s.Port)
	assert.Equal(t, "openai", s.Embedding.Provider)
	assert.Equal(t, 1536, s.Embedding.Dimensions)
	assert.Equal(t, "claude", s.Judge.Provider)
	assert.Equal(t, 0.95, s.Arbitration.DuplicateThreshold)
	assert.Equal(t, 0.80, s.Arbitration.TopicThreshold)
	// unset file values keep defaults
	assert.Equal(t, 20, s.Arbitration.TopK)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MNEMO_PORT", "7777")
	t.Setenv("MNEMO_EMBEDDINGS", "openai")
	t.Setenv("MNEMO_DUP_THRESHOLD", "0.97")
	t.Setenv("MNEMO_TOP_K", "5")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7777, s.Port)
	assert.Equal(t, "openai", s.Embedding.Provider)
	assert.Equal(t, 0.97, s.Arbitration.DuplicateThreshold)
	assert.Equal(t, 5, s.Arbitration.TopK)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidSettings(t *testing.T) {
	t.Setenv("MNEMO_EMBEDDINGS", "telepathy")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_ThresholdOrdering(t *testing.T) {
	t.Setenv("MNEMO_TOPIC_THRESHOLD", "0.99")
	t.Setenv("MNEMO_DUP_THRESHOLD", "0.90")
	_, err := Load("")
	assert.Error(t, err)
}
