package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, []string{"memory", "sessions"}, cfg.Memory.Sources)
	assert.Equal(t, 512, cfg.Memory.Chunking.Tokens)
	assert.Equal(t, 64, cfg.Memory.Chunking.Overlap)
	assert.Equal(t, "openai", cfg.Memory.Embedding.Provider)
	assert.Equal(t, "none", cfg.Memory.Embedding.Fallback)
	assert.Equal(t, 10000, cfg.Memory.Embedding.Cache.MaxEntries)
	assert.False(t, cfg.Memory.Embedding.Batch.Enabled)
	assert.True(t, cfg.Memory.Sync.Watch)
	assert.True(t, cfg.Memory.Hybrid.Enabled)
	assert.InDelta(t, 1.0, cfg.Memory.Hybrid.VectorWeight+cfg.Memory.Hybrid.TextWeight, 1e-9)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoader_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Memory.Chunking, cfg.Memory.Chunking)
}

func TestLoader_ReadsFileAndFillsPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openclaw.json")

	raw := `{
		"data_dir": "` + dir + `",
		"workspace_path": "/work",
		"memory": {
			"chunking": {"tokens": 256, "overlap": 32},
			"embedding": {"provider": "voyage", "api_key": "vk-test"}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Memory.Chunking.Tokens)
	assert.Equal(t, 32, cfg.Memory.Chunking.Overlap)
	assert.Equal(t, "voyage", cfg.Memory.Embedding.Provider)
	// Untouched sections keep their defaults.
	assert.Equal(t, []string{"memory", "sessions"}, cfg.Memory.Sources)
	// Derived paths are filled in.
	assert.Equal(t, filepath.Join(dir, "memory", "index.db"), cfg.Memory.Store.Path)
	assert.Equal(t, filepath.Join(dir, "openclaw.log"), cfg.Logging.File)
}

func TestLoader_SaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openclaw.json")

	loader := NewLoader(path)
	cfg := DefaultConfig()
	cfg.WorkspacePath = "/work"
	cfg.Memory.Embedding.Provider = "gemini"
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "/work", loaded.WorkspacePath)
	assert.Equal(t, "gemini", loaded.Memory.Embedding.Provider)
}
