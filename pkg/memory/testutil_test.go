package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/belyaeva84-debug/openclaw/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// mockEmbeddingProvider generates deterministic hash-seeded embeddings.
type mockEmbeddingProvider struct {
	dimension int

	mu         sync.Mutex
	queryCalls int
	batchCalls int
	failWith   error
}

func newMockProvider(dimension int) *mockEmbeddingProvider {
	return &mockEmbeddingProvider{dimension: dimension}
}

func (p *mockEmbeddingProvider) ID() string           { return "mock" }
func (p *mockEmbeddingProvider) Model() string        { return "mock-embed-1" }
func (p *mockEmbeddingProvider) InputTokenLimit() int { return 8192 }

func (p *mockEmbeddingProvider) embed(text string) []float32 {
	vec := make([]float32, p.dimension)
	hash := 0
	for _, c := range text {
		hash = hash*31 + int(c)
	}
	for i := 0; i < p.dimension; i++ {
		vec[i] = float32((hash+i)%100)/100.0 + 0.01
	}
	return vec
}

func (p *mockEmbeddingProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.queryCalls++
	err := p.failWith
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.embed(text), nil
}

func (p *mockEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.batchCalls++
	err := p.failWith
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = p.embed(t)
	}
	return vecs, nil
}

func (p *mockEmbeddingProvider) setFailure(err error) {
	p.mu.Lock()
	p.failWith = err
	p.mu.Unlock()
}

func (p *mockEmbeddingProvider) calls() (query, batch int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queryCalls, p.batchCalls
}

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

// testMemoryConfig returns a memory config suited to tests: no watcher, no
// interval, no search-triggered syncs.
func testMemoryConfig(dbPath string) config.MemoryConfig {
	cfg := config.DefaultConfig().Memory
	cfg.Store.Path = dbPath
	cfg.Sync.Watch = false
	cfg.Sync.IntervalMinutes = 0
	cfg.Sync.OnSearch = false
	cfg.Sync.OnSessionStart = false
	cfg.Chunking.Tokens = 128
	cfg.Chunking.Overlap = 16
	return cfg
}

type testEnv struct {
	mgr       *Manager
	provider  *mockEmbeddingProvider
	workspace string
	sessions  string
}

func createTestManager(t *testing.T, mutate ...func(*config.MemoryConfig)) (*testEnv, func()) {
	t.Helper()

	workspaceDir, err := os.MkdirTemp("", "memory-test-*")
	require.NoError(t, err)

	sessionsDir := filepath.Join(workspaceDir, ".sessions")
	require.NoError(t, os.MkdirAll(sessionsDir, 0755))

	cfg := testMemoryConfig(filepath.Join(workspaceDir, "index.db"))
	for _, fn := range mutate {
		fn(&cfg)
	}

	provider := newMockProvider(32)
	mgr, err := NewManager(ManagerConfig{
		AgentID:        "test-agent",
		WorkspaceDir:   workspaceDir,
		TranscriptsDir: sessionsDir,
		Memory:         cfg,
		Logger:         testLogger(),
		Provider:       provider,
	})
	require.NoError(t, err)

	cleanup := func() {
		mgr.Close()
		os.RemoveAll(workspaceDir)
	}

	return &testEnv{
		mgr:       mgr,
		provider:  provider,
		workspace: workspaceDir,
		sessions:  sessionsDir,
	}, cleanup
}

func writeMemoryFile(t *testing.T, env *testEnv, rel, content string) string {
	t.Helper()
	full := filepath.Join(env.workspace, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	return full
}

func writeSessionFile(t *testing.T, env *testEnv, name string, messages ...string) string {
	t.Helper()
	full := filepath.Join(env.sessions, name)
	var b []byte
	for i, msg := range messages {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		b = append(b, []byte(fmt.Sprintf(`{"role":%q,"content":%q}`+"\n", role, msg))...)
	}
	require.NoError(t, os.WriteFile(full, b, 0644))
	return full
}
