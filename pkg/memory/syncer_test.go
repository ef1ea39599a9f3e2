package memory

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/belyaeva84-debug/openclaw/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSync_EmptyWorkspace(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	require.NoError(t, env.mgr.Sync(SyncOptions{}))

	status := env.mgr.Status()
	assert.Equal(t, 0, status.TotalFiles)
	assert.Equal(t, 0, status.TotalChunks)
	assert.False(t, status.IsDirty)
}

func TestSync_SingleMemoryFile(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	writeMemoryFile(t, env, "memory/a.md", "alpha\n")
	require.NoError(t, env.mgr.Sync(SyncOptions{Force: true}))

	status := env.mgr.Status()
	assert.Equal(t, 1, status.TotalFiles)
	assert.Equal(t, 1, status.TotalChunks)

	// The files row carries the content hash the chunks derive from.
	var hash string
	require.NoError(t, env.mgr.Store().DB().QueryRow(
		"SELECT hash FROM files WHERE source = 'memory'").Scan(&hash))
	assert.Equal(t, hashBytes([]byte("alpha\n")), hash)
}

func TestSync_WorkspaceMemoryRoots(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	writeMemoryFile(t, env, "MEMORY.md", "top level memory\n")
	writeMemoryFile(t, env, "memory/nested/deep.md", "deep note\n")
	// Non-markdown files are ignored.
	writeMemoryFile(t, env, "memory/skip.txt", "not markdown\n")

	require.NoError(t, env.mgr.Sync(SyncOptions{Force: true}))

	status := env.mgr.Status()
	assert.Equal(t, 2, status.TotalFiles)
}

func TestSync_ExtraPaths(t *testing.T) {
	extraDir, err := os.MkdirTemp("", "memory-extra-*")
	require.NoError(t, err)
	defer os.RemoveAll(extraDir)
	require.NoError(t, os.WriteFile(filepath.Join(extraDir, "extra.md"), []byte("extra note\n"), 0644))

	env, cleanup := createTestManager(t, func(cfg *config.MemoryConfig) {
		cfg.ExtraPaths = []string{extraDir}
	})
	defer cleanup()

	require.NoError(t, env.mgr.Sync(SyncOptions{Force: true}))
	assert.Equal(t, 1, env.mgr.Status().TotalFiles)
}

func TestSync_UnchangedFileSkipped(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	writeMemoryFile(t, env, "memory/a.md", "alpha\n")
	require.NoError(t, env.mgr.Sync(SyncOptions{Force: true}))

	_, batchCallsAfterFirst := env.provider.calls()

	// Unchanged content: the incremental pass skips the file entirely.
	env.mgr.Syncer().MarkDirty()
	require.NoError(t, env.mgr.Sync(SyncOptions{}))

	_, batchCallsAfterSecond := env.provider.calls()
	assert.Equal(t, batchCallsAfterFirst, batchCallsAfterSecond)
}

func TestSync_ChangedFileReindexed(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	writeMemoryFile(t, env, "memory/a.md", "alpha\n")
	require.NoError(t, env.mgr.Sync(SyncOptions{Force: true}))

	var firstID, firstHash string
	db := env.mgr.Store().DB()
	require.NoError(t, db.QueryRow("SELECT id, hash FROM chunks").Scan(&firstID, &firstHash))

	writeMemoryFile(t, env, "memory/a.md", "alpha beta\n")
	env.mgr.Syncer().MarkDirty()
	require.NoError(t, env.mgr.Sync(SyncOptions{}))

	db = env.mgr.Store().DB()
	var secondID, secondHash string
	require.NoError(t, db.QueryRow("SELECT id, hash FROM chunks").Scan(&secondID, &secondHash))

	assert.NotEqual(t, firstHash, secondHash)
	assert.NotEqual(t, firstID, secondID)

	var fileHash string
	require.NoError(t, db.QueryRow("SELECT hash FROM files WHERE source = 'memory'").Scan(&fileHash))
	assert.Equal(t, hashBytes([]byte("alpha beta\n")), fileHash)
}

func TestSync_DeletedFilePruned(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	path := writeMemoryFile(t, env, "memory/gone.md", "to be removed\n")
	writeMemoryFile(t, env, "memory/stays.md", "kept\n")
	require.NoError(t, env.mgr.Sync(SyncOptions{Force: true}))
	assert.Equal(t, 2, env.mgr.Status().TotalFiles)

	require.NoError(t, os.Remove(path))
	env.mgr.Syncer().MarkDirty()
	require.NoError(t, env.mgr.Sync(SyncOptions{}))

	status := env.mgr.Status()
	assert.Equal(t, 1, status.TotalFiles)
	assert.Equal(t, 1, status.TotalChunks)

	var count int
	db := env.mgr.Store().DB()
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM chunks WHERE path LIKE '%gone%'").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSync_ChunkRowsMatchFileRows(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	writeMemoryFile(t, env, "memory/a.md", "note a\n")
	writeSessionFile(t, env, "s1.jsonl", "hello", "hi there")
	require.NoError(t, env.mgr.Sync(SyncOptions{Force: true}))

	// Every chunk row has a files row with the same (path, source).
	var orphans int
	require.NoError(t, env.mgr.Store().DB().QueryRow(`
		SELECT COUNT(*) FROM chunks c
		WHERE NOT EXISTS (
			SELECT 1 FROM files f WHERE f.path = c.path AND f.source = c.source
		)`).Scan(&orphans))
	assert.Equal(t, 0, orphans)
}

func TestSync_SessionTranscriptIndexed(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	writeSessionFile(t, env, "s1.jsonl", "what is the plan", "ship the index")
	require.NoError(t, env.mgr.Sync(SyncOptions{Force: true}))

	db := env.mgr.Store().DB()
	var count int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM chunks WHERE source = 'sessions'").Scan(&count))
	assert.Greater(t, count, 0)

	var text string
	require.NoError(t, db.QueryRow(
		"SELECT text FROM chunks WHERE source = 'sessions' LIMIT 1").Scan(&text))
	assert.Contains(t, text, "user: what is the plan")
}

func TestSync_ConcurrentCallsJoin(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	for i := 0; i < 10; i++ {
		writeMemoryFile(t, env, filepath.Join("memory", "f"+strings.Repeat("x", i)+".md"), strings.Repeat("content line\n", 50))
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = env.mgr.Sync(SyncOptions{Force: true})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestSync_MetaWrittenAfterFullReindex(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	writeMemoryFile(t, env, "memory/a.md", "alpha\n")
	require.NoError(t, env.mgr.Sync(SyncOptions{Force: true}))

	meta, err := env.mgr.ReadMeta()
	require.NoError(t, err)
	require.NotNil(t, meta)

	assert.Equal(t, "mock-embed-1", meta.Model)
	assert.Equal(t, "mock", meta.Provider)
	assert.Equal(t, env.mgr.Embedding().ProviderKey(), meta.ProviderKey)
	assert.Equal(t, 128, meta.ChunkTokens)
	assert.Equal(t, 16, meta.ChunkOverlap)
}

func TestSync_NoMetaTriggersFullReindex(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	writeMemoryFile(t, env, "memory/a.md", "alpha\n")

	// Meta is absent, so even a plain sync runs as a full reindex and
	// writes meta.
	require.NoError(t, env.mgr.Sync(SyncOptions{}))

	meta, err := env.mgr.ReadMeta()
	require.NoError(t, err)
	assert.NotNil(t, meta)
}

func TestRecheckSessionDelta_Thresholds(t *testing.T) {
	env, cleanup := createTestManager(t, func(cfg *config.MemoryConfig) {
		cfg.Sync.Thresholds = config.SessionDeltaThreshold{DeltaBytes: 1024, DeltaMessages: 5}
	})
	defer cleanup()

	s := env.mgr.Syncer()
	path := filepath.Join(env.sessions, "s1.jsonl")

	// First append: 512 bytes, 1 message. Below both thresholds.
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("a", 511)+"\n"), 0644))
	assert.False(t, s.recheckSessionDelta(path))

	lastSize, pendingBytes, pendingMessages, ok := s.SessionDeltaState(path)
	require.True(t, ok)
	assert.Equal(t, int64(512), lastSize)
	assert.Equal(t, int64(512), pendingBytes)
	assert.Equal(t, 1, pendingMessages)

	// Second append: +600 bytes pushes pendingBytes to 1112 >= 1024.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(strings.Repeat("b", 599) + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.True(t, s.recheckSessionDelta(path))

	lastSize, pendingBytes, _, ok = s.SessionDeltaState(path)
	require.True(t, ok)
	assert.Equal(t, int64(1112), lastSize)
	// The triggering threshold is decremented, floored at zero.
	assert.Equal(t, int64(1112-1024), pendingBytes)
}

func TestRecheckSessionDelta_MessageThreshold(t *testing.T) {
	env, cleanup := createTestManager(t, func(cfg *config.MemoryConfig) {
		cfg.Sync.Thresholds = config.SessionDeltaThreshold{DeltaBytes: 1 << 30, DeltaMessages: 3}
	})
	defer cleanup()

	s := env.mgr.Syncer()
	path := filepath.Join(env.sessions, "s1.jsonl")

	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0644))
	assert.True(t, s.recheckSessionDelta(path))

	_, _, pendingMessages, ok := s.SessionDeltaState(path)
	require.True(t, ok)
	assert.Equal(t, 0, pendingMessages)
}

func TestRecheckSessionDelta_ZeroByteThreshold(t *testing.T) {
	env, cleanup := createTestManager(t, func(cfg *config.MemoryConfig) {
		cfg.Sync.Thresholds = config.SessionDeltaThreshold{DeltaBytes: 0, DeltaMessages: 0}
	})
	defer cleanup()

	s := env.mgr.Syncer()
	path := filepath.Join(env.sessions, "s1.jsonl")

	// Any non-zero pending triggers when the byte threshold is zero.
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	assert.True(t, s.recheckSessionDelta(path))
}

func TestRecheckSessionDelta_Rotation(t *testing.T) {
	env, cleanup := createTestManager(t, func(cfg *config.MemoryConfig) {
		cfg.Sync.Thresholds = config.SessionDeltaThreshold{DeltaBytes: 1 << 30, DeltaMessages: 1 << 30}
	})
	defer cleanup()

	s := env.mgr.Syncer()
	path := filepath.Join(env.sessions, "s1.jsonl")

	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("long line\n", 100)), 0644))
	s.recheckSessionDelta(path)

	_, bytesBefore, _, ok := s.SessionDeltaState(path)
	require.True(t, ok)

	// Rotation: the file shrinks; the whole new size counts as fresh.
	require.NoError(t, os.WriteFile(path, []byte("tiny\n"), 0644))
	s.recheckSessionDelta(path)

	lastSize, bytesAfter, _, ok := s.SessionDeltaState(path)
	require.True(t, ok)
	assert.Equal(t, int64(5), lastSize)
	assert.Equal(t, bytesBefore+5, bytesAfter)
}

func TestSessionDelta_ResetAfterIndex(t *testing.T) {
	env, cleanup := createTestManager(t, func(cfg *config.MemoryConfig) {
		cfg.Sync.Thresholds = config.SessionDeltaThreshold{DeltaBytes: 1, DeltaMessages: 0}
	})
	defer cleanup()

	s := env.mgr.Syncer()
	path := writeSessionFile(t, env, "s1.jsonl", "hello world", "hi")

	require.True(t, s.recheckSessionDelta(path))
	require.NoError(t, env.mgr.Sync(SyncOptions{Reason: ReasonSessionDelta}))

	info, err := os.Stat(path)
	require.NoError(t, err)

	lastSize, pendingBytes, pendingMessages, ok := s.SessionDeltaState(path)
	require.True(t, ok)
	assert.Equal(t, info.Size(), lastSize)
	assert.Equal(t, int64(0), pendingBytes)
	assert.Equal(t, 0, pendingMessages)
}

func TestShouldSyncSessions_ReasonGating(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	s := env.mgr.Syncer()
	s.mu.Lock()
	s.sessionsDirty = true
	s.sessionsDirtyFile["/tmp/s1.jsonl"] = struct{}{}
	s.mu.Unlock()

	assert.True(t, s.shouldSyncSessions(false, false, ReasonSessionDelta))
	assert.True(t, s.shouldSyncSessions(false, false, ReasonInterval))
	assert.False(t, s.shouldSyncSessions(false, false, ReasonSessionStart))
	assert.False(t, s.shouldSyncSessions(false, false, ReasonWatch))
	assert.False(t, s.shouldSyncSessions(true, true, ReasonWatch))
}

func TestWarmSession_OncePerKey(t *testing.T) {
	env, cleanup := createTestManager(t, func(cfg *config.MemoryConfig) {
		cfg.Sync.OnSessionStart = true
	})
	defer cleanup()

	s := env.mgr.Syncer()
	s.WarmSession("session-1")
	s.WarmSession("session-1")
	s.WarmSession("session-2")

	// Allow the fire-and-forget syncs to run.
	time.Sleep(200 * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.warmed, 2)
}

func TestSyncProgress_Reported(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	writeMemoryFile(t, env, "memory/a.md", "a\n")
	writeMemoryFile(t, env, "memory/b.md", "b\n")
	writeSessionFile(t, env, "s1.jsonl", "hello")

	var mu sync.Mutex
	var updates []ProgressUpdate
	require.NoError(t, env.mgr.Sync(SyncOptions{
		Force: true,
		Progress: func(p ProgressUpdate) {
			mu.Lock()
			updates = append(updates, p)
			mu.Unlock()
		},
	}))

	require.Len(t, updates, 3)
	for _, u := range updates {
		assert.Equal(t, 3, u.Total)
		assert.NotEmpty(t, u.Label)
	}
	assert.Equal(t, 3, updates[len(updates)-1].Completed)
}

func TestSyncer_CloseIsIdempotent(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	s := env.mgr.Syncer()
	s.Close()
	s.Close()

	assert.Error(t, s.Sync(SyncOptions{}))
}

func TestWatcher_EventMarksDirty(t *testing.T) {
	env, cleanup := createTestManager(t, func(cfg *config.MemoryConfig) {
		cfg.Sync.Watch = true
		cfg.Sync.WatchDebounceMs = 50
	})
	defer cleanup()

	// The workspace root is watched from construction; memory.md lives there.
	writeMemoryFile(t, env, "memory.md", "alpha\n")
	require.NoError(t, env.mgr.Sync(SyncOptions{Force: true}))
	require.False(t, env.mgr.Syncer().Dirty())

	writeMemoryFile(t, env, "memory.md", "alpha beta\n")

	require.Eventually(t, func() bool {
		db := env.mgr.Store().DB()
		var hash string
		if err := db.QueryRow("SELECT hash FROM files WHERE source = 'memory'").Scan(&hash); err != nil {
			return false
		}
		return hash == hashBytes([]byte("alpha beta\n"))
	}, 10*time.Second, 50*time.Millisecond, "expected watcher-triggered reindex")
}
