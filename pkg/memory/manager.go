package memory

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/belyaeva84-debug/openclaw/internal/config"
	"github.com/belyaeva84-debug/openclaw/internal/observability"
	"github.com/belyaeva84-debug/openclaw/pkg/workspace"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MemoryManagerContext exposes the manager capabilities the syncer and
// embedding manager need. It is a capability reference, not ownership: the
// manager outlives both sub-components.
type MemoryManagerContext interface {
	Store() *Store
	EnsureVectorReady(dims int) error
	ReadMeta() (*IndexMeta, error)
	WriteMeta(meta IndexMeta) error
	Reindex(cb func() error) error
}

// ManagerConfig holds everything needed to build a memory manager.
type ManagerConfig struct {
	AgentID        string
	WorkspaceDir   string
	TranscriptsDir string
	Memory         config.MemoryConfig
	Logger         zerolog.Logger

	// Provider overrides the configured embedding provider when non-nil.
	Provider EmbeddingProvider
}

// ManagerStatus reports the index's current state.
type ManagerStatus struct {
	TotalFiles            int             `json:"total_files"`
	TotalChunks           int             `json:"total_chunks"`
	IsDirty               bool            `json:"is_dirty"`
	IsSyncing             bool            `json:"is_syncing"`
	LastSyncTime          *time.Time      `json:"last_sync_time,omitempty"`
	FTSAvailable          bool            `json:"fts_available"`
	VectorAvailable       bool            `json:"vector_available"`
	Embedding             EmbeddingStatus `json:"embedding"`
	EmbeddingCacheHitRate *float64        `json:"embedding_cache_hit_rate,omitempty"`
}

// Manager owns the store and coordinates chunking, embedding, syncing, and
// hybrid search for one (agent, workspace) pair.
type Manager struct {
	agentID        string
	workspaceDir   string
	transcriptsDir string
	cfg            config.MemoryConfig
	logger         zerolog.Logger

	storeMu sync.RWMutex
	store   *Store

	chunker *Chunker
	emb     *EmbeddingManager
	syncer  *Syncer

	syncMu       sync.Mutex
	lastSyncTime *time.Time

	closeMu  sync.Mutex
	closed   bool
	cacheKey string
}

// NewManager creates a memory manager. Most callers should use GetManager,
// which caches managers per (agent, workspace, settings).
func NewManager(cfg ManagerConfig) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.WorkspaceDir == "" {
		return nil, errors.New("workspace path is required")
	}

	// The memory/ tree must exist before the watcher and the first sync
	// pass look at it.
	if _, err := EnsureMemoryDirectory(cfg.WorkspaceDir); err != nil {
		return nil, err
	}

	dbPath, err := workspace.ExpandUserPath(cfg.Memory.Store.Path)
	if err != nil {
		return nil, err
	}
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	store, err := OpenStore(dbPath, cfg.Logger)
	if err != nil {
		return nil, err
	}

	chunker, err := NewChunker(cfg.Memory.Chunking.Tokens, cfg.Memory.Chunking.Overlap)
	if err != nil {
		store.Close()
		return nil, err
	}

	m := &Manager{
		agentID:        cfg.AgentID,
		workspaceDir:   cfg.WorkspaceDir,
		transcriptsDir: cfg.TranscriptsDir,
		cfg:            cfg.Memory,
		logger:         cfg.Logger,
		store:          store,
		chunker:        chunker,
	}

	emb, err := NewEmbeddingManager(m, cfg.Memory.Embedding, cfg.Provider, cfg.Logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	m.emb = emb

	syncer, err := NewSyncer(m, emb, chunker, cfg.Memory, cfg.WorkspaceDir, cfg.TranscriptsDir, cfg.Logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	m.syncer = syncer

	// An existing index knows its vector dimensionality; re-arm the vector
	// table eagerly so incremental passes keep writing vector rows.
	if meta, err := store.ReadMeta(); err == nil && meta != nil && meta.VectorDims > 0 {
		if err := store.EnsureVectorReady(meta.VectorDims); err != nil {
			cfg.Logger.Debug().Err(err).Msg("Vector table unavailable at startup")
		}
	}

	m.logger.Info().
		Str("agent", cfg.AgentID).
		Str("db", dbPath).
		Msg("Memory manager initialized")
	return m, nil
}

// Store returns the current store handle. During a full reindex this is the
// temporary store being built.
func (m *Manager) Store() *Store {
	m.storeMu.RLock()
	defer m.storeMu.RUnlock()
	return m.store
}

func (m *Manager) setStore(s *Store) {
	m.storeMu.Lock()
	m.store = s
	m.storeMu.Unlock()
}

// EnsureVectorReady lazily creates the vector table on the current store.
func (m *Manager) EnsureVectorReady(dims int) error {
	return m.Store().EnsureVectorReady(dims)
}

// ReadMeta reads the index metadata from the current store.
func (m *Manager) ReadMeta() (*IndexMeta, error) {
	return m.Store().ReadMeta()
}

// WriteMeta writes the index metadata to the current store.
func (m *Manager) WriteMeta(meta IndexMeta) error {
	return m.Store().WriteMeta(meta)
}

// Embedding returns the embedding manager.
func (m *Manager) Embedding() *EmbeddingManager {
	return m.emb
}

// Syncer returns the syncer.
func (m *Manager) Syncer() *Syncer {
	return m.syncer
}

// Sync runs (or joins) a sync pass.
func (m *Manager) Sync(opts SyncOptions) error {
	err := m.syncer.Sync(opts)
	if err == nil {
		now := time.Now()
		m.syncMu.Lock()
		m.lastSyncTime = &now
		m.syncMu.Unlock()
	}
	return err
}

// Reindex rebuilds the index into a temporary store and swaps it in
// atomically. cb runs the sync passes against the redirected store.
func (m *Manager) Reindex(cb func() error) error {
	start := time.Now()

	live := m.Store()
	dbPath := live.Path()
	tempPath := dbPath + ".tmp-" + uuid.NewString()

	temp, err := OpenStore(tempPath, m.logger)
	if err != nil {
		return fmt.Errorf("failed to open reindex scratch store: %w", err)
	}

	cleanupTemp := func() {
		temp.Close()
		removeStoreFiles(tempPath)
		m.setStore(live)
	}

	// Seed the scratch cache from the live store before redirecting.
	if err := m.emb.SeedEmbeddingCache(temp); err != nil {
		cleanupTemp()
		return fmt.Errorf("failed to seed embedding cache: %w", err)
	}

	m.setStore(temp)

	if err := cb(); err != nil {
		cleanupTemp()
		return err
	}

	meta := IndexMeta{
		Model:        m.emb.Model(),
		Provider:     m.emb.ProviderID(),
		ProviderKey:  m.emb.ProviderKey(),
		ChunkTokens:  m.cfg.Chunking.Tokens,
		ChunkOverlap: m.cfg.Chunking.Overlap,
		VectorDims:   temp.VectorDims(),
	}
	if err := temp.WriteMeta(meta); err != nil {
		cleanupTemp()
		return fmt.Errorf("failed to write index meta: %w", err)
	}

	if err := m.emb.PruneEmbeddingCacheIfNeeded(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to prune embedding cache after reindex")
	}

	// Both handles must be closed before the file swap.
	if err := temp.Close(); err != nil {
		removeStoreFiles(tempPath)
		m.setStore(live)
		return fmt.Errorf("failed to close scratch store: %w", err)
	}
	if err := live.Close(); err != nil {
		removeStoreFiles(tempPath)
		m.setStore(live)
		return fmt.Errorf("failed to close live store: %w", err)
	}

	backupPath := dbPath + ".backup-" + uuid.NewString()
	if err := swapStoreFiles(dbPath, tempPath, backupPath); err != nil {
		removeStoreFiles(tempPath)
		reopened, reopenErr := OpenStore(dbPath, m.logger)
		if reopenErr != nil {
			m.logger.Error().Err(reopenErr).Msg("Failed to reopen store after swap failure")
		} else {
			m.setStore(reopened)
		}
		return fmt.Errorf("failed to swap index store: %w", err)
	}
	removeStoreFiles(backupPath)

	reopened, err := OpenStore(dbPath, m.logger)
	if err != nil {
		return fmt.Errorf("failed to reopen index store: %w", err)
	}
	if meta.VectorDims > 0 {
		if err := reopened.EnsureVectorReady(meta.VectorDims); err != nil {
			m.logger.Debug().Err(err).Msg("Vector table unavailable after reindex")
		}
	}
	m.setStore(reopened)

	observability.RecordMemoryReindex(time.Since(start))
	m.logger.Info().Dur("duration", time.Since(start)).Msg("Full reindex completed")
	return nil
}

// storeFileSuffixes are the sqlite side files that travel with the database.
var storeFileSuffixes = []string{"", "-wal", "-shm"}

// swapStoreFiles atomically replaces the live store files with the temp
// store files, via a backup that is restored on failure.
func swapStoreFiles(base, temp, backup string) error {
	var moved []string
	for _, sfx := range storeFileSuffixes {
		src := base + sfx
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := os.Rename(src, backup+sfx); err != nil {
			// Roll the already-moved files back.
			for _, done := range moved {
				_ = os.Rename(backup+done, base+done)
			}
			return err
		}
		moved = append(moved, sfx)
	}

	for i, sfx := range storeFileSuffixes {
		src := temp + sfx
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := os.Rename(src, base+sfx); err != nil {
			// Undo partial promotion, then restore the backup.
			for _, sfx2 := range storeFileSuffixes[:i] {
				_ = os.Remove(base + sfx2)
			}
			for _, done := range moved {
				_ = os.Rename(backup+done, base+done)
			}
			return err
		}
	}

	return nil
}

func removeStoreFiles(base string) {
	for _, sfx := range storeFileSuffixes {
		_ = os.Remove(base + sfx)
	}
}

// Status returns the manager's current state.
func (m *Manager) Status() ManagerStatus {
	store := m.Store()

	var status ManagerStatus
	files, chunks, err := store.Counts()
	if err == nil {
		status.TotalFiles = files
		status.TotalChunks = chunks
	}

	status.IsDirty = m.syncer.Dirty()
	status.IsSyncing = m.syncer.Syncing()
	status.FTSAvailable = store.FTSAvailable()
	status.VectorAvailable = store.VectorAvailable()
	status.Embedding = m.emb.Status()

	m.syncMu.Lock()
	status.LastSyncTime = m.lastSyncTime
	m.syncMu.Unlock()

	hits, misses := m.emb.CacheStats()
	if total := hits + misses; total > 0 {
		rate := float64(hits) / float64(total)
		status.EmbeddingCacheHitRate = &rate
	}

	return status
}

// Close tears down the manager: triggers, subscription, watcher, and store.
// It is idempotent, and removes the manager from the process-wide cache
// before releasing the store.
func (m *Manager) Close() error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	m.syncer.Close()
	if m.cacheKey != "" {
		removeFromIndexCache(m.cacheKey)
	}

	m.logger.Info().Str("agent", m.agentID).Msg("Memory manager closed")
	return m.Store().Close()
}
