package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/belyaeva84-debug/openclaw/internal/config"
	"github.com/belyaeva84-debug/openclaw/internal/observability"
	"github.com/rs/zerolog"
)

const (
	// embeddingBatchMaxTokens caps the cumulative token estimate of one
	// online sub-batch.
	embeddingBatchMaxTokens = 8000

	// cacheReadChunkSize bounds prepared-statement parameter count.
	cacheReadChunkSize = 400

	// batchFailureLimit disables batch mode for the manager's lifetime.
	batchFailureLimit = 2

	maxEmbedAttempts = 3
	retryBaseDelay   = 500 * time.Millisecond
	retryMaxDelay    = 8 * time.Second

	remoteCallTimeout = 60 * time.Second
	localCallTimeout  = 5 * time.Minute

	defaultIndexConcurrency = 4
)

// FileMeta identifies the file a set of chunks came from, for remote batch jobs.
type FileMeta struct {
	Path string
	Hash string
}

// EmbeddingStatus reports the embedding manager's runtime state.
type EmbeddingStatus struct {
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	ProviderKey   string `json:"provider_key"`
	BatchEnabled  bool   `json:"batch_enabled"`
	BatchFailures int    `json:"batch_failures"`
	FallbackDone  bool   `json:"fallback_done"`
}

// EmbeddingManager wraps an EmbeddingProvider with caching, batching,
// retries, timeouts, failure counting, and fallback.
type EmbeddingManager struct {
	mgr    MemoryManagerContext
	cfg    config.EmbeddingConfig
	logger zerolog.Logger

	providerMu  sync.RWMutex
	provider    EmbeddingProvider
	providerKey string

	batchFailureMu sync.Mutex
	batchEnabled   bool
	batchFailures  int

	fallbackMu   sync.Mutex
	fallbackDone bool

	statsMu     sync.Mutex
	cacheHits   int
	cacheMisses int
}

// NewEmbeddingManager creates an embedding manager over the configured
// provider, or over the given override (used to inject custom providers).
func NewEmbeddingManager(mgr MemoryManagerContext, cfg config.EmbeddingConfig, override EmbeddingProvider, logger zerolog.Logger) (*EmbeddingManager, error) {
	provider := override
	if provider == nil {
		var err error
		provider, err = NewProvider(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	return &EmbeddingManager{
		mgr:          mgr,
		cfg:          cfg,
		logger:       logger,
		provider:     provider,
		providerKey:  ProviderKeyFor(provider.ID(), cfg.BaseURL, provider.Model(), cfg.Headers),
		batchEnabled: cfg.Batch.Enabled,
	}, nil
}

// Provider returns the active provider.
func (m *EmbeddingManager) Provider() EmbeddingProvider {
	m.providerMu.RLock()
	defer m.providerMu.RUnlock()
	return m.provider
}

// ProviderKey returns the stable identity hash of the active provider config.
func (m *EmbeddingManager) ProviderKey() string {
	m.providerMu.RLock()
	defer m.providerMu.RUnlock()
	return m.providerKey
}

// Model returns the active embedding model name.
func (m *EmbeddingManager) Model() string {
	return m.Provider().Model()
}

// ProviderID returns the active provider family id.
func (m *EmbeddingManager) ProviderID() string {
	return m.Provider().ID()
}

// InputTokenLimit returns the active provider's per-input token cap.
func (m *EmbeddingManager) InputTokenLimit() int {
	return m.Provider().InputTokenLimit()
}

// IndexConcurrency returns the per-file worker pool width for sync passes.
func (m *EmbeddingManager) IndexConcurrency() int {
	if m.batchActive() && m.cfg.Batch.Concurrency > 0 {
		return m.cfg.Batch.Concurrency
	}
	return defaultIndexConcurrency
}

// callTimeout returns the per-call budget for the active provider.
func (m *EmbeddingManager) callTimeout() time.Duration {
	if m.ProviderID() == "local" {
		return localCallTimeout
	}
	return remoteCallTimeout
}

// EmbedQuery embeds a single query text, subject to the per-call timeout.
func (m *EmbeddingManager) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	provider := m.Provider()

	var vec []float32
	err := raceTimeout(ctx, m.callTimeout(), "query embedding", func(ctx context.Context) error {
		var err error
		vec, err = provider.EmbedQuery(ctx, text)
		return err
	})
	if err != nil {
		observability.RecordEmbedRequest(provider.ID(), "error")
		return nil, err
	}
	observability.RecordEmbedRequest(provider.ID(), "ok")
	return vec, nil
}

// ProbeAvailability embeds a one-word probe and returns its outcome.
func (m *EmbeddingManager) ProbeAvailability(ctx context.Context) error {
	_, err := m.EmbedQuery(ctx, "ping")
	return err
}

// EmbedChunks embeds chunks, returning vectors aligned by index. Cached
// vectors are used where available; the rest go through remote batch when
// enabled and (fileMeta, source) are provided, else through online sub-batches.
func (m *EmbeddingManager) EmbedChunks(ctx context.Context, chunks []Chunk, fileMeta *FileMeta, source Source) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(chunks))

	cached, err := m.lookupCache(chunks)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Embedding cache lookup failed")
		cached = map[string][]float32{}
	}

	var missing []int
	for i, ch := range chunks {
		if vec, ok := cached[ch.Hash]; ok {
			vectors[i] = vec
		} else {
			missing = append(missing, i)
		}
	}

	m.statsMu.Lock()
	m.cacheHits += len(chunks) - len(missing)
	m.cacheMisses += len(missing)
	m.statsMu.Unlock()
	observability.RecordCacheHit(len(chunks) - len(missing))
	observability.RecordCacheMiss(len(missing))

	if len(missing) == 0 {
		return vectors, nil
	}

	embedded := make(map[int][]float32, len(missing))

	if m.batchActive() && fileMeta != nil {
		if submitter, ok := m.Provider().(BatchSubmitter); ok {
			results, err := m.embedViaRemoteBatch(ctx, submitter, chunks, missing, fileMeta, source)
			if err != nil {
				m.handleBatchFailure(err)
				m.logger.Warn().Err(err).Str("file", fileMeta.Path).Msg("Remote batch failed, falling back to online embedding")
			} else {
				m.resetBatchFailureCount()
				embedded = results
			}
		}
	}

	if len(embedded) < len(missing) {
		if err := m.embedOnline(ctx, chunks, missing, embedded); err != nil {
			return nil, err
		}
	}

	newEntries := make(map[string][]float32, len(missing))
	for _, i := range missing {
		vectors[i] = embedded[i]
		newEntries[chunks[i].Hash] = embedded[i]
	}

	if err := m.storeCacheEntries(newEntries); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to write embedding cache")
	}

	return vectors, nil
}

// embedOnline fills embedded for every index in missing not already present,
// packing chunks into token-bounded sub-batches.
func (m *EmbeddingManager) embedOnline(ctx context.Context, chunks []Chunk, missing []int, embedded map[int][]float32) error {
	var pending []int
	for _, i := range missing {
		if _, ok := embedded[i]; !ok {
			pending = append(pending, i)
		}
	}

	for _, subBatch := range packBatches(chunks, pending) {
		texts := make([]string, len(subBatch))
		for j, i := range subBatch {
			texts[j] = chunks[i].Text
		}

		vecs, err := m.embedBatchWithRetry(ctx, texts)
		if err != nil {
			return err
		}
		for j, i := range subBatch {
			embedded[i] = vecs[j]
		}
	}
	return nil
}

// packBatches greedily packs chunk indexes into sub-batches bounded by a
// cumulative token estimate. A chunk larger than the cap forms its own
// singleton batch.
func packBatches(chunks []Chunk, indexes []int) [][]int {
	var batches [][]int
	var cur []int
	curTokens := 0

	for _, i := range indexes {
		t := chunks[i].Tokens
		if t == 0 {
			t = len(chunks[i].Text) / 4
		}

		if t > embeddingBatchMaxTokens {
			if len(cur) > 0 {
				batches = append(batches, cur)
				cur = nil
				curTokens = 0
			}
			batches = append(batches, []int{i})
			continue
		}

		if len(cur) > 0 && curTokens+t > embeddingBatchMaxTokens {
			batches = append(batches, cur)
			cur = nil
			curTokens = 0
		}
		cur = append(cur, i)
		curTokens += t
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// embedBatchWithRetry sends one sub-batch with exponential backoff on
// retryable errors.
func (m *EmbeddingManager) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	provider := m.Provider()

	var lastErr error
	for attempt := 0; attempt < maxEmbedAttempts; attempt++ {
		if attempt > 0 {
			observability.RecordEmbedRetry()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffDelay(attempt)):
			}
		}

		var vecs [][]float32
		err := raceTimeout(ctx, m.callTimeout(), "batch embedding", func(ctx context.Context) error {
			var err error
			vecs, err = provider.EmbedBatch(ctx, texts)
			return err
		})
		if err == nil {
			observability.RecordEmbedRequest(provider.ID(), "ok")
			return vecs, nil
		}

		observability.RecordEmbedRequest(provider.ID(), "error")
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
		m.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Retryable embedding failure")
	}
	return nil, lastErr
}

// backoffDelay returns the delay before the given retry attempt:
// base 500ms, doubled per attempt, capped at 8s, with ±20% jitter.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// lookupCache returns cached vectors keyed by chunk hash, reading in groups
// of cacheReadChunkSize to bound statement parameters.
func (m *EmbeddingManager) lookupCache(chunks []Chunk) (map[string][]float32, error) {
	db := m.mgr.Store().DB()
	providerID := m.ProviderID()
	model := m.Model()
	providerKey := m.ProviderKey()

	hashes := make([]string, 0, len(chunks))
	seen := make(map[string]bool, len(chunks))
	for _, ch := range chunks {
		if !seen[ch.Hash] {
			seen[ch.Hash] = true
			hashes = append(hashes, ch.Hash)
		}
	}

	results := make(map[string][]float32)
	for start := 0; start < len(hashes); start += cacheReadChunkSize {
		end := start + cacheReadChunkSize
		if end > len(hashes) {
			end = len(hashes)
		}
		group := hashes[start:end]

		placeholders := strings.Repeat("?,", len(group))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, 0, len(group)+3)
		args = append(args, providerID, model, providerKey)
		for _, h := range group {
			args = append(args, h)
		}

		rows, err := db.Query(
			"SELECT hash, embedding FROM embedding_cache WHERE provider = ? AND model = ? AND provider_key = ? AND hash IN ("+placeholders+")",
			args...,
		)
		if err != nil {
			return nil, err
		}

		for rows.Next() {
			var hash, raw string
			if err := rows.Scan(&hash, &raw); err != nil {
				rows.Close()
				return nil, err
			}
			var vec []float32
			if err := json.Unmarshal([]byte(raw), &vec); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to decode cached embedding: %w", err)
			}
			results[hash] = vec
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return results, nil
}

// storeCacheEntries upserts new cache rows in a single transaction.
func (m *EmbeddingManager) storeCacheEntries(entries map[string][]float32) error {
	if len(entries) == 0 {
		return nil
	}

	db := m.mgr.Store().DB()
	providerID := m.ProviderID()
	model := m.Model()
	providerKey := m.ProviderKey()
	now := time.Now().Unix()

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for hash, vec := range entries {
		raw, err := json.Marshal(vec)
		if err != nil {
			return fmt.Errorf("failed to encode embedding: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO embedding_cache (provider, model, provider_key, hash, embedding, dims, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(provider, model, provider_key, hash) DO UPDATE SET
			   embedding = excluded.embedding, dims = excluded.dims, updated_at = excluded.updated_at`,
			providerID, model, providerKey, hash, string(raw), len(vec), now,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SeedEmbeddingCache copies every cache row from the live store into other,
// in one transaction with ON CONFLICT upsert.
func (m *EmbeddingManager) SeedEmbeddingCache(other *Store) error {
	rows, err := m.mgr.Store().DB().Query(
		"SELECT provider, model, provider_key, hash, embedding, dims, updated_at FROM embedding_cache",
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	tx, err := other.DB().Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for rows.Next() {
		var provider, model, providerKey, hash, embedding string
		var dims int
		var updatedAt int64
		if err := rows.Scan(&provider, &model, &providerKey, &hash, &embedding, &dims, &updatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO embedding_cache (provider, model, provider_key, hash, embedding, dims, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(provider, model, provider_key, hash) DO UPDATE SET
			   embedding = excluded.embedding, dims = excluded.dims, updated_at = excluded.updated_at`,
			provider, model, providerKey, hash, embedding, dims, updatedAt,
		); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	return tx.Commit()
}

// PruneEmbeddingCacheIfNeeded evicts the oldest rows by updated_at when the
// cache exceeds its configured maximum.
func (m *EmbeddingManager) PruneEmbeddingCacheIfNeeded() error {
	maxEntries := m.cfg.Cache.MaxEntries
	if maxEntries <= 0 {
		return nil
	}

	db := m.mgr.Store().DB()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM embedding_cache").Scan(&count); err != nil {
		return err
	}
	if count <= maxEntries {
		return nil
	}

	_, err := db.Exec(
		`DELETE FROM embedding_cache WHERE rowid IN (
			SELECT rowid FROM embedding_cache ORDER BY updated_at ASC LIMIT ?
		)`,
		count-maxEntries,
	)
	return err
}

// ActivateFallback switches to the configured fallback provider. The switch
// happens at most once per manager lifetime; repeated or impossible requests
// return false.
func (m *EmbeddingManager) ActivateFallback(reason string) bool {
	m.fallbackMu.Lock()
	defer m.fallbackMu.Unlock()

	fallback := m.cfg.Fallback
	if fallback == "" || fallback == "none" {
		return false
	}
	if fallback == m.ProviderID() {
		return false
	}
	if m.fallbackDone {
		return false
	}

	fbCfg := m.cfg
	fbCfg.Provider = fallback
	fbCfg.Model = m.cfg.FallbackModel
	if fbCfg.Model == "" {
		fbCfg.Model = defaultModelFor(fallback)
	}
	fbCfg.BaseURL = ""
	fbCfg.Headers = nil

	provider, err := NewProvider(fbCfg, m.logger)
	if err != nil {
		m.logger.Error().Err(err).Str("fallback", fallback).Msg("Failed to construct fallback provider")
		return false
	}

	m.providerMu.Lock()
	m.provider = provider
	m.providerKey = ProviderKeyFor(provider.ID(), fbCfg.BaseURL, provider.Model(), fbCfg.Headers)
	m.providerMu.Unlock()

	m.fallbackDone = true
	observability.RecordFallback(fallback)
	m.logger.Warn().
		Str("reason", reason).
		Str("provider", provider.ID()).
		Str("model", provider.Model()).
		Msg("Embedding provider fallback activated")

	return true
}

// Status returns the embedding manager's runtime state.
func (m *EmbeddingManager) Status() EmbeddingStatus {
	m.batchFailureMu.Lock()
	batchEnabled := m.batchEnabled
	batchFailures := m.batchFailures
	m.batchFailureMu.Unlock()

	m.fallbackMu.Lock()
	fallbackDone := m.fallbackDone
	m.fallbackMu.Unlock()

	return EmbeddingStatus{
		Provider:      m.ProviderID(),
		Model:         m.Model(),
		ProviderKey:   m.ProviderKey(),
		BatchEnabled:  batchEnabled,
		BatchFailures: batchFailures,
		FallbackDone:  fallbackDone,
	}
}

// CacheStats returns cumulative cache hit and miss counts.
func (m *EmbeddingManager) CacheStats() (hits, misses int) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.cacheHits, m.cacheMisses
}

func (m *EmbeddingManager) batchActive() bool {
	m.batchFailureMu.Lock()
	defer m.batchFailureMu.Unlock()
	return m.batchEnabled
}

// handleBatchFailure records one batch failure. A permanent "not available"
// failure disables batch immediately; otherwise the sliding counter disables
// batch once it reaches batchFailureLimit.
func (m *EmbeddingManager) handleBatchFailure(err error) {
	observability.RecordBatchFailure()

	m.batchFailureMu.Lock()
	defer m.batchFailureMu.Unlock()

	if isBatchUnavailable(err) {
		if m.batchEnabled {
			m.batchEnabled = false
			m.logger.Warn().Err(err).Msg("Remote batch not available, disabling batch mode")
		}
		return
	}

	m.batchFailures++
	if m.batchFailures >= batchFailureLimit && m.batchEnabled {
		m.batchEnabled = false
		m.logger.Warn().Int("failures", m.batchFailures).Msg("Batch failure limit reached, disabling batch mode")
	}
}

func (m *EmbeddingManager) resetBatchFailureCount() {
	m.batchFailureMu.Lock()
	defer m.batchFailureMu.Unlock()
	m.batchFailures = 0
}

// raceTimeout runs fn against a timer; on expiry the call fails with a
// timeout error and the provider call's context is cancelled.
func raceTimeout(ctx context.Context, d time.Duration, label string, fn func(context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(tctx)
	}()

	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		if tctx.Err() == context.DeadlineExceeded {
			return &ProviderError{Kind: ErrKindTimeout, Msg: fmt.Sprintf("%s timed out after %s", label, d)}
		}
		return tctx.Err()
	}
}

// FallbackWorthy reports whether a sync failure should trigger provider fallback.
func FallbackWorthy(err error) bool {
	if err == nil {
		return false
	}
	return fallbackPattern.MatchString(err.Error())
}
