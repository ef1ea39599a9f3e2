package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/belyaeva84-debug/openclaw/internal/config"
	"github.com/belyaeva84-debug/openclaw/internal/observability"
	"github.com/belyaeva84-debug/openclaw/internal/tracing"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SyncReason labels what triggered a sync pass.
type SyncReason string

const (
	ReasonManual       SyncReason = "manual"
	ReasonInterval     SyncReason = "interval"
	ReasonWatch        SyncReason = "watch"
	ReasonSessionDelta SyncReason = "session-delta"
	ReasonSessionStart SyncReason = "session-start"
	ReasonSearch       SyncReason = "search"
)

// sessionNotifyDebounce coalesces transcript notifications into one batch.
const sessionNotifyDebounce = 5 * time.Second

// writeSettlePoll is the poll interval while waiting for a write to finish.
const writeSettlePoll = 100 * time.Millisecond

// ProgressUpdate reports sync progress to an optional callback.
type ProgressUpdate struct {
	Completed int
	Total     int
	Label     string
}

// SyncOptions configures one sync request.
type SyncOptions struct {
	Reason   SyncReason
	Force    bool
	Progress func(ProgressUpdate)
}

type syncFuture struct {
	done chan struct{}
	err  error
}

// fileEntry describes one file of a sync pass.
type fileEntry struct {
	path    string // as stored in the index
	absPath string
	hash    string
	size    int64
	mtimeMs int64
}

// Syncer schedules and executes incremental and full reindex passes.
type Syncer struct {
	mgr     MemoryManagerContext
	emb     *EmbeddingManager
	chunker *Chunker
	cfg     config.MemoryConfig
	logger  zerolog.Logger

	workspaceDir   string
	transcriptsDir string

	mu                sync.Mutex
	inflight          *syncFuture
	dirty             bool
	sessionsDirty     bool
	sessionsDirtyFile map[string]struct{}
	deltas            map[string]*sessionDelta
	warmed            map[string]struct{}
	pendingWrites     map[string]struct{}
	pendingSessions   map[string]struct{}
	watchTimer        *time.Timer
	sessionTimer      *time.Timer
	closed            bool

	watcher     *fsnotify.Watcher
	watcherDone chan struct{}
	cron        *cron.Cron
	unsubscribe func()
}

// NewSyncer creates a syncer and starts its configured trigger mechanisms.
func NewSyncer(mgr MemoryManagerContext, emb *EmbeddingManager, chunker *Chunker, cfg config.MemoryConfig, workspaceDir, transcriptsDir string, logger zerolog.Logger) (*Syncer, error) {
	s := &Syncer{
		mgr:               mgr,
		emb:               emb,
		chunker:           chunker,
		cfg:               cfg,
		logger:            logger,
		workspaceDir:      workspaceDir,
		transcriptsDir:    transcriptsDir,
		dirty:             true, // start dirty to trigger the initial sync
		sessionsDirtyFile: make(map[string]struct{}),
		deltas:            make(map[string]*sessionDelta),
		warmed:            make(map[string]struct{}),
		pendingWrites:     make(map[string]struct{}),
		pendingSessions:   make(map[string]struct{}),
	}

	if s.sourceEnabled(SourceMemory) && cfg.Sync.Watch {
		if err := s.startWatcher(); err != nil {
			return nil, fmt.Errorf("failed to start file watcher: %w", err)
		}
	}

	if s.sourceEnabled(SourceSessions) {
		s.unsubscribe = OnSessionTranscriptUpdate(s.onSessionEvent)
	}

	if cfg.Sync.IntervalMinutes > 0 {
		c := cron.New()
		if _, err := c.AddFunc(fmt.Sprintf("@every %dm", cfg.Sync.IntervalMinutes), func() {
			if s.isClosed() {
				return
			}
			if err := s.Sync(SyncOptions{Reason: ReasonInterval}); err != nil {
				s.logger.Warn().Err(err).Msg("Interval sync failed")
			}
		}); err != nil {
			s.closeTriggers()
			return nil, fmt.Errorf("failed to schedule interval sync: %w", err)
		}
		c.Start()
		s.cron = c
	}

	return s, nil
}

func (s *Syncer) sourceEnabled(source Source) bool {
	for _, src := range s.cfg.Sources {
		if src == string(source) {
			return true
		}
	}
	return false
}

// Dirty reports whether memory files or session transcripts have pending changes.
func (s *Syncer) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty || (s.sessionsDirty && len(s.sessionsDirtyFile) > 0)
}

// Syncing reports whether a sync pass is in flight.
func (s *Syncer) Syncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight != nil
}

// MarkDirty flags memory files as needing a sync.
func (s *Syncer) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// WarmSession schedules an eager pre-sync at session start, at most once per
// session key.
func (s *Syncer) WarmSession(sessionKey string) {
	if sessionKey == "" || !s.cfg.Sync.OnSessionStart {
		return
	}

	s.mu.Lock()
	if _, done := s.warmed[sessionKey]; done || s.closed {
		s.mu.Unlock()
		return
	}
	s.warmed[sessionKey] = struct{}{}
	s.mu.Unlock()

	go func() {
		if err := s.Sync(SyncOptions{Reason: ReasonSessionStart}); err != nil {
			s.logger.Warn().Err(err).Msg("Warm-session sync failed")
		}
	}()
}

// Sync runs a sync pass, or joins the in-flight one.
func (s *Syncer) Sync(opts SyncOptions) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("syncer is closed")
	}
	if f := s.inflight; f != nil {
		s.mu.Unlock()
		<-f.done
		return f.err
	}
	f := &syncFuture{done: make(chan struct{})}
	s.inflight = f
	s.mu.Unlock()

	f.err = s.runSync(opts)
	close(f.done)

	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()

	return f.err
}

// runSync decides between an incremental pass and a full reindex, then runs
// the per-source passes.
func (s *Syncer) runSync(opts SyncOptions) error {
	start := time.Now()
	reason := opts.Reason
	if reason == "" {
		reason = ReasonManual
	}

	_, span := tracing.StartSpan(
		context.Background(),
		"openclaw.memory",
		"memory.sync",
		attribute.String("reason", string(reason)),
	)
	defer span.End()

	needsFull, err := s.needsFullReindex(opts.Force)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.logger.Debug().
		Str("reason", string(reason)).
		Bool("force", opts.Force).
		Bool("full_reindex", needsFull).
		Msg("Starting sync")

	runErr := func() error {
		if needsFull {
			return s.mgr.Reindex(func() error {
				return s.runPasses(opts, reason, true)
			})
		}
		return s.runPasses(opts, reason, false)
	}()

	if runErr != nil {
		// A provider-shaped failure triggers a one-time fallback and a
		// restart as full reindex.
		if FallbackWorthy(runErr) && s.emb.ActivateFallback(runErr.Error()) {
			s.logger.Warn().Err(runErr).Msg("Sync failed, restarting with fallback provider")
			return s.runSync(SyncOptions{Reason: reason, Force: true, Progress: opts.Progress})
		}
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return runErr
	}

	observability.RecordMemorySync(string(reason), time.Since(start))
	s.logger.Info().
		Str("reason", string(reason)).
		Dur("duration", time.Since(start)).
		Msg("Sync completed")
	return nil
}

// needsFullReindex reports whether the index must be rebuilt from scratch.
func (s *Syncer) needsFullReindex(force bool) (bool, error) {
	if force {
		return true, nil
	}

	meta, err := s.mgr.ReadMeta()
	if err != nil {
		return false, err
	}
	if meta == nil {
		return true, nil
	}
	if meta.Model != s.emb.Model() ||
		meta.Provider != s.emb.ProviderID() ||
		meta.ProviderKey != s.emb.ProviderKey() ||
		meta.ChunkTokens != s.cfg.Chunking.Tokens ||
		meta.ChunkOverlap != s.cfg.Chunking.Overlap {
		return true, nil
	}
	if s.mgr.Store().VectorAvailable() && meta.VectorDims == 0 {
		return true, nil
	}
	return false, nil
}

// runPasses executes the memory and session passes for one sync.
func (s *Syncer) runPasses(opts SyncOptions, reason SyncReason, full bool) error {
	syncMemory := s.sourceEnabled(SourceMemory) && (opts.Force || full || s.isDirty())
	syncSessions := s.shouldSyncSessions(opts.Force, full, reason)

	var memEntries, sessEntries []fileEntry
	var err error

	if syncMemory {
		memEntries, err = s.collectMemoryFiles()
		if err != nil {
			return fmt.Errorf("failed to enumerate memory files: %w", err)
		}
	}
	if syncSessions {
		sessEntries, err = s.collectSessionFiles()
		if err != nil {
			return fmt.Errorf("failed to enumerate session files: %w", err)
		}
	}

	total := len(memEntries) + len(sessEntries)
	completed := 0
	var progressMu sync.Mutex
	report := func(label string) {
		if opts.Progress == nil {
			return
		}
		progressMu.Lock()
		completed++
		opts.Progress(ProgressUpdate{Completed: completed, Total: total, Label: label})
		progressMu.Unlock()
	}

	if syncMemory {
		if err := s.runPass(memEntries, SourceMemory, full, report); err != nil {
			return err
		}
		if err := s.pruneStale(memEntries, SourceMemory); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to prune stale memory rows")
		}
		s.mu.Lock()
		s.dirty = false
		s.mu.Unlock()
	}

	if syncSessions {
		targets := sessEntries
		if !full {
			if dirtyOnly := s.dirtySessionSubset(sessEntries); len(dirtyOnly) > 0 {
				targets = dirtyOnly
			}
		}
		if err := s.runPass(targets, SourceSessions, full, report); err != nil {
			return err
		}
		if err := s.pruneStale(sessEntries, SourceSessions); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to prune stale session rows")
		}
		s.mu.Lock()
		s.sessionsDirty = false
		for _, e := range targets {
			delete(s.sessionsDirtyFile, e.absPath)
		}
		s.mu.Unlock()
	}

	if files, chunks, err := s.mgr.Store().Counts(); err == nil {
		observability.SetIndexCounts(files, chunks)
	}

	return nil
}

func (s *Syncer) isDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Syncer) shouldSyncSessions(force, full bool, reason SyncReason) bool {
	if !s.sourceEnabled(SourceSessions) {
		return false
	}
	// Session-start warmups and watcher events never touch sessions.
	if reason == ReasonSessionStart || reason == ReasonWatch {
		return false
	}
	if force || full {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionsDirty && len(s.sessionsDirtyFile) > 0
}

func (s *Syncer) dirtySessionSubset(entries []fileEntry) []fileEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessionsDirtyFile) == 0 {
		return nil
	}
	var subset []fileEntry
	for _, e := range entries {
		if _, ok := s.sessionsDirtyFile[e.absPath]; ok {
			subset = append(subset, e)
		}
	}
	return subset
}

// runPass indexes the given files with a bounded worker pool. Per-file
// failures are logged, not fatal, so the pass keeps making progress —
// except embedding-shaped failures, which surface to drive provider fallback.
func (s *Syncer) runPass(entries []fileEntry, source Source, full bool, report func(label string)) error {
	width := s.emb.IndexConcurrency()
	if width < 1 {
		width = 1
	}

	sem := make(chan struct{}, width)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var embedErr error

	for _, entry := range entries {
		entry := entry
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer report(entry.path)

			if !full {
				stored, ok, err := s.mgr.Store().FileHash(entry.path, source)
				if err == nil && ok && stored == entry.hash {
					return
				}
			}

			if err := s.indexFile(entry, source); err != nil {
				s.logger.Warn().Err(err).Str("file", entry.path).Msg("Failed to index file")
				if FallbackWorthy(err) {
					errMu.Lock()
					if embedErr == nil {
						embedErr = err
					}
					errMu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	return embedErr
}

// indexFile chunks, embeds, and re-inserts one file's rows.
func (s *Syncer) indexFile(entry fileEntry, source Source) error {
	content, err := os.ReadFile(entry.absPath)
	if err != nil {
		return err
	}

	text := string(content)
	var lineMap []int
	if source == SourceSessions {
		text, lineMap = RenderTranscript(content)
	}

	chunks := s.chunker.Split(text)
	limit := s.emb.InputTokenLimit()
	for i := range chunks {
		chunks[i] = s.chunker.ClipToLimit(chunks[i], limit)
	}
	chunks = ApplyLineMap(chunks, lineMap)

	var vectors [][]float32
	if len(chunks) > 0 {
		vectors, err = s.emb.EmbedChunks(context.Background(), chunks, &FileMeta{Path: entry.path, Hash: entry.hash}, source)
		if err != nil {
			return err
		}
	}

	model := s.emb.Model()
	dims := 0
	rows := make([]ChunkRow, len(chunks))
	for i, ch := range chunks {
		var vec []float32
		if i < len(vectors) {
			vec = vectors[i]
		}
		if len(vec) > 0 {
			dims = len(vec)
		}
		rows[i] = ChunkRow{
			ID:        ChunkID(source, entry.path, ch.StartLine, ch.EndLine, ch.Hash, model),
			Path:      entry.path,
			Source:    source,
			StartLine: ch.StartLine,
			EndLine:   ch.EndLine,
			Hash:      ch.Hash,
			Model:     model,
			Text:      ch.Text,
			Embedding: vec,
		}
	}

	if dims > 0 {
		if err := s.mgr.EnsureVectorReady(dims); err != nil {
			s.logger.Debug().Err(err).Msg("Vector table unavailable, skipping vector rows")
		}
	}

	file := FileRow{
		Path:   entry.path,
		Source: source,
		Hash:   entry.hash,
		Mtime:  entry.mtimeMs,
		Size:   entry.size,
	}
	if err := s.mgr.Store().ReplaceFileChunks(file, rows); err != nil {
		return err
	}

	if source == SourceSessions {
		s.mu.Lock()
		s.deltas[entry.absPath] = &sessionDelta{lastSize: entry.size}
		s.mu.Unlock()
	}

	return nil
}

// pruneStale removes index rows whose path left the active set.
func (s *Syncer) pruneStale(entries []fileEntry, source Source) error {
	active := make(map[string]bool, len(entries))
	for _, e := range entries {
		active[e.path] = true
	}

	stored, err := s.mgr.Store().ListFilePaths(source)
	if err != nil {
		return err
	}

	for _, p := range stored {
		if !active[p] {
			if err := s.mgr.Store().DeleteFileRows(p, source); err != nil {
				return err
			}
			s.logger.Debug().Str("file", p).Str("source", string(source)).Msg("Pruned deleted file")
		}
	}
	return nil
}

// collectMemoryFiles enumerates the workspace MEMORY files, the memory/
// tree, and extra paths. Symlinks are skipped.
func (s *Syncer) collectMemoryFiles() ([]fileEntry, error) {
	var entries []fileEntry
	seen := make(map[string]bool)

	add := func(absPath string) {
		info, err := os.Lstat(absPath)
		if err != nil || info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
			return
		}
		if seen[absPath] {
			return
		}
		seen[absPath] = true

		content, err := os.ReadFile(absPath)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", absPath).Msg("Failed to read memory file")
			return
		}

		path := absPath
		if rel, err := filepath.Rel(s.workspaceDir, absPath); err == nil && !strings.HasPrefix(rel, "..") {
			path = rel
		}

		entries = append(entries, fileEntry{
			path:    path,
			absPath: absPath,
			hash:    hashBytes(content),
			size:    info.Size(),
			mtimeMs: info.ModTime().UnixMilli(),
		})
	}

	addTree := func(root string) {
		_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.Type()&os.ModeSymlink != 0 {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
				add(p)
			}
			return nil
		})
	}

	add(filepath.Join(s.workspaceDir, "MEMORY.md"))
	add(filepath.Join(s.workspaceDir, "memory.md"))
	addTree(filepath.Join(s.workspaceDir, "memory"))

	for _, extra := range s.cfg.ExtraPaths {
		abs := extra
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(s.workspaceDir, extra)
		}
		info, err := os.Lstat(abs)
		if err != nil || info.Mode()&os.ModeSymlink != 0 {
			continue
		}
		if info.IsDir() {
			addTree(abs)
		} else {
			add(abs)
		}
	}

	return entries, nil
}

// collectSessionFiles enumerates the agent's session transcript files.
func (s *Syncer) collectSessionFiles() ([]fileEntry, error) {
	var entries []fileEntry

	dirEntries, err := os.ReadDir(s.transcriptsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		absPath := filepath.Join(s.transcriptsDir, de.Name())
		info, err := de.Info()
		if err != nil {
			continue
		}
		content, err := os.ReadFile(absPath)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", absPath).Msg("Failed to read session transcript")
			continue
		}
		entries = append(entries, fileEntry{
			path:    de.Name(),
			absPath: absPath,
			hash:    hashBytes(content),
			size:    info.Size(),
			mtimeMs: info.ModTime().UnixMilli(),
		})
	}

	return entries, nil
}

// startWatcher watches the workspace MEMORY files, the memory/ tree, and
// extra paths for markdown changes.
func (s *Syncer) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher
	s.watcherDone = make(chan struct{})

	addDir := func(p string) {
		if info, err := os.Lstat(p); err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
			if err := watcher.Add(p); err != nil {
				s.logger.Warn().Err(err).Str("path", p).Msg("Failed to watch directory")
			}
			_ = filepath.WalkDir(p, func(sub string, d os.DirEntry, err error) error {
				if err == nil && d.IsDir() && sub != p && d.Type()&os.ModeSymlink == 0 {
					_ = watcher.Add(sub)
				}
				return nil
			})
		}
	}

	if err := watcher.Add(s.workspaceDir); err != nil {
		watcher.Close()
		return err
	}
	addDir(filepath.Join(s.workspaceDir, "memory"))
	for _, extra := range s.cfg.ExtraPaths {
		abs := extra
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(s.workspaceDir, extra)
		}
		info, err := os.Lstat(abs)
		if err != nil || info.Mode()&os.ModeSymlink != 0 {
			continue
		}
		if info.IsDir() {
			addDir(abs)
		} else if err := watcher.Add(abs); err != nil {
			s.logger.Warn().Err(err).Str("path", abs).Msg("Failed to watch file")
		}
	}

	go s.watchLoop()
	return nil
}

func (s *Syncer) watchLoop() {
	defer close(s.watcherDone)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".md") {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.handleWatchEvent(event.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("File watcher error")
		}
	}
}

// handleWatchEvent marks the index dirty and debounces the watch-triggered sync.
func (s *Syncer) handleWatchEvent(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.dirty = true
	s.pendingWrites[path] = struct{}{}

	debounce := s.watchDebounce()
	if s.watchTimer != nil {
		s.watchTimer.Stop()
	}
	s.watchTimer = time.AfterFunc(debounce, s.onWatchDebounce)
}

func (s *Syncer) watchDebounce() time.Duration {
	ms := s.cfg.Sync.WatchDebounceMs
	if ms <= 0 {
		ms = 1500
	}
	return time.Duration(ms) * time.Millisecond
}

// onWatchDebounce waits for pending writes to settle, then syncs.
func (s *Syncer) onWatchDebounce() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	pending := make([]string, 0, len(s.pendingWrites))
	for p := range s.pendingWrites {
		pending = append(pending, p)
	}
	s.pendingWrites = make(map[string]struct{})
	s.mu.Unlock()

	threshold := s.watchDebounce()
	for _, p := range pending {
		s.awaitWriteFinish(p, threshold)
	}

	if s.isClosed() {
		return
	}
	if err := s.Sync(SyncOptions{Reason: ReasonWatch}); err != nil {
		s.logger.Warn().Err(err).Msg("Watch-triggered sync failed")
	}
}

// awaitWriteFinish polls the file size every 100ms until it holds steady for
// the stability threshold.
func (s *Syncer) awaitWriteFinish(path string, threshold time.Duration) {
	var lastSize int64 = -1
	stableSince := time.Now()
	deadline := time.Now().Add(10 * threshold)

	for time.Now().Before(deadline) {
		info, err := os.Stat(path)
		if err != nil {
			return // deleted; nothing to wait for
		}
		if info.Size() != lastSize {
			lastSize = info.Size()
			stableSince = time.Now()
		} else if time.Since(stableSince) >= threshold {
			return
		}
		time.Sleep(writeSettlePoll)
	}
}

// onSessionEvent queues a transcript notification into the 5-second
// coalescing window.
func (s *Syncer) onSessionEvent(ev SessionTranscriptEvent) {
	if !strings.HasPrefix(ev.SessionFile, s.transcriptsDir+string(filepath.Separator)) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.pendingSessions[ev.SessionFile] = struct{}{}
	if s.sessionTimer != nil {
		s.sessionTimer.Stop()
	}
	s.sessionTimer = time.AfterFunc(sessionNotifyDebounce, s.onSessionDebounce)
}

func (s *Syncer) onSessionDebounce() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	pending := make([]string, 0, len(s.pendingSessions))
	for p := range s.pendingSessions {
		pending = append(pending, p)
	}
	s.pendingSessions = make(map[string]struct{})
	s.mu.Unlock()

	scheduled := false
	for _, p := range pending {
		if s.recheckSessionDelta(p) {
			scheduled = true
		}
	}

	if scheduled && !s.isClosed() {
		go func() {
			if err := s.Sync(SyncOptions{Reason: ReasonSessionDelta}); err != nil {
				s.logger.Warn().Err(err).Msg("Session-delta sync failed")
			}
		}()
	}
}

// recheckSessionDelta accumulates the grown (or rotated) byte range into the
// file's delta state and reports whether the file crossed a threshold.
func (s *Syncer) recheckSessionDelta(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	size := info.Size()

	s.mu.Lock()
	d, ok := s.deltas[path]
	if !ok {
		d = &sessionDelta{}
		s.deltas[path] = d
	}
	lastSize := d.lastSize
	s.mu.Unlock()

	var grownFrom, grownTo int64
	switch {
	case size < lastSize:
		// Rotation: the whole new file is fresh content.
		grownFrom, grownTo = 0, size
	case size > lastSize:
		grownFrom, grownTo = lastSize, size
	default:
		return false
	}

	newlines, err := countNewlinesInRange(path, grownFrom, grownTo)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", path).Msg("Failed to count transcript delta")
		newlines = 0
	}

	thresholds := s.cfg.Sync.Thresholds

	s.mu.Lock()
	defer s.mu.Unlock()

	d.lastSize = size
	d.pendingBytes += grownTo - grownFrom
	d.pendingMessages += newlines

	bytesHit := (thresholds.DeltaBytes <= 0 && d.pendingBytes > 0) ||
		(thresholds.DeltaBytes > 0 && d.pendingBytes >= thresholds.DeltaBytes)
	messagesHit := thresholds.DeltaMessages > 0 && d.pendingMessages >= thresholds.DeltaMessages

	if !bytesHit && !messagesHit {
		return false
	}

	if bytesHit {
		if thresholds.DeltaBytes > 0 {
			d.pendingBytes -= thresholds.DeltaBytes
		} else {
			d.pendingBytes = 0
		}
		if d.pendingBytes < 0 {
			d.pendingBytes = 0
		}
	}
	if messagesHit {
		d.pendingMessages -= thresholds.DeltaMessages
		if d.pendingMessages < 0 {
			d.pendingMessages = 0
		}
	}

	s.sessionsDirtyFile[path] = struct{}{}
	s.sessionsDirty = true
	return true
}

// SessionDeltaState returns a copy of the delta state for a transcript path.
func (s *Syncer) SessionDeltaState(path string) (lastSize, pendingBytes int64, pendingMessages int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, found := s.deltas[path]
	if !found {
		return 0, 0, 0, false
	}
	return d.lastSize, d.pendingBytes, d.pendingMessages, true
}

func (s *Syncer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Syncer) closeTriggers() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.watcher != nil {
		s.watcher.Close()
		if s.watcherDone != nil {
			<-s.watcherDone
		}
	}
}

// Close stops all timers, the session subscription, and the watcher.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.watchTimer != nil {
		s.watchTimer.Stop()
	}
	if s.sessionTimer != nil {
		s.sessionTimer.Stop()
	}
	s.mu.Unlock()

	s.closeTriggers()
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
