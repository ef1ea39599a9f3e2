package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// Source identifies which stream a file belongs to.
type Source string

const (
	// SourceMemory covers long-lived memory files.
	SourceMemory Source = "memory"
	// SourceSessions covers append-only session transcripts.
	SourceSessions Source = "sessions"
)

// vectorReadyTimeout bounds the one-shot vector table creation.
const vectorReadyTimeout = 30 * time.Second

// IndexMeta records the provider configuration the index was built with.
type IndexMeta struct {
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	ProviderKey  string `json:"providerKey"`
	ChunkTokens  int    `json:"chunkTokens"`
	ChunkOverlap int    `json:"chunkOverlap"`
	VectorDims   int    `json:"vectorDims,omitempty"`
}

const metaKey = "index"

// ChunkRow is a chunk as persisted in the chunks table.
type ChunkRow struct {
	ID        string
	Path      string
	Source    Source
	StartLine int
	EndLine   int
	Hash      string
	Model     string
	Text      string
	Embedding []float32
}

// FileRow is a file record as persisted in the files table.
type FileRow struct {
	Path   string
	Source Source
	Hash   string
	Mtime  int64
	Size   int64
}

// Store wraps the sqlite index database with its virtual tables.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger

	vectorMu        sync.Mutex
	vectorAttempted bool
	vectorReady     bool
	vectorDims      int
	vectorErr       error

	ftsMu        sync.Mutex
	ftsAvailable bool
	ftsErr       error
}

// OpenStore opens (creating if needed) the index database at path.
func OpenStore(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database with FTS5 support
	db, err := sql.Open("sqlite3", path+"?_fts5=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{
		db:     db,
		path:   path,
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.initFTS()

	return s, nil
}

// initSchema creates the base tables.
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS files (
			path TEXT NOT NULL,
			source TEXT NOT NULL,
			hash TEXT NOT NULL,
			mtime INTEGER NOT NULL,
			size INTEGER NOT NULL,
			PRIMARY KEY (path, source)
		);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			source TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			hash TEXT NOT NULL,
			model TEXT NOT NULL,
			text TEXT NOT NULL,
			embedding TEXT,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(path, source);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			provider_key TEXT NOT NULL,
			hash TEXT NOT NULL,
			embedding TEXT NOT NULL,
			dims INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (provider, model, provider_key, hash)
		);
		CREATE INDEX IF NOT EXISTS idx_cache_updated ON embedding_cache(updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// initFTS attempts to create the FTS virtual table and records availability.
func (s *Store) initFTS() {
	s.ftsMu.Lock()
	defer s.ftsMu.Unlock()

	ftsSchema := `
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			id UNINDEXED,
			text,
			path UNINDEXED,
			source UNINDEXED,
			model UNINDEXED,
			start_line UNINDEXED,
			end_line UNINDEXED,
			tokenize='porter unicode61'
		);
	`

	if _, err := s.db.Exec(ftsSchema); err != nil {
		s.ftsAvailable = false
		s.ftsErr = err
		s.logger.Warn().Err(err).Msg("FTS5 unavailable, keyword search disabled")
		return
	}
	s.ftsAvailable = true
	s.ftsErr = nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// FTSAvailable reports whether the FTS virtual table is usable.
func (s *Store) FTSAvailable() bool {
	s.ftsMu.Lock()
	defer s.ftsMu.Unlock()
	return s.ftsAvailable
}

// VectorAvailable reports whether the vector virtual table has been created.
func (s *Store) VectorAvailable() bool {
	s.vectorMu.Lock()
	defer s.vectorMu.Unlock()
	return s.vectorReady
}

// VectorDims returns the dimensionality of the vector table, 0 when absent.
func (s *Store) VectorDims() int {
	s.vectorMu.Lock()
	defer s.vectorMu.Unlock()
	return s.vectorDims
}

// LoadError returns the recorded FTS or vector load error, if any.
func (s *Store) LoadError() error {
	s.ftsMu.Lock()
	ftsErr := s.ftsErr
	s.ftsMu.Unlock()
	if ftsErr != nil {
		return ftsErr
	}
	s.vectorMu.Lock()
	defer s.vectorMu.Unlock()
	return s.vectorErr
}

// EnsureVectorReady lazily creates the vector virtual table for the given
// dimensionality. The attempt is one-shot: later calls return the memoized
// outcome until ResetAvailability.
func (s *Store) EnsureVectorReady(dims int) error {
	if dims <= 0 {
		return errors.New("vector dimensionality must be positive")
	}

	s.vectorMu.Lock()
	defer s.vectorMu.Unlock()

	if s.vectorAttempted {
		if s.vectorErr != nil {
			return s.vectorErr
		}
		if s.vectorDims != dims {
			return fmt.Errorf("vector table has dims=%d, want %d", s.vectorDims, dims)
		}
		return nil
	}
	s.vectorAttempted = true

	ctx, cancel := context.WithTimeout(context.Background(), vectorReadyTimeout)
	defer cancel()

	vecSchema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_vec USING vec0(
			id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, dims)

	if _, err := s.db.ExecContext(ctx, vecSchema); err != nil {
		s.vectorErr = err
		s.logger.Warn().Err(err).Msg("Vector extension unavailable, vector search disabled")
		return err
	}

	s.vectorReady = true
	s.vectorDims = dims
	return nil
}

// ResetAvailability clears the memoized FTS/vector state, re-probing FTS.
// Called after a reindex swap replaces the database file.
func (s *Store) ResetAvailability() {
	s.vectorMu.Lock()
	s.vectorAttempted = false
	s.vectorReady = false
	s.vectorDims = 0
	s.vectorErr = nil
	s.vectorMu.Unlock()

	s.initFTS()
}

// ReadMeta returns the persisted index metadata, nil when absent.
func (s *Store) ReadMeta() (*IndexMeta, error) {
	var raw string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", metaKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read meta: %w", err)
	}

	var meta IndexMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode meta: %w", err)
	}
	return &meta, nil
}

// WriteMeta persists the index metadata.
func (s *Store) WriteMeta(meta IndexMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode meta: %w", err)
	}
	_, err = s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", metaKey, string(raw))
	if err != nil {
		return fmt.Errorf("failed to write meta: %w", err)
	}
	return nil
}

// FileHash returns the stored content hash for (path, source).
func (s *Store) FileHash(path string, source Source) (string, bool, error) {
	var hash string
	err := s.db.QueryRow("SELECT hash FROM files WHERE path = ? AND source = ?", path, string(source)).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

// ListFilePaths returns all indexed paths for a source.
func (s *Store) ListFilePaths(source Source) ([]string, error) {
	rows, err := s.db.Query("SELECT path FROM files WHERE source = ?", string(source))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// ReplaceFileChunks atomically replaces all rows for (path, source): the file
// record, its chunks, and the matching vector and FTS rows. Vector rows are
// written only when the vector table is ready; FTS rows only when FTS loaded.
func (s *Store) ReplaceFileChunks(file FileRow, chunks []ChunkRow) error {
	vectorReady := s.VectorAvailable()
	ftsReady := s.FTSAvailable()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteRowsTx(tx, file.Path, file.Source, vectorReady, ftsReady); err != nil {
		return err
	}

	now := time.Now().Unix()
	for _, c := range chunks {
		var embJSON string
		if len(c.Embedding) > 0 {
			raw, err := json.Marshal(c.Embedding)
			if err != nil {
				return fmt.Errorf("failed to encode embedding: %w", err)
			}
			embJSON = string(raw)
		}

		if _, err := tx.Exec(
			`INSERT INTO chunks (id, path, source, start_line, end_line, hash, model, text, embedding, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Path, string(c.Source), c.StartLine, c.EndLine, c.Hash, c.Model, c.Text, embJSON, now,
		); err != nil {
			return err
		}

		if vectorReady && len(c.Embedding) > 0 {
			vec, err := sqlite_vec.SerializeFloat32(c.Embedding)
			if err != nil {
				return fmt.Errorf("failed to serialize embedding: %w", err)
			}
			if _, err := tx.Exec(
				"INSERT INTO chunks_vec (id, embedding) VALUES (?, ?)",
				c.ID, vec,
			); err != nil {
				return err
			}
		}

		if ftsReady {
			if _, err := tx.Exec(
				`INSERT INTO chunks_fts (id, text, path, source, model, start_line, end_line)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.Text, c.Path, string(c.Source), c.Model, c.StartLine, c.EndLine,
			); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO files (path, source, hash, mtime, size) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path, source) DO UPDATE SET hash = excluded.hash, mtime = excluded.mtime, size = excluded.size`,
		file.Path, string(file.Source), file.Hash, file.Mtime, file.Size,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteFileRows removes the file record and all dependent rows for (path, source).
func (s *Store) DeleteFileRows(path string, source Source) error {
	vectorReady := s.VectorAvailable()
	ftsReady := s.FTSAvailable()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteRowsTx(tx, path, source, vectorReady, ftsReady); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM files WHERE path = ? AND source = ?", path, string(source)); err != nil {
		return err
	}

	return tx.Commit()
}

func deleteRowsTx(tx *sql.Tx, path string, source Source, vectorReady, ftsReady bool) error {
	if vectorReady {
		if _, err := tx.Exec(
			"DELETE FROM chunks_vec WHERE id IN (SELECT id FROM chunks WHERE path = ? AND source = ?)",
			path, string(source),
		); err != nil {
			return err
		}
	}
	if ftsReady {
		if _, err := tx.Exec(
			"DELETE FROM chunks_fts WHERE id IN (SELECT id FROM chunks WHERE path = ? AND source = ?)",
			path, string(source),
		); err != nil {
			return err
		}
	}
	_, err := tx.Exec("DELETE FROM chunks WHERE path = ? AND source = ?", path, string(source))
	return err
}

// Counts returns the number of file and chunk rows.
func (s *Store) Counts() (files int, chunks int, err error) {
	if err = s.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&files); err != nil {
		return 0, 0, err
	}
	if err = s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&chunks); err != nil {
		return 0, 0, err
	}
	return files, chunks, nil
}

// ChunkIDs returns the set of chunk ids currently in the index.
func (s *Store) ChunkIDs() (map[string]bool, error) {
	rows, err := s.db.Query("SELECT id FROM chunks")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
