package memory

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/belyaeva84-debug/openclaw/internal/observability"
	"github.com/belyaeva84-debug/openclaw/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// maxSearchCandidates caps how many rows each scan may return.
const maxSearchCandidates = 200

// defaultMaxResults is used when the caller does not set a limit.
const defaultMaxResults = 20

// SearchOptions configures one search.
type SearchOptions struct {
	MaxResults int
	MinScore   float64
	SessionKey string
}

// SearchResult is one hybrid search hit.
type SearchResult struct {
	ChunkID      string   `json:"chunk_id"`
	Path         string   `json:"path"`
	Source       Source   `json:"source"`
	StartLine    int      `json:"start_line"`
	EndLine      int      `json:"end_line"`
	Text         string   `json:"text"`
	Score        float64  `json:"score"`
	VectorScore  *float64 `json:"vector_score,omitempty"`
	KeywordScore *float64 `json:"keyword_score,omitempty"`
}

// scanHit is one row from either scan with its normalized [0,1] score.
type scanHit struct {
	id        string
	path      string
	source    Source
	startLine int
	endLine   int
	text      string
	score     float64
}

// Search performs hybrid search over the index. It never fails: a scan error
// degrades that side to empty results.
func (m *Manager) Search(ctx context.Context, query string, opts *SearchOptions) ([]SearchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"openclaw.memory",
		"memory.search",
		attribute.String("query", query),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()
	defer func() { observability.RecordMemorySearch(time.Since(start)) }()

	query = strings.TrimSpace(query)
	if query == "" {
		return []SearchResult{}, nil
	}

	if opts == nil {
		opts = &SearchOptions{}
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	if opts.SessionKey != "" {
		m.syncer.WarmSession(opts.SessionKey)
	}
	if m.cfg.Sync.OnSearch && m.syncer.Dirty() {
		go func() {
			if err := m.Sync(SyncOptions{Reason: ReasonSearch}); err != nil {
				logger.Warn().Err(err).Msg("Search-triggered sync failed")
			}
		}()
	}

	candidates := int(math.Floor(float64(maxResults) * m.cfg.Hybrid.CandidateMultiplier))
	if candidates < 1 {
		candidates = 1
	}
	if candidates > maxSearchCandidates {
		candidates = maxSearchCandidates
	}

	var vectorHits, keywordHits []scanHit
	var wg sync.WaitGroup

	if m.cfg.Hybrid.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits, err := m.keywordSearch(query, candidates)
			if err != nil {
				logger.Warn().Err(err).Msg("Keyword search failed")
				return
			}
			keywordHits = hits
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		vec, err := m.emb.EmbedQuery(ctx, query)
		if err != nil {
			logger.Warn().Err(err).Msg("Query embedding failed")
			return
		}
		if allZero(vec) {
			return
		}
		hits, err := m.vectorSearch(ctx, vec, candidates)
		if err != nil {
			logger.Warn().Err(err).Msg("Vector search failed")
			return
		}
		vectorHits = hits
	}()

	wg.Wait()

	var results []SearchResult
	if !m.cfg.Hybrid.Enabled {
		for _, h := range vectorHits {
			if h.score < opts.MinScore {
				continue
			}
			score := h.score
			results = append(results, SearchResult{
				ChunkID:     h.id,
				Path:        h.path,
				Source:      h.source,
				StartLine:   h.startLine,
				EndLine:     h.endLine,
				Text:        h.text,
				Score:       h.score,
				VectorScore: &score,
			})
		}
	} else {
		results = mergeHybrid(vectorHits, keywordHits, m.cfg.Hybrid.VectorWeight, m.cfg.Hybrid.TextWeight, opts.MinScore)
	}

	if len(results) > maxResults {
		results = results[:maxResults]
	}

	logger.Debug().
		Str("query", query).
		Int("results", len(results)).
		Msg("Search completed")

	return results, nil
}

// vectorSearch runs a KNN scan over chunks_vec and normalizes cosine
// similarity into [0,1].
func (m *Manager) vectorSearch(ctx context.Context, queryVec []float32, limit int) ([]scanHit, error) {
	store := m.Store()
	if !store.VectorAvailable() {
		return nil, nil
	}

	serialized, err := sqlite_vec.SerializeFloat32(queryVec)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query vector: %w", err)
	}

	sourceFilter, sourceArgs := m.sourceFilter("c.source")
	args := append([]any{serialized, limit}, sourceArgs...)

	rows, err := store.DB().QueryContext(ctx, `
		SELECT c.id, c.path, c.source, c.start_line, c.end_line, c.text, v.distance
		FROM (
			SELECT id, distance FROM chunks_vec
			WHERE embedding MATCH ? AND k = ?
			ORDER BY distance
		) v
		JOIN chunks c ON c.id = v.id
		WHERE `+sourceFilter,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []scanHit
	for rows.Next() {
		var h scanHit
		var source string
		var distance float64
		if err := rows.Scan(&h.id, &h.path, &source, &h.startLine, &h.endLine, &h.text, &distance); err != nil {
			return nil, err
		}
		h.source = Source(source)
		// Cosine distance is in [0,2]; similarity = 1-distance is in [-1,1],
		// mapped into [0,1].
		similarity := 1.0 - distance
		h.score = (similarity + 1) / 2
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// keywordSearch runs an FTS scan and normalizes BM25 ranks into [0,1].
func (m *Manager) keywordSearch(query string, limit int) ([]scanHit, error) {
	store := m.Store()
	if !store.FTSAvailable() {
		return nil, nil
	}

	match := ftsMatchQuery(query)
	if match == "" {
		return nil, nil
	}

	sourceFilter, sourceArgs := m.sourceFilter("source")
	args := append([]any{match}, sourceArgs...)
	args = append(args, m.emb.Model(), limit)

	rows, err := store.DB().Query(`
		SELECT id, path, source, start_line, end_line, text, bm25(chunks_fts) AS rank
		FROM chunks_fts
		WHERE chunks_fts MATCH ? AND `+sourceFilter+` AND model = ?
		ORDER BY rank
		LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []scanHit
	for rows.Next() {
		var h scanHit
		var source string
		var rank float64
		if err := rows.Scan(&h.id, &h.path, &source, &h.startLine, &h.endLine, &h.text, &rank); err != nil {
			return nil, err
		}
		h.source = Source(source)
		h.score = bm25RankToScore(rank)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// sourceFilter builds the source IN (...) clause for the configured sources.
func (m *Manager) sourceFilter(column string) (string, []any) {
	sources := m.cfg.Sources
	if len(sources) == 0 {
		sources = []string{string(SourceMemory), string(SourceSessions)}
	}
	placeholders := strings.Repeat("?,", len(sources))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(sources))
	for i, s := range sources {
		args[i] = s
	}
	return column + " IN (" + placeholders + ")", args
}

// bm25RankToScore maps a (negative-is-better) BM25 rank into [0,1].
func bm25RankToScore(rank float64) float64 {
	s := -rank
	if s < 0 {
		s = 0
	}
	return s / (s + 1)
}

var ftsTermPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// ftsMatchQuery normalizes free text into an FTS5 OR-query over its terms.
func ftsMatchQuery(query string) string {
	terms := ftsTermPattern.FindAllString(query, -1)
	if len(terms) == 0 {
		return ""
	}
	for i, t := range terms {
		terms[i] = `"` + t + `"`
	}
	return strings.Join(terms, " OR ")
}

// mergeHybrid fuses normalized vector and keyword hits: union by id, a
// missing side scores 0, combined = vectorWeight*v + textWeight*t.
func mergeHybrid(vectorHits, keywordHits []scanHit, vectorWeight, textWeight, minScore float64) []SearchResult {
	type merged struct {
		hit          scanHit
		vectorScore  *float64
		keywordScore *float64
	}

	byID := make(map[string]*merged)
	for _, h := range vectorHits {
		h := h
		byID[h.id] = &merged{hit: h, vectorScore: &h.score}
	}
	for _, h := range keywordHits {
		h := h
		if existing, ok := byID[h.id]; ok {
			existing.keywordScore = &h.score
		} else {
			byID[h.id] = &merged{hit: h, keywordScore: &h.score}
		}
	}

	results := make([]SearchResult, 0, len(byID))
	for _, e := range byID {
		var v, t float64
		if e.vectorScore != nil {
			v = *e.vectorScore
		}
		if e.keywordScore != nil {
			t = *e.keywordScore
		}
		score := vectorWeight*v + textWeight*t
		if score < minScore {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:      e.hit.id,
			Path:         e.hit.path,
			Source:       e.hit.source,
			StartLine:    e.hit.startLine,
			EndLine:      e.hit.endLine,
			Text:         e.hit.text,
			Score:        score,
			VectorScore:  e.vectorScore,
			KeywordScore: e.keywordScore,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return results
}

func allZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
