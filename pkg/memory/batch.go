package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const defaultBatchTimeoutMinutes = 60

// batchCustomID derives the stable custom_id for one chunk of a remote batch job.
func batchCustomID(source Source, path string, chunk Chunk, index int) string {
	key := fmt.Sprintf("%s:%s:%d:%d:%s:%d", source, path, chunk.StartLine, chunk.EndLine, chunk.Hash, index)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:12])
}

// embedViaRemoteBatch materialises one remote batch job for the missing
// chunks of a file and waits for it, hitting the per-batch timeout. A timed
// out job is retried once.
func (m *EmbeddingManager) embedViaRemoteBatch(ctx context.Context, submitter BatchSubmitter, chunks []Chunk, missing []int, fileMeta *FileMeta, source Source) (map[int][]float32, error) {
	timeoutMinutes := m.cfg.Batch.TimeoutMinutes
	if timeoutMinutes <= 0 {
		timeoutMinutes = defaultBatchTimeoutMinutes
	}
	budget := time.Duration(timeoutMinutes) * time.Minute

	reqs := make([]BatchRequest, len(missing))
	idByIndex := make(map[string]int, len(missing))
	for j, i := range missing {
		id := batchCustomID(source, fileMeta.Path, chunks[i], i)
		reqs[j] = BatchRequest{CustomID: id, Text: chunks[i].Text}
		idByIndex[id] = i
	}

	tag, _ := gonanoid.New(8)
	log := m.logger.With().Str("batch_tag", tag).Str("file", fileMeta.Path).Logger()

	var results map[string][]float32
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		bctx, cancel := context.WithTimeout(ctx, budget)
		results, err = submitter.SubmitBatch(bctx, reqs)
		cancel()

		if err == nil {
			break
		}
		if !IsTimeout(err) {
			return nil, err
		}
		if attempt == 0 {
			log.Warn().Err(err).Msg("Remote batch timed out, retrying once")
		}
	}
	if err != nil {
		return nil, err
	}

	embedded := make(map[int][]float32, len(missing))
	for id, vec := range results {
		if i, ok := idByIndex[id]; ok {
			embedded[i] = vec
		}
	}
	if len(embedded) != len(missing) {
		return nil, &ProviderError{
			Kind: ErrKindTransient,
			Msg:  fmt.Sprintf("remote batch returned %d of %d embeddings", len(embedded), len(missing)),
		}
	}

	log.Debug().Int("chunks", len(missing)).Msg("Remote batch completed")
	return embedded, nil
}
