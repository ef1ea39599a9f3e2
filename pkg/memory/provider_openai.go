package memory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// batchPollInterval is how often a remote batch job is re-checked.
const batchPollInterval = 10 * time.Second

// OpenAIEmbedder implements EmbeddingProvider for the OpenAI embeddings API.
// It also implements BatchSubmitter via the OpenAI Batch API.
type OpenAIEmbedder struct {
	client  openai.Client
	model   string
	baseURL string
	headers map[string]string
	logger  zerolog.Logger
}

// NewOpenAIEmbedder creates a new OpenAI embedding provider.
func NewOpenAIEmbedder(apiKey, model, baseURL string, headers map[string]string, logger zerolog.Logger) *OpenAIEmbedder {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	for name, value := range headers {
		opts = append(opts, option.WithHeader(name, value))
	}

	return &OpenAIEmbedder{
		client:  openai.NewClient(opts...),
		model:   model,
		baseURL: baseURL,
		headers: headers,
		logger:  logger,
	}
}

// ID returns the provider family id.
func (p *OpenAIEmbedder) ID() string {
	return "openai"
}

// Model returns the embedding model name.
func (p *OpenAIEmbedder) Model() string {
	return p.model
}

// InputTokenLimit returns the per-input token cap.
func (p *OpenAIEmbedder) InputTokenLimit() int {
	return 8192
}

// BaseURL returns the configured base URL, empty for the default.
func (p *OpenAIEmbedder) BaseURL() string {
	return p.baseURL
}

// Headers returns the configured extra headers.
func (p *OpenAIEmbedder) Headers() map[string]string {
	return p.headers
}

// EmbedQuery embeds a single text.
func (p *OpenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request, vectors aligned by index.
func (p *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(p.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, p.wrapError(err)
	}

	if len(resp.Data) != len(texts) {
		return nil, &ProviderError{Kind: ErrKindPermanent, Msg: fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Data))}
	}

	vecs := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		vecs[int(d.Index)] = toFloat32(d.Embedding)
	}
	return vecs, nil
}

// SubmitBatch materialises one remote batch job and blocks until it completes,
// returning vectors keyed by custom_id.
func (p *OpenAIEmbedder) SubmitBatch(ctx context.Context, reqs []BatchRequest) (map[string][]float32, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range reqs {
		line := map[string]any{
			"custom_id": r.CustomID,
			"method":    "POST",
			"url":       "/v1/embeddings",
			"body": map[string]any{
				"model": p.model,
				"input": r.Text,
			},
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("failed to encode batch request: %w", err)
		}
	}

	file, err := p.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(buf.Bytes()), "embeddings.jsonl", "application/jsonl"),
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return nil, p.wrapError(err)
	}

	batch, err := p.client.Batches.New(ctx, openai.BatchNewParams{
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
		Endpoint:         openai.BatchNewParamsEndpointV1Embeddings,
		InputFileID:      file.ID,
	})
	if err != nil {
		return nil, p.wrapError(err)
	}

	p.logger.Debug().Str("batch_id", batch.ID).Int("requests", len(reqs)).Msg("Remote batch submitted")

	for !batchTerminal(batch.Status) {
		select {
		case <-ctx.Done():
			return nil, &ProviderError{Kind: ErrKindTimeout, Msg: fmt.Sprintf("remote batch %s did not complete in time", batch.ID)}
		case <-time.After(batchPollInterval):
		}

		batch, err = p.client.Batches.Get(ctx, batch.ID)
		if err != nil {
			return nil, p.wrapError(err)
		}
	}

	if batch.Status != openai.BatchStatusCompleted {
		return nil, &ProviderError{Kind: ErrKindTransient, Msg: fmt.Sprintf("remote batch %s ended with status %s", batch.ID, batch.Status)}
	}
	if batch.OutputFileID == "" {
		return nil, &ProviderError{Kind: ErrKindPermanent, Msg: fmt.Sprintf("remote batch %s completed without output", batch.ID)}
	}

	return p.readBatchOutput(ctx, batch.OutputFileID)
}

func batchTerminal(status openai.BatchStatus) bool {
	switch status {
	case openai.BatchStatusCompleted, openai.BatchStatusFailed, openai.BatchStatusExpired, openai.BatchStatusCancelled:
		return true
	}
	return false
}

func (p *OpenAIEmbedder) readBatchOutput(ctx context.Context, fileID string) (map[string][]float32, error) {
	resp, err := p.client.Files.Content(ctx, fileID)
	if err != nil {
		return nil, p.wrapError(err)
	}
	defer resp.Body.Close()

	type outputLine struct {
		CustomID string `json:"custom_id"`
		Response struct {
			StatusCode int `json:"status_code"`
			Body       struct {
				Data []struct {
					Embedding []float64 `json:"embedding"`
				} `json:"data"`
			} `json:"body"`
		} `json:"response"`
	}

	results := make(map[string][]float32)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line outputLine
		if err := json.Unmarshal(raw, &line); err != nil {
			p.logger.Warn().Err(err).Msg("Skipping malformed batch output line")
			continue
		}
		if line.Response.StatusCode != 200 || len(line.Response.Body.Data) == 0 {
			continue
		}
		results[line.CustomID] = toFloat32(line.Response.Body.Data[0].Embedding)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read batch output: %w", err)
	}

	return results, nil
}

func (p *OpenAIEmbedder) wrapError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return providerErrorFromStatus(apierr.StatusCode, apierr.Message)
	}
	return err
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
