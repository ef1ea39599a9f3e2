package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const localDefaultBaseURL = "http://127.0.0.1:11434"

// LocalEmbedder implements EmbeddingProvider against an Ollama-compatible
// local embeddings server.
type LocalEmbedder struct {
	model      string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewLocalEmbedder creates a new local embedding provider.
func NewLocalEmbedder(model, baseURL string, logger zerolog.Logger) *LocalEmbedder {
	if baseURL == "" {
		baseURL = localDefaultBaseURL
	}
	return &LocalEmbedder{
		model:   model,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		logger: logger,
	}
}

// ID returns the provider family id.
func (p *LocalEmbedder) ID() string {
	return "local"
}

// Model returns the embedding model name.
func (p *LocalEmbedder) Model() string {
	return p.model
}

// InputTokenLimit returns the per-input token cap.
func (p *LocalEmbedder) InputTokenLimit() int {
	return 2048
}

// BaseURL returns the local server base URL.
func (p *LocalEmbedder) BaseURL() string {
	return p.baseURL
}

// EmbedQuery embeds a single text.
func (p *LocalEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request, vectors aligned by index.
func (p *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]any{
		"model": p.model,
		"input": texts,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call local embeddings server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, providerErrorFromStatus(resp.StatusCode, string(body))
	}

	var result struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, &ProviderError{Kind: ErrKindPermanent, Msg: fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))}
	}
	return result.Embeddings, nil
}
