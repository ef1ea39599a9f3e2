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

const voyageDefaultBaseURL = "https://api.voyageai.com/v1"

// VoyageEmbedder implements EmbeddingProvider for the Voyage AI API.
type VoyageEmbedder struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewVoyageEmbedder creates a new Voyage embedding provider.
func NewVoyageEmbedder(apiKey, model, baseURL string, logger zerolog.Logger) *VoyageEmbedder {
	if baseURL == "" {
		baseURL = voyageDefaultBaseURL
	}
	return &VoyageEmbedder{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

// ID returns the provider family id.
func (p *VoyageEmbedder) ID() string {
	return "voyage"
}

// Model returns the embedding model name.
func (p *VoyageEmbedder) Model() string {
	return p.model
}

// InputTokenLimit returns the per-input token cap.
func (p *VoyageEmbedder) InputTokenLimit() int {
	return 16000
}

// BaseURL returns the API base URL.
func (p *VoyageEmbedder) BaseURL() string {
	return p.baseURL
}

// EmbedQuery embeds a single text.
func (p *VoyageEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request, vectors aligned by index.
func (p *VoyageEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]any{
		"input": texts,
		"model": p.model,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call Voyage API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, providerErrorFromStatus(resp.StatusCode, string(body))
	}

	var result struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(result.Data) != len(texts) {
		return nil, &ProviderError{Kind: ErrKindPermanent, Msg: fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(result.Data))}
	}

	vecs := make([][]float32, len(result.Data))
	for _, d := range result.Data {
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
