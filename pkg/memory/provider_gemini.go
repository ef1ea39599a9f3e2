package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// GeminiEmbedder implements EmbeddingProvider for the Gemini API.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
	logger zerolog.Logger
}

// NewGeminiEmbedder creates a new Gemini embedding provider.
func NewGeminiEmbedder(apiKey, model string, logger zerolog.Logger) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiEmbedder{
		client: client,
		model:  model,
		logger: logger,
	}, nil
}

// ID returns the provider family id.
func (p *GeminiEmbedder) ID() string {
	return "gemini"
}

// Model returns the embedding model name.
func (p *GeminiEmbedder) Model() string {
	return p.model
}

// InputTokenLimit returns the per-input token cap.
func (p *GeminiEmbedder) InputTokenLimit() int {
	return 2048
}

// EmbedQuery embeds a single text.
func (p *GeminiEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request, vectors aligned by index.
func (p *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	resp, err := p.client.Models.EmbedContent(ctx, p.model, contents, nil)
	if err != nil {
		var apierr genai.APIError
		if errors.As(err, &apierr) {
			return nil, providerErrorFromStatus(apierr.Code, apierr.Message)
		}
		return nil, err
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, &ProviderError{Kind: ErrKindPermanent, Msg: fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Embeddings))}
	}

	vecs := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		vecs[i] = emb.Values
	}
	return vecs, nil
}
