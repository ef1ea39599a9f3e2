package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/belyaeva84-debug/openclaw/internal/config"
	"github.com/rs/zerolog"
)

// EmbeddingProvider generates vector embeddings from text.
type EmbeddingProvider interface {
	ID() string
	Model() string
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// InputTokenLimit is the per-input token cap chunks must be clipped to.
	InputTokenLimit() int
}

// BatchRequest is one item of a remote batch job.
type BatchRequest struct {
	CustomID string
	Text     string
}

// BatchSubmitter is implemented by providers that support remote batch jobs.
// SubmitBatch blocks until the remote job reaches a terminal state and
// returns vectors keyed by custom_id.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, reqs []BatchRequest) (map[string][]float32, error)
}

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	// ErrKindTransient covers rate limits, 5xx, and quota exhaustion.
	ErrKindTransient ErrorKind = "transient"
	// ErrKindPermanent covers bad requests and feature-unavailable failures.
	ErrKindPermanent ErrorKind = "permanent"
	// ErrKindTimeout covers calls that exceeded their budget.
	ErrKindTimeout ErrorKind = "timeout"
)

// ProviderError is a structured provider failure.
type ProviderError struct {
	Kind   ErrorKind
	Status int
	Msg    string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("embedding provider error (%s, status %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("embedding provider error (%s): %s", e.Kind, e.Msg)
}

// providerErrorFromStatus maps an HTTP status to a structured error.
func providerErrorFromStatus(status int, msg string) *ProviderError {
	kind := ErrKindPermanent
	if status == 429 || status >= 500 {
		kind = ErrKindTransient
	}
	return &ProviderError{Kind: kind, Status: status, Msg: msg}
}

// retryablePattern is the last-resort message classifier for errors that do
// not carry a structured kind.
var retryablePattern = regexp.MustCompile(`(?i)rate.?limit|too many requests|\b429\b|\b5\d\d\b|resource has been exhausted|cloudflare`)

// IsRetryable reports whether an error should be retried with backoff.
// Structured kinds win; the message regex is a fallback for foreign errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == ErrKindTransient
	}
	return retryablePattern.MatchString(err.Error())
}

// IsPermanent reports whether an error is a permanent provider failure.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ErrKindPermanent
}

// IsTimeout reports whether an error is a timeout.
func IsTimeout(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ErrKindTimeout
}

// fallbackPattern matches sync failures worth a provider fallback.
var fallbackPattern = regexp.MustCompile(`(?i)embedding|embeddings|batch`)

// batchUnavailablePattern matches permanent "batch not supported" responses.
var batchUnavailablePattern = regexp.MustCompile(`(?i)batch.*(not available|not supported|unavailable)|(not available|not supported).*batch`)

// isBatchUnavailable reports whether a batch failure is permanent for this provider.
func isBatchUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return true
	}
	return batchUnavailablePattern.MatchString(err.Error())
}

// defaultModelFor returns the default embedding model for a provider family.
func defaultModelFor(provider string) string {
	switch provider {
	case "openai":
		return "text-embedding-3-small"
	case "gemini":
		return "gemini-embedding-001"
	case "voyage":
		return "voyage-3-lite"
	case "local":
		return "nomic-embed-text"
	default:
		return ""
	}
}

// NewProvider constructs an embedding provider from configuration.
func NewProvider(cfg config.EmbeddingConfig, logger zerolog.Logger) (EmbeddingProvider, error) {
	model := cfg.Model
	if model == "" {
		model = defaultModelFor(cfg.Provider)
	}

	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(cfg.APIKey, model, cfg.BaseURL, cfg.Headers, logger), nil
	case "gemini":
		return NewGeminiEmbedder(cfg.APIKey, model, logger)
	case "voyage":
		return NewVoyageEmbedder(cfg.APIKey, model, cfg.BaseURL, logger), nil
	case "local":
		return NewLocalEmbedder(model, cfg.BaseURL, logger), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", cfg.Provider)
	}
}

// ProviderKeyFor computes a stable, non-secret identity hash for a provider
// configuration: provider id, base URL, model, and sorted non-secret header
// names. Secret material never enters the hash.
func ProviderKeyFor(id, baseURL, model string, headers map[string]string) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		lower := strings.ToLower(name)
		if lower == "authorization" || strings.Contains(lower, "api-key") || strings.Contains(lower, "token") {
			continue
		}
		names = append(names, lower)
	}
	sort.Strings(names)

	key := strings.Join([]string{id, baseURL, model, strings.Join(names, ",")}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}
