package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adya9/web-whisper/config"
)

// ErrUnavailable marks provider or network failures. Callers decide retry
// policy; it is never swallowed inside this package.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Embedder converts text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch preserves input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

type Options struct {
	Provider  string
	Model     string
	Dimension int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	BreakerMaxFailures uint32
	BreakerCooldown    time.Duration
}

// NewEmbedder builds the configured provider wrapped in a circuit breaker.
func NewEmbedder(cfg config.Config, logger *logrus.Logger) (Embedder, error) {
	opts := Options{
		Provider:           cfg.Embeddings.Provider,
		Model:              cfg.Embeddings.Model,
		Dimension:          cfg.Embeddings.Dimension,
		OllamaHost:         cfg.OllamaHost,
		OpenAIAPIKey:       cfg.OpenAIAPIKey,
		OpenAIBaseURL:      cfg.OpenAIBaseURL,
		BreakerMaxFailures: cfg.Embeddings.BreakerMaxFailures,
		BreakerCooldown:    cfg.Embeddings.BreakerCooldown,
	}

	var base Embedder
	switch opts.Provider {
	case config.ProviderOllama:
		base = NewOllamaEmbedder(opts)
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		base = NewOpenAIEmbedder(opts)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}

	return NewBreakerEmbedder(base, opts.BreakerMaxFailures, opts.BreakerCooldown, logger), nil
}
