package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
)

// breakerEmbedder trips after consecutive provider failures so a dead
// provider fails fast instead of stalling every request on its timeout.
type breakerEmbedder struct {
	inner   Embedder
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerEmbedder(inner Embedder, maxFailures uint32, cooldown time.Duration, logger *logrus.Logger) Embedder {
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	if logger == nil {
		logger = logrus.New()
	}

	settings := gobreaker.Settings{
		Name:        "embeddings",
		MaxRequests: 5,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("embedding circuit breaker state changed")
		},
	}

	return &breakerEmbedder{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *breakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return result.([]float32), nil
}

func (b *breakerEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.inner.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return result.([][]float32), nil
}

func (b *breakerEmbedder) Dimension() int {
	return b.inner.Dimension()
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("embedding circuit open: %w", ErrUnavailable)
	}
	return err
}
