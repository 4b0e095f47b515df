package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
)

// Breaker wraps a Completer with a circuit breaker so a failing model
// endpoint is not hammered by every message in a run.
type Breaker struct {
	next Completer
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next. The breaker opens after more than five
// consecutive failures, or when at least 60% of ten or more requests in a
// minute fail, and stays open for 30 seconds.
func NewBreaker(next Completer, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsFailure(err)
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Complete implements Completer. While the breaker is open it fails fast
// with gobreaker.ErrOpenState.
func (b *Breaker) Complete(ctx context.Context, messages []Message) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Complete(ctx, messages)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// State returns the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// countsAsFailure reports whether err says something about the endpoint's
// health. Caller cancellations and request errors (bad key, bad model) do
// not trip the breaker.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return true
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return false
		}
		return apiErr.HTTPStatusCode >= 500
	}
	return true
}

var _ Completer = (*Breaker)(nil)
