package pipeline

import (
	"context"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/ajayg10/ai-email-agent/internal/config"
	"github.com/ajayg10/ai-email-agent/internal/gmail"
	"github.com/ajayg10/ai-email-agent/internal/store"
)

// TokenSourcer returns a refreshing token source for a stored user.
// *oauth.Manager implements it.
type TokenSourcer interface {
	TokenSource(ctx context.Context, email string) (oauth2.TokenSource, error)
}

// GmailClients returns a ClientFactory producing REST clients that
// authenticate through tokens. Each client gets its own rate limiter
// since Gmail quota is per user.
func GmailClients(tokens TokenSourcer, cfg config.GmailConfig, logger *slog.Logger, extra ...gmail.ClientOption) ClientFactory {
	return func(ctx context.Context, user *store.User) (gmail.API, error) {
		ts, err := tokens.TokenSource(ctx, user.Email)
		if err != nil {
			return nil, err
		}
		opts := []gmail.ClientOption{
			gmail.WithLogger(logger.With("email", user.Email)),
			gmail.WithRateLimiter(gmail.NewRateLimiter(cfg.RateLimitQPS)),
			gmail.WithConcurrency(cfg.Concurrency),
		}
		return gmail.NewClient(ts, append(opts, extra...)...), nil
	}
}
