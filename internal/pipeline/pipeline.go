// Package pipeline runs the mail ingestion flow for one mailbox: list
// unread mail, skip what is already stored, summarize the rest with the
// model and upsert the results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ajayg10/ai-email-agent/internal/config"
	"github.com/ajayg10/ai-email-agent/internal/gmail"
	"github.com/ajayg10/ai-email-agent/internal/llm"
	"github.com/ajayg10/ai-email-agent/internal/mime"
	"github.com/ajayg10/ai-email-agent/internal/store"
	"github.com/ajayg10/ai-email-agent/internal/textutil"
)

// Summarizer produces the model output stored for each message.
type Summarizer interface {
	Summarize(ctx context.Context, e llm.Email) (llm.Summary, error)
	GenerateReply(ctx context.Context, e llm.Email) (string, error)
}

// ClientFactory opens a Gmail client authorized as user.
type ClientFactory func(ctx context.Context, user *store.User) (gmail.API, error)

// Options configures a run.
type Options struct {
	// Query is the Gmail search query selecting messages to process.
	Query string

	// MaxResults caps how many messages one run looks at.
	MaxResults int

	// MarkRead removes the UNREAD label after a message is stored.
	MarkRead bool

	// GenerateReplies asks the model for a reply draft per message.
	GenerateReplies bool

	// Concurrency bounds parallel model calls (default: 2).
	Concurrency int
}

// DefaultOptions returns the defaults used when no config is given.
func DefaultOptions() *Options {
	return &Options{
		Query:           config.DefaultQuery,
		MaxResults:      10,
		MarkRead:        true,
		GenerateReplies: true,
		Concurrency:     2,
	}
}

// OptionsFromConfig builds run options from the [gmail] and [llm] sections.
func OptionsFromConfig(cfg *config.Config) *Options {
	opts := DefaultOptions()
	if cfg.Gmail.Query != "" {
		opts.Query = cfg.Gmail.Query
	}
	if cfg.Gmail.MaxResults > 0 {
		opts.MaxResults = cfg.Gmail.MaxResults
	}
	opts.MarkRead = cfg.Gmail.MarkRead
	opts.GenerateReplies = cfg.LLM.GenerateReplies
	if cfg.LLM.Concurrency > 0 {
		opts.Concurrency = cfg.LLM.Concurrency
	}
	return opts
}

// Result summarizes one run.
type Result struct {
	RunID     int64
	Email     string
	Counts    store.RunCounts
	Summaries []*store.Summary // rows written by this run
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

// Pipeline runs ingestion for users stored in the database.
type Pipeline struct {
	store      *store.Store
	summarizer Summarizer
	clients    ClientFactory
	opts       *Options
	logger     *slog.Logger
}

// New creates a Pipeline.
func New(st *store.Store, summarizer Summarizer, clients ClientFactory, opts *Options) *Pipeline {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Pipeline{
		store:      st,
		summarizer: summarizer,
		clients:    clients,
		opts:       opts,
		logger:     slog.Default(),
	}
}

// WithLogger sets the logger.
func (p *Pipeline) WithLogger(logger *slog.Logger) *Pipeline {
	p.logger = logger
	return p
}

// Run processes unread mail for the user with the given email. Messages
// already stored for the user are skipped before any fetch or model call.
// A message whose fetch or model call fails is counted as an error and
// left unstored so the next run retries it.
func (p *Pipeline) Run(ctx context.Context, email string) (*Result, error) {
	user, err := p.store.GetUserByEmail(email)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", email, err)
	}

	runID, err := p.store.StartRun(user.ID)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	result := &Result{RunID: runID, Email: email, StartTime: time.Now()}
	logger := p.logger.With("run_id", uuid.NewString(), "email", email)

	fail := func(err error) (*Result, error) {
		if ferr := p.store.FailRun(runID, result.Counts, err.Error()); ferr != nil {
			logger.Warn("failed to record run failure", "error", ferr)
		}
		return result, err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = p.store.FailRun(runID, result.Counts, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
	}()

	client, err := p.clients(ctx, user)
	if err != nil {
		return fail(fmt.Errorf("open gmail client: %w", err))
	}
	defer client.Close()

	refs, err := gmail.ListUnread(ctx, client, p.opts.Query, p.opts.MaxResults)
	if err != nil {
		return fail(fmt.Errorf("list messages: %w", err))
	}
	result.Counts.Fetched = int64(len(refs))

	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	existing, err := p.store.ExistingMessageIDs(user.ID, ids)
	if err != nil {
		return fail(fmt.Errorf("check existing: %w", err))
	}

	var newIDs []string
	for _, id := range ids {
		if !existing[id] {
			newIDs = append(newIDs, id)
		}
	}
	result.Counts.Skipped = int64(len(ids) - len(newIDs))
	logger.Info("listed unread mail", "found", len(ids), "new", len(newIDs))

	if len(newIDs) > 0 {
		raws, err := client.GetMessagesRawBatch(ctx, newIDs)
		if err != nil {
			return fail(fmt.Errorf("fetch messages: %w", err))
		}
		p.processAll(ctx, client, user, raws, result, logger)
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
	}

	if err := p.store.CompleteRun(runID, result.Counts); err != nil {
		logger.Warn("failed to complete run", "error", err)
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	logger.Info("run complete",
		"processed", result.Counts.Processed,
		"skipped", result.Counts.Skipped,
		"errors", result.Counts.Errors,
		"duration", result.Duration.Round(time.Millisecond))
	return result, nil
}

// processAll summarizes and stores fetched messages with bounded
// concurrency. Per-message failures are counted, never returned.
func (p *Pipeline) processAll(ctx context.Context, client gmail.API, user *store.User, raws []*gmail.RawMessage, result *Result, logger *slog.Logger) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	for _, raw := range raws {
		if raw == nil {
			mu.Lock()
			result.Counts.Errors++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			row, err := p.processMessage(gctx, user, raw, logger)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("failed to process message", "id", raw.ID, "error", err)
				result.Counts.Errors++
				return nil
			}
			result.Counts.Processed++
			result.Summaries = append(result.Summaries, row)
			return nil
		})
	}
	_ = g.Wait()

	if !p.opts.MarkRead {
		return
	}
	for _, row := range result.Summaries {
		if ctx.Err() != nil {
			return
		}
		if err := client.MarkRead(ctx, row.MessageID); err != nil {
			logger.Warn("failed to mark message read", "id", row.MessageID, "error", err)
		}
	}
}

// processMessage runs the model over one message and upserts the row.
func (p *Pipeline) processMessage(ctx context.Context, user *store.User, raw *gmail.RawMessage, logger *slog.Logger) (*store.Summary, error) {
	email := llm.Email{Snippet: raw.Snippet}
	receivedAt := raw.ReceivedAt()

	msg, err := mime.Parse(raw.Raw)
	if err != nil {
		// Snippet alone is still worth summarizing.
		logger.Debug("mime parse failed", "id", raw.ID, "error", err)
	} else {
		email.Sender = msg.Sender()
		email.Subject = msg.Subject
		email.Body = msg.BodyText()
		if receivedAt.IsZero() {
			receivedAt = msg.Date
		}
	}

	sum, err := p.summarizer.Summarize(ctx, email)
	if err != nil {
		return nil, err
	}

	var reply string
	if p.opts.GenerateReplies {
		reply, err = p.summarizer.GenerateReply(ctx, email)
		if err != nil {
			return nil, err
		}
	}

	row := &store.Summary{
		MessageID:      raw.ID,
		UserID:         user.ID,
		ThreadID:       raw.ThreadID,
		Sender:         email.Sender,
		Subject:        email.Subject,
		Snippet:        textutil.CleanSnippet(raw.Snippet),
		Summary:        sum.Summary,
		SuggestedReply: reply,
		Tag:            sum.Tag,
		ReceivedAt:     receivedAt,
	}
	id, created, err := p.store.UpsertSummary(row)
	if err != nil {
		return nil, fmt.Errorf("store summary: %w", err)
	}
	row.ID = id
	logger.Debug("stored summary", "id", raw.ID, "created", created, "tag", sum.Tag)
	return row, nil
}

// RunAll runs every user holding a token, one after another. Errors are
// collected so one broken mailbox does not stop the others.
func (p *Pipeline) RunAll(ctx context.Context) ([]*Result, error) {
	users, err := p.store.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	var results []*Result
	var errs []error
	for _, u := range users {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !u.HasToken() {
			p.logger.Debug("skipping user without token", "email", u.Email)
			continue
		}
		res, err := p.Run(ctx, u.Email)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u.Email, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}
