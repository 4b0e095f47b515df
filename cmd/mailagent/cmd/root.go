package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ajayg10/ai-email-agent/internal/config"
	"github.com/ajayg10/ai-email-agent/internal/llm"
	"github.com/ajayg10/ai-email-agent/internal/oauth"
	"github.com/ajayg10/ai-email-agent/internal/pipeline"
	"github.com/ajayg10/ai-email-agent/internal/store"
)

var (
	cfgFile   string
	homeDir   string
	verbose   bool
	logFormat string
	cfg       *config.Config
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mailagent",
	Short: "AI email assistant for Gmail",
	Long: `mailagent connects Gmail accounts through Google OAuth, reads unread
mail on a schedule, asks an OpenAI-compatible model for a short summary, a
tag and a suggested reply, and stores the results in SQLite.

The serve command runs the scheduler together with an HTTP API; the other
commands manage users and stored summaries from the terminal.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that don't need it
		if cmd.Name() == "version" {
			return nil
		}

		format, err := resolveLogFormat(logFormat, cmd.Name(), isatty.IsTerminal(os.Stderr.Fd()))
		if err != nil {
			return err
		}
		logger = newLogger(os.Stderr, format, verbose)
		slog.SetDefault(logger)

		// --home is passed through so it influences where config.toml is
		// loaded from, like MAILAGENT_HOME.
		cfg, err = config.Load(cfgFile, homeDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if err := cfg.EnsureHomeDir(); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.HomeDir, err)
		}

		return nil
	},
}

// resolveLogFormat picks "text" or "json". With no explicit format the
// daemon logs JSON when stderr is not a terminal.
func resolveLogFormat(flag, command string, terminal bool) (string, error) {
	switch flag {
	case "text", "json":
		return flag, nil
	case "", "auto":
		if command == "serve" && !terminal {
			return "json", nil
		}
		return "text", nil
	default:
		return "", fmt.Errorf("invalid --log-format %q (want text, json or auto)", flag)
	}
}

func newLogger(w io.Writer, format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// openStore opens the configured database and makes sure the schema exists.
func openStore() (*store.Store, error) {
	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// oauthSetupHint returns help text for OAuth configuration issues,
// using the actual config file path so it's clear on all platforms.
func oauthSetupHint() string {
	configPath := "<config file>"
	if cfg != nil {
		configPath = cfg.ConfigFilePath()
	}
	return fmt.Sprintf(`
Create a Google Cloud OAuth client (type "Web application") with the Gmail
API enabled, then either export GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET or
edit %s:
  [oauth]
  client_secrets = "/path/to/client_secret.json"`, configPath)
}

// newOAuthManager builds the OAuth manager backed by s.
func newOAuthManager(s *store.Store) (*oauth.Manager, error) {
	if !cfg.OAuth.Configured() {
		return nil, fmt.Errorf("OAuth client not configured.%s", oauthSetupHint())
	}
	mgr, err := oauth.NewManager(cfg.OAuth, s, logger)
	if err != nil {
		return nil, fmt.Errorf("create oauth manager: %w", err)
	}
	return mgr, nil
}

// newPipeline wires the model client, circuit breaker, summarizer and
// Gmail client factory into a pipeline.
func newPipeline(s *store.Store, tokens pipeline.TokenSourcer) (*pipeline.Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := llm.NewOpenAIClient(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	logger.Debug("llm client ready", "model", client.Model(), "base_url", cfg.LLM.BaseURL)

	summarizer := llm.NewSummarizer(llm.NewBreaker(client, logger), llm.Options{
		IncludeBody:   cfg.LLM.IncludeBody,
		MaxInputChars: cfg.LLM.MaxInputChars,
		Timeout:       cfg.LLM.Timeout.Duration,
	}, logger)

	clients := pipeline.GmailClients(tokens, cfg.Gmail, logger)
	return pipeline.New(s, summarizer, clients, pipeline.OptionsFromConfig(cfg)).WithLogger(logger), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.mailagent/config.toml)")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "home directory (overrides MAILAGENT_HOME)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto", "log format: text, json or auto")
}
