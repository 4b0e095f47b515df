package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajayg10/ai-email-agent/internal/api"
	"github.com/ajayg10/ai-email-agent/internal/scheduler"
)

var skipInitialRun bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and scheduled mailbox processing",
	Long: `Run mailagent as a long-running service.

The service runs in the foreground and performs:
  - HTTP API on the configured port (default: 8000), including the Google
    login routes /auth/google and /auth/google/callback
  - A pipeline run for every logged-in user at startup
  - Scheduled runs afterwards (default: every 10 minutes)

Per-user schedules go in config.toml:
  [schedule]
  default = "@every 10m"

  [[users]]
  email = "you@gmail.com"
  schedule = "*/30 8-18 * * 1-5"
  enabled = true

Use Ctrl+C to stop the service gracefully.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&skipInitialRun, "skip-initial-run", false, "do not process mailboxes at startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Validate security posture before doing any work
	if err := cfg.Server.ValidateSecure(); err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	oauthMgr, err := newOAuthManager(s)
	if err != nil {
		return err
	}

	p, err := newPipeline(s, oauthMgr)
	if err != nil {
		return err
	}

	sched := scheduler.New(func(ctx context.Context, email string) error {
		_, err := p.Run(ctx, email)
		return err
	}).WithLogger(logger)

	users, err := s.ListUsers()
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	var emails []string
	for _, u := range users {
		if u.HasToken() {
			emails = append(emails, u.Email)
		}
	}
	count, errs := sched.AddUsers(cfg, emails)
	for _, err := range errs {
		logger.Error("failed to schedule user", "error", err)
	}

	sched.Start()
	if cfg.Schedule.RunOnStart && !skipInitialRun {
		started := sched.TriggerAll()
		logger.Info("initial runs started", "users", started)
	}

	apiServer := api.NewServer(cfg, s, sched, oauthMgr, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	bindAddr := cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	fmt.Printf("mailagent started\n")
	fmt.Printf("  API server: http://%s\n", net.JoinHostPort(bindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Printf("  Login URL:  http://%s/auth/google\n", net.JoinHostPort(bindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Printf("  Scheduled users: %d\n", count)
	fmt.Printf("  Database: %s\n", s.Path())
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	for _, status := range sched.Status() {
		fmt.Printf("  %s: next run at %s\n", status.Email, status.NextRun.Local().Format("2006-01-02 15:04:05"))
	}

	var runErr error
	select {
	case <-cmd.Context().Done():
		logger.Info("received shutdown signal")
		fmt.Println("\nShutting down...")
	case runErr = <-serverErr:
		logger.Error("API server error", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}

	fmt.Println("Waiting for running pipelines to stop...")
	select {
	case <-sched.Stop().Done():
		fmt.Println("Shutdown complete.")
	case <-time.After(30 * time.Second):
		fmt.Println("Shutdown timed out after 30 seconds.")
	}

	return runErr
}
