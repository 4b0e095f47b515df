package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajayg10/ai-email-agent/internal/pipeline"
	"github.com/ajayg10/ai-email-agent/internal/store"
)

var syncMaxResults int

var syncCmd = &cobra.Command{
	Use:   "sync [email]",
	Short: "Process unread mail once",
	Long: `Run the pipeline once: list unread mail, skip messages already stored,
summarize and tag the rest with the model and store the results.

If no email is specified, every user holding an OAuth token is processed in
turn. A failure for one user does not stop the others.

Examples:
  mailagent sync                    # All users
  mailagent sync you@gmail.com      # One user
  mailagent sync --max-results 50   # Look at more messages this time`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncMaxResults > 0 {
			cfg.Gmail.MaxResults = syncMaxResults
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

		if len(args) == 1 {
			res, err := p.Run(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("unknown user %s (run 'add-account' first)", args[0])
			}
			if res != nil {
				printResult(res)
			}
			return err
		}

		results, err := p.RunAll(cmd.Context())
		for _, res := range results {
			printResult(res)
		}
		if len(results) == 0 && err == nil {
			fmt.Println("No users with OAuth tokens. Use 'mailagent add-account' or log in through the API.")
		}
		return err
	},
}

func printResult(res *pipeline.Result) {
	fmt.Printf("%s: %d fetched, %d processed, %d skipped, %d errors (%s)\n",
		res.Email,
		res.Counts.Fetched,
		res.Counts.Processed,
		res.Counts.Skipped,
		res.Counts.Errors,
		res.Duration.Round(time.Millisecond))
	for _, row := range res.Summaries {
		fmt.Printf("  [%s] %s\n", row.Tag, row.Subject)
	}
}

func init() {
	syncCmd.Flags().IntVar(&syncMaxResults, "max-results", 0, "messages to look at per user (default from config)")
	rootCmd.AddCommand(syncCmd)
}
