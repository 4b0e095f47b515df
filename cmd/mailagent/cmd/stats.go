package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ajayg10/ai-email-agent/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Long: `Show how many users, summaries and pipeline runs are stored, the most
used tags and the latest run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := printStats(s); err != nil {
			return err
		}

		tags, err := s.ListTags(0)
		if err != nil {
			return fmt.Errorf("list tags: %w", err)
		}
		if len(tags) > 0 {
			fmt.Println("\nTop tags:")
			for i, t := range tags {
				if i == 10 {
					break
				}
				fmt.Printf("  %-24s %d\n", t.Tag, t.Count)
			}
		}

		runs, err := s.ListRuns(1)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		if len(runs) == 1 {
			r := runs[0]
			fmt.Printf("\nLast run: %s (%s), %d processed, %d skipped, %d errors\n",
				r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Status,
				r.Counts.Processed, r.Counts.Skipped, r.Counts.Errors)
			if r.ErrorMessage != "" {
				fmt.Printf("  Error: %s\n", r.ErrorMessage)
			}
		}
		return nil
	},
}

func printStats(s *store.Store) error {
	stats, err := s.GetStats()
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	fmt.Printf("Database: %s\n", s.Path())
	fmt.Printf("  Users:     %d\n", stats.UserCount)
	fmt.Printf("  Summaries: %d\n", stats.SummaryCount)
	fmt.Printf("  Runs:      %d\n", stats.RunCount)
	fmt.Printf("  Size:      %.2f MB\n", float64(stats.DatabaseSize)/(1024*1024))
	return nil
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
