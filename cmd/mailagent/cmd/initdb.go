package cmd

import (
	"github.com/spf13/cobra"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Initialize the database schema",
	Long: `Initialize the mailagent database with the required schema.

This command creates the users, email_summaries and sync_runs tables. It is
safe to run multiple times - tables are only created if they don't already
exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Info("initializing database", "path", cfg.DatabasePath())

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		logger.Info("database initialized successfully")
		return printStats(s)
	},
}

func init() {
	rootCmd.AddCommand(initDBCmd)
}
