package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ajayg10/ai-email-agent/internal/store"
)

var removeUserYes bool

var removeUserCmd = &cobra.Command{
	Use:   "remove-user <email>",
	Short: "Remove a user, their tokens and stored summaries",
	Long: `Remove a user together with their OAuth tokens, stored summaries and
run history. This is irreversible. Gmail itself is not touched.

Examples:
  mailagent remove-user you@gmail.com
  mailagent remove-user you@gmail.com --yes`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		s, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		user, err := s.GetUserByEmail(email)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("user %q not found", email)
		}
		if err != nil {
			return fmt.Errorf("look up user: %w", err)
		}

		n, err := s.CountSummaries(store.ListFilter{UserID: user.ID})
		if err != nil {
			return fmt.Errorf("count summaries: %w", err)
		}

		fmt.Printf("User:      %s\n", user.Email)
		fmt.Printf("Summaries: %d\n", n)

		if !removeUserYes {
			fmt.Print("\nRemove this user and all their data? [y/N] ")
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Scan()
			answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
			if answer != "y" && answer != "yes" {
				fmt.Println("Cancelled.")
				return nil
			}
		}

		if err := s.DeleteUser(user.ID); err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		fmt.Printf("Removed %s.\n", user.Email)
		return nil
	},
}

func init() {
	removeUserCmd.Flags().BoolVarP(&removeUserYes, "yes", "y", false, "skip confirmation")
	rootCmd.AddCommand(removeUserCmd)
}
