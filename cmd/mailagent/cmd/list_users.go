package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ajayg10/ai-email-agent/internal/store"
)

var listUsersJSON bool

var listUsersCmd = &cobra.Command{
	Use:   "list-users",
	Short: "List connected users",
	Long: `List every user that completed Google login, with whether an access
and refresh token are stored. Token values are never printed.

Examples:
  mailagent list-users
  mailagent list-users --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		users, err := s.ListUsers()
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}

		if len(users) == 0 {
			fmt.Println("No users found. Use 'mailagent add-account' to add one.")
			return nil
		}

		if listUsersJSON {
			return outputUsersJSON(os.Stdout, users)
		}
		outputUsersTable(os.Stdout, users)
		return nil
	},
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func outputUsersTable(out io.Writer, users []*store.User) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tACCESS TOKEN\tREFRESH TOKEN\tEXPIRES")
	fmt.Fprintln(w, "──\t─────\t────────────\t─────────────\t───────")

	for _, u := range users {
		expiry := "-"
		if !u.TokenExpiry.IsZero() {
			expiry = u.TokenExpiry.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			u.ID, u.Email, yesNo(u.AccessToken != ""), yesNo(u.RefreshToken != ""), expiry)
	}

	w.Flush()
	fmt.Fprintf(out, "\n%d user(s)\n", len(users))
}

func outputUsersJSON(out io.Writer, users []*store.User) error {
	output := make([]map[string]interface{}, len(users))
	for i, u := range users {
		output[i] = map[string]interface{}{
			"id":                u.ID,
			"email":             u.Email,
			"name":              u.Name,
			"has_access_token":  u.AccessToken != "",
			"has_refresh_token": u.RefreshToken != "",
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

func init() {
	rootCmd.AddCommand(listUsersCmd)
	listUsersCmd.Flags().BoolVar(&listUsersJSON, "json", false, "Output as JSON")
}
