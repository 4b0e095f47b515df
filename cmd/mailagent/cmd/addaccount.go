package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ajayg10/ai-email-agent/internal/store"
)

var forceReauth bool

var addAccountCmd = &cobra.Command{
	Use:   "add-account [email]",
	Short: "Connect a Gmail account via OAuth",
	Long: `Connect a Gmail account by completing the OAuth2 consent flow in a
browser. The account is identified by the Google profile returned after
consent; when an email is given it must match that profile.

If the user already holds a token the command does nothing. Use --force to
run consent again (useful when a token has expired or been revoked).

Accounts can also be added while 'mailagent serve' is running by visiting
/auth/google.

Examples:
  mailagent add-account
  mailagent add-account you@gmail.com
  mailagent add-account you@gmail.com --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var email string
		if len(args) == 1 {
			email = args[0]
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

		if email != "" && !forceReauth {
			u, err := s.GetUserByEmail(email)
			switch {
			case err == nil && u.HasToken():
				fmt.Printf("Account %s is already authorized.\n", email)
				fmt.Println("To re-authorize (e.g., expired token), run: mailagent add-account", email, "--force")
				return nil
			case err != nil && !errors.Is(err, store.ErrNotFound):
				return fmt.Errorf("look up user: %w", err)
			}
		}

		fmt.Println("Starting browser authorization...")
		token, info, err := oauthMgr.Authorize(cmd.Context())
		if err != nil {
			return fmt.Errorf("authorization failed: %w", err)
		}

		if email != "" && !strings.EqualFold(email, info.Email) {
			return fmt.Errorf("authorized as %s, not %s; nothing was saved", info.Email, email)
		}

		user, err := s.UpsertUser(&store.User{
			Email:        info.Email,
			GoogleID:     info.ID,
			Name:         info.Name,
			Picture:      info.Picture,
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			TokenType:    token.TokenType,
			TokenExpiry:  token.Expiry,
		})
		if err != nil {
			return fmt.Errorf("save user: %w", err)
		}

		fmt.Printf("\nAccount %s authorized successfully!\n", user.Email)
		if user.RefreshToken == "" {
			fmt.Println("Warning: Google returned no refresh token; access stops when the current token expires.")
		}
		fmt.Println("You can now run: mailagent sync", user.Email)
		return nil
	},
}

func init() {
	addAccountCmd.Flags().BoolVar(&forceReauth, "force", false, "re-run consent even if a token is stored")
	rootCmd.AddCommand(addAccountCmd)
}
