package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ajayg10/ai-email-agent/internal/store"
	"github.com/ajayg10/ai-email-agent/internal/textutil"
)

var (
	summariesUser   string
	summariesTag    string
	summariesLimit  int
	summariesOffset int
	summariesJSON   bool
)

var summariesCmd = &cobra.Command{
	Use:   "summaries",
	Short: "Browse and delete stored summaries",
}

var summariesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored summaries, newest first",
	Long: `List stored summaries, newest first.

Examples:
  mailagent summaries list
  mailagent summaries list --user you@gmail.com --tag Work
  mailagent summaries list --limit 100 --offset 100 --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		filter := store.ListFilter{Tag: summariesTag, Offset: summariesOffset, Limit: summariesLimit}
		if summariesUser != "" {
			u, err := s.GetUserByEmail(summariesUser)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("user %q not found", summariesUser)
			}
			if err != nil {
				return fmt.Errorf("look up user: %w", err)
			}
			filter.UserID = u.ID
		}

		rows, err := s.ListSummaries(filter)
		if err != nil {
			return err
		}

		if summariesJSON {
			return outputSummariesJSON(os.Stdout, rows)
		}
		if len(rows) == 0 {
			fmt.Println("No summaries stored yet.")
			return nil
		}
		outputSummariesTable(os.Stdout, rows)
		return nil
	},
}

var summariesShowCmd = &cobra.Command{
	Use:   "show <id|message-id>",
	Short: "Show one summary",
	Long: `Show one summary by its row ID or Gmail message ID.

Examples:
  mailagent summaries show 42
  mailagent summaries show 18f0abc123def --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		m, err := findSummary(s, args[0])
		if err != nil {
			return err
		}

		if summariesJSON {
			return outputSummariesJSON(os.Stdout, []*store.Summary{m})
		}
		outputSummary(os.Stdout, m)
		return nil
	},
}

var summariesDeleteCmd = &cobra.Command{
	Use:   "delete <id|message-id>",
	Short: "Delete one summary",
	Long: `Delete one summary. If the message is still unread in Gmail the next
run stores it again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		m, err := findSummary(s, args[0])
		if err != nil {
			return err
		}
		if err := s.DeleteSummary(m.ID); err != nil {
			return fmt.Errorf("delete summary: %w", err)
		}
		fmt.Printf("Deleted summary %d (%s).\n", m.ID, m.MessageID)
		return nil
	},
}

// findSummary looks ref up as a row ID first, then as a Gmail message ID.
func findSummary(s *store.Store, ref string) (*store.Summary, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		m, err := s.GetSummary(id)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	m, err := s.GetSummaryByMessageID(ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("summary %q not found", ref)
	}
	return m, err
}

func outputSummariesTable(out io.Writer, rows []*store.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRECEIVED\tFROM\tTAG\tSUBJECT")
	fmt.Fprintln(w, "──\t────────\t────\t───\t───────")

	for _, m := range rows {
		received := "-"
		if !m.ReceivedAt.IsZero() {
			received = m.ReceivedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			m.ID, received,
			textutil.TruncateRunes(m.Sender, 30),
			m.Tag,
			textutil.TruncateRunes(m.Subject, 50))
	}

	w.Flush()
	fmt.Fprintf(out, "\n%d summary(ies)\n", len(rows))
}

func outputSummary(out io.Writer, m *store.Summary) {
	fmt.Fprintf(out, "ID:         %d\n", m.ID)
	fmt.Fprintf(out, "Message ID: %s\n", m.MessageID)
	fmt.Fprintf(out, "From:       %s\n", m.Sender)
	fmt.Fprintf(out, "Subject:    %s\n", m.Subject)
	if !m.ReceivedAt.IsZero() {
		fmt.Fprintf(out, "Received:   %s\n", m.ReceivedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(out, "Tag:        %s\n", m.Tag)
	fmt.Fprintf(out, "\nSnippet:\n%s\n", m.Snippet)
	fmt.Fprintf(out, "\nSummary:\n%s\n", m.Summary)
	if m.SuggestedReply != "" {
		fmt.Fprintf(out, "\nSuggested reply:\n%s\n", m.SuggestedReply)
	}
}

func outputSummariesJSON(out io.Writer, rows []*store.Summary) error {
	output := make([]map[string]interface{}, len(rows))
	for i, m := range rows {
		output[i] = map[string]interface{}{
			"id":              m.ID,
			"message_id":      m.MessageID,
			"user_id":         m.UserID,
			"from":            m.Sender,
			"subject":         m.Subject,
			"snippet":         m.Snippet,
			"summary":         m.Summary,
			"suggested_reply": m.SuggestedReply,
			"tag":             m.Tag,
			"received_at":     m.ReceivedAt,
			"created_at":      m.CreatedAt,
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

func init() {
	summariesListCmd.Flags().StringVar(&summariesUser, "user", "", "only this user's summaries")
	summariesListCmd.Flags().StringVar(&summariesTag, "tag", "", "only summaries with this tag")
	summariesListCmd.Flags().IntVar(&summariesLimit, "limit", 50, "maximum rows (0 for all)")
	summariesListCmd.Flags().IntVar(&summariesOffset, "offset", 0, "rows to skip")
	summariesCmd.PersistentFlags().BoolVar(&summariesJSON, "json", false, "Output as JSON")

	summariesCmd.AddCommand(summariesListCmd, summariesShowCmd, summariesDeleteCmd)
	rootCmd.AddCommand(summariesCmd)
}
