package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Summary is the processed form of one Gmail message.
type Summary struct {
	ID             int64
	MessageID      string
	UserID         int64
	ThreadID       string
	Sender         string
	Subject        string
	Snippet        string
	Summary        string
	SuggestedReply string
	Tag            string
	ReceivedAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const summaryColumns = `id, message_id, user_id, thread_id, sender, subject, snippet,
	summary, suggested_reply, tag, received_at, created_at, updated_at`

func scanSummary(sc rowScanner) (*Summary, error) {
	var m Summary
	var receivedAt, createdAt, updatedAt sql.NullString
	err := sc.Scan(
		&m.ID, &m.MessageID, &m.UserID, &m.ThreadID, &m.Sender, &m.Subject, &m.Snippet,
		&m.Summary, &m.SuggestedReply, &m.Tag, &receivedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.ReceivedAt = parseTime(receivedAt)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

// UpsertSummary inserts a summary or updates the user's row with the same
// message_id. Gmail message IDs are scoped to a mailbox, so two users may
// each hold a row for one ID. On update every column keeps its stored value
// when the new value is empty. Returns the row ID and whether a new row was
// created.
func (s *Store) UpsertSummary(m *Summary) (int64, bool, error) {
	if m.MessageID == "" {
		return 0, false, fmt.Errorf("upsert summary: message_id is required")
	}

	var id int64
	var created bool
	err := s.withTx(func(tx *sql.Tx) error {
		err := tx.QueryRow(`SELECT id FROM email_summaries WHERE user_id = ? AND message_id = ?`, m.UserID, m.MessageID).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			created = true
		case err != nil:
			return fmt.Errorf("find summary: %w", err)
		}

		err = tx.QueryRow(`
			INSERT INTO email_summaries (
				message_id, user_id, thread_id, sender, subject, snippet,
				summary, suggested_reply, tag, received_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, message_id) DO UPDATE SET
				thread_id = COALESCE(NULLIF(excluded.thread_id, ''), thread_id),
				sender = COALESCE(NULLIF(excluded.sender, ''), sender),
				subject = COALESCE(NULLIF(excluded.subject, ''), subject),
				snippet = COALESCE(NULLIF(excluded.snippet, ''), snippet),
				summary = COALESCE(NULLIF(excluded.summary, ''), summary),
				suggested_reply = COALESCE(NULLIF(excluded.suggested_reply, ''), suggested_reply),
				tag = COALESCE(NULLIF(excluded.tag, ''), tag),
				received_at = COALESCE(excluded.received_at, received_at),
				updated_at = datetime('now')
			RETURNING id
		`, m.MessageID, m.UserID, m.ThreadID, m.Sender, m.Subject, m.Snippet,
			m.Summary, m.SuggestedReply, m.Tag, formatTime(m.ReceivedAt)).Scan(&id)
		if err != nil {
			return fmt.Errorf("upsert summary %s: %w", m.MessageID, err)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, created, nil
}

// ExistingMessageIDs returns the subset of ids already stored for userID.
func (s *Store) ExistingMessageIDs(userID int64, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}
	err := queryInChunks(s.db, ids, []interface{}{userID},
		`SELECT message_id FROM email_summaries WHERE user_id = ? AND message_id IN (%s)`,
		func(rows *sql.Rows) error {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			existing[id] = true
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("check existing messages: %w", err)
	}
	return existing, nil
}

// ListFilter narrows ListSummaries and CountSummaries. Zero values match all.
type ListFilter struct {
	UserID int64
	Tag    string
	Offset int
	Limit  int
}

func (f ListFilter) where() (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.UserID != 0 {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Tag != "" {
		conds = append(conds, "tag = ?")
		args = append(args, f.Tag)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListSummaries returns summaries newest first.
func (s *Store) ListSummaries(f ListFilter) ([]*Summary, error) {
	where, args := f.where()
	query := `SELECT ` + summaryColumns + ` FROM email_summaries` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []*Summary
	for rows.Next() {
		m, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountSummaries returns how many summaries match f, ignoring paging.
func (s *Store) CountSummaries(f ListFilter) (int64, error) {
	where, args := f.where()
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM email_summaries`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count summaries: %w", err)
	}
	return n, nil
}

// GetSummary returns a summary by row ID.
func (s *Store) GetSummary(id int64) (*Summary, error) {
	m, err := scanSummary(s.db.QueryRow(`SELECT `+summaryColumns+` FROM email_summaries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get summary %d: %w", id, err)
	}
	return m, nil
}

// GetSummaryByMessageID returns a summary by Gmail message ID. When several
// users hold the ID the oldest row wins.
func (s *Store) GetSummaryByMessageID(messageID string) (*Summary, error) {
	m, err := scanSummary(s.db.QueryRow(`SELECT `+summaryColumns+` FROM email_summaries WHERE message_id = ? ORDER BY id LIMIT 1`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get summary %s: %w", messageID, err)
	}
	return m, nil
}

// DeleteSummary removes a summary by row ID.
func (s *Store) DeleteSummary(id int64) error {
	res, err := s.db.Exec(`DELETE FROM email_summaries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TagCount is a tag and the number of summaries carrying it.
type TagCount struct {
	Tag   string
	Count int64
}

// ListTags returns tags with counts, most used first. userID 0 means all users.
func (s *Store) ListTags(userID int64) ([]TagCount, error) {
	query := `SELECT tag, COUNT(*) FROM email_summaries WHERE tag != ''`
	var args []interface{}
	if userID != 0 {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY tag ORDER BY COUNT(*) DESC, tag`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tc)
	}
	return tags, rows.Err()
}
