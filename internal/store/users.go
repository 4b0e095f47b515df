package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// User is a Google account that has completed the OAuth flow.
type User struct {
	ID           int64
	Email        string
	GoogleID     string
	Name         string
	Picture      string
	AccessToken  string
	RefreshToken string
	TokenType    string
	TokenExpiry  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasToken reports whether the user holds any OAuth credential.
func (u *User) HasToken() bool {
	return u.AccessToken != "" || u.RefreshToken != ""
}

// Token returns the stored credentials as an oauth2 token.
func (u *User) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  u.AccessToken,
		RefreshToken: u.RefreshToken,
		TokenType:    u.TokenType,
		Expiry:       u.TokenExpiry,
	}
}

const userColumns = `id, email, COALESCE(google_id, ''), name, picture,
	access_token, refresh_token, token_type, token_expiry, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(sc rowScanner) (*User, error) {
	var u User
	var expiry, createdAt, updatedAt sql.NullString
	err := sc.Scan(
		&u.ID, &u.Email, &u.GoogleID, &u.Name, &u.Picture,
		&u.AccessToken, &u.RefreshToken, &u.TokenType, &expiry, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.TokenExpiry = parseTime(expiry)
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

// UpsertUser inserts or updates a user. An existing row is matched by
// google_id first, then by email. Empty profile fields and an empty refresh
// token never overwrite stored values (Google only returns a refresh token
// on the first consent).
func (s *Store) UpsertUser(u *User) (*User, error) {
	if u.Email == "" {
		return nil, fmt.Errorf("upsert user: email is required")
	}

	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		err := tx.QueryRow(`
			SELECT id FROM users
			WHERE (google_id IS NOT NULL AND google_id = ?) OR email = ?
			ORDER BY CASE WHEN google_id = ? THEN 0 ELSE 1 END
			LIMIT 1
		`, u.GoogleID, u.Email, u.GoogleID).Scan(&id)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.Exec(`
				INSERT INTO users (email, google_id, name, picture, access_token, refresh_token, token_type, token_expiry)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, u.Email, nullIfEmpty(u.GoogleID), u.Name, u.Picture,
				u.AccessToken, u.RefreshToken, u.TokenType, formatTime(u.TokenExpiry))
			if err != nil {
				return fmt.Errorf("insert user: %w", err)
			}
			id, err = res.LastInsertId()
			return err
		case err != nil:
			return fmt.Errorf("find user: %w", err)
		}

		_, err = tx.Exec(`
			UPDATE users SET
				email = ?,
				google_id = COALESCE(?, google_id),
				name = CASE WHEN ? = '' THEN name ELSE ? END,
				picture = CASE WHEN ? = '' THEN picture ELSE ? END,
				access_token = CASE WHEN ? = '' THEN access_token ELSE ? END,
				refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
				token_type = CASE WHEN ? = '' THEN token_type ELSE ? END,
				token_expiry = COALESCE(?, token_expiry),
				updated_at = datetime('now')
			WHERE id = ?
		`, u.Email, nullIfEmpty(u.GoogleID),
			u.Name, u.Name,
			u.Picture, u.Picture,
			u.AccessToken, u.AccessToken,
			u.RefreshToken, u.RefreshToken,
			u.TokenType, u.TokenType,
			formatTime(u.TokenExpiry), id)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("update user %s: email or google id already belongs to another user: %w", u.Email, err)
			}
			return fmt.Errorf("update user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(id)
}

// GetUser returns a user by ID.
func (s *Store) GetUser(id int64) (*User, error) {
	u, err := scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// GetUserByEmail returns a user by email address.
func (s *Store) GetUserByEmail(email string) (*User, error) {
	u, err := scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", email, err)
	}
	return u, nil
}

// ListUsers returns all users ordered by ID.
func (s *Store) ListUsers() ([]*User, error) {
	rows, err := s.db.Query(`SELECT ` + userColumns + ` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// LoadToken returns the stored OAuth token for email.
// Returns ErrNotFound if the user is unknown or holds no token.
func (s *Store) LoadToken(email string) (*oauth2.Token, error) {
	u, err := s.GetUserByEmail(email)
	if err != nil {
		return nil, err
	}
	if !u.HasToken() {
		return nil, ErrNotFound
	}
	return u.Token(), nil
}

// SaveToken stores refreshed OAuth credentials for an existing user.
// An empty refresh token keeps the stored one.
func (s *Store) SaveToken(email string, token *oauth2.Token) error {
	res, err := s.db.Exec(`
		UPDATE users SET
			access_token = ?,
			refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
			token_type = ?,
			token_expiry = ?,
			updated_at = datetime('now')
		WHERE email = ?
	`, token.AccessToken, token.RefreshToken, token.RefreshToken,
		token.TokenType, formatTime(token.Expiry), email)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
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

// DeleteUser removes a user together with their summaries and sync runs.
func (s *Store) DeleteUser(id int64) error {
	res, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
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
