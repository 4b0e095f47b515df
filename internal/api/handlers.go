package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/ajayg10/ai-email-agent/internal/scheduler"
	"github.com/ajayg10/ai-email-agent/internal/store"
)

// StatsResponse represents database statistics.
type StatsResponse struct {
	TotalUsers     int64 `json:"total_users"`
	TotalSummaries int64 `json:"total_summaries"`
	TotalRuns      int64 `json:"total_runs"`
	DatabaseSize   int64 `json:"database_size_bytes"`
}

// EmailSummary represents a processed email in API responses.
type EmailSummary struct {
	ID             int64  `json:"id"`
	MessageID      string `json:"message_id"`
	UserID         int64  `json:"user_id"`
	ThreadID       string `json:"thread_id,omitempty"`
	From           string `json:"from"`
	Subject        string `json:"subject"`
	Snippet        string `json:"snippet"`
	Summary        string `json:"summary"`
	SuggestedReply string `json:"suggested_reply"`
	Tag            string `json:"tag"`
	ReceivedAt     string `json:"received_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// EmailList is a page of summaries.
type EmailList struct {
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Emails   []EmailSummary `json:"emails"`
}

// TagInfo is a tag with its usage count.
type TagInfo struct {
	Tag   string `json:"tag"`
	Count int64  `json:"count"`
}

// UserInfo represents a user in list responses. Token values are never
// exposed, only whether they are present.
type UserInfo struct {
	ID              int64  `json:"id"`
	Email           string `json:"email"`
	Name            string `json:"name,omitempty"`
	Picture         string `json:"picture,omitempty"`
	HasAccessToken  bool   `json:"has_access_token"`
	HasRefreshToken bool   `json:"has_refresh_token"`
	TokenExpiry     string `json:"token_expiry,omitempty"`
	Scheduled       bool   `json:"scheduled"`
	CreatedAt       string `json:"created_at"`
}

// RunInfo represents a pipeline run.
type RunInfo struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"user_id"`
	Status      string `json:"status"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	Fetched     int64  `json:"fetched"`
	Processed   int64  `json:"processed"`
	Skipped     int64  `json:"skipped"`
	Errors      int64  `json:"errors"`
	Error       string `json:"error,omitempty"`
}

// SchedulerStatusResponse represents scheduler status.
type SchedulerStatusResponse struct {
	Running bool                   `json:"running"`
	Users   []scheduler.UserStatus `json:"users"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// formatTime renders t as RFC 3339 UTC, or "" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toEmailSummary(m *store.Summary) EmailSummary {
	return EmailSummary{
		ID:             m.ID,
		MessageID:      m.MessageID,
		UserID:         m.UserID,
		ThreadID:       m.ThreadID,
		From:           m.Sender,
		Subject:        m.Subject,
		Snippet:        m.Snippet,
		Summary:        m.Summary,
		SuggestedReply: m.SuggestedReply,
		Tag:            m.Tag,
		ReceivedAt:     formatTime(m.ReceivedAt),
		CreatedAt:      formatTime(m.CreatedAt),
	}
}

// parsePaging reads page and page_size (default 20, max 100).
func parsePaging(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

// parseID reads the {id} URL parameter, writing a 400 on failure.
func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid_id", "Invalid email ID")
		return 0, false
	}
	return id, true
}

// loadOwnSummary fetches a summary and hides rows the caller does not own.
func (s *Server) loadOwnSummary(w http.ResponseWriter, r *http.Request) (*store.Summary, bool) {
	id, ok := parseID(w, r)
	if !ok {
		return nil, false
	}

	m, err := s.store.GetSummary(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Email not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to get summary", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve email")
		return nil, false
	}

	p := principalFrom(r.Context())
	if !p.isAdmin() && m.UserID != p.userID() {
		writeError(w, http.StatusNotFound, "not_found", "Email not found")
		return nil, false
	}
	return m, true
}

// handleStats returns database statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats()
	if err != nil {
		s.logger.Error("failed to get stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve statistics")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		TotalUsers:     stats.UserCount,
		TotalSummaries: stats.SummaryCount,
		TotalRuns:      stats.RunCount,
		DatabaseSize:   stats.DatabaseSize,
	})
}

// handleListEmails returns a page of summaries, newest first. Token
// callers only ever see their own mail; API key callers may filter by
// ?user=<email>.
func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePaging(r)
	filter := store.ListFilter{
		Tag:    r.URL.Query().Get("tag"),
		Offset: (page - 1) * pageSize,
		Limit:  pageSize,
	}

	p := principalFrom(r.Context())
	switch {
	case !p.isAdmin():
		filter.UserID = p.userID()
	case r.URL.Query().Get("user") != "":
		email := r.URL.Query().Get("user")
		u, err := s.store.GetUserByEmail(email)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Unknown user "+email)
			return
		}
		if err != nil {
			s.logger.Error("failed to look up user", "email", email, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list emails")
			return
		}
		filter.UserID = u.ID
	}

	rows, err := s.store.ListSummaries(filter)
	if err != nil {
		s.logger.Error("failed to list summaries", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list emails")
		return
	}
	total, err := s.store.CountSummaries(filter)
	if err != nil {
		s.logger.Error("failed to count summaries", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list emails")
		return
	}

	emails := make([]EmailSummary, len(rows))
	for i, m := range rows {
		emails[i] = toEmailSummary(m)
	}

	writeJSON(w, http.StatusOK, EmailList{
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Emails:   emails,
	})
}

// handleGetEmail returns a single summary.
func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadOwnSummary(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toEmailSummary(m))
}

// handleDeleteEmail removes a summary. The next run may store it again if
// the message is still unread.
func (s *Server) handleDeleteEmail(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadOwnSummary(w, r)
	if !ok {
		return
	}

	err := s.store.DeleteSummary(m.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Email not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to delete summary", "id", m.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to delete email")
		return
	}

	s.logger.Info("deleted summary via API", "id", m.ID, "message_id", m.MessageID)
	w.WriteHeader(http.StatusNoContent)
}

// handleListTags returns tags with counts.
func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.ListTags(principalFrom(r.Context()).userID())
	if err != nil {
		s.logger.Error("failed to list tags", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list tags")
		return
	}

	out := make([]TagInfo, len(tags))
	for i, t := range tags {
		out[i] = TagInfo{Tag: t.Tag, Count: t.Count}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tags": out})
}

func (s *Server) toUserInfo(u *store.User) UserInfo {
	info := UserInfo{
		ID:              u.ID,
		Email:           u.Email,
		Name:            u.Name,
		Picture:         u.Picture,
		HasAccessToken:  u.AccessToken != "",
		HasRefreshToken: u.RefreshToken != "",
		TokenExpiry:     formatTime(u.TokenExpiry),
		CreatedAt:       formatTime(u.CreatedAt),
	}
	if s.scheduler != nil {
		info.Scheduled = s.scheduler.IsScheduled(u.Email)
	}
	return info
}

// handleListUsers returns every user with token presence flags.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers()
	if err != nil {
		s.logger.Error("failed to list users", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list users")
		return
	}

	out := make([]UserInfo, len(users))
	for i, u := range users {
		out[i] = s.toUserInfo(u)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": out})
}

// handleMe returns the user the bearer token was issued to.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if p.isAdmin() {
		writeError(w, http.StatusUnauthorized, "unauthorized", "A user token is required")
		return
	}

	u, err := s.store.GetUser(p.userID())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "User not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get user", "id", p.userID(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve user")
		return
	}
	writeJSON(w, http.StatusOK, s.toUserInfo(u))
}

// handleTriggerSync starts a pipeline run for a user.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if email == "" {
		writeError(w, http.StatusBadRequest, "missing_email", "User email is required")
		return
	}

	p := principalFrom(r.Context())
	if !p.isAdmin() && p.claims.Email != email {
		writeError(w, http.StatusForbidden, "forbidden", "Cannot sync another user's mailbox")
		return
	}

	err := s.scheduler.TriggerSync(email)
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "conflict", "Sync already running for "+email)
		return
	case errors.Is(err, scheduler.ErrNotScheduled):
		writeError(w, http.StatusNotFound, "not_found", "No schedule for "+email)
		return
	case err != nil:
		s.logger.Error("failed to trigger sync", "email", email, "error", err)
		writeError(w, http.StatusServiceUnavailable, "sync_error", err.Error())
		return
	}

	s.logger.Info("sync triggered via API", "email", email)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "Sync started for " + email,
	})
}

// handleListRuns returns recent pipeline runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	runs, err := s.store.ListRuns(limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list runs")
		return
	}

	out := make([]RunInfo, len(runs))
	for i, run := range runs {
		out[i] = RunInfo{
			ID:          run.ID,
			UserID:      run.UserID,
			Status:      run.Status,
			StartedAt:   formatTime(run.StartedAt),
			CompletedAt: formatTime(run.CompletedAt),
			Fetched:     run.Counts.Fetched,
			Processed:   run.Counts.Processed,
			Skipped:     run.Counts.Skipped,
			Errors:      run.Counts.Errors,
			Error:       run.ErrorMessage,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": out})
}

// handleSchedulerStatus returns the scheduler status.
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.scheduler.Status()
	if statuses == nil {
		statuses = []scheduler.UserStatus{}
	}
	writeJSON(w, http.StatusOK, SchedulerStatusResponse{
		Running: s.scheduler.IsRunning(),
		Users:   statuses,
	})
}
