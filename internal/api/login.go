package api

import (
	"errors"
	"net/http"

	"github.com/ajayg10/ai-email-agent/internal/oauth"
	"github.com/ajayg10/ai-email-agent/internal/store"
)

// LoginResponse is returned once Google consent completes.
type LoginResponse struct {
	Message string `json:"message"`
	Email   string `json:"email"`
	Token   string `json:"token,omitempty"`
}

// FetchedEmail is one row of the /fetch_emails listing.
type FetchedEmail struct {
	ID             int64   `json:"id"`
	MessageID      string  `json:"message_id"`
	From           string  `json:"from"`
	Subject        string  `json:"subject"`
	Snippet        string  `json:"snippet"`
	Summary        string  `json:"summary"`
	SuggestedReply string  `json:"suggested_reply"`
	Tag            string  `json:"tag"`
	CreatedAt      *string `json:"created_at"`
}

// handleGoogleLogin redirects to the Google consent screen.
func (s *Server) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth_unavailable", "Google OAuth is not configured")
		return
	}

	url, _, err := s.auth.AuthCodeURL()
	if err != nil {
		s.logger.Error("failed to build consent URL", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to start login")
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// handleGoogleCallback finishes consent: exchanges the code, stores the
// user with its tokens, schedules the mailbox and starts a first run.
func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth_unavailable", "Google OAuth is not configured")
		return
	}

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, "consent_denied", "Google returned: "+e)
		return
	}

	token, err := s.auth.Exchange(r.Context(), q.Get("state"), q.Get("code"))
	switch {
	case errors.Is(err, oauth.ErrInvalidState):
		writeError(w, http.StatusBadRequest, "invalid_state", "Login session expired or invalid; start again")
		return
	case errors.Is(err, oauth.ErrMissingCode):
		writeError(w, http.StatusBadRequest, "missing_code", "Authorization code is required")
		return
	case err != nil:
		s.logger.Error("token exchange failed", "error", err)
		writeError(w, http.StatusBadGateway, "oauth_failed", "Failed to exchange authorization code")
		return
	}

	info, err := s.auth.FetchUserInfo(r.Context(), token)
	if err != nil {
		s.logger.Error("userinfo lookup failed", "error", err)
		writeError(w, http.StatusBadGateway, "oauth_failed", "Failed to load Google profile")
		return
	}

	user, err := s.store.UpsertUser(&store.User{
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
		s.logger.Error("failed to store user", "email", info.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to save user")
		return
	}
	s.logger.Info("google login", "email", user.Email, "user_id", user.ID)

	s.scheduleUser(user.Email)

	resp := LoginResponse{Message: "Google login successful", Email: user.Email}
	if s.tokens != nil {
		resp.Token, err = s.tokens.Issue(user.ID, user.Email)
		if err != nil {
			s.logger.Error("failed to issue token", "email", user.Email, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to issue token")
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// scheduleUser adds a freshly logged-in user to the scheduler and starts
// a first run. Failures are logged; login still succeeds.
func (s *Server) scheduleUser(email string) {
	if s.scheduler == nil {
		return
	}
	spec, enabled := s.cfg.ScheduleFor(email)
	if !enabled {
		return
	}
	if err := s.scheduler.AddUser(email, spec); err != nil {
		s.logger.Warn("failed to schedule user", "email", email, "error", err)
		return
	}
	if err := s.scheduler.TriggerSync(email); err != nil {
		s.logger.Warn("failed to start first sync", "email", email, "error", err)
	}
}

// handleFetchEmails returns every stored summary, newest first.
func (s *Server) handleFetchEmails(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListSummaries(store.ListFilter{})
	if err != nil {
		s.logger.Error("failed to list summaries", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list emails")
		return
	}

	emails := make([]FetchedEmail, len(rows))
	for i, m := range rows {
		emails[i] = FetchedEmail{
			ID:             m.ID,
			MessageID:      m.MessageID,
			From:           m.Sender,
			Subject:        m.Subject,
			Snippet:        m.Snippet,
			Summary:        m.Summary,
			SuggestedReply: m.SuggestedReply,
			Tag:            m.Tag,
		}
		if ts := formatTime(m.CreatedAt); ts != "" {
			emails[i].CreatedAt = &ts
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"emails": emails})
}
