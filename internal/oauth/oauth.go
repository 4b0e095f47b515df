// Package oauth provides Google OAuth2 flows for mailagent.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	goauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/ajayg10/ai-email-agent/internal/config"
)

// Scopes requested at consent: identity plus read/modify access to Gmail.
var Scopes = []string{
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/gmail.modify",
}

var (
	// ErrInvalidState is returned when a callback carries an unknown,
	// expired or already used state value.
	ErrInvalidState = errors.New("invalid or expired oauth state")
	// ErrMissingCode is returned when a callback carries no authorization code.
	ErrMissingCode = errors.New("missing authorization code")
	// ErrNoToken is returned when no stored token exists for a user.
	ErrNoToken = errors.New("no stored token")
)

// stateTTL bounds how long a consent screen may stay open.
const stateTTL = 5 * time.Minute

// TokenStore persists per-user OAuth tokens.
type TokenStore interface {
	LoadToken(email string) (*oauth2.Token, error)
	SaveToken(email string, token *oauth2.Token) error
}

// UserInfo is the Google profile of the consenting account.
type UserInfo struct {
	ID      string
	Email   string
	Name    string
	Picture string
}

// Manager handles OAuth2 consent, code exchange and token refresh.
type Manager struct {
	config *oauth2.Config
	tokens TokenStore
	states *stateStore
	logger *slog.Logger

	// userInfoOpts are appended when building the userinfo client (tests
	// point it at a local server).
	userInfoOpts []option.ClientOption
}

// NewManager creates a Manager. The OAuth client comes from the
// client_secrets JSON file when set, otherwise from client id and secret.
func NewManager(cfg config.OAuthConfig, tokens TokenStore, logger *slog.Logger) (*Manager, error) {
	oc, err := newOAuthConfig(cfg)
	if err != nil {
		return nil, err
	}
	return newManager(oc, tokens, logger), nil
}

func newManager(oc *oauth2.Config, tokens TokenStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config: oc,
		tokens: tokens,
		states: newStateStore(stateTTL),
		logger: logger,
	}
}

func newOAuthConfig(cfg config.OAuthConfig) (*oauth2.Config, error) {
	if cfg.ClientSecrets != "" {
		data, err := os.ReadFile(cfg.ClientSecrets)
		if err != nil {
			return nil, fmt.Errorf("read client secrets: %w", err)
		}
		oc, err := google.ConfigFromJSON(data, Scopes...)
		if err != nil {
			return nil, fmt.Errorf("parse client secrets: %w", err)
		}
		if cfg.RedirectURL != "" {
			oc.RedirectURL = cfg.RedirectURL
		}
		return oc, nil
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("oauth client id and secret are required")
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       Scopes,
		Endpoint:     google.Endpoint,
	}, nil
}

// AuthCodeURL returns the consent URL and the single-use state it carries.
// Offline access with forced consent makes Google return a refresh token.
func (m *Manager) AuthCodeURL() (string, string, error) {
	state, err := m.states.issue()
	if err != nil {
		return "", "", err
	}
	return m.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), state, nil
}

// Exchange validates and consumes state, then trades code for a token.
func (m *Manager) Exchange(ctx context.Context, state, code string) (*oauth2.Token, error) {
	if !m.states.consume(state) {
		return nil, ErrInvalidState
	}
	if code == "" {
		return nil, ErrMissingCode
	}
	tok, err := m.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// FetchUserInfo loads the Google profile for token.
func (m *Manager) FetchUserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error) {
	opts := append([]option.ClientOption{option.WithHTTPClient(m.config.Client(ctx, token))}, m.userInfoOpts...)
	svc, err := goauth2.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create userinfo service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get userinfo: %w", err)
	}
	if info.Email == "" {
		return nil, errors.New("userinfo returned no email address")
	}
	return &UserInfo{
		ID:      info.Id,
		Email:   info.Email,
		Name:    info.Name,
		Picture: info.Picture,
	}, nil
}

// TokenSource returns an auto-refreshing token source for email seeded
// from the stored token. Refreshed tokens are written back to the store.
func (m *Manager) TokenSource(ctx context.Context, email string) (oauth2.TokenSource, error) {
	tok, err := m.tokens.LoadToken(email)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrNoToken, email, err)
	}
	if tok == nil || (tok.AccessToken == "" && tok.RefreshToken == "") {
		return nil, fmt.Errorf("%w for %s", ErrNoToken, email)
	}
	return &persistingSource{
		base:   m.config.TokenSource(ctx, tok),
		email:  email,
		tokens: m.tokens,
		last:   tok,
		logger: m.logger,
	}, nil
}

// persistingSource saves every token that differs from the last one seen.
type persistingSource struct {
	base   oauth2.TokenSource
	email  string
	tokens TokenStore
	logger *slog.Logger

	mu   sync.Mutex
	last *oauth2.Token
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token for %s: %w", p.email, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken == p.last.AccessToken {
		return tok, nil
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = p.last.RefreshToken
	}
	if err := p.tokens.SaveToken(p.email, tok); err != nil {
		p.logger.Warn("failed to save refreshed token", "email", p.email, "error", err)
	}
	p.last = tok
	return tok, nil
}

const (
	loopbackPort = "8089"
	callbackPath = "/callback"
)

// Authorize runs the browser consent flow against a local loopback
// listener and returns the token with the account's profile.
func (m *Manager) Authorize(ctx context.Context) (*oauth2.Token, *UserInfo, error) {
	state, err := m.states.issue()
	if err != nil {
		return nil, nil, err
	}

	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	mux.Handle(callbackPath, m.newCallbackHandler(codeChan, errChan))
	server := &http.Server{Addr: "localhost:" + loopbackPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			trySend(errChan, err)
		}
	}()
	defer func() { _ = server.Shutdown(context.Background()) }()

	oc := *m.config
	oc.RedirectURL = "http://localhost:" + loopbackPort + callbackPath
	authURL := oc.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Printf("Opening browser for authorization...\n")
	fmt.Printf("If browser doesn't open, visit:\n%s\n\n", authURL)
	if err := openBrowser(authURL); err != nil {
		m.logger.Warn("failed to open browser", "error", err)
	}

	var code string
	select {
	case code = <-codeChan:
	case err := <-errChan:
		return nil, nil, err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	tok, err := oc.Exchange(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("exchange code: %w", err)
	}
	info, err := m.FetchUserInfo(ctx, tok)
	if err != nil {
		return nil, nil, err
	}
	return tok, info, nil
}

// trySend delivers v unless ch is full. Only the first result of a
// consent flow is read.
func trySend[T any](ch chan<- T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// newCallbackHandler validates the loopback callback and forwards the code.
// Later hits, such as a page reload, never block.
func (m *Manager) newCallbackHandler(codeChan chan<- string, errChan chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.states.consume(r.URL.Query().Get("state")) {
			trySend(errChan, ErrInvalidState)
			fmt.Fprintf(w, "Error: state mismatch")
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			trySend(errChan, ErrMissingCode)
			fmt.Fprintf(w, "Error: no authorization code received")
			return
		}
		trySend(codeChan, code)
		fmt.Fprintf(w, "Authorization successful! You can close this window.")
	}
}

// openBrowser opens the default browser to the given URL.
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return cmd.Start()
}

// stateStore holds issued OAuth states until they are used or expire.
type stateStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	states map[string]time.Time
}

func newStateStore(ttl time.Duration) *stateStore {
	return &stateStore{
		ttl:    ttl,
		now:    time.Now,
		states: make(map[string]time.Time),
	}
}

func (s *stateStore) issue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for st, exp := range s.states {
		if exp.Before(now) {
			delete(s.states, st)
		}
	}
	s.states[state] = now.Add(s.ttl)
	return state, nil
}

// consume reports whether state was issued and is unexpired. A state can
// be consumed once.
func (s *stateStore) consume(state string) bool {
	if state == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.states[state]
	if !ok {
		return false
	}
	delete(s.states, state)
	return !s.now().After(exp)
}
