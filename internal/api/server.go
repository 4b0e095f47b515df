// Package api provides the HTTP API for browsing processed mail, Google
// login and triggering pipeline runs.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/oauth2"

	"github.com/ajayg10/ai-email-agent/internal/config"
	"github.com/ajayg10/ai-email-agent/internal/oauth"
	"github.com/ajayg10/ai-email-agent/internal/scheduler"
	"github.com/ajayg10/ai-email-agent/internal/store"
)

// SummaryStore defines the store operations the API needs.
type SummaryStore interface {
	GetStats() (*store.Stats, error)
	ListSummaries(f store.ListFilter) ([]*store.Summary, error)
	CountSummaries(f store.ListFilter) (int64, error)
	GetSummary(id int64) (*store.Summary, error)
	DeleteSummary(id int64) error
	ListTags(userID int64) ([]store.TagCount, error)
	UpsertUser(u *store.User) (*store.User, error)
	GetUser(id int64) (*store.User, error)
	GetUserByEmail(email string) (*store.User, error)
	ListUsers() ([]*store.User, error)
	ListRuns(limit int) ([]*store.Run, error)
}

// SyncScheduler defines the scheduler operations the API needs.
type SyncScheduler interface {
	AddUser(email, spec string) error
	IsScheduled(email string) bool
	TriggerSync(email string) error
	Status() []scheduler.UserStatus
	IsRunning() bool
}

// Authenticator runs the Google consent flow. *oauth.Manager implements it.
type Authenticator interface {
	AuthCodeURL() (string, string, error)
	Exchange(ctx context.Context, state, code string) (*oauth2.Token, error)
	FetchUserInfo(ctx context.Context, token *oauth2.Token) (*oauth.UserInfo, error)
}

// Server represents the HTTP API server.
type Server struct {
	cfg         *config.Config
	store       SummaryStore
	scheduler   SyncScheduler
	auth        Authenticator
	tokens      *TokenIssuer
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter
}

// NewServer creates a new API server. auth may be nil, in which case the
// login routes answer 503.
func NewServer(cfg *config.Config, st SummaryStore, sched SyncScheduler, auth Authenticator, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		scheduler: sched,
		auth:      auth,
		tokens:    NewTokenIssuer(cfg.Server.JWTSecret, cfg.Server.JWTTTL.Duration),
		logger:    logger,
	}
	s.router = s.setupRouter()
	return s
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	if s.cfg.Server.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	corsConfig := DefaultCORSConfig()
	if len(s.cfg.Server.CORSOrigins) > 0 {
		corsConfig.AllowedOrigins = s.cfg.Server.CORSOrigins
	}
	r.Use(CORSMiddleware(corsConfig))

	// 10 req/sec with burst of 20
	s.rateLimiter = NewRateLimiter(10, 20)
	r.Use(RateLimitMiddleware(s.rateLimiter))

	r.Get("/health", s.handleHealth)

	// Login and legacy listing (no auth)
	r.Get("/auth/google", s.handleGoogleLogin)
	r.Get("/auth/google/callback", s.handleGoogleCallback)
	r.Get("/fetch_emails", s.handleFetchEmails)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/emails", s.handleListEmails)
		r.Get("/emails/{id}", s.handleGetEmail)
		r.Delete("/emails/{id}", s.handleDeleteEmail)
		r.Get("/tags", s.handleListTags)
		r.Get("/me", s.handleMe)
		r.Post("/sync/{email}", s.handleTriggerSync)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/stats", s.handleStats)
			r.Get("/users", s.handleListUsers)
			r.Get("/runs", s.handleListRuns)
			r.Get("/scheduler/status", s.handleSchedulerStatus)
		})
	})

	return r
}

// Start begins listening for HTTP requests.
// Returns an error if the security posture is invalid.
func (s *Server) Start() error {
	if err := s.cfg.Server.ValidateSecure(); err != nil {
		return err
	}

	bindAddr := s.cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	addr := net.JoinHostPort(bindAddr, strconv.Itoa(s.cfg.Server.APIPort))

	if s.cfg.Server.APIKey == "" && s.tokens == nil {
		s.logger.Warn("API server running without authentication; set [server] api_key in config.toml")
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// loggerMiddleware logs HTTP requests.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
