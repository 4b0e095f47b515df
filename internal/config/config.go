// Package config handles loading and managing mailagent configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// DefaultQuery selects unread mail in the Primary category.
const DefaultQuery = "is:unread category:primary"

// DefaultModel is the chat model used when none is configured.
const DefaultModel = "gpt-4-turbo"

// DefaultSchedule polls every ten minutes.
const DefaultSchedule = "@every 10m"

// Config represents the mailagent configuration.
type Config struct {
	Data     DataConfig     `toml:"data"`
	OAuth    OAuthConfig    `toml:"oauth"`
	Gmail    GmailConfig    `toml:"gmail"`
	LLM      LLMConfig      `toml:"llm"`
	Schedule ScheduleConfig `toml:"schedule"`
	Server   ServerConfig   `toml:"server"`
	Users    []UserSchedule `toml:"users"`

	// Computed paths (not from config file)
	HomeDir    string `toml:"-"`
	configPath string
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir      string `toml:"data_dir"`
	DatabasePath string `toml:"database_path"`
}

// OAuthConfig holds Google OAuth client configuration. Either ClientSecrets
// (a downloaded client_secret.json) or ClientID/ClientSecret must be set.
type OAuthConfig struct {
	ClientSecrets string `toml:"client_secrets"`
	ClientID      string `toml:"client_id"`
	ClientSecret  string `toml:"client_secret"`
	RedirectURL   string `toml:"redirect_url"`
}

// Configured reports whether enough OAuth client data is present.
func (o OAuthConfig) Configured() bool {
	return o.ClientSecrets != "" || (o.ClientID != "" && o.ClientSecret != "")
}

// GmailConfig controls which messages are fetched and how fast.
type GmailConfig struct {
	Query        string  `toml:"query"`
	MaxResults   int     `toml:"max_results"`
	MarkRead     bool    `toml:"mark_read"`
	RateLimitQPS float64 `toml:"rate_limit_qps"`
	Concurrency  int     `toml:"concurrency"`
}

// LLMConfig holds OpenAI-compatible model settings.
type LLMConfig struct {
	APIKey          string   `toml:"api_key"`
	BaseURL         string   `toml:"base_url"`
	Model           string   `toml:"model"`
	Temperature     float64  `toml:"temperature"`
	MaxTokens       int      `toml:"max_tokens"`
	MaxInputChars   int      `toml:"max_input_chars"`
	IncludeBody     bool     `toml:"include_body"`
	GenerateReplies bool     `toml:"generate_replies"`
	Timeout         Duration `toml:"timeout"`
	Concurrency     int      `toml:"concurrency"`
}

// ScheduleConfig holds the default polling schedule.
type ScheduleConfig struct {
	Default    string `toml:"default"`
	RunOnStart bool   `toml:"run_on_start"`
}

// UserSchedule overrides the polling schedule for a single user.
type UserSchedule struct {
	Email    string `toml:"email"`
	Schedule string `toml:"schedule"`
	Enabled  bool   `toml:"enabled"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	APIPort     int      `toml:"api_port"`
	BindAddr    string   `toml:"bind_addr"`
	APIKey      string   `toml:"api_key"`
	JWTSecret   string   `toml:"jwt_secret"`
	JWTTTL      Duration `toml:"jwt_ttl"`
	CORSOrigins []string `toml:"cors_origins"`

	// TrustProxy takes the client address from X-Real-IP, True-Client-IP or
	// X-Forwarded-For. Enable only behind a proxy that sets them.
	TrustProxy bool `toml:"trust_proxy"`
}

// ValidateSecure refuses to expose the API beyond loopback without a key.
func (s ServerConfig) ValidateSecure() error {
	if s.APIKey != "" || s.JWTSecret != "" {
		return nil
	}
	host := s.BindAddr
	if host == "" || host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("refusing to bind API server to %s without authentication: set [server] api_key or MAILAGENT_API_KEY", host)
}

// Duration is a time.Duration that decodes from TOML strings like "60s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultHome returns the default mailagent home directory.
// Respects MAILAGENT_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MAILAGENT_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailagent"
	}
	return filepath.Join(home, ".mailagent")
}

func defaults(homeDir string) *Config {
	return &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DataDir: homeDir,
		},
		OAuth: OAuthConfig{
			RedirectURL: "http://localhost:8000/auth/google/callback",
		},
		Gmail: GmailConfig{
			Query:        DefaultQuery,
			MaxResults:   10,
			MarkRead:     true,
			RateLimitQPS: 5,
			Concurrency:  4,
		},
		LLM: LLMConfig{
			Model:           DefaultModel,
			Temperature:     0.2,
			MaxTokens:       512,
			MaxInputChars:   4000,
			GenerateReplies: true,
			Timeout:         Duration{60 * time.Second},
			Concurrency:     2,
		},
		Schedule: ScheduleConfig{
			Default:    DefaultSchedule,
			RunOnStart: true,
		},
		Server: ServerConfig{
			APIPort:     8000,
			BindAddr:    "127.0.0.1",
			JWTTTL:      Duration{24 * time.Hour},
			CORSOrigins: []string{"*"},
		},
		Users: []UserSchedule{},
	}
}

// Load reads the configuration. homeOverride (from --home) takes precedence
// over MAILAGENT_HOME. If path is empty, <home>/config.toml is used; a
// missing file is not an error. Values from .env files and the process
// environment are applied last.
func Load(path, homeOverride string) (*Config, error) {
	homeDir := DefaultHome()
	if homeOverride != "" {
		homeDir = expandPath(homeOverride)
	}

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}
	path = expandPath(path)

	cfg := defaults(homeDir)
	cfg.configPath = path

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	if err := loadDotEnv(homeDir); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)
	cfg.Data.DatabasePath = expandPath(cfg.Data.DatabasePath)
	cfg.OAuth.ClientSecrets = expandPath(cfg.OAuth.ClientSecrets)

	return cfg, nil
}

// loadDotEnv loads <home>/.env and ./.env. godotenv never overrides
// variables that are already set, so the process environment wins.
func loadDotEnv(homeDir string) error {
	for _, p := range []string{filepath.Join(homeDir, ".env"), ".env"} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.OAuth.ClientID, "GOOGLE_CLIENT_ID")
	setFromEnv(&c.OAuth.ClientSecret, "GOOGLE_CLIENT_SECRET")
	setFromEnv(&c.OAuth.RedirectURL, "GOOGLE_REDIRECT_URI")
	setFromEnv(&c.LLM.APIKey, "OPENAI_API_KEY")
	setFromEnv(&c.LLM.BaseURL, "OPENAI_BASE_URL")
	setFromEnv(&c.Server.APIKey, "MAILAGENT_API_KEY")
	setFromEnv(&c.Server.JWTSecret, "MAILAGENT_JWT_SECRET")
	setFromEnv(&c.Data.DatabasePath, "DATABASE_PATH")
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// EnsureHomeDir creates the home and data directories if missing.
func (c *Config) EnsureHomeDir() error {
	for _, dir := range []string{c.HomeDir, c.Data.DataDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ConfigFilePath returns the config file location (whether or not it exists).
func (c *Config) ConfigFilePath() string {
	if c.configPath != "" {
		return c.configPath
	}
	return filepath.Join(c.HomeDir, "config.toml")
}

// DatabasePath returns the path to the SQLite database.
func (c *Config) DatabasePath() string {
	if c.Data.DatabasePath != "" {
		return c.Data.DatabasePath
	}
	return filepath.Join(c.Data.DataDir, "emails.db")
}

// ScheduleFor returns the polling schedule for a user and whether the user
// should be polled at all.
func (c *Config) ScheduleFor(email string) (string, bool) {
	for _, u := range c.Users {
		if u.Email != email {
			continue
		}
		if !u.Enabled {
			return "", false
		}
		if u.Schedule != "" {
			return u.Schedule, true
		}
		break
	}
	if c.Schedule.Default == "" {
		return DefaultSchedule, true
	}
	return c.Schedule.Default, true
}

// Validate checks that the credentials needed to poll mailboxes are present.
func (c *Config) Validate() error {
	if !c.OAuth.Configured() {
		return errors.New("OAuth client not configured: set [oauth] client_secrets, or GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET")
	}
	if c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
		return errors.New("LLM not configured: set OPENAI_API_KEY or [llm] api_key")
	}
	if c.Gmail.MaxResults <= 0 {
		return fmt.Errorf("gmail.max_results must be positive, got %d", c.Gmail.MaxResults)
	}
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
