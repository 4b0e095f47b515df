package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokenIssuer is the iss claim of tokens minted at login.
const tokenIssuer = "mailagent"

// errNoSecret is returned when tokens are requested but no JWT secret is
// configured.
var errNoSecret = errors.New("jwt secret not configured")

// Claims are the JWT claims issued to a user after Google login.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// UserID returns the numeric user ID carried in the subject claim.
func (c *Claims) UserID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// TokenIssuer signs and verifies HS256 user tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer returns an issuer, or nil when secret is empty.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue mints a token for the user.
func (ti *TokenIssuer) Issue(userID int64, email string) (string, error) {
	if ti == nil {
		return "", errNoSecret
	}
	now := ti.now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies raw and returns its claims.
func (ti *TokenIssuer) Parse(raw string) (*Claims, error) {
	if ti == nil {
		return nil, errNoSecret
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return ti.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return nil, err
	}
	if _, err := claims.UserID(); err != nil {
		return nil, fmt.Errorf("invalid subject %q: %w", claims.Subject, err)
	}
	return &claims, nil
}

// principal is the authenticated caller. A nil claims value means the
// caller used the API key (or auth is disabled) and may see every user.
type principal struct {
	claims *Claims
}

func (p principal) isAdmin() bool { return p.claims == nil }

// userID returns the caller's user ID, or 0 for admin callers.
func (p principal) userID() int64 {
	if p.claims == nil {
		return 0
	}
	id, _ := p.claims.UserID()
	return id
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p
}

// credential extracts the caller's token from Authorization or X-API-Key.
func credential(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		auth = r.Header.Get("X-API-Key")
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// authMiddleware accepts the configured API key or a user JWT.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if nothing is configured
		if s.cfg.Server.APIKey == "" && s.tokens == nil {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal{})))
			return
		}

		cred := credential(r)
		if cred != "" && s.cfg.Server.APIKey != "" &&
			subtle.ConstantTimeCompare([]byte(cred), []byte(s.cfg.Server.APIKey)) == 1 {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal{})))
			return
		}

		if cred != "" && s.tokens != nil {
			claims, err := s.tokens.Parse(cred)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal{claims: claims})))
				return
			}
			s.logger.Debug("rejected token", "error", err)
		}

		s.logger.Warn("unauthorized API request",
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing credentials")
	})
}

// requireAdmin rejects callers authenticated with a user token.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principalFrom(r.Context()).isAdmin() {
			writeError(w, http.StatusForbidden, "forbidden", "This endpoint requires the API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
