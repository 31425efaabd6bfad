// Package auth provides session authentication for the gateway's management
// surface: login against registry user records, bearer-token validation, and
// revocation.
//
// Session tokens are process-local and in-memory only. A restart invalidates
// every session; that is deliberate and not configurable.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/vyrodovalexey/avregw/internal/observability"
	"github.com/vyrodovalexey/avregw/internal/registry"
	"github.com/vyrodovalexey/avregw/internal/secrets"
)

// DefaultTokenTTL is the default session token lifetime.
const DefaultTokenTTL = time.Hour

// ErrUnauthorized indicates failed credentials. The same error covers
// "no such user" and "wrong password" so responses cannot be used for
// username enumeration.
var ErrUnauthorized = errors.New("invalid credentials")

// UserGetter fetches a single user record from the registry.
type UserGetter interface {
	GetUser(ctx context.Context, username string) (*registry.User, error)
}

// Session is the result of a successful login.
type Session struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
	TokenType string `json:"tokenType"`
}

type sessionToken struct {
	token     string
	createdAt time.Time
	expiresAt time.Time
}

// Authenticator issues, validates, and revokes session tokens.
type Authenticator struct {
	users  UserGetter
	logger observability.Logger
	now    func() time.Time

	mu       sync.Mutex
	tokens   map[string]sessionToken
	tokenTTL time.Duration
}

// AuthenticatorOption is a functional option for configuring the
// authenticator.
type AuthenticatorOption func(*Authenticator)

// WithAuthLogger sets the logger.
func WithAuthLogger(logger observability.Logger) AuthenticatorOption {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// WithTokenTTL sets the session token lifetime.
func WithTokenTTL(ttl time.Duration) AuthenticatorOption {
	return func(a *Authenticator) {
		a.tokenTTL = ttl
	}
}

// WithClock sets the time source. Used by tests to exercise expiry.
func WithClock(now func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) {
		a.now = now
	}
}

// New creates an authenticator backed by the given user source.
func New(users UserGetter, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		users:    users,
		logger:   observability.NopLogger(),
		now:      time.Now,
		tokens:   make(map[string]sessionToken),
		tokenTTL: DefaultTokenTTL,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// SetTokenTTL updates the lifetime applied to newly issued tokens. Already
// issued tokens keep their original expiry.
func (a *Authenticator) SetTokenTTL(ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokenTTL = ttl
}

// Login validates credentials against the registry and issues a session
// token. Every failure mode returns ErrUnauthorized; the response never
// reveals whether the user exists.
func (a *Authenticator) Login(ctx context.Context, username, password string) (*Session, error) {
	user, err := a.users.GetUser(ctx, username)
	if err != nil {
		if !errors.Is(err, registry.ErrUserNotFound) {
			a.logger.Warn("user lookup failed during login",
				observability.String("username", username),
				observability.Error(err),
			)
		}
		GetAuthMetrics().loginsTotal.WithLabelValues("failure").Inc()
		return nil, ErrUnauthorized
	}

	if user.PasswordHash != secrets.HashPassword(password) {
		GetAuthMetrics().loginsTotal.WithLabelValues("failure").Inc()
		return nil, ErrUnauthorized
	}

	token, err := secrets.GenerateSecureToken()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	now := a.now()
	a.sweepLocked(now)
	a.tokens[token] = sessionToken{
		token:     token,
		createdAt: now,
		expiresAt: now.Add(a.tokenTTL),
	}
	ttl := a.tokenTTL
	active := len(a.tokens)
	a.mu.Unlock()

	GetAuthMetrics().loginsTotal.WithLabelValues("success").Inc()
	GetAuthMetrics().activeSessions.Set(float64(active))

	a.logger.Info("session issued",
		observability.String("username", username),
		observability.Duration("ttl", ttl),
	)

	return &Session{
		Token:     token,
		ExpiresIn: int64(ttl.Seconds()),
		TokenType: "Bearer",
	}, nil
}

// Validate checks an Authorization header for a live session token. Expired
// tokens are evicted on the spot; expiry is lazy, there is no background
// sweep goroutine.
func (a *Authenticator) Validate(authHeader string) bool {
	token, ok := parseBearer(authHeader)
	if !ok {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	session, exists := a.tokens[token]
	if !exists {
		return false
	}

	if !a.now().Before(session.expiresAt) {
		delete(a.tokens, token)
		GetAuthMetrics().activeSessions.Set(float64(len(a.tokens)))
		return false
	}

	return true
}

// Logout revokes the token presented in the Authorization header. Returns
// false when the header is malformed or the token is unknown. Presenting the
// token is the only revocation path.
func (a *Authenticator) Logout(authHeader string) bool {
	token, ok := parseBearer(authHeader)
	if !ok {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.tokens[token]; !exists {
		return false
	}

	delete(a.tokens, token)
	GetAuthMetrics().activeSessions.Set(float64(len(a.tokens)))
	return true
}

// ActiveSessions returns the number of stored tokens, including any that
// expired but have not been lazily evicted yet.
func (a *Authenticator) ActiveSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tokens)
}

// sweepLocked drops expired tokens. Called opportunistically on login with
// the lock held.
func (a *Authenticator) sweepLocked(now time.Time) {
	for token, session := range a.tokens {
		if !now.Before(session.expiresAt) {
			delete(a.tokens, token)
		}
	}
}

// parseBearer extracts the token from a "Bearer <token>" header. The scheme
// is case-insensitive; surrounding whitespace in the token part is ignored.
func parseBearer(authHeader string) (string, bool) {
	const scheme = "bearer"

	if len(authHeader) <= len(scheme) || !strings.EqualFold(authHeader[:len(scheme)], scheme) {
		return "", false
	}

	rest := authHeader[len(scheme):]
	if rest[0] != ' ' && rest[0] != '\t' {
		return "", false
	}

	token := strings.TrimSpace(rest)
	if token == "" {
		return "", false
	}
	return token, true
}
