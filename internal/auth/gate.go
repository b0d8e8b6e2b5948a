package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/GriffinCanCode/webshell/internal/shared/id"
)

const (
	// CookieName is the session cookie set on login.
	CookieName = "webshell_session"

	DefaultSessionTTL = 24 * time.Hour
	tokenBytes        = 32
)

var (
	// ErrUnauthenticated is returned for missing, unknown or expired tokens.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidCredentials is returned when a username/password pair does not match.
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Identity is an authenticated login session.
type Identity struct {
	UserID    id.UserID `json:"user_id"`
	Username  string    `json:"username"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Validator validates session tokens.
type Validator interface {
	Validate(token string) (Identity, error)
}

// Config configures a Gate.
type Config struct {
	Username string
	// Password is the plain-text initial password; it is hashed on startup.
	Password   string
	SessionTTL time.Duration
	BcryptCost int
}

type sessionEntry struct {
	expiresAt time.Time
}

// Gate holds the single operator account and its login sessions.
type Gate struct {
	username string
	userID   id.UserID
	ttl      time.Duration
	cost     int
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.RWMutex
	hash     []byte
	sessions map[string]sessionEntry
}

// NewGate hashes cfg.Password and returns a gate with no sessions.
func NewGate(cfg Config, logger *zap.Logger) (*Gate, error) {
	if cfg.Username == "" {
		return nil, errors.New("auth: username is required")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	return &Gate{
		username: cfg.Username,
		userID:   id.NewUserID(),
		ttl:      cfg.SessionTTL,
		cost:     cfg.BcryptCost,
		logger:   logger.With(zap.String("component", "auth")),
		now:      time.Now,
		hash:     hash,
		sessions: make(map[string]sessionEntry),
	}, nil
}

// TTL returns the session lifetime.
func (g *Gate) TTL() time.Duration { return g.ttl }

// Login checks the credentials and starts a session.
func (g *Gate) Login(username, password string) (Identity, error) {
	if !g.checkCredentials(username, password) {
		g.logger.Warn("Login failed", zap.String("username", username))
		return Identity{}, ErrInvalidCredentials
	}

	token, err := newToken()
	if err != nil {
		return Identity{}, fmt.Errorf("auth: create session: %w", err)
	}
	expires := g.now().Add(g.ttl)

	g.mu.Lock()
	g.sessions[token] = sessionEntry{expiresAt: expires}
	g.mu.Unlock()

	g.logger.Info("Login succeeded", zap.String("username", username))
	return g.identity(token, expires), nil
}

// Validate returns the identity for token, or ErrUnauthenticated.
func (g *Gate) Validate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}

	g.mu.RLock()
	entry, ok := g.sessions[token]
	g.mu.RUnlock()
	if !ok || !g.now().Before(entry.expiresAt) {
		return Identity{}, ErrUnauthenticated
	}
	return g.identity(token, entry.expiresAt), nil
}

// Logout ends the session. It reports whether the token was known.
func (g *Gate) Logout(token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sessions[token]
	delete(g.sessions, token)
	return ok
}

// ChangePassword replaces the password after verifying the current one.
// Every session except keepToken is ended.
func (g *Gate) ChangePassword(current, next, keepToken string) error {
	if !g.checkCredentials(g.username, current) {
		return ErrInvalidCredentials
	}
	if next == "" {
		return errors.New("auth: new password must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), g.cost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}

	g.mu.Lock()
	g.hash = hash
	for token := range g.sessions {
		if token != keepToken {
			delete(g.sessions, token)
		}
	}
	g.mu.Unlock()

	g.logger.Info("Password changed")
	return nil
}

// Cleanup drops expired sessions and returns how many were removed.
func (g *Gate) Cleanup() int {
	now := g.now()
	removed := 0

	g.mu.Lock()
	for token, entry := range g.sessions {
		if !now.Before(entry.expiresAt) {
			delete(g.sessions, token)
			removed++
		}
	}
	g.mu.Unlock()

	if removed > 0 {
		g.logger.Debug("Expired sessions removed", zap.Int("count", removed))
	}
	return removed
}

// Len returns the number of stored sessions, expired ones included.
func (g *Gate) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

func (g *Gate) checkCredentials(username, password string) bool {
	g.mu.RLock()
	hash := g.hash
	g.mu.RUnlock()

	// Always run bcrypt so a wrong username costs as much as a wrong password.
	passwordOK := bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(g.username)) == 1
	return passwordOK && userOK
}

func (g *Gate) identity(token string, expires time.Time) Identity {
	return Identity{
		UserID:    g.userID,
		Username:  g.username,
		Token:     token,
		ExpiresAt: expires,
	}
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// TokenFromRequest returns the session token from the session cookie or an
// Authorization: Bearer header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return ""
}
