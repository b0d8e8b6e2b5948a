package http

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webshell/internal/api/middleware"
	"github.com/GriffinCanCode/webshell/internal/auth"
	"github.com/GriffinCanCode/webshell/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webshell/internal/terminal"
)

// Authenticator is the login side of the authentication gate.
type Authenticator interface {
	auth.Validator
	Login(username, password string) (auth.Identity, error)
	Logout(token string) bool
	ChangePassword(current, next, keepToken string) error
	TTL() time.Duration
}

// Connections closes the live bridges of a login session.
type Connections interface {
	CloseToken(token string) int
	Len() int
}

// Terminals lists live terminals.
type Terminals interface {
	List() []terminal.Info
	Len() int
	Sessions() []terminal.SessionID
}

// Options configures Handlers.
type Options struct {
	Auth        Authenticator
	Terminals   Terminals
	Connections Connections
	// Metrics may be nil.
	Metrics *monitoring.Metrics

	StaticDir    string
	WorkDir      string
	FileRoot     string
	MaxFileBytes int64
	CookieSecure bool

	Logger *zap.Logger
}

// Handlers contains the HTTP handlers.
type Handlers struct {
	auth        Authenticator
	terminals   Terminals
	connections Connections
	metrics     *monitoring.Metrics

	staticDir    string
	workDir      string
	fileRoot     string
	maxFileBytes int64
	cookieSecure bool

	logger    *zap.Logger
	startTime time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(opts Options) *Handlers {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workDir := opts.WorkDir
	if workDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workDir = wd
		}
	}
	fileRoot := opts.FileRoot
	if fileRoot == "" {
		fileRoot = string(os.PathSeparator)
	}
	if resolved, err := filepath.EvalSymlinks(fileRoot); err == nil {
		fileRoot = resolved
	}
	maxBytes := opts.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}

	return &Handlers{
		auth:         opts.Auth,
		terminals:    opts.Terminals,
		connections:  opts.Connections,
		metrics:      opts.Metrics,
		staticDir:    opts.StaticDir,
		workDir:      workDir,
		fileRoot:     fileRoot,
		maxFileBytes: maxBytes,
		cookieSecure: opts.CookieSecure,
		logger:       logger,
		startTime:    time.Now(),
	}
}

type loginRequest struct {
	Username string `form:"username" json:"username" binding:"required"`
	Password string `form:"password" json:"password" binding:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required"`
}

// Login checks the credentials and sets the session cookie. Form posts are
// redirected to the terminal page; JSON clients get the identity back.
func (h *Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		h.recordLogin("failure")
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	ident, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		h.recordLogin("failure")
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		h.logger.Error("Login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	h.recordLogin("success")

	h.setSessionCookie(c, ident.Token, int(h.auth.TTL().Seconds()))
	if wantsJSON(c) {
		c.JSON(http.StatusOK, gin.H{"success": true, "identity": ident})
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}

// Logout ends the login session and closes its live connections.
func (h *Handlers) Logout(c *gin.Context) {
	if token := auth.TokenFromRequest(c.Request); token != "" {
		h.auth.Logout(token)
		if h.connections != nil {
			if n := h.connections.CloseToken(token); n > 0 {
				h.logger.Info("Closed connections on logout", zap.Int("count", n))
			}
		}
	}

	h.setSessionCookie(c, "", -1)
	if wantsJSON(c) {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}
	c.Redirect(http.StatusSeeOther, "/login")
}

// ChangePassword replaces the password. The caller's session survives; all
// other sessions end.
func (h *Handlers) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "currentPassword and newPassword are required"})
		return
	}

	token := auth.TokenFromRequest(c.Request)
	if err := h.auth.ChangePassword(req.CurrentPassword, req.NewPassword, token); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Current password is incorrect"})
			return
		}
		h.logger.Error("Password change failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "password change failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Info returns the paths the client resolves file links against.
func (h *Handlers) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"cwd":  h.workDir,
		"home": os.Getenv("HOME"),
	})
}

// Health reports liveness and live counts.
func (h *Handlers) Health(c *gin.Context) {
	resp := gin.H{
		"status": "healthy",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	}
	if h.terminals != nil {
		resp["terminals"] = h.terminals.Len()
		resp["sessions"] = len(h.terminals.Sessions())
	}
	if h.connections != nil {
		resp["connections"] = h.connections.Len()
	}
	c.JSON(http.StatusOK, resp)
}

// ListTerminals returns every live terminal.
func (h *Handlers) ListTerminals(c *gin.Context) {
	list := h.terminals.List()
	c.JSON(http.StatusOK, gin.H{
		"terminals": list,
		"count":     len(list),
	})
}

// Stats returns the JSON metrics snapshot.
func (h *Handlers) Stats(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics disabled"})
		return
	}
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

// Me returns the caller's identity.
func (h *Handlers) Me(c *gin.Context) {
	ident, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	c.JSON(http.StatusOK, ident)
}

func (h *Handlers) setSessionCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.CookieName, value, maxAge, "/", "", h.cookieSecure, true)
}

func (h *Handlers) recordLogin(result string) {
	if h.metrics != nil {
		h.metrics.RecordLogin(result)
	}
}

func wantsJSON(c *gin.Context) bool {
	return c.ContentType() == gin.MIMEJSON ||
		strings.Contains(c.GetHeader("Accept"), gin.MIMEJSON)
}
