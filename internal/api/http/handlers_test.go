package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/GriffinCanCode/webshell/internal/api/middleware"
	"github.com/GriffinCanCode/webshell/internal/auth"
	"github.com/GriffinCanCode/webshell/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webshell/internal/terminal"
)

type stubConnections struct {
	closed []string
	live   int
}

func (s *stubConnections) CloseToken(token string) int {
	s.closed = append(s.closed, token)
	return 1
}

func (s *stubConnections) Len() int { return s.live }

type stubTerminals struct {
	infos []terminal.Info
}

func (s stubTerminals) List() []terminal.Info { return s.infos }
func (s stubTerminals) Len() int              { return len(s.infos) }
func (s stubTerminals) Sessions() []terminal.SessionID {
	seen := make(map[terminal.SessionID]bool)
	var out []terminal.SessionID
	for _, info := range s.infos {
		if !seen[info.SessionID] {
			seen[info.SessionID] = true
			out = append(out, info.SessionID)
		}
	}
	return out
}

type fixture struct {
	router *gin.Engine
	gate   *auth.Gate
	conns  *stubConnections
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gate, err := auth.NewGate(auth.Config{
		Username:   "admin",
		Password:   "admin123",
		SessionTTL: time.Hour,
		BcryptCost: bcrypt.MinCost,
	}, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	conns := &stubConnections{live: 2}
	h := NewHandlers(Options{
		Auth:        gate,
		Connections: conns,
		Terminals: stubTerminals{infos: []terminal.Info{
			{ID: "t1", SessionID: "s1", Command: "sh", Cols: 80, Rows: 24},
			{ID: "t2", SessionID: "s1", Command: "sh", Cols: 80, Rows: 24},
		}},
		Metrics:      monitoring.NewMetrics(prometheus.NewRegistry()),
		StaticDir:    dir,
		WorkDir:      dir,
		FileRoot:     dir,
		MaxFileBytes: 64,
	})

	r := gin.New()
	r.GET("/", h.Index)
	r.GET("/login", h.LoginPage)
	r.POST("/login", h.Login)
	r.POST("/logout", h.Logout)
	r.GET("/health", h.Health)
	authed := r.Group("/", middleware.RequireAuth(gate))
	authed.POST("/change-password", h.ChangePassword)
	authed.GET("/api/info", h.Info)
	authed.GET("/api/me", h.Me)
	authed.GET("/api/file/*path", h.File)
	authed.GET("/api/terminals", h.ListTerminals)
	authed.GET("/api/stats", h.Stats)

	return &fixture{router: r, gate: gate, conns: conns, dir: dir}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	ident, err := f.gate.Login("admin", "admin123")
	require.NoError(t, err)
	return ident.Token
}

func withSession(req *http.Request, token string) *http.Request {
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	return req
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.CookieName {
			return c
		}
	}
	return nil
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestLoginForm(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("username=admin&password=admin123"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := f.do(req)

	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))

	cookie := sessionCookie(w)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, 3600, cookie.MaxAge)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	_, err := f.gate.Validate(cookie.Value)
	assert.NoError(t, err)
}

func TestLoginJSON(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"admin","password":"admin123"}`))
	req.Header.Set("Content-Type", "application/json")
	w := f.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	require.NotNil(t, sessionCookie(w))
}

func TestLoginRejected(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"admin","password":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	w := f.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid credentials", decode(t, w)["error"])
	assert.Nil(t, sessionCookie(w))

	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"admin"}`))
	req.Header.Set("Content-Type", "application/json")
	w = f.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogoutClosesConnections(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	w := f.do(withSession(httptest.NewRequest(http.MethodPost, "/logout", nil), token))

	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))
	assert.Equal(t, []string{token}, f.conns.closed)

	cookie := sessionCookie(w)
	require.NotNil(t, cookie)
	assert.Less(t, cookie.MaxAge, 0)

	_, err := f.gate.Validate(token)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestLogoutWithoutSession(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.Header.Set("Accept", "application/json")
	w := f.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.conns.closed)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/change-password", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return f.do(withSession(req, token))
	}

	w := post(`{"currentPassword":"wrong","newPassword":"secret"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Current password is incorrect", decode(t, w)["error"])

	w = post(`{"currentPassword":"admin123"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(`{"currentPassword":"admin123","newPassword":"secret"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])

	_, err := f.gate.Validate(token)
	assert.NoError(t, err, "caller's session survives")
	_, err = f.gate.Login("admin", "secret")
	assert.NoError(t, err)
}

func TestChangePasswordRequiresAuth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/change-password", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := f.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInfo(t *testing.T) {
	f := newFixture(t)
	t.Setenv("HOME", "/home/operator")

	w := f.do(withSession(httptest.NewRequest(http.MethodGet, "/api/info", nil), f.login(t)))

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, f.dir, body["cwd"])
	assert.Equal(t, "/home/operator", body["home"])
}

func TestMe(t *testing.T) {
	f := newFixture(t)

	w := f.do(withSession(httptest.NewRequest(http.MethodGet, "/api/me", nil), f.login(t)))

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "admin", body["username"])
	assert.NotContains(t, body, "token")
}

func TestFile(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "notes.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "big.txt"), []byte(strings.Repeat("x", 65)), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(f.dir, "sub"), 0o755))

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(f.dir, "escape.txt")))
	require.NoError(t, os.Symlink(outside, filepath.Join(f.dir, "elsewhere")))
	require.NoError(t, os.Symlink(filepath.Join(f.dir, "notes.txt"), filepath.Join(f.dir, "alias.txt")))

	get := func(path string) *httptest.ResponseRecorder {
		return f.do(withSession(httptest.NewRequest(http.MethodGet, "/api/file/"+path, nil), token))
	}

	t.Run("relative", func(t *testing.T) {
		w := get("notes.txt")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "hello", body["content"])
		assert.Equal(t, "notes.txt", body["path"])
		assert.Equal(t, "text/plain; charset=utf-8", body["mime"])
	})

	t.Run("absolute", func(t *testing.T) {
		w := get(filepath.Join(f.dir, "notes.txt"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "hello", decode(t, w)["content"])
	})

	t.Run("link inside root", func(t *testing.T) {
		w := get("alias.txt")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "hello", decode(t, w)["content"])
		assert.Equal(t, "alias.txt", decode(t, w)["path"])
	})

	t.Run("too large", func(t *testing.T) {
		assert.Equal(t, http.StatusRequestEntityTooLarge, get("big.txt").Code)
	})

	for name, path := range map[string]string{
		"missing":    "absent.txt",
		"directory":  "sub",
		"traversal":  "../outside.txt",
		"outside":    "/etc/hostname",
		"empty path": "",
		"file link":  "escape.txt",
		"dir link":   "elsewhere/secret.txt",
	} {
		t.Run(name, func(t *testing.T) {
			w := get(path)
			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Equal(t, "File not found", decode(t, w)["error"])
		})
	}
}

func TestListTerminalsAndHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(withSession(httptest.NewRequest(http.MethodGet, "/api/terminals", nil), f.login(t)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["count"])

	w = f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 2, body["terminals"])
	assert.EqualValues(t, 1, body["sessions"])
	assert.EqualValues(t, 2, body["connections"])
}

func TestStats(t *testing.T) {
	f := newFixture(t)

	w := f.do(withSession(httptest.NewRequest(http.MethodGet, "/api/stats", nil), f.login(t)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "uptime_seconds")
}

func TestPages(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, terminalPage), []byte("<html>terminal</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, loginPage), []byte("<html>login</html>"), 0o644))

	w := f.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))

	w = f.do(httptest.NewRequest(http.MethodGet, "/login", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "login")

	token := f.login(t)
	w = f.do(withSession(httptest.NewRequest(http.MethodGet, "/", nil), token))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "terminal")

	w = f.do(withSession(httptest.NewRequest(http.MethodGet, "/login", nil), token))
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
}

func TestFileRootDefaultsToFilesystemRoot(t *testing.T) {
	h := NewHandlers(Options{WorkDir: t.TempDir()})
	assert.Equal(t, "/", h.fileRoot)

	target, ok := h.resolve("/etc/hostname")
	if _, err := os.Stat("/etc/hostname"); err == nil {
		assert.True(t, ok)
		assert.NotEmpty(t, target)
	}
}
