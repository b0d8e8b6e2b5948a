package http

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/webshell/internal/auth"
)

const (
	terminalPage = "terminal.html"
	loginPage    = "login.html"
)

// Index serves the terminal page, or redirects to the login page.
func (h *Handlers) Index(c *gin.Context) {
	if !h.authenticated(c) {
		c.Redirect(http.StatusFound, "/login")
		return
	}
	h.servePage(c, terminalPage)
}

// LoginPage serves the login page, or redirects home when already logged in.
func (h *Handlers) LoginPage(c *gin.Context) {
	if h.authenticated(c) {
		c.Redirect(http.StatusFound, "/")
		return
	}
	h.servePage(c, loginPage)
}

func (h *Handlers) authenticated(c *gin.Context) bool {
	_, err := h.auth.Validate(auth.TokenFromRequest(c.Request))
	return err == nil
}

func (h *Handlers) servePage(c *gin.Context, name string) {
	path := filepath.Join(h.staticDir, name)
	if _, err := os.Stat(path); err != nil {
		c.String(http.StatusNotFound, "%s not found", name)
		return
	}
	c.File(path)
}
