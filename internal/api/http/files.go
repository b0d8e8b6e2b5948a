package http

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// File returns the contents of a file. Relative paths resolve against the
// working directory; everything outside the file root is reported as missing.
func (h *Handlers) File(c *gin.Context) {
	requested := strings.TrimPrefix(c.Param("path"), "/")
	target, ok := h.resolve(requested)
	if !ok {
		fileNotFound(c)
		return
	}

	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		fileNotFound(c)
		return
	}
	if info.Size() > h.maxFileBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
		return
	}

	data, err := os.ReadFile(target)
	if err != nil {
		h.logger.Debug("File read failed", zap.String("path", target), zap.Error(err))
		fileNotFound(c)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"content": string(data),
		"path":    requested,
		"mime":    mimetype.Detect(data).String(),
	})
}

func (h *Handlers) resolve(requested string) (string, bool) {
	if requested == "" {
		return "", false
	}
	target := requested
	if !filepath.IsAbs(target) {
		target = filepath.Join(h.workDir, target)
	}
	// Links are followed before the root check so none can lead outside it.
	target, err := filepath.EvalSymlinks(filepath.Clean(target))
	if err != nil {
		return "", false
	}

	rel, err := filepath.Rel(h.fileRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}

func fileNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
}
