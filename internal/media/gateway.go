// Package media serves files from the upload directory by bare filename.
package media

import (
	"errors"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/neogan74/poshost/internal/logger"
	"github.com/neogan74/poshost/internal/metrics"
	"github.com/neogan74/poshost/internal/middleware"
)

// Scheme is the prefix the UI uses for local media references.
const Scheme = "media://"

var (
	ErrInvalidName = errors.New("invalid media name")
	ErrNotFound    = errors.New("media not found")
)

// Normalize reduces a raw media reference to a bare filename: the scheme,
// query and fragment are dropped, percent-encoding is decoded once and
// every directory component is discarded.
func Normalize(raw string) (string, error) {
	s := strings.TrimPrefix(raw, Scheme)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if decoded, err := url.PathUnescape(s); err == nil {
		s = decoded
	}
	s = strings.ReplaceAll(s, `\`, "/")
	s = strings.TrimRight(s, "/")
	if s == "" {
		return "", ErrInvalidName
	}
	name := path.Base(s)
	if name == "." || name == ".." || name == "/" || strings.ContainsRune(name, 0) {
		return "", ErrInvalidName
	}
	return name, nil
}

// Resolve maps a raw media reference to a regular file directly inside root.
func Resolve(root, raw string) (string, error) {
	name, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	p := filepath.Join(root, name)
	if filepath.Dir(p) != filepath.Clean(root) {
		return "", ErrInvalidName
	}

	// A symlink inside uploads must still land inside uploads.
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", ErrNotFound
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", ErrNotFound
	}
	if rel, err := filepath.Rel(realRoot, real); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrNotFound
	}

	info, err := os.Stat(real)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return p, nil
}

// Gateway serves GET /media/* from the upload directory.
type Gateway struct {
	root string
	log  logger.Logger
}

// NewGateway creates a gateway rooted at uploadRoot.
func NewGateway(uploadRoot string, log logger.Logger) *Gateway {
	return &Gateway{root: uploadRoot, log: log.WithComponent("media")}
}

// Register mounts the gateway under prefix.
func (g *Gateway) Register(router fiber.Router, prefix string) {
	router.Get(prefix+"/*", g.Serve)
}

// Serve streams the requested file. Error responses never name the
// resolved path.
func (g *Gateway) Serve(c *fiber.Ctx) error {
	p, err := Resolve(g.root, c.Params("*"))
	switch {
	case errors.Is(err, ErrInvalidName):
		metrics.MediaRequestsTotal.WithLabelValues("invalid").Inc()
		return middleware.BadRequest(c, "invalid media name")
	case err != nil:
		metrics.MediaRequestsTotal.WithLabelValues("not_found").Inc()
		return middleware.NotFound(c, "media not found")
	}

	f, err := os.Open(p)
	if err != nil {
		metrics.MediaRequestsTotal.WithLabelValues("not_found").Inc()
		return middleware.NotFound(c, "media not found")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		g.log.Warn("Failed to stat media file", logger.Error(err))
		metrics.MediaRequestsTotal.WithLabelValues("error").Inc()
		return middleware.InternalServerError(c, "media unavailable")
	}

	metrics.MediaRequestsTotal.WithLabelValues("ok").Inc()
	c.Type(strings.TrimPrefix(filepath.Ext(p), "."))
	c.Set(fiber.HeaderCacheControl, "private, max-age=300")
	c.Set(fiber.HeaderXContentTypeOptions, "nosniff")
	return c.SendStream(f, int(info.Size()))
}
