package static

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/scienceserver/pkg/utils"
)

var contentTypes = map[string]string{
	"png": "image/png",
	"gif": "image/gif",
	"jpg": "image/jpeg",
}

// Handler serves files below a document root.
type Handler struct {
	root string
	log  logrus.FieldLogger
}

// New creates a static file handler for root.
func New(root string, log logrus.FieldLogger) *Handler {
	return &Handler{
		root: root,
		log:  log.WithField("component", "static"),
	}
}

// NewRouter returns a chi router serving root.
func NewRouter(root string, log logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	New(root, log).RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the catch-all file route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/*", h.handleFile)
	r.NotFound(h.handleNotFound)
}

// handleFile serves one file; "/" maps to /index.html.
func (h *Handler) handleFile(w http.ResponseWriter, r *http.Request) {
	urlPath := r.URL.Path
	if urlPath == "/" || urlPath == "" {
		urlPath = "/index.html"
	}

	// Cleaning a rooted path drops any ".." that would climb above root.
	clean := path.Clean("/" + urlPath)
	data, err := os.ReadFile(filepath.Join(h.root, filepath.FromSlash(clean)))
	if err != nil {
		h.log.WithError(err).WithField("path", clean).Warn("could not service www request")
		h.handleNotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", ContentType(clean))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.log.WithError(err).WithField("path", clean).Debug("static write failed")
	}
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if err := utils.RespondNotFound(w); err != nil {
		h.log.WithError(err).WithField("path", r.URL.Path).Debug("static write failed")
	}
}

// ContentType maps a file extension to its content type, defaulting to HTML.
func ContentType(name string) string {
	ext := strings.TrimPrefix(path.Ext(name), ".")
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "text/html"
}
