// Package staticfile implements the spec §4.D static file handler: path
// resolution with traversal rejection, index file selection, a hot-file
// cache, conditional GET, and single-range byte-range support. No teacher
// file serves static content directly (piccolod only proxies to
// containers), so this package is built fresh in the idiom of the
// teacher's other internal/* packages: typed errors via internal/edgeerr,
// component logging via internal/logging, no third-party HTTP framework
// in the hot path (net/http only, matching how the teacher's own
// services.ProxyManager avoids gin on its proxy path and only reaches for
// gin on the management API).
package staticfile

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edgemesh/edged/internal/config"
	"github.com/edgemesh/edged/internal/logging"
)

var log = logging.Component("staticfile")

// Handler serves one VirtualHost's BackendStatic document root.
type Handler struct {
	root       string
	indexFiles []string
	listing    bool
	cache      *hotCache
}

// NewHandler constructs a handler rooted at b.Root. root is resolved to an
// absolute, cleaned path once at construction so every subsequent request
// only needs a single filepath.Join + prefix check (spec §4.D: "path
// resolution must reject any traversal outside document_root").
func NewHandler(b *config.Backend) (*Handler, error) {
	abs, err := filepath.Abs(b.Root)
	if err != nil {
		return nil, err
	}
	index := b.IndexFiles
	if len(index) == 0 {
		index = []string{"index.html"}
	}
	return &Handler{
		root:       filepath.Clean(abs),
		indexFiles: index,
		listing:    b.ListingEnabled,
		cache:      newHotCache(256),
	}, nil
}

// resolve maps a request path to an on-disk path, refusing to leave root.
// It rejects the request (rather than merely clamping the path) on any
// attempt to escape, per spec §4.D's hard traversal rule.
func (h *Handler) resolve(reqPath string) (string, bool) {
	cleaned := path.Clean("/" + reqPath)
	full := filepath.Join(h.root, filepath.FromSlash(cleaned))
	full = filepath.Clean(full)
	if full != h.root && !strings.HasPrefix(full, h.root+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fsPath, ok := h.resolve(r.URL.Path)
	if !ok {
		log.Printf("WARN: rejected path traversal attempt: %s", r.URL.Path)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	entry, err := h.cache.get(fsPath)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if entry.isDir {
		entry = h.resolveIndex(w, r, fsPath)
		if entry == nil {
			return
		}
	}

	if notModified(r, entry) {
		w.Header().Set("ETag", entry.etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", entry.etag)
	w.Header().Set("Last-Modified", entry.modTime.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Type", contentType(entry.path))
	w.Header().Set("Accept-Ranges", "bytes")

	if rng := r.Header.Get("Range"); rng != "" {
		if served := h.serveRange(w, r, entry, rng); served {
			return
		}
	}

	w.Header().Set("Content-Length", strconv.FormatInt(entry.size, 10))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	f, err := os.Open(entry.path)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	_, _ = io.Copy(w, f)
}

func (h *Handler) resolveIndex(w http.ResponseWriter, r *http.Request, dir string) *cacheEntry {
	for _, name := range h.indexFiles {
		candidate := filepath.Join(dir, name)
		entry, err := h.cache.get(candidate)
		if err == nil && !entry.isDir {
			return entry
		}
	}
	if h.listing {
		h.serveListing(w, dir)
		return nil
	}
	http.NotFound(w, r)
	return nil
}

func (h *Handler) serveListing(w http.ResponseWriter, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "<!DOCTYPE html><html><body><ul>\n")
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		_, _ = io.WriteString(w, "<li><a href=\""+name+"\">"+name+"</a></li>\n")
	}
	_, _ = io.WriteString(w, "</ul></body></html>")
}

func notModified(r *http.Request, e *cacheEntry) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		return inm == e.etag
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		t, err := http.ParseTime(ims)
		if err == nil && !e.modTime.After(t) {
			return true
		}
	}
	return false
}

func contentType(p string) string {
	ext := filepath.Ext(p)
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
