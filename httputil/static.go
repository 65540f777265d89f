package httputil

import (
	"bytes"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aulaforms/aulaforms/u"
)

// StaticHandler serves files from fsys. Text files are served brotli
// compressed to clients that accept it; compressed versions are created
// on first request and kept in memory.
type StaticHandler struct {
	fsys    fs.FS
	modTime time.Time

	mu sync.Mutex
	br map[string][]byte
}

func NewStaticHandler(fsys fs.FS) *StaticHandler {
	return &StaticHandler{
		fsys:    fsys,
		modTime: time.Now(),
		br:      map[string][]byte{},
	}
}

func canServeCompressed(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".html", ".txt", ".css", ".js", ".json", ".xml", ".svg":
		return true
	}
	return false
}

func (h *StaticHandler) compressed(name string, d []byte) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cd, ok := h.br[name]; ok {
		return cd
	}
	cd, err := u.BrCompressData(d)
	if err != nil {
		cd = nil
	}
	h.br[name] = cd
	return cd
}

// TryServe serves the file for r.URL.Path, "/" being index.html.
// Returns false if there's no such file.
func (h *StaticHandler) TryServe(w http.ResponseWriter, r *http.Request) bool {
	name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if name == "" {
		name = "index.html"
	}
	d, err := fs.ReadFile(h.fsys, name)
	if err != nil {
		return false
	}
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if canServeCompressed(name) {
		// prevent caching of one encoding for another
		w.Header().Add("Vary", "Accept-Encoding")
		if strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
			if cd := h.compressed(name, d); cd != nil {
				w.Header().Set("Content-Encoding", "br")
				d = cd
			}
		}
	}
	http.ServeContent(w, r, name, h.modTime, bytes.NewReader(d))
	return true
}

func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.TryServe(w, r) {
		http.NotFound(w, r)
	}
}
