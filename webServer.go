package main

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

//go:embed html/listing.page.tmpl
var embedFS embed.FS

var listingTmpl = template.Must(template.ParseFS(embedFS, "html/listing.page.tmpl"))

// Headers required by browsers to run WebAssembly with shared memory:
// they cross-origin isolate the page. The no-cache directive keeps a
// rebuilt .wasm from being served stale during development.
var isolationHeaders = map[string]string{
	"Cross-Origin-Opener-Policy":   "same-origin",
	"Cross-Origin-Embedder-Policy": "require-corp",
	"Cache-Control":                "no-cache",
}

// mimeOverrides takes precedence over the generic extension table.
var mimeOverrides = map[string]string{
	".wasm": "application/wasm",
	".js":   "application/javascript",
}

// webServer serves files under a single root directory. It wraps the
// stock file server rather than replacing it: path resolution,
// containment, index.html handling and redirects all stay stock.
type webServer struct {
	root   http.FileSystem
	files  http.Handler
	logger *slog.Logger
}

func newWebServer(rootDir string, logger *slog.Logger) *webServer {
	root := http.Dir(rootDir)
	return &webServer{
		root:   root,
		files:  http.FileServer(root),
		logger: logger,
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (s *webServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sw := &statusWriter{ResponseWriter: w}
	s.handle(sw, r)
	s.logger.Info("request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", sw.status,
		"size", sw.bytes)
}

func (s *webServer) handle(w http.ResponseWriter, r *http.Request) {
	for name, value := range isolationHeaders {
		w.Header().Set(name, value)
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not implemented", http.StatusNotImplemented)
		return
	}

	if ctype, ok := mimeOverrides[strings.ToLower(path.Ext(r.URL.Path))]; ok {
		w.Header().Set("Content-Type", ctype)
	}

	if s.serveListing(w, r) {
		return
	}
	s.files.ServeHTTP(w, r)
}

type listingEntry struct {
	Name  string
	URL   string
	IsDir bool
	Size  string
	When  string
}

type listingPageData struct {
	Path    string
	Parent  bool
	Entries []*listingEntry
}

func toPretty(b int64) string {
	return humanize.Bytes(uint64(b))
}

// serveListing renders a directory listing for index-less directories.
// It reports whether it handled the request; everything else, including
// index.html directories and the trailing-slash redirect, falls through
// to the stock file server.
func (s *webServer) serveListing(w http.ResponseWriter, r *http.Request) bool {
	upath := r.URL.Path
	if !strings.HasPrefix(upath, "/") {
		upath = "/" + upath
	}
	upath = path.Clean(upath)

	dir, err := s.root.Open(upath)
	if err != nil {
		return false
	}
	defer dir.Close()

	if fi, err := dir.Stat(); err != nil || !fi.IsDir() {
		return false
	}

	if idx, err := s.root.Open(path.Join(upath, "index.html")); err == nil {
		idx.Close()
		return false
	}

	if !strings.HasSuffix(r.URL.Path, "/") {
		return false
	}

	fis, err := dir.Readdir(-1)
	if err != nil {
		s.logger.Error("failed to read directory", "path", upath, "error", err)
		http.Error(w, "failed to read directory", http.StatusInternalServerError)
		return true
	}

	entries := make([]*listingEntry, 0, len(fis))
	for _, fi := range fis {
		entry := &listingEntry{
			Name:  fi.Name(),
			URL:   url.PathEscape(fi.Name()),
			IsDir: fi.IsDir(),
			When:  fi.ModTime().Format(time.DateOnly),
		}
		if entry.IsDir {
			entry.Name += "/"
			entry.URL += "/"
		} else {
			entry.Size = toPretty(fi.Size())
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := &listingPageData{
		Path:    upath,
		Parent:  upath != "/",
		Entries: entries,
	}
	if err := listingTmpl.Execute(w, data); err != nil {
		s.logger.Error("failed to render listing", "path", upath, "error", err)
	}
	return true
}
