// Package server implements the filetracker HTTP protocol:
// PUT/GET/HEAD/DELETE on /files/<name>, GET /list/<prefix> and
// GET /version.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/sio2project/filetracker/internal/fterrors"
	"github.com/sio2project/filetracker/storage"
)

// ProtocolVersions is the set of protocol versions this server speaks,
// reported by GET /version.
var ProtocolVersions = []int{2}

// Server is a plain request dispatcher holding no mutable state beyond
// the storage engine.
type Server struct {
	Engine *storage.Engine
}

// New wraps engine in an HTTP handler.
func New(engine *storage.Engine) *Server {
	return &Server{Engine: engine}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint, rest := splitEndpoint(r.URL.Path)
	switch {
	case endpoint == "version" && r.Method == http.MethodGet:
		s.handleVersion(w, r)
	case endpoint == "list" && r.Method == http.MethodGet:
		s.handleList(w, r, rest)
	case endpoint == "files" && r.Method == http.MethodPut:
		s.handlePut(w, r, rest)
	case endpoint == "files" && r.Method == http.MethodGet:
		s.handleGet(w, r, rest, true)
	case endpoint == "files" && r.Method == http.MethodHead:
		s.handleGet(w, r, rest, false)
	case endpoint == "files" && r.Method == http.MethodDelete:
		s.handleDelete(w, r, rest)
	default:
		httpError(w, http.StatusBadRequest, fmt.Sprintf("unknown endpoint %q for method %s", endpoint, r.Method))
	}
}

func splitEndpoint(path string) (endpoint, rest string) {
	path = strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return path, ""
	}
	return path[:idx], "/" + path[idx+1:]
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		ProtocolVersions []int `json:"protocol_versions"`
	}{ProtocolVersions})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, name string) {
	version, ok := parseLastModified(r)
	if !ok {
		httpError(w, http.StatusBadRequest, `"last_modified" query parameter (or Last-Modified header) is required`)
		return
	}

	compressed := r.Header.Get("Content-Encoding") == "gzip"
	digest := r.Header.Get("SHA256-Checksum")
	logicalSizeHeader := r.Header.Get("Logical-Size")

	if compressed && r.ContentLength < 0 {
		httpError(w, http.StatusBadRequest, "Content-Length is required for gzip-encoded uploads")
		return
	}
	if compressed && (digest == "" || logicalSizeHeader == "") {
		httpError(w, http.StatusBadRequest, "gzip-encoded uploads require SHA256-Checksum and Logical-Size headers")
		return
	}

	req := storage.PutRequest{
		Name:       name,
		Data:       r.Body,
		Version:    version,
		Size:       r.ContentLength,
		Compressed: compressed,
	}
	if digest != "" && logicalSizeHeader != "" {
		logicalSize, err := strconv.ParseInt(logicalSizeHeader, 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "malformed Logical-Size header")
			return
		}
		req.Hinted = true
		req.Digest = digest
		req.LogicalSize = logicalSize
	}

	stored, err := s.Engine.Store(req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	w.Header().Set("Last-Modified", formatHTTPDate(stored))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, name string, withBody bool) {
	rc, compressedSize, version, logicalSize, err := s.Engine.OpenBlob(name)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Length", strconv.FormatInt(compressedSize, 10))
	w.Header().Set("Logical-Size", strconv.FormatInt(logicalSize, 10))
	w.Header().Set("Last-Modified", formatHTTPDate(version))
	w.WriteHeader(http.StatusOK)

	if !withBody {
		// HEAD: the body iterator is closed (via the deferred rc.Close)
		// before anything is read, so the producer releases its
		// resources regardless.
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("server: error streaming %s: %v", name, err)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, name string) {
	version, ok := parseLastModified(r)
	if !ok {
		httpError(w, http.StatusBadRequest, `"last_modified" query parameter (or Last-Modified header) is required`)
		return
	}
	_, err := s.Engine.Delete(name, version)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, prefix string) {
	cutoff := time.Now().Unix()
	if lm := r.URL.Query().Get("last_modified"); lm != "" {
		if parsed, err := parseHTTPDate(lm); err == nil {
			cutoff = parsed
		}
	}
	w.WriteHeader(http.StatusOK)
	err := s.Engine.List(prefix, cutoff, func(relPath string, version, size int64) error {
		_, err := io.WriteString(w, relPath+"\n")
		return err
	})
	if err != nil {
		log.Printf("server: error listing %s: %v", prefix, err)
	}
}

// parseLastModified extracts the version from the "last_modified" query
// parameter (protocol 2) or, failing that, the "Last-Modified" header
// (the older clients' fallback).
func parseLastModified(r *http.Request) (int64, bool) {
	if raw := r.URL.Query().Get("last_modified"); raw != "" {
		if v, err := parseHTTPDate(raw); err == nil {
			return v, true
		}
	}
	if raw := r.Header.Get("Last-Modified"); raw != "" {
		if v, err := parseHTTPDate(raw); err == nil {
			return v, true
		}
	}
	return 0, false
}

func parseHTTPDate(s string) (int64, error) {
	t, err := mail.ParseDate(s)
	if err != nil {
		// mail.ParseDate is strict about RFC 2822; fall back to the
		// common HTTP-date layouts used by net/http and email.utils.
		for _, layout := range []string{http.TimeFormat, time.RFC1123, time.RFC1123Z} {
			if parsed, perr := time.Parse(layout, s); perr == nil {
				return parsed.Unix(), nil
			}
		}
		return 0, err
	}
	return t.Unix(), nil
}

func formatHTTPDate(unixSeconds int64) string {
	return time.Unix(unixSeconds, 0).UTC().Format(http.TimeFormat)
}

func httpError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("X-Exception", message)
	w.Header().Set("Content-Type", mime.TypeByExtension(".txt"))
	w.WriteHeader(code)
	fmt.Fprintln(w, message)
}

// writeEngineError maps a storage-engine error to an HTTP status:
// invalid input -> 400, not found -> 404, concurrent modification ->
// 503, everything else -> 500 with X-Exception carrying a short
// message.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, fterrors.ErrInvalidName):
		httpError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fterrors.ErrNotFound):
		httpError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fterrors.ErrConcurrentModification):
		httpError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Printf("server: internal error handling %s %s: %v", r.Method, r.URL.Path, err)
		httpError(w, http.StatusInternalServerError, err.Error())
	}
}
