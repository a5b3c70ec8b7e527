// Package migration implements the migration/fallback server: same HTTP
// contract as server.Server, but GET misses on /files/<name> are
// redirected with 307 to a fallback server instead of returning 404, so
// reads of not-yet-migrated legacy data fall through while writes
// always land on the primary.
package migration

import (
	"net/http"
	"strings"

	"github.com/sio2project/filetracker/server"
	"github.com/sio2project/filetracker/storage"
)

// Server wraps a primary storage engine, forwarding GET misses on
// /files/<name> to FallbackURL via HTTP 307.
type Server struct {
	Primary     *server.Server
	Engine      *storage.Engine
	FallbackURL string
}

// New returns a migration shim in front of engine, falling back to
// fallbackURL for GET misses.
func New(engine *storage.Engine, fallbackURL string) *Server {
	return &Server{
		Primary:     server.New(engine),
		Engine:      engine,
		FallbackURL: strings.TrimRight(fallbackURL, "/"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		// PUT/DELETE are never redirected: writes always go to the
		// primary.
		s.Primary.ServeHTTP(w, r)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	if !strings.HasPrefix(path, "files/") {
		s.Primary.ServeHTTP(w, r)
		return
	}
	name := "/" + strings.TrimPrefix(path, "files/")

	if _, err := s.Engine.StoredVersion(name); err == nil {
		s.Primary.ServeHTTP(w, r)
		return
	}

	location := s.FallbackURL + "/files" + name
	if r.URL.RawQuery != "" {
		location += "?" + r.URL.RawQuery
	}
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusTemporaryRedirect)
}
