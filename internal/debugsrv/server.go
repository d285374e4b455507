// Package debugsrv exposes an optional HTTP introspection endpoint
// alongside the reactor: connection/fd counts and net/http/pprof
// profiles, for operators debugging a running process. It has no
// effect on reactor semantics and runs on its own goroutine and its
// own net/http listener, entirely outside the single-threaded loop.
package debugsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi"
	"github.com/sirupsen/logrus"
)

// Stats is the snapshot a caller supplies on each request; the server
// has no direct access to reactor internals, so callers provide a
// callback rather than a shared reference.
type Stats struct {
	Connections int    `json:"connections"`
	Backend     string `json:"backend"`
	Quitting    bool   `json:"quitting"`
}

// Server is a small go-chi router serving /debug/stats and the
// standard net/http/pprof tree under /debug/pprof.
type Server struct {
	http *http.Server
	log  *logrus.Entry
}

// New builds a debug server bound to addr. statsFn is called fresh on
// every request to /debug/stats so the snapshot is never stale.
func New(addr string, log *logrus.Entry, statsFn func() Stats) *Server {
	r := chi.NewRouter()

	r.Get("/debug/stats", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statsFn())
	})

	r.Get("/debug/pprof/", pprof.Index)
	r.Get("/debug/pprof/cmdline", pprof.Cmdline)
	r.Get("/debug/pprof/profile", pprof.Profile)
	r.Get("/debug/pprof/symbol", pprof.Symbol)
	r.Get("/debug/pprof/trace", pprof.Trace)
	r.Get("/debug/pprof/{profile}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "profile")
		pprof.Handler(name).ServeHTTP(w, req)
	})

	return &Server{
		http: &http.Server{Addr: addr, Handler: r},
		log:  log,
	}
}

// Start runs the HTTP server in the background. Errors other than a
// clean Shutdown are logged, not returned, since this endpoint is
// diagnostic and must never affect reactor operation.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Warn("debug server exited")
		}
	}()
}

// Stop shuts the debug server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
