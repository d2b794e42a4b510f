// Package server is the tooling/observability boundary: an HTTP/JSON
// surface over the substrate that live editors use to show and edit what
// an object actually defines versus what it inherits, call methods, manage
// aliases, watch cache health, and move snapshots in and out.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/tliron/commonlog"

	"github.com/TSavo/Malice-sub002/world"
)

var log = commonlog.GetLogger("server")

// Server wraps a registry with the tooling HTTP surface.
type Server struct {
	reg         *world.Registry
	mux         *http.ServeMux
	callTimeout time.Duration
	httpServer  *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithCallTimeout bounds each method call made through the server,
// nested calls included.
func WithCallTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.callTimeout = d }
}

// New creates a Server over the given registry.
func New(reg *world.Registry, opts ...ServerOption) *Server {
	s := &Server{
		reg:         reg,
		mux:         http.NewServeMux(),
		callTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /objects/{id}", s.handleInspect)
	s.mux.HandleFunc("GET /objects/{id}/resolved/{name}", s.handleResolve)
	s.mux.HandleFunc("POST /objects", s.handleCreate)
	s.mux.HandleFunc("PUT /objects/{id}/properties/{name}", s.handleSetProperty)
	s.mux.HandleFunc("DELETE /objects/{id}/properties/{name}", s.handleRemoveProperty)
	s.mux.HandleFunc("PUT /objects/{id}/methods/{name}", s.handleSetMethod)
	s.mux.HandleFunc("DELETE /objects/{id}/methods/{name}", s.handleRemoveMethod)
	s.mux.HandleFunc("POST /objects/{id}/call/{name}", s.handleCall)
	s.mux.HandleFunc("POST /objects/{id}/recycle", s.handleRecycle)
	s.mux.HandleFunc("GET /objects/{id}/children", s.handleChildren)

	s.mux.HandleFunc("GET /cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("GET /aliases", s.handleAliases)
	s.mux.HandleFunc("PUT /aliases/{name}", s.handleSetAlias)
	s.mux.HandleFunc("DELETE /aliases/{name}", s.handleRemoveAlias)

	s.mux.HandleFunc("POST /snapshot", s.handleSnapshot)
	s.mux.HandleFunc("POST /snapshot/restore", s.handleRestore)

	return s
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts the HTTP server on the given address and blocks.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}
	log.Infof("tooling server listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
