// Package api exposes a tiny JSON‑over‑HTTP API for the Scry daemon.
// It listens on a Unix domain socket (path comes from config) and delegates
// all business logic to internal/engine.Engine.  No third‑party HTTP
// framework is used—just net/http + encoding/json—keeping the binary small
// and dependency‑free.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lc/scry/internal/buildinfo"
	"github.com/lc/scry/internal/engine"
	"github.com/lc/scry/internal/resolver"
	"github.com/lc/scry/internal/socket"
	"github.com/lc/scry/internal/transport"
	"github.com/lc/scry/internal/watch"
)

// How long a single API-triggered resolution may take. Bounds the wait for
// service lookups, which stay silent when they come up empty.
const _resolveTimeout = 30 * time.Second

// ResolveRequest asks for a one-shot host resolution.
type ResolveRequest struct {
	Name   string `json:"name"`
	Family string `json:"family,omitempty"` // v4 | v6 | auto (default)
}

// RecordDTO is one resolved address.
type RecordDTO struct {
	Address string        `json:"address"`
	TTL     time.Duration `json:"ttl"`
}

// ResolveResponse carries the records of a one-shot host resolution.
type ResolveResponse struct {
	Records []RecordDTO `json:"records"`
}

// ResolveSrvRequest asks for a one-shot service (SRV) resolution.
type ResolveSrvRequest struct {
	Name   string `json:"name"`
	Family string `json:"family,omitempty"`
}

// SrvInstanceDTO is one resolved service endpoint.
type SrvInstanceDTO struct {
	Address string `json:"address"` // host:port
	Weight  uint32 `json:"weight"`
}

// ResolveSrvResponse carries the endpoints of a one-shot SRV resolution.
type ResolveSrvResponse struct {
	Instances []SrvInstanceDTO `json:"instances"`
}

// WatchRequest registers a name for periodic re-resolution.
type WatchRequest struct {
	Name   string `json:"name"`
	Kind   string `json:"kind,omitempty"` // host (default) | srv
	Family string `json:"family,omitempty"`
}

// WatchResponse returns the id under which the watch is tracked.
type WatchResponse struct {
	ID string `json:"id"`
}

// UnwatchRequest removes a watch by id or name.
type UnwatchRequest struct {
	Ref string `json:"ref"`
}

// WatchDTO is one tracked watch as reported by /v1/watches.
type WatchDTO struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	Family     string    `json:"family"`
	Endpoints  []string  `json:"endpoints"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// StatusResponse represents the server status response.
type StatusResponse struct {
	Watches int64         `json:"watches"`
	Uptime  time.Duration `json:"uptime"`
	Version string        `json:"version"`
	Commit  string        `json:"commit"`
}

// -------- server -----------------------------------------------------

// Server handles HTTP API requests over a Unix domain socket.
type Server struct {
	eng   *engine.Engine
	start time.Time
	mux   *http.ServeMux
	srv   *http.Server
}

// New creates a new API server with the given engine.
// It sets up the HTTP routes and returns a server ready to listen.
func New(eng *engine.Engine) *Server {
	s := &Server{
		eng:   eng,
		start: time.Now(),
		mux:   http.NewServeMux(),
	}

	s.mux.HandleFunc("/v1/resolve", s.handleResolve)
	s.mux.HandleFunc("/v1/resolvesrv", s.handleResolveSrv)
	s.mux.HandleFunc("/v1/watch", s.handleWatch)
	s.mux.HandleFunc("/v1/unwatch", s.handleUnwatch)
	s.mux.HandleFunc("/v1/watches", s.handleWatches)
	s.mux.HandleFunc("/v1/status", s.handleStatus)

	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts the Unix‑socket HTTP server.
func (s *Server) ListenAndServe(path string) error {
	ln, err := socket.Listen(path)
	if err != nil {
		return err
	}
	return s.srv.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

// handleResolve performs a one-shot host resolution.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	family, err := resolver.ParseLookupFamily(req.Family)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), _resolveTimeout)
	defer cancel()

	records, err := s.eng.ResolveHost(ctx, req.Name, family)
	if err != nil {
		writeResolveError(w, err)
		return
	}

	resp := ResolveResponse{Records: make([]RecordDTO, 0, len(records))}
	for _, rec := range records {
		resp.Records = append(resp.Records, RecordDTO{Address: rec.Addr.String(), TTL: rec.TTL})
	}
	writeJSON(w, resp)
}

// handleResolveSrv performs a one-shot service resolution.
func (s *Server) handleResolveSrv(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ResolveSrvRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	family, err := resolver.ParseLookupFamily(req.Family)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), _resolveTimeout)
	defer cancel()

	instances, err := s.eng.ResolveService(ctx, req.Name, family)
	if err != nil {
		writeResolveError(w, err)
		return
	}

	resp := ResolveSrvResponse{Instances: make([]SrvInstanceDTO, 0, len(instances))}
	for _, inst := range instances {
		resp.Instances = append(resp.Instances, SrvInstanceDTO{
			Address: transport.FormatServer(inst.Addr),
			Weight:  inst.Weight,
		})
	}
	writeJSON(w, resp)
}

// handleWatch registers a watch.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req WatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	family, err := resolver.ParseLookupFamily(req.Family)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var id string
	switch req.Kind {
	case "", string(watch.KindHost):
		id = s.eng.WatchHost(req.Name, family)
	case string(watch.KindSrv):
		id = s.eng.WatchService(req.Name, family)
	default:
		http.Error(w, fmt.Sprintf("unknown watch kind %q", req.Kind), http.StatusBadRequest)
		return
	}
	writeJSON(w, WatchResponse{ID: id})
}

// handleUnwatch removes a watch by id or name.
func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req UnwatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Ref == "" {
		http.Error(w, "ref required", http.StatusBadRequest)
		return
	}
	if !s.eng.Unwatch(req.Ref) {
		http.Error(w, "watch not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWatches returns the current watch set.
func (s *Server) handleWatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.eng.Snapshot()
	out := make([]WatchDTO, 0, len(snap))
	for _, wa := range snap {
		dto := WatchDTO{
			ID:         wa.ID,
			Name:       wa.Name,
			Kind:       string(wa.Kind),
			Family:     wa.Family.String(),
			Endpoints:  make([]string, 0, len(wa.Endpoints)),
			ResolvedAt: wa.ResolvedAt,
		}
		for _, ep := range wa.Endpoints {
			dto.Endpoints = append(dto.Endpoints, transport.FormatServer(ep))
		}
		out = append(out, dto)
	}
	writeJSON(w, out)
}

// handleStatus returns the server status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, StatusResponse{
		Watches: s.eng.WatchCount(),
		Uptime:  time.Since(s.start),
		Version: buildinfo.Version,
		Commit:  buildinfo.Commit,
	})
}

func writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrResolveFailed):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "resolution timed out", http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("Error encoding response: %v", err), http.StatusInternalServerError)
	}
}
