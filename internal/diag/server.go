// Package diag serves kernel diagnostics over HTTP: actor health, task
// manager counters, relay roles and optionally pprof.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/schnellkernel/internal/actor"
	"github.com/codefionn/schnellkernel/internal/logger"
	"github.com/codefionn/schnellkernel/internal/relay"
	"github.com/codefionn/schnellkernel/internal/taskmgr"
)

// HealthSource reports the health of a set of actors. *actor.System satisfies it.
type HealthSource interface {
	HealthCheck() map[string]actor.HealthReport
}

// TaskSource reports task manager counters. *taskmgr.Manager satisfies it.
type TaskSource interface {
	Stats() taskmgr.Stats
}

// RoleSource lists registered relay roles. *relay.Relay satisfies it.
type RoleSource interface {
	Roles() []relay.Role
}

// Options select what the server exposes. Nil sources are omitted.
type Options struct {
	Addr    string
	Session string
	Actors  HealthSource
	// Components are health trackers outside the actor system, such as the
	// transport receive loops.
	Components map[string]*actor.HealthCheckable
	Tasks      TaskSource
	Relay      RoleSource
	Profiling  bool
	Log        *logger.Logger
}

// Server is the diagnostics HTTP server.
type Server struct {
	opts    Options
	log     *logger.Logger
	router  *httprouter.Router
	started time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer builds the router; nothing listens until Start.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:    opts,
		log:     logger.OrGlobal(opts.Log).WithPrefix("diag"),
		router:  httprouter.New(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/actors", s.handleActors)
	s.router.GET("/actors/:id", s.handleActor)
	s.router.GET("/tasks", s.handleTasks)
	s.router.GET("/relay", s.handleRelay)
	if s.opts.Profiling {
		mountProfiling(s.router)
	}
}

// Start listens on opts.Addr and serves in the background. It returns the
// bound address, which differs from Addr when the port is 0.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          s.log.StdLogger(logger.LevelWarn),
	}
	s.mu.Lock()
	s.server, s.listener = srv, ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Diagnostics server failed: %v", err)
		}
	}()
	s.log.Info("Diagnostics on http://%s", ln.Addr())
	return ln.Addr().String(), nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type healthResponse struct {
	Status   actor.HealthStatus `json:"status"`
	Session  string             `json:"session,omitempty"`
	Uptime   string             `json:"uptime"`
	Degraded []string           `json:"degraded,omitempty"`
	Time     string             `json:"time"`
}

func (s *Server) reports() map[string]actor.HealthReport {
	reports := map[string]actor.HealthReport{}
	if s.opts.Actors != nil {
		for id, r := range s.opts.Actors.HealthCheck() {
			reports[id] = r
		}
	}
	for id, h := range s.opts.Components {
		reports[id] = h.GenerateHealthReport()
	}
	return reports
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := healthResponse{
		Status:  actor.HealthStatusHealthy,
		Session: s.opts.Session,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Time:    time.Now().Format(time.RFC3339),
	}
	for id, report := range s.reports() {
		switch report.Status {
		case actor.HealthStatusUnhealthy:
			resp.Status = actor.HealthStatusUnhealthy
			resp.Degraded = append(resp.Degraded, id)
		case actor.HealthStatusDegraded:
			if resp.Status == actor.HealthStatusHealthy {
				resp.Status = actor.HealthStatusDegraded
			}
			resp.Degraded = append(resp.Degraded, id)
		}
	}
	sort.Strings(resp.Degraded)

	code := http.StatusOK
	if resp.Status == actor.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleActors(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.reports())
}

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	report, ok := s.reports()[ps.ByName("id")]
	if !ok {
		http.Error(w, "unknown actor", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.opts.Tasks == nil {
		http.Error(w, "task manager not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Tasks.Stats())
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	roles := []relay.Role{}
	if s.opts.Relay != nil {
		roles = s.opts.Relay.Roles()
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
