// Package api exposes the loopback admin surface: health, metrics, status,
// and manual poll triggers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"boxpilot/internal/analytics"
	"boxpilot/internal/registry"
	"boxpilot/internal/scheduler"
	"boxpilot/internal/security"
)

// ControlServer serves the admin API on loopback only. It carries no auth of
// its own; anything that can reach loopback already owns the host. Mutating
// requests go to the audit trail.
type ControlServer struct {
	sched   *scheduler.Scheduler
	reg     *registry.Registry
	audit   *security.AuditLogger
	logger  *slog.Logger
	dataDir string
	router  *chi.Mux
	httpSrv *http.Server
}

func NewControlServer(sched *scheduler.Scheduler, reg *registry.Registry, audit *security.AuditLogger, logger *slog.Logger, dataDir string) *ControlServer {
	s := &ControlServer{
		sched:   sched,
		reg:     reg,
		audit:   audit,
		logger:  logger,
		dataDir: dataDir,
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *ControlServer) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/v1/status", s.handleStatus)
	s.router.Post("/v1/users/{authID}/poll", s.handleKick)
}

// Start binds the listener on 127.0.0.1 and serves in the background.
func (s *ControlServer) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("admin server listening", "addr", addr)

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *ControlServer) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *ControlServer) Handler() http.Handler {
	return s.router
}

func (s *ControlServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type statusResponse struct {
	Scheduler   map[string]interface{} `json:"scheduler"`
	ActiveUsers int                    `json:"active_users"`
	Host        analytics.HostStats    `json:"host"`
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.reg.ActiveUsers()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := statusResponse{
		Scheduler:   s.sched.Snapshot(),
		ActiveUsers: len(active),
		Host:        analytics.Collect(s.dataDir),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *ControlServer) handleKick(w http.ResponseWriter, r *http.Request) {
	authID := chi.URLParam(r, "authID")
	action := r.Method + " " + r.URL.Path

	err := s.sched.Kick(r.Context(), authID)
	switch {
	case err == nil:
		s.audit.Log(r.RemoteAddr, r.UserAgent(), action, http.StatusAccepted, "manual poll scheduled")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"scheduled"}`))
	case errors.Is(err, scheduler.ErrBusy):
		s.audit.Log(r.RemoteAddr, r.UserAgent(), action, http.StatusConflict, "poll in flight")
		http.Error(w, "poll already in flight or capacity reached", http.StatusConflict)
	case errors.Is(err, gorm.ErrRecordNotFound):
		s.audit.Log(r.RemoteAddr, r.UserAgent(), action, http.StatusNotFound, "unknown user")
		http.Error(w, "unknown user", http.StatusNotFound)
	default:
		s.audit.Log(r.RemoteAddr, r.UserAgent(), action, http.StatusInternalServerError, err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
