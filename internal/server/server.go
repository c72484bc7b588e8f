// Package server exposes the HTTP surface: websocket sessions,
// presence, per-user queue views, and the admin API. Feature packages
// register their own routes on the server's router.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corvidlabs/beacon/internal/audit"
	"github.com/corvidlabs/beacon/internal/config"
	"github.com/corvidlabs/beacon/internal/connectivity"
	"github.com/corvidlabs/beacon/internal/db"
	"github.com/corvidlabs/beacon/internal/notify"
	"github.com/corvidlabs/beacon/internal/provider"
	"github.com/corvidlabs/beacon/internal/queue"
	"github.com/corvidlabs/beacon/internal/ratelimit"
)

// Deps collects the server's collaborators.
type Deps struct {
	DB       *db.DB
	Tracker  *connectivity.Tracker
	Realtime *provider.RealtimeProvider
	Selector *provider.Selector
	Limiter  *ratelimit.Limiter
	Queue    *queue.Store
	Sweeper  *queue.Sweeper
	Audit    *audit.Store
	Recorder *audit.Recorder
	Logger   *slog.Logger
}

// Server is the beacon HTTP server.
type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New creates a Server with all dependencies wired.
func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return cfg.AllowAll },
		},
	}
	s.router = s.buildRouter()
	return s
}

// buildRouter creates and configures the chi router with all routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	corsOpts := cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if s.cfg.AllowAll {
		corsOpts.AllowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(corsOpts))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Get("/ws", s.handleWebsocket)

	r.Route("/api/presence", func(r chi.Router) {
		r.Get("/", s.handlePresenceList)
		r.Get("/{userID}", s.handlePresenceStatus)
		r.Post("/{userID}/online", s.handlePresenceOnline)
		r.Post("/{userID}/offline", s.handlePresenceOffline)
	})

	r.Route("/api/users/{userID}", func(r chi.Router) {
		r.Get("/pending", s.handlePending)
		r.Get("/digest", s.handleDigest)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/health", s.handleHealthReport)
		r.Get("/providers", s.handleProviders)
		r.Get("/queue", s.handleQueueDepth)
		r.Post("/sweep", s.handleSweep)
		r.Post("/users/{userID}/block", s.handleBlock)
		r.Post("/users/{userID}/unblock", s.handleUnblock)
		r.Post("/users/{userID}/reset-limits", s.handleResetLimits)
		r.Post("/audit/cleanup", s.handleAuditCleanup)
	})

	return r
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() chi.Router { return s.router }

// Start begins listening on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.deps.Logger.Info("beacon server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleWebsocket upgrades the connection and attaches it to the
// realtime hub. Connecting triggers an immediate replay of the user's
// queued notifications.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	s.deps.Realtime.Register(userID, conn)
	if s.deps.Sweeper != nil {
		go s.deps.Sweeper.ReplayUser(context.Background(), userID)
	}
	go s.readLoop(userID, conn)
}

// readLoop drains client frames until the socket closes. Clients only
// send pings; payloads are ignored.
func (s *Server) readLoop(userID string, conn *websocket.Conn) {
	defer s.deps.Realtime.Unregister(userID, conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handlePresenceList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Tracker.AllStatuses())
}

func (s *Server) handlePresenceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Tracker.Status(chi.URLParam(r, "userID")))
}

// handlePresenceOnline marks a user online out of band, as the mobile
// gateway does when a device checks in without a websocket.
func (s *Server) handlePresenceOnline(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	connType := notify.ConnectionUnknown
	var req struct {
		ConnectionType string `json:"connection_type"`
	}
	if err := decodeJSON(r, &req); err == nil && req.ConnectionType != "" {
		connType = notify.ConnectionType(req.ConnectionType)
	}

	s.deps.Tracker.MarkOnline(userID, connType)
	if s.deps.Sweeper != nil {
		go s.deps.Sweeper.ReplayUser(context.Background(), userID)
	}
	writeJSON(w, http.StatusOK, s.deps.Tracker.Status(userID))
}

func (s *Server) handlePresenceOffline(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	s.deps.Tracker.MarkOffline(userID)
	writeJSON(w, http.StatusOK, s.deps.Tracker.Status(userID))
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Queue.PendingForUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// handleDigest summarizes a user's pending notifications by category
// plus their recent delivery history from the audit log.
func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	pending, err := s.deps.Queue.PendingForUser(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	byCategory := make(map[notify.Category]int)
	var oldest *time.Time
	for i := range pending {
		byCategory[pending[i].Request.Category]++
		if oldest == nil || pending[i].FirstQueuedAt.Before(*oldest) {
			t := pending[i].FirstQueuedAt
			oldest = &t
		}
	}

	since := time.Now().Add(-24 * time.Hour)
	recent, err := s.deps.Audit.Query(r.Context(), audit.QueryFilter{
		UserID:   userID,
		Since:    &since,
		PageSize: 200,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	byEvent := make(map[audit.EventType]int)
	for i := range recent {
		byEvent[recent[i].EventType]++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"total":       len(pending),
		"by_category": byCategory,
		"oldest":      oldest,
		"recent":      byEvent,
	})
}

// handleHealthReport checks each component and reports issues.
func (s *Server) handleHealthReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var issues []string

	if err := s.deps.DB.PingContext(ctx); err != nil {
		issues = append(issues, "database: "+err.Error())
	}

	report := s.deps.Selector.Report(ctx)
	anyUp := false
	for _, a := range report {
		if a.Available {
			anyUp = true
			break
		}
	}
	if !anyUp {
		issues = append(issues, "providers: none available")
	}

	depth, err := s.deps.Queue.Depth(ctx)
	if err != nil {
		issues = append(issues, "queue: "+err.Error())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":     len(issues) == 0,
		"providers":   report,
		"queue_depth": depth,
		"issues":      issues,
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Selector.Report(r.Context()))
}

func (s *Server) handleQueueDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.deps.Queue.Depth(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"depth": depth})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sweeper.Sweep(r.Context()); err != nil {
		if errors.Is(err, queue.ErrSweepInProgress) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req struct {
		Minutes int    `json:"minutes"`
		Reason  string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Minutes <= 0 {
		http.Error(w, "minutes must be positive", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "blocked by administrator"
	}

	s.deps.Limiter.Block(userID, time.Duration(req.Minutes)*time.Minute, req.Reason)
	s.deps.Recorder.RecordAsync(audit.Entry{
		EventType: audit.EventUserBlocked,
		UserID:    userID,
		Details:   req.Reason,
	})
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "blocked": true})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	s.deps.Limiter.Unblock(userID)
	s.deps.Recorder.RecordAsync(audit.Entry{
		EventType: audit.EventUserUnblocked,
		UserID:    userID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "blocked": false})
}

func (s *Server) handleResetLimits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	s.deps.Limiter.ResetLimits(userID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuditCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Days int `json:"days"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Days <= 0 {
		http.Error(w, "days must be positive", http.StatusBadRequest)
		return
	}

	n, err := s.deps.Audit.DeleteBefore(r.Context(), time.Now().AddDate(0, 0, -req.Days))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
