package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corvidlabs/beacon/internal/connectivity"
	"github.com/corvidlabs/beacon/internal/notify"
)

// wsConn is the subset of *websocket.Conn the hub needs. Kept as an
// interface so tests can inject fakes without opening sockets.
type wsConn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// session is one user's active websocket connection. Writes are
// serialized per session; gorilla connections allow one writer at a time.
type session struct {
	mu   sync.Mutex
	conn wsConn
}

// RealtimeProvider delivers notifications over active websocket
// sessions. It doubles as the session registry the HTTP layer attaches
// upgraded connections to. Delivery requires an open session: offline
// users fail fast and fall through to the next provider.
type RealtimeProvider struct {
	mu       sync.RWMutex
	sessions map[string]*session

	tracker      *connectivity.Tracker
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewRealtimeProvider creates the realtime provider. Successful writes
// and disconnects are reflected into the connectivity tracker.
func NewRealtimeProvider(tracker *connectivity.Tracker, writeTimeout time.Duration, logger *slog.Logger) *RealtimeProvider {
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	return &RealtimeProvider{
		sessions:     make(map[string]*session),
		tracker:      tracker,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Name implements Provider.
func (p *RealtimeProvider) Name() string { return "realtime" }

// Available implements Provider. The hub itself is process-local and
// always reachable; per-user reachability is decided in Deliver.
func (p *RealtimeProvider) Available(_ context.Context) bool { return true }

// Register attaches a user's upgraded websocket connection and marks
// the user online. Any previous session for the user is closed.
func (p *RealtimeProvider) Register(userID string, conn *websocket.Conn) {
	p.register(userID, conn)
}

func (p *RealtimeProvider) register(userID string, conn wsConn) {
	p.mu.Lock()
	prev := p.sessions[userID]
	p.sessions[userID] = &session{conn: conn}
	p.mu.Unlock()

	if prev != nil {
		prev.conn.Close()
	}
	p.tracker.MarkOnline(userID, notify.ConnectionWebsocket)
	p.logger.Info("realtime session registered", "user_id", userID)
}

// Unregister detaches the user's session and marks the user offline.
// A session replaced by a newer Register call is left alone.
func (p *RealtimeProvider) Unregister(userID string, conn *websocket.Conn) {
	p.unregister(userID, conn)
}

func (p *RealtimeProvider) unregister(userID string, conn wsConn) {
	p.mu.Lock()
	s, ok := p.sessions[userID]
	if ok && s.conn == conn {
		delete(p.sessions, userID)
	} else {
		ok = false
	}
	p.mu.Unlock()

	if ok {
		p.tracker.MarkOffline(userID)
		p.logger.Info("realtime session closed", "user_id", userID)
	}
}

// Connected reports whether the user has an active session.
func (p *RealtimeProvider) Connected(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.sessions[userID]
	return ok
}

// realtimePayload is the frame written to the client socket.
type realtimePayload struct {
	ID        string            `json:"id"`
	Category  notify.Category   `json:"category"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Deliver implements Provider. A successful write implicitly confirms
// the user is online; a failed write drops the session.
func (p *RealtimeProvider) Deliver(_ context.Context, req *notify.Request, target notify.Target) error {
	p.mu.RLock()
	s, ok := p.sessions[target.UserID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no active session for user %s", target.UserID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	err := s.conn.WriteJSON(realtimePayload{
		ID:        req.ID,
		Category:  req.Category,
		Title:     req.Title,
		Body:      req.Body,
		Data:      req.Data,
		CreatedAt: req.CreatedAt,
	})
	if err != nil {
		p.unregister(target.UserID, s.conn)
		return fmt.Errorf("write to session: %w", err)
	}

	p.tracker.MarkOnline(target.UserID, notify.ConnectionWebsocket)
	return nil
}
