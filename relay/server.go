// Package relay carries the signaling channel over a websocket.
//
// The server keeps call documents, mailboxes and presence in a
// signaling.MemoryRelay and exposes them to clients as JSON frames on
// /ws. Client implements signaling.Channel on top of that protocol, so a
// call.Controller can use a remote relay the same way it uses an
// in-process one.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/signaling"
)

// Server is the websocket relay.
type Server struct {
	opts     *Options
	store    *signaling.MemoryRelay
	router   chi.Router
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*serverConn
	online map[string]int
	closed bool
}

// NewServer creates a relay server backed by store.
func NewServer(store *signaling.MemoryRelay, opts *Options) (*Server, error) {
	if store == nil {
		store = signaling.NewMemoryRelay()
	}
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	s := &Server{
		opts:   opts,
		store:  store,
		conns:  make(map[string]*serverConn),
		online: make(map[string]int),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler)
	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWS)
	r.Get("/presence/{userID}", s.handlePresence)
	r.Get("/sessions/{callID}", s.handleSession)
	s.router = r

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Store returns the backing relay.
func (s *Server) Store() *signaling.MemoryRelay {
	return s.store
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every connection. The backing store is left open.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Server.Close",
		"connections": len(conns),
	}).Info("Relay server closed")
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, r.Header.Get("Origin"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.Connections(),
	})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.ReadPresence(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if p == nil {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.ReadSessionOnce(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if doc == nil {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleWS",
			"remote":   r.RemoteAddr,
			"error":    err.Error(),
		}).Warn("Websocket upgrade failed")
		return
	}

	c := newServerConn(uuid.NewString(), s, ws)
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Server.handleWS",
		"conn_id":  c.id,
		"remote":   r.RemoteAddr,
	}).Info("Relay client connected")

	go c.writePump()
	c.readPump()
}

// register records userID as the owner of c and marks the user online.
func (s *Server) register(c *serverConn, userID string) {
	s.mu.Lock()
	s.online[userID]++
	s.mu.Unlock()
	s.store.SetPresence(userID, true)
}

// unregister forgets c and marks its user offline once no other
// connection of the same user remains.
func (s *Server) unregister(c *serverConn) {
	userID := c.user()

	s.mu.Lock()
	delete(s.conns, c.id)
	offline := false
	if userID != "" {
		s.online[userID]--
		if s.online[userID] <= 0 {
			delete(s.online, userID)
			offline = true
		}
	}
	s.mu.Unlock()

	if offline {
		s.store.SetPresence(userID, false)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Server.unregister",
		"conn_id":  c.id,
		"user_id":  userID,
	}).Info("Relay client disconnected")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err.Error(),
		}).Warn("Failed to write response")
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		logrus.WithFields(logrus.Fields{
			"function":   "requestLogger",
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

// ListenAndServe serves the relay on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	logrus.WithFields(logrus.Fields{
		"function": "Server.ListenAndServe",
		"addr":     addr,
	}).Info("Relay listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
