package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ritzau/lineage-index/pkg/gateway"
	"github.com/ritzau/lineage-index/pkg/logging"
	"github.com/ritzau/lineage-index/pkg/model"
	"github.com/ritzau/lineage-index/pkg/protocol"
	"github.com/ritzau/lineage-index/pkg/pubsub"
	"github.com/ritzau/lineage-index/pkg/session"
)

// Upper bound for request bodies on the JSON endpoints
const maxBodyBytes = 1 << 20

// ContextRequest is the body of PUT /api/context
type ContextRequest struct {
	Path    string `json:"path"`
	Project string `json:"project,omitempty"` // Optional explicit project root
}

// Server serves the query gateway over HTTP, SSE and WebSocket
type Server struct {
	router    *mux.Router
	session   *session.Session
	gateway   *gateway.Gateway
	publisher *pubsub.SSEPublisher
	upgrader  websocket.Upgrader
}

// NewPublisher creates the publisher with the topic buffering the server expects
func NewPublisher() *pubsub.SSEPublisher {
	p := pubsub.NewSSEPublisher()

	// render: new subscribers only need the current node
	p.ConfigureTopic(pubsub.TopicRender, pubsub.TopicConfig{
		BufferSize: 1,
		ReplayAll:  false,
	})

	// projects: replay recent loads so a late client sees what is indexed
	p.ConfigureTopic(pubsub.TopicProjects, pubsub.TopicConfig{
		BufferSize: 20,
		ReplayAll:  true,
	})
	return p
}

// NewServer creates a new web server
func NewServer(sess *session.Session, gw *gateway.Gateway, publisher *pubsub.SSEPublisher) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		session:   sess,
		gateway:   gw,
		publisher: publisher,
		upgrader: websocket.Upgrader{
			CheckOrigin: allowedOrigin,
		},
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler with request logging
func (s *Server) Handler() http.Handler {
	return logging.RequestIDMiddleware(s.router)
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// SSE subscription endpoints
	api.HandleFunc("/subscribe/{topic}", s.handleSubscribe).Methods("GET")

	api.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	api.Handle("/request", requireJSON(s.handleRequest)).Methods("POST")
	api.Handle("/open", requireJSON(s.handleOpen)).Methods("POST")
	api.Handle("/context", requireJSON(s.handleFocus)).Methods("PUT")
	api.HandleFunc("/context", s.handleBlur).Methods("DELETE")
	api.HandleFunc("/current", s.handleCurrent).Methods("GET")
	api.HandleFunc("/projects", s.handleProjects).Methods("GET")
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	if topic != pubsub.TopicRender && topic != pubsub.TopicProjects {
		http.Error(w, fmt.Sprintf("unknown topic %q", topic), http.StatusNotFound)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if origin := r.Header.Get("Origin"); origin != "" && allowedOrigin(r) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	}

	// Send initial comment to establish connection (Safari compatibility)
	fmt.Fprintf(w, ": connected\n\n")
	flush(w)

	sub, err := s.publisher.Subscribe(r.Context(), topic)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	for event := range sub.Events() {
		if err := pubsub.WriteSSE(w, event); err != nil {
			logging.WarnContext(r.Context(), "error writing SSE event", "topic", topic, "error", err)
			return
		}
		flush(w)
	}
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := s.gateway.Dispatch(r.Context(), body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if msg == nil {
		// Only request envelopes produce a reply
		http.Error(w, "expected a request envelope", http.StatusBadRequest)
		return
	}
	writeJSON(r.Context(), w, msg)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Command != protocol.CommandOpenFile {
		http.Error(w, "expected an openFile envelope", http.StatusBadRequest)
		return
	}
	if _, err := s.gateway.Dispatch(r.Context(), body); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, gateway.ErrOutsideProject) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req ContextRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid context: %v", err), http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	var args protocol.RenderArgs
	if req.Project != "" {
		args = s.session.FocusInProject(model.ProjectID(req.Project), req.Path)
	} else {
		args = s.session.Focus(req.Path)
	}
	writeJSON(r.Context(), w, args)
}

func (s *Server) handleBlur(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, s.session.Blur())
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, s.session.Current())
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects := s.session.Store().Projects()
	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, string(p))
	}
	writeJSON(r.Context(), w, map[string][]string{"projects": ids})
}

// renderPush is a render envelope carrying already encoded args
type renderPush struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.ErrorContext(r.Context(), "failed to upgrade websocket", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sessionID := uuid.New().String()
	logging.InfoContext(ctx, "websocket client connected", "sessionID", sessionID)

	// gorilla/websocket allows a single concurrent writer
	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return err
		}
		return conn.WriteJSON(v)
	}

	sub, err := s.publisher.Subscribe(ctx, pubsub.TopicRender)
	if err != nil {
		logging.ErrorContext(ctx, "failed to subscribe websocket", "error", err)
		return
	}
	defer sub.Close()

	// Closing the connection unblocks ReadMessage when the pump stops
	go func() {
		defer conn.Close()
		defer cancel()
		for event := range sub.Events() {
			if err := send(renderPush{Command: protocol.CommandRender, Args: event.Data}); err != nil {
				logging.DebugContext(ctx, "websocket render push failed", "sessionID", sessionID, "error", err)
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.WarnContext(ctx, "websocket closed unexpectedly", "sessionID", sessionID, "error", err)
			} else {
				logging.InfoContext(ctx, "websocket client disconnected", "sessionID", sessionID)
			}
			return
		}

		msg, err := s.gateway.Dispatch(ctx, raw)
		if err != nil {
			// A bad message does not end the session
			logging.WarnContext(ctx, "rejected websocket message", "sessionID", sessionID, "error", err)
			continue
		}
		if msg == nil {
			continue
		}
		if err := send(msg); err != nil {
			logging.DebugContext(ctx, "websocket response failed", "sessionID", sessionID, "error", err)
			return
		}
	}
}

// Start serves on host:port until ctx is cancelled
func (s *Server) Start(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("starting web server", "url", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Streams end when the publisher closes
	s.publisher.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down web server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requireJSON rejects bodies that are not declared as application/json
func requireJSON(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "application/json" {
			http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
			return
		}
		next(w, r)
	})
}

// allowedOrigin accepts requests without an Origin, from the serving host,
// from loopback hosts and from editor webviews
func allowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "vscode-webview":
		return true
	case "http", "https":
	default:
		return false
	}
	if u.Host == r.Host {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func writeJSON(ctx context.Context, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
