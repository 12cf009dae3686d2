package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rbright/candor/internal/ipc"
	"github.com/rbright/candor/internal/observability"
	"github.com/rbright/candor/internal/session"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 120 * time.Second
	pingInterval = 30 * time.Second
)

// Event is one websocket message to the shell.
type Event struct {
	Type     string            `json:"type"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Response *ipc.Response     `json:"response,omitempty"`
}

const (
	EventSnapshot = "snapshot"
	EventResponse = "response"
)

// Server is the shell's HTTP surface.
type Server struct {
	logger   *slog.Logger
	hub      *Hub
	handler  ipc.Handler
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

// New builds a server. Commands go to handler; snapshots come from hub.
func New(logger *slog.Logger, hub *Hub, handler ipc.Handler, metrics *observability.Metrics) *Server {
	return &Server{
		logger:  logger,
		hub:     hub,
		handler: handler,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOriginOrLocal,
		},
	}
}

// sameOriginOrLocal accepts clients without an Origin header and same-host browser origins.
func sameOriginOrLocal(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Router mounts every shell endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Post("/commands", s.handleCommand)
	r.Get("/events", s.handleEvents)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

// Serve runs the HTTP server on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.hub.Latest()
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "no session state yet")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req ipc.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		respondError(w, http.StatusBadRequest, "missing_command", "command is required")
		return
	}
	resp := s.handler.Handle(r.Context(), req)
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusConflict
	}
	respondJSON(w, status, resp)
}

// handleEvents streams snapshots and answers commands sent as ipc.Request JSON frames.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	snapshots, unsubscribe := s.hub.Subscribe()
	s.trackClients()
	defer func() {
		unsubscribe()
		s.trackClients()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	replies := make(chan ipc.Response, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, snapshots, replies)
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var req ipc.Request
		resp := ipc.Response{OK: false, Error: "invalid command frame"}
		if err := json.Unmarshal(data, &req); err == nil && req.Command != "" {
			resp = s.handler.Handle(ctx, req)
		}
		select {
		case replies <- resp:
		default:
			// Writes stay on the writer goroutine; a saturated queue drops the reply.
			s.logDebug("websocket reply dropped", "command", req.Command)
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, snapshots <-chan session.Snapshot, replies <-chan ipc.Response) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	write := func(ev Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			s.logDebug("websocket write failed", "error", err.Error())
			cancel()
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case snap := <-snapshots:
			if !write(Event{Type: EventSnapshot, Snapshot: &snap}) {
				return
			}
		case resp := <-replies:
			if !write(Event{Type: EventResponse, Response: &resp}) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				cancel()
				return
			}
		}
	}
}

func (s *Server) trackClients() {
	if s.metrics == nil {
		return
	}
	s.metrics.FeedClients.Set(float64(s.hub.Clients()))
}

func (s *Server) logDebug(message string, fields ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Debug(message, fields...)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
