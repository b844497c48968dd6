package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/applova/voiceplate/internal/bridge"
	"github.com/applova/voiceplate/internal/callog"
	"github.com/applova/voiceplate/internal/config"
	"github.com/applova/voiceplate/internal/observability"
	"github.com/applova/voiceplate/internal/protocol"
	"github.com/applova/voiceplate/internal/session"
)

// Bridge runs the full lifecycle of one telephony websocket.
type Bridge interface {
	RunConnection(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg      config.Config
	registry *session.Registry
	bridge   Bridge
	store    callog.Store
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, registry *session.Registry, br Bridge, store callog.Store, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		bridge:   br,
		store:    store,
		metrics:  metrics,
		log:      log.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Telephony media streams connect without an Origin
				// header; browsers are only allowed same-origin.
				if cfg.AllowAnyOrigin {
					return true
				}
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
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/voice", s.handleVoiceWebhook)
	r.Post("/stream/status", s.handleStreamStatus)
	r.Get("/ws/media", s.handleMediaWS)

	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/close", s.handleCloseSession)
	r.Post("/v1/sessions/{id}/interrupt", s.handleInterruptSession)
	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{id}", s.handleGetCall)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.registry.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleMediaWS accepts one telephony media stream websocket and hands
// it to the bridge. The handler owns the socket: a reader feeding the
// inbound channel and a single writer goroutine draining outbound.
func (s *Server) handleMediaWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := s.registry.Create()
	logger := s.log.With().Str("session_id", sess.ID).Logger()
	logger.Info().Msg("media websocket connected")
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)

	writerDone := make(chan struct{})
	runDone := make(chan error, 1)
	go func() {
		err := s.bridge.RunConnection(ctx, sess.ID, inbound, outbound)
		runDone <- err
		// Stop the writer before touching the socket: gorilla allows
		// one concurrent writer only. Closing the socket unblocks the
		// read loop when the bridge finished first.
		cancel()
		<-writerDone
		s.writeClose(conn, err)
		_ = conn.Close()
	}()

	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := telephonyTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", t).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseTelephonyMessage(data)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnsupportedTelephonyEvent) {
				logger.Warn().Err(err).Msg("unparseable telephony message")
			}
			continue
		}
		if t, ok := telephonyTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", t).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	close(inbound)
	runErr := <-runDone

	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	logger.Info().Err(runErr).Msg("media websocket closed")
}

// writeClose maps the bridge outcome to a websocket close code.
func (s *Server) writeClose(conn *websocket.Conn, runErr error) {
	code := websocket.CloseNormalClosure
	reason := ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, bridge.ErrStreamStartTimeout):
		reason = "stream start timeout"
	case errors.Is(runErr, bridge.ErrBackendConnect),
		errors.Is(runErr, bridge.ErrBackendConfigure),
		errors.Is(runErr, bridge.ErrErrorThreshold):
		code = websocket.CloseInternalServerErr
		reason = "backend failure"
	case errors.Is(runErr, context.Canceled):
		code = websocket.CloseGoingAway
		reason = "session closed"
	default:
		code = websocket.CloseInternalServerErr
	}
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.registry.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.ForceClose(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "closing": true})
}

func (s *Server) handleInterruptSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Interrupt(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusConflict, "not_interruptible", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "interrupted": true})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.store.ListRecords(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": records})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, callog.ErrStoreNotFound) {
			respondError(w, http.StatusNotFound, "call_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func telephonyTypeOf(v any) (string, bool) {
	switch m := v.(type) {
	case protocol.ConnectedEvent:
		return string(m.Event), true
	case protocol.StartEvent:
		return string(m.Event), true
	case protocol.MediaEvent:
		return string(m.Event), true
	case protocol.StopEvent:
		return string(m.Event), true
	case protocol.MarkEvent:
		return string(m.Event), true
	case protocol.ClearEvent:
		return string(m.Event), true
	default:
		return "", false
	}
}
