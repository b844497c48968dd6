package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/applova/voiceplate/internal/backend"
	"github.com/applova/voiceplate/internal/callog"
	"github.com/applova/voiceplate/internal/config"
	"github.com/applova/voiceplate/internal/observability"
	"github.com/applova/voiceplate/internal/protocol"
	"github.com/applova/voiceplate/internal/reliability"
	"github.com/applova/voiceplate/internal/session"
	"github.com/applova/voiceplate/internal/tools"
)

// Fatal session errors. The websocket handler maps these to close codes.
var (
	ErrStreamStartTimeout = errors.New("stream start not received in time")
	ErrBackendConnect     = errors.New("backend connection failed")
	ErrBackendConfigure   = errors.New("backend configuration failed")
	ErrErrorThreshold     = errors.New("too many consecutive backend errors")
)

// errEarlyHangup marks a caller who disconnected before the media stream
// started; the session ends clean without touching the backend.
var errEarlyHangup = errors.New("caller hung up before stream start")

// End reasons written to the call record.
const (
	EndReasonCallerHangup   = "caller_hangup"
	EndReasonStartTimeout   = "stream_start_timeout"
	EndReasonBackendConnect = "backend_connect_failed"
	EndReasonConfigure      = "backend_configure_failed"
	EndReasonErrorThreshold = "error_threshold"
	EndReasonCancelled      = "cancelled"
	EndReasonInternal       = "internal_error"
)

// toolCallTimeout bounds a single tool invocation including delivery.
const toolCallTimeout = 15 * time.Second

// Supervisor drives one bridging session from websocket accept to
// cleanup: stream start handshake, backend connect and configure, the
// two streaming loops, and the unconditional teardown at the end.
type Supervisor struct {
	cfg        config.Config
	registry   *session.Registry
	connector  *backend.Connector
	dispatcher *tools.Dispatcher
	store      callog.Store
	metrics    *observability.Metrics
	log        zerolog.Logger
}

func NewSupervisor(cfg config.Config, registry *session.Registry, connector *backend.Connector, dispatcher *tools.Dispatcher, store callog.Store, metrics *observability.Metrics, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		registry:   registry,
		connector:  connector,
		dispatcher: dispatcher,
		store:      store,
		metrics:    metrics,
		log:        log.With().Str("component", "bridge").Logger(),
	}
}

// RunConnection owns the full lifecycle of one telephony websocket. It
// reads parsed telephony messages from inbound and pushes outbound
// messages for the websocket writer. Cleanup runs on every exit path:
// the backend link is torn down, the session is marked ended exactly
// once, the call record is persisted and the session is dropped from
// the registry.
func (s *Supervisor) RunConnection(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := s.log.With().Str("session_id", sessionID).Logger()

	interrupt := func() { s.bargeIn(sessionID, outbound) }
	if err := s.registry.BindControl(sessionID, cancel, interrupt); err != nil {
		return err
	}

	s.metrics.ActiveSessions.Inc()
	s.metrics.SessionEvents.WithLabelValues("started").Inc()

	var runErr error
	defer func() {
		s.cleanup(sessionID, endReason(runErr), logger)
	}()

	if err := s.registry.SetState(sessionID, session.StateAwaitingStream); err != nil {
		runErr = err
		return runErr
	}
	if err := s.waitForStreamStart(runCtx, sessionID, inbound, logger); err != nil {
		if errors.Is(err, errEarlyHangup) {
			logger.Info().Msg("caller hung up before stream start")
			return nil
		}
		runErr = err
		return runErr
	}

	if err := s.registry.SetState(sessionID, session.StateConnectingBackend); err != nil {
		runErr = err
		return runErr
	}
	connID, err := s.connector.Connect(runCtx, sessionID)
	if err != nil {
		logger.Error().Err(err).Msg("backend connect failed")
		runErr = fmt.Errorf("%w: %v", ErrBackendConnect, err)
		return runErr
	}
	_ = s.registry.BindBackend(sessionID, connID)

	if err := s.registry.SetState(sessionID, session.StateConfiguring); err != nil {
		runErr = err
		return runErr
	}
	if err := s.configure(runCtx, sessionID); err != nil {
		logger.Error().Err(err).Msg("backend configure failed")
		runErr = fmt.Errorf("%w: %v", ErrBackendConfigure, err)
		return runErr
	}

	if err := s.registry.SetState(sessionID, session.StateStreaming); err != nil {
		runErr = err
		return runErr
	}
	logger.Info().Str("connection_id", connID).Msg("session streaming")

	runErr = s.stream(runCtx, sessionID, inbound, outbound, logger)
	return runErr
}

// waitForStreamStart consumes telephony messages until the start event
// arrives. The backend is never contacted before this point, so a caller
// who hangs up early costs nothing upstream.
func (s *Supervisor) waitForStreamStart(ctx context.Context, sessionID string, inbound <-chan any, logger zerolog.Logger) error {
	timer := time.NewTimer(s.cfg.StreamStartTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			logger.Warn().Dur("timeout", s.cfg.StreamStartTimeout).Msg("stream start timed out")
			return ErrStreamStartTimeout
		case msg, ok := <-inbound:
			if !ok {
				return errEarlyHangup
			}
			switch m := msg.(type) {
			case protocol.ConnectedEvent:
				logger.Debug().Msg("telephony websocket connected")
			case protocol.StartEvent:
				if err := s.registry.BindStream(sessionID, m.Start.CallSID, m.StreamSID); err != nil {
					return err
				}
				logger.Info().Str("call_sid", m.Start.CallSID).Str("stream_sid", m.StreamSID).Str("track", m.Track()).Msg("media stream started")
				return nil
			case protocol.StopEvent:
				return errEarlyHangup
			default:
				// Media before start carries no stream identity; drop it.
			}
		}
	}
}

// configure sends the session configuration with a fixed retry budget.
func (s *Supervisor) configure(ctx context.Context, sessionID string) error {
	update := backend.BuildSessionUpdate(s.cfg)
	sender := reliability.Sender{
		MaxAttempts: s.cfg.ConfigureAttempts,
		Backoff:     s.cfg.ConfigureBackoff,
	}
	return sender.Send(ctx, func(ctx context.Context) error {
		return s.connector.Send(sessionID, update)
	})
}

// reconnect replaces a dead backend link: fresh connection, rebind, then
// the full configure sequence again. A connection that cannot be
// configured is useless, so the pair is atomic from the caller's view.
func (s *Supervisor) reconnect(ctx context.Context, sessionID string) error {
	s.metrics.BackendReconnects.Inc()

	connID, err := s.connector.Connect(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	_ = s.registry.BindBackend(sessionID, connID)

	if err := s.configure(ctx, sessionID); err != nil {
		return fmt.Errorf("reconfigure: %w", err)
	}
	return nil
}

// bargeIn truncates the in-flight assistant response and tells the
// telephony side to drop buffered audio so the caller can speak over it.
func (s *Supervisor) bargeIn(sessionID string, outbound chan<- any) {
	itemID := s.connector.LastAssistantItem(sessionID)
	if itemID != "" {
		if err := s.connector.Send(sessionID, protocol.NewItemTruncate(itemID, 0)); err != nil {
			s.log.Debug().Err(err).Str("session_id", sessionID).Msg("truncate on barge-in failed")
		}
	}

	sess, err := s.registry.Get(sessionID)
	if err != nil || sess.StreamSID == "" {
		return
	}
	select {
	case outbound <- protocol.NewClear(sess.StreamSID):
	default:
		// Writer stalled; the clear is best effort.
	}
}

// cleanup is the single teardown path for a session.
func (s *Supervisor) cleanup(sessionID, reason string, logger zerolog.Logger) {
	s.connector.Disconnect(sessionID)

	snap, err := s.registry.End(sessionID, reason)
	if err != nil && !errors.Is(err, session.ErrEnded) {
		logger.Error().Err(err).Msg("session end failed during cleanup")
		s.metrics.ActiveSessions.Dec()
		return
	}

	s.metrics.ActiveSessions.Dec()
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	if snap.EndedAt != nil {
		s.metrics.ObserveCallDuration(snap.EndedAt.Sub(snap.CreatedAt))
	}

	rec := callog.Record{
		SessionID:  snap.ID,
		CallSID:    snap.CallSID,
		StreamSID:  snap.StreamSID,
		StartedAt:  snap.CreatedAt,
		EndedAt:    snap.EndedAt,
		EndReason:  snap.EndReason,
		ToolCalls:  snap.ToolCalls,
		Transcript: make([]callog.Line, 0, len(snap.Transcript)),
	}
	for _, line := range snap.Transcript {
		rec.Transcript = append(rec.Transcript, callog.Line{Role: line.Role, Text: line.Text, At: line.At})
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveRecord(saveCtx, rec); err != nil {
		logger.Error().Err(err).Msg("call record save failed")
	}

	s.registry.Remove(sessionID)
	logger.Info().Str("reason", snap.EndReason).Msg("session cleaned up")
}

func endReason(err error) string {
	switch {
	case err == nil:
		return EndReasonCallerHangup
	case errors.Is(err, ErrStreamStartTimeout):
		return EndReasonStartTimeout
	case errors.Is(err, ErrBackendConnect):
		return EndReasonBackendConnect
	case errors.Is(err, ErrBackendConfigure):
		return EndReasonConfigure
	case errors.Is(err, ErrErrorThreshold):
		return EndReasonErrorThreshold
	case errors.Is(err, context.Canceled):
		return EndReasonCancelled
	default:
		return EndReasonInternal
	}
}
