package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/applova/voiceplate/internal/backend"
	"github.com/applova/voiceplate/internal/protocol"
	"github.com/applova/voiceplate/internal/reliability"
	"github.com/applova/voiceplate/internal/session"
)

// stream runs the two bridging loops concurrently: telephony to backend
// and backend to telephony. The first loop to finish decides the outcome;
// the other is cancelled and awaited before returning, so no loop ever
// outlives its session.
func (s *Supervisor) stream(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any, logger zerolog.Logger) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var toolCalls sync.WaitGroup
	errCh := make(chan error, 2)

	go func() { errCh <- s.telephonyLoop(loopCtx, sessionID, inbound, logger) }()
	go func() { errCh <- s.backendLoop(loopCtx, sessionID, outbound, &toolCalls, logger) }()

	first := <-errCh
	cancel()
	<-errCh
	toolCalls.Wait()
	return first
}

// telephonyLoop forwards caller audio to the backend in arrival order.
// A stop event or a closed inbound channel is a clean caller hangup.
func (s *Supervisor) telephonyLoop(ctx context.Context, sessionID string, inbound <-chan any, logger zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			switch m := msg.(type) {
			case protocol.MediaEvent:
				if m.Media.Payload == "" {
					continue
				}
				if err := s.connector.Send(sessionID, protocol.NewAudioAppend(m.Media.Payload)); err != nil {
					if fatal := s.handleBackendFailure(ctx, sessionID, err, logger); fatal != nil {
						return fatal
					}
					continue
				}
				s.metrics.AudioFrames.WithLabelValues("inbound").Inc()
			case protocol.StopEvent:
				logger.Info().Msg("media stream stopped by caller")
				return nil
			case protocol.MarkEvent:
				logger.Debug().Str("mark", m.Mark.Name).Msg("mark event")
			case protocol.ConnectedEvent, protocol.StartEvent:
				// Already handled during the handshake.
			}
		}
	}
}

// backendLoop polls the backend with short receive timeouts so it can
// observe cancellation between events. Receive timeouts are idle periods,
// not failures.
func (s *Supervisor) backendLoop(ctx context.Context, sessionID string, outbound chan<- any, toolCalls *sync.WaitGroup, logger zerolog.Logger) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ev, err := s.connector.Receive(ctx, sessionID, s.cfg.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if fatal := s.handleBackendFailure(ctx, sessionID, err, logger); fatal != nil {
				return fatal
			}
			continue
		}
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case protocol.AudioDelta:
			sess, err := s.registry.Get(sessionID)
			if err != nil {
				return err
			}
			select {
			case outbound <- protocol.NewOutboundMedia(sess.StreamSID, e.Delta):
			case <-ctx.Done():
				return ctx.Err()
			}
			s.metrics.AudioFrames.WithLabelValues("outbound").Inc()
			_ = s.registry.ResetErrors(sessionID)
		case protocol.TranscriptDone:
			logger.Info().Str("role", "assistant").Str("transcript", e.Transcript).Msg("utterance")
			_ = s.registry.AppendTranscript(sessionID, "assistant", e.Transcript)
		case protocol.InputTranscriptionDone:
			logger.Info().Str("role", "user").Str("transcript", e.Transcript).Msg("utterance")
			_ = s.registry.AppendTranscript(sessionID, "user", e.Transcript)
		case protocol.SpeechStarted:
			logger.Debug().Int("audio_start_ms", e.AudioStartMS).Msg("caller started speaking")
			s.bargeIn(sessionID, outbound)
		case protocol.FunctionCallDone:
			s.metrics.BackendEvents.WithLabelValues("function_call").Inc()
			toolCalls.Add(1)
			go func(call protocol.FunctionCallDone) {
				defer toolCalls.Done()
				// Outlives loop cancellation on purpose: a tool call in
				// flight when the caller hangs up still completes or
				// times out on its own budget.
				callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), toolCallTimeout)
				defer cancel()
				if err := s.dispatcher.HandleFunctionCall(callCtx, sessionID, call, func(ctx context.Context) error {
					return s.reconnect(ctx, sessionID)
				}); err != nil {
					logger.Error().Err(err).Str("tool", call.Name).Msg("tool call failed")
				}
			}(e)
		case protocol.BackendError:
			evt := logger.Warn()
			if !reliability.IsRetryableBackendError(e.Code) {
				evt = logger.Error()
			}
			evt.Str("code", e.Code).Str("message", e.Message).Msg("backend error event")
			s.metrics.BackendEvents.WithLabelValues("error").Inc()
			count, err := s.registry.RecordError(sessionID)
			if err != nil {
				return err
			}
			if count >= s.cfg.ErrorThreshold {
				return ErrErrorThreshold
			}
		case protocol.ResponseDone:
			s.metrics.BackendEvents.WithLabelValues("response_done").Inc()
			_ = s.registry.ResetErrors(sessionID)
		case protocol.SessionCreated:
			s.metrics.BackendEvents.WithLabelValues("session_created").Inc()
		case protocol.UnknownBackendEvent:
			logger.Debug().Str("event_type", e.EventType).Msg("unhandled backend event")
		}
	}
}

// handleBackendFailure records one transport failure and tries to bring
// the backend link back. It returns a fatal error once the consecutive
// error threshold is reached, nil when the session may continue.
func (s *Supervisor) handleBackendFailure(ctx context.Context, sessionID string, cause error, logger zerolog.Logger) error {
	count, err := s.registry.RecordError(sessionID)
	if err != nil {
		return err
	}
	logger.Warn().Err(cause).Int("consecutive_errors", count).Msg("backend transport failure")
	if count >= s.cfg.ErrorThreshold {
		return ErrErrorThreshold
	}

	var te *backend.TransportError
	if !errors.As(cause, &te) && !errors.Is(cause, backend.ErrNotConnected) {
		return nil
	}

	_ = s.registry.SetState(sessionID, session.StateDegraded)
	if err := s.reconnect(ctx, sessionID); err != nil {
		logger.Warn().Err(err).Msg("backend reconnect failed")
		return nil
	}
	_ = s.registry.ResetErrors(sessionID)
	_ = s.registry.SetState(sessionID, session.StateStreaming)
	logger.Info().Msg("backend link restored")
	return nil
}
