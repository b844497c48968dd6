package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/applova/voiceplate/internal/backend"
	"github.com/applova/voiceplate/internal/observability"
	"github.com/applova/voiceplate/internal/protocol"
	"github.com/applova/voiceplate/internal/reliability"
	"github.com/applova/voiceplate/internal/session"
)

// minUsableResult is the shortest provider answer treated as real data.
// Anything shorter is replaced with a spoken fallback.
const minUsableResult = 10

// Conn is the slice of the backend connector the dispatcher needs.
type Conn interface {
	State(sessionID string) backend.State
	Send(sessionID string, v any) error
}

// Dispatcher routes completed function calls to data providers and
// delivers the output back to the backend. Every handled call produces
// exactly one function_call_output followed by one response.create, even
// when the provider fails: the caller must always hear something.
type Dispatcher struct {
	providers map[string]Provider
	conn      Conn
	registry  *session.Registry
	metrics   *observability.Metrics
	log       zerolog.Logger

	deliverAttempts int
	deliverBackoff  time.Duration
}

func NewDispatcher(providers []Provider, conn Conn, registry *session.Registry, metrics *observability.Metrics, log zerolog.Logger, attempts int, backoff time.Duration) *Dispatcher {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &Dispatcher{
		providers:       byName,
		conn:            conn,
		registry:        registry,
		metrics:         metrics,
		log:             log.With().Str("component", "dispatcher").Logger(),
		deliverAttempts: attempts,
		deliverBackoff:  backoff,
	}
}

type callArguments struct {
	Query string `json:"query"`
}

// HandleFunctionCall resolves one function call and pushes the result to
// the backend. The reconnect hook restores the backend link (connect plus
// reconfigure) when it is found dead before or during delivery; it may be
// nil when the caller cannot reconnect.
func (d *Dispatcher) HandleFunctionCall(ctx context.Context, sessionID string, call protocol.FunctionCallDone, reconnect func(ctx context.Context) error) error {
	started := time.Now()
	logger := d.log.With().Str("session_id", sessionID).Str("tool", call.Name).Str("call_id", call.CallID).Logger()

	var args callArguments
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			logger.Warn().Str("arguments", call.Arguments).Msg("malformed function arguments")
			args = callArguments{}
		}
	}
	query := strings.TrimSpace(args.Query)

	if d.conn.State(sessionID) != backend.StateConnected {
		if reconnect == nil {
			return fmt.Errorf("backend disconnected and no reconnect available")
		}
		logger.Warn().Msg("backend disconnected before tool delivery, reconnecting")
		if err := reconnect(ctx); err != nil {
			return fmt.Errorf("reconnect before tool delivery: %w", err)
		}
	}

	result, outcome := d.resolve(ctx, logger, call.Name, query)
	d.metrics.ToolCalls.WithLabelValues(call.Name, outcome).Inc()
	_ = d.registry.IncrToolCalls(sessionID)

	if err := d.deliver(ctx, sessionID, call.CallID, result, reconnect); err != nil {
		logger.Error().Err(err).Msg("tool result delivery failed")
		return err
	}

	d.metrics.ObserveToolLatency(time.Since(started))
	logger.Info().Str("outcome", outcome).Dur("elapsed", time.Since(started)).Msg("tool call handled")
	return nil
}

// resolve produces the spoken output for a call. It never returns an
// empty string.
func (d *Dispatcher) resolve(ctx context.Context, logger zerolog.Logger, name, query string) (result, outcome string) {
	provider, ok := d.providers[name]
	if !ok {
		logger.Warn().Msg("unknown tool requested")
		return FallbackGuidance, "unknown_tool"
	}
	if !provider.IsRelevant(query) {
		logger.Debug().Str("query", query).Msg("query not relevant to provider")
		return FallbackGuidance, "irrelevant"
	}

	answer, err := provider.Answer(ctx, query)
	if err != nil {
		logger.Error().Err(err).Str("query", query).Msg("provider fetch failed")
		return FallbackUnavailable(query), "error"
	}
	if len(strings.TrimSpace(answer)) < minUsableResult {
		logger.Warn().Str("query", query).Msg("provider returned insufficient data")
		return FallbackUnavailable(query), "empty"
	}
	return AnnotateResult(provider.DataType(), query, FormatForVoice(answer)), "ok"
}

// deliver writes the function output followed by the mandatory response
// trigger. Each message retries independently so a transient failure on
// the trigger never duplicates the output item.
func (d *Dispatcher) deliver(ctx context.Context, sessionID, callID, output string, reconnect func(ctx context.Context) error) error {
	sender := reliability.Sender{
		MaxAttempts: d.deliverAttempts,
		Backoff:     d.deliverBackoff,
		Reconnect:   reconnect,
	}

	itemID := "fn_" + uuid.NewString()
	item := protocol.NewFunctionOutput(itemID, callID, output)
	if err := sender.Send(ctx, func(ctx context.Context) error {
		return d.conn.Send(sessionID, item)
	}); err != nil {
		return fmt.Errorf("send function output: %w", err)
	}

	if err := sender.Send(ctx, func(ctx context.Context) error {
		return d.conn.Send(sessionID, protocol.NewResponseCreate())
	}); err != nil {
		return fmt.Errorf("send response trigger: %w", err)
	}
	return nil
}
