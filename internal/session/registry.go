package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a session lifecycle phase. ENDED is terminal.
type State string

const (
	StateInit              State = "INIT"
	StateAwaitingStream    State = "AWAITING_STREAM_START"
	StateConnectingBackend State = "CONNECTING_BACKEND"
	StateConfiguring       State = "CONFIGURING"
	StateStreaming         State = "STREAMING"
	StateDegraded          State = "DEGRADED"
	StateEnded             State = "ENDED"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session already ended")
)

// TranscriptLine is one spoken utterance captured for the call record.
type TranscriptLine struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is the bridging context for one phone call. The Registry owns
// the canonical record; other components hold only the session id and
// read or update through the Registry.
type Session struct {
	ID                  string           `json:"session_id"`
	CallSID             string           `json:"call_sid"`
	StreamSID           string           `json:"stream_sid"`
	State               State            `json:"state"`
	BackendConnectionID string           `json:"backend_connection_id"`
	ConsecutiveErrors   int              `json:"consecutive_error_count"`
	ToolCalls           int              `json:"tool_calls"`
	EndReason           string           `json:"end_reason,omitempty"`
	Transcript          []TranscriptLine `json:"-"`
	CreatedAt           time.Time        `json:"created_at"`
	LastActivityAt      time.Time        `json:"last_activity_at"`
	EndedAt             *time.Time       `json:"ended_at,omitempty"`
}

type control struct {
	cancel    context.CancelFunc
	interrupt func()
}

// Registry is the in-memory table of active sessions and the single
// synchronization point between supervisor, coordinator and dispatcher.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	controls map[string]control
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		controls: make(map[string]control),
	}
}

// Create registers a new session in INIT.
func (r *Registry) Create() *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		State:          StateInit,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return clone(s)
}

// Get returns a snapshot of a session.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// SetState advances the session state machine. ENDED is terminal and can
// only be reached through End.
func (r *Registry) SetState(sessionID string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.State == StateEnded {
		return ErrEnded
	}
	s.State = state
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// BindStream records call identity once the telephony side confirms the
// stream has started.
func (r *Registry) BindStream(sessionID, callSID, streamSID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.CallSID = callSID
	s.StreamSID = streamSID
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// BindBackend swaps the bound backend connection id. Reconnection rebinds
// atomically, so readers never observe two live connections.
func (r *Registry) BindBackend(sessionID, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.BackendConnectionID = connectionID
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// RecordError increments the consecutive backend error count and returns
// the new value.
func (r *Registry) RecordError(sessionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	s.ConsecutiveErrors++
	s.LastActivityAt = time.Now().UTC()
	return s.ConsecutiveErrors, nil
}

// ResetErrors clears the consecutive error count after any successful
// backend interaction.
func (r *Registry) ResetErrors(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ConsecutiveErrors = 0
	return nil
}

func (r *Registry) AppendTranscript(sessionID, role, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Transcript = append(s.Transcript, TranscriptLine{Role: role, Text: text, At: time.Now().UTC()})
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (r *Registry) IncrToolCalls(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ToolCalls++
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End marks a session ENDED exactly once. Subsequent calls return
// ErrEnded with the unchanged snapshot, so cleanup paths can race safely.
func (r *Registry) End(sessionID, reason string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.State == StateEnded {
		return clone(s), ErrEnded
	}
	now := time.Now().UTC()
	s.State = StateEnded
	s.EndReason = reason
	s.EndedAt = &now
	s.LastActivityAt = now
	return clone(s), nil
}

// Remove drops the session after cleanup has completed.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	delete(r.controls, sessionID)
}

// BindControl registers the cancel and interrupt hooks the supervisor
// exposes for operational force-close and barge-in injection.
func (r *Registry) BindControl(sessionID string, cancel context.CancelFunc, interrupt func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	r.controls[sessionID] = control{cancel: cancel, interrupt: interrupt}
	return nil
}

// ForceClose cancels a running session from the introspection API.
func (r *Registry) ForceClose(sessionID string) error {
	r.mu.RLock()
	c, ok := r.controls[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Interrupt injects a truncate of the in-flight backend response.
func (r *Registry) Interrupt(sessionID string) error {
	r.mu.RLock()
	c, ok := r.controls[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if c.interrupt == nil {
		return errors.New("session has no interrupt handler")
	}
	c.interrupt()
	return nil
}

// List returns snapshots of all registered sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, clone(s))
	}
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if s.State != StateEnded {
			count++
		}
	}
	return count
}

func clone(s *Session) *Session {
	c := *s
	if s.Transcript != nil {
		c.Transcript = make([]TranscriptLine, len(s.Transcript))
		copy(c.Transcript, s.Transcript)
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
