package callog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrStoreNotFound = errors.New("call record not found in store")

// Line is one transcribed utterance attached to a call record.
type Line struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Record is the terminal call detail record written once per session
// after cleanup. Live session state never lives here.
type Record struct {
	SessionID  string     `json:"session_id"`
	CallSID    string     `json:"call_sid"`
	StreamSID  string     `json:"stream_sid"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at"`
	EndReason  string     `json:"end_reason"`
	ToolCalls  int        `json:"tool_calls"`
	Transcript []Line     `json:"transcript"`
}

type Store interface {
	SaveRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, sessionID string) (Record, error)
	ListRecords(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// MemoryStore keeps call records in memory. Used when no database is
// configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) SaveRecord(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = rec
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, sessionID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return Record{}, ErrStoreNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListRecords(_ context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// NewStore picks the postgres store when a database URL is configured and
// falls back to memory otherwise. The returned mode string is logged at
// startup.
func NewStore(ctx context.Context, databaseURL string) (Store, string, error) {
	if databaseURL == "" {
		return NewMemoryStore(), "memory", nil
	}
	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, "", err
	}
	return store, "postgres", nil
}
