package session

import (
	"context"
	"errors"
	"testing"
)

func TestCreateStartsInInit(t *testing.T) {
	r := NewRegistry()
	s := r.Create()
	if s.ID == "" {
		t.Fatal("expected a session id")
	}
	if s.State != StateInit {
		t.Fatalf("expected INIT, got %s", s.State)
	}
	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != s.ID {
		t.Fatalf("expected %s, got %s", s.ID, got.ID)
	}
}

func TestGetUnknownSession(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEndedIsTerminal(t *testing.T) {
	r := NewRegistry()
	s := r.Create()

	if _, err := r.End(s.ID, "caller_hangup"); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := r.SetState(s.ID, StateStreaming); !errors.Is(err, ErrEnded) {
		t.Fatalf("expected ErrEnded, got %v", err)
	}
	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateEnded {
		t.Fatalf("expected ENDED, got %s", got.State)
	}
	if got.EndReason != "caller_hangup" {
		t.Fatalf("unexpected end reason %q", got.EndReason)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	r := NewRegistry()
	s := r.Create()

	first, err := r.End(s.ID, "first")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	second, err := r.End(s.ID, "second")
	if !errors.Is(err, ErrEnded) {
		t.Fatalf("expected ErrEnded, got %v", err)
	}
	if second.EndReason != first.EndReason {
		t.Fatalf("second End overwrote the reason: %q", second.EndReason)
	}
}

func TestErrorCounter(t *testing.T) {
	r := NewRegistry()
	s := r.Create()

	for i := 1; i <= 4; i++ {
		n, err := r.RecordError(s.ID)
		if err != nil {
			t.Fatalf("RecordError: %v", err)
		}
		if n != i {
			t.Fatalf("expected count %d, got %d", i, n)
		}
	}
	if err := r.ResetErrors(s.ID); err != nil {
		t.Fatalf("ResetErrors: %v", err)
	}
	n, err := r.RecordError(s.ID)
	if err != nil {
		t.Fatalf("RecordError: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected count 1 after reset, got %d", n)
	}
}

func TestBindBackendReplacesConnection(t *testing.T) {
	r := NewRegistry()
	s := r.Create()

	if err := r.BindBackend(s.ID, "conn-1"); err != nil {
		t.Fatalf("BindBackend: %v", err)
	}
	if err := r.BindBackend(s.ID, "conn-2"); err != nil {
		t.Fatalf("BindBackend: %v", err)
	}
	got, _ := r.Get(s.ID)
	if got.BackendConnectionID != "conn-2" {
		t.Fatalf("expected conn-2, got %s", got.BackendConnectionID)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	s := r.Create()
	if err := r.AppendTranscript(s.ID, "user", "hello"); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}

	snap, _ := r.Get(s.ID)
	snap.Transcript[0].Text = "mutated"
	snap.State = StateEnded

	got, _ := r.Get(s.ID)
	if got.Transcript[0].Text != "hello" {
		t.Fatal("snapshot mutation leaked into registry")
	}
	if got.State != StateInit {
		t.Fatalf("snapshot mutation changed state to %s", got.State)
	}
}

func TestForceCloseCancelsSession(t *testing.T) {
	r := NewRegistry()
	s := r.Create()

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.BindControl(s.ID, cancel, nil); err != nil {
		t.Fatalf("BindControl: %v", err)
	}
	if err := r.ForceClose(s.ID); err != nil {
		t.Fatalf("ForceClose: %v", err)
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context cancelled after ForceClose")
	}

	if err := r.ForceClose("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveCountExcludesEnded(t *testing.T) {
	r := NewRegistry()
	a := r.Create()
	r.Create()
	if n := r.ActiveCount(); n != 2 {
		t.Fatalf("expected 2 active, got %d", n)
	}
	if _, err := r.End(a.ID, "done"); err != nil {
		t.Fatalf("End: %v", err)
	}
	if n := r.ActiveCount(); n != 1 {
		t.Fatalf("expected 1 active, got %d", n)
	}
}

func TestRemoveDropsControl(t *testing.T) {
	r := NewRegistry()
	s := r.Create()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.BindControl(s.ID, cancel, nil); err != nil {
		t.Fatalf("BindControl: %v", err)
	}
	r.Remove(s.ID)
	if _, err := r.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.ForceClose(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after Remove, got %v", err)
	}
}
