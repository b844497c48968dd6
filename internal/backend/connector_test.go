package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/applova/voiceplate/internal/protocol"
)

func TestConnectAssignsConnectionID(t *testing.T) {
	c := NewConnector(NewMockDialer(NewMockTransport()), zerolog.Nop())

	id, err := c.Connect(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if id == "" {
		t.Fatal("expected a connection id")
	}
	if c.State("s1") != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", c.State("s1"))
	}
	if c.ConnectionID("s1") != id {
		t.Fatal("ConnectionID does not match Connect result")
	}
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	d := NewMockDialer()
	d.FailNext(errors.New("refused"))
	c := NewConnector(d, zerolog.Nop())

	_, err := c.Connect(context.Background(), "s1")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if c.State("s1") != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", c.State("s1"))
	}
}

func TestReconnectClosesPreviousConnection(t *testing.T) {
	first := NewMockTransport()
	second := NewMockTransport()
	c := NewConnector(NewMockDialer(first, second), zerolog.Nop())

	id1, err := c.Connect(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	id2, err := c.Connect(context.Background(), "s1")
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if id1 == id2 {
		t.Fatal("reconnect reused the old connection id")
	}
	if !first.IsClosed() {
		t.Fatal("previous transport left open after reconnect")
	}
	if second.IsClosed() {
		t.Fatal("new transport should be open")
	}
}

func TestDisconnectWithFullEventBufferDoesNotPanic(t *testing.T) {
	tr := NewMockTransport()
	c := NewConnector(NewMockDialer(tr), zerolog.Nop())
	if _, err := c.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := c.get("s1")

	// Flood far past the event buffer with nobody receiving, so the
	// read loop is parked on a send when the teardown happens.
	go func() {
		for i := 0; i < 300; i++ {
			tr.Push([]byte(`{"type":"response.audio.delta","item_id":"item_1","delta":"AAAA"}`))
		}
	}()
	deadline := time.Now().Add(time.Second)
	for len(conn.events) < cap(conn.events) {
		if time.Now().After(deadline) {
			t.Fatal("event buffer never filled")
		}
		time.Sleep(time.Millisecond)
	}

	c.Disconnect("s1")

	// The read loop must exit and close its channel instead of
	// panicking on a send into it.
	drainDeadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-conn.events:
			if !ok {
				return
			}
		case <-drainDeadline:
			t.Fatal("read loop never exited after disconnect")
		}
	}
}

func TestConcurrentConnectLeavesOneLiveConnection(t *testing.T) {
	first := NewMockTransport()
	second := NewMockTransport()
	c := NewConnector(NewMockDialer(first, second), zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Connect(context.Background(), "s1"); err != nil {
				t.Errorf("Connect: %v", err)
			}
		}()
	}
	wg.Wait()

	if c.State("s1") != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", c.State("s1"))
	}
	closed := 0
	if first.IsClosed() {
		closed++
	}
	if second.IsClosed() {
		closed++
	}
	if closed != 1 {
		t.Fatalf("%d transports closed, want exactly 1", closed)
	}

	c.Disconnect("s1")
	if !first.IsClosed() || !second.IsClosed() {
		t.Fatal("disconnect left a transport open")
	}
}

func TestSendWithoutConnection(t *testing.T) {
	c := NewConnector(NewMockDialer(), zerolog.Nop())
	if err := c.Send("s1", protocol.NewResponseCreate()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestReceiveTimeoutIsNotAnError(t *testing.T) {
	c := NewConnector(NewMockDialer(NewMockTransport()), zerolog.Nop())
	if _, err := c.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ev, err := c.Receive(context.Background(), "s1", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("expected nil error on timeout, got %v", err)
	}
	if ev != nil {
		t.Fatalf("expected no event on timeout, got %#v", ev)
	}
}

func TestReceiveDeliversParsedEvents(t *testing.T) {
	tr := NewMockTransport()
	c := NewConnector(NewMockDialer(tr), zerolog.Nop())
	if _, err := c.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tr.Push([]byte(`{"type":"response.audio.delta","item_id":"item_1","delta":"AAAA"}`))

	ev, err := c.Receive(context.Background(), "s1", time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	delta, ok := ev.(protocol.AudioDelta)
	if !ok {
		t.Fatalf("expected AudioDelta, got %#v", ev)
	}
	if delta.Delta != "AAAA" || delta.ItemID != "item_1" {
		t.Fatalf("unexpected delta %#v", delta)
	}
}

func TestReceiveAfterCloseReturnsTransportError(t *testing.T) {
	tr := NewMockTransport()
	c := NewConnector(NewMockDialer(tr), zerolog.Nop())
	if _, err := c.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tr.Close()
	// Let the read loop observe the closed transport.
	deadline := time.Now().Add(time.Second)
	for {
		_, err := c.Receive(context.Background(), "s1", 20*time.Millisecond)
		if err != nil {
			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("expected TransportError, got %v", err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("read loop never reported the closed transport")
		}
	}
}

func TestLastAssistantItemTracksItemCreated(t *testing.T) {
	tr := NewMockTransport()
	c := NewConnector(NewMockDialer(tr), zerolog.Nop())
	if _, err := c.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tr.Push([]byte(`{"type":"conversation.item.created","item":{"id":"item_9","role":"assistant"}}`))
	ev, err := c.Receive(context.Background(), "s1", time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if _, ok := ev.(protocol.ItemCreated); !ok {
		t.Fatalf("expected ItemCreated, got %#v", ev)
	}
	if got := c.LastAssistantItem("s1"); got != "item_9" {
		t.Fatalf("expected item_9, got %q", got)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	tr := NewMockTransport()
	c := NewConnector(NewMockDialer(tr), zerolog.Nop())
	if _, err := c.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.Disconnect("s1")
	c.Disconnect("s1")
	if !tr.IsClosed() {
		t.Fatal("transport not closed")
	}
	if c.State("s1") != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", c.State("s1"))
	}
}

func TestSendWriteFailure(t *testing.T) {
	tr := NewMockTransport()
	c := NewConnector(NewMockDialer(tr), zerolog.Nop())
	if _, err := c.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tr.FailWrites(errors.New("broken pipe"))
	err := c.Send("s1", protocol.NewAudioAppend("AAAA"))
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}
