package backend

import (
	"context"
	"errors"
	"sync"
)

// MockTransport is a scriptable backend transport for tests.
type MockTransport struct {
	mu       sync.Mutex
	writes   []any
	writeErr error

	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (m *MockTransport) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes = append(m.writes, v)
	return nil
}

func (m *MockTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-m.incoming:
		return data, nil
	case <-m.closed:
		return nil, errors.New("transport closed")
	}
}

func (m *MockTransport) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Push queues one raw inbound message for ReadMessage to return.
func (m *MockTransport) Push(raw []byte) {
	m.incoming <- raw
}

// FailWrites makes all subsequent WriteJSON calls return err.
func (m *MockTransport) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// Writes returns a copy of everything written so far.
func (m *MockTransport) Writes() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, len(m.writes))
	copy(out, m.writes)
	return out
}

// IsClosed reports whether Close has been called.
func (m *MockTransport) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// MockDialer hands out a queue of transports, failing once the queue is
// exhausted or when a scripted error is reached.
type MockDialer struct {
	mu         sync.Mutex
	transports []Transport
	errs       []error
	dials      int
}

func NewMockDialer(transports ...Transport) *MockDialer {
	return &MockDialer{transports: transports}
}

// FailNext queues a dial error ahead of the remaining transports.
func (d *MockDialer) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func (d *MockDialer) Dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	if len(d.transports) == 0 {
		return nil, errors.New("no more transports")
	}
	t := d.transports[0]
	d.transports = d.transports[1:]
	return t, nil
}

func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
