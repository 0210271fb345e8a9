package dsp

import (
	"io"
	"sync"
)

// TestTransport is a test helper that simulates a blocking transport
// using channels. The Loop's scanner goroutine reads continuously, and
// reads must block until data is available, like a real socket or
// serial port would.
type TestTransport struct {
	mu       sync.Mutex
	readChan chan []byte
	writes   chan []byte
	closed   bool
}

// NewTestTransport creates a new test transport. Exported for use in
// tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 10),
		writes:   make(chan []byte, 10),
	}
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case t.writes <- buf:
	default:
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	data, ok := <-t.readChan
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues one inbound chunk exactly as the network would
// deliver it, fragments included.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// Writes exposes the commands written to the transport, in order.
func (t *TestTransport) Writes() <-chan []byte {
	return t.writes
}
