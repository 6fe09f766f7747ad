package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by TestablePort after Close.
var ErrPortClosed = errors.New("serial port closed")

// defaultMockReadTimeout bounds a Read on an empty TestablePort when no
// timeout has been configured, so a test can never hang on a silent port.
const defaultMockReadTimeout = 50 * time.Millisecond

// TestablePort implements Port with configurable behaviour for testing.
// It behaves like a port with a read timeout: a Read on an empty buffer waits
// up to the timeout and then returns 0, nil.
type TestablePort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// OnWrite, when set, is called with every successful write. Bytes it
	// returns are queued for reading, which lets a test script a device that
	// answers requests.
	OnWrite func(p []byte) []byte

	// WriteError is returned by every Write call while set.
	WriteError error

	// CloseError is returned by Close if set.
	CloseError error

	closed      bool
	closeCalls  int
	dtr         []bool
	readTimeout time.Duration
	resets      int
}

// NewTestablePort creates a new TestablePort for testing.
func NewTestablePort() *TestablePort {
	return &TestablePort{}
}

// Read returns queued bytes, waiting up to the read timeout for some to arrive.
func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	timeout := t.readTimeout
	t.mu.Unlock()
	if timeout <= 0 {
		timeout = defaultMockReadTimeout
	}

	deadline := time.Now().Add(timeout)
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return 0, ErrPortClosed
		}
		if t.readBuf.Len() > 0 {
			n, err := t.readBuf.Read(p)
			t.mu.Unlock()
			return n, err
		}
		t.mu.Unlock()

		if !time.Now().Before(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

// Write records data and feeds it to OnWrite.
func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrPortClosed
	}
	if t.WriteError != nil {
		return 0, t.WriteError
	}

	t.writeBuf.Write(p)
	if t.OnWrite != nil {
		if reply := t.OnWrite(append([]byte(nil), p...)); len(reply) > 0 {
			t.readBuf.Write(reply)
		}
	}
	return len(p), nil
}

// Close marks the port as closed.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.closeCalls++
	return t.CloseError
}

// SetDTR records the requested DTR level.
func (t *TestablePort) SetDTR(dtr bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dtr = append(t.dtr, dtr)
	return nil
}

// SetReadTimeout implements Port.
func (t *TestablePort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readTimeout = timeout
	return nil
}

// ResetInputBuffer drops unread bytes.
func (t *TestablePort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readBuf.Reset()
	t.resets++
	return nil
}

// AddReadData queues data to be returned by subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readBuf.Write(data)
}

// WrittenData returns all data written to the port.
func (t *TestablePort) WrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.writeBuf.Bytes()...)
}

// DTRHistory returns every level passed to SetDTR, oldest first.
func (t *TestablePort) DTRHistory() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.dtr...)
}

// Closed reports whether Close has been called.
func (t *TestablePort) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// CloseCalls reports how many times Close has been called.
func (t *TestablePort) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// MockOpener implements Opener for testing.
type MockOpener struct {
	mu sync.Mutex

	// PortFor returns the port to hand out for an Open call. When nil, Port
	// is returned for every call.
	PortFor func(path string, opts PortOptions) (Port, error)

	// Port is the port to return from Open when PortFor is nil.
	Port Port

	// Error is returned by Open if set.
	Error error

	// OpenCalls records all Open calls.
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// NewMockOpener creates a MockOpener that always returns port.
func NewMockOpener(port Port) *MockOpener {
	return &MockOpener{Port: port}
}

// Open returns the configured port or error.
func (m *MockOpener) Open(path string, opts PortOptions) (Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OpenCalls = append(m.OpenCalls, MockOpenCall{Path: path, Opts: opts})

	if m.Error != nil {
		return nil, m.Error
	}
	if _, err := opts.Normalize(); err != nil {
		return nil, err
	}
	if m.PortFor != nil {
		return m.PortFor(path, opts)
	}
	return m.Port, nil
}

// Calls returns a copy of the recorded Open calls.
func (m *MockOpener) Calls() []MockOpenCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockOpenCall(nil), m.OpenCalls...)
}
