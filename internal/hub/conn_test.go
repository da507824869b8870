package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voicelayer/relay/internal/transport"
)

// fakeTransport is a scriptable Transport for tests. It records successful
// sends and can fail the next N sends with a fixed error.
type fakeTransport struct {
	mu      sync.Mutex
	sends   [][]byte
	sendErr error
	failN   int // -1 means fail forever
	calls   int
	closed  bool
	onSend  func()
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.failN != 0 {
		if f.failN > 0 {
			f.failN--
		}
		return f.sendErr
	}
	f.sends = append(f.sends, append([]byte(nil), data...))
	if f.onSend != nil {
		f.onSend()
	}
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransport) lastSend() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		return nil
	}
	return f.sends[len(f.sends)-1]
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testRetryPolicy(retries uint64) retryPolicy {
	return retryPolicy{
		initial: time.Millisecond,
		cap:     5 * time.Millisecond,
		retries: retries,
	}
}

func newTestConn(tr transport.Transport, class Class, retries uint64) *Conn {
	return newConn("conn-1", "user-1", class, tr, testRetryPolicy(retries), discardLogger())
}

func TestConn_Initialize(t *testing.T) {
	c := newTestConn(&fakeTransport{}, ClassRegular, 0)

	if got := c.State(); got != StatePending {
		t.Fatalf("State() = %v, want %v", got, StatePending)
	}

	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if got := c.State(); got != StateAccepted {
		t.Errorf("State() = %v, want %v", got, StateAccepted)
	}

	// Only valid from Pending
	if err := c.Initialize(); !errors.Is(err, ErrNotPending) {
		t.Errorf("second Initialize() error = %v, want ErrNotPending", err)
	}
}

func TestConn_Initialize_AfterClose(t *testing.T) {
	c := newTestConn(&fakeTransport{}, ClassRegular, 0)
	c.Close("test")

	if err := c.Initialize(); !errors.Is(err, ErrNotPending) {
		t.Errorf("Initialize() after close error = %v, want ErrNotPending", err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}
}

func TestConn_Send_RequiresAccepted(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestConn(tr, ClassRegular, 0)

	if c.Send(context.Background(), []byte("x")) {
		t.Error("Send() on pending connection should fail")
	}
	if tr.callCount() != 0 {
		t.Errorf("transport calls = %d, want 0", tr.callCount())
	}
}

func TestConn_Send_RetriesTransientFailures(t *testing.T) {
	tr := &fakeTransport{sendErr: errors.New("temporary write failure"), failN: 2}
	c := newTestConn(tr, ClassRegular, 5)
	c.Initialize()

	if !c.Send(context.Background(), []byte("payload")) {
		t.Fatal("Send() should succeed after transient failures")
	}
	if tr.sendCount() != 1 {
		t.Errorf("delivered sends = %d, want 1", tr.sendCount())
	}
	if tr.callCount() != 3 {
		t.Errorf("transport calls = %d, want 3 (2 failures + 1 success)", tr.callCount())
	}
	if got := c.State(); got != StateAccepted {
		t.Errorf("State() = %v, want %v", got, StateAccepted)
	}
}

func TestConn_Send_PeerGoneAbortsRetries(t *testing.T) {
	tr := &fakeTransport{sendErr: transport.ErrClosed, failN: -1}
	c := newTestConn(tr, ClassRegular, 5)
	c.Initialize()

	if c.Send(context.Background(), []byte("payload")) {
		t.Fatal("Send() should fail on closed transport")
	}
	if tr.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1 (no retries on permanent error)", tr.callCount())
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}
}

func TestConn_Send_ExhaustedRetriesDisconnect(t *testing.T) {
	tr := &fakeTransport{sendErr: errors.New("temporary write failure"), failN: -1}
	c := newTestConn(tr, ClassRegular, 5)
	c.Initialize()

	if c.Send(context.Background(), []byte("payload")) {
		t.Fatal("Send() should fail after exhausting retries")
	}
	if tr.callCount() != 6 {
		t.Errorf("transport calls = %d, want 6 (1 initial + 5 retries)", tr.callCount())
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}

	// Terminal state: subsequent sends never touch the transport again.
	before := tr.callCount()
	if c.Send(context.Background(), []byte("payload")) {
		t.Error("Send() on disconnected connection should fail")
	}
	if tr.callCount() != before {
		t.Errorf("transport calls = %d, want %d (no call after disconnect)", tr.callCount(), before)
	}
}

func TestConn_Send_UpdatesActivity(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestConn(tr, ClassRegular, 0)
	c.Initialize()

	c.mu.Lock()
	c.lastActive = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	if !c.Send(context.Background(), []byte("payload")) {
		t.Fatal("Send() failed")
	}
	if idle := c.IdleFor(); idle > time.Minute {
		t.Errorf("IdleFor() = %v, want close to zero after successful send", idle)
	}
}

func TestConn_Close_Idempotent(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestConn(tr, ClassRegular, 0)
	c.Initialize()

	c.Close("first")
	c.Close("second")

	if !tr.isClosed() {
		t.Error("transport should be closed")
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}
}

func TestClassFromIdentifier(t *testing.T) {
	markers := []string{"streaming_stt", "realtime_voice"}

	tests := []struct {
		identifier string
		want       Class
	}{
		{"streaming_stt-1", ClassPriority},
		{"realtime_voice_42", ClassPriority},
		{"user-2", ClassRegular},
		{"", ClassRegular},
		{"stt", ClassRegular},
	}

	for _, tt := range tests {
		t.Run(tt.identifier, func(t *testing.T) {
			if got := ClassFromIdentifier(tt.identifier, markers); got != tt.want {
				t.Errorf("ClassFromIdentifier(%q) = %v, want %v", tt.identifier, got, tt.want)
			}
		})
	}
}
