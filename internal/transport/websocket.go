package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// defaultWriteTimeout bounds writes when the caller's context has no deadline.
const defaultWriteTimeout = 10 * time.Second

// WS wraps an upgraded *websocket.Conn as a Transport.
//
// All writes are serialized through a private mutex: gorilla connections
// support at most one concurrent writer, and interleaved writes would corrupt
// frame ordering.
type WS struct {
	conn *websocket.Conn

	// Write serialization
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewWS wraps an already-upgraded websocket connection.
func NewWS(conn *websocket.Conn) *WS {
	return &WS{conn: conn}
}

// Send writes one text frame. The context deadline becomes the write deadline.
func (w *WS) Send(ctx context.Context, data []byte) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if isPeerGone(err) {
			w.markClosed()
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close sends a best-effort close frame and closes the underlying connection.
// Safe to call multiple times.
func (w *WS) Close(code int, reason string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	return w.conn.Close()
}

func (w *WS) markClosed() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// isPeerGone reports whether a write error means the connection is dead
// rather than transiently slow.
func isPeerGone(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
	) || websocket.IsUnexpectedCloseError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
