// Package transport abstracts an already-accepted, bidirectional,
// message-framed connection.
//
// The hub never performs protocol handshakes; callers hand it a Transport
// whose underlying connection is already established. The package provides a
// gorilla/websocket implementation for the relay's own HTTP surface.
package transport

import (
	"context"
	"errors"
)

// ErrClosed indicates the peer is gone or the transport has been closed.
// Senders must treat it as permanent: retrying cannot succeed.
var ErrClosed = errors.New("transport: closed")

// CloseNormal is the normal-closure code for message-framed transports
// (matches RFC 6455 close code 1000).
const CloseNormal = 1000

// Transport is an accepted duplex connection the hub can write to.
//
// Send delivers one framed message, bounded by the context deadline.
// Close is best-effort and idempotent.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}
