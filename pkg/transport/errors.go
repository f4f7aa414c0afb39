package transport

import "errors"

// Connect failures. Dial wraps one of these so callers can distinguish
// a dead host from a slow handshake from an incompatible peer.
var (
	ErrUnreachable      = errors.New("robot unreachable")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrVersionMismatch  = errors.New("protocol version mismatch")
)

// Send failures.
var (
	// ErrSessionClosed reports a send on a dead session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSendTimeout reports backpressure: the write could not
	// complete within its deadline.
	ErrSendTimeout = errors.New("send timed out")
)

// ErrConnectionLost is the terminal error the supervisor surfaces once
// reconnection attempts are exhausted.
var ErrConnectionLost = errors.New("connection lost")
