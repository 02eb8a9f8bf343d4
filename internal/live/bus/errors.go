package bus

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Subscribe and Send while there is no
	// live connection. Nothing is queued.
	ErrNotConnected = errors.New("bus: not connected")

	// ErrDisconnected is returned to a Connect that was overtaken by an
	// explicit Disconnect.
	ErrDisconnected = errors.New("bus: disconnected")

	// ErrReconnectExhausted is reported through OnError once automatic
	// reconnection has given up.
	ErrReconnectExhausted = errors.New("bus: reconnect attempts exhausted")

	// ErrHeartbeatTimeout is the drop cause when the server went quiet for
	// longer than it promised.
	ErrHeartbeatTimeout = errors.New("bus: heartbeat timeout")
)

// ProtocolError is a STOMP ERROR frame from the server. During the handshake
// it fails the connect attempt and is never retried automatically.
type ProtocolError struct {
	Message string
	Detail  string
}

func (e *ProtocolError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("bus: stomp error: %s: %s", e.Message, e.Detail)
	}
	return "bus: stomp error: " + e.Message
}
