package server

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/volserve/protocol"
	"github.com/cyberinferno/volserve/transport"
)

// ExitReason says why a session ended.
type ExitReason int

const (
	ClientExit         ExitReason = iota // The client sent Exit
	PeerClosed                           // The peer closed the connection
	TransportError                       // A read or write failed
	DecodeError                          // A payload could not be decoded
	HandshakeError                       // The handshake was rejected
	ProtocolError                        // An illegal or unknown event arrived
	RenderContextError                   // Rendering could not be set up
	ServerStopped                        // The server shut the session down
)

// String returns the reason name.
func (r ExitReason) String() string {
	switch r {
	case ClientExit:
		return "ClientExit"
	case PeerClosed:
		return "PeerClosed"
	case TransportError:
		return "TransportError"
	case DecodeError:
		return "DecodeError"
	case HandshakeError:
		return "HandshakeError"
	case ProtocolError:
		return "ProtocolError"
	case RenderContextError:
		return "RenderContextError"
	case ServerStopped:
		return "ServerStopped"
	default:
		return fmt.Sprintf("ExitReason(%d)", int(r))
	}
}

// exitError ends the event loop with a known reason.
type exitError struct {
	reason ExitReason
	err    error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return e.reason.String()
	}
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *exitError) Unwrap() error { return e.err }

var errClientExit = &exitError{reason: ClientExit}

// reasonFor classifies an error returned from the event loop.
func reasonFor(err error) ExitReason {
	var ee *exitError
	switch {
	case errors.As(err, &ee):
		return ee.reason
	case errors.Is(err, transport.ErrClosed):
		return ServerStopped
	case errors.Is(err, transport.ErrEndOfStream):
		return PeerClosed
	case errors.Is(err, protocol.ErrDecode):
		return DecodeError
	default:
		return TransportError
	}
}
