package protocol

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/volserve/rendercontext"
	"github.com/cyberinferno/volserve/renderer"
	"github.com/cyberinferno/volserve/transport"
	"github.com/cyberinferno/volserve/wire"
)

// Error kinds. Failures are wrapped with %w and matched with errors.Is.
var (
	ErrConnection    = transport.ErrConnection
	ErrDecode        = wire.ErrDecode
	ErrHandshake     = errors.New("protocol: handshake rejected")
	ErrFileNotFound  = errors.New("protocol: volume file not found")
	ErrFileIO        = errors.New("protocol: volume file unreadable")
	ErrRenderContext = rendercontext.ErrRenderContext
	ErrRender        = renderer.ErrRender
	ErrProtocol      = errors.New("protocol: protocol violation")
)

// ErrorCode is the int32 carried by an ErrorReply. Codes 0 to 3 are shared
// with older servers and must not be renumbered.
type ErrorCode int32

const (
	CodeOK                 ErrorCode = 0
	CodeSocketError        ErrorCode = 1
	CodeFileIOError        ErrorCode = 2
	CodeRenderContextError ErrorCode = 3
	CodeFileNotFound       ErrorCode = 4
	CodeDecodeError        ErrorCode = 5
	CodeHandshakeError     ErrorCode = 6
	CodeRenderError        ErrorCode = 7
	CodeProtocolError      ErrorCode = 8
)

// String returns the code name.
func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeSocketError:
		return "SocketError"
	case CodeFileIOError:
		return "FileIOError"
	case CodeRenderContextError:
		return "RenderContextError"
	case CodeFileNotFound:
		return "FileNotFound"
	case CodeDecodeError:
		return "DecodeError"
	case CodeHandshakeError:
		return "HandshakeError"
	case CodeRenderError:
		return "RenderError"
	case CodeProtocolError:
		return "ProtocolError"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int32(c))
	}
}

// Err returns the sentinel matching c, or nil for CodeOK and unknown codes.
func (c ErrorCode) Err() error {
	switch c {
	case CodeSocketError:
		return ErrConnection
	case CodeFileIOError:
		return ErrFileIO
	case CodeRenderContextError:
		return ErrRenderContext
	case CodeFileNotFound:
		return ErrFileNotFound
	case CodeDecodeError:
		return ErrDecode
	case CodeHandshakeError:
		return ErrHandshake
	case CodeRenderError:
		return ErrRender
	case CodeProtocolError:
		return ErrProtocol
	default:
		return nil
	}
}

// CodeFor maps err to its wire code. Transport failures map to
// CodeSocketError; errors of no known kind map to CodeProtocolError.
func CodeFor(err error) ErrorCode {
	var ioErr *transport.IOError

	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrFileNotFound):
		return CodeFileNotFound
	case errors.Is(err, ErrFileIO):
		return CodeFileIOError
	case errors.Is(err, ErrDecode):
		return CodeDecodeError
	case errors.Is(err, ErrHandshake):
		return CodeHandshakeError
	case errors.Is(err, ErrRenderContext):
		return CodeRenderContextError
	case errors.Is(err, ErrRender):
		return CodeRenderError
	case errors.Is(err, ErrConnection),
		errors.Is(err, transport.ErrEndOfStream),
		errors.Is(err, transport.ErrClosed),
		errors.As(err, &ioErr):
		return CodeSocketError
	default:
		return CodeProtocolError
	}
}
