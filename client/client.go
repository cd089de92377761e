// Package client implements the client side of the remote rendering
// protocol. Every call is one request, or one request and its reply; calls
// are serialized so at most one frame is ever in flight on a connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cyberinferno/volserve/protocol"
	"github.com/cyberinferno/volserve/renderer"
	"github.com/cyberinferno/volserve/transport"
	"github.com/cyberinferno/volserve/volume"
	"github.com/cyberinferno/volserve/wire"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client: closed")

// RemoteError is an ErrorReply received from the server. It matches the
// protocol sentinel for its code, so errors.Is(err, protocol.ErrFileNotFound)
// works on a FileNotFound reply.
type RemoteError struct {
	Code protocol.ErrorCode
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("client: server replied %s", e.Code)
}

// Is matches the sentinel of e.Code.
func (e *RemoteError) Is(target error) bool {
	sentinel := e.Code.Err()
	return sentinel != nil && target == sentinel
}

// Config holds client settings.
type Config struct {
	// Address is the "host:port" of the server.
	Address string
	// Transport options; NoDelay is always enabled.
	Transport transport.Options
	// MaxPayload bounds image payloads accepted from the server; 0 keeps
	// the decoder default.
	MaxPayload int64
}

// DefaultConfig returns a Config with default transport options for
// address.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with NoDelay, a 30s keepalive and a 10s dial timeout
func DefaultConfig(address string) Config {
	return Config{
		Address:   address,
		Transport: transport.DefaultOptions(),
	}
}

// Client is a connection to a rendering server. It is safe for concurrent
// use; calls are executed one at a time.
type Client struct {
	mu     sync.Mutex
	conn   *transport.Conn
	dec    *wire.Decoder
	enc    *wire.Encoder
	closed bool
}

// Dial connects to the server.
//
// Parameters:
//   - ctx: Bounds the connection attempt
//   - cfg: Address and transport options
//
// Returns:
//   - A connected client, or an error matching protocol.ErrConnection
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	opts := cfg.Transport
	opts.NoDelay = true

	conn, err := transport.Dial(ctx, cfg.Address, opts)
	if err != nil {
		return nil, err
	}

	dec := wire.NewDecoder(conn)
	if cfg.MaxPayload > 0 {
		dec.MaxPayload = cfg.MaxPayload
	}

	return &Client{
		conn: conn,
		dec:  dec,
		enc:  wire.NewEncoder(),
	}, nil
}

// GetInfo connects, asks for the server info and exits without a
// handshake.
func GetInfo(ctx context.Context, cfg Config) (wire.ServerInfo, error) {
	c, err := Dial(ctx, cfg)
	if err != nil {
		return wire.ServerInfo{}, err
	}
	defer c.Close()

	info, err := c.Info()
	if err != nil {
		return wire.ServerInfo{}, err
	}

	return info, c.Exit()
}

// Info requests the renderer names and load of the server. It is legal
// before and after the handshake.
func (c *Client) Info() (wire.ServerInfo, error) {
	var info wire.ServerInfo

	err := c.call(func(e *wire.Encoder) {
		e.PutEvent(uint8(protocol.EvServerInfo))
	}, func(ev protocol.Event) error {
		if ev != protocol.EvServerInfoReply {
			return unexpected(ev)
		}

		var err error
		info, err = c.dec.GetServerInfo()
		return err
	})

	return info, err
}

// Handshake negotiates the session.
//
// Returns:
//   - nil on Ack, or a *RemoteError matching protocol.ErrHandshake
func (c *Client) Handshake(hs protocol.Handshake) error {
	return c.call(func(e *wire.Encoder) {
		protocol.PutHandshake(e, hs)
	}, expectAck)
}

// SendVolume transfers vd and waits until the server is ready to render.
func (c *Client) SendVolume(vd *volume.Descriptor) error {
	return c.call(func(e *wire.Encoder) {
		e.PutEvent(uint8(protocol.EvVolumeData))
		e.PutVolume(vd)
	}, expectAck)
}

// LoadVolume asks the server to load a volume from its own storage. A
// *RemoteError matching protocol.ErrFileNotFound or protocol.ErrFileIO
// leaves the session waiting for another path.
func (c *Client) LoadVolume(path string) error {
	return c.call(func(e *wire.Encoder) {
		e.PutEvent(uint8(protocol.EvVolumePath))
		e.PutString(path)
	}, expectAck)
}

// SetCamera updates the matrices used by the next render.
func (c *Client) SetCamera(cam protocol.Camera) error {
	return c.call(func(e *wire.Encoder) {
		protocol.PutCamera(e, protocol.EvCameraUpdate, cam)
	}, nil)
}

// SetParameter changes a renderer parameter. Values the renderer refuses are
// dropped by the server without a reply.
func (c *Client) SetParameter(id renderer.ParamID, v renderer.Value) error {
	return c.call(func(e *wire.Encoder) {
		protocol.PutParameter(e, id, v)
	}, nil)
}

// SetTransferFunction replaces the renderer's transfer function.
func (c *Client) SetTransferFunction(tf volume.TransferFunction) error {
	return c.call(func(e *wire.Encoder) {
		e.PutEvent(uint8(protocol.EvTransferFunction))
		e.PutTransferFunction(&tf)
	}, nil)
}

// Render renders a frame with the current camera.
//
// Returns:
//   - The frame: pixels or geometry
//   - A *RemoteError matching protocol.ErrRender if rendering failed
func (c *Client) Render() (renderer.Result, error) {
	return c.render(func(e *wire.Encoder) {
		e.PutEvent(uint8(protocol.EvRenderRequest))
	})
}

// RenderWith sets the camera and renders in one message.
func (c *Client) RenderWith(cam protocol.Camera) (renderer.Result, error) {
	return c.render(func(e *wire.Encoder) {
		protocol.PutCamera(e, protocol.EvMatrix, cam)
	})
}

func (c *Client) render(build func(e *wire.Encoder)) (renderer.Result, error) {
	var res renderer.Result

	err := c.call(build, func(ev protocol.Event) error {
		var err error
		switch ev {
		case protocol.EvImageData:
			res.Pixels, err = c.dec.GetImage()
		case protocol.EvGeometryData:
			res.Geometry, err = c.dec.GetGeometry()
		default:
			err = unexpected(ev)
		}
		return err
	})

	return res, err
}

// Resize changes the viewport. Later frames have the new size.
func (c *Client) Resize(width, height int32) error {
	return c.call(func(e *wire.Encoder) {
		protocol.PutResize(e, width, height)
	}, expectAck)
}

// Exit ends the session and closes the connection.
func (c *Client) Exit() error {
	err := c.call(func(e *wire.Encoder) {
		e.PutEvent(uint8(protocol.EvExit))
	}, nil)

	if cerr := c.Close(); err == nil && cerr != nil && !errors.Is(cerr, ErrClosed) {
		err = cerr
	}

	return err
}

// Close closes the connection without sending Exit. It is safe to call
// multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	return c.conn.Close()
}

// RenderContext is Render bounded by ctx: if ctx ends first the connection
// is closed and the call fails.
func (c *Client) RenderContext(ctx context.Context) (renderer.Result, error) {
	if err := ctx.Err(); err != nil {
		return renderer.Result{}, err
	}

	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	res, err := c.Render()
	if err != nil && ctx.Err() != nil {
		return res, fmt.Errorf("%w: %w", ctx.Err(), err)
	}

	return res, err
}

// call sends one request and, if handle is not nil, reads one reply. An
// ErrorReply becomes a *RemoteError.
func (c *Client) call(build func(e *wire.Encoder), handle func(ev protocol.Event) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.enc.Reset()
	build(c.enc)
	if _, err := c.conn.Send(c.enc.Bytes()); err != nil {
		return err
	}

	if handle == nil {
		return nil
	}

	tag, err := c.dec.GetEvent()
	if err != nil {
		return err
	}

	ev := protocol.Event(tag)
	if ev == protocol.EvErrorReply {
		code, err := c.dec.GetInt32()
		if err != nil {
			return err
		}
		return &RemoteError{Code: protocol.ErrorCode(code)}
	}

	return handle(ev)
}

func expectAck(ev protocol.Event) error {
	if ev != protocol.EvAck {
		return unexpected(ev)
	}
	return nil
}

func unexpected(ev protocol.Event) error {
	return fmt.Errorf("%w: unexpected reply %s", protocol.ErrProtocol, ev)
}
