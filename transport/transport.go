// Package transport provides the reliable byte-stream connection used by the
// remote rendering protocol. It knows nothing about the protocol itself: it
// moves complete byte regions over a net.Conn, retrying partial reads and
// writes internally, and reports failures as distinguishable errors.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var (
	// ErrEndOfStream is returned when the peer closed the connection cleanly
	// before the requested bytes could be read.
	ErrEndOfStream = errors.New("transport: end of stream")

	// ErrConnection matches every ConnectionError.
	ErrConnection = errors.New("transport: connection error")

	// ErrClosed is returned by Send and Receive after Close.
	ErrClosed = errors.New("transport: connection closed")
)

// ConnectionError reports that a connection could not be established.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connect %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is makes every ConnectionError match ErrConnection.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// IOError reports a failed read or write on an open connection.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Option identifies a socket option settable with SetOption.
type Option int

const (
	OptNoDelay   Option = iota // Disable Nagle's algorithm
	OptKeepAlive               // Enable TCP keepalive probes
)

// String returns the option name.
func (o Option) String() string {
	switch o {
	case OptNoDelay:
		return "NoDelay"
	case OptKeepAlive:
		return "KeepAlive"
	default:
		return "Unknown"
	}
}

// Options holds the settings applied to a connection when it is dialed or
// wrapped.
type Options struct {
	// NoDelay disables Nagle's algorithm. Frames are written in one call, so
	// delaying small writes only adds latency.
	NoDelay bool
	// KeepAlive is the keepalive period; 0 disables keepalive.
	KeepAlive time.Duration
	// DialTimeout bounds connection establishment; 0 means no timeout.
	DialTimeout time.Duration
	// ReadBufferSize is the size of the buffered reader; 0 uses 64 KiB.
	ReadBufferSize int
}

// DefaultOptions returns the options used by both server and client.
//
// Returns:
//   - Options with NoDelay enabled, a 30s keepalive and a 10s dial timeout
func DefaultOptions() Options {
	return Options{
		NoDelay:        true,
		KeepAlive:      30 * time.Second,
		DialTimeout:    10 * time.Second,
		ReadBufferSize: 64 * 1024,
	}
}

// Conn is an established bidirectional byte stream. Send and Receive transfer
// the full requested length or fail; callers never observe partial frames.
// A Conn is owned by one goroutine at a time; Close may be called from any
// goroutine to unblock a pending read.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	closeOnce sync.Once
	closeErr  error
	mu        sync.Mutex
	closed    bool
}

// Dial connects to address ("host:port") and applies opts.
//
// Parameters:
//   - ctx: Context bounding the connection attempt
//   - address: The "host:port" to connect to
//   - opts: Socket options and dial timeout
//
// Returns:
//   - The connection, or a *ConnectionError if it could not be established
func Dial(ctx context.Context, address string, opts Options) (*Conn, error) {
	dialer := net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: opts.KeepAlive,
	}

	nc, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &ConnectionError{Address: address, Err: err}
	}

	c := Wrap(nc, opts)
	if err := c.applyOptions(opts); err != nil {
		_ = c.Close()
		return nil, &ConnectionError{Address: address, Err: err}
	}

	return c, nil
}

// Wrap takes ownership of an accepted net.Conn. Socket options that cannot
// be applied are ignored here; use SetOption to observe the error.
//
// Parameters:
//   - nc: The connection to wrap
//   - opts: Options to apply
//
// Returns:
//   - A Conn that owns nc
func Wrap(nc net.Conn, opts Options) *Conn {
	size := opts.ReadBufferSize
	if size <= 0 {
		size = 64 * 1024
	}

	c := &Conn{
		conn:   nc,
		reader: bufio.NewReaderSize(nc, size),
	}
	_ = c.applyOptions(opts)

	return c
}

func (c *Conn) applyOptions(opts Options) error {
	if err := c.SetOption(OptNoDelay, opts.NoDelay); err != nil {
		return err
	}

	if opts.KeepAlive > 0 {
		if tc, ok := c.conn.(*net.TCPConn); ok {
			if err := tc.SetKeepAlive(true); err != nil {
				return err
			}

			return tc.SetKeepAlivePeriod(opts.KeepAlive)
		}
	}

	return nil
}

// SetOption enables or disables a socket option. On connections that are
// not TCP (e.g. in-memory pipes) it is a no-op.
//
// Parameters:
//   - opt: The option to change
//   - enabled: The new value
//
// Returns:
//   - An error if the platform call failed or the option is unknown
func (c *Conn) SetOption(opt Option, enabled bool) error {
	tc, ok := c.conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	switch opt {
	case OptNoDelay:
		return tc.SetNoDelay(enabled)
	case OptKeepAlive:
		return tc.SetKeepAlive(enabled)
	default:
		return fmt.Errorf("transport: unknown option %d", opt)
	}
}

// Send writes all of data to the connection.
//
// Parameters:
//   - data: The bytes to write; not modified
//
// Returns:
//   - The number of bytes written (len(data) on success)
//   - ErrClosed after Close, or an *IOError if the write failed
func (c *Conn) Send(data []byte) (int, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}

	written := 0
	for written < len(data) {
		n, err := c.conn.Write(data[written:])
		written += n
		if err != nil {
			return written, c.ioError("write", err)
		}

		if n == 0 {
			return written, &IOError{Op: "write", Err: io.ErrShortWrite}
		}
	}

	return written, nil
}

// Receive reads exactly n bytes.
//
// Parameters:
//   - n: The number of bytes to read
//
// Returns:
//   - A new slice of length n
//   - ErrEndOfStream if the peer closed the connection, or an *IOError
func (c *Conn) Receive(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := c.ReceiveInto(buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// ReceiveInto fills buf completely.
func (c *Conn) ReceiveInto(buf []byte) error {
	if c.isClosed() {
		return ErrClosed
	}

	if _, err := io.ReadFull(c.reader, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrEndOfStream
		}

		return c.ioError("read", err)
	}

	return nil
}

// Read implements io.Reader for codecs layered on top of the connection.
// End of stream is reported as ErrEndOfStream rather than io.EOF so that a
// peer disconnect is never mistaken for a short payload.
func (c *Conn) Read(p []byte) (int, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}

	n, err := c.reader.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, ErrEndOfStream
		}

		return n, c.ioError("read", err)
	}

	return n, nil
}

// Write implements io.Writer with the full-write semantics of Send.
func (c *Conn) Write(p []byte) (int, error) {
	return c.Send(p)
}

// RemoteAddr returns the peer address, or "" if unknown.
func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}

	return ""
}

// Close closes the underlying connection. It is safe to call multiple times
// and from any goroutine; later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ioError classifies a read or write failure. Errors caused by a local Close
// are reported as ErrClosed, and a write to a pipe the peer closed as
// ErrEndOfStream.
func (c *Conn) ioError(op string, err error) error {
	if c.isClosed() || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}

	if errors.Is(err, io.ErrClosedPipe) {
		return ErrEndOfStream
	}

	return &IOError{Op: op, Err: err}
}
