package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/cyberinferno/volserve/logger"
	"github.com/cyberinferno/volserve/perfmonitor"
	"github.com/cyberinferno/volserve/protocol"
	"github.com/cyberinferno/volserve/rendercontext"
	"github.com/cyberinferno/volserve/renderer"
	"github.com/cyberinferno/volserve/transport"
	"github.com/cyberinferno/volserve/volume"
	"github.com/cyberinferno/volserve/wire"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session is one protocol instance bound to one connection. Its event loop
// runs on a single goroutine and handles events strictly in arrival order;
// the reply to a request is written before the next event is read.
type Session struct {
	id   uint32
	srv  *Server
	conn *transport.Conn
	dec  *wire.Decoder
	enc  *wire.Encoder
	log  logger.Logger

	machine   *protocol.Machine
	lifecycle *rendercontext.Lifecycle
	handshake protocol.Handshake
	renderer  renderer.Renderer
	drawable  *rendercontext.Drawable
	camera    protocol.Camera
	stopwatch *perfmonitor.PerformanceMonitor
	frames    perfmonitor.FrameStats

	// mu guards the copy of the session state reported by Info.
	mu        sync.Mutex
	phase     protocol.Phase
	width     int32
	height    int32
	dims      [3]int32
	connected time.Time
}

// SessionInfo describes a live session for the admin surface.
type SessionInfo struct {
	ID          uint32               `json:"id"`
	Peer        string               `json:"peer"`
	Phase       string               `json:"phase"`
	Renderer    string               `json:"renderer,omitempty"`
	Width       int32                `json:"width,omitempty"`
	Height      int32                `json:"height,omitempty"`
	VolumeDims  [3]int32             `json:"volume_dims"`
	ConnectedAt time.Time            `json:"connected_at"`
	Frames      perfmonitor.Snapshot `json:"frames"`
}

func newSession(srv *Server, id uint32, conn *transport.Conn) *Session {
	log := srv.log.With(
		logger.Field{Key: "session_id", Value: id},
		logger.Field{Key: "peer", Value: conn.RemoteAddr()},
	)

	dec := wire.NewDecoder(conn)
	if srv.cfg.MaxVolumeBytes > 0 {
		dec.MaxPayload = srv.cfg.MaxVolumeBytes
	}

	return &Session{
		id:        id,
		srv:       srv,
		conn:      conn,
		dec:       dec,
		enc:       wire.NewEncoderWithCap(64 * 1024),
		log:       log,
		machine:   protocol.NewMachine(),
		lifecycle: rendercontext.NewLifecycle(srv.cfg.Provider, srv.cfg.Limits, log),
		stopwatch: perfmonitor.NewPerformanceMonitor(),
		phase:     protocol.Connecting,
		connected: time.Now(),
	}
}

// ID returns the session's server-assigned identifier.
func (s *Session) ID() uint32 {
	return s.id
}

// Close closes the connection, which ends a running event loop. It is safe
// to call from any goroutine and more than once.
func (s *Session) Close() error {
	return s.conn.Close()
}

// History returns the phases the session went through. Only meaningful
// after Run has returned.
func (s *Session) History() []protocol.Phase {
	return s.machine.History()
}

// Info returns a snapshot of the session state.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		ID:          s.id,
		Peer:        s.conn.RemoteAddr(),
		Phase:       s.phase.String(),
		Renderer:    s.handshake.Renderer,
		Width:       s.width,
		Height:      s.height,
		VolumeDims:  s.dims,
		ConnectedAt: s.connected,
		Frames:      s.frames.Snapshot(),
	}
}

// Run drives the session from Handshaking to Closed. It returns when the
// client exits, the connection fails, a fatal protocol error occurs or ctx
// is cancelled. The drawable and the connection are released before Run
// returns.
//
// Parameters:
//   - ctx: Cancelling ctx closes the connection and ends the session
//
// Returns:
//   - Why the session ended
func (s *Session) Run(ctx context.Context) ExitReason {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	var err error
	if err = s.transition(protocol.Handshaking); err == nil {
		s.log.Info("session started")
		for err == nil {
			err = s.handleNext(ctx)
		}
	}

	reason := reasonFor(err)
	if ctx.Err() != nil && (reason == PeerClosed || reason == TransportError) {
		reason = ServerStopped
	}

	s.close(reason, err)
	return reason
}

func (s *Session) handleNext(ctx context.Context) error {
	tag, err := s.dec.GetEvent()
	if err != nil {
		return err
	}

	ev := protocol.Event(tag)
	s.srv.cfg.Metrics.events.WithLabelValues(ev.String()).Inc()

	if !s.machine.Allows(ev) {
		return s.fail(ProtocolError, protocol.CodeProtocolError,
			fmt.Errorf("%w: %s in phase %s", protocol.ErrProtocol, ev, s.machine.Phase()))
	}

	switch ev {
	case protocol.EvHandshake:
		return s.handleHandshake()
	case protocol.EvVolumeData:
		return s.handleVolumeData()
	case protocol.EvVolumePath:
		return s.handleVolumePath(ctx)
	case protocol.EvCameraUpdate:
		return s.handleCamera()
	case protocol.EvRenderRequest:
		return s.render(ctx)
	case protocol.EvMatrix:
		if err := s.handleCamera(); err != nil {
			return err
		}
		return s.render(ctx)
	case protocol.EvParameterUpdate:
		return s.handleParameter()
	case protocol.EvTransferFunction:
		return s.handleTransferFunction()
	case protocol.EvServerInfo:
		return s.sendServerInfo()
	case protocol.EvResize:
		return s.handleResize()
	case protocol.EvExit:
		return errClientExit
	default:
		return s.fail(ProtocolError, protocol.CodeProtocolError,
			fmt.Errorf("%w: no handler for %s", protocol.ErrProtocol, ev))
	}
}

func (s *Session) handleHandshake() error {
	hs, err := protocol.GetHandshake(s.dec)
	if err != nil {
		return s.payloadErr(err)
	}

	if hs.Renderer == "" {
		hs.Renderer = s.srv.cfg.DefaultRenderer
	}

	limits := s.srv.cfg.Limits
	if err := hs.Validate(viewportLimit(limits.MaxWidth), viewportLimit(limits.MaxHeight), s.srv.cfg.Factory); err != nil {
		s.log.Warn("handshake rejected", logger.Field{Key: "error", Value: err})
		return s.fail(HandshakeError, protocol.CodeHandshakeError, err)
	}

	s.mu.Lock()
	s.handshake = hs
	s.width, s.height = hs.Width, hs.Height
	s.mu.Unlock()

	s.log.Info("handshake accepted",
		logger.Field{Key: "width", Value: hs.Width},
		logger.Field{Key: "height", Value: hs.Height},
		logger.Field{Key: "codec", Value: hs.Codec.String()},
		logger.Field{Key: "renderer", Value: hs.Renderer},
		logger.Field{Key: "load_from_file", Value: hs.LoadFromFile})

	if err := s.transition(protocol.AwaitingVolume); err != nil {
		return err
	}

	return s.ack()
}

func (s *Session) handleVolumeData() error {
	if s.handshake.LoadFromFile {
		return s.fail(ProtocolError, protocol.CodeProtocolError,
			fmt.Errorf("%w: volume data sent after requesting a server-side file", protocol.ErrProtocol))
	}

	vd, err := s.dec.GetVolume()
	if err != nil {
		return s.payloadErr(err)
	}

	return s.startRendering(vd)
}

// handleVolumePath loads a server-side volume. A missing or unreadable file
// is reported to the client and the session keeps waiting for a volume.
func (s *Session) handleVolumePath(ctx context.Context) error {
	if !s.handshake.LoadFromFile {
		return s.fail(ProtocolError, protocol.CodeProtocolError,
			fmt.Errorf("%w: volume path sent after announcing volume data", protocol.ErrProtocol))
	}

	path, err := s.dec.GetString()
	if err != nil {
		return s.payloadErr(err)
	}

	loadCtx, span := s.srv.cfg.Tracer.Start(ctx, "volserve.load_volume",
		trace.WithAttributes(attribute.String("volume.path", path)))
	vd, err := s.srv.cfg.Loader.Load(loadCtx, path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if err != nil {
		code := protocol.CodeFor(err)
		if code != protocol.CodeFileNotFound {
			code = protocol.CodeFileIOError
		}

		s.log.Warn("volume load failed",
			logger.Field{Key: "path", Value: path},
			logger.Field{Key: "error", Value: err})
		return s.replyError(code)
	}

	return s.startRendering(vd)
}

// startRendering moves the session through Ready into Rendering: it creates
// the renderer for vd and acquires a drawable of the negotiated size.
func (s *Session) startRendering(vd *volume.Descriptor) error {
	if err := s.transition(protocol.Ready); err != nil {
		return err
	}

	rnd, err := s.srv.cfg.Factory.Create(s.handshake.Renderer, vd)
	if err != nil {
		s.log.Error("renderer setup failed", logger.Field{Key: "error", Value: err})
		return s.fail(RenderContextError, protocol.CodeRenderError, err)
	}

	d, err := s.lifecycle.Acquire(s.contextOptions(s.handshake.Width, s.handshake.Height))
	if err != nil {
		s.log.Error("render context unavailable", logger.Field{Key: "error", Value: err})
		return s.fail(RenderContextError, protocol.CodeRenderContextError, err)
	}

	s.renderer = rnd
	s.drawable = d
	s.mu.Lock()
	s.dims = vd.Dims
	s.mu.Unlock()
	s.camera = protocol.DefaultCamera()

	s.log.Info("volume ready",
		logger.Field{Key: "dims", Value: vd.Dims},
		logger.Field{Key: "frames", Value: vd.Frames},
		logger.Field{Key: "renderer", Value: rnd.Name()})

	if err := s.transition(protocol.Rendering); err != nil {
		return err
	}

	return s.ack()
}

func (s *Session) handleCamera() error {
	cam, err := protocol.GetCamera(s.dec)
	if err != nil {
		return s.payloadErr(err)
	}

	s.camera = cam
	return nil
}

func (s *Session) handleParameter() error {
	id, v, err := protocol.GetParameter(s.dec)
	if err != nil {
		return s.payloadErr(err)
	}

	unknown := fmt.Errorf("%w: unknown parameter %s", protocol.ErrProtocol, id)
	if _, ok := renderer.LookupParam(id); !ok {
		return s.fail(ProtocolError, protocol.CodeProtocolError, unknown)
	}

	if err := s.renderer.SetParameter(id, v); err != nil {
		if errors.Is(err, renderer.ErrUnknownParameter) {
			return s.fail(ProtocolError, protocol.CodeProtocolError, unknown)
		}

		s.reject("parameter rejected", err, logger.Field{Key: "param", Value: id.String()})
	}

	return nil
}

func (s *Session) handleTransferFunction() error {
	tf, err := s.dec.GetTransferFunction()
	if err != nil {
		return s.payloadErr(err)
	}

	if err := s.renderer.SetTransferFunction(tf); err != nil {
		s.reject("transfer function rejected", err, logger.Field{Key: "widgets", Value: len(tf.Widgets)})
	}

	return nil
}

// handleResize replaces the drawable. The old one is released before the
// new one is acquired, so a failure leaves the session without a drawable
// and ends it.
func (s *Session) handleResize() error {
	w, h, err := protocol.GetResize(s.dec)
	if err != nil {
		return s.payloadErr(err)
	}

	s.lifecycle.Release(s.drawable)
	s.drawable = nil

	d, err := s.lifecycle.Acquire(s.contextOptions(w, h))
	if err != nil {
		s.log.Error("resize failed", logger.Field{Key: "error", Value: err})
		return s.fail(RenderContextError, protocol.CodeRenderContextError, err)
	}

	s.drawable = d
	s.mu.Lock()
	s.width, s.height = w, h
	s.mu.Unlock()

	s.log.Debug("drawable resized", logger.Field{Key: "width", Value: w}, logger.Field{Key: "height", Value: h})
	return s.ack()
}

func (s *Session) sendServerInfo() error {
	s.enc.Reset()
	s.enc.PutEvent(uint8(protocol.EvServerInfoReply))
	s.enc.PutServerInfo(s.srv.Info())
	return s.flush()
}

// render runs one frame with the current camera and writes the result.
// A failed render is answered with a render error and the loop continues.
func (s *Session) render(ctx context.Context) error {
	_, span := s.srv.cfg.Tracer.Start(ctx, "volserve.render", trace.WithAttributes(
		attribute.Int64("session.id", int64(s.id)),
		attribute.String("renderer", s.renderer.Name()),
	))
	defer span.End()

	s.stopwatch.Start()
	res, err := s.renderFrame()
	s.stopwatch.Stop()

	s.enc.Reset()
	kind := "image"
	if err == nil {
		if res.IsGeometry() {
			kind = "geometry"
			s.enc.PutEvent(uint8(protocol.EvGeometryData))
			s.enc.PutGeometry(res.Geometry)
		} else {
			s.enc.PutEvent(uint8(protocol.EvImageData))
			err = s.enc.PutImage(res.Pixels, s.handshake.Codec)
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.srv.cfg.Metrics.renderErrors.Inc()
		s.log.Warn("render failed", logger.Field{Key: "error", Value: err})
		return s.replyError(protocol.CodeRenderError)
	}

	elapsed := s.stopwatch.Elapsed()
	s.frames.Record(elapsed)
	s.srv.cfg.Metrics.frameDuration.Observe(elapsed.Seconds())
	span.SetAttributes(attribute.String("result", kind), attribute.Int("bytes", s.enc.Len()))

	if err := s.flush(); err != nil {
		return err
	}

	s.srv.cfg.Metrics.frames.WithLabelValues(kind).Inc()
	return nil
}

// renderFrame activates the drawable, renders, and captures the drawable
// when the renderer drew pixels rather than returning geometry.
func (s *Session) renderFrame() (renderer.Result, error) {
	if !s.lifecycle.Activate(s.drawable) {
		return renderer.Result{}, fmt.Errorf("%w: drawable could not be made current", renderer.ErrRender)
	}

	res, err := s.renderer.RenderImage(s.camera.Projection, s.camera.Modelview, s.drawable)
	if err != nil {
		return renderer.Result{}, err
	}

	if res.Geometry == nil && res.Pixels == nil {
		s.drawable.SwapBuffers()
		res.Pixels = s.drawable.Capture()
	}

	return res, nil
}

func (s *Session) contextOptions(width, height int32) rendercontext.Options {
	return s.srv.cfg.Context.WithSize(int(width), int(height))
}

func (s *Session) ack() error {
	s.enc.Reset()
	s.enc.PutEvent(uint8(protocol.EvAck))
	return s.flush()
}

func (s *Session) replyError(code protocol.ErrorCode) error {
	s.srv.cfg.Metrics.errorReplies.WithLabelValues(code.String()).Inc()
	s.enc.Reset()
	protocol.PutErrorReply(s.enc, code)
	return s.flush()
}

func (s *Session) flush() error {
	n, err := s.conn.Send(s.enc.Bytes())
	s.srv.cfg.Metrics.bytesSent.Add(float64(n))
	return err
}

// fail replies with code, if the connection still allows it, and ends the
// loop with reason.
func (s *Session) fail(reason ExitReason, code protocol.ErrorCode, err error) error {
	if werr := s.replyError(code); werr != nil {
		s.log.Debug("error reply not delivered", logger.Field{Key: "error", Value: werr})
	}

	return &exitError{reason: reason, err: err}
}

// payloadErr ends the session after a failed payload read. The tag has
// already been read, so an end of stream here is a truncated message and is
// answered like any other decode failure. Transport failures pass through.
func (s *Session) payloadErr(err error) error {
	if errors.Is(err, transport.ErrEndOfStream) {
		err = &wire.DecodeError{Field: "payload", Err: io.ErrUnexpectedEOF}
	}

	if errors.Is(err, protocol.ErrDecode) {
		return s.fail(DecodeError, protocol.CodeDecodeError, err)
	}

	return err
}

// reject logs and counts a setting the renderer refused. No reply is sent.
func (s *Session) reject(msg string, err error, fields ...logger.Field) {
	s.srv.cfg.Metrics.rejectedSettings.Inc()
	s.log.Warn(msg, append(fields, logger.Field{Key: "error", Value: err})...)
}

func (s *Session) transition(to protocol.Phase) error {
	if err := s.machine.Transition(to); err != nil {
		return &exitError{reason: ProtocolError, err: err}
	}

	s.mu.Lock()
	s.phase = to
	s.mu.Unlock()
	return nil
}

// close releases the drawable and the connection and unregisters the
// session.
func (s *Session) close(reason ExitReason, err error) {
	s.lifecycle.Release(s.drawable)
	_ = s.conn.Close()

	s.machine.Close()
	s.mu.Lock()
	s.phase = s.machine.Phase()
	s.mu.Unlock()

	s.srv.RemoveSession(s.id)
	s.srv.cfg.Metrics.sessionsEnded.WithLabelValues(reason.String()).Inc()

	fields := []logger.Field{
		{Key: "reason", Value: reason.String()},
		{Key: "frames", Value: s.frames.Snapshot().Frames},
	}
	switch reason {
	case ClientExit, PeerClosed, ServerStopped:
		s.log.Info("session ended", fields...)
	default:
		s.log.Warn("session ended", append(fields, logger.Field{Key: "error", Value: err})...)
	}
}

func viewportLimit(n int) int32 {
	if n <= 0 || n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(n)
}
