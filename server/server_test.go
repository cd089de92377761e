package server

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/volserve/protocol"
	"github.com/cyberinferno/volserve/rendercontext"
	"github.com/cyberinferno/volserve/renderer"
	"github.com/cyberinferno/volserve/transport"
	"github.com/cyberinferno/volserve/volstore"
	"github.com/cyberinferno/volserve/volume"
	"github.com/cyberinferno/volserve/wire"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingProvider records every surface it creates and how often each was
// destroyed.
type countingProvider struct {
	*rendercontext.HeadlessProvider

	mu        sync.Mutex
	created   []rendercontext.Surface
	destroyed map[rendercontext.Surface]int
}

func newCountingProvider() *countingProvider {
	return &countingProvider{
		HeadlessProvider: rendercontext.NewHeadlessProvider(),
		destroyed:        make(map[rendercontext.Surface]int),
	}
}

func (p *countingProvider) Create(opts rendercontext.Options) (rendercontext.Surface, error) {
	s, err := p.HeadlessProvider.Create(opts)
	if err == nil {
		p.mu.Lock()
		p.created = append(p.created, s)
		p.mu.Unlock()
	}
	return s, err
}

func (p *countingProvider) Destroy(s rendercontext.Surface) error {
	p.mu.Lock()
	p.destroyed[s]++
	p.mu.Unlock()
	return p.HeadlessProvider.Destroy(s)
}

func (p *countingProvider) destroyCounts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.created))
	for i, s := range p.created {
		out[i] = p.destroyed[s]
	}
	return out
}

type testEnv struct {
	srv      *Server
	provider *countingProvider
	registry *prometheus.Registry
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	provider := newCountingProvider()
	cfg := Config{
		Addr:     "127.0.0.1:0",
		Context:  rendercontext.Options{Type: rendercontext.PBuffer, DoubleBuffered: true},
		Limits:   rendercontext.Limits{MaxWidth: 1024, MaxHeight: 1024},
		Provider: provider,
		Metrics:  NewMetrics(reg),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &testEnv{srv: NewServer(cfg), provider: provider, registry: reg}
}

// peer is the client end of a session driven directly over an in-memory
// pipe.
type peer struct {
	t    *testing.T
	conn *transport.Conn
	dec  *wire.Decoder
	enc  *wire.Encoder
}

func newPeer(t *testing.T, nc net.Conn) *peer {
	conn := transport.Wrap(nc, transport.Options{})
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn, dec: wire.NewDecoder(conn), enc: wire.NewEncoder()}
}

// start runs a session over a pipe and returns its peer, the session and a
// channel yielding the exit reason.
func (env *testEnv) start(t *testing.T) (*peer, *Session, <-chan ExitReason) {
	t.Helper()
	server, client := net.Pipe()
	sess := newSession(env.srv, 1, transport.Wrap(server, transport.Options{}))
	env.srv.AddSession(sess)

	done := make(chan ExitReason, 1)
	go func() { done <- sess.Run(context.Background()) }()

	return newPeer(t, client), sess, done
}

func (p *peer) send(build func(e *wire.Encoder)) {
	p.t.Helper()
	p.enc.Reset()
	build(p.enc)
	_, err := p.conn.Send(p.enc.Bytes())
	require.NoError(p.t, err)
}

func (p *peer) sendEvent(ev protocol.Event) {
	p.t.Helper()
	p.send(func(e *wire.Encoder) { e.PutEvent(uint8(ev)) })
}

func (p *peer) expect(ev protocol.Event) {
	p.t.Helper()
	tag, err := p.dec.GetEvent()
	require.NoError(p.t, err)
	require.Equal(p.t, ev, protocol.Event(tag))
}

func (p *peer) expectError(code protocol.ErrorCode) {
	p.t.Helper()
	p.expect(protocol.EvErrorReply)
	c, err := p.dec.GetInt32()
	require.NoError(p.t, err)
	assert.Equal(p.t, code, protocol.ErrorCode(c))
}

func (p *peer) expectImage() *rendercontext.PixelBuffer {
	p.t.Helper()
	p.expect(protocol.EvImageData)
	img, err := p.dec.GetImage()
	require.NoError(p.t, err)
	return img
}

func (p *peer) handshake(hs protocol.Handshake) {
	p.t.Helper()
	p.send(func(e *wire.Encoder) { protocol.PutHandshake(e, hs) })
}

// ready performs the handshake and sends a synthetic volume, leaving the
// session in Rendering.
func (p *peer) ready(width, height int32, name string) {
	p.t.Helper()
	p.handshake(protocol.Handshake{Width: width, Height: height, Codec: wire.CodecRaw, Renderer: name})
	p.expect(protocol.EvAck)
	p.send(func(e *wire.Encoder) {
		e.PutEvent(uint8(protocol.EvVolumeData))
		e.PutVolume(volume.Synthetic(16, 16, 16))
	})
	p.expect(protocol.EvAck)
}

func (p *peer) camera(ev protocol.Event, cam protocol.Camera) {
	p.t.Helper()
	p.send(func(e *wire.Encoder) { protocol.PutCamera(e, ev, cam) })
}

func waitReason(t *testing.T, done <-chan ExitReason) ExitReason {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("session did not end")
		return 0
	}
}

func hasCoverage(img *rendercontext.PixelBuffer) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0 {
			return true
		}
	}
	return false
}

func TestVolumeOverWireRendersViewport(t *testing.T) {
	env := newTestEnv(t, nil)
	p, sess, done := env.start(t)

	p.ready(800, 600, renderer.SoftRayName)
	assert.Equal(t, protocol.Rendering.String(), sess.Info().Phase)

	cam := protocol.DefaultCamera()
	cam.Projection = mgl32.Perspective(mgl32.DegToRad(45), 800.0/600.0, 0.1, 10)
	p.camera(protocol.EvMatrix, cam)

	img := p.expectImage()
	assert.Equal(t, 800, img.Width)
	assert.Equal(t, 600, img.Height)
	assert.True(t, hasCoverage(img))

	p.sendEvent(protocol.EvExit)
	assert.Equal(t, ClientExit, waitReason(t, done))
	assert.Equal(t, []protocol.Phase{
		protocol.Connecting, protocol.Handshaking, protocol.AwaitingVolume,
		protocol.Ready, protocol.Rendering, protocol.Closing, protocol.Closed,
	}, sess.History())
	assert.Equal(t, protocol.Closed.String(), sess.Info().Phase)
	assert.Equal(t, []int{1}, env.provider.destroyCounts())
	assert.Equal(t, float64(1), testutil.ToFloat64(env.srv.Metrics().frames.WithLabelValues("image")))
}

func TestMissingFileKeepsAwaitingVolume(t *testing.T) {
	dir := t.TempDir()
	env := newTestEnv(t, func(c *Config) {
		c.Loader = &volstore.Router{File: volstore.NewFileLoader(dir, 0)}
	})
	p, sess, done := env.start(t)

	p.handshake(protocol.Handshake{Width: 32, Height: 32, Codec: wire.CodecRaw, LoadFromFile: true, Renderer: renderer.SoftRayName})
	p.expect(protocol.EvAck)

	p.send(func(e *wire.Encoder) {
		e.PutEvent(uint8(protocol.EvVolumePath))
		e.PutString("head.vsvf")
	})
	p.expectError(protocol.CodeFileNotFound)
	assert.Equal(t, protocol.AwaitingVolume.String(), sess.Info().Phase)

	t.Run("unreadable file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.vsvf"), []byte("junk"), 0o644))
		p.send(func(e *wire.Encoder) {
			e.PutEvent(uint8(protocol.EvVolumePath))
			e.PutString("junk.vsvf")
		})
		p.expectError(protocol.CodeFileIOError)
		assert.Equal(t, protocol.AwaitingVolume.String(), sess.Info().Phase)
	})

	t.Run("corrected path", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, volstore.WriteVolume(&buf, volume.Synthetic(8, 8, 8)))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "head.vsvf"), buf.Bytes(), 0o644))

		p.send(func(e *wire.Encoder) {
			e.PutEvent(uint8(protocol.EvVolumePath))
			e.PutString("head.vsvf")
		})
		p.expect(protocol.EvAck)
		assert.Equal(t, protocol.Rendering.String(), sess.Info().Phase)
	})

	p.sendEvent(protocol.EvExit)
	assert.Equal(t, ClientExit, waitReason(t, done))
}

func TestUnknownTagClosesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	p, sess, done := env.start(t)
	p.ready(16, 16, renderer.SoftRayName)

	p.send(func(e *wire.Encoder) { e.PutEvent(0xFF) })
	p.expectError(protocol.CodeProtocolError)

	assert.Equal(t, ProtocolError, waitReason(t, done))
	_, err := p.dec.GetEvent()
	assert.ErrorIs(t, err, transport.ErrEndOfStream)

	h := sess.History()
	assert.Equal(t, []protocol.Phase{protocol.Closing, protocol.Closed}, h[len(h)-2:])
	assert.Equal(t, []int{1}, env.provider.destroyCounts())
	assert.Zero(t, env.provider.Live())
}

func TestResizeReplacesDrawable(t *testing.T) {
	env := newTestEnv(t, nil)
	p, _, done := env.start(t)
	p.ready(64, 48, renderer.SoftRayName)

	p.sendEvent(protocol.EvRenderRequest)
	img := p.expectImage()
	assert.Equal(t, [2]int{64, 48}, [2]int{img.Width, img.Height})

	p.send(func(e *wire.Encoder) { protocol.PutResize(e, 40, 30) })
	p.expect(protocol.EvAck)
	assert.Equal(t, []int{1, 0}, env.provider.destroyCounts())

	for j := 0; j < 2; j++ {
		p.sendEvent(protocol.EvRenderRequest)
		img = p.expectImage()
		assert.Equal(t, [2]int{40, 30}, [2]int{img.Width, img.Height})
	}

	p.sendEvent(protocol.EvExit)
	assert.Equal(t, ClientExit, waitReason(t, done))
	assert.Equal(t, []int{1, 1}, env.provider.destroyCounts())
	assert.Zero(t, env.provider.Live())

	t.Run("invalid size ends the session", func(t *testing.T) {
		env := newTestEnv(t, nil)
		p, _, done := env.start(t)
		p.ready(16, 16, renderer.SoftRayName)

		p.send(func(e *wire.Encoder) { protocol.PutResize(e, 0, 30) })
		p.expectError(protocol.CodeRenderContextError)
		assert.Equal(t, RenderContextError, waitReason(t, done))
		assert.Equal(t, []int{1}, env.provider.destroyCounts())
	})
}

func TestHandshakeRejected(t *testing.T) {
	tests := []struct {
		name string
		hs   protocol.Handshake
	}{
		{"zero width", protocol.Handshake{Width: 0, Height: 10, Renderer: renderer.SoftRayName}},
		{"negative height", protocol.Handshake{Width: 10, Height: -1, Renderer: renderer.SoftRayName}},
		{"too large", protocol.Handshake{Width: 4096, Height: 10, Renderer: renderer.SoftRayName}},
		{"unknown codec", protocol.Handshake{Width: 10, Height: 10, Codec: wire.Codec(9), Renderer: renderer.SoftRayName}},
		{"unknown renderer", protocol.Handshake{Width: 10, Height: 10, Renderer: "texrend"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			p, sess, done := env.start(t)

			p.handshake(tt.hs)
			p.expectError(protocol.CodeHandshakeError)
			assert.Equal(t, HandshakeError, waitReason(t, done))
			assert.Equal(t, []protocol.Phase{
				protocol.Connecting, protocol.Handshaking, protocol.Closing, protocol.Closed,
			}, sess.History())
		})
	}
}

func TestIllegalEvents(t *testing.T) {
	t.Run("render before handshake", func(t *testing.T) {
		env := newTestEnv(t, nil)
		p, _, done := env.start(t)

		p.sendEvent(protocol.EvRenderRequest)
		p.expectError(protocol.CodeProtocolError)
		assert.Equal(t, ProtocolError, waitReason(t, done))
	})

	t.Run("path for a wire volume session", func(t *testing.T) {
		env := newTestEnv(t, nil)
		p, _, done := env.start(t)
		p.handshake(protocol.Handshake{Width: 8, Height: 8, Renderer: renderer.SoftRayName})
		p.expect(protocol.EvAck)

		p.sendEvent(protocol.EvVolumePath)
		p.expectError(protocol.CodeProtocolError)
		assert.Equal(t, ProtocolError, waitReason(t, done))
	})

	t.Run("second handshake", func(t *testing.T) {
		env := newTestEnv(t, nil)
		p, _, done := env.start(t)
		p.ready(8, 8, renderer.SoftRayName)

		p.sendEvent(protocol.EvHandshake)
		p.expectError(protocol.CodeProtocolError)
		assert.Equal(t, ProtocolError, waitReason(t, done))
		assert.Equal(t, []int{1}, env.provider.destroyCounts())
	})
}

func TestCorruptVolumeIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	p, _, done := env.start(t)
	p.handshake(protocol.Handshake{Width: 8, Height: 8, Renderer: renderer.SoftRayName})
	p.expect(protocol.EvAck)

	p.send(func(e *wire.Encoder) {
		e.PutEvent(uint8(protocol.EvVolumeData))
		for _, v := range []int32{-1, 4, 4, 1, 1, 1} {
			e.PutInt32(v)
		}
		e.PutFloat32(0)
		e.PutFloat32(1)
	})
	p.expectError(protocol.CodeDecodeError)
	assert.Equal(t, DecodeError, waitReason(t, done))
}

func TestServerInfoInAnyActivePhase(t *testing.T) {
	env := newTestEnv(t, nil)
	p, sess, done := env.start(t)

	info := func() wire.ServerInfo {
		p.sendEvent(protocol.EvServerInfo)
		p.expect(protocol.EvServerInfoReply)
		got, err := p.dec.GetServerInfo()
		require.NoError(t, err)
		return got
	}

	got := info()
	assert.Equal(t, []string{renderer.BoundariesName, renderer.SoftRayName, renderer.SoftRayRendName}, got.Renderers)
	assert.Equal(t, int32(1), got.Load)
	assert.Equal(t, protocol.Handshaking.String(), sess.Info().Phase)

	p.ready(8, 8, renderer.SoftRayName)
	assert.Equal(t, got, info())
	assert.Equal(t, protocol.Rendering.String(), sess.Info().Phase)

	p.sendEvent(protocol.EvExit)
	assert.Equal(t, ClientExit, waitReason(t, done))
}

func TestParameterUpdates(t *testing.T) {
	t.Run("rejected value is counted and not replied", func(t *testing.T) {
		env := newTestEnv(t, nil)
		p, _, done := env.start(t)
		p.ready(8, 8, renderer.SoftRayName)

		p.send(func(e *wire.Encoder) {
			protocol.PutParameter(e, renderer.ParamQuality, renderer.FloatValue(-1))
			protocol.PutParameter(e, renderer.ParamMIPMode, renderer.IntValue(renderer.MIPMax))
			e.PutEvent(uint8(protocol.EvRenderRequest))
		})
		p.expectImage()
		assert.Equal(t, float64(1), testutil.ToFloat64(env.srv.Metrics().rejectedSettings))

		p.sendEvent(protocol.EvExit)
		assert.Equal(t, ClientExit, waitReason(t, done))
	})

	t.Run("update applies from the next render on", func(t *testing.T) {
		env := newTestEnv(t, nil)
		p, _, done := env.start(t)
		p.ready(32, 32, renderer.SoftRayName)

		p.sendEvent(protocol.EvRenderRequest)
		baseline := p.expectImage()

		p.send(func(e *wire.Encoder) {
			protocol.PutParameter(e, renderer.ParamMIPMode, renderer.IntValue(renderer.MIPMax))
			e.PutEvent(uint8(protocol.EvRenderRequest))
		})
		mip := p.expectImage()
		assert.NotEqual(t, baseline.Pix, mip.Pix)

		p.send(func(e *wire.Encoder) {
			e.PutEvent(uint8(protocol.EvRenderRequest))
			protocol.PutParameter(e, renderer.ParamMIPMode, renderer.IntValue(renderer.MIPOff))
		})
		assert.Equal(t, mip.Pix, p.expectImage().Pix)

		p.sendEvent(protocol.EvRenderRequest)
		assert.Equal(t, baseline.Pix, p.expectImage().Pix)

		p.sendEvent(protocol.EvExit)
		assert.Equal(t, ClientExit, waitReason(t, done))
	})

	t.Run("unknown id is fatal", func(t *testing.T) {
		env := newTestEnv(t, nil)
		p, _, done := env.start(t)
		p.ready(8, 8, renderer.SoftRayName)

		p.send(func(e *wire.Encoder) { protocol.PutParameter(e, renderer.ParamID(99), renderer.IntValue(1)) })
		p.expectError(protocol.CodeProtocolError)
		assert.Equal(t, ProtocolError, waitReason(t, done))
	})

	t.Run("transfer function", func(t *testing.T) {
		env := newTestEnv(t, nil)
		p, _, done := env.start(t)
		p.ready(8, 8, renderer.SoftRayName)

		tf := volume.TransferFunction{Widgets: []volume.Widget{
			{Kind: volume.WidgetColor, Pos: 0, Color: [3]float32{1, 0, 0}},
			{Kind: volume.WidgetPyramid, Pos: 0.5, Width: 2, TopWidth: 2, Opacity: 1},
		}}
		p.send(func(e *wire.Encoder) {
			e.PutEvent(uint8(protocol.EvTransferFunction))
			e.PutTransferFunction(&tf)
			e.PutEvent(uint8(protocol.EvRenderRequest))
		})

		img := p.expectImage()
		off := (4*img.Width + 4) * 4
		assert.Equal(t, uint8(255), img.Pix[off])
		assert.Equal(t, uint8(0), img.Pix[off+1])

		p.sendEvent(protocol.EvExit)
		assert.Equal(t, ClientExit, waitReason(t, done))
	})
}

func TestRenderOrdering(t *testing.T) {
	env := newTestEnv(t, nil)
	p, _, done := env.start(t)
	p.ready(32, 32, renderer.SoftRayName)

	away := protocol.DefaultCamera()
	away.Modelview = mgl32.Translate3D(100, 0, -2)

	p.send(func(e *wire.Encoder) {
		protocol.PutCamera(e, protocol.EvMatrix, protocol.DefaultCamera())
		protocol.PutCamera(e, protocol.EvCameraUpdate, away)
		e.PutEvent(uint8(protocol.EvRenderRequest))
		protocol.PutCamera(e, protocol.EvMatrix, protocol.DefaultCamera())
	})

	assert.True(t, hasCoverage(p.expectImage()))
	assert.False(t, hasCoverage(p.expectImage()))
	assert.True(t, hasCoverage(p.expectImage()))

	p.sendEvent(protocol.EvExit)
	assert.Equal(t, ClientExit, waitReason(t, done))
}

func TestRenderErrorKeepsSession(t *testing.T) {
	env := newTestEnv(t, nil)
	p, _, done := env.start(t)
	p.ready(8, 8, renderer.SoftRayName)

	p.camera(protocol.EvMatrix, protocol.Camera{Modelview: mgl32.Ident4()})
	p.expectError(protocol.CodeRenderError)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.srv.Metrics().renderErrors))

	p.camera(protocol.EvMatrix, protocol.DefaultCamera())
	p.expectImage()

	p.sendEvent(protocol.EvExit)
	assert.Equal(t, ClientExit, waitReason(t, done))
}

func TestGeometryRenderer(t *testing.T) {
	env := newTestEnv(t, nil)
	p, _, done := env.start(t)
	p.ready(8, 8, renderer.BoundariesName)

	p.sendEvent(protocol.EvRenderRequest)
	p.expect(protocol.EvGeometryData)
	g, err := p.dec.GetGeometry()
	require.NoError(t, err)
	assert.Equal(t, renderer.Lines, g.Primitive)
	assert.Len(t, g.Vertices, 24)

	p.sendEvent(protocol.EvExit)
	assert.Equal(t, ClientExit, waitReason(t, done))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.srv.Metrics().frames.WithLabelValues("geometry")))
}

func TestPeerClosed(t *testing.T) {
	env := newTestEnv(t, nil)
	p, _, done := env.start(t)
	p.ready(8, 8, renderer.SoftRayName)

	require.NoError(t, p.conn.Close())
	assert.Equal(t, PeerClosed, waitReason(t, done))
	assert.Equal(t, []int{1}, env.provider.destroyCounts())
	assert.Equal(t, float64(1), testutil.ToFloat64(env.srv.Metrics().sessionsEnded.WithLabelValues("PeerClosed")))
}

func TestServerLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.srv.Start())
	assert.Error(t, env.srv.Start())

	conn, err := transport.Dial(context.Background(), env.srv.Addr(), transport.DefaultOptions())
	require.NoError(t, err)
	p := &peer{t: t, conn: conn, dec: wire.NewDecoder(conn), enc: wire.NewEncoder()}
	t.Cleanup(func() { _ = conn.Close() })

	p.ready(16, 16, renderer.SoftRayName)
	p.sendEvent(protocol.EvRenderRequest)
	p.expectImage()

	sessions := env.srv.Sessions()
	require.Len(t, sessions, 1)
	_, ok := env.srv.GetSession(sessions[0].ID())
	assert.True(t, ok)
	assert.Equal(t, int32(1), env.srv.Info().Load)
	assert.Equal(t, uint64(1), sessions[0].Info().Frames.Frames)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.srv.Metrics().sessionsActive))

	env.srv.Stop()
	env.srv.Stop()

	assert.Empty(t, env.srv.Sessions())
	assert.Zero(t, env.provider.Live())
	assert.Equal(t, float64(0), testutil.ToFloat64(env.srv.Metrics().sessionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.srv.Metrics().sessionsEnded.WithLabelValues("ServerStopped")))

	_, err = p.dec.GetEvent()
	assert.ErrorIs(t, err, transport.ErrEndOfStream)
}

func TestTruncatedMessageAfterTag(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.srv.Start())
	t.Cleanup(env.srv.Stop)

	nc, err := net.Dial("tcp", env.srv.Addr())
	require.NoError(t, err)
	p := newPeer(t, nc)

	p.sendEvent(protocol.EvHandshake)
	require.NoError(t, nc.(*net.TCPConn).CloseWrite())

	p.expectError(protocol.CodeDecodeError)
	_, err = p.dec.GetEvent()
	assert.ErrorIs(t, err, transport.ErrEndOfStream)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(env.srv.Metrics().sessionsEnded.WithLabelValues("DecodeError")) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExitReasonString(t *testing.T) {
	assert.Equal(t, "ClientExit", ClientExit.String())
	assert.Equal(t, "ServerStopped", ServerStopped.String())
	assert.Equal(t, "ExitReason(42)", ExitReason(42).String())
}
