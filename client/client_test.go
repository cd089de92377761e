package client

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/volserve/protocol"
	"github.com/cyberinferno/volserve/rendercontext"
	"github.com/cyberinferno/volserve/renderer"
	"github.com/cyberinferno/volserve/server"
	"github.com/cyberinferno/volserve/volstore"
	"github.com/cyberinferno/volserve/volume"
	"github.com/cyberinferno/volserve/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, loader volstore.Loader) *server.Server {
	t.Helper()
	srv := server.NewServer(server.Config{
		Addr:    "127.0.0.1:0",
		Context: rendercontext.Options{Type: rendercontext.PBuffer, DoubleBuffered: true},
		Limits:  rendercontext.Limits{MaxWidth: 512, MaxHeight: 512},
		Loader:  loader,
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func dial(t *testing.T, srv *server.Server) *Client {
	t.Helper()
	c, err := Dial(context.Background(), DefaultConfig(srv.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGetInfo(t *testing.T) {
	srv := startServer(t, nil)

	info, err := GetInfo(context.Background(), DefaultConfig(srv.Addr()))
	require.NoError(t, err)
	assert.Equal(t, []string{renderer.BoundariesName, renderer.SoftRayName, renderer.SoftRayRendName}, info.Renderers)
	assert.Equal(t, int32(1), info.Load)
}

func TestDialFailure(t *testing.T) {
	cfg := DefaultConfig("127.0.0.1:1")
	cfg.Transport.DialTimeout = time.Second

	_, err := Dial(context.Background(), cfg)
	assert.ErrorIs(t, err, protocol.ErrConnection)
}

func TestRenderSession(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)

	require.NoError(t, c.Handshake(protocol.Handshake{Width: 48, Height: 32, Codec: wire.CodecZstd, Renderer: renderer.SoftRayName}))
	require.NoError(t, c.SendVolume(volume.Synthetic(16, 16, 16)))

	res, err := c.RenderWith(protocol.DefaultCamera())
	require.NoError(t, err)
	require.NotNil(t, res.Pixels)
	assert.Equal(t, 48, res.Pixels.Width)
	assert.Equal(t, 32, res.Pixels.Height)

	t.Run("parameters and transfer function", func(t *testing.T) {
		require.NoError(t, c.SetParameter(renderer.ParamMIPMode, renderer.IntValue(renderer.MIPMax)))
		require.NoError(t, c.SetParameter(renderer.ParamQuality, renderer.FloatValue(0.5)))
		require.NoError(t, c.SetTransferFunction(volume.TransferFunction{DiscreteColors: 4}))
		require.NoError(t, c.SetCamera(protocol.DefaultCamera()))

		res, err := c.Render()
		require.NoError(t, err)
		assert.NotNil(t, res.Pixels)
	})

	t.Run("resize", func(t *testing.T) {
		require.NoError(t, c.Resize(20, 10))
		res, err := c.Render()
		require.NoError(t, err)
		assert.Equal(t, [2]int{20, 10}, [2]int{res.Pixels.Width, res.Pixels.Height})
	})

	t.Run("render error", func(t *testing.T) {
		_, err := c.RenderWith(protocol.Camera{})
		assert.ErrorIs(t, err, protocol.ErrRender)

		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, protocol.CodeRenderError, remote.Code)

		_, err = c.RenderWith(protocol.DefaultCamera())
		assert.NoError(t, err)
	})

	require.NoError(t, c.Exit())
	assert.ErrorIs(t, c.SetCamera(protocol.DefaultCamera()), ErrClosed)
}

func TestConcurrentCallersShareOneFrameInFlight(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	require.NoError(t, c.Handshake(protocol.Handshake{Width: 16, Height: 16, Renderer: renderer.SoftRayName}))
	require.NoError(t, c.SendVolume(volume.Synthetic(8, 8, 8)))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, errs[i] = c.Render()
			} else {
				_, errs[i] = c.Info()
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, uint64(4), srv.Sessions()[0].Info().Frames.Frames)
}

func TestGeometryFrames(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	require.NoError(t, c.Handshake(protocol.Handshake{Width: 16, Height: 16, Renderer: renderer.BoundariesName}))
	require.NoError(t, c.SendVolume(volume.Synthetic(4, 4, 4)))

	res, err := c.Render()
	require.NoError(t, err)
	require.True(t, res.IsGeometry())
	assert.Equal(t, renderer.Lines, res.Geometry.Primitive)
	assert.Len(t, res.Geometry.Vertices, 24)
}

func TestHandshakeRejected(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)

	err := c.Handshake(protocol.Handshake{Width: 1024, Height: 16, Renderer: renderer.SoftRayName})
	assert.ErrorIs(t, err, protocol.ErrHandshake)
	assert.False(t, errors.Is(err, protocol.ErrRender))

	_, err = c.Info()
	assert.Error(t, err)
}

func TestLoadVolume(t *testing.T) {
	dir := t.TempDir()
	srv := startServer(t, &volstore.Router{File: volstore.NewFileLoader(dir, 0)})
	c := dial(t, srv)

	require.NoError(t, c.Handshake(protocol.Handshake{Width: 16, Height: 16, LoadFromFile: true, Renderer: renderer.SoftRayName}))

	err := c.LoadVolume("scans/knee.vsvf")
	assert.ErrorIs(t, err, protocol.ErrFileNotFound)

	var buf bytes.Buffer
	require.NoError(t, volstore.WriteVolume(&buf, volume.Synthetic(8, 8, 8)))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scans"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scans/knee.vsvf"), buf.Bytes(), 0o644))

	require.NoError(t, c.LoadVolume("scans/knee.vsvf"))
	_, err = c.Render()
	assert.NoError(t, err)
}

func TestRenderContextCancelled(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv)
	require.NoError(t, c.Handshake(protocol.Handshake{Width: 16, Height: 16, Renderer: renderer.SoftRayName}))
	require.NoError(t, c.SendVolume(volume.Synthetic(8, 8, 8)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.RenderContext(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemoteError(t *testing.T) {
	err := error(&RemoteError{Code: protocol.CodeFileIOError})
	assert.ErrorIs(t, err, protocol.ErrFileIO)
	assert.Contains(t, err.Error(), "FileIOError")

	unknown := error(&RemoteError{Code: protocol.ErrorCode(77)})
	assert.False(t, errors.Is(unknown, protocol.ErrProtocol))
}
