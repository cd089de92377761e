package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/cyberinferno/volserve/client"
	"github.com/cyberinferno/volserve/perfmonitor"
	"github.com/cyberinferno/volserve/protocol"
	"github.com/cyberinferno/volserve/volstore"
	"github.com/cyberinferno/volserve/volume"
	"github.com/cyberinferno/volserve/wire"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/spf13/cobra"
)

type renderFlags struct {
	volumePath string
	remotePath string
	synthetic  int32
	width      int32
	height     int32
	codec      string
	renderer   string
	yaw        float32
	out        string
}

func renderCmd() *cobra.Command {
	var flags renderFlags

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render one frame and save it as PNG",
		Long: `Render one frame of a volume.

The volume is read from a local file (--volume) and sent to the server, or
loaded by the server itself (--remote-path, which may be an s3:// path).
Without either a synthetic volume is sent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			return renderFrame(cmd, addr, flags)
		},
	}

	cmd.Flags().StringVar(&flags.volumePath, "volume", "", "Local volume file to send")
	cmd.Flags().StringVar(&flags.remotePath, "remote-path", "", "Volume path on the server")
	cmd.Flags().Int32Var(&flags.synthetic, "synthetic", 64, "Edge length of the synthetic volume")
	cmd.Flags().Int32Var(&flags.width, "width", 512, "Viewport width")
	cmd.Flags().Int32Var(&flags.height, "height", 512, "Viewport height")
	cmd.Flags().StringVar(&flags.codec, "codec", "zstd", "Image codec: raw, snappy, zstd")
	cmd.Flags().StringVar(&flags.renderer, "renderer", "", "Renderer name; empty uses the server default")
	cmd.Flags().Float32Var(&flags.yaw, "yaw", 30, "Camera rotation around the vertical axis in degrees")
	cmd.Flags().StringVarP(&flags.out, "out", "o", "frame.png", "Output PNG file")
	cmd.MarkFlagsMutuallyExclusive("volume", "remote-path")

	return cmd
}

func renderFrame(cmd *cobra.Command, addr string, flags renderFlags) error {
	codec, err := wire.ParseCodec(flags.codec)
	if err != nil {
		return err
	}

	c, err := client.Dial(cmd.Context(), client.DefaultConfig(addr))
	if err != nil {
		return err
	}
	defer c.Close()

	err = c.Handshake(protocol.Handshake{
		Width:        flags.width,
		Height:       flags.height,
		Codec:        codec,
		LoadFromFile: flags.remotePath != "",
		Renderer:     flags.renderer,
	})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	if err := sendVolume(c, flags); err != nil {
		return err
	}

	cam := protocol.Camera{
		Projection: mgl32.Perspective(mgl32.DegToRad(45), float32(flags.width)/float32(flags.height), 0.1, 10),
		Modelview:  mgl32.Translate3D(0, 0, -2).Mul4(mgl32.HomogRotate3DY(mgl32.DegToRad(flags.yaw))),
	}

	pm := perfmonitor.NewPerformanceMonitor()
	pm.Start()
	res, err := c.RenderWith(cam)
	pm.Stop()
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	out := cmd.OutOrStdout()
	if res.IsGeometry() {
		fmt.Fprintf(out, "Received %d %s vertices in %.1f ms\n",
			len(res.Geometry.Vertices), res.Geometry.Primitive, pm.ElapsedMilliseconds())
		return c.Exit()
	}

	if err := imgio.Save(flags.out, res.Pixels.Image(), imgio.PNGEncoder()); err != nil {
		return fmt.Errorf("save %s: %w", flags.out, err)
	}

	fmt.Fprintf(out, "Wrote %dx%d frame to %s in %.1f ms\n",
		res.Pixels.Width, res.Pixels.Height, flags.out, pm.ElapsedMilliseconds())
	return c.Exit()
}

func sendVolume(c *client.Client, flags renderFlags) error {
	if flags.remotePath != "" {
		if err := c.LoadVolume(flags.remotePath); err != nil {
			if errors.Is(err, protocol.ErrFileNotFound) {
				return fmt.Errorf("server has no volume at %s", flags.remotePath)
			}
			return fmt.Errorf("load volume: %w", err)
		}
		return nil
	}

	vd := volume.Synthetic(flags.synthetic, flags.synthetic, flags.synthetic)
	if flags.volumePath != "" {
		f, err := os.Open(flags.volumePath)
		if err != nil {
			return err
		}
		defer f.Close()

		if vd, err = volstore.ReadVolume(f, 0); err != nil {
			return fmt.Errorf("read %s: %w", flags.volumePath, err)
		}
	}

	if err := c.SendVolume(vd); err != nil {
		return fmt.Errorf("send volume: %w", err)
	}

	return nil
}
