package wire

import (
	"fmt"
	"strings"

	"github.com/cyberinferno/volserve/volume"
)

// PutTransferFunction appends a transfer function block.
func (e *Encoder) PutTransferFunction(tf *volume.TransferFunction) {
	e.PutInt32(tf.DiscreteColors)
	e.PutInt32(int32(len(tf.Widgets)))
	for i := range tf.Widgets {
		w := &tf.Widgets[i]
		e.PutUint8(uint8(w.Kind))
		e.PutFloat32(w.Pos)
		e.PutFloat32(w.Width)
		e.PutFloat32(w.TopWidth)
		e.PutFloat32(w.Opacity)
		e.PutBool(w.OwnColor)
		for _, c := range w.Color {
			e.PutFloat32(c)
		}
		e.PutInt32(int32(len(w.Points)))
		for _, p := range w.Points {
			e.PutFloat32(p.X)
			e.PutFloat32(p.Opacity)
		}
	}
}

// GetTransferFunction reads a transfer function block. Counts are checked
// against the volume package limits before anything is allocated.
func (d *Decoder) GetTransferFunction() (volume.TransferFunction, error) {
	var tf volume.TransferFunction

	discrete, err := d.GetInt32()
	if err != nil {
		return tf, err
	}

	count, err := d.GetInt32()
	if err != nil {
		return tf, asDecode("transfer function", err)
	}

	if discrete < 0 {
		return tf, decodeErr("discrete colors", fmt.Errorf("negative count %d", discrete))
	}

	if count < 0 || count > volume.MaxWidgets {
		return tf, decodeErr("widget count", fmt.Errorf("count %d out of range", count))
	}

	tf.DiscreteColors = discrete
	if count > 0 {
		tf.Widgets = make([]volume.Widget, count)
	}

	for i := range tf.Widgets {
		if err := d.getWidget(&tf.Widgets[i]); err != nil {
			return volume.TransferFunction{}, asDecode("widget", err)
		}
	}

	return tf, nil
}

func (d *Decoder) getWidget(w *volume.Widget) error {
	kind, err := d.GetUint8()
	if err != nil {
		return err
	}

	if volume.WidgetKind(kind) > volume.WidgetCustom {
		return decodeErr("widget kind", fmt.Errorf("unknown kind %d", kind))
	}
	w.Kind = volume.WidgetKind(kind)

	for _, f := range []*float32{&w.Pos, &w.Width, &w.TopWidth, &w.Opacity} {
		if *f, err = d.GetFloat32(); err != nil {
			return err
		}
	}

	if w.OwnColor, err = d.GetBool(); err != nil {
		return err
	}

	for i := range w.Color {
		if w.Color[i], err = d.GetFloat32(); err != nil {
			return err
		}
	}

	n, err := d.GetInt32()
	if err != nil {
		return err
	}

	if n < 0 || n > volume.MaxCustomPoints {
		return decodeErr("point count", fmt.Errorf("count %d out of range", n))
	}

	if n > 0 {
		w.Points = make([]volume.Point, n)
	}

	for i := range w.Points {
		if w.Points[i].X, err = d.GetFloat32(); err != nil {
			return err
		}
		if w.Points[i].Opacity, err = d.GetFloat32(); err != nil {
			return err
		}
	}

	return nil
}

// PutVolume appends a volume descriptor block: header, voxels, then the
// transfer function.
func (e *Encoder) PutVolume(vd *volume.Descriptor) {
	for _, n := range vd.Dims {
		e.PutInt32(n)
	}
	e.PutInt32(vd.Channels)
	e.PutInt32(vd.BytesPerChannel)
	e.PutInt32(vd.Frames)
	e.PutFloat32(vd.RealMin)
	e.PutFloat32(vd.RealMax)
	e.PutBytes(vd.Voxels)
	e.PutTransferFunction(&vd.TF)
}

// GetVolume reads a volume descriptor block. The header is validated and the
// payload size checked against MaxPayload before the voxel buffer is
// allocated.
func (d *Decoder) GetVolume() (*volume.Descriptor, error) {
	vd := &volume.Descriptor{}

	var err error
	for i := range vd.Dims {
		if vd.Dims[i], err = d.GetInt32(); err != nil {
			return nil, err
		}
	}

	for _, f := range []*int32{&vd.Channels, &vd.BytesPerChannel, &vd.Frames} {
		if *f, err = d.GetInt32(); err != nil {
			return nil, asDecode("volume header", err)
		}
	}

	if vd.RealMin, err = d.GetFloat32(); err != nil {
		return nil, asDecode("volume header", err)
	}

	if vd.RealMax, err = d.GetFloat32(); err != nil {
		return nil, asDecode("volume header", err)
	}

	if err := vd.ValidateHeader(); err != nil {
		return nil, decodeErr("volume header", err)
	}

	size := vd.PayloadSize()
	if d.MaxPayload > 0 && size > d.MaxPayload {
		return nil, decodeErr("volume payload", fmt.Errorf("%d bytes exceeds limit of %d", size, d.MaxPayload))
	}

	if vd.Voxels, err = d.GetBytes(int(size)); err != nil {
		return nil, asDecode("volume payload", err)
	}

	if vd.TF, err = d.GetTransferFunction(); err != nil {
		return nil, asDecode("volume transfer function", err)
	}

	return vd, nil
}

// ServerInfo is the reply to a server info request.
type ServerInfo struct {
	Renderers []string `json:"renderers"` // Available renderer names
	Load      int32    `json:"load"`      // Active session count
}

// PutServerInfo appends the renderer names as one comma-separated string
// followed by the load figure.
func (e *Encoder) PutServerInfo(info ServerInfo) {
	e.PutString(strings.Join(info.Renderers, ","))
	e.PutInt32(info.Load)
}

// GetServerInfo reads a server info record.
func (d *Decoder) GetServerInfo() (ServerInfo, error) {
	names, err := d.GetString()
	if err != nil {
		return ServerInfo{}, err
	}

	load, err := d.GetInt32()
	if err != nil {
		return ServerInfo{}, asDecode("server info", err)
	}

	info := ServerInfo{Load: load}
	if names != "" {
		info.Renderers = strings.Split(names, ",")
	}

	return info, nil
}
