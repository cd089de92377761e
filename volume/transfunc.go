package volume

import (
	"fmt"
	"math"
)

// MaxWidgets bounds the number of widgets in a transfer function and
// MaxCustomPoints the control points of one custom widget.
const (
	MaxWidgets      = 1024
	MaxCustomPoints = 4096
)

// WidgetKind identifies the shape of a transfer function widget.
type WidgetKind uint8

const (
	WidgetColor   WidgetKind = iota // Colour control point
	WidgetPyramid                   // Trapezoidal opacity ramp
	WidgetBell                      // Gaussian opacity bump
	WidgetSkip                      // Forces zero opacity over a range
	WidgetCustom                    // Piecewise linear opacity
)

// String returns the widget kind name.
func (k WidgetKind) String() string {
	switch k {
	case WidgetColor:
		return "Color"
	case WidgetPyramid:
		return "Pyramid"
	case WidgetBell:
		return "Bell"
	case WidgetSkip:
		return "Skip"
	case WidgetCustom:
		return "Custom"
	default:
		return "Unknown"
	}
}

// Point is a control point of a custom widget, relative to the widget
// position.
type Point struct {
	X       float32
	Opacity float32
}

// Widget is one element of a transfer function. Positions and widths are in
// normalized data space [0, 1]. Fields that do not apply to a kind are zero.
type Widget struct {
	Kind     WidgetKind
	Pos      float32
	Width    float32 // Bottom width (pyramid), standard width (bell), range (skip, custom)
	TopWidth float32 // Pyramid plateau width
	Opacity  float32
	OwnColor bool
	Color    [3]float32
	Points   []Point
}

// RGBA is a classified sample colour with straight alpha.
type RGBA struct {
	R, G, B, A float32
}

// TransferFunction maps normalized scalar values to colour and opacity.
type TransferFunction struct {
	DiscreteColors int32 // 0 for smooth colours
	Widgets        []Widget
}

// Validate checks widget kinds and counts.
func (tf *TransferFunction) Validate() error {
	if tf.DiscreteColors < 0 {
		return fmt.Errorf("%w: discrete colors %d", ErrInvalidDescriptor, tf.DiscreteColors)
	}

	if len(tf.Widgets) > MaxWidgets {
		return fmt.Errorf("%w: %d transfer function widgets", ErrInvalidDescriptor, len(tf.Widgets))
	}

	for i, w := range tf.Widgets {
		if w.Kind > WidgetCustom {
			return fmt.Errorf("%w: widget %d has kind %d", ErrInvalidDescriptor, i, w.Kind)
		}

		if len(w.Points) > MaxCustomPoints {
			return fmt.Errorf("%w: widget %d has %d points", ErrInvalidDescriptor, i, len(w.Points))
		}
	}

	return nil
}

// IsEmpty reports whether the function has no widgets.
func (tf *TransferFunction) IsEmpty() bool {
	return len(tf.Widgets) == 0
}

// Clone returns a deep copy of tf.
func (tf *TransferFunction) Clone() TransferFunction {
	c := TransferFunction{DiscreteColors: tf.DiscreteColors}
	if tf.Widgets == nil {
		return c
	}

	c.Widgets = make([]Widget, len(tf.Widgets))
	for i, w := range tf.Widgets {
		w.Points = append([]Point(nil), w.Points...)
		c.Widgets[i] = w
	}

	return c
}

// Classify returns the colour and opacity of normalized value v. An empty
// function is a grayscale ramp with linear opacity.
func (tf *TransferFunction) Classify(v float32) RGBA {
	v = clamp01(v)
	if tf.IsEmpty() {
		return RGBA{R: v, G: v, B: v, A: v}
	}

	if tf.DiscreteColors > 0 {
		n := float32(tf.DiscreteColors)
		v = float32(math.Min(float64(float32(int(v*n))/n), 1))
	}

	c := tf.color(v)
	c.A = tf.opacity(v)
	return c
}

// color interpolates linearly between colour widgets; widgets with their own
// colour override it inside their footprint.
func (tf *TransferFunction) color(v float32) RGBA {
	var (
		below, above         *Widget
		belowDist, aboveDist float32 = 2, 2
	)

	for i := range tf.Widgets {
		w := &tf.Widgets[i]
		if w.Kind != WidgetColor {
			continue
		}

		d := w.Pos - v
		switch {
		case d <= 0 && -d < belowDist:
			below, belowDist = w, -d
		case d > 0 && d < aboveDist:
			above, aboveDist = w, d
		}
	}

	var c RGBA
	switch {
	case below == nil && above == nil:
		c = RGBA{R: 1, G: 1, B: 1}
	case below == nil:
		c = RGBA{R: above.Color[0], G: above.Color[1], B: above.Color[2]}
	case above == nil:
		c = RGBA{R: below.Color[0], G: below.Color[1], B: below.Color[2]}
	default:
		t := belowDist / (belowDist + aboveDist)
		c = RGBA{
			R: below.Color[0] + t*(above.Color[0]-below.Color[0]),
			G: below.Color[1] + t*(above.Color[1]-below.Color[1]),
			B: below.Color[2] + t*(above.Color[2]-below.Color[2]),
		}
	}

	for i := range tf.Widgets {
		w := &tf.Widgets[i]
		if w.OwnColor && w.Kind != WidgetColor && w.Kind != WidgetSkip && w.opacity(v) > 0 {
			c.R, c.G, c.B = w.Color[0], w.Color[1], w.Color[2]
		}
	}

	return c
}

// opacity is the maximum over all opacity widgets, forced to zero inside a
// skip range.
func (tf *TransferFunction) opacity(v float32) float32 {
	var a float32
	for i := range tf.Widgets {
		w := &tf.Widgets[i]
		if w.Kind == WidgetSkip && v >= w.Pos-w.Width/2 && v <= w.Pos+w.Width/2 {
			return 0
		}

		a = max(a, w.opacity(v))
	}

	return clamp01(a)
}

func (w *Widget) opacity(v float32) float32 {
	switch w.Kind {
	case WidgetPyramid:
		d := float32(math.Abs(float64(v - w.Pos)))
		switch {
		case d <= w.TopWidth/2:
			return w.Opacity
		case d <= w.Width/2 && w.Width > w.TopWidth:
			return w.Opacity * (w.Width/2 - d) / ((w.Width - w.TopWidth) / 2)
		default:
			return 0
		}
	case WidgetBell:
		if w.Width <= 0 {
			return 0
		}
		d := float64(v-w.Pos) / float64(w.Width)
		return w.Opacity * float32(math.Exp(-d*d*2))
	case WidgetCustom:
		return w.customOpacity(v)
	default:
		return 0
	}
}

func (w *Widget) customOpacity(v float32) float32 {
	if len(w.Points) == 0 {
		return 0
	}

	x := v - w.Pos
	if x < w.Points[0].X || x > w.Points[len(w.Points)-1].X {
		return 0
	}

	for i := 1; i < len(w.Points); i++ {
		p0, p1 := w.Points[i-1], w.Points[i]
		if x <= p1.X {
			if p1.X == p0.X {
				return p1.Opacity
			}
			t := (x - p0.X) / (p1.X - p0.X)
			return p0.Opacity + t*(p1.Opacity-p0.Opacity)
		}
	}

	return w.Points[len(w.Points)-1].Opacity
}

// LUT samples the function into n RGBA entries.
func (tf *TransferFunction) LUT(n int) []RGBA {
	if n <= 0 {
		return nil
	}

	lut := make([]RGBA, n)
	for i := range lut {
		v := float32(0)
		if n > 1 {
			v = float32(i) / float32(n-1)
		}
		lut[i] = tf.Classify(v)
	}

	return lut
}
