package applier

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"

	"timealign/internal/anchors"
	"timealign/internal/imaging"
	"timealign/internal/transform"
)

const (
	// DefaultPattern names outputs by their 0-based position in the batch.
	DefaultPattern    = "img%05d.jpg"
	DefaultMarkRadius = 8
)

// DefaultFinalSize is the output canvas used when none is configured.
var DefaultFinalSize = image.Pt(720, 1280)

// Palette colours anchors by tag position, the same colours the picking tool
// shows.
var Palette = []color.Color{
	color.NRGBA{A: 0xff},
	color.NRGBA{R: 0xaa, A: 0xff},
	color.NRGBA{B: 0xdd, A: 0xff},
	color.NRGBA{G: 0x88, A: 0xff},
	color.NRGBA{R: 0xdd, G: 0x88, A: 0xff},
}

// TagColor returns the overlay colour of the tag at index i. Tags past the
// palette get hues spaced by the golden angle, so no two tags share a colour.
func TagColor(i int) color.Color {
	if i < len(Palette) {
		return Palette[i]
	}
	hue := math.Mod(float64(i-len(Palette))*137.50776405, 360)
	return hsv(hue, 0.85, 0.9)
}

func hsv(h, s, v float64) color.NRGBA {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c
	var r, g, b float64
	switch {
	case h < 60:
		r, g = c, x
	case h < 120:
		r, g = x, c
	case h < 180:
		g, b = c, x
	case h < 240:
		g, b = x, c
	case h < 300:
		r, b = x, c
	default:
		r, b = c, x
	}
	to8 := func(f float64) uint8 { return uint8(math.Round((f + m) * 255)) }
	return color.NRGBA{R: to8(r), G: to8(g), B: to8(b), A: 0xff}
}

// Applier warps images with solved transforms.
type Applier struct {
	Engine     imaging.Engine
	Logger     *slog.Logger
	Quality    int
	MarkRadius int
	Workers    int
}

// New returns an Applier with default quality, overlay radius and a single
// worker.
func New(engine imaging.Engine, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		Engine:     engine,
		Logger:     logger,
		Quality:    imaging.DefaultQuality,
		MarkRadius: DefaultMarkRadius,
		Workers:    1,
	}
}

// Apply maps the canvas into the reference frame and cuts the framing out of
// it. Parameters are resolved before any pixel is touched.
func (a *Applier) Apply(c imaging.Canvas, p transform.Params, f Framing) error {
	s, err := p.Similarity()
	if err != nil {
		return err
	}
	return a.applySimilarity(c, s, f)
}

func (a *Applier) applySimilarity(c imaging.Canvas, s transform.Similarity, f Framing) error {
	if !s.Valid() {
		return fmt.Errorf("transform %v has no usable scale", s)
	}

	scaled := ScaledSize(c.Size(), s.Alpha())
	if scaled.X < 1 || scaled.Y < 1 {
		return fmt.Errorf("scale %.6g shrinks %v to nothing", s.Alpha(), c.Size())
	}
	if err := c.Scale(scaled.X, scaled.Y); err != nil {
		return fmt.Errorf("scale: %w", err)
	}
	if err := c.Rotate(s.Degrees()); err != nil {
		return fmt.Errorf("rotate: %w", err)
	}

	r := CropRect(s, scaled, c.Size(), f.Crop)
	if err := c.Crop(r); err != nil {
		return fmt.Errorf("crop: %w", err)
	}

	if f.Final == (image.Point{}) {
		return nil
	}
	if err := c.Scale(f.Content.X, f.Content.Y); err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	if err := c.Pad(f.Final.X, f.Final.Y, PadOffset(f.Final, f.Content)); err != nil {
		return fmt.Errorf("pad: %w", err)
	}
	return nil
}

// Overlay burns one image's anchors into the canvas, one colour per tag.
func (a *Applier) Overlay(c imaging.Canvas, row []*anchors.Point) error {
	radius := a.MarkRadius
	if radius <= 0 {
		radius = DefaultMarkRadius
	}
	for i, p := range row {
		if p == nil {
			continue
		}
		if err := c.Mark(image.Pt(p.X, p.Y), radius, TagColor(i)); err != nil {
			return fmt.Errorf("mark anchor %d: %w", i, err)
		}
	}
	return nil
}
