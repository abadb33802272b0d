//go:build magick

package magick

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"timealign/internal/fsutil"
	"timealign/internal/imaging"
)

var magickOnce sync.Once

// Engine runs every canvas operation through ImageMagick's MagickWand.
type Engine struct {
	filter imagick.FilterType
}

// New initialises ImageMagick once per process.
func New(filter string) (*Engine, error) {
	var ft imagick.FilterType
	switch filter {
	case "", "lanczos":
		ft = imagick.FILTER_LANCZOS
	case "catmullrom", "bicubic":
		ft = imagick.FILTER_CATROM
	case "bilinear":
		ft = imagick.FILTER_TRIANGLE
	case "nearest":
		ft = imagick.FILTER_POINT
	default:
		return nil, fmt.Errorf("unknown resampling filter %q", filter)
	}
	magickOnce.Do(imagick.Initialize)
	return &Engine{filter: ft}, nil
}

func (e *Engine) Name() string { return "magick" }

func (e *Engine) Open(path string) (imaging.Canvas, error) {
	mw := imagick.NewMagickWand()
	if err := mw.ReadImage(path); err != nil {
		mw.Destroy()
		return nil, &imaging.CodecError{Op: "decode", Path: path, Err: err}
	}
	return e.wrap(mw, path)
}

func (e *Engine) Probe(path string) (image.Point, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.PingImage(path); err != nil {
		return image.Point{}, &imaging.CodecError{Op: "decode", Path: path, Err: err}
	}
	return image.Pt(int(mw.GetImageWidth()), int(mw.GetImageHeight())), nil
}

func (e *Engine) FromImage(img image.Image) (imaging.Canvas, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, &imaging.CodecError{Op: "encode", Path: "<memory>", Err: err}
	}
	mw := imagick.NewMagickWand()
	if err := mw.ReadImageBlob(buf.Bytes()); err != nil {
		mw.Destroy()
		return nil, &imaging.CodecError{Op: "decode", Path: "<memory>", Err: err}
	}
	return e.wrap(mw, "<memory>")
}

func (e *Engine) wrap(mw *imagick.MagickWand, path string) (imaging.Canvas, error) {
	none := imagick.NewPixelWand()
	none.SetColor("none")
	if err := mw.SetImageBackgroundColor(none); err != nil {
		none.Destroy()
		mw.Destroy()
		return nil, &imaging.CodecError{Op: "decode", Path: path, Err: err}
	}
	if err := mw.SetImageAlphaChannel(imagick.ALPHA_CHANNEL_SET); err != nil {
		none.Destroy()
		mw.Destroy()
		return nil, &imaging.CodecError{Op: "decode", Path: path, Err: err}
	}
	return &magickCanvas{engine: e, mw: mw, none: none}, nil
}

type magickCanvas struct {
	engine *Engine
	mw     *imagick.MagickWand
	none   *imagick.PixelWand
}

func (c *magickCanvas) Size() image.Point {
	return image.Pt(int(c.mw.GetImageWidth()), int(c.mw.GetImageHeight()))
}

func (c *magickCanvas) Scale(w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("scale to %dx%d", w, h)
	}
	if c.Size() == image.Pt(w, h) {
		return nil
	}
	return c.mw.ResizeImage(uint(w), uint(h), c.engine.filter)
}

func (c *magickCanvas) Rotate(degrees float64) error {
	if degrees == 0 {
		return nil
	}
	// MagickWand turns clockwise
	if err := c.mw.RotateImage(c.none, -degrees); err != nil {
		return err
	}
	return c.mw.ResetImagePage("")
}

func (c *magickCanvas) Crop(r image.Rectangle) error {
	if r.Dx() <= 0 || r.Dy() <= 0 {
		return fmt.Errorf("empty crop rectangle %v", r)
	}
	if err := c.mw.ExtentImage(uint(r.Dx()), uint(r.Dy()), r.Min.X, r.Min.Y); err != nil {
		return err
	}
	return c.mw.ResetImagePage("")
}

func (c *magickCanvas) Pad(w, h int, offset image.Point) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("pad to %dx%d", w, h)
	}
	if err := c.mw.ExtentImage(uint(w), uint(h), -offset.X, -offset.Y); err != nil {
		return err
	}
	return c.mw.ResetImagePage("")
}

func (c *magickCanvas) Mark(p image.Point, radius int, col color.Color) error {
	nc := color.NRGBAModel.Convert(col).(color.NRGBA)
	pw := imagick.NewPixelWand()
	defer pw.Destroy()
	pw.SetColor(fmt.Sprintf("rgba(%d,%d,%d,%.3f)", nc.R, nc.G, nc.B, float64(nc.A)/255))

	dw := imagick.NewDrawingWand()
	defer dw.Destroy()
	dw.SetStrokeColor(pw)
	dw.SetStrokeWidth(2)
	dw.SetStrokeAntialias(false)
	x, y, rad := float64(p.X), float64(p.Y), float64(radius)
	dw.Line(x-rad, y-rad, x+rad, y+rad)
	dw.Line(x+rad, y-rad, x-rad, y+rad)
	return c.mw.DrawImage(dw)
}

func (c *magickCanvas) Image() (image.Image, error) {
	clone := c.mw.Clone()
	defer clone.Destroy()
	if err := clone.SetImageFormat("PNG"); err != nil {
		return nil, err
	}
	blob, err := clone.GetImageBlob()
	if err != nil {
		return nil, &imaging.CodecError{Op: "encode", Path: "<memory>", Err: err}
	}
	img, err := png.Decode(bytes.NewReader(blob))
	if err != nil {
		return nil, &imaging.CodecError{Op: "decode", Path: "<memory>", Err: err}
	}
	return img, nil
}

func (c *magickCanvas) Save(path string, quality int) error {
	if quality <= 0 {
		quality = imaging.DefaultQuality
	}
	format := imaging.FormatOf(path)
	if format == "" {
		return &imaging.CodecError{Op: "encode", Path: path, Err: fmt.Errorf("no file extension")}
	}
	out := c.mw.Clone()
	defer out.Destroy()
	if format == "jpeg" {
		// JPEG has no alpha; uncovered areas become black
		black := imagick.NewPixelWand()
		defer black.Destroy()
		black.SetColor("black")
		if err := out.SetImageBackgroundColor(black); err != nil {
			return &imaging.CodecError{Op: "encode", Path: path, Err: err}
		}
		if err := out.SetImageAlphaChannel(imagick.ALPHA_CHANNEL_REMOVE); err != nil {
			return &imaging.CodecError{Op: "encode", Path: path, Err: err}
		}
	}
	if err := out.SetImageFormat(strings.ToUpper(format)); err != nil {
		return &imaging.CodecError{Op: "encode", Path: path, Err: err}
	}
	if err := out.SetImageCompressionQuality(uint(quality)); err != nil {
		return &imaging.CodecError{Op: "encode", Path: path, Err: err}
	}
	blob, err := out.GetImageBlob()
	if err != nil {
		return &imaging.CodecError{Op: "encode", Path: path, Err: err}
	}
	if err := fsutil.WriteAtomic(path, func(w io.Writer) error {
		_, err := w.Write(blob)
		return err
	}); err != nil {
		return &imaging.CodecError{Op: "encode", Path: path, Err: err}
	}
	return nil
}

func (c *magickCanvas) Close() {
	c.none.Destroy()
	c.mw.Destroy()
}
