package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"timealign/internal/fsutil"
)

// Lanczos3 is a windowed sinc kernel with three lobes.
var Lanczos3 = &draw.Kernel{Support: 3, At: func(t float64) float64 {
	if t < 1e-12 {
		return 1
	}
	if t >= 3 {
		return 0
	}
	x := math.Pi * t
	return 3 * math.Sin(x) * math.Sin(x/3) / (x * x)
}}

// FilterByName maps a configured filter name to a resampler.
func FilterByName(name string) (draw.Interpolator, error) {
	switch name {
	case "", "lanczos":
		return Lanczos3, nil
	case "catmullrom", "bicubic":
		return draw.CatmullRom, nil
	case "bilinear":
		return draw.BiLinear, nil
	case "nearest":
		return draw.NearestNeighbor, nil
	default:
		return nil, fmt.Errorf("unknown resampling filter %q", name)
	}
}

// GoEngine processes images in memory with golang.org/x/image.
type GoEngine struct {
	scaler  draw.Interpolator
	rotator draw.Interpolator
}

// NewGoEngine returns an engine resampling with the named filter. Rotation
// always uses Catmull-Rom.
func NewGoEngine(filter string) (*GoEngine, error) {
	f, err := FilterByName(filter)
	if err != nil {
		return nil, err
	}
	return &GoEngine{scaler: f, rotator: draw.CatmullRom}, nil
}

func (e *GoEngine) Name() string { return "go" }

func (e *GoEngine) Open(path string) (Canvas, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &CodecError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &CodecError{Op: "decode", Path: path, Err: err}
	}
	return e.FromImage(img)
}

func (e *GoEngine) Probe(path string) (image.Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Point{}, &CodecError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Point{}, &CodecError{Op: "decode", Path: path, Err: err}
	}
	return image.Pt(cfg.Width, cfg.Height), nil
}

func (e *GoEngine) FromImage(img image.Image) (Canvas, error) {
	return &goCanvas{engine: e, img: toNRGBA(img)}, nil
}

func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

type goCanvas struct {
	engine *GoEngine
	img    *image.NRGBA
}

func (c *goCanvas) Size() image.Point { return c.img.Bounds().Size() }

func (c *goCanvas) Scale(w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("scale to %dx%d", w, h)
	}
	if c.Size() == image.Pt(w, h) {
		return nil
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	c.engine.scaler.Scale(dst, dst.Bounds(), c.img, c.img.Bounds(), draw.Src, nil)
	c.img = dst
	return nil
}

func (c *goCanvas) Rotate(degrees float64) error {
	deg := math.Mod(degrees, 360)
	if deg < 0 {
		deg += 360
	}
	switch deg {
	case 0:
		return nil
	case 90, 180, 270:
		c.img = transpose(c.img, int(deg))
		return nil
	}

	size := c.Size()
	out := RotatedSize(size.X, size.Y, deg)
	rad := deg * math.Pi / 180
	cos, sin := round15(math.Cos(rad)), round15(math.Sin(rad))
	scx, scy := float64(size.X)/2, float64(size.Y)/2
	dcx, dcy := float64(out.X)/2, float64(out.Y)/2
	s2d := f64.Aff3{
		cos, sin, dcx - (cos*scx + sin*scy),
		-sin, cos, dcy - (-sin*scx + cos*scy),
	}
	dst := image.NewNRGBA(image.Rect(0, 0, out.X, out.Y))
	c.engine.rotator.Transform(dst, s2d, c.img, c.img.Bounds(), draw.Src, nil)
	c.img = dst
	return nil
}

// RotatedSize is the canvas needed to hold a w x h image turned by degrees.
func RotatedSize(w, h int, degrees float64) image.Point {
	deg := math.Mod(degrees, 360)
	if deg < 0 {
		deg += 360
	}
	switch deg {
	case 0, 180:
		return image.Pt(w, h)
	case 90, 270:
		return image.Pt(h, w)
	}
	rad := deg * math.Pi / 180
	cos, sin := math.Abs(round15(math.Cos(rad))), math.Abs(round15(math.Sin(rad)))
	cx, cy := float64(w)/2, float64(h)/2
	ex := (cos*float64(w) + sin*float64(h)) / 2
	ey := (sin*float64(w) + cos*float64(h)) / 2
	return image.Pt(
		int(math.Ceil(cx+ex)-math.Floor(cx-ex)),
		int(math.Ceil(cy+ey)-math.Floor(cy-ey)),
	)
}

func round15(v float64) float64 {
	return math.Round(v*1e15) / 1e15
}

// transpose rotates by an exact multiple of 90 degrees counter-clockwise.
func transpose(src *image.NRGBA, deg int) *image.NRGBA {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	var dst *image.NRGBA
	if deg == 180 {
		dst = image.NewNRGBA(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewNRGBA(image.Rect(0, 0, h, w))
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch deg {
			case 90:
				dx, dy = y, w-1-x
			case 180:
				dx, dy = w-1-x, h-1-y
			case 270:
				dx, dy = h-1-y, x
			}
			si := src.PixOffset(x, y)
			di := dst.PixOffset(dx, dy)
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}

func (c *goCanvas) Crop(r image.Rectangle) error {
	if r.Dx() <= 0 || r.Dy() <= 0 {
		return fmt.Errorf("empty crop rectangle %v", r)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), c.img, r.Min, draw.Src)
	c.img = dst
	return nil
}

func (c *goCanvas) Pad(w, h int, offset image.Point) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("pad to %dx%d", w, h)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	r := c.img.Bounds().Add(offset)
	draw.Draw(dst, r, c.img, c.img.Bounds().Min, draw.Src)
	c.img = dst
	return nil
}

func (c *goCanvas) Mark(p image.Point, radius int, col color.Color) error {
	b := c.img.Bounds()
	set := func(x, y int) {
		if image.Pt(x, y).In(b) {
			c.img.Set(x, y, col)
		}
	}
	for k := -radius; k <= radius; k++ {
		set(p.X+k, p.Y+k)
		set(p.X+k+1, p.Y+k)
		set(p.X+k, p.Y-k)
		set(p.X+k+1, p.Y-k)
	}
	return nil
}

func (c *goCanvas) Image() (image.Image, error) { return c.img, nil }

func (c *goCanvas) Save(path string, quality int) error {
	if quality <= 0 {
		quality = DefaultQuality
	}
	format := FormatOf(path)
	encode, err := encoderFor(format, quality)
	if err != nil {
		return &CodecError{Op: "encode", Path: path, Err: err}
	}
	if err := fsutil.WriteAtomic(path, func(w io.Writer) error { return encode(w, c.img) }); err != nil {
		return &CodecError{Op: "encode", Path: path, Err: err}
	}
	return nil
}

func (c *goCanvas) Close() {}

func encoderFor(format string, quality int) (func(io.Writer, image.Image) error, error) {
	switch format {
	case "jpeg":
		return func(w io.Writer, m image.Image) error {
			return jpeg.Encode(w, m, &jpeg.Options{Quality: quality})
		}, nil
	case "png":
		return png.Encode, nil
	case "gif":
		return func(w io.Writer, m image.Image) error { return gif.Encode(w, m, nil) }, nil
	case "tiff":
		return func(w io.Writer, m image.Image) error {
			return tiff.Encode(w, m, &tiff.Options{Compression: tiff.Deflate})
		}, nil
	case "bmp":
		return bmp.Encode, nil
	case "":
		return nil, errors.New("no file extension")
	default:
		return nil, fmt.Errorf("no encoder for %q", format)
	}
}
