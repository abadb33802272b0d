package applier

import (
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"

	"timealign/internal/transform"
)

// Region is a rectangle in the aligned (reference) frame, before the
// rotation offset is applied.
type Region struct {
	X0, Y0, X1, Y1 float64
}

// Size returns the width and height of r.
func (r Region) Size() (float64, float64) {
	return r.X1 - r.X0, r.Y1 - r.Y0
}

// Framing is the output geometry shared by every image of a batch.
type Framing struct {
	Crop Region
	// Final is the output canvas; zero means the crop is written as is.
	Final image.Point
	// Content is the crop resized to fit inside Final.
	Content image.Point
}

// NewFraming fixes the batch framing from the first image's size. A nil
// crop selects that whole image; a zero final size disables resizing.
func NewFraming(first image.Point, crop *Region, final image.Point) (Framing, error) {
	f := Framing{Crop: Region{X1: float64(first.X), Y1: float64(first.Y)}}
	if crop != nil {
		f.Crop = *crop
	}
	cw, ch := f.Crop.Size()
	if cw <= 0 || ch <= 0 {
		return Framing{}, fmt.Errorf("crop region %v is empty", f.Crop)
	}
	if final == (image.Point{}) {
		return f, nil
	}
	if final.X <= 0 || final.Y <= 0 {
		return Framing{}, fmt.Errorf("final size %dx%d is invalid", final.X, final.Y)
	}
	ratio := math.Min(float64(final.X)/cw, float64(final.Y)/ch)
	f.Final = final
	f.Content = image.Pt(int(math.Round(cw*ratio)), int(math.Round(ch*ratio)))
	if f.Content.X < 1 || f.Content.Y < 1 {
		return Framing{}, fmt.Errorf("crop %v collapses at final size %dx%d", f.Crop, final.X, final.Y)
	}
	return f, nil
}

// ScaledSize is the source size multiplied by alpha, rounded per axis.
func ScaledSize(src image.Point, alpha float64) image.Point {
	return image.Pt(
		int(math.Round(alpha*float64(src.X))),
		int(math.Round(alpha*float64(src.Y))),
	)
}

// RotationOffset is how far the rotated canvas origin moved relative to the
// scaled image, since rotation turns about the centre and expands the canvas.
func RotationOffset(scaled, rotated image.Point, theta float64) (float64, float64) {
	c := math.Cos(theta)
	s := math.Sin(theta)
	rotX := -float64(rotated.X)/2.0 + float64(scaled.X)/2.0*c + float64(scaled.Y)/2.0*s
	rotY := -float64(rotated.Y)/2.0 + float64(scaled.Y)/2.0*c - float64(scaled.X)/2.0*s
	return rotX, rotY
}

// CropRect places the crop region on the rotated canvas. Each edge is
// rounded on its own. The rectangle is not normalised, so an inverted region
// stays empty.
func CropRect(s transform.Similarity, scaled, rotated image.Point, crop Region) image.Rectangle {
	rotX, rotY := RotationOffset(scaled, rotated, s.Theta())
	cornerX := -s.DX - rotX
	cornerY := -s.DY - rotY
	return image.Rectangle{
		Min: image.Pt(int(math.Round(cornerX+crop.X0)), int(math.Round(cornerY+crop.Y0))),
		Max: image.Pt(int(math.Round(cornerX+crop.X1)), int(math.Round(cornerY+crop.Y1))),
	}
}

// PadOffset centres content on canvas. Odd leftovers go to the right and
// bottom edges.
func PadOffset(canvas, content image.Point) image.Point {
	return image.Pt((canvas.X-content.X)/2, (canvas.Y-content.Y)/2)
}

// ParseRegion reads "x0,y0,x1,y1".
func ParseRegion(s string) (Region, error) {
	v, err := parseInts(s, 4)
	if err != nil {
		return Region{}, fmt.Errorf("crop %q: %w", s, err)
	}
	return Region{X0: float64(v[0]), Y0: float64(v[1]), X1: float64(v[2]), Y1: float64(v[3])}, nil
}

// ParseSize reads "w,h" or "wxh".
func ParseSize(s string) (image.Point, error) {
	v, err := parseInts(strings.ReplaceAll(strings.ToLower(s), "x", ","), 2)
	if err != nil {
		return image.Point{}, fmt.Errorf("size %q: %w", s, err)
	}
	if v[0] <= 0 || v[1] <= 0 {
		return image.Point{}, fmt.Errorf("size %q must be positive", s)
	}
	return image.Pt(v[0], v[1]), nil
}

func parseInts(s string, n int) ([]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d comma separated numbers", n)
	}
	out := make([]int, n)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
