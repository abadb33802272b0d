package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strings"
)

// ErrCodec is matched by every CodecError.
var ErrCodec = errors.New("image codec failure")

// CodecError wraps a decode or encode failure of the underlying engine.
type CodecError struct {
	Op   string
	Path string
	Err  error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CodecError) Is(target error) bool { return target == ErrCodec }

func (e *CodecError) Unwrap() error { return e.Err }

// Canvas is a mutable image held by an Engine. Operations replace the
// content in place; areas not covered by source pixels are transparent.
type Canvas interface {
	Size() image.Point
	// Scale resamples to exactly w x h pixels.
	Scale(w, h int) error
	// Rotate turns the content counter-clockwise by degrees, growing the
	// canvas so nothing is clipped.
	Rotate(degrees float64) error
	// Crop keeps r, which may extend past the canvas.
	Crop(r image.Rectangle) error
	// Pad places the content at offset on a w x h canvas.
	Pad(w, h int, offset image.Point) error
	// Mark burns a diagonal cross of the given half width centred on p.
	Mark(p image.Point, radius int, c color.Color) error
	Image() (image.Image, error)
	// Save encodes by file extension; quality applies to JPEG.
	Save(path string, quality int) error
	Close()
}

// Engine opens canvases. Implementations must be safe for concurrent use by
// independent canvases.
type Engine interface {
	Name() string
	Open(path string) (Canvas, error)
	// Probe reads the pixel size without decoding the whole image.
	Probe(path string) (image.Point, error)
	FromImage(img image.Image) (Canvas, error)
}

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 95

// FormatOf maps a file extension to a codec name.
func FormatOf(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch ext {
	case "jpg", "jpeg":
		return "jpeg"
	case "tif", "tiff":
		return "tiff"
	default:
		return ext
	}
}
