//go:build !magick

package magick

import (
	"errors"
	"image"

	"timealign/internal/imaging"
)

// ErrUnavailable is returned by binaries built without the magick tag.
var ErrUnavailable = errors.New("built without ImageMagick support (rebuild with -tags magick)")

// Engine is a placeholder in builds without ImageMagick.
type Engine struct{}

func New(string) (*Engine, error) { return nil, ErrUnavailable }

func (e *Engine) Name() string { return "magick" }

func (e *Engine) Open(string) (imaging.Canvas, error) { return nil, ErrUnavailable }

func (e *Engine) Probe(string) (image.Point, error) { return image.Point{}, ErrUnavailable }

func (e *Engine) FromImage(image.Image) (imaging.Canvas, error) { return nil, ErrUnavailable }
