package transform

import (
	"fmt"
	"math"
)

// Similarity is a uniform scale, rotation and translation stored as
// a = alpha*cos(theta), b = alpha*sin(theta) and the translation (dx, dy).
// A point maps as x' = a*x + b*y + dx, y' = -b*x + a*y + dy.
type Similarity struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// Identity returns the transform that leaves every point in place.
func Identity() Similarity {
	return Similarity{A: 1}
}

// Alpha is the uniform scale factor.
func (s Similarity) Alpha() float64 {
	return math.Sqrt(s.A*s.A + s.B*s.B)
}

// Theta is the rotation in radians, counter-clockwise on screen.
func (s Similarity) Theta() float64 {
	return math.Atan2(s.B, s.A)
}

// Degrees is Theta in degrees.
func (s Similarity) Degrees() float64 {
	return 180.0 * s.Theta() / math.Pi
}

// Apply maps a point through the transform.
func (s Similarity) Apply(x, y float64) (float64, float64) {
	return s.A*x + s.B*y + s.DX, -s.B*x + s.A*y + s.DY
}

// Matrix returns the homogeneous 3x3 form; the bottom row is always (0, 0, 1).
func (s Similarity) Matrix() [3][3]float64 {
	return [3][3]float64{
		{s.A, s.B, s.DX},
		{-s.B, s.A, s.DY},
		{0, 0, 1},
	}
}

// Valid reports whether the transform has a finite, non-zero scale.
func (s Similarity) Valid() bool {
	for _, v := range []float64{s.A, s.B, s.DX, s.DY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return s.Alpha() > 0
}

func (s Similarity) String() string {
	return fmt.Sprintf("a=%g b=%g dx=%g dy=%g", s.A, s.B, s.DX, s.DY)
}

// FrameContext is the padding and working canvas a transform's translation
// was expressed against.
type FrameContext struct {
	PadX   float64 `json:"pad_x" yaml:"pad_x"`
	PadY   float64 `json:"pad_y" yaml:"pad_y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// DefaultFrame is assumed for parameter files that carry no frame comment.
func DefaultFrame() FrameContext {
	return FrameContext{PadX: 0, PadY: 0, Width: 5500, Height: 3500}
}

// DisplayFrame is the frame display parameters are exported against.
func DisplayFrame() FrameContext {
	return FrameContext{PadX: 1000, PadY: 1000, Width: 5000, Height: 7000}
}

// Display is the on-canvas view of a Similarity: scale, rotation and the
// placement (X, Y) after padding and re-centering the rotation.
type Display struct {
	Alpha float64 `json:"alpha"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// ToDisplay re-projects s into display form for frame f. The arithmetic is
// kept in this exact order; downstream tools compare the numbers verbatim.
func ToDisplay(s Similarity, f FrameContext) Display {
	a, b, dx, dy := s.A, s.B, s.DX, s.DY
	padX, padY := f.PadX, f.PadY
	w2 := f.Width / 2.0
	h2 := f.Height / 2.0

	alpha := math.Sqrt(a*a + b*b)
	return Display{
		Alpha: alpha,
		Theta: math.Atan2(b, a),
		X: (a*(dx+padX*(1-a))-b*(dy+padY+padX*b))/alpha +
			w2*(1-a/alpha) + h2*b/alpha,
		Y: (a*(dy+padY*(1-a))+b*(dx+padX-padY*b))/alpha +
			h2*(1-a/alpha) - w2*b/alpha,
	}
}

// FromDisplay inverts ToDisplay for the same frame.
func FromDisplay(d Display, f FrameContext) Similarity {
	alpha := d.Alpha
	a := alpha * math.Cos(d.Theta)
	b := alpha * math.Sin(d.Theta)
	padX, padY := f.PadX, f.PadY
	w2 := f.Width / 2.0
	h2 := f.Height / 2.0

	// undo the re-centering, leaving a*dx - b*dy and b*dx + a*dy
	xs := (d.X - w2*(1-a/alpha) - h2*b/alpha) * alpha
	ys := (d.Y - h2*(1-a/alpha) + w2*b/alpha) * alpha
	p := xs - a*padX*(1-a) + b*padY + padX*b*b
	q := ys - a*padY*(1-a) - b*padX + padY*b*b

	n := alpha * alpha
	return Similarity{
		A:  a,
		B:  b,
		DX: (a*p + b*q) / n,
		DY: (a*q - b*p) / n,
	}
}
