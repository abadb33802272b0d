package transform

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const epsilon = 1e-9

func TestSimilarityDerived(t *testing.T) {
	s := Similarity{A: 0, B: 2, DX: 3, DY: -1}
	assert.InDelta(t, 2.0, s.Alpha(), epsilon)
	assert.InDelta(t, math.Pi/2, s.Theta(), epsilon)
	assert.InDelta(t, 90.0, s.Degrees(), epsilon)

	x, y := s.Apply(1, 0)
	assert.InDelta(t, 3.0, x, epsilon)
	assert.InDelta(t, -3.0, y, epsilon)

	m := s.Matrix()
	assert.Equal(t, [3]float64{0, 0, 1}, m[2])

	assert.True(t, Identity().Valid())
	assert.False(t, Similarity{}.Valid())
	assert.False(t, Similarity{A: math.NaN()}.Valid())
}

func TestToDisplayIdentityFormula(t *testing.T) {
	// with a=1, b=0 the formula collapses to x = dx + 0, y = dy + 0
	d := ToDisplay(Similarity{A: 1, DX: 12.5, DY: -4}, DisplayFrame())
	assert.Equal(t, 1.0, d.Alpha)
	assert.Equal(t, 0.0, d.Theta)
	assert.Equal(t, 12.5, d.X)
	assert.Equal(t, -4.0, d.Y)
}

func TestToDisplayMatchesReference(t *testing.T) {
	s := Similarity{A: 0.9, B: 0.1, DX: 40, DY: -25}
	f := FrameContext{PadX: 1000, PadY: 1000, Width: 5000, Height: 7000}

	a, b, dx, dy := s.A, s.B, s.DX, s.DY
	alpha := math.Sqrt(a*a + b*b)
	wantX := (a*(dx+1000*(1-a))-b*(dy+1000+1000*b))/alpha + 2500*(1-a/alpha) + 3500*b/alpha
	wantY := (a*(dy+1000*(1-a))+b*(dx+1000-1000*b))/alpha + 3500*(1-a/alpha) - 2500*b/alpha

	d := ToDisplay(s, f)
	assert.Equal(t, wantX, d.X)
	assert.Equal(t, wantY, d.Y)
	assert.Equal(t, math.Atan2(0.1, 0.9), d.Theta)
}

func TestDisplayRoundTrip(t *testing.T) {
	transforms := []Similarity{
		Identity(),
		{A: 2, B: 0, DX: 0, DY: 0},
		{A: 0, B: 1, DX: 10, DY: 20},
		{A: 0.97, B: -0.05, DX: -130.25, DY: 88.5},
		{A: -1.2, B: 0.4, DX: 3, DY: 1e4},
	}
	frames := []FrameContext{
		DefaultFrame(),
		DisplayFrame(),
		{PadX: 13, PadY: 250, Width: 1920, Height: 1080},
	}
	for _, s := range transforms {
		for _, f := range frames {
			got := FromDisplay(ToDisplay(s, f), f)
			assert.InDelta(t, s.A, got.A, epsilon, "a for %v in %+v", s, f)
			assert.InDelta(t, s.B, got.B, epsilon, "b for %v in %+v", s, f)
			assert.InDelta(t, s.DX, got.DX, 1e-6, "dx for %v in %+v", s, f)
			assert.InDelta(t, s.DY, got.DY, 1e-6, "dy for %v in %+v", s, f)
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		names []string
		want  Kind
	}{
		{[]string{"a", "b", "dx", "dy"}, KindRawSimilarity},
		{[]string{"dy", "a", "dx", "b"}, KindRawSimilarity},
		{[]string{"alpha", "x", "y", "theta"}, KindDisplaySimilarity},
		{[]string{"theta", "alpha", "y", "x"}, KindDisplaySimilarity},
	}
	for _, tt := range tests {
		got, err := KindOf(tt.names)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	for _, bad := range [][]string{
		{"a", "b", "dx"},
		{"a", "b", "dx", "dy", "shear"},
		{"a", "a", "dx", "dy"},
		{"alpha", "x", "y"},
		{},
	} {
		_, err := KindOf(bad)
		assert.ErrorIs(t, err, ErrUnsupportedTransform, "names %v", bad)
		var se *ShapeError
		assert.True(t, errors.As(err, &se))
	}
}

func TestParamsFromNames(t *testing.T) {
	f := DisplayFrame()
	p, err := ParamsFromNames([]string{"dy", "dx", "b", "a"}, []float64{4, 3, 2, 1}, f)
	require.NoError(t, err)
	assert.Equal(t, KindRawSimilarity, p.Kind)
	assert.Equal(t, Similarity{A: 1, B: 2, DX: 3, DY: 4}, p.Raw)
	assert.Equal(t, []float64{1, 2, 3, 4}, p.Values())
	assert.Equal(t, f, p.Frame)

	_, err = ParamsFromNames([]string{"a", "b"}, []float64{1}, f)
	assert.Error(t, err)
}

func TestParamsSimilarity(t *testing.T) {
	s := Similarity{A: 0.8, B: 0.3, DX: -12, DY: 7}
	f := FrameContext{PadX: 100, PadY: 50, Width: 800, Height: 600}

	raw, err := NewRaw(s, f).Similarity()
	require.NoError(t, err)
	assert.Equal(t, s, raw)

	disp := NewDisplay(s, f)
	assert.Equal(t, KindDisplaySimilarity, disp.Kind)
	assert.Equal(t, []string{"alpha", "x", "y", "theta"}, disp.Kind.Names())
	back, err := disp.Similarity()
	require.NoError(t, err)
	assert.InDelta(t, s.DX, back.DX, 1e-6)
	assert.InDelta(t, s.DY, back.DY, 1e-6)

	_, err = Params{}.Similarity()
	assert.ErrorIs(t, err, ErrUnsupportedTransform)
}
