package transform

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ErrUnsupportedTransform is returned for parameter sets outside the
// similarity family.
var ErrUnsupportedTransform = errors.New("unsupported transform")

// Kind tags which parameterisation a Params value carries.
type Kind int

const (
	KindUnknown Kind = iota
	KindRawSimilarity
	KindDisplaySimilarity
)

var (
	rawNames     = []string{"a", "b", "dx", "dy"}
	displayNames = []string{"alpha", "x", "y", "theta"}
)

func (k Kind) String() string {
	switch k {
	case KindRawSimilarity:
		return "raw"
	case KindDisplaySimilarity:
		return "display"
	default:
		return "unknown"
	}
}

// Names lists the parameter names of k in file column order.
func (k Kind) Names() []string {
	switch k {
	case KindRawSimilarity:
		return append([]string(nil), rawNames...)
	case KindDisplaySimilarity:
		return append([]string(nil), displayNames...)
	default:
		return nil
	}
}

// ShapeError reports a parameter-name set that matches no known Kind.
type ShapeError struct {
	Names []string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: parameters [%s]", ErrUnsupportedTransform, strings.Join(e.Names, " "))
}

func (e *ShapeError) Unwrap() error { return ErrUnsupportedTransform }

// Params is one image's transform in either parameterisation, together with
// the frame it was exported against.
type Params struct {
	Kind    Kind
	Raw     Similarity
	Display Display
	Frame   FrameContext
}

// NewRaw wraps a solved transform.
func NewRaw(s Similarity, f FrameContext) Params {
	return Params{Kind: KindRawSimilarity, Raw: s, Frame: f}
}

// NewDisplay re-projects s for frame f and tags the result as display form.
func NewDisplay(s Similarity, f FrameContext) Params {
	return Params{Kind: KindDisplaySimilarity, Display: ToDisplay(s, f), Frame: f}
}

// KindOf classifies a set of parameter names regardless of their order.
func KindOf(names []string) (Kind, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for _, k := range []Kind{KindRawSimilarity, KindDisplaySimilarity} {
		want := k.Names()
		sort.Strings(want)
		if slices.Equal(sorted, want) {
			return k, nil
		}
	}
	return KindUnknown, &ShapeError{Names: append([]string(nil), names...)}
}

// ParamsFromNames builds Params from named values, as read from a parameter
// file row.
func ParamsFromNames(names []string, values []float64, f FrameContext) (Params, error) {
	if len(names) != len(values) {
		return Params{}, fmt.Errorf("%d parameter names but %d values", len(names), len(values))
	}
	kind, err := KindOf(names)
	if err != nil {
		return Params{}, err
	}
	v := make(map[string]float64, len(names))
	for i, n := range names {
		v[n] = values[i]
	}
	p := Params{Kind: kind, Frame: f}
	switch kind {
	case KindRawSimilarity:
		p.Raw = Similarity{A: v["a"], B: v["b"], DX: v["dx"], DY: v["dy"]}
	case KindDisplaySimilarity:
		p.Display = Display{Alpha: v["alpha"], X: v["x"], Y: v["y"], Theta: v["theta"]}
	}
	return p, nil
}

// Values returns the parameters in Kind.Names order.
func (p Params) Values() []float64 {
	switch p.Kind {
	case KindRawSimilarity:
		return []float64{p.Raw.A, p.Raw.B, p.Raw.DX, p.Raw.DY}
	case KindDisplaySimilarity:
		return []float64{p.Display.Alpha, p.Display.X, p.Display.Y, p.Display.Theta}
	default:
		return nil
	}
}

// Similarity resolves p to raw form using the frame it carries.
func (p Params) Similarity() (Similarity, error) {
	switch p.Kind {
	case KindRawSimilarity:
		return p.Raw, nil
	case KindDisplaySimilarity:
		return FromDisplay(p.Display, p.Frame), nil
	default:
		return Similarity{}, fmt.Errorf("%w: kind %s", ErrUnsupportedTransform, p.Kind)
	}
}
