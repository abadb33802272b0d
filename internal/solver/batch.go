package solver

import (
	"errors"
	"fmt"

	"timealign/internal/anchors"
	"timealign/internal/transform"
)

// ImageError attaches an image index to a per-image solve failure.
type ImageError struct {
	Index int
	Err   error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("image %d: %v", e.Index, e.Err)
}

func (e *ImageError) Unwrap() error { return e.Err }

// Options configures a batch solve.
type Options struct {
	// Reference is the image every other image is aligned to.
	Reference int
	Weighting Weighting
}

// Solution is the outcome for one image.
type Solution struct {
	Index     int
	Transform transform.Similarity
	Points    int
	Residual  float64
	Err       error
}

// SolveAll solves every image of t against the reference image. Images are
// independent; failures are reported per image and joined into the returned
// error while the remaining solutions stay valid.
func SolveAll(t *anchors.Table, opts Options) ([]Solution, error) {
	if t == nil {
		return nil, errors.New("no anchors")
	}
	n := t.NumImages()
	if opts.Reference < 0 || opts.Reference >= n {
		return nil, fmt.Errorf("reference image %d out of range (have %d images)", opts.Reference, n)
	}
	w := opts.Weighting
	if w == nil {
		w = Uniform{}
	}

	ref := t.Row(opts.Reference)
	sols := make([]Solution, n)
	var errs []error
	for i := 0; i < n; i++ {
		row := t.Row(i)
		img, _, _ := Pairs(t.Tags, row, ref, w)
		sol := Solution{Index: i, Points: len(img)}
		s, err := Solve(t.Tags, row, ref, w)
		if err != nil {
			sol.Err = err
			errs = append(errs, &ImageError{Index: i, Err: err})
		} else {
			sol.Transform = s
			sol.Residual = Residual(s, t.Tags, row, ref)
		}
		sols[i] = sol
	}
	return sols, errors.Join(errs...)
}

// Transforms extracts the solved transforms in image order.
func Transforms(sols []Solution) []transform.Similarity {
	out := make([]transform.Similarity, len(sols))
	for i, s := range sols {
		out[i] = s.Transform
	}
	return out
}
