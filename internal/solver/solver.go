package solver

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"timealign/internal/anchors"
	"timealign/internal/transform"
)

// ErrSingularSystem is matched by SingularSystemError.
var ErrSingularSystem = errors.New("singular system")

// SingularSystemError reports anchor correspondences that do not determine a
// similarity transform.
type SingularSystemError struct {
	Points int
	Cause  error
}

func (e *SingularSystemError) Error() string {
	msg := fmt.Sprintf("%s: %d distinct anchor correspondence(s), need at least 2", ErrSingularSystem, e.Points)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SingularSystemError) Is(target error) bool { return target == ErrSingularSystem }

func (e *SingularSystemError) Unwrap() error { return e.Cause }

// Basis matrices of the similarity family inside the 3x3 affine matrices.
// A transform is w0 + a*ea + b*eb + dx*edx + dy*edy.
var (
	ea  = mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 0})
	eb  = mat.NewDense(3, 3, []float64{0, 1, 0, -1, 0, 0, 0, 0, 0})
	edx = mat.NewDense(3, 3, []float64{0, 0, 1, 0, 0, 0, 0, 0, 0})
	edy = mat.NewDense(3, 3, []float64{0, 0, 0, 0, 0, 1, 0, 0, 0})
	w0  = mat.NewDense(3, 3, []float64{0, 0, 0, 0, 0, 0, 0, 0, 1})

	basis = []*mat.Dense{ea, eb, edx, edy}
)

// AnchorMatrix stacks points as homogeneous columns (x, y, 1).
func AnchorMatrix(points []anchors.Point) *mat.Dense {
	m := mat.NewDense(3, max(len(points), 1), nil)
	for i, p := range points {
		m.Set(0, i, float64(p.X))
		m.Set(1, i, float64(p.Y))
		m.Set(2, i, 1)
	}
	return m
}

// Fit returns the similarity transform minimising the gamma-weighted squared
// distance between the transformed columns of img and those of target. Both
// are 3xn anchor matrices; gamma is nxn.
func Fit(img, target *mat.Dense, gamma mat.Matrix) (transform.Similarity, error) {
	_, n := img.Dims()
	if r, c := target.Dims(); r != 3 || c != n {
		return transform.Similarity{}, fmt.Errorf("target anchors are %dx%d, want 3x%d", r, c, n)
	}
	if r, c := gamma.Dims(); r != n || c != n {
		return transform.Similarity{}, fmt.Errorf("weights are %dx%d, want %dx%d", r, c, n, n)
	}

	var gammaMt, m, fixed, residual, rhsMat mat.Dense
	gammaMt.Mul(gamma, img.T())
	m.Mul(img, &gammaMt)
	fixed.Mul(w0, img)
	residual.Sub(target, &fixed)
	rhsMat.Mul(&residual, &gammaMt)

	k := len(basis)
	eq := mat.NewDense(k, k, nil)
	rhs := mat.NewVecDense(k, nil)
	var prod, full mat.Dense
	for i, ei := range basis {
		prod.Mul(ei.T(), &rhsMat)
		rhs.SetVec(i, mat.Trace(&prod))
		for j, ej := range basis {
			prod.Mul(ei.T(), ej)
			full.Mul(&prod, &m)
			eq.Set(i, j, mat.Trace(&full))
		}
	}

	var lu mat.LU
	lu.Factorize(eq)
	var soln mat.VecDense
	if err := lu.SolveVecTo(&soln, false, rhs); err != nil {
		return transform.Similarity{}, &SingularSystemError{Points: n, Cause: err}
	}

	return transform.Similarity{
		A:  soln.AtVec(0),
		B:  soln.AtVec(1),
		DX: soln.AtVec(2),
		DY: soln.AtVec(3),
	}, nil
}

// Pairs keeps the columns where both the image and the reference have an
// anchor and a positive weight.
func Pairs(tags []string, image, reference []*anchors.Point, w Weighting) (img, ref []anchors.Point, weights []float64) {
	if w == nil {
		w = Uniform{}
	}
	for i := range image {
		if i >= len(reference) || image[i] == nil || reference[i] == nil {
			continue
		}
		tag := ""
		if i < len(tags) {
			tag = tags[i]
		}
		wt := w.Weight(tag)
		if !(wt > 0) {
			continue
		}
		img = append(img, *image[i])
		ref = append(ref, *reference[i])
		weights = append(weights, wt)
	}
	return img, ref, weights
}

// Solve fits one image's anchors onto the reference anchors. Tags missing on
// either side are left out of this image's fit.
func Solve(tags []string, image, reference []*anchors.Point, w Weighting) (transform.Similarity, error) {
	img, ref, weights := Pairs(tags, image, reference, w)
	if n := distinct(img); n < 2 {
		return transform.Similarity{}, &SingularSystemError{Points: n}
	}
	return Fit(AnchorMatrix(img), AnchorMatrix(ref), mat.NewDiagDense(len(weights), weights))
}

// Residual is the root mean square distance between the transformed image
// anchors and the reference anchors they were fitted to.
func Residual(s transform.Similarity, tags []string, image, reference []*anchors.Point) float64 {
	img, ref, _ := Pairs(tags, image, reference, Uniform{})
	if len(img) == 0 {
		return 0
	}
	var sum float64
	for i := range img {
		x, y := s.Apply(float64(img[i].X), float64(img[i].Y))
		ex := x - float64(ref[i].X)
		ey := y - float64(ref[i].Y)
		sum += ex*ex + ey*ey
	}
	return math.Sqrt(sum / float64(len(img)))
}

func distinct(points []anchors.Point) int {
	seen := make(map[anchors.Point]struct{}, len(points))
	for _, p := range points {
		seen[p] = struct{}{}
	}
	return len(seen)
}
