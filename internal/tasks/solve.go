package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"timealign/internal/anchors"
	"timealign/internal/config"
	"timealign/internal/params"
	"timealign/internal/solver"
	"timealign/internal/transform"
)

// ErrNoAnchors is returned when the anchor file has not been created yet.
var ErrNoAnchors = errors.New("no anchors")

// SolveRequest describes a solve job.
type SolveRequest struct {
	AnchorsPath string
	// Anchors, when set, is used instead of reading AnchorsPath.
	Anchors   *anchors.Table
	Reference int
	// Display exports alpha/x/y/theta against Frame instead of raw a/b/dx/dy.
	Display   bool
	Frame     *transform.FrameContext
	Weighting solver.Weighting
	// Output is a file path; when empty the set goes to Writer, if any.
	Output string
	Writer io.Writer
}

// NewSolveRequest fills the alignment settings of cfg into a request: the
// display frame when display is set and the tag weights when configured.
func NewSolveRequest(cfg *config.Config, anchorsPath string, display bool, reference int) SolveRequest {
	req := SolveRequest{
		AnchorsPath: anchorsPath,
		Reference:   reference,
		Display:     display,
	}
	if display {
		frame := cfg.Alignment.DisplayFrame
		req.Frame = &frame
	}
	if len(cfg.Alignment.TagWeights) > 0 {
		req.Weighting = solver.TagWeights(cfg.Alignment.TagWeights)
	}
	return req
}

// SolveResult carries the written parameter set and per-image fit details.
type SolveResult struct {
	Set       *params.Set
	Solutions []solver.Solution
	Output    string
}

// RunSolve fits one transform per image against the reference image and
// writes the parameter file. Any image that cannot be solved fails the whole
// job so a parameter file never has holes.
func RunSolve(ctx context.Context, req SolveRequest) (SolveResult, error) {
	logger := slog.Default()
	if err := ctx.Err(); err != nil {
		return SolveResult{}, err
	}

	table := req.Anchors
	if table == nil {
		t, err := anchors.Load(req.AnchorsPath)
		if err != nil {
			return SolveResult{}, err
		}
		if t == nil {
			return SolveResult{}, fmt.Errorf("%w: %s does not exist", ErrNoAnchors, req.AnchorsPath)
		}
		table = t
	}
	if table.NumImages() == 0 {
		return SolveResult{}, fmt.Errorf("%w: anchor table has no images", ErrNoAnchors)
	}

	logger.Info("solving transforms",
		"anchors", req.AnchorsPath,
		"images", table.NumImages(),
		"tags", len(table.Tags),
		"reference", req.Reference,
		"display", req.Display,
	)

	sols, err := solver.SolveAll(table, solver.Options{Reference: req.Reference, Weighting: req.Weighting})
	for _, s := range sols {
		if s.Err != nil {
			logger.Error("image could not be solved", "image", s.Index, "points", s.Points, "error", s.Err)
			continue
		}
		logger.Debug("image solved", "image", s.Index, "points", s.Points,
			"transform", s.Transform.String(), "rms", s.Residual)
	}
	if err != nil {
		return SolveResult{Solutions: sols}, err
	}

	kind := transform.KindRawSimilarity
	if req.Display {
		kind = transform.KindDisplaySimilarity
	}
	set, err := params.NewSet(kind, req.Frame, solver.Transforms(sols))
	if err != nil {
		return SolveResult{Solutions: sols}, err
	}
	res := SolveResult{Set: set, Solutions: sols, Output: req.Output}

	switch {
	case req.Output != "":
		if err := params.Save(req.Output, set); err != nil {
			return res, err
		}
		logger.Info("parameters written", "path", req.Output, "images", len(set.Entries), "kind", kind.String())
	case req.Writer != nil:
		if err := params.Write(req.Writer, set); err != nil {
			return res, err
		}
	}
	return res, nil
}

// MaxResidual is the worst RMS anchor error of a solve.
func (r SolveResult) MaxResidual() float64 {
	var worst float64
	for _, s := range r.Solutions {
		if s.Err == nil && s.Residual > worst {
			worst = s.Residual
		}
	}
	return worst
}
