package tasks

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"

	"timealign/internal/anchors"
	"timealign/internal/applier"
	"timealign/internal/fsutil"
	"timealign/internal/params"
	"timealign/internal/transform"
)

// ErrNoParams is returned when the parameter file has not been written yet.
var ErrNoParams = errors.New("no transform parameters")

// ApplyRequest describes an apply job.
type ApplyRequest struct {
	JobID string
	// Inputs are image files or directories; they are expanded and sorted.
	Inputs     []string
	ParamsPath string
	// ReadFrame replaces the default frame for parameter files without one.
	ReadFrame *transform.FrameContext
	// AnchorsPath optionally selects anchors to burn into the sources.
	AnchorsPath string
	Crop        *applier.Region
	FinalSize   image.Point
	OutputDir   string
	Pattern     string
	Engine      string
	Filter      string
	Quality     int
	MarkRadius  int
	Workers     int
}

// ApplyResult wraps the batch report.
type ApplyResult struct {
	Engine string
	Report *applier.Report
}

// RunApply warps every input image with its transform from the parameter
// file and writes the numbered outputs.
func RunApply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	logger := slog.Default()

	skipped := 0
	files, err := fsutil.ExpandInputsExcept(req.Inputs, func(path string) bool {
		if !previousOutput(path, req.OutputDir, req.Pattern) {
			return false
		}
		skipped++
		return true
	})
	if err != nil {
		return ApplyResult{}, err
	}
	if skipped > 0 {
		logger.Warn("skipping earlier outputs found among the inputs", "count", skipped, "pattern", req.Pattern)
	}
	if len(files) == 0 {
		return ApplyResult{}, fmt.Errorf("no images found in %v", req.Inputs)
	}

	base := transform.DefaultFrame()
	if req.ReadFrame != nil {
		base = *req.ReadFrame
	}
	set, err := params.LoadWithFrame(req.ParamsPath, base)
	if err != nil {
		return ApplyResult{}, err
	}
	if set == nil {
		return ApplyResult{}, fmt.Errorf("%w: %s does not exist", ErrNoParams, req.ParamsPath)
	}

	var table *anchors.Table
	if req.AnchorsPath != "" {
		table, err = anchors.Load(req.AnchorsPath)
		if err != nil {
			return ApplyResult{}, err
		}
		if table == nil {
			logger.Warn("anchor file not found, no overlay", "path", req.AnchorsPath)
		}
	}

	eng, err := NewEngine(req.Engine, req.Filter)
	if err != nil {
		return ApplyResult{}, err
	}
	a := applier.New(eng, logger)
	if req.Quality > 0 {
		a.Quality = req.Quality
	}
	if req.MarkRadius > 0 {
		a.MarkRadius = req.MarkRadius
	}
	if req.Workers > 0 {
		a.Workers = req.Workers
	}

	logger.Info("applying transforms",
		"images", len(files),
		"transforms", len(set.Entries),
		"kind", set.Kind.String(),
		"engine", eng.Name(),
		"output_dir", req.OutputDir,
	)

	report, err := a.Run(ctx, applier.Batch{
		JobID:     req.JobID,
		Files:     files,
		Params:    set.Entries,
		Anchors:   table,
		Crop:      req.Crop,
		FinalSize: req.FinalSize,
		OutputDir: req.OutputDir,
		Pattern:   req.Pattern,
	})
	return ApplyResult{Engine: eng.Name(), Report: report}, err
}

// previousOutput reports whether path looks like an image an earlier run
// wrote into outDir. With no outDir, outputs land next to the inputs, so any
// directory counts.
func previousOutput(path, outDir, pattern string) bool {
	if !applier.IsOutputName(pattern, filepath.Base(path)) {
		return false
	}
	if outDir == "" {
		return true
	}
	dir, err1 := filepath.Abs(filepath.Dir(path))
	out, err2 := filepath.Abs(outDir)
	if err1 != nil || err2 != nil {
		return filepath.Clean(filepath.Dir(path)) == filepath.Clean(outDir)
	}
	return dir == out
}
