package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"timealign/internal/applier"
	"timealign/internal/config"
	"timealign/internal/storage"
	"timealign/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log     *slog.Logger
	store   *storage.Store
	cfg     *config.Config
	solveFn solveFunc
	applyFn applyFunc
}

type solveFunc func(ctx context.Context, req tasks.SolveRequest) (tasks.SolveResult, error)

type applyFunc func(ctx context.Context, req tasks.ApplyRequest) (tasks.ApplyResult, error)

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	if cfg == nil {
		cfg = config.Default()
	}
	return &router{
		log:     logger,
		store:   store,
		cfg:     cfg,
		solveFn: tasks.RunSolve,
		applyFn: tasks.RunApply,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobSolve:
		return r.handleSolve(ctx, job)
	case JobApply:
		return r.handleApply(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleSolve(ctx context.Context, job Job) Result {
	anchorsPath := job.InputPath
	if anchorsPath == "" {
		anchorsPath = r.cfg.Paths.AnchorsFile
	}
	output := job.Output
	if output == "" {
		output = r.cfg.Paths.ParamsFile
	}
	display := getBoolOption(job.Options, "display")
	reference := getIntOption(job.Options, "reference", r.cfg.Alignment.Reference)

	req := tasks.NewSolveRequest(r.cfg, anchorsPath, display, reference)
	req.Output = output

	res, err := r.solveFn(ctx, req)

	recs := make([]storage.TransformRecord, 0, len(res.Solutions))
	var failed []int
	for _, s := range res.Solutions {
		rec := storage.TransformRecord{
			Index:    s.Index,
			A:        s.Transform.A,
			B:        s.Transform.B,
			DX:       s.Transform.DX,
			DY:       s.Transform.DY,
			Points:   s.Points,
			Residual: s.Residual,
		}
		if s.Err != nil {
			rec.Error = s.Err.Error()
			failed = append(failed, s.Index)
		}
		recs = append(recs, rec)
	}
	if len(recs) > 0 && r.store != nil {
		if serr := r.store.RecordTransforms(job.ID, recs); serr != nil {
			r.log.Warn("failed to record transforms", "job", job.ID, "error", serr)
		}
	}

	meta := map[string]any{
		"anchors":      anchorsPath,
		"images":       len(res.Solutions),
		"reference":    reference,
		"display":      display,
		"max_residual": res.MaxResidual(),
	}
	if err == nil {
		meta["output"] = res.Output
	}
	if len(failed) > 0 {
		meta["failed_images"] = failed
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleApply(ctx context.Context, job Job) Result {
	inputs := getStringsOption(job.Options, "images")
	if len(inputs) == 0 && job.InputPath != "" {
		inputs = []string{job.InputPath}
	}
	outputDir := job.Output
	if outputDir == "" {
		outputDir = r.cfg.Paths.DefaultOutput
	}

	req := tasks.ApplyRequest{
		JobID:       job.ID,
		Inputs:      inputs,
		ParamsPath:  getStringOption(job.Options, "params", r.cfg.Paths.ParamsFile),
		AnchorsPath: getStringOption(job.Options, "anchors", ""),
		OutputDir:   outputDir,
		Pattern:     getStringOption(job.Options, "pattern", r.cfg.Apply.Pattern),
		Engine:      getStringOption(job.Options, "engine", r.cfg.Apply.Engine),
		Filter:      r.cfg.Apply.Filter,
		Quality:     r.cfg.Apply.Quality,
		MarkRadius:  r.cfg.Apply.MarkRadius,
		Workers:     r.cfg.Apply.Workers,
	}
	readFrame := r.cfg.Alignment.ReadFrame
	req.ReadFrame = &readFrame

	if crop := getStringOption(job.Options, "crop", ""); crop != "" {
		region, err := applier.ParseRegion(crop)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		req.Crop = &region
	}
	size, err := finalSize(getStringOption(job.Options, "finalSize", r.cfg.Apply.FinalSize))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	req.FinalSize = size

	res, err := r.applyFn(ctx, req)
	meta := map[string]any{
		"engine": res.Engine,
		"inputs": inputs,
	}
	if rep := res.Report; rep != nil {
		recs := make([]storage.OutputRecord, 0, len(rep.Items))
		var total int64
		for _, it := range rep.Items {
			rec := storage.OutputRecord{Index: it.Index, InputPath: it.Input, OutputPath: it.Output, Bytes: it.Bytes}
			if it.Err != nil {
				rec.Error = it.Err.Error()
				rec.OutputPath = ""
			}
			total += it.Bytes
			recs = append(recs, rec)
		}
		if len(recs) > 0 && r.store != nil {
			if serr := r.store.RecordOutputs(job.ID, recs); serr != nil {
				r.log.Warn("failed to record outputs", "job", job.ID, "error", serr)
			}
		}
		meta["written"] = rep.Written
		meta["failed"] = rep.Failed
		meta["bytes"] = total
		meta["outputs"] = rep.Outputs()
		if len(rep.Warnings) > 0 {
			meta["warnings"] = rep.Warnings
		}
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// finalSize parses a configured output size; "none" keeps the cropped size.
func finalSize(s string) (image.Point, error) {
	switch s {
	case "":
		return applier.DefaultFinalSize, nil
	case "none", "0":
		return image.Point{}, nil
	}
	return applier.ParseSize(s)
}

// Helper functions to safely extract typed options from job.Options map
func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func getIntOption(options map[string]any, key string, def int) int {
	switch v := options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func getStringOption(options map[string]any, key, def string) string {
	if val, ok := options[key].(string); ok && val != "" {
		return val
	}
	return def
}

func getStringsOption(options map[string]any, key string) []string {
	switch v := options[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
