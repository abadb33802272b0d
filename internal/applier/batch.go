package applier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"timealign/internal/anchors"
	"timealign/internal/logging"
	"timealign/internal/transform"
)

// Batch is one apply run over an ordered image sequence.
type Batch struct {
	JobID  string
	Files  []string
	Params []transform.Params
	// Anchors, when set, are burned into each source before warping.
	Anchors   *anchors.Table
	Crop      *Region
	FinalSize image.Point
	OutputDir string
	Pattern   string
}

// ItemResult is the outcome for one image of a batch.
type ItemResult struct {
	Index  int    `json:"index"`
	Input  string `json:"input"`
	Output string `json:"output,omitempty"`
	Bytes  int64  `json:"bytes,omitempty"`
	Err    error  `json:"-"`
}

// Report summarises a batch. Items has one entry per scheduled image.
type Report struct {
	Framing  Framing      `json:"framing"`
	Items    []ItemResult `json:"items"`
	Warnings []string     `json:"warnings,omitempty"`
	Written  int          `json:"written"`
	Failed   int          `json:"failed"`
}

// Outputs lists the files written, in batch order.
func (r *Report) Outputs() []string {
	var out []string
	for _, it := range r.Items {
		if it.Err == nil && it.Output != "" {
			out = append(out, it.Output)
		}
	}
	return out
}

// IsOutputName reports whether name is one the pattern produces for some
// non-negative index, e.g. img00003.jpg for img%05d.jpg.
func IsOutputName(pattern, name string) bool {
	if pattern == "" {
		pattern = DefaultPattern
	}
	for i := 0; i < len(name); {
		if name[i] < '0' || name[i] > '9' {
			i++
			continue
		}
		j := i
		for j < len(name) && name[j] >= '0' && name[j] <= '9' {
			j++
		}
		if k, err := strconv.Atoi(name[i:j]); err == nil && fmt.Sprintf(pattern, k) == name {
			return true
		}
		i = j
	}
	return false
}

// Run applies params[i] to files[i] for every index both lists cover. The
// framing is fixed from the first file; the rest of the work fans out over
// a.Workers goroutines. A failing image fails only its own item and the
// returned error joins every item failure.
func (a *Applier) Run(ctx context.Context, b Batch) (*Report, error) {
	report := &Report{}
	warn := func(msg string, args ...any) {
		text := fmt.Sprintf(msg, args...)
		report.Warnings = append(report.Warnings, text)
		a.Logger.Warn(text, "job_id", b.JobID)
	}

	n := min(len(b.Files), len(b.Params))
	if len(b.Files) != len(b.Params) {
		warn("%d images but %d transforms, applying the first %d", len(b.Files), len(b.Params), n)
	}
	if b.Anchors != nil && b.Anchors.NumImages() < n {
		warn("anchor overlay covers %d of %d images", b.Anchors.NumImages(), n)
	}
	if n == 0 {
		return report, nil
	}

	// Resolve every transform first so an unusable parameter file fails
	// before any output is written.
	sims := make([]transform.Similarity, n)
	for i := 0; i < n; i++ {
		s, err := b.Params[i].Similarity()
		if err != nil {
			return report, fmt.Errorf("transform %d: %w", i, err)
		}
		sims[i] = s
	}

	first, err := a.Engine.Probe(b.Files[0])
	if err != nil {
		return report, fmt.Errorf("probe first image: %w", err)
	}
	framing, err := NewFraming(first, b.Crop, b.FinalSize)
	if err != nil {
		return report, err
	}
	report.Framing = framing
	if b.JobID != "" {
		logging.LogProcessingStep(a.Logger, b.JobID, "framing", "completed", map[string]any{
			"first_size": first.String(),
			"crop":       framing.Crop,
			"final":      framing.Final.String(),
			"content":    framing.Content.String(),
		})
	}

	outDir := b.OutputDir
	if outDir == "" {
		outDir = filepath.Dir(b.Files[0])
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return report, fmt.Errorf("create output directory: %w", err)
	}
	pattern := b.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}

	report.Items = make([]ItemResult, n)
	for i := range report.Items {
		report.Items[i] = ItemResult{Index: i, Input: b.Files[i]}
	}

	workers := a.Workers
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	var done atomic.Int64

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			for j := i; j < n; j++ {
				report.Items[j].Err = ctx.Err()
			}
			break
		}
		i := i
		g.Go(func() error {
			item := &report.Items[i]
			item.Output = filepath.Join(outDir, fmt.Sprintf(pattern, i))
			var row []*anchors.Point
			if b.Anchors != nil && i < b.Anchors.NumImages() {
				row = b.Anchors.Row(i)
			}
			item.Err = a.processOne(item, sims[i], row, framing)
			k := done.Add(1)
			if item.Err != nil {
				a.Logger.Error("image failed", "job_id", b.JobID, "index", i, "input", item.Input, "error", item.Err)
				return nil
			}
			a.Logger.Info(fmt.Sprintf("image %d of %d", k, n), "job_id", b.JobID,
				"output", item.Output, "size", humanize.Bytes(uint64(item.Bytes)))
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	var total int64
	for _, it := range report.Items {
		if it.Err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("image %d (%s): %w", it.Index, it.Input, it.Err))
			continue
		}
		report.Written++
		total += it.Bytes
	}
	a.Logger.Info("apply finished", "job_id", b.JobID, "written", report.Written,
		"failed", report.Failed, "bytes", humanize.Bytes(uint64(total)))
	return report, errors.Join(errs...)
}

func (a *Applier) processOne(item *ItemResult, s transform.Similarity, row []*anchors.Point, f Framing) error {
	c, err := a.Engine.Open(item.Input)
	if err != nil {
		return err
	}
	defer c.Close()

	if len(row) > 0 {
		if err := a.Overlay(c, row); err != nil {
			return err
		}
	}
	if err := a.applySimilarity(c, s, f); err != nil {
		return err
	}
	if err := c.Save(item.Output, a.Quality); err != nil {
		return err
	}
	if fi, err := os.Stat(item.Output); err == nil {
		item.Bytes = fi.Size()
	}
	return nil
}
