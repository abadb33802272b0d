package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"timealign/internal/anchors"
	"timealign/internal/config"
	"timealign/internal/logging"
	"timealign/internal/pipeline"
	"timealign/internal/storage"
)

// Synthetic end to end run: draws drifting frames, solves them through the
// job pipeline, applies the result and prints what the job history recorded.
func main() {
	frames := flag.Int("frames", 4, "number of synthetic frames")
	keep := flag.Bool("keep", false, "keep the work directory")
	flag.Parse()

	work, err := os.MkdirTemp("", "timealign-smoke-")
	if err != nil {
		log.Fatal("Failed to create work directory:", err)
	}
	if !*keep {
		defer os.RemoveAll(work)
	}

	cfg := config.Default()
	cfg.Paths.DatabasePath = filepath.Join(work, "jobs.db")
	cfg.Paths.AnchorsFile = filepath.Join(work, "anchors.txt")
	cfg.Paths.ParamsFile = filepath.Join(work, "params.txt")
	cfg.Apply.FinalSize = "none"

	logger, closer, err := logging.Setup(cfg)
	if err != nil {
		log.Fatal("Failed to set up logging:", err)
	}
	defer closer.Close()

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	frameDir := filepath.Join(work, "frames")
	if err := writeFrames(frameDir, cfg.Paths.AnchorsFile, *frames); err != nil {
		log.Fatal("Failed to write frames:", err)
	}
	fmt.Printf("Wrote %d frames to %s\n", *frames, frameDir)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	pipe := pipeline.New(ctx, 1, logger, store, cfg, nil)
	defer pipe.Stop()

	solve := pipeline.Job{ID: "smoke-solve", Type: pipeline.JobSolve, InputPath: cfg.Paths.AnchorsFile}
	if err := runJob(ctx, pipe, solve); err != nil {
		log.Fatal("Solve failed:", err)
	}
	recs, err := store.Transforms(solve.ID)
	if err != nil {
		log.Fatal("Failed to read transforms:", err)
	}
	for _, r := range recs {
		fmt.Printf("  frame %d: a=%.4f b=%.4f dx=%.2f dy=%.2f rms=%.3f\n", r.Index, r.A, r.B, r.DX, r.DY, r.Residual)
	}

	apply := pipeline.Job{
		ID:        "smoke-apply",
		Type:      pipeline.JobApply,
		InputPath: frameDir,
		Output:    filepath.Join(work, "aligned"),
		Options:   map[string]any{"anchors": cfg.Paths.AnchorsFile},
	}
	if err := runJob(ctx, pipe, apply); err != nil {
		log.Fatal("Apply failed:", err)
	}
	outs, err := store.Outputs(apply.ID)
	if err != nil {
		log.Fatal("Failed to read outputs:", err)
	}
	for _, o := range outs {
		if o.Error != "" {
			fmt.Printf("  %s: %s\n", o.InputPath, o.Error)
			continue
		}
		fmt.Printf("  %s -> %s (%s)\n", filepath.Base(o.InputPath), o.OutputPath, humanize.Bytes(uint64(o.Bytes)))
	}
	fmt.Println("Smoke run completed")
}

func runJob(ctx context.Context, pipe *pipeline.Pipeline, job pipeline.Job) error {
	results, unsubscribe := pipe.Subscribe()
	defer unsubscribe()
	if err := pipe.Submit(job); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				return fmt.Errorf("pipeline stopped")
			}
			if res.Job.ID == job.ID {
				return res.Error
			}
		}
	}
}

// writeFrames draws a bright square drifting by (3, 2) pixels per frame and
// stores two of its corners as anchors.
func writeFrames(dir, anchorsPath string, n int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tl := make([]*anchors.Point, n)
	br := make([]*anchors.Point, n)
	for i := 0; i < n; i++ {
		x0, y0 := 40+3*i, 30+2*i
		img := image.NewNRGBA(image.Rect(0, 0, 160, 120))
		for y := 0; y < 120; y++ {
			for x := 0; x < 160; x++ {
				c := color.NRGBA{40, 40, 40, 255}
				if x >= x0 && x < x0+30 && y >= y0 && y < y0+30 {
					c = color.NRGBA{230, 200, 60, 255}
				}
				img.SetNRGBA(x, y, c)
			}
		}
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("frame_%03d.png", i)))
		if err != nil {
			return err
		}
		if err := png.Encode(f, img); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		tl[i] = &anchors.Point{X: x0, Y: y0}
		br[i] = &anchors.Point{X: x0 + 29, Y: y0 + 29}
	}
	table, err := anchors.NewTable([]string{"top-left", "bottom-right"}, [][]*anchors.Point{tl, br})
	if err != nil {
		return err
	}
	return anchors.Save(anchorsPath, table)
}
