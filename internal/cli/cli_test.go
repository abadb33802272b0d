package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"timealign/internal/anchors"
	"timealign/internal/config"
	"timealign/internal/grpcserver"
	"timealign/internal/pipeline"
	"timealign/internal/tasks"
)

func TestSolvePrintsRawParams(t *testing.T) {
	root, _ := newTestRoot(t)
	path := writeAnchors(t, t.TempDir())

	out, err := execute(root, "solve", path)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || lines[0] != "a\tb\tdx\tdy" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSolveProcessedToFile(t *testing.T) {
	root, _ := newTestRoot(t)
	dir := t.TempDir()
	path := writeAnchors(t, dir)
	outPath := filepath.Join(dir, "processed.txt")

	out, err := execute(root, "solve", path, "-p", "-o", outPath, "--reference", "1")
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if out != "" {
		t.Fatalf("nothing should be printed when writing a file, got %q", out)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read params: %v", err)
	}
	if !strings.HasPrefix(string(data), "# pad = (1000.0, 1000.0), dims = (5000.0, 7000.0)\nalpha\tx\ty\ttheta\n") {
		t.Fatalf("unexpected display params %q", data)
	}
}

func TestSolveRequestFromFlags(t *testing.T) {
	root, _ := newTestRoot(t)
	root.cfg.Alignment.Reference = 3
	var got tasks.SolveRequest
	root.solveFn = func(ctx context.Context, req tasks.SolveRequest) (tasks.SolveResult, error) {
		got = req
		return tasks.SolveResult{}, nil
	}

	if _, err := execute(root, "solve"); err != nil {
		t.Fatalf("solve: %v", err)
	}
	if got.AnchorsPath != root.cfg.Paths.AnchorsFile || got.Reference != 3 || got.Display || got.Writer == nil {
		t.Fatalf("unexpected defaults %+v", got)
	}

	if _, err := execute(root, "solve", "a.txt", "--reference", "0", "--processed"); err != nil {
		t.Fatalf("solve: %v", err)
	}
	if got.AnchorsPath != "a.txt" || got.Reference != 0 || !got.Display || got.Frame == nil {
		t.Fatalf("flags not applied %+v", got)
	}
}

func TestSolveMissingAnchors(t *testing.T) {
	root, _ := newTestRoot(t)
	_, err := execute(root, "solve", filepath.Join(t.TempDir(), "missing.txt"))
	if !errors.Is(err, tasks.ErrNoAnchors) {
		t.Fatalf("expected no anchors error, got %v", err)
	}
}

func TestApplyQueuesJob(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.meta = map[string]any{"written": 2, "failed": 0, "bytes": int64(2048)}

	out, err := execute(root, "apply", "a.jpg", "b.jpg", "-p", "p.txt", "-a", "anchors.txt",
		"--crop", "0,0,10,10", "-s", "none", "-o", "out", "--engine", "magick")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(fakePipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
	}
	job := fakePipe.jobs[0]
	if job.Type != pipeline.JobApply || job.Output != "out" || job.InputPath != "a.jpg" {
		t.Fatalf("unexpected job %+v", job)
	}
	images, _ := job.Options["images"].([]string)
	if len(images) != 2 || images[1] != "b.jpg" {
		t.Fatalf("unexpected images %v", job.Options["images"])
	}
	for key, want := range map[string]string{
		"params":    "p.txt",
		"anchors":   "anchors.txt",
		"crop":      "0,0,10,10",
		"finalSize": "none",
		"engine":    "magick",
	} {
		if job.Options[key] != want {
			t.Fatalf("option %s = %v, want %s", key, job.Options[key], want)
		}
	}
	if _, ok := job.Options["pattern"]; ok {
		t.Fatalf("unset pattern should not be forwarded")
	}
	if !strings.Contains(out, "wrote 2 image(s) (2.0 kB), 0 failed") {
		t.Fatalf("unexpected summary %q", out)
	}
}

func TestApplyReportsJobError(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.jobErrors[string(pipeline.JobApply)] = tasks.ErrNoParams

	_, err := execute(root, "apply", "a.jpg")
	if !errors.Is(err, tasks.ErrNoParams) {
		t.Fatalf("expected no params error, got %v", err)
	}
	if fakePipe.jobs[0].Options["params"] != root.cfg.Paths.ParamsFile {
		t.Fatalf("expected default params file, got %v", fakePipe.jobs[0].Options["params"])
	}
}

func TestApplyRequiresInputs(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	if _, err := execute(root, "apply"); err == nil {
		t.Fatalf("expected error without inputs")
	}
	if len(fakePipe.jobs) != 0 {
		t.Fatalf("no job should be queued")
	}
}

func TestServeUsesFlags(t *testing.T) {
	root, _ := newTestRoot(t)
	var got serveOptions
	root.serveFn = func(ctx context.Context, opts serveOptions) error {
		got = opts
		return nil
	}

	if _, err := execute(root, "serve", "--addr", ":9999", "--grpc-addr", ":9998", "--watch"); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if got.HTTP.Addr != ":9999" || got.GRPCAddr != ":9998" || !got.HTTP.WatchAnchors {
		t.Fatalf("unexpected serve options %+v", got)
	}
	if got.HTTP.AnchorsFile != root.cfg.Paths.AnchorsFile || got.HTTP.ParamsFile != root.cfg.Paths.ParamsFile {
		t.Fatalf("expected configured files, got %+v", got.HTTP)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	out, err := execute(root, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "# config file: (defaults)") || !strings.Contains(out, "engine: go") {
		t.Fatalf("unexpected config output %q", out)
	}

	out, err = execute(root, "config", "validate")
	if err != nil || !strings.Contains(out, "Configuration is valid") {
		t.Fatalf("validate: %q %v", out, err)
	}

	root.cfg.Processing.ParallelJobs = 0
	if _, err := execute(root, "config", "validate"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestVersion(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(root, "version")
	if err != nil || !strings.Contains(out, "timealign v"+Version) {
		t.Fatalf("unexpected version output %q %v", out, err)
	}
}

func TestEnqueueAndWaitReturnsJobError(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobSolve}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	if _, err := root.enqueueAndWait(context.Background(), job); err == nil {
		t.Fatalf("expected error from pipeline result")
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.AnchorsFile = filepath.Join(tmp, "anchors.txt")
	cfg.Paths.ParamsFile = filepath.Join(tmp, "params.txt")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "timealign.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		solveFn:  tasks.RunSolve,
		remoteFn: grpcserver.RemoteSolve,
	}
	root.serveFn = root.serve
	return root, pipe
}

func execute(root *Root, args ...string) (string, error) {
	cmd := newRootCmd(root)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeAnchors stores two frames, the second shifted by (+5, +5).
func writeAnchors(t *testing.T, dir string) string {
	t.Helper()
	pt := func(x, y int) *anchors.Point { return &anchors.Point{X: x, Y: y} }
	table, err := anchors.NewTable([]string{"peak", "tree"}, [][]*anchors.Point{
		{pt(0, 0), pt(5, 5)},
		{pt(10, 0), pt(15, 5)},
	})
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	path := filepath.Join(dir, "anchors.txt")
	if err := anchors.Save(path, table); err != nil {
		t.Fatalf("save anchors: %v", err)
	}
	return path
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
	meta      map[string]any
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	res := pipeline.Result{Job: job, Error: f.errorFor(job), Meta: f.meta}
	for _, ch := range f.subs {
		select {
		case ch <- res:
		default:
		}
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) errorFor(job pipeline.Job) error {
	if err, ok := f.jobErrors[job.ID]; ok {
		return err
	}
	if err, ok := f.jobErrors[string(job.Type)]; ok {
		return err
	}
	return nil
}

func TestSolveRemote(t *testing.T) {
	root, _ := newTestRoot(t)
	dir := t.TempDir()
	path := writeAnchors(t, dir)
	var gotAddr, gotText string
	var gotOpts grpcserver.ClientOptions
	var gotDisplay bool
	root.remoteFn = func(ctx context.Context, addr string, opts grpcserver.ClientOptions, text string, reference int, display bool) (string, error) {
		gotAddr, gotOpts, gotText, gotDisplay = addr, opts, text, display
		return "a\tb\tdx\tdy\n1\t0\t0\t0\n", nil
	}
	root.solveFn = func(ctx context.Context, req tasks.SolveRequest) (tasks.SolveResult, error) {
		t.Fatalf("local solver should not run")
		return tasks.SolveResult{}, nil
	}

	out, err := execute(root, "solve", path, "--remote", "render01:9090", "--insecure", "-p")
	if err != nil {
		t.Fatalf("remote solve: %v", err)
	}
	if gotAddr != "render01:9090" || !gotOpts.Insecure || !gotDisplay {
		t.Fatalf("unexpected remote call %q %+v %v", gotAddr, gotOpts, gotDisplay)
	}
	if !strings.HasPrefix(gotText, "peak\ttree\n") {
		t.Fatalf("anchor file not forwarded, got %q", gotText)
	}
	if out != "a\tb\tdx\tdy\n1\t0\t0\t0\n" {
		t.Fatalf("unexpected output %q", out)
	}

	outPath := filepath.Join(dir, "remote.txt")
	if _, err := execute(root, "solve", path, "--remote", "render01:9090", "-o", outPath); err != nil {
		t.Fatalf("remote solve to file: %v", err)
	}
	data, err := os.ReadFile(outPath)
	if err != nil || !strings.HasPrefix(string(data), "a\tb\tdx\tdy\n") {
		t.Fatalf("unexpected params file %q %v", data, err)
	}
}

func TestSolveRemoteMissingAnchors(t *testing.T) {
	root, _ := newTestRoot(t)
	_, err := execute(root, "solve", filepath.Join(t.TempDir(), "missing.txt"), "--remote", "x:1")
	if !errors.Is(err, tasks.ErrNoAnchors) {
		t.Fatalf("expected no anchors error, got %v", err)
	}
}
