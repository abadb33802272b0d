package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"timealign/internal/config"
	"timealign/internal/fsutil"
	"timealign/internal/grpcserver"
	"timealign/internal/pipeline"
	"timealign/internal/server"
	"timealign/internal/storage"
	"timealign/internal/tasks"
)

// Version is set at build time with -ldflags "-X timealign/internal/cli.Version=...".
var Version = "1.0.0-dev"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type solveFunc func(ctx context.Context, req tasks.SolveRequest) (tasks.SolveResult, error)

type remoteSolveFunc func(ctx context.Context, addr string, opts grpcserver.ClientOptions, anchorsText string, reference int, display bool) (string, error)

// serveOptions is what the serve command starts.
type serveOptions struct {
	HTTP     server.Options
	GRPCAddr string
}

type serverFunc func(ctx context.Context, opts serveOptions) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	solveFn  solveFunc
	remoteFn remoteSolveFunc
	serveFn  serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		cfg:      cfg,
		log:      logger,
		store:    store,
		solveFn:  tasks.RunSolve,
		remoteFn: grpcserver.RemoteSolve,
	}
	if pl != nil {
		r.pipeline = pl
	}
	r.serveFn = r.serve
	return r
}

// serve runs the HTTP server and, when configured, the gRPC server until ctx
// is done or either fails.
func (r *Root) serve(ctx context.Context, opts serveOptions) error {
	if r.pipeline == nil {
		return fmt.Errorf("pipeline unavailable for server startup")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.New(opts.HTTP, r.store, r.pipeline, r.log).Start(ctx)
	})
	if opts.GRPCAddr != "" {
		g.Go(func() error {
			return grpcserver.New(r.cfg, r.log).Serve(ctx, opts.GRPCAddr)
		})
	}
	return g.Wait()
}

// enqueueAndWait submits job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	if r.pipeline == nil {
		return pipeline.Result{}, fmt.Errorf("pipeline unavailable")
	}
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// solveRemote sends the anchor file to a remote Aligner and writes the
// parameter file it returns.
func (r *Root) solveRemote(ctx context.Context, stdout io.Writer, addr string, opts grpcserver.ClientOptions, anchorsPath, output string, reference int, display bool) error {
	data, err := os.ReadFile(anchorsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s does not exist", tasks.ErrNoAnchors, anchorsPath)
		}
		return err
	}
	text, err := r.remoteFn(ctx, addr, opts, string(data), reference, display)
	if err != nil {
		return fmt.Errorf("remote solve on %s: %w", addr, err)
	}
	r.log.Info("remote solve finished", "anchors", anchorsPath, "remote", addr)
	if output == "" {
		_, err = io.WriteString(stdout, text)
		return err
	}
	return fsutil.WriteAtomic(output, func(w io.Writer) error {
		_, err := io.WriteString(w, text)
		return err
	})
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%s", prefix, ts, uuid.NewString()[:8])
}
