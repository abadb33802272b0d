package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"timealign/internal/config"
	"timealign/internal/grpcserver"
	"timealign/internal/pipeline"
	"timealign/internal/server"
	"timealign/internal/storage"
	"timealign/internal/tasks"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "timealign",
		Short: "timealign aligns timelapse frames on hand-picked anchors",
		Long: `timealign fits one similarity transform per frame from anchor points
picked on a fixed landmark, writes them as a parameter file and warps the
frames into a stabilised, uniformly sized sequence.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newSolveCmd(root))
	rootCmd.AddCommand(newApplyCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newSolveCmd(root *Root) *cobra.Command {
	var (
		processed bool
		reference int
		output    string
		watch     bool
		remote    string
		client    grpcserver.ClientOptions
	)

	cmd := &cobra.Command{
		Use:   "solve [anchors_file]",
		Short: "Solve per-frame transforms from an anchor file",
		Long: `Fit a similarity transform for every frame of the anchor file against the
reference frame and print the parameter file. With --processed the parameters
are exported as alpha/x/y/theta against the display frame.

Examples:
  timealign solve anchors.txt > params.txt
  timealign solve anchors.txt -p -o processed.txt
  timealign solve anchors.txt -o params.txt --watch
  timealign solve anchors.txt --remote render01:9090 --ca-cert ca.pem`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			anchorsPath := root.cfg.Paths.AnchorsFile
			if len(args) > 0 {
				anchorsPath = args[0]
			}
			if !cmd.Flags().Changed("reference") {
				reference = root.cfg.Alignment.Reference
			}

			run := func(ctx context.Context) error {
				if remote != "" {
					return root.solveRemote(ctx, cmd.OutOrStdout(), remote, client, anchorsPath, output, reference, processed)
				}
				req := tasks.NewSolveRequest(root.cfg, anchorsPath, processed, reference)
				req.Output = output
				if output == "" {
					req.Writer = cmd.OutOrStdout()
				}
				res, err := root.solveFn(ctx, req)
				if err != nil {
					return err
				}
				root.log.Info("solve finished",
					"anchors", anchorsPath,
					"images", len(res.Solutions),
					"max_residual", res.MaxResidual(),
				)
				return nil
			}

			if !watch {
				return run(cmd.Context())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := run(ctx); err != nil {
				root.log.Warn("initial solve failed", "error", err)
			}
			aw, err := tasks.NewAnchorWatcher(anchorsPath, tasks.DefaultDebounce, func(string) {
				if err := run(ctx); err != nil {
					root.log.Warn("solve failed", "error", err)
				}
			})
			if err != nil {
				return err
			}
			root.log.Info("watching anchor file", "path", anchorsPath)
			return aw.Run(ctx)
		},
	}

	cmd.Flags().BoolVarP(&processed, "processed", "p", false, "export display parameters (alpha, x, y, theta) with the frame comment")
	cmd.Flags().IntVar(&reference, "reference", 0, "index of the reference frame (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "parameter file to write instead of stdout")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-solve whenever the anchor file is saved")
	cmd.Flags().StringVar(&remote, "remote", "", "solve on a remote gRPC server (host:port)")
	cmd.Flags().BoolVar(&client.Insecure, "insecure", false, "connect to the remote server without TLS")
	cmd.Flags().StringVar(&client.CACert, "ca-cert", "", "CA certificate for the remote server")
	cmd.Flags().StringVar(&client.CertFile, "cert", "", "client certificate for the remote server")
	cmd.Flags().StringVar(&client.KeyFile, "key", "", "client key for the remote server")

	return cmd
}

func newApplyCmd(root *Root) *cobra.Command {
	var (
		params    string
		anchors   string
		crop      string
		finalSize string
		output    string
		engine    string
		pattern   string
	)

	cmd := &cobra.Command{
		Use:   "apply <files|dirs...>",
		Short: "Warp frames with a parameter file",
		Long: `Scale, rotate, crop and pad every frame with its transform from the
parameter file. Frames are taken in sorted order and written as img00000.jpg,
img00001.jpg, ... into the output directory, which defaults to the directory of
the first frame.

Examples:
  timealign apply frames/ -p params.txt -o aligned/
  timealign apply *.jpg -p params.txt -a anchors.txt --crop 100,100,4100,2500 -s 1920,1080`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{
				"images": args,
				"params": params,
			}
			for key, val := range map[string]string{
				"anchors":   anchors,
				"crop":      crop,
				"finalSize": finalSize,
				"engine":    engine,
				"pattern":   pattern,
			} {
				if val != "" {
					opts[key] = val
				}
			}

			job := pipeline.Job{
				ID:        newID("apply"),
				Type:      pipeline.JobApply,
				InputPath: args[0],
				Output:    output,
				Options:   opts,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if res.Meta != nil {
				written, _ := res.Meta["written"].(int)
				failed, _ := res.Meta["failed"].(int)
				bytes, _ := res.Meta["bytes"].(int64)
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d image(s) (%s), %d failed\n",
					written, humanize.Bytes(uint64(bytes)), failed)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&params, "params", "p", root.cfg.Paths.ParamsFile, "parameter file")
	cmd.Flags().StringVarP(&anchors, "anchors", "a", "", "anchor file to burn into the frames before warping")
	cmd.Flags().StringVar(&crop, "crop", "", "crop region x0,y0,x1,y1 on the first frame (default whole frame)")
	cmd.Flags().StringVarP(&finalSize, "final-size", "s", "", "output size w,h or none (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default: directory of the first frame)")
	cmd.Flags().StringVar(&engine, "engine", "", "image engine (go|magick)")
	cmd.Flags().StringVar(&pattern, "pattern", "", "output file name pattern (default img%05d.jpg)")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP job server",
		Long: `Start an HTTP server that queues solve and apply jobs, serves the anchor
file to the picking tool and streams job results. With --grpc-addr the solver
is also exposed over gRPC.

Examples:
  timealign serve --addr :8080
  timealign serve --addr :8080 --grpc-addr :9090 --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := serveOptions{
				HTTP: server.Options{
					Addr:         addr,
					AnchorsFile:  root.cfg.Paths.AnchorsFile,
					ParamsFile:   root.cfg.Paths.ParamsFile,
					WatchAnchors: watch,
				},
				GRPCAddr: grpcAddr,
			}
			root.log.Info("starting server",
				"addr", addr,
				"grpc_addr", grpcAddr,
				"anchors", opts.HTTP.AnchorsFile,
				"watch", watch,
			)
			return root.serveFn(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "server address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC address, disabled when empty")
	cmd.Flags().BoolVar(&watch, "watch", false, "queue a solve job whenever the anchor file is saved")

	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("timealign v%s\n", Version)
		},
	}
}
