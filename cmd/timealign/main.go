package main

import (
	"context"
	"fmt"
	"os"

	"timealign/internal/cli"
	"timealign/internal/config"
	"timealign/internal/logging"
	"timealign/internal/notify"
	"timealign/internal/pipeline"
	"timealign/internal/storage"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return err
	}

	// stdout carries parameter files
	logger, closer, err := logging.SetupTo(cfg, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return err
	}
	defer closer.Close()

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("job history disabled", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	}
	defer store.Close()

	var notifier pipeline.Notifier
	mq, err := notify.New(cfg.Notify.MQTT, logger)
	if err != nil {
		logger.Warn("mqtt notifications disabled", "error", err)
	} else if mq != nil {
		notifier = mq
		defer mq.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, cfg, notifier)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx)
}
