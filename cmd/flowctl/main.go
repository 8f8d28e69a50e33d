// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowbridge/flowcore/internal/config"
	"github.com/flowbridge/flowcore/internal/hooks"
	"github.com/flowbridge/flowcore/internal/logging"
	"github.com/flowbridge/flowcore/internal/pipeline"
	"github.com/flowbridge/flowcore/internal/writer"
	"github.com/robfig/cron/v3"
)

func main() {
	configPath := flag.String("config", "/etc/flowcore/pipeline.yaml", "path to pipeline config file")
	resume := flag.Bool("resume", false, "resume from the last saved checkpoint instead of starting fresh")
	schedule := flag.String("schedule", "", "cron expression to run the pipeline on a recurring schedule (daemon mode)")
	flag.Parse()

	cfg, err := config.LoadPipelineConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if *schedule == "" {
		if err := runOnce(context.Background(), cfg, *resume, logger); err != nil {
			logger.Error("pipeline run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := runDaemon(*schedule, cfg, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

// runOnce builds and runs the pipeline described by cfg a single time.
func runOnce(ctx context.Context, cfg *config.PipelineConfig, resume bool, logger *slog.Logger) error {
	p, closeHooks, err := buildPipeline(cfg, logger)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}
	defer closeHooks()

	if resume || cfg.Resume.Enabled {
		if err := p.Resume(); err != nil {
			return fmt.Errorf("resuming pipeline: %w", err)
		}
	} else {
		if err := p.Create(); err != nil {
			return fmt.Errorf("creating pipeline: %w", err)
		}
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return p.Run(runCtx)
}

// runDaemon re-runs the pipeline on the given cron schedule until the
// process receives an interrupt. One fresh Pipeline is built per firing
// so a crashed run doesn't carry stale node state into the next one.
// Grounded on the teacher's agent.Scheduler, which likewise wraps a
// robfig/cron.Cron around one independent job per configured entry.
func runDaemon(schedule string, cfg *config.PipelineConfig, logger *slog.Logger) error {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	_, err := c.AddFunc(schedule, func() {
		if err := runOnce(context.Background(), cfg, cfg.Resume.Enabled, logger); err != nil {
			logger.Error("scheduled pipeline run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.Start()
	logger.Info("daemon started", "schedule", schedule)
	<-ctx.Done()
	logger.Info("daemon shutting down")
	<-c.Stop().Done()
	return nil
}

// buildPipeline assembles a pipeline.Config from cfg, resolves each
// node's operator from the built-in registry, wires the hooks stack
// (checkpoint + in-memory stats + optional observability server), and
// constructs the Pipeline. The returned closer shuts down the
// observability listener and event store, if one was started.
func buildPipeline(cfg *config.PipelineConfig, logger *slog.Logger) (*pipeline.Pipeline, func(), error) {
	specs := make([]pipeline.NodeSpec, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		op, err := lookupOperator(n.Operator)
		if err != nil {
			return nil, nil, err
		}
		specs[i] = pipeline.NodeSpec{
			ID:           n.ID,
			BatchSize:    n.BatchSize,
			ParallelSize: n.ParallelSize,
			Operator:     op,
			WriterConfig: writerConfigFrom(cfg.Writer),
		}
	}

	planCfg := pipeline.Config{
		PipelineID:      cfg.Pipeline.ID,
		Streaming:       cfg.Pipeline.Streaming,
		InputURI:        cfg.Pipeline.InputURI,
		OutputURI:       cfg.Pipeline.OutputURI,
		DefaultProtocol: cfg.Pipeline.DefaultProtocol,
		BasePath:        cfg.Pipeline.BasePath,
		ResultsDir:      cfg.Pipeline.ResultsDir,
		Nodes:           specs,
	}

	core := hooks.NewCompositeHooks(
		hooks.NewCheckpointHooks(cfg.Pipeline.ResultsDir, logger),
		hooks.NewMemStatsHooks(cfg.Pipeline.ResultsDir, logger),
	)

	p, err := pipeline.New(planCfg, core, logger)
	if err != nil {
		return nil, nil, err
	}

	closer := func() {}
	if cfg.Observability.Enabled || cfg.Observability.Listen != "" {
		// The observability HTTP endpoint reports the pipeline's own live
		// runtime, so it needs p as its RuntimeProvider — which only
		// exists once p itself is built. SetHooks lets the pipeline pick
		// up the fuller hooks stack after the fact.
		obs, err := hooks.NewObservabilityHooks(hooks.ObservabilityConfig{
			Enabled:      cfg.Observability.Enabled,
			Listen:       cfg.Observability.Listen,
			AllowOrigins: cfg.Observability.AllowOrigins,
			EventsPath:   cfg.Pipeline.ResultsDir + "/events.jsonl",
		}, p)
		if err != nil {
			return nil, nil, fmt.Errorf("building observability hooks: %w", err)
		}
		p.SetHooks(hooks.NewCompositeHooks(core, obs))
		closer = func() { _ = obs.Close() }
	}

	return p, closer, nil
}

func writerConfigFrom(w config.WriterConfig) writer.Config {
	return writer.Config{
		AsyncMode:            w.AsyncMode,
		QueueSize:            w.QueueSize,
		FlushBatchSize:       w.FlushBatchSize,
		FlushInterval:        w.FlushInterval,
		RetryInterval:        w.RetryInterval,
		RateLimitItemsPerSec: float64(w.RateLimitPerSec),
	}
}
