package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	serrors "github.com/Aman-CERP/scoresync/internal/errors"
	"github.com/Aman-CERP/scoresync/internal/index"
	"github.com/Aman-CERP/scoresync/internal/metrics"
	"github.com/Aman-CERP/scoresync/internal/queue"
	"github.com/Aman-CERP/scoresync/internal/reader"
	"github.com/Aman-CERP/scoresync/internal/record"
	"github.com/Aman-CERP/scoresync/internal/relstore"
	"github.com/Aman-CERP/scoresync/internal/ui"
)

// workerOptions are the flags of the commands that run a worker.
type workerOptions struct {
	force   bool
	plain   bool
	noColor bool
	live    bool
}

func newReindexCmd(root *rootOptions) *cobra.Command {
	opts := &workerOptions{}

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Build or resume the index for the configured schema",
		Long: `Scan the record table into the index of the configured schema.

An interrupted build resumes from its last checkpoint. A schema whose index
is already complete is skipped unless --force is given, in which case a new
index is built and, for the current schema, swapped in behind the alias.

The run ends early, without error, when another schema becomes current.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cmd, root, opts)
		},
	}
	addWorkerFlags(cmd, opts)
	return cmd
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &workerOptions{live: true}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reindex and keep applying live updates from the queue",
		Long: `Run a long-lived worker: build or resume the index of the configured
schema while consuming changed record ids from Kafka, and keep applying
them after the scan finished.

The worker stops on SIGINT/SIGTERM or when its schema is evicted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cmd, root, opts)
		},
	}
	addWorkerFlags(cmd, opts)
	return cmd
}

func addWorkerFlags(cmd *cobra.Command, opts *workerOptions) {
	cmd.Flags().BoolVar(&opts.force, "force", false, "Build a new index even if the schema already has a complete one")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "Disable the TUI, use plain text output")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colors")
}

func runWorker(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts *workerOptions) error {
	d, err := openDeployment(ctx, root, true)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	cfg := d.cfg

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr, d.logger); err != nil {
				d.logger.Warn("metrics_server_failed", slog.String("error", err.Error()))
			}
		}()
	}

	db, err := relstore.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	d.onClose(db.Close)

	rd, err := reader.New(db, db.Dialect, record.PackageDescriptor(), reader.Options{
		ChunkSize:  cfg.Reader.ChunkSize,
		RetryDelay: cfg.Reader.RetryDelay,
		MaxRetries: cfg.Reader.MaxRetries,
		Logger:     d.logger,
		Metrics:    m,
	})
	if err != nil {
		return err
	}

	var live index.LiveSource
	if opts.live {
		src, err := queue.NewKafkaSource(queue.KafkaConfig{
			Brokers:        cfg.Queue.Brokers,
			Topic:          cfg.Queue.Topic,
			Group:          cfg.Queue.Group,
			MaxPollRecords: cfg.Queue.MaxPollRecords,
			Logger:         d.logger,
			Metrics:        m,
		})
		if err != nil {
			return err
		}
		d.onClose(func() error { src.Close(); return nil })
		live = src
	}

	renderer := ui.NewRenderer(ui.NewConfig(cmd.OutOrStdout(),
		ui.WithForcePlain(opts.plain),
		ui.WithNoColor(opts.noColor || ui.DetectNoColor()),
		ui.WithTitle(fmt.Sprintf("scoresync %s / %s", cfg.Schema.Alias, cfg.Schema.ID)),
	))
	if err := renderer.Start(ctx); err != nil {
		return serrors.InternalError("start progress display", err)
	}
	defer func() { _ = renderer.Stop() }()

	runner, err := index.NewRunner(index.RunnerDependencies[*record.Package]{
		Renderer: renderer,
		Reader:   rd,
		Engine:   d.engine,
		Store:    d.store,
		Meta:     d.meta,
		Live:     live,
		Logger:   d.logger,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	_, err = runner.Run(ctx, index.RunnerConfig{
		SchemaID:        cfg.Schema.ID,
		Alias:           cfg.Schema.Alias,
		Force:           opts.force,
		BufferSize:      cfg.Dispatch.BufferSize,
		Workers:         cfg.Dispatch.Workers,
		ThrottleBackoff: cfg.Dispatch.ThrottleBackoff,
		PollInterval:    cfg.Poll.Interval,
		ClosePrevious:   cfg.Schema.ClosePrevious,
	})
	return err
}
