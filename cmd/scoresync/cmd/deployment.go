package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Aman-CERP/scoresync/internal/config"
	"github.com/Aman-CERP/scoresync/internal/coord"
	"github.com/Aman-CERP/scoresync/internal/indexmeta"
	"github.com/Aman-CERP/scoresync/internal/logging"
	"github.com/Aman-CERP/scoresync/internal/search"
)

// deployment is the shared state every command acts on: the search engine,
// the coordination store and the index metadata kept in the engine.
type deployment struct {
	cfg    *config.Config
	logger *slog.Logger
	engine search.Engine
	store  coord.Store
	meta   *indexmeta.Store

	closers []func() error
}

// openDeployment loads the config and connects to the engine and the
// coordination store. Worker commands require a schema id; administrative
// commands do not.
func openDeployment(ctx context.Context, opts *rootOptions, requireSchema bool) (*deployment, error) {
	load := config.LoadDeployment
	if requireSchema {
		load = config.Load
	}
	cfg, err := load(opts.configPath)
	if err != nil {
		return nil, err
	}

	logger, cleanup, err := setupLogging(cfg.Logging, opts.debug)
	if err != nil {
		return nil, err
	}
	d := &deployment{cfg: cfg, logger: logger}
	d.onClose(func() error { cleanup(); return nil })

	engine, err := search.NewBleveEngine(search.BleveOptions{
		DataDir:           cfg.Search.DataDir,
		MaxConcurrentBulk: cfg.Search.MaxConcurrentBulk,
		Logger:            logger,
	})
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.engine = engine
	d.onClose(engine.Close)

	store, err := coord.New(ctx, cfg.Coordination, logger)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.store = store
	d.onClose(store.Close)

	d.meta = indexmeta.NewStore(engine, logger)
	return d, nil
}

func (d *deployment) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (d *deployment) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	d.closers = nil
	return errors.Join(errs...)
}

// setupLogging builds the process logger. Without a log file, logs go to
// stderr; --debug raises the level and writes to the default log file.
func setupLogging(cfg config.LoggingConfig, debug bool) (*slog.Logger, func(), error) {
	lc := logging.Config{
		Level:     cfg.Level,
		FilePath:  cfg.File,
		MaxSizeMB: cfg.MaxSizeMB,
		MaxFiles:  cfg.MaxFiles,
	}
	if debug {
		lc.Level = "debug"
		if lc.FilePath == "" {
			lc.FilePath = logging.DefaultLogPath()
		}
	}

	logger, cleanup, err := logging.Setup(lc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)
	if debug {
		logger.Debug("debug_logging_enabled", slog.String("log_file", lc.FilePath))
	}
	return logger, cleanup, nil
}
