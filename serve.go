package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/docwatch/internal/config"
	"github.com/tonimelisma/docwatch/internal/dirload"
	"github.com/tonimelisma/docwatch/internal/docstore"
	"github.com/tonimelisma/docwatch/internal/server"
)

// dbDirPermissions is the mode for a database directory created by serve.
const dbDirPermissions = 0o700

func newServeCmd() *cobra.Command {
	var loadDir, loadTable string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the document server",
		Long: `Open the database and serve the REST API plus the /watch and /feed
websocket streams until interrupted.

With --load (or [load] dir in the config), a directory of *.json files is
mirrored into a table: each file is one document, and editing, adding or
deleting files changes the table live.

Examples:
  docwatch serve
  docwatch serve --listen 127.0.0.1:9000 --db ./posts.db
  docwatch serve --load ./content/posts --table posts`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, loadDir, loadTable)
		},
	}

	cmd.Flags().String("listen", "", "listen address (overrides [server] listen)")
	cmd.Flags().StringVar(&loadDir, "load", "", "directory of *.json files to mirror into --table")
	cmd.Flags().StringVar(&loadTable, "table", "", "table for --load (created if missing)")

	return cmd
}

func runServe(cmd *cobra.Command, loadDir, loadTable string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg
	logger := cc.Logger

	if loadDir == "" {
		loadDir = cfg.Load.Dir
	}

	if loadTable == "" {
		loadTable = cfg.Load.Table
	}

	if loadDir != "" && loadTable == "" {
		return errors.New("--table is required with --load")
	}

	ctx := shutdownContext(cmd.Context(), logger)

	cleanup, err := writePIDFile(pidFilePath(cfg.Store.Path))
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := openStore(ctx, cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	holder := config.NewHolder(cfg)
	reloadSignals(ctx, func() { reloadServeConfig(cmd, cc, holder) })

	srv := server.New(store, server.Options{
		Addr:            cfg.Server.Listen,
		ShutdownTimeout: cfg.Server.ShutdownDuration(),
		MaxBodyBytes:    cfg.Server.MaxBodyBytes(),
		BufferTime:      cfg.Watch.BufferDuration(),
		QueueSize:       cfg.Watch.QueueSize,
		Logger:          logger,
	})

	var loader *dirload.Loader

	if loadDir != "" {
		loader, err = newServeLoader(ctx, store, cfg, loadDir, loadTable, logger)
		if err != nil {
			return err
		}

		// Clients connecting right away see the loaded table.
		if err := loader.Scan(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	if loader != nil {
		g.Go(func() error {
			return loader.Run(gctx)
		})
	}

	cc.Statusf("Serving %s on %s\n", cfg.Store.Path, cfg.Server.Listen)

	return g.Wait()
}

// openStore opens the database, creating its directory when needed.
func openStore(ctx context.Context, path string, logger *slog.Logger) (*docstore.Store, error) {
	if path != memoryDB {
		if err := os.MkdirAll(filepath.Dir(path), dbDirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	store, err := docstore.Open(ctx, path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return store, nil
}

// newServeLoader ensures the load table exists and builds its loader.
func newServeLoader(
	ctx context.Context, store *docstore.Store, cfg *config.Resolved, dir, table string, logger *slog.Logger,
) (*dirload.Loader, error) {
	err := store.CreateTable(ctx, table, docstore.TableOptions{})
	if err != nil && !errors.Is(err, docstore.ErrTableExists) {
		return nil, fmt.Errorf("creating table %q: %w", table, err)
	}

	return dirload.New(store, dirload.Options{
		Dir:      dir,
		Table:    table,
		Debounce: cfg.Load.DebounceDuration(),
		Logger:   logger,
	}), nil
}

// reloadServeConfig re-reads the config file on SIGHUP. The log level
// applies immediately; listener, database and loader settings need a
// restart.
func reloadServeConfig(cmd *cobra.Command, cc *CLIContext, holder *config.Holder) {
	logger := cc.Logger

	next, err := loadConfig(cmd)
	if err != nil {
		logger.Warn("config reload failed, keeping current config",
			slog.String("path", holder.Path()),
			slog.String("error", err.Error()),
		)

		return
	}

	prev := holder.Config()
	holder.Update(next)

	cc.Level.Set(flagLevel(parseLevel(next.Logging.LogLevel), cc.Flags))

	logger.Info("config reloaded",
		slog.String("path", next.Path),
		slog.String("log_level", cc.Level.Level().String()),
	)

	if prev.Server != next.Server || prev.Store != next.Store || prev.Load != next.Load || prev.Watch != next.Watch {
		logger.Warn("changed server, store, load or watch settings take effect on restart")
	}
}
