package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/docwatch/internal/dirload"
	"github.com/tonimelisma/docwatch/internal/docstore"
	"github.com/tonimelisma/docwatch/internal/feed"
	"github.com/tonimelisma/docwatch/internal/server"
	"github.com/tonimelisma/docwatch/internal/watch"
)

func newTailCmd() *cobra.Command {
	var (
		table  string
		pk     string
		buffer time.Duration
	)

	cmd := &cobra.Command{
		Use:   "tail DIR",
		Short: "Watch a directory of JSON documents without a server",
		Long: `Load every *.json file in DIR into an in-memory table and print the
watch batches produced as files are added, edited and removed.

Examples:
  docwatch tail ./content/posts
  docwatch tail ./fixtures --pk slug --buffer 1s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			if buffer == 0 {
				buffer = cc.Cfg.Watch.BufferDuration()
			}

			ctx := shutdownContext(cmd.Context(), cc.Logger)

			return runTail(ctx, cc, tailOptions{
				dir:      args[0],
				table:    table,
				pk:       pk,
				buffer:   buffer,
				debounce: cc.Cfg.Load.DebounceDuration(),
			})
		},
	}

	cmd.Flags().StringVar(&table, "table", "docs", "name of the in-memory table")
	cmd.Flags().StringVar(&pk, "pk", docstore.DefaultPrimaryKey, "primary-key field (files without it use their name)")
	cmd.Flags().DurationVar(&buffer, "buffer", 0, "batch window (default from [watch] buffer_time)")

	return cmd
}

type tailOptions struct {
	dir      string
	table    string
	pk       string
	buffer   time.Duration
	debounce time.Duration
}

// runTail mirrors a directory into a private in-memory store and prints
// watch batches for the whole table until ctx is canceled.
func runTail(ctx context.Context, cc *CLIContext, opts tailOptions) error {
	store, err := docstore.Open(ctx, memoryDB, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening in-memory store: %w", err)
	}
	defer store.Close()

	if err := store.CreateTable(ctx, opts.table, docstore.TableOptions{PrimaryKey: opts.pk}); err != nil {
		return err
	}

	loader := dirload.New(store, dirload.Options{
		Dir:      opts.dir,
		Table:    opts.table,
		Debounce: opts.debounce,
		Logger:   cc.Logger,
	})

	// The first batch then holds every file present at startup.
	if err := loader.Scan(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	watcher, err := watch.Open(gctx, feed.Query{Table: opts.table}, store, watch.Options{
		PrimaryKey: docstore.PrimaryKey,
		BufferTime: opts.buffer,
		Logger:     cc.Logger,
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	g.Go(func() error {
		return loader.Run(gctx)
	})

	g.Go(func() error {
		p := newChangePrinter(cc)

		var seq int64

		for batch, err := range watcher.All() {
			if err != nil {
				if errors.Is(err, watch.ErrCanceled) {
					return nil
				}

				return err
			}

			seq++

			if err := p.printMessage(server.WatchMessage{Seq: seq, Initial: seq == 1, Updates: batch}); err != nil {
				return err
			}
		}

		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
