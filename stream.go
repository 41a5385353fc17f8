package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/docwatch/internal/feed"
	"github.com/tonimelisma/docwatch/internal/server"
)

// queryFlags are the flags selecting the documents a stream follows.
type queryFlags struct {
	index  string
	values []string
}

func (f *queryFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.index, "index", "", "secondary index to query (default: whole table)")
	cmd.Flags().StringArrayVar(&f.values, "value", nil, "index value to match (repeatable)")
}

func (f *queryFlags) query(table string) (feed.Query, error) {
	if f.index == "" && len(f.values) > 0 {
		return feed.Query{}, errors.New("--value requires --index")
	}

	if f.index != "" && len(f.values) == 0 {
		return feed.Query{}, errors.New("--index requires at least one --value")
	}

	return feed.Query{Table: table, Index: f.index, Values: f.values}, nil
}

func newWatchCmd() *cobra.Command {
	var (
		qf     queryFlags
		buffer time.Duration
		queue  int
	)

	cmd := &cobra.Command{
		Use:   "watch TABLE",
		Short: "Stream deduplicated batches of changes from the server",
		Long: `Watch a query on the server. The first batch is the current result set;
every later batch collects the adds, changes and removes of one buffer
window, with one entry per document even when the document matches the
query several times.

Examples:
  docwatch watch posts
  docwatch watch posts --index tags --value go --value sql
  docwatch watch posts --buffer 500ms --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			q, err := qf.query(args[0])
			if err != nil {
				return err
			}

			if buffer == 0 {
				buffer = cc.Cfg.Watch.BufferDuration()
			}

			if queue == 0 {
				queue = cc.Cfg.Watch.QueueSize
			}

			c, err := newClient(cc)
			if err != nil {
				return err
			}

			ctx := shutdownContext(cmd.Context(), cc.Logger)
			p := newChangePrinter(cc)

			err = c.Watch(ctx, q, server.StreamParams{BufferTime: buffer, QueueSize: queue}, p.printMessage)

			return streamResult(ctx, err)
		},
	}

	qf.bind(cmd)
	cmd.Flags().DurationVar(&buffer, "buffer", 0, "batch window (default from [watch] buffer_time)")
	cmd.Flags().IntVar(&queue, "queue", 0, "changefeed queue bound (default from [watch] queue_size)")

	return cmd
}

func newFeedCmd() *cobra.Command {
	var (
		qf      queryFlags
		opts    server.StreamParams
		liveOnly bool
	)

	cmd := &cobra.Command{
		Use:   "feed TABLE",
		Short: "Stream the raw changefeed from the server",
		Long: `Print the raw changefeed of a query: one entry per match path, with no
deduplication or batching. Compare with "watch" to see what the watch
pipeline removes.

Examples:
  docwatch feed posts --initial --states
  docwatch feed posts --index tags --value go --squash`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			q, err := qf.query(args[0])
			if err != nil {
				return err
			}

			if opts.QueueSize == 0 {
				opts.QueueSize = cc.Cfg.Watch.QueueSize
			}

			if liveOnly {
				opts.Initial, opts.States = false, false
			}

			c, err := newClient(cc)
			if err != nil {
				return err
			}

			ctx := shutdownContext(cmd.Context(), cc.Logger)
			p := newChangePrinter(cc)

			return streamResult(ctx, c.Feed(ctx, q, opts, p.printChange))
		},
	}

	qf.bind(cmd)
	cmd.Flags().BoolVar(&opts.Initial, "initial", false, "start with the current result set")
	cmd.Flags().BoolVar(&opts.States, "states", false, "include initializing/ready markers")
	cmd.Flags().BoolVar(&opts.Squash, "squash", false, "coalesce unread changes per document")
	cmd.Flags().IntVar(&opts.QueueSize, "queue", 0, "changefeed queue bound (default from [watch] queue_size)")
	cmd.Flags().BoolVar(&liveOnly, "live", false, "only live changes (overrides --initial and --states)")

	return cmd
}

// streamResult treats an interrupt as a clean exit.
func streamResult(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}

	return err
}
