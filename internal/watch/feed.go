package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/tonimelisma/docwatch/internal/feed"
)

// Feed opens a changefeed and yields its raw changes as they arrive, with
// no deduplication or batching. The cursor is closed when the sequence
// ends: on break, at the end of the feed, on error, or when ctx is done.
// An open or read failure is yielded once as the final element.
func Feed(ctx context.Context, q feed.Query, conn feed.Conn, opts feed.Options) iter.Seq2[feed.RawChange, error] {
	return func(yield func(feed.RawChange, error) bool) {
		cursor, err := conn.Changes(ctx, q, opts)
		if err != nil {
			yield(feed.RawChange{}, fmt.Errorf("watch: opening changefeed for %s: %w", q, err))
			return
		}
		defer cursor.Close()

		for {
			change, err := cursor.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}

			if err != nil {
				if ctx.Err() != nil {
					err = canceled(ctx)
				}

				yield(feed.RawChange{}, err)

				return
			}

			if !yield(change, nil) {
				return
			}
		}
	}
}
