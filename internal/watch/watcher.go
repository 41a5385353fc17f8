package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/docwatch/internal/feed"
)

// DefaultBufferTime is the window length used when Options.BufferTime is zero.
const DefaultBufferTime = 10 * time.Millisecond

// Options configures a Watcher. The zero value is usable when the
// connection can resolve primary keys itself.
type Options struct {
	// Key derives the entity key from a document. When nil, the primary
	// key field is looked up with PrimaryKey.
	Key KeyFunc

	// PrimaryKey infers the primary-key field for the query. When nil and
	// the connection implements feed.PrimaryKeyResolver, the connection is
	// asked directly.
	PrimaryKey feed.PrimaryKeyFunc

	// QueueSize is forwarded to the change source. Zero keeps its default.
	QueueSize int

	// BufferTime is how long a window stays open after its first update.
	BufferTime time.Duration

	Logger *slog.Logger
}

type phase int

const (
	phaseInitial phase = iota
	phaseStreaming
	phaseDone
)

// watchCounters holds atomic counters readable while the watch runs.
type watchCounters struct {
	rawChanges atomic.Int64
	updates    atomic.Int64
	suppressed atomic.Int64
	batches    atomic.Int64
	carried    atomic.Int64
}

// Stats is a snapshot of watcher counters returned by Stats().
type Stats struct {
	RawChanges int64 // notifications read from the cursor
	Updates    int64 // notifications that normalized to an update
	Suppressed int64 // updates dropped as match-path duplicates
	Batches    int64 // batches returned to the caller
	Carried    int64 // windows that ended with a read still in flight
	Tracked    int64 // keys currently held by the dedup tracker
}

// Watcher yields deduplicated batches for one query: first the current
// result set, then one batch per window of live changes. Next must be
// called from a single goroutine; Close and Stats may be called from any.
type Watcher struct {
	query      feed.Query
	key        KeyFunc
	bufferTime time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	cursor feed.Cursor
	reader *reader

	// Consumer-owned state, touched only inside Next.
	tracker *Tracker
	phase   phase
	err     error

	tracked   atomic.Int64
	stats     watchCounters
	closeOnce stdsync.Once
	closeErr  error
}

// Open resolves the key function and opens a changefeed for q. The feed
// is opened without squashing, with the initial result set and with state
// markers; the dedup tracker depends on seeing every match-path
// notification. Canceling ctx ends the watch: the pending Next fails with
// an error wrapping ErrCanceled and the cursor is closed.
func Open(ctx context.Context, q feed.Query, conn feed.Conn, opts Options) (*Watcher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	bufferTime := opts.BufferTime
	if bufferTime <= 0 {
		bufferTime = DefaultBufferTime
	}

	key, err := resolveKey(ctx, q, conn, &opts)
	if err != nil {
		return nil, err
	}

	cursor, err := conn.Changes(ctx, q, feed.Options{
		QueueSize:      opts.QueueSize,
		IncludeInitial: true,
		IncludeStates:  true,
		Squash:         false,
	})
	if err != nil {
		return nil, fmt.Errorf("watch: opening changefeed for %s: %w", q, err)
	}

	wctx, cancel := context.WithCancelCause(ctx)

	logger.Info("watch opened",
		slog.String("query", q.String()),
		slog.Duration("buffer_time", bufferTime),
		slog.Int("queue_size", opts.QueueSize),
	)

	w := &Watcher{
		query:      q,
		key:        key,
		bufferTime: bufferTime,
		logger:     logger,
		ctx:        wctx,
		cancel:     cancel,
		cursor:     cursor,
		reader:     newReader(wctx, cursor),
		tracker:    NewTracker(),
	}

	// Cancellation releases the cursor even when no Next is pending.
	context.AfterFunc(wctx, func() { _ = w.Close() })

	return w, nil
}

// Next returns the next batch. The first call returns the initial result
// set once the feed reports ready; later calls block for the first update
// of a window and return when the window's buffer time has elapsed. At the
// end of the feed Next returns io.EOF. After any error the watcher is
// closed and every further call returns the same error.
func (w *Watcher) Next() (*Batch, error) {
	if w.err != nil {
		return nil, w.err
	}

	if w.ctx.Err() != nil {
		return nil, w.fail(w.closedErr())
	}

	var (
		b   *Batch
		err error
	)

	switch w.phase {
	case phaseInitial:
		b, err = w.collectInitial()
	case phaseStreaming:
		b, err = w.collectWindow()
	default:
		err = io.EOF
	}

	if err != nil {
		return nil, w.fail(err)
	}

	w.stats.batches.Add(1)

	return b, nil
}

// All adapts the watcher to a range-over-func sequence. The watcher is
// closed when the loop ends, including on break. io.EOF ends the sequence
// without being yielded.
func (w *Watcher) All() iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		defer w.Close()

		for {
			b, err := w.Next()
			if errors.Is(err, io.EOF) {
				return
			}

			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}

// collectInitial merges everything up to the ready marker into one batch.
func (w *Watcher) collectInitial() (*Batch, error) {
	b := NewBatch()

	for {
		change, err := w.read(nil)
		if errors.Is(err, io.EOF) {
			w.phase = phaseDone
			return b, nil
		}

		if err != nil {
			return nil, err
		}

		if _, err := w.apply(b, change); err != nil {
			return nil, err
		}

		if change.State == feed.StateReady {
			w.phase = phaseStreaming

			w.logger.Debug("watch initial batch collected",
				slog.String("query", w.query.String()),
				slog.Int("keys", b.Len()),
			)

			return b, nil
		}
	}
}

// collectWindow blocks until a notification yields an update, then keeps
// merging until the buffer timer fires. A read still pending at that point
// carries over into the next window.
func (w *Watcher) collectWindow() (*Batch, error) {
	b := NewBatch()

	for {
		change, err := w.read(nil)
		if err != nil {
			return nil, err
		}

		seeded, err := w.apply(b, change)
		if err != nil {
			return nil, err
		}

		if seeded {
			break
		}
	}

	timer := time.NewTimer(w.bufferTime)
	defer timer.Stop()

	for {
		change, err := w.read(timer.C)
		if errors.Is(err, errWindowClosed) {
			if w.reader.inFlight() {
				w.stats.carried.Add(1)
			}

			break
		}

		if errors.Is(err, io.EOF) {
			w.phase = phaseDone
			break
		}

		if err != nil {
			return nil, err
		}

		if _, err := w.apply(b, change); err != nil {
			return nil, err
		}
	}

	w.logger.Debug("watch window closed",
		slog.String("query", w.query.String()),
		slog.Int("keys", b.Len()),
		slog.Bool("carried_read", w.reader.inFlight()),
	)

	return b, nil
}

// errWindowClosed is returned by read when the deadline fires first.
var errWindowClosed = errors.New("window closed")

// read waits for the next raw change and maps cursor errors onto the
// package's error taxonomy.
func (w *Watcher) read(deadline <-chan time.Time) (feed.RawChange, error) {
	res, ok, err := w.reader.await(deadline)
	if err != nil {
		return feed.RawChange{}, w.closedErr()
	}

	if !ok {
		return feed.RawChange{}, errWindowClosed
	}

	if res.err != nil {
		// The cursor may surface the cancellation itself before the
		// watcher's own select sees it.
		if w.ctx.Err() != nil {
			return feed.RawChange{}, w.closedErr()
		}

		if errors.Is(res.err, io.EOF) {
			return feed.RawChange{}, io.EOF
		}

		return feed.RawChange{}, fmt.Errorf("%w: reading %s: %w", ErrStream, w.query, res.err)
	}

	w.stats.rawChanges.Add(1)

	return res.change, nil
}

// apply runs one raw change through normalize, dedup and merge. It reports
// whether the change normalized to an update, suppressed or not.
func (w *Watcher) apply(b *Batch, change feed.RawChange) (bool, error) {
	u, ok, err := Normalize(change)
	if err != nil || !ok {
		return false, err
	}

	w.stats.updates.Add(1)

	key, err := w.key(u.Value())
	if err != nil {
		return true, fmt.Errorf("%w: %w", ErrKeyContract, err)
	}

	out, emit, err := w.tracker.Apply(key, u)
	w.tracked.Store(int64(w.tracker.Len()))

	if err != nil {
		return true, err
	}

	if !emit {
		w.stats.suppressed.Add(1)

		w.logger.Debug("duplicate match suppressed",
			slog.String("key", key),
			slog.String("type", u.Type.String()),
			slog.Int("ref_count", w.tracker.RefCount(key)),
		)

		return true, nil
	}

	return true, b.Merge(key, out)
}

// fail records err as the terminal error and releases the cursor.
func (w *Watcher) fail(err error) error {
	w.err = err

	if !errors.Is(err, io.EOF) && !errors.Is(err, ErrClosed) {
		w.logger.Warn("watch ended",
			slog.String("query", w.query.String()),
			slog.String("error", err.Error()),
		)
	}

	if closeErr := w.Close(); closeErr != nil {
		w.logger.Warn("closing changefeed failed", slog.String("error", closeErr.Error()))
	}

	return err
}

// closedErr distinguishes a caller Close from external cancellation.
func (w *Watcher) closedErr() error {
	if errors.Is(context.Cause(w.ctx), errWatcherClosed) {
		return ErrClosed
	}

	return canceled(w.ctx)
}

var errWatcherClosed = errors.New("watcher closed by caller")

// Close stops the watch and closes the cursor. It waits for the in-flight
// read, if any, to return. Safe to call more than once and from any
// goroutine.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.cancel(errWatcherClosed)

		w.closeErr = w.cursor.Close()
		w.reader.stop()

		w.logger.Info("watch closed",
			slog.String("query", w.query.String()),
			slog.Int64("batches", w.stats.batches.Load()),
		)
	})

	return w.closeErr
}

// Stats returns a snapshot of the watcher counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		RawChanges: w.stats.rawChanges.Load(),
		Updates:    w.stats.updates.Load(),
		Suppressed: w.stats.suppressed.Load(),
		Batches:    w.stats.batches.Load(),
		Carried:    w.stats.carried.Load(),
		Tracked:    w.tracked.Load(),
	}
}

// canceled wraps the context's cause so callers can match either
// ErrCanceled or the context error.
func canceled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
}
