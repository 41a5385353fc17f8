package watch

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/tonimelisma/docwatch/internal/feed"
)

// readResult is the outcome of one cursor.Next call.
type readResult struct {
	change feed.RawChange
	err    error
}

// reader owns the single in-flight read against a cursor. A read started
// in one window and not finished when the window's timer fires stays in
// the slot and is handed to the next await, so every raw change is
// consumed exactly once regardless of where window boundaries fall.
type reader struct {
	cursor feed.Cursor
	ctx    context.Context // canceled when the watcher shuts down

	pending chan readResult // nil when no read is in flight

	mu      stdsync.Mutex
	stopped bool
	wg      stdsync.WaitGroup
}

func newReader(ctx context.Context, cursor feed.Cursor) *reader {
	return &reader{cursor: cursor, ctx: ctx}
}

// await returns the next raw change. It starts a read if none is in
// flight, then waits for the read, the deadline, or cancellation. ok is
// false when the deadline fired first; the read then stays in flight.
// A nil deadline waits indefinitely.
func (r *reader) await(deadline <-chan time.Time) (res readResult, ok bool, err error) {
	if r.pending == nil && !r.start() {
		return readResult{}, false, canceled(r.ctx)
	}

	select {
	case res = <-r.pending:
		r.pending = nil

		return res, true, nil
	case <-deadline:
		return readResult{}, false, nil
	case <-r.ctx.Done():
		return readResult{}, false, canceled(r.ctx)
	}
}

// start launches a read goroutine. It returns false once the reader has
// been stopped.
func (r *reader) start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.ctx.Err() != nil {
		return false
	}

	ch := make(chan readResult, 1)
	r.pending = ch

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		change, err := r.cursor.Next(r.ctx)
		ch <- readResult{change: change, err: err}
	}()

	return true
}

// inFlight reports whether a read is carried over to the next await.
func (r *reader) inFlight() bool {
	return r.pending != nil
}

// stop prevents further reads and blocks until the read goroutine, if
// any, has returned. Callers cancel the context or close the cursor first.
func (r *reader) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	r.wg.Wait()
}
