package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	stdsync "sync"

	"github.com/google/uuid"

	"github.com/tonimelisma/docwatch/internal/feed"
)

// DefaultQueueSize bounds the unread notifications of one cursor when
// feed.Options.QueueSize is zero.
const DefaultQueueSize = 100000

// ErrCursorClosed is returned by Next after Close.
var ErrCursorClosed = errors.New("docstore: cursor closed")

// Changes opens a changefeed on q. It makes Store a feed.Conn.
//
// Without squash every write yields one notification per match path of q:
// removals first, then changes, then additions. The initial snapshot and
// the registration for later writes happen under the write lock, so no
// write is missed or seen twice.
func (s *Store) Changes(ctx context.Context, q feed.Query, opts feed.Options) (feed.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.tableInfo(ctx, s.db, q.Table)
	if err != nil {
		return nil, err
	}

	spec, err := resolveIndex(info, q)
	if err != nil {
		return nil, err
	}

	c := newCursor(s.hub, info, spec, normalizeValues(q.Values), opts, s.logger)

	if opts.IncludeStates {
		c.deliver(feed.RawChange{State: feed.StateInitializing})
	}

	if opts.IncludeInitial {
		docs, err := queryDocs(ctx, s.db, q.Table, spec, c.values)
		if err != nil {
			return nil, err
		}

		for _, d := range docs {
			c.publish(nil, d)
		}
	}

	if opts.IncludeStates {
		c.deliver(feed.RawChange{State: feed.StateReady})
	}

	s.hub.add(c)

	c.logger.Debug("changefeed opened",
		slog.String("query", q.String()),
		slog.Bool("include_initial", opts.IncludeInitial),
		slog.Bool("squash", opts.Squash),
		slog.Int("queue_size", c.queueSize),
	)

	return c, nil
}

// PrimaryKey is a feed.PrimaryKeyFunc that asks conn for the primary-key
// field of the queried table. Any feed.PrimaryKeyResolver works, Store
// included.
func PrimaryKey(ctx context.Context, q feed.Query, conn feed.Conn) (string, error) {
	r, ok := conn.(feed.PrimaryKeyResolver)
	if !ok {
		return "", fmt.Errorf("docstore: %T does not expose table metadata", conn)
	}

	return r.PrimaryKey(ctx, q.Table)
}

// hub fans committed writes out to open cursors.
type hub struct {
	logger *slog.Logger

	mu   stdsync.Mutex
	subs map[*cursor]struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		logger: logger,
		subs:   make(map[*cursor]struct{}),
	}
}

func (h *hub) add(c *cursor) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !c.isEnded() {
		h.subs[c] = struct{}{}
	}
}

func (h *hub) remove(c *cursor) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs, c)
}

// publish delivers one committed write of table. oldDoc is nil for an
// insert, newDoc nil for a delete.
func (h *hub) publish(table string, oldDoc, newDoc feed.Value) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.subs {
		if c.table != table {
			continue
		}

		c.publish(oldDoc, newDoc)

		if c.isEnded() {
			delete(h.subs, c)
		}
	}
}

// endTable fails every cursor on table with msg.
func (h *hub) endTable(table, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.subs {
		if c.table == table {
			c.fail(msg)
			delete(h.subs, c)
		}
	}
}

// endAll fails every cursor with msg.
func (h *hub) endAll(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.subs {
		c.fail(msg)
		delete(h.subs, c)
	}
}

// queued is one unread notification. doc and path identify it for squash.
type queued struct {
	change feed.RawChange
	doc    string
	path   int
}

// cursor is the feed.Cursor returned by Store.Changes.
type cursor struct {
	id        string
	hub       *hub
	table     string
	pk        string
	spec      *IndexSpec
	values    []string
	squash    bool
	queueSize int
	logger    *slog.Logger

	mu     stdsync.Mutex
	queue  []queued
	ended  bool // nothing more will be enqueued
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newCursor(
	h *hub, info *TableInfo, spec *IndexSpec, values []string, opts feed.Options, logger *slog.Logger,
) *cursor {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}

	id := uuid.NewString()

	return &cursor{
		id:        id,
		hub:       h,
		table:     info.Name,
		pk:        info.PrimaryKey,
		spec:      spec,
		values:    values,
		squash:    opts.Squash,
		queueSize: size,
		logger:    logger.With(slog.String("cursor", id)),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// publish enqueues the notifications one write produces for this cursor.
func (c *cursor) publish(oldDoc, newDoc feed.Value) {
	oldPaths := matchPaths(oldDoc, c.spec, c.values)
	newPaths := matchPaths(newDoc, c.spec, c.values)

	doc := c.docID(oldDoc, newDoc)

	for i := range oldPaths {
		if oldPaths[i] && !newPaths[i] {
			c.enqueue(queued{change: feed.RawChange{OldVal: oldDoc}, doc: doc, path: i})
		}
	}

	for i := range oldPaths {
		if oldPaths[i] && newPaths[i] {
			c.enqueue(queued{change: feed.RawChange{OldVal: oldDoc, NewVal: newDoc}, doc: doc, path: i})
		}
	}

	for i := range newPaths {
		if !oldPaths[i] && newPaths[i] {
			c.enqueue(queued{change: feed.RawChange{NewVal: newDoc}, doc: doc, path: i})
		}
	}
}

func (c *cursor) docID(oldDoc, newDoc feed.Value) string {
	d := newDoc
	if d == nil {
		d = oldDoc
	}

	id, _ := documentID(d, c.pk)

	return id
}

// deliver enqueues a state marker.
func (c *cursor) deliver(ch feed.RawChange) {
	c.enqueue(queued{change: ch, path: -1})
}

func (c *cursor) enqueue(q queued) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended || c.closed {
		return
	}

	if c.squash && q.path >= 0 && c.coalesce(q) {
		c.signal()
		return
	}

	if len(c.queue) >= c.queueSize {
		c.logger.Warn("changefeed queue overflow, ending feed",
			slog.String("table", c.table),
			slog.Int("queue_size", c.queueSize),
		)

		c.queue = append(c.queue, queued{change: feed.RawChange{
			Error: fmt.Sprintf("changefeed queue overflow: more than %d unread changes", c.queueSize),
		}})
		c.ended = true
		c.signal()

		return
	}

	c.queue = append(c.queue, q)
	c.signal()
}

// coalesce folds q into an unread notification for the same document and
// path. Caller holds c.mu.
func (c *cursor) coalesce(q queued) bool {
	for i := range c.queue {
		prev := &c.queue[i]
		if prev.path != q.path || prev.doc != q.doc || prev.change.IsState() || prev.change.Error != "" {
			continue
		}

		prev.change.NewVal = q.change.NewVal

		// An add followed by a remove leaves nothing to report.
		if prev.change.OldVal == nil && prev.change.NewVal == nil {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
		}

		return true
	}

	return false
}

// fail ends the feed with an error notification.
func (c *cursor) fail(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended || c.closed {
		return
	}

	c.queue = append(c.queue, queued{change: feed.RawChange{Error: msg}})
	c.ended = true
	c.signal()
}

// signal wakes a waiting Next. Caller holds c.mu.
func (c *cursor) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *cursor) isEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ended || c.closed
}

// Next returns the oldest unread notification, blocking until one is
// available. It returns io.EOF once an ended feed is drained.
func (c *cursor) Next(ctx context.Context) (feed.RawChange, error) {
	for {
		c.mu.Lock()

		if c.closed {
			c.mu.Unlock()
			return feed.RawChange{}, ErrCursorClosed
		}

		if len(c.queue) > 0 {
			q := c.queue[0]
			c.queue[0] = queued{}
			c.queue = c.queue[1:]
			c.mu.Unlock()

			return q.change, nil
		}

		if c.ended {
			c.mu.Unlock()
			return feed.RawChange{}, io.EOF
		}

		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-c.done:
		case <-ctx.Done():
			return feed.RawChange{}, ctx.Err()
		}
	}
}

// Close detaches the cursor from the store. Safe to call more than once.
func (c *cursor) Close() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	c.queue = nil
	close(c.done)
	c.mu.Unlock()

	c.hub.remove(c)
	c.logger.Debug("changefeed closed", slog.String("table", c.table))

	return nil
}
