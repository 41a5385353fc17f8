package watch

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/docwatch/internal/feed"
)

var testQuery = feed.Query{Table: "docs"}

func openTest(t *testing.T, ctx context.Context, conn feed.Conn, opts Options) *Watcher {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = testLogger(t)
	}

	w, err := Open(ctx, testQuery, conn, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	return w
}

func TestWatcher_OpensFeedWithoutSquash(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	openTest(t, t.Context(), conn, Options{QueueSize: 42})

	assert.Equal(t, feed.Options{
		QueueSize:      42,
		IncludeInitial: true,
		IncludeStates:  true,
		Squash:         false,
	}, conn.opened)
}

func TestWatcher_EmptyInitialBatch(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	w := openTest(t, t.Context(), conn, Options{})

	conn.cursor.push(initializing, ready)

	b, err := w.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())
}

func TestWatcher_InitialBatchDeduplicatesMatchPaths(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	w := openTest(t, t.Context(), conn, Options{})

	d1 := doc("id", 1.0, "tags", []any{"a", "b"})
	d2 := doc("id", 2.0, "tags", []any{"a"})
	conn.cursor.push(initializing, added(d1), added(d1), added(d2), ready)

	b, err := w.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, b.Keys())

	u, _ := b.Get("1")
	assert.Equal(t, Update{Type: Add, NewVal: d1}, u)
	assert.Equal(t, int64(1), w.Stats().Suppressed)
	assert.Equal(t, int64(2), w.Stats().Tracked)
}

func TestWatcher_InsertUpdateDelete(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	w := openTest(t, t.Context(), conn, Options{})

	conn.cursor.push(initializing, ready)
	_, err := w.Next()
	require.NoError(t, err)

	v1 := doc("id", 1.0)
	v2 := doc("id", 1.0, "test", "test")

	conn.cursor.push(added(v1))
	b, err := w.Next()
	require.NoError(t, err)
	assertOnly(t, b, "1", Update{Type: Add, NewVal: v1})

	conn.cursor.push(changed(v1, v2))
	b, err = w.Next()
	require.NoError(t, err)
	assertOnly(t, b, "1", Update{Type: Change, OldVal: v1, NewVal: v2})

	conn.cursor.push(removed(v2))
	b, err = w.Next()
	require.NoError(t, err)
	assertOnly(t, b, "1", Update{Type: Remove, OldVal: v2})

	assert.Equal(t, int64(4), w.Stats().Batches)
}

func TestWatcher_MultiMatchCollapse(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	w := openTest(t, t.Context(), conn, Options{})

	conn.cursor.push(initializing, ready)
	_, err := w.Next()
	require.NoError(t, err)

	both := doc("id", "d", "tags", []any{"a", "b"})
	onlyA := doc("id", "d", "tags", []any{"a"})

	conn.cursor.push(added(both), added(both))
	b, err := w.Next()
	require.NoError(t, err)
	assertOnly(t, b, "d", Update{Type: Add, NewVal: both})

	conn.cursor.push(changed(both, onlyA), removed(both))
	b, err = w.Next()
	require.NoError(t, err)
	assertOnly(t, b, "d", Update{Type: Change, OldVal: both, NewVal: onlyA})
}

func TestWatcher_AddThenRemoveInOneWindowYieldsEmptyBatch(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	w := openTest(t, t.Context(), conn, Options{BufferTime: 50 * time.Millisecond})

	conn.cursor.push(initializing, ready)
	_, err := w.Next()
	require.NoError(t, err)

	v := doc("id", "tmp")
	conn.cursor.push(added(v), removed(v))

	b, err := w.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len(), "a window whose updates cancel out is still yielded")
	assert.Equal(t, 0, w.tracker.Len())
}

func TestWatcher_StateMarkersDoNotSeedWindow(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	w := openTest(t, t.Context(), conn, Options{})

	conn.cursor.push(initializing, ready)
	_, err := w.Next()
	require.NoError(t, err)

	conn.cursor.push(ready, initializing)

	done := make(chan struct{})

	go func() {
		defer close(done)
		time.Sleep(30 * time.Millisecond)
		conn.cursor.push(added(doc("id", "late")))
	}()

	b, err := w.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, b.Keys())
	<-done
}

func TestWatcher_InFlightReadCarriesIntoNextWindow(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	w := openTest(t, t.Context(), conn, Options{BufferTime: 5 * time.Millisecond})

	conn.cursor.push(initializing, ready)
	_, err := w.Next()
	require.NoError(t, err)

	conn.cursor.push(added(doc("id", "first")))
	b, err := w.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, b.Keys())

	// The window above ended with a read pending on an empty cursor; that
	// read must deliver the next change rather than a fresh one.
	assert.Equal(t, int64(1), w.Stats().Carried)

	conn.cursor.push(added(doc("id", "second")))
	b, err = w.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, b.Keys())
	assert.LessOrEqual(t, conn.cursor.maxConcurrentReads(), 1)
}

func TestWatcher_CancelWhileReadPending(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	conn := newScriptConn()
	w := openTest(t, ctx, conn, Options{})

	conn.cursor.push(initializing, ready)
	_, err := w.Next()
	require.NoError(t, err)

	time.AfterFunc(20*time.Millisecond, cancel)

	_, err = w.Next()
	require.ErrorIs(t, err, ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), conn.cursor.closes.Load())

	// Sticky error, no second close.
	_, err = w.Next()
	require.ErrorIs(t, err, ErrCanceled)
	require.NoError(t, w.Close())
	assert.Equal(t, int32(1), conn.cursor.closes.Load())
}

func TestWatcher_CancelDuringBufferDelay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	conn := newScriptConn()
	w := openTest(t, ctx, conn, Options{BufferTime: time.Hour})

	conn.cursor.push(initializing, ready, added(doc("id", "x")))
	_, err := w.Next()
	require.NoError(t, err)

	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err = w.Next()
	require.ErrorIs(t, err, ErrCanceled)
	assert.Less(t, time.Since(start), time.Minute)
	assert.Equal(t, int32(1), conn.cursor.closes.Load())
}

func TestWatcher_CancelBetweenCallsClosesCursor(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	conn := newScriptConn()
	w := openTest(t, ctx, conn, Options{})

	conn.cursor.push(initializing, ready)
	_, err := w.Next()
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		return conn.cursor.closes.Load() == 1
	}, time.Second, 5*time.Millisecond)

	_, err = w.Next()
	require.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, int32(1), conn.cursor.closes.Load())
}

func TestWatcher_CloseByCaller(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	w := openTest(t, t.Context(), conn, Options{})

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, int32(1), conn.cursor.closes.Load())

	_, err := w.Next()
	require.ErrorIs(t, err, ErrClosed)
}

func TestWatcher_StreamError(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	w := openTest(t, t.Context(), conn, Options{})

	conn.cursor.push(initializing, feed.RawChange{Error: "changefeed queue overflow"})

	_, err := w.Next()
	require.ErrorIs(t, err, ErrStream)
	assert.Contains(t, err.Error(), "overflow")
	assert.Equal(t, int32(1), conn.cursor.closes.Load())
}

func TestWatcher_ProtocolViolation(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	w := openTest(t, t.Context(), conn, Options{})

	conn.cursor.push(initializing, ready, removed(doc("id", "never-added")))
	_, err := w.Next()
	require.NoError(t, err)

	_, err = w.Next()
	require.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, int32(1), conn.cursor.closes.Load())
}

func TestWatcher_KeyContractViolation(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	badKey := func(feed.Value) (string, error) { return "", errors.New("not a string") }
	w := openTest(t, t.Context(), conn, Options{Key: badKey})

	conn.cursor.push(initializing, added(doc("id", 1.0)), ready)

	_, err := w.Next()
	require.ErrorIs(t, err, ErrKeyContract)
	assert.Equal(t, 0, w.tracker.Len(), "no processing happens after a key failure")
}

func TestWatcher_DefaultKeyRequiresPrimaryKeyField(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	w := openTest(t, t.Context(), conn, Options{})

	conn.cursor.push(initializing, added(doc("name", "no id")), ready)

	_, err := w.Next()
	require.ErrorIs(t, err, ErrKeyContract)
}

func TestWatcher_CustomKey(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	w := openTest(t, t.Context(), conn, Options{Key: FieldKey("email")})

	conn.cursor.push(initializing, added(doc("id", 1.0, "email", "a@example.com")), ready)

	b, err := w.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com"}, b.Keys())
}

func TestOpen_PrimaryKeyResolution(t *testing.T) {
	t.Parallel()

	t.Run("no resolver", func(t *testing.T) {
		t.Parallel()

		_, err := Open(t.Context(), testQuery, &bareConn{cursor: newScriptCursor()}, Options{})
		require.ErrorIs(t, err, ErrNoPrimaryKey)
	})

	t.Run("resolver fails", func(t *testing.T) {
		t.Parallel()

		conn := newScriptConn()
		conn.pkErr = errors.New("no such table")

		_, err := Open(t.Context(), testQuery, conn, Options{})
		require.ErrorIs(t, err, ErrNoPrimaryKey)
		assert.Contains(t, err.Error(), "no such table")
	})

	t.Run("injected resolver", func(t *testing.T) {
		t.Parallel()

		cur := newScriptCursor()
		pk := func(_ context.Context, q feed.Query, _ feed.Conn) (string, error) {
			assert.Equal(t, testQuery, q)
			return "sku", nil
		}

		w, err := Open(t.Context(), testQuery, &bareConn{cursor: cur}, Options{PrimaryKey: pk})
		require.NoError(t, err)
		defer w.Close()

		cur.push(initializing, added(doc("sku", "A-1")), ready)

		b, err := w.Next()
		require.NoError(t, err)
		assert.Equal(t, []string{"A-1"}, b.Keys())
	})

	t.Run("empty field", func(t *testing.T) {
		t.Parallel()

		pk := func(context.Context, feed.Query, feed.Conn) (string, error) { return "", nil }

		_, err := Open(t.Context(), testQuery, &bareConn{cursor: newScriptCursor()}, Options{PrimaryKey: pk})
		require.ErrorIs(t, err, ErrNoPrimaryKey)
	})

	t.Run("open fails", func(t *testing.T) {
		t.Parallel()

		conn := newScriptConn()
		conn.openErr = errors.New("connection refused")

		_, err := Open(t.Context(), testQuery, conn, Options{})
		require.ErrorContains(t, err, "connection refused")
	})
}

func TestWatcher_EndOfFeed(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	w := openTest(t, t.Context(), conn, Options{BufferTime: time.Hour})

	conn.cursor.push(initializing, ready, added(doc("id", "last")))
	_, err := w.Next()
	require.NoError(t, err)

	conn.cursor.end()

	b, err := w.Next()
	require.NoError(t, err, "the partial window is delivered before the end")
	assert.Equal(t, []string{"last"}, b.Keys())

	_, err = w.Next()
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int32(1), conn.cursor.closes.Load())
}

func TestWatcher_AllClosesOnBreak(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	w := openTest(t, t.Context(), conn, Options{})

	conn.cursor.push(initializing, ready, added(doc("id", "a")))

	n := 0
	for b, err := range w.All() {
		require.NoError(t, err)
		require.NotNil(t, b)

		n++
		if n == 2 {
			break
		}
	}

	assert.Equal(t, 2, n)
	assert.Equal(t, int32(1), conn.cursor.closes.Load())
}

func TestWatcher_AllStopsAtEndOfFeed(t *testing.T) {
	t.Parallel()

	conn := newScriptConn()
	w := openTest(t, t.Context(), conn, Options{})

	conn.cursor.push(initializing, added(doc("id", "a")), ready)
	conn.cursor.end()

	var batches []*Batch
	for b, err := range w.All() {
		require.NoError(t, err)
		batches = append(batches, b)
	}

	require.Len(t, batches, 1)
	assert.Equal(t, []string{"a"}, batches[0].Keys())
}

func TestFieldKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		v       any
		want    string
		wantErr bool
	}{
		{"string", "abc", "abc", false},
		{"integral float", 1.0, "1", false},
		{"fraction", 2.5, "2.5", false},
		{"int", 7, "7", false},
		{"bool", true, "true", false},
		{"array", []any{"a", 1.0}, `["a",1]`, false},
		{"null", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := FieldKey("id")(doc("id", tt.v))
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func assertOnly(t *testing.T, b *Batch, key string, want Update) {
	t.Helper()

	require.Equal(t, []string{key}, b.Keys())

	got, ok := b.Get(key)
	require.True(t, ok)
	assert.Equal(t, want, got)
}
