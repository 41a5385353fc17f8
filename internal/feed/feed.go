// Package feed defines the changefeed contract shared by change sources
// (internal/docstore) and consumers (internal/watch, internal/server).
// A change source opens a Cursor for a Query; the cursor yields RawChange
// notifications until it is closed, fails, or reaches the end of the feed.
package feed

import (
	"context"
	"fmt"
	"strings"
)

// Value is a decoded JSON document.
type Value = map[string]any

// State markers carried by RawChange.State.
const (
	StateInitializing = "initializing"
	StateReady        = "ready"
)

// RawChange is one notification as delivered by a cursor. Exactly one of
// the following shapes is used: a document change (OldVal and/or NewVal
// set), a state marker (State set, both values nil), or a stream failure
// (Error set).
type RawChange struct {
	OldVal Value  `json:"old_val,omitempty"`
	NewVal Value  `json:"new_val,omitempty"`
	Error  string `json:"error,omitempty"`
	State  string `json:"state,omitempty"`
}

// IsState reports whether the change is a pure state marker.
func (c RawChange) IsState() bool {
	return c.OldVal == nil && c.NewVal == nil && c.State != ""
}

// Query selects the documents a changefeed follows. An empty Index selects
// the whole table; otherwise the feed follows documents whose index field
// equals (or, for multi-valued indexes, contains) any of Values.
type Query struct {
	Table  string   `json:"table"`
	Index  string   `json:"index,omitempty"`
	Values []string `json:"values,omitempty"`
}

// String renders the query for logs and error messages.
func (q Query) String() string {
	if q.Index == "" {
		return q.Table
	}

	return fmt.Sprintf("%s[%s in %s]", q.Table, q.Index, strings.Join(q.Values, ","))
}

// Options are the flags a consumer passes when opening a cursor.
type Options struct {
	// QueueSize bounds the number of unread notifications buffered per
	// cursor. Zero leaves the source default.
	QueueSize int

	// IncludeInitial requests one Add per match path of the current result
	// set before live changes.
	IncludeInitial bool

	// IncludeStates requests the initializing/ready state markers.
	IncludeStates bool

	// Squash coalesces unread notifications for the same document.
	Squash bool
}

// Cursor is an open changefeed. Next blocks until a notification is
// available, ctx is done, or the feed ends (io.EOF). Close is idempotent.
type Cursor interface {
	Next(ctx context.Context) (RawChange, error)
	Close() error
}

// Conn opens changefeeds against a dataset.
type Conn interface {
	Changes(ctx context.Context, q Query, opts Options) (Cursor, error)
}

// PrimaryKeyFunc infers the primary-key field name for the documents a
// query returns.
type PrimaryKeyFunc func(ctx context.Context, q Query, conn Conn) (string, error)

// PrimaryKeyResolver is implemented by connections that can answer
// primary-key metadata queries themselves.
type PrimaryKeyResolver interface {
	PrimaryKey(ctx context.Context, table string) (string, error)
}
