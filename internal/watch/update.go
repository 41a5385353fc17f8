// Package watch turns a raw changefeed into deduplicated, time-windowed
// batches of add/change/remove updates. The pipeline is
// cursor -> Normalize -> Tracker -> Batch.Merge, driven by a Watcher that
// yields one initial snapshot batch followed by one batch per window.
//
// Queries that match one document through several paths (multi-valued
// index lookups) produce one raw notification per path. The Tracker
// reference-counts those paths per key so that only the terminal
// observation for each real change reaches the batch.
package watch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tonimelisma/docwatch/internal/feed"
)

// Sentinel errors. Every error returned by a Watcher wraps exactly one of
// these (or io.EOF at the end of the feed).
var (
	ErrStream       = errors.New("watch: changefeed failed")
	ErrProtocol     = errors.New("watch: protocol violation")
	ErrGrammar      = errors.New("watch: invalid update sequence")
	ErrKeyContract  = errors.New("watch: key function failed")
	ErrNoPrimaryKey = errors.New("watch: cannot determine primary key")
	ErrCanceled     = errors.New("watch: canceled")
	ErrClosed       = errors.New("watch: watcher closed")
)

// UpdateType is the kind of a semantic update.
type UpdateType int

// Update kinds.
const (
	Add UpdateType = iota + 1
	Change
	Remove
)

func (t UpdateType) String() string {
	switch t {
	case Add:
		return "add"
	case Change:
		return "change"
	case Remove:
		return "remove"
	default:
		return fmt.Sprintf("UpdateType(%d)", int(t))
	}
}

// MarshalJSON encodes the type as its lowercase name.
func (t UpdateType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a lowercase type name.
func (t *UpdateType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "add":
		*t = Add
	case "change":
		*t = Change
	case "remove":
		*t = Remove
	default:
		return fmt.Errorf("watch: unknown update type %q", s)
	}

	return nil
}

// Update is one semantic change to a document. Add carries NewVal,
// Remove carries OldVal, Change carries both.
type Update struct {
	Type   UpdateType `json:"type"`
	OldVal feed.Value `json:"old_val,omitempty"`
	NewVal feed.Value `json:"new_val,omitempty"`
}

// Value returns the document the update should be keyed on: the new
// value for adds and changes, the old value for removes.
func (u Update) Value() feed.Value {
	if u.Type == Remove {
		return u.OldVal
	}

	return u.NewVal
}

// Normalize classifies one raw change. The boolean is false for pure
// state markers, which carry no update. A raw change reporting a stream
// failure returns an error wrapping ErrStream.
func Normalize(raw feed.RawChange) (Update, bool, error) {
	if raw.Error != "" {
		return Update{}, false, fmt.Errorf("%w: %s", ErrStream, raw.Error)
	}

	switch {
	case raw.NewVal != nil && raw.OldVal == nil:
		return Update{Type: Add, NewVal: raw.NewVal}, true, nil
	case raw.NewVal != nil:
		return Update{Type: Change, OldVal: raw.OldVal, NewVal: raw.NewVal}, true, nil
	case raw.OldVal != nil:
		return Update{Type: Remove, OldVal: raw.OldVal}, true, nil
	default:
		return Update{}, false, nil
	}
}
