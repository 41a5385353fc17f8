package watch

import (
	"encoding/json"
	"fmt"
	"iter"
	"slices"

	"github.com/tonimelisma/docwatch/internal/feed"
)

// Batch is the net effect of all updates observed during one window:
// at most one update per key, in first-seen order. A Batch is only
// mutated by the Watcher that built it; once handed to the caller it is
// never touched again.
type Batch struct {
	keys    []string
	updates map[string]Update
}

// NewBatch returns an empty Batch.
func NewBatch() *Batch {
	return &Batch{updates: make(map[string]Update)}
}

// Len returns the number of keys in the batch.
func (b *Batch) Len() int {
	return len(b.keys)
}

// Keys returns the keys in first-seen order.
func (b *Batch) Keys() []string {
	return slices.Clone(b.keys)
}

// Get returns the update recorded for key.
func (b *Batch) Get(key string) (Update, bool) {
	u, ok := b.updates[key]
	return u, ok
}

// All iterates the batch in first-seen order.
func (b *Batch) All() iter.Seq2[string, Update] {
	return func(yield func(string, Update) bool) {
		for _, k := range b.keys {
			if !yield(k, b.updates[k]) {
				return
			}
		}
	}
}

// Merge folds u into whatever the batch already holds for key.
//
//	add    + change -> add of the new value
//	add    + remove -> no entry
//	change + change -> change from the first old value to the new value
//	change + remove -> remove of the first old value
//	remove + add    -> change from the removed value to the new value
//
// Any other pair means the feed broke the add/change/remove ordering and
// is reported as ErrGrammar.
func (b *Batch) Merge(key string, u Update) error {
	prev, ok := b.updates[key]
	if !ok {
		b.keys = append(b.keys, key)
		b.updates[key] = u

		return nil
	}

	switch {
	case prev.Type == Add && u.Type == Change:
		b.updates[key] = Update{Type: Add, NewVal: u.NewVal}
	case prev.Type == Add && u.Type == Remove:
		b.delete(key)
	case prev.Type == Change && u.Type == Change:
		b.updates[key] = Update{Type: Change, OldVal: prev.OldVal, NewVal: u.NewVal}
	case prev.Type == Change && u.Type == Remove:
		b.updates[key] = Update{Type: Remove, OldVal: prev.OldVal}
	case prev.Type == Remove && u.Type == Add:
		b.updates[key] = Update{Type: Change, OldVal: prev.OldVal, NewVal: u.NewVal}
	default:
		return fmt.Errorf("%w: %v after %v for key %q", ErrGrammar, u.Type, prev.Type, key)
	}

	return nil
}

func (b *Batch) delete(key string) {
	delete(b.updates, key)

	if i := slices.Index(b.keys, key); i >= 0 {
		b.keys = slices.Delete(b.keys, i, i+1)
	}
}

// Entry is the wire form of one keyed update.
type Entry struct {
	Key    string     `json:"key"`
	Type   UpdateType `json:"type"`
	OldVal feed.Value `json:"old_val,omitempty"`
	NewVal feed.Value `json:"new_val,omitempty"`
}

// Entries returns the batch as an ordered slice.
func (b *Batch) Entries() []Entry {
	out := make([]Entry, 0, len(b.keys))
	for k, u := range b.All() {
		out = append(out, Entry{Key: k, Type: u.Type, OldVal: u.OldVal, NewVal: u.NewVal})
	}

	return out
}

// MarshalJSON encodes the batch as an ordered array of entries.
func (b *Batch) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Entries())
}

// UnmarshalJSON decodes an array of entries. Duplicate keys are merged.
func (b *Batch) UnmarshalJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	*b = *NewBatch()
	for _, e := range entries {
		if err := b.Merge(e.Key, Update{Type: e.Type, OldVal: e.OldVal, NewVal: e.NewVal}); err != nil {
			return err
		}
	}

	return nil
}
