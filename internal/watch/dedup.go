package watch

import "fmt"

// dedupState is the per-key bookkeeping for one document. refCount is the
// number of match paths currently holding the document; pending holds the
// changes already reported by some of those paths in the current round.
// len(pending) <= refCount always holds.
type dedupState struct {
	refCount int
	pending  []Update
}

// Tracker collapses the duplicate notifications a multi-match query
// produces into one update per real change. It is owned by a single
// goroutine and is not safe for concurrent use.
type Tracker struct {
	states map[string]*dedupState
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]*dedupState)}
}

// Apply records u for key and returns the update to forward, if any.
// The boolean is false when the notification is a redundant match-path
// duplicate. Changes and removes for a key with no recorded add are
// protocol violations.
func (t *Tracker) Apply(key string, u Update) (Update, bool, error) {
	switch u.Type {
	case Add:
		return t.add(key, u)
	case Change:
		return t.change(key, u)
	case Remove:
		return t.remove(key, u)
	default:
		return Update{}, false, fmt.Errorf("%w: %v for key %q", ErrProtocol, u.Type, key)
	}
}

func (t *Tracker) add(key string, u Update) (Update, bool, error) {
	if st, ok := t.states[key]; ok {
		// Another path matched the same document; the extra reference is
		// balanced by a later remove from that path.
		st.refCount++

		return Update{}, false, nil
	}

	t.states[key] = &dedupState{refCount: 1}

	return u, true, nil
}

func (t *Tracker) change(key string, u Update) (Update, bool, error) {
	st, ok := t.states[key]
	if !ok {
		return Update{}, false, fmt.Errorf("%w: change for untracked key %q", ErrProtocol, key)
	}

	st.pending = append(st.pending, u)
	if len(st.pending) < st.refCount {
		return Update{}, false, nil
	}

	st.pending = nil

	return u, true, nil
}

func (t *Tracker) remove(key string, u Update) (Update, bool, error) {
	st, ok := t.states[key]
	if !ok {
		return Update{}, false, fmt.Errorf("%w: remove for untracked key %q", ErrProtocol, key)
	}

	st.refCount--
	if len(st.pending) != st.refCount {
		return Update{}, false, nil
	}

	if st.refCount == 0 {
		delete(t.states, key)

		return u, true, nil
	}

	// Only one path went away; the document is still matched through the
	// others, so the latest change stands in for this round.
	last := st.pending[len(st.pending)-1]
	st.pending = nil

	return last, true, nil
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	return len(t.states)
}

// RefCount returns the number of match paths holding key, 0 if untracked.
func (t *Tracker) RefCount(key string) int {
	if st, ok := t.states[key]; ok {
		return st.refCount
	}

	return 0
}

// Pending returns the number of changes waiting on other match paths.
func (t *Tracker) Pending(key string) int {
	if st, ok := t.states[key]; ok {
		return len(st.pending)
	}

	return 0
}
