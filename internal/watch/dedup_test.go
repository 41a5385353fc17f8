package watch

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_SinglePathLifecycle(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	v1 := doc("id", "1")
	v2 := doc("id", "1", "test", "test")

	out, ok, err := tr.Apply("1", Update{Type: Add, NewVal: v1})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Add, out.Type)
	assert.Equal(t, 1, tr.RefCount("1"))

	out, ok, err = tr.Apply("1", Update{Type: Change, OldVal: v1, NewVal: v2})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Update{Type: Change, OldVal: v1, NewVal: v2}, out)
	assert.Equal(t, 0, tr.Pending("1"))

	out, ok, err = tr.Apply("1", Update{Type: Remove, OldVal: v2})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Remove, out.Type)
	assert.Equal(t, 0, tr.Len(), "state must be dropped when the last reference goes")
}

func TestTracker_DuplicateAddsCollapse(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 5, 17} {
		tr := NewTracker()
		emitted := 0

		for range n {
			_, ok, err := tr.Apply("doc", Update{Type: Add, NewVal: doc("id", "doc")})
			require.NoError(t, err)

			if ok {
				emitted++
			}
		}

		assert.Equal(t, 1, emitted, "paths=%d", n)
		assert.Equal(t, n, tr.RefCount("doc"), "paths=%d", n)
	}
}

func TestTracker_ChangeWaitsForEveryPath(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	old := doc("id", "d", "tags", []any{"a", "b"})
	mid := doc("id", "d", "tags", []any{"a", "b"}, "n", 1.0)

	for range 2 {
		_, _, err := tr.Apply("d", Update{Type: Add, NewVal: old})
		require.NoError(t, err)
	}

	_, ok, err := tr.Apply("d", Update{Type: Change, OldVal: old, NewVal: mid})
	require.NoError(t, err)
	assert.False(t, ok, "first of two path changes is suppressed")
	assert.Equal(t, 1, tr.Pending("d"))

	out, ok, err := tr.Apply("d", Update{Type: Change, OldVal: old, NewVal: mid})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mid, out.NewVal)
	assert.Equal(t, 0, tr.Pending("d"))
	assert.Equal(t, 2, tr.RefCount("d"))
}

func TestTracker_RemoveOfOnePathEmitsPendingChange(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	both := doc("id", "d", "tags", []any{"a", "b"})
	onlyA := doc("id", "d", "tags", []any{"a"})

	for range 2 {
		_, _, err := tr.Apply("d", Update{Type: Add, NewVal: both})
		require.NoError(t, err)
	}

	// Dropping tag b: path a reports a change, path b a removal.
	_, ok, err := tr.Apply("d", Update{Type: Change, OldVal: both, NewVal: onlyA})
	require.NoError(t, err)
	assert.False(t, ok)

	out, ok, err := tr.Apply("d", Update{Type: Remove, OldVal: both})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Update{Type: Change, OldVal: both, NewVal: onlyA}, out)
	assert.Equal(t, 1, tr.RefCount("d"))
	assert.Equal(t, 0, tr.Pending("d"))
}

func TestTracker_RemoveBeforeChange(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	both := doc("id", "d", "tags", []any{"a", "b"})
	onlyA := doc("id", "d", "tags", []any{"a"})

	for range 2 {
		_, _, err := tr.Apply("d", Update{Type: Add, NewVal: both})
		require.NoError(t, err)
	}

	_, ok, err := tr.Apply("d", Update{Type: Remove, OldVal: both})
	require.NoError(t, err)
	assert.False(t, ok)

	out, ok, err := tr.Apply("d", Update{Type: Change, OldVal: both, NewVal: onlyA})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Change, out.Type)
	assert.Equal(t, onlyA, out.NewVal)
}

func TestTracker_ProtocolViolations(t *testing.T) {
	t.Parallel()

	tr := NewTracker()

	_, _, err := tr.Apply("ghost", Update{Type: Change, OldVal: doc("id", "ghost"), NewVal: doc("id", "ghost")})
	require.ErrorIs(t, err, ErrProtocol)

	_, _, err = tr.Apply("ghost", Update{Type: Remove, OldVal: doc("id", "ghost")})
	require.ErrorIs(t, err, ErrProtocol)

	_, _, err = tr.Apply("ghost", Update{})
	require.ErrorIs(t, err, ErrProtocol)

	assert.Equal(t, 0, tr.Len())
}

// TestTracker_RandomPathMembership drives one document through random
// match-path memberships, emitting notifications the way a multi-index
// changefeed does (removes, then changes, then adds), and checks that each
// real change surfaces as exactly one update of the right kind.
func TestTracker_RandomPathMembership(t *testing.T) {
	t.Parallel()

	const paths = 4

	rng := rand.New(rand.NewPCG(7, 11))
	tr := NewTracker()
	member := make([]bool, paths)
	cur := doc("id", "k", "v", 0.0)

	for step := 1; step <= 500; step++ {
		next := make([]bool, paths)
		for i := range next {
			next[i] = rng.IntN(2) == 0
		}

		nextVal := doc("id", "k", "v", float64(step))

		var raw []Update

		for i := range paths {
			if member[i] && !next[i] {
				raw = append(raw, Update{Type: Remove, OldVal: cur})
			}
		}

		for i := range paths {
			if member[i] && next[i] {
				raw = append(raw, Update{Type: Change, OldVal: cur, NewVal: nextVal})
			}
		}

		for i := range paths {
			if !member[i] && next[i] {
				raw = append(raw, Update{Type: Add, NewVal: nextVal})
			}
		}

		batch := NewBatch()

		for _, u := range raw {
			out, ok, err := tr.Apply("k", u)
			require.NoError(t, err, "step %d", step)
			require.GreaterOrEqual(t, tr.RefCount("k"), 0)

			if ok {
				require.NoError(t, batch.Merge("k", out), "step %d", step)
			}
		}

		was, now := count(member), count(next)
		require.Equal(t, now, tr.RefCount("k"), "step %d", step)
		require.Equal(t, 0, tr.Pending("k"), "step %d", step)
		require.Equal(t, now > 0, tr.Len() == 1, "state exists iff referenced (step %d)", step)

		got, ok := batch.Get("k")

		switch {
		case was == 0 && now == 0:
			assert.False(t, ok, "step %d", step)
		case was == 0:
			require.True(t, ok, "step %d", step)
			assert.Equal(t, Update{Type: Add, NewVal: nextVal}, got, "step %d", step)
		case now == 0:
			require.True(t, ok, "step %d", step)
			assert.Equal(t, Update{Type: Remove, OldVal: cur}, got, "step %d", step)
		default:
			require.True(t, ok, "step %d", step)
			assert.Equal(t, Update{Type: Change, OldVal: cur, NewVal: nextVal}, got, "step %d", step)
		}

		member, cur = next, nextVal
	}
}

func count(bs []bool) int {
	n := 0

	for _, b := range bs {
		if b {
			n++
		}
	}

	return n
}
