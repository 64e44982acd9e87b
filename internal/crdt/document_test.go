package crdt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/peerprep/internal/crdt"
)

func TestDocument_LocalEdits(t *testing.T) {
	tests := map[string]struct {
		arrange func(t *testing.T, d *crdt.Document)
		want    string
	}{
		"insert into empty document": {
			arrange: func(t *testing.T, d *crdt.Document) {
				mustInsert(t, d, 0, "hello")
			},
			want: "hello",
		},

		"append and prepend": {
			arrange: func(t *testing.T, d *crdt.Document) {
				mustInsert(t, d, 0, "hello")
				mustInsert(t, d, 5, " world")
				mustInsert(t, d, 0, ">> ")
			},
			want: ">> hello world",
		},

		"delete in the middle": {
			arrange: func(t *testing.T, d *crdt.Document) {
				mustInsert(t, d, 0, "def foo():")
				_, err := d.Delete(4, 3)
				require.NoError(t, err)
			},
			want: "def ():",
		},

		"insert after deleted runes": {
			arrange: func(t *testing.T, d *crdt.Document) {
				mustInsert(t, d, 0, "abc")
				_, err := d.Delete(1, 1)
				require.NoError(t, err)
				mustInsert(t, d, 1, "X")
			},
			want: "aXc",
		},

		"multi-byte runes count as one position": {
			arrange: func(t *testing.T, d *crdt.Document) {
				mustInsert(t, d, 0, "héllo")
				mustInsert(t, d, 2, "_")
			},
			want: "hé_llo",
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			d := crdt.NewDocument("a")
			tt.arrange(t, d)
			assert.Equal(t, tt.want, d.Text())
			assert.Equal(t, len([]rune(tt.want)), d.Len())
		})
	}
}

func TestDocument_OutOfRange(t *testing.T) {
	d := crdt.NewDocument("a")
	mustInsert(t, d, 0, "abc")

	_, err := d.Insert(5, "x")
	assert.ErrorIs(t, err, crdt.ErrOutOfRange)

	_, err = d.Delete(2, 2)
	assert.ErrorIs(t, err, crdt.ErrOutOfRange)

	assert.Equal(t, "abc", d.Text())
}

func TestDocument_Convergence(t *testing.T) {
	// Three replicas edit concurrently starting from a shared prefix.
	base := crdt.NewDocument("base")
	seed := mustInsert(t, base, 0, "print()")

	a, b, c := crdt.NewDocument("a"), crdt.NewDocument("b"), crdt.NewDocument("c")
	for _, d := range []*crdt.Document{a, b, c} {
		require.NoError(t, d.Apply(seed))
	}

	u1 := mustInsert(t, a, 6, "'a'")
	u2 := mustInsert(t, b, 6, "'b'")
	u3, err := c.Delete(0, 5)
	require.NoError(t, err)
	u4 := mustInsert(t, a, 0, "# a\n")

	updates := []crdt.Update{seed, u1, u2, u3, u4}

	var texts []string
	for _, perm := range permutations(len(updates)) {
		d := crdt.NewDocument("observer")
		for _, i := range perm {
			require.NoError(t, d.Apply(updates[i]))
		}
		require.Zero(t, d.Pending(), "all dependencies are delivered eventually")
		texts = append(texts, d.Text())
	}

	for _, d := range []*crdt.Document{a, b, c} {
		for _, u := range updates {
			require.NoError(t, d.Apply(u))
		}
		texts = append(texts, d.Text())
	}

	for _, txt := range texts[1:] {
		assert.Equal(t, texts[0], txt)
	}
	assert.Contains(t, texts[0], "'a'")
	assert.Contains(t, texts[0], "'b'")
	assert.NotContains(t, texts[0], "print")
}

func TestDocument_ConcurrentInsertAtSamePosition(t *testing.T) {
	a, b := crdt.NewDocument("a"), crdt.NewDocument("b")

	ua := mustInsert(t, a, 0, "x")
	ub := mustInsert(t, b, 0, "y")

	require.NoError(t, a.Apply(ub))
	require.NoError(t, b.Apply(ua))

	assert.Equal(t, "yx", a.Text())
	assert.Equal(t, "yx", b.Text())
}

func TestDocument_Idempotent(t *testing.T) {
	a := crdt.NewDocument("a")
	u := mustInsert(t, a, 0, "abc")
	del, err := a.Delete(0, 1)
	require.NoError(t, err)

	b := crdt.NewDocument("b")
	for range 3 {
		require.NoError(t, b.Apply(u))
		require.NoError(t, b.Apply(del))
	}

	assert.Equal(t, "bc", b.Text())
}

func TestDocument_CausalBuffering(t *testing.T) {
	a := crdt.NewDocument("a")
	first := mustInsert(t, a, 0, "ab")
	second := mustInsert(t, a, 2, "cd")
	del, err := a.Delete(0, 1)
	require.NoError(t, err)

	b := crdt.NewDocument("b")
	require.NoError(t, b.Apply(del))
	require.NoError(t, b.Apply(second))
	assert.Empty(t, b.Text(), "operations depending on missing elements are buffered")
	assert.Equal(t, 3, b.Pending())

	require.NoError(t, b.Apply(first))
	assert.Equal(t, "bcd", b.Text())
	assert.Zero(t, b.Pending())
}

func TestDocument_StateSeedsNewReplica(t *testing.T) {
	a := crdt.NewDocument("a")
	mustInsert(t, a, 0, "class Solution:")
	_, err := a.Delete(0, 6)
	require.NoError(t, err)

	raw, err := crdt.EncodeUpdate(a.State())
	require.NoError(t, err)
	state, err := crdt.DecodeUpdate(raw)
	require.NoError(t, err)

	b := crdt.NewDocument("b")
	require.NoError(t, b.Apply(state))
	assert.Equal(t, a.Text(), b.Text())

	// Edits made after seeding still converge.
	ub := mustInsert(t, b, 0, "# ")
	require.NoError(t, a.Apply(ub))
	assert.Equal(t, "# Solution:", a.Text())
}

func TestDocument_Destroy(t *testing.T) {
	d := crdt.NewDocument("a")
	mustInsert(t, d, 0, "secret")
	d.Destroy()

	assert.Empty(t, d.Text())
	_, err := d.Insert(0, "x")
	assert.ErrorIs(t, err, crdt.ErrDestroyed)
	assert.ErrorIs(t, d.Apply(crdt.Update{}), crdt.ErrDestroyed)
}

func mustInsert(t *testing.T, d *crdt.Document, pos int, text string) crdt.Update {
	t.Helper()
	u, err := d.Insert(pos, text)
	require.NoError(t, err)
	return u
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}

	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}
