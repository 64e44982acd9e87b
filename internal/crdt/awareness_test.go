package crdt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/peerprep/internal/crdt"
)

func TestColorFor(t *testing.T) {
	tests := map[string]struct {
		id   string
		want string
	}{
		"single character": {id: "a", want: "#2196f3"},
		"empty id":         {id: "", want: "#f44336"},
		"other character":  {id: "b", want: "#4caf50"},
		"two characters":   {id: "ab", want: "#2196f3"},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, crdt.ColorFor(tt.id))
		})
	}

	assert.Equal(t, crdt.ColorFor("user-7f3a"), crdt.ColorFor("user-7f3a"), "same id should always map to the same color")
}

func TestAwareness_LastWriterWins(t *testing.T) {
	alice := crdt.NewAwareness("alice")
	bob := crdt.NewAwareness("bob")

	first := alice.SetLocal("Alice", 3)
	second := alice.SetLocal("Alice", 10)

	assert.True(t, bob.Apply(second))
	assert.False(t, bob.Apply(first), "stale presence should be ignored")

	got := bob.States()["alice"]
	assert.Equal(t, 10, got.Cursor)
	assert.Equal(t, crdt.ColorFor("alice"), got.Color)
}

func TestAwareness_IgnoresRemoteWritesToLocalEntry(t *testing.T) {
	alice := crdt.NewAwareness("alice")
	alice.SetLocal("Alice", 1)

	changed := alice.Apply(crdt.AwarenessUpdate{
		States:  map[string]crdt.State{"alice": {Name: "Mallory", Clock: 99}},
		Removed: []string{"alice"},
	})

	assert.False(t, changed)
	assert.Equal(t, "Alice", alice.States()["alice"].Name)
}

func TestAwareness_RemoveOnDisconnect(t *testing.T) {
	relay := crdt.NewAwareness("")
	bob := crdt.NewAwareness("bob")

	u := crdt.NewAwareness("alice").SetLocal("Alice", 0)
	require.True(t, relay.Apply(u))
	require.True(t, bob.Apply(u))

	removal := relay.Remove("alice")
	raw, err := crdt.EncodeAwareness(removal)
	require.NoError(t, err)
	decoded, err := crdt.DecodeAwareness(raw)
	require.NoError(t, err)

	assert.True(t, bob.Apply(decoded))
	assert.NotContains(t, bob.States(), "alice")
	assert.Empty(t, relay.States())
}
