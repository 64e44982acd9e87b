package crdt

import (
	"fmt"
	"maps"
	"sync"
	"unicode/utf16"

	"github.com/victornm/peerprep/internal/codec"
)

var palette = [...]string{
	"#f44336",
	"#2196f3",
	"#4caf50",
	"#ff9800",
	"#9c27b0",
	"#00bcd4",
	"#ffeb3b",
	"#607d8b",
}

// ColorFor maps a participant id onto the cursor palette. The same id always gets the same color.
func ColorFor(id string) string {
	var h int32
	for _, c := range utf16.Encode([]rune(id)) {
		h = int32(c) + (h << 5) - h
	}

	v := int64(h)
	if v < 0 {
		v = -v
	}
	return palette[v%int64(len(palette))]
}

// State is one participant's presence. Clock orders writes by the same participant.
type State struct {
	Name   string `cbor:"1,keyasint" json:"name"`
	Color  string `cbor:"2,keyasint" json:"color"`
	Cursor int    `cbor:"3,keyasint" json:"cursor"`
	Clock  uint64 `cbor:"4,keyasint" json:"clock"`
}

type AwarenessUpdate struct {
	States  map[string]State `cbor:"1,keyasint,omitempty"`
	Removed []string         `cbor:"2,keyasint,omitempty"`
}

func (u AwarenessUpdate) Empty() bool { return len(u.States) == 0 && len(u.Removed) == 0 }

// Awareness is a last-writer-wins map of participant id to presence. It is not part of the document.
type Awareness struct {
	mu     sync.Mutex
	local  string
	states map[string]State
}

// NewAwareness creates the map. local is the participant owning this replica and may be empty on relays.
func NewAwareness(local string) *Awareness {
	return &Awareness{
		local:  local,
		states: make(map[string]State),
	}
}

// SetLocal publishes the local participant's name and cursor.
func (a *Awareness) SetLocal(name string, cursor int) AwarenessUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.states[a.local]
	s.Name = name
	s.Color = ColorFor(a.local)
	s.Cursor = cursor
	s.Clock++
	a.states[a.local] = s

	return AwarenessUpdate{States: map[string]State{a.local: s}}
}

// Apply merges a remote update and reports whether anything changed. Entries for the local
// participant are ignored.
func (a *Awareness) Apply(u AwarenessUpdate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	changed := false
	for _, id := range u.Removed {
		if id == a.local && a.local != "" {
			continue
		}
		if _, ok := a.states[id]; ok {
			delete(a.states, id)
			changed = true
		}
	}

	for id, s := range u.States {
		if id == a.local && a.local != "" {
			continue
		}
		if cur, ok := a.states[id]; ok && cur.Clock >= s.Clock {
			continue
		}
		a.states[id] = s
		changed = true
	}

	return changed
}

// Remove drops a participant, returning the update that tells other replicas to do the same.
func (a *Awareness) Remove(id string) AwarenessUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.states, id)
	return AwarenessUpdate{Removed: []string{id}}
}

// Full returns every known state.
func (a *Awareness) Full() AwarenessUpdate {
	return AwarenessUpdate{States: a.States()}
}

func (a *Awareness) States() map[string]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.states)
}

func (a *Awareness) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.states)
}

func EncodeAwareness(u AwarenessUpdate) ([]byte, error) {
	b, err := codec.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode awareness: %w", err)
	}
	return b, nil
}

func DecodeAwareness(b []byte) (AwarenessUpdate, error) {
	var u AwarenessUpdate
	if err := codec.Unmarshal(b, &u); err != nil {
		return AwarenessUpdate{}, fmt.Errorf("crdt: decode awareness: %w", err)
	}
	return u, nil
}
