// Package crdt implements the shared session document, a replicated growable array (RGA)
// of runes, and the ephemeral awareness map broadcast next to it.
//
// Every element carries a Lamport timestamp and the replica that created it. Concurrent
// inserts after the same element are ordered by timestamp, ties broken by replica, so any
// two replicas that applied the same set of operations hold the same text regardless of
// delivery order. Deletes leave tombstones. Operations whose dependencies have not yet
// arrived are buffered until they can be integrated.
package crdt

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrDestroyed  = errors.New("crdt: document destroyed")
	ErrOutOfRange = errors.New("crdt: position out of range")
)

type ID struct {
	Clock   uint64 `cbor:"1,keyasint"`
	Replica string `cbor:"2,keyasint"`
}

func (id ID) IsZero() bool { return id.Clock == 0 && id.Replica == "" }

// precedes reports whether id is placed before o when both are inserted after the same element.
func (id ID) precedes(o ID) bool {
	if id.Clock != o.Clock {
		return id.Clock > o.Clock
	}
	return id.Replica > o.Replica
}

func (id ID) String() string { return fmt.Sprintf("%d@%s", id.Clock, id.Replica) }

type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
)

// Op is a single insert or delete. For deletes ID names the target element.
type Op struct {
	Kind   OpKind `cbor:"1,keyasint"`
	ID     ID     `cbor:"2,keyasint"`
	Origin ID     `cbor:"3,keyasint"`
	Value  rune   `cbor:"4,keyasint,omitempty"`
}

type element struct {
	id      ID
	origin  ID
	value   rune
	deleted bool
}

type Document struct {
	mu        sync.Mutex
	replica   string
	clock     uint64
	elems     []*element
	index     map[ID]*element
	pending   []Op
	destroyed bool
}

// NewDocument creates an empty replica. An empty replica id is replaced by a random one.
func NewDocument(replica string) *Document {
	if replica == "" {
		replica = uuid.NewString()
	}

	return &Document{
		replica: replica,
		index:   make(map[ID]*element),
	}
}

func (d *Document) Replica() string { return d.replica }

// Insert inserts text before the visible position pos and returns the update to broadcast.
func (d *Document) Insert(pos int, text string) (Update, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return Update{}, ErrDestroyed
	}

	var origin ID
	if pos < 0 {
		return Update{}, ErrOutOfRange
	}
	if pos > 0 {
		e := d.visibleAt(pos - 1)
		if e == nil {
			return Update{}, ErrOutOfRange
		}
		origin = e.id
	}

	var u Update
	for _, r := range text {
		d.clock++
		op := Op{Kind: OpInsert, ID: ID{Clock: d.clock, Replica: d.replica}, Origin: origin, Value: r}
		d.integrate(op)
		u.Ops = append(u.Ops, op)
		origin = op.ID
	}

	return u, nil
}

// Delete removes n visible runes starting at pos.
func (d *Document) Delete(pos, n int) (Update, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return Update{}, ErrDestroyed
	}
	if pos < 0 || n < 0 || pos+n > d.visibleLen() {
		return Update{}, ErrOutOfRange
	}

	targets := make([]*element, 0, n)
	seen := 0
	for _, e := range d.elems {
		if e.deleted {
			continue
		}
		if seen >= pos && seen < pos+n {
			targets = append(targets, e)
		}
		seen++
	}

	var u Update
	for _, e := range targets {
		op := Op{Kind: OpDelete, ID: e.id}
		d.integrate(op)
		u.Ops = append(u.Ops, op)
	}

	return u, nil
}

// Apply merges a remote update. Re-applying an update is a no-op.
func (d *Document) Apply(u Update) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return ErrDestroyed
	}

	for _, op := range u.Ops {
		if op.Kind != OpInsert && op.Kind != OpDelete {
			return fmt.Errorf("crdt: unknown op kind %d", op.Kind)
		}

		if !d.ready(op) {
			d.pending = append(d.pending, op)
			continue
		}
		d.integrate(op)
	}

	d.drainPending()
	return nil
}

// State returns an update that recreates this replica's full state, tombstones included.
func (d *Document) State() Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	var u Update
	for _, e := range d.elems {
		u.Ops = append(u.Ops, Op{Kind: OpInsert, ID: e.id, Origin: e.origin, Value: e.value})
	}
	for _, e := range d.elems {
		if e.deleted {
			u.Ops = append(u.Ops, Op{Kind: OpDelete, ID: e.id})
		}
	}
	u.Ops = append(u.Ops, d.pending...)

	return u
}

func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var sb strings.Builder
	for _, e := range d.elems {
		if !e.deleted {
			sb.WriteRune(e.value)
		}
	}
	return sb.String()
}

// Len returns the number of visible runes.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visibleLen()
}

// Pending returns the number of buffered operations still waiting for their dependencies.
func (d *Document) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Destroy clears the replica. Every later call returns ErrDestroyed.
func (d *Document) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.elems = nil
	d.index = nil
	d.pending = nil
	d.destroyed = true
}

func (d *Document) ready(op Op) bool {
	switch op.Kind {
	case OpInsert:
		if _, ok := d.index[op.ID]; ok {
			return true
		}
		if op.Origin.IsZero() {
			return true
		}
		_, ok := d.index[op.Origin]
		return ok
	default:
		_, ok := d.index[op.ID]
		return ok
	}
}

func (d *Document) integrate(op Op) {
	if op.ID.Clock > d.clock {
		d.clock = op.ID.Clock
	}

	if op.Kind == OpDelete {
		d.index[op.ID].deleted = true
		return
	}

	if _, ok := d.index[op.ID]; ok {
		return
	}

	i := 0
	if !op.Origin.IsZero() {
		i = d.position(op.Origin) + 1
	}
	for i < len(d.elems) && d.elems[i].id.precedes(op.ID) {
		i++
	}

	e := &element{id: op.ID, origin: op.Origin, value: op.Value}
	d.elems = append(d.elems, nil)
	copy(d.elems[i+1:], d.elems[i:])
	d.elems[i] = e
	d.index[e.id] = e
}

func (d *Document) drainPending() {
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		rest := d.pending[:0]
		for _, op := range d.pending {
			if d.ready(op) {
				d.integrate(op)
				progress = true
				continue
			}
			rest = append(rest, op)
		}
		d.pending = rest
	}
}

func (d *Document) position(id ID) int {
	for i, e := range d.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (d *Document) visibleAt(pos int) *element {
	seen := 0
	for _, e := range d.elems {
		if e.deleted {
			continue
		}
		if seen == pos {
			return e
		}
		seen++
	}
	return nil
}

func (d *Document) visibleLen() int {
	n := 0
	for _, e := range d.elems {
		if !e.deleted {
			n++
		}
	}
	return n
}
