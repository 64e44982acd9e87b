package channel

import (
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/victornm/peerprep/internal/crdt"
	"github.com/victornm/peerprep/internal/wire"
)

// Session binds one session's document and presence replicas to its channel. Document and
// awareness frames are merged here; every other frame and every connection transition is
// passed on through Events.
type Session struct {
	id     string
	userID string

	conn      *Conn
	doc       *crdt.Document
	awareness *crdt.Awareness
	events    chan Event

	destroyed   chan struct{}
	destroyOnce sync.Once
}

func newSession(c Config, sessionID, userID string) *Session {
	s := &Session{
		id:        sessionID,
		userID:    userID,
		conn:      Dial(c, sessionID, userID),
		doc:       crdt.NewDocument(userID),
		awareness: crdt.NewAwareness(userID),
		events:    make(chan Event, eventBuffer),
		destroyed: make(chan struct{}),
	}

	go s.pump()
	return s
}

func (s *Session) ID() string { return s.id }

// Events is closed after Destroy.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) Connected() bool { return s.conn.Connected() }

// Text returns the current document snapshot.
func (s *Session) Text() string { return s.doc.Text() }

// Len returns the number of visible runes in the document.
func (s *Session) Len() int { return s.doc.Len() }

func (s *Session) Presence() map[string]crdt.State { return s.awareness.States() }

// Insert applies a local edit and sends it. Edits made while disconnected stay local and go
// out with the next full sync.
func (s *Session) Insert(pos int, text string) error {
	u, err := s.doc.Insert(pos, text)
	if err != nil {
		return err
	}
	s.sendUpdate(u)
	return nil
}

func (s *Session) Delete(pos, n int) error {
	u, err := s.doc.Delete(pos, n)
	if err != nil {
		return err
	}
	s.sendUpdate(u)
	return nil
}

// SetPresence publishes the local participant's display name and cursor position.
func (s *Session) SetPresence(name string, cursor int) {
	s.sendAwareness(s.awareness.SetLocal(name, cursor))
}

// Send passes a control or execution frame to the channel.
func (s *Session) Send(f wire.Frame) error { return s.conn.Send(f) }

// Destroy closes the channel and clears both replicas.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		close(s.destroyed)
		_ = s.conn.Close()
		s.doc.Destroy()
		s.awareness.Clear()
	})
}

func (s *Session) pump() {
	defer close(s.events)

	for e := range s.conn.Events() {
		switch e.Kind {
		case EventOpened:
			s.sync()
			s.deliver(e)

		case EventFrame:
			if fwd, ok := s.merge(e.Frame); ok {
				s.deliver(fwd)
			}

		default:
			s.deliver(e)
		}
	}
}

// deliver hands e to the owner. Once destroyed, nobody reads Events any more and e is dropped.
func (s *Session) deliver(e Event) {
	select {
	case <-s.destroyed:
		return
	default:
	}

	select {
	case s.events <- e:
	case <-s.destroyed:
	}
}

// sync sends the full local state so the server and the collaborator catch up on anything
// missed while the channel was down.
func (s *Session) sync() {
	b, err := crdt.EncodeUpdate(s.doc.State())
	if err != nil {
		slog.Error("channel: encode state", "session", s.id, "error", err)
		return
	}
	s.send(wire.Frame{Type: wire.TypeDocSync, Update: b})

	if own, ok := s.awareness.States()[s.userID]; ok {
		s.sendAwareness(crdt.AwarenessUpdate{States: map[string]crdt.State{s.userID: own}})
	}
}

func (s *Session) merge(f wire.Frame) (Event, bool) {
	switch f.Type {
	case wire.TypeDocSync, wire.TypeDocUpdate:
		u, err := crdt.DecodeUpdate(f.Update)
		if err != nil {
			slog.Warn("channel: drop undecodable update", "session", s.id, "error", err)
			return Event{}, false
		}
		if err := s.doc.Apply(u); err != nil {
			if !stderrors.Is(err, crdt.ErrDestroyed) {
				slog.Warn("channel: apply update", "session", s.id, "error", err)
			}
			return Event{}, false
		}
		return Event{Kind: EventDocument}, true

	case wire.TypeAwareness:
		u, err := crdt.DecodeAwareness(f.Awareness)
		if err != nil {
			slog.Warn("channel: drop undecodable awareness", "session", s.id, "error", err)
			return Event{}, false
		}
		if !s.awareness.Apply(u) {
			return Event{}, false
		}
		return Event{Kind: EventPresence}, true
	}

	return Event{Kind: EventFrame, Frame: f}, true
}

func (s *Session) sendUpdate(u crdt.Update) {
	b, err := crdt.EncodeUpdate(u)
	if err != nil {
		slog.Error("channel: encode update", "session", s.id, "error", err)
		return
	}
	s.send(wire.Frame{Type: wire.TypeDocUpdate, Update: b})
}

func (s *Session) sendAwareness(u crdt.AwarenessUpdate) {
	b, err := crdt.EncodeAwareness(u)
	if err != nil {
		slog.Error("channel: encode awareness", "session", s.id, "error", err)
		return
	}
	s.send(wire.Frame{Type: wire.TypeAwareness, Awareness: b})
}

func (s *Session) send(f wire.Frame) {
	err := s.conn.Send(f)
	switch {
	case err == nil, stderrors.Is(err, ErrNotConnected):
	default:
		slog.Warn("channel: send", "session", s.id, "type", f.Type, "error", err)
	}
}
