package collab

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"

	"github.com/victornm/peerprep/internal/clock"
	"github.com/victornm/peerprep/internal/crdt"
	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/session"
	"github.com/victornm/peerprep/internal/telemetry"
	"github.com/victornm/peerprep/internal/wire"
)

const maxSeenUpdates = 4096

type joinEvent struct{ p *peer }

type leaveEvent struct{ p *peer }

type frameEvent struct {
	p *peer
	f wire.Frame
}

type resultEvent struct{ res domain.ExecutionResult }

type snapshotEvent struct{}

type stopEvent struct{ reason string }

// room owns everything about one session on this instance. All state is touched only by run.
type room struct {
	id      string
	session domain.Session
	hub     *Hub

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan any
	done   chan struct{}

	peers     map[string]*peer
	doc       *crdt.Document
	awareness *crdt.Awareness
	seen      map[[32]byte]struct{}

	running   bool
	ended     bool
	snapTimer *clock.Timer
	snapHash  [32]byte
}

func newRoom(h *Hub, ss domain.Session, seed crdt.Update) *room {
	ctx, cancel := context.WithCancel(context.Background())

	r := &room{
		id:        ss.SessionID,
		session:   ss,
		hub:       h,
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan any),
		done:      make(chan struct{}),
		peers:     make(map[string]*peer),
		doc:       crdt.NewDocument("hub"),
		awareness: crdt.NewAwareness(""),
		seen:      make(map[[32]byte]struct{}),
	}

	if !seed.Empty() {
		if err := r.doc.Apply(seed); err != nil {
			slog.WarnContext(ctx, "collab: seed document failed", "session", r.id, "error", err)
		}
		if snap, err := newSnapshot(r.doc.State()); err == nil {
			r.snapHash = snap.hash
		}
	}

	return r
}

// post hands an event to the room. It returns false once the room has stopped.
func (r *room) post(ev any) bool {
	select {
	case r.inbox <- ev:
		return true
	case <-r.done:
		return false
	}
}

func (r *room) run() {
	defer r.close()

	for {
		var stop bool

		switch ev := (<-r.inbox).(type) {
		case joinEvent:
			r.join(ev.p)
		case leaveEvent:
			stop = r.leave(ev.p)
		case frameEvent:
			stop = r.handle(ev.p, ev.f)
		case resultEvent:
			r.result(ev.res)
		case snapshotEvent:
			r.snapTimer = nil
			r.snapshot()
		case stopEvent:
			slog.InfoContext(r.ctx, "collab: room stopped", "session", r.id, "reason", ev.reason)
			stop = true
		}

		if stop {
			return
		}
	}
}

func (r *room) close() {
	if r.snapTimer != nil {
		r.snapTimer.Stop()
	}
	if !r.ended {
		r.snapshot()
	}

	// Joins racing with the stop fail on done and retry against a fresh room.
	r.hub.remove(r)
	close(r.done)
	r.cancel()

	for _, p := range r.peers {
		r.closePeer(p)
	}
	r.doc.Destroy()
	r.awareness.Clear()

	telemetry.ActiveRooms.Dec()
}

func (r *room) join(p *peer) {
	if old, ok := r.peers[p.userID]; ok {
		slog.InfoContext(r.ctx, "collab: replace connection", "session", r.id, "user", p.userID)
		r.closePeer(old)
	}
	r.peers[p.userID] = p

	slog.InfoContext(r.ctx, "collab: user joined", "session", r.id, "user", p.userID)

	if b, err := crdt.EncodeUpdate(r.doc.State()); err == nil {
		r.sendFrame(p, wire.Frame{Type: wire.TypeDocSync, Update: b})
	}
	if aw := r.awareness.Full(); !aw.Empty() {
		if b, err := crdt.EncodeAwareness(aw); err == nil {
			r.sendFrame(p, wire.Frame{Type: wire.TypeAwareness, Awareness: b})
		}
	}

	if other := r.other(p.userID); other != nil {
		r.sendFrame(other, wire.Control(wire.TypeCollaboratorConnect))
		r.sendFrame(p, wire.Control(wire.TypeCollaboratorConnect))
	}
}

// leave handles a closed connection and reports whether the room is now idle.
func (r *room) leave(p *peer) bool {
	if r.peers[p.userID] != p {
		// Superseded by a newer connection of the same user.
		return false
	}

	delete(r.peers, p.userID)
	r.closePeer(p)

	slog.InfoContext(r.ctx, "collab: user left", "session", r.id, "user", p.userID)

	rm := r.awareness.Remove(p.userID)
	if other := r.other(p.userID); other != nil {
		r.sendFrame(other, wire.Control(wire.TypeCollaboratorDisconnect))
		if b, err := crdt.EncodeAwareness(rm); err == nil {
			r.sendFrame(other, wire.Frame{Type: wire.TypeAwareness, Awareness: b})
		}
	}

	return len(r.peers) == 0
}

// handle processes one frame from p and reports whether the room should stop.
func (r *room) handle(p *peer, f wire.Frame) bool {
	if r.peers[p.userID] != p {
		return false
	}

	telemetry.Frames.WithLabelValues(string(f.Type)).Inc()

	switch f.Type {
	case wire.TypeDocSync, wire.TypeDocUpdate:
		r.update(p, f)

	case wire.TypeAwareness:
		r.presence(p, f)

	case wire.TypeRunCode:
		r.runCode(p, f)

	case wire.TypeCollaboratorEnded:
		r.end(p)
		return true

	default:
		slog.WarnContext(r.ctx, "collab: ignore frame", "session", r.id, "user", p.userID, "type", f.Type)
	}

	return false
}

func (r *room) update(p *peer, f wire.Frame) {
	h := blake3.Sum256(f.Update)
	if _, ok := r.seen[h]; ok {
		return
	}
	if len(r.seen) >= maxSeenUpdates {
		clear(r.seen)
	}
	r.seen[h] = struct{}{}

	u, err := crdt.DecodeUpdate(f.Update)
	if err != nil {
		slog.WarnContext(r.ctx, "collab: drop undecodable update", "session", r.id, "user", p.userID, "error", err)
		return
	}
	if err := r.doc.Apply(u); err != nil {
		slog.WarnContext(r.ctx, "collab: apply update failed", "session", r.id, "error", err)
		return
	}

	if other := r.other(p.userID); other != nil {
		r.sendFrame(other, f)
	}

	if r.snapTimer == nil {
		r.snapTimer = r.hub.clock.AfterFunc(r.hub.snapshotDelay, func() {
			r.post(snapshotEvent{})
		})
	}
}

func (r *room) presence(p *peer, f wire.Frame) {
	u, err := crdt.DecodeAwareness(f.Awareness)
	if err != nil {
		slog.WarnContext(r.ctx, "collab: drop undecodable awareness", "session", r.id, "user", p.userID, "error", err)
		return
	}

	// A participant may only speak for itself.
	s, ok := u.States[p.userID]
	if !ok {
		return
	}
	own := crdt.AwarenessUpdate{States: map[string]crdt.State{p.userID: s}}
	if !r.awareness.Apply(own) {
		return
	}

	if other := r.other(p.userID); other != nil {
		if b, err := crdt.EncodeAwareness(own); err == nil {
			r.sendFrame(other, wire.Frame{Type: wire.TypeAwareness, Awareness: b})
		}
	}
}

func (r *room) runCode(p *peer, f wire.Frame) {
	if f.RunCode == nil {
		return
	}
	if r.running {
		r.sendFrame(p, wire.Control(wire.TypeCodeRunning))
		return
	}

	r.running = true
	r.broadcast(wire.Control(wire.TypeCodeRunning))

	if err := validPayloads(f.RunCode); err != nil {
		slog.WarnContext(r.ctx, "collab: reject run code", "session", r.id, "user", p.userID, "error", err)
		r.result(domain.ExecutionResult{Status: domain.ExecutionFailed, Stderr: err.Error(), ExitCode: -1})
		return
	}

	req := domain.ExecutionRequest{
		Language: f.RunCode.Language,
		Code:     f.RunCode.Code,
		Stdin:    f.RunCode.Stdin,
		Timeout:  time.Duration(f.RunCode.Timeout) * time.Second,
	}

	slog.InfoContext(r.ctx, "collab: run code", "session", r.id, "user", p.userID, "language", req.Language)

	go func() {
		res := r.hub.executor.Execute(r.ctx, req)
		r.post(resultEvent{res: res})
	}()
}

// validPayloads checks that code and stdin are base64 before they reach the executor.
func validPayloads(rc *wire.RunCode) error {
	if _, err := wire.DecodePayload(rc.Code); err != nil {
		return fmt.Errorf("code: %w", err)
	}
	if _, err := wire.DecodePayload(rc.Stdin); err != nil {
		return fmt.Errorf("stdin: %w", err)
	}
	return nil
}

func (r *room) result(res domain.ExecutionResult) {
	r.running = false
	r.broadcast(wire.Frame{
		Type: wire.TypeCodeResult,
		CodeResult: &wire.CodeResult{
			Status:        string(res.Status),
			Stdout:        res.Stdout,
			Stderr:        res.Stderr,
			ExitCode:      res.ExitCode,
			ExecutionTime: res.ExecutionTime,
			DurationMs:    res.DurationMs,
		},
	})
}

// end relays a deliberate termination to the collaborator and ends the session for good.
func (r *room) end(p *peer) {
	if other := r.other(p.userID); other != nil {
		r.sendFrame(other, wire.Control(wire.TypeCollaboratorEnded))
	}

	r.ended = true
	slog.InfoContext(r.ctx, "collab: session ended by participant", "session", r.id, "user", p.userID)

	ctx := context.WithoutCancel(r.ctx)
	if _, err := r.hub.sessions.EndSession(ctx, session.EndSessionRequest{SessionID: r.id}); err != nil {
		slog.ErrorContext(ctx, "collab: end session failed", "session", r.id, "error", err)
	}
	if err := r.hub.store.delete(ctx, r.id); err != nil {
		slog.ErrorContext(ctx, "collab: delete snapshot failed", "session", r.id, "error", err)
	}
}

func (r *room) snapshot() {
	snap, err := newSnapshot(r.doc.State())
	if err != nil {
		slog.ErrorContext(r.ctx, "collab: encode snapshot failed", "session", r.id, "error", err)
		return
	}
	if snap.hash == r.snapHash {
		return
	}

	if err := r.hub.store.save(context.WithoutCancel(r.ctx), r.id, snap); err != nil {
		slog.ErrorContext(r.ctx, "collab: save snapshot failed", "session", r.id, "error", err)
		return
	}
	r.snapHash = snap.hash
}

func (r *room) other(userID string) *peer {
	for id, p := range r.peers {
		if id != userID {
			return p
		}
	}
	return nil
}

func (r *room) broadcast(f wire.Frame) {
	for _, p := range r.peers {
		r.sendFrame(p, f)
	}
}

func (r *room) sendFrame(p *peer, f wire.Frame) {
	if p.closed {
		return
	}

	b, err := wire.Encode(f)
	if err != nil {
		slog.ErrorContext(r.ctx, "collab: encode frame failed", "session", r.id, "error", err)
		return
	}

	select {
	case p.send <- b:
	default:
		slog.WarnContext(r.ctx, "collab: slow consumer, closing", "session", r.id, "user", p.userID)
		r.closePeer(p)
	}
}

func (r *room) closePeer(p *peer) {
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}
