// Package collab hosts session channels: one room per live session, relaying document sync,
// presence, control and code execution frames between the two participants.
package collab

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/peerprep/internal/clock"
	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/errors"
	"github.com/victornm/peerprep/internal/event"
	"github.com/victornm/peerprep/internal/session"
	"github.com/victornm/peerprep/internal/telemetry"
)

const (
	defaultSnapshotTTL   = 24 * time.Hour
	defaultSnapshotDelay = 2 * time.Second
)

type Sessions interface {
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	EndSession(ctx context.Context, req session.EndSessionRequest) (*domain.Session, error)
}

type Executor interface {
	Execute(ctx context.Context, req domain.ExecutionRequest) domain.ExecutionResult
}

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	Sessions Sessions
	Executor Executor

	SnapshotTTL   time.Duration
	SnapshotDelay time.Duration
	Clock         clock.Clock
}

type Hub struct {
	sessions      Sessions
	executor      Executor
	store         *store
	clock         clock.Clock
	snapshotDelay time.Duration
	upgrader      websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
	wg    sync.WaitGroup
}

func NewHub(c Config) *Hub {
	h := &Hub{
		sessions:      c.Sessions,
		executor:      c.Executor,
		clock:         c.Clock,
		snapshotDelay: c.SnapshotDelay,
		store: &store{
			redis:  c.Redis,
			prefix: c.Prefix,
			ttl:    c.SnapshotTTL,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}

	if h.clock == nil {
		h.clock = clock.Real()
	}
	if h.snapshotDelay <= 0 {
		h.snapshotDelay = defaultSnapshotDelay
	}
	if h.store.ttl <= 0 {
		h.store.ttl = defaultSnapshotTTL
	}

	c.EventBus.Subscribe(domain.EventNameSessionEnded, h.handleSessionEnded)
	return h
}

// Authorize checks that the user may join the session channel.
func (h *Hub) Authorize(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	ss, err := h.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !ss.Active() {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("session ended: %s", sessionID))
	}
	if !ss.HasParticipant(userID) {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("user %s is not a participant of session %s", userID, sessionID))
	}

	return ss, nil
}

// ServeWS authorizes the user, upgrades the request and serves the connection until it closes.
// An error is returned only when the request is rejected before the upgrade.
func (h *Hub) ServeWS(w http.ResponseWriter, req *http.Request, sessionID, userID string) error {
	ctx := req.Context()

	ss, err := h.Authorize(ctx, sessionID, userID)
	if err != nil {
		return err
	}

	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// The upgrader has already replied.
		slog.WarnContext(ctx, "collab: upgrade failed", "session", sessionID, "user", userID, "error", err)
		return nil
	}

	h.serve(context.WithoutCancel(ctx), *ss, newPeer(userID, conn))
	return nil
}

func (h *Hub) serve(ctx context.Context, ss domain.Session, p *peer) {
	// A room that stops between lookup and join is replaced on the next attempt.
	for {
		r, err := h.room(ctx, ss)
		if err != nil {
			slog.ErrorContext(ctx, "collab: open room failed", "session", ss.SessionID, "error", err)
			_ = p.conn.Close()
			return
		}

		if r.post(joinEvent{p: p}) {
			go p.writePump()
			p.readPump(ctx, r)
			return
		}
	}
}

func (h *Hub) room(ctx context.Context, ss domain.Session) (*room, error) {
	h.mu.Lock()
	r, ok := h.rooms[ss.SessionID]
	h.mu.Unlock()
	if ok {
		return r, nil
	}

	seed, err := h.store.load(ctx, ss.SessionID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[ss.SessionID]; ok {
		return r, nil
	}

	r = newRoom(h, ss, seed)
	h.rooms[ss.SessionID] = r
	telemetry.ActiveRooms.Inc()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		r.run()
	}()

	slog.InfoContext(ctx, "collab: room opened", "session", ss.SessionID, "seeded", !seed.Empty())
	return r, nil
}

func (h *Hub) remove(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[r.id] == r {
		delete(h.rooms, r.id)
	}
}

// Rooms returns the number of rooms hosted by this hub.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) handleSessionEnded(ctx context.Context, e event.Event) error {
	ev := e.(domain.EventSessionEnded)

	h.mu.Lock()
	r, ok := h.rooms[ev.Session.SessionID]
	h.mu.Unlock()

	if ok {
		r.post(stopEvent{reason: "session ended"})
	}
	return nil
}

// Shutdown stops every room, flushing document snapshots, and waits for them to finish.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.post(stopEvent{reason: "shutdown"})
	}
	h.wg.Wait()
}
