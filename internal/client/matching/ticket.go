package matching

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/victornm/peerprep/internal/clock"
	"github.com/victornm/peerprep/internal/domain"
)

type Outcome int

const (
	OutcomeMatched Outcome = iota + 1
	OutcomeTimedOut
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Event is the terminal outcome of a ticket.
type Event struct {
	Outcome    Outcome
	SessionID  string
	PeerID     string
	QuestionID string
	Message    string
}

// Ticket tracks one queued request. Events delivers exactly one Event and is then closed.
type Ticket struct {
	req    domain.MatchRequest
	conn   *websocket.Conn
	events chan Event

	once     sync.Once
	resolved atomic.Bool
	mu       sync.Mutex
	timer    *clock.Timer
	release  func(*Ticket)
}

func newTicket(req domain.MatchRequest, conn *websocket.Conn, release func(*Ticket)) *Ticket {
	return &Ticket{
		req:     req,
		conn:    conn,
		events:  make(chan Event, 1),
		release: release,
	}
}

func (t *Ticket) Request() domain.MatchRequest { return t.req }

func (t *Ticket) Events() <-chan Event { return t.events }

func (t *Ticket) setBackstop(timer *clock.Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = timer
	if t.resolved.Load() {
		timer.Stop()
	}
}

func (t *Ticket) resolve(e Event) {
	t.once.Do(func() {
		t.resolved.Store(true)

		t.mu.Lock()
		if t.timer != nil {
			t.timer.Stop()
		}
		t.mu.Unlock()

		t.release(t)
		_ = t.conn.Close()

		t.events <- e
		close(t.events)
	})
}

// close drops the ticket without delivering an outcome.
func (t *Ticket) close() {
	t.once.Do(func() {
		t.resolved.Store(true)
		_ = t.conn.Close()
		close(t.events)
	})
}

func (t *Ticket) listen() {
	for {
		_, b, err := t.conn.ReadMessage()
		if err != nil {
			return
		}

		e, ok, err := decodeNotification(b)
		if err != nil {
			slog.Warn("matching: skip notification", "user", t.req.UserID, "error", err)
			continue
		}
		if ok {
			t.resolve(e)
			return
		}
	}
}
