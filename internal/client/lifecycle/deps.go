package lifecycle

import (
	"context"

	"github.com/victornm/peerprep/internal/client/channel"
	"github.com/victornm/peerprep/internal/client/matching"
	"github.com/victornm/peerprep/internal/crdt"
	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/wire"
)

type Matcher interface {
	// RequestMatch joins the queue. The returned channel delivers exactly one outcome.
	RequestMatch(ctx context.Context, req domain.MatchRequest) (<-chan matching.Event, error)
	CancelMatch(ctx context.Context) error
}

type Sessions interface {
	ActiveSession(ctx context.Context, userID string) (string, error)
	SessionMetadata(ctx context.Context, sessionID, userID string) (*domain.SessionMetadata, error)
	SessionQuestion(ctx context.Context, sessionID, userID string) (*domain.Question, error)
	SubmitAttempt(ctx context.Context, a domain.AttemptRecord) error
}

// Channel is the live session channel together with its document replica.
type Channel interface {
	Events() <-chan channel.Event
	Send(f wire.Frame) error
	Insert(pos int, text string) error
	Delete(pos, n int) error
	Text() string
	SetPresence(name string, cursor int)
	Presence() map[string]crdt.State
}

type Channels interface {
	Open(sessionID, userID string) (Channel, error)
	Destroy(sessionID string)
}

// MatchClient adapts a matching client.
func MatchClient(c *matching.Client) Matcher { return matcher{c} }

type matcher struct{ c *matching.Client }

func (m matcher) RequestMatch(ctx context.Context, req domain.MatchRequest) (<-chan matching.Event, error) {
	t, err := m.c.RequestMatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return t.Events(), nil
}

func (m matcher) CancelMatch(ctx context.Context) error { return m.c.CancelMatch(ctx) }

// ChannelRegistry adapts a channel registry.
func ChannelRegistry(r *channel.Registry) Channels { return registry{r} }

type registry struct{ r *channel.Registry }

func (r registry) Open(sessionID, userID string) (Channel, error) {
	s, err := r.r.Open(sessionID, userID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r registry) Destroy(sessionID string) { r.r.Destroy(sessionID) }
