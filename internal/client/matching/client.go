// Package matching is the participant side of the match queue. A request produces a Ticket that
// resolves exactly once: matched, timed out or cancelled.
package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"

	"github.com/victornm/peerprep/internal/client/api"
	"github.com/victornm/peerprep/internal/clock"
	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/errors"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultCatalogTTL = 5 * time.Minute

	// backstopSlack is added to the queue timeout before the client gives up on hearing back.
	backstopSlack = 5 * time.Second
	cancelTimeout = 5 * time.Second
)

type API interface {
	QuestionCount(ctx context.Context, topic, difficulty string) (int, error)
	RequestMatch(ctx context.Context, req domain.MatchRequest) (*api.MatchResponse, error)
	CancelMatch(ctx context.Context, req domain.MatchRequest) (*api.MatchResponse, error)
}

type Config struct {
	API API

	// WSURL is the base websocket URL of the service, e.g. ws://localhost:8080.
	WSURL string
	Token string

	Timeout    time.Duration
	CatalogTTL time.Duration
	Clock      clock.Clock
	Dialer     *websocket.Dialer
}

type Client struct {
	api      API
	wsURL    string
	token    string
	timeout  time.Duration
	clock    clock.Clock
	dialer   *websocket.Dialer
	catalog  *cache.Cache
	validate *validator.Validate

	mu         sync.Mutex
	current    *Ticket
	requesting bool
}

func New(c Config) *Client {
	cl := &Client{
		api:      c.API,
		wsURL:    strings.TrimSuffix(c.WSURL, "/"),
		token:    c.Token,
		timeout:  c.Timeout,
		clock:    c.Clock,
		dialer:   c.Dialer,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	if cl.timeout <= 0 {
		cl.timeout = defaultTimeout
	}
	if cl.clock == nil {
		cl.clock = clock.Real()
	}
	if cl.dialer == nil {
		cl.dialer = websocket.DefaultDialer
	}

	ttl := c.CatalogTTL
	if ttl <= 0 {
		ttl = defaultCatalogTTL
	}
	cl.catalog = cache.New(ttl, 2*ttl)

	return cl
}

// RequestMatch validates the criteria, checks the catalog can serve them, subscribes to the
// user's notifications and joins the queue. Nothing touches the network when validation fails.
func (c *Client) RequestMatch(ctx context.Context, req domain.MatchRequest) (*Ticket, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid match request: %v", err))
	}

	c.mu.Lock()
	if c.current != nil || c.requesting {
		c.mu.Unlock()
		return nil, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("a match request is already outstanding"))
	}
	c.requesting = true
	c.mu.Unlock()

	t, resp, err := c.request(ctx, req)

	c.mu.Lock()
	c.requesting = false
	if err == nil && !t.resolved.Load() {
		c.current = t
	}
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if resp.Status == "matched" {
		t.resolve(Event{Outcome: OutcomeMatched, SessionID: resp.SessionID, PeerID: resp.PeerID})
		return t, nil
	}

	t.setBackstop(c.clock.AfterFunc(c.timeout+backstopSlack, func() {
		if t.resolved.Load() {
			return
		}
		slog.Warn("matching: no queue outcome before the deadline", "user", req.UserID)
		go c.cancelQuietly(req)
		t.resolve(Event{Outcome: OutcomeTimedOut})
	}))

	return t, nil
}

func (c *Client) request(ctx context.Context, req domain.MatchRequest) (*Ticket, *api.MatchResponse, error) {
	ok, err := c.hasQuestions(ctx, req.Topic, req.Difficulty)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("no question for topic=%s difficulty=%s", req.Topic, req.Difficulty))
	}

	conn, err := c.subscribe(ctx, req.UserID)
	if err != nil {
		return nil, nil, err
	}

	t := newTicket(req, conn, c.release)
	go t.listen()

	resp, err := c.api.RequestMatch(ctx, req)
	if err != nil {
		t.close()
		return nil, nil, err
	}

	return t, resp, nil
}

// CancelMatch leaves the queue. It is a no-op when nothing is queued. The ticket resolves as
// cancelled only when the server actually removed the entry; otherwise the outcome that won the
// race is still on its way.
func (c *Client) CancelMatch(ctx context.Context) error {
	c.mu.Lock()
	t := c.current
	c.mu.Unlock()

	if t == nil {
		return nil
	}

	resp, err := c.api.CancelMatch(ctx, t.req)
	if err != nil {
		return err
	}

	if resp.Removed {
		t.resolve(Event{Outcome: OutcomeCancelled})
	}
	return nil
}

// Pending returns the outstanding ticket, or nil.
func (c *Client) Pending() *Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Client) hasQuestions(ctx context.Context, topic, difficulty string) (bool, error) {
	key := topic + "|" + difficulty
	if n, ok := c.catalog.Get(key); ok {
		return n.(int) > 0, nil
	}

	n, err := c.api.QuestionCount(ctx, topic, difficulty)
	if err != nil {
		return false, err
	}

	c.catalog.SetDefault(key, n)
	return n > 0, nil
}

func (c *Client) subscribe(ctx context.Context, userID string) (*websocket.Conn, error) {
	u := c.wsURL + "/match/ws/" + url.PathEscape(userID)
	if c.token != "" {
		u += "?" + url.Values{"token": {c.token}}.Encode()
	}

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("subscribe to match notifications: %v", err), errors.WithCause(err))
	}
	return conn, nil
}

func (c *Client) cancelQuietly(req domain.MatchRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	if _, err := c.api.CancelMatch(ctx, req); err != nil {
		slog.Warn("matching: cancel after deadline", "user", req.UserID, "error", err)
	}
}

func (c *Client) release(t *Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == t {
		c.current = nil
	}
}

type notification struct {
	Event string `json:"event"`
	Data  struct {
		SessionID  string `json:"session_id"`
		PeerID     string `json:"peer_id"`
		QuestionID string `json:"question_id"`
		Message    string `json:"message"`
	} `json:"data"`
}

func decodeNotification(b []byte) (Event, bool, error) {
	var n notification
	if err := json.Unmarshal(b, &n); err != nil {
		return Event{}, false, fmt.Errorf("decode notification: %w", err)
	}

	switch n.Event {
	case domain.EventNameMatchFound:
		return Event{
			Outcome:    OutcomeMatched,
			SessionID:  n.Data.SessionID,
			PeerID:     n.Data.PeerID,
			QuestionID: n.Data.QuestionID,
		}, true, nil
	case domain.EventNameMatchTimeout:
		return Event{Outcome: OutcomeTimedOut, Message: n.Data.Message}, true, nil
	case domain.EventNameMatchCancelled:
		return Event{Outcome: OutcomeCancelled, Message: n.Data.Message}, true, nil
	}

	return Event{}, false, nil
}
