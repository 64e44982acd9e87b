// Package channel is the participant side of a session channel: a self-healing websocket, the
// document and presence replicas it keeps in sync, and the registry that owns them.
package channel

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/victornm/peerprep/internal/clock"
	"github.com/victornm/peerprep/internal/errors"
	"github.com/victornm/peerprep/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	closeWait      = time.Second
	readWait       = 70 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
	eventBuffer    = 256

	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

var (
	ErrNotConnected   = stderrors.New("channel: not connected")
	ErrSendBufferFull = stderrors.New("channel: send buffer full")
)

type EventKind int

const (
	EventOpened EventKind = iota + 1
	EventDropped
	// EventRejected means the server refused the session for good; no reconnect follows.
	EventRejected
	EventFrame
	EventDocument
	EventPresence
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventDropped:
		return "dropped"
	case EventRejected:
		return "rejected"
	case EventFrame:
		return "frame"
	case EventDocument:
		return "document"
	case EventPresence:
		return "presence"
	}
	return "unknown"
}

type Event struct {
	Kind  EventKind
	Frame wire.Frame
	Err   error
}

type Config struct {
	// URL is the base websocket URL of the service, e.g. ws://localhost:8080.
	URL   string
	Token string

	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Clock      clock.Clock
}

// Conn is one participant's connection to a session channel. It redials with exponential backoff
// until closed, and reports every transition and inbound frame in order on Events.
type Conn struct {
	url    string
	dialer *websocket.Dialer
	clock  clock.Clock
	bo     *backoff.ExponentialBackOff

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	ws   *websocket.Conn
	send chan []byte
}

// Dial starts connecting in the background and returns immediately.
func Dial(c Config, sessionID, userID string) *Conn {
	q := url.Values{"user_id": {userID}}
	if c.Token != "" {
		q.Set("token", c.Token)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.MinBackoff
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = defaultMinBackoff
	}
	bo.MaxInterval = c.MaxBackoff
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = defaultMaxBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	cn := &Conn{
		url:    strings.TrimSuffix(c.URL, "/") + "/ws/sessions/" + url.PathEscape(sessionID) + "?" + q.Encode(),
		dialer: c.Dialer,
		clock:  c.Clock,
		bo:     bo,
		events: make(chan Event, eventBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if cn.dialer == nil {
		cn.dialer = websocket.DefaultDialer
	}
	if cn.clock == nil {
		cn.clock = clock.Real()
	}

	go cn.run()
	return cn
}

// Events is closed after Close.
func (c *Conn) Events() <-chan Event { return c.events }

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send != nil
}

// Send queues a frame on the current connection without blocking.
func (c *Conn) Send(f wire.Frame) error {
	b, err := wire.Encode(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops reconnecting and closes the current connection after flushing frames already
// queued by Send. It is safe to call more than once.
func (c *Conn) Close() error {
	c.cancel()

	c.mu.Lock()
	ws := c.ws
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
	c.mu.Unlock()

	if ws != nil {
		select {
		case <-c.done:
			return nil
		case <-time.After(closeWait):
			_ = ws.Close()
		}
	}

	<-c.done
	return nil
}

func (c *Conn) run() {
	defer func() {
		close(c.events)
		close(c.done)
	}()

	for {
		ws, resp, err := c.dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if resp != nil && permanent(resp.StatusCode) {
				slog.Warn("channel: session refused", "status", resp.StatusCode)
				c.emit(Event{Kind: EventRejected, Err: errors.New(errors.FromHTTPStatusCode(resp.StatusCode),
					errors.WithMessagef("session channel refused with status %d", resp.StatusCode))})
				return
			}

			wait := c.bo.NextBackOff()
			slog.Debug("channel: dial failed", "retry_in", wait, "error", err)
			select {
			case <-c.ctx.Done():
				return
			case <-c.clock.After(wait):
			}
			continue
		}

		c.bo.Reset()
		err = c.serve(ws)
		if c.ctx.Err() != nil {
			return
		}
		c.emit(Event{Kind: EventDropped, Err: err})
	}
}

func permanent(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// serve pumps one websocket until it fails.
func (c *Conn) serve(ws *websocket.Conn) error {
	send := make(chan []byte, sendBuffer)

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = ws.Close()
		return c.ctx.Err()
	}
	c.ws, c.send = ws, send
	c.mu.Unlock()

	written := make(chan struct{})
	go writePump(ws, send, written)

	c.emit(Event{Kind: EventOpened})
	err := c.readPump(ws)

	c.mu.Lock()
	if c.send == send {
		close(send)
	}
	c.ws, c.send = nil, nil
	c.mu.Unlock()

	<-written
	_ = ws.Close()

	return err
}

func (c *Conn) readPump(ws *websocket.Conn) error {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if stderrors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		f, err := wire.Decode(msg)
		if err != nil {
			slog.Warn("channel: drop malformed frame", "error", err)
			continue
		}

		c.emit(Event{Kind: EventFrame, Frame: f})
	}
}

func writePump(ws *websocket.Conn, send <-chan []byte, done chan<- struct{}) {
	defer close(done)

	for msg := range send {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			_ = ws.Close()
			for range send {
			}
			return
		}
	}

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *Conn) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.ctx.Done():
	}
}
