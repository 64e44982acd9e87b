package collab

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/victornm/peerprep/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// peer is one websocket connection of a participant. Only the room goroutine writes to send
// and closes it.
type peer struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	closed bool
}

func newPeer(userID string, conn *websocket.Conn) *peer {
	return &peer{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
}

// readPump forwards frames to the room until the connection fails, then reports the leave.
func (p *peer) readPump(ctx context.Context, r *room) {
	defer func() {
		r.post(leaveEvent{p: p})
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.WarnContext(ctx, "collab: connection dropped", "session", r.id, "user", p.userID, "error", err)
			}
			return
		}

		f, err := wire.Decode(msg)
		if err != nil {
			slog.WarnContext(ctx, "collab: drop malformed frame", "session", r.id, "user", p.userID, "error", err)
			continue
		}

		if !r.post(frameEvent{p: p, f: f}) {
			return
		}
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
