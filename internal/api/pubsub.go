package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/peerprep/internal/domain"
)

const notificationWriteWait = 10 * time.Second

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	MatchFound struct {
		SessionID  string `json:"session_id"`
		PeerID     string `json:"peer_id"`
		QuestionID string `json:"question_id"`
	}

	MatchClosed struct {
		Message    string `json:"message"`
		Topic      string `json:"topic"`
		Difficulty string `json:"difficulty"`
		Language   string `json:"language"`
	}
)

func (a *API) PublishMatchFound(ctx context.Context, e domain.EventMatchFound) error {
	return a.publishNotification(ctx, e.UserID, e.Name(), MatchFound{
		SessionID:  e.SessionID,
		PeerID:     e.PeerID,
		QuestionID: e.QuestionID,
	})
}

func (a *API) PublishMatchTimeout(ctx context.Context, e domain.EventMatchTimeout) error {
	return a.publishNotification(ctx, e.Request.UserID, e.Name(), closed("Timed out waiting for a peer, removed from queue", e.Request))
}

func (a *API) PublishMatchCancelled(ctx context.Context, e domain.EventMatchCancelled) error {
	return a.publishNotification(ctx, e.Request.UserID, e.Name(), closed("Removed from queue", e.Request))
}

func closed(msg string, req domain.MatchRequest) MatchClosed {
	return MatchClosed{
		Message:    msg,
		Topic:      req.Topic,
		Difficulty: req.Difficulty,
		Language:   req.Language,
	}
}

func (a *API) publishNotification(ctx context.Context, user, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, a.userChannel(user), b).Err()
}

func (a *API) userChannel(user string) string {
	return fmt.Sprintf("%s:user:%s", a.prefix, user)
}

// Notifications streams the user's match notifications over a websocket. The Redis subscription
// is confirmed before the upgrade, so nothing published after the handshake is missed.
func (a *API) Notifications(c *gin.Context) {
	userID := c.Param("user_id")
	if !a.checkUser(c, userID) {
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())

	sub := a.redis.Subscribe(ctx, a.userChannel(userID))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		a.error(c, fmt.Errorf("subscribe notifications: %w", err))
		return
	}

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(ctx, "api: notification upgrade failed", "user", userID, "error", err)
		return
	}
	defer conn.Close()

	slog.InfoContext(ctx, "api: notification channel opened", "user", userID)

	eg, ctx := errgroup.WithContext(ctx)

	// The client never sends anything; reading only detects the close.
	eg.Go(func() error {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return err
			}
		}
	})

	eg.Go(func() error {
		defer conn.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case m, ok := <-msgs:
				if !ok {
					return nil
				}
				_ = conn.SetWriteDeadline(time.Now().Add(notificationWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(m.Payload)); err != nil {
					return err
				}
			}
		}
	})

	err = eg.Wait()
	slog.InfoContext(ctx, "api: notification channel closed", "user", userID, "reason", err)
}
