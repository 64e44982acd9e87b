package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/peerprep/internal/auth"
	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/errors"
	"github.com/victornm/peerprep/internal/event"
	"github.com/victornm/peerprep/internal/match"
	"github.com/victornm/peerprep/internal/session"
)

type Matcher interface {
	Request(ctx context.Context, req domain.MatchRequest) (*match.RequestResult, error)
	Cancel(ctx context.Context, req domain.MatchRequest) (*match.CancelResult, error)
	Status(ctx context.Context, userID string) (*match.QueueStatus, error)
}

type Sessions interface {
	ActiveSession(ctx context.Context, userID string) (*domain.Session, error)
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	Metadata(ctx context.Context, req session.MetadataRequest) (*domain.SessionMetadata, error)
}

type Questions interface {
	Count(ctx context.Context, topic, difficulty string) (int, error)
	Get(ctx context.Context, id string) (*domain.Question, error)
	Stats(ctx context.Context) (map[string]int, error)
}

type Attempts interface {
	Upsert(ctx context.Context, a domain.AttemptRecord) error
	List(ctx context.Context, userID string) ([]domain.AttemptRecord, error)
}

type Progress interface {
	Get(ctx context.Context, userID string) (*domain.Progress, error)
}

type Channels interface {
	ServeWS(w http.ResponseWriter, r *http.Request, sessionID, userID string) error
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type Config struct {
	Router   gin.IRouter
	EventBus *event.Bus
	Auth     *auth.Verifier

	Match        Matcher
	Session      Sessions
	Question     Questions
	Attempt      Attempts
	Progress     Progress
	Collab       Channels
	Redis        Redis
	PubsubPrefix string
}

type API struct {
	ms Matcher
	ss Sessions
	qs Questions
	as Attempts
	ps Progress
	ch Channels

	redis    Redis
	prefix   string
	upgrader websocket.Upgrader
}

func New(c Config) *API {
	a := &API{
		ms:     c.Match,
		ss:     c.Session,
		qs:     c.Question,
		as:     c.Attempt,
		ps:     c.Progress,
		ch:     c.Collab,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	// REST and websocket APIs
	r := c.Router.Group("/")
	if c.Auth != nil {
		r.Use(c.Auth.Middleware())
	}

	r.POST("/match/request", a.RequestMatch)
	r.POST("/match/cancel", a.CancelMatch)
	r.GET("/match/status", a.MatchStatus)
	r.GET("/match/ws/:user_id", a.Notifications)

	r.GET("/sessions", a.ActiveSession)
	r.GET("/sessions/:id/metadata", a.SessionMetadata)
	r.GET("/sessions/:id/question", a.SessionQuestion)
	r.GET("/ws/sessions/:id", a.SessionChannel)

	r.GET("/questions/count", a.QuestionCount)
	r.POST("/questions/attempt", a.SubmitAttempt)
	r.GET("/questions/attempts", a.ListAttempts)
	r.GET("/questions/stats", a.QuestionStats)
	r.GET("/users/:user_id/progress", a.UserProgress)

	// Register event handlers
	c.EventBus.Subscribe(domain.EventNameMatchFound, func(ctx context.Context, e event.Event) error {
		return a.PublishMatchFound(ctx, e.(domain.EventMatchFound))
	})
	c.EventBus.Subscribe(domain.EventNameMatchTimeout, func(ctx context.Context, e event.Event) error {
		return a.PublishMatchTimeout(ctx, e.(domain.EventMatchTimeout))
	})
	c.EventBus.Subscribe(domain.EventNameMatchCancelled, func(ctx context.Context, e event.Event) error {
		return a.PublishMatchCancelled(ctx, e.(domain.EventMatchCancelled))
	})

	return a
}

type MatchResponse struct {
	Success   bool       `json:"success"`
	Status    string     `json:"status,omitempty"`
	Message   string     `json:"message"`
	Removed   bool       `json:"removed,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	PeerID    string     `json:"peer_id,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
}

func (a *API) RequestMatch(c *gin.Context) {
	var req domain.MatchRequest
	if !a.bind(c, &req) {
		return
	}
	if err := auth.CheckUser(c, req.UserID); err != nil {
		a.error(c, err)
		return
	}

	res, err := a.ms.Request(c, req)
	if err != nil {
		a.error(c, err)
		return
	}

	resp := MatchResponse{
		Success:   true,
		Status:    string(res.Status),
		SessionID: res.SessionID,
		PeerID:    res.PeerID,
	}
	switch res.Status {
	case match.StatusMatched:
		resp.Message = "Peer found"
	default:
		resp.Message = "Added to queue"
		if !res.Deadline.IsZero() {
			resp.Deadline = &res.Deadline
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (a *API) CancelMatch(c *gin.Context) {
	var req domain.MatchRequest
	if !a.bind(c, &req) {
		return
	}
	if err := auth.CheckUser(c, req.UserID); err != nil {
		a.error(c, err)
		return
	}

	res, err := a.ms.Cancel(c, req)
	if err != nil {
		a.error(c, err)
		return
	}

	msg := "User not in queue"
	if res.Removed {
		msg = "Removed from queue"
	}
	c.JSON(http.StatusOK, MatchResponse{Success: true, Message: msg, Removed: res.Removed})
}

type MatchStatusResponse struct {
	Waiting  bool       `json:"waiting"`
	Position int        `json:"position,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

func (a *API) MatchStatus(c *gin.Context) {
	userID := c.Query("user_id")
	if !a.checkUser(c, userID) {
		return
	}

	st, err := a.ms.Status(c, userID)
	if err != nil {
		a.error(c, err)
		return
	}

	resp := MatchStatusResponse{Waiting: st.Waiting, Position: st.Position}
	if st.Waiting {
		resp.Deadline = &st.Deadline
	}
	c.JSON(http.StatusOK, resp)
}

type ActiveSessionResponse struct {
	InSession bool    `json:"in_session"`
	SessionID *string `json:"session_id"`
}

func (a *API) ActiveSession(c *gin.Context) {
	userID := c.Query("user_id")
	if !a.checkUser(c, userID) {
		return
	}

	ss, err := a.ss.ActiveSession(c, userID)
	if errors.Is(err, errors.CodeNotFound) {
		c.JSON(http.StatusOK, ActiveSessionResponse{})
		return
	}
	if err != nil {
		a.error(c, err)
		return
	}

	c.JSON(http.StatusOK, ActiveSessionResponse{InSession: true, SessionID: &ss.SessionID})
}

func (a *API) SessionMetadata(c *gin.Context) {
	userID := c.Query("user_id")
	if !a.checkUser(c, userID) {
		return
	}

	md, err := a.ss.Metadata(c, session.MetadataRequest{SessionID: c.Param("id"), UserID: userID})
	if err != nil {
		a.error(c, err)
		return
	}

	c.JSON(http.StatusOK, md)
}

func (a *API) SessionQuestion(c *gin.Context) {
	ss, err := a.ss.GetSession(c, c.Param("id"))
	if err != nil {
		a.error(c, err)
		return
	}

	if userID := c.Query("user_id"); userID != "" && !ss.HasParticipant(userID) {
		a.error(c, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("user %s is not a participant of session %s", userID, ss.SessionID)))
		return
	}

	q, err := a.qs.Get(c, ss.QuestionID)
	if err != nil {
		a.error(c, err)
		return
	}

	c.JSON(http.StatusOK, q)
}

func (a *API) SessionChannel(c *gin.Context) {
	userID := c.Query("user_id")
	if !a.checkUser(c, userID) {
		return
	}

	if err := a.ch.ServeWS(c.Writer, c.Request, c.Param("id"), userID); err != nil {
		a.error(c, err)
	}
}

type QuestionCountResponse struct {
	Count int `json:"count"`
}

func (a *API) QuestionCount(c *gin.Context) {
	topic, difficulty := c.Query("topic"), c.Query("difficulty")
	if topic == "" || difficulty == "" {
		a.error(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("topic and difficulty are required")))
		return
	}

	n, err := a.qs.Count(c, topic, difficulty)
	if err != nil {
		a.error(c, err)
		return
	}

	c.JSON(http.StatusOK, QuestionCountResponse{Count: n})
}

func (a *API) SubmitAttempt(c *gin.Context) {
	var req domain.AttemptRecord
	if !a.bind(c, &req) {
		return
	}
	if err := auth.CheckUser(c, req.UserID); err != nil {
		a.error(c, err)
		return
	}

	// ended sessions are still found; attempts are written as a session ends
	ss, err := a.ss.GetSession(c, req.SessionID)
	if err != nil {
		a.error(c, err)
		return
	}
	if !ss.HasParticipant(req.UserID) {
		a.error(c, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("user %s is not a participant of session %s", req.UserID, ss.SessionID)))
		return
	}
	if req.QuestionID != ss.QuestionID {
		a.error(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question %s was not asked in session %s", req.QuestionID, ss.SessionID)))
		return
	}

	if err := a.as.Upsert(c, req); err != nil {
		a.error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *API) ListAttempts(c *gin.Context) {
	userID := c.Query("user_id")
	if !a.checkUser(c, userID) {
		return
	}

	as, err := a.as.List(c, userID)
	if err != nil {
		a.error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"attempts": as})
}

func (a *API) QuestionStats(c *gin.Context) {
	stats, err := a.qs.Stats(c)
	if err != nil {
		a.error(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (a *API) UserProgress(c *gin.Context) {
	userID := c.Param("user_id")
	if !a.checkUser(c, userID) {
		return
	}

	p, err := a.ps.Get(c, userID)
	if err != nil {
		a.error(c, err)
		return
	}

	c.JSON(http.StatusOK, p)
}

func (a *API) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		a.error(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid body: %v", err)))
		return false
	}
	return true
}

func (a *API) checkUser(c *gin.Context, userID string) bool {
	if userID == "" {
		a.error(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("user_id is required")))
		return false
	}
	if err := auth.CheckUser(c, userID); err != nil {
		a.error(c, err)
		return false
	}
	return true
}

func (a *API) error(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c, "api: request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
