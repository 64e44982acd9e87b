// Package match implements the matchmaking queue: FIFO per (difficulty, topic, language),
// with pairing, cancellation and expiry linearized through Redis scripts.
package match

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/peerprep/internal/clock"
	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/errors"
	"github.com/victornm/peerprep/internal/event"
	"github.com/victornm/peerprep/internal/session"
	"github.com/victornm/peerprep/internal/telemetry"
)

const (
	defaultTimeout       = 60 * time.Second
	defaultSweepInterval = time.Second
)

type Sessions interface {
	CreateSession(ctx context.Context, req session.CreateSessionRequest) (*domain.Session, error)
	ActiveSession(ctx context.Context, userID string) (*domain.Session, error)
}

type Questions interface {
	Count(ctx context.Context, topic, difficulty string) (int, error)
	Random(ctx context.Context, topic, difficulty string) (*domain.Question, error)
}

type Config struct {
	EventBus      *event.Bus
	Redis         redis.UniversalClient
	Prefix        string
	Sessions      Sessions
	Questions     Questions
	Timeout       time.Duration
	SweepInterval time.Duration
	Clock         clock.Clock
}

type Service struct {
	eb        *event.Bus
	redis     redis.UniversalClient
	prefix    string
	sessions  Sessions
	questions Questions
	timeout   time.Duration
	interval  time.Duration
	clock     clock.Clock
	validate  *validator.Validate
}

func NewService(c Config) *Service {
	s := &Service{
		eb:        c.EventBus,
		redis:     c.Redis,
		prefix:    c.Prefix,
		sessions:  c.Sessions,
		questions: c.Questions,
		timeout:   c.Timeout,
		interval:  c.SweepInterval,
		clock:     c.Clock,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}

	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if s.interval <= 0 {
		s.interval = defaultSweepInterval
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}

	return s
}

type Status string

const (
	StatusQueued  Status = "queued"
	StatusMatched Status = "matched"
)

type RequestResult struct {
	Status    Status
	SessionID string
	PeerID    string
	Deadline  time.Time
}

// entry is what the waiting hash stores per user.
type entry struct {
	Request  domain.MatchRequest `json:"request"`
	Queue    string              `json:"queue"`
	Deadline int64               `json:"deadline"`
}

// Request pairs the user with the oldest compatible waiting user, or queues them until the timeout.
// Requesting again while already queued is a no-op.
func (s *Service) Request(ctx context.Context, req domain.MatchRequest) (*RequestResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid match request: %v", err))
	}

	n, err := s.questions.Count(ctx, req.Topic, req.Difficulty)
	if err != nil {
		return nil, fmt.Errorf("count questions: %w", err)
	}
	if n == 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("no question for topic=%s difficulty=%s", req.Topic, req.Difficulty))
	}

	if ss, err := s.sessions.ActiveSession(ctx, req.UserID); err == nil {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("user %s is already in session %s", req.UserID, ss.SessionID))
	} else if !errors.Is(err, errors.CodeNotFound) {
		return nil, fmt.Errorf("lookup active session: %w", err)
	}

	deadline := s.clock.Now().Add(s.timeout)
	self := entry{
		Request:  req,
		Queue:    s.queueKey(req),
		Deadline: deadline.UnixMilli(),
	}

	b, err := json.Marshal(self)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}

	res, err := enqueueOrPair.Run(ctx, s.redis,
		[]string{self.Queue, s.waitingKey(), s.deadlinesKey()},
		req.UserID, b, self.Deadline,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	switch res[0] {
	case "waiting":
		return &RequestResult{Status: StatusQueued}, nil

	case "enqueued":
		slog.InfoContext(ctx, "match: user queued", "user", req.UserID, "queue", self.Queue)
		telemetry.MatchWaiting.Inc()
		return &RequestResult{Status: StatusQueued, Deadline: deadline}, nil

	case "matched":
		var peer entry
		if err := json.Unmarshal([]byte(res[1]), &peer); err != nil {
			return nil, fmt.Errorf("unmarshal peer entry: %w", err)
		}
		telemetry.MatchWaiting.Dec()
		return s.pair(ctx, self, peer)
	}

	return nil, fmt.Errorf("enqueue: unexpected result %q", res[0])
}

func (s *Service) pair(ctx context.Context, self, peer entry) (*RequestResult, error) {
	req := self.Request

	ss, err := s.createSession(ctx, peer.Request.UserID, req)
	if err != nil {
		if rerr := s.requeue(ctx, peer); rerr != nil {
			err = stderrors.Join(err, rerr)
		}
		return nil, err
	}

	slog.InfoContext(ctx, "match: users paired",
		"session", ss.SessionID,
		"users", ss.ParticipantIDs,
	)
	telemetry.MatchOutcomes.WithLabelValues("matched").Add(2)

	for _, u := range ss.ParticipantIDs {
		s.eb.Publish(ctx, domain.EventMatchFound{
			UserID:     u,
			PeerID:     ss.Collaborator(u),
			SessionID:  ss.SessionID,
			QuestionID: ss.QuestionID,
		})
	}

	return &RequestResult{
		Status:    StatusMatched,
		SessionID: ss.SessionID,
		PeerID:    peer.Request.UserID,
	}, nil
}

func (s *Service) createSession(ctx context.Context, peerID string, req domain.MatchRequest) (*domain.Session, error) {
	q, err := s.questions.Random(ctx, req.Topic, req.Difficulty)
	if err != nil {
		return nil, fmt.Errorf("pick question: %w", err)
	}

	ss, err := s.sessions.CreateSession(ctx, session.CreateSessionRequest{
		ParticipantIDs: [2]string{peerID, req.UserID},
		Language:       req.Language,
		QuestionID:     q.QuestionID,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return ss, nil
}

func (s *Service) requeue(ctx context.Context, e entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	err = requeue.Run(ctx, s.redis,
		[]string{e.Queue, s.waitingKey(), s.deadlinesKey()},
		e.Request.UserID, b, e.Deadline,
	).Err()
	if err != nil {
		return fmt.Errorf("requeue %s: %w", e.Request.UserID, err)
	}

	telemetry.MatchWaiting.Inc()
	slog.WarnContext(ctx, "match: peer put back in queue", "user", e.Request.UserID)
	return nil
}

type CancelResult struct {
	// Removed is false when the user was not waiting, which is not an error.
	Removed bool
}

// Cancel takes the user out of the queue. It is idempotent; match.cancelled is published only
// when the user was actually waiting.
func (s *Service) Cancel(ctx context.Context, req domain.MatchRequest) (*CancelResult, error) {
	if req.UserID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("user_id is required"))
	}

	v, err := remove.Run(ctx, s.redis, []string{s.waitingKey(), s.deadlinesKey()}, req.UserID).Text()
	if stderrors.Is(err, redis.Nil) {
		return &CancelResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cancel: %w", err)
	}

	e, err := s.released(v)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "match: request cancelled", "user", req.UserID)
	telemetry.MatchOutcomes.WithLabelValues("cancelled").Inc()

	s.eb.Publish(ctx, domain.EventMatchCancelled{Request: e.Request})
	return &CancelResult{Removed: true}, nil
}

// Sweep expires every request whose deadline has passed and returns how many expired.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	vals, err := expire.Run(ctx, s.redis,
		[]string{s.waitingKey(), s.deadlinesKey()},
		s.clock.Now().UnixMilli(),
	).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("expire: %w", err)
	}

	for _, v := range vals {
		e, err := s.released(v)
		if err != nil {
			slog.ErrorContext(ctx, "match: decode expired entry failed", "error", err)
			continue
		}

		slog.InfoContext(ctx, "match: request timed out", "user", e.Request.UserID)
		telemetry.MatchOutcomes.WithLabelValues("timeout").Inc()

		s.eb.Publish(ctx, domain.EventMatchTimeout{Request: e.Request})
	}

	return len(vals), nil
}

// RunSweeper calls Sweep periodically until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) {
	t := s.clock.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "match: sweep failed", "error", err)
			}
		}
	}
}

// released decodes an entry that a script already took out of the queue.
func (s *Service) released(v string) (entry, error) {
	telemetry.MatchWaiting.Dec()

	var e entry
	if err := json.Unmarshal([]byte(v), &e); err != nil {
		return entry{}, fmt.Errorf("unmarshal entry: %w", err)
	}

	return e, nil
}

type QueueStatus struct {
	Waiting  bool
	Position int
	Deadline time.Time
	Request  domain.MatchRequest
}

// Status reports whether the user is waiting and their 1-based position in the queue.
func (s *Service) Status(ctx context.Context, userID string) (*QueueStatus, error) {
	v, err := s.redis.HGet(ctx, s.waitingKey(), userID).Result()
	if stderrors.Is(err, redis.Nil) {
		return &QueueStatus{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}

	var e entry
	if err := json.Unmarshal([]byte(v), &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}

	ids, err := s.redis.LRange(ctx, e.Queue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}

	return &QueueStatus{
		Waiting:  true,
		Position: slices.Index(ids, userID) + 1,
		Deadline: time.UnixMilli(e.Deadline),
		Request:  e.Request,
	}, nil
}

func (s *Service) queueKey(req domain.MatchRequest) string {
	return fmt.Sprintf("%s:{match}:queue:%s:%s:%s", s.prefix, req.Difficulty, req.Topic, req.Language)
}

func (s *Service) waitingKey() string {
	return fmt.Sprintf("%s:{match}:waiting", s.prefix)
}

func (s *Service) deadlinesKey() string {
	return fmt.Sprintf("%s:{match}:deadlines", s.prefix)
}
