// Package progress keeps per-user counts of attempted questions, grouped by difficulty.
package progress

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/event"
)

type Questions interface {
	Get(ctx context.Context, id string) (*domain.Question, error)
}

type Config struct {
	EventBus  *event.Bus
	Questions Questions
	Redis     redis.UniversalClient
	Prefix    string
}

type Service struct {
	questions Questions
	redis     redis.UniversalClient
	prefix    string
}

func NewService(c Config) *Service {
	s := &Service{
		questions: c.Questions,
		redis:     c.Redis,
		prefix:    c.Prefix,
	}

	c.EventBus.Subscribe(domain.EventNameAttemptSaved, func(ctx context.Context, e event.Event) error {
		return s.Record(ctx, e.(domain.EventAttemptSaved).Attempt)
	})

	return s
}

// record adds the question to the user's set and bumps its difficulty only when it was new.
//
// KEYS[1] attempted question set, KEYS[2] per-difficulty counts
// ARGV[1] question id, ARGV[2] difficulty
var record = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('ZINCRBY', KEYS[2], 1, ARGV[2])
return 1
`)

// Record counts the attempt's question for its user. An attempt for a question the user already
// attempted, in this or another session, changes nothing.
func (s *Service) Record(ctx context.Context, a domain.AttemptRecord) error {
	q, err := s.questions.Get(ctx, a.QuestionID)
	if err != nil {
		return fmt.Errorf("get question %s: %w", a.QuestionID, err)
	}

	err = record.Run(ctx, s.redis,
		[]string{s.attemptedKey(a.UserID), s.countsKey(a.UserID)},
		a.QuestionID, q.Difficulty,
	).Err()
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	return nil
}

// Get returns the user's counts, largest first. A user without attempts has no entries.
func (s *Service) Get(ctx context.Context, userID string) (*domain.Progress, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.countsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}

	p := &domain.Progress{
		UserID:  userID,
		Entries: make([]domain.ProgressEntry, 0, len(res)),
	}
	for _, z := range res {
		n := int(z.Score)
		p.Entries = append(p.Entries, domain.ProgressEntry{
			Difficulty: z.Member.(string),
			Count:      n,
		})
		p.Total += n
	}

	return p, nil
}

func (s *Service) attemptedKey(user string) string {
	return fmt.Sprintf("%s:progress:%s:questions", s.prefix, user)
}

func (s *Service) countsKey(user string) string {
	return fmt.Sprintf("%s:progress:%s:counts", s.prefix, user)
}
