// Package question reads the question catalog. The catalog itself is owned by another service.
package question

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/errors"
)

type Config struct {
	DB *pgxpool.Pool
}

type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{db: c.DB}
}

// Count returns how many questions match topic and difficulty.
func (s *Service) Count(ctx context.Context, topic, difficulty string) (int, error) {
	const stmt = `SELECT COUNT(*) FROM questions WHERE $1 = ANY(topics) AND difficulty = $2;`

	var n int
	if err := s.db.QueryRow(ctx, stmt, topic, difficulty).Scan(&n); err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return n, nil
}

// Random picks one question matching topic and difficulty.
func (s *Service) Random(ctx context.Context, topic, difficulty string) (*domain.Question, error) {
	const stmt = `
SELECT question_id, name, description, topics, difficulty
FROM questions
WHERE $1 = ANY(topics) AND difficulty = $2
ORDER BY random()
LIMIT 1;`

	q, err := s.queryOne(ctx, stmt, topic, difficulty)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return nil, errors.New(errors.CodeNotFound,
				errors.WithMessagef("no question for topic=%s difficulty=%s", topic, difficulty))
		}
		return nil, err
	}
	return q, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Question, error) {
	const stmt = `
SELECT question_id, name, description, topics, difficulty
FROM questions
WHERE question_id = $1;`

	return s.queryOne(ctx, stmt, id)
}

func (s *Service) queryOne(ctx context.Context, stmt string, args ...any) (*domain.Question, error) {
	var q domain.Question
	err := s.db.QueryRow(ctx, stmt, args...).Scan(&q.QuestionID, &q.Name, &q.Description, &q.Topics, &q.Difficulty)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("question not found"), errors.WithCause(err))
	}
	if err != nil {
		return nil, fmt.Errorf("query question: %w", err)
	}
	return &q, nil
}

// Stats returns the number of questions per difficulty. Difficulties without questions are absent.
func (s *Service) Stats(ctx context.Context) (map[string]int, error) {
	const stmt = `
SELECT difficulty, COUNT(*) AS n
FROM questions
GROUP BY difficulty;`

	rows, err := s.db.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("query question stats: %w", err)
	}

	type row struct {
		difficulty string
		n          int
	}
	counts, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var c row
		err := r.Scan(&c.difficulty, &c.n)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect question stats: %w", err)
	}

	stats := make(map[string]int, len(counts))
	for _, c := range counts {
		stats[c.difficulty] = c.n
	}
	return stats, nil
}
