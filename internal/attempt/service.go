// Package attempt persists solution snapshots written when a session ends.
package attempt

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/errors"
	"github.com/victornm/peerprep/internal/event"
)

type Config struct {
	DB       *pgxpool.Pool
	EventBus *event.Bus
}

type Service struct {
	db       *pgxpool.Pool
	eb       *event.Bus
	validate *validator.Validate
}

func NewService(c Config) *Service {
	return &Service{
		db:       c.DB,
		eb:       c.EventBus,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Upsert stores the attempt, replacing an earlier one for the same user, question and session.
func (s *Service) Upsert(ctx context.Context, a domain.AttemptRecord) error {
	if err := s.validate.Struct(a); err != nil {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid attempt: %v", err))
	}
	if strings.TrimSpace(a.SubmittedSolution) == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid attempt: empty solution"))
	}

	const stmt = `
INSERT INTO attempts (user_id, question_id, session_id, language, collaborator_id, submitted_solution)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, question_id, session_id) DO UPDATE
SET language = EXCLUDED.language,
    collaborator_id = EXCLUDED.collaborator_id,
    submitted_solution = EXCLUDED.submitted_solution,
    updated_at = now();`

	_, err := s.db.Exec(ctx, stmt, a.UserID, a.QuestionID, a.SessionID, a.Language, a.CollaboratorID, a.SubmittedSolution)
	if err != nil {
		return fmt.Errorf("upsert attempt: %w", err)
	}

	if s.eb != nil {
		s.eb.Publish(ctx, domain.EventAttemptSaved{Attempt: a})
	}
	return nil
}

// List returns a user's attempts, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]domain.AttemptRecord, error) {
	const stmt = `
SELECT user_id, question_id, session_id, language, collaborator_id, submitted_solution, updated_at
FROM attempts
WHERE user_id = $1
ORDER BY updated_at DESC;`

	rows, err := s.db.Query(ctx, stmt, userID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.AttemptRecord, error) {
		var a domain.AttemptRecord
		err := r.Scan(&a.UserID, &a.QuestionID, &a.SessionID, &a.Language, &a.CollaboratorID, &a.SubmittedSolution, &a.UpdatedAt)
		return a, err
	})
}
