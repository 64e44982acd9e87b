package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/patrickmn/go-cache"

	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/errors"
	"github.com/victornm/peerprep/internal/event"
)

const (
	defaultCacheTTL     = 10 * time.Minute
	codeUniqueViolation = "23505"
)

type Config struct {
	DB       *pgxpool.Pool
	EventBus *event.Bus
	CacheTTL time.Duration
}

type Service struct {
	db    *pgxpool.Pool
	eb    *event.Bus
	cache *cache.Cache
}

func NewService(c Config) *Service {
	ttl := c.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &Service{
		db:    c.DB,
		eb:    c.EventBus,
		cache: cache.New(ttl, 2*ttl),
	}
}

// CreateSessionRequest represents a request to create a new session for two matched users.
type CreateSessionRequest struct {
	ParticipantIDs [2]string
	Language       string
	QuestionID     string
}

// CreateSession creates a new session. It fails with FailedPrecondition if either user is already in an active session.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.Session, error) {
	if req.ParticipantIDs[0] == "" || req.ParticipantIDs[1] == "" || req.ParticipantIDs[0] == req.ParticipantIDs[1] {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("a session needs two distinct participants: %v", req.ParticipantIDs))
	}

	ss := &domain.Session{
		ParticipantIDs: req.ParticipantIDs,
		Language:       req.Language,
		QuestionID:     req.QuestionID,
	}

	if err := s.insertSession(ctx, ss); err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return nil, errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("participant already in an active session: %v", req.ParticipantIDs),
				errors.WithCause(err))
		}
		return nil, err
	}

	s.cache.Set(ss.SessionID, *ss, cache.DefaultExpiration)
	return ss, nil
}

func (s *Service) insertSession(ctx context.Context, ss *domain.Session) (err error) {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate session ID: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insSessionStmt = `
INSERT INTO sessions (session_id, participant_ids, language, question_id)
VALUES ($1, $2, $3, $4)
RETURNING created_at;`
		insActiveStmt = `INSERT INTO active_participants (user_id, session_id) VALUES ($1, $2), ($3, $2);`
	)

	err = tx.QueryRow(ctx, insSessionStmt, id, ss.ParticipantIDs[:], ss.Language, ss.QuestionID).Scan(&ss.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	_, err = tx.Exec(ctx, insActiveStmt, ss.ParticipantIDs[0], id, ss.ParticipantIDs[1])
	if err != nil {
		return fmt.Errorf("insert participants: %w", err)
	}

	ss.SessionID = id.String()
	return tx.Commit(ctx)
}

// ActiveSession returns the session the user is currently in, or NotFound.
func (s *Service) ActiveSession(ctx context.Context, userID string) (*domain.Session, error) {
	const stmt = `SELECT session_id::text FROM active_participants WHERE user_id = $1;`

	var id string
	err := s.db.QueryRow(ctx, stmt, userID).Scan(&id)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("user not in session: %s", userID))
	}
	if err != nil {
		return nil, fmt.Errorf("query active session: %w", err)
	}

	return s.GetSession(ctx, id)
}

// GetSession returns a session by id, ended sessions included.
func (s *Service) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	if v, ok := s.cache.Get(id); ok {
		ss := v.(domain.Session)
		return &ss, nil
	}

	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", id))
	}

	const stmt = `
SELECT participant_ids, language, question_id, created_at, ended_at
FROM sessions
WHERE session_id = $1;`

	var (
		ss           = domain.Session{SessionID: id}
		participants []string
	)
	err = s.db.QueryRow(ctx, stmt, uid).Scan(&participants, &ss.Language, &ss.QuestionID, &ss.CreatedAt, &ss.EndedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", id))
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if len(participants) != 2 {
		return nil, fmt.Errorf("session %s has %d participants", id, len(participants))
	}
	copy(ss.ParticipantIDs[:], participants)

	s.cache.Set(id, ss, cache.DefaultExpiration)
	return &ss, nil
}

type MetadataRequest struct {
	SessionID string
	UserID    string
}

// Metadata returns the session as seen by one of its participants.
func (s *Service) Metadata(ctx context.Context, req MetadataRequest) (*domain.SessionMetadata, error) {
	ss, err := s.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if !ss.HasParticipant(req.UserID) {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("user %s is not a participant of session %s", req.UserID, req.SessionID))
	}

	return &domain.SessionMetadata{
		Language:       ss.Language,
		CreatedAt:      ss.CreatedAt,
		CollaboratorID: ss.Collaborator(req.UserID),
	}, nil
}

type EndSessionRequest struct {
	SessionID string
}

// EndSession marks the session ended and frees both participants. Ending twice is a no-op;
// session.ended is published only by the call that ended it.
func (s *Service) EndSession(ctx context.Context, req EndSessionRequest) (*domain.Session, error) {
	ss, err := s.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !ss.Active() {
		return ss, nil
	}

	ended, err := s.markEnded(ctx, ss)
	if err != nil {
		return nil, err
	}

	s.cache.Set(ss.SessionID, *ss, cache.DefaultExpiration)

	if ended {
		s.eb.Publish(ctx, domain.EventSessionEnded{
			Session: *ss,
		})
	}

	return ss, nil
}

func (s *Service) markEnded(ctx context.Context, ss *domain.Session) (ended bool, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		updSessionStmt = `
UPDATE sessions SET ended_at = now()
WHERE session_id = $1 AND ended_at IS NULL
RETURNING ended_at;`
		delActiveStmt = `DELETE FROM active_participants WHERE session_id = $1;`
	)

	var endedAt time.Time
	err = tx.QueryRow(ctx, updSessionStmt, ss.SessionID).Scan(&endedAt)
	switch {
	case stderrors.Is(err, pgx.ErrNoRows):
		// Ended concurrently by the other participant.
		err = nil
		now := time.Now()
		ss.EndedAt = &now
		return false, tx.Commit(ctx)
	case err != nil:
		return false, fmt.Errorf("end session: %w", err)
	}
	ss.EndedAt = &endedAt

	if _, err = tx.Exec(ctx, delActiveStmt, ss.SessionID); err != nil {
		return false, fmt.Errorf("release participants: %w", err)
	}

	return true, tx.Commit(ctx)
}
