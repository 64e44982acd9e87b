package domain

import (
	"slices"
	"time"
)

// Participant is one of the two users in a session.
type Participant struct {
	ID          string
	DisplayName string
	Color       string
	// Cursor is the participant's rune offset in the document.
	Cursor int
}

// MatchRequest asks the queue for a partner with the same criteria.
type MatchRequest struct {
	UserID     string `json:"user_id" validate:"required"`
	Topic      string `json:"topic" validate:"required"`
	Difficulty string `json:"difficulty" validate:"required,oneof=Easy Medium Hard"`
	Language   string `json:"language" validate:"required"`
}

// Session represents a live pairing of two users on one question.
type Session struct {
	SessionID      string
	ParticipantIDs [2]string
	Language       string
	QuestionID     string
	CreatedAt      time.Time
	EndedAt        *time.Time
}

func (s Session) HasParticipant(userID string) bool {
	return slices.Contains(s.ParticipantIDs[:], userID)
}

// Collaborator returns the other participant.
func (s Session) Collaborator(userID string) string {
	if s.ParticipantIDs[0] == userID {
		return s.ParticipantIDs[1]
	}
	return s.ParticipantIDs[0]
}

func (s Session) Active() bool { return s.EndedAt == nil }

// SessionMetadata is a session as seen by one of its participants.
type SessionMetadata struct {
	Language       string    `json:"language"`
	CreatedAt      time.Time `json:"created_at"`
	CollaboratorID string    `json:"collaborator_id"`
}

type Question struct {
	QuestionID  string   `json:"question_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Topics      []string `json:"topics"`
	Difficulty  string   `json:"difficulty"`
}

type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// ExecutionRequest is forwarded to the execution backend as received, so Code and Stdin stay base64 encoded.
type ExecutionRequest struct {
	Language string
	Code     string
	Stdin    string
	Timeout  time.Duration
}

type ExecutionResult struct {
	Status        ExecutionStatus
	Stdout        string
	Stderr        string
	ExitCode      int
	ExecutionTime float64
	DurationMs    int64
}

// AttemptRecord is a solution snapshot written when a session ends.
type AttemptRecord struct {
	UserID            string    `json:"user_id" validate:"required"`
	QuestionID        string    `json:"question_id" validate:"required"`
	SessionID         string    `json:"collab_id" validate:"required"`
	Language          string    `json:"language" validate:"required"`
	CollaboratorID    string    `json:"collaborator_id" validate:"required"`
	SubmittedSolution string    `json:"submitted_solution" validate:"required"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// Progress counts the distinct questions a user has attempted, per difficulty.
type Progress struct {
	UserID  string          `json:"user_id"`
	Entries []ProgressEntry `json:"entries"`
	Total   int             `json:"total"`
}

type ProgressEntry struct {
	Difficulty string `json:"difficulty"`
	Count      int    `json:"count"`
}
