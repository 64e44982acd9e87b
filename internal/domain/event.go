package domain

const (
	EventNameMatchFound     = "match.found"
	EventNameMatchTimeout   = "match.timeout"
	EventNameMatchCancelled = "match.cancelled"
	EventNameSessionEnded   = "session.ended"
	EventNameAttemptSaved   = "attempt.saved"
)

// EventMatchFound is published once per matched user.
type EventMatchFound struct {
	UserID     string
	PeerID     string
	SessionID  string
	QuestionID string
}

func (EventMatchFound) Name() string { return EventNameMatchFound }

type EventMatchTimeout struct {
	Request MatchRequest
}

func (EventMatchTimeout) Name() string { return EventNameMatchTimeout }

type EventMatchCancelled struct {
	Request MatchRequest
}

func (EventMatchCancelled) Name() string { return EventNameMatchCancelled }

type EventSessionEnded struct {
	Session Session
}

func (EventSessionEnded) Name() string { return EventNameSessionEnded }

// EventAttemptSaved is published after an attempt is stored, including when it replaced an older one.
type EventAttemptSaved struct {
	Attempt AttemptRecord
}

func (EventAttemptSaved) Name() string { return EventNameAttemptSaved }
