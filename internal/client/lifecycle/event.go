package lifecycle

import (
	"time"

	"github.com/victornm/peerprep/internal/client/matching"
	"github.com/victornm/peerprep/internal/domain"
)

type State int32

const (
	StateIdle State = iota
	StateQueued
	StateVerifying
	StateConnecting
	StateActive
	StateReconnecting
	StateEnding
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateVerifying:
		return "verifying"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateEnding:
		return "ending"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// inSession reports whether a session channel is open or being opened.
func (s State) inSession() bool {
	return s == StateConnecting || s == StateActive || s == StateReconnecting
}

type EventKind int

const (
	EventStateChanged EventKind = iota + 1

	// EventQueueClosed reports a queue wait that ended without a match.
	EventQueueClosed
	// EventRedirected reports a matched session that failed the ownership check.
	EventRedirected

	EventMetadataLoaded
	EventMetadataUnavailable

	EventDocumentChanged
	EventPresenceChanged

	// EventDisconnectPrompt asks the user whether to end a session whose collaborator did not
	// come back within the grace period.
	EventDisconnectPrompt
	EventPromptDismissed

	EventExecutionRunning
	EventExecutionResult

	EventAttemptSaved
	EventAttemptSkipped
	EventSubmitFailed

	EventRedirectCountdown
	EventNavigate
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventQueueClosed:
		return "queue_closed"
	case EventRedirected:
		return "redirected"
	case EventMetadataLoaded:
		return "metadata_loaded"
	case EventMetadataUnavailable:
		return "metadata_unavailable"
	case EventDocumentChanged:
		return "document_changed"
	case EventPresenceChanged:
		return "presence_changed"
	case EventDisconnectPrompt:
		return "disconnect_prompt"
	case EventPromptDismissed:
		return "prompt_dismissed"
	case EventExecutionRunning:
		return "execution_running"
	case EventExecutionResult:
		return "execution_result"
	case EventAttemptSaved:
		return "attempt_saved"
	case EventAttemptSkipped:
		return "attempt_skipped"
	case EventSubmitFailed:
		return "submit_failed"
	case EventRedirectCountdown:
		return "redirect_countdown"
	case EventNavigate:
		return "navigate"
	}
	return "unknown"
}

// Event is what the controller reports to its owner. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind
	State     State
	SessionID string

	Outcome      matching.Outcome
	Metadata     *domain.SessionMetadata
	Question     *domain.Question
	Participants []domain.Participant
	Result       domain.ExecutionResult
	Countdown    time.Duration
	Reason       string
	Err          error
}

// Reasons carried by EventAttemptSkipped.
const (
	SkipAbandoned     = "abandoned"
	SkipNoMetadata    = "metadata unavailable"
	SkipEmptySolution = "empty solution"
	SkipIncomplete    = "incomplete attempt"
)
