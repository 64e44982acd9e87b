// Package execution relays run requests from a participant over the session channel and turns
// the relay's replies back into events. At most one run is outstanding per participant.
package execution

import (
	stderrors "errors"
	"sync"
	"time"

	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/wire"
)

const defaultTimeout = 10 * time.Second

var ErrExecutionInFlight = stderrors.New("execution: a run is already in progress")

type Sender interface {
	Send(f wire.Frame) error
}

type EventKind int

const (
	// EventRunning means some participant's run is executing; the local run may not be it.
	EventRunning EventKind = iota + 1
	EventResult
)

type Event struct {
	Kind   EventKind
	Result domain.ExecutionResult
}

type Config struct {
	// Timeout is the execution limit sent with each run, in whole seconds.
	Timeout time.Duration
}

type Bridge struct {
	sender  Sender
	timeout int

	mu   sync.Mutex
	busy bool
}

func NewBridge(s Sender, c Config) *Bridge {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Bridge{
		sender:  s,
		timeout: int(timeout / time.Second),
	}
}

// RunCode sends the run request and returns without waiting for the result.
func (b *Bridge) RunCode(language, code, stdin string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.busy {
		return ErrExecutionInFlight
	}

	err := b.sender.Send(wire.Frame{
		Type: wire.TypeRunCode,
		RunCode: &wire.RunCode{
			Language: language,
			Code:     wire.EncodePayload(code),
			Stdin:    wire.EncodePayload(stdin),
			Timeout:  b.timeout,
		},
	})
	if err != nil {
		return err
	}

	b.busy = true
	return nil
}

func (b *Bridge) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy
}

// Handle converts an execution frame into an event. ok is false for any other frame.
func (b *Bridge) Handle(f wire.Frame) (e Event, ok bool) {
	switch f.Type {
	case wire.TypeCodeRunning:
		return Event{Kind: EventRunning}, true

	case wire.TypeCodeResult:
		b.Reset()

		var res domain.ExecutionResult
		if r := f.CodeResult; r != nil {
			res = domain.ExecutionResult{
				Status:        domain.ExecutionStatus(r.Status),
				Stdout:        r.Stdout,
				Stderr:        r.Stderr,
				ExitCode:      r.ExitCode,
				ExecutionTime: r.ExecutionTime,
				DurationMs:    r.DurationMs,
			}
		}
		return Event{Kind: EventResult, Result: res}, true
	}

	return Event{}, false
}

// Reset forgets the outstanding run, e.g. after the channel dropped and its result was lost.
func (b *Bridge) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.busy = false
}
