package lifecycle_test

import (
	"context"
	stderrors "errors"
	"maps"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/peerprep/internal/client/channel"
	"github.com/victornm/peerprep/internal/client/execution"
	"github.com/victornm/peerprep/internal/client/lifecycle"
	"github.com/victornm/peerprep/internal/client/matching"
	"github.com/victornm/peerprep/internal/clock"
	"github.com/victornm/peerprep/internal/crdt"
	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/errors"
	"github.com/victornm/peerprep/internal/wire"
)

var (
	t0       = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	criteria = domain.MatchRequest{UserID: "alice", Topic: "Array", Difficulty: "Easy", Language: "Python"}
)

type fakeMatcher struct {
	outcomes chan matching.Event
	err      error
	cancels  atomic.Int32
}

func (m *fakeMatcher) RequestMatch(ctx context.Context, req domain.MatchRequest) (<-chan matching.Event, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.outcomes, nil
}

func (m *fakeMatcher) CancelMatch(ctx context.Context) error {
	m.cancels.Add(1)
	return nil
}

type fakeSessions struct {
	// gate, when set, holds ActiveSession until closed
	gate     chan struct{}
	active   string
	metadata domain.SessionMetadata
	question domain.Question

	mu          sync.Mutex
	metadataErr error
	submitErr   error

	metadataCalls atomic.Int32
	questionCalls atomic.Int32
	attempts      chan domain.AttemptRecord
}

func (s *fakeSessions) ActiveSession(ctx context.Context, userID string) (string, error) {
	if s.gate != nil {
		<-s.gate
	}
	return s.active, nil
}

func (s *fakeSessions) SessionMetadata(ctx context.Context, sessionID, userID string) (*domain.SessionMetadata, error) {
	s.metadataCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadataErr != nil {
		return nil, s.metadataErr
	}
	md := s.metadata
	return &md, nil
}

func (s *fakeSessions) SessionQuestion(ctx context.Context, sessionID, userID string) (*domain.Question, error) {
	s.questionCalls.Add(1)
	q := s.question
	return &q, nil
}

func (s *fakeSessions) SubmitAttempt(ctx context.Context, a domain.AttemptRecord) error {
	s.mu.Lock()
	err := s.submitErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.attempts <- a
	return nil
}

func (s *fakeSessions) setMetadataErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadataErr = err
}

type fakeChannel struct {
	events chan channel.Event

	mu        sync.Mutex
	sent      []wire.Frame
	text      string
	presence  map[string]crdt.State
	destroyed bool
}

func (c *fakeChannel) Events() <-chan channel.Event { return c.events }

func (c *fakeChannel) Send(f wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeChannel) Insert(pos int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = c.text[:pos] + text + c.text[pos:]
	return nil
}

func (c *fakeChannel) Delete(pos, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = c.text[:pos] + c.text[pos+n:]
	return nil
}

func (c *fakeChannel) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

func (c *fakeChannel) SetPresence(name string, cursor int) {
	c.setState("alice", crdt.State{Name: name, Color: crdt.ColorFor("alice"), Cursor: cursor})
}

func (c *fakeChannel) Presence() map[string]crdt.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.presence)
}

func (c *fakeChannel) setState(id string, st crdt.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.presence == nil {
		c.presence = make(map[string]crdt.State)
	}
	c.presence[id] = st
}

func (c *fakeChannel) sentTypes() []wire.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	var types []wire.Type
	for _, f := range c.sent {
		types = append(types, f.Type)
	}
	return types
}

func (c *fakeChannel) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

type fakeChannels struct {
	ch *fakeChannel

	mu     sync.Mutex
	opened []string
}

func (cs *fakeChannels) Open(sessionID, userID string) (lifecycle.Channel, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.opened = append(cs.opened, sessionID)
	return cs.ch, nil
}

func (cs *fakeChannels) Destroy(sessionID string) {
	cs.ch.mu.Lock()
	defer cs.ch.mu.Unlock()
	cs.ch.destroyed = true
}

func (cs *fakeChannels) openedIDs() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]string(nil), cs.opened...)
}

type fixture struct {
	clock    *clock.FakeClock
	matcher  *fakeMatcher
	sessions *fakeSessions
	ch       *fakeChannel
	channels *fakeChannels
	ctl      *lifecycle.Controller
}

func newFixture(t *testing.T, arrange func(f *fixture)) *fixture {
	f := &fixture{
		clock:   clock.Fake(t0),
		matcher: &fakeMatcher{outcomes: make(chan matching.Event, 1)},
		sessions: &fakeSessions{
			active:   "S1",
			metadata: domain.SessionMetadata{Language: "Python", CreatedAt: t0.Add(-5 * time.Minute), CollaboratorID: "bob"},
			question: domain.Question{QuestionID: "q-array-1", Name: "Two Sum", Difficulty: "Easy"},
			attempts: make(chan domain.AttemptRecord, 4),
		},
		ch: &fakeChannel{events: make(chan channel.Event, 16)},
	}
	f.channels = &fakeChannels{ch: f.ch}

	if arrange != nil {
		arrange(f)
	}

	f.ctl = lifecycle.New(lifecycle.Config{
		UserID:           "alice",
		Matcher:          f.matcher,
		Sessions:         f.sessions,
		Channels:         f.channels,
		Clock:            f.clock,
		ExecutionTimeout: 10 * time.Second,
	})
	t.Cleanup(func() {
		go func() {
			for range f.ctl.Events() {
			}
		}()
		f.ctl.Close()
	})

	return f
}

func (f *fixture) await(t *testing.T, kind lifecycle.EventKind) lifecycle.Event {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-f.ctl.Events():
			require.True(t, ok, "events closed while waiting for %s", kind)
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func (f *fixture) awaitState(t *testing.T, s lifecycle.State) {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-f.ctl.Events():
			require.True(t, ok, "events closed while waiting for %s", s)
			if e.Kind == lifecycle.EventStateChanged && e.State == s {
				return
			}
		case <-timeout:
			t.Fatalf("never reached %s, now %s", s, f.ctl.State())
		}
	}
}

// assertNo drains what the controller has emitted so far and fails on any event of kind.
func (f *fixture) assertNo(t *testing.T, kind lifecycle.EventKind) {
	t.Helper()

	for {
		select {
		case e := <-f.ctl.Events():
			assert.NotEqual(t, kind, e.Kind, "unexpected %s", kind)
		default:
			return
		}
	}
}

// flush waits until every channel event pushed so far has been handled.
func (f *fixture) flush(t *testing.T) {
	t.Helper()
	f.ch.events <- channel.Event{Kind: channel.EventDocument}
	f.await(t, lifecycle.EventDocumentChanged)
}

func (f *fixture) frame(typ wire.Type) {
	f.ch.events <- channel.Event{Kind: channel.EventFrame, Frame: wire.Control(typ)}
}

// activate walks the controller from Idle to Active on session S1.
func (f *fixture) activate(t *testing.T) {
	t.Helper()

	require.NoError(t, f.ctl.Queue(criteria))
	f.awaitState(t, lifecycle.StateQueued)

	f.matcher.outcomes <- matching.Event{Outcome: matching.OutcomeMatched, SessionID: "S1", PeerID: "bob"}
	f.awaitState(t, lifecycle.StateVerifying)
	f.awaitState(t, lifecycle.StateConnecting)

	f.ch.events <- channel.Event{Kind: channel.EventOpened}
	f.awaitState(t, lifecycle.StateActive)
}

func TestController_ScenarioA_MatchToActive(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)

	assert.Equal(t, []string{"S1"}, f.channels.openedIDs())

	e := f.await(t, lifecycle.EventMetadataLoaded)
	assert.Equal(t, "S1", e.SessionID)
	assert.Equal(t, "bob", e.Metadata.CollaboratorID)
	assert.Equal(t, "q-array-1", e.Question.QuestionID)

	// a local drop and reconnect does not fetch again
	f.ch.events <- channel.Event{Kind: channel.EventDropped}
	f.awaitState(t, lifecycle.StateReconnecting)

	f.ch.events <- channel.Event{Kind: channel.EventOpened}
	f.flush(t)
	assert.Equal(t, lifecycle.StateReconnecting, f.ctl.State(), "the collaborator has not reappeared yet")

	f.frame(wire.TypeCollaboratorConnect)
	f.awaitState(t, lifecycle.StateActive)

	assert.Equal(t, int32(1), f.sessions.metadataCalls.Load())
	assert.Equal(t, int32(1), f.sessions.questionCalls.Load())
}

func TestController_QueueOutcomes(t *testing.T) {
	tests := map[string]struct {
		arrange func(f *fixture)
		act     func(t *testing.T, f *fixture)
	}{
		"session owned by someone else should return to idle": {
			arrange: func(f *fixture) { f.sessions.active = "S2" },
			act: func(t *testing.T, f *fixture) {
				require.NoError(t, f.ctl.Queue(criteria))
				f.matcher.outcomes <- matching.Event{Outcome: matching.OutcomeMatched, SessionID: "S1"}

				e := f.await(t, lifecycle.EventRedirected)
				assert.Equal(t, "S1", e.SessionID)
				f.awaitState(t, lifecycle.StateIdle)
				assert.Empty(t, f.channels.openedIDs())
			},
		},

		"timeout should return to idle and allow a new request": {
			act: func(t *testing.T, f *fixture) {
				require.NoError(t, f.ctl.Queue(criteria))
				f.matcher.outcomes <- matching.Event{Outcome: matching.OutcomeTimedOut}

				e := f.await(t, lifecycle.EventQueueClosed)
				assert.Equal(t, matching.OutcomeTimedOut, e.Outcome)
				f.awaitState(t, lifecycle.StateIdle)

				require.NoError(t, f.ctl.Queue(criteria))
				f.awaitState(t, lifecycle.StateQueued)
			},
		},

		"rejected request should stay idle": {
			arrange: func(f *fixture) {
				f.matcher.err = errors.New(errors.CodeInvalidArgument, errors.WithMessagef("no question"))
			},
			act: func(t *testing.T, f *fixture) {
				err := f.ctl.Queue(criteria)
				assert.True(t, errors.Is(err, errors.CodeInvalidArgument))
				f.awaitState(t, lifecycle.StateIdle)
			},
		},

		"queueing twice should be refused": {
			act: func(t *testing.T, f *fixture) {
				require.NoError(t, f.ctl.Queue(criteria))
				assert.True(t, errors.Is(f.ctl.Queue(criteria), errors.CodeFailedPrecondition))
			},
		},

		"cancel when idle should be a no-op": {
			act: func(t *testing.T, f *fixture) {
				require.NoError(t, f.ctl.Cancel(context.Background()))
				require.NoError(t, f.ctl.Cancel(context.Background()))
				assert.Zero(t, f.matcher.cancels.Load())
			},
		},

		"cancel while queued should wait for the cancelled outcome": {
			act: func(t *testing.T, f *fixture) {
				require.NoError(t, f.ctl.Queue(criteria))
				require.NoError(t, f.ctl.Cancel(context.Background()))
				assert.Equal(t, int32(1), f.matcher.cancels.Load())
				assert.Equal(t, lifecycle.StateQueued, f.ctl.State())

				f.matcher.outcomes <- matching.Event{Outcome: matching.OutcomeCancelled}
				assert.Equal(t, matching.OutcomeCancelled, f.await(t, lifecycle.EventQueueClosed).Outcome)
				f.awaitState(t, lifecycle.StateIdle)
			},
		},

		"leave while queued should cancel in the background": {
			act: func(t *testing.T, f *fixture) {
				require.NoError(t, f.ctl.Queue(criteria))
				f.ctl.Leave()
				f.awaitState(t, lifecycle.StateIdle)
				assert.Eventually(t, func() bool { return f.matcher.cancels.Load() == 1 }, time.Second, 10*time.Millisecond)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			tt.act(t, newFixture(t, tt.arrange))
		})
	}
}

func TestController_ScenarioB_DisconnectPromptAfterGrace(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)

	f.frame(wire.TypeCollaboratorDisconnect)
	f.awaitState(t, lifecycle.StateReconnecting)
	f.clock.WaitForTimers(1)

	f.clock.Advance(15*time.Second - time.Millisecond)
	f.assertNo(t, lifecycle.EventDisconnectPrompt)

	f.clock.Advance(time.Millisecond)
	f.await(t, lifecycle.EventDisconnectPrompt)

	// editing stays enabled while waiting
	require.NoError(t, f.ctl.Insert(0, "x"))
	assert.Equal(t, "x", f.ctl.Text())
}

func TestController_Grace(t *testing.T) {
	tests := map[string]struct {
		act func(t *testing.T, f *fixture)
	}{
		"reconnect before expiry should cancel the timer": {
			act: func(t *testing.T, f *fixture) {
				f.frame(wire.TypeCollaboratorDisconnect)
				f.awaitState(t, lifecycle.StateReconnecting)
				f.clock.WaitForTimers(1)

				f.clock.Advance(10 * time.Second)
				f.frame(wire.TypeCollaboratorConnect)
				f.awaitState(t, lifecycle.StateActive)

				f.clock.Advance(time.Minute)
				f.flush(t)
				f.assertNo(t, lifecycle.EventDisconnectPrompt)
				assert.Zero(t, f.clock.PendingCount())
			},
		},

		"reconnect after the prompt should dismiss it": {
			act: func(t *testing.T, f *fixture) {
				f.frame(wire.TypeCollaboratorDisconnect)
				f.awaitState(t, lifecycle.StateReconnecting)
				f.clock.WaitForTimers(1)

				f.clock.Advance(15 * time.Second)
				f.await(t, lifecycle.EventDisconnectPrompt)

				f.frame(wire.TypeCollaboratorConnect)
				f.await(t, lifecycle.EventPromptDismissed)
				f.awaitState(t, lifecycle.StateActive)
			},
		},

		"duplicate disconnect should not restart the timer": {
			act: func(t *testing.T, f *fixture) {
				f.frame(wire.TypeCollaboratorDisconnect)
				f.awaitState(t, lifecycle.StateReconnecting)
				f.clock.WaitForTimers(1)

				f.clock.Advance(10 * time.Second)
				f.frame(wire.TypeCollaboratorDisconnect)
				f.flush(t)

				f.clock.Advance(5 * time.Second)
				f.await(t, lifecycle.EventDisconnectPrompt)
			},
		},

		"duplicate connect should not change state": {
			act: func(t *testing.T, f *fixture) {
				f.frame(wire.TypeCollaboratorConnect)
				f.frame(wire.TypeCollaboratorConnect)
				f.flush(t)
				f.assertNo(t, lifecycle.EventStateChanged)
				assert.Equal(t, lifecycle.StateActive, f.ctl.State())
			},
		},

		"local drop should start the timer too": {
			act: func(t *testing.T, f *fixture) {
				f.ch.events <- channel.Event{Kind: channel.EventDropped}
				f.awaitState(t, lifecycle.StateReconnecting)
				f.clock.WaitForTimers(1)

				f.clock.Advance(15 * time.Second)
				f.await(t, lifecycle.EventDisconnectPrompt)

				require.NoError(t, f.ctl.Terminate())
				f.awaitState(t, lifecycle.StateTerminated)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil)
			f.activate(t)
			f.await(t, lifecycle.EventMetadataLoaded)

			tt.act(t, f)
		})
	}
}

func TestController_ScenarioC_PeerEndedYoungSession(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.sessions.metadata.CreatedAt = t0.Add(-30 * time.Second)
	})
	f.activate(t)
	f.await(t, lifecycle.EventMetadataLoaded)
	require.NoError(t, f.ctl.Insert(0, "print(1)"))

	f.frame(wire.TypeCollaboratorEnded)
	f.awaitState(t, lifecycle.StateEnding)

	e := f.await(t, lifecycle.EventRedirectCountdown)
	assert.Equal(t, 3*time.Second, e.Countdown)

	e = f.await(t, lifecycle.EventAttemptSkipped)
	assert.Equal(t, lifecycle.SkipAbandoned, e.Reason)

	f.awaitState(t, lifecycle.StateTerminated)
	assert.True(t, f.ch.isDestroyed())
	assert.Empty(t, f.sessions.attempts)
	assert.NotContains(t, f.ch.sentTypes(), wire.TypeCollaboratorEnded)

	f.clock.Advance(3*time.Second - time.Millisecond)
	f.assertNo(t, lifecycle.EventNavigate)

	f.clock.Advance(time.Millisecond)
	assert.Equal(t, "S1", f.await(t, lifecycle.EventNavigate).SessionID)
}

func TestController_Terminate(t *testing.T) {
	tests := map[string]struct {
		arrange func(f *fixture)
		text    string
		assert  func(t *testing.T, f *fixture)
	}{
		"59 seconds old should be abandoned": {
			arrange: func(f *fixture) { f.sessions.metadata.CreatedAt = t0.Add(-59 * time.Second) },
			text:    "print(1)",
			assert: func(t *testing.T, f *fixture) {
				assert.Equal(t, lifecycle.SkipAbandoned, f.await(t, lifecycle.EventAttemptSkipped).Reason)
				assert.Empty(t, f.sessions.attempts)
			},
		},

		"61 seconds old should be saved": {
			arrange: func(f *fixture) { f.sessions.metadata.CreatedAt = t0.Add(-61 * time.Second) },
			text:    "print(1)",
			assert: func(t *testing.T, f *fixture) {
				f.await(t, lifecycle.EventAttemptSaved)
				assert.Equal(t, domain.AttemptRecord{
					UserID:            "alice",
					QuestionID:        "q-array-1",
					SessionID:         "S1",
					Language:          "Python",
					CollaboratorID:    "bob",
					SubmittedSolution: "print(1)",
				}, <-f.sessions.attempts)
			},
		},

		"start time in the future should still be saved": {
			arrange: func(f *fixture) { f.sessions.metadata.CreatedAt = t0.Add(5 * time.Second) },
			text:    "print(1)",
			assert: func(t *testing.T, f *fixture) {
				f.await(t, lifecycle.EventAttemptSaved)
				assert.Len(t, f.sessions.attempts, 1)
			},
		},

		"blank document should be skipped": {
			text: "  \n\t",
			assert: func(t *testing.T, f *fixture) {
				assert.Equal(t, lifecycle.SkipEmptySolution, f.await(t, lifecycle.EventAttemptSkipped).Reason)
			},
		},

		"missing collaborator should be skipped": {
			arrange: func(f *fixture) { f.sessions.metadata.CollaboratorID = "" },
			text:    "print(1)",
			assert: func(t *testing.T, f *fixture) {
				assert.Equal(t, lifecycle.SkipIncomplete, f.await(t, lifecycle.EventAttemptSkipped).Reason)
			},
		},

		"persistence failure should still tear down": {
			arrange: func(f *fixture) { f.sessions.submitErr = stderrors.New("connection refused") },
			text:    "print(1)",
			assert: func(t *testing.T, f *fixture) {
				e := f.await(t, lifecycle.EventSubmitFailed)
				assert.EqualError(t, e.Err, "connection refused")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, tt.arrange)
			f.activate(t)
			f.await(t, lifecycle.EventMetadataLoaded)
			require.NoError(t, f.ctl.Insert(0, tt.text))

			require.NoError(t, f.ctl.Terminate())
			assert.Contains(t, f.ch.sentTypes(), wire.TypeCollaboratorEnded)

			tt.assert(t, f)

			f.awaitState(t, lifecycle.StateTerminated)
			f.await(t, lifecycle.EventNavigate)
			assert.True(t, f.ch.isDestroyed())

			// terminated is final
			require.NoError(t, f.ctl.Terminate())
			assert.True(t, errors.Is(f.ctl.Queue(criteria), errors.CodeFailedPrecondition))
		})
	}
}

func TestController_MetadataUnavailable(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.sessions.metadataErr = errors.New(errors.CodeUnavailable, errors.WithMessagef("session service down"))
	})
	f.activate(t)

	e := f.await(t, lifecycle.EventMetadataUnavailable)
	assert.True(t, errors.Is(e.Err, errors.CodeUnavailable))

	t.Run("retry should load it", func(t *testing.T) {
		f.sessions.setMetadataErr(nil)
		require.NoError(t, f.ctl.RetryMetadata())
		f.await(t, lifecycle.EventMetadataLoaded)
		assert.Equal(t, int32(2), f.sessions.metadataCalls.Load())
	})
}

func TestController_EndWithoutMetadataSkipsAttempt(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.sessions.metadataErr = errors.New(errors.CodeUnavailable, errors.WithMessagef("session service down"))
	})
	f.activate(t)
	f.await(t, lifecycle.EventMetadataUnavailable)
	require.NoError(t, f.ctl.Insert(0, "print(1)"))

	f.ctl.Leave()

	assert.Equal(t, lifecycle.SkipNoMetadata, f.await(t, lifecycle.EventAttemptSkipped).Reason)
	f.awaitState(t, lifecycle.StateTerminated)
	assert.True(t, f.ch.isDestroyed())
	assert.Contains(t, f.ch.sentTypes(), wire.TypeCollaboratorEnded)
}

func TestController_ServerRejectionEndsSession(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)
	f.await(t, lifecycle.EventMetadataLoaded)

	f.ch.events <- channel.Event{Kind: channel.EventDropped}
	f.awaitState(t, lifecycle.StateReconnecting)

	f.ch.events <- channel.Event{Kind: channel.EventRejected, Err: errors.New(errors.CodeNotFound)}
	f.awaitState(t, lifecycle.StateEnding)
	f.await(t, lifecycle.EventRedirectCountdown)
	f.awaitState(t, lifecycle.StateTerminated)
	assert.True(t, f.ch.isDestroyed())
}

func TestController_ScenarioD_SingleOutstandingRun(t *testing.T) {
	f := newFixture(t, nil)
	f.activate(t)

	require.NoError(t, f.ctl.RunCode("python", "print(1)", ""))
	assert.ErrorIs(t, f.ctl.RunCode("python", "print(2)", ""), execution.ErrExecutionInFlight)
	assert.Equal(t, []wire.Type{wire.TypeRunCode}, f.ch.sentTypes())

	f.frame(wire.TypeCodeRunning)
	f.await(t, lifecycle.EventExecutionRunning)

	f.ch.events <- channel.Event{Kind: channel.EventFrame, Frame: wire.Frame{
		Type:       wire.TypeCodeResult,
		CodeResult: &wire.CodeResult{Status: "success", Stdout: "1\n", DurationMs: 12},
	}}
	e := f.await(t, lifecycle.EventExecutionResult)
	assert.Equal(t, domain.ExecutionResult{Status: domain.ExecutionSuccess, Stdout: "1\n", DurationMs: 12}, e.Result)

	require.NoError(t, f.ctl.RunCode("python", "print(2)", ""))
	assert.Equal(t, lifecycle.StateActive, f.ctl.State())
}

func TestController_CommandsOutsideSession(t *testing.T) {
	f := newFixture(t, nil)

	assert.True(t, errors.Is(f.ctl.RunCode("python", "1", ""), errors.CodeFailedPrecondition))
	assert.True(t, errors.Is(f.ctl.Terminate(), errors.CodeFailedPrecondition))
	assert.True(t, errors.Is(f.ctl.Insert(0, "x"), errors.CodeFailedPrecondition))
	assert.Empty(t, f.ctl.Text())

	f.ctl.Close()
	assert.ErrorIs(t, f.ctl.Queue(criteria), lifecycle.ErrClosed)
}

func TestController_Rejoin(t *testing.T) {
	tests := map[string]struct {
		arrange func(f *fixture)
		act     func(t *testing.T, f *fixture)
	}{
		"owned session should be entered without queueing": {
			act: func(t *testing.T, f *fixture) {
				require.NoError(t, f.ctl.Rejoin("S1"))
				f.awaitState(t, lifecycle.StateVerifying)
				f.awaitState(t, lifecycle.StateConnecting)

				f.ch.events <- channel.Event{Kind: channel.EventOpened}
				f.awaitState(t, lifecycle.StateActive)
				assert.Equal(t, "S1", f.await(t, lifecycle.EventMetadataLoaded).SessionID)
				assert.Equal(t, []string{"S1"}, f.channels.openedIDs())
			},
		},

		"session that is no longer live should redirect": {
			arrange: func(f *fixture) { f.sessions.active = "" },
			act: func(t *testing.T, f *fixture) {
				require.NoError(t, f.ctl.Rejoin("S1"))
				assert.Equal(t, "S1", f.await(t, lifecycle.EventRedirected).SessionID)
				f.awaitState(t, lifecycle.StateIdle)
				assert.Empty(t, f.channels.openedIDs())
			},
		},

		"rejoin while queued should be refused": {
			act: func(t *testing.T, f *fixture) {
				require.NoError(t, f.ctl.Queue(criteria))
				assert.True(t, errors.Is(f.ctl.Rejoin("S1"), errors.CodeFailedPrecondition))
				assert.Equal(t, lifecycle.StateQueued, f.ctl.State())
			},
		},

		"missing session id should be invalid": {
			act: func(t *testing.T, f *fixture) {
				assert.True(t, errors.Is(f.ctl.Rejoin(""), errors.CodeInvalidArgument))
				assert.Equal(t, lifecycle.StateIdle, f.ctl.State())
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			tt.act(t, newFixture(t, tt.arrange))
		})
	}
}

func TestController_LeaveWhileVerifyingEndsSession(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.sessions.gate = make(chan struct{}) })

	require.NoError(t, f.ctl.Queue(criteria))
	f.matcher.outcomes <- matching.Event{Outcome: matching.OutcomeMatched, SessionID: "S1", PeerID: "bob"}
	f.awaitState(t, lifecycle.StateVerifying)

	f.ctl.Leave()
	close(f.sessions.gate)

	// the server already paired us, so the channel is opened only to end the session
	f.awaitState(t, lifecycle.StateConnecting)
	f.ch.events <- channel.Event{Kind: channel.EventOpened}

	assert.Equal(t, lifecycle.SkipNoMetadata, f.await(t, lifecycle.EventAttemptSkipped).Reason)
	f.awaitState(t, lifecycle.StateTerminated)
	f.await(t, lifecycle.EventNavigate)

	assert.Equal(t, []wire.Type{wire.TypeCollaboratorEnded}, f.ch.sentTypes())
	assert.True(t, f.ch.isDestroyed())
	assert.Zero(t, f.sessions.metadataCalls.Load())
}

func TestController_Presence(t *testing.T) {
	f := newFixture(t, nil)
	assert.Empty(t, f.ctl.Presence())
	assert.True(t, errors.Is(f.ctl.SetPresence("Alice", 0), errors.CodeFailedPrecondition))

	f.activate(t)
	require.NoError(t, f.ctl.SetPresence("Alice", 4))

	f.ch.setState("bob", crdt.State{Name: "Bob", Cursor: 2, Clock: 1})
	f.ch.events <- channel.Event{Kind: channel.EventPresence}

	want := []domain.Participant{
		{ID: "alice", DisplayName: "Alice", Color: crdt.ColorFor("alice"), Cursor: 4},
		{ID: "bob", DisplayName: "Bob", Color: crdt.ColorFor("bob"), Cursor: 2},
	}
	assert.Equal(t, want, f.await(t, lifecycle.EventPresenceChanged).Participants)
	assert.Equal(t, want, f.ctl.Presence())
}
