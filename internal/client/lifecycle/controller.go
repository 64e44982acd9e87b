// Package lifecycle drives one participant from the match queue through a live session to its
// end. Every transition happens on a single goroutine consuming commands, queue outcomes,
// channel events and timer expiries in the order they arrive.
package lifecycle

import (
	"context"
	stderrors "errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/peerprep/internal/client/channel"
	"github.com/victornm/peerprep/internal/client/execution"
	"github.com/victornm/peerprep/internal/client/matching"
	"github.com/victornm/peerprep/internal/clock"
	"github.com/victornm/peerprep/internal/crdt"
	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/errors"
	"github.com/victornm/peerprep/internal/wire"
)

const (
	defaultGracePeriod    = 15 * time.Second
	defaultRedirectDelay  = 3 * time.Second
	defaultAbandonWindow  = 60 * time.Second
	defaultRequestTimeout = 10 * time.Second

	eventBuffer = 256
)

var ErrClosed = stderrors.New("lifecycle: controller closed")

type Config struct {
	UserID   string
	Matcher  Matcher
	Sessions Sessions
	Channels Channels
	Clock    clock.Clock

	// GracePeriod is how long a missing collaborator is waited for before the user is asked
	// whether to end the session.
	GracePeriod time.Duration
	// RedirectDelay is the countdown shown after the collaborator ended the session.
	RedirectDelay time.Duration
	// AbandonWindow is the session age under which ending it writes no attempt.
	AbandonWindow    time.Duration
	ExecutionTimeout time.Duration
	RequestTimeout   time.Duration
}

type Controller struct {
	userID   string
	matcher  Matcher
	sessions Sessions
	channels Channels
	clock    clock.Clock
	validate *validator.Validate

	grace          time.Duration
	redirectDelay  time.Duration
	abandonWindow  time.Duration
	execTimeout    time.Duration
	requestTimeout time.Duration

	inputs    chan any
	events    chan Event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	current   atomic.Int32

	// Everything below is owned by the loop goroutine.
	state       State
	matched     <-chan matching.Event
	sessionID   string
	ch          Channel
	chEvents    <-chan channel.Event
	bridge      *execution.Bridge
	open        bool
	peerPresent bool
	metadata    *domain.SessionMetadata
	question    *domain.Question
	fetching    bool
	graceTimer  *clock.Timer
	graceGen    int
	prompting   bool
	redirect    *clock.Timer
	// leaving is set when the user left between the match and the channel opening; the session
	// is ended as soon as the channel is up.
	leaving bool
}

func New(c Config) *Controller {
	ctl := &Controller{
		userID:         c.UserID,
		matcher:        c.Matcher,
		sessions:       c.Sessions,
		channels:       c.Channels,
		clock:          c.Clock,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		grace:          c.GracePeriod,
		redirectDelay:  c.RedirectDelay,
		abandonWindow:  c.AbandonWindow,
		execTimeout:    c.ExecutionTimeout,
		requestTimeout: c.RequestTimeout,
		inputs:         make(chan any),
		events:         make(chan Event, eventBuffer),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	if ctl.clock == nil {
		ctl.clock = clock.Real()
	}
	if ctl.grace <= 0 {
		ctl.grace = defaultGracePeriod
	}
	if ctl.redirectDelay <= 0 {
		ctl.redirectDelay = defaultRedirectDelay
	}
	if ctl.abandonWindow <= 0 {
		ctl.abandonWindow = defaultAbandonWindow
	}
	if ctl.requestTimeout <= 0 {
		ctl.requestTimeout = defaultRequestTimeout
	}

	go ctl.run()
	return ctl
}

// Events must be drained by the owner. It is closed after Close.
func (c *Controller) Events() <-chan Event { return c.events }

func (c *Controller) State() State { return State(c.current.Load()) }

// Queue submits the match request and waits for the queue to accept it.
func (c *Controller) Queue(req domain.MatchRequest) error {
	return c.call(func(reply chan error) any { return queueCmd{req: req, reply: reply} })
}

// Rejoin re-enters a live session the user already belongs to, e.g. after a restart. It is only
// accepted while idle, and the session is entered only if the server still lists the user in it.
func (c *Controller) Rejoin(sessionID string) error {
	return c.call(func(reply chan error) any { return rejoinCmd{sessionID: sessionID, reply: reply} })
}

// Cancel leaves the queue. It is a no-op when not queued.
func (c *Controller) Cancel(ctx context.Context) error {
	return c.call(func(reply chan error) any { return cancelCmd{ctx: ctx, reply: reply} })
}

// Terminate ends the current session on the user's behalf.
func (c *Controller) Terminate() error {
	return c.call(func(reply chan error) any { return terminateCmd{reply: reply} })
}

// Leave is the unload hook: it cancels a pending queue request or ends the current session
// without waiting for the outcome.
func (c *Controller) Leave() {
	c.post(leaveCmd{})
}

// RetryMetadata fetches the question and session metadata again after a failure.
func (c *Controller) RetryMetadata() error {
	return c.call(func(reply chan error) any { return retryMetadataCmd{reply: reply} })
}

func (c *Controller) RunCode(language, code, stdin string) error {
	return c.call(func(reply chan error) any {
		return runCodeCmd{language: language, code: code, stdin: stdin, reply: reply}
	})
}

// Insert edits the shared document at a visible rune position.
func (c *Controller) Insert(pos int, text string) error {
	return c.withChannel(func(ch Channel) error { return ch.Insert(pos, text) })
}

func (c *Controller) Delete(pos, n int) error {
	return c.withChannel(func(ch Channel) error { return ch.Delete(pos, n) })
}

// SetPresence publishes the user's display name and cursor offset to the collaborator.
func (c *Controller) SetPresence(name string, cursor int) error {
	return c.withChannel(func(ch Channel) error {
		ch.SetPresence(name, cursor)
		return nil
	})
}

// Presence lists the participants currently known in the session, ordered by id.
func (c *Controller) Presence() []domain.Participant {
	var ps []domain.Participant
	_ = c.withChannel(func(ch Channel) error {
		ps = participants(ch.Presence())
		return nil
	})
	return ps
}

func participants(states map[string]crdt.State) []domain.Participant {
	ps := make([]domain.Participant, 0, len(states))
	for id, st := range states {
		color := st.Color
		if color == "" {
			color = crdt.ColorFor(id)
		}
		ps = append(ps, domain.Participant{ID: id, DisplayName: st.Name, Color: color, Cursor: st.Cursor})
	}
	slices.SortFunc(ps, func(a, b domain.Participant) int { return strings.Compare(a.ID, b.ID) })
	return ps
}

// Text returns the document snapshot, or "" outside a session.
func (c *Controller) Text() string {
	var text string
	_ = c.withChannel(func(ch Channel) error {
		text = ch.Text()
		return nil
	})
	return text
}

// Close stops the controller and tears down any open session without ending it.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
}

type (
	queueCmd struct {
		req   domain.MatchRequest
		reply chan error
	}

	cancelCmd struct {
		ctx   context.Context
		reply chan error
	}

	rejoinCmd struct {
		sessionID string
		reply     chan error
	}

	terminateCmd     struct{ reply chan error }
	retryMetadataCmd struct{ reply chan error }
	leaveCmd         struct{}

	runCodeCmd struct {
		language, code, stdin string
		reply                 chan error
	}

	channelCmd struct {
		fn    func(Channel) error
		reply chan error
	}
)

type (
	submitted struct {
		outcomes <-chan matching.Event
		err      error
		reply    chan error
	}

	verified struct {
		sessionID string
		active    string
		err       error
	}

	metadataLoaded struct {
		sessionID string
		metadata  *domain.SessionMetadata
		question  *domain.Question
		err       error
	}

	attemptSubmitted struct {
		sessionID string
		peer      bool
		err       error
	}

	graceExpired    struct{ gen int }
	redirectElapsed struct{ sessionID string }
)

func (c *Controller) call(cmd func(reply chan error) any) error {
	reply := make(chan error, 1)
	if !c.post(cmd(reply)) {
		return ErrClosed
	}

	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) withChannel(fn func(Channel) error) error {
	return c.call(func(reply chan error) any { return channelCmd{fn: fn, reply: reply} })
}

func (c *Controller) post(in any) bool {
	select {
	case c.inputs <- in:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) run() {
	defer close(c.done)

	for {
		select {
		case <-c.quit:
			c.shutdown()
			return

		case in := <-c.inputs:
			c.handle(in)

		case e, ok := <-c.matched:
			c.matched = nil
			if ok {
				c.onOutcome(e)
			}

		case e, ok := <-c.chEvents:
			if !ok {
				c.chEvents = nil
				continue
			}
			c.onChannel(e)
		}
	}
}

func (c *Controller) handle(in any) {
	switch in := in.(type) {
	case queueCmd:
		c.onQueue(in)
	case cancelCmd:
		c.onCancel(in)
	case rejoinCmd:
		in.reply <- c.onRejoin(in)
	case terminateCmd:
		in.reply <- c.onTerminate()
	case leaveCmd:
		c.onLeave()
	case retryMetadataCmd:
		in.reply <- c.onRetryMetadata()
	case runCodeCmd:
		in.reply <- c.onRunCode(in)
	case channelCmd:
		if c.ch == nil {
			in.reply <- errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("not in a session"))
			return
		}
		in.reply <- in.fn(c.ch)

	case submitted:
		c.onSubmitted(in)
	case verified:
		c.onVerified(in)
	case metadataLoaded:
		c.onMetadata(in)
	case attemptSubmitted:
		c.onAttemptSubmitted(in)
	case graceExpired:
		c.onGraceExpired(in)
	case redirectElapsed:
		c.emit(Event{Kind: EventNavigate, SessionID: in.sessionID})
	}
}

func (c *Controller) onQueue(cmd queueCmd) {
	if c.state != StateIdle {
		cmd.reply <- errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("cannot queue while %s", c.state))
		return
	}

	c.setState(StateQueued)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
		defer cancel()

		outcomes, err := c.matcher.RequestMatch(ctx, cmd.req)
		c.post(submitted{outcomes: outcomes, err: err, reply: cmd.reply})
	}()
}

func (c *Controller) onSubmitted(in submitted) {
	in.reply <- in.err

	if in.err != nil {
		if c.state == StateQueued {
			c.setState(StateIdle)
		}
		return
	}

	if c.state != StateQueued {
		// left while the request was in flight
		go c.cancelQuietly()
		return
	}
	c.matched = in.outcomes
}

func (c *Controller) onCancel(cmd cancelCmd) {
	if c.state != StateQueued {
		cmd.reply <- nil
		return
	}

	// the outcome arrives on the ticket
	go func() { cmd.reply <- c.matcher.CancelMatch(cmd.ctx) }()
}

func (c *Controller) onOutcome(e matching.Event) {
	if c.state != StateQueued {
		return
	}

	if e.Outcome != matching.OutcomeMatched {
		c.emit(Event{Kind: EventQueueClosed, Outcome: e.Outcome, Reason: e.Message})
		c.setState(StateIdle)
		return
	}

	c.sessionID = e.SessionID
	c.setState(StateVerifying)
	c.verify(e.SessionID)
}

func (c *Controller) onRejoin(cmd rejoinCmd) error {
	if c.state != StateIdle {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("cannot rejoin while %s", c.state))
	}
	if cmd.sessionID == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("session id is required"))
	}

	c.sessionID = cmd.sessionID
	c.setState(StateVerifying)
	c.verify(cmd.sessionID)
	return nil
}

func (c *Controller) verify(sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
		defer cancel()

		active, err := c.sessions.ActiveSession(ctx, c.userID)
		c.post(verified{sessionID: sessionID, active: active, err: err})
	}()
}

// onVerified only trusts a matched session id once the server lists the user as one of its
// participants.
func (c *Controller) onVerified(v verified) {
	if c.state != StateVerifying || v.sessionID != c.sessionID {
		return
	}

	if v.err != nil || v.active != v.sessionID {
		slog.Warn("lifecycle: matched session not owned", "session", v.sessionID, "active", v.active, "error", v.err)
		c.emit(Event{Kind: EventRedirected, SessionID: v.sessionID, Err: v.err})
		c.sessionID, c.leaving = "", false
		c.setState(StateIdle)
		return
	}

	ch, err := c.channels.Open(c.sessionID, c.userID)
	if err != nil {
		slog.Error("lifecycle: open channel", "session", c.sessionID, "error", err)
		c.emit(Event{Kind: EventRedirected, SessionID: c.sessionID, Err: err})
		c.sessionID, c.leaving = "", false
		c.setState(StateIdle)
		return
	}

	c.ch = ch
	c.chEvents = ch.Events()
	c.bridge = execution.NewBridge(ch, execution.Config{Timeout: c.execTimeout})
	c.setState(StateConnecting)
}

func (c *Controller) onChannel(e channel.Event) {
	switch e.Kind {
	case channel.EventOpened:
		c.open = true
		switch c.state {
		case StateConnecting:
			if c.leaving {
				c.signalEnd()
				c.end(false)
				return
			}
			c.setState(StateActive)
			c.fetchMetadata()
		case StateReconnecting:
			if c.peerPresent {
				c.resume()
			}
		}

	case channel.EventDropped:
		c.open = false
		c.peerPresent = false
		if c.bridge != nil {
			c.bridge.Reset()
		}
		if c.state == StateActive {
			c.setState(StateReconnecting)
			c.startGrace()
		}

	case channel.EventRejected:
		slog.Warn("lifecycle: session refused by the server", "session", c.sessionID, "error", e.Err)
		if c.state.inSession() {
			c.end(true)
		}

	case channel.EventDocument:
		c.emit(Event{Kind: EventDocumentChanged, SessionID: c.sessionID})

	case channel.EventPresence:
		if c.ch != nil {
			c.emit(Event{Kind: EventPresenceChanged, SessionID: c.sessionID, Participants: participants(c.ch.Presence())})
		}

	case channel.EventFrame:
		c.onFrame(e.Frame)
	}
}

// onFrame handles control frames in receive order. Repeated frames are harmless.
func (c *Controller) onFrame(f wire.Frame) {
	switch f.Type {
	case wire.TypeCollaboratorConnect:
		c.peerPresent = true
		c.stopGrace()
		if c.state == StateReconnecting && c.open {
			c.resume()
		}

	case wire.TypeCollaboratorDisconnect:
		c.peerPresent = false
		if c.state == StateActive {
			c.setState(StateReconnecting)
			c.startGrace()
		}

	case wire.TypeCollaboratorEnded:
		if c.state.inSession() {
			c.end(true)
		}

	default:
		if !f.Type.IsExecution() {
			slog.Debug("lifecycle: ignore frame", "session", c.sessionID, "type", f.Type)
			return
		}
		if c.bridge == nil {
			return
		}
		e, ok := c.bridge.Handle(f)
		if !ok {
			return
		}
		switch e.Kind {
		case execution.EventRunning:
			c.emit(Event{Kind: EventExecutionRunning, SessionID: c.sessionID})
		case execution.EventResult:
			c.emit(Event{Kind: EventExecutionResult, SessionID: c.sessionID, Result: e.Result})
		}
	}
}

func (c *Controller) resume() {
	c.stopGrace()
	c.setState(StateActive)
}

func (c *Controller) startGrace() {
	if c.graceTimer != nil {
		return
	}

	gen := c.graceGen
	c.graceTimer = c.clock.AfterFunc(c.grace, func() { c.post(graceExpired{gen: gen}) })
}

// stopGrace cancels the grace timer and withdraws the prompt it may have raised.
func (c *Controller) stopGrace() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.graceGen++

	if c.prompting {
		c.prompting = false
		c.emit(Event{Kind: EventPromptDismissed, SessionID: c.sessionID})
	}
}

func (c *Controller) onGraceExpired(in graceExpired) {
	if in.gen != c.graceGen || c.state != StateReconnecting {
		return
	}

	c.graceTimer = nil
	if c.peerPresent {
		return
	}

	c.prompting = true
	c.emit(Event{Kind: EventDisconnectPrompt, SessionID: c.sessionID})
}

func (c *Controller) fetchMetadata() {
	if c.fetching || c.metadata != nil {
		return
	}
	c.fetching = true

	id := c.sessionID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
		defer cancel()

		var (
			md *domain.SessionMetadata
			q  *domain.Question
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			md, err = c.sessions.SessionMetadata(gctx, id, c.userID)
			return err
		})
		g.Go(func() (err error) {
			q, err = c.sessions.SessionQuestion(gctx, id, c.userID)
			return err
		})
		err := g.Wait()

		c.post(metadataLoaded{sessionID: id, metadata: md, question: q, err: err})
	}()
}

func (c *Controller) onMetadata(in metadataLoaded) {
	if in.sessionID != c.sessionID {
		return
	}
	c.fetching = false

	if in.err != nil {
		slog.Warn("lifecycle: load session metadata", "session", in.sessionID, "error", in.err)
		c.emit(Event{Kind: EventMetadataUnavailable, SessionID: in.sessionID, Err: in.err})
		return
	}

	c.metadata, c.question = in.metadata, in.question
	c.emit(Event{Kind: EventMetadataLoaded, SessionID: in.sessionID, Metadata: in.metadata, Question: in.question})
}

func (c *Controller) onRetryMetadata() error {
	if c.state != StateActive && c.state != StateReconnecting {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("no live session while %s", c.state))
	}
	c.fetchMetadata()
	return nil
}

func (c *Controller) onRunCode(cmd runCodeCmd) error {
	if c.bridge == nil || (c.state != StateActive && c.state != StateReconnecting) {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("no live session while %s", c.state))
	}
	return c.bridge.RunCode(cmd.language, cmd.code, cmd.stdin)
}

func (c *Controller) onTerminate() error {
	switch {
	case c.state == StateEnding, c.state == StateTerminated:
		return nil
	case !c.state.inSession():
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("no session to terminate while %s", c.state))
	}

	c.signalEnd()
	c.end(false)
	return nil
}

func (c *Controller) onLeave() {
	switch {
	case c.state == StateQueued:
		c.matched = nil
		go c.cancelQuietly()
		c.setState(StateIdle)

	case c.state == StateVerifying:
		// the server session already exists and would block queueing again
		c.leaving = true

	case c.state.inSession():
		c.signalEnd()
		c.end(false)
	}
}

// signalEnd tells the collaborator the session is over. Delivery is best effort.
func (c *Controller) signalEnd() {
	if c.ch == nil {
		return
	}
	if err := c.ch.Send(wire.Control(wire.TypeCollaboratorEnded)); err != nil {
		slog.Warn("lifecycle: send end signal", "session", c.sessionID, "error", err)
	}
}

func (c *Controller) cancelQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	if err := c.matcher.CancelMatch(ctx); err != nil {
		slog.Warn("lifecycle: cancel match", "user", c.userID, "error", err)
	}
}

// end moves to Ending, persists the attempt when the session qualifies, then tears down. peer
// is set when the collaborator or the server ended the session.
func (c *Controller) end(peer bool) {
	c.stopGrace()
	c.setState(StateEnding)

	id := c.sessionID
	if peer {
		c.emit(Event{Kind: EventRedirectCountdown, SessionID: id, Countdown: c.redirectDelay})
		c.redirect = c.clock.AfterFunc(c.redirectDelay, func() { c.post(redirectElapsed{sessionID: id}) })
	}

	rec, reason := c.attempt()
	if rec == nil {
		c.emit(Event{Kind: EventAttemptSkipped, SessionID: id, Reason: reason})
		c.teardown(peer)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
		defer cancel()

		err := c.sessions.SubmitAttempt(ctx, *rec)
		c.post(attemptSubmitted{sessionID: id, peer: peer, err: err})
	}()
}

// attempt snapshots the document into an attempt record, or explains why there is none.
func (c *Controller) attempt() (*domain.AttemptRecord, string) {
	if c.metadata == nil || c.question == nil {
		return nil, SkipNoMetadata
	}

	// A negative age means the clocks disagree; only a session known to be young is abandoned.
	age := c.clock.Now().Sub(c.metadata.CreatedAt)
	if age >= 0 && age < c.abandonWindow {
		return nil, SkipAbandoned
	}

	text := c.ch.Text()
	if strings.TrimSpace(text) == "" {
		return nil, SkipEmptySolution
	}

	rec := &domain.AttemptRecord{
		UserID:            c.userID,
		QuestionID:        c.question.QuestionID,
		SessionID:         c.sessionID,
		Language:          c.metadata.Language,
		CollaboratorID:    c.metadata.CollaboratorID,
		SubmittedSolution: text,
	}
	if err := c.validate.Struct(rec); err != nil {
		slog.Warn("lifecycle: skip incomplete attempt", "session", c.sessionID, "error", err)
		return nil, SkipIncomplete
	}
	return rec, ""
}

func (c *Controller) onAttemptSubmitted(in attemptSubmitted) {
	if c.state != StateEnding || in.sessionID != c.sessionID {
		return
	}

	if in.err != nil {
		slog.Error("lifecycle: submit attempt", "session", in.sessionID, "error", in.err)
		c.emit(Event{Kind: EventSubmitFailed, SessionID: in.sessionID, Err: in.err})
	} else {
		c.emit(Event{Kind: EventAttemptSaved, SessionID: in.sessionID})
	}

	c.teardown(in.peer)
}

// teardown closes the channel and destroys the replicas. It runs whatever happened to the attempt.
func (c *Controller) teardown(peer bool) {
	id := c.sessionID
	c.release()
	c.setState(StateTerminated)

	if !peer {
		c.emit(Event{Kind: EventNavigate, SessionID: id})
	}
}

func (c *Controller) release() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	if c.ch != nil {
		c.channels.Destroy(c.sessionID)
	}
	c.ch, c.chEvents, c.bridge = nil, nil, nil
	c.open, c.peerPresent = false, false
}

func (c *Controller) shutdown() {
	if c.redirect != nil {
		c.redirect.Stop()
	}
	c.release()
	close(c.events)
}

func (c *Controller) setState(s State) {
	if s == c.state {
		return
	}

	slog.Debug("lifecycle: transition", "user", c.userID, "from", c.state, "to", s, "session", c.sessionID)
	c.state = s
	c.current.Store(int32(s))
	c.emit(Event{Kind: EventStateChanged, State: s, SessionID: c.sessionID})
}

func (c *Controller) emit(e Event) {
	c.events <- e
}
