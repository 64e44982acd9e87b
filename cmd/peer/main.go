// Command peer is a headless session participant. It queues for a match, joins the session,
// optionally types a solution and runs it, and reports everything it sees as log lines.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/victornm/peerprep/internal/client/api"
	"github.com/victornm/peerprep/internal/client/channel"
	"github.com/victornm/peerprep/internal/client/lifecycle"
	"github.com/victornm/peerprep/internal/client/matching"
	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/telemetry"
)

type options struct {
	server string
	token  string
	user   string

	topic      string
	difficulty string
	language   string

	solution    string
	stdin       string
	run         bool
	hold        time.Duration
	endOnPrompt bool

	logLevel string
}

func main() {
	var o options
	flag.StringVarP(&o.server, "server", "s", "http://localhost:8080", "base URL of the service")
	flag.StringVar(&o.token, "token", os.Getenv("PEERPREP_TOKEN"), "bearer token, defaults to $PEERPREP_TOKEN")
	flag.StringVarP(&o.user, "user", "u", "", "user id to queue as")
	flag.StringVar(&o.topic, "topic", "Array", "question topic")
	flag.StringVar(&o.difficulty, "difficulty", "Easy", "question difficulty: Easy, Medium or Hard")
	flag.StringVar(&o.language, "language", "Python", "programming language")
	flag.StringVarP(&o.solution, "solution", "f", "", "file typed into the document once the session is active")
	flag.StringVar(&o.stdin, "stdin", "", "stdin passed to the run")
	flag.BoolVar(&o.run, "run", false, "run the document once the solution is typed")
	flag.DurationVar(&o.hold, "hold", 0, "terminate the session after this long, 0 waits for the collaborator or an interrupt")
	flag.BoolVar(&o.endOnPrompt, "end-on-prompt", false, "terminate when the collaborator does not come back")
	flag.StringVar(&o.logLevel, "log-level", "info", "debug, info, warn or error")
	flag.Parse()

	if o.user == "" {
		fmt.Fprintln(os.Stderr, "peer: --user is required")
		flag.Usage()
		os.Exit(2)
	}

	closer := telemetry.InitLogger(telemetry.LogConfig{Level: o.logLevel})

	code, err := run(o)
	if err != nil {
		log.Printf("peer: %v", err)
	}
	_ = closer.Close()
	os.Exit(code)
}

func run(o options) (int, error) {
	wsURL := "ws" + strings.TrimPrefix(o.server, "http")

	apiClient := api.New(api.Config{URL: o.server, Token: o.token})
	ctl := lifecycle.New(lifecycle.Config{
		UserID: o.user,
		Matcher: lifecycle.MatchClient(matching.New(matching.Config{
			API:   apiClient,
			WSURL: wsURL,
			Token: o.token,
		})),
		Sessions: apiClient,
		Channels: lifecycle.ChannelRegistry(channel.NewRegistry(channel.Config{URL: wsURL, Token: o.token})),
	})
	defer ctl.Close()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, os.Interrupt)

	if err := enter(ctl, apiClient, o); err != nil {
		return 1, err
	}

	var (
		hold    <-chan time.Time
		typed   bool
		leaving bool
	)

	for {
		select {
		case <-signals:
			if leaving || ctl.State() == lifecycle.StateIdle {
				return 130, nil
			}
			leaving = true
			slog.Info("peer: leaving", "state", ctl.State())
			ctl.Leave()

		case <-hold:
			hold = nil
			if err := ctl.Terminate(); err != nil {
				slog.Warn("peer: terminate", "error", err)
			}

		case e, ok := <-ctl.Events():
			if !ok {
				return 1, fmt.Errorf("controller closed")
			}
			report(e)

			switch e.Kind {
			case lifecycle.EventStateChanged:
				if e.State == lifecycle.StateIdle && leaving {
					return 0, nil
				}
				if e.State == lifecycle.StateActive {
					if err := ctl.SetPresence(o.user, len([]rune(ctl.Text()))); err != nil {
						slog.Warn("peer: set presence", "error", err)
					}
					if o.hold > 0 && hold == nil {
						hold = time.After(o.hold)
					}
				}

			case lifecycle.EventQueueClosed, lifecycle.EventRedirected:
				return 1, nil

			case lifecycle.EventMetadataLoaded, lifecycle.EventMetadataUnavailable:
				if typed || o.solution == "" {
					continue
				}
				typed = true
				if err := typeSolution(ctl, o); err != nil {
					slog.Error("peer: type solution", "error", err)
				}

			case lifecycle.EventDisconnectPrompt:
				if o.endOnPrompt {
					if err := ctl.Terminate(); err != nil {
						slog.Warn("peer: terminate", "error", err)
					}
				}

			case lifecycle.EventNavigate:
				return 0, nil
			}
		}
	}
}

// enter rejoins the session the user is still part of, or queues for a new one.
func enter(ctl *lifecycle.Controller, apiClient *api.Client, o options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := apiClient.ActiveSession(ctx, o.user)
	if err != nil {
		return fmt.Errorf("lookup active session: %w", err)
	}
	if id != "" {
		slog.Info("peer: rejoining session", "session", id)
		if err := ctl.Rejoin(id); err != nil {
			return fmt.Errorf("rejoin: %w", err)
		}
		return nil
	}

	err = ctl.Queue(domain.MatchRequest{UserID: o.user, Topic: o.topic, Difficulty: o.difficulty, Language: o.language})
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

func typeSolution(ctl *lifecycle.Controller, o options) error {
	b, err := os.ReadFile(o.solution)
	if err != nil {
		return err
	}

	if err := ctl.Insert(len([]rune(ctl.Text())), string(b)); err != nil {
		return err
	}
	if err := ctl.SetPresence(o.user, len([]rune(ctl.Text()))); err != nil {
		return err
	}
	if !o.run {
		return nil
	}

	return ctl.RunCode(strings.ToLower(o.language), ctl.Text(), o.stdin)
}

func report(e lifecycle.Event) {
	attrs := []any{"event", e.Kind.String()}
	if e.SessionID != "" {
		attrs = append(attrs, "session", e.SessionID)
	}

	switch e.Kind {
	case lifecycle.EventStateChanged:
		attrs = append(attrs, "state", e.State.String())
	case lifecycle.EventQueueClosed:
		attrs = append(attrs, "outcome", e.Outcome.String(), "message", e.Reason)
	case lifecycle.EventMetadataLoaded:
		attrs = append(attrs, "collaborator", e.Metadata.CollaboratorID, "question", e.Question.Name)
	case lifecycle.EventPresenceChanged:
		for _, p := range e.Participants {
			attrs = append(attrs, p.ID, fmt.Sprintf("%s@%d", p.DisplayName, p.Cursor))
		}
	case lifecycle.EventExecutionResult:
		attrs = append(attrs, "status", e.Result.Status, "stdout", e.Result.Stdout, "stderr", e.Result.Stderr)
	case lifecycle.EventAttemptSkipped:
		attrs = append(attrs, "reason", e.Reason)
	case lifecycle.EventRedirectCountdown:
		attrs = append(attrs, "in", e.Countdown)
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}

	slog.Info("peer: event", attrs...)
}
