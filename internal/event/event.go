package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPoolSize = 1000
	defaultTimeout  = 30 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

type subscription struct {
	h       Handler
	pool    chan struct{}
	timeout time.Duration
}

type Option func(*subscription)

// WithPoolSize limits how many events a handler processes concurrently.
func WithPoolSize(n int) Option {
	return func(s *subscription) {
		if n > 0 {
			s.pool = make(chan struct{}, n)
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *subscription) {
		s.timeout = d
	}
}

// Bus is an in-memory event bus. Every subscription has its own worker pool, so a slow
// handler only delays its own events.
type Bus struct {
	wg   *sync.WaitGroup
	mu   sync.RWMutex
	subs map[string][]*subscription
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus() *Bus {
	return &Bus{
		wg:   new(sync.WaitGroup),
		subs: make(map[string][]*subscription),
	}
}

// Subscribe to an event
func (b *Bus) Subscribe(name string, h Handler, opts ...Option) {
	s := &subscription{
		h:       h,
		pool:    make(chan struct{}, defaultPoolSize),
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[name] = append(b.subs[name], s)
}

// Publish an event. It never blocks on handlers.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs[e.Name()] {
		b.dispatch(ctx, s, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, s *subscription, e Event) {
	b.wg.Add(1)

	go func() {
		s.pool <- struct{}{}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "event: handler panic",
					"event", e.Name(),
					"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
				)
			}

			cancel()
			<-s.pool
			b.wg.Done()
		}()

		if err := s.h(ctx, e); err != nil {
			slog.ErrorContext(ctx, "event: handle event failed",
				"event", e.Name(),
				"error", err,
			)
		}
	}()
}

// Stop waits for all handlers to finish
func (b *Bus) Stop() {
	b.wg.Wait()
}
