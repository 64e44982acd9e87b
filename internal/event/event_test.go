package event_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/peerprep/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	type (
		inputs struct {
			published   []event.Event
			subscribers []subscriber
		}

		outputs struct {
			received map[string][]event.Event
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"a single subscriber should receive correct event": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("match.found"),
						eventWithName("match.timeout"),
					},
					subscribers: []subscriber{
						{
							name:        "notifier",
							subscribeTo: []string{"match.found"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("match.found")}, out.received["notifier"])
			},
		},

		"a single subscriber should receive all dispatched event": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("match.found"),
						eventWithName("match.found"),
					},
					subscribers: []subscriber{
						{
							name:        "notifier",
							subscribeTo: []string{"match.found"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("match.found"), eventWithName("match.found")}, out.received["notifier"])
			},
		},

		"an event should be dispatched to all subscribers": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("match.found"),
					},
					subscribers: []subscriber{
						{
							name:        "notifier",
							subscribeTo: []string{"match.found"},
						},
						{
							name:        "hub",
							subscribeTo: []string{"match.found"},
						},
						{
							name:        "metrics",
							subscribeTo: []string{"match.found"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("match.found")}, out.received["notifier"])
				assert.ElementsMatch(t, []event.Event{eventWithName("match.found")}, out.received["hub"])
				assert.ElementsMatch(t, []event.Event{eventWithName("match.found")}, out.received["metrics"])
			},
		},

		"multiple events should be dispatched correctly multiple subscribers": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("match.found"),
						eventWithName("match.timeout"),
						eventWithName("match.found"),
						eventWithName("session.ended"),
					},
					subscribers: []subscriber{
						{
							name:        "notifier",
							subscribeTo: []string{"match.found"},
						},
						{
							name:        "hub",
							subscribeTo: []string{"match.found", "match.timeout"},
						},
						{
							name:        "metrics",
							subscribeTo: []string{"session.ended", "match.timeout"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("match.found"), eventWithName("match.found")}, out.received["notifier"])
				assert.ElementsMatch(t, []event.Event{eventWithName("match.found"), eventWithName("match.found"), eventWithName("match.timeout")}, out.received["hub"])
				assert.ElementsMatch(t, []event.Event{eventWithName("match.timeout"), eventWithName("session.ended")}, out.received["metrics"])
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			mu := sync.Mutex{}
			out := outputs{received: make(map[string][]event.Event)}

			b := event.NewBus()
			for _, s := range in.subscribers {
				for _, e := range s.subscribeTo {
					b.Subscribe(e, func(ctx context.Context, e event.Event) error {
						mu.Lock()
						out.received[s.name] = append(out.received[s.name], e)
						mu.Unlock()
						return nil
					})
				}
			}

			for _, e := range in.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, out)
		})
	}
}

type eventWithName string

func (e eventWithName) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
}

func TestBus_SlowHandlerDoesNotDelayOthers(t *testing.T) {
	b := event.NewBus()

	release := make(chan struct{})
	fast := make(chan event.Event, 1)

	b.Subscribe("match.found", func(ctx context.Context, e event.Event) error {
		<-release
		return nil
	}, event.WithPoolSize(1))
	b.Subscribe("match.found", func(ctx context.Context, e event.Event) error {
		fast <- e
		return nil
	})

	b.Publish(context.Background(), eventWithName("match.found"))
	b.Publish(context.Background(), eventWithName("match.found"))

	select {
	case e := <-fast:
		assert.Equal(t, "match.found", e.Name())
	case <-time.After(time.Second):
		t.Fatal("fast handler should not wait for the slow one")
	}

	close(release)
	<-fast
	b.Stop()
}

func TestBus_PoolSizeLimitsConcurrency(t *testing.T) {
	b := event.NewBus()

	var running, peak atomic.Int32
	b.Subscribe("match.found", func(ctx context.Context, e event.Event) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	}, event.WithPoolSize(2))

	for range 10 {
		b.Publish(context.Background(), eventWithName("match.found"))
	}
	b.Stop()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBus_RecoversFromPanic(t *testing.T) {
	b := event.NewBus()

	var calls atomic.Int32
	b.Subscribe("match.found", func(ctx context.Context, e event.Event) error {
		calls.Add(1)
		panic("boom")
	})

	require.NotPanics(t, func() {
		b.Publish(context.Background(), eventWithName("match.found"))
		b.Publish(context.Background(), eventWithName("match.found"))
		b.Stop()
	})
	assert.Equal(t, int32(2), calls.Load())
}
