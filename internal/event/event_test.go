package event_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thaihoandev/quizlive/internal/event"
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
		"a subscriber only receives its topic": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						gameEvent("game.created"),
						gameEvent("game.ended"),
					},
					subscribers: []subscriber{
						{name: "audit", subscribeTo: []string{"game.created"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{gameEvent("game.created")}, out.received["audit"])
			},
		},

		"repeated events all reach the subscriber": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						gameEvent("game.event"),
						gameEvent("game.event"),
						gameEvent("game.event"),
					},
					subscribers: []subscriber{
						{name: "audit", subscribeTo: []string{"game.event"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Len(t, out.received["audit"], 3)
			},
		},

		"an event fans out to every subscriber": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						gameEvent("game.ended"),
					},
					subscribers: []subscriber{
						{name: "audit", subscribeTo: []string{"game.ended"}},
						{name: "checkpoint", subscribeTo: []string{"game.ended"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{gameEvent("game.ended")}, out.received["audit"])
				assert.ElementsMatch(t, []event.Event{gameEvent("game.ended")}, out.received["checkpoint"])
			},
		},

		"mixed topics route independently": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						gameEvent("game.created"),
						gameEvent("game.event"),
						gameEvent("game.event"),
						gameEvent("game.ended"),
					},
					subscribers: []subscriber{
						{name: "audit", subscribeTo: []string{"game.event"}},
						{name: "checkpoint", subscribeTo: []string{"game.created", "game.ended"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{gameEvent("game.event"), gameEvent("game.event")}, out.received["audit"])
				assert.ElementsMatch(t, []event.Event{gameEvent("game.created"), gameEvent("game.ended")}, out.received["checkpoint"])
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
				s := s
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

func TestBus_PoolSizeBoundsConcurrency(t *testing.T) {
	const poolSize = 2

	b := event.NewBus(event.WithPoolSize(poolSize))

	var running, peak atomic.Int64
	b.Subscribe("game.event", func(ctx context.Context, e event.Event) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	for i := 0; i < 8; i++ {
		b.Publish(context.Background(), gameEvent("game.event"))
	}
	b.Stop()

	require.LessOrEqual(t, peak.Load(), int64(poolSize),
		"the pool must bound concurrent handlers")
}

func TestBus_HandlerTimeout(t *testing.T) {
	b := event.NewBus(event.WithHandlerTimeout(30 * time.Millisecond))

	errCh := make(chan error, 1)
	b.Subscribe("game.event", func(ctx context.Context, e event.Event) error {
		// A handler that would hang forever is cut off by the bus.
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	})

	b.Publish(context.Background(), gameEvent("game.event"))
	b.Stop()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("handler was never released by the timeout")
	}
}

func TestBus_HandlerOutlivesPublisherContext(t *testing.T) {
	b := event.NewBus()

	done := make(chan error, 1)
	b.Subscribe("game.event", func(ctx context.Context, e event.Event) error {
		done <- ctx.Err()
		return nil
	})

	// Cancelling the publish context must not cancel the handler; audit
	// writes triggered by a finished request still run.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Publish(ctx, gameEvent("game.event"))
	b.Stop()

	require.NoError(t, <-done)
}

type gameEvent string

func (e gameEvent) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
}
