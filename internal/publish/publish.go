// Package publish assigns per-game sequence numbers to game events and fans
// them out: JSON over a Redis channel for external subscribers, plus the
// in-process bus for the persistence sync and metrics.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/thaihoandev/quizlive/internal/domain"
	"github.com/thaihoandev/quizlive/internal/event"
	"github.com/thaihoandev/quizlive/internal/state"
)

type Config struct {
	Redis  redis.UniversalClient
	Store  *state.Store
	Bus    *event.Bus
	Log    *slog.Logger
	Prefix string
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

type Publisher struct {
	redis  redis.UniversalClient
	store  *state.Store
	bus    *event.Bus
	log    *slog.Logger
	prefix string
	now    func() time.Time
}

func NewPublisher(c Config) *Publisher {
	p := &Publisher{
		redis:  c.Redis,
		store:  c.Store,
		bus:    c.Bus,
		log:    c.Log,
		prefix: c.Prefix,
		now:    c.Now,
	}

	if p.prefix == "" {
		p.prefix = "quizlive"
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}

	return p
}

// Channel is the Redis pub/sub channel carrying a game's event stream.
func (p *Publisher) Channel(gameID uuid.UUID) string {
	return fmt.Sprintf("%s:game_events:%s", p.prefix, gameID)
}

// Publish stamps the event with its timestamp and the next per-game sequence
// number, then delivers it. Sequence assignment and delivery happen on the
// single per-game writer, so the stream observed by any subscriber is gapless
// and ordered.
func (p *Publisher) Publish(ctx context.Context, e domain.GameEvent) (domain.GameEvent, error) {
	seq, err := p.store.NextEventSeq(ctx, e.GameID)
	if err != nil {
		return domain.GameEvent{}, err
	}
	e.Sequence = seq
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now().UTC()
	}

	b, err := json.Marshal(e)
	if err != nil {
		return domain.GameEvent{}, fmt.Errorf("publish: marshal %s: %w", e.EventType, err)
	}

	if err := p.redis.Publish(ctx, p.Channel(e.GameID), b).Err(); err != nil {
		return domain.GameEvent{}, fmt.Errorf("publish: %s: %w", e.EventType, err)
	}

	p.log.DebugContext(ctx, "published game event",
		"game_id", e.GameID,
		"event_type", e.EventType,
		"sequence", e.Sequence,
	)

	if p.bus != nil {
		p.bus.Publish(ctx, domain.EventGamePublished{Event: e})
	}

	return e, nil
}
