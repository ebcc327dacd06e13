// Package scenario plays a full game through the wired engine stack: Redis
// session store, publisher, in-process bus and persistence sync, asserting
// the observable event stream and the durable writes.
package scenario_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/thaihoandev/quizlive/internal/domain"
	"github.com/thaihoandev/quizlive/internal/engine"
	"github.com/thaihoandev/quizlive/internal/event"
	"github.com/thaihoandev/quizlive/internal/leaderboard"
	"github.com/thaihoandev/quizlive/internal/persist"
	"github.com/thaihoandev/quizlive/internal/publish"
	"github.com/thaihoandev/quizlive/internal/state"
)

func TestFullGameScenario(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &fakeClock{t: time.Now().UTC().Truncate(time.Millisecond)}
	store := state.NewStore(state.Config{Redis: rdb})
	bus := event.NewBus()
	t.Cleanup(bus.Stop)

	db := &recordingDB{}
	persist.NewSync(persist.Config{DB: db, Store: store, Bus: bus})

	publisher := publish.NewPublisher(publish.Config{
		Redis: rdb, Store: store, Bus: bus, Now: clock.Now,
	})

	eng := engine.New(engine.Config{
		Store:     store,
		Ranker:    leaderboard.NewRanker(leaderboard.Config{Store: store, Now: clock.Now}),
		Publisher: publisher,
		Now:       clock.Now,
	})
	t.Cleanup(eng.Stop)

	ctx := context.Background()
	host := uuid.Must(uuid.NewV7())
	questions := []domain.Question{
		trueFalseQuestion(0),
		trueFalseQuestion(1),
	}

	g, err := eng.CreateGame(ctx, engine.CreateGameRequest{
		HostID:    host,
		QuizID:    uuid.Must(uuid.NewV7()),
		Questions: questions,
	})
	require.NoError(t, err)

	sub := rdb.Subscribe(ctx, publisher.Channel(g.ID))
	t.Cleanup(func() { _ = sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	alice, err := eng.Join(ctx, engine.JoinRequest{
		GameID:   g.ID,
		Identity: domain.Identity{UserID: uuid.Must(uuid.NewV7()), DisplayName: "alice"},
	})
	require.NoError(t, err)
	bob, err := eng.Join(ctx, engine.JoinRequest{
		GameID:   g.ID,
		Identity: domain.Identity{UserID: uuid.Must(uuid.NewV7()), DisplayName: "bob"},
	})
	require.NoError(t, err)

	require.NoError(t, eng.Start(ctx, g.ID, host))
	require.NoError(t, eng.BeginPlay(ctx, g.ID))

	// Question 1: alice correct at 5s (750), bob wrong at 10s (0).
	clock.Advance(5 * time.Second)
	res, err := eng.SubmitAnswer(ctx, engine.SubmitAnswerRequest{
		GameID: g.ID, PlayerID: alice.PlayerID, QuestionID: questions[0].ID,
		Answer: domain.Answer{Kind: domain.KindTrueFalse, Value: true},
	})
	require.NoError(t, err)
	require.Equal(t, 750, res.Points)

	clock.Advance(5 * time.Second)
	res, err = eng.SubmitAnswer(ctx, engine.SubmitAnswerRequest{
		GameID: g.ID, PlayerID: bob.PlayerID, QuestionID: questions[0].ID,
		Answer: domain.Answer{Kind: domain.KindTrueFalse, Value: false},
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.Points)

	clock.Advance(10 * time.Second)
	require.NoError(t, eng.CloseQuestion(ctx, g.ID, 0))
	require.NoError(t, eng.AdvanceQuestion(ctx, g.ID))

	// Question 2: alice times out, bob correct at 2s (900).
	clock.Advance(2 * time.Second)
	res, err = eng.SubmitAnswer(ctx, engine.SubmitAnswerRequest{
		GameID: g.ID, PlayerID: bob.PlayerID, QuestionID: questions[1].ID,
		Answer: domain.Answer{Kind: domain.KindTrueFalse, Value: true},
	})
	require.NoError(t, err)
	require.Equal(t, 900, res.Points)

	clock.Advance(18 * time.Second)
	require.NoError(t, eng.CloseQuestion(ctx, g.ID, 1))

	final, err := eng.GetLeaderboard(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, final.Entries, 2)
	require.Equal(t, bob.PlayerID, final.Entries[0].PlayerID)
	require.Equal(t, 900, final.Entries[0].TotalScore)
	require.Equal(t, alice.PlayerID, final.Entries[1].PlayerID)
	require.Equal(t, 750, final.Entries[1].TotalScore)

	// The subscriber saw an ordered, gapless stream ending with GAME_ENDED.
	wantTypes := []string{
		domain.EventParticipantJoined,
		domain.EventParticipantJoined,
		domain.EventGameStarting,
		domain.EventGameStarted,
		domain.EventQuestionStarted,
		domain.EventQuestionEnded,
		domain.EventQuestionStarted,
		domain.EventQuestionEnded,
		domain.EventGameEnded,
	}
	var lastSeq int64 = 1 // GAME_CREATED fired before the subscription
	for _, want := range wantTypes {
		recvCtx, cancel := context.WithTimeout(ctx, time.Second)
		msg, err := sub.ReceiveMessage(recvCtx)
		cancel()
		require.NoError(t, err, "waiting for %s", want)

		var e domain.GameEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &e))
		require.Equal(t, want, e.EventType)
		require.Equal(t, lastSeq+1, e.Sequence)
		lastSeq = e.Sequence
	}

	// The terminal event drove a durable checkpoint with the final snapshot.
	require.Eventually(t, func() bool {
		return db.count("INSERT INTO games") >= 1 &&
			db.count("INSERT INTO leaderboard_snapshots") >= 1 &&
			db.count("INSERT INTO score_entries") >= 3
	}, time.Second, 10*time.Millisecond)
}

func trueFalseQuestion(order int) domain.Question {
	return domain.Question{
		ID:         uuid.Must(uuid.NewV7()),
		Kind:       domain.KindTrueFalse,
		OrderIndex: order,
		Options: []domain.Option{
			{ID: uuid.Must(uuid.NewV7()), Correct: true, TrueFalse: &domain.TrueFalseOption{Value: true}},
		},
	}
}

type recordingDB struct {
	mu    sync.Mutex
	stmts []string
}

func (r *recordingDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stmts = append(r.stmts, sql)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *recordingDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (r *recordingDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return nil
}

func (r *recordingDB) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.stmts {
		if strings.Contains(s, prefix) {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
