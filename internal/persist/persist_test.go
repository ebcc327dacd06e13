package persist_test

import (
	"context"
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
	"github.com/thaihoandev/quizlive/internal/event"
	"github.com/thaihoandev/quizlive/internal/persist"
	"github.com/thaihoandev/quizlive/internal/state"
)

func TestSync_Checkpoint(t *testing.T) {
	store := makeStore(t)
	db := &fakeDB{}
	s := persist.NewSync(persist.Config{DB: db, Store: store})
	ctx := context.Background()

	g := domain.Game{
		ID:                   uuid.Must(uuid.NewV7()),
		HostID:               uuid.Must(uuid.NewV7()),
		QuizID:               uuid.Must(uuid.NewV7()),
		Status:               domain.StatusStarted,
		Settings:             domain.DefaultSettings(),
		CurrentQuestionIndex: 0,
		CreatedAt:            time.Now().UTC(),
	}
	require.NoError(t, store.PutGame(ctx, g))

	for _, name := range []string{"alice", "bob"} {
		p, err := store.AddPlayer(ctx, domain.Participant{
			GameID:      g.ID,
			PlayerID:    uuid.Must(uuid.NewV7()),
			DisplayName: name,
			JoinedAt:    time.Now().UTC(),
		})
		require.NoError(t, err)

		_, err = store.RecordAnswer(ctx, domain.ScoreEntry{
			GameID:     g.ID,
			PlayerID:   p.PlayerID,
			QuestionID: uuid.Must(uuid.NewV7()),
			Points:     500,
			Correct:    true,
			AnsweredAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	require.NoError(t, s.Checkpoint(ctx, g.ID))

	require.Equal(t, 1, db.execCount("INSERT INTO games"))
	require.Equal(t, 2, db.execCount("INSERT INTO participants"))
	require.Equal(t, 2, db.execCount("INSERT INTO score_entries"))
	require.Equal(t, 0, db.execCount("INSERT INTO leaderboard_snapshots"),
		"non-terminal checkpoints must not write snapshots")
}

func TestSync_Checkpoint_TerminalWritesSnapshot(t *testing.T) {
	store := makeStore(t)
	db := &fakeDB{}
	s := persist.NewSync(persist.Config{DB: db, Store: store})
	ctx := context.Background()

	g := domain.Game{
		ID:                   uuid.Must(uuid.NewV7()),
		Status:               domain.StatusEnded,
		Settings:             domain.DefaultSettings(),
		CurrentQuestionIndex: -1,
		CreatedAt:            time.Now().UTC(),
	}
	require.NoError(t, store.PutGame(ctx, g))

	require.NoError(t, s.Checkpoint(ctx, g.ID))
	require.Equal(t, 1, db.execCount("INSERT INTO leaderboard_snapshots"))
}

func TestSync_Checkpoint_MissingGame(t *testing.T) {
	store := makeStore(t)
	s := persist.NewSync(persist.Config{DB: &fakeDB{}, Store: store})

	err := s.Checkpoint(context.Background(), uuid.Must(uuid.NewV7()))
	require.Error(t, err)
}

func TestSync_Recover(t *testing.T) {
	store := makeStore(t)
	ctx := context.Background()

	// A live game whose ephemeral mirror survived.
	alive := domain.Game{
		ID:                   uuid.Must(uuid.NewV7()),
		Status:               domain.StatusStarted,
		Settings:             domain.DefaultSettings(),
		CurrentQuestionIndex: 0,
		CreatedAt:            time.Now().UTC(),
	}
	require.NoError(t, store.PutGame(ctx, alive))

	// A game whose ephemeral state is gone.
	lost := uuid.Must(uuid.NewV7())

	db := &fakeDB{queryIDs: []uuid.UUID{alive.ID, lost}}
	s := persist.NewSync(persist.Config{DB: db, Store: store})

	require.NoError(t, s.Recover(ctx))

	updates := db.execsMatching("UPDATE games SET status")
	require.Len(t, updates, 1)
	require.Equal(t, lost, updates[0].args[0])
	require.Equal(t, domain.StatusCancelled, updates[0].args[1])

	audits := db.execsMatching("INSERT INTO game_audit_events")
	require.Len(t, audits, 1)
	require.Equal(t, lost, audits[0].args[0])
	require.Equal(t, domain.EventRecoveredIncompleteGame, audits[0].args[1])
}

func TestSync_TerminalEventTriggersCheckpoint(t *testing.T) {
	store := makeStore(t)
	db := &fakeDB{}
	bus := event.NewBus()
	t.Cleanup(bus.Stop)

	persist.NewSync(persist.Config{DB: db, Store: store, Bus: bus})
	ctx := context.Background()

	g := domain.Game{
		ID:                   uuid.Must(uuid.NewV7()),
		Status:               domain.StatusEnded,
		Settings:             domain.DefaultSettings(),
		CurrentQuestionIndex: -1,
		CreatedAt:            time.Now().UTC(),
	}
	require.NoError(t, store.PutGame(ctx, g))

	bus.Publish(ctx, domain.EventGamePublished{Event: domain.GameEvent{
		GameID:    g.ID,
		EventType: domain.EventGameEnded,
		Timestamp: time.Now().UTC(),
		Sequence:  7,
	}})

	require.Eventually(t, func() bool {
		return db.execCount("INSERT INTO game_audit_events") == 1 &&
			db.execCount("INSERT INTO games") == 1
	}, time.Second, 10*time.Millisecond)
}

func makeStore(t *testing.T) *state.Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return state.NewStore(state.Config{Redis: rdb})
}

type execCall struct {
	sql  string
	args []any
}

// fakeDB records every statement and serves Recover's game listing from
// queryIDs.
type fakeDB struct {
	mu       sync.Mutex
	execs    []execCall
	queryIDs []uuid.UUID
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fakeRows{ids: f.queryIDs}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return &fakeRows{}
}

func (f *fakeDB) execCount(prefix string) int {
	return len(f.execsMatching(prefix))
}

func (f *fakeDB) execsMatching(prefix string) []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var calls []execCall
	for _, c := range f.execs {
		if strings.Contains(c.sql, prefix) {
			calls = append(calls, c)
		}
	}
	return calls
}

type fakeRows struct {
	ids []uuid.UUID
	pos int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	return r.pos < len(r.ids)
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*uuid.UUID)) = r.ids[r.pos]
	r.pos++
	return nil
}
