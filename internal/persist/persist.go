// Package persist syncs ephemeral game state into Postgres: periodic and
// terminal-state checkpoints, the audit event log, and startup recovery of
// games whose ephemeral state was lost. Gameplay never waits on this tier.
package persist

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/thaihoandev/quizlive/internal/domain"
	"github.com/thaihoandev/quizlive/internal/errors"
	"github.com/thaihoandev/quizlive/internal/event"
	"github.com/thaihoandev/quizlive/internal/leaderboard"
	"github.com/thaihoandev/quizlive/internal/state"
	"github.com/thaihoandev/quizlive/internal/telemetry"
)

// DB is the slice of pgxpool.Pool the sync uses. Every statement is
// individually idempotent, so no transaction surface is needed.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Config struct {
	DB      DB
	Store   *state.Store
	Bus     *event.Bus
	Metrics *telemetry.Metrics
	Log     *slog.Logger
	// Interval is the periodic checkpoint cadence for live games.
	Interval time.Duration
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

type Sync struct {
	db       DB
	store    *state.Store
	metrics  *telemetry.Metrics
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	live map[uuid.UUID]struct{}
}

func NewSync(c Config) *Sync {
	s := &Sync{
		db:       c.DB,
		store:    c.Store,
		metrics:  c.Metrics,
		log:      c.Log,
		interval: c.Interval,
		now:      c.Now,
		live:     make(map[uuid.UUID]struct{}),
	}

	if s.log == nil {
		s.log = slog.Default()
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}

	if c.Bus != nil {
		c.Bus.Subscribe(domain.EventNameGameEvent, s.onGameEvent)
	}

	return s
}

// onGameEvent appends the audit row and triggers a checkpoint at terminal
// events. Errors are logged and counted; the event stream is never blocked.
func (s *Sync) onGameEvent(ctx context.Context, e event.Event) error {
	ge, ok := e.(domain.EventGamePublished)
	if !ok {
		return fmt.Errorf("persist: unexpected event %T", e)
	}
	ev := ge.Event

	if err := s.insertAuditEvent(ctx, ev); err != nil {
		s.log.ErrorContext(ctx, "persist: insert audit event",
			"game_id", ev.GameID, "event_type", ev.EventType, "error", err)
	}

	switch ev.EventType {
	case domain.EventGameCreated:
		s.track(ev.GameID)
	case domain.EventGameEnded, domain.EventGameCancelled:
		s.untrack(ev.GameID)
		if err := s.Checkpoint(ctx, ev.GameID); err != nil {
			s.log.ErrorContext(ctx, "persist: terminal checkpoint",
				"game_id", ev.GameID, "error", err)
		}
	}

	return nil
}

// Run checkpoints live games on the configured interval until ctx ends.
func (s *Sync) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, gameID := range s.tracked() {
				if err := s.Checkpoint(ctx, gameID); err != nil {
					s.log.ErrorContext(ctx, "persist: periodic checkpoint",
						"game_id", gameID, "error", err)
				}
			}
		}
	}
}

// Checkpoint copies a game's ephemeral state into the durable tier: the game
// row with its statistics, participant rows, score entries and, at terminal
// states, the final leaderboard snapshot.
func (s *Sync) Checkpoint(ctx context.Context, gameID uuid.UUID) error {
	g, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		return s.failure(gameID, "read game", err)
	}

	roster, err := s.store.Roster(ctx, gameID)
	if err != nil {
		return s.failure(gameID, "read roster", err)
	}
	entries, err := s.store.Entries(ctx, gameID)
	if err != nil {
		return s.failure(gameID, "read entries", err)
	}

	if err := s.upsertGame(ctx, g, roster, entries); err != nil {
		return s.failure(gameID, "upsert game", err)
	}
	for _, p := range roster {
		if err := s.upsertParticipant(ctx, p); err != nil {
			return s.failure(gameID, "upsert participant", err)
		}
	}
	for _, entry := range entries {
		if err := s.insertScoreEntry(ctx, entry); err != nil {
			return s.failure(gameID, "insert score entry", err)
		}
	}

	if g.Status.Terminal() {
		if err := s.insertSnapshot(ctx, g, roster); err != nil {
			return s.failure(gameID, "insert snapshot", err)
		}
	}

	s.metrics.Checkpoint(nil)
	return nil
}

// Recover cancels durable games whose ephemeral state vanished, e.g. after a
// Redis loss. Each one gets a RECOVERED_INCOMPLETE_GAME audit row.
func (s *Sync) Recover(ctx context.Context) error {
	const stmt = `SELECT id FROM games WHERE status NOT IN ($1, $2);`

	rows, err := s.db.Query(ctx, stmt, domain.StatusEnded, domain.StatusCancelled)
	if err != nil {
		return fmt.Errorf("persist: list incomplete games: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("persist: scan game id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("persist: list incomplete games: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if _, ok, err := s.store.Status(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		} else if ok {
			// The ephemeral mirror survived; the game is still live.
			s.track(id)
			continue
		}

		if err := s.cancelRecovered(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		s.log.InfoContext(ctx, "persist: cancelled incomplete game", "game_id", id)
	}

	return stderrors.Join(errs...)
}

func (s *Sync) cancelRecovered(ctx context.Context, gameID uuid.UUID) error {
	const stmt = `UPDATE games SET status = $2, ended_at = $3, updated_at = $3 WHERE id = $1;`

	now := s.now().UTC()
	if _, err := s.db.Exec(ctx, stmt, gameID, domain.StatusCancelled, now); err != nil {
		return fmt.Errorf("cancel game %s: %w", gameID, err)
	}

	return s.insertAuditEvent(ctx, domain.GameEvent{
		GameID:    gameID,
		EventType: domain.EventRecoveredIncompleteGame,
		Timestamp: now,
	})
}

func (s *Sync) upsertGame(ctx context.Context, g domain.Game, roster []domain.Participant, entries []domain.ScoreEntry) error {
	const stmt = `
		INSERT INTO games (
			id, host_id, quiz_id, status, pin, settings,
			current_question_index, question_count, player_count,
			average_score, accuracy, created_at, started_at, ended_at,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_question_index = EXCLUDED.current_question_index,
			player_count = EXCLUDED.player_count,
			average_score = EXCLUDED.average_score,
			accuracy = EXCLUDED.accuracy,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			updated_at = EXCLUDED.updated_at;`

	settings, err := json.Marshal(g.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	average, accuracy := statistics(roster, entries)

	_, err = s.db.Exec(ctx, stmt,
		g.ID, g.HostID, g.QuizID, g.Status, g.PIN, settings,
		g.CurrentQuestionIndex, g.Settings.QuestionCount, len(roster),
		average, accuracy, g.CreatedAt, nullTime(g.StartedAt),
		nullTime(g.EndedAt), s.now().UTC(),
	)
	return err
}

func (s *Sync) upsertParticipant(ctx context.Context, p domain.Participant) error {
	const stmt = `
		INSERT INTO participants (
			game_id, player_id, display_name, anonymous, connected,
			join_order, joined_at, final_rank
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (game_id, player_id) DO UPDATE SET
			connected = EXCLUDED.connected,
			final_rank = EXCLUDED.final_rank;`

	var finalRank *int
	if p.FinalRank > 0 {
		finalRank = &p.FinalRank
	}

	_, err := s.db.Exec(ctx, stmt,
		p.GameID, p.PlayerID, p.DisplayName, p.Anonymous, p.Connected,
		p.JoinOrder, p.JoinedAt, finalRank,
	)
	return err
}

func (s *Sync) insertScoreEntry(ctx context.Context, e domain.ScoreEntry) error {
	const stmt = `
		INSERT INTO score_entries (
			game_id, player_id, question_id, points, correct, skipped,
			elapsed_ms, answered_at, client_submitted_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (game_id, player_id, question_id) DO NOTHING;`

	_, err := s.db.Exec(ctx, stmt,
		e.GameID, e.PlayerID, e.QuestionID, e.Points, e.Correct, e.Skipped,
		e.Elapsed.Milliseconds(), e.AnsweredAt, nullTime(e.ClientSubmittedAt),
	)
	return err
}

func (s *Sync) insertSnapshot(ctx context.Context, g domain.Game, roster []domain.Participant) error {
	const stmt = `
		INSERT INTO leaderboard_snapshots (game_id, computed_at, entries)
		VALUES ($1, $2, $3)
		ON CONFLICT (game_id, computed_at) DO NOTHING;`

	scores, err := s.store.Scores(ctx, g.ID)
	if err != nil {
		return err
	}
	times, err := s.store.AnswerTimes(ctx, g.ID)
	if err != nil {
		return err
	}

	snapshot := leaderboard.Compute(g.ID, roster, scores, times, s.now().UTC())
	entries, err := json.Marshal(snapshot.Entries)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.Exec(ctx, stmt, g.ID, snapshot.ComputedAt, entries)
	return err
}

func (s *Sync) insertAuditEvent(ctx context.Context, e domain.GameEvent) error {
	const stmt = `
		INSERT INTO game_audit_events (game_id, event_type, user_id, data, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6);`

	var data []byte
	if e.Data != nil {
		var err error
		if data, err = json.Marshal(e.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = s.now().UTC()
	}

	_, err := s.db.Exec(ctx, stmt, e.GameID, e.EventType, e.UserID, data, e.Sequence, ts)
	return err
}

// statistics derives the checkpoint counters: mean total score per player and
// the fraction of correct answers.
func statistics(roster []domain.Participant, entries []domain.ScoreEntry) (average, accuracy decimal.Decimal) {
	if len(entries) == 0 {
		return decimal.Zero, decimal.Zero
	}

	total := decimal.Zero
	correct := 0
	for _, e := range entries {
		total = total.Add(decimal.NewFromInt(int64(e.Points)))
		if e.Correct {
			correct++
		}
	}

	if len(roster) > 0 {
		average = total.Div(decimal.NewFromInt(int64(len(roster)))).Round(2)
	}
	accuracy = decimal.NewFromInt(int64(correct)).
		Div(decimal.NewFromInt(int64(len(entries)))).Round(4)
	return average, accuracy
}

func (s *Sync) failure(gameID uuid.UUID, op string, cause error) error {
	s.metrics.Checkpoint(cause)
	return errors.New(errors.CodeInternal,
		errors.WithReason(errors.ReasonPersistenceSyncFailure),
		errors.WithMessagef("checkpoint game %s: %s", gameID, op),
		errors.WithCause(cause),
	)
}

func (s *Sync) track(gameID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[gameID] = struct{}{}
}

func (s *Sync) untrack(gameID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, gameID)
}

func (s *Sync) tracked() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	return ids
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
