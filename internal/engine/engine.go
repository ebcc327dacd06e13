// Package engine drives live quiz game sessions: the lifecycle state machine,
// the roster, timed answer windows and answer intake. Each active game is
// served by a single sequential command processor, so all writes to a game's
// state are totally ordered.
package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thaihoandev/quizlive/internal/domain"
	"github.com/thaihoandev/quizlive/internal/errors"
	"github.com/thaihoandev/quizlive/internal/leaderboard"
	"github.com/thaihoandev/quizlive/internal/publish"
	"github.com/thaihoandev/quizlive/internal/state"
	"github.com/thaihoandev/quizlive/internal/telemetry"
)

// Syncer checkpoints a game's ephemeral state into the durable tier.
// Checkpoint failures never block gameplay.
type Syncer interface {
	Checkpoint(ctx context.Context, gameID uuid.UUID) error
}

type Config struct {
	Store     *state.Store
	Ranker    *leaderboard.Ranker
	Publisher *publish.Publisher
	Syncer    Syncer
	Metrics   *telemetry.Metrics
	Log       *slog.Logger
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
	// NewTimer schedules system commands (countdown completion, window
	// close, question advance). Nil disables automatic timers.
	NewTimer NewTimerFunc
}

type Engine struct {
	store     *state.Store
	ranker    *leaderboard.Ranker
	publisher *publish.Publisher
	syncer    Syncer
	metrics   *telemetry.Metrics
	log       *slog.Logger
	now       func() time.Time
	newTimer  NewTimerFunc

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	wg       sync.WaitGroup
	stopped  chan struct{}
	stopOnce sync.Once
}

func New(c Config) *Engine {
	e := &Engine{
		store:     c.Store,
		ranker:    c.Ranker,
		publisher: c.Publisher,
		syncer:    c.Syncer,
		metrics:   c.Metrics,
		log:       c.Log,
		now:       c.Now,
		newTimer:  c.NewTimer,
		sessions:  make(map[uuid.UUID]*session),
		stopped:   make(chan struct{}),
	}

	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}

	return e
}

// Stop shuts down all game processors. Pending commands are rejected.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopped) })
	e.wg.Wait()
}

type CreateGameRequest struct {
	HostID    uuid.UUID
	QuizID    uuid.UUID
	Questions []domain.Question
	// Settings falls back to defaults when nil.
	Settings *domain.Settings
}

// CreateGame registers a new game with its quiz content, writes the ephemeral
// mirror and the durable row, and emits GAME_CREATED.
func (e *Engine) CreateGame(ctx context.Context, req CreateGameRequest) (domain.Game, error) {
	if req.HostID == uuid.Nil {
		return domain.Game{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("create game: host id is required"))
	}
	if len(req.Questions) == 0 {
		return domain.Game{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("create game: at least one question is required"))
	}

	gameID, err := uuid.NewV7()
	if err != nil {
		return domain.Game{}, fmt.Errorf("generate game id: %w", err)
	}

	settings := domain.DefaultSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}
	settings.QuestionCount = len(req.Questions)

	v, err := e.do(ctx, gameID, "create_game", func(ctx context.Context, s *session) (any, error) {
		pin, err := e.reservePin(ctx, gameID)
		if err != nil {
			return nil, err
		}

		g := domain.Game{
			ID:                   gameID,
			HostID:               req.HostID,
			QuizID:               req.QuizID,
			Status:               domain.StatusCreated,
			Settings:             settings,
			PIN:                  pin,
			CurrentQuestionIndex: -1,
			CreatedAt:            e.now().UTC(),
		}

		if err := e.store.PutGame(ctx, g); err != nil {
			return nil, err
		}
		if err := e.store.PutQuestions(ctx, gameID, req.Questions); err != nil {
			return nil, err
		}

		e.checkpoint(ctx, gameID)
		e.emit(ctx, gameID, domain.EventGameCreated, &req.HostID, map[string]any{
			"quiz_id":        req.QuizID,
			"question_count": len(req.Questions),
			"pin":            pin,
		})
		return g, nil
	})
	if err != nil {
		return domain.Game{}, err
	}

	return v.(domain.Game), nil
}

type JoinRequest struct {
	// GameID joins directly; when nil the game is resolved from PIN.
	GameID   uuid.UUID
	PIN      string
	Identity domain.Identity
}

// Join adds a player to the roster. Legal while the game is joinable;
// anonymous identities receive a session-scoped player id when the settings
// allow them.
func (e *Engine) Join(ctx context.Context, req JoinRequest) (domain.Participant, error) {
	gameID := req.GameID
	if gameID == uuid.Nil {
		var err error
		gameID, err = e.store.GameIDByPin(ctx, req.PIN)
		if err != nil {
			return domain.Participant{}, err
		}
	}

	v, err := e.do(ctx, gameID, "join", func(ctx context.Context, s *session) (any, error) {
		g, err := e.store.GetGame(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if !g.Status.Joinable() {
			return nil, errors.New(errors.CodeFailedPrecondition,
				errors.WithReason(errors.ReasonGameNotJoinable),
				errors.WithMessagef("game %s is %s", g.ID, g.Status),
			)
		}

		roster, err := e.store.Roster(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if g.Settings.MaxPlayers > 0 && len(roster) >= g.Settings.MaxPlayers {
			return nil, errors.New(errors.CodeFailedPrecondition,
				errors.WithReason(errors.ReasonGameNotJoinable),
				errors.WithMessagef("game %s is full", g.ID),
			)
		}

		playerID := req.Identity.UserID
		displayName := req.Identity.DisplayName
		anonymous := req.Identity.Anonymous()
		if anonymous {
			if !g.Settings.AllowAnonymous {
				return nil, errors.New(errors.CodePermissionDenied,
					errors.WithReason(errors.ReasonGameNotJoinable),
					errors.WithMessagef("game %s does not allow anonymous players", g.ID),
				)
			}
			playerID, err = uuid.NewV7()
			if err != nil {
				return nil, fmt.Errorf("generate player id: %w", err)
			}
			if displayName == "" {
				displayName = "guest-" + playerID.String()[len(playerID.String())-6:]
			}
		}

		p, err := e.store.AddPlayer(ctx, domain.Participant{
			GameID:      gameID,
			PlayerID:    playerID,
			DisplayName: displayName,
			Anonymous:   anonymous,
			Connected:   true,
			JoinedAt:    e.now().UTC(),
		})
		if err != nil {
			return nil, err
		}

		e.emit(ctx, gameID, domain.EventParticipantJoined, &p.PlayerID, map[string]any{
			"display_name": p.DisplayName,
			"join_order":   p.JoinOrder,
			"anonymous":    p.Anonymous,
		})
		return p, nil
	})
	if err != nil {
		return domain.Participant{}, err
	}

	return v.(domain.Participant), nil
}

// Leave marks a player disconnected. The player keeps their scores and roster
// slot, so rankings stay stable.
func (e *Engine) Leave(ctx context.Context, gameID, playerID uuid.UUID) error {
	_, err := e.do(ctx, gameID, "leave", func(ctx context.Context, s *session) (any, error) {
		if _, err := e.store.GetGame(ctx, gameID); err != nil {
			return nil, err
		}

		p, ok, err := e.store.Player(ctx, gameID, playerID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, notAJoinedPlayer(gameID, playerID)
		}

		p.Connected = false
		if err := e.store.UpdatePlayer(ctx, p); err != nil {
			return nil, err
		}

		e.emit(ctx, gameID, domain.EventParticipantLeft, &playerID, nil)
		return nil, nil
	})
	return err
}

// Kick removes a player from the roster. Host only.
func (e *Engine) Kick(ctx context.Context, gameID, hostID, playerID uuid.UUID, reason string) error {
	_, err := e.do(ctx, gameID, "kick", func(ctx context.Context, s *session) (any, error) {
		g, err := e.store.GetGame(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if err := requireHost(g, hostID); err != nil {
			return nil, err
		}

		p, ok, err := e.store.Player(ctx, gameID, playerID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, notAJoinedPlayer(gameID, playerID)
		}

		if err := e.store.RemovePlayer(ctx, gameID, playerID); err != nil {
			return nil, err
		}

		e.emit(ctx, gameID, domain.EventParticipantKicked, &playerID, map[string]any{
			"display_name": p.DisplayName,
			"reason":       reason,
		})
		return nil, nil
	})
	return err
}

// Start begins the countdown. Host only; CREATED games only.
func (e *Engine) Start(ctx context.Context, gameID, hostID uuid.UUID) error {
	_, err := e.do(ctx, gameID, "start", func(ctx context.Context, s *session) (any, error) {
		g, err := e.store.GetGame(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if err := requireHost(g, hostID); err != nil {
			return nil, err
		}

		if err := e.store.CompareAndSwapStatus(ctx, gameID, domain.StatusCreated, domain.StatusStarting); err != nil {
			return nil, err
		}

		g.Status = domain.StatusStarting
		g.StartedAt = e.now().UTC()
		if err := e.store.PutMeta(ctx, g); err != nil {
			return nil, err
		}

		e.emit(ctx, gameID, domain.EventGameStarting, &hostID, map[string]any{
			"countdown_ms": g.Settings.Countdown.Milliseconds(),
		})

		s.schedule(e, g.Settings.Countdown, func() {
			if err := e.BeginPlay(context.Background(), gameID); err != nil {
				e.log.Error("engine: countdown completion", "game_id", gameID, "error", err)
			}
		})
		return nil, nil
	})
	return err
}

// BeginPlay completes the countdown: STARTING becomes STARTED and the first
// question opens. System-originated; normally fired by the countdown timer.
func (e *Engine) BeginPlay(ctx context.Context, gameID uuid.UUID) error {
	_, err := e.do(ctx, gameID, "begin_play", func(ctx context.Context, s *session) (any, error) {
		g, err := e.store.GetGame(ctx, gameID)
		if err != nil {
			return nil, err
		}

		if err := e.store.CompareAndSwapStatus(ctx, gameID, domain.StatusStarting, domain.StatusStarted); err != nil {
			return nil, err
		}
		g.Status = domain.StatusStarted

		e.emit(ctx, gameID, domain.EventGameStarted, nil, nil)
		return nil, e.openQuestion(ctx, s, g, 0)
	})
	return err
}

// Pause freezes the game and the remaining answer window. Host only.
func (e *Engine) Pause(ctx context.Context, gameID, hostID uuid.UUID) error {
	_, err := e.do(ctx, gameID, "pause", func(ctx context.Context, s *session) (any, error) {
		g, err := e.store.GetGame(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if err := requireHost(g, hostID); err != nil {
			return nil, err
		}

		if err := e.store.CompareAndSwapStatus(ctx, gameID, domain.StatusStarted, domain.StatusPaused); err != nil {
			return nil, err
		}
		s.stopTimer()

		g.Status = domain.StatusPaused
		cursor, err := e.store.Cursor(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if cursor.Index >= 0 && !cursor.Closed {
			window, err := e.currentWindow(ctx, g, cursor.Index)
			if err != nil {
				return nil, err
			}
			remaining := window - e.now().UTC().Sub(cursor.OpenedAt)
			if remaining < 0 {
				remaining = 0
			}
			g.WindowRemaining = remaining
		}
		if err := e.store.PutMeta(ctx, g); err != nil {
			return nil, err
		}

		e.emit(ctx, gameID, domain.EventGamePaused, &hostID, map[string]any{
			"remaining_ms": g.WindowRemaining.Milliseconds(),
		})
		return nil, nil
	})
	return err
}

// Resume reopens a paused game, re-basing the current question's open
// timestamp so the frozen remainder of the window applies. Host only.
func (e *Engine) Resume(ctx context.Context, gameID, hostID uuid.UUID) error {
	_, err := e.do(ctx, gameID, "resume", func(ctx context.Context, s *session) (any, error) {
		g, err := e.store.GetGame(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if err := requireHost(g, hostID); err != nil {
			return nil, err
		}

		if err := e.store.CompareAndSwapStatus(ctx, gameID, domain.StatusPaused, domain.StatusStarted); err != nil {
			return nil, err
		}
		g.Status = domain.StatusStarted

		cursor, err := e.store.Cursor(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if cursor.Index >= 0 && !cursor.Closed {
			window, err := e.currentWindow(ctx, g, cursor.Index)
			if err != nil {
				return nil, err
			}
			remaining := g.WindowRemaining

			cursor.OpenedAt = e.now().UTC().Add(remaining - window)
			if err := e.store.SetCursor(ctx, gameID, cursor); err != nil {
				return nil, err
			}
			g.QuestionOpenedAt = cursor.OpenedAt

			index := cursor.Index
			s.schedule(e, remaining, func() {
				if err := e.CloseQuestion(context.Background(), gameID, index); err != nil {
					e.log.Error("engine: window close", "game_id", gameID, "error", err)
				}
			})
		}

		g.WindowRemaining = 0
		if err := e.store.PutMeta(ctx, g); err != nil {
			return nil, err
		}

		e.emit(ctx, gameID, domain.EventGameResumed, &hostID, nil)
		return nil, nil
	})
	return err
}

// CloseQuestion ends the current answer window, recomputes the ranking and
// either schedules the next question or ends the game after the last one.
// System-originated; normally fired by the window timer. Stale invocations
// (the cursor moved on, the game paused or ended) are no-ops.
func (e *Engine) CloseQuestion(ctx context.Context, gameID uuid.UUID, questionIndex int) error {
	_, err := e.do(ctx, gameID, "close_question", func(ctx context.Context, s *session) (any, error) {
		g, err := e.store.GetGame(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if g.Status != domain.StatusStarted {
			return nil, nil
		}

		cursor, err := e.store.Cursor(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if cursor.Index != questionIndex || cursor.Closed {
			return nil, nil
		}

		cursor.Closed = true
		if err := e.store.SetCursor(ctx, gameID, cursor); err != nil {
			return nil, err
		}

		questions, err := e.store.Questions(ctx, gameID)
		if err != nil {
			return nil, err
		}

		e.emit(ctx, gameID, domain.EventQuestionEnded, nil, map[string]any{
			"question_index": cursor.Index,
			"question_id":    questions[cursor.Index].ID,
		})

		if _, err := e.ranker.Recompute(ctx, gameID); err != nil {
			return nil, err
		}

		if cursor.Index+1 >= len(questions) {
			return nil, e.endGame(ctx, s, g, nil)
		}

		s.schedule(e, g.Settings.RevealInterval, func() {
			if err := e.AdvanceQuestion(context.Background(), gameID); err != nil {
				e.log.Error("engine: question advance", "game_id", gameID, "error", err)
			}
		})
		return nil, nil
	})
	return err
}

// AdvanceQuestion opens the question after the one whose window just closed.
// System-originated; normally fired by the reveal timer.
func (e *Engine) AdvanceQuestion(ctx context.Context, gameID uuid.UUID) error {
	_, err := e.do(ctx, gameID, "advance_question", func(ctx context.Context, s *session) (any, error) {
		g, err := e.store.GetGame(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if g.Status != domain.StatusStarted {
			return nil, nil
		}

		cursor, err := e.store.Cursor(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if !cursor.Closed {
			return nil, nil
		}

		return nil, e.openQuestion(ctx, s, g, cursor.Index+1)
	})
	return err
}

// End finishes the game early. Host only; STARTED or PAUSED games.
func (e *Engine) End(ctx context.Context, gameID, hostID uuid.UUID) error {
	_, err := e.do(ctx, gameID, "end", func(ctx context.Context, s *session) (any, error) {
		g, err := e.store.GetGame(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if err := requireHost(g, hostID); err != nil {
			return nil, err
		}

		return nil, e.endGame(ctx, s, g, &hostID)
	})
	return err
}

// Cancel aborts the game from any non-terminal state. A nil-host invocation
// is system-originated (recovery); otherwise host only.
func (e *Engine) Cancel(ctx context.Context, gameID, hostID uuid.UUID) error {
	_, err := e.do(ctx, gameID, "cancel", func(ctx context.Context, s *session) (any, error) {
		g, err := e.store.GetGame(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if hostID != uuid.Nil {
			if err := requireHost(g, hostID); err != nil {
				return nil, err
			}
		}

		if err := requireTransition(g, domain.StatusCancelled); err != nil {
			return nil, err
		}
		if err := e.store.CompareAndSwapStatus(ctx, gameID, g.Status, domain.StatusCancelled); err != nil {
			return nil, err
		}
		s.stopTimer()

		g.Status = domain.StatusCancelled
		g.EndedAt = e.now().UTC()
		if err := e.store.PutMeta(ctx, g); err != nil {
			return nil, err
		}

		e.emit(ctx, gameID, domain.EventGameCancelled, userIDOrNil(hostID), nil)
		e.checkpoint(ctx, gameID)
		e.expireTerminal(ctx, g)

		s.state = sessionCancelled
		return nil, nil
	})
	return err
}

// GetLeaderboard returns the current ranking. Read-only; served from the
// snapshot cache when valid.
func (e *Engine) GetLeaderboard(ctx context.Context, gameID uuid.UUID) (domain.LeaderboardSnapshot, error) {
	_, ok, err := e.store.Status(ctx, gameID)
	if err != nil {
		return domain.LeaderboardSnapshot{}, err
	}
	if !ok {
		return domain.LeaderboardSnapshot{}, errors.New(errors.CodeNotFound,
			errors.WithReason(errors.ReasonGameNotFound),
			errors.WithMessagef("game not found: %s", gameID),
		)
	}

	return e.ranker.Snapshot(ctx, gameID)
}

// GetGame returns the game's current state.
func (e *Engine) GetGame(ctx context.Context, gameID uuid.UUID) (domain.Game, error) {
	return e.store.GetGame(ctx, gameID)
}

// GameByPIN resolves a join code to its live game.
func (e *Engine) GameByPIN(ctx context.Context, pin string) (domain.Game, error) {
	gameID, err := e.store.GameIDByPin(ctx, pin)
	if err != nil {
		return domain.Game{}, err
	}
	return e.store.GetGame(ctx, gameID)
}

func (e *Engine) openQuestion(ctx context.Context, s *session, g domain.Game, index int) error {
	questions, err := e.store.Questions(ctx, g.ID)
	if err != nil {
		return err
	}
	if index >= len(questions) {
		return e.endGame(ctx, s, g, nil)
	}

	q := questions[index]
	window := q.AnswerWindow(g.Settings)
	now := e.now().UTC()

	if err := e.store.SetCursor(ctx, g.ID, state.Cursor{Index: index, OpenedAt: now}); err != nil {
		return err
	}

	g.CurrentQuestionIndex = index
	g.QuestionOpenedAt = now
	g.WindowRemaining = 0
	if err := e.store.PutMeta(ctx, g); err != nil {
		return err
	}

	e.emit(ctx, g.ID, domain.EventQuestionStarted, nil, map[string]any{
		"question_index": index,
		"question_id":    q.ID,
		"window_ms":      window.Milliseconds(),
	})

	s.schedule(e, window, func() {
		if err := e.CloseQuestion(context.Background(), g.ID, index); err != nil {
			e.log.Error("engine: window close", "game_id", g.ID, "error", err)
		}
	})
	return nil
}

func (e *Engine) endGame(ctx context.Context, s *session, g domain.Game, hostID *uuid.UUID) error {
	if err := requireTransition(g, domain.StatusEnded); err != nil {
		return err
	}
	if err := e.store.CompareAndSwapStatus(ctx, g.ID, g.Status, domain.StatusEnded); err != nil {
		return err
	}
	s.stopTimer()

	g.Status = domain.StatusEnded
	g.EndedAt = e.now().UTC()
	if err := e.store.PutMeta(ctx, g); err != nil {
		return err
	}

	snapshot, err := e.ranker.Recompute(ctx, g.ID)
	if err != nil {
		return err
	}

	// Persist the final rank on each roster entry.
	for _, entry := range snapshot.Entries {
		p, ok, err := e.store.Player(ctx, g.ID, entry.PlayerID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		p.FinalRank = entry.Rank
		if err := e.store.UpdatePlayer(ctx, p); err != nil {
			return err
		}
	}

	e.emit(ctx, g.ID, domain.EventGameEnded, hostID, map[string]any{
		"leaderboard": snapshot.Entries,
	})

	e.checkpoint(ctx, g.ID)
	e.expireTerminal(ctx, g)

	s.state = sessionEnded
	return nil
}

func (e *Engine) currentWindow(ctx context.Context, g domain.Game, index int) (time.Duration, error) {
	questions, err := e.store.Questions(ctx, g.ID)
	if err != nil {
		return 0, err
	}
	if index < 0 || index >= len(questions) {
		return g.Settings.AnswerWindow, nil
	}
	return questions[index].AnswerWindow(g.Settings), nil
}

func (e *Engine) emit(ctx context.Context, gameID uuid.UUID, eventType string, userID *uuid.UUID, data map[string]any) {
	if _, err := e.publisher.Publish(ctx, domain.GameEvent{
		GameID:    gameID,
		EventType: eventType,
		UserID:    userID,
		Data:      data,
	}); err != nil {
		e.log.ErrorContext(ctx, "engine: publish event",
			"game_id", gameID, "event_type", eventType, "error", err)
	}
}

func (e *Engine) checkpoint(ctx context.Context, gameID uuid.UUID) {
	if e.syncer == nil {
		return
	}

	if err := e.syncer.Checkpoint(ctx, gameID); err != nil {
		e.log.ErrorContext(ctx, "engine: durable checkpoint",
			"game_id", gameID, "error", err)
	}
}

func (e *Engine) expireTerminal(ctx context.Context, g domain.Game) {
	questions, err := e.store.Questions(ctx, g.ID)
	if err != nil {
		e.log.WarnContext(ctx, "engine: load questions for expiry", "game_id", g.ID, "error", err)
	}
	ids := make([]uuid.UUID, 0, len(questions))
	for _, q := range questions {
		ids = append(ids, q.ID)
	}

	if err := e.store.ExpireTerminal(ctx, g.ID, g.PIN, ids); err != nil {
		e.log.WarnContext(ctx, "engine: expire terminal keys", "game_id", g.ID, "error", err)
	}
}

// reservePin draws join codes until one is free. A handful of attempts is
// plenty for a six digit space against the live-game count.
func (e *Engine) reservePin(ctx context.Context, gameID uuid.UUID) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
		if err != nil {
			return "", fmt.Errorf("generate pin: %w", err)
		}
		pin := fmt.Sprintf("%06d", n.Int64())

		ok, err := e.store.ReservePin(ctx, pin, gameID)
		if err != nil {
			return "", err
		}
		if ok {
			return pin, nil
		}
	}

	return "", errors.New(errors.CodeResourceExhausted,
		errors.WithMessagef("no free join code for game %s", gameID))
}

func (e *Engine) do(ctx context.Context, gameID uuid.UUID, name string, fn func(ctx context.Context, s *session) (any, error)) (any, error) {
	for {
		select {
		case <-e.stopped:
			return nil, errors.New(errors.CodeUnavailable,
				errors.WithMessagef("%s: engine stopped", name))
		default:
		}

		s := e.session(gameID)
		cmd := &command{ctx: ctx, name: name, fn: fn, reply: make(chan result, 1)}

		ok, err := s.submit(cmd)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Session closed between lookup and submit; retry on a fresh one.
			continue
		}

		select {
		case r := <-cmd.reply:
			e.metrics.Command(name, r.err)
			return r.v, r.err
		case <-ctx.Done():
			return nil, errors.New(errors.CodeCancelled,
				errors.WithMessagef("%s: %v", name, ctx.Err()))
		}
	}
}

func (e *Engine) session(gameID uuid.UUID) *session {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[gameID]; ok {
		return s
	}

	s := newSession(gameID)
	e.sessions[gameID] = s
	e.wg.Add(1)
	go e.loop(s)
	return s
}

func (e *Engine) remove(s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sessions[s.gameID] == s {
		delete(e.sessions, s.gameID)
	}
}

// requireTransition enforces the lifecycle table before the store CAS; the
// CAS alone only guards against concurrent movement, not against an illegal
// next state.
func requireTransition(g domain.Game, next domain.GameStatus) error {
	if !g.Status.CanTransitionTo(next) {
		return errors.New(errors.CodeAborted,
			errors.WithReason(errors.ReasonStaleState),
			errors.WithMessagef("game %s is %s, cannot become %s", g.ID, g.Status, next),
		)
	}
	return nil
}

func requireHost(g domain.Game, userID uuid.UUID) error {
	if userID != g.HostID {
		return errors.New(errors.CodePermissionDenied,
			errors.WithReason(errors.ReasonUnauthorizedHostAction),
			errors.WithMessagef("user %s is not the host of game %s", userID, g.ID),
		)
	}
	return nil
}

func notAJoinedPlayer(gameID, playerID uuid.UUID) error {
	return errors.New(errors.CodeFailedPrecondition,
		errors.WithReason(errors.ReasonNotAJoinedPlayer),
		errors.WithMessagef("player %s is not in game %s", playerID, gameID),
	)
}

func userIDOrNil(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
