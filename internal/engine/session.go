package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thaihoandev/quizlive/internal/errors"
)

const commandBuffer = 1024

type result struct {
	v   any
	err error
}

type command struct {
	ctx   context.Context
	name  string
	fn    func(ctx context.Context, s *session) (any, error)
	reply chan result
}

// sessionState is written only from the session's own goroutine.
type sessionState int

const (
	sessionLive sessionState = iota
	sessionEnded
	sessionCancelled
)

// session is the single writer for one game. Every command against the game
// funnels through its queue, so handlers never race each other and per-game
// event order equals command commit order.
type session struct {
	gameID uuid.UUID
	cmds   chan *command
	state  sessionState

	// timer is the one pending system timer (countdown, window or reveal),
	// touched only from the session goroutine.
	timer Timer

	mu      sync.Mutex
	closing bool
}

func newSession(gameID uuid.UUID) *session {
	return &session{
		gameID: gameID,
		cmds:   make(chan *command, commandBuffer),
	}
}

// submit enqueues a command. Returns false when the session already closed,
// in which case the caller retries against a fresh session.
func (s *session) submit(cmd *command) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false, nil
	}

	select {
	case s.cmds <- cmd:
		return true, nil
	default:
		return true, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("game %s: command queue full", s.gameID),
		)
	}
}

func (s *session) schedule(e *Engine, d time.Duration, fn func()) {
	s.stopTimer()
	if e.newTimer == nil {
		return
	}
	s.timer = e.newTimer(d, fn)
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (e *Engine) loop(s *session) {
	defer e.wg.Done()

	for {
		select {
		case cmd := <-s.cmds:
			e.execute(s, cmd)

			switch s.state {
			case sessionCancelled:
				// Pending commands fail instead of running against a
				// cancelled game.
				e.close(s, true)
				return
			case sessionEnded:
				if len(s.cmds) == 0 {
					e.close(s, false)
					return
				}
			}

		case <-e.stopped:
			e.close(s, true)
			return
		}
	}
}

// close detaches the session and drains its queue. With fail set, pending
// commands are rejected with GAME_CANCELLED; otherwise they still execute and
// fail their own status checks.
func (e *Engine) close(s *session, fail bool) {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.stopTimer()
	e.remove(s)

	for {
		select {
		case cmd := <-s.cmds:
			if fail {
				cmd.reply <- result{err: errors.New(errors.CodeFailedPrecondition,
					errors.WithReason(errors.ReasonGameCancelled),
					errors.WithMessagef("game %s: cancelled before %s ran", s.gameID, cmd.name),
				)}
				continue
			}
			e.execute(s, cmd)
		default:
			return
		}
	}
}

func (e *Engine) execute(s *session, cmd *command) {
	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorContext(cmd.ctx, "engine: command panicked",
				"game_id", s.gameID, "command", cmd.name, "panic", r)
			cmd.reply <- result{err: errors.New(errors.CodeInternal,
				errors.WithMessagef("%s: internal failure", cmd.name),
			)}
		}
	}()

	v, err := cmd.fn(cmd.ctx, s)
	if err != nil {
		e.logCommandError(cmd.ctx, s.gameID, cmd.name, err)
	}
	cmd.reply <- result{v: v, err: err}
}

func (e *Engine) logCommandError(ctx context.Context, gameID uuid.UUID, name string, err error) {
	level := slog.LevelWarn
	if errors.Convert(err).Code == errors.CodeInternal {
		level = slog.LevelError
	}
	e.log.Log(ctx, level, "engine: command failed",
		"game_id", gameID, "command", name, "error", err)
}
