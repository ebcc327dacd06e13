package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/thaihoandev/quizlive/internal/domain"
	"github.com/thaihoandev/quizlive/internal/errors"
	"github.com/thaihoandev/quizlive/internal/scoring"
)

type SubmitAnswerRequest struct {
	GameID     uuid.UUID
	PlayerID   uuid.UUID
	QuestionID uuid.UUID
	Answer     domain.Answer
	// ClientSubmittedAt is recorded for audit only; elapsed time is always
	// measured server-side from the question's open timestamp.
	ClientSubmittedAt time.Time
}

// SubmitAnswer grades and records an answer for the currently open question.
// Preconditions are checked in order: the window must be open, the player
// must be in the roster, and the player must not have answered this question
// yet. Incorrect answers are recorded too; they score zero and still consume
// the player's single attempt.
func (e *Engine) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (domain.ScoreResult, error) {
	v, err := e.do(ctx, req.GameID, "submit_answer", func(ctx context.Context, s *session) (any, error) {
		oq, err := e.requireOpenQuestion(ctx, req.GameID, req.PlayerID, req.QuestionID)
		if err != nil {
			return nil, err
		}

		correctness, err := scoring.Grade(oq.question, req.Answer)
		if err != nil {
			return nil, err
		}
		points := scoring.Points(oq.question.BasePoints(oq.game.Settings), correctness, oq.elapsed, oq.window)

		total, err := e.recordAnswer(ctx, domain.ScoreEntry{
			GameID:            req.GameID,
			PlayerID:          req.PlayerID,
			QuestionID:        req.QuestionID,
			Points:            points,
			Correct:           correctness.Sign() > 0,
			Elapsed:           oq.elapsed,
			AnsweredAt:        oq.now,
			ClientSubmittedAt: req.ClientSubmittedAt,
		})
		if err != nil {
			return nil, err
		}

		e.metrics.AnswerScored()
		return domain.ScoreResult{
			Correct:    correctness.Sign() > 0,
			Points:     points,
			TotalScore: total,
			Elapsed:    oq.elapsed,
		}, nil
	})
	if err != nil {
		return domain.ScoreResult{}, err
	}

	return v.(domain.ScoreResult), nil
}

// Skip records a deliberate pass on the currently open question. The attempt
// is consumed at zero points, so a later answer to the same question is a
// duplicate.
func (e *Engine) Skip(ctx context.Context, gameID, playerID, questionID uuid.UUID) error {
	_, err := e.do(ctx, gameID, "skip", func(ctx context.Context, s *session) (any, error) {
		oq, err := e.requireOpenQuestion(ctx, gameID, playerID, questionID)
		if err != nil {
			return nil, err
		}

		if _, err := e.recordAnswer(ctx, domain.ScoreEntry{
			GameID:     gameID,
			PlayerID:   playerID,
			QuestionID: questionID,
			Skipped:    true,
			Elapsed:    oq.elapsed,
			AnsweredAt: oq.now,
		}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

// liveQuestion is the validated context an answer or skip lands in.
type liveQuestion struct {
	game     domain.Game
	question domain.Question
	window   time.Duration
	elapsed  time.Duration
	now      time.Time
}

func (e *Engine) requireOpenQuestion(ctx context.Context, gameID, playerID, questionID uuid.UUID) (liveQuestion, error) {
	g, err := e.store.GetGame(ctx, gameID)
	if err != nil {
		return liveQuestion{}, err
	}
	if g.Status != domain.StatusStarted {
		return liveQuestion{}, windowClosed(gameID, questionID,
			"game is "+string(g.Status))
	}

	cursor, err := e.store.Cursor(ctx, gameID)
	if err != nil {
		return liveQuestion{}, err
	}
	if cursor.Index < 0 || cursor.Closed {
		return liveQuestion{}, windowClosed(gameID, questionID, "no open question")
	}

	questions, err := e.store.Questions(ctx, gameID)
	if err != nil {
		return liveQuestion{}, err
	}
	q := questions[cursor.Index]
	if q.ID != questionID {
		return liveQuestion{}, windowClosed(gameID, questionID, "not the current question")
	}

	window := q.AnswerWindow(g.Settings)
	now := e.now().UTC()
	elapsed := now.Sub(cursor.OpenedAt)
	if elapsed >= window {
		return liveQuestion{}, windowClosed(gameID, questionID, "answer window elapsed")
	}

	if _, ok, err := e.store.Player(ctx, gameID, playerID); err != nil {
		return liveQuestion{}, err
	} else if !ok {
		return liveQuestion{}, notAJoinedPlayer(gameID, playerID)
	}

	return liveQuestion{game: g, question: q, window: window, elapsed: elapsed, now: now}, nil
}

func (e *Engine) recordAnswer(ctx context.Context, entry domain.ScoreEntry) (int, error) {
	total, err := e.store.RecordAnswer(ctx, entry)
	if errors.HasReason(err, errors.ReasonDuplicateAnswer) {
		e.metrics.DuplicateAnswer()
	}
	return total, err
}

func windowClosed(gameID, questionID uuid.UUID, detail string) error {
	return errors.New(errors.CodeFailedPrecondition,
		errors.WithReason(errors.ReasonWindowClosed),
		errors.WithMessagef("question %s of game %s: %s", questionID, gameID, detail),
	)
}
