package domain

import (
	"time"

	"github.com/google/uuid"
)

// GameStatus is the lifecycle state of a game session.
type GameStatus string

const (
	StatusCreated   GameStatus = "CREATED"
	StatusStarting  GameStatus = "STARTING"
	StatusStarted   GameStatus = "STARTED"
	StatusPaused    GameStatus = "PAUSED"
	StatusEnded     GameStatus = "ENDED"
	StatusCancelled GameStatus = "CANCELLED"
)

// transitions is the legal lifecycle table. Any non-terminal state may also
// move to CANCELLED.
var transitions = map[GameStatus][]GameStatus{
	StatusCreated:  {StatusStarting},
	StatusStarting: {StatusStarted},
	StatusStarted:  {StatusPaused, StatusEnded},
	StatusPaused:   {StatusStarted, StatusEnded},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s GameStatus) CanTransitionTo(next GameStatus) bool {
	if next == StatusCancelled {
		return !s.Terminal()
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state accepts no further transitions.
func (s GameStatus) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// Joinable reports whether a join command is accepted in this state.
func (s GameStatus) Joinable() bool {
	switch s {
	case StatusCreated, StatusStarting, StatusStarted:
		return true
	}
	return false
}

// Settings are the host-chosen parameters of a game session.
type Settings struct {
	BasePoints      int           `json:"base_points"`
	AnswerWindow    time.Duration `json:"answer_window"`
	QuestionCount   int           `json:"question_count"`
	MaxPlayers      int           `json:"max_players"`
	AllowAnonymous  bool          `json:"allow_anonymous"`
	ShowLeaderboard bool          `json:"show_leaderboard"`
	Countdown       time.Duration `json:"countdown"`
	RevealInterval  time.Duration `json:"reveal_interval"`
}

// DefaultSettings mirror the defaults players expect from a quick game.
func DefaultSettings() Settings {
	return Settings{
		BasePoints:      1000,
		AnswerWindow:    20 * time.Second,
		MaxPlayers:      200,
		AllowAnonymous:  true,
		ShowLeaderboard: true,
		Countdown:       3 * time.Second,
		RevealInterval:  8 * time.Second,
	}
}

// Game is a live quiz session. The durable row and the ephemeral mirror share
// this shape; while the game is live the ephemeral copy is authoritative.
type Game struct {
	ID       uuid.UUID  `json:"game_id"`
	HostID   uuid.UUID  `json:"host_id"`
	QuizID   uuid.UUID  `json:"quiz_id"`
	Status   GameStatus `json:"status"`
	Settings Settings   `json:"settings"`

	// PIN is the short join code players type in; unique among live games.
	PIN string `json:"pin,omitempty"`

	// CurrentQuestionIndex is -1 until the first question opens.
	CurrentQuestionIndex int `json:"current_question_index"`

	// QuestionOpenedAt is the server-side open timestamp of the current
	// question; elapsed time for scoring is measured from it.
	QuestionOpenedAt time.Time `json:"question_opened_at,omitempty"`

	// WindowRemaining is the unexpired part of the answer window while the
	// game is PAUSED; zero otherwise.
	WindowRemaining time.Duration `json:"window_remaining,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Identity is what the transport layer knows about a joining player: an
// authenticated user ID, or a nickname only for anonymous players.
type Identity struct {
	UserID      uuid.UUID
	DisplayName string
}

// Anonymous reports whether the identity carries no authenticated user.
func (i Identity) Anonymous() bool {
	return i.UserID == uuid.Nil
}

// Participant is a roster member of a game session.
type Participant struct {
	GameID      uuid.UUID `json:"game_id"`
	PlayerID    uuid.UUID `json:"player_id"`
	DisplayName string    `json:"display_name"`
	Anonymous   bool      `json:"anonymous"`
	Connected   bool      `json:"connected"`
	// JoinOrder is the zero-based arrival position, the final ranking
	// tie-break.
	JoinOrder int       `json:"join_order"`
	JoinedAt  time.Time `json:"joined_at"`
	FinalRank int       `json:"final_rank,omitempty"`
}

// ScoreEntry records one scored answer. At most one entry exists per
// (game, player, question).
type ScoreEntry struct {
	GameID     uuid.UUID `json:"game_id"`
	PlayerID   uuid.UUID `json:"player_id"`
	QuestionID uuid.UUID `json:"question_id"`
	Points     int       `json:"points"`
	Correct    bool      `json:"correct"`
	// Skipped marks a deliberate pass; it consumes the player's single
	// attempt at zero points.
	Skipped bool `json:"skipped,omitempty"`
	// Elapsed is the server-measured time from question open to submission.
	Elapsed    time.Duration `json:"elapsed"`
	AnsweredAt time.Time     `json:"answered_at"`
	// ClientSubmittedAt is recorded for audit only and never used for
	// scoring.
	ClientSubmittedAt time.Time `json:"client_submitted_at,omitempty"`
}

// ScoreResult is returned to the submitting player.
type ScoreResult struct {
	Correct    bool
	Points     int
	TotalScore int
	Elapsed    time.Duration
}

// LeaderboardEntry is one ranked row of a snapshot.
type LeaderboardEntry struct {
	Rank        int       `json:"rank"`
	PlayerID    uuid.UUID `json:"player_id"`
	DisplayName string    `json:"display_name"`
	TotalScore  int       `json:"total_score"`
	// TotalAnswerMillis is the sum of per-question elapsed times, the first
	// ranking tie-break.
	TotalAnswerMillis int64 `json:"total_answer_ms"`
}

// LeaderboardSnapshot is an immutable, deterministically ordered ranking
// derived from the score map at a point in time.
type LeaderboardSnapshot struct {
	GameID     uuid.UUID          `json:"game_id"`
	ComputedAt time.Time          `json:"computed_at"`
	Entries    []LeaderboardEntry `json:"entries"`
}
