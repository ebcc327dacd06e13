package domain

import (
	"time"

	"github.com/google/uuid"
)

// Game event types broadcast to subscribers of a game's event stream.
const (
	EventGameCreated   = "GAME_CREATED"
	EventGameStarting  = "GAME_STARTING"
	EventGameStarted   = "GAME_STARTED"
	EventGamePaused    = "GAME_PAUSED"
	EventGameResumed   = "GAME_RESUMED"
	EventGameEnded     = "GAME_ENDED"
	EventGameCancelled = "GAME_CANCELLED"

	EventParticipantJoined = "PARTICIPANT_JOINED"
	EventParticipantLeft   = "PARTICIPANT_LEFT"
	EventParticipantKicked = "PARTICIPANT_KICKED"

	EventQuestionStarted = "QUESTION_STARTED"
	EventQuestionEnded   = "QUESTION_ENDED"

	// EventRecoveredIncompleteGame is an audit event emitted when a game
	// whose ephemeral state was lost is force-cancelled on restart.
	EventRecoveredIncompleteGame = "RECOVERED_INCOMPLETE_GAME"
)

// GameEvent is one entry of a game's ordered event stream. Sequence is
// monotonically increasing per game so consumers can deduplicate and detect
// gaps under at-least-once delivery.
type GameEvent struct {
	GameID    uuid.UUID      `json:"gameId"`
	EventType string         `json:"eventType"`
	UserID    *uuid.UUID     `json:"userId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  int64          `json:"sequenceNumber"`
}

// In-process bus event names.
const (
	EventNameGameEvent = "game.event"
)

// EventGamePublished wraps a published GameEvent for in-process subscribers
// such as the persistence sync and metrics.
type EventGamePublished struct {
	Event GameEvent
}

func (EventGamePublished) Name() string { return EventNameGameEvent }
