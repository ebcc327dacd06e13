package state

import (
	"fmt"

	"github.com/google/uuid"
)

// Ephemeral key namespace, one entry set per active game.
const (
	keyStatus        = "game_status:"
	keyMeta          = "game_meta:"
	keyPlayers       = "game_players:"
	keyScores        = "player_scores:"
	keyQuestions     = "game_questions:"
	keyQuestionIndex = "game_question_index:"
	keyLeaderboard   = "game_leaderboard:"
	keyAnswered      = "game_answered:"
	keyAnswerEntries = "game_answer_entries:"
	keyAnswerTime    = "player_answer_time:"
	keyEventSeq      = "game_event_seq:"
	keyJoinSeq       = "game_join_seq:"
	keyPin           = "game_pin:"
)

func (s *Store) key(prefix string, gameID uuid.UUID) string {
	return s.prefix + prefix + gameID.String()
}

func (s *Store) answeredKey(gameID, questionID uuid.UUID) string {
	return fmt.Sprintf("%s%s%s:%s", s.prefix, keyAnswered, gameID, questionID)
}

func (s *Store) pinKey(pin string) string {
	return s.prefix + keyPin + pin
}

func (s *Store) gameKeys(gameID uuid.UUID) []string {
	return []string{
		s.key(keyStatus, gameID),
		s.key(keyMeta, gameID),
		s.key(keyPlayers, gameID),
		s.key(keyScores, gameID),
		s.key(keyQuestions, gameID),
		s.key(keyQuestionIndex, gameID),
		s.key(keyLeaderboard, gameID),
		s.key(keyAnswerEntries, gameID),
		s.key(keyAnswerTime, gameID),
		s.key(keyEventSeq, gameID),
		s.key(keyJoinSeq, gameID),
	}
}
