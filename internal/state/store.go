// Package state implements the ephemeral per-game session store on Redis.
// All multi-field mutations on the hot answer path are expressed as single
// atomic script calls; read-modify-write round trips are reserved for the
// single-writer command processor.
package state

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/thaihoandev/quizlive/internal/domain"
	"github.com/thaihoandev/quizlive/internal/errors"
)

const (
	defaultTTL         = 2 * time.Hour
	defaultTerminalTTL = 10 * time.Minute
	defaultOpTimeout   = 2 * time.Second
	defaultRetries     = 3
	defaultBackoff     = 50 * time.Millisecond
)

type Config struct {
	Redis redis.UniversalClient
	// Prefix namespaces all keys, e.g. per environment.
	Prefix string
	// TTL bounds the lifetime of live game entries.
	TTL time.Duration
	// TerminalTTL is applied once a game reaches a terminal state.
	TerminalTTL time.Duration
	// OpTimeout bounds a single store call.
	OpTimeout time.Duration
	// Retries caps retry attempts for transient failures.
	Retries int
	// Backoff is the initial retry backoff, doubled per attempt.
	Backoff time.Duration
}

type Store struct {
	redis       redis.UniversalClient
	prefix      string
	ttl         time.Duration
	terminalTTL time.Duration
	opTimeout   time.Duration
	retries     int
	backoff     time.Duration
}

func NewStore(c Config) *Store {
	s := &Store{
		redis:       c.Redis,
		prefix:      c.Prefix,
		ttl:         defaultTTL,
		terminalTTL: defaultTerminalTTL,
		opTimeout:   defaultOpTimeout,
		retries:     defaultRetries,
		backoff:     defaultBackoff,
	}

	if c.Prefix != "" {
		s.prefix = c.Prefix + ":"
	}
	if c.TTL > 0 {
		s.ttl = c.TTL
	}
	if c.TerminalTTL > 0 {
		s.terminalTTL = c.TerminalTTL
	}
	if c.OpTimeout > 0 {
		s.opTimeout = c.OpTimeout
	}
	if c.Retries > 0 {
		s.retries = c.Retries
	}
	if c.Backoff > 0 {
		s.backoff = c.Backoff
	}

	return s
}

// do runs fn with a bounded per-call timeout, retrying transient failures
// with exponential backoff. Exhaustion surfaces as an
// EPHEMERAL_STORE_UNAVAILABLE error; commands are never silently dropped or
// retried indefinitely.
func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := s.backoff

	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		err = fn(opCtx)
		cancel()

		if err == nil || !retryable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return errors.New(errors.CodeUnavailable,
				errors.WithReason(errors.ReasonEphemeralStoreUnavailable),
				errors.WithMessagef("%s: %v", op, ctx.Err()),
				errors.WithCause(err),
			)
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return errors.New(errors.CodeUnavailable,
		errors.WithReason(errors.ReasonEphemeralStoreUnavailable),
		errors.WithMessagef("%s: retries exhausted", op),
		errors.WithCause(err),
	)
}

func retryable(err error) bool {
	if stderrors.Is(err, redis.Nil) || stderrors.Is(err, context.Canceled) {
		return false
	}

	var e *errors.Error
	return !stderrors.As(err, &e)
}

// PutGame writes the game mirror: the status key and the metadata blob.
func (s *Store) PutGame(ctx context.Context, g domain.Game) error {
	meta, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("state: marshal game: %w", err)
	}

	return s.do(ctx, "put game", func(ctx context.Context) error {
		if err := s.redis.Set(ctx, s.key(keyStatus, g.ID), string(g.Status), s.ttl).Err(); err != nil {
			return err
		}
		return s.redis.Set(ctx, s.key(keyMeta, g.ID), meta, s.ttl).Err()
	})
}

// GetGame reads the game mirror. The status key is authoritative for Status.
func (s *Store) GetGame(ctx context.Context, gameID uuid.UUID) (domain.Game, error) {
	var g domain.Game

	err := s.do(ctx, "get game", func(ctx context.Context) error {
		meta, err := s.redis.Get(ctx, s.key(keyMeta, gameID)).Result()
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(meta), &g); err != nil {
			return fmt.Errorf("state: unmarshal game: %w", err)
		}

		status, err := s.redis.Get(ctx, s.key(keyStatus, gameID)).Result()
		if err != nil {
			return err
		}
		g.Status = domain.GameStatus(status)
		return nil
	})
	if stderrors.Is(err, redis.Nil) {
		return domain.Game{}, errors.New(errors.CodeNotFound,
			errors.WithReason(errors.ReasonGameNotFound),
			errors.WithMessagef("game not found: %s", gameID),
		)
	}
	if err != nil {
		return domain.Game{}, err
	}

	return g, nil
}

// Status reads only the status key. A missing key yields ok=false.
func (s *Store) Status(ctx context.Context, gameID uuid.UUID) (domain.GameStatus, bool, error) {
	var status string

	err := s.do(ctx, "get status", func(ctx context.Context) error {
		var err error
		status, err = s.redis.Get(ctx, s.key(keyStatus, gameID)).Result()
		return err
	})
	if stderrors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	return domain.GameStatus(status), true, nil
}

// CompareAndSwapStatus transitions the status key only if the observed value
// matches expect. On mismatch the observed status is returned alongside a
// STALE_STATE error; a missing key yields GAME_NOT_FOUND.
func (s *Store) CompareAndSwapStatus(ctx context.Context, gameID uuid.UUID, expect, next domain.GameStatus) error {
	ttl := s.ttl
	if next.Terminal() {
		ttl = s.terminalTTL
	}

	var res any
	err := s.do(ctx, "cas status", func(ctx context.Context) error {
		var err error
		res, err = casStatus.Run(ctx, s.redis,
			[]string{s.key(keyStatus, gameID)},
			string(expect), string(next), ttl.Milliseconds(),
		).Result()
		return err
	})
	if err != nil {
		return err
	}

	switch observed := res.(string); observed {
	case "OK":
		return nil
	case "NONE":
		return errors.New(errors.CodeNotFound,
			errors.WithReason(errors.ReasonGameNotFound),
			errors.WithMessagef("game not found: %s", gameID),
		)
	default:
		return errors.New(errors.CodeAborted,
			errors.WithReason(errors.ReasonStaleState),
			errors.WithMessagef("status is %s, expected %s", observed, expect),
		)
	}
}

// PutMeta rewrites the metadata blob. Only the per-game command processor
// calls this, so no cross-writer race exists.
func (s *Store) PutMeta(ctx context.Context, g domain.Game) error {
	meta, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("state: marshal game: %w", err)
	}

	return s.do(ctx, "put meta", func(ctx context.Context) error {
		return s.redis.Set(ctx, s.key(keyMeta, g.ID), meta, s.ttl).Err()
	})
}

// AddPlayer inserts a participant into the roster, assigning the join order
// from a monotonic per-game counter so removed players never free their slot
// in the ordering. Duplicate player IDs are rejected.
func (s *Store) AddPlayer(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	key := s.key(keyPlayers, p.GameID)

	err := s.do(ctx, "add player", func(ctx context.Context) error {
		exists, err := s.redis.HExists(ctx, key, p.PlayerID.String()).Result()
		if err != nil {
			return err
		}
		if exists {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithReason(errors.ReasonGameNotJoinable),
				errors.WithMessagef("player already in roster: %s", p.PlayerID),
			)
		}

		n, err := s.redis.Incr(ctx, s.key(keyJoinSeq, p.GameID)).Result()
		if err != nil {
			return err
		}
		p.JoinOrder = int(n) - 1

		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("state: marshal participant: %w", err)
		}
		if err := s.redis.HSet(ctx, key, p.PlayerID.String(), raw).Err(); err != nil {
			return err
		}
		if err := s.redis.Expire(ctx, key, s.ttl).Err(); err != nil {
			return err
		}
		return s.redis.Expire(ctx, s.key(keyJoinSeq, p.GameID), s.ttl).Err()
	})
	if err != nil {
		return domain.Participant{}, err
	}

	return p, nil
}

// UpdatePlayer overwrites a roster entry in place.
func (s *Store) UpdatePlayer(ctx context.Context, p domain.Participant) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("state: marshal participant: %w", err)
	}

	return s.do(ctx, "update player", func(ctx context.Context) error {
		return s.redis.HSet(ctx, s.key(keyPlayers, p.GameID), p.PlayerID.String(), raw).Err()
	})
}

// RemovePlayer deletes a roster entry.
func (s *Store) RemovePlayer(ctx context.Context, gameID, playerID uuid.UUID) error {
	return s.do(ctx, "remove player", func(ctx context.Context) error {
		return s.redis.HDel(ctx, s.key(keyPlayers, gameID), playerID.String()).Err()
	})
}

// Player reads one roster entry. ok=false when the player is not in the
// roster.
func (s *Store) Player(ctx context.Context, gameID, playerID uuid.UUID) (domain.Participant, bool, error) {
	var p domain.Participant
	found := false

	err := s.do(ctx, "get player", func(ctx context.Context) error {
		raw, err := s.redis.HGet(ctx, s.key(keyPlayers, gameID), playerID.String()).Result()
		if stderrors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal([]byte(raw), &p)
	})
	if err != nil {
		return domain.Participant{}, false, err
	}

	return p, found, nil
}

// Roster returns all participants ordered by join order.
func (s *Store) Roster(ctx context.Context, gameID uuid.UUID) ([]domain.Participant, error) {
	var raw map[string]string

	err := s.do(ctx, "get roster", func(ctx context.Context) error {
		var err error
		raw, err = s.redis.HGetAll(ctx, s.key(keyPlayers, gameID)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	roster := make([]domain.Participant, 0, len(raw))
	for _, v := range raw {
		var p domain.Participant
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("state: unmarshal participant: %w", err)
		}
		roster = append(roster, p)
	}

	sort.Slice(roster, func(i, j int) bool { return roster[i].JoinOrder < roster[j].JoinOrder })
	return roster, nil
}

// PutQuestions caches the game's question list.
func (s *Store) PutQuestions(ctx context.Context, gameID uuid.UUID, questions []domain.Question) error {
	raw, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("state: marshal questions: %w", err)
	}

	return s.do(ctx, "put questions", func(ctx context.Context) error {
		return s.redis.Set(ctx, s.key(keyQuestions, gameID), raw, s.ttl).Err()
	})
}

// Questions reads the game's question list.
func (s *Store) Questions(ctx context.Context, gameID uuid.UUID) ([]domain.Question, error) {
	var questions []domain.Question

	err := s.do(ctx, "get questions", func(ctx context.Context) error {
		raw, err := s.redis.Get(ctx, s.key(keyQuestions, gameID)).Result()
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &questions)
	})
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithReason(errors.ReasonGameNotFound),
			errors.WithMessagef("questions not found: game=%s", gameID),
		)
	}
	if err != nil {
		return nil, err
	}

	return questions, nil
}

// Cursor tracks the current question: its index, the server-side open
// timestamp and whether its window already closed.
type Cursor struct {
	Index    int       `json:"index"`
	OpenedAt time.Time `json:"opened_at"`
	Closed   bool      `json:"closed"`
}

// SetCursor writes the question cursor.
func (s *Store) SetCursor(ctx context.Context, gameID uuid.UUID, c Cursor) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("state: marshal cursor: %w", err)
	}

	return s.do(ctx, "set cursor", func(ctx context.Context) error {
		return s.redis.Set(ctx, s.key(keyQuestionIndex, gameID), raw, s.ttl).Err()
	})
}

// Cursor reads the question cursor; a missing key yields index -1.
func (s *Store) Cursor(ctx context.Context, gameID uuid.UUID) (Cursor, error) {
	c := Cursor{Index: -1}

	err := s.do(ctx, "get cursor", func(ctx context.Context) error {
		raw, err := s.redis.Get(ctx, s.key(keyQuestionIndex, gameID)).Result()
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &c)
	})
	if stderrors.Is(err, redis.Nil) {
		return Cursor{Index: -1}, nil
	}
	if err != nil {
		return Cursor{Index: -1}, err
	}

	return c, nil
}

// RecordAnswer applies a scored answer as one atomic operation: the
// answered-set membership check, the score-entry write, the score increment,
// the cumulative answer-time increment and the leaderboard invalidation all
// happen in a single script so concurrent submissions from distinct players
// can never lose updates, and a duplicate can never double-score.
func (s *Store) RecordAnswer(ctx context.Context, entry domain.ScoreEntry) (total int, err error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("state: marshal score entry: %w", err)
	}

	field := entry.QuestionID.String() + ":" + entry.PlayerID.String()

	var res any
	err = s.do(ctx, "record answer", func(ctx context.Context) error {
		res, err = recordAnswer.Run(ctx, s.redis,
			[]string{
				s.answeredKey(entry.GameID, entry.QuestionID),
				s.key(keyAnswerEntries, entry.GameID),
				s.key(keyScores, entry.GameID),
				s.key(keyAnswerTime, entry.GameID),
				s.key(keyLeaderboard, entry.GameID),
			},
			entry.PlayerID.String(),
			field,
			raw,
			entry.Points,
			entry.Elapsed.Milliseconds(),
			s.ttl.Milliseconds(),
		).Result()
		return err
	})
	if err != nil {
		return 0, err
	}

	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("state: record answer: unexpected reply %T", res)
	}
	if n < 0 {
		return 0, errors.New(errors.CodeAlreadyExists,
			errors.WithReason(errors.ReasonDuplicateAnswer),
			errors.WithMessagef("player %s already answered question %s", entry.PlayerID, entry.QuestionID),
		)
	}

	return int(n), nil
}

// Scores returns the live score map.
func (s *Store) Scores(ctx context.Context, gameID uuid.UUID) (map[uuid.UUID]int, error) {
	raw, err := s.hGetAll(ctx, "get scores", s.key(keyScores, gameID))
	if err != nil {
		return nil, err
	}

	scores := make(map[uuid.UUID]int, len(raw))
	for k, v := range raw {
		id, err := uuid.Parse(k)
		if err != nil {
			return nil, fmt.Errorf("state: parse player id %q: %w", k, err)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("state: parse score %q: %w", v, err)
		}
		scores[id] = n
	}

	return scores, nil
}

// AnswerTimes returns each player's cumulative answer time in milliseconds.
func (s *Store) AnswerTimes(ctx context.Context, gameID uuid.UUID) (map[uuid.UUID]int64, error) {
	raw, err := s.hGetAll(ctx, "get answer times", s.key(keyAnswerTime, gameID))
	if err != nil {
		return nil, err
	}

	times := make(map[uuid.UUID]int64, len(raw))
	for k, v := range raw {
		id, err := uuid.Parse(k)
		if err != nil {
			return nil, fmt.Errorf("state: parse player id %q: %w", k, err)
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("state: parse answer time %q: %w", v, err)
		}
		times[id] = n
	}

	return times, nil
}

// Entries returns every recorded score entry of the game.
func (s *Store) Entries(ctx context.Context, gameID uuid.UUID) ([]domain.ScoreEntry, error) {
	raw, err := s.hGetAll(ctx, "get entries", s.key(keyAnswerEntries, gameID))
	if err != nil {
		return nil, err
	}

	entries := make([]domain.ScoreEntry, 0, len(raw))
	for _, v := range raw {
		var e domain.ScoreEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("state: unmarshal score entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, nil
}

func (s *Store) hGetAll(ctx context.Context, op, key string) (map[string]string, error) {
	var raw map[string]string

	err := s.do(ctx, op, func(ctx context.Context) error {
		var err error
		raw, err = s.redis.HGetAll(ctx, key).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	return raw, nil
}

// PutLeaderboard caches a computed snapshot.
func (s *Store) PutLeaderboard(ctx context.Context, snapshot domain.LeaderboardSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("state: marshal leaderboard: %w", err)
	}

	return s.do(ctx, "put leaderboard", func(ctx context.Context) error {
		return s.redis.Set(ctx, s.key(keyLeaderboard, snapshot.GameID), raw, s.ttl).Err()
	})
}

// Leaderboard reads the cached snapshot. ok=false when the cache is cold or
// was invalidated by a score entry.
func (s *Store) Leaderboard(ctx context.Context, gameID uuid.UUID) (domain.LeaderboardSnapshot, bool, error) {
	var snapshot domain.LeaderboardSnapshot
	found := false

	err := s.do(ctx, "get leaderboard", func(ctx context.Context) error {
		raw, err := s.redis.Get(ctx, s.key(keyLeaderboard, gameID)).Result()
		if stderrors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal([]byte(raw), &snapshot)
	})
	if err != nil {
		return domain.LeaderboardSnapshot{}, false, err
	}

	return snapshot, found, nil
}

// NextEventSeq returns the next per-game event sequence number, monotonically
// increasing for the lifetime of the entry.
func (s *Store) NextEventSeq(ctx context.Context, gameID uuid.UUID) (int64, error) {
	var seq int64

	err := s.do(ctx, "next event seq", func(ctx context.Context) error {
		var err error
		seq, err = s.redis.Incr(ctx, s.key(keyEventSeq, gameID)).Result()
		return err
	})
	if err != nil {
		return 0, err
	}

	return seq, nil
}

// ReservePin claims a join code for the game while it is live. ok=false when
// another live game already holds the code.
func (s *Store) ReservePin(ctx context.Context, pin string, gameID uuid.UUID) (bool, error) {
	var ok bool

	err := s.do(ctx, "reserve pin", func(ctx context.Context) error {
		var err error
		ok, err = s.redis.SetNX(ctx, s.pinKey(pin), gameID.String(), s.ttl).Result()
		return err
	})
	if err != nil {
		return false, err
	}

	return ok, nil
}

// GameIDByPin resolves a join code to the live game holding it.
func (s *Store) GameIDByPin(ctx context.Context, pin string) (uuid.UUID, error) {
	var gameID uuid.UUID

	err := s.do(ctx, "game by pin", func(ctx context.Context) error {
		raw, err := s.redis.Get(ctx, s.pinKey(pin)).Result()
		if stderrors.Is(err, redis.Nil) {
			return errors.New(errors.CodeNotFound,
				errors.WithReason(errors.ReasonGameNotFound),
				errors.WithMessagef("no live game with pin %s", pin),
			)
		}
		if err != nil {
			return err
		}
		gameID, err = uuid.Parse(raw)
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}

	return gameID, nil
}

// ExpireTerminal rebounds all of the game's keys to the terminal TTL so a
// finished game's state lingers briefly for late readers, then vanishes. The
// join code is released immediately.
func (s *Store) ExpireTerminal(ctx context.Context, gameID uuid.UUID, pin string, questionIDs []uuid.UUID) error {
	keys := s.gameKeys(gameID)
	for _, qid := range questionIDs {
		keys = append(keys, s.answeredKey(gameID, qid))
	}

	return s.do(ctx, "expire terminal", func(ctx context.Context) error {
		for _, k := range keys {
			if err := s.redis.Expire(ctx, k, s.terminalTTL).Err(); err != nil {
				return err
			}
		}
		if pin == "" {
			return nil
		}
		return s.redis.Del(ctx, s.pinKey(pin)).Err()
	})
}
