// Package leaderboard derives deterministic rankings from the live score
// state and caches snapshots in the session store.
package leaderboard

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/thaihoandev/quizlive/internal/domain"
	"github.com/thaihoandev/quizlive/internal/state"
)

// Compute ranks the roster by total score descending, breaking ties first by
// cumulative answer time ascending, then by join order ascending. The
// ordering is a strict total order, so recomputing from the same inputs
// always yields the same snapshot. Players without a score yet rank with
// zero.
func Compute(
	gameID uuid.UUID,
	roster []domain.Participant,
	scores map[uuid.UUID]int,
	answerTimes map[uuid.UUID]int64,
	at time.Time,
) domain.LeaderboardSnapshot {
	entries := make([]domain.LeaderboardEntry, 0, len(roster))
	joinOrder := make(map[uuid.UUID]int, len(roster))

	for _, p := range roster {
		joinOrder[p.PlayerID] = p.JoinOrder
		entries = append(entries, domain.LeaderboardEntry{
			PlayerID:          p.PlayerID,
			DisplayName:       p.DisplayName,
			TotalScore:        scores[p.PlayerID],
			TotalAnswerMillis: answerTimes[p.PlayerID],
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		if a.TotalAnswerMillis != b.TotalAnswerMillis {
			return a.TotalAnswerMillis < b.TotalAnswerMillis
		}
		return joinOrder[a.PlayerID] < joinOrder[b.PlayerID]
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}

	return domain.LeaderboardSnapshot{
		GameID:     gameID,
		ComputedAt: at,
		Entries:    entries,
	}
}

type Config struct {
	Store *state.Store
	Log   *slog.Logger
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Ranker serves snapshots, preferring the cached copy and recomputing when
// score writes invalidated it.
type Ranker struct {
	store *state.Store
	log   *slog.Logger
	now   func() time.Time
}

func NewRanker(c Config) *Ranker {
	r := &Ranker{
		store: c.Store,
		log:   c.Log,
		now:   c.Now,
	}

	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}

	return r
}

// Snapshot returns the current ranking, from cache when valid. On a cache
// miss the ranking is computed fresh but NOT cached: queries run outside the
// per-game command processor, so a score write can invalidate the cache
// between the reads and a put, and re-caching here would resurrect the stale
// snapshot. Cache writes belong to Recompute, which only runs inside the
// command processor.
func (r *Ranker) Snapshot(ctx context.Context, gameID uuid.UUID) (domain.LeaderboardSnapshot, error) {
	cached, ok, err := r.store.Leaderboard(ctx, gameID)
	if err != nil {
		return domain.LeaderboardSnapshot{}, err
	}
	if ok {
		return cached, nil
	}

	return r.compute(ctx, gameID)
}

// Recompute rebuilds the snapshot from the roster and score maps and caches
// it. Callers must hold the game's command processor so no score write can
// interleave with the cache put.
func (r *Ranker) Recompute(ctx context.Context, gameID uuid.UUID) (domain.LeaderboardSnapshot, error) {
	snapshot, err := r.compute(ctx, gameID)
	if err != nil {
		return domain.LeaderboardSnapshot{}, err
	}

	if err := r.store.PutLeaderboard(ctx, snapshot); err != nil {
		// Serving the freshly computed ranking matters more than the cache.
		r.log.WarnContext(ctx, "cache leaderboard snapshot", "game_id", gameID, "error", err)
	}

	return snapshot, nil
}

func (r *Ranker) compute(ctx context.Context, gameID uuid.UUID) (domain.LeaderboardSnapshot, error) {
	roster, err := r.store.Roster(ctx, gameID)
	if err != nil {
		return domain.LeaderboardSnapshot{}, err
	}

	scores, err := r.store.Scores(ctx, gameID)
	if err != nil {
		return domain.LeaderboardSnapshot{}, err
	}

	answerTimes, err := r.store.AnswerTimes(ctx, gameID)
	if err != nil {
		return domain.LeaderboardSnapshot{}, err
	}

	return Compute(gameID, roster, scores, answerTimes, r.now().UTC()), nil
}
