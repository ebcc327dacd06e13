package persist

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS games (
	id            UUID PRIMARY KEY,
	host_id       UUID NOT NULL,
	quiz_id       UUID NOT NULL,
	status        TEXT NOT NULL,
	pin           TEXT NOT NULL DEFAULT '',
	settings      JSONB NOT NULL,
	current_question_index INT NOT NULL DEFAULT -1,
	question_count INT NOT NULL DEFAULT 0,
	player_count  INT NOT NULL DEFAULT 0,
	average_score NUMERIC(12,2) NOT NULL DEFAULT 0,
	accuracy      NUMERIC(5,4) NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	ended_at      TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	game_id      UUID NOT NULL REFERENCES games (id),
	player_id    UUID NOT NULL,
	display_name TEXT NOT NULL,
	anonymous    BOOLEAN NOT NULL DEFAULT FALSE,
	connected    BOOLEAN NOT NULL DEFAULT TRUE,
	join_order   INT NOT NULL,
	joined_at    TIMESTAMPTZ NOT NULL,
	final_rank   INT,
	PRIMARY KEY (game_id, player_id)
);

CREATE TABLE IF NOT EXISTS score_entries (
	game_id             UUID NOT NULL REFERENCES games (id),
	player_id           UUID NOT NULL,
	question_id         UUID NOT NULL,
	points              INT NOT NULL,
	correct             BOOLEAN NOT NULL,
	skipped             BOOLEAN NOT NULL DEFAULT FALSE,
	elapsed_ms          BIGINT NOT NULL,
	answered_at         TIMESTAMPTZ NOT NULL,
	client_submitted_at TIMESTAMPTZ,
	PRIMARY KEY (game_id, player_id, question_id)
);

CREATE TABLE IF NOT EXISTS leaderboard_snapshots (
	game_id     UUID NOT NULL REFERENCES games (id),
	computed_at TIMESTAMPTZ NOT NULL,
	entries     JSONB NOT NULL,
	PRIMARY KEY (game_id, computed_at)
);

CREATE TABLE IF NOT EXISTS game_audit_events (
	id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	game_id    UUID NOT NULL,
	event_type TEXT NOT NULL,
	user_id    UUID,
	data       JSONB,
	sequence   BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS game_audit_events_game_id_idx
	ON game_audit_events (game_id, sequence);
`

// EnsureSchema creates the durable tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, schema)
	return err
}
