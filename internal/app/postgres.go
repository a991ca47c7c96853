package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plomgrading/plom-sub001/internal/config"
)

var globalPostgresPool *pgxpool.Pool

func MustConnectPostgres() {
	cfg := config.Global().Postgres
	connURL := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Username, cfg.Password, cfg.Host,
		cfg.Port, cfg.Database, cfg.SSLMode)

	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		globalLogger.Error().
			Err(err).
			Msg("failed to parse postgres config")
		panic(err)
	}
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	globalPostgresPool, err = pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		globalLogger.Error().
			Err(err).
			Msg("failed to connect to postgres")
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()

	err = globalPostgresPool.Ping(ctx)
	if err != nil {
		globalLogger.Error().
			Err(err).
			Msg("failed to ping postgres")
		panic(err)
	}
	globalLogger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Msg("connected to postgres")
}

func DisconnectPostgres() {
	globalPostgresPool.Close()
	globalLogger.Info().Msg("disconnected from postgres")
}

// MustMigratePostgres creates the marking schema if it doesn't exist. The
// partial unique index on tasks is what enforces "at most one current task
// per (paper, question)" even under concurrent creates.
func MustMigratePostgres() {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS reviewers (
			id            UUID PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role          TEXT NOT NULL DEFAULT 'marker',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id            UUID PRIMARY KEY,
			reviewer_id   UUID NOT NULL REFERENCES reviewers (id) ON DELETE CASCADE,
			refresh_token TEXT NOT NULL,
			expires_at    TIMESTAMPTZ NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id                   UUID PRIMARY KEY,
			code                 TEXT NOT NULL,
			paper                INTEGER NOT NULL,
			question             INTEGER NOT NULL,
			version              INTEGER NOT NULL DEFAULT 1,
			status               TEXT NOT NULL DEFAULT 'to_do',
			assigned_to          TEXT NOT NULL DEFAULT '',
			priority             DOUBLE PRECISION NOT NULL DEFAULT 0,
			priority_modified    BOOLEAN NOT NULL DEFAULT FALSE,
			latest_annotation_id UUID,
			created_at           TIMESTAMPTZ NOT NULL,
			retired_at           TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_one_current
			ON tasks (paper, question) WHERE status <> 'out_of_date'`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
		`CREATE TABLE IF NOT EXISTS annotations (
			id            UUID PRIMARY KEY,
			task_id       UUID NOT NULL REFERENCES tasks (id),
			edition       INTEGER NOT NULL,
			score         DOUBLE PRECISION NOT NULL,
			time_spent_ms BIGINT NOT NULL DEFAULT 0,
			author        TEXT NOT NULL,
			image_ref     TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL,
			UNIQUE (task_id, edition)
		)`,
		`CREATE TABLE IF NOT EXISTS rubrics (
			id        BIGINT NOT NULL,
			revision  INTEGER NOT NULL,
			question  INTEGER NOT NULL,
			value     DOUBLE PRECISION NOT NULL,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			latest    BOOLEAN NOT NULL DEFAULT FALSE,
			text      TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (id, revision)
		)`,
		`CREATE TABLE IF NOT EXISTS annotation_rubrics (
			annotation_id   UUID NOT NULL REFERENCES annotations (id),
			rubric_id       BIGINT NOT NULL,
			rubric_revision INTEGER NOT NULL,
			UNIQUE (annotation_id, rubric_id, rubric_revision)
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			id         UUID PRIMARY KEY,
			text       TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_tags (
			task_id UUID NOT NULL REFERENCES tasks (id),
			tag_id  UUID NOT NULL REFERENCES tags (id),
			UNIQUE (task_id, tag_id)
		)`,
	}

	ctx := context.Background()
	for _, stmt := range statements {
		_, err := globalPostgresPool.Exec(ctx, stmt)
		if err != nil {
			globalLogger.Error().
				Err(err).
				Msg("failed to migrate postgres schema")
			panic(err)
		}
	}
	globalLogger.Info().Msg("migrated postgres schema")
}
