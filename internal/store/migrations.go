package store

import (
	"context"
	"database/sql"
	"fmt"
)

// =============================================================================
// Schema Migration
// =============================================================================

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations are applied in order and recorded in schema_migrations.
// Never edit an applied migration; append a new one.
var migrations = []migration{
	{
		version: 1,
		name:    "accounts",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS organizations (
				id         VARCHAR PRIMARY KEY,
				name       VARCHAR NOT NULL,
				slug       VARCHAR NOT NULL UNIQUE,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS users (
				id              VARCHAR PRIMARY KEY,
				organization_id VARCHAR NOT NULL,
				email           VARCHAR NOT NULL UNIQUE,
				username        VARCHAR NOT NULL,
				password_hash   VARCHAR NOT NULL,
				role            VARCHAR NOT NULL DEFAULT 'member',
				created_at      TIMESTAMP NOT NULL,
				updated_at      TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS api_tokens (
				id              VARCHAR PRIMARY KEY,
				organization_id VARCHAR NOT NULL,
				user_id         VARCHAR,
				name            VARCHAR NOT NULL,
				token_hash      VARCHAR NOT NULL UNIQUE,
				created_at      TIMESTAMP NOT NULL
			)`,
		},
	},
	{
		version: 2,
		name:    "agents",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS agents (
				id              VARCHAR PRIMARY KEY,
				organization_id VARCHAR NOT NULL,
				name            VARCHAR NOT NULL,
				type            VARCHAR NOT NULL,
				description     VARCHAR,
				status          VARCHAR NOT NULL DEFAULT 'IDLE',
				config          VARCHAR,
				capabilities    VARCHAR,
				last_active     TIMESTAMP,
				total_sessions  BIGINT NOT NULL DEFAULT 0,
				created_at      TIMESTAMP NOT NULL,
				updated_at      TIMESTAMP NOT NULL,
				version         INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE INDEX IF NOT EXISTS idx_agents_org ON agents(organization_id)`,
			`CREATE TABLE IF NOT EXISTS agent_sessions (
				id              VARCHAR PRIMARY KEY,
				agent_id        VARCHAR NOT NULL,
				organization_id VARCHAR NOT NULL,
				session_type    VARCHAR NOT NULL,
				status          VARCHAR NOT NULL,
				metadata        VARCHAR,
				started_at      TIMESTAMP NOT NULL,
				ended_at        TIMESTAMP,
				duration_ms     BIGINT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON agent_sessions(agent_id)`,
			`CREATE TABLE IF NOT EXISTS agent_metrics (
				agent_id        VARCHAR NOT NULL,
				organization_id VARCHAR NOT NULL,
				metric_type     VARCHAR NOT NULL,
				value           DOUBLE NOT NULL,
				unit            VARCHAR,
				tags            VARCHAR,
				timestamp_ms    BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_metrics_agent_ts ON agent_metrics(agent_id, timestamp_ms)`,
		},
	},
	{
		version: 3,
		name:    "tasks",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS projects (
				id              VARCHAR PRIMARY KEY,
				organization_id VARCHAR NOT NULL,
				name            VARCHAR NOT NULL,
				description     VARCHAR,
				repository      VARCHAR,
				framework       VARCHAR,
				status          VARCHAR NOT NULL DEFAULT 'active',
				created_at      TIMESTAMP NOT NULL,
				updated_at      TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id              VARCHAR PRIMARY KEY,
				organization_id VARCHAR NOT NULL,
				title           VARCHAR NOT NULL,
				description     VARCHAR,
				type            VARCHAR NOT NULL,
				status          VARCHAR NOT NULL,
				priority        VARCHAR NOT NULL,
				agent_id        VARCHAR,
				project_id      VARCHAR,
				progress        INTEGER NOT NULL DEFAULT 0,
				config          VARCHAR,
				created_by      VARCHAR,
				started_at      TIMESTAMP,
				completed_at    TIMESTAMP,
				created_at      TIMESTAMP NOT NULL,
				updated_at      TIMESTAMP NOT NULL,
				version         INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_org ON tasks(organization_id)`,
			`CREATE TABLE IF NOT EXISTS task_logs (
				id        VARCHAR PRIMARY KEY,
				task_id   VARCHAR NOT NULL,
				level     VARCHAR NOT NULL,
				message   VARCHAR NOT NULL,
				data      VARCHAR,
				timestamp TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id)`,
		},
	},
	{
		version: 4,
		name:    "codex",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS codices (
				id              VARCHAR PRIMARY KEY,
				organization_id VARCHAR NOT NULL,
				title           VARCHAR NOT NULL,
				description     VARCHAR,
				author_id       VARCHAR NOT NULL,
				status          VARCHAR NOT NULL,
				forks           BIGINT NOT NULL DEFAULT 0,
				forked_from     VARCHAR,
				tags            VARCHAR,
				collaborators   VARCHAR,
				created_at      TIMESTAMP NOT NULL,
				updated_at      TIMESTAMP NOT NULL,
				version         INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE TABLE IF NOT EXISTS codex_symbols (
				id          VARCHAR PRIMARY KEY,
				codex_id    VARCHAR NOT NULL,
				name        VARCHAR NOT NULL,
				meaning     VARCHAR NOT NULL,
				visual      VARCHAR,
				category    VARCHAR NOT NULL,
				usage_count BIGINT NOT NULL DEFAULT 0,
				created_at  TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS codex_rituals (
				id          VARCHAR PRIMARY KEY,
				codex_id    VARCHAR NOT NULL,
				name        VARCHAR NOT NULL,
				description VARCHAR,
				frequency   VARCHAR NOT NULL,
				created_at  TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS ritual_steps (
				ritual_id    VARCHAR NOT NULL,
				position     INTEGER NOT NULL,
				instruction  VARCHAR NOT NULL,
				duration_sec INTEGER,
				required     BOOLEAN NOT NULL DEFAULT TRUE,
				PRIMARY KEY (ritual_id, position)
			)`,
			`CREATE TABLE IF NOT EXISTS codex_reflections (
				id           VARCHAR PRIMARY KEY,
				codex_id     VARCHAR NOT NULL,
				author_id    VARCHAR NOT NULL,
				title        VARCHAR NOT NULL,
				content      VARCHAR NOT NULL,
				content_html VARCHAR NOT NULL,
				tags         VARCHAR,
				created_at   TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS codex_commandments (
				id          VARCHAR PRIMARY KEY,
				codex_id    VARCHAR NOT NULL,
				text        VARCHAR NOT NULL,
				category    VARCHAR NOT NULL,
				status      VARCHAR NOT NULL,
				proposed_by VARCHAR,
				created_at  TIMESTAMP NOT NULL,
				updated_at  TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS commandment_votes (
				commandment_id VARCHAR NOT NULL,
				user_id        VARCHAR NOT NULL,
				vote           VARCHAR NOT NULL,
				reasoning      VARCHAR,
				created_at     TIMESTAMP NOT NULL,
				PRIMARY KEY (commandment_id, user_id)
			)`,
		},
	},
	{
		// DuckDB refuses ALTER on tables with dependent indexes, so they are
		// dropped and rebuilt around the column changes.
		version: 5,
		name:    "sample_ids_and_session_stats",
		stmts: []string{
			`DROP INDEX IF EXISTS idx_metrics_agent_ts`,
			`ALTER TABLE agent_metrics ADD COLUMN id VARCHAR`,
			`UPDATE agent_metrics SET id = CAST(gen_random_uuid() AS VARCHAR) WHERE id IS NULL`,
			`CREATE INDEX IF NOT EXISTS idx_metrics_agent_ts ON agent_metrics(agent_id, timestamp_ms)`,

			`DROP INDEX IF EXISTS idx_sessions_agent`,
			`ALTER TABLE agent_sessions ADD COLUMN user_id VARCHAR`,
			`ALTER TABLE agent_sessions ADD COLUMN request_count BIGINT DEFAULT 0`,
			`ALTER TABLE agent_sessions ADD COLUMN total_tokens BIGINT DEFAULT 0`,
			`ALTER TABLE agent_sessions ADD COLUMN avg_latency_ms DOUBLE`,
			`ALTER TABLE agent_sessions ADD COLUMN error_count BIGINT DEFAULT 0`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON agent_sessions(agent_id)`,

			`DROP INDEX IF EXISTS idx_agents_org`,
			`ALTER TABLE agents ADD COLUMN total_requests BIGINT DEFAULT 0`,
			`ALTER TABLE agents ADD COLUMN avg_response_ms DOUBLE`,
			`ALTER TABLE agents ADD COLUMN success_rate DOUBLE`,
			`CREATE INDEX IF NOT EXISTS idx_agents_org ON agents(organization_id)`,
		},
	},
}

// Migrate applies pending migrations.
//
// This is idempotent - safe to run multiple times.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		err := s.Transaction(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, s.now())
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}

		log.Debug("migration applied", "version", m.version, "name", m.name)
		applied++
	}

	if applied > 0 {
		log.Info("schema migration completed", "applied", applied)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return int(v.Int64), nil
}
