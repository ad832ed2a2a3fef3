package registry

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/vigil/internal/db"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

const sqliteAgentsSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL,
	description TEXT DEFAULT '',
	system_prompt TEXT DEFAULT '',
	user_prompt TEXT DEFAULT '',
	capture_mode TEXT NOT NULL DEFAULT 'interval',
	interval_seconds INTEGER DEFAULT 0,
	device TEXT NOT NULL DEFAULT 'auto',
	max_response_length INTEGER DEFAULT 100,
	sampling_enabled INTEGER DEFAULT 0,
	paused INTEGER DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);`

const postgresAgentsSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL,
	description TEXT DEFAULT '',
	system_prompt TEXT DEFAULT '',
	user_prompt TEXT DEFAULT '',
	capture_mode TEXT NOT NULL DEFAULT 'interval',
	interval_seconds INTEGER DEFAULT 0,
	device TEXT NOT NULL DEFAULT 'auto',
	max_response_length INTEGER DEFAULT 100,
	sampling_enabled BOOLEAN DEFAULT FALSE,
	paused BOOLEAN DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

// SQLStore persists agents in the agents table of a SQLite or PostgreSQL database.
type SQLStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the store and ensures its schema exists.
func NewSQLStore(conn *sqlx.DB) (*SQLStore, error) {
	s := &SQLStore{db: conn}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize agents schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := sqliteAgentsSchema
	if db.IsPostgres(s.db) {
		schema = postgresAgentsSchema
	}
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLStore) boolArg(v bool) interface{} {
	if db.IsPostgres(s.db) {
		return v
	}
	return db.BoolToInt(v)
}

func (s *SQLStore) List(ctx context.Context) ([]v1.AgentConfig, error) {
	var agents []v1.AgentConfig
	err := s.db.SelectContext(ctx, &agents, `
		SELECT id, label, description, system_prompt, user_prompt, capture_mode, interval_seconds,
		       device, max_response_length, sampling_enabled, paused, created_at, updated_at
		FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	if agents == nil {
		agents = []v1.AgentConfig{}
	}
	for i := range agents {
		agents[i].CreatedAt = agents[i].CreatedAt.UTC()
		agents[i].UpdatedAt = agents[i].UpdatedAt.UTC()
	}
	return agents, nil
}

func (s *SQLStore) Upsert(ctx context.Context, cfg v1.AgentConfig) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agents (id, label, description, system_prompt, user_prompt, capture_mode, interval_seconds,
		                    device, max_response_length, sampling_enabled, paused, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			label = excluded.label,
			description = excluded.description,
			system_prompt = excluded.system_prompt,
			user_prompt = excluded.user_prompt,
			capture_mode = excluded.capture_mode,
			interval_seconds = excluded.interval_seconds,
			device = excluded.device,
			max_response_length = excluded.max_response_length,
			sampling_enabled = excluded.sampling_enabled,
			paused = excluded.paused,
			updated_at = excluded.updated_at`),
		cfg.ID, cfg.Label, cfg.Description, cfg.SystemPrompt, cfg.UserPrompt, string(cfg.CaptureMode),
		cfg.IntervalSeconds, string(cfg.Device), cfg.MaxResponseLength,
		s.boolArg(cfg.SamplingEnabled), s.boolArg(cfg.Paused), cfg.CreatedAt.UTC(), cfg.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save agent %s: %w", cfg.ID, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM agents WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", id, err)
	}
	return nil
}
