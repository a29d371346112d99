package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/storeops-agents/internal/domain"
)

// UpsertDefinition: идемпотентная запись строки каталога по slug.
func (s *Store) UpsertDefinition(ctx context.Context, def *domain.AgentDefinition) error {
	cfg, err := encodeJSON(def.DefaultConfig)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())
	query := `
		INSERT INTO agent_definitions (slug, name, description, kind, default_enabled, default_config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (slug) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			kind = excluded.kind,
			default_enabled = excluded.default_enabled,
			default_config = excluded.default_config,
			updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query, def.Slug, def.Name, def.Description, string(def.Kind), boolInt(def.DefaultEnabled), cfg, now, now)
	if err != nil {
		return fmt.Errorf("sqlite: upsert definition %s: %w", def.Slug, err)
	}
	return nil
}

func (s *Store) ListDefinitions(ctx context.Context) ([]domain.AgentDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slug, name, description, kind, default_enabled, default_config, created_at, updated_at
		FROM agent_definitions ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list definitions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AgentDefinition, 0)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows iteration error: %w", err)
	}
	return out, nil
}

func scanDefinition(row rowScanner) (*domain.AgentDefinition, error) {
	var (
		def                  domain.AgentDefinition
		kind, cfg            string
		enabled              int
		createdAt, updatedAt string
	)
	if err := row.Scan(&def.Slug, &def.Name, &def.Description, &kind, &enabled, &cfg, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: scan definition: %w", err)
	}
	def.Kind = domain.AgentKind(kind)
	def.DefaultEnabled = enabled != 0
	if err := decodeJSON(cfg, &def.DefaultConfig); err != nil {
		return nil, err
	}
	var err error
	if def.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if def.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &def, nil
}
