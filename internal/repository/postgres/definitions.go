package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/storeops-agents/internal/domain"
)

// UpsertDefinition: идемпотентная запись строки каталога по slug.
func (s *Store) UpsertDefinition(ctx context.Context, def *domain.AgentDefinition) error {
	cfg, err := encodeJSON(def.DefaultConfig)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO agent_definitions (slug, name, description, kind, default_enabled, default_config)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			kind = EXCLUDED.kind,
			default_enabled = EXCLUDED.default_enabled,
			default_config = EXCLUDED.default_config,
			updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, def.Slug, def.Name, def.Description, string(def.Kind), def.DefaultEnabled, string(cfg)); err != nil {
		return fmt.Errorf("postgres: upsert definition %s: %w", def.Slug, err)
	}
	return nil
}

func (s *Store) ListDefinitions(ctx context.Context) ([]domain.AgentDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT slug, name, description, kind, default_enabled, default_config, created_at, updated_at
		FROM agent_definitions ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list definitions: %w", err)
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
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

func scanDefinition(row pgx.Row) (*domain.AgentDefinition, error) {
	var (
		def  domain.AgentDefinition
		kind string
		cfg  []byte
	)
	if err := row.Scan(&def.Slug, &def.Name, &def.Description, &kind, &def.DefaultEnabled, &cfg, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, notFoundOr(err, "scan definition")
	}
	def.Kind = domain.AgentKind(kind)
	if err := decodeJSON(cfg, &def.DefaultConfig); err != nil {
		return nil, err
	}
	return &def, nil
}
