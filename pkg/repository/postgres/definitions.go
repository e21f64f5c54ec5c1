package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskmill/taskmill/pkg/models"
	"github.com/taskmill/taskmill/pkg/repository"
)

// CreateDefinition inserts a definition row. The (name, version) pair is
// unique; a duplicate surfaces as ErrAlreadyExists.
func (s *Store) CreateDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	return s.execute(ctx, "definition_create", func(ctx context.Context) error {
		if def.ID == uuid.Nil {
			def.ID = uuid.New()
		}
		now := time.Now().UTC()
		def.CreatedAt = now
		def.UpdatedAt = now

		query := `
			INSERT INTO workflow_definitions (id, name, version, document, created_at, updated_at)
			VALUES (:id, :name, :version, :document, :created_at, :updated_at)`

		if _, err := s.db.NamedExecContext(ctx, query, def); err != nil {
			if isUniqueViolation(err) {
				return repository.ErrAlreadyExists.WithCause(err)
			}
			return errors.Wrap(err, "failed to insert workflow definition")
		}
		return nil
	})
}

// GetDefinition loads a definition by ID.
func (s *Store) GetDefinition(ctx context.Context, id uuid.UUID) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	err := s.execute(ctx, "definition_get", func(ctx context.Context) error {
		query := `SELECT * FROM workflow_definitions WHERE id = $1`
		if err := s.db.GetContext(ctx, &def, query, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return errors.Wrap(err, "failed to get workflow definition")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// GetDefinitionByName resolves a named definition; version 0 means the
// latest registered version.
func (s *Store) GetDefinitionByName(ctx context.Context, name string, version int) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	err := s.execute(ctx, "definition_get_by_name", func(ctx context.Context) error {
		var err error
		if version > 0 {
			query := `SELECT * FROM workflow_definitions WHERE name = $1 AND version = $2`
			err = s.db.GetContext(ctx, &def, query, name, version)
		} else {
			query := `SELECT * FROM workflow_definitions WHERE name = $1 ORDER BY version DESC LIMIT 1`
			err = s.db.GetContext(ctx, &def, query, name)
		}
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return errors.Wrap(err, "failed to get workflow definition by name")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// ListDefinitions pages through registered definitions, newest first.
func (s *Store) ListDefinitions(ctx context.Context, limit, offset int) ([]*models.WorkflowDefinition, error) {
	var defs []*models.WorkflowDefinition
	err := s.execute(ctx, "definition_list", func(ctx context.Context) error {
		query := `
			SELECT * FROM workflow_definitions
			ORDER BY name ASC, version DESC
			LIMIT $1 OFFSET $2`
		if err := s.db.SelectContext(ctx, &defs, query, normalizeLimit(limit), offset); err != nil {
			return errors.Wrap(err, "failed to list workflow definitions")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}

// LatestVersion returns the highest registered version of a name, or 0
// when the name is unknown.
func (s *Store) LatestVersion(ctx context.Context, name string) (int, error) {
	var version int
	err := s.execute(ctx, "definition_latest_version", func(ctx context.Context) error {
		query := `SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE name = $1`
		if err := s.db.GetContext(ctx, &version, query, name); err != nil {
			return errors.Wrap(err, "failed to get latest definition version")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}
