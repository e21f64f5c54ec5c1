package services

import (
	"context"
	"strings"

	"github.com/google/uuid"
	sqlxtypes "github.com/jmoiron/sqlx/types"

	"github.com/taskmill/taskmill/pkg/models"
	"github.com/taskmill/taskmill/pkg/workflow"
)

// RegisterDefinition validates and stores a workflow document. YAML
// submissions are normalized to JSON so the stored form always parses
// with one decoder. The row version is allocated server side: the next
// version of the document's name, starting at 1. Rejections are
// DefinitionErrors; a definition that registers never fails to compile
// at runtime.
func (s *ExecutionService) RegisterDefinition(ctx context.Context, doc []byte, format string) (*models.WorkflowDefinition, error) {
	ctx, span := s.startSpan(ctx, "services.register_definition")
	defer span.End()

	payload := doc
	if strings.EqualFold(format, "yaml") || strings.EqualFold(format, "yml") {
		converted, err := workflow.YAMLToJSON(doc)
		if err != nil {
			span.RecordError(err)
			return nil, models.NewDefinitionError("", "", "%v", err)
		}
		payload = converted
	}

	spec, err := workflow.ParseJSON(payload)
	if err != nil {
		span.RecordError(err)
		return nil, models.NewDefinitionError("", "", "%v", err)
	}
	if _, err := workflow.Compile(spec); err != nil {
		span.RecordError(err)
		return nil, err
	}

	latest, err := s.store.LatestVersion(ctx, spec.Name)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	def := &models.WorkflowDefinition{
		Name:     spec.Name,
		Version:  latest + 1,
		Document: sqlxtypes.JSONText(payload),
	}
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttribute("definition_id", def.ID.String())
	s.metrics.IncrementCounter("definitions_registered", 1)
	s.logger.Info("Workflow definition registered", map[string]interface{}{
		"definition_id": def.ID.String(),
		"name":          def.Name,
		"version":       def.Version,
	})
	return def, nil
}

// GetDefinition returns a stored definition by id.
func (s *ExecutionService) GetDefinition(ctx context.Context, id uuid.UUID) (*models.WorkflowDefinition, error) {
	return s.store.GetDefinition(ctx, id)
}

// GetDefinitionByName resolves a name to a version; version 0 means the
// latest registered one.
func (s *ExecutionService) GetDefinitionByName(ctx context.Context, name string, version int) (*models.WorkflowDefinition, error) {
	return s.store.GetDefinitionByName(ctx, name, version)
}

// ListDefinitions pages through registered definitions.
func (s *ExecutionService) ListDefinitions(ctx context.Context, limit, offset int) ([]*models.WorkflowDefinition, error) {
	return s.store.ListDefinitions(ctx, limit, offset)
}
