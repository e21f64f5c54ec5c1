package models

import (
	"time"

	"github.com/google/uuid"
	sqlxtypes "github.com/jmoiron/sqlx/types"
)

// WorkflowDefinition is a registered workflow document. Definitions are
// immutable once registered; publishing a changed document under the same
// name allocates the next version.
type WorkflowDefinition struct {
	ID        uuid.UUID          `json:"id" db:"id"`
	Name      string             `json:"name" db:"name"`
	Version   int                `json:"version" db:"version"`
	Document  sqlxtypes.JSONText `json:"document" db:"document"`
	CreatedAt time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" db:"updated_at"`
}
