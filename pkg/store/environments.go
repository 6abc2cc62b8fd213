package store

import (
	"context"
	"encoding/json"

	"github.com/archodex/backend/pkg/apierror"
	"github.com/archodex/backend/pkg/resource"
)

// SetResourceEnvironments replaces the environment list of an existing
// resource. The empty list clears all assignments.
func (s *Store) SetResourceEnvironments(ctx context.Context, id resource.ID, environments []string) error {
	if environments == nil {
		environments = []string{}
	}
	envs, err := json.Marshal(environments)
	if err != nil {
		return apierror.Internal("failed to encode environments: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE resource SET environments = ? WHERE id = ?`,
		string(envs), id.Key(),
	)
	if err != nil {
		return apierror.Internal("failed to set environments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apierror.Internal("failed to set environments: %w", err)
	}
	if n == 0 {
		return apierror.NotFound("resource %s not found", id)
	}
	return nil
}
