package directory

import (
	"context"
	"fmt"

	"civicflow/internal/domain"
	"civicflow/internal/repo"
)

// SetRole grants or revokes one role. Granting a held role and revoking a
// missing one both succeed.
func SetRole(ctx context.Context, r repo.Repo, userID int64, role domain.Role, grant bool) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", domain.ErrValidation, role)
	}
	ok, err := r.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %d", domain.ErrNotFound, userID)
	}
	if grant {
		return r.GrantRole(ctx, nil, userID, role)
	}
	return r.RevokeRole(ctx, nil, userID, role)
}
