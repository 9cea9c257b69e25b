// Package directory answers who a user is, which teams exist and which
// departments exist, from the directory tables in the service database.
package directory

import (
	"context"
	"errors"
	"fmt"

	"civicflow/internal/domain"
	"civicflow/internal/repo"
)

// SQL implements the user, team and department lookups the engine consumes.
type SQL struct {
	Repo repo.Repo
}

// ResolveActor reads roles, department and team memberships at call time.
func (d SQL) ResolveActor(ctx context.Context, userID int64) (domain.Actor, error) {
	actor, err := d.Repo.GetActor(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return actor, fmt.Errorf("user %d: %w", userID, domain.ErrNotFound)
	}
	return actor, err
}

func (d SQL) TeamExists(ctx context.Context, teamID int64) (bool, error) {
	return d.Repo.TeamExists(ctx, teamID)
}

func (d SQL) IsMember(ctx context.Context, userID, teamID int64) (bool, error) {
	return d.Repo.IsTeamMember(ctx, userID, teamID)
}

func (d SQL) DepartmentExists(ctx context.Context, departmentID int64) (bool, error) {
	return d.Repo.DepartmentExists(ctx, departmentID)
}
