package engine

import (
	"context"

	"civicflow/internal/domain"
)

// UserDirectory resolves actors at call time. Results are never cached here.
type UserDirectory interface {
	ResolveActor(ctx context.Context, userID int64) (domain.Actor, error)
}

type TeamDirectory interface {
	TeamExists(ctx context.Context, teamID int64) (bool, error)
	IsMember(ctx context.Context, userID, teamID int64) (bool, error)
}

type DepartmentDirectory interface {
	DepartmentExists(ctx context.Context, departmentID int64) (bool, error)
}

// MediaService confirms proof media exists. It never takes ownership of media.
type MediaService interface {
	ExistsAll(ctx context.Context, mediaIDs []int64) (bool, error)
}

// Publisher receives events after their transaction commits. Failures are
// logged and never undo the commit.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}
