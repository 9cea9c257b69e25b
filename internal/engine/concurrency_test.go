package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"civicflow/internal/domain"
)

func TestConcurrentAssignYieldsOneConflict(t *testing.T) {
	env := newTestEnv(t)
	rep := env.newReport(t)
	sam := env.user("sam")
	teams := []int64{env.team("Crew A"), env.team("Crew B")}

	for round := 0; round < 5; round++ {
		errs := make([]error, len(teams))
		var g errgroup.Group
		for i, team := range teams {
			g.Go(func() error {
				_, errs[i] = env.Engine.AssignToTeam(env.Ctx, sam, rep.ID, team, "")
				return nil
			})
		}
		require.NoError(t, g.Wait())

		var ok, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, ok, "round %d", round)
		require.Equal(t, 1, conflicts, "round %d", round)

		n, err := env.Engine.Repo.CountActiveAssignments(env.Ctx, rep.ID)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, err = env.Engine.CancelAssignment(env.Ctx, sam, rep.ID)
		require.NoError(t, err)
	}
}

func TestConcurrentTransitionsWriteOneHistoryRow(t *testing.T) {
	env := newTestEnv(t)
	rep := env.newReport(t)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := env.Engine.ReviewReport(env.Ctx, env.user("sam"), rep.ID, "")
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, env.statusHistory(t, rep.ID), 1)
}
