package engine_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/sync/errgroup"

	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/engine"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// postgresDSN starts one Postgres container shared by the tests in this
// package run. Each caller gets a fresh database inside it.
func postgresDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres tests need docker; skipped with -short")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	pgOnce.Do(func() {
		ctx := context.Background()
		c, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("civicflow"),
			postgres.WithUsername("civicflow"),
			postgres.WithPassword("civicflow"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			pgErr = err
			return
		}
		pgDSN, pgErr = c.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, pgErr)
	return pgDSN
}

var pgDatabases atomic.Int64

// newPostgresEnv creates a fresh database in the shared container so every
// test starts from empty tables.
func newPostgresEnv(t *testing.T) testEnv {
	t.Helper()
	base := postgresDSN(t)
	admin, _, err := db.Open(db.Config{Driver: "postgres", DSN: base})
	require.NoError(t, err)
	defer admin.Close()
	name := fmt.Sprintf("civicflow_t%d", pgDatabases.Add(1))
	_, err = admin.ExecContext(context.Background(), "CREATE DATABASE "+name)
	require.NoError(t, err)

	u, err := url.Parse(base)
	require.NoError(t, err)
	u.Path = "/" + name
	return openTestEnv(t, db.Config{Driver: "postgres", DSN: u.String()})
}

func TestPostgresLifecycle(t *testing.T) {
	env := newPostgresEnv(t)
	rep := env.inProgress(t)

	rep, err := env.Engine.CompleteWork(env.Ctx, env.user("alice"), rep.ID, engine.CompleteInput{ResolutionNotes: "filled", ProofMediaIDs: []int64{7}})
	require.NoError(t, err)
	require.Equal(t, domain.SubStatusPendingApproval, *rep.SubStatus)

	rep, err = env.Engine.ApproveCompletion(env.Ctx, env.user("sam"), rep.ID, "")
	require.NoError(t, err)
	require.Equal(t, domain.StatusDone, rep.Status)
	require.Len(t, env.statusHistory(t, rep.ID), 4)
}

func TestPostgresConcurrentAssign(t *testing.T) {
	env := newPostgresEnv(t)
	rep := env.newReport(t)
	sam := env.user("sam")

	errs := make([]error, 2)
	var g errgroup.Group
	for i, team := range []int64{env.team("Crew A"), env.team("Crew B")} {
		g.Go(func() error {
			_, errs[i] = env.Engine.AssignToTeam(env.Ctx, sam, rep.ID, team, "")
			return nil
		})
	}
	require.NoError(t, g.Wait())
	conflicts := 0
	for _, err := range errs {
		if errors.Is(err, domain.ErrConflict) {
			conflicts++
		} else {
			require.NoError(t, err)
		}
	}
	require.Equal(t, 1, conflicts)

	n, err := env.Engine.Repo.CountActiveAssignments(env.Ctx, rep.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
