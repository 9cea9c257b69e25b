package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "repo.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn, dialect)
	require.NoError(t, err)
	return Repo{DB: conn, Dialect: dialect}
}

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func insertReport(t *testing.T, r Repo, dept, author int64) domain.Report {
	t.Helper()
	rep := domain.Report{
		Title: "Streetlight out", Status: domain.StatusOpen,
		CurrentDepartmentID: dept, CreatedByUserID: author, CreatedAt: t0, UpdatedAt: t0,
	}
	id, err := r.InsertReport(context.Background(), nil, rep)
	require.NoError(t, err)
	rep.ID = id
	return rep
}

func TestReportRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	rep := insertReport(t, r, 1, 10)

	got, err := r.GetReport(ctx, nil, rep.ID)
	require.NoError(t, err)
	require.Equal(t, rep.Title, got.Title)
	require.True(t, t0.Equal(got.CreatedAt))
	require.Nil(t, got.SubStatus)
	require.Nil(t, got.ResolvedAt)

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	locked, err := r.LockReport(ctx, tx, rep.ID)
	require.NoError(t, err)
	notes := "replaced bulb"
	resolved := t0.Add(time.Hour)
	locked.Status = domain.StatusDone
	locked.ResolutionNotes = &notes
	locked.ResolvedAt = &resolved
	locked.UpdatedAt = resolved
	require.NoError(t, r.UpdateReport(ctx, tx, locked))
	require.NoError(t, tx.Commit())

	got, err = r.GetReport(ctx, nil, rep.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDone, got.Status)
	require.Equal(t, notes, *got.ResolutionNotes)
	require.True(t, resolved.Equal(*got.ResolvedAt))

	_, err = r.GetReport(ctx, nil, 999)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.LockReport(ctx, nil, rep.ID)
	require.Error(t, err)
}

func TestSubStatusRequiresInProgress(t *testing.T) {
	r := newTestRepo(t)
	rep := insertReport(t, r, 1, 10)
	rep.SubStatus = domain.SubStatusPtr(domain.SubStatusPendingApproval)
	require.Error(t, r.UpdateReport(context.Background(), nil, rep))
}

func TestOneActiveAssignmentPerReport(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	rep := insertReport(t, r, 1, 10)
	a := domain.Assignment{
		ReportID: rep.ID, AssigneeType: domain.AssigneeTeam, AssigneeID: 3,
		Status: domain.AssignmentActive, AssignedByUserID: 2, AssignedAt: t0,
	}
	id, err := r.InsertAssignment(ctx, nil, a)
	require.NoError(t, err)

	_, err = r.InsertAssignment(ctx, nil, a)
	require.ErrorIs(t, err, domain.ErrConflict)

	a.ID = id
	a.Status = domain.AssignmentCancelled
	cancelled := t0.Add(time.Minute)
	a.CancelledAt = &cancelled
	require.NoError(t, r.UpdateAssignment(ctx, nil, a))
	_, err = r.ActiveAssignment(ctx, nil, rep.ID)
	require.ErrorIs(t, err, ErrNotFound)

	a.Status = domain.AssignmentActive
	a.CancelledAt = nil
	a.ProofMediaIDs = []int64{4, 5}
	_, err = r.InsertAssignment(ctx, nil, a)
	require.NoError(t, err)

	active, err := r.ActiveAssignment(ctx, nil, rep.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{4, 5}, active.ProofMediaIDs)

	all, err := r.ListAssignments(ctx, rep.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, domain.AssignmentCancelled, all[0].Status)
	require.True(t, cancelled.Equal(*all[0].CancelledAt))
}

func TestListReportsFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, insertReport(t, r, int64(1+i%2), 10).ID)
	}

	got, err := r.ListReports(ctx, ReportFilters{DepartmentID: 1})
	require.NoError(t, err)
	require.Len(t, got, 3)

	page, err := r.ListReports(ctx, ReportFilters{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []int64{ids[4], ids[3]}, []int64{page[0].ID, page[1].ID})
	page, err = r.ListReports(ctx, ReportFilters{Limit: 2, AfterID: page[1].ID})
	require.NoError(t, err)
	require.Equal(t, []int64{ids[2], ids[1]}, []int64{page[0].ID, page[1].ID})

	got, err = r.ListReports(ctx, ReportFilters{CreatedByUserID: 11})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	uid, err := r.InsertUser(ctx, nil, "sam", nil, t0)
	require.NoError(t, err)

	hash := HashAPIKey(" secret ")
	require.Equal(t, HashAPIKey("secret"), hash)
	require.NoError(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", UserID: uid, Name: "cli", KeyHash: hash, CreatedAt: t0}))

	key, err := r.GetAPIKeyByHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, uid, key.UserID)
	require.Equal(t, "cli", key.Name)

	keys, err := r.ListAPIKeys(ctx, uid)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	require.ErrorIs(t, r.DeleteAPIKey(ctx, "k1"), ErrNotFound)
	_, err = r.GetAPIKeyByHash(ctx, hash)
	require.ErrorIs(t, err, ErrNotFound)
}
