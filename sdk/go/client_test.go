package civicflowsdk_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"civicflow/internal/db"
	"civicflow/internal/directory"
	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/migrate"
	"civicflow/internal/server"
	civicflowsdk "civicflow/sdk/go"
)

const secret = "sdk-test-secret"

func newClients(t *testing.T) (func(user string) *civicflowsdk.Client, directory.Seeded) {
	t.Helper()
	ctx := context.Background()
	conn, dialect, err := db.Open(db.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "sdk.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn, dialect)
	require.NoError(t, err)

	e := engine.New(conn, dialect)
	e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	seeded, err := directory.Apply(ctx, e.Repo, directory.Seed{
		Departments: []directory.SeedDepartment{
			{Name: "Roads", Teams: []directory.SeedTeam{{Name: "Crew", Members: []string{"alice"}}}},
			{Name: "Parks"},
		},
		Users: []directory.SeedUser{
			{Name: "carol", Roles: []domain.Role{domain.RoleCitizen}},
			{Name: "sam", Department: "Roads", Roles: []domain.Role{domain.RoleSupervisor}},
			{Name: "root", Roles: []domain.Role{domain.RoleAdmin}},
			{Name: "alice", Department: "Roads", Roles: []domain.Role{domain.RoleTeamMember}},
		},
	}, time.Now())
	require.NoError(t, err)

	handler, err := server.New(server.Config{Engine: e, BasePath: "/v1", Auth: server.AuthConfig{JWTSecret: secret}, Logger: e.Logger})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return func(user string) *civicflowsdk.Client {
		tok, err := server.SignToken(secret, seeded.Users[user], time.Hour)
		require.NoError(t, err)
		c := civicflowsdk.New(srv.URL)
		c.BearerToken = tok
		return c
	}, seeded
}

func TestClientDrivesLifecycle(t *testing.T) {
	ctx := context.Background()
	client, seeded := newClients(t)
	carol, sam, alice := client("carol"), client("sam"), client("alice")

	rep, err := carol.CreateReport(ctx, "Pothole on Main St", "deep", seeded.Departments["Roads"])
	require.NoError(t, err)
	require.Equal(t, "OPEN", rep.Status)

	_, err = sam.Review(ctx, rep.ID, "")
	require.NoError(t, err)
	a, err := sam.AssignToTeam(ctx, rep.ID, seeded.Teams["Crew"], "asap")
	require.NoError(t, err)
	require.Equal(t, "ACTIVE", a.Status)

	eta := time.Now().Add(48 * time.Hour)
	rep, err = alice.Accept(ctx, rep.ID, "on it", &eta)
	require.NoError(t, err)
	require.Equal(t, "IN_PROGRESS", rep.Status)

	rep, err = alice.Complete(ctx, rep.ID, "patched", []int64{7, 8})
	require.NoError(t, err)
	require.Equal(t, "PENDING_APPROVAL", rep.SubStatus)

	rep, err = sam.RejectCompletion(ctx, rep.ID, "edges still loose")
	require.NoError(t, err)
	require.Empty(t, rep.SubStatus)

	_, err = alice.Complete(ctx, rep.ID, "patched again", []int64{9})
	require.NoError(t, err)
	rep, err = sam.Approve(ctx, rep.ID, "")
	require.NoError(t, err)
	require.Equal(t, "DONE", rep.Status)
	require.Equal(t, "patched again", rep.ResolutionNotes)

	view, err := carol.GetReport(ctx, rep.ID)
	require.NoError(t, err)
	require.Nil(t, view.ActiveAssignment)

	history, err := carol.StatusHistory(ctx, rep.ID)
	require.NoError(t, err)
	require.Len(t, history, 6)
	require.Equal(t, "edges still loose", history[3].Notes)

	assignments, err := sam.Assignments(ctx, rep.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.Equal(t, "COMPLETED", assignments[0].Status)
	require.Equal(t, []int64{9}, assignments[0].ProofMediaIDs)
}

func TestClientSurfacesErrorEnvelope(t *testing.T) {
	ctx := context.Background()
	client, seeded := newClients(t)
	carol, sam, root := client("carol"), client("sam"), client("root")

	rep, err := carol.CreateReport(ctx, "Fallen branch", "", seeded.Departments["Roads"])
	require.NoError(t, err)

	_, err = carol.Review(ctx, rep.ID, "")
	var apiErr *civicflowsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	require.Equal(t, "forbidden", apiErr.Code)

	_, err = sam.Forward(ctx, rep.ID, seeded.Departments["Roads"], "wrong desk")
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	rep, err = sam.Forward(ctx, rep.ID, seeded.Departments["Parks"], "trees belong to parks")
	require.NoError(t, err)
	require.Equal(t, seeded.Departments["Parks"], rep.CurrentDepartmentID)

	moves, err := root.DepartmentHistory(ctx, rep.ID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	require.Equal(t, "trees belong to parks", moves[0].Reason)

	page, err := root.ListReports(ctx, civicflowsdk.ListOptions{DepartmentID: seeded.Departments["Parks"]})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	_, err = sam.CancelAssignment(ctx, rep.ID)
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}
