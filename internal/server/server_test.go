package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"civicflow/internal/db"
	"civicflow/internal/directory"
	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/migrate"
	"civicflow/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	seeded directory.Seeded
	repo   repo.Repo
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	conn, dialect, err := db.Open(db.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "api.db")})
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
			{Name: "alice", Department: "Roads", Roles: []domain.Role{domain.RoleTeamMember}},
		},
	}, time.Now())
	require.NoError(t, err)

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, DevLogin: true},
		Logger:   e.Logger,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, seeded: seeded, repo: e.Repo}
}

func (s *testServer) token(t *testing.T, user string) map[string]string {
	t.Helper()
	tok, err := SignToken(testSecret, s.seeded.Users[user], time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func TestLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	carol, sam, alice := s.token(t, "carol"), s.token(t, "sam"), s.token(t, "alice")

	res, data := doJSON(t, http.MethodPost, s.URL+"/v1/reports", map[string]any{
		"title":         "Broken streetlight",
		"department_id": s.seeded.Departments["Roads"],
	}, carol)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var rep domain.Report
	require.NoError(t, json.Unmarshal(data, &rep))
	require.Equal(t, domain.StatusOpen, rep.Status)
	reportURL := fmt.Sprintf("%s/v1/reports/%d", s.URL, rep.ID)

	res, data = doJSON(t, http.MethodPost, reportURL+"/review", map[string]any{"notes": "confirmed"}, sam)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodPost, reportURL+"/assignments/team", map[string]any{"team_id": s.seeded.Teams["Crew"]}, sam)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = doJSON(t, http.MethodPost, reportURL+"/assignments/user", map[string]any{"user_id": s.seeded.Users["alice"]}, sam)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	require.Equal(t, "conflict", decodeError(t, data).Error.Code)

	res, data = doJSON(t, http.MethodPost, reportURL+"/accept", map[string]any{}, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodPost, reportURL+"/complete", map[string]any{"resolution_notes": "new bulb", "proof_media_ids": []int64{}}, alice)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	require.Equal(t, "validation_failed", decodeError(t, data).Error.Code)

	res, data = doJSON(t, http.MethodPost, reportURL+"/complete", map[string]any{"resolution_notes": "new bulb", "proof_media_ids": []int64{55}}, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &rep))
	require.Equal(t, domain.SubStatusPendingApproval, *rep.SubStatus)

	res, data = doJSON(t, http.MethodPost, reportURL+"/approve", nil, sam)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &rep))
	require.Equal(t, domain.StatusDone, rep.Status)
	require.NotNil(t, rep.ResolvedAt)

	res, data = doJSON(t, http.MethodPost, reportURL+"/review", nil, sam)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decodeError(t, data)
	require.Equal(t, "invalid_transition", env.Error.Code)
	require.Equal(t, "DONE", env.Error.Details["from"])

	res, data = doJSON(t, http.MethodGet, reportURL+"/history/status", nil, carol)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var hist []domain.StatusHistoryEntry
	require.NoError(t, json.Unmarshal(data, &hist))
	require.Len(t, hist, 4)
	require.Equal(t, "confirmed", *hist[0].Notes)
}

func TestLifecycleCallsWithoutBody(t *testing.T) {
	s := newTestServer(t)
	carol, sam, alice := s.token(t, "carol"), s.token(t, "sam"), s.token(t, "alice")

	res, data := doJSON(t, http.MethodPost, s.URL+"/v1/reports", map[string]any{
		"title":         "Blocked drain",
		"department_id": s.seeded.Departments["Roads"],
	}, carol)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var rep domain.Report
	require.NoError(t, json.Unmarshal(data, &rep))
	reportURL := fmt.Sprintf("%s/v1/reports/%d", s.URL, rep.ID)

	res, data = doJSON(t, http.MethodPost, reportURL+"/review", nil, sam)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &rep))
	require.Equal(t, domain.StatusInReview, rep.Status)

	res, data = doJSON(t, http.MethodPost, reportURL+"/assignments/user", map[string]any{"user_id": s.seeded.Users["alice"]}, sam)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = doJSON(t, http.MethodPost, reportURL+"/accept", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, http.MethodPost, reportURL+"/complete", map[string]any{"resolution_notes": "cleared", "proof_media_ids": []int64{3}}, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodPost, reportURL+"/approve", nil, sam)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &rep))
	require.Equal(t, domain.StatusDone, rep.Status)

	res, data = doJSON(t, http.MethodPost, s.URL+"/v1/reports", map[string]any{
		"title":         "Duplicate drain report",
		"department_id": s.seeded.Departments["Roads"],
	}, carol)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &rep))
	res, data = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/reports/%d/cancel", s.URL, rep.ID), nil, carol)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &rep))
	require.Equal(t, domain.StatusCancelled, rep.Status)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	carol, sam := s.token(t, "carol"), s.token(t, "sam")

	res, data := doJSON(t, http.MethodGet, s.URL+"/v1/reports/999", nil, carol)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	require.Equal(t, "not_found", decodeError(t, data).Error.Code)

	res, data = doJSON(t, http.MethodPost, s.URL+"/v1/reports", map[string]any{
		"title": "Bench", "department_id": s.seeded.Departments["Parks"],
	}, sam)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	env := decodeError(t, data)
	require.Equal(t, "forbidden", env.Error.Code)
	require.Equal(t, string(domain.OpCreateReport), env.Error.Details["operation"])

	res, data = doJSON(t, http.MethodPost, s.URL+"/v1/reports", map[string]any{
		"title": "Bench", "department_id": s.seeded.Departments["Parks"],
	}, carol)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var rep domain.Report
	require.NoError(t, json.Unmarshal(data, &rep))

	res, data = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/reports/%d/forward", s.URL, rep.ID), map[string]any{
		"department_id": s.seeded.Departments["Roads"], "reason": "",
	}, s.token(t, "carol"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	// Schema violations come back as 400 in the same envelope.
	res, data = doJSON(t, http.MethodPost, s.URL+"/v1/reports", map[string]any{"department_id": "roads"}, carol)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	require.Equal(t, "bad_request", decodeError(t, data).Error.Code)
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	res, data := doJSON(t, http.MethodGet, s.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NotEmpty(t, res.Header.Get("X-Request-Id"))

	res, data = doJSON(t, http.MethodGet, s.URL+"/v1/reports", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	require.Equal(t, "unauthorized", decodeError(t, data).Error.Code)

	res, _ = doJSON(t, http.MethodGet, s.URL+"/v1/reports", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	bad, err := SignToken("other-secret", s.seeded.Users["carol"], time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, http.MethodGet, s.URL+"/v1/reports", nil, map[string]string{"Authorization": "Bearer " + bad})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	raw := "cf_test_key"
	require.NoError(t, s.repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID: "k1", UserID: s.seeded.Users["sam"], KeyHash: repo.HashAPIKey(raw), CreatedAt: time.Now(),
	}))
	res, data = doJSON(t, http.MethodGet, s.URL+"/v1/me", nil, map[string]string{"X-Api-Key": raw})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	require.Equal(t, s.seeded.Users["sam"], me.UserID)
	require.Equal(t, []domain.Role{domain.RoleSupervisor}, me.Roles)
	require.Equal(t, "api_key", me.Source)

	res, _ = doJSON(t, http.MethodGet, s.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "wrong"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, http.MethodPost, s.URL+"/v1/auth/dev/login", map[string]any{"user_id": s.seeded.Users["carol"]}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))
	res, _ = doJSON(t, http.MethodGet, s.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestListReportsPaging(t *testing.T) {
	s := newTestServer(t)
	carol := s.token(t, "carol")
	for i := 0; i < 3; i++ {
		res, data := doJSON(t, http.MethodPost, s.URL+"/v1/reports", map[string]any{
			"title": fmt.Sprintf("Pothole %d", i), "department_id": s.seeded.Departments["Roads"],
		}, carol)
		require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	}

	res, data := doJSON(t, http.MethodGet, s.URL+"/v1/reports?limit=2", nil, carol)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page ReportListResponse
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	require.NotZero(t, page.NextAfterID)

	res, data = doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/reports?limit=2&after_id=%d", s.URL, page.NextAfterID), nil, carol)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page = ReportListResponse{}
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	require.Zero(t, page.NextAfterID)
}

func TestMetricsAndOpenAPI(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, http.MethodGet, s.URL+"/v1/health", nil, nil)

	res, data := doJSON(t, http.MethodGet, s.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.True(t, strings.Contains(string(data), "civicflow_http_requests_total"), string(data))

	res, data = doJSON(t, http.MethodGet, s.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, paths, "/v1/reports/{id}/forward")
}
