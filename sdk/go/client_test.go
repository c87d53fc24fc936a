package stagelinesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/server"
)

// newTestAPI serves a fresh workspace. The engine clock advances one second
// per reading so creation order is deterministic.
func newTestAPI(t *testing.T) string {
	t.Helper()
	return newTestAPIWithConfig(t, config.Default())
}

func newTestAPIWithConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	e := engine.New(conn, cfg, nil)
	var mu sync.Mutex
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	e.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	ctx := context.Background()
	for id, role := range map[string]string{
		"alice": domain.RoleResearcher,
		"mgr":   domain.RoleManager,
		"eng":   domain.RoleEngineer,
	} {
		_, err := e.AddActor(ctx, domain.Actor{ID: id, DisplayName: id, Roles: []string{role}}, "setup")
		require.NoError(t, err)
	}
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{
		JWTSecret:              "sdk-secret",
		AllowLegacyActorHeader: true,
		DevLogin:               true,
	}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func clientAs(baseURL, actorID string) *Client {
	c := New(baseURL)
	c.ActorID = actorID
	return c
}

func TestClientProjectFlow(t *testing.T) {
	base := newTestAPI(t)
	ctx := context.Background()

	alice := New(base)
	_, err := alice.DevLogin(ctx, "alice")
	require.NoError(t, err)
	me, err := alice.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "alice", me.ActorID)
	require.Equal(t, []string{domain.RoleResearcher}, me.Roles)

	days := 20
	p, err := alice.CreateProject(ctx, CreateProjectInput{Name: "Press line", Type: domain.TypeResearch, DurationDays: &days})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, p.Status)

	mgr := clientAs(base, "mgr")
	sched, err := mgr.SetSchedule(ctx, p.ID, map[string]int{domain.RoleResearcher: 5, domain.RoleEngineer: 5})
	require.NoError(t, err)
	require.Empty(t, sched.Warnings)
	_, err = mgr.ApproveProject(ctx, p.ID)
	require.NoError(t, err)

	deadlines, err := mgr.Deadlines(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, deadlines, 2)

	_, err = alice.AttachFile(ctx, p.ID, domain.StageDevelopment, "drawing.pdf")
	require.NoError(t, err)
	files, err := alice.ListFiles(ctx, p.ID, domain.StageDevelopment)
	require.NoError(t, err)
	require.Len(t, files, 1)

	res, err := alice.CompleteStage(ctx, p.ID, domain.StageDevelopment)
	require.NoError(t, err)
	require.Equal(t, domain.StageEngineering, res.Project.Current.Stage)
	require.Len(t, res.Notifications, 1)
	require.Equal(t, domain.NotifyReadyForEngineering, res.Notifications[0].Type)

	list, err := clientAs(base, "eng").Notifications(ctx, NotificationOptions{})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	require.Contains(t, list.Projects, p.ID)

	projects, err := mgr.ListProjects(ctx, ProjectFilter{Stage: string(domain.StageEngineering)})
	require.NoError(t, err)
	require.Len(t, projects, 1)

	events, err := mgr.Events(ctx, EventFilter{ProjectID: p.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, events.Items, 2)
	require.NotEmpty(t, events.NextCursor)
	more, err := mgr.Events(ctx, EventFilter{ProjectID: p.ID, Cursor: events.NextCursor})
	require.NoError(t, err)
	require.NotEmpty(t, more.Items)
	require.Less(t, more.Items[0].ID, events.Items[1].ID)
}

func TestClientErrorsCarryEnvelope(t *testing.T) {
	base := newTestAPI(t)
	ctx := context.Background()

	p, err := clientAs(base, "alice").CreateProject(ctx, CreateProjectInput{Name: "Mixer"})
	require.NoError(t, err)

	_, err = clientAs(base, "eng").ApproveProject(ctx, p.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	require.Equal(t, "forbidden", apiErr.Code)
	require.False(t, IsConflict(err))

	_, err = clientAs(base, "mgr").ApproveProject(ctx, p.ID)
	require.NoError(t, err)
	_, err = clientAs(base, "eng").CompleteStage(ctx, p.ID, domain.StageEngineering)
	require.True(t, IsConflict(err))
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "precondition_failed", apiErr.Code)
	require.Equal(t, "previous_stage_incomplete", apiErr.Details["reason"])

	_, err = clientAs(base, "mgr").GetProject(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	_, err = New(base).GetProject(ctx, p.ID)
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestClientWorkflow(t *testing.T) {
	cfg := config.Default()
	off := false
	cfg.Workflow.SecondWarehouseCycle = &off
	cfg.Notifications.PollInterval = "1500ms"
	base := newTestAPIWithConfig(t, cfg)

	w, err := clientAs(base, "eng").Workflow(context.Background())
	require.NoError(t, err)
	require.False(t, w.SecondWarehouseCycle)
	require.Equal(t, 1500*time.Millisecond, w.PollInterval())
	require.Equal(t, domain.RoleManager, w.ManagerRole)
	require.Equal(t, domain.RoleTester, w.GatingRoles[string(domain.StageTesting)])
	require.NotContains(t, w.Flow, domain.StageWarehouseInSecond)
	require.Equal(t, cfg.Policy(), w.Policy())

	_, err = New(base).Workflow(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestBaseAppendsVersionPrefix(t *testing.T) {
	require.Equal(t, "http://host/v0", New("http://host/").base())
	require.Equal(t, "http://host/v0", New("http://host/v0").base())
}
