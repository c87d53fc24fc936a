package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/engine/notify"
	"stageline/internal/engine/stages"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

// actorFor maps each gating role onto the seeded actor that holds it.
var actorFor = map[string]string{
	domain.RoleResearcher:   "alice",
	domain.RoleManager:      "mgr",
	domain.RoleEngineer:     "eng",
	domain.RolePurchaser:    "pur",
	domain.RoleProcessor:    "proc",
	domain.RoleWarehouseIn:  "whin",
	domain.RoleWarehouseOut: "whout",
	domain.RoleAssembler:    "asm",
	domain.RoleTester:       "tst",
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default(), nil)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	for role, id := range actorFor {
		_, err := eng.AddActor(ctx, domain.Actor{ID: id, DisplayName: id, Roles: []string{role}}, "setup")
		require.NoError(t, err)
	}
	return testEnv{Engine: eng, Ctx: ctx, clock: &clock}
}

func (env testEnv) advanceClock(d time.Duration) { *env.clock = env.clock.Add(d) }

func (env testEnv) submit(t *testing.T, name string) string {
	t.Helper()
	v, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{Name: name, Type: domain.TypeContract, ActorID: "alice"})
	require.NoError(t, err)
	return v.ID
}

func (env testEnv) approved(t *testing.T, name string) string {
	t.Helper()
	id := env.submit(t, name)
	_, err := env.Engine.Approve(env.Ctx, id, "mgr")
	require.NoError(t, err)
	return id
}

// completeThrough completes every flow stage up to and including last.
func (env testEnv) completeThrough(t *testing.T, projectID string, last domain.StageKey) {
	t.Helper()
	for _, k := range env.Engine.Config.Graph().Flow() {
		actor := actorFor[env.Engine.Config.GatingRole(k)]
		_, err := env.Engine.CompleteStage(env.Ctx, projectID, k, actor)
		require.NoError(t, err, "complete %s", k)
		if k == last {
			return
		}
	}
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "Conveyor")

	v, err := env.Engine.GetProject(env.Ctx, id)
	require.NoError(t, err)
	require.Equal(t, stages.PositionPendingApproval, v.Current.Kind)

	_, err = env.Engine.CompleteStage(env.Ctx, id, domain.StageDevelopment, "alice")
	require.ErrorIs(t, err, engine.PreconditionError{Stage: domain.StageDevelopment, Reason: stages.ReasonNotApproved})

	_, err = env.Engine.Approve(env.Ctx, id, "alice")
	var fe auth.ForbiddenError
	require.True(t, errors.As(err, &fe))

	v, err = env.Engine.Approve(env.Ctx, id, "mgr")
	require.NoError(t, err)
	require.Equal(t, domain.StageDevelopment, v.Current.Stage)
	_, err = env.Engine.Approve(env.Ctx, id, "mgr")
	require.True(t, engine.IsRecoverable(err))

	env.completeThrough(t, id, domain.StageWarehouseOutSecond)

	_, err = env.Engine.CompleteStage(env.Ctx, id, domain.StageArchived, "mgr")
	var ve engine.ValidationError
	require.True(t, errors.As(err, &ve))
	require.Equal(t, "summary", ve.Field)

	res, err := env.Engine.Archive(env.Ctx, id, "Delivered to customer", "mgr")
	require.NoError(t, err)
	require.Equal(t, domain.StatusArchived, res.Project.Status)
	require.Equal(t, stages.PositionCompleted, res.Project.Current.Kind)
	require.Equal(t, "Delivered to customer", res.Project.Summary)
	for _, k := range domain.StageKeys {
		require.True(t, res.Project.Completed(k), "%s not completed", k)
	}

	all, err := env.Engine.Repo.NotificationsAfter(env.Ctx, 0, 100)
	require.NoError(t, err)
	types := map[string]int{}
	for _, n := range all {
		types[n.Type]++
	}
	require.Len(t, all, 11)
	for typ, count := range types {
		require.Equal(t, 1, count, "duplicate %s", typ)
	}
	require.Equal(t, 1, types[domain.NotifyReadyForArchive])
	require.Equal(t, 1, types[domain.NotifyReadyForWarehouseInSecond])
}

func TestCompleteStageRequiresGatingRole(t *testing.T) {
	env := newTestEnv(t)
	id := env.approved(t, "Press")

	_, err := env.Engine.CompleteStage(env.Ctx, id, domain.StageDevelopment, "eng")
	var fe auth.ForbiddenError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, auth.ReasonMissingRole, fe.Reason)

	_, err = env.Engine.CompleteStage(env.Ctx, id, domain.StageEngineering, "eng")
	require.ErrorIs(t, err, engine.PreconditionError{Stage: domain.StageEngineering, Reason: stages.ReasonPreviousIncomplete})

	_, err = env.Engine.CompleteStage(env.Ctx, id, "painting", "eng")
	require.ErrorIs(t, err, engine.PreconditionError{Stage: "painting", Reason: stages.ReasonUnknownStage})

	_, err = env.Engine.CompleteStage(env.Ctx, id, domain.StageDevelopment, "nobody")
	require.True(t, errors.As(err, &fe))
	require.Equal(t, auth.ReasonUnknownActor, fe.Reason)
}

func TestPrimaryLeaderGatesStage(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AddActor(env.Ctx, domain.Actor{ID: "rob", Roles: []string{domain.RoleResearcher}}, "setup")
	require.NoError(t, err)

	_, err = env.Engine.AddActor(env.Ctx, domain.Actor{ID: "eng2", Roles: []string{domain.RoleEngineer}}, "setup")
	require.NoError(t, err)

	id := env.submit(t, "Lathe")
	_, err = env.Engine.SetLeader(env.Ctx, id, domain.RoleResearcher, "rob", "mgr")
	require.NoError(t, err)
	_, err = env.Engine.SetLeader(env.Ctx, id, domain.RoleEngineer, "eng2", "mgr")
	require.NoError(t, err)
	_, err = env.Engine.SetLeader(env.Ctx, id, domain.RoleResearcher, "eng", "mgr")
	var ve engine.ValidationError
	require.True(t, errors.As(err, &ve))

	_, err = env.Engine.Approve(env.Ctx, id, "mgr")
	require.NoError(t, err)
	notes, err := env.Engine.Notifications(env.Ctx, "rob", engine.NotificationQuery{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, domain.NotifyProjectAssigned, notes[0].Type)

	_, err = env.Engine.CompleteStage(env.Ctx, id, domain.StageDevelopment, "alice")
	var fe auth.ForbiddenError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, auth.ReasonNotLeader, fe.Reason)

	res, err := env.Engine.CompleteStage(env.Ctx, id, domain.StageDevelopment, "rob")
	require.NoError(t, err)
	require.Equal(t, "rob", *res.Project.Stage(domain.StageDevelopment).CompletedBy)
	require.Len(t, res.Notifications, 1)
	require.Equal(t, domain.NotifyReadyForEngineering, res.Notifications[0].Type)
	require.Equal(t, "eng2", res.Notifications[0].RecipientUserID)
	require.Empty(t, res.Notifications[0].RecipientRole)

	// Other engineers cannot act while eng2 leads, so they are not told.
	notes, err = env.Engine.Notifications(env.Ctx, "eng", engine.NotificationQuery{UnreadOnly: true})
	require.NoError(t, err)
	require.Empty(t, notes)
	notes, err = env.Engine.Notifications(env.Ctx, "eng2", engine.NotificationQuery{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, notes, 1)
}

func TestStaleSnapshotConflicts(t *testing.T) {
	env := newTestEnv(t)
	id := env.approved(t, "Mill")
	snapshot, err := env.Engine.Repo.GetProject(env.Ctx, id)
	require.NoError(t, err)
	alice, err := env.Engine.Repo.GetActor(env.Ctx, "alice")
	require.NoError(t, err)

	first, err := env.Engine.ApplyStageCompletion(env.Ctx, snapshot, domain.StageDevelopment, alice)
	require.NoError(t, err)
	require.Len(t, first.Notifications, 1)

	env.advanceClock(time.Minute)
	_, err = env.Engine.ApplyStageCompletion(env.Ctx, snapshot, domain.StageDevelopment, alice)
	var ce engine.ConflictError
	require.True(t, errors.As(err, &ce))
	require.True(t, engine.IsRecoverable(err))

	after, err := env.Engine.GetProject(env.Ctx, id)
	require.NoError(t, err)
	require.True(t, first.Project.Stage(domain.StageDevelopment).CompletedTime.Equal(*after.Stage(domain.StageDevelopment).CompletedTime))

	notes, err := env.Engine.Notifications(env.Ctx, "eng", engine.NotificationQuery{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, notes, 1)
}

func TestConcurrentCompletionsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	id := env.approved(t, "Drill")

	const workers = 6
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.CompleteStage(env.Ctx, id, domain.StageDevelopment, "alice")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.True(t, engine.IsRecoverable(err), "unexpected error: %v", err)
	}
	require.Equal(t, 1, wins)

	notes, err := env.Engine.Notifications(env.Ctx, "eng", engine.NotificationQuery{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, notes, 1)
}

func TestStaleNotificationIsDroppedNotRead(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AddActor(env.Ctx, domain.Actor{ID: "whin2", Roles: []string{domain.RoleWarehouseIn}}, "setup")
	require.NoError(t, err)
	id := env.approved(t, "Crane")
	env.completeThrough(t, id, domain.StageProcessing)

	sel, err := env.Engine.NextNotification(env.Ctx, "whin", nil)
	require.NoError(t, err)
	require.NotNil(t, sel.Selected)
	require.Equal(t, domain.NotifyReadyForWarehouseIn, sel.Selected.Type)
	noteID := sel.Selected.ID

	suppressed := notify.NewSuppression(id)
	sel, err = env.Engine.NextNotification(env.Ctx, "whin", suppressed)
	require.NoError(t, err)
	require.Nil(t, sel.Selected)

	_, err = env.Engine.CompleteStage(env.Ctx, id, domain.StageWarehouseIn, "whin2")
	require.NoError(t, err)

	sel, err = env.Engine.NextNotification(env.Ctx, "whin", nil)
	require.NoError(t, err)
	require.Nil(t, sel.Selected)
	require.Len(t, sel.Stale, 1)
	require.Equal(t, noteID, sel.Stale[0].ID)

	stored, err := env.Engine.Repo.GetNotification(env.Ctx, noteID)
	require.NoError(t, err)
	require.False(t, stored.Read)

	visible, err := env.Engine.Notifications(env.Ctx, "whin", engine.NotificationQuery{UnreadOnly: true})
	require.NoError(t, err)
	require.Empty(t, visible)
	withStale, err := env.Engine.Notifications(env.Ctx, "whin", engine.NotificationQuery{UnreadOnly: true, IncludeStale: true})
	require.NoError(t, err)
	require.Len(t, withStale, 1)
}

func TestNextNotificationPriority(t *testing.T) {
	env := newTestEnv(t)
	pending := env.submit(t, "Pending one")
	approved := env.approved(t, "Approved one")

	sel, err := env.Engine.NextNotification(env.Ctx, "mgr", nil)
	require.NoError(t, err)
	require.Equal(t, domain.NotifyNeedsSchedule, sel.Selected.Type)
	require.Equal(t, approved, sel.Selected.ProjectID)

	_, err = env.Engine.SetSchedule(env.Ctx, approved, "mgr", map[string]int{domain.RoleEngineer: 4})
	require.NoError(t, err)
	sel, err = env.Engine.NextNotification(env.Ctx, "mgr", nil)
	require.NoError(t, err)
	require.Equal(t, domain.NotifyNewProject, sel.Selected.Type)
	require.Equal(t, pending, sel.Selected.ProjectID)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "Hoist")
	notes, err := env.Engine.Notifications(env.Ctx, "mgr", engine.NotificationQuery{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	n := notes[0]

	var fe auth.ForbiddenError
	_, err = env.Engine.MarkRead(env.Ctx, n.ID, "alice")
	require.True(t, errors.As(err, &fe), "submitter is excluded")
	_, err = env.Engine.MarkRead(env.Ctx, n.ID, "eng")
	require.True(t, errors.As(err, &fe))

	read, err := env.Engine.MarkRead(env.Ctx, n.ID, "mgr")
	require.NoError(t, err)
	require.True(t, read.Read)
	_, err = env.Engine.MarkRead(env.Ctx, n.ID, "mgr")
	require.NoError(t, err)

	notes, err = env.Engine.Notifications(env.Ctx, "mgr", engine.NotificationQuery{UnreadOnly: true})
	require.NoError(t, err)
	require.Empty(t, notes)
}

func TestScheduleValidation(t *testing.T) {
	env := newTestEnv(t)
	ten := 10
	v, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{Name: "Boiler", DurationDays: &ten, ActorID: "alice"})
	require.NoError(t, err)

	res, err := env.Engine.SetSchedule(env.Ctx, v.ID, "mgr", map[string]int{domain.RoleResearcher: 6, domain.RoleTester: 6})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	require.Len(t, res.Project.Timelines, 2)

	env.Engine.Config.Workflow.ScheduleValidation = config.ScheduleEnforce
	_, err = env.Engine.SetSchedule(env.Ctx, v.ID, "mgr", map[string]int{domain.RoleEngineer: 1})
	var ve engine.ValidationError
	require.True(t, errors.As(err, &ve))

	_, err = env.Engine.SetSchedule(env.Ctx, v.ID, "mgr", map[string]int{"painter": 1})
	require.True(t, errors.As(err, &ve))
	_, err = env.Engine.SetSchedule(env.Ctx, v.ID, "alice", map[string]int{domain.RoleEngineer: 1})
	var fe auth.ForbiddenError
	require.True(t, errors.As(err, &fe))
}

func TestTimelineStartsWhenStageOpens(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "Kiln")
	_, err := env.Engine.SetSchedule(env.Ctx, id, "mgr", map[string]int{domain.RoleResearcher: 5, domain.RoleEngineer: 4})
	require.NoError(t, err)

	approvedAt := *env.clock
	_, err = env.Engine.Approve(env.Ctx, id, "mgr")
	require.NoError(t, err)

	env.advanceClock(3 * 24 * time.Hour)
	deadlines, err := env.Engine.Deadlines(env.Ctx, id)
	require.NoError(t, err)
	byRole := map[string]stages.Deadline{}
	for _, d := range deadlines {
		byRole[d.Role] = d
	}
	require.Equal(t, 2, *byRole[domain.RoleResearcher].Remaining)
	require.Equal(t, stages.DeadlineWarning, byRole[domain.RoleResearcher].Class)
	require.Equal(t, stages.DeadlineUnknown, byRole[domain.RoleEngineer].Class)

	v, err := env.Engine.GetProject(env.Ctx, id)
	require.NoError(t, err)
	for _, tl := range v.Timelines {
		if tl.Role == domain.RoleResearcher {
			require.True(t, approvedAt.Equal(*tl.StartTime))
		}
	}
}

func TestTeamUploadsAndIntegration(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Workflow.RequireIntegration = true
	id := env.approved(t, "Turbine")

	u, err := env.Engine.AddTeamUpload(env.Ctx, id, domain.StageDevelopment, []string{"rotor.step", "notes.pdf"}, "alice")
	require.NoError(t, err)

	_, err = env.Engine.CompleteStage(env.Ctx, id, domain.StageDevelopment, "alice")
	require.ErrorIs(t, err, engine.PreconditionError{Stage: domain.StageDevelopment, Reason: stages.ReasonIntegrationRequired})

	var ve engine.ValidationError
	_, err = env.Engine.AddTeamUpload(env.Ctx, id, domain.StagePurchase, []string{"po.pdf"}, "pur")
	require.True(t, errors.As(err, &ve))
	_, err = env.Engine.AddTeamUpload(env.Ctx, id, domain.StageDevelopment, []string{"../etc/passwd"}, "alice")
	require.True(t, errors.As(err, &ve))

	integrated, err := env.Engine.IntegrateUpload(env.Ctx, id, u.ID, "alice")
	require.NoError(t, err)
	require.True(t, integrated.Integrated)
	_, err = env.Engine.IntegrateUpload(env.Ctx, id, u.ID, "alice")
	require.NoError(t, err)

	files, err := env.Engine.ListFiles(env.Ctx, id, domain.StageDevelopment)
	require.NoError(t, err)
	require.Len(t, files, 2)

	_, err = env.Engine.CompleteStage(env.Ctx, id, domain.StageDevelopment, "alice")
	require.NoError(t, err)

	_, err = env.Engine.AddTeamUpload(env.Ctx, id, domain.StageDevelopment, []string{"late.step"}, "alice")
	require.ErrorIs(t, err, engine.PreconditionError{Stage: domain.StageDevelopment, Reason: stages.ReasonAlreadyCompleted})
}

func TestAttachFile(t *testing.T) {
	env := newTestEnv(t)
	id := env.approved(t, "Pump")

	f, err := env.Engine.AttachFile(env.Ctx, id, domain.StagePurchase, "quote.pdf", "pur")
	require.NoError(t, err)
	require.Equal(t, "quote.pdf", f.Filename)
	_, err = env.Engine.AttachFile(env.Ctx, id, domain.StagePurchase, "quote.pdf", "mgr")
	require.NoError(t, err)

	var fe auth.ForbiddenError
	_, err = env.Engine.AttachFile(env.Ctx, id, domain.StagePurchase, "other.pdf", "tst")
	require.True(t, errors.As(err, &fe))

	files, err := env.Engine.ListFiles(env.Ctx, id, "")
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestListProjectsFilters(t *testing.T) {
	env := newTestEnv(t)
	pending := env.submit(t, "Waiting")
	approved := env.approved(t, "Running")

	got, err := env.Engine.ListProjects(env.Ctx, engine.ProjectQuery{Stage: domain.StageDevelopment})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, approved, got[0].ID)

	got, err = env.Engine.ListProjects(env.Ctx, engine.ProjectQuery{Role: domain.RoleManager})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, pending, got[0].ID)

	got, err = env.Engine.ListProjects(env.Ctx, engine.ProjectQuery{Role: domain.RoleResearcher})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, approved, got[0].ID)

	got, err = env.Engine.ListProjects(env.Ctx, engine.ProjectQuery{Status: domain.StatusPending})
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = env.Engine.ListProjects(env.Ctx, engine.ProjectQuery{Stage: "painting"})
	var ve engine.ValidationError
	require.True(t, errors.As(err, &ve))
}

func TestSingleCycleWorkflow(t *testing.T) {
	env := newTestEnv(t)
	off := false
	env.Engine.Config.Workflow.SecondWarehouseCycle = &off
	id := env.approved(t, "Valve")
	env.completeThrough(t, id, domain.StageTesting)

	v, err := env.Engine.GetProject(env.Ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StageArchived, v.Current.Stage)

	mgrNotes, err := env.Engine.Notifications(env.Ctx, "mgr", engine.NotificationQuery{UnreadOnly: true})
	require.NoError(t, err)
	found := false
	for _, n := range mgrNotes {
		if n.Type == domain.NotifyReadyForArchive {
			found = true
		}
	}
	require.True(t, found)
}

func TestAPIKeyRevocation(t *testing.T) {
	env := newTestEnv(t)
	_, key, err := env.Engine.CreateAPIKey(env.Ctx, "eng", "ci")
	require.NoError(t, err)

	keys, err := env.Engine.APIKeys(env.Ctx, "eng")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Empty(t, keys[0].KeyHash)

	err = env.Engine.RevokeAPIKey(env.Ctx, key.ID, "alice")
	var fe auth.ForbiddenError
	require.True(t, errors.As(err, &fe))
	keys, err = env.Engine.APIKeys(env.Ctx, "eng")
	require.NoError(t, err)
	require.Len(t, keys, 1, "forbidden revoke must roll back")

	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID, "eng"))
	keys, err = env.Engine.APIKeys(env.Ctx, "eng")
	require.NoError(t, err)
	require.Empty(t, keys)
	require.Error(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID, "mgr"))
}

func TestListEventsPagesNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	id := env.approved(t, "Hoist")

	page, err := env.Engine.ListEvents(env.Ctx, 1, 0, repo.EventFilter{ProjectID: id})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "notification.created", page[0].Type)

	older, err := env.Engine.ListEvents(env.Ctx, 10, page[0].ID, repo.EventFilter{ProjectID: id})
	require.NoError(t, err)
	require.NotEmpty(t, older)
	types := map[string]bool{}
	for i, evt := range older {
		require.Less(t, evt.ID, page[0].ID)
		if i > 0 {
			require.Less(t, evt.ID, older[i-1].ID)
		}
		types[evt.Type] = true
	}
	require.True(t, types["project.approved"])
	require.True(t, types["project.created"])
}
