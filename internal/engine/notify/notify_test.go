package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stageline/internal/domain"
	"stageline/internal/engine/stages"
)

func project(id string, done ...domain.StageKey) domain.Project {
	p := domain.Project{ID: id, Status: domain.StatusApproved, CreatedBy: "submitter", Stages: map[domain.StageKey]domain.StageRecord{}}
	for _, k := range done {
		p.Stages[k] = domain.StageRecord{Completed: true}
	}
	return p
}

func TestStageFanOutTable(t *testing.T) {
	cases := []struct {
		stage domain.StageKey
		typ   string
		role  string
	}{
		{domain.StageDevelopment, domain.NotifyReadyForEngineering, domain.RoleEngineer},
		{domain.StageProcessing, domain.NotifyReadyForWarehouseIn, domain.RoleWarehouseIn},
		{domain.StageWarehouseIn, domain.NotifyReadyForWarehouseOut, domain.RoleWarehouseOut},
		{domain.StageWarehouseOut, domain.NotifyReadyForAssembly, domain.RoleAssembler},
		{domain.StageAssembly, domain.NotifyReadyForTesting, domain.RoleTester},
		{domain.StageTesting, domain.NotifyReadyForWarehouseInSecond, domain.RoleWarehouseIn},
		{domain.StageWarehouseInSecond, domain.NotifyReadyForWarehouseOutSecond, domain.RoleWarehouseOut},
		{domain.StageWarehouseOutSecond, domain.NotifyReadyForArchive, domain.RoleManager},
	}
	for _, tc := range cases {
		t.Run(string(tc.stage), func(t *testing.T) {
			got := DefaultPolicy.StageFanOut(project("p1"), stages.StageCompleted{ProjectID: "p1", Stage: tc.stage})
			require.Len(t, got, 1)
			require.Equal(t, tc.typ, got[0].Type)
			require.Equal(t, tc.role, got[0].RecipientRole)
			require.Equal(t, "p1", got[0].ProjectID)
		})
	}

	for _, silent := range []domain.StageKey{domain.StageEngineering, domain.StagePurchase, domain.StageArchived} {
		require.Empty(t, DefaultPolicy.StageFanOut(project("p1"), stages.StageCompleted{Stage: silent}), silent)
	}
}

func TestArchiveTargetsManagerLeader(t *testing.T) {
	p := project("p1")
	p.Leaders = map[string]string{domain.RoleManager: "boss"}
	got := DefaultPolicy.StageFanOut(p, stages.StageCompleted{Stage: domain.StageWarehouseOutSecond})
	require.Equal(t, "boss", got[0].RecipientUserID)
	require.Empty(t, got[0].RecipientRole)
	require.True(t, got[0].RequiresAction)
}

func TestStageReadyTargetsRoleLeader(t *testing.T) {
	p := project("p1")
	p.Leaders = map[string]string{domain.RoleAssembler: "ana"}
	got := DefaultPolicy.StageFanOut(p, stages.StageCompleted{Stage: domain.StageWarehouseOut})
	require.Equal(t, domain.NotifyReadyForAssembly, got[0].Type)
	require.Equal(t, "ana", got[0].RecipientUserID)
	require.Empty(t, got[0].RecipientRole)

	got = DefaultPolicy.StageFanOut(p, stages.StageCompleted{Stage: domain.StageAssembly})
	require.Equal(t, domain.RoleTester, got[0].RecipientRole)
	require.Empty(t, got[0].RecipientUserID)
}

func TestPolicyForReadsGatingRoles(t *testing.T) {
	roles := map[domain.StageKey]string{domain.StageTesting: "qa"}
	pol := PolicyFor(stages.Graph{}, "boss", func(k domain.StageKey) string { return roles[k] })
	require.Equal(t, "qa", pol.TestingRole)
	require.Equal(t, "boss", pol.ManagerRole)
	require.False(t, pol.Graph.SecondCycle)
}

func TestSingleCycleTestingAnnouncesArchive(t *testing.T) {
	pol := DefaultPolicy
	pol.Graph = stages.Graph{SecondCycle: false}
	got := pol.StageFanOut(project("p1"), stages.StageCompleted{Stage: domain.StageTesting})
	require.Equal(t, domain.NotifyReadyForArchive, got[0].Type)
}

func TestApprovalFanOut(t *testing.T) {
	p := project("p1")
	got := DefaultPolicy.ApprovalFanOut(p)
	require.Len(t, got, 2)
	require.Equal(t, domain.NotifyProjectAssigned, got[0].Type)
	require.Equal(t, "submitter", got[0].RecipientUserID)
	require.Equal(t, domain.NotifyNeedsSchedule, got[1].Type)

	ten := 10
	p.Timelines = []domain.Timeline{{Role: domain.RoleEngineer, AllottedDays: &ten}}
	p.Leaders = map[string]string{domain.RoleResearcher: "lead"}
	got = DefaultPolicy.ApprovalFanOut(p)
	require.Len(t, got, 1)
	require.Equal(t, "lead", got[0].RecipientUserID)
}

func TestSubmissionExcludesSubmitter(t *testing.T) {
	got := DefaultPolicy.SubmissionFanOut(project("p1"))
	require.Equal(t, "submitter", got[0].ExcludedUserID)
	require.Equal(t, domain.RoleManager, got[0].RecipientRole)
}

func TestPriorityOrder(t *testing.T) {
	require.Greater(t, Priority(domain.NotifyReadyForArchive), Priority(domain.NotifyNeedsSchedule))
	require.Greater(t, Priority(domain.NotifyNeedsSchedule), Priority(domain.NotifyNewProject))
	require.Greater(t, Priority(domain.NotifyNewProject), Priority(domain.NotifyProjectAssigned))
	require.Greater(t, Priority(domain.NotifyProjectAssigned), Priority(domain.NotifyReadyForTesting))
	require.Equal(t, Priority(domain.NotifyReadyForTesting), Priority(domain.NotifyReadyForEngineering))
}

func TestIsStale(t *testing.T) {
	n := domain.Notification{Type: domain.NotifyReadyForWarehouseIn, ProjectID: "p1", Stage: string(domain.StageWarehouseIn)}
	require.False(t, DefaultPolicy.IsStale(n, ptr(project("p1", domain.StageProcessing))))
	require.True(t, DefaultPolicy.IsStale(n, ptr(project("p1", domain.StageProcessing, domain.StageWarehouseIn))))
	require.True(t, DefaultPolicy.IsStale(n, nil))

	sched := domain.Notification{Type: domain.NotifyNeedsSchedule, Stage: AnnounceSchedule}
	require.False(t, DefaultPolicy.IsStale(sched, ptr(project("p1"))))
	ten := 10
	withPlan := project("p1")
	withPlan.Timelines = []domain.Timeline{{Role: domain.RoleTester, AllottedDays: &ten}}
	require.True(t, DefaultPolicy.IsStale(sched, &withPlan))

	fresh := domain.Notification{Type: domain.NotifyNewProject, Stage: AnnounceApproval}
	pending := project("p1")
	pending.Status = domain.StatusPending
	require.False(t, DefaultPolicy.IsStale(fresh, &pending))
	require.True(t, DefaultPolicy.IsStale(fresh, ptr(project("p1"))))
}

func TestSelectNotification(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	projects := map[string]domain.Project{
		"a": project("a", domain.StageProcessing),
		"b": project("b", domain.StageWarehouseOutSecond),
		"c": project("c", domain.StageProcessing, domain.StageWarehouseIn),
	}
	pending := []domain.Notification{
		{ID: "1", Type: domain.NotifyReadyForWarehouseIn, ProjectID: "a", Stage: string(domain.StageWarehouseIn), CreatedAt: t0},
		{ID: "2", Type: domain.NotifyReadyForArchive, ProjectID: "b", Stage: string(domain.StageArchived), CreatedAt: t0.Add(time.Hour)},
		{ID: "3", Type: domain.NotifyReadyForWarehouseIn, ProjectID: "c", Stage: string(domain.StageWarehouseIn), CreatedAt: t0},
		{ID: "4", Type: domain.NotifyReadyForArchive, ProjectID: "gone", Stage: string(domain.StageArchived), CreatedAt: t0},
	}

	sel := DefaultPolicy.SelectNotification(pending, projects, nil)
	require.NotNil(t, sel.Selected)
	require.Equal(t, "2", sel.Selected.ID)
	require.Len(t, sel.Stale, 2)
	require.Equal(t, StaleStateChanged, sel.Stale[0].Reason)
	require.Equal(t, StaleProjectMissing, sel.Stale[1].Reason)

	sel = DefaultPolicy.SelectNotification(pending, projects, NewSuppression("b"))
	require.Equal(t, "1", sel.Selected.ID)

	sel = DefaultPolicy.SelectNotification(pending, projects, NewSuppression("a", "b"))
	require.Nil(t, sel.Selected)
}

func TestSelectNotificationTieBreak(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	projects := map[string]domain.Project{
		"a": project("a", domain.StageProcessing),
		"b": project("b", domain.StageProcessing),
	}
	pending := []domain.Notification{
		{ID: "z", Type: domain.NotifyReadyForWarehouseIn, ProjectID: "b", Stage: string(domain.StageWarehouseIn), CreatedAt: t0},
		{ID: "y", Type: domain.NotifyReadyForWarehouseIn, ProjectID: "a", Stage: string(domain.StageWarehouseIn), CreatedAt: t0.Add(time.Minute)},
		{ID: "x", Type: domain.NotifyReadyForWarehouseIn, ProjectID: "a", Stage: string(domain.StageWarehouseIn), CreatedAt: t0, Read: true},
	}
	require.Equal(t, "z", DefaultPolicy.SelectNotification(pending, projects, nil).Selected.ID)

	pending[1].CreatedAt = t0
	require.Equal(t, "y", DefaultPolicy.SelectNotification(pending, projects, nil).Selected.ID)
}

func ptr(p domain.Project) *domain.Project { return &p }
