package stages

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stageline/internal/domain"
)

func approved(done ...domain.StageKey) domain.Project {
	p := domain.Project{ID: "p1", Status: domain.StatusApproved, Stages: map[domain.StageKey]domain.StageRecord{}}
	for _, k := range done {
		p.Stages[k] = domain.StageRecord{Completed: true}
	}
	return p
}

var tester = domain.Actor{ID: "u1", DisplayName: "Una"}

func TestCanEnterStageTable(t *testing.T) {
	cases := []struct {
		name  string
		p     domain.Project
		stage domain.StageKey
		want  bool
	}{
		{"development needs approval", domain.Project{Status: domain.StatusPending}, domain.StageDevelopment, false},
		{"development when approved", approved(), domain.StageDevelopment, true},
		{"engineering after development", approved(domain.StageDevelopment), domain.StageEngineering, true},
		{"engineering before development", approved(), domain.StageEngineering, false},
		{"purchase", approved(domain.StageDevelopment, domain.StageEngineering), domain.StagePurchase, true},
		{"processing", approved(domain.StagePurchase), domain.StageProcessing, true},
		{"assembly after processing", approved(domain.StageProcessing), domain.StageAssembly, true},
		{"testing after assembly", approved(domain.StageAssembly), domain.StageTesting, true},
		{"warehouse in after processing", approved(domain.StageProcessing), domain.StageWarehouseIn, true},
		{"warehouse in done", approved(domain.StageProcessing, domain.StageWarehouseIn), domain.StageWarehouseIn, false},
		{"warehouse out", approved(domain.StageWarehouseIn), domain.StageWarehouseOut, true},
		{"second in needs testing", approved(domain.StageWarehouseIn, domain.StageWarehouseOut), domain.StageWarehouseInSecond, false},
		{"second in", approved(domain.StageTesting, domain.StageWarehouseIn), domain.StageWarehouseInSecond, true},
		{"second out needs first out", approved(domain.StageWarehouseInSecond), domain.StageWarehouseOutSecond, false},
		{"second out", approved(domain.StageWarehouseInSecond, domain.StageWarehouseOut), domain.StageWarehouseOutSecond, true},
		{"archive", approved(domain.StageWarehouseOutSecond), domain.StageArchived, true},
		{"archive twice", approved(domain.StageWarehouseOutSecond, domain.StageArchived), domain.StageArchived, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, CanEnterStage(tc.p, tc.stage))
		})
	}
}

func TestCurrentStageAfterProcessing(t *testing.T) {
	p := approved(domain.StageDevelopment, domain.StageEngineering, domain.StagePurchase, domain.StageProcessing)
	require.Equal(t, Position{Kind: PositionStage, Stage: domain.StageWarehouseIn}, CurrentStage(p))

	next, evts, err := Default.Complete(p, domain.StageWarehouseIn, tester, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Equal(t, domain.StageWarehouseIn, evts[0].Stage)
	rec := next.Stage(domain.StageWarehouseIn)
	require.True(t, rec.Completed)
	require.Equal(t, "Una", *rec.CompletedBy)
	require.Equal(t, domain.StageWarehouseOut, CurrentStage(next).Stage)
	require.False(t, p.Completed(domain.StageWarehouseIn), "input must not be mutated")
}

func TestCurrentStageIsAlwaysDefined(t *testing.T) {
	require.Equal(t, PositionPendingApproval, CurrentStage(domain.Project{Status: domain.StatusPending}).Kind)

	p := approved()
	seen := map[domain.StageKey]bool{}
	for i := 0; i < len(Default.Flow()); i++ {
		pos := CurrentStage(p)
		require.Equal(t, PositionStage, pos.Kind)
		require.False(t, seen[pos.Stage], "stage %s returned twice", pos.Stage)
		seen[pos.Stage] = true
		var err error
		p, _, err = Default.Complete(p, pos.Stage, tester, time.Now())
		require.NoError(t, err)
	}
	require.Equal(t, Position{Kind: PositionCompleted}, CurrentStage(p))
	require.Equal(t, domain.StatusArchived, p.Status)
}

func TestCompleteRejectsClosedGate(t *testing.T) {
	p := approved(domain.StageWarehouseIn)
	_, _, err := Default.Complete(p, domain.StageWarehouseInSecond, tester, time.Now())
	var pe PreconditionError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, ReasonPreviousIncomplete, pe.Reason)

	_, _, err = Default.Complete(p, domain.StageWarehouseIn, tester, time.Now())
	require.True(t, errors.As(err, &pe))
	require.Equal(t, ReasonAlreadyCompleted, pe.Reason)

	_, _, err = Default.Complete(domain.Project{Status: domain.StatusPending}, domain.StageDevelopment, tester, time.Now())
	require.True(t, errors.As(err, &pe))
	require.Equal(t, ReasonNotApproved, pe.Reason)

	_, _, err = Default.Complete(p, domain.StageKey("painting"), tester, time.Now())
	require.True(t, errors.As(err, &pe))
	require.Equal(t, ReasonUnknownStage, pe.Reason)
}

func TestCompleteIsMonotonic(t *testing.T) {
	p := approved()
	for _, k := range Default.Flow() {
		var err error
		p, _, err = Default.Complete(p, k, tester, time.Now())
		require.NoError(t, err)
		for _, done := range Default.Flow() {
			if done == k {
				break
			}
			require.True(t, p.Completed(done), "%s reset after completing %s", done, k)
		}
	}
}

func TestSingleCycleFlow(t *testing.T) {
	g := Graph{SecondCycle: false}
	p := approved(domain.StageTesting, domain.StageWarehouseOut)
	require.True(t, g.CanEnter(p, domain.StageArchived))
	require.False(t, g.CanEnter(p, domain.StageWarehouseInSecond))
	require.NotContains(t, g.Flow(), domain.StageWarehouseInSecond)

	_, _, err := g.Complete(p, domain.StageWarehouseInSecond, tester, time.Now())
	var pe PreconditionError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, ReasonNotInFlow, pe.Reason)
}

func TestOptionalRequirements(t *testing.T) {
	g := Graph{SecondCycle: true, RequireIntegration: true, RequireFiles: true}
	p := approved()

	_, _, err := g.Complete(p, domain.StageDevelopment, tester, time.Now())
	require.ErrorIs(t, err, PreconditionError{Stage: domain.StageDevelopment, Reason: ReasonFilesRequired})

	p.FileCounts = map[domain.StageKey]int{domain.StageDevelopment: 1}
	p.Uploads = []domain.TeamUpload{{Stage: domain.StageDevelopment, Integrated: false}}
	_, _, err = g.Complete(p, domain.StageDevelopment, tester, time.Now())
	require.ErrorIs(t, err, PreconditionError{Stage: domain.StageDevelopment, Reason: ReasonIntegrationRequired})

	p.Uploads[0].Integrated = true
	_, _, err = g.Complete(p, domain.StageDevelopment, tester, time.Now())
	require.NoError(t, err)

	// the requirements gate completion only; the stage is still current
	require.Equal(t, domain.StageDevelopment, g.Current(approved()).Stage)
}

func TestRemainingDays(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ten := 10
	require.Nil(t, RemainingDays(nil, &start, start))
	require.Nil(t, RemainingDays(&ten, nil, start))

	require.Equal(t, 10, *RemainingDays(&ten, &start, start))
	require.Equal(t, 9, *RemainingDays(&ten, &start, start.Add(36*time.Hour)))
	require.Equal(t, -2, *RemainingDays(&ten, &start, start.Add(12*24*time.Hour)))

	require.Equal(t, DeadlineWarning, Classify(RemainingDays(&ten, &start, start.Add(7*24*time.Hour)), 3))
	require.Equal(t, DeadlineWarning, Classify(RemainingDays(&ten, &start, start.Add(10*24*time.Hour)), 3))
	require.Equal(t, DeadlineOverdue, Classify(RemainingDays(&ten, &start, start.Add(11*24*time.Hour)), 3))
	require.Equal(t, DeadlineOK, Classify(&ten, 3))
	require.Equal(t, DeadlineUnknown, Classify(nil, 3))
}

func TestDeadlines(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	five := 5
	p := domain.Project{Timelines: []domain.Timeline{
		{Role: domain.RoleEngineer, AllottedDays: &five, StartTime: &start},
		{Role: domain.RoleTester},
	}}
	got := Deadlines(p, start.Add(3*24*time.Hour), 3)
	require.Len(t, got, 2)
	require.Equal(t, DeadlineWarning, got[0].Class)
	require.Equal(t, 2, *got[0].Remaining)
	require.Equal(t, DeadlineUnknown, got[1].Class)
}
