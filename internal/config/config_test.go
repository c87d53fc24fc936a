package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stageline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.SecondCycle())
	require.Equal(t, domain.RoleTester, cfg.GatingRole(domain.StageTesting))
	require.Equal(t, domain.RoleManager, cfg.GatingRole(domain.StageArchived))
	require.Equal(t, 10*time.Second, cfg.PollInterval())
	require.Equal(t, 3, cfg.Notifications.DeadlineWarningDays)
	require.False(t, cfg.EnforceSchedule())

	pol := cfg.Policy()
	require.Equal(t, domain.RoleResearcher, pol.DevelopmentRole)
	require.Equal(t, domain.RoleWarehouseOut, pol.WarehouseOutRole)
	require.True(t, pol.Graph.SecondCycle)
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"no roles": `workflow: {manager_role: manager}`,
		"unknown gating role": `
roles: {manager: {}}
workflow: {manager_role: manager}
stages: {development: {gating_role: ghost}}`,
		"unknown stage": `
roles: {manager: {}}
workflow: {manager_role: manager}
stages: {painting: {gating_role: manager}}`,
		"missing flow stage": `
roles: {manager: {}}
workflow: {manager_role: manager}
stages: {archived: {gating_role: manager}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}

	cfg := Default()
	cfg.Workflow.ScheduleValidation = "sometimes"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Notifications.PollInterval = "soon"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Webhooks = []Webhook{{ID: "a", URL: "http://x"}, {ID: "a", URL: "http://y"}}
	require.Error(t, cfg.Validate())
}

func TestSingleCycleNeedsFewerStages(t *testing.T) {
	cfg := Default()
	off := false
	cfg.Workflow.SecondWarehouseCycle = &off
	delete(cfg.Stages, string(domain.StageWarehouseInSecond))
	delete(cfg.Stages, string(domain.StageWarehouseOutSecond))
	require.NoError(t, cfg.Validate())
	require.False(t, cfg.Graph().SecondCycle)

	on := true
	cfg.Workflow.SecondWarehouseCycle = &on
	require.Error(t, cfg.Validate())
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Webhooks = []Webhook{{ID: "ops", URL: "http://hooks.local/in", Types: []string{domain.NotifyReadyForArchive}}}
	back, err := FromYAML([]byte(cfg.mustYAML(t)))
	require.NoError(t, err)
	require.Equal(t, cfg.Webhooks, back.Webhooks)
	require.True(t, back.Webhooks[0].Accepts(domain.NotifyReadyForArchive))
	require.False(t, back.Webhooks[0].Accepts(domain.NotifyNewProject))
}

func (c *Config) mustYAML(t *testing.T) string {
	t.Helper()
	out, err := c.YAML()
	require.NoError(t, err)
	return out
}
