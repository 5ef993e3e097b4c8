package rules_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/registry"
	"github.com/vpbank/netwatch/pkg/netwatch/rules"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []models.ComplianceEvent
}

func (s *sinkRecorder) OnComplianceEvent(ev models.ComplianceEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// fleet registers r1 (has ntp), r2 (no ntp) and r3 (never polled).
func fleet(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.Options{}, nil)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		_, err := reg.Register(ctx, models.Device{ID: id, IP: "192.0.2.1", Type: "router"})
		require.NoError(t, err)
	}
	configs := map[string]string{
		"r1": "hostname r1\nntp server 10.0.0.5\nip ssh version 2\n",
		"r2": "hostname r2\n",
	}
	for id, cfg := range configs {
		snap := &models.MetricSnapshot{DeviceID: id, Timestamp: time.Now(), Values: map[string]float64{}, Config: cfg}
		_, err := reg.ApplyPollResult(id, models.Success(snap))
		require.NoError(t, err)
	}
	return reg
}

func ntpRule(sev models.Severity) models.Rule {
	return models.Rule{
		ID: "ntp-configured", Name: "NTP Configuration", Severity: sev,
		Condition: models.Condition{Kind: models.ConditionConfig, Pattern: `^ntp server \S+`, Mode: models.ConfigRequire},
	}
}

func runner(t *testing.T, reg *registry.Registry, rs ...models.Rule) *rules.ComplianceRunner {
	t.Helper()
	e := newEngine(t, rs...)
	return rules.NewComplianceRunner(e, reg, nil, nil)
}

func TestCompliance_RunStatuses(t *testing.T) {
	tests := []struct {
		name     string
		severity models.Severity
		scope    models.Scope
		want     models.ComplianceStatus
		issues   int
	}{
		{"critical rule with issues fails", models.SeverityCritical, models.Scope{}, models.ComplianceFailed, 1},
		{"warning rule with issues warns", models.SeverityWarning, models.Scope{}, models.ComplianceWarning, 1},
		{"no issues passes", models.SeverityCritical, models.Scope{DeviceIDs: []string{"r1"}}, models.CompliancePassed, 0},
		{"no data is pending", models.SeverityCritical, models.Scope{DeviceIDs: []string{"r3"}}, models.CompliancePending, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			c := runner(t, fleet(t), ntpRule(tc.severity))
			_, err := c.Create(ctx, models.ComplianceCheck{ID: "ntp", RuleID: "ntp-configured", Scope: tc.scope})
			require.NoError(t, err)

			got, err := c.Run(ctx, "ntp")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status)
			assert.Equal(t, tc.issues, got.IssueCount)
			require.NotNil(t, got.LastRunAt)
		})
	}
}

func TestCompliance_ResultsPerDevice(t *testing.T) {
	ctx := context.Background()
	c := runner(t, fleet(t), ntpRule(models.SeverityCritical))
	_, err := c.Create(ctx, models.ComplianceCheck{ID: "ntp", RuleID: "ntp-configured"})
	require.NoError(t, err)

	got, err := c.Run(ctx, "ntp")
	require.NoError(t, err)
	require.Len(t, got.Results, 3)
	assert.True(t, got.Results[0].Passed)
	assert.Equal(t, "r2", got.Results[1].DeviceID)
	assert.False(t, got.Results[1].Passed)
	assert.Contains(t, got.Results[1].Detail, "not found")
	assert.True(t, got.Results[2].Pending)

	// Results are replaced, not appended, by the next run.
	got, err = c.Run(ctx, "ntp")
	require.NoError(t, err)
	assert.Len(t, got.Results, 3)
}

func TestCompliance_CheckScopeFallsBackToRuleScope(t *testing.T) {
	ctx := context.Background()
	r := ntpRule(models.SeverityCritical)
	r.Scope = models.Scope{DeviceIDs: []string{"r2"}}
	c := runner(t, fleet(t), r)
	_, err := c.Create(ctx, models.ComplianceCheck{ID: "ntp", RuleID: r.ID})
	require.NoError(t, err)

	got, err := c.Run(ctx, "ntp")
	require.NoError(t, err)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "r2", got.Results[0].DeviceID)
}

func TestCompliance_RunAllSkipsDisabledButRunOnDemandWorks(t *testing.T) {
	ctx := context.Background()
	c := runner(t, fleet(t), ntpRule(models.SeverityWarning))
	sink := &sinkRecorder{}
	c.AddSink(sink)

	_, err := c.Create(ctx, models.ComplianceCheck{ID: "a", RuleID: "ntp-configured"})
	require.NoError(t, err)
	_, err = c.Create(ctx, models.ComplianceCheck{ID: "b", RuleID: "ntp-configured", Disabled: true})
	require.NoError(t, err)

	ran := c.RunAll(ctx)
	require.Len(t, ran, 1)
	assert.Equal(t, "a", ran[0].ID)
	b, err := c.Get("b")
	require.NoError(t, err)
	assert.Equal(t, models.CompliancePending, b.Status)

	b, err = c.Run(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, models.ComplianceWarning, b.Status)
	assert.Equal(t, 2, sink.count())
	assert.Equal(t, models.ComplianceEventType, sink.events[0].Type)
}

func TestCompliance_Validation(t *testing.T) {
	ctx := context.Background()
	c := runner(t, fleet(t), ntpRule(models.SeverityWarning))

	_, err := c.Create(ctx, models.ComplianceCheck{ID: "x", RuleID: "ghost"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = c.Create(ctx, models.ComplianceCheck{ID: "x", RuleID: "ntp-configured", Schedule: "every tuesday"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = c.Create(ctx, models.ComplianceCheck{ID: "x", RuleID: "ntp-configured", Schedule: "0 3 * * *"})
	require.NoError(t, err)
	_, err = c.Create(ctx, models.ComplianceCheck{ID: "x", RuleID: "ntp-configured"})
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = c.Run(ctx, "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, c.Delete(ctx, "x"))
	assert.ErrorIs(t, c.Delete(ctx, "x"), models.ErrNotFound)
}

func TestCompliance_UpdateDiscardsResults(t *testing.T) {
	ctx := context.Background()
	c := runner(t, fleet(t), ntpRule(models.SeverityWarning))
	_, err := c.Create(ctx, models.ComplianceCheck{ID: "ntp", RuleID: "ntp-configured"})
	require.NoError(t, err)
	_, err = c.Run(ctx, "ntp")
	require.NoError(t, err)

	got, err := c.Update(ctx, models.ComplianceCheck{ID: "ntp", Name: "NTP", RuleID: "ntp-configured"})
	require.NoError(t, err)
	assert.Equal(t, models.CompliancePending, got.Status)
	assert.Nil(t, got.LastRunAt)
	assert.Empty(t, got.Results)
}

func TestCompliance_ScheduledRun(t *testing.T) {
	c := runner(t, fleet(t), ntpRule(models.SeverityWarning))
	sink := &sinkRecorder{}
	c.AddSink(sink)
	_, err := c.Create(context.Background(), models.ComplianceCheck{ID: "ntp", RuleID: "ntp-configured", Schedule: "@every 1s"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return sink.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
	got, err := c.Get("ntp")
	require.NoError(t, err)
	assert.Equal(t, models.ComplianceWarning, got.Status)
}
