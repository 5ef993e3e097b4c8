package rules_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/rules"
)

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

type membership map[string]map[string]bool

func (m membership) Contains(groupID, deviceID string) bool { return m[groupID][deviceID] }

// device feeds snapshots for one device and keeps its history like the
// registry does.
type device struct {
	id      string
	history []*models.MetricSnapshot
	at      time.Time
}

func newDevice(id string) *device {
	return &device{id: id, at: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
}

func (d *device) poll(e *rules.Engine, values map[string]float64) []rules.Emission {
	return d.pollConfig(e, values, "")
}

func (d *device) pollConfig(e *rules.Engine, values map[string]float64, config string) []rules.Emission {
	d.at = d.at.Add(time.Minute)
	snap := &models.MetricSnapshot{DeviceID: d.id, Timestamp: d.at, Values: values, Config: config}
	d.history = append(d.history, snap)
	return e.Evaluate(snap, d.history)
}

func cpuRule(id string, rearm models.Rearm, forN int) models.Rule {
	return models.Rule{
		ID:       id,
		Name:     "High CPU usage detected",
		Severity: models.SeverityCritical,
		Rearm:    rearm,
		Condition: models.Condition{
			Kind:      models.ConditionMetric,
			Metric:    models.MetricCPU,
			Op:        models.OpGT,
			Threshold: 80,
			For:       forN,
		},
	}
}

func newEngine(t *testing.T, rs ...models.Rule) *rules.Engine {
	t.Helper()
	e := rules.NewEngine(nil, nil, nil)
	for _, r := range rs {
		_, err := e.CreateRule(context.Background(), r)
		require.NoError(t, err)
	}
	return e
}

func cpu(v float64) map[string]float64 { return map[string]float64{models.MetricCPU: v} }

// ─────────────────────────────────────────────────────────────────────────────
// Evaluation
// ─────────────────────────────────────────────────────────────────────────────

func TestEngine_EdgeTriggeredForThreeRaisesOnceAtThirdPoll(t *testing.T) {
	e := newEngine(t, cpuRule("cpu-high", models.RearmEdge, 3))
	dev := newDevice("dev-1")

	var raisedAt []int
	for i := 1; i <= 5; i++ {
		for _, em := range dev.poll(e, cpu(90)) {
			require.Equal(t, rules.Raise, em.Kind)
			raisedAt = append(raisedAt, i)
		}
	}
	assert.Equal(t, []int{3}, raisedAt)
}

func TestEngine_EmissionCarriesRuleDetails(t *testing.T) {
	e := newEngine(t, cpuRule("cpu-high", models.RearmEdge, 1))
	got := newDevice("dev-1").poll(e, cpu(93.5))
	require.Len(t, got, 1)
	assert.Equal(t, rules.Emission{
		Kind:     rules.Raise,
		DeviceID: "dev-1",
		RuleID:   "cpu-high",
		Severity: models.SeverityCritical,
		Message:  "High CPU usage detected: cpu=93.5 > 80",
	}, got[0])
}

func TestEngine_LevelTriggeredRaisesEveryBreach(t *testing.T) {
	e := newEngine(t, cpuRule("cpu-high", models.RearmLevel, 1))
	dev := newDevice("dev-1")
	for i := 0; i < 3; i++ {
		assert.Len(t, dev.poll(e, cpu(95)), 1)
	}
}

func TestEngine_ClearsOnTransitionOutOfBreach(t *testing.T) {
	e := newEngine(t, cpuRule("cpu-high", models.RearmEdge, 1))
	dev := newDevice("dev-1")

	assert.Empty(t, dev.poll(e, cpu(10)), "never breached, nothing to clear")
	require.Len(t, dev.poll(e, cpu(95)), 1)

	got := dev.poll(e, cpu(10))
	require.Len(t, got, 1)
	assert.Equal(t, rules.Clear, got[0].Kind)
	assert.Empty(t, dev.poll(e, cpu(10)))

	got = dev.poll(e, cpu(95))
	require.Len(t, got, 1)
	assert.Equal(t, rules.Raise, got[0].Kind, "re-armed after clearing")
}

func TestEngine_MissingSampleBreaksRun(t *testing.T) {
	e := newEngine(t, cpuRule("cpu-high", models.RearmEdge, 2))
	dev := newDevice("dev-1")
	dev.poll(e, cpu(95))
	dev.poll(e, map[string]float64{models.MetricMemory: 40})
	assert.Empty(t, dev.poll(e, cpu(95)))
	assert.Len(t, dev.poll(e, cpu(95)), 1)
}

func TestEngine_HistoryWithoutLatestSnapshot(t *testing.T) {
	e := newEngine(t, cpuRule("cpu-high", models.RearmEdge, 2))
	prev := &models.MetricSnapshot{DeviceID: "dev-1", Values: cpu(90)}
	latest := &models.MetricSnapshot{DeviceID: "dev-1", Values: cpu(91)}
	assert.Len(t, e.Evaluate(latest, []*models.MetricSnapshot{prev}), 1)
}

func TestEngine_Scope(t *testing.T) {
	byDevice := cpuRule("by-device", models.RearmLevel, 1)
	byDevice.Scope = models.Scope{DeviceIDs: []string{"dev-1"}}
	byGroup := cpuRule("by-group", models.RearmLevel, 1)
	byGroup.Scope = models.Scope{GroupID: "core"}

	e := rules.NewEngine(membership{"core": {"dev-2": true}}, nil, nil)
	for _, r := range []models.Rule{byDevice, byGroup} {
		_, err := e.CreateRule(context.Background(), r)
		require.NoError(t, err)
	}

	ruleIDs := func(ems []rules.Emission) []string {
		var out []string
		for _, em := range ems {
			out = append(out, em.RuleID)
		}
		return out
	}
	assert.Equal(t, []string{"by-device"}, ruleIDs(newDevice("dev-1").poll(e, cpu(99))))
	assert.Equal(t, []string{"by-group"}, ruleIDs(newDevice("dev-2").poll(e, cpu(99))))
	assert.Empty(t, newDevice("dev-3").poll(e, cpu(99)))
}

func TestEngine_DisabledRuleIsSkipped(t *testing.T) {
	r := cpuRule("cpu-high", models.RearmLevel, 1)
	r.Disabled = true
	e := newEngine(t, r)
	assert.Empty(t, newDevice("dev-1").poll(e, cpu(99)))
}

func TestEngine_ConfigConditions(t *testing.T) {
	require1 := models.Rule{
		ID: "ntp", Name: "NTP Configuration", Severity: models.SeverityWarning,
		Condition: models.Condition{Kind: models.ConditionConfig, Pattern: `^ntp server `, Mode: models.ConfigRequire},
	}
	forbid := models.Rule{
		ID: "community", Name: "SNMP Community Strings", Severity: models.SeverityCritical,
		Condition: models.Condition{Kind: models.ConditionConfig, Pattern: `snmp-server community (public|private)\b`, Mode: models.ConfigForbid},
	}
	e := newEngine(t, require1, forbid)

	good := "hostname r1\nntp server 10.0.0.5\nsnmp-server community s3cr3t RO\n"
	assert.Empty(t, newDevice("r1").pollConfig(e, nil, good))

	bad := "hostname r2\nsnmp-server community public RO\n"
	got := newDevice("r2").pollConfig(e, nil, bad)
	require.Len(t, got, 2)
	assert.Equal(t, "community", got[0].RuleID)
	assert.Equal(t, "SNMP Community Strings: forbidden pattern present: snmp-server community public RO", got[0].Message)
	assert.Equal(t, "ntp", got[1].RuleID)

	assert.Empty(t, newDevice("r3").poll(e, cpu(1)), "no config collected is not a breach")
}

func TestEngine_InvalidPatternFailsClosed(t *testing.T) {
	e := rules.NewEngine(nil, nil, nil)
	r, err := e.CreateRule(context.Background(), models.Rule{
		ID: "broken", Severity: models.SeverityWarning,
		Condition: models.Condition{Kind: models.ConditionConfig, Pattern: `([unclosed`, Mode: models.ConfigForbid},
	})
	assert.ErrorIs(t, err, models.ErrInvalidPredicate)
	assert.NotEmpty(t, r.PredicateError)

	stored, err := e.GetRule("broken")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.PredicateError)

	assert.NotPanics(t, func() {
		assert.Empty(t, newDevice("r1").pollConfig(e, nil, "([unclosed"))
	})
}

func TestEngine_UpdateResetsMemory(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, cpuRule("cpu-high", models.RearmEdge, 1))
	dev := newDevice("dev-1")
	require.Len(t, dev.poll(e, cpu(95)), 1)
	assert.Empty(t, dev.poll(e, cpu(95)))

	_, err := e.UpdateRule(ctx, cpuRule("cpu-high", models.RearmEdge, 1))
	require.NoError(t, err)
	got := dev.poll(e, cpu(95))
	require.Len(t, got, 1)
	assert.Equal(t, rules.Raise, got[0].Kind, "first evaluation after update decides afresh")

	// After an update that stops the breach the open alert is cleared.
	raised := cpuRule("cpu-high", models.RearmEdge, 1)
	raised.Condition.Threshold = 99
	_, err = e.UpdateRule(ctx, raised)
	require.NoError(t, err)
	got = dev.poll(e, cpu(95))
	require.Len(t, got, 1)
	assert.Equal(t, rules.Clear, got[0].Kind)
}

func TestEngine_ForgetDevice(t *testing.T) {
	e := newEngine(t, cpuRule("cpu-high", models.RearmEdge, 1))
	dev := newDevice("dev-1")
	require.Len(t, dev.poll(e, cpu(95)), 1)
	e.ForgetDevice("dev-1")
	assert.Empty(t, dev.poll(e, cpu(95)), "late snapshot of a removed device")
	assert.Empty(t, dev.poll(e, cpu(10)), "no state left behind to clear")

	e.TrackDevice("dev-1")
	got := dev.poll(e, cpu(95))
	require.Len(t, got, 1)
	assert.Equal(t, rules.Raise, got[0].Kind)
}

// ─────────────────────────────────────────────────────────────────────────────
// CRUD
// ─────────────────────────────────────────────────────────────────────────────

func TestEngine_CRUD(t *testing.T) {
	ctx := context.Background()
	e := rules.NewEngine(nil, nil, nil)

	r, err := e.CreateRule(ctx, models.Rule{
		Name:      "Memory threshold exceeded",
		Condition: models.Condition{Kind: models.ConditionMetric, Metric: models.MetricMemory, Op: models.OpGE, Threshold: 90},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID, "id assigned")
	assert.Equal(t, models.RearmEdge, r.Rearm)
	assert.Equal(t, models.SeverityWarning, r.Severity)
	assert.False(t, r.CreatedAt.IsZero())

	_, err = e.CreateRule(ctx, r)
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = e.UpdateRule(ctx, models.Rule{ID: "ghost", Condition: r.Condition})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = e.CreateRule(ctx, models.Rule{ID: "bad", Condition: models.Condition{Kind: "script"}})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = e.CreateRule(ctx, cpuRule("a-cpu", models.RearmEdge, 1))
	require.NoError(t, err)
	list := e.ListRules()
	require.Len(t, list, 2)
	assert.Equal(t, "a-cpu", list[0].ID)

	require.NoError(t, e.DeleteRule(ctx, "a-cpu"))
	assert.ErrorIs(t, e.DeleteRule(ctx, "a-cpu"), models.ErrNotFound)
	_, err = e.GetRule("a-cpu")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestEngine_LoadSkipsInvalid(t *testing.T) {
	e := rules.NewEngine(nil, nil, nil)
	n := e.Load([]models.Rule{
		cpuRule("ok", models.RearmEdge, 1),
		{ID: "bad", Rearm: "sometimes", Condition: models.Condition{Kind: models.ConditionMetric, Metric: "x", Op: models.OpGT}},
	})
	assert.Equal(t, 1, n)
	_, err := e.GetRule("ok")
	assert.NoError(t, err)
}

func TestEngine_ForLongerThanHistoryRejected(t *testing.T) {
	ctx := context.Background()
	e := rules.NewEngine(nil, nil, nil)
	e.SetHistorySize(5)

	_, err := e.CreateRule(ctx, cpuRule("slow", models.RearmEdge, 6))
	assert.ErrorIs(t, err, models.ErrValidation)

	r, err := e.CreateRule(ctx, cpuRule("fits", models.RearmEdge, 5))
	require.NoError(t, err)
	r.Condition.For = 10
	_, err = e.UpdateRule(ctx, r)
	assert.ErrorIs(t, err, models.ErrValidation)

	n := e.Load([]models.Rule{cpuRule("loaded", models.RearmEdge, 3), cpuRule("too-slow", models.RearmEdge, 60)})
	assert.Equal(t, 1, n)
	_, err = e.GetRule("too-slow")
	assert.ErrorIs(t, err, models.ErrNotFound)

	got, err := e.GetRule("fits")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Condition.For, "rejected update leaves the rule alone")
}
