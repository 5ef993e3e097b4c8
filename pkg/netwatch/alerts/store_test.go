package alerts_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/alerts"
	"github.com/vpbank/netwatch/pkg/netwatch/registry"
	"github.com/vpbank/netwatch/pkg/netwatch/rules"
)

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

type events struct {
	mu  sync.Mutex
	got []models.AlertEventType
}

func (e *events) OnAlertEvent(ev models.AlertEvent) {
	e.mu.Lock()
	e.got = append(e.got, ev.Type)
	e.mu.Unlock()
}

type memPersister struct {
	saved map[string]models.Alert
	fail  error
}

func (m *memPersister) SaveAlert(_ context.Context, a models.Alert) error {
	if m.fail != nil {
		return m.fail
	}
	m.saved[a.ID] = a
	return nil
}

type groupSet map[string]map[string]bool

func (g groupSet) Contains(groupID, deviceID string) bool { return g[groupID][deviceID] }

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newStore(opts alerts.Options) *alerts.Store {
	if opts.Now == nil {
		clk := &stepClock{t: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
		opts.Now = clk.Now
	}
	return alerts.New(opts, nil)
}

var ctx = context.Background()

// ─────────────────────────────────────────────────────────────────────────────
// Raise
// ─────────────────────────────────────────────────────────────────────────────

func TestRaise_DeduplicatesOpenAlert(t *testing.T) {
	s := newStore(alerts.Options{})
	first, err := s.Raise(ctx, "dev-1", "cpu-high", models.SeverityWarning, "High CPU usage detected: cpu=85")
	require.NoError(t, err)
	second, err := s.Raise(ctx, "dev-1", "cpu-high", models.SeverityCritical, "High CPU usage detected: cpu=97")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	open := s.Query(models.AlertFilter{State: models.AlertOpen})
	require.Len(t, open, 1)
	assert.Equal(t, 2, open[0].Count)
	assert.Equal(t, models.SeverityCritical, open[0].Severity)
	assert.Equal(t, "High CPU usage detected: cpu=97", open[0].Message)
	assert.True(t, open[0].LastSeenAt.After(open[0].CreatedAt))
}

func TestRaise_AcknowledgedAlertStillDeduplicates(t *testing.T) {
	s := newStore(alerts.Options{})
	a, _ := s.Raise(ctx, "dev-1", "cpu-high", models.SeverityWarning, "cpu")
	_, err := s.Acknowledge(ctx, a.ID)
	require.NoError(t, err)

	b, err := s.Raise(ctx, "dev-1", "cpu-high", models.SeverityWarning, "cpu")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, models.AlertAcknowledged, b.State())
	assert.Equal(t, 2, b.Count)
}

func TestRaise_NewAlertAfterResolve(t *testing.T) {
	s := newStore(alerts.Options{})
	a, _ := s.Raise(ctx, "dev-1", "cpu-high", models.SeverityWarning, "cpu")
	_, ok := s.ResolveFor(ctx, "dev-1", "cpu-high", models.ResolutionCleared)
	require.True(t, ok)

	b, err := s.Raise(ctx, "dev-1", "cpu-high", models.SeverityWarning, "cpu")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, s.Query(models.AlertFilter{}), 2, "resolved alert kept in the archive")
}

func TestRaiseManual_AlwaysCreates(t *testing.T) {
	s := newStore(alerts.Options{})
	a, err := s.RaiseManual(ctx, "dev-1", models.SeverityInfo, "maintenance window")
	require.NoError(t, err)
	b, err := s.Raise(ctx, "dev-1", "", models.SeverityInfo, "maintenance window")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, models.SourceManual, b.Source)
	assert.Empty(t, b.RuleID)
}

func TestRaise_Validation(t *testing.T) {
	s := newStore(alerts.Options{})
	_, err := s.Raise(ctx, "", "r", models.SeverityInfo, "x")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = s.Raise(ctx, "dev-1", "r", "urgent", "x")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = s.RaiseManual(ctx, "dev-1", models.SeverityInfo, " ")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = s.RaiseTrap(ctx, "dev-1", "", models.SeverityInfo, "x")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRaiseTrap_KeyedByTrap(t *testing.T) {
	s := newStore(alerts.Options{})
	a, err := s.RaiseTrap(ctx, "dev-1", "trap:linkDown:3", models.SeverityCritical, "Interface down: Gi0/3")
	require.NoError(t, err)
	assert.Equal(t, models.SourceTrap, a.Source)
	b, _ := s.RaiseTrap(ctx, "dev-1", "trap:linkDown:3", models.SeverityCritical, "Interface down: Gi0/3")
	assert.Equal(t, a.ID, b.ID)

	// Rule deletion does not touch trap alerts sharing a key shape.
	assert.Zero(t, s.ResolveRule(ctx, "trap:linkDown:3"))
	_, ok := s.ResolveFor(ctx, "dev-1", "trap:linkDown:3", models.ResolutionCleared)
	assert.True(t, ok)
}

// ─────────────────────────────────────────────────────────────────────────────
// Acknowledge / resolve
// ─────────────────────────────────────────────────────────────────────────────

func TestAcknowledge(t *testing.T) {
	s := newStore(alerts.Options{})
	_, err := s.Acknowledge(ctx, "missing")
	var nf *models.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "alert", nf.Kind)

	a, _ := s.Raise(ctx, "dev-1", "cpu-high", models.SeverityWarning, "cpu")
	acked, err := s.Acknowledge(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, acked.AcknowledgedAt)

	_, err = s.Acknowledge(ctx, a.ID)
	var already *models.AlreadyAcknowledgedError
	assert.ErrorAs(t, err, &already)
	assert.ErrorIs(t, err, models.ErrAlreadyAcknowledged)
}

func TestResolve(t *testing.T) {
	s := newStore(alerts.Options{})
	a, _ := s.Raise(ctx, "dev-1", "cpu-high", models.SeverityWarning, "cpu")

	res, err := s.Resolve(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, res.State())
	assert.Equal(t, models.ResolutionManual, res.Resolution)

	_, err = s.Resolve(ctx, a.ID, models.ResolutionManual)
	assert.ErrorIs(t, err, models.ErrConflict)
	_, err = s.Resolve(ctx, "missing", models.ResolutionManual)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, ok := s.ResolveFor(ctx, "dev-1", "cpu-high", models.ResolutionCleared)
	assert.False(t, ok, "nothing live any more")
}

func TestResolve_UnacknowledgedAlertCanBeResolvedAndAckedAfter(t *testing.T) {
	s := newStore(alerts.Options{})
	a, _ := s.Raise(ctx, "dev-1", "cpu-high", models.SeverityWarning, "cpu")
	_, err := s.Resolve(ctx, a.ID, models.ResolutionManual)
	require.NoError(t, err)
	got, err := s.Acknowledge(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, got.State())
}

func TestOrphanPolicy_DeregisteredDeviceAlertsArchived(t *testing.T) {
	reg := registry.New(registry.Options{}, nil)
	s := newStore(alerts.Options{})
	reg.Subscribe(s)

	_, err := reg.Register(ctx, models.Device{ID: "dev-1", IP: "10.0.0.1"})
	require.NoError(t, err)
	_, err = reg.Register(ctx, models.Device{ID: "dev-2", IP: "10.0.0.2"})
	require.NoError(t, err)

	a, _ := s.Raise(ctx, "dev-1", "cpu-high", models.SeverityWarning, "cpu")
	b, _ := s.RaiseManual(ctx, "dev-1", models.SeverityInfo, "note")
	c, _ := s.Raise(ctx, "dev-2", "cpu-high", models.SeverityWarning, "cpu")
	_, err = s.Acknowledge(ctx, b.ID)
	require.NoError(t, err)

	require.NoError(t, reg.Deregister(ctx, "dev-1"))

	for _, id := range []string{a.ID, b.ID} {
		got, err := s.Get(id)
		require.NoError(t, err)
		assert.Equal(t, models.AlertResolved, got.State())
		assert.Equal(t, models.ResolutionDeviceRemoved, got.Resolution)
	}
	got, _ := s.Get(c.ID)
	assert.Equal(t, models.AlertOpen, got.State())
}

func TestOrphanPolicy_NoRaiseAfterDeregister(t *testing.T) {
	reg := registry.New(registry.Options{}, nil)
	s := newStore(alerts.Options{})
	reg.Subscribe(s)

	_, err := reg.Register(ctx, models.Device{ID: "dev-1", IP: "10.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, reg.Deregister(ctx, "dev-1"))

	_, err = s.Raise(ctx, "dev-1", "cpu-high", models.SeverityWarning, "cpu")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.RaiseTrap(ctx, "dev-1", "trap:linkDown:3", models.SeverityCritical, "link down")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.RaiseManual(ctx, "dev-1", models.SeverityInfo, "note")
	assert.ErrorIs(t, err, models.ErrNotFound)

	s.Apply(ctx, []rules.Emission{{Kind: rules.Raise, DeviceID: "dev-1", RuleID: "cpu-high", Severity: models.SeverityWarning, Message: "cpu"}})
	assert.Empty(t, s.Query(models.AlertFilter{DeviceID: "dev-1"}))

	_, err = reg.Register(ctx, models.Device{ID: "dev-1", IP: "10.0.0.1"})
	require.NoError(t, err)
	a, err := s.Raise(ctx, "dev-1", "cpu-high", models.SeverityWarning, "cpu")
	require.NoError(t, err)
	assert.Equal(t, models.AlertOpen, a.State())
}

func TestApply_RaisesAndClears(t *testing.T) {
	s := newStore(alerts.Options{})
	raise := rules.Emission{Kind: rules.Raise, DeviceID: "dev-1", RuleID: "cpu-high", Severity: models.SeverityCritical, Message: "High CPU usage detected"}
	s.Apply(ctx, []rules.Emission{raise})
	s.Apply(ctx, []rules.Emission{raise})

	active := s.Query(models.AlertFilter{State: models.AlertActive})
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].Count)

	s.Apply(ctx, []rules.Emission{{Kind: rules.Clear, DeviceID: "dev-1", RuleID: "cpu-high"}})
	got, _ := s.Get(active[0].ID)
	assert.Equal(t, models.ResolutionCleared, got.Resolution)
}

// ─────────────────────────────────────────────────────────────────────────────
// Events and persistence
// ─────────────────────────────────────────────────────────────────────────────

func TestEvents_EveryTransition(t *testing.T) {
	s := newStore(alerts.Options{})
	ev := &events{}
	s.AddSink(ev)

	a, _ := s.Raise(ctx, "dev-1", "cpu-high", models.SeverityWarning, "cpu")
	_, _ = s.Raise(ctx, "dev-1", "cpu-high", models.SeverityWarning, "cpu")
	_, _ = s.Acknowledge(ctx, a.ID)
	_, _ = s.Resolve(ctx, a.ID, models.ResolutionManual)

	assert.Equal(t, []models.AlertEventType{
		models.AlertRaised, models.AlertUpdated, models.AlertAcked, models.AlertClosed,
	}, ev.got)
}

func TestPersistence_FailureLeavesStateUnchanged(t *testing.T) {
	p := &memPersister{saved: map[string]models.Alert{}}
	s := newStore(alerts.Options{Persister: p})

	a, err := s.Raise(ctx, "dev-1", "cpu-high", models.SeverityWarning, "cpu")
	require.NoError(t, err)
	assert.Equal(t, 1, p.saved[a.ID].Count)

	p.fail = errors.New("disk full")
	_, err = s.Acknowledge(ctx, a.ID)
	require.Error(t, err)
	got, _ := s.Get(a.ID)
	assert.Nil(t, got.AcknowledgedAt)
}

func TestLoad_RebuildsDeduplication(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newStore(alerts.Options{})
	n := s.Load([]models.Alert{
		{ID: "a1", DeviceID: "dev-1", RuleID: "cpu-high", Source: models.SourceRule, Severity: models.SeverityWarning, Message: "cpu", Count: 4, CreatedAt: created, LastSeenAt: created},
	})
	require.Equal(t, 1, n)

	got, err := s.Raise(ctx, "dev-1", "cpu-high", models.SeverityWarning, "cpu")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, 5, got.Count)
}

// ─────────────────────────────────────────────────────────────────────────────
// Queries
// ─────────────────────────────────────────────────────────────────────────────

func TestQueryAndSummary(t *testing.T) {
	s := newStore(alerts.Options{Groups: groupSet{"core": {"sw-1": true}}})
	a, _ := s.Raise(ctx, "sw-1", "cpu-high", models.SeverityCritical, "High CPU usage detected")
	b, _ := s.Raise(ctx, "rtr-1", "if-down", models.SeverityWarning, "Interface down")
	c, _ := s.Raise(ctx, "rtr-1", "mem", models.SeverityWarning, "Memory threshold exceeded")
	_, _ = s.Acknowledge(ctx, b.ID)
	_, _ = s.Resolve(ctx, c.ID, models.ResolutionManual)

	all := s.Query(models.AlertFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, c.ID, all[0].ID, "newest first")

	ids := func(as []models.Alert) []string {
		out := []string{}
		for _, a := range as {
			out = append(out, a.ID)
		}
		return out
	}
	assert.Equal(t, []string{a.ID}, ids(s.Query(models.AlertFilter{Severity: models.SeverityCritical})))
	assert.Equal(t, []string{b.ID}, ids(s.Query(models.AlertFilter{State: models.AlertAcknowledged})))
	assert.Equal(t, []string{c.ID}, ids(s.Query(models.AlertFilter{State: models.AlertResolved})))
	assert.Equal(t, []string{b.ID, a.ID}, ids(s.Query(models.AlertFilter{State: models.AlertActive})))
	assert.Equal(t, []string{c.ID, b.ID}, ids(s.Query(models.AlertFilter{DeviceID: "rtr-1"})))
	assert.Equal(t, []string{a.ID}, ids(s.Query(models.AlertFilter{GroupID: "core"})))
	assert.Equal(t, []string{c.ID}, ids(s.Query(models.AlertFilter{Text: "MEMORY"})))
	assert.Len(t, s.Query(models.AlertFilter{Limit: 2}), 2)

	assert.Equal(t, models.AlertSummary{Critical: 1, Warning: 1, Active: 2, Open: 1}, s.Summary())
}
