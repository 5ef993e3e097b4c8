package registry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/registry"
)

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func newDevice(id string) models.Device {
	return models.Device{ID: id, Name: id, IP: "10.0.0.1", Type: "switch", Model: "C9300"}
}

func snapshot(id string, cpu float64, at time.Time) *models.MetricSnapshot {
	return &models.MetricSnapshot{DeviceID: id, Timestamp: at, Values: map[string]float64{models.MetricCPU: cpu}}
}

var errPoll = models.NewCollectorError(models.CollectorTimeout, "dev-1", errors.New("deadline exceeded"))

type memStore struct {
	mu      sync.Mutex
	saved   map[string]models.Device
	deleted []string
	failing bool
}

func newMemStore() *memStore { return &memStore{saved: map[string]models.Device{}} }

func (m *memStore) SaveDevice(_ context.Context, d models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("disk full")
	}
	m.saved[d.ID] = d
	return nil
}

func (m *memStore) DeleteDevice(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, id)
	m.deleted = append(m.deleted, id)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Register / Get / Deregister
// ─────────────────────────────────────────────────────────────────────────────

func TestRegister_DuplicateRejected(t *testing.T) {
	r := registry.New(registry.Options{}, nil)
	ctx := context.Background()

	_, err := r.Register(ctx, newDevice("dev-1"))
	require.NoError(t, err)

	_, err = r.Register(ctx, newDevice("dev-1"))
	var dup *models.DuplicateDeviceError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "dev-1", dup.ID)
	assert.ErrorIs(t, err, models.ErrDuplicate)
}

func TestRegister_StartsUnknownWithDefaults(t *testing.T) {
	r := registry.New(registry.Options{}, nil)
	d, err := r.Register(context.Background(), models.Device{ID: "dev-1", IP: "10.0.0.9"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusUnknown, d.Status)
	assert.Equal(t, "dev-1", d.Name)
	assert.Equal(t, models.ProtocolSNMP, d.Profile.Protocol)
}

func TestRegister_ValidatesInput(t *testing.T) {
	r := registry.New(registry.Options{}, nil)
	_, err := r.Register(context.Background(), models.Device{ID: "", IP: "10.0.0.1"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = r.Register(context.Background(), models.Device{ID: "dev-1"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = r.Register(context.Background(), models.Device{ID: "dev-1", IP: "10.0.0.1",
		Profile: models.ConnectionProfile{Protocol: "telnet"}})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestGet_NotFound(t *testing.T) {
	r := registry.New(registry.Options{}, nil)
	_, err := r.Get("missing")
	var nf *models.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "device", nf.Kind)
}

func TestDeregister_NotifiesListenersBeforeReturning(t *testing.T) {
	r := registry.New(registry.Options{}, nil)
	ctx := context.Background()
	_, err := r.Register(ctx, newDevice("dev-1"))
	require.NoError(t, err)

	var got []registry.Event
	r.Subscribe(registry.ListenerFunc(func(ev registry.Event) {
		// The device is already gone from the registry when listeners run.
		assert.False(t, r.Exists(ev.Device.ID))
		got = append(got, ev)
	}))

	require.NoError(t, r.Deregister(ctx, "dev-1"))
	require.Len(t, got, 1)
	assert.Equal(t, registry.EventRemoved, got[0].Type)
	assert.Equal(t, "dev-1", got[0].Device.ID)

	_, err = r.Get("dev-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, r.Deregister(ctx, "dev-1"), models.ErrNotFound)
}

func TestUpdate_KeepsDerivedStateAndNotifies(t *testing.T) {
	r := registry.New(registry.Options{}, nil)
	ctx := context.Background()
	_, err := r.Register(ctx, newDevice("dev-1"))
	require.NoError(t, err)
	_, err = r.ApplyPollResult("dev-1", models.Success(snapshot("dev-1", 10, time.Now())))
	require.NoError(t, err)

	var events []registry.Event
	r.Subscribe(registry.ListenerFunc(func(ev registry.Event) { events = append(events, ev) }))

	upd := newDevice("dev-1")
	upd.Model = "C9500"
	d, err := r.Update(ctx, upd)
	require.NoError(t, err)

	assert.Equal(t, "C9500", d.Model)
	assert.Equal(t, models.StatusOnline, d.Status)
	require.Len(t, events, 1)
	assert.Equal(t, registry.EventUpdated, events[0].Type)
	require.NotNil(t, events[0].Previous)
	assert.Equal(t, "C9300", events[0].Previous.Model)
}

func TestStore_PersistsIdentityOnly(t *testing.T) {
	st := newMemStore()
	r := registry.New(registry.Options{Store: st}, nil)
	ctx := context.Background()

	_, err := r.Register(ctx, newDevice("dev-1"))
	require.NoError(t, err)
	_, err = r.ApplyPollResult("dev-1", models.Success(snapshot("dev-1", 10, time.Now())))
	require.NoError(t, err)
	_, err = r.Update(ctx, newDevice("dev-1"))
	require.NoError(t, err)

	saved := st.saved["dev-1"]
	assert.Equal(t, models.StatusUnknown, saved.Status)
	assert.Nil(t, saved.Latest)

	require.NoError(t, r.Deregister(ctx, "dev-1"))
	assert.Equal(t, []string{"dev-1"}, st.deleted)
}

func TestStore_FailureAbortsRegister(t *testing.T) {
	st := newMemStore()
	st.failing = true
	r := registry.New(registry.Options{Store: st}, nil)

	_, err := r.Register(context.Background(), newDevice("dev-1"))
	require.Error(t, err)
	assert.False(t, r.Exists("dev-1"))
}

func TestLoad_SkipsExisting(t *testing.T) {
	r := registry.New(registry.Options{}, nil)
	_, err := r.Register(context.Background(), newDevice("dev-1"))
	require.NoError(t, err)

	n := r.Load([]models.Device{newDevice("dev-1"), newDevice("dev-2")})
	assert.Equal(t, 1, n)
	assert.Len(t, r.List(models.DeviceFilter{}), 2)
}

// ─────────────────────────────────────────────────────────────────────────────
// Status state machine
// ─────────────────────────────────────────────────────────────────────────────

func TestApplyPollResult_StatusTransitions(t *testing.T) {
	r := registry.New(registry.Options{}, nil)
	_, err := r.Register(context.Background(), newDevice("dev-1"))
	require.NoError(t, err)

	now := time.Now()
	d, err := r.ApplyPollResult("dev-1", models.Success(snapshot("dev-1", 10, now)))
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, d.Status)

	want := []models.DeviceStatus{models.StatusWarning, models.StatusWarning, models.StatusOffline, models.StatusOffline}
	for i, status := range want {
		d, err = r.ApplyPollResult("dev-1", models.Failure(errPoll, now))
		require.NoError(t, err)
		assert.Equal(t, status, d.Status, "after %d failures", i+1)
		assert.Equal(t, i+1, d.ConsecutiveFailures)
	}
	assert.Contains(t, d.LastError, "timeout")

	d, err = r.ApplyPollResult("dev-1", models.Success(snapshot("dev-1", 10, now)))
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, d.Status)
	assert.Zero(t, d.ConsecutiveFailures)
	assert.Empty(t, d.LastError)
}

func TestApplyPollResult_ThreeFailuresOfflineForManyDevices(t *testing.T) {
	r := registry.New(registry.Options{}, nil)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := r.Register(ctx, newDevice(fmt.Sprintf("dev-%d", i)))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				_, _ = r.ApplyPollResult(id, models.Failure(errPoll, time.Now()))
			}
		}(fmt.Sprintf("dev-%d", i))
	}
	wg.Wait()

	for _, d := range r.List(models.DeviceFilter{}) {
		assert.Equal(t, models.StatusOffline, d.Status, d.ID)
		assert.Equal(t, 3, d.ConsecutiveFailures, d.ID)
	}
	assert.Equal(t, 20, r.Summary().Offline)
}

func TestApplyPollResult_UnknownDevice(t *testing.T) {
	r := registry.New(registry.Options{}, nil)
	_, err := r.ApplyPollResult("ghost", models.Failure(errPoll, time.Now()))
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestApplyPollResult_RejectsEarlierRegistration(t *testing.T) {
	ctx := context.Background()
	r := registry.New(registry.Options{}, nil)
	old, err := r.Register(ctx, newDevice("dev-1"))
	require.NoError(t, err)
	require.NoError(t, r.Deregister(ctx, "dev-1"))
	cur, err := r.Register(ctx, newDevice("dev-1"))
	require.NoError(t, err)
	require.NotEqual(t, old.Generation, cur.Generation)

	stale := models.Failure(errPoll, time.Now())
	stale.Generation = old.Generation
	_, err = r.ApplyPollResult("dev-1", stale)
	assert.ErrorIs(t, err, models.ErrNotFound)

	fresh := models.Success(snapshot("dev-1", 10, time.Now()))
	fresh.Generation = cur.Generation
	d, err := r.ApplyPollResult("dev-1", fresh)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, d.Status)
	assert.Zero(t, d.ConsecutiveFailures)
}

func TestHistory_BoundedOldestFirst(t *testing.T) {
	r := registry.New(registry.Options{HistorySize: 3}, nil)
	_, err := r.Register(context.Background(), newDevice("dev-1"))
	require.NoError(t, err)

	base := time.Now()
	for i := 0; i < 5; i++ {
		_, err := r.ApplyPollResult("dev-1", models.Success(snapshot("dev-1", float64(i), base.Add(time.Duration(i)*time.Second))))
		require.NoError(t, err)
	}

	h, err := r.History("dev-1")
	require.NoError(t, err)
	require.Len(t, h, 3)
	for i, s := range h {
		assert.Equal(t, float64(i+2), s.Values[models.MetricCPU])
	}

	d, err := r.Get("dev-1")
	require.NoError(t, err)
	assert.Equal(t, float64(4), d.Latest.Values[models.MetricCPU])
}

// ─────────────────────────────────────────────────────────────────────────────
// Queries
// ─────────────────────────────────────────────────────────────────────────────

func TestList_Filters(t *testing.T) {
	r := registry.New(registry.Options{}, nil)
	ctx := context.Background()
	devs := []models.Device{
		{ID: "core-1", Name: "Core Switch 1", IP: "10.0.0.1", Type: "switch"},
		{ID: "edge-1", Name: "Edge Router", IP: "10.0.1.1", Type: "router"},
		{ID: "fw-1", Name: "Firewall", IP: "10.0.2.1", Type: "firewall"},
	}
	for _, d := range devs {
		_, err := r.Register(ctx, d)
		require.NoError(t, err)
	}
	_, err := r.ApplyPollResult("edge-1", models.Success(snapshot("edge-1", 1, time.Now())))
	require.NoError(t, err)

	assert.Len(t, r.List(models.DeviceFilter{Type: "ROUTER"}), 1)
	assert.Len(t, r.List(models.DeviceFilter{Status: models.StatusOnline}), 1)
	assert.Len(t, r.List(models.DeviceFilter{Text: "switch"}), 1)
	assert.Len(t, r.List(models.DeviceFilter{Text: "10.0."}), 3)

	d, ok := r.FindByIP("10.0.2.1")
	require.True(t, ok)
	assert.Equal(t, "fw-1", d.ID)

	s := r.Summary()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Online)
	assert.Equal(t, 2, s.Unknown)
}
