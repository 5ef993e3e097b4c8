package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/alerts"
	"github.com/vpbank/netwatch/pkg/netwatch/api"
	"github.com/vpbank/netwatch/pkg/netwatch/groups"
	"github.com/vpbank/netwatch/pkg/netwatch/registry"
	"github.com/vpbank/netwatch/pkg/netwatch/rules"
	"github.com/vpbank/netwatch/pkg/netwatch/scheduler"
)

// fakePoller records PollNow calls for known devices.
type fakePoller struct {
	reg *registry.Registry

	mu    sync.Mutex
	polls []string
}

func (p *fakePoller) PollNow(id string) error {
	if !p.reg.Exists(id) {
		return &models.NotFoundError{Kind: "device", ID: id}
	}
	p.mu.Lock()
	p.polls = append(p.polls, id)
	p.mu.Unlock()
	return nil
}

func (p *fakePoller) Stats() scheduler.Stats { return scheduler.Stats{Devices: 7} }

type env struct {
	t      *testing.T
	h      http.Handler
	reg    *registry.Registry
	alerts *alerts.Store
	poller *fakePoller
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg := registry.New(registry.Options{}, nil)
	res := groups.NewResolver(reg, nil, nil)
	reg.Subscribe(res)
	store := alerts.New(alerts.Options{Groups: res}, nil)
	reg.Subscribe(store)
	engine := rules.NewEngine(res, nil, nil)
	runner := rules.NewComplianceRunner(engine, reg, nil, nil)
	poller := &fakePoller{reg: reg}

	srv := api.New(api.Deps{
		Devices:    reg,
		Poller:     poller,
		Rules:      engine,
		Groups:     res,
		Alerts:     store,
		Compliance: runner,
	}, time.Second, nil)
	return &env{t: t, h: srv.Handler(), reg: reg, alerts: store, poller: poller}
}

// do sends a request and decodes a JSON response into out when out is set.
func (e *env) do(method, path string, body any, out any) int {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func (e *env) addDevice(id, typ string) {
	e.t.Helper()
	code := e.do(http.MethodPost, "/api/v1/devices", map[string]any{"id": id, "ip": "192.0.2.10", "type": typ}, nil)
	require.Equal(e.t, http.StatusCreated, code)
}

type errBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ── Health and summary ───────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/healthz", nil, nil))
}

func TestSummary(t *testing.T) {
	e := newEnv(t)
	e.addDevice("sw1", "switch")

	var got struct {
		Devices   models.DeviceSummary `json:"devices"`
		Alerts    models.AlertSummary  `json:"alerts"`
		Scheduler scheduler.Stats      `json:"scheduler"`
	}
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/summary", nil, &got))
	assert.Equal(t, 1, got.Devices.Total)
	assert.Equal(t, 1, got.Devices.Unknown)
	assert.Equal(t, 7, got.Scheduler.Devices)
}

// ── Devices ──────────────────────────────────────────────────────────────────

func TestDevices_Lifecycle(t *testing.T) {
	e := newEnv(t)
	e.addDevice("sw1", "switch")

	var eb errBody
	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, "/api/v1/devices",
		map[string]any{"id": "sw1", "ip": "192.0.2.11"}, &eb))
	assert.Equal(t, "conflict", eb.Code)

	var dev struct {
		models.Device
		Groups []string `json:"groups"`
	}
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/devices/sw1", nil, &dev))
	assert.Equal(t, "sw1", dev.Name)
	assert.Equal(t, models.StatusUnknown, dev.Status)
	assert.NotNil(t, dev.Groups)

	require.Equal(t, http.StatusOK, e.do(http.MethodPut, "/api/v1/devices/sw1",
		map[string]any{"name": "Access Switch", "ip": "192.0.2.10", "type": "switch", "location": "Floor 2"}, &dev))
	assert.Equal(t, "Access Switch", dev.Name)
	assert.Equal(t, "Floor 2", dev.Location)

	var hist []models.MetricSnapshot
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/devices/sw1/history", nil, &hist))
	assert.Empty(t, hist)

	assert.Equal(t, http.StatusAccepted, e.do(http.MethodPost, "/api/v1/devices/sw1/poll", nil, nil))
	assert.Equal(t, []string{"sw1"}, e.poller.polls)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, "/api/v1/devices/ghost/poll", nil, nil))

	assert.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, "/api/v1/devices/sw1", nil, nil))
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/devices/sw1", nil, &eb))
	assert.Equal(t, "not_found", eb.Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodDelete, "/api/v1/devices/sw1", nil, nil))
}

func TestDevices_Validation(t *testing.T) {
	e := newEnv(t)
	var eb errBody

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/v1/devices", map[string]any{"ip": "192.0.2.1"}, &eb))
	assert.Equal(t, "invalid", eb.Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/v1/devices", `{"id":"x","ip":"192.0.2.1","colour":"red"}`, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/v1/devices", `{not json`, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/devices?status=sleepy", nil, nil))
}

func TestDevices_ListFilters(t *testing.T) {
	e := newEnv(t)
	e.addDevice("rtr1", "router")
	e.addDevice("rtr2", "router")
	e.addDevice("sw1", "switch")
	_, err := e.reg.ApplyPollResult("rtr1", models.Success(&models.MetricSnapshot{
		DeviceID: "rtr1", Timestamp: time.Now(), Values: map[string]float64{models.MetricCPU: 12},
	}))
	require.NoError(t, err)

	var list []models.Device
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/devices?type=router", nil, &list))
	assert.Len(t, list, 2)

	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/devices?status=online", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "rtr1", list[0].ID)

	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/devices?q=SW", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "sw1", list[0].ID)

	require.Equal(t, http.StatusCreated, e.do(http.MethodPost, "/api/v1/groups", map[string]any{
		"id": "routers", "kind": "dynamic",
		"criteria": map[string]any{"field": "type", "operator": "equals", "value": "router"},
	}, nil))
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/devices?group=routers", nil, &list))
	assert.Len(t, list, 2)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/devices?group=ghost", nil, nil))
}

// ── Groups ───────────────────────────────────────────────────────────────────

func TestGroups_StaticMembership(t *testing.T) {
	e := newEnv(t)
	e.addDevice("sw1", "switch")
	e.addDevice("sw2", "switch")

	var g models.DeviceGroup
	require.Equal(t, http.StatusCreated, e.do(http.MethodPost, "/api/v1/groups",
		map[string]any{"id": "floor2", "kind": "static", "device_ids": []string{"sw1"}}, &g))
	assert.Equal(t, []string{"sw1"}, g.DeviceIDs)

	assert.Equal(t, http.StatusNoContent, e.do(http.MethodPut, "/api/v1/groups/floor2/devices/sw2", nil, nil))
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPut, "/api/v1/groups/floor2/devices/ghost", nil, nil))

	var members []models.Device
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/groups/floor2/devices", nil, &members))
	assert.Len(t, members, 2)

	var dev struct {
		Groups []string `json:"groups"`
	}
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/devices/sw2", nil, &dev))
	assert.Equal(t, []string{"floor2"}, dev.Groups)

	assert.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, "/api/v1/groups/floor2/devices/sw1", nil, nil))
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/groups/floor2", nil, &g))
	assert.Equal(t, []string{"sw2"}, g.DeviceIDs)

	require.Equal(t, http.StatusOK, e.do(http.MethodPut, "/api/v1/groups/floor2",
		map[string]any{"name": "Second floor", "kind": "static"}, &g))
	assert.Equal(t, "Second floor", g.Name)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPut, "/api/v1/groups/floor2",
		map[string]any{"kind": "dynamic", "criteria": map[string]any{"field": "type", "operator": "equals", "value": "x"}}, nil))

	var list []models.DeviceGroup
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/groups", nil, &list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, "/api/v1/groups/floor2", nil, nil))
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/groups/floor2", nil, nil))
}

// ── Rules ────────────────────────────────────────────────────────────────────

func TestRules_CRUD(t *testing.T) {
	e := newEnv(t)
	cpuRule := map[string]any{
		"id": "cpu-high", "name": "High CPU", "severity": "warning",
		"condition": map[string]any{"kind": "metric", "metric": "cpu", "op": ">", "threshold": 80, "for": 3},
	}

	var r models.Rule
	require.Equal(t, http.StatusCreated, e.do(http.MethodPost, "/api/v1/rules", cpuRule, &r))
	assert.Equal(t, models.RearmEdge, r.Rearm)
	assert.Empty(t, r.PredicateError)
	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, "/api/v1/rules", cpuRule, nil))

	cpuRule["severity"] = "critical"
	require.Equal(t, http.StatusOK, e.do(http.MethodPut, "/api/v1/rules/cpu-high", cpuRule, &r))
	assert.Equal(t, models.SeverityCritical, r.Severity)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPut, "/api/v1/rules/ghost", cpuRule, nil))

	cpuRule["severity"] = "catastrophic"
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/v1/rules", cpuRule, nil))

	var list []models.Rule
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/rules", nil, &list))
	assert.Len(t, list, 1)
}

func TestRules_InvalidPatternIsStoredWithPredicateError(t *testing.T) {
	e := newEnv(t)
	var r models.Rule
	require.Equal(t, http.StatusCreated, e.do(http.MethodPost, "/api/v1/rules", map[string]any{
		"id": "broken", "condition": map[string]any{"kind": "config", "mode": "require", "pattern": "("},
	}, &r))
	assert.NotEmpty(t, r.PredicateError)

	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/rules/broken", nil, &r))
	assert.NotEmpty(t, r.PredicateError)
}

func TestRules_DeleteResolvesItsAlerts(t *testing.T) {
	e := newEnv(t)
	e.addDevice("sw1", "switch")
	require.Equal(t, http.StatusCreated, e.do(http.MethodPost, "/api/v1/rules", map[string]any{
		"id": "cpu-high", "condition": map[string]any{"metric": "cpu", "kind": "metric", "op": ">", "threshold": 80},
	}, nil))
	a, err := e.alerts.Raise(context.Background(), "sw1", "cpu-high", models.SeverityWarning, "High CPU usage detected")
	require.NoError(t, err)

	require.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, "/api/v1/rules/cpu-high", nil, nil))
	got, err := e.alerts.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, got.State())
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodDelete, "/api/v1/rules/cpu-high", nil, nil))
}

// ── Alerts ───────────────────────────────────────────────────────────────────

func TestAlerts_ManualLifecycle(t *testing.T) {
	e := newEnv(t)
	e.addDevice("sw1", "switch")

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, "/api/v1/alerts",
		map[string]any{"device_id": "ghost", "severity": "info", "message": "x"}, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/v1/alerts",
		map[string]any{"device_id": "sw1", "severity": "info"}, nil))

	var a models.Alert
	require.Equal(t, http.StatusCreated, e.do(http.MethodPost, "/api/v1/alerts",
		map[string]any{"device_id": "sw1", "severity": "critical", "message": "Link flapping detected"}, &a))
	assert.Equal(t, models.SourceManual, a.Source)

	var eb errBody
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/v1/alerts/"+a.ID+"/acknowledge", nil, &a))
	assert.Equal(t, models.AlertAcknowledged, a.State())
	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, "/api/v1/alerts/"+a.ID+"/acknowledge", nil, &eb))
	assert.Equal(t, "conflict", eb.Code)

	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/v1/alerts/"+a.ID+"/resolve", nil, &a))
	assert.Equal(t, models.ResolutionManual, a.Resolution)
	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, "/api/v1/alerts/"+a.ID+"/resolve", nil, nil))
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, "/api/v1/alerts/ghost/acknowledge", nil, nil))

	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/alerts/"+a.ID, nil, &a))
	assert.Equal(t, models.AlertResolved, a.State())
}

func TestAlerts_QueryAndSummary(t *testing.T) {
	e := newEnv(t)
	e.addDevice("sw1", "switch")
	e.addDevice("sw2", "switch")
	ctx := context.Background()
	_, err := e.alerts.RaiseManual(ctx, "sw1", models.SeverityCritical, "Interface down")
	require.NoError(t, err)
	_, err = e.alerts.RaiseManual(ctx, "sw2", models.SeverityWarning, "Memory threshold exceeded")
	require.NoError(t, err)
	_, err = e.alerts.RaiseManual(ctx, "sw2", models.SeverityInfo, "Configuration drift detected")
	require.NoError(t, err)

	var list []models.Alert
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/alerts?device=sw2", nil, &list))
	assert.Len(t, list, 2)
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/alerts?severity=critical", nil, &list))
	assert.Len(t, list, 1)
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/alerts?q=memory", nil, &list))
	assert.Len(t, list, 1)
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/alerts?state=active&limit=1", nil, &list))
	assert.Len(t, list, 1)
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/alerts?state=resolved", nil, &list))
	assert.Empty(t, list)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/alerts?severity=loud", nil, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/alerts?state=sleeping", nil, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/alerts?limit=-1", nil, nil))

	var sum models.AlertSummary
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/alerts/summary", nil, &sum))
	assert.Equal(t, 3, sum.Active)
	assert.Equal(t, 1, sum.Critical)
	assert.Equal(t, 1, sum.Warning)
	assert.Equal(t, 1, sum.Info)
}

// ── Compliance ───────────────────────────────────────────────────────────────

func TestCompliance_CreateAndRun(t *testing.T) {
	e := newEnv(t)
	e.addDevice("r1", "router")
	_, err := e.reg.ApplyPollResult("r1", models.Success(&models.MetricSnapshot{
		DeviceID: "r1", Timestamp: time.Now(), Values: map[string]float64{}, Config: "hostname r1\n",
	}))
	require.NoError(t, err)

	require.Equal(t, http.StatusCreated, e.do(http.MethodPost, "/api/v1/rules", map[string]any{
		"id": "ntp-configured", "severity": "warning",
		"condition": map[string]any{"kind": "config", "mode": "require", "pattern": `^ntp server \S+`},
	}, nil))

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, "/api/v1/compliance",
		map[string]any{"id": "ntp", "rule_id": "ghost"}, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/v1/compliance",
		map[string]any{"id": "ntp", "rule_id": "ntp-configured", "schedule": "sometimes"}, nil))

	var c models.ComplianceCheck
	require.Equal(t, http.StatusCreated, e.do(http.MethodPost, "/api/v1/compliance",
		map[string]any{"id": "ntp", "name": "NTP Configuration", "rule_id": "ntp-configured"}, &c))
	assert.Equal(t, models.CompliancePending, c.Status)

	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/v1/compliance/ntp/run", nil, &c))
	assert.Equal(t, models.ComplianceWarning, c.Status)
	assert.Equal(t, 1, c.IssueCount)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, "/api/v1/compliance/ghost/run", nil, nil))

	var all []models.ComplianceCheck
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/v1/compliance/run", nil, &all))
	assert.Len(t, all, 1)

	require.Equal(t, http.StatusOK, e.do(http.MethodPut, "/api/v1/compliance/ntp",
		map[string]any{"name": "NTP", "rule_id": "ntp-configured", "disabled": true}, &c))
	assert.True(t, c.Disabled)
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/v1/compliance/run", nil, &all))
	assert.Empty(t, all)

	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/compliance", nil, &all))
	assert.Len(t, all, 1)
	assert.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, "/api/v1/compliance/ntp", nil, nil))
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/compliance/ntp", nil, nil))
}
