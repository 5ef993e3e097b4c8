package json_test

import (
	stdjson "encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fmtjson "github.com/vpbank/netwatch/format/json"
	"github.com/vpbank/netwatch/models"
)

var testTimestamp = time.Date(2026, 2, 26, 10, 30, 0, 123_000_000, time.UTC)

var testDevice = models.Device{ID: "core-sw-01", Name: "Core Switch 01", IP: "10.0.0.1", Type: "switch"}

var testSnapshot = &models.MetricSnapshot{
	DeviceID:  "core-sw-01",
	Timestamp: testTimestamp,
	Values:    map[string]float64{"cpu": 42.5, "memory": 71},
	Interfaces: []models.InterfaceState{
		{Index: 1, Name: "Gi0/1", Up: true},
	},
}

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, stdjson.Unmarshal(b, &m))
	return m
}

// ─────────────────────────────────────────────────────────────────────────────
// Envelopes
// ─────────────────────────────────────────────────────────────────────────────

func TestFormat_Snapshot(t *testing.T) {
	f := fmtjson.New(fmtjson.Config{}, nil)
	b, err := f.Format(fmtjson.SnapshotEnvelope(testDevice, testSnapshot))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "\n")

	m := decode(t, b)
	assert.Equal(t, "snapshot", m["event_type"])
	assert.Equal(t, "2026-02-26T10:30:00.123Z", m["timestamp"])
	assert.Equal(t, "core-sw-01", m["device_id"])

	data := m["data"].(map[string]any)
	snap := data["snapshot"].(map[string]any)
	assert.Equal(t, 42.5, snap["values"].(map[string]any)["cpu"])
	assert.Equal(t, "10.0.0.1", data["device"].(map[string]any)["ip"])
}

func TestFormat_AlertEvent(t *testing.T) {
	ev := models.AlertEvent{
		Type: models.AlertRaised,
		At:   testTimestamp,
		Alert: models.Alert{
			ID: "a-1", DeviceID: "core-sw-01", RuleID: "cpu-high",
			Source: models.SourceRule, Severity: models.SeverityWarning,
			Message: "High CPU usage detected", Count: 1,
		},
	}
	env := fmtjson.AlertEnvelope(ev)
	assert.Equal(t, "alert", env.Kind())

	b, err := fmtjson.New(fmtjson.Config{}, nil).Format(env)
	require.NoError(t, err)
	m := decode(t, b)
	assert.Equal(t, "alert.raised", m["event_type"])
	assert.Equal(t, "core-sw-01", m["device_id"])
	assert.Equal(t, "High CPU usage detected", m["data"].(map[string]any)["message"])
}

func TestFormat_ComplianceAndTrap(t *testing.T) {
	f := fmtjson.New(fmtjson.Config{}, nil)

	cev := models.ComplianceEvent{
		Type:  models.ComplianceEventType,
		At:    testTimestamp,
		Check: models.ComplianceCheck{ID: "ntp", Name: "NTP Configuration", Status: models.CompliancePassed},
	}
	env := fmtjson.ComplianceEnvelope(cev)
	assert.Equal(t, "compliance", env.Kind())
	b, err := f.Format(env)
	require.NoError(t, err)
	m := decode(t, b)
	assert.Equal(t, "compliance.run", m["event_type"])
	_, hasDevice := m["device_id"]
	assert.False(t, hasDevice, "compliance events are fleet-wide")

	trap := models.SNMPTrap{
		Timestamp: testTimestamp,
		SourceIP:  "10.0.0.1",
		TrapInfo:  models.TrapInfo{Version: "v2c", TrapOID: ".1.3.6.1.6.3.1.1.5.3", TrapName: "linkDown"},
	}
	tenv := fmtjson.TrapEnvelope("core-sw-01", trap)
	assert.Equal(t, "trap", tenv.Kind())
	b, err = f.Format(tenv)
	require.NoError(t, err)
	m = decode(t, b)
	info := m["data"].(map[string]any)["trap_info"].(map[string]any)
	assert.Equal(t, "linkDown", info["trap_name"])
}

// ─────────────────────────────────────────────────────────────────────────────
// Formatter behaviour
// ─────────────────────────────────────────────────────────────────────────────

func TestFormat_PrettyPrint(t *testing.T) {
	f := fmtjson.New(fmtjson.Config{PrettyPrint: true}, nil)
	b, err := f.Format(fmtjson.SnapshotEnvelope(testDevice, testSnapshot))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), "\n  \"event_type\""))
}

func TestFormat_ZeroTimestampFilled(t *testing.T) {
	f := fmtjson.New(fmtjson.Config{}, nil)
	b, err := f.Format(fmtjson.Envelope{Type: "custom", Data: 1})
	require.NoError(t, err)
	var env struct {
		Timestamp time.Time `json:"timestamp"`
	}
	require.NoError(t, stdjson.Unmarshal(b, &env))
	assert.WithinDuration(t, time.Now(), env.Timestamp, 5*time.Second)
}

func TestFormat_Errors(t *testing.T) {
	f := fmtjson.New(fmtjson.Config{}, nil)

	_, err := f.Format(fmtjson.Envelope{Data: 1})
	assert.Error(t, err, "missing event_type")

	_, err = f.Format(fmtjson.Envelope{Type: "snapshot", Data: math.Inf(1)})
	assert.Error(t, err, "+Inf is not representable")
}

func TestSnapshotEnvelope_NilSnapshot(t *testing.T) {
	env := fmtjson.SnapshotEnvelope(testDevice, nil)
	assert.False(t, env.Timestamp.IsZero())
	assert.Equal(t, "core-sw-01", env.DeviceID)
}
