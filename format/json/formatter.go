// Package json serialises netwatch output records (poll snapshots, alert and
// compliance events, SNMP traps) into a common JSON envelope:
//
//	{
//	  "event_type": "snapshot" | "alert.raised" | ... | "compliance.run" | "trap",
//	  "timestamp":  "2026-02-26T10:30:00.123Z",
//	  "device_id":  "core-sw-01",
//	  "data":       { ... }
//	}
//
// The journal (transport/file) and the publisher (transport/nats) both write
// this envelope, so a consumer can route on event_type alone.
package json

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
)

// Event types that are not already defined by models.
const (
	TypeSnapshot = "snapshot"
	TypeTrap     = "trap"
)

// Envelope is the record written for every output event.
type Envelope struct {
	Type      string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id,omitempty"`
	Data      any       `json:"data"`
}

// Kind returns the first dotted segment of the event type ("alert" for
// "alert.raised"). It is the journal's routing key.
func (e Envelope) Kind() string {
	if i := strings.IndexByte(e.Type, '.'); i >= 0 {
		return e.Type[:i]
	}
	return e.Type
}

// snapshotData is the payload of a snapshot envelope.
type snapshotData struct {
	Device   models.Device          `json:"device"`
	Snapshot *models.MetricSnapshot `json:"snapshot"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Envelope constructors
// ─────────────────────────────────────────────────────────────────────────────

// SnapshotEnvelope wraps a successful poll.
func SnapshotEnvelope(dev models.Device, snap *models.MetricSnapshot) Envelope {
	ts := time.Now().UTC()
	if snap != nil && !snap.Timestamp.IsZero() {
		ts = snap.Timestamp
	}
	return Envelope{Type: TypeSnapshot, Timestamp: ts, DeviceID: dev.ID, Data: snapshotData{dev, snap}}
}

// AlertEnvelope wraps an alert lifecycle transition.
func AlertEnvelope(ev models.AlertEvent) Envelope {
	return Envelope{Type: string(ev.Type), Timestamp: ev.At, DeviceID: ev.Alert.DeviceID, Data: ev.Alert}
}

// ComplianceEnvelope wraps a compliance run.
func ComplianceEnvelope(ev models.ComplianceEvent) Envelope {
	return Envelope{Type: ev.Type, Timestamp: ev.At, Data: ev.Check}
}

// TrapEnvelope wraps a received trap. deviceID is the registry id the source
// address resolved to.
func TrapEnvelope(deviceID string, t models.SNMPTrap) Envelope {
	return Envelope{Type: TypeTrap, Timestamp: t.Timestamp, DeviceID: deviceID, Data: t}
}

// ─────────────────────────────────────────────────────────────────────────────
// Formatter
// ─────────────────────────────────────────────────────────────────────────────

// Config controls Formatter output.
type Config struct {
	// PrettyPrint emits indented JSON. Leave off for journals: one record
	// per line is what JSONL readers expect.
	PrettyPrint bool

	// Indent defaults to two spaces when PrettyPrint is set.
	Indent string
}

// Formatter encodes envelopes. It is safe for concurrent use.
type Formatter struct {
	cfg    Config
	logger *zerolog.Logger
}

// New constructs a Formatter.
func New(cfg Config, log *zerolog.Logger) *Formatter {
	if cfg.PrettyPrint && cfg.Indent == "" {
		cfg.Indent = "  "
	}
	return &Formatter{cfg: cfg, logger: logger.OrNop(log)}
}

// Format encodes e. A zero timestamp is replaced with the current time.
func (f *Formatter) Format(e Envelope) ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("format/json: envelope without event_type")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var (
		data []byte
		err  error
	)
	if f.cfg.PrettyPrint {
		data, err = json.MarshalIndent(e, "", f.cfg.Indent)
	} else {
		data, err = json.Marshal(e)
	}
	if err != nil {
		f.logger.Error().Err(err).Str("event_type", e.Type).Str("device", e.DeviceID).
			Msg("format/json: marshal failed")
		return nil, fmt.Errorf("format/json: marshal %s: %w", e.Type, err)
	}

	f.logger.Debug().Str("event_type", e.Type).Int("bytes", len(data)).Msg("format/json: formatted")
	return data, nil
}
