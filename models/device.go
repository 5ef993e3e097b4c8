// Package models defines the core data structures shared across all layers of
// netwatch. Devices, metric snapshots, rules, groups, alerts and compliance
// checks live here together with the typed error taxonomy; every other
// package depends on this package and nothing here depends on any other
// internal package.
package models

import (
	"strings"
	"time"
)

// DeviceStatus is the health state derived from recent poll outcomes.
type DeviceStatus string

const (
	StatusUnknown DeviceStatus = "unknown"
	StatusOnline  DeviceStatus = "online"
	StatusWarning DeviceStatus = "warning"
	StatusOffline DeviceStatus = "offline"
)

// ParseDeviceStatus accepts the lower-case status names used on the API.
func ParseDeviceStatus(s string) (DeviceStatus, bool) {
	switch DeviceStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusUnknown:
		return StatusUnknown, true
	case StatusOnline:
		return StatusOnline, true
	case StatusWarning:
		return StatusWarning, true
	case StatusOffline:
		return StatusOffline, true
	}
	return "", false
}

// Protocol selects the collector used for a device.
type Protocol string

const (
	ProtocolSNMP Protocol = "snmp"
	ProtocolSSH  Protocol = "ssh"
)

// ConnectionProfile tells a Collector how to reach a device. Credentials are
// referenced by name and resolved by the collector, so profiles can be stored
// and returned over the API without leaking secrets.
type ConnectionProfile struct {
	Protocol      Protocol `json:"protocol" yaml:"protocol"`
	Address       string   `json:"address,omitempty" yaml:"address"` // defaults to the device IP
	Port          int      `json:"port,omitempty" yaml:"port"`
	CredentialRef string   `json:"credential_ref,omitempty" yaml:"credential_ref"`

	// Interval and Timeout override the scheduler defaults when non-zero.
	Interval time.Duration `json:"interval,omitempty" yaml:"interval"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

// Device is the Registry's authoritative record for one managed device.
// Identity and Profile are written by administrative calls; the remaining
// fields are derived from poll outcomes and written only by the Registry.
type Device struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	IP       string            `json:"ip"`
	Type     string            `json:"type"`
	Model    string            `json:"model,omitempty"`
	Version  string            `json:"version,omitempty"`
	Location string            `json:"location,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`

	Profile ConnectionProfile `json:"profile"`

	Status              DeviceStatus    `json:"status"`
	LastSeen            time.Time       `json:"last_seen,omitempty"`
	LastPolled          time.Time       `json:"last_polled,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastError           string          `json:"last_error,omitempty"`
	Latest              *MetricSnapshot `json:"latest,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Generation identifies one registration of ID within this process. A
	// device deregistered and registered again under the same id gets a new
	// generation, so late poll results for the old one can be told apart.
	Generation uint64 `json:"-"`
}

// Target returns the host a collector should dial.
func (d Device) Target() string {
	if d.Profile.Address != "" {
		return d.Profile.Address
	}
	return d.IP
}

// Identity returns a copy of d with the derived state cleared. It is the form
// persisted to storage.
func (d Device) Identity() Device {
	d.Status = StatusUnknown
	d.LastSeen = time.Time{}
	d.LastPolled = time.Time{}
	d.ConsecutiveFailures = 0
	d.LastError = ""
	d.Latest = nil
	return d
}

// DeviceField enumerates the device attributes that group criteria may
// reference. Each field has an explicit accessor in FieldValue.
type DeviceField string

const (
	FieldName    DeviceField = "name"
	FieldType    DeviceField = "type"
	FieldModel   DeviceField = "model"
	FieldVersion DeviceField = "version"
	FieldIP      DeviceField = "ip"
)

// DeviceFields lists every supported field.
var DeviceFields = []DeviceField{FieldName, FieldType, FieldModel, FieldVersion, FieldIP}

// FieldValue reads one enumerated field off d. The second result is false for
// unsupported fields.
func (d Device) FieldValue(f DeviceField) (string, bool) {
	switch f {
	case FieldName:
		return d.Name, true
	case FieldType:
		return d.Type, true
	case FieldModel:
		return d.Model, true
	case FieldVersion:
		return d.Version, true
	case FieldIP:
		return d.IP, true
	default:
		return "", false
	}
}

// DeviceFilter narrows Registry listings.
type DeviceFilter struct {
	Status DeviceStatus
	Type   string
	Text   string // case-insensitive match on id, name or IP
	IDs    map[string]struct{}
}

// Match reports whether d passes every set criterion.
func (f DeviceFilter) Match(d Device) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Type != "" && !strings.EqualFold(d.Type, f.Type) {
		return false
	}
	if f.IDs != nil {
		if _, ok := f.IDs[d.ID]; !ok {
			return false
		}
	}
	if f.Text != "" {
		q := strings.ToLower(f.Text)
		if !strings.Contains(strings.ToLower(d.Name), q) &&
			!strings.Contains(strings.ToLower(d.ID), q) &&
			!strings.Contains(d.IP, q) {
			return false
		}
	}
	return true
}

// DeviceSummary counts devices per status for the dashboard.
type DeviceSummary struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Warning int `json:"warning"`
	Offline int `json:"offline"`
	Unknown int `json:"unknown"`
}
