package models

import "time"

// Well-known metric names. Collectors may report any name; these are the ones
// the snapshot producer derives and the default rules reference.
const (
	MetricCPU            = "cpu"    // percent
	MetricMemory         = "memory" // percent
	MetricUptime         = "uptime" // seconds
	MetricInterfaces     = "interfaces.total"
	MetricInterfacesUp   = "interfaces.up"
	MetricInterfacesDown = "interfaces.down"
	MetricPollDuration   = "poll.duration_ms"
)

// RawMetrics is what a Collector returns for one successful collection.
// Gauges are reported as-is; Counters are monotonically increasing totals
// that the snapshot producer converts into per-second rates.
type RawMetrics struct {
	Gauges     map[string]float64 `json:"gauges,omitempty"`
	Counters   map[string]uint64  `json:"counters,omitempty"`
	Interfaces []InterfaceState   `json:"interfaces,omitempty"`

	// Config is the device configuration text, when the collector fetched it.
	Config string `json:"config,omitempty"`

	CollectedAt time.Time     `json:"collected_at"`
	Duration    time.Duration `json:"duration"`
}

// InterfaceState is the operational state of one device interface.
type InterfaceState struct {
	Index int    `json:"index"`
	Name  string `json:"name,omitempty"`
	Up    bool   `json:"up"`
}

// MetricSnapshot is the immutable record of one successful poll. It is
// produced once, shared by reference between the Registry history ring, the
// rule engine and the output sinks, and must never be mutated after creation.
type MetricSnapshot struct {
	DeviceID   string             `json:"device_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Values     map[string]float64 `json:"values"`
	Interfaces []InterfaceState   `json:"interfaces,omitempty"`
	Config     string             `json:"config,omitempty"`
}

// Value returns the named metric.
func (s *MetricSnapshot) Value(name string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.Values[name]
	return v, ok
}

// PollOutcome is the result of one collection task handed to the Registry.
// Exactly one of Snapshot and Err is set.
type PollOutcome struct {
	At       time.Time
	Snapshot *MetricSnapshot
	Err      error

	// Generation is the device registration the poll was started for. Zero
	// skips the check.
	Generation uint64
}

// Success builds a successful outcome.
func Success(s *MetricSnapshot) PollOutcome {
	return PollOutcome{At: s.Timestamp, Snapshot: s}
}

// Failure builds a failed outcome.
func Failure(err error, at time.Time) PollOutcome {
	return PollOutcome{At: at, Err: err}
}

// OK reports whether the poll succeeded.
func (o PollOutcome) OK() bool { return o.Err == nil && o.Snapshot != nil }
