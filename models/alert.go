package models

import (
	"strings"
	"time"
)

// Severity ranks alerts and rules.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// ParseSeverity accepts the lower-case severity names.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical, true
	case SeverityWarning:
		return SeverityWarning, true
	case SeverityInfo:
		return SeverityInfo, true
	}
	return "", false
}

// AlertState is the lifecycle position of an alert.
type AlertState string

const (
	AlertOpen         AlertState = "open"         // unacknowledged, unresolved
	AlertAcknowledged AlertState = "acknowledged" // acknowledged, unresolved
	AlertResolved     AlertState = "resolved"     // closed (archived)

	// AlertActive is a filter-only state matching open and acknowledged alerts.
	AlertActive AlertState = "active"
)

// Resolution records why an alert was closed.
type Resolution string

const (
	ResolutionCleared       Resolution = "cleared"
	ResolutionManual        Resolution = "manual"
	ResolutionDeviceRemoved Resolution = "device_removed"
)

// AlertSource records who raised an alert.
type AlertSource string

const (
	SourceRule   AlertSource = "rule"
	SourceManual AlertSource = "manual"
	SourceTrap   AlertSource = "trap"
)

// Alert is one raised condition for a device. RuleID is empty for manual
// alerts.
type Alert struct {
	ID       string      `json:"id"`
	DeviceID string      `json:"device_id"`
	RuleID   string      `json:"rule_id,omitempty"`
	Source   AlertSource `json:"source"`
	Severity Severity    `json:"severity"`
	Message  string      `json:"message"`
	Count    int         `json:"count"`

	CreatedAt      time.Time  `json:"created_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Resolution     Resolution `json:"resolution,omitempty"`
}

// State derives the lifecycle state from the timestamps.
func (a Alert) State() AlertState {
	switch {
	case a.ResolvedAt != nil:
		return AlertResolved
	case a.AcknowledgedAt != nil:
		return AlertAcknowledged
	default:
		return AlertOpen
	}
}

// Open reports whether the alert is neither acknowledged nor resolved.
func (a Alert) Open() bool { return a.State() == AlertOpen }

// AlertFilter narrows alert queries. Zero fields match everything.
type AlertFilter struct {
	Severity Severity
	State    AlertState
	DeviceID string
	GroupID  string
	Text     string // case-insensitive match on message, device or rule
	Limit    int
}

// AlertSummary counts active alerts per severity.
type AlertSummary struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
	Active   int `json:"active"`
	Open     int `json:"open"`
}

// AlertEventType names an alert lifecycle transition.
type AlertEventType string

const (
	AlertRaised  AlertEventType = "alert.raised"
	AlertUpdated AlertEventType = "alert.updated"
	AlertAcked   AlertEventType = "alert.acknowledged"
	AlertClosed  AlertEventType = "alert.resolved"
)

// AlertEvent is emitted to sinks on every alert transition.
type AlertEvent struct {
	Type  AlertEventType `json:"event_type"`
	At    time.Time      `json:"at"`
	Alert Alert          `json:"alert"`
}
