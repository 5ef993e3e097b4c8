package models

import "time"

// ComplianceStatus is the outcome of a compliance run.
type ComplianceStatus string

const (
	CompliancePassed  ComplianceStatus = "passed"
	ComplianceFailed  ComplianceStatus = "failed"
	ComplianceWarning ComplianceStatus = "warning"
	CompliancePending ComplianceStatus = "pending"
)

// ComplianceCheck evaluates one rule's condition across a scope. Results are
// recomputed wholesale by every run.
type ComplianceCheck struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Scope       Scope  `json:"scope"`
	RuleID      string `json:"rule_id"`

	// Schedule is an optional cron expression for periodic runs.
	Schedule string `json:"schedule,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`

	LastRunAt  *time.Time         `json:"last_run_at,omitempty"`
	Status     ComplianceStatus   `json:"status"`
	IssueCount int                `json:"issue_count"`
	Results    []ComplianceResult `json:"results,omitempty"`
}

// ComplianceResult is the per-device outcome of a run.
type ComplianceResult struct {
	DeviceID string `json:"device_id"`
	Passed   bool   `json:"passed"`
	Pending  bool   `json:"pending,omitempty"` // no snapshot yet
	Detail   string `json:"detail,omitempty"`
}

// ComplianceEventType is the event_type of compliance run events.
const ComplianceEventType = "compliance.run"

// ComplianceEvent is emitted to sinks after every run.
type ComplianceEvent struct {
	Type  string          `json:"event_type"`
	At    time.Time       `json:"at"`
	Check ComplianceCheck `json:"check"`
}
