package models

import (
	"fmt"
	"time"
)

// Rearm controls whether a breaching rule fires once or on every evaluation.
type Rearm string

const (
	RearmEdge  Rearm = "edge"  // fire on the transition into breach
	RearmLevel Rearm = "level" // fire on every evaluation while breaching
)

// Comparison is a numeric comparison operator.
type Comparison string

const (
	OpGT Comparison = ">"
	OpGE Comparison = ">="
	OpLT Comparison = "<"
	OpLE Comparison = "<="
	OpEQ Comparison = "=="
	OpNE Comparison = "!="
)

// Compare applies the operator to v and threshold.
func (c Comparison) Compare(v, threshold float64) (bool, error) {
	switch c {
	case OpGT:
		return v > threshold, nil
	case OpGE:
		return v >= threshold, nil
	case OpLT:
		return v < threshold, nil
	case OpLE:
		return v <= threshold, nil
	case OpEQ:
		return v == threshold, nil
	case OpNE:
		return v != threshold, nil
	}
	return false, fmt.Errorf("unknown comparison %q", string(c))
}

// ConditionKind selects what a Condition inspects.
type ConditionKind string

const (
	ConditionMetric ConditionKind = "metric"
	ConditionConfig ConditionKind = "config"
)

// ConfigMode says whether a config pattern must be present or absent.
type ConfigMode string

const (
	ConfigRequire ConfigMode = "require"
	ConfigForbid  ConfigMode = "forbid"
)

// Condition is the shared predicate language of alert rules and compliance
// checks. A condition is "true" when the device is in breach.
//
// Metric conditions breach when `Metric Op Threshold` held for the last For
// samples. Config conditions breach when the config snapshot violates Pattern
// (missing for require, present for forbid).
type Condition struct {
	Kind ConditionKind `json:"kind" yaml:"kind"`

	Metric    string     `json:"metric,omitempty" yaml:"metric"`
	Op        Comparison `json:"op,omitempty" yaml:"op"`
	Threshold float64    `json:"threshold,omitempty" yaml:"threshold"`
	For       int        `json:"for,omitempty" yaml:"for"`

	Pattern string     `json:"pattern,omitempty" yaml:"pattern"`
	Mode    ConfigMode `json:"mode,omitempty" yaml:"mode"`
}

// Samples returns the number of consecutive samples the condition needs.
func (c Condition) Samples() int {
	if c.For < 1 {
		return 1
	}
	return c.For
}

// Scope selects the devices a rule or compliance check applies to. An empty
// scope applies to every registered device.
type Scope struct {
	DeviceIDs []string `json:"device_ids,omitempty" yaml:"devices"`
	GroupID   string   `json:"group_id,omitempty" yaml:"group"`
}

// Empty reports whether the scope selects every device.
func (s Scope) Empty() bool { return len(s.DeviceIDs) == 0 && s.GroupID == "" }

// Rule is a declarative alert definition owned by the rule engine.
type Rule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Scope       Scope     `json:"scope"`
	Condition   Condition `json:"condition"`
	Severity    Severity  `json:"severity"`
	Rearm       Rearm     `json:"rearm"`
	Message     string    `json:"message,omitempty"`
	Disabled    bool      `json:"disabled,omitempty"`

	// PredicateError is set when the condition could not be compiled; the
	// rule then never breaches until it is fixed.
	PredicateError string `json:"predicate_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the static shape of the rule. Pattern compilation is the
// engine's job because an invalid pattern fails closed rather than rejecting
// the rule.
func (r Rule) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if _, ok := ParseSeverity(string(r.Severity)); !ok {
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", r.Severity)}
	}
	switch r.Rearm {
	case RearmEdge, RearmLevel:
	default:
		return &ValidationError{Field: "rearm", Reason: fmt.Sprintf("unknown rearm policy %q", r.Rearm)}
	}
	switch r.Condition.Kind {
	case ConditionMetric:
		if r.Condition.Metric == "" {
			return &ValidationError{Field: "condition.metric", Reason: "required"}
		}
		if _, err := r.Condition.Op.Compare(0, 0); err != nil {
			return &ValidationError{Field: "condition.op", Reason: err.Error()}
		}
	case ConditionConfig:
		switch r.Condition.Mode {
		case ConfigRequire, ConfigForbid:
		default:
			return &ValidationError{Field: "condition.mode", Reason: fmt.Sprintf("unknown mode %q", r.Condition.Mode)}
		}
	default:
		return &ValidationError{Field: "condition.kind", Reason: fmt.Sprintf("unknown kind %q", r.Condition.Kind)}
	}
	return nil
}
