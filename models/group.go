package models

import "time"

// GroupKind distinguishes hand-maintained groups from predicate groups.
type GroupKind string

const (
	GroupStatic  GroupKind = "static"
	GroupDynamic GroupKind = "dynamic"
)

// Operator is a string match operator for dynamic group criteria.
type Operator string

const (
	OpEquals     Operator = "equals"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpRegex      Operator = "regex"
)

// Criteria is the field/operator/value predicate of a dynamic group.
type Criteria struct {
	Field    DeviceField `json:"field" yaml:"field"`
	Operator Operator    `json:"operator" yaml:"operator"`
	Value    string      `json:"value" yaml:"value"`
}

// DeviceGroup classifies devices. For static groups DeviceIDs is the explicit
// membership; for dynamic groups it is derived from Criteria and never edited.
type DeviceGroup struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Kind        GroupKind `json:"kind"`
	Criteria    *Criteria `json:"criteria,omitempty"`
	DeviceIDs   []string  `json:"device_ids"`

	// PredicateError is set when the criteria could not be compiled; the
	// group then has no members until the criteria are fixed.
	PredicateError string `json:"predicate_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
