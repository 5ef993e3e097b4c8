package models

import "time"

// SNMPTrap is the parsed form of a received SNMP trap or inform.
type SNMPTrap struct {
	Timestamp time.Time     `json:"timestamp"`
	SourceIP  string        `json:"source_ip"`
	TrapInfo  TrapInfo      `json:"trap_info"`
	Varbinds  []TrapVarbind `json:"varbinds"`
}

// TrapInfo carries trap-specific header fields.
type TrapInfo struct {
	Version       string   `json:"version"`                  // "v1", "v2c", "v3"
	EnterpriseOID string   `json:"enterprise_oid,omitempty"` // v1 only
	GenericTrap   int32    `json:"generic_trap,omitempty"`   // v1 only (0–6)
	SpecificTrap  int32    `json:"specific_trap,omitempty"`  // v1 only
	TrapOID       string   `json:"trap_oid"`                 // SNMPv2-MIB::snmpTrapOID.0 value
	TrapName      string   `json:"trap_name,omitempty"`      // e.g. "linkDown"
	Severity      Severity `json:"severity,omitempty"`
}

// TrapVarbind is one payload variable binding of a trap.
type TrapVarbind struct {
	OID   string      `json:"oid"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}
