// Package trap converts received SNMP trap and inform PDUs into
// models.SNMPTrap. It handles the protocol differences between v1 and
// v2c/v3 traps and names the SNMPv2-MIB generic traps; socket handling lives
// in the trapreceiver package.
package trap

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/snmp/decoder"
)

// ─────────────────────────────────────────────────────────────────────────────
// Well-known OIDs
// ─────────────────────────────────────────────────────────────────────────────

const (
	// oidSnmpTrapOID is snmpTrapOID.0, the varbind whose value is the trap
	// OID in v2c/v3 PDUs.
	oidSnmpTrapOID = ".1.3.6.1.6.3.1.1.4.1.0"

	// oidGenericTraps is the snmpTraps subtree; generic trap n maps to
	// oidGenericTraps.(n+1).
	oidGenericTraps = ".1.3.6.1.6.3.1.1.5"

	// oidIfIndex is the ifIndex column carried by linkDown/linkUp.
	oidIfIndex = ".1.3.6.1.2.1.2.2.1.1"
)

// Names of the generic traps.
const (
	ColdStart             = "coldStart"
	WarmStart             = "warmStart"
	LinkDown              = "linkDown"
	LinkUp                = "linkUp"
	AuthenticationFailure = "authenticationFailure"
	EgpNeighborLoss       = "egpNeighborLoss"
)

type wellKnown struct {
	name     string
	severity models.Severity
}

var genericTraps = map[string]wellKnown{
	oidGenericTraps + ".1": {ColdStart, models.SeverityWarning},
	oidGenericTraps + ".2": {WarmStart, models.SeverityInfo},
	oidGenericTraps + ".3": {LinkDown, models.SeverityCritical},
	oidGenericTraps + ".4": {LinkUp, models.SeverityInfo},
	oidGenericTraps + ".5": {AuthenticationFailure, models.SeverityWarning},
	oidGenericTraps + ".6": {EgpNeighborLoss, models.SeverityWarning},
}

// ─────────────────────────────────────────────────────────────────────────────
// Parse
// ─────────────────────────────────────────────────────────────────────────────

// Parse converts a packet delivered by gosnmp's TrapListener. remoteAddr is
// the UDP sender; v1 traps prefer their AgentAddress field.
//
// Informs are parsed like traps; acknowledging them is gosnmp's job.
func Parse(pkt *gosnmp.SnmpPacket, remoteAddr *net.UDPAddr) (models.SNMPTrap, error) {
	if pkt == nil {
		return models.SNMPTrap{}, fmt.Errorf("trap: nil packet")
	}

	t := models.SNMPTrap{
		Timestamp: time.Now().UTC(),
		SourceIP:  sourceIP(pkt, remoteAddr),
	}

	switch pkt.Version {
	case gosnmp.Version1:
		t.TrapInfo = parsev1Info(pkt)
		t.Varbinds = convertVarbinds(pkt.Variables)
	case gosnmp.Version2c, gosnmp.Version3:
		info, remaining := parsev2Info(pkt)
		t.TrapInfo = info
		t.Varbinds = convertVarbinds(remaining)
	default:
		return t, fmt.Errorf("trap: unsupported SNMP version %v", pkt.Version)
	}

	if wk, ok := genericTraps[t.TrapInfo.TrapOID]; ok {
		t.TrapInfo.TrapName = wk.name
		t.TrapInfo.Severity = wk.severity
	}
	return t, nil
}

// IfIndex returns the ifIndex varbind of a link trap.
func IfIndex(t models.SNMPTrap) (int, bool) {
	for _, vb := range t.Varbinds {
		idx, ok := decoder.RowIndex(vb.OID, oidIfIndex)
		if !ok {
			continue
		}
		// The value is authoritative; the instance suffix is the fallback.
		switch v := vb.Value.(type) {
		case int64:
			return int(v), true
		case uint64:
			return int(v), true
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		}
		return idx, true
	}
	return 0, false
}

func sourceIP(pkt *gosnmp.SnmpPacket, remoteAddr *net.UDPAddr) string {
	if pkt.Version == gosnmp.Version1 && pkt.AgentAddress != "" && pkt.AgentAddress != "0.0.0.0" {
		return pkt.AgentAddress
	}
	if remoteAddr != nil {
		return remoteAddr.IP.String()
	}
	return ""
}

// ─────────────────────────────────────────────────────────────────────────────
// v1
// ─────────────────────────────────────────────────────────────────────────────

// parsev1Info synthesises the v2 trap OID following RFC 3584 §3.1:
//
//	generic 0-5 → .1.3.6.1.6.3.1.1.5.<generic+1>
//	generic 6   → <enterprise>.0.<specific>
func parsev1Info(pkt *gosnmp.SnmpPacket) models.TrapInfo {
	info := models.TrapInfo{
		Version:       "v1",
		EnterpriseOID: decoder.DottedOID(pkt.Enterprise),
		GenericTrap:   int32(pkt.GenericTrap),  //nolint:gosec
		SpecificTrap:  int32(pkt.SpecificTrap), //nolint:gosec
	}
	if pkt.GenericTrap >= 0 && pkt.GenericTrap < 6 {
		info.TrapOID = fmt.Sprintf("%s.%d", oidGenericTraps, pkt.GenericTrap+1)
	} else {
		info.TrapOID = fmt.Sprintf("%s.0.%d", decoder.DottedOID(pkt.Enterprise), pkt.SpecificTrap)
	}
	return info
}

// ─────────────────────────────────────────────────────────────────────────────
// v2c / v3
// ─────────────────────────────────────────────────────────────────────────────

// parsev2Info reads snmpTrapOID.0 and returns the varbinds after it. Agents
// that omit sysUpTime.0 are tolerated; a PDU without snmpTrapOID.0 keeps
// every varbind as payload.
func parsev2Info(pkt *gosnmp.SnmpPacket) (models.TrapInfo, []gosnmp.SnmpPDU) {
	info := models.TrapInfo{Version: "v" + versionString(pkt.Version)}
	for i, v := range pkt.Variables {
		if decoder.DottedOID(v.Name) == oidSnmpTrapOID {
			info.TrapOID = decoder.DottedOID(decoder.Text(v))
			return info, pkt.Variables[i+1:]
		}
	}
	return info, pkt.Variables
}

func versionString(v gosnmp.SnmpVersion) string {
	switch v {
	case gosnmp.Version1:
		return "1"
	case gosnmp.Version2c:
		return "2c"
	case gosnmp.Version3:
		return "3"
	default:
		return "unknown"
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Varbinds
// ─────────────────────────────────────────────────────────────────────────────

// convertVarbinds skips NoSuchObject, NoSuchInstance, EndOfMibView and Null.
func convertVarbinds(pdus []gosnmp.SnmpPDU) []models.TrapVarbind {
	out := make([]models.TrapVarbind, 0, len(pdus))
	for _, pdu := range pdus {
		if decoder.IsErrorType(pdu.Type) {
			continue
		}
		out = append(out, models.TrapVarbind{
			OID:   decoder.DottedOID(pdu.Name),
			Type:  decoder.PDUTypeString(pdu.Type),
			Value: decoder.Value(pdu),
		})
	}
	return out
}
