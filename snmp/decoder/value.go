// Package decoder turns gosnmp PDUs into the plain values the collector and
// the trap handler work with: float64 gauges, uint64 counters, display
// strings and table row indexes.
package decoder

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"

	"github.com/gosnmp/gosnmp"
)

// ─────────────────────────────────────────────────────────────────────────────
// PDU type helpers
// ─────────────────────────────────────────────────────────────────────────────

// PDUTypeString returns the SMI name of an ASN.1 type tag.
func PDUTypeString(t gosnmp.Asn1BER) string {
	switch t {
	case gosnmp.Integer:
		return "Integer"
	case gosnmp.OctetString:
		return "OctetString"
	case gosnmp.Null:
		return "Null"
	case gosnmp.ObjectIdentifier:
		return "ObjectIdentifier"
	case gosnmp.IPAddress:
		return "IpAddress"
	case gosnmp.Counter32:
		return "Counter32"
	case gosnmp.Gauge32:
		return "Gauge32"
	case gosnmp.TimeTicks:
		return "TimeTicks"
	case gosnmp.Counter64:
		return "Counter64"
	case gosnmp.Uinteger32:
		return "Unsigned32"
	case gosnmp.OpaqueFloat:
		return "OpaqueFloat"
	case gosnmp.OpaqueDouble:
		return "OpaqueDouble"
	case gosnmp.NoSuchObject:
		return "NoSuchObject"
	case gosnmp.NoSuchInstance:
		return "NoSuchInstance"
	case gosnmp.EndOfMibView:
		return "EndOfMibView"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(t))
	}
}

// IsErrorType reports whether the PDU carries an exception instead of a value.
func IsErrorType(t gosnmp.Asn1BER) bool {
	return t == gosnmp.NoSuchObject || t == gosnmp.NoSuchInstance || t == gosnmp.EndOfMibView || t == gosnmp.Null
}

// IsCounter reports whether t is a monotonically increasing SMI type.
func IsCounter(t gosnmp.Asn1BER) bool {
	return t == gosnmp.Counter32 || t == gosnmp.Counter64
}

// ─────────────────────────────────────────────────────────────────────────────
// Value conversion
// ─────────────────────────────────────────────────────────────────────────────

// Float converts a numeric PDU to float64. OctetStrings holding a decimal
// number (some vendors report CPU load that way) are parsed too.
func Float(pdu gosnmp.SnmpPDU) (float64, error) {
	if IsErrorType(pdu.Type) {
		return 0, fmt.Errorf("%s: %s", pdu.Name, PDUTypeString(pdu.Type))
	}
	switch pdu.Type {
	case gosnmp.OctetString:
		s := strings.TrimSpace(Text(pdu))
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: not a number: %q", pdu.Name, s)
		}
		return f, nil
	case gosnmp.OpaqueFloat:
		if f, ok := pdu.Value.(float32); ok {
			return float64(f), nil
		}
	}
	return toFloat64(pdu.Value)
}

// Counter converts a counter PDU to uint64.
func Counter(pdu gosnmp.SnmpPDU) (uint64, error) {
	if IsErrorType(pdu.Type) {
		return 0, fmt.Errorf("%s: %s", pdu.Name, PDUTypeString(pdu.Type))
	}
	return toUint64(pdu.Value)
}

// Text renders an OctetString as a string, trimming the trailing NUL bytes
// some agents append. Other types fall back to fmt.
func Text(pdu gosnmp.SnmpPDU) string {
	switch x := pdu.Value.(type) {
	case string:
		return strings.TrimRight(x, "\x00")
	case []byte:
		return strings.TrimRight(string(x), "\x00")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Value converts a PDU into a JSON-friendly scalar: int64, uint64, float64 or
// string. Used for trap varbinds where no metric mapping exists.
func Value(pdu gosnmp.SnmpPDU) any {
	switch pdu.Type {
	case gosnmp.Integer:
		if v, err := toInt64(pdu.Value); err == nil {
			return v
		}
	case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Uinteger32:
		if v, err := toUint64(pdu.Value); err == nil {
			return v
		}
	case gosnmp.OpaqueFloat, gosnmp.OpaqueDouble:
		if v, err := Float(pdu); err == nil {
			return v
		}
	case gosnmp.ObjectIdentifier:
		return NormaliseOID(Text(pdu))
	case gosnmp.IPAddress:
		return ipString(pdu.Value)
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return nil
	}
	return Text(pdu)
}

// ─────────────────────────────────────────────────────────────────────────────
// OID helpers
// ─────────────────────────────────────────────────────────────────────────────

// NormaliseOID strips surrounding whitespace and the leading and trailing
// dots.
func NormaliseOID(oid string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(oid), "."), ".")
}

// DottedOID is NormaliseOID in the leading-dot form gosnmp reports, e.g.
// ".1.3.6.1.6.3.1.1.5.3". Empty stays empty.
func DottedOID(oid string) string {
	if oid = NormaliseOID(oid); oid == "" {
		return ""
	}
	return "." + oid
}

// RowIndex returns the integer instance suffix of oid under column, e.g.
// RowIndex(".1.3.6.1.2.1.2.2.1.8.12", "1.3.6.1.2.1.2.2.1.8") = 12.
func RowIndex(oid, column string) (int, bool) {
	oid, column = NormaliseOID(oid), NormaliseOID(column)
	if !strings.HasPrefix(oid, column+".") {
		return 0, false
	}
	n, err := strconv.Atoi(oid[len(column)+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ─────────────────────────────────────────────────────────────────────────────
// Low-level conversion
// ─────────────────────────────────────────────────────────────────────────────

// gosnmp returns integers as int, uint, int64 or uint64 depending on the type.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("uint64 value %d overflows int64", x)
		}
		return int64(x), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

func toUint64(v any) (uint64, error) {
	switch x := v.(type) {
	case int:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d cannot be converted to uint64", x)
		}
		return uint64(x), nil
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d cannot be converted to uint64", x)
		}
		return uint64(x), nil
	case uint:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint64:
		return x, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to uint64", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}

func ipString(v any) string {
	switch x := v.(type) {
	case string:
		if ip := net.ParseIP(x); ip != nil {
			return ip.String()
		}
		if len(x) == 4 {
			return net.IP([]byte(x)).String()
		}
		return x
	case []byte:
		if len(x) == 4 || len(x) == 16 {
			return net.IP(x).String()
		}
		return string(x)
	default:
		return fmt.Sprintf("%v", v)
	}
}
