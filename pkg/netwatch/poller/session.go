package poller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/vpbank/netwatch/models"
)

const (
	defaultSNMPPort    = 161
	defaultSNMPTimeout = 5 * time.Second
)

// ─────────────────────────────────────────────────────────────────────────────
// Session factory: ConnectionProfile + Credentials → *gosnmp.GoSNMP
// ─────────────────────────────────────────────────────────────────────────────

// NewSession creates and connects a gosnmp session for the profile. The
// caller closes it, normally by handing it back to a SessionPool.
func NewSession(profile models.ConnectionProfile, cred models.Credentials) (*gosnmp.GoSNMP, error) {
	port := profile.Port
	if port == 0 {
		port = defaultSNMPPort
	}
	timeout := profile.Timeout
	if timeout <= 0 {
		timeout = defaultSNMPTimeout
	}

	g := &gosnmp.GoSNMP{
		Context: context.Background(),
		Target:  profile.Address,
		Port:    uint16(port),
		Timeout: timeout,
		Retries: 1,
		MaxOids: gosnmp.MaxOids,
	}

	community := cred.Community
	if community == "" {
		community = "public"
	}
	switch cred.SNMPVersion {
	case "1":
		g.Version = gosnmp.Version1
		g.Community = community
	case "", "2c":
		g.Version = gosnmp.Version2c
		g.Community = community
	case "3":
		if cred.V3 == nil {
			return nil, models.NewCollectorError(models.CollectorAuthFailed, profile.Address,
				fmt.Errorf("snmp v3 selected without v3 credentials"))
		}
		g.Version = gosnmp.Version3
		g.SecurityModel = gosnmp.UserSecurityModel
		g.MsgFlags = snmpv3MsgFlags(*cred.V3)
		g.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 cred.V3.Username,
			AuthenticationProtocol:   mapAuthProto(cred.V3.AuthenticationProtocol),
			AuthenticationPassphrase: cred.V3.AuthenticationPassphrase,
			PrivacyProtocol:          mapPrivProto(cred.V3.PrivacyProtocol),
			PrivacyPassphrase:        cred.V3.PrivacyPassphrase,
		}
	default:
		return nil, models.NewCollectorError(models.CollectorProtocolError, profile.Address,
			fmt.Errorf("unsupported SNMP version %q", cred.SNMPVersion))
	}

	if err := g.Connect(); err != nil {
		return nil, models.NewCollectorError(models.CollectorUnreachable, profile.Address,
			fmt.Errorf("snmp connect %s:%d: %w", profile.Address, port, err))
	}
	return g, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// SNMPv3 helpers
// ─────────────────────────────────────────────────────────────────────────────

func snmpv3MsgFlags(cred models.V3Credentials) gosnmp.SnmpV3MsgFlags {
	hasAuth := cred.AuthenticationProtocol != "" &&
		!strings.EqualFold(cred.AuthenticationProtocol, "noauth")
	hasPriv := cred.PrivacyProtocol != "" &&
		!strings.EqualFold(cred.PrivacyProtocol, "nopriv")

	switch {
	case hasAuth && hasPriv:
		return gosnmp.AuthPriv
	case hasAuth:
		return gosnmp.AuthNoPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func mapAuthProto(s string) gosnmp.SnmpV3AuthProtocol {
	switch strings.ToLower(s) {
	case "md5":
		return gosnmp.MD5
	case "sha":
		return gosnmp.SHA
	case "sha224":
		return gosnmp.SHA224
	case "sha256":
		return gosnmp.SHA256
	case "sha384":
		return gosnmp.SHA384
	case "sha512":
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

func mapPrivProto(s string) gosnmp.SnmpV3PrivProtocol {
	switch strings.ToLower(s) {
	case "des":
		return gosnmp.DES
	case "aes":
		return gosnmp.AES
	case "aes192":
		return gosnmp.AES192
	case "aes256":
		return gosnmp.AES256
	case "aes192c":
		return gosnmp.AES192C
	case "aes256c":
		return gosnmp.AES256C
	default:
		return gosnmp.NoPriv
	}
}
