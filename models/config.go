package models

// Credentials is one named credential set referenced by
// ConnectionProfile.CredentialRef. Which fields matter depends on the
// protocol of the device using it.
type Credentials struct {
	// SNMPVersion is "1", "2c" or "3" (default "2c").
	SNMPVersion string `yaml:"snmp_version"`

	// Community is the v1/v2c community string.
	Community string `yaml:"community"`

	// V3 holds the SNMPv3 USM parameters (v3 only).
	V3 *V3Credentials `yaml:"v3"`

	// Username, Password and PrivateKey authenticate SSH sessions. PrivateKey
	// is a PEM-encoded key; when set it is tried before the password.
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	PrivateKey string `yaml:"private_key"`

	// HostKey is the expected SSH host key in authorized_keys format. Empty
	// disables host key verification.
	HostKey string `yaml:"host_key"`
}

// V3Credentials holds a single set of SNMPv3 security parameters.
type V3Credentials struct {
	// Username is the SNMPv3 security name.
	Username string `yaml:"username"`

	// AuthenticationProtocol is one of: noauth, md5, sha, sha224, sha256, sha384, sha512.
	AuthenticationProtocol string `yaml:"authentication_protocol"`

	// AuthenticationPassphrase is the passphrase for the chosen auth protocol.
	AuthenticationPassphrase string `yaml:"authentication_passphrase"`

	// PrivacyProtocol is one of: nopriv, des, aes, aes192, aes256, aes192c, aes256c.
	PrivacyProtocol string `yaml:"privacy_protocol"`

	// PrivacyPassphrase is the passphrase for the chosen privacy protocol.
	PrivacyPassphrase string `yaml:"privacy_passphrase"`
}

// MetricKind tells the snapshot producer how to treat a collected value.
type MetricKind string

const (
	KindGauge   MetricKind = "gauge"   // reported as-is
	KindCounter MetricKind = "counter" // converted to a per-second rate
)

// OIDMetric maps one SNMP object to a snapshot metric name.
type OIDMetric struct {
	// Name is the metric name in the snapshot, e.g. "cpu".
	Name string `yaml:"name"`

	// OID is the full numeric OID of a scalar instance, e.g. ".1.3.6.1.2.1.1.3.0".
	OID string `yaml:"oid"`

	// Kind selects gauge or counter handling (default gauge).
	Kind MetricKind `yaml:"kind"`

	// Scale multiplies the raw value, e.g. 0.01 to turn TimeTicks into seconds.
	// Zero means 1.
	Scale float64 `yaml:"scale"`

	// PercentOf, when set, is the OID of the total this value is a share of;
	// the metric becomes 100 * value / total. Gauge only.
	PercentOf string `yaml:"percent_of"`
}

// SSHCommand maps one shell command to a snapshot metric. The first numeric
// token of the command output becomes the value.
type SSHCommand struct {
	Name    string     `yaml:"name"`
	Command string     `yaml:"command"`
	Kind    MetricKind `yaml:"kind"`
}
