package config

import (
	"github.com/vpbank/netwatch/models"
)

// Defaults holds the fleet-wide settings merged from the defaults tree.
type Defaults struct {
	// Profile supplies protocol, port, credential, interval and timeout for
	// devices that leave them unset.
	Profile models.ConnectionProfile

	// SNMPMetrics is the OID table polled on every SNMP device. Empty selects
	// the collector's built-in table.
	SNMPMetrics []models.OIDMetric

	// SSHConfigCommand fetches the configuration snapshot over SSH.
	SSHConfigCommand string

	// SSHCommands produce metrics from SSH command output.
	SSHCommands []models.SSHCommand
}

// ─────────────────────────────────────────────────────────────────────────────
// Raw YAML forms
// ─────────────────────────────────────────────────────────────────────────────

// rawDefaults is one file of the defaults tree.
//
//	default:
//	  protocol: snmp
//	  interval: 60s
//	  timeout: 5s
//	  credential: public-v2
//	snmp:
//	  metrics: [...]
//	ssh:
//	  config_command: show running-config
//	  commands: [...]
type rawDefaults struct {
	Default rawProfile `yaml:"default"`
	SNMP    struct {
		Metrics []models.OIDMetric `yaml:"metrics"`
	} `yaml:"snmp"`
	SSH struct {
		ConfigCommand string              `yaml:"config_command"`
		Commands      []models.SSHCommand `yaml:"commands"`
	} `yaml:"ssh"`
}

// rawProfile is the connection part shared by devices and defaults.
// Durations are Go duration strings ("30s", "2m").
type rawProfile struct {
	Protocol   string `yaml:"protocol"`
	Address    string `yaml:"address"`
	Port       int    `yaml:"port"`
	Credential string `yaml:"credential"`
	Interval   string `yaml:"interval"`
	Timeout    string `yaml:"timeout"`
}

// rawDevice is one entry of a devices file, keyed by device id.
type rawDevice struct {
	rawProfile `yaml:",inline"`

	Name     string            `yaml:"name"`
	IP       string            `yaml:"ip"`
	Type     string            `yaml:"type"`
	Model    string            `yaml:"model"`
	Version  string            `yaml:"version"`
	Location string            `yaml:"location"`
	Tags     map[string]string `yaml:"tags"`
}

// rawRule is one entry of a rules file, keyed by rule id.
type rawRule struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Scope       models.Scope     `yaml:"scope"`
	Condition   models.Condition `yaml:"condition"`
	Severity    string           `yaml:"severity"`
	Rearm       string           `yaml:"rearm"`
	Message     string           `yaml:"message"`
	Disabled    bool             `yaml:"disabled"`
}

// rawGroup is one entry of a groups file, keyed by group id.
type rawGroup struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Kind        string           `yaml:"kind"`
	Criteria    *models.Criteria `yaml:"criteria"`
	Devices     []string         `yaml:"devices"`
}

// rawCheck is one entry of a compliance file, keyed by check id.
type rawCheck struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Rule        string       `yaml:"rule"`
	Scope       models.Scope `yaml:"scope"`
	Schedule    string       `yaml:"schedule"`
	Enabled     *bool        `yaml:"enabled"` // default true
}
