// Package config loads the YAML configuration trees of netwatch.
//
// Six directory trees are read, each walked recursively for *.yml / *.yaml:
//
//	defaults/     → Defaults (connection profile, SNMP OID table, SSH commands)
//	credentials/  → Credentials map, referenced by name from profiles
//	devices/      → Devices seeded into the registry
//	groups/       → DeviceGroups (static or dynamic)
//	rules/        → Rules
//	compliance/   → ComplianceChecks
//
// Every file maps ids to entries. Problems from every file are accumulated and
// returned together so operators see all of them at once; a missing directory
// simply leaves that section empty.
package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
)

// Hard-coded fallbacks applied after defaults.
const (
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 5 * time.Second
	DefaultSNMPPort = 161
	DefaultSSHPort  = 22
)

// ─────────────────────────────────────────────────────────────────────────────
// Paths
// ─────────────────────────────────────────────────────────────────────────────

// Paths holds the directory of every configuration tree.
type Paths struct {
	Defaults    string // NETWATCH_DEFAULTS_DIR
	Credentials string // NETWATCH_CREDENTIALS_DIR
	Devices     string // NETWATCH_DEVICES_DIR
	Groups      string // NETWATCH_GROUPS_DIR
	Rules       string // NETWATCH_RULES_DIR
	Compliance  string // NETWATCH_COMPLIANCE_DIR
}

// PathsUnder returns the conventional layout below root.
func PathsUnder(root string) Paths {
	return Paths{
		Defaults:    filepath.Join(root, "defaults"),
		Credentials: filepath.Join(root, "credentials"),
		Devices:     filepath.Join(root, "devices"),
		Groups:      filepath.Join(root, "groups"),
		Rules:       filepath.Join(root, "rules"),
		Compliance:  filepath.Join(root, "compliance"),
	}
}

// PathsFromEnv starts from PathsUnder(root) and lets each tree be moved by
// its environment variable.
func PathsFromEnv(root string) Paths {
	p := PathsUnder(root)
	return Paths{
		Defaults:    envOr("NETWATCH_DEFAULTS_DIR", p.Defaults),
		Credentials: envOr("NETWATCH_CREDENTIALS_DIR", p.Credentials),
		Devices:     envOr("NETWATCH_DEVICES_DIR", p.Devices),
		Groups:      envOr("NETWATCH_GROUPS_DIR", p.Groups),
		Rules:       envOr("NETWATCH_RULES_DIR", p.Rules),
		Compliance:  envOr("NETWATCH_COMPLIANCE_DIR", p.Compliance),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ─────────────────────────────────────────────────────────────────────────────
// LoadedConfig
// ─────────────────────────────────────────────────────────────────────────────

// LoadedConfig is the parsed and cross-checked content of all trees. Slices
// are sorted by id.
type LoadedConfig struct {
	Defaults    Defaults
	Credentials map[string]models.Credentials
	Devices     []models.Device
	Groups      []models.DeviceGroup
	Rules       []models.Rule
	Checks      []models.ComplianceCheck
}

// loader accumulates problems while the trees are read.
type loader struct {
	logger *zerolog.Logger
	errs   []string
}

func (l *loader) errorf(format string, args ...any) {
	l.errs = append(l.errs, fmt.Sprintf(format, args...))
}

// ─────────────────────────────────────────────────────────────────────────────
// Load
// ─────────────────────────────────────────────────────────────────────────────

// Load reads every tree in paths and returns the resolved configuration, or
// one error listing every problem found.
func Load(paths Paths, log *zerolog.Logger) (*LoadedConfig, error) {
	l := &loader{logger: logger.OrNop(log)}

	// 1. Defaults ────────────────────────────────────────────────────────────
	defaults := l.loadDefaults(paths.Defaults)

	// 2. Credentials ─────────────────────────────────────────────────────────
	creds := make(map[string]models.Credentials)
	forEachEntry(l, paths.Credentials, "credentials", func(path, name string, c models.Credentials) {
		if _, dup := creds[name]; dup {
			l.errorf("%s: credentials %q defined twice", path, name)
			return
		}
		creds[name] = c
	})

	// 3. Devices ─────────────────────────────────────────────────────────────
	devices := make(map[string]models.Device)
	forEachEntry(l, paths.Devices, "devices", func(path, id string, raw rawDevice) {
		if _, dup := devices[id]; dup {
			l.errorf("%s: device %q defined twice", path, id)
			return
		}
		d, err := resolveDevice(id, raw, defaults.Profile)
		if err != nil {
			l.errorf("%s: device %q: %v", path, id, err)
			return
		}
		if ref := d.Profile.CredentialRef; ref != "" {
			if _, ok := creds[ref]; !ok {
				l.errorf("%s: device %q: unknown credentials %q", path, id, ref)
				return
			}
		}
		devices[id] = d
	})

	// 4. Groups ──────────────────────────────────────────────────────────────
	groups := make(map[string]models.DeviceGroup)
	forEachEntry(l, paths.Groups, "groups", func(path, id string, raw rawGroup) {
		if _, dup := groups[id]; dup {
			l.errorf("%s: group %q defined twice", path, id)
			return
		}
		g, err := resolveGroup(id, raw, devices)
		if err != nil {
			l.errorf("%s: group %q: %v", path, id, err)
			return
		}
		groups[id] = g
	})

	// 5. Rules ───────────────────────────────────────────────────────────────
	rules := make(map[string]models.Rule)
	forEachEntry(l, paths.Rules, "rules", func(path, id string, raw rawRule) {
		if _, dup := rules[id]; dup {
			l.errorf("%s: rule %q defined twice", path, id)
			return
		}
		r, err := resolveRule(id, raw, groups)
		if err != nil {
			l.errorf("%s: rule %q: %v", path, id, err)
			return
		}
		rules[id] = r
	})

	// 6. Compliance checks ───────────────────────────────────────────────────
	checks := make(map[string]models.ComplianceCheck)
	forEachEntry(l, paths.Compliance, "compliance", func(path, id string, raw rawCheck) {
		if _, dup := checks[id]; dup {
			l.errorf("%s: compliance check %q defined twice", path, id)
			return
		}
		c, err := resolveCheck(id, raw, rules, groups)
		if err != nil {
			l.errorf("%s: compliance check %q: %v", path, id, err)
			return
		}
		checks[id] = c
	})

	if len(l.errs) > 0 {
		return nil, fmt.Errorf("config: %d error(s):\n  %s", len(l.errs), strings.Join(l.errs, "\n  "))
	}

	cfg := &LoadedConfig{
		Defaults:    defaults,
		Credentials: creds,
		Devices:     sortedValues(devices),
		Groups:      sortedValues(groups),
		Rules:       sortedValues(rules),
		Checks:      sortedValues(checks),
	}
	l.logger.Info().
		Int("devices", len(cfg.Devices)).
		Int("credentials", len(cfg.Credentials)).
		Int("groups", len(cfg.Groups)).
		Int("rules", len(cfg.Rules)).
		Int("checks", len(cfg.Checks)).
		Msg("config: loaded")
	return cfg, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Defaults
// ─────────────────────────────────────────────────────────────────────────────

func (l *loader) loadDefaults(dir string) Defaults {
	var merged Defaults
	files, ok := l.list(dir, "defaults")
	if !ok {
		return merged
	}
	for _, path := range files {
		var raw rawDefaults
		if err := decodeFile(path, &raw); err != nil {
			l.errorf("%s: %v", path, err)
			continue
		}
		p, err := parseProfile(raw.Default)
		if err != nil {
			l.errorf("%s: default: %v", path, err)
			continue
		}
		merged.Profile = mergeProfile(merged.Profile, p)
		if len(merged.SNMPMetrics) == 0 {
			merged.SNMPMetrics = raw.SNMP.Metrics
		}
		if merged.SSHConfigCommand == "" {
			merged.SSHConfigCommand = raw.SSH.ConfigCommand
		}
		if len(merged.SSHCommands) == 0 {
			merged.SSHCommands = raw.SSH.Commands
		}
		l.logger.Debug().Str("file", path).Msg("config: loaded defaults")
	}
	for i, m := range merged.SNMPMetrics {
		if m.Name == "" || m.OID == "" {
			l.errorf("defaults: snmp metric %d: name and oid are required", i)
		}
		switch m.Kind {
		case "", models.KindGauge, models.KindCounter:
		default:
			l.errorf("defaults: snmp metric %q: unknown kind %q", m.Name, m.Kind)
		}
	}
	return merged
}

// mergeProfile fills zero fields in dst from src. Earlier files win.
func mergeProfile(dst, src models.ConnectionProfile) models.ConnectionProfile {
	if dst.Protocol == "" {
		dst.Protocol = src.Protocol
	}
	if dst.Port == 0 {
		dst.Port = src.Port
	}
	if dst.CredentialRef == "" {
		dst.CredentialRef = src.CredentialRef
	}
	if dst.Interval == 0 {
		dst.Interval = src.Interval
	}
	if dst.Timeout == 0 {
		dst.Timeout = src.Timeout
	}
	return dst
}

// ─────────────────────────────────────────────────────────────────────────────
// Resolution
// ─────────────────────────────────────────────────────────────────────────────

func parseProfile(r rawProfile) (models.ConnectionProfile, error) {
	p := models.ConnectionProfile{
		Protocol:      models.Protocol(strings.ToLower(r.Protocol)),
		Address:       r.Address,
		Port:          r.Port,
		CredentialRef: r.Credential,
	}
	switch p.Protocol {
	case "", models.ProtocolSNMP, models.ProtocolSSH:
	default:
		return p, fmt.Errorf("unknown protocol %q (expected snmp|ssh)", r.Protocol)
	}
	var err error
	if p.Interval, err = parseDuration("interval", r.Interval); err != nil {
		return p, err
	}
	if p.Timeout, err = parseDuration("timeout", r.Timeout); err != nil {
		return p, err
	}
	return p, nil
}

// resolveDevice merges a raw entry with defaults and the hard-coded
// fallbacks.
func resolveDevice(id string, raw rawDevice, defaults models.ConnectionProfile) (models.Device, error) {
	if raw.IP == "" {
		return models.Device{}, fmt.Errorf("ip is required")
	}
	p, err := parseProfile(raw.rawProfile)
	if err != nil {
		return models.Device{}, err
	}
	p = mergeProfile(p, defaults)
	if p.Protocol == "" {
		p.Protocol = models.ProtocolSNMP
	}
	if p.Port == 0 {
		p.Port = DefaultSNMPPort
		if p.Protocol == models.ProtocolSSH {
			p.Port = DefaultSSHPort
		}
	}
	if p.Interval == 0 {
		p.Interval = DefaultInterval
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}

	name := raw.Name
	if name == "" {
		name = id
	}
	return models.Device{
		ID:       id,
		Name:     name,
		IP:       raw.IP,
		Type:     raw.Type,
		Model:    raw.Model,
		Version:  raw.Version,
		Location: raw.Location,
		Tags:     raw.Tags,
		Profile:  p,
		Status:   models.StatusUnknown,
	}, nil
}

func resolveGroup(id string, raw rawGroup, devices map[string]models.Device) (models.DeviceGroup, error) {
	g := models.DeviceGroup{ID: id, Name: raw.Name, Description: raw.Description}
	if g.Name == "" {
		g.Name = id
	}
	switch strings.ToLower(raw.Kind) {
	case "", "static", "manual":
		g.Kind = models.GroupStatic
	case "dynamic", "auto":
		g.Kind = models.GroupDynamic
	default:
		return g, fmt.Errorf("unknown kind %q (expected static|dynamic)", raw.Kind)
	}

	if g.Kind == models.GroupStatic {
		if raw.Criteria != nil {
			return g, fmt.Errorf("static groups take devices, not criteria")
		}
		for _, d := range raw.Devices {
			if _, ok := devices[d]; !ok {
				return g, fmt.Errorf("unknown device %q", d)
			}
		}
		g.DeviceIDs = raw.Devices
		return g, nil
	}

	if raw.Criteria == nil {
		return g, fmt.Errorf("dynamic groups need criteria")
	}
	if len(raw.Devices) > 0 {
		return g, fmt.Errorf("dynamic group membership is derived; remove devices")
	}
	if err := checkCriteria(*raw.Criteria); err != nil {
		return g, err
	}
	c := *raw.Criteria
	g.Criteria = &c
	return g, nil
}

func checkCriteria(c models.Criteria) error {
	known := false
	for _, f := range models.DeviceFields {
		if c.Field == f {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("criteria: unknown field %q", c.Field)
	}
	switch c.Operator {
	case models.OpEquals, models.OpContains, models.OpStartsWith:
	case models.OpRegex:
		if _, err := regexp.Compile(c.Value); err != nil {
			return fmt.Errorf("criteria: %w", err)
		}
	default:
		return fmt.Errorf("criteria: unknown operator %q", c.Operator)
	}
	return nil
}

func resolveRule(id string, raw rawRule, groups map[string]models.DeviceGroup) (models.Rule, error) {
	r := models.Rule{
		ID:          id,
		Name:        raw.Name,
		Description: raw.Description,
		Scope:       raw.Scope,
		Condition:   raw.Condition,
		Severity:    models.Severity(strings.ToLower(raw.Severity)),
		Rearm:       models.Rearm(strings.ToLower(raw.Rearm)),
		Message:     raw.Message,
		Disabled:    raw.Disabled,
	}
	if r.Name == "" {
		r.Name = id
	}
	if r.Severity == "" {
		r.Severity = models.SeverityWarning
	}
	if r.Rearm == "" {
		r.Rearm = models.RearmEdge
	}
	if r.Condition.Kind == "" {
		r.Condition.Kind = models.ConditionMetric
		if r.Condition.Pattern != "" {
			r.Condition.Kind = models.ConditionConfig
		}
	}
	if r.Condition.Kind == models.ConditionConfig && r.Condition.Mode == "" {
		r.Condition.Mode = models.ConfigRequire
	}
	if err := r.Validate(); err != nil {
		return r, err
	}
	if r.Condition.Kind == models.ConditionConfig {
		if _, err := regexp.Compile("(?m)" + r.Condition.Pattern); err != nil {
			return r, fmt.Errorf("condition.pattern: %w", err)
		}
	}
	if g := r.Scope.GroupID; g != "" {
		if _, ok := groups[g]; !ok {
			return r, fmt.Errorf("scope: unknown group %q", g)
		}
	}
	return r, nil
}

func resolveCheck(id string, raw rawCheck, rules map[string]models.Rule, groups map[string]models.DeviceGroup) (models.ComplianceCheck, error) {
	c := models.ComplianceCheck{
		ID:          id,
		Name:        raw.Name,
		Description: raw.Description,
		RuleID:      raw.Rule,
		Scope:       raw.Scope,
		Schedule:    raw.Schedule,
		Disabled:    raw.Enabled != nil && !*raw.Enabled,
		Status:      models.CompliancePending,
	}
	if c.Name == "" {
		c.Name = id
	}
	if c.RuleID == "" {
		return c, fmt.Errorf("rule is required")
	}
	if _, ok := rules[c.RuleID]; !ok {
		return c, fmt.Errorf("unknown rule %q", c.RuleID)
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return c, fmt.Errorf("schedule: %w", err)
		}
	}
	if g := c.Scope.GroupID; g != "" {
		if _, ok := groups[g]; !ok {
			return c, fmt.Errorf("scope: unknown group %q", g)
		}
	}
	return c, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// forEachEntry decodes every file under dir as map[id]T and calls fn for each
// entry in id order.
func forEachEntry[T any](l *loader, dir, section string, fn func(path, id string, v T)) {
	files, ok := l.list(dir, section)
	if !ok {
		return
	}
	for _, path := range files {
		var raw map[string]T
		if err := decodeFile(path, &raw); err != nil {
			l.errorf("%s: %v", path, err)
			continue
		}
		ids := make([]string, 0, len(raw))
		for id := range raw {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fn(path, id, raw[id])
		}
		l.logger.Debug().Str("file", path).Int("count", len(raw)).Msgf("config: loaded %s file", section)
	}
}

// list returns the YAML files of dir. ok is false when there is nothing to
// read; a missing directory is not an error.
func (l *loader) list(dir, section string) ([]string, bool) {
	if dir == "" {
		return nil, false
	}
	files, err := yamlFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false
		}
		l.errorf("list %s dir %q: %v", section, dir, err)
		return nil, false
	}
	return files, true
}

// yamlFiles returns all *.yml / *.yaml files under dir, sorted by path.
func yamlFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".yml" || ext == ".yaml" {
			paths = append(paths, p)
		}
		return nil
	})
	return paths, err
}

// decodeFile opens path and unmarshals the YAML content into out. An empty
// file decodes to the zero value.
func decodeFile(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

func sortedValues[T any](m map[string]T) []T {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]T, 0, len(m))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
