package poller

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
	"github.com/vpbank/netwatch/snmp/decoder"
)

// IF-MIB columns walked on every SNMP poll.
const (
	oidIfDescr      = ".1.3.6.1.2.1.2.2.1.2"
	oidIfOperStatus = ".1.3.6.1.2.1.2.2.1.8"
)

// DefaultOIDMetrics is used when no metric table is configured: uptime from
// SNMPv2-MIB, 5-minute CPU from CISCO-PROCESS-MIB and memory as the share of
// the first hrStorage entry in use.
var DefaultOIDMetrics = []models.OIDMetric{
	{Name: models.MetricUptime, OID: ".1.3.6.1.2.1.1.3.0", Kind: models.KindGauge, Scale: 0.01},
	{Name: models.MetricCPU, OID: ".1.3.6.1.4.1.9.9.109.1.1.1.1.8.1", Kind: models.KindGauge},
	{Name: models.MetricMemory, OID: ".1.3.6.1.2.1.25.2.3.1.6.1", Kind: models.KindGauge, PercentOf: ".1.3.6.1.2.1.25.2.3.1.5.1"},
}

// ─────────────────────────────────────────────────────────────────────────────
// SNMPCollector
// ─────────────────────────────────────────────────────────────────────────────

// SNMPCollector GETs a metric→OID table and walks ifOperStatus/ifDescr for
// per-interface state. Sessions come from a SessionPool.
type SNMPCollector struct {
	pool    *SessionPool
	creds   CredentialSource
	metrics []models.OIDMetric
	logger  *zerolog.Logger
}

// NewSNMPCollector creates a collector. An empty metrics table selects
// DefaultOIDMetrics.
func NewSNMPCollector(pool *SessionPool, creds CredentialSource, metrics []models.OIDMetric, log *zerolog.Logger) *SNMPCollector {
	if len(metrics) == 0 {
		metrics = DefaultOIDMetrics
	}
	return &SNMPCollector{pool: pool, creds: creds, metrics: metrics, logger: logger.OrNop(log)}
}

// Collect implements Collector.
func (c *SNMPCollector) Collect(ctx context.Context, profile models.ConnectionProfile) (models.RawMetrics, error) {
	var raw models.RawMetrics
	started := time.Now()

	cred, err := lookupCredentials(c.creds, profile)
	if err != nil {
		return raw, err
	}
	conn, err := c.pool.Get(profile, cred)
	if err != nil {
		return raw, classify(ctx, profile.Address, models.CollectorUnreachable, err)
	}

	conn.Context = ctx
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 && left < conn.Timeout {
			conn.Timeout = left
		}
	}

	raw, err = c.poll(conn)
	if err != nil {
		c.pool.Discard(conn)
		return models.RawMetrics{}, classify(ctx, profile.Address, models.CollectorProtocolError, err)
	}
	conn.Context = context.Background()
	c.pool.Put(profile, conn)

	raw.CollectedAt = time.Now()
	raw.Duration = raw.CollectedAt.Sub(started)

	c.logger.Debug().
		Str("target", profile.Address).
		Int("gauges", len(raw.Gauges)).
		Int("counters", len(raw.Counters)).
		Int("interfaces", len(raw.Interfaces)).
		Dur("duration", raw.Duration).
		Msg("poller: snmp collect completed")
	return raw, nil
}

func (c *SNMPCollector) poll(conn *gosnmp.GoSNMP) (models.RawMetrics, error) {
	raw := models.RawMetrics{
		Gauges:   make(map[string]float64),
		Counters: make(map[string]uint64),
	}

	values, err := c.get(conn)
	if err != nil {
		return raw, err
	}
	for _, m := range c.metrics {
		pdu, ok := values[decoder.NormaliseOID(m.OID)]
		if !ok {
			continue
		}
		if m.Kind == models.KindCounter || (m.Kind == "" && decoder.IsCounter(pdu.Type)) {
			if v, err := decoder.Counter(pdu); err == nil {
				raw.Counters[m.Name] = v
			}
			continue
		}
		v, err := decoder.Float(pdu)
		if err != nil {
			continue
		}
		if m.Scale != 0 {
			v *= m.Scale
		}
		if m.PercentOf != "" {
			total, ok := values[decoder.NormaliseOID(m.PercentOf)]
			if !ok {
				continue
			}
			t, err := decoder.Float(total)
			if err != nil || t == 0 {
				continue
			}
			v = 100 * v / t
		}
		raw.Gauges[m.Name] = v
	}

	raw.Interfaces, err = c.interfaces(conn)
	return raw, err
}

// get performs the scalar GETs in MaxOids-sized batches and indexes the
// answers by normalised OID. Missing objects are dropped here.
func (c *SNMPCollector) get(conn *gosnmp.GoSNMP) (map[string]gosnmp.SnmpPDU, error) {
	oids := make([]string, 0, len(c.metrics))
	seen := make(map[string]bool)
	add := func(oid string) {
		if oid != "" && !seen[oid] {
			seen[oid] = true
			oids = append(oids, oid)
		}
	}
	for _, m := range c.metrics {
		add(m.OID)
		add(m.PercentOf)
	}

	maxOids := conn.MaxOids
	if maxOids <= 0 {
		maxOids = gosnmp.MaxOids
	}

	out := make(map[string]gosnmp.SnmpPDU, len(oids))
	for i := 0; i < len(oids); i += maxOids {
		end := min(i+maxOids, len(oids))
		pkt, err := conn.Get(oids[i:end])
		if err != nil {
			return nil, err
		}
		if pkt.Error != gosnmp.NoError {
			return nil, fmt.Errorf("snmp get: error status %v at index %d", pkt.Error, pkt.ErrorIndex)
		}
		for _, pdu := range pkt.Variables {
			if decoder.IsErrorType(pdu.Type) {
				continue
			}
			out[decoder.NormaliseOID(pdu.Name)] = pdu
		}
	}
	return out, nil
}

// interfaces walks ifOperStatus and ifDescr. SNMPv1 agents do not support
// GETBULK, so they are walked with GETNEXT.
func (c *SNMPCollector) interfaces(conn *gosnmp.GoSNMP) ([]models.InterfaceState, error) {
	walk := conn.BulkWalkAll
	if conn.Version == gosnmp.Version1 {
		walk = conn.WalkAll
	}

	status, err := walk(oidIfOperStatus)
	if err != nil {
		return nil, fmt.Errorf("walk ifOperStatus: %w", err)
	}
	if len(status) == 0 {
		return nil, nil
	}
	descr, err := walk(oidIfDescr)
	if err != nil {
		return nil, fmt.Errorf("walk ifDescr: %w", err)
	}

	byIndex := make(map[int]*models.InterfaceState, len(status))
	for _, pdu := range status {
		idx, ok := decoder.RowIndex(pdu.Name, oidIfOperStatus)
		if !ok {
			continue
		}
		v, err := decoder.Float(pdu)
		if err != nil {
			continue
		}
		// ifOperStatus: 1 up, 2 down, 3 testing, ... Only 1 counts as up.
		byIndex[idx] = &models.InterfaceState{Index: idx, Up: v == 1}
	}
	for _, pdu := range descr {
		idx, ok := decoder.RowIndex(pdu.Name, oidIfDescr)
		if !ok {
			continue
		}
		if st, ok := byIndex[idx]; ok {
			st.Name = decoder.Text(pdu)
		}
	}

	out := make([]models.InterfaceState, 0, len(byIndex))
	for _, st := range byIndex {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}
