// Package metrics turns raw collector output into immutable MetricSnapshots.
//
// Gauges are copied as-is. Counters become per-second rates under the same
// metric name once a previous sample exists; the first sample of a counter
// yields no value. Interface states are summarised into interfaces.total,
// interfaces.up and interfaces.down, and the collection time is recorded as
// poll.duration_ms.
package metrics

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
)

// Config holds constructor options for Producer.
type Config struct {
	// RawCounters keeps cumulative totals instead of converting them to rates.
	RawCounters bool

	// Now stamps snapshots whose raw metrics carry no collection time.
	Now func() time.Time
}

// Producer builds snapshots. It is safe for concurrent use; the only mutable
// state is the CounterState.
type Producer struct {
	cfg      Config
	counters *CounterState
	logger   *zerolog.Logger
}

// New constructs a Producer.
func New(cfg Config, log *zerolog.Logger) *Producer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Producer{cfg: cfg, counters: NewCounterState(), logger: logger.OrNop(log)}
}

// Build assembles the snapshot for one successful poll of deviceID.
func (p *Producer) Build(deviceID string, raw models.RawMetrics) *models.MetricSnapshot {
	ts := raw.CollectedAt
	if ts.IsZero() {
		ts = p.cfg.Now()
	}

	values := make(map[string]float64, len(raw.Gauges)+len(raw.Counters)+4)
	for name, v := range raw.Gauges {
		values[name] = v
	}

	for name, total := range raw.Counters {
		if p.cfg.RawCounters {
			values[name] = float64(total)
			continue
		}
		d := p.counters.Delta(CounterKey{Device: deviceID, Metric: name}, total, ts)
		if d.Valid {
			values[name] = d.Rate()
		}
	}

	var ifaces []models.InterfaceState
	if len(raw.Interfaces) > 0 {
		ifaces = make([]models.InterfaceState, len(raw.Interfaces))
		copy(ifaces, raw.Interfaces)
		sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Index < ifaces[j].Index })

		up := 0
		for _, ifc := range ifaces {
			if ifc.Up {
				up++
			}
		}
		values[models.MetricInterfaces] = float64(len(ifaces))
		values[models.MetricInterfacesUp] = float64(up)
		values[models.MetricInterfacesDown] = float64(len(ifaces) - up)
	}

	if raw.Duration > 0 {
		values[models.MetricPollDuration] = float64(raw.Duration.Milliseconds())
	}

	p.logger.Debug().
		Str("device", deviceID).
		Int("values", len(values)).
		Int("interfaces", len(ifaces)).
		Msg("producer: snapshot built")

	return &models.MetricSnapshot{
		DeviceID:   deviceID,
		Timestamp:  ts,
		Values:     values,
		Interfaces: ifaces,
		Config:     raw.Config,
	}
}

// ForgetDevice drops the counter samples of a deregistered device.
func (p *Producer) ForgetDevice(id string) {
	if n := p.counters.ForgetDevice(id); n > 0 {
		p.logger.Debug().Str("device", id).Int("series", n).Msg("producer: counter state dropped")
	}
}

// Purge drops counter samples not refreshed within maxAge.
func (p *Producer) Purge(maxAge time.Duration) int {
	return p.counters.Purge(maxAge, p.cfg.Now())
}
