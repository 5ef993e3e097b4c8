package trapreceiver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
	snmptrap "github.com/vpbank/netwatch/snmp/trap"
)

// DeviceLookup resolves a trap's source address to a registered device.
type DeviceLookup interface {
	FindByIP(ip string) (models.Device, bool)
}

// AlertRaiser is the subset of alerts.Store the Mapper drives.
type AlertRaiser interface {
	RaiseTrap(ctx context.Context, deviceID, key string, sev models.Severity, message string) (models.Alert, error)
	ResolveFor(ctx context.Context, deviceID, key string, res models.Resolution) (models.Alert, bool)
}

// TrapSink receives every trap from a known device, mapped or not.
type TrapSink interface {
	OnTrap(deviceID string, t models.SNMPTrap)
}

// MapperOptions tunes link-flap detection.
type MapperOptions struct {
	// FlapThreshold linkDown traps for one interface within FlapWindow raise
	// a flapping alert (defaults 3 and 5m).
	FlapThreshold int
	FlapWindow    time.Duration

	Now func() time.Time
}

// Mapper turns well-known traps into alerts:
//
//	linkDown              raise   trap:linkDown:<ifIndex>   critical
//	linkUp                resolve trap:linkDown:<ifIndex>
//	coldStart, warmStart  raise   trap:coldStart            warning
//	authenticationFailure raise   trap:authenticationFailure warning
//
// Repeated linkDown traps additionally raise trap:linkFlap:<ifIndex>.
// Traps from unregistered sources are dropped.
type Mapper struct {
	devices DeviceLookup
	alerts  AlertRaiser
	opts    MapperOptions
	logger  *zerolog.Logger

	mu    sync.Mutex
	sinks []TrapSink
	downs map[string][]time.Time // "<device>/<ifIndex>" → recent linkDown times
}

// NewMapper creates a Mapper.
func NewMapper(devices DeviceLookup, alerts AlertRaiser, opts MapperOptions, log *zerolog.Logger) *Mapper {
	if opts.FlapThreshold <= 0 {
		opts.FlapThreshold = 3
	}
	if opts.FlapWindow <= 0 {
		opts.FlapWindow = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Mapper{
		devices: devices,
		alerts:  alerts,
		opts:    opts,
		logger:  logger.OrNop(log),
		downs:   make(map[string][]time.Time),
	}
}

// AddSink registers a TrapSink. Call before Run.
func (m *Mapper) AddSink(s TrapSink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

// Run handles traps until in is closed or ctx is done.
func (m *Mapper) Run(ctx context.Context, in <-chan models.SNMPTrap) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-in:
			if !ok {
				return
			}
			m.Handle(ctx, t)
		}
	}
}

// Handle processes one trap.
func (m *Mapper) Handle(ctx context.Context, t models.SNMPTrap) {
	dev, ok := m.devices.FindByIP(t.SourceIP)
	if !ok {
		m.logger.Warn().Str("source", t.SourceIP).Str("trap_oid", t.TrapInfo.TrapOID).
			Msg("trapreceiver: trap from unknown device dropped")
		return
	}

	m.mu.Lock()
	sinks := m.sinks
	m.mu.Unlock()
	for _, s := range sinks {
		s.OnTrap(dev.ID, t)
	}

	switch t.TrapInfo.TrapName {
	case snmptrap.LinkDown:
		idx, _ := snmptrap.IfIndex(t)
		m.raise(ctx, dev, linkDownKey(idx), models.SeverityCritical, fmt.Sprintf("Interface down (ifIndex %d)", idx))
		if m.flapping(dev.ID, idx) {
			m.raise(ctx, dev, fmt.Sprintf("trap:linkFlap:%d", idx), models.SeverityWarning,
				fmt.Sprintf("Link flapping detected (ifIndex %d)", idx))
		}
	case snmptrap.LinkUp:
		idx, _ := snmptrap.IfIndex(t)
		if a, ok := m.alerts.ResolveFor(ctx, dev.ID, linkDownKey(idx), models.ResolutionCleared); ok {
			m.logger.Info().Str("device", dev.ID).Str("alert", a.ID).Int("if_index", idx).
				Msg("trapreceiver: link restored")
		}
	case snmptrap.ColdStart, snmptrap.WarmStart:
		m.raise(ctx, dev, "trap:coldStart", models.SeverityWarning, "Device restarted ("+t.TrapInfo.TrapName+")")
	case snmptrap.AuthenticationFailure:
		m.raise(ctx, dev, "trap:authenticationFailure", models.SeverityWarning, "SNMP authentication failure")
	default:
		m.logger.Debug().Str("device", dev.ID).Str("trap_oid", t.TrapInfo.TrapOID).Msg("trapreceiver: unmapped trap")
	}
}

func (m *Mapper) raise(ctx context.Context, dev models.Device, key string, sev models.Severity, msg string) {
	_, err := m.alerts.RaiseTrap(ctx, dev.ID, key, sev, msg)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNotFound):
		m.logger.Debug().Str("device", dev.ID).Str("key", key).Msg("trapreceiver: device removed, trap dropped")
	default:
		m.logger.Error().Err(err).Str("device", dev.ID).Str("key", key).Msg("trapreceiver: raise failed")
	}
}

// flapping records a linkDown and reports whether the window now holds
// FlapThreshold of them.
func (m *Mapper) flapping(deviceID string, idx int) bool {
	now := m.opts.Now()
	k := fmt.Sprintf("%s/%d", deviceID, idx)

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.downs[k][:0]
	for _, ts := range m.downs[k] {
		if now.Sub(ts) < m.opts.FlapWindow {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	m.downs[k] = kept
	return len(kept) >= m.opts.FlapThreshold
}

// ForgetDevice drops flap history for a removed device.
func (m *Mapper) ForgetDevice(deviceID string) {
	prefix := deviceID + "/"
	m.mu.Lock()
	for k := range m.downs {
		if strings.HasPrefix(k, prefix) {
			delete(m.downs, k)
		}
	}
	m.mu.Unlock()
}

func linkDownKey(idx int) string { return fmt.Sprintf("trap:linkDown:%d", idx) }
