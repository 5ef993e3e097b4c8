// Package nats publishes netwatch output envelopes to a NATS server. Each
// record goes to <prefix>.<event_type>, e.g. netwatch.alert.raised or
// netwatch.snapshot, so subscribers can filter with netwatch.alert.>.
package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	fmtjson "github.com/vpbank/netwatch/format/json"
	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
)

// DefaultPrefix is the subject prefix when Config.Prefix is empty.
const DefaultPrefix = "netwatch"

// Conn is the part of *nats.Conn the Publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// Config for Connect.
type Config struct {
	URL    string
	Prefix string
	Name   string // client name shown by the server

	// Snapshots also publishes every poll snapshot.
	Snapshots bool
}

// Publisher is a pipeline sink. Publish errors are logged and dropped; the
// client buffers while reconnecting.
type Publisher struct {
	conn      Conn
	prefix    string
	snapshots bool
	format    *fmtjson.Formatter
	logger    *zerolog.Logger
}

// Connect dials cfg.URL with reconnect handlers that log through log.
func Connect(cfg Config, log *zerolog.Logger) (*Publisher, error) {
	l := logger.OrNop(log)
	name := cfg.Name
	if name == "" {
		name = "netwatch"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("nats: disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info().Str("url", nc.ConnectedUrl()).Msg("nats: reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			l.Error().Err(err).Msg("nats: async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", cfg.URL, err)
	}
	l.Info().Str("url", nc.ConnectedUrl()).Msg("nats: connected")
	return New(nc, cfg.Prefix, cfg.Snapshots, l), nil
}

// New wraps an existing connection.
func New(conn Conn, prefix string, snapshots bool, log *zerolog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	l := logger.OrNop(log)
	return &Publisher{
		conn:      conn,
		prefix:    prefix,
		snapshots: snapshots,
		format:    fmtjson.New(fmtjson.Config{}, l),
		logger:    l,
	}
}

// Subject returns the subject an envelope of eventType is published to.
func (p *Publisher) Subject(eventType string) string { return p.prefix + "." + eventType }

// OnSnapshot publishes a poll snapshot when enabled.
func (p *Publisher) OnSnapshot(dev models.Device, snap *models.MetricSnapshot) {
	if p.snapshots {
		p.publish(fmtjson.SnapshotEnvelope(dev, snap))
	}
}

// OnAlertEvent publishes an alert transition.
func (p *Publisher) OnAlertEvent(ev models.AlertEvent) { p.publish(fmtjson.AlertEnvelope(ev)) }

// OnComplianceEvent publishes a compliance run.
func (p *Publisher) OnComplianceEvent(ev models.ComplianceEvent) {
	p.publish(fmtjson.ComplianceEnvelope(ev))
}

// OnTrap publishes a trap from a registered device.
func (p *Publisher) OnTrap(deviceID string, t models.SNMPTrap) {
	p.publish(fmtjson.TrapEnvelope(deviceID, t))
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	err := p.conn.Drain()
	p.conn.Close()
	if err != nil {
		return fmt.Errorf("nats: drain: %w", err)
	}
	return nil
}

func (p *Publisher) publish(e fmtjson.Envelope) {
	data, err := p.format.Format(e)
	if err != nil {
		return
	}
	subj := p.Subject(e.Type)
	if err := p.conn.Publish(subj, data); err != nil {
		p.logger.Warn().Err(err).Str("subject", subj).Msg("nats: publish failed")
	}
}
