// Package trapreceiver listens for SNMP traps and informs on UDP and turns
// the well-known ones into alerts.
//
//	UDP :162 → [Receiver] → chan models.SNMPTrap → [Mapper] → alerts.Store
//	                                                   └──→ TrapSink (journal, NATS)
//
// Socket handling uses gosnmp's TrapListener; protocol parsing lives in
// snmp/trap.
package trapreceiver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
	snmptrap "github.com/vpbank/netwatch/snmp/trap"
)

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config controls the Receiver.
type Config struct {
	// ListenAddr is the UDP address to bind (default ":162").
	ListenAddr string

	// OutputBufferSize is the capacity of the output channel (default 1024).
	OutputBufferSize int

	// Community filters v1/v2c traps. Empty accepts any community.
	Community string

	// SNMPVersion defaults to gosnmp.Version2c.
	SNMPVersion gosnmp.SnmpVersion

	// CloseTimeout bounds the socket shutdown (default 3s).
	CloseTimeout time.Duration

	// ParseFunc replaces snmp/trap.Parse.
	ParseFunc ParseFunc
}

// ParseFunc converts one received packet.
type ParseFunc func(pkt *gosnmp.SnmpPacket, addr *net.UDPAddr) (models.SNMPTrap, error)

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":162"
	}
	if c.OutputBufferSize <= 0 {
		c.OutputBufferSize = 1024
	}
	if c.SNMPVersion == 0 {
		c.SNMPVersion = gosnmp.Version2c
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = 3 * time.Second
	}
	if c.ParseFunc == nil {
		c.ParseFunc = snmptrap.Parse
	}
	return c
}

// ─────────────────────────────────────────────────────────────────────────────
// Receiver
// ─────────────────────────────────────────────────────────────────────────────

// Receiver delivers parsed traps on Output until it is stopped.
type Receiver struct {
	cfg    Config
	logger *zerolog.Logger

	output   chan models.SNMPTrap
	listener *gosnmp.TrapListener

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Receiver. It does not bind until Start.
func New(cfg Config, log *zerolog.Logger) *Receiver {
	c := cfg.withDefaults()
	return &Receiver{
		cfg:    c,
		logger: logger.OrNop(log),
		output: make(chan models.SNMPTrap, c.OutputBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Output is closed after Stop returns.
func (r *Receiver) Output() <-chan models.SNMPTrap { return r.output }

// ListenAddr returns the configured bind address.
func (r *Receiver) ListenAddr() string { return r.cfg.ListenAddr }

// Start binds the socket and returns once the listener is ready, on a bind
// error, or when ctx is cancelled first. Cancelling ctx later stops the
// receiver.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("trapreceiver: already running")
	}
	r.running = true
	r.mu.Unlock()

	tl := gosnmp.NewTrapListener()
	tl.Params = &gosnmp.GoSNMP{
		Version:   r.cfg.SNMPVersion,
		Community: r.cfg.Community,
		Logger:    gosnmp.NewLogger(gosnmpLogger{r.logger}),
	}
	tl.CloseTimeout = r.cfg.CloseTimeout
	tl.OnNewTrap = r.handle
	r.listener = tl

	errCh := make(chan error, 1)
	go func() {
		defer close(r.doneCh)
		errCh <- tl.Listen(r.cfg.ListenAddr)
	}()

	select {
	case <-tl.Listening():
		r.logger.Info().Str("addr", r.cfg.ListenAddr).Msg("trapreceiver: listening")
	case err := <-errCh:
		r.setStopped()
		return fmt.Errorf("trapreceiver: listen %s: %w", r.cfg.ListenAddr, err)
	case <-ctx.Done():
		tl.Close()
		r.setStopped()
		return ctx.Err()
	}

	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-r.stopCh:
		}
	}()
	return nil
}

// Stop closes the socket and then the output channel. Safe to call twice.
func (r *Receiver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false

	r.listener.Close()
	close(r.stopCh)
	<-r.doneCh
	close(r.output)
	r.logger.Info().Msg("trapreceiver: stopped")
}

func (r *Receiver) setStopped() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// handle runs on gosnmp's listener goroutine and must not block.
func (r *Receiver) handle(pkt *gosnmp.SnmpPacket, addr *net.UDPAddr) {
	t, err := r.cfg.ParseFunc(pkt, addr)
	if err != nil {
		r.logger.Warn().Err(err).Stringer("remote", addr).Msg("trapreceiver: parse error")
		return
	}
	select {
	case r.output <- t:
	default:
		r.logger.Warn().Stringer("remote", addr).Str("trap_oid", t.TrapInfo.TrapOID).
			Msg("trapreceiver: output buffer full, trap dropped")
	}
}

// gosnmpLogger routes gosnmp's Printf-style output to debug level.
type gosnmpLogger struct{ l *zerolog.Logger }

func (a gosnmpLogger) Print(v ...interface{}) { a.l.Debug().Msg(fmt.Sprint(v...)) }

func (a gosnmpLogger) Printf(format string, v ...interface{}) { a.l.Debug().Msgf(format, v...) }
