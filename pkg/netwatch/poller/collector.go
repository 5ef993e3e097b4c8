// Package poller implements the collection stage of netwatch. It defines the
// Collector contract, the SNMP (gosnmp) and SSH (x/crypto/ssh) collectors, a
// per-device SNMP session pool and the WorkerPool that runs collection tasks
// under the global concurrency limit.
//
//	Scheduler ──TrySubmit──▶ WorkerPool (K workers) ──▶ Mux ──▶ SNMPCollector / SSHCollector
//	    ▲                                                            │
//	    └──────────────────────── Task.Done(RawMetrics, error) ◀─────┘
package poller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/vpbank/netwatch/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Collector contract
// ─────────────────────────────────────────────────────────────────────────────

// Collector fetches raw metrics from one device over one protocol. The hard
// timeout is carried by ctx. Every error returned is a *models.CollectorError.
type Collector interface {
	Collect(ctx context.Context, profile models.ConnectionProfile) (models.RawMetrics, error)
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc func(ctx context.Context, profile models.ConnectionProfile) (models.RawMetrics, error)

// Collect calls f.
func (f CollectorFunc) Collect(ctx context.Context, profile models.ConnectionProfile) (models.RawMetrics, error) {
	return f(ctx, profile)
}

// Mux dispatches to a Collector by profile protocol.
type Mux struct {
	collectors map[models.Protocol]Collector
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{collectors: make(map[models.Protocol]Collector)}
}

// Handle registers c for protocol p. It is not safe to call after collection
// has started.
func (m *Mux) Handle(p models.Protocol, c Collector) {
	m.collectors[p] = c
}

// Collect implements Collector.
func (m *Mux) Collect(ctx context.Context, profile models.ConnectionProfile) (models.RawMetrics, error) {
	c, ok := m.collectors[profile.Protocol]
	if !ok {
		return models.RawMetrics{}, models.NewCollectorError(models.CollectorProtocolError, profile.Address,
			fmt.Errorf("no collector for protocol %q", profile.Protocol))
	}
	return c.Collect(ctx, profile)
}

// ─────────────────────────────────────────────────────────────────────────────
// Credentials
// ─────────────────────────────────────────────────────────────────────────────

// CredentialSource resolves a ConnectionProfile.CredentialRef.
type CredentialSource interface {
	Credentials(ref string) (models.Credentials, bool)
}

// CredentialSet is a static CredentialSource loaded from configuration.
type CredentialSet map[string]models.Credentials

// Credentials implements CredentialSource.
func (s CredentialSet) Credentials(ref string) (models.Credentials, bool) {
	c, ok := s[ref]
	return c, ok
}

func lookupCredentials(src CredentialSource, profile models.ConnectionProfile) (models.Credentials, error) {
	if profile.CredentialRef == "" {
		return models.Credentials{}, nil
	}
	if src == nil {
		return models.Credentials{}, models.NewCollectorError(models.CollectorAuthFailed, profile.Address,
			fmt.Errorf("credential %q: no credential source configured", profile.CredentialRef))
	}
	c, ok := src.Credentials(profile.CredentialRef)
	if !ok {
		return models.Credentials{}, models.NewCollectorError(models.CollectorAuthFailed, profile.Address,
			fmt.Errorf("credential %q not found", profile.CredentialRef))
	}
	return c, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Error classification
// ─────────────────────────────────────────────────────────────────────────────

// classify wraps err as a CollectorError. The context is checked first so a
// blown deadline is always reported as a timeout, whatever error the
// transport surfaced for it.
func classify(ctx context.Context, device string, fallback models.CollectorErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var ce *models.CollectorError
	if errors.As(err, &ce) {
		return err
	}
	kind := fallback
	msg := strings.ToLower(err.Error())

	var netErr net.Error
	var opErr *net.OpError
	switch {
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		kind = models.CollectorTimeout
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "unknown user"),
		strings.Contains(msg, "wrong digest"):
		kind = models.CollectorAuthFailed
	case errors.As(err, &netErr) && netErr.Timeout(), strings.Contains(msg, "timeout"):
		kind = models.CollectorTimeout
	case errors.As(err, &opErr):
		kind = models.CollectorUnreachable
	}
	return models.NewCollectorError(kind, device, err)
}
