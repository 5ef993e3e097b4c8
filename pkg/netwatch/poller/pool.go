package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/vpbank/netwatch/models"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("session pool closed")

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// PoolOptions configures the session pool behaviour.
type PoolOptions struct {
	// MaxIdlePerDevice is the maximum number of idle sessions kept per device
	// (default 1). Excess sessions returned via Put are closed immediately.
	MaxIdlePerDevice int

	// IdleTimeout is how long an idle session remains in the pool before being
	// discarded (default 5m). Negative disables expiry.
	IdleTimeout time.Duration

	// Dial creates new sessions. Defaults to NewSession.
	Dial func(models.ConnectionProfile, models.Credentials) (*gosnmp.GoSNMP, error)

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

func (o *PoolOptions) defaults() {
	if o.MaxIdlePerDevice <= 0 {
		o.MaxIdlePerDevice = 1
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.Dial == nil {
		o.Dial = NewSession
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Session pool
// ─────────────────────────────────────────────────────────────────────────────

type poolEntry struct {
	conn       *gosnmp.GoSNMP
	returnedAt time.Time
}

// SessionPool recycles gosnmp sessions keyed by target. The scheduler never
// runs two collections for one device at once, so the pool does not limit
// concurrency; it only saves the socket setup on every poll.
type SessionPool struct {
	opts PoolOptions

	mu     sync.Mutex
	idle   map[string][]poolEntry // key → LIFO stack
	closed bool
}

// NewSessionPool creates a ready-to-use pool.
func NewSessionPool(opts PoolOptions) *SessionPool {
	opts.defaults()
	return &SessionPool{
		opts: opts,
		idle: make(map[string][]poolEntry),
	}
}

// sessionKey identifies sessions that may be shared: same target, port and
// credentials.
func sessionKey(profile models.ConnectionProfile) string {
	return fmt.Sprintf("%s:%d/%s", profile.Address, profile.Port, profile.CredentialRef)
}

// Get returns an idle session for the profile or dials a new one.
func (p *SessionPool) Get(profile models.ConnectionProfile, cred models.Credentials) (*gosnmp.GoSNMP, error) {
	key := sessionKey(profile)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	conn := p.popIdleLocked(key)
	p.mu.Unlock()

	if conn != nil {
		return conn, nil
	}
	return p.opts.Dial(profile, cred)
}

// Put returns a healthy session for reuse. If the idle list is full or the
// pool is closed the session is closed instead.
func (p *SessionPool) Put(profile models.ConnectionProfile, conn *gosnmp.GoSNMP) {
	key := sessionKey(profile)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.idle[key]) >= p.opts.MaxIdlePerDevice {
		closeConn(conn)
		return
	}
	p.idle[key] = append(p.idle[key], poolEntry{conn: conn, returnedAt: p.opts.Now()})
}

// Discard closes a session known to be broken.
func (p *SessionPool) Discard(conn *gosnmp.GoSNMP) {
	closeConn(conn)
}

// Idle returns the number of idle sessions across all targets.
func (p *SessionPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, stack := range p.idle {
		n += len(stack)
	}
	return n
}

// Close drains all idle sessions and prevents new Get calls.
func (p *SessionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for key, stack := range p.idle {
		for _, e := range stack {
			closeConn(e.conn)
		}
		delete(p.idle, key)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

func (p *SessionPool) popIdleLocked(key string) *gosnmp.GoSNMP {
	stack := p.idle[key]
	for len(stack) > 0 {
		n := len(stack) - 1
		entry := stack[n]
		stack = stack[:n]

		if p.opts.IdleTimeout > 0 && p.opts.Now().Sub(entry.returnedAt) > p.opts.IdleTimeout {
			closeConn(entry.conn)
			continue
		}
		p.idle[key] = stack
		return entry.conn
	}
	delete(p.idle, key)
	return nil
}

func closeConn(conn *gosnmp.GoSNMP) {
	if conn != nil && conn.Conn != nil {
		_ = conn.Conn.Close()
	}
}
