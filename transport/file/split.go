// Package file writes netwatch output envelopes as JSON lines, either to one
// stream or split by record kind across several, with optional size-based
// rotation.
//
//	format/json → Router ─┬─ snapshot   → snapshots writer
//	                      ├─ trap       → traps writer
//	                      └─ alert.*, compliance.* → events writer
package file

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/pkg/netwatch/logger"
)

// Transport delivers one formatted record.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// ─────────────────────────────────────────────────────────────────────────────
// lineWriter
// ─────────────────────────────────────────────────────────────────────────────

// lineWriter serialises whole records onto one io.Writer.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
	nl []byte
}

func (l *lineWriter) write(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(data); err != nil {
		return err
	}
	_, err := l.w.Write(l.nl)
	return err
}

// ─────────────────────────────────────────────────────────────────────────────
// Router
// ─────────────────────────────────────────────────────────────────────────────

// RouterConfig names a writer per record kind. A nil writer falls back to
// Events, and a nil Events to os.Stdout, so the zero value writes every
// record to stdout.
type RouterConfig struct {
	Snapshots io.Writer
	Events    io.Writer
	Traps     io.Writer

	// Newline defaults to "\n".
	Newline string
}

// Router implements Transport by routing each record on its event_type.
// Writers that are io.Closers (other than stdout/stderr) are closed once by
// Close even when shared between kinds.
type Router struct {
	snapshots, events, traps *lineWriter
	closers                  []io.Closer
	logger                   *zerolog.Logger
}

// NewRouter constructs a Router.
func NewRouter(cfg RouterConfig, log *zerolog.Logger) *Router {
	nl := []byte(cfg.Newline)
	if len(nl) == 0 {
		nl = []byte("\n")
	}
	events := cfg.Events
	if events == nil {
		events = os.Stdout
	}

	r := &Router{logger: logger.OrNop(log)}
	shared := make(map[io.Writer]*lineWriter)
	pick := func(w io.Writer) *lineWriter {
		if w == nil {
			w = events
		}
		if lw, ok := shared[w]; ok {
			return lw
		}
		lw := &lineWriter{w: w, nl: nl}
		shared[w] = lw
		if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
			r.closers = append(r.closers, c)
		}
		return lw
	}
	r.events = pick(events)
	r.snapshots = pick(cfg.Snapshots)
	r.traps = pick(cfg.Traps)
	return r
}

// Send writes data, which must be a format/json envelope, to the writer of
// its kind.
func (r *Router) Send(data []byte) error {
	kind := eventType(data)
	lw := r.events
	switch kind {
	case "snapshot":
		lw = r.snapshots
	case "trap":
		lw = r.traps
	}
	if err := lw.write(data); err != nil {
		r.logger.Error().Err(err).Str("event_type", kind).Int("bytes", len(data)).Msg("transport/file: write failed")
		return fmt.Errorf("transport/file: write %s: %w", kind, err)
	}
	return nil
}

// Close closes every owned writer.
func (r *Router) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var eventTypeKey = []byte(`"event_type"`)

// eventType extracts the event_type string value without decoding the whole
// record. It tolerates indented output.
func eventType(data []byte) string {
	i := bytes.Index(data, eventTypeKey)
	if i < 0 {
		return ""
	}
	rest := bytes.TrimLeft(data[i+len(eventTypeKey):], " \t\r\n")
	if len(rest) == 0 || rest[0] != ':' {
		return ""
	}
	rest = bytes.TrimLeft(rest[1:], " \t\r\n")
	if len(rest) == 0 || rest[0] != '"' {
		return ""
	}
	end := bytes.IndexByte(rest[1:], '"')
	if end < 0 {
		return ""
	}
	return string(rest[1 : end+1])
}
