package file

import (
	"errors"
	"io"
	"path/filepath"

	"github.com/rs/zerolog"

	fmtjson "github.com/vpbank/netwatch/format/json"
	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
)

// JournalConfig selects where the journal writes.
type JournalConfig struct {
	// Dir holds the journal files. Empty writes every record to stdout.
	Dir string

	// Split writes snapshots.jsonl, events.jsonl and traps.jsonl instead of
	// a single netwatch.jsonl.
	Split bool

	MaxBytes   int64
	MaxBackups int

	// Snapshots disables the (high-volume) snapshot records when false.
	Snapshots bool
}

// Journal is the JSONL sink of the pipeline. It satisfies the alert,
// compliance, snapshot and trap sink interfaces; write failures are logged,
// never returned, so a full disk cannot stall polling.
type Journal struct {
	format    *fmtjson.Formatter
	out       Transport
	snapshots bool
	logger    *zerolog.Logger
}

// NewJournal writes through an existing Transport.
func NewJournal(out Transport, snapshots bool, log *zerolog.Logger) *Journal {
	l := logger.OrNop(log)
	return &Journal{format: fmtjson.New(fmtjson.Config{}, l), out: out, snapshots: snapshots, logger: l}
}

// OpenJournal creates the files described by cfg.
func OpenJournal(cfg JournalConfig, log *zerolog.Logger) (*Journal, error) {
	if cfg.Dir == "" {
		return NewJournal(NewRouter(RouterConfig{}, log), cfg.Snapshots, log), nil
	}

	var opened []io.Closer
	open := func(name string) (*RotatingFile, error) {
		rf, err := NewRotatingFile(RotateConfig{
			FilePath:   filepath.Join(cfg.Dir, name),
			MaxBytes:   cfg.MaxBytes,
			MaxBackups: cfg.MaxBackups,
		}, log)
		if err == nil {
			opened = append(opened, rf)
		}
		return rf, err
	}
	fail := func(err error) (*Journal, error) {
		for _, c := range opened {
			err = errors.Join(err, c.Close())
		}
		return nil, err
	}

	var rc RouterConfig
	if !cfg.Split {
		all, err := open("netwatch.jsonl")
		if err != nil {
			return fail(err)
		}
		rc.Events = all
	} else {
		events, err := open("events.jsonl")
		if err != nil {
			return fail(err)
		}
		traps, err := open("traps.jsonl")
		if err != nil {
			return fail(err)
		}
		rc.Events, rc.Traps = events, traps
		if cfg.Snapshots {
			snaps, err := open("snapshots.jsonl")
			if err != nil {
				return fail(err)
			}
			rc.Snapshots = snaps
		}
	}
	return NewJournal(NewRouter(rc, log), cfg.Snapshots, log), nil
}

// OnSnapshot journals a successful poll.
func (j *Journal) OnSnapshot(dev models.Device, snap *models.MetricSnapshot) {
	if j.snapshots {
		j.write(fmtjson.SnapshotEnvelope(dev, snap))
	}
}

// OnAlertEvent journals an alert transition.
func (j *Journal) OnAlertEvent(ev models.AlertEvent) { j.write(fmtjson.AlertEnvelope(ev)) }

// OnComplianceEvent journals a compliance run.
func (j *Journal) OnComplianceEvent(ev models.ComplianceEvent) {
	j.write(fmtjson.ComplianceEnvelope(ev))
}

// OnTrap journals a trap from a registered device.
func (j *Journal) OnTrap(deviceID string, t models.SNMPTrap) {
	j.write(fmtjson.TrapEnvelope(deviceID, t))
}

// Close closes the underlying files.
func (j *Journal) Close() error { return j.out.Close() }

func (j *Journal) write(e fmtjson.Envelope) {
	data, err := j.format.Format(e)
	if err != nil {
		return
	}
	if err := j.out.Send(data); err != nil {
		j.logger.Warn().Err(err).Str("event_type", e.Type).Msg("transport/file: journal write dropped")
	}
}
