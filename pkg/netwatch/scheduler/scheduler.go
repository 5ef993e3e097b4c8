// Package scheduler decides when each registered device is due for
// collection and dispatches collection tasks to the poller WorkerPool.
//
// The scheduler is the only owner of the due table and the in-flight flags.
// Workers never reschedule themselves: every task reports back through
// finish, which writes the outcome into the Registry and advances the
// device's next due time.
//
//	Registry.List ──sync──▶ due table ──tick/wake──▶ sub-limit slot ──▶ WorkerPool.TrySubmit
//	                            ▲                                               │
//	                            └── finish: ApplyPollResult, backoff, release ◀─┘
package scheduler

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
	"github.com/vpbank/netwatch/pkg/netwatch/poller"
)

// ─────────────────────────────────────────────────────────────────────────────
// Collaborators
// ─────────────────────────────────────────────────────────────────────────────

// DeviceSource is the subset of the Registry consumed by the scheduler.
type DeviceSource interface {
	List(models.DeviceFilter) []models.Device
	Exists(id string) bool
	ApplyPollResult(id string, outcome models.PollOutcome) (models.Device, error)
}

// Submitter is the subset of poller.WorkerPool consumed by the scheduler.
// TrySubmit must never run the task's Done callback synchronously.
type Submitter interface {
	TrySubmit(poller.Task) bool
}

// SnapshotBuilder turns raw collector output into an immutable snapshot.
type SnapshotBuilder interface {
	Build(deviceID string, raw models.RawMetrics) *models.MetricSnapshot
}

// SnapshotHandler receives every successful poll after the Registry has been
// updated. It runs while the device is still marked in flight, so calls for
// one device never overlap.
type SnapshotHandler interface {
	OnSnapshot(dev models.Device, snap *models.MetricSnapshot)
}

// SnapshotHandlerFunc adapts a function to SnapshotHandler.
type SnapshotHandlerFunc func(models.Device, *models.MetricSnapshot)

// OnSnapshot calls f.
func (f SnapshotHandlerFunc) OnSnapshot(d models.Device, s *models.MetricSnapshot) { f(d, s) }

// ─────────────────────────────────────────────────────────────────────────────
// Options
// ─────────────────────────────────────────────────────────────────────────────

// SubLimitKey selects how devices share a sub-limit slot.
type SubLimitKey string

const (
	SubLimitNone       SubLimitKey = ""
	SubLimitCredential SubLimitKey = "credential"
	SubLimitType       SubLimitKey = "type"
)

// Options configures a Scheduler. Zero values select the defaults noted.
type Options struct {
	Interval         time.Duration // default poll interval, 60s
	Timeout          time.Duration // default collection timeout, 10s
	Jitter           time.Duration // upper bound of random delay added to due times; 0 disables
	MaxBackoffFactor int           // failure backoff cap as a multiple of interval, 8
	Tick             time.Duration // scheduling tick, 1s
	ShutdownGrace    time.Duration // wait for in-flight tasks on shutdown, 10s

	SubLimit     SubLimitKey // sub-limit grouping, none by default
	SubLimitSize int         // max in-flight per sub-limit key

	Builder SnapshotBuilder // default copies gauges as-is
	Handler SnapshotHandler // optional

	Now  func() time.Time
	Rand func(n int64) int64 // returns a value in [0, n)
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxBackoffFactor <= 0 {
		o.MaxBackoffFactor = 8
	}
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 10 * time.Second
	}
	if o.Builder == nil {
		o.Builder = gaugeBuilder{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		o.Rand = rand.Int64N
	}
}

// Stats is a point-in-time view of scheduler activity.
type Stats struct {
	Devices    int    `json:"devices"`
	InFlight   int    `json:"in_flight"`
	Dispatched uint64 `json:"dispatched"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	Deferred   uint64 `json:"deferred"` // due but held back by a sub-limit
}

// ─────────────────────────────────────────────────────────────────────────────
// Scheduler
// ─────────────────────────────────────────────────────────────────────────────

// entry is the scheduling state for one device.
type entry struct {
	id       string
	gen      uint64 // registration generation of the device
	profile  models.ConnectionProfile
	interval time.Duration
	timeout  time.Duration
	subKey   string

	nextDue  time.Time
	failures int
	inFlight bool
	removed  bool // deregistered while in flight; dropped by finish
}

// Scheduler dispatches collection tasks for due devices.
type Scheduler struct {
	devices DeviceSource
	pool    Submitter
	opts    Options
	slots   *Slots
	logger  *zerolog.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	pollNow  map[string]bool
	stopping bool
	stats    Stats

	running     sync.WaitGroup
	wake        chan struct{}
	taskCtx     context.Context
	cancelTasks context.CancelFunc
	done        chan struct{}
}

// New creates a Scheduler. It does not start automatically; call Start.
func New(devices DeviceSource, pool Submitter, opts Options, log *zerolog.Logger) *Scheduler {
	opts.defaults()
	s := &Scheduler{
		devices: devices,
		pool:    pool,
		opts:    opts,
		logger:  logger.OrNop(log),
		entries: make(map[string]*entry),
		pollNow: make(map[string]bool),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if opts.SubLimit != SubLimitNone && opts.SubLimitSize > 0 {
		s.slots = NewSlots(opts.SubLimitSize)
	}
	s.taskCtx, s.cancelTasks = context.WithCancel(context.Background())
	return s
}

// Start runs the scheduling loop. It blocks until ctx is cancelled and the
// in-flight tasks have been drained or abandoned.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.opts.Interval).
		Dur("jitter", s.opts.Jitter).
		Str("sub_limit", string(s.opts.SubLimit)).
		Msg("scheduler: started")

	s.tick()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.tick()
		case <-s.wake:
			s.tick()
		}
	}
}

// Stop waits for the scheduling loop to exit. The caller must cancel the
// context passed to Start first.
func (s *Scheduler) Stop() {
	<-s.done
}

// PollNow makes a device due immediately.
func (s *Scheduler) PollNow(id string) error {
	if !s.devices.Exists(id) {
		return &models.NotFoundError{Kind: "device", ID: id}
	}
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		e.nextDue = s.opts.Now()
	} else {
		s.pollNow[id] = true
	}
	s.mu.Unlock()
	s.signal()
	return nil
}

// NextDue returns the next due time of a device known to the scheduler.
func (s *Scheduler) NextDue(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.removed {
		return time.Time{}, false
	}
	return e.nextDue, true
}

// Stats returns current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Devices, st.InFlight = 0, 0
	for _, e := range s.entries {
		if !e.removed {
			st.Devices++
		}
		if e.inFlight {
			st.InFlight++
		}
	}
	return st
}

// ─────────────────────────────────────────────────────────────────────────────
// Dispatch
// ─────────────────────────────────────────────────────────────────────────────

// tick synchronises the due table with the Registry and dispatches every due
// device the pool and sub-limits have room for.
func (s *Scheduler) tick() {
	devices := s.devices.List(models.DeviceFilter{})
	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.syncLocked(devices, now)

	due := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.inFlight && !e.removed && !e.nextDue.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].nextDue.Equal(due[j].nextDue) {
			return due[i].id < due[j].id
		}
		return due[i].nextDue.Before(due[j].nextDue)
	})

	for _, e := range due {
		key := e.subKey
		if !s.slots.TryAcquire(key) {
			s.stats.Deferred++
			continue
		}
		e.inFlight = true
		s.running.Add(1)
		if !s.pool.TrySubmit(s.task(e, key)) {
			// Every worker is busy; the rest stay due for the next tick or wake.
			e.inFlight = false
			s.running.Done()
			s.slots.Release(key)
			break
		}
		s.stats.Dispatched++
		s.logger.Debug().Str("device", e.id).Msg("scheduler: dispatched")
	}
}

// syncLocked adds registry devices missing from the due table, refreshes the
// profile of known ones and drops deregistered ones.
func (s *Scheduler) syncLocked(devices []models.Device, now time.Time) {
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		seen[d.ID] = true

		e, ok := s.entries[d.ID]
		if ok && (e.removed || e.gen != d.Generation) {
			// Registered again under the same id. A poll still in flight for
			// the old registration finishes on its detached entry.
			ok = false
		}
		if !ok {
			e = &entry{id: d.ID, gen: d.Generation, nextDue: now.Add(s.jitter())}
			if s.pollNow[d.ID] {
				e.nextDue = now
				delete(s.pollNow, d.ID)
			}
			s.entries[d.ID] = e
		}

		e.profile = d.Profile
		if e.profile.Address == "" {
			e.profile.Address = d.IP
		}
		e.interval = d.Profile.Interval
		if e.interval <= 0 {
			e.interval = s.opts.Interval
		}
		e.timeout = d.Profile.Timeout
		if e.timeout <= 0 {
			e.timeout = s.opts.Timeout
		}
		switch s.opts.SubLimit {
		case SubLimitCredential:
			e.subKey = d.Profile.CredentialRef
		case SubLimitType:
			e.subKey = d.Type
		}
	}

	for id, e := range s.entries {
		if seen[id] {
			continue
		}
		if e.inFlight {
			e.removed = true
			continue
		}
		delete(s.entries, id)
	}
}

func (s *Scheduler) task(e *entry, key string) poller.Task {
	return poller.Task{
		DeviceID: e.id,
		Profile:  e.profile,
		Timeout:  e.timeout,
		Context:  s.taskCtx,
		Done: func(raw models.RawMetrics, err error) {
			s.finish(e, key, raw, err)
		},
	}
}

// finish records one task outcome for the entry it was dispatched from. The
// deferred block runs on every exit path and is the only place an in-flight
// flag is cleared.
func (s *Scheduler) finish(e *entry, key string, raw models.RawMetrics, err error) {
	id, gen := e.id, e.gen
	succeeded := false
	defer func() {
		now := s.opts.Now()
		s.mu.Lock()
		s.slots.Release(key)
		e.inFlight = false
		if s.entries[id] == e {
			switch {
			case e.removed:
				delete(s.entries, id)
			case succeeded:
				e.failures = 0
				e.nextDue = now.Add(e.interval + s.jitter())
			default:
				e.failures++
				e.nextDue = now.Add(s.backoff(e))
			}
		}
		if succeeded {
			s.stats.Succeeded++
		} else {
			s.stats.Failed++
		}
		s.mu.Unlock()
		s.running.Done()
		s.signal()
	}()

	var outcome models.PollOutcome
	var snap *models.MetricSnapshot
	if err == nil {
		snap = s.opts.Builder.Build(id, raw)
		outcome = models.Success(snap)
	} else {
		outcome = models.Failure(err, s.opts.Now())
		s.logger.Debug().Str("device", id).Err(err).Msg("scheduler: poll failed")
	}
	outcome.Generation = gen

	dev, applyErr := s.devices.ApplyPollResult(id, outcome)
	if applyErr != nil {
		// Deregistered, or replaced by a new registration, while in flight.
		s.logger.Debug().Str("device", id).Err(applyErr).Msg("scheduler: outcome dropped")
		return
	}
	succeeded = outcome.OK()
	if succeeded && s.opts.Handler != nil {
		s.opts.Handler.OnSnapshot(dev, snap)
	}
}

// backoff returns min(interval·2^failures, interval·MaxBackoffFactor).
func (s *Scheduler) backoff(e *entry) time.Duration {
	limit := e.interval * time.Duration(s.opts.MaxBackoffFactor)
	d := e.interval
	for i := 0; i < e.failures && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}

func (s *Scheduler) jitter() time.Duration {
	if s.opts.Jitter <= 0 {
		return 0
	}
	return time.Duration(s.opts.Rand(int64(s.opts.Jitter)))
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// shutdown stops dispatching, waits up to ShutdownGrace for in-flight tasks
// and then cancels them. Cancelled tasks still pass through finish and are
// recorded as failed polls.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.stopping = true
	inFlight := 0
	for _, e := range s.entries {
		if e.inFlight {
			inFlight++
		}
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.running.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(s.opts.ShutdownGrace):
		s.logger.Warn().Int("in_flight", inFlight).Dur("grace", s.opts.ShutdownGrace).
			Msg("scheduler: grace period expired, cancelling in-flight polls")
		s.cancelTasks()
		<-drained
	}
	s.cancelTasks()
	s.logger.Info().Msg("scheduler: stopped")
}

// gaugeBuilder is the fallback SnapshotBuilder: gauges only, no rates.
type gaugeBuilder struct{}

func (gaugeBuilder) Build(id string, raw models.RawMetrics) *models.MetricSnapshot {
	values := make(map[string]float64, len(raw.Gauges))
	for k, v := range raw.Gauges {
		values[k] = v
	}
	ts := raw.CollectedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return &models.MetricSnapshot{
		DeviceID:   id,
		Timestamp:  ts,
		Values:     values,
		Interfaces: raw.Interfaces,
		Config:     raw.Config,
	}
}
