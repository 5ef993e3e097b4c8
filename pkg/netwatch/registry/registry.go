// Package registry is the authoritative store of managed devices.
//
// The Registry owns every models.Device record. Administrative calls
// (Register, Update, Deregister) change identity and connection profile;
// ApplyPollResult is the only writer of derived state (status, failures,
// latest snapshot, history). Other components keep device ids and read
// copies through Get and List.
//
// Locking:
//
//	adminMu   serializes administrative mutations and their listener
//	          notifications, so listeners observe events in commit order
//	mu        guards the id → record map
//	record.mu serializes every read-modify-write of one device
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
)

// ─────────────────────────────────────────────────────────────────────────────
// Status policy
// ─────────────────────────────────────────────────────────────────────────────

// StatusPolicy maps the consecutive-failure counter to a status.
type StatusPolicy struct {
	// WarningAfter failures move an online device to warning (default 1).
	WarningAfter int
	// OfflineAfter consecutive failures mark the device offline (default 3).
	OfflineAfter int
}

// DefaultStatusPolicy is online → warning after 1 failure, offline after 3.
var DefaultStatusPolicy = StatusPolicy{WarningAfter: 1, OfflineAfter: 3}

// Status returns the status for a device with the given failure count. Zero
// failures means the last poll succeeded.
func (p StatusPolicy) Status(failures int) models.DeviceStatus {
	switch {
	case failures >= p.OfflineAfter:
		return models.StatusOffline
	case failures >= p.WarningAfter:
		return models.StatusWarning
	default:
		return models.StatusOnline
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Events
// ─────────────────────────────────────────────────────────────────────────────

// EventType names a registry mutation.
type EventType int

const (
	EventAdded EventType = iota
	EventUpdated
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// Event describes one administrative mutation. Previous is set for updates.
type Event struct {
	Type     EventType
	Device   models.Device
	Previous *models.Device
}

// Listener is notified synchronously after every administrative mutation.
// Deregistration is delivered before Deregister returns, so a listener never
// holds a dangling id once the caller sees the call complete. Listeners must
// not call Register, Update or Deregister.
type Listener interface {
	OnDeviceEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// OnDeviceEvent calls f(ev).
func (f ListenerFunc) OnDeviceEvent(ev Event) { f(ev) }

// Store persists device identities. Derived state is not persisted; it is
// rebuilt by polling after a restart.
type Store interface {
	SaveDevice(ctx context.Context, d models.Device) error
	DeleteDevice(ctx context.Context, id string) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Registry
// ─────────────────────────────────────────────────────────────────────────────

// Options configures a Registry. Zero values select defaults.
type Options struct {
	Policy      StatusPolicy
	HistorySize int // snapshots retained per device (default 60)
	Store       Store
	Now         func() time.Time
}

type record struct {
	mu      sync.Mutex
	dev     models.Device
	history *ring
	removed bool
}

// Registry is safe for concurrent use.
type Registry struct {
	policy      StatusPolicy
	historySize int
	store       Store
	now         func() time.Time
	logger      *zerolog.Logger

	adminMu sync.Mutex
	gen     uint64 // last registration generation; guarded by adminMu

	mu      sync.RWMutex
	devices map[string]*record

	lmu       sync.RWMutex
	listeners []Listener
}

// New creates an empty Registry.
func New(opts Options, log *zerolog.Logger) *Registry {
	if opts.Policy.WarningAfter <= 0 {
		opts.Policy.WarningAfter = DefaultStatusPolicy.WarningAfter
	}
	if opts.Policy.OfflineAfter <= 0 {
		opts.Policy.OfflineAfter = DefaultStatusPolicy.OfflineAfter
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 60
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		policy:      opts.Policy,
		historySize: opts.HistorySize,
		store:       opts.Store,
		now:         opts.Now,
		logger:      logger.OrNop(log),
		devices:     make(map[string]*record),
	}
}

// HistorySize is the number of snapshots kept per device.
func (r *Registry) HistorySize() int { return r.historySize }

// Subscribe adds a listener. Listeners are called in subscription order.
func (r *Registry) Subscribe(l Listener) {
	r.lmu.Lock()
	r.listeners = append(r.listeners, l)
	r.lmu.Unlock()
}

// Register adds a new device. It fails with *models.DuplicateDeviceError when
// the id is taken.
func (r *Registry) Register(ctx context.Context, d models.Device) (models.Device, error) {
	if err := normalize(&d); err != nil {
		return models.Device{}, err
	}

	r.adminMu.Lock()
	defer r.adminMu.Unlock()

	r.mu.RLock()
	_, exists := r.devices[d.ID]
	r.mu.RUnlock()
	if exists {
		return models.Device{}, &models.DuplicateDeviceError{ID: d.ID}
	}

	now := r.now()
	d = d.Identity()
	d.CreatedAt = now
	d.UpdatedAt = now
	d.Generation = r.nextGenLocked()

	if r.store != nil {
		if err := r.store.SaveDevice(ctx, d); err != nil {
			return models.Device{}, fmt.Errorf("registry: persist device %s: %w", d.ID, err)
		}
	}

	r.mu.Lock()
	r.devices[d.ID] = &record{dev: d, history: newRing(r.historySize)}
	r.mu.Unlock()

	r.logger.Info().Str("device", d.ID).Str("ip", d.IP).Msg("registry: device registered")
	r.notify(Event{Type: EventAdded, Device: cloneDevice(d)})
	return cloneDevice(d), nil
}

// Load inserts previously persisted devices without writing them back.
// Devices whose id is already registered are skipped.
func (r *Registry) Load(devices []models.Device) int {
	r.adminMu.Lock()
	defer r.adminMu.Unlock()

	loaded := 0
	for _, d := range devices {
		if err := normalize(&d); err != nil {
			r.logger.Warn().Err(err).Str("device", d.ID).Msg("registry: skip invalid stored device")
			continue
		}
		r.mu.Lock()
		if _, exists := r.devices[d.ID]; exists {
			r.mu.Unlock()
			continue
		}
		d = d.Identity()
		d.Generation = r.nextGenLocked()
		r.devices[d.ID] = &record{dev: d, history: newRing(r.historySize)}
		r.mu.Unlock()

		loaded++
		r.notify(Event{Type: EventAdded, Device: cloneDevice(d)})
	}
	return loaded
}

// Update replaces the identity and connection profile of an existing device.
// Derived state is preserved.
func (r *Registry) Update(ctx context.Context, d models.Device) (models.Device, error) {
	if err := normalize(&d); err != nil {
		return models.Device{}, err
	}

	r.adminMu.Lock()
	defer r.adminMu.Unlock()

	rec, err := r.lookup(d.ID)
	if err != nil {
		return models.Device{}, err
	}

	rec.mu.Lock()
	prev := cloneDevice(rec.dev)
	next := rec.dev
	next.Name = d.Name
	next.IP = d.IP
	next.Type = d.Type
	next.Model = d.Model
	next.Version = d.Version
	next.Location = d.Location
	next.Tags = d.Tags
	next.Profile = d.Profile
	next.UpdatedAt = r.now()

	if r.store != nil {
		if err := r.store.SaveDevice(ctx, next.Identity()); err != nil {
			rec.mu.Unlock()
			return models.Device{}, fmt.Errorf("registry: persist device %s: %w", d.ID, err)
		}
	}
	rec.dev = next
	out := cloneDevice(next)
	rec.mu.Unlock()

	r.logger.Info().Str("device", d.ID).Msg("registry: device updated")
	r.notify(Event{Type: EventUpdated, Device: out, Previous: &prev})
	return out, nil
}

// Deregister removes a device. Listeners (group resolver, alert store) are
// notified before Deregister returns.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	r.adminMu.Lock()
	defer r.adminMu.Unlock()

	rec, err := r.lookup(id)
	if err != nil {
		return err
	}

	if r.store != nil {
		if err := r.store.DeleteDevice(ctx, id); err != nil {
			return fmt.Errorf("registry: delete device %s: %w", id, err)
		}
	}

	r.mu.Lock()
	delete(r.devices, id)
	r.mu.Unlock()

	rec.mu.Lock()
	rec.removed = true
	last := cloneDevice(rec.dev)
	rec.mu.Unlock()

	r.logger.Info().Str("device", id).Msg("registry: device deregistered")
	r.notify(Event{Type: EventRemoved, Device: last})
	return nil
}

// Get returns a copy of the device.
func (r *Registry) Get(id string) (models.Device, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return models.Device{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return cloneDevice(rec.dev), nil
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[id]
	return ok
}

// List returns copies of all devices matching f, ordered by id.
func (r *Registry) List(f models.DeviceFilter) []models.Device {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.devices))
	for _, rec := range r.devices {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]models.Device, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		d := cloneDevice(rec.dev)
		rec.mu.Unlock()
		if f.Match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByIP returns the first device (by id) whose IP or profile address is ip.
func (r *Registry) FindByIP(ip string) (models.Device, bool) {
	for _, d := range r.List(models.DeviceFilter{}) {
		if d.IP == ip || d.Profile.Address == ip {
			return d, true
		}
	}
	return models.Device{}, false
}

// Summary counts devices per status.
func (r *Registry) Summary() models.DeviceSummary {
	var s models.DeviceSummary
	for _, d := range r.List(models.DeviceFilter{}) {
		s.Total++
		switch d.Status {
		case models.StatusOnline:
			s.Online++
		case models.StatusWarning:
			s.Warning++
		case models.StatusOffline:
			s.Offline++
		default:
			s.Unknown++
		}
	}
	return s
}

// History returns the retained snapshots of a device, oldest first.
func (r *Registry) History(id string) ([]*models.MetricSnapshot, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.history.slice(), nil
}

// ApplyPollResult folds one poll outcome into the device's derived state and
// returns the updated device. It is the only writer of Status.
func (r *Registry) ApplyPollResult(id string, outcome models.PollOutcome) (models.Device, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return models.Device{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return models.Device{}, &models.NotFoundError{Kind: "device", ID: id}
	}
	if outcome.Generation != 0 && outcome.Generation != rec.dev.Generation {
		// The poll belongs to an earlier registration under the same id.
		return models.Device{}, &models.NotFoundError{Kind: "device", ID: id}
	}

	at := outcome.At
	if at.IsZero() {
		at = r.now()
	}
	d := &rec.dev
	d.LastPolled = at
	prevStatus := d.Status

	if outcome.OK() {
		d.ConsecutiveFailures = 0
		d.LastError = ""
		d.LastSeen = at
		d.Latest = outcome.Snapshot
		rec.history.push(outcome.Snapshot)
	} else {
		d.ConsecutiveFailures++
		if outcome.Err != nil {
			d.LastError = outcome.Err.Error()
		}
	}
	d.Status = r.policy.Status(d.ConsecutiveFailures)

	if d.Status != prevStatus {
		ev := r.logger.Info()
		if d.Status == models.StatusOffline {
			ev = r.logger.Warn()
		}
		ev.Str("device", id).
			Str("from", string(prevStatus)).
			Str("to", string(d.Status)).
			Int("failures", d.ConsecutiveFailures).
			Msg("registry: status changed")
	}
	return cloneDevice(*d), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

// nextGenLocked returns a fresh registration generation. Must hold adminMu.
func (r *Registry) nextGenLocked() uint64 {
	r.gen++
	return r.gen
}

func (r *Registry) lookup(id string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &models.NotFoundError{Kind: "device", ID: id}
	}
	return rec, nil
}

func (r *Registry) notify(ev Event) {
	r.lmu.RLock()
	ls := make([]Listener, len(r.listeners))
	copy(ls, r.listeners)
	r.lmu.RUnlock()
	for _, l := range ls {
		l.OnDeviceEvent(ev)
	}
}

func normalize(d *models.Device) error {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return &models.ValidationError{Field: "id", Reason: "required"}
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Profile.Protocol == "" {
		d.Profile.Protocol = models.ProtocolSNMP
	}
	switch d.Profile.Protocol {
	case models.ProtocolSNMP, models.ProtocolSSH:
	default:
		return &models.ValidationError{Field: "profile.protocol", Reason: fmt.Sprintf("unsupported protocol %q", d.Profile.Protocol)}
	}
	if d.IP == "" && d.Profile.Address == "" {
		return &models.ValidationError{Field: "ip", Reason: "ip or profile.address required"}
	}
	return nil
}

func cloneDevice(d models.Device) models.Device {
	if d.Tags != nil {
		tags := make(map[string]string, len(d.Tags))
		for k, v := range d.Tags {
			tags[k] = v
		}
		d.Tags = tags
	}
	return d
}
