// Package alerts holds the alert lifecycle: raise with de-duplication,
// acknowledge, resolve and the resolved archive.
//
// At most one unresolved alert exists per (device, rule) pair. Raising again
// while it is unresolved bumps its Count and LastSeenAt instead of creating a
// second row, whether or not it has been acknowledged. Acknowledging twice is
// an error (*models.AlreadyAcknowledgedError), and resolving twice is a
// *models.ConflictError. Alerts are never deleted.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
	"github.com/vpbank/netwatch/pkg/netwatch/registry"
	"github.com/vpbank/netwatch/pkg/netwatch/rules"
)

// Sink receives every alert lifecycle event.
type Sink interface {
	OnAlertEvent(models.AlertEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(models.AlertEvent)

// OnAlertEvent calls f.
func (f SinkFunc) OnAlertEvent(ev models.AlertEvent) { f(ev) }

// Persister stores alerts; each transition rewrites the whole alert.
type Persister interface {
	SaveAlert(ctx context.Context, a models.Alert) error
}

// GroupMembership resolves the GroupID alert filter.
type GroupMembership interface {
	Contains(groupID, deviceID string) bool
}

// Options configures a Store.
type Options struct {
	Persister Persister
	Groups    GroupMembership
	Now       func() time.Time
}

type liveKey struct {
	device string
	rule   string
}

// Store is safe for concurrent use.
type Store struct {
	persister Persister
	groups    GroupMembership
	now       func() time.Time
	logger    *zerolog.Logger

	mu     sync.RWMutex
	alerts map[string]*models.Alert
	live   map[liveKey]string  // unresolved keyed alert id
	gone   map[string]struct{} // deregistered device ids

	smu   sync.RWMutex
	sinks []Sink
}

// New creates an empty Store.
func New(opts Options, log *zerolog.Logger) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		persister: opts.Persister,
		groups:    opts.Groups,
		now:       opts.Now,
		logger:    logger.OrNop(log),
		alerts:    make(map[string]*models.Alert),
		live:      make(map[liveKey]string),
		gone:      make(map[string]struct{}),
	}
}

// AddSink subscribes s to lifecycle events.
func (s *Store) AddSink(sink Sink) {
	s.smu.Lock()
	s.sinks = append(s.sinks, sink)
	s.smu.Unlock()
}

// ─────────────────────────────────────────────────────────────────────────────
// Raise
// ─────────────────────────────────────────────────────────────────────────────

// Raise records a rule breach for deviceID. If an unresolved alert exists for
// (deviceID, ruleID) its count and last-seen time are bumped and its message
// and severity refreshed; otherwise a new open alert is created. An empty
// ruleID behaves like RaiseManual.
func (s *Store) Raise(ctx context.Context, deviceID, ruleID string, sev models.Severity, message string) (models.Alert, error) {
	if ruleID == "" {
		return s.RaiseManual(ctx, deviceID, sev, message)
	}
	return s.raise(ctx, models.SourceRule, deviceID, ruleID, sev, message)
}

// RaiseTrap records a trap-derived alert. key plays the role of the rule id
// for de-duplication, e.g. "trap:linkDown:3".
func (s *Store) RaiseTrap(ctx context.Context, deviceID, key string, sev models.Severity, message string) (models.Alert, error) {
	if key == "" {
		return models.Alert{}, &models.ValidationError{Field: "key", Reason: "required"}
	}
	return s.raise(ctx, models.SourceTrap, deviceID, key, sev, message)
}

// RaiseManual always creates a new alert without a rule.
func (s *Store) RaiseManual(ctx context.Context, deviceID string, sev models.Severity, message string) (models.Alert, error) {
	if err := validateRaise(deviceID, &sev, message); err != nil {
		return models.Alert{}, err
	}
	now := s.now()
	a := models.Alert{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Source:     models.SourceManual,
		Severity:   sev,
		Message:    message,
		Count:      1,
		CreatedAt:  now,
		LastSeenAt: now,
	}

	s.mu.Lock()
	if err := s.goneLocked(deviceID); err != nil {
		s.mu.Unlock()
		return models.Alert{}, err
	}
	if err := s.persist(ctx, a); err != nil {
		s.mu.Unlock()
		return models.Alert{}, err
	}
	s.alerts[a.ID] = &a
	s.mu.Unlock()

	s.logger.Info().Str("alert", a.ID).Str("device", deviceID).Str("severity", string(sev)).
		Msg("alerts: manual alert raised")
	s.emit(models.AlertRaised, a)
	return a, nil
}

func (s *Store) raise(ctx context.Context, src models.AlertSource, deviceID, key string, sev models.Severity, message string) (models.Alert, error) {
	if err := validateRaise(deviceID, &sev, message); err != nil {
		return models.Alert{}, err
	}
	now := s.now()
	lk := liveKey{device: deviceID, rule: key}

	s.mu.Lock()
	if err := s.goneLocked(deviceID); err != nil {
		s.mu.Unlock()
		return models.Alert{}, err
	}
	if id, ok := s.live[lk]; ok {
		next := *s.alerts[id]
		next.Count++
		next.LastSeenAt = now
		next.Severity = sev
		next.Message = message
		if err := s.persist(ctx, next); err != nil {
			s.mu.Unlock()
			return models.Alert{}, err
		}
		s.alerts[id] = &next
		s.mu.Unlock()

		s.logger.Debug().Str("alert", id).Int("count", next.Count).Msg("alerts: alert repeated")
		s.emit(models.AlertUpdated, next)
		return next, nil
	}

	a := models.Alert{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		RuleID:     key,
		Source:     src,
		Severity:   sev,
		Message:    message,
		Count:      1,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := s.persist(ctx, a); err != nil {
		s.mu.Unlock()
		return models.Alert{}, err
	}
	s.alerts[a.ID] = &a
	s.live[lk] = a.ID
	s.mu.Unlock()

	s.logger.Info().
		Str("alert", a.ID).
		Str("device", deviceID).
		Str("rule", key).
		Str("severity", string(sev)).
		Msg("alerts: alert raised")
	s.emit(models.AlertRaised, a)
	return a, nil
}

// goneLocked rejects raises for a device removed from the registry. Must hold
// s.mu.
func (s *Store) goneLocked(deviceID string) error {
	if _, ok := s.gone[deviceID]; ok {
		return &models.NotFoundError{Kind: "device", ID: deviceID}
	}
	return nil
}

// Apply hands rule engine emissions to the store. Failures are logged; one
// failed emission does not stop the rest.
func (s *Store) Apply(ctx context.Context, ems []rules.Emission) {
	for _, em := range ems {
		switch em.Kind {
		case rules.Raise:
			_, err := s.Raise(ctx, em.DeviceID, em.RuleID, em.Severity, em.Message)
			switch {
			case err == nil:
			case errors.Is(err, models.ErrNotFound):
				s.logger.Debug().Str("device", em.DeviceID).Str("rule", em.RuleID).Msg("alerts: dropped emission for removed device")
			default:
				s.logger.Error().Err(err).Str("device", em.DeviceID).Str("rule", em.RuleID).Msg("alerts: raise failed")
			}
		case rules.Clear:
			s.ResolveFor(ctx, em.DeviceID, em.RuleID, models.ResolutionCleared)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Acknowledge / resolve
// ─────────────────────────────────────────────────────────────────────────────

// Acknowledge marks an alert as seen by an operator. It fails with
// *models.NotFoundError for an unknown id and *models.AlreadyAcknowledgedError
// for an alert acknowledged before. Resolved alerts that were never
// acknowledged can still be acknowledged.
func (s *Store) Acknowledge(ctx context.Context, id string) (models.Alert, error) {
	s.mu.Lock()
	cur, ok := s.alerts[id]
	if !ok {
		s.mu.Unlock()
		return models.Alert{}, &models.NotFoundError{Kind: "alert", ID: id}
	}
	if cur.AcknowledgedAt != nil {
		s.mu.Unlock()
		return models.Alert{}, &models.AlreadyAcknowledgedError{ID: id}
	}
	next := *cur
	now := s.now()
	next.AcknowledgedAt = &now
	if err := s.persist(ctx, next); err != nil {
		s.mu.Unlock()
		return models.Alert{}, err
	}
	s.alerts[id] = &next
	s.mu.Unlock()

	s.logger.Info().Str("alert", id).Msg("alerts: alert acknowledged")
	s.emit(models.AlertAcked, next)
	return next, nil
}

// Resolve closes an alert regardless of acknowledgment. Resolving an already
// resolved alert is a *models.ConflictError.
func (s *Store) Resolve(ctx context.Context, id string, res models.Resolution) (models.Alert, error) {
	if res == "" {
		res = models.ResolutionManual
	}
	s.mu.Lock()
	cur, ok := s.alerts[id]
	if !ok {
		s.mu.Unlock()
		return models.Alert{}, &models.NotFoundError{Kind: "alert", ID: id}
	}
	if cur.ResolvedAt != nil {
		s.mu.Unlock()
		return models.Alert{}, &models.ConflictError{ID: id, Reason: "alert already resolved"}
	}
	next, err := s.resolveLocked(ctx, cur, res)
	s.mu.Unlock()
	if err != nil {
		return models.Alert{}, err
	}
	s.emit(models.AlertClosed, next)
	return next, nil
}

// ResolveFor resolves the unresolved alert of (deviceID, ruleID), if any.
func (s *Store) ResolveFor(ctx context.Context, deviceID, ruleID string, res models.Resolution) (models.Alert, bool) {
	s.mu.Lock()
	id, ok := s.live[liveKey{device: deviceID, rule: ruleID}]
	if !ok {
		s.mu.Unlock()
		return models.Alert{}, false
	}
	next, err := s.resolveLocked(ctx, s.alerts[id], res)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error().Err(err).Str("alert", id).Msg("alerts: resolve failed")
		return models.Alert{}, false
	}
	s.emit(models.AlertClosed, next)
	return next, true
}

// ResolveRule resolves every unresolved alert raised by a deleted rule.
func (s *Store) ResolveRule(ctx context.Context, ruleID string) int {
	return s.resolveWhere(ctx, models.ResolutionCleared, func(a *models.Alert) bool {
		return a.RuleID == ruleID && a.Source == models.SourceRule
	})
}

// OnDeviceEvent archives the alerts of deregistered devices and refuses new
// ones for them until the id is registered again. It implements
// registry.Listener.
func (s *Store) OnDeviceEvent(ev registry.Event) {
	id := ev.Device.ID
	switch ev.Type {
	case registry.EventAdded:
		s.mu.Lock()
		delete(s.gone, id)
		s.mu.Unlock()
	case registry.EventRemoved:
		s.mu.Lock()
		s.gone[id] = struct{}{}
		closed := s.resolveMatchingLocked(context.Background(), models.ResolutionDeviceRemoved, func(a *models.Alert) bool {
			return a.DeviceID == id
		})
		s.mu.Unlock()

		s.emitClosed(closed)
		if len(closed) > 0 {
			s.logger.Info().Str("device", id).Int("alerts", len(closed)).Msg("alerts: archived alerts of removed device")
		}
	}
}

func (s *Store) resolveWhere(ctx context.Context, res models.Resolution, match func(*models.Alert) bool) int {
	s.mu.Lock()
	closed := s.resolveMatchingLocked(ctx, res, match)
	s.mu.Unlock()

	s.emitClosed(closed)
	return len(closed)
}

// resolveMatchingLocked closes every unresolved alert match accepts. Must hold
// s.mu.
func (s *Store) resolveMatchingLocked(ctx context.Context, res models.Resolution, match func(*models.Alert) bool) []models.Alert {
	var closed []models.Alert
	for _, a := range s.alerts {
		if a.ResolvedAt != nil || !match(a) {
			continue
		}
		next, err := s.resolveLocked(ctx, a, res)
		if err != nil {
			s.logger.Error().Err(err).Str("alert", a.ID).Msg("alerts: resolve failed")
			continue
		}
		closed = append(closed, next)
	}
	return closed
}

func (s *Store) emitClosed(closed []models.Alert) {
	for _, a := range closed {
		s.emit(models.AlertClosed, a)
	}
}

// resolveLocked closes cur. Must hold s.mu.
func (s *Store) resolveLocked(ctx context.Context, cur *models.Alert, res models.Resolution) (models.Alert, error) {
	next := *cur
	now := s.now()
	next.ResolvedAt = &now
	next.Resolution = res
	if err := s.persist(ctx, next); err != nil {
		return models.Alert{}, err
	}
	s.alerts[next.ID] = &next
	if next.RuleID != "" {
		lk := liveKey{device: next.DeviceID, rule: next.RuleID}
		if s.live[lk] == next.ID {
			delete(s.live, lk)
		}
	}
	s.logger.Info().Str("alert", next.ID).Str("resolution", string(res)).Msg("alerts: alert resolved")
	return next, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Queries
// ─────────────────────────────────────────────────────────────────────────────

// Get returns one alert.
func (s *Store) Get(id string) (models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, &models.NotFoundError{Kind: "alert", ID: id}
	}
	return *a, nil
}

// Query returns the alerts matching f, newest first.
func (s *Store) Query(f models.AlertFilter) []models.Alert {
	text := strings.ToLower(strings.TrimSpace(f.Text))

	s.mu.RLock()
	out := make([]models.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if s.match(*a, f, text) {
			out = append(out, *a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (s *Store) match(a models.Alert, f models.AlertFilter, text string) bool {
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	switch f.State {
	case "":
	case models.AlertActive:
		if a.ResolvedAt != nil {
			return false
		}
	default:
		if a.State() != f.State {
			return false
		}
	}
	if f.DeviceID != "" && a.DeviceID != f.DeviceID {
		return false
	}
	if f.GroupID != "" && (s.groups == nil || !s.groups.Contains(f.GroupID, a.DeviceID)) {
		return false
	}
	if text != "" &&
		!strings.Contains(strings.ToLower(a.Message), text) &&
		!strings.Contains(strings.ToLower(a.DeviceID), text) &&
		!strings.Contains(strings.ToLower(a.RuleID), text) {
		return false
	}
	return true
}

// Summary counts unresolved alerts per severity.
func (s *Store) Summary() models.AlertSummary {
	var sum models.AlertSummary
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if a.ResolvedAt != nil {
			continue
		}
		sum.Active++
		if a.AcknowledgedAt == nil {
			sum.Open++
		}
		switch a.Severity {
		case models.SeverityCritical:
			sum.Critical++
		case models.SeverityWarning:
			sum.Warning++
		case models.SeverityInfo:
			sum.Info++
		}
	}
	return sum
}

// Load installs persisted alerts and rebuilds the de-duplication index. When
// two unresolved alerts share a key the newest wins the index.
func (s *Store) Load(alerts []models.Alert) int {
	sorted := append([]models.Alert(nil), alerts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range sorted {
		a := sorted[i]
		s.alerts[a.ID] = &a
		if a.ResolvedAt == nil && a.RuleID != "" {
			s.live[liveKey{device: a.DeviceID, rule: a.RuleID}] = a.ID
		}
	}
	return len(sorted)
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) persist(ctx context.Context, a models.Alert) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.SaveAlert(ctx, a); err != nil {
		return fmt.Errorf("alerts: persist %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) emit(t models.AlertEventType, a models.Alert) {
	ev := models.AlertEvent{Type: t, At: s.now(), Alert: a}
	s.smu.RLock()
	sinks := s.sinks
	s.smu.RUnlock()
	for _, sink := range sinks {
		sink.OnAlertEvent(ev)
	}
}

func validateRaise(deviceID string, sev *models.Severity, message string) error {
	if strings.TrimSpace(deviceID) == "" {
		return &models.ValidationError{Field: "device_id", Reason: "required"}
	}
	parsed, ok := models.ParseSeverity(string(*sev))
	if !ok {
		return &models.ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", *sev)}
	}
	*sev = parsed
	if strings.TrimSpace(message) == "" {
		return &models.ValidationError{Field: "message", Reason: "required"}
	}
	return nil
}
