// Package rules evaluates alert rules against metric snapshots and runs
// compliance checks over the same predicate language.
//
// The Engine is side-effect free towards alerts: Evaluate returns Emissions
// (raise or clear requests) and the caller hands them to the alert store. The
// only state the engine keeps between calls is whether each (device, rule)
// pair was breaching at its previous evaluation.
//
//	snapshot + history ──▶ rules in scope ──▶ Predicate.Evaluate ──▶ edge/level ──▶ []Emission
package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
)

// GroupMembership answers scope questions for group-scoped rules.
type GroupMembership interface {
	Contains(groupID, deviceID string) bool
}

// Store persists rule definitions.
type Store interface {
	SaveRule(ctx context.Context, r models.Rule) error
	DeleteRule(ctx context.Context, id string) error
}

// EmissionKind says whether an emission opens or closes an alert.
type EmissionKind string

const (
	Raise EmissionKind = "raise"
	Clear EmissionKind = "clear"
)

// Emission is a request to the alert store.
type Emission struct {
	Kind     EmissionKind
	DeviceID string
	RuleID   string
	Severity models.Severity
	Message  string
}

type compiledRule struct {
	rule models.Rule
	pred *Predicate
}

type stateKey struct {
	device string
	rule   string
}

// truth is the remembered outcome of the previous evaluation.
type truth uint8

const (
	wasClear truth = iota // absent from the map
	wasBreach
	wasReset // rule changed; next evaluation decides afresh
)

// Engine is safe for concurrent use. Evaluations for one device must not
// overlap; the scheduler guarantees this.
type Engine struct {
	groups GroupMembership
	store  Store
	logger *zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	rules map[string]*compiledRule

	maxFor atomic.Int64 // 0 means unlimited

	smu   sync.Mutex
	state map[stateKey]truth
	gone  map[string]struct{} // forgotten devices, never evaluated
}

// NewEngine creates an engine. groups and store may be nil.
func NewEngine(groups GroupMembership, store Store, log *zerolog.Logger) *Engine {
	return &Engine{
		groups: groups,
		store:  store,
		logger: logger.OrNop(log),
		now:    time.Now,
		rules:  make(map[string]*compiledRule),
		state:  make(map[stateKey]truth),
		gone:   make(map[string]struct{}),
	}
}

// SetHistorySize bounds the For of metric conditions to the number of
// snapshots kept per device; a longer window could never fill up. Rules
// already loaded are not rechecked.
func (e *Engine) SetHistorySize(n int) {
	if n < 0 {
		n = 0
	}
	e.maxFor.Store(int64(n))
}

// ─────────────────────────────────────────────────────────────────────────────
// Evaluation
// ─────────────────────────────────────────────────────────────────────────────

// Evaluate runs every enabled rule whose scope includes snap.DeviceID.
// history is the device's recent snapshots, oldest first; it may or may not
// already end with snap.
func (e *Engine) Evaluate(snap *models.MetricSnapshot, history []*models.MetricSnapshot) []Emission {
	if snap == nil {
		return nil
	}
	window := history
	if len(window) == 0 || window[len(window)-1] != snap {
		window = append(append(make([]*models.MetricSnapshot, 0, len(history)+1), history...), snap)
	}

	rules := e.activeRules()
	device := snap.DeviceID

	var out []Emission
	e.smu.Lock()
	defer e.smu.Unlock()
	if _, ok := e.gone[device]; ok {
		return nil
	}
	for _, cr := range rules {
		if !e.inScope(cr.rule.Scope, device) {
			continue
		}
		v := cr.pred.Evaluate(window)
		key := stateKey{device: device, rule: cr.rule.ID}
		prev := e.state[key]

		switch {
		case v.Breach:
			if cr.rule.Rearm == models.RearmLevel || prev != wasBreach {
				out = append(out, Emission{
					Kind:     Raise,
					DeviceID: device,
					RuleID:   cr.rule.ID,
					Severity: cr.rule.Severity,
					Message:  message(cr.rule, v),
				})
			}
			e.state[key] = wasBreach
		case prev != wasClear:
			out = append(out, Emission{Kind: Clear, DeviceID: device, RuleID: cr.rule.ID, Severity: cr.rule.Severity})
			delete(e.state, key)
		}
	}

	if len(out) > 0 {
		e.logger.Debug().Str("device", device).Int("emissions", len(out)).Msg("rules: evaluated")
	}
	return out
}

// ForgetDevice drops the remembered outcomes for a deregistered device.
// Evaluations for id return nothing until TrackDevice is called for it.
func (e *Engine) ForgetDevice(id string) {
	e.smu.Lock()
	defer e.smu.Unlock()
	e.gone[id] = struct{}{}
	for k := range e.state {
		if k.device == id {
			delete(e.state, k)
		}
	}
}

// TrackDevice lifts a ForgetDevice for a registered device.
func (e *Engine) TrackDevice(id string) {
	e.smu.Lock()
	delete(e.gone, id)
	e.smu.Unlock()
}

// Applies reports whether scope selects deviceID.
func (e *Engine) Applies(scope models.Scope, deviceID string) bool {
	return e.inScope(scope, deviceID)
}

func (e *Engine) inScope(scope models.Scope, deviceID string) bool {
	if scope.Empty() {
		return true
	}
	for _, id := range scope.DeviceIDs {
		if id == deviceID {
			return true
		}
	}
	return scope.GroupID != "" && e.groups != nil && e.groups.Contains(scope.GroupID, deviceID)
}

func (e *Engine) activeRules() []*compiledRule {
	e.mu.RLock()
	out := make([]*compiledRule, 0, len(e.rules))
	for _, cr := range e.rules {
		if !cr.rule.Disabled {
			out = append(out, cr)
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].rule.ID < out[j].rule.ID })
	return out
}

func message(r models.Rule, v Verdict) string {
	head := r.Message
	if head == "" {
		head = r.Name
	}
	if v.Detail == "" {
		return head
	}
	return head + ": " + v.Detail
}

// ─────────────────────────────────────────────────────────────────────────────
// CRUD
// ─────────────────────────────────────────────────────────────────────────────

// CreateRule adds a rule. An empty id is assigned a UUID. A condition that
// does not compile is stored anyway, never breaches, and is reported both in
// the returned rule's PredicateError and as the *models.InvalidPredicateError
// error alongside the stored rule.
func (e *Engine) CreateRule(ctx context.Context, r models.Rule) (models.Rule, error) {
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	if err := e.normalize(&r); err != nil {
		return models.Rule{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.ID]; exists {
		return models.Rule{}, &models.ConflictError{ID: r.ID, Reason: "rule already exists"}
	}

	now := e.now()
	r.CreatedAt, r.UpdatedAt = now, now
	cr, predErr := e.compile(r)
	if err := e.persist(ctx, cr.rule); err != nil {
		return models.Rule{}, err
	}
	e.rules[r.ID] = cr
	e.logger.Info().Str("rule", r.ID).Str("severity", string(r.Severity)).Msg("rules: rule created")
	return cr.rule, predErr
}

// UpdateRule replaces a rule definition and resets its remembered outcomes.
func (e *Engine) UpdateRule(ctx context.Context, r models.Rule) (models.Rule, error) {
	if err := e.normalize(&r); err != nil {
		return models.Rule{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	prev, ok := e.rules[r.ID]
	if !ok {
		return models.Rule{}, &models.NotFoundError{Kind: "rule", ID: r.ID}
	}

	r.CreatedAt = prev.rule.CreatedAt
	r.UpdatedAt = e.now()
	cr, predErr := e.compile(r)
	if err := e.persist(ctx, cr.rule); err != nil {
		return models.Rule{}, err
	}
	e.rules[r.ID] = cr
	e.resetState(r.ID, false)
	e.logger.Info().Str("rule", r.ID).Msg("rules: rule updated")
	return cr.rule, predErr
}

// DeleteRule removes a rule and forgets its remembered outcomes. Open alerts
// raised by the rule are the caller's to resolve.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return &models.NotFoundError{Kind: "rule", ID: id}
	}
	if e.store != nil {
		if err := e.store.DeleteRule(ctx, id); err != nil {
			return fmt.Errorf("rules: delete %s: %w", id, err)
		}
	}
	delete(e.rules, id)
	e.resetState(id, true)
	e.logger.Info().Str("rule", id).Msg("rules: rule deleted")
	return nil
}

// GetRule returns one rule.
func (e *Engine) GetRule(id string) (models.Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cr, ok := e.rules[id]
	if !ok {
		return models.Rule{}, &models.NotFoundError{Kind: "rule", ID: id}
	}
	return cr.rule, nil
}

// ListRules returns every rule ordered by id.
func (e *Engine) ListRules() []models.Rule {
	e.mu.RLock()
	out := make([]models.Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		out = append(out, cr.rule)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load installs persisted or configured rules without writing them back.
// Invalid rules are skipped; rules whose id exists are replaced.
func (e *Engine) Load(rules []models.Rule) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range rules {
		if err := e.normalize(&r); err != nil {
			e.logger.Warn().Err(err).Str("rule", r.ID).Msg("rules: skip invalid rule")
			continue
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = e.now()
			r.UpdatedAt = r.CreatedAt
		}
		cr, _ := e.compile(r)
		e.rules[r.ID] = cr
		n++
	}
	return n
}

// predicate returns the rule and compiled predicate for compliance runs.
func (e *Engine) predicate(id string) (models.Rule, *Predicate, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cr, ok := e.rules[id]
	if !ok {
		return models.Rule{}, nil, &models.NotFoundError{Kind: "rule", ID: id}
	}
	return cr.rule, cr.pred, nil
}

// compile builds the compiled rule. Must hold e.mu.
func (e *Engine) compile(r models.Rule) (*compiledRule, error) {
	pred, err := Compile("rule "+r.ID, r.Condition)
	r.PredicateError = ""
	if err != nil {
		r.PredicateError = err.Error()
		e.logger.Warn().Err(err).Str("rule", r.ID).Msg("rules: invalid predicate, rule will never fire")
	}
	return &compiledRule{rule: r, pred: pred}, err
}

func (e *Engine) persist(ctx context.Context, r models.Rule) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveRule(ctx, r); err != nil {
		return fmt.Errorf("rules: persist %s: %w", r.ID, err)
	}
	return nil
}

// resetState marks every remembered outcome of rule as reset, or drops them
// when forget is set.
func (e *Engine) resetState(rule string, forget bool) {
	e.smu.Lock()
	defer e.smu.Unlock()
	for k := range e.state {
		if k.rule != rule {
			continue
		}
		if forget {
			delete(e.state, k)
		} else {
			e.state[k] = wasReset
		}
	}
}

func (e *Engine) normalize(r *models.Rule) error {
	if err := normalize(r); err != nil {
		return err
	}
	if limit := e.maxFor.Load(); limit > 0 && r.Condition.Kind == models.ConditionMetric && int64(r.Condition.For) > limit {
		return &models.ValidationError{
			Field:  "condition.for",
			Reason: fmt.Sprintf("%d exceeds the %d snapshots kept per device", r.Condition.For, limit),
		}
	}
	return nil
}

func normalize(r *models.Rule) error {
	r.ID = strings.TrimSpace(r.ID)
	if r.Name == "" {
		r.Name = r.ID
	}
	if r.Rearm == "" {
		r.Rearm = models.RearmEdge
	}
	if r.Severity == "" {
		r.Severity = models.SeverityWarning
	}
	if sev, ok := models.ParseSeverity(string(r.Severity)); ok {
		r.Severity = sev
	}
	if r.Condition.Kind == models.ConditionConfig && r.Condition.Mode == "" {
		r.Condition.Mode = models.ConfigRequire
	}
	return r.Validate()
}
