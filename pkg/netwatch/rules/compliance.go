package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
)

// DeviceHistory is the subset of the Registry the compliance runner reads.
type DeviceHistory interface {
	List(models.DeviceFilter) []models.Device
	History(id string) ([]*models.MetricSnapshot, error)
}

// CheckStore persists compliance checks together with their last results.
type CheckStore interface {
	SaveCheck(ctx context.Context, c models.ComplianceCheck) error
	DeleteCheck(ctx context.Context, id string) error
}

// ComplianceSink receives an event after every run.
type ComplianceSink interface {
	OnComplianceEvent(models.ComplianceEvent)
}

// ComplianceRunner owns compliance checks and runs them on demand or on their
// cron schedule. A run recomputes the check's results wholesale from the
// latest snapshots of the devices in scope.
type ComplianceRunner struct {
	engine  *Engine
	devices DeviceHistory
	store   CheckStore
	logger  *zerolog.Logger
	now     func() time.Time
	cron    *cron.Cron

	runMu sync.Mutex // one run at a time

	mu     sync.Mutex
	checks map[string]*models.ComplianceCheck
	jobs   map[string]cron.EntryID
	sinks  []ComplianceSink
}

// NewComplianceRunner creates a runner evaluating rules from engine. store may
// be nil.
func NewComplianceRunner(engine *Engine, devices DeviceHistory, store CheckStore, log *zerolog.Logger) *ComplianceRunner {
	return &ComplianceRunner{
		engine:  engine,
		devices: devices,
		store:   store,
		logger:  logger.OrNop(log),
		now:     time.Now,
		cron:    cron.New(),
		checks:  make(map[string]*models.ComplianceCheck),
		jobs:    make(map[string]cron.EntryID),
	}
}

// AddSink subscribes s to run events.
func (c *ComplianceRunner) AddSink(s ComplianceSink) {
	c.mu.Lock()
	c.sinks = append(c.sinks, s)
	c.mu.Unlock()
}

// Start runs scheduled checks until ctx is cancelled, then waits for a
// running scheduled check to finish.
func (c *ComplianceRunner) Start(ctx context.Context) {
	c.cron.Start()
	c.mu.Lock()
	scheduled := len(c.jobs)
	c.mu.Unlock()
	c.logger.Info().Int("scheduled", scheduled).Msg("compliance: started")

	<-ctx.Done()
	<-c.cron.Stop().Done()
	c.logger.Info().Msg("compliance: stopped")
}

// ─────────────────────────────────────────────────────────────────────────────
// Runs
// ─────────────────────────────────────────────────────────────────────────────

// Run executes one check now, whether or not it is enabled.
func (c *ComplianceRunner) Run(ctx context.Context, id string) (models.ComplianceCheck, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if err := ctx.Err(); err != nil {
		return models.ComplianceCheck{}, err
	}

	chk, err := c.Get(id)
	if err != nil {
		return models.ComplianceCheck{}, err
	}
	rule, pred, err := c.engine.predicate(chk.RuleID)
	if err != nil {
		return models.ComplianceCheck{}, fmt.Errorf("compliance %s: %w", id, err)
	}
	scope := chk.Scope
	if scope.Empty() {
		scope = rule.Scope
	}

	var results []models.ComplianceResult
	issues, judged := 0, 0
	for _, d := range c.devices.List(models.DeviceFilter{}) {
		if !c.engine.Applies(scope, d.ID) {
			continue
		}
		history, err := c.devices.History(d.ID)
		if err != nil {
			continue // deregistered during the run
		}
		v := pred.Evaluate(history)
		res := models.ComplianceResult{DeviceID: d.ID, Detail: v.Detail}
		switch {
		case !v.Known:
			res.Pending = true
		case v.Breach:
			issues++
			judged++
		default:
			res.Passed = true
			judged++
		}
		results = append(results, res)
	}

	status := models.CompliancePassed
	switch {
	case judged == 0:
		status = models.CompliancePending
	case issues > 0 && rule.Severity == models.SeverityCritical:
		status = models.ComplianceFailed
	case issues > 0:
		status = models.ComplianceWarning
	}

	now := c.now()
	c.mu.Lock()
	cur, ok := c.checks[id]
	if !ok {
		c.mu.Unlock()
		return models.ComplianceCheck{}, &models.NotFoundError{Kind: "compliance check", ID: id}
	}
	cur.LastRunAt = &now
	cur.Status = status
	cur.IssueCount = issues
	cur.Results = results
	out := cloneCheck(*cur)
	sinks := append([]ComplianceSink(nil), c.sinks...)
	c.mu.Unlock()

	c.logger.Info().
		Str("check", id).
		Str("status", string(status)).
		Int("issues", issues).
		Int("devices", len(results)).
		Msg("compliance: run finished")

	ev := models.ComplianceEvent{Type: models.ComplianceEventType, At: now, Check: out}
	for _, s := range sinks {
		s.OnComplianceEvent(ev)
	}
	if err := c.persist(ctx, out); err != nil {
		return out, err
	}
	return out, nil
}

// RunAll runs every enabled check in id order. Failed runs are logged and
// left out of the result.
func (c *ComplianceRunner) RunAll(ctx context.Context) []models.ComplianceCheck {
	var out []models.ComplianceCheck
	for _, chk := range c.List() {
		if chk.Disabled {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		res, err := c.Run(ctx, chk.ID)
		if err != nil {
			c.logger.Warn().Err(err).Str("check", chk.ID).Msg("compliance: run failed")
			continue
		}
		out = append(out, res)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// CRUD
// ─────────────────────────────────────────────────────────────────────────────

// Create adds a check. Its rule must exist and its schedule, when set, must be
// a standard cron expression or descriptor.
func (c *ComplianceRunner) Create(ctx context.Context, chk models.ComplianceCheck) (models.ComplianceCheck, error) {
	if strings.TrimSpace(chk.ID) == "" {
		chk.ID = uuid.NewString()
	}
	if err := c.validate(&chk); err != nil {
		return models.ComplianceCheck{}, err
	}
	chk.Status = models.CompliancePending
	chk.LastRunAt, chk.IssueCount, chk.Results = nil, 0, nil

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.checks[chk.ID]; exists {
		return models.ComplianceCheck{}, &models.ConflictError{ID: chk.ID, Reason: "compliance check already exists"}
	}
	if err := c.persist(ctx, chk); err != nil {
		return models.ComplianceCheck{}, err
	}
	c.checks[chk.ID] = &chk
	c.scheduleLocked(&chk)
	c.logger.Info().Str("check", chk.ID).Str("rule", chk.RuleID).Msg("compliance: check created")
	return cloneCheck(chk), nil
}

// Update replaces a check's definition. Previous results are discarded.
func (c *ComplianceRunner) Update(ctx context.Context, chk models.ComplianceCheck) (models.ComplianceCheck, error) {
	if err := c.validate(&chk); err != nil {
		return models.ComplianceCheck{}, err
	}
	chk.Status = models.CompliancePending
	chk.LastRunAt, chk.IssueCount, chk.Results = nil, 0, nil

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.checks[chk.ID]; !ok {
		return models.ComplianceCheck{}, &models.NotFoundError{Kind: "compliance check", ID: chk.ID}
	}
	if err := c.persist(ctx, chk); err != nil {
		return models.ComplianceCheck{}, err
	}
	c.checks[chk.ID] = &chk
	c.scheduleLocked(&chk)
	c.logger.Info().Str("check", chk.ID).Msg("compliance: check updated")
	return cloneCheck(chk), nil
}

// Delete removes a check and its schedule.
func (c *ComplianceRunner) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.checks[id]; !ok {
		return &models.NotFoundError{Kind: "compliance check", ID: id}
	}
	if c.store != nil {
		if err := c.store.DeleteCheck(ctx, id); err != nil {
			return fmt.Errorf("compliance: delete %s: %w", id, err)
		}
	}
	c.unscheduleLocked(id)
	delete(c.checks, id)
	c.logger.Info().Str("check", id).Msg("compliance: check deleted")
	return nil
}

// Get returns one check.
func (c *ComplianceRunner) Get(id string) (models.ComplianceCheck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chk, ok := c.checks[id]
	if !ok {
		return models.ComplianceCheck{}, &models.NotFoundError{Kind: "compliance check", ID: id}
	}
	return cloneCheck(*chk), nil
}

// List returns every check ordered by id.
func (c *ComplianceRunner) List() []models.ComplianceCheck {
	c.mu.Lock()
	out := make([]models.ComplianceCheck, 0, len(c.checks))
	for _, chk := range c.checks {
		out = append(out, cloneCheck(*chk))
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load installs persisted or configured checks, keeping stored results.
// Checks with an invalid schedule are skipped.
func (c *ComplianceRunner) Load(checks []models.ComplianceCheck) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, chk := range checks {
		chk := chk
		if chk.ID == "" {
			continue
		}
		if _, err := parseSchedule(chk.Schedule); err != nil {
			c.logger.Warn().Err(err).Str("check", chk.ID).Msg("compliance: skip check with invalid schedule")
			continue
		}
		if _, _, err := c.engine.predicate(chk.RuleID); err != nil {
			c.logger.Warn().Err(err).Str("check", chk.ID).Msg("compliance: check references unknown rule")
		}
		if chk.Status == "" {
			chk.Status = models.CompliancePending
		}
		if chk.Name == "" {
			chk.Name = chk.ID
		}
		c.checks[chk.ID] = &chk
		c.scheduleLocked(&chk)
		n++
	}
	return n
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

func (c *ComplianceRunner) validate(chk *models.ComplianceCheck) error {
	chk.ID = strings.TrimSpace(chk.ID)
	if chk.ID == "" {
		return &models.ValidationError{Field: "id", Reason: "required"}
	}
	if chk.Name == "" {
		chk.Name = chk.ID
	}
	if chk.RuleID == "" {
		return &models.ValidationError{Field: "rule_id", Reason: "required"}
	}
	if _, _, err := c.engine.predicate(chk.RuleID); err != nil {
		return err
	}
	if _, err := parseSchedule(chk.Schedule); err != nil {
		return &models.ValidationError{Field: "schedule", Reason: err.Error()}
	}
	return nil
}

// scheduleLocked (re)registers the cron entry for chk. Must hold c.mu.
func (c *ComplianceRunner) scheduleLocked(chk *models.ComplianceCheck) {
	c.unscheduleLocked(chk.ID)
	if chk.Disabled || chk.Schedule == "" {
		return
	}
	sched, err := parseSchedule(chk.Schedule)
	if err != nil {
		return
	}
	id := chk.ID
	c.jobs[id] = c.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := c.Run(context.Background(), id); err != nil {
			c.logger.Warn().Err(err).Str("check", id).Msg("compliance: scheduled run failed")
		}
	}))
}

func (c *ComplianceRunner) unscheduleLocked(id string) {
	if entry, ok := c.jobs[id]; ok {
		c.cron.Remove(entry)
		delete(c.jobs, id)
	}
}

func (c *ComplianceRunner) persist(ctx context.Context, chk models.ComplianceCheck) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveCheck(ctx, chk); err != nil {
		return fmt.Errorf("compliance: persist %s: %w", chk.ID, err)
	}
	return nil
}

// parseSchedule accepts an empty schedule (on demand only), a five-field cron
// expression or a descriptor such as @hourly or @every 30m.
func parseSchedule(spec string) (cron.Schedule, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	return cron.ParseStandard(spec)
}

func cloneCheck(c models.ComplianceCheck) models.ComplianceCheck {
	if c.Results != nil {
		c.Results = append([]models.ComplianceResult(nil), c.Results...)
	}
	if c.LastRunAt != nil {
		t := *c.LastRunAt
		c.LastRunAt = &t
	}
	c.Scope.DeviceIDs = append([]string(nil), c.Scope.DeviceIDs...)
	return c
}
