// Package groups classifies devices into static and dynamic groups.
//
// Static groups hold an explicit device-id set that changes only through
// AddDevice and RemoveDevice (and the removal of a deregistered device).
// Dynamic groups hold a field/operator/value predicate; their membership is
// always the set of registered devices matching it and is recomputed on every
// registry event and every predicate change. An invalid predicate yields an
// empty group and is recorded on the group as PredicateError.
package groups

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
	"github.com/vpbank/netwatch/pkg/netwatch/registry"
)

// DeviceSource is the subset of the Registry the resolver reads.
type DeviceSource interface {
	List(models.DeviceFilter) []models.Device
	Exists(id string) bool
}

// Store persists group definitions.
type Store interface {
	SaveGroup(ctx context.Context, g models.DeviceGroup) error
	DeleteGroup(ctx context.Context, id string) error
}

type group struct {
	def     models.DeviceGroup // DeviceIDs unused; see members
	match   matcher
	members map[string]struct{}
}

// Resolver is safe for concurrent use.
type Resolver struct {
	devices DeviceSource
	store   Store
	logger  *zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	groups map[string]*group
}

// NewResolver creates a resolver over devices. store may be nil.
func NewResolver(devices DeviceSource, store Store, log *zerolog.Logger) *Resolver {
	return &Resolver{
		devices: devices,
		store:   store,
		logger:  logger.OrNop(log),
		now:     time.Now,
		groups:  make(map[string]*group),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// CRUD
// ─────────────────────────────────────────────────────────────────────────────

// Create adds a group. Static members must be registered devices.
func (r *Resolver) Create(ctx context.Context, def models.DeviceGroup) (models.DeviceGroup, error) {
	if err := validate(&def); err != nil {
		return models.DeviceGroup{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[def.ID]; exists {
		return models.DeviceGroup{}, &models.ConflictError{ID: def.ID, Reason: "group already exists"}
	}

	g := &group{members: make(map[string]struct{})}
	if def.Kind == models.GroupStatic {
		for _, id := range def.DeviceIDs {
			if !r.devices.Exists(id) {
				return models.DeviceGroup{}, &models.NotFoundError{Kind: "device", ID: id}
			}
			g.members[id] = struct{}{}
		}
	}
	now := r.now()
	def.CreatedAt = now
	def.UpdatedAt = now
	g.def = def
	r.setPredicate(g)

	if err := r.persist(ctx, g); err != nil {
		return models.DeviceGroup{}, err
	}
	r.groups[def.ID] = g
	r.logger.Info().Str("group", def.ID).Str("kind", string(def.Kind)).Int("members", len(g.members)).
		Msg("groups: group created")
	return g.snapshot(), nil
}

// Update replaces name, description and criteria. Static membership is not
// changed by Update; the kind cannot change.
func (r *Resolver) Update(ctx context.Context, def models.DeviceGroup) (models.DeviceGroup, error) {
	if err := validate(&def); err != nil {
		return models.DeviceGroup{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[def.ID]
	if !ok {
		return models.DeviceGroup{}, &models.NotFoundError{Kind: "group", ID: def.ID}
	}
	if g.def.Kind != def.Kind {
		return models.DeviceGroup{}, &models.ValidationError{Field: "kind", Reason: "group kind cannot change"}
	}

	next := &group{def: g.def, match: g.match, members: g.members}
	next.def.Name = def.Name
	next.def.Description = def.Description
	next.def.UpdatedAt = r.now()
	if def.Kind == models.GroupDynamic {
		next.def.Criteria = def.Criteria
		next.members = make(map[string]struct{})
		r.setPredicate(next)
	}

	if err := r.persist(ctx, next); err != nil {
		return models.DeviceGroup{}, err
	}
	r.groups[def.ID] = next
	r.logger.Info().Str("group", def.ID).Int("members", len(next.members)).Msg("groups: group updated")
	return next.snapshot(), nil
}

// Delete removes a group.
func (r *Resolver) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[id]; !ok {
		return &models.NotFoundError{Kind: "group", ID: id}
	}
	if r.store != nil {
		if err := r.store.DeleteGroup(ctx, id); err != nil {
			return fmt.Errorf("groups: delete %s: %w", id, err)
		}
	}
	delete(r.groups, id)
	r.logger.Info().Str("group", id).Msg("groups: group deleted")
	return nil
}

// Get returns a group with its current membership.
func (r *Resolver) Get(id string) (models.DeviceGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return models.DeviceGroup{}, &models.NotFoundError{Kind: "group", ID: id}
	}
	return g.snapshot(), nil
}

// List returns every group ordered by id.
func (r *Resolver) List() []models.DeviceGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.DeviceGroup, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load restores persisted groups without writing them back. Static members
// that are no longer registered are dropped; dynamic groups are recomputed.
func (r *Resolver) Load(defs []models.DeviceGroup) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for _, def := range defs {
		if err := validate(&def); err != nil {
			r.logger.Warn().Err(err).Str("group", def.ID).Msg("groups: skip invalid stored group")
			continue
		}
		g := &group{def: def, members: make(map[string]struct{})}
		if def.Kind == models.GroupStatic {
			for _, id := range def.DeviceIDs {
				if r.devices.Exists(id) {
					g.members[id] = struct{}{}
				}
			}
		}
		r.setPredicate(g)
		r.groups[def.ID] = g
		loaded++
	}
	return loaded
}

// ─────────────────────────────────────────────────────────────────────────────
// Static membership
// ─────────────────────────────────────────────────────────────────────────────

// AddDevice adds a registered device to a static group.
func (r *Resolver) AddDevice(ctx context.Context, groupID, deviceID string) error {
	return r.editStatic(ctx, groupID, deviceID, true)
}

// RemoveDevice removes a device from a static group.
func (r *Resolver) RemoveDevice(ctx context.Context, groupID, deviceID string) error {
	return r.editStatic(ctx, groupID, deviceID, false)
}

func (r *Resolver) editStatic(ctx context.Context, groupID, deviceID string, add bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return &models.NotFoundError{Kind: "group", ID: groupID}
	}
	if g.def.Kind != models.GroupStatic {
		return &models.ValidationError{Field: "group", Reason: "dynamic group membership is derived from its criteria"}
	}

	_, present := g.members[deviceID]
	switch {
	case add && !r.devices.Exists(deviceID):
		return &models.NotFoundError{Kind: "device", ID: deviceID}
	case !add && !present:
		return &models.NotFoundError{Kind: "group member", ID: deviceID}
	case add && present:
		return nil
	}

	next := &group{def: g.def, match: g.match, members: copySet(g.members)}
	if add {
		next.members[deviceID] = struct{}{}
	} else {
		delete(next.members, deviceID)
	}
	next.def.UpdatedAt = r.now()
	if err := r.persist(ctx, next); err != nil {
		return err
	}
	r.groups[groupID] = next
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Membership queries
// ─────────────────────────────────────────────────────────────────────────────

// Members returns the sorted device ids of a group.
func (r *Resolver) Members(groupID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return nil, &models.NotFoundError{Kind: "group", ID: groupID}
	}
	return sortedKeys(g.members), nil
}

// Contains reports whether deviceID is a member of groupID. Unknown groups
// contain nothing.
func (r *Resolver) Contains(groupID, deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return false
	}
	_, in := g.members[deviceID]
	return in
}

// GroupsOf returns the sorted ids of every group containing deviceID.
func (r *Resolver) GroupsOf(deviceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, g := range r.groups {
		if _, in := g.members[deviceID]; in {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Registry events
// ─────────────────────────────────────────────────────────────────────────────

// OnDeviceEvent keeps memberships in step with the registry. It implements
// registry.Listener.
func (r *Resolver) OnDeviceEvent(ev registry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ev.Device.ID
	for gid, g := range r.groups {
		switch {
		case ev.Type == registry.EventRemoved:
			if _, in := g.members[id]; !in {
				continue
			}
			next := &group{def: g.def, match: g.match, members: copySet(g.members)}
			delete(next.members, id)
			r.groups[gid] = next
			if g.def.Kind == models.GroupStatic {
				if err := r.persist(context.Background(), next); err != nil {
					r.logger.Error().Err(err).Str("group", gid).Msg("groups: persist after device removal failed")
				}
			}
		case g.def.Kind == models.GroupDynamic:
			_, in := g.members[id]
			if want := g.match(ev.Device); want != in {
				next := &group{def: g.def, match: g.match, members: copySet(g.members)}
				if want {
					next.members[id] = struct{}{}
				} else {
					delete(next.members, id)
				}
				r.groups[gid] = next
			}
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

// setPredicate compiles the group's criteria and, for dynamic groups,
// recomputes membership from the full device list. Must hold r.mu.
func (r *Resolver) setPredicate(g *group) {
	if g.def.Kind != models.GroupDynamic {
		g.match = matchNothing
		g.def.PredicateError = ""
		return
	}

	m, err := compile("group "+g.def.ID, g.def.Criteria)
	g.match = m
	g.def.PredicateError = ""
	if err != nil {
		g.def.PredicateError = err.Error()
		r.logger.Warn().Err(err).Str("group", g.def.ID).Msg("groups: invalid predicate, group will be empty")
	}

	g.members = make(map[string]struct{})
	for _, d := range r.devices.List(models.DeviceFilter{}) {
		if g.match(d) {
			g.members[d.ID] = struct{}{}
		}
	}
}

func (r *Resolver) persist(ctx context.Context, g *group) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveGroup(ctx, g.snapshot()); err != nil {
		return fmt.Errorf("groups: persist %s: %w", g.def.ID, err)
	}
	return nil
}

func (g *group) snapshot() models.DeviceGroup {
	out := g.def
	if out.Criteria != nil {
		c := *out.Criteria
		out.Criteria = &c
	}
	out.DeviceIDs = sortedKeys(g.members)
	return out
}

func validate(def *models.DeviceGroup) error {
	def.ID = strings.TrimSpace(def.ID)
	if def.ID == "" {
		return &models.ValidationError{Field: "id", Reason: "required"}
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	switch def.Kind {
	case models.GroupStatic:
	case models.GroupDynamic:
		if def.Criteria == nil {
			return &models.ValidationError{Field: "criteria", Reason: "required for dynamic groups"}
		}
	default:
		return &models.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown group kind %q", def.Kind)}
	}
	return nil
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
