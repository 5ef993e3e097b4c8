package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vpbank/netwatch/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Rules
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleRulesList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.deps.Rules.ListRules()))
}

// A rule whose condition does not compile is still stored; the response
// carries predicate_error and the status is the same as for a valid rule.
func (s *Server) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var rule models.Rule
	if err := decodeJSON(r, &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.Rules.CreateRule(r.Context(), rule)
	if err != nil && !storedDespite(err, created.ID) {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Rules.GetRule(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	var rule models.Rule
	if err := decodeJSON(r, &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule.ID = chi.URLParam(r, "id")
	updated, err := s.deps.Rules.UpdateRule(r.Context(), rule)
	if err != nil && !storedDespite(err, updated.ID) {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Deleting a rule resolves the alerts it raised.
func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Rules.DeleteRule(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if n := s.deps.Alerts.ResolveRule(r.Context(), id); n > 0 {
		s.logger.Info().Str("rule", id).Int("alerts", n).Msg("api: resolved alerts of deleted rule")
	}
	w.WriteHeader(http.StatusNoContent)
}

// storedDespite reports whether err only flags an invalid predicate on a
// definition that was nevertheless stored.
func storedDespite(err error, id string) bool {
	return id != "" && errors.Is(err, models.ErrInvalidPredicate)
}

// ─────────────────────────────────────────────────────────────────────────────
// Groups
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleGroupsList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.deps.Groups.List()))
}

func (s *Server) handleGroupCreate(w http.ResponseWriter, r *http.Request) {
	var g models.DeviceGroup
	if err := decodeJSON(r, &g); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.Groups.Create(r.Context(), g)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGroupGet(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Groups.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleGroupUpdate(w http.ResponseWriter, r *http.Request) {
	var g models.DeviceGroup
	if err := decodeJSON(r, &g); err != nil {
		s.writeError(w, r, err)
		return
	}
	g.ID = chi.URLParam(r, "id")
	updated, err := s.deps.Groups.Update(r.Context(), g)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleGroupDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Groups.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGroupDevices(w http.ResponseWriter, r *http.Request) {
	members, err := s.deps.Groups.Members(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ids := make(map[string]struct{}, len(members))
	for _, id := range members {
		ids[id] = struct{}{}
	}
	writeJSON(w, http.StatusOK, nonNil(s.deps.Devices.List(models.DeviceFilter{IDs: ids})))
}

func (s *Server) handleGroupAddDevice(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Groups.AddDevice(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "deviceID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGroupRemoveDevice(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Groups.RemoveDevice(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "deviceID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
