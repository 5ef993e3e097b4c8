package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vpbank/netwatch/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Alerts
// ─────────────────────────────────────────────────────────────────────────────

type alertRequest struct {
	DeviceID string          `json:"device_id"`
	Severity models.Severity `json:"severity"`
	Message  string          `json:"message"`
}

func (s *Server) handleAlertsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.AlertFilter{
		DeviceID: q.Get("device"),
		GroupID:  q.Get("group"),
		Text:     q.Get("q"),
	}
	if raw := q.Get("severity"); raw != "" {
		sev, ok := models.ParseSeverity(raw)
		if !ok {
			s.writeError(w, r, &models.ValidationError{Field: "severity", Reason: "expected critical|warning|info"})
			return
		}
		f.Severity = sev
	}
	if raw := q.Get("state"); raw != "" {
		switch st := models.AlertState(raw); st {
		case models.AlertOpen, models.AlertAcknowledged, models.AlertResolved, models.AlertActive:
			f.State = st
		default:
			s.writeError(w, r, &models.ValidationError{Field: "state", Reason: "expected open|acknowledged|resolved|active"})
			return
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, &models.ValidationError{Field: "limit", Reason: "expected a non-negative integer"})
			return
		}
		f.Limit = n
	}
	writeJSON(w, http.StatusOK, nonNil(s.deps.Alerts.Query(f)))
}

func (s *Server) handleAlertCreate(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.DeviceID != "" {
		if _, err := s.deps.Devices.Get(req.DeviceID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	a, err := s.deps.Alerts.RaiseManual(r.Context(), req.DeviceID, req.Severity, req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleAlertsSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Alerts.Summary())
}

func (s *Server) handleAlertGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Alerts.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAlertAcknowledge(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Alerts.Acknowledge(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Alerts.Resolve(r.Context(), chi.URLParam(r, "id"), models.ResolutionManual)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ─────────────────────────────────────────────────────────────────────────────
// Compliance
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleChecksList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.deps.Compliance.List()))
}

func (s *Server) handleCheckCreate(w http.ResponseWriter, r *http.Request) {
	var c models.ComplianceCheck
	if err := decodeJSON(r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.Compliance.Create(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleChecksRunAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.deps.Compliance.RunAll(r.Context())))
}

func (s *Server) handleCheckGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Compliance.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCheckUpdate(w http.ResponseWriter, r *http.Request) {
	var c models.ComplianceCheck
	if err := decodeJSON(r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	c.ID = chi.URLParam(r, "id")
	updated, err := s.deps.Compliance.Update(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCheckDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Compliance.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckRun(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Compliance.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
