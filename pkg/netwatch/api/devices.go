package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vpbank/netwatch/models"
)

// deviceRequest holds the administratively writable part of a device.
type deviceRequest struct {
	ID       string                   `json:"id"`
	Name     string                   `json:"name"`
	IP       string                   `json:"ip"`
	Type     string                   `json:"type"`
	Model    string                   `json:"model"`
	Version  string                   `json:"version"`
	Location string                   `json:"location"`
	Tags     map[string]string        `json:"tags"`
	Profile  models.ConnectionProfile `json:"profile"`
}

func (req deviceRequest) device() models.Device {
	return models.Device{
		ID:       req.ID,
		Name:     req.Name,
		IP:       req.IP,
		Type:     req.Type,
		Model:    req.Model,
		Version:  req.Version,
		Location: req.Location,
		Tags:     req.Tags,
		Profile:  req.Profile,
	}
}

// deviceView adds group membership to a device.
type deviceView struct {
	models.Device
	Groups []string `json:"groups"`
}

func (s *Server) view(d models.Device) deviceView {
	v := deviceView{Device: d, Groups: []string{}}
	if s.deps.Groups != nil {
		if g := s.deps.Groups.GroupsOf(d.ID); g != nil {
			v.Groups = g
		}
	}
	return v
}

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.DeviceFilter{Type: q.Get("type"), Text: q.Get("q")}
	if raw := q.Get("status"); raw != "" {
		st, ok := models.ParseDeviceStatus(raw)
		if !ok {
			s.writeError(w, r, &models.ValidationError{Field: "status", Reason: "expected unknown|online|warning|offline"})
			return
		}
		f.Status = st
	}
	if g := q.Get("group"); g != "" {
		if s.deps.Groups == nil {
			s.writeError(w, r, &models.NotFoundError{Kind: "group", ID: g})
			return
		}
		members, err := s.deps.Groups.Members(g)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.IDs = make(map[string]struct{}, len(members))
		for _, id := range members {
			f.IDs[id] = struct{}{}
		}
	}

	devices := s.deps.Devices.List(f)
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, s.view(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeviceCreate(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.deps.Devices.Register(r.Context(), req.device())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(d))
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Devices.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(d))
}

func (s *Server) handleDeviceUpdate(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ID = chi.URLParam(r, "id")
	d, err := s.deps.Devices.Update(r.Context(), req.device())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(d))
}

func (s *Server) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Devices.Deregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.deps.Devices.History(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if hist == nil {
		hist = []*models.MetricSnapshot{}
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.Poller == nil {
		s.writeError(w, r, &models.ConflictError{ID: id, Reason: "polling is disabled"})
		return
	}
	if err := s.deps.Poller.PollNow(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "device_id": id})
}
