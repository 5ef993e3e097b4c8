// Package api serves the administrative HTTP API.
//
// Routes live under /api/v1 and speak JSON. Typed errors from the
// components map to status codes in one place (writeError):
//
//	*models.NotFoundError                    → 404
//	*models.DuplicateDeviceError, *Conflict, *AlreadyAcknowledged → 409
//	*models.ValidationError, *InvalidPredicate → 400
//	anything else                            → 500
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/models"
	"github.com/vpbank/netwatch/pkg/netwatch/logger"
	"github.com/vpbank/netwatch/pkg/netwatch/scheduler"
)

// ─────────────────────────────────────────────────────────────────────────────
// Dependencies
// ─────────────────────────────────────────────────────────────────────────────

// Devices is the registry surface the API drives.
type Devices interface {
	Register(ctx context.Context, d models.Device) (models.Device, error)
	Update(ctx context.Context, d models.Device) (models.Device, error)
	Deregister(ctx context.Context, id string) error
	Get(id string) (models.Device, error)
	List(models.DeviceFilter) []models.Device
	Summary() models.DeviceSummary
	History(id string) ([]*models.MetricSnapshot, error)
}

// Poller triggers and reports scheduling.
type Poller interface {
	PollNow(id string) error
	Stats() scheduler.Stats
}

// Rules manages alert rule definitions.
type Rules interface {
	CreateRule(ctx context.Context, r models.Rule) (models.Rule, error)
	UpdateRule(ctx context.Context, r models.Rule) (models.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	GetRule(id string) (models.Rule, error)
	ListRules() []models.Rule
}

// Groups manages device groups.
type Groups interface {
	Create(ctx context.Context, g models.DeviceGroup) (models.DeviceGroup, error)
	Update(ctx context.Context, g models.DeviceGroup) (models.DeviceGroup, error)
	Delete(ctx context.Context, id string) error
	Get(id string) (models.DeviceGroup, error)
	List() []models.DeviceGroup
	Members(groupID string) ([]string, error)
	AddDevice(ctx context.Context, groupID, deviceID string) error
	RemoveDevice(ctx context.Context, groupID, deviceID string) error
	GroupsOf(deviceID string) []string
}

// Alerts is the alert store surface.
type Alerts interface {
	RaiseManual(ctx context.Context, deviceID string, sev models.Severity, message string) (models.Alert, error)
	Acknowledge(ctx context.Context, id string) (models.Alert, error)
	Resolve(ctx context.Context, id string, res models.Resolution) (models.Alert, error)
	ResolveRule(ctx context.Context, ruleID string) int
	Get(id string) (models.Alert, error)
	Query(models.AlertFilter) []models.Alert
	Summary() models.AlertSummary
}

// Compliance manages and runs compliance checks.
type Compliance interface {
	Create(ctx context.Context, c models.ComplianceCheck) (models.ComplianceCheck, error)
	Update(ctx context.Context, c models.ComplianceCheck) (models.ComplianceCheck, error)
	Delete(ctx context.Context, id string) error
	Get(id string) (models.ComplianceCheck, error)
	List() []models.ComplianceCheck
	Run(ctx context.Context, id string) (models.ComplianceCheck, error)
	RunAll(ctx context.Context) []models.ComplianceCheck
}

// Deps bundles the components behind the API.
type Deps struct {
	Devices    Devices
	Poller     Poller
	Rules      Rules
	Groups     Groups
	Alerts     Alerts
	Compliance Compliance
}

// ─────────────────────────────────────────────────────────────────────────────
// Server
// ─────────────────────────────────────────────────────────────────────────────

// Server is the HTTP front end.
type Server struct {
	deps    Deps
	logger  *zerolog.Logger
	timeout time.Duration
	router  chi.Router
}

// New builds the router. requestTimeout bounds each request (default 30s).
func New(deps Deps, requestTimeout time.Duration, log *zerolog.Logger) *Server {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	s := &Server{deps: deps, logger: logger.OrNop(log), timeout: requestTimeout}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/summary", s.handleSummary)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleDevicesList)
			r.Post("/", s.handleDeviceCreate)
			r.Get("/{id}", s.handleDeviceGet)
			r.Put("/{id}", s.handleDeviceUpdate)
			r.Delete("/{id}", s.handleDeviceDelete)
			r.Get("/{id}/history", s.handleDeviceHistory)
			r.Post("/{id}/poll", s.handleDevicePoll)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleRulesList)
			r.Post("/", s.handleRuleCreate)
			r.Get("/{id}", s.handleRuleGet)
			r.Put("/{id}", s.handleRuleUpdate)
			r.Delete("/{id}", s.handleRuleDelete)
		})

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", s.handleGroupsList)
			r.Post("/", s.handleGroupCreate)
			r.Get("/{id}", s.handleGroupGet)
			r.Put("/{id}", s.handleGroupUpdate)
			r.Delete("/{id}", s.handleGroupDelete)
			r.Get("/{id}/devices", s.handleGroupDevices)
			r.Put("/{id}/devices/{deviceID}", s.handleGroupAddDevice)
			r.Delete("/{id}/devices/{deviceID}", s.handleGroupRemoveDevice)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleAlertsList)
			r.Post("/", s.handleAlertCreate)
			r.Get("/summary", s.handleAlertsSummary)
			r.Get("/{id}", s.handleAlertGet)
			r.Post("/{id}/acknowledge", s.handleAlertAcknowledge)
			r.Post("/{id}/resolve", s.handleAlertResolve)
		})

		r.Route("/compliance", func(r chi.Router) {
			r.Get("/", s.handleChecksList)
			r.Post("/", s.handleCheckCreate)
			r.Post("/run", s.handleChecksRunAll)
			r.Get("/{id}", s.handleCheckGet)
			r.Put("/{id}", s.handleCheckUpdate)
			r.Delete("/{id}", s.handleCheckDelete)
			r.Post("/{id}/run", s.handleCheckRun)
		})
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("api: listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api: serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	s.logger.Info().Msg("api: stopped")
	return nil
}

// accessLog logs one line per request at debug level, or warn for 5xx.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		ev := s.logger.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			ev = s.logger.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("api: request")
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Summary
// ─────────────────────────────────────────────────────────────────────────────

type summaryResponse struct {
	Devices   models.DeviceSummary `json:"devices"`
	Alerts    models.AlertSummary  `json:"alerts"`
	Scheduler *scheduler.Stats     `json:"scheduler,omitempty"`
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	resp := summaryResponse{
		Devices: s.deps.Devices.Summary(),
		Alerts:  s.deps.Alerts.Summary(),
	}
	if s.deps.Poller != nil {
		st := s.deps.Poller.Stats()
		resp.Scheduler = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusOf maps the error taxonomy onto HTTP.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrDuplicate),
		errors.Is(err, models.ErrAlreadyAcknowledged),
		errors.Is(err, models.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrInvalidPredicate):
		return http.StatusBadRequest, "invalid"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("api: request failed")
	}
	writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &models.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
