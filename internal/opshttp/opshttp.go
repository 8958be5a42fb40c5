// Package opshttp wires the chi-based operator HTTP surface: device and
// rule admin CRUD, audit queries, alarm ack/resolve, and history lookups,
// one handler struct per resource.
package opshttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/firesentinel/core/internal/alarms"
	"github.com/firesentinel/core/internal/audit"
	"github.com/firesentinel/core/internal/auth"
	"github.com/firesentinel/core/internal/devices"
	"github.com/firesentinel/core/internal/history"
	"github.com/firesentinel/core/internal/rules"
)

// Server bundles every handler dependency and exposes a chi.Router.
type Server struct {
	Devices devices.Registry
	Rules   *rules.Store
	Audit   *audit.Service
	Alarms  *alarms.Consumer
	History *history.Store
	Log     *logrus.Entry
}

// Router builds the full ops route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/api/v1/devices", func(r chi.Router) {
		r.Get("/", s.listDevices)
		r.Post("/", s.createDevice)
		r.Get("/{deviceID}", s.getDevice)
		r.Post("/{deviceID}/enable", s.setDeviceEnabled(true))
		r.Post("/{deviceID}/disable", s.setDeviceEnabled(false))
	})

	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Get("/", s.listRules)
		r.Post("/", s.createRule)
		r.Get("/{ruleID}", s.getRule)
		r.Put("/{ruleID}", s.updateRule)
		r.Delete("/{ruleID}", s.deleteRule)
	})

	r.Route("/api/v1/alarms", func(r chi.Router) {
		r.Get("/devices/{deviceID}", s.activeAlarmsForDevice)
		r.Post("/{alarmID}/ack", s.ackAlarm)
		r.Post("/{alarmID}/resolve", s.resolveAlarm)
	})

	r.Route("/api/v1/history", func(r chi.Router) {
		r.Get("/recent", s.recentHistory)
		r.Get("/devices/{deviceID}", s.historyByDevice)
	})

	r.Route("/api/v1/audit", func(r chi.Router) {
		r.Get("/events", s.queryAuditEvents)
		r.Post("/exports", s.exportAuditEvents)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func actorID(r *http.Request) string {
	if id := r.Header.Get("X-Actor-ID"); id != "" {
		return id
	}
	return "unknown"
}

func (s *Server) recordAudit(ctx context.Context, r *http.Request, action, targetType, targetID, result string) {
	if err := s.Audit.WriteEvent(ctx, audit.Event{
		ActorID:    actorID(r),
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Result:     result,
		RequestID:  r.Header.Get("X-Request-ID"),
		ClientIP:   r.RemoteAddr,
	}, s.Log); err != nil {
		s.Log.WithError(err).Error("failed to record audit event")
	}
}

// --- devices ---

type createDeviceRequest struct {
	DeviceID string `json:"device_id"`
	Type     string `json:"type"`
	APIKey   string `json:"api_key"`
}

func (s *Server) createDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	hash, err := auth.HashPassword(req.APIKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash api key")
		return
	}

	d := &devices.Device{DeviceID: req.DeviceID, Type: req.Type, APIKeyHash: hash, Enabled: true}
	if err := s.Devices.Create(r.Context(), d); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.recordAudit(r.Context(), r, "device.create", "device", d.DeviceID, "success")
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	list, err := s.Devices.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.Devices.GetByID(r.Context(), chi.URLParam(r, "deviceID"))
	if err == devices.ErrNotFound {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) setDeviceEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceID")
		if err := s.Devices.SetEnabled(r.Context(), deviceID, enabled); err == devices.ErrNotFound {
			writeError(w, http.StatusNotFound, "device not found")
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		action := "device.disable"
		if enabled {
			action = "device.enable"
		}
		s.recordAudit(r.Context(), r, action, "device", deviceID, "success")
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- rules ---

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.Rules.Create(r.Context(), &rule); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.recordAudit(r.Context(), r, "rule.create", "rule", rule.ID, "success")
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.Rules.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.Rules.Get(r.Context(), chi.URLParam(r, "ruleID"))
	if err == rules.ErrNotFound {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rule.ID = chi.URLParam(r, "ruleID")
	if err := s.Rules.Update(r.Context(), &rule); err == rules.ErrNotFound {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.recordAudit(r.Context(), r, "rule.update", "rule", rule.ID, "success")
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleID")
	if err := s.Rules.Delete(r.Context(), ruleID); err == rules.ErrNotFound {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.recordAudit(r.Context(), r, "rule.delete", "rule", ruleID, "success")
	w.WriteHeader(http.StatusNoContent)
}

// --- alarms ---

func (s *Server) activeAlarmsForDevice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Alarms.ActiveForDevice(chi.URLParam(r, "deviceID")))
}

func (s *Server) ackAlarm(w http.ResponseWriter, r *http.Request) {
	alarmID, err := strconv.ParseInt(chi.URLParam(r, "alarmID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alarm id")
		return
	}
	var req struct {
		DeviceID string `json:"device_id"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	if err := s.Alarms.Ack(req.DeviceID, alarmID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.recordAudit(r.Context(), r, "alarm.ack", "alarm", chi.URLParam(r, "alarmID"), "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resolveAlarm(w http.ResponseWriter, r *http.Request) {
	alarmID, err := strconv.ParseInt(chi.URLParam(r, "alarmID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alarm id")
		return
	}
	var req struct {
		DeviceID   string `json:"device_id"`
		ResolvedBy string `json:"resolved_by"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	if err := s.Alarms.Resolve(req.DeviceID, alarmID, req.ResolvedBy); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.recordAudit(r.Context(), r, "alarm.resolve", "alarm", chi.URLParam(r, "alarmID"), "success")
	w.WriteHeader(http.StatusNoContent)
}

// --- history ---

func (s *Server) recentHistory(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			n = parsed
		}
	}
	events, err := s.History.Recent(r.Context(), n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) historyByDevice(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			n = parsed
		}
	}
	events, err := s.History.ByDevice(r.Context(), chi.URLParam(r, "deviceID"), n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// --- audit ---

func (s *Server) queryAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		ActorID: q.Get("actor_id"),
		Action:  q.Get("action"),
		Result:  q.Get("result"),
		Cursor:  q.Get("cursor"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = limit
	}
	events, cursor, err := s.Audit.QueryEvents(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next_cursor": cursor})
}

func (s *Server) exportAuditEvents(w http.ResponseWriter, r *http.Request) {
	f := audit.Filter{ActorID: r.URL.Query().Get("actor_id")}
	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := s.Audit.Export(r.Context(), f, w); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
