package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kaonis/woly-server/internal/router"
	"github.com/kaonis/woly-server/internal/store"
	"github.com/kaonis/woly-server/internal/wolerr"
)

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps a classified error onto an HTTP status and a stable
// error shape.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := wolerr.HTTPStatus(err)
	body := map[string]any{
		"error": map[string]any{
			"kind":    string(wolerr.KindOf(err)),
			"message": err.Error(),
		},
	}
	var we *wolerr.Error
	if errors.As(err, &we) {
		body["error"].(map[string]any)["message"] = we.Message
		if we.CorrelationID != "" {
			body["error"].(map[string]any)["correlationId"] = we.CorrelationID
		}
	}
	s.writeJSON(w, status, body)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		s.writeError(w, wolerr.Wrap(wolerr.KindInvalidRequest, "malformed body", err))
		return false
	}
	return true
}

// hostFqn extracts and unescapes the fqn path parameter.
func hostFqn(r *http.Request) string {
	raw := chi.URLParam(r, "fqn")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		return unescaped
	}
	return raw
}

// --- hosts ---

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.agg.ListHosts()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"hosts": hosts})
}

func (s *Server) handleHostStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.agg.Stats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	host, err := s.agg.GetHost(hostFqn(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, host)
}

func (s *Server) handleHostUptime(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "7d"
	}
	summary, err := s.agg.Uptime(hostFqn(r), period)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// --- commands ---

type commandRequest struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	CorrelationID  string `json:"correlationId,omitempty"`
	Confirm        bool   `json:"confirm,omitempty"`
	Verify         bool   `json:"verify,omitempty"`
	WolPort        int    `json:"wolPort,omitempty"`
}

func (req commandRequest) options() router.Options {
	return router.Options{
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
		Confirm:        req.Confirm,
		Verify:         req.Verify,
		WolPort:        req.WolPort,
	}
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	res, err := s.router.RouteWake(hostFqn(r), req.options())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSleep(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	res, err := s.router.RouteSleep(hostFqn(r), req.options())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleShutdownHost(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	res, err := s.router.RouteShutdown(hostFqn(r), req.options())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	snap, err := s.router.RoutePingHost(hostFqn(r), req.options())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleScanPorts(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	snap, err := s.router.RouteScanHostPorts(hostFqn(r), req.options())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUpdateHost(w http.ResponseWriter, r *http.Request) {
	patch, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, wolerr.Wrap(wolerr.KindInvalidRequest, "unreadable body", err))
		return
	}
	if !json.Valid(patch) {
		s.writeError(w, wolerr.New(wolerr.KindInvalidRequest, "patch is not valid JSON"))
		return
	}
	res, err := s.router.RouteUpdateHost(hostFqn(r), patch, router.Options{
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	res, err := s.router.RouteDeleteHost(hostFqn(r), router.Options{
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	res, err := s.router.RouteScanHosts(req.options())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type commandView struct {
	CommandID      string          `json:"commandId"`
	Type           string          `json:"type"`
	NodeID         string          `json:"nodeId"`
	Target         string          `json:"target,omitempty"`
	State          string          `json:"state"`
	CorrelationID  string          `json:"correlationId"`
	IdempotencyKey *string         `json:"idempotencyKey,omitempty"`
	QueuedAt       time.Time       `json:"queuedAt"`
	SentAt         *time.Time      `json:"sentAt,omitempty"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
	Outcome        json.RawMessage `json:"outcome,omitempty"`
	Error          *string         `json:"error,omitempty"`
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.store.GetCommand(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, wolerr.New(wolerr.KindNotFound, "command not found"))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, commandView{
		CommandID:      cmd.CommandID,
		Type:           cmd.Type,
		NodeID:         cmd.NodeID,
		Target:         cmd.Target,
		State:          cmd.State,
		CorrelationID:  cmd.CorrelationID,
		IdempotencyKey: cmd.IdempotencyKey,
		QueuedAt:       cmd.QueuedAt,
		SentAt:         cmd.SentAt,
		ResolvedAt:     cmd.ResolvedAt,
		Outcome:        cmd.Outcome,
		Error:          cmd.Error,
	})
}

// --- nodes ---

type nodeView struct {
	NodeID        string            `json:"nodeId"`
	Status        string            `json:"status"`
	Location      string            `json:"location,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	LastHeartbeat *time.Time        `json:"lastHeartbeat,omitempty"`
	Connected     bool              `json:"connected"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeView{
			NodeID:        n.NodeID,
			Status:        n.Status,
			Location:      n.Location,
			Metadata:      n.Metadata,
			LastHeartbeat: n.LastHeartbeat,
			Connected:     s.nodes.IsOnline(n.NodeID),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

// --- schedules ---

type scheduleView struct {
	ID            string     `json:"id"`
	HostFqn       string     `json:"hostFqn"`
	HostName      string     `json:"hostName"`
	HostMac       string     `json:"hostMac"`
	ScheduledTime string     `json:"scheduledTime"`
	Frequency     string     `json:"frequency"`
	Enabled       bool       `json:"enabled"`
	NotifyOnWake  bool       `json:"notifyOnWake"`
	Timezone      string     `json:"timezone"`
	LastTriggered *time.Time `json:"lastTriggered,omitempty"`
	NextTrigger   *time.Time `json:"nextTrigger,omitempty"`
}

func scheduleToView(sc *store.WakeSchedule) scheduleView {
	return scheduleView{
		ID:            sc.ID,
		HostFqn:       sc.HostFqn,
		HostName:      sc.HostName,
		HostMac:       sc.HostMac,
		ScheduledTime: sc.ScheduledTime,
		Frequency:     sc.Frequency,
		Enabled:       sc.Enabled,
		NotifyOnWake:  sc.NotifyOnWake,
		Timezone:      sc.Timezone,
		LastTriggered: sc.LastTriggered,
		NextTrigger:   sc.NextTrigger,
	}
}

type scheduleRequest struct {
	HostFqn       string `json:"hostFqn"`
	ScheduledTime string `json:"scheduledTime"`
	Frequency     string `json:"frequency"`
	Enabled       *bool  `json:"enabled,omitempty"`
	NotifyOnWake  bool   `json:"notifyOnWake,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]scheduleView, 0, len(schedules))
	for _, sc := range schedules {
		out = append(out, scheduleToView(sc))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"schedules": out})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	host, err := s.agg.ResolveHost(req.HostFqn)
	if err != nil {
		s.writeError(w, err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sc := &store.WakeSchedule{
		ID:            uuid.NewString(),
		HostFqn:       host.Fqn,
		HostName:      host.Name,
		HostMac:       host.Mac,
		ScheduledTime: req.ScheduledTime,
		Frequency:     req.Frequency,
		Enabled:       enabled,
		NotifyOnWake:  req.NotifyOnWake,
		Timezone:      req.Timezone,
	}
	if err := s.store.CreateSchedule(sc); err != nil {
		s.writeError(w, wolerr.Wrap(wolerr.KindInvalidRequest, "invalid schedule", err))
		return
	}
	s.writeJSON(w, http.StatusCreated, scheduleToView(sc))
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetSchedule(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, wolerr.New(wolerr.KindNotFound, "schedule not found"))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scheduleToView(sc))
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetSchedule(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, wolerr.New(wolerr.KindNotFound, "schedule not found"))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req scheduleRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ScheduledTime != "" {
		sc.ScheduledTime = req.ScheduledTime
	}
	if req.Frequency != "" {
		sc.Frequency = req.Frequency
	}
	if req.Timezone != "" {
		sc.Timezone = req.Timezone
	}
	if req.Enabled != nil {
		sc.Enabled = *req.Enabled
	}
	sc.NotifyOnWake = req.NotifyOnWake
	sc.NextTrigger = nil // recompute from the updated fields

	if err := s.store.UpdateSchedule(sc); err != nil {
		s.writeError(w, wolerr.Wrap(wolerr.KindInvalidRequest, "invalid schedule", err))
		return
	}
	s.writeJSON(w, http.StatusOK, scheduleToView(sc))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteSchedule(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, wolerr.New(wolerr.KindNotFound, "schedule not found"))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- webhooks ---

type webhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Secret string   `json:"secret,omitempty"`
}

type webhookView struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.store.ListWebhooks()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]webhookView, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, webhookView{ID: h.ID, URL: h.URL, Events: h.Events})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		s.writeError(w, wolerr.New(wolerr.KindInvalidRequest, "invalid webhook url"))
		return
	}

	hook := &store.Webhook{ID: uuid.NewString(), URL: req.URL, Events: req.Events}
	if req.Secret != "" {
		hook.Secret = &req.Secret
	}
	if err := s.store.CreateWebhook(hook); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, webhookView{ID: hook.ID, URL: hook.URL, Events: hook.Events})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteWebhook(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, wolerr.New(wolerr.KindNotFound, "webhook not found"))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deliveryView struct {
	EventType      string    `json:"eventType"`
	Attempt        int       `json:"attempt"`
	Status         string    `json:"status"`
	ResponseStatus *int      `json:"responseStatus,omitempty"`
	RequestedAt    time.Time `json:"requestedAt"`
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := s.store.ListDeliveries(chi.URLParam(r, "id"), 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]deliveryView, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, deliveryView{
			EventType:      d.EventType,
			Attempt:        d.Attempt,
			Status:         d.Status,
			ResponseStatus: d.ResponseStatus,
			RequestedAt:    d.RequestedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deliveries": out})
}

// --- misc ---

func (s *Server) handleVendor(w http.ResponseWriter, r *http.Request) {
	vendor, err := s.vendors.Vendor(r.Context(), chi.URLParam(r, "mac"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"vendor": vendor})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.broker.Stats())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"inflight": s.router.InflightCount(),
	})
}
