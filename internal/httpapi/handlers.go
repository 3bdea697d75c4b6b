package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vestabot/internal/content"
	"vestabot/internal/cronexpr"
	"vestabot/internal/dispatch"
	"vestabot/internal/schedule"
	"vestabot/internal/scheduler"
	"vestabot/pkg/jsonx"
	logx "vestabot/pkg/logx"
)

const (
	maxBodyBytes = 64 << 10
	probeTimeout = 5 * time.Second

	defaultListLimit = 50
	maxListLimit     = 500
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonx.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// statusOf maps engine errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, schedule.ErrNotFound), errors.Is(err, schedule.ErrCountdownNotFound):
		return http.StatusNotFound
	case errors.Is(err, schedule.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, cronexpr.ErrInvalidCronExpression),
		errors.Is(err, content.ErrInvalidSpec),
		errors.Is(err, content.ErrUnknownKind),
		errors.Is(err, scheduler.ErrInvalidSchedule),
		errors.Is(err, dispatch.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= 500 {
		s.log.Warn("request error", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeError(w, code, err.Error())
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	dec := jsonx.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

func idParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

// ---- status ----

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if s.deps.Device != nil {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := s.deps.Device.Probe(ctx)
		cancel()
		resp["connected"] = err == nil
		if err != nil {
			resp["device_error"] = err.Error()
		}
		resp["board"] = s.deps.Device.Capability()
	}
	if s.deps.Dispatch != nil {
		snap := s.deps.Dispatch.Snapshot()
		snap.History = nil
		resp["dispatch"] = snap
	}
	if s.deps.Routines != nil {
		routines := s.deps.Routines()
		resp["routines"] = routines
		running := false
		for _, rt := range routines {
			if rt.Name == "scheduler" && rt.Running {
				running = true
			}
		}
		resp["scheduler_running"] = running
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---- manual sends ----

type messageRequest struct {
	Text        string `json:"text"`
	Content     string `json:"content"`
	ContentSpec string `json:"content_spec"`
}

func (m messageRequest) spec() string {
	switch {
	case m.ContentSpec != "":
		return m.ContentSpec
	case m.Content != "":
		return m.Content
	}
	return m.Text
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "No text provided")
		return
	}
	s.sendAndWait(w, r, content.KindText, req.Text)
}

func (s *Server) handleMessageKind(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	kind := content.NormalizeKind(r.PathValue("kind"))
	if kind == content.KindText && strings.TrimSpace(req.spec()) == "" {
		writeError(w, http.StatusBadRequest, "No text provided")
		return
	}
	s.sendAndWait(w, r, kind, req.spec())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.sendAndWait(w, r, content.KindClear, "")
}

// sendAndWait submits a manual job and reports its outcome.
// Device and content failures are a 200 with success=false.
func (s *Server) sendAndWait(w http.ResponseWriter, r *http.Request, kind content.Kind, spec string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.WaitTimeout)
	defer cancel()

	out, err := s.deps.Dispatch.SubmitWait(ctx, dispatch.Job{
		Source: dispatch.SourceManual,
		Kind:   kind,
		Spec:   spec,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "timed out waiting for the board; the job is still queued")
			return
		}
		s.fail(w, r, err)
		return
	}
	resp := map[string]any{
		"success": out.Status == dispatch.StatusSent,
		"job_id":  out.Job.ID,
		"status":  out.Status,
	}
	if out.Error != "" {
		resp["error"] = out.Error
	}
	if out.Stale {
		resp["stale"] = true
	}
	if out.Preview != "" {
		resp["preview"] = out.Preview
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---- webhook inbox ----

type webhookRequest struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	MessageKind string `json:"message_kind"`
	ContentSpec string `json:"content_spec"`
}

// handleWebhook enqueues without waiting. Webhook jobs never coalesce.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	kind := req.MessageKind
	if kind == "" {
		kind = req.Type
	}
	if strings.TrimSpace(kind) == "" {
		kind = string(content.KindText)
	}
	spec := req.ContentSpec
	if spec == "" {
		spec = req.Text
	}
	k := content.NormalizeKind(kind)
	if k == content.KindText && strings.TrimSpace(spec) == "" {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	id, err := s.deps.Dispatch.Submit(dispatch.Job{Source: dispatch.SourceWebhook, Kind: k, Spec: spec})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("webhook accepted", logx.String("job", id), logx.String("kind", string(k)))
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "job_id": id})
}

// ---- schedules ----

// scheduleRequest accepts both the current field names and the legacy
// message_type/content ones.
type scheduleRequest struct {
	Name           *string `json:"name"`
	MessageKind    *string `json:"message_kind"`
	MessageType    *string `json:"message_type"`
	ContentSpec    *string `json:"content_spec"`
	Content        *string `json:"content"`
	CronExpression *string `json:"cron_expression"`
	Enabled        *bool   `json:"enabled"`
	Version        int64   `json:"version"`
}

func firstSet(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func (q scheduleRequest) patch() scheduler.Patch {
	return scheduler.Patch{
		Name:     q.Name,
		Kind:     firstSet(q.MessageKind, q.MessageType),
		Spec:     firstSet(q.ContentSpec, q.Content),
		CronExpr: q.CronExpression,
		Enabled:  q.Enabled,
		Version:  q.Version,
	}
}

func (q scheduleRequest) schedule() schedule.Schedule {
	p := q.patch()
	sc := schedule.Schedule{Enabled: true}
	if p.Name != nil {
		sc.Name = *p.Name
	}
	if p.Kind != nil {
		sc.Kind = *p.Kind
	}
	if p.Spec != nil {
		sc.Spec = *p.Spec
	}
	if p.CronExpr != nil {
		sc.CronExpr = *p.CronExpr
	}
	if p.Enabled != nil {
		sc.Enabled = *p.Enabled
	}
	return sc
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Schedules.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []schedule.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": list})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	sc, err := s.deps.Schedules.Create(r.Context(), req.schedule())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "schedule": sc})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	sc, err := s.deps.Schedules.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": sc})
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	sc, err := s.deps.Schedules.Update(r.Context(), id, req.patch())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "schedule": sc})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	if err := s.deps.Schedules.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	jobID, err := s.deps.Schedules.RunNow(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "job_id": jobID})
}

// ---- logs ----

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Logs.ListLog(r.Context(), limitParam(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []schedule.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h := s.deps.Dispatch.History(limitParam(r))
	if h == nil {
		h = []dispatch.Outcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": h})
}
