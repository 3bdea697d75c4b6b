package httpapi

import (
	"net/http"

	"vestabot/internal/content"
	"vestabot/internal/schedule"
)

type countdownView struct {
	schedule.Countdown
	DaysRemaining int `json:"days_remaining"`
}

// countdownRequest is a partial countdown; nil fields keep their value.
type countdownRequest struct {
	Name    *string `json:"name"`
	Date    *string `json:"target_date"`
	Enabled *bool   `json:"enabled"`
}

func (req countdownRequest) apply(c schedule.Countdown) schedule.Countdown {
	if req.Name != nil {
		c.Name = *req.Name
	}
	if req.Date != nil {
		c.Date = *req.Date
	}
	if req.Enabled != nil {
		c.Enabled = *req.Enabled
	}
	return c
}

// normalize validates c and rewrites its fields into their stored form.
func (s *Server) normalize(c schedule.Countdown) (schedule.Countdown, error) {
	e, err := content.NewCountdownEntry(c.Name, c.Date, s.deps.Now().Location())
	if err != nil {
		return c, err
	}
	c.Name, c.Date = e.Name, e.Date.Format("2006-01-02")
	return c, nil
}

func (s *Server) handleListCountdowns(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Countdowns.ListCountdowns(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	now := s.deps.Now()
	out := make([]countdownView, 0, len(list))
	for _, c := range list {
		v := countdownView{Countdown: c}
		if e, err := content.NewCountdownEntry(c.Name, c.Date, now.Location()); err == nil {
			v.DaysRemaining = content.DaysUntil(now, e.Date)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"countdowns": out})
}

func (s *Server) handleCreateCountdown(w http.ResponseWriter, r *http.Request) {
	var req countdownRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	c, err := s.normalize(req.apply(schedule.Countdown{Enabled: true}))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if c, err = s.deps.Countdowns.CreateCountdown(r.Context(), c); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "countdown": c})
}

func (s *Server) handleUpdateCountdown(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid countdown id")
		return
	}
	var req countdownRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	cur, err := s.deps.Countdowns.GetCountdown(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.normalize(req.apply(cur))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if c, err = s.deps.Countdowns.UpdateCountdown(r.Context(), c); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "countdown": c})
}

func (s *Server) handleDeleteCountdown(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid countdown id")
		return
	}
	if err := s.deps.Countdowns.DeleteCountdown(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
