package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"vestabot/internal/schedule"
)

// memoryStore keeps everything in process memory.
type memoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	nextID    int64
	schedules map[int64]schedule.Schedule

	countdowns      map[int64]schedule.Countdown
	nextCountdownID int64

	log       []schedule.LogEntry
	nextLogID int64
	retention int
}

// NewMemory returns an empty in-memory store.
func NewMemory(cfg Config) Store {
	return &memoryStore{
		now:        time.Now,
		schedules:  map[int64]schedule.Schedule{},
		countdowns: map[int64]schedule.Countdown{},
		retention:  cfg.logRetention(),
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneSchedule(s schedule.Schedule) schedule.Schedule {
	s.LastRunAt = cloneTime(s.LastRunAt)
	s.NextRunAt = cloneTime(s.NextRunAt)
	s.LastOutcomeAt = cloneTime(s.LastOutcomeAt)
	return s
}

func (m *memoryStore) list(filter func(schedule.Schedule) bool) []schedule.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schedule.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		if filter == nil || filter(s) {
			out = append(out, cloneSchedule(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memoryStore) ListEnabled(ctx context.Context) ([]schedule.Schedule, error) {
	return m.list(func(s schedule.Schedule) bool { return s.Enabled }), nil
}

func (m *memoryStore) List(ctx context.Context) ([]schedule.Schedule, error) {
	return m.list(nil), nil
}

func (m *memoryStore) Get(ctx context.Context, id int64) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("%w: %d", schedule.ErrNotFound, id)
	}
	return cloneSchedule(s), nil
}

func (m *memoryStore) Create(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.nextID++
	s.ID = m.nextID
	s.Version = 1
	s.LastStatus, s.LastError, s.LastOutcomeAt = "", "", nil
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s = cloneSchedule(s)
	m.schedules[s.ID] = s
	return cloneSchedule(s), nil
}

// casLocked returns the stored record when version matches (0 skips the check).
func (m *memoryStore) casLocked(id, version int64) (schedule.Schedule, error) {
	cur, ok := m.schedules[id]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("%w: %d", schedule.ErrNotFound, id)
	}
	if version != 0 && cur.Version != version {
		return schedule.Schedule{}, fmt.Errorf("%w: %d", schedule.ErrConflict, id)
	}
	return cur, nil
}

func (m *memoryStore) Update(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.casLocked(s.ID, s.Version)
	if err != nil {
		return schedule.Schedule{}, err
	}
	cur.Name = s.Name
	cur.Kind = s.Kind
	cur.Spec = s.Spec
	cur.CronExpr = s.CronExpr
	cur.Enabled = s.Enabled
	cur.NextRunAt = cloneTime(s.NextRunAt)
	cur.Invalid = s.Invalid
	cur.Version++
	cur.UpdatedAt = m.now()
	m.schedules[cur.ID] = cur
	return cloneSchedule(cur), nil
}

func (m *memoryStore) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return fmt.Errorf("%w: %d", schedule.ErrNotFound, id)
	}
	delete(m.schedules, id)
	return nil
}

func (m *memoryStore) UpdateRunTimes(ctx context.Context, id, version int64, lastRun time.Time, next *time.Time) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.casLocked(id, version)
	if err != nil {
		return schedule.Schedule{}, err
	}
	cur.LastRunAt = cloneTime(&lastRun)
	cur.NextRunAt = cloneTime(next)
	cur.Version++
	cur.UpdatedAt = m.now()
	m.schedules[id] = cur
	return cloneSchedule(cur), nil
}

func (m *memoryStore) FlagInvalid(ctx context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.casLocked(id, 0)
	if err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		reason = "invalid"
	}
	cur.Invalid = reason
	cur.Version++
	cur.UpdatedAt = m.now()
	m.schedules[id] = cur
	return nil
}

func (m *memoryStore) RecordOutcome(ctx context.Context, id int64, o schedule.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.casLocked(id, 0)
	if err != nil {
		return err
	}
	if o.At.IsZero() {
		o.At = m.now()
	}
	cur.LastStatus = o.Status
	cur.LastError = o.Error
	cur.LastOutcomeAt = &o.At
	m.schedules[id] = cur
	return nil
}

func (m *memoryStore) AppendLog(ctx context.Context, e schedule.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	e.ID = m.nextLogID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.log = append(m.log, e)
	if over := len(m.log) - m.retention; over > 0 {
		m.log = append(m.log[:0:0], m.log[over:]...)
	}
	return nil
}

func (m *memoryStore) ListLog(ctx context.Context, limit int) ([]schedule.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]schedule.LogEntry, 0, limit)
	for i := len(m.log) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.log[i])
	}
	return out, nil
}

func (m *memoryStore) ListCountdowns(ctx context.Context) ([]schedule.Countdown, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schedule.Countdown, 0, len(m.countdowns))
	for _, c := range m.countdowns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryStore) GetCountdown(ctx context.Context, id int64) (schedule.Countdown, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.countdowns[id]
	if !ok {
		return schedule.Countdown{}, fmt.Errorf("%w: %d", schedule.ErrCountdownNotFound, id)
	}
	return c, nil
}

func (m *memoryStore) CreateCountdown(ctx context.Context, c schedule.Countdown) (schedule.Countdown, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCountdownID++
	c.ID = m.nextCountdownID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.countdowns[c.ID] = c
	return c, nil
}

func (m *memoryStore) UpdateCountdown(ctx context.Context, c schedule.Countdown) (schedule.Countdown, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.countdowns[c.ID]
	if !ok {
		return schedule.Countdown{}, fmt.Errorf("%w: %d", schedule.ErrCountdownNotFound, c.ID)
	}
	cur.Name, cur.Date, cur.Enabled = c.Name, c.Date, c.Enabled
	m.countdowns[c.ID] = cur
	return cur, nil
}

func (m *memoryStore) DeleteCountdown(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.countdowns[id]; !ok {
		return fmt.Errorf("%w: %d", schedule.ErrCountdownNotFound, id)
	}
	delete(m.countdowns, id)
	return nil
}

func (m *memoryStore) Close() error { return nil }
