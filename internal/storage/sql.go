package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"vestabot/internal/schedule"
	logx "vestabot/pkg/logx"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store for both SQL drivers.
// Queries are written with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
	now     func() time.Time

	retention  int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, d dialect, cfg Config, log logx.Logger) *sqlStore {
	return &sqlStore{
		db:         db,
		log:        log,
		dialect:    d,
		now:        time.Now,
		retention:  cfg.logRetention(),
		pruneEvery: 100,
	}
}

func (s *sqlStore) migrate(ctx context.Context, script string) error {
	b, err := migrationsFS.ReadFile(script)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", script, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites '?' placeholders into '$n' for postgres.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

const scheduleColumns = `id, name, message_kind, content_spec, cron_expression, enabled,
	last_run_at, next_run_at, version, invalid, last_status, last_error, last_outcome_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (schedule.Schedule, error) {
	var (
		sc                          schedule.Schedule
		enabled                     int64
		lastRun, nextRun, outcomeAt sql.NullInt64
		created, updated            int64
	)
	err := r.Scan(&sc.ID, &sc.Name, &sc.Kind, &sc.Spec, &sc.CronExpr, &enabled,
		&lastRun, &nextRun, &sc.Version, &sc.Invalid, &sc.LastStatus, &sc.LastError, &outcomeAt,
		&created, &updated)
	if err != nil {
		return schedule.Schedule{}, err
	}
	sc.Enabled = enabled != 0
	sc.LastRunAt = fromMillis(lastRun)
	sc.NextRunAt = fromMillis(nextRun)
	sc.LastOutcomeAt = fromMillis(outcomeAt)
	sc.CreatedAt = time.UnixMilli(created)
	sc.UpdatedAt = time.UnixMilli(updated)
	return sc, nil
}

func (s *sqlStore) query(ctx context.Context, where string, args ...any) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+scheduleColumns+` FROM schedules `+where+` ORDER BY id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListEnabled(ctx context.Context) ([]schedule.Schedule, error) {
	return s.query(ctx, `WHERE enabled = 1`)
}

func (s *sqlStore) List(ctx context.Context) ([]schedule.Schedule, error) {
	return s.query(ctx, ``)
}

func (s *sqlStore) Get(ctx context.Context, id int64) (schedule.Schedule, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`), id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, fmt.Errorf("%w: %d", schedule.ErrNotFound, id)
	}
	return sc, err
}

func (s *sqlStore) Create(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	now := s.now()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO schedules(name, message_kind, content_spec, cron_expression, enabled,
			last_run_at, next_run_at, version, invalid, last_status, last_error, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,1,?,'','',?,?) RETURNING id`),
		sc.Name, sc.Kind, sc.Spec, sc.CronExpr, boolInt(sc.Enabled),
		toMillis(sc.LastRunAt), toMillis(sc.NextRunAt), sc.Invalid,
		sc.CreatedAt.UnixMilli(), now.UnixMilli(),
	).Scan(&id)
	if err != nil {
		return schedule.Schedule{}, err
	}
	return s.Get(ctx, id)
}

func (s *sqlStore) Update(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	q := `UPDATE schedules SET name = ?, message_kind = ?, content_spec = ?, cron_expression = ?,
		enabled = ?, next_run_at = ?, invalid = ?, version = version + 1, updated_at = ?
		WHERE id = ?`
	args := []any{sc.Name, sc.Kind, sc.Spec, sc.CronExpr, boolInt(sc.Enabled),
		toMillis(sc.NextRunAt), sc.Invalid, s.now().UnixMilli(), sc.ID}
	if sc.Version != 0 {
		q += ` AND version = ?`
		args = append(args, sc.Version)
	}
	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if err := s.checkCAS(ctx, res, sc.ID); err != nil {
		return schedule.Schedule{}, err
	}
	return s.Get(ctx, sc.ID)
}

func (s *sqlStore) Delete(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", schedule.ErrNotFound, id)
	}
	return nil
}

func (s *sqlStore) UpdateRunTimes(ctx context.Context, id, version int64, lastRun time.Time, next *time.Time) (schedule.Schedule, error) {
	res, err := s.exec(ctx,
		`UPDATE schedules SET last_run_at = ?, next_run_at = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		lastRun.UnixMilli(), toMillis(next), s.now().UnixMilli(), id, version,
	)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if err := s.checkCAS(ctx, res, id); err != nil {
		return schedule.Schedule{}, err
	}
	return s.Get(ctx, id)
}

func (s *sqlStore) FlagInvalid(ctx context.Context, id int64, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "invalid"
	}
	res, err := s.exec(ctx,
		`UPDATE schedules SET invalid = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		reason, s.now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", schedule.ErrNotFound, id)
	}
	return nil
}

// RecordOutcome leaves Version alone; outcomes must not fail control-surface edits.
func (s *sqlStore) RecordOutcome(ctx context.Context, id int64, o schedule.Outcome) error {
	if o.At.IsZero() {
		o.At = s.now()
	}
	res, err := s.exec(ctx,
		`UPDATE schedules SET last_status = ?, last_error = ?, last_outcome_at = ? WHERE id = ?`,
		o.Status, o.Error, o.At.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", schedule.ErrNotFound, id)
	}
	return nil
}

// checkCAS maps a zero-row conditional update to ErrNotFound or ErrConflict.
func (s *sqlStore) checkCAS(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM schedules WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", schedule.ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %d", schedule.ErrConflict, id)
}

func (s *sqlStore) AppendLog(ctx context.Context, e schedule.LogEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO dispatch_log(job_id, source, message_kind, schedule_id, status, error, preview, attempts, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.JobID, e.Source, e.Kind, e.ScheduleID, e.Status, e.Error, e.Preview, e.Attempts, e.CreatedAt.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneLog(pctx); perr != nil {
			s.log.Warn("dispatch log prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) ListLog(ctx context.Context, limit int) ([]schedule.LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, job_id, source, message_kind, schedule_id, status, error, preview, attempts, created_at
		 FROM dispatch_log ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.LogEntry
	for rows.Next() {
		var (
			e  schedule.LogEntry
			at int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Source, &e.Kind, &e.ScheduleID, &e.Status, &e.Error, &e.Preview, &e.Attempts, &at); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) pruneLog(ctx context.Context) error {
	var maxID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM dispatch_log`).Scan(&maxID); err != nil {
		return err
	}
	if !maxID.Valid {
		return nil
	}
	_, err := s.exec(ctx, `DELETE FROM dispatch_log WHERE id <= ?`, maxID.Int64-int64(s.retention))
	return err
}

func toMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const countdownColumns = `id, name, target_date, enabled, created_at`

func scanCountdown(r rowScanner) (schedule.Countdown, error) {
	var (
		c       schedule.Countdown
		enabled int64
		created int64
	)
	if err := r.Scan(&c.ID, &c.Name, &c.Date, &enabled, &created); err != nil {
		return schedule.Countdown{}, err
	}
	c.Enabled = enabled != 0
	c.CreatedAt = time.UnixMilli(created)
	return c, nil
}

func (s *sqlStore) ListCountdowns(ctx context.Context) ([]schedule.Countdown, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+countdownColumns+` FROM countdowns ORDER BY target_date, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Countdown
	for rows.Next() {
		c, err := scanCountdown(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetCountdown(ctx context.Context, id int64) (schedule.Countdown, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+countdownColumns+` FROM countdowns WHERE id = ?`), id)
	c, err := scanCountdown(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Countdown{}, fmt.Errorf("%w: %d", schedule.ErrCountdownNotFound, id)
	}
	return c, err
}

func (s *sqlStore) CreateCountdown(ctx context.Context, c schedule.Countdown) (schedule.Countdown, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO countdowns(name, target_date, enabled, created_at) VALUES(?,?,?,?) RETURNING id`),
		c.Name, c.Date, boolInt(c.Enabled), c.CreatedAt.UnixMilli(),
	).Scan(&id)
	if err != nil {
		return schedule.Countdown{}, err
	}
	return s.GetCountdown(ctx, id)
}

func (s *sqlStore) UpdateCountdown(ctx context.Context, c schedule.Countdown) (schedule.Countdown, error) {
	res, err := s.exec(ctx, `UPDATE countdowns SET name = ?, target_date = ?, enabled = ? WHERE id = ?`,
		c.Name, c.Date, boolInt(c.Enabled), c.ID)
	if err != nil {
		return schedule.Countdown{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schedule.Countdown{}, fmt.Errorf("%w: %d", schedule.ErrCountdownNotFound, c.ID)
	}
	return s.GetCountdown(ctx, c.ID)
}

func (s *sqlStore) DeleteCountdown(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM countdowns WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", schedule.ErrCountdownNotFound, id)
	}
	return nil
}
