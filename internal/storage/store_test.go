package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vestabot/internal/schedule"
	logx "vestabot/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "vb.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	stores := map[string]Store{
		"memory": NewMemory(Config{LogRetention: 5}),
		"sqlite": sqlite,
	}
	if dsn := os.Getenv("VESTABOT_TEST_POSTGRES_DSN"); dsn != "" {
		stores["postgres"] = openTestPostgres(t, dsn)
	}
	return stores
}

// openTestPostgres opens a store in a throwaway schema so parallel tests do
// not see each other's rows.
func openTestPostgres(t *testing.T, dsn string) Store {
	t.Helper()
	ctx := context.Background()
	admin, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	schema := fmt.Sprintf("vestabot_test_%d", time.Now().UnixNano())
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		_ = admin.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = admin.ExecContext(ctx, "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close()
	})

	st, err := Open(Config{Driver: "postgres", DSN: withSearchPath(dsn, schema)}, logx.Nop())
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func withSearchPath(dsn, schema string) string {
	if u, err := url.Parse(dsn); err == nil && (u.Scheme == "postgres" || u.Scheme == "postgresql") {
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String()
	}
	return strings.TrimSpace(dsn) + " search_path=" + schema
}

func TestScheduleCRUD(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			next := time.UnixMilli(time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC).UnixMilli())
			created, err := st.Create(ctx, schedule.Schedule{
				Name: "Morning Weather", Kind: "weather", CronExpr: "0 7 * * *", Enabled: true, NextRunAt: &next,
			})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if created.ID == 0 || created.Version != 1 {
				t.Fatalf("unexpected created record: %+v", created)
			}
			if created.NextRunAt == nil || !created.NextRunAt.Equal(next) {
				t.Fatalf("NextRunAt = %v, want %v", created.NextRunAt, next)
			}

			if _, err := st.Create(ctx, schedule.Schedule{Name: "off", Kind: "text", Spec: "hi", CronExpr: "0 8 * * *"}); err != nil {
				t.Fatalf("Create disabled: %v", err)
			}
			all, _ := st.List(ctx)
			enabled, _ := st.ListEnabled(ctx)
			if len(all) != 2 || len(enabled) != 1 || enabled[0].ID != created.ID {
				t.Fatalf("List=%d ListEnabled=%d", len(all), len(enabled))
			}

			created.Name = "Weather"
			updated, err := st.Update(ctx, created)
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if updated.Name != "Weather" || updated.Version != 2 {
				t.Fatalf("unexpected updated record: %+v", updated)
			}
			// Stale version.
			if _, err := st.Update(ctx, created); !errors.Is(err, schedule.ErrConflict) {
				t.Fatalf("stale Update err = %v, want ErrConflict", err)
			}

			if err := st.Delete(ctx, created.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := st.Get(ctx, created.ID); !errors.Is(err, schedule.ErrNotFound) {
				t.Fatalf("Get after delete err = %v, want ErrNotFound", err)
			}
			if err := st.Delete(ctx, created.ID); !errors.Is(err, schedule.ErrNotFound) {
				t.Fatalf("second Delete err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestUpdateRunTimesCAS(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sc, err := st.Create(ctx, schedule.Schedule{Name: "a", Kind: "text", Spec: "x", CronExpr: "0 7 * * *", Enabled: true})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			now := time.UnixMilli(time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC).UnixMilli())
			next := now.Add(24 * time.Hour)

			claimed, err := st.UpdateRunTimes(ctx, sc.ID, sc.Version, now, &next)
			if err != nil {
				t.Fatalf("UpdateRunTimes: %v", err)
			}
			if claimed.Version != sc.Version+1 || !claimed.LastRunAt.Equal(now) || !claimed.NextRunAt.Equal(next) {
				t.Fatalf("unexpected claim: %+v", claimed)
			}
			if _, err := st.UpdateRunTimes(ctx, sc.ID, sc.Version, now, &next); !errors.Is(err, schedule.ErrConflict) {
				t.Fatalf("second claim err = %v, want ErrConflict", err)
			}
			if _, err := st.UpdateRunTimes(ctx, 999, 1, now, &next); !errors.Is(err, schedule.ErrNotFound) {
				t.Fatalf("missing claim err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFlagAndOutcome(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sc, _ := st.Create(ctx, schedule.Schedule{Name: "a", Kind: "text", Spec: "x", CronExpr: "0 7 * * *", Enabled: true})

			if err := st.FlagInvalid(ctx, sc.ID, "bad cron"); err != nil {
				t.Fatalf("FlagInvalid: %v", err)
			}
			at := time.UnixMilli(time.Date(2024, 1, 1, 7, 0, 5, 0, time.UTC).UnixMilli())
			if err := st.RecordOutcome(ctx, sc.ID, schedule.Outcome{Status: "failed", Error: "boom", At: at}); err != nil {
				t.Fatalf("RecordOutcome: %v", err)
			}
			got, _ := st.Get(ctx, sc.ID)
			if got.Invalid != "bad cron" || got.LastStatus != "failed" || got.LastError != "boom" {
				t.Fatalf("unexpected record: %+v", got)
			}
			if got.LastOutcomeAt == nil || !got.LastOutcomeAt.Equal(at) {
				t.Fatalf("LastOutcomeAt = %v, want %v", got.LastOutcomeAt, at)
			}
			// Flagging bumps the version; outcomes do not.
			if got.Version != sc.Version+1 {
				t.Fatalf("Version = %d, want %d", got.Version, sc.Version+1)
			}
			if err := st.RecordOutcome(ctx, 999, schedule.Outcome{Status: "sent"}); !errors.Is(err, schedule.ErrNotFound) {
				t.Fatalf("RecordOutcome missing err = %v", err)
			}
		})
	}
}

func TestDispatchLog(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				if err := st.AppendLog(ctx, schedule.LogEntry{JobID: fmt.Sprintf("job-%d", i), Source: "manual", Kind: "text", Status: "sent", Attempts: 1}); err != nil {
					t.Fatalf("AppendLog: %v", err)
				}
			}
			got, err := st.ListLog(ctx, 2)
			if err != nil {
				t.Fatalf("ListLog: %v", err)
			}
			if len(got) != 2 || got[0].JobID != "job-2" || got[1].JobID != "job-1" {
				t.Fatalf("unexpected log: %+v", got)
			}
		})
	}
}

func TestCountdownCRUD(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			newYear, err := st.CreateCountdown(ctx, schedule.Countdown{Name: "New Year", Date: "2025-01-01", Enabled: true})
			if err != nil {
				t.Fatalf("CreateCountdown: %v", err)
			}
			if newYear.ID == 0 || newYear.CreatedAt.IsZero() {
				t.Fatalf("unexpected created countdown: %+v", newYear)
			}
			party, _ := st.CreateCountdown(ctx, schedule.Countdown{Name: "Party", Date: "2024-12-20", Enabled: true})

			list, err := st.ListCountdowns(ctx)
			if err != nil {
				t.Fatalf("ListCountdowns: %v", err)
			}
			if len(list) != 2 || list[0].ID != party.ID || list[1].ID != newYear.ID {
				t.Fatalf("list = %+v, want ordered by date", list)
			}

			newYear.Name, newYear.Enabled = "NYE", false
			updated, err := st.UpdateCountdown(ctx, newYear)
			if err != nil {
				t.Fatalf("UpdateCountdown: %v", err)
			}
			if updated.Name != "NYE" || updated.Enabled || updated.Date != "2025-01-01" {
				t.Fatalf("updated = %+v", updated)
			}

			if err := st.DeleteCountdown(ctx, party.ID); err != nil {
				t.Fatalf("DeleteCountdown: %v", err)
			}
			if _, err := st.GetCountdown(ctx, party.ID); !errors.Is(err, schedule.ErrCountdownNotFound) {
				t.Fatalf("Get after delete err = %v", err)
			}
			if err := st.DeleteCountdown(ctx, party.ID); !errors.Is(err, schedule.ErrCountdownNotFound) {
				t.Fatalf("second Delete err = %v", err)
			}
			if _, err := st.UpdateCountdown(ctx, schedule.Countdown{ID: 999, Name: "x", Date: "2025-01-01"}); !errors.Is(err, schedule.ErrCountdownNotFound) {
				t.Fatalf("Update missing err = %v", err)
			}
		})
	}
}

func TestMemoryLogRetention(t *testing.T) {
	t.Parallel()
	st := NewMemory(Config{LogRetention: 2})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = st.AppendLog(ctx, schedule.LogEntry{JobID: fmt.Sprintf("job-%d", i)})
	}
	got, _ := st.ListLog(ctx, 10)
	if len(got) != 2 || got[0].JobID != "job-3" {
		t.Fatalf("unexpected log after retention: %+v", got)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	s := &sqlStore{dialect: dialectPostgres}
	if got := s.rebind(`UPDATE t SET a = ? WHERE id = ? AND v = ?`); got != `UPDATE t SET a = $1 WHERE id = $2 AND v = $3` {
		t.Fatalf("rebind = %q", got)
	}
	s.dialect = dialectSQLite
	if got := s.rebind(`a = ?`); got != `a = ?` {
		t.Fatalf("sqlite rebind = %q", got)
	}
}

func TestWithSearchPath(t *testing.T) {
	t.Parallel()
	tests := []struct{ dsn, want string }{
		{"postgres://u:p@db/vb?sslmode=disable", "postgres://u:p@db/vb?search_path=s1&sslmode=disable"},
		{"host=db dbname=vb", "host=db dbname=vb search_path=s1"},
	}
	for _, tt := range tests {
		if got := withSearchPath(tt.dsn, "s1"); got != tt.want {
			t.Fatalf("withSearchPath(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "oracle"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
