package scheduler

import (
	"context"

	"vestabot/internal/content"
	"vestabot/internal/schedule"
	logx "vestabot/pkg/logx"
)

// Defaults are the schedules a fresh install starts with. The calendar one is
// disabled until a feed URL is configured.
func Defaults() []schedule.Schedule {
	return []schedule.Schedule{
		{Name: "Morning Weather", Kind: string(content.KindWeather), CronExpr: "0 7 * * *", Enabled: true},
		{Name: "Market Open", Kind: string(content.KindStocks), CronExpr: "30 9 * * 1-5", Enabled: true},
		{Name: "Daily Calendar", Kind: string(content.KindCalendar), CronExpr: "0 8 * * *", Enabled: false},
		{Name: "Good Morning", Kind: string(content.KindText), Spec: "Good Morning!", CronExpr: "0 6 * * *", Enabled: true},
		{Name: "Good Night", Kind: string(content.KindText), Spec: "Good Night!", CronExpr: "0 22 * * *", Enabled: true},
	}
}

// SeedDefaults creates Defaults when the store holds no schedules.
// It returns the number of schedules created.
func (s *Service) SeedDefaults(ctx context.Context) (int, error) {
	existing, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	n := 0
	for _, sc := range Defaults() {
		if _, err := s.Create(ctx, sc); err != nil {
			return n, err
		}
		n++
	}
	s.log.Info("default schedules seeded", logx.Int("count", n))
	return n, nil
}
