package cronexpr

import (
	"errors"
	"testing"
	"time"
)

func TestNext(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	tests := []struct {
		name  string
		expr  string
		after time.Time
		want  time.Time
	}{
		{
			name:  "daily at seven fired exactly",
			expr:  "0 7 * * *",
			after: time.Date(2024, 1, 1, 7, 0, 0, 0, utc),
			want:  time.Date(2024, 1, 2, 7, 0, 0, 0, utc),
		},
		{
			name:  "daily at seven before",
			expr:  "0 7 * * *",
			after: time.Date(2024, 1, 1, 6, 59, 0, 0, utc),
			want:  time.Date(2024, 1, 1, 7, 0, 0, 0, utc),
		},
		{
			name:  "weekdays friday to monday",
			expr:  "30 9 * * 1-5",
			after: time.Date(2024, 1, 5, 10, 0, 0, 0, utc), // Friday
			want:  time.Date(2024, 1, 8, 9, 30, 0, 0, utc),
		},
		{
			name:  "every two hours",
			expr:  "0 */2 * * *",
			after: time.Date(2024, 1, 1, 3, 15, 0, 0, utc),
			want:  time.Date(2024, 1, 1, 4, 0, 0, 0, utc),
		},
		{
			name:  "list of hours",
			expr:  "0 8,12,18 * * *",
			after: time.Date(2024, 1, 1, 12, 0, 0, 0, utc),
			want:  time.Date(2024, 1, 1, 18, 0, 0, 0, utc),
		},
		{
			name:  "descriptor",
			expr:  "@daily",
			after: time.Date(2024, 2, 28, 13, 0, 0, 0, utc),
			want:  time.Date(2024, 2, 29, 0, 0, 0, 0, utc),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Next(tt.expr, tt.after)
			if err != nil {
				t.Fatalf("Next(%q) error: %v", tt.expr, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Next(%q, %s) = %s, want %s", tt.expr, tt.after, got, tt.want)
			}
			if !got.After(tt.after) {
				t.Fatalf("Next(%q) = %s is not after %s", tt.expr, got, tt.after)
			}
		})
	}
}

func TestNextKeepsLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC-8", -8*3600)
	got, err := Next("0 7 * * *", time.Date(2024, 1, 1, 7, 0, 0, 0, loc))
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if got.Location() != loc {
		t.Fatalf("location = %v, want %v", got.Location(), loc)
	}
	if got.Hour() != 7 || got.Day() != 2 {
		t.Fatalf("unexpected next: %s", got)
	}
}

func TestInvalid(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"", "not cron", "61 * * * *", "0 7 * *", "* * * * * *", "@every 5m", "0 0 30 2 *"} {
		if err := Validate(expr); !errors.Is(err, ErrInvalidCronExpression) {
			t.Fatalf("Validate(%q) = %v, want ErrInvalidCronExpression", expr, err)
		}
	}
	if _, err := Next("0 0 30 2 *", time.Now()); !errors.Is(err, ErrInvalidCronExpression) {
		t.Fatalf("Next(Feb 30) = %v, want ErrInvalidCronExpression", err)
	}
}
