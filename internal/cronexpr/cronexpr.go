// Package cronexpr evaluates standard five-field cron expressions.
//
// Supported syntax: minute hour day-of-month month day-of-week with ranges
// (1-5), lists (8,12,18), steps (*/2) and wildcards, plus descriptors such as
// @daily and @hourly. Seconds fields and @every are rejected.
//
// All functions are pure: the result depends only on the expression and the
// reference time, and uses the reference time's location.
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidCronExpression = errors.New("invalid cron expression")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Expr is a parsed expression.
type Expr struct {
	raw   string
	sched cron.Schedule
}

func (e Expr) String() string { return e.raw }

// Next returns the earliest matching minute strictly after t.
// A zero time means the expression has no match within the search window.
func (e Expr) Next(t time.Time) time.Time {
	if e.sched == nil {
		return time.Time{}
	}
	return e.sched.Next(t)
}

func Parse(expr string) (Expr, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return Expr{}, fmt.Errorf("%w: empty", ErrInvalidCronExpression)
	}
	if strings.HasPrefix(raw, "@every") {
		return Expr{}, fmt.Errorf("%w: %q: intervals are not supported", ErrInvalidCronExpression, raw)
	}
	sched, err := parser.Parse(raw)
	if err != nil {
		return Expr{}, fmt.Errorf("%w: %q: %v", ErrInvalidCronExpression, raw, err)
	}
	return Expr{raw: raw, sched: sched}, nil
}

// Validate parses expr and checks that it matches at least once.
func Validate(expr string) error {
	e, err := Parse(expr)
	if err != nil {
		return err
	}
	// robfig gives up after five years; Feb 30 and friends never match.
	if e.Next(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)).IsZero() {
		return fmt.Errorf("%w: %q never fires", ErrInvalidCronExpression, e.raw)
	}
	return nil
}

// Next parses expr and returns the earliest matching time strictly after after.
func Next(expr string, after time.Time) (time.Time, error) {
	e, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := e.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidCronExpression, e.raw)
	}
	return next, nil
}
