// Package scheduler turns stored cron schedules into dispatch jobs.
//
// # Tick
//
// On every tick the service loads the enabled schedules and fires the ones
// whose next run is due. A run is claimed with a compare-and-set on the
// schedule version before its job is submitted, so two instances sharing a
// store never fire the same run twice. The next run is always computed from
// the tick time, which caps catch-up after downtime at one job per schedule.
//
// # Control
//
// Create, Update, SetEnabled, Delete and RunNow back the HTTP control
// surface. Edits recompute the next run from the edit time.
package scheduler
