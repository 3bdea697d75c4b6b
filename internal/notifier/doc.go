// Package notifier raises operator alerts for failed dispatch jobs.
//
// The service listens for dispatch.failed events on the event bus. Auth
// failures (the board rejected the API key) always alert; other failures
// alert only when AllFailures is set. Alerts are deduplicated over a window
// and rate limited, and delivery goes through a Transport such as Telegram.
package notifier
