package fulfillment

import "context"

// Severity ranks operator notifications.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is one operator-facing alert.
type Notification struct {
	Title    string
	Body     string
	Severity Severity
}

// Notifier delivers operator notifications. Calls are fire-and-forget from
// the library's perspective: a delivery failure is reported to the caller's
// observer, never propagated into the lifecycle.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}
