// Package alerting notifies operators about replay outcomes and hub faults.
package alerting

import (
	"context"
	"fmt"
	"strings"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for critical alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// FormatFields renders key/value pairs one per line. A trailing key
// without a value is dropped.
func FormatFields(fields ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s: %v", key, fields[i+1])
	}
	return b.String()
}

// Event is a pre-defined alert event type.
type Event string

const (
	// EventRunConverged is sent when every node matched its batch reference.
	EventRunConverged Event = "run_converged"
	// EventRunUnchecked is sent when a run finished without verification.
	EventRunUnchecked Event = "run_unchecked"
	// EventRunDiverged is sent when at least one node disagreed with batch.
	EventRunDiverged Event = "run_diverged"
	// EventRunFailed is sent when a run could not complete.
	EventRunFailed Event = "run_failed"
	// EventEventsRejected is sent when the root refused feed events.
	EventEventsRejected Event = "events_rejected"
	// EventHubFaulted is sent when a hub entered the faulted state.
	EventHubFaulted Event = "hub_faulted"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event Event) Severity {
	switch event {
	case EventRunFailed, EventHubFaulted:
		return SeverityCritical
	case EventRunDiverged:
		return SeverityHigh
	case EventEventsRejected:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Send alerts a predefined event at its default severity.
func Send(ctx context.Context, a Alerter, event Event, message string, fields ...any) error {
	return a.Alert(ctx, EventSeverity(event), message, append(fields, "event", string(event))...)
}
