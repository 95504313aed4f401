package notify

import (
	"context"

	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/connectivity"
)

// AuditSink matches the audit surface the monitors write to.
type AuditSink interface {
	Log(ctx context.Context, eventType, severity string, payload map[string]any, installationID string)
}

// AlertingAuditSink forwards every event to the underlying sink and raises a
// notification for the alert-worthy ones. It lets the connectivity monitors
// stay ignorant of the notification channel.
type AlertingAuditSink struct {
	next     AuditSink
	notifier *Notifier
}

// WithAlerts decorates an audit sink with notification side effects.
func WithAlerts(next AuditSink, notifier *Notifier) *AlertingAuditSink {
	return &AlertingAuditSink{next: next, notifier: notifier}
}

// Log implements the audit surface.
func (s *AlertingAuditSink) Log(ctx context.Context, eventType, severity string, payload map[string]any, installationID string) {
	s.next.Log(ctx, eventType, severity, payload, installationID)

	if eventType == connectivity.EventConnectionLost {
		failures, _ := payload["consecutive_failures"].(int)
		s.notifier.NotifyConnectionLost(ctx, installationID, failures)
	}
}
