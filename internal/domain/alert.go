package domain

import (
	"context"
	"time"
)

// AlertType classifies outbound alert events.
type AlertType string

const (
	AlertOpportunityFound      AlertType = "opportunity_found"
	AlertPriceThreshold        AlertType = "price_alert"
	AlertExecutionCompleted    AlertType = "execution_completed"
	AlertExecutionFailed       AlertType = "execution_failed"
	AlertPartialFill           AlertType = "partial_fill"
	AlertRiskBlock             AlertType = "risk_block"
	AlertConnectivityDegraded  AlertType = "connectivity_degraded"
	AlertConnectivityRestored  AlertType = "connectivity_restored"
	AlertOrderExpired          AlertType = "order_expired"
	AlertOrderRelisted         AlertType = "order_relisted"
	AlertOrderFilled           AlertType = "order_filled"
	AlertMakerHalted           AlertType = "maker_halted"
)

// AlertSeverity orders alerts by urgency. A partial fill is the highest
// severity the system emits: inventory is held and must not be lost track of.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alerter is the outbound alerting collaborator. Implementations must be
// safe for concurrent use; delivery is best effort and never blocks the
// decision path.
type Alerter interface {
	Alert(ctx context.Context, ev AlertEvent)
}

// AlertEvent is the structured payload handed to the alerting collaborator.
type AlertEvent struct {
	Type     AlertType
	Severity AlertSeverity
	Payload  map[string]string
	At       time.Time
}

// NewAlert builds an AlertEvent stamped with the current UTC time.
func NewAlert(t AlertType, sev AlertSeverity, payload map[string]string) AlertEvent {
	if payload == nil {
		payload = map[string]string{}
	}
	return AlertEvent{Type: t, Severity: sev, Payload: payload, At: time.Now().UTC()}
}
