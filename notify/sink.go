// Package notify defines the alert sink port consumed by the pipeline for
// operator notifications (risk blocks, broker unreachability, sustained
// reconciliation timeouts), plus a Telegram adapter.
package notify

import "time"

// Kind names the alert category.
type Kind string

const (
	KindRiskBlocked             Kind = "RISK_BLOCKED"
	KindBrokerUnreachable       Kind = "BROKER_UNREACHABLE"
	KindReconciliationTimeout   Kind = "RECONCILIATION_TIMEOUT_SUSTAINED"
)

// Alert is one operator notification.
type Alert struct {
	Kind   Kind
	Symbol string
	Reason string
	At     time.Time
}

// Sink is the alert-sink port. Implementations must not block; the pipeline
// offloads delivery to its work queue.
type Sink interface {
	Notify(alert Alert)
}

// NullSink discards every alert; useful when no notification transport is
// configured.
type NullSink struct{}

func (NullSink) Notify(Alert) {}
