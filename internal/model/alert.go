package model

import "time"

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert event types raised by the engines.
const (
	EventSyncError      = "sync_error"
	EventPriceDeviation = "price_deviation"
)

// AlertRule enables alerting for one event type.
type AlertRule struct {
	ID           string
	Event        string
	Severity     Severity
	Channels     []string
	Enabled      bool
	SilenceUntil *time.Time
}

// Silenced reports whether the rule is inside its silence window.
func (r AlertRule) Silenced(now time.Time) bool {
	return r.SilenceUntil != nil && now.Before(*r.SilenceUntil)
}

// Alert is a deduplicated alert record keyed by Fingerprint.
type Alert struct {
	ID             int64
	RuleID         string
	Fingerprint    string
	Event          string
	Severity       Severity
	Title          string
	Message        string
	Symbol         string
	InstanceID     string
	Chain          string
	Contract       string
	Context        map[string]any
	Channels       []string
	Status         AlertStatus
	Occurrences    int
	CreatedAt      time.Time
	LastSeenAt     time.Time
	LastNotifiedAt *time.Time
}
