package models

import (
	"time"
)

// AlertStatus represents the lifecycle status of an alert
type AlertStatus string

const (
	AlertStatusNew          AlertStatus = "new"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Valid reports whether s is one of the known lifecycle statuses.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertStatusNew, AlertStatusAcknowledged, AlertStatusResolved:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows moving from s to
// next. Resolved is terminal; re-acknowledging is never allowed.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	switch s {
	case AlertStatusNew:
		return next == AlertStatusAcknowledged || next == AlertStatusResolved
	case AlertStatusAcknowledged:
		return next == AlertStatusResolved
	}
	return false
}

// Severity bounds as reported by Zabbix.
const (
	SeverityMin = 0
	SeverityMax = 5
)

// severityLabels maps the Zabbix severity ordinal to its display name.
var severityLabels = map[int]string{
	0: "Not Classified",
	1: "Information",
	2: "Warning",
	3: "Average",
	4: "High",
	5: "Critical",
}

// SeverityLabel returns the display name for a severity ordinal.
func SeverityLabel(severity int) string {
	if label, ok := severityLabels[severity]; ok {
		return label
	}
	return "Unknown"
}

// Alert represents one Zabbix event tracked through its lifecycle
type Alert struct {
	ID              string      `json:"id"`
	ZabbixEventID   string      `json:"zabbixEventId"`
	ZabbixProblemID string      `json:"zabbixProblemId,omitempty"`
	Host            string      `json:"host"`
	Name            string      `json:"name"`
	Severity        int         `json:"severity"`
	SeverityLabel   string      `json:"severityLabel"`
	Status          AlertStatus `json:"status"`
	TriggeredAt     time.Time   `json:"triggeredAt"`
	CreatedAt       time.Time   `json:"createdAt"`
	LastUpdatedAt   time.Time   `json:"lastUpdatedAt"`
	ResolvedAt      *time.Time  `json:"resolvedAt,omitempty"`
	RawData         string      `json:"rawData,omitempty"` // JSON string of the original Zabbix payload
}

// Acknowledgment represents one operator acknowledgment of an alert
type Acknowledgment struct {
	ID             string    `json:"id"`
	AlertID        string    `json:"alertId"`
	OperatorName   string    `json:"operatorName"`
	Reason         string    `json:"reason,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledgedAt"`
	SyncedToZabbix bool      `json:"syncedToZabbix"`
}

// HistoryEntry is an immutable audit record of one status change.
// FromStatus is nil for the creation entry; ChangedBy is nil for
// system-driven transitions such as source-side resolution.
type HistoryEntry struct {
	ID         string       `json:"id"`
	AlertID    string       `json:"alertId"`
	FromStatus *AlertStatus `json:"fromStatus"`
	ToStatus   AlertStatus  `json:"toStatus"`
	ChangedAt  time.Time    `json:"changedAt"`
	ChangedBy  *string      `json:"changedBy"`
	Reason     string       `json:"reason,omitempty"`
}

// RawEvent is one problem as returned by the Zabbix API, before it is
// deduplicated into an Alert.
type RawEvent struct {
	EventID   string    `json:"eventid"`
	ProblemID string    `json:"problemid,omitempty"`
	Host      string    `json:"host"`
	Name      string    `json:"name"`
	Severity  int       `json:"severity"`
	Clock     time.Time `json:"clock"`
	Resolved  bool      `json:"resolved"`
	Raw       string    `json:"-"` // original JSON payload, stored verbatim
}

// AlertFilter narrows a Query call. Zero values mean "no constraint".
type AlertFilter struct {
	Status      AlertStatus
	MinSeverity int
	Host        string // substring match on host
	Search      string // substring match on name or host
}

// Page is offset/limit pagination for list queries.
type Page struct {
	Skip  int
	Limit int
}

// AcknowledgeAlertRequest represents the request payload for acknowledging an alert
type AcknowledgeAlertRequest struct {
	OperatorName string `json:"operatorName"`
	Reason       string `json:"reason,omitempty"`
}

// IngestResult summarizes one processed batch.
type IngestResult struct {
	Created  int `json:"created"`
	Resolved int `json:"resolved"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// ConnectionStatus is a snapshot of the source connection state.
type ConnectionStatus struct {
	Connected           bool       `json:"connected"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	CurrentBackoff      string     `json:"currentBackoff,omitempty"`
}
