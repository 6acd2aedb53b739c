package zabbix

import (
	"context"

	"github.com/hostwatch-io/zbx-alert-gateway/pkg/models"
)

// Cursor is the fetch watermark: the clock of the newest problem seen in a
// successfully committed cycle, in unix seconds. The zero value means
// "fetch everything the API will return".
type Cursor struct {
	LastClock int64
}

// IsZero reports whether the cursor has never advanced.
func (c Cursor) IsZero() bool {
	return c.LastClock == 0
}

// SourceClient defines the interface for a Zabbix API client
// This allows us to mock the client for testing
type SourceClient interface {
	// FetchProblems returns problems created or changed since the cursor,
	// ordered by clock, together with the advanced cursor. On failure the
	// returned cursor equals the input cursor.
	FetchProblems(ctx context.Context, cursor Cursor) ([]models.RawEvent, Cursor, error)

	// AcknowledgeEvent acknowledges an event in Zabbix. Best effort: a
	// failure here never rolls back local state.
	AcknowledgeEvent(ctx context.Context, eventID string, message string) error

	// HealthCheck probes API liveness without authentication.
	HealthCheck(ctx context.Context) error
}

// Ensure Client implements SourceClient
var _ SourceClient = (*Client)(nil)
