package services

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hostwatch-io/zbx-alert-gateway/pkg/events"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/metrics"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/models"
)

// DefaultFailureThreshold is how many consecutive failures flip the
// connection state to disconnected.
const DefaultFailureThreshold = 3

// ConnectionTracker derives connected/disconnected state from Zabbix call
// outcomes. It owns the state: the poller reports outcomes through
// ReportSuccess/ReportFailure and reads it back through Status and NextDelay.
// A status-change event is emitted exactly once per flip, not on every
// failure.
type ConnectionTracker struct {
	mu        sync.Mutex
	connected bool
	failures  int
	lastOK    *time.Time
	lastFail  *time.Time
	lastErr   string

	threshold int
	backoff   *Backoff
	bus       *events.Bus
}

// NewConnectionTracker creates a tracker. The initial state is disconnected
// until the first successful call; no event is emitted for the initial state.
func NewConnectionTracker(threshold int, backoff *Backoff, bus *events.Bus) *ConnectionTracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &ConnectionTracker{
		threshold: threshold,
		backoff:   backoff,
		bus:       bus,
	}
}

// ReportSuccess records a successful Zabbix call. It resets the failure
// counter and the backoff; if the prior state was disconnected it flips to
// connected and emits one status-change event.
func (t *ConnectionTracker) ReportSuccess() {
	now := time.Now().UTC()

	t.mu.Lock()
	wasConnected := t.connected
	firstOK := t.lastOK == nil
	t.connected = true
	t.failures = 0
	t.lastOK = &now
	t.lastErr = ""
	t.mu.Unlock()

	t.backoff.Reset()
	metrics.SourceConnected.Set(1)

	if !wasConnected && !firstOK {
		logrus.Info("Zabbix API connection restored")
		t.bus.Publish(events.Event{Kind: events.KindConnection, Connected: true})
	} else if firstOK {
		logrus.Info("Zabbix API connection established")
	}
}

// ReportFailure records a failed Zabbix call. After the threshold of
// consecutive failures the state flips to disconnected and one status-change
// event is emitted; further failures only increment the counter.
func (t *ConnectionTracker) ReportFailure(err error) {
	now := time.Now().UTC()

	t.mu.Lock()
	t.failures++
	t.lastFail = &now
	if err != nil {
		t.lastErr = err.Error()
	}
	flipped := t.connected && t.failures >= t.threshold
	if flipped {
		t.connected = false
	}
	failures := t.failures
	t.mu.Unlock()

	metrics.SourceFailuresTotal.Inc()
	logrus.Warnf("Zabbix API call failed (consecutive failures: %d): %v", failures, err)

	if flipped {
		metrics.SourceConnected.Set(0)
		logrus.Errorf("Zabbix API marked disconnected after %d consecutive failures", failures)
		t.bus.Publish(events.Event{Kind: events.KindConnection, Connected: false})
	}
}

// Connected reports the current connection state.
func (t *ConnectionTracker) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// NextDelay returns how long the poller should wait before the next attempt:
// zero while connected, the next backoff step while disconnected.
func (t *ConnectionTracker) NextDelay() time.Duration {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()

	if connected {
		return 0
	}
	return t.backoff.Next()
}

// Status returns a snapshot of the connection state.
func (t *ConnectionTracker) Status() models.ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := models.ConnectionStatus{
		Connected:           t.connected,
		ConsecutiveFailures: t.failures,
		LastError:           t.lastErr,
	}
	if t.lastOK != nil {
		ok := *t.lastOK
		status.LastSuccessAt = &ok
	}
	if t.lastFail != nil {
		fail := *t.lastFail
		status.LastFailureAt = &fail
	}
	if !t.connected {
		status.CurrentBackoff = t.backoff.Current().String()
	}
	return status
}
