package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hostwatch-io/zbx-alert-gateway/pkg/metrics"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/models"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/zabbix"
)

// ErrCycleInFlight is returned when a cycle is requested while the previous
// one is still running. The request is a no-op.
var ErrCycleInFlight = errors.New("ingestion cycle already in progress")

const (
	// cycleTimeout bounds one full ingestion cycle.
	cycleTimeout = 30 * time.Second

	// ackRetryBatch caps how many pending acknowledgment syncs one cycle
	// retries.
	ackRetryBatch = 10
)

// CycleStats is a snapshot of the most recent completed cycle.
type CycleStats struct {
	LastRunAt  time.Time           `json:"lastRunAt"`
	LastResult models.IngestResult `json:"lastResult"`
	LastError  string              `json:"lastError,omitempty"`
	Cursor     int64               `json:"cursor"`
}

// Poller drives the recurring ingestion cycle: fetch problems since the
// cursor, hand them to the lifecycle manager, advance the cursor on success.
// Cycles are single-flight; when the source is disconnected the tracker's
// backoff replaces the fixed interval.
type Poller struct {
	source   zabbix.SourceClient
	alerts   *AlertService
	tracker  *ConnectionTracker
	interval time.Duration

	running sync.Mutex // held for the duration of one cycle

	mu     sync.Mutex // guards cursor and stats
	cursor zabbix.Cursor
	stats  CycleStats

	stop chan struct{}
	done chan struct{}
}

// NewPoller creates a poller. Start must be called to begin polling.
func NewPoller(source zabbix.SourceClient, alerts *AlertService, tracker *ConnectionTracker, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		source:   source,
		alerts:   alerts,
		tracker:  tracker,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop. Cancellation is cooperative: the loop
// checks for shutdown between cycles, never mid-cycle, so a committed batch
// is never half-applied.
func (p *Poller) Start() {
	logrus.Infof("Starting alert poller (interval %s)", p.interval)
	go p.loop()
}

// Shutdown stops the polling loop and waits for an in-flight cycle to finish.
func (p *Poller) Shutdown() {
	logrus.Info("Shutting down alert poller")
	close(p.stop)
	<-p.done
}

func (p *Poller) loop() {
	defer close(p.done)

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-timer.C:
		}

		if _, err := p.RunCycle(context.Background()); err != nil && !errors.Is(err, ErrCycleInFlight) {
			logrus.Debugf("Poll cycle failed: %v", err)
		}

		// While disconnected the backoff gates the next attempt so an
		// unreachable Zabbix is not hammered at the fixed interval.
		delay := p.interval
		if d := p.tracker.NextDelay(); d > delay {
			delay = d
		}
		timer.Reset(delay)
	}
}

// RunCycle executes one ingestion cycle. A cycle already in progress makes
// this call a no-op returning ErrCycleInFlight; the cursor advances only
// when fetch and ingest both succeed.
func (p *Poller) RunCycle(ctx context.Context) (models.IngestResult, error) {
	if !p.running.TryLock() {
		metrics.PollCyclesTotal.WithLabelValues("skipped").Inc()
		return models.IngestResult{}, ErrCycleInFlight
	}
	defer p.running.Unlock()

	ctx, cancel := context.WithTimeout(ctx, cycleTimeout)
	defer cancel()

	cycleID := uuid.NewString()
	log := logrus.WithField("cycle", cycleID)
	started := time.Now()
	defer func() {
		metrics.PollCycleDuration.Observe(time.Since(started).Seconds())
	}()

	cursor := p.Cursor()
	batch, next, err := p.source.FetchProblems(ctx, cursor)
	if err != nil {
		p.tracker.ReportFailure(err)
		p.recordCycle(models.IngestResult{}, err)
		metrics.PollCyclesTotal.WithLabelValues("failure").Inc()
		log.Warnf("Fetch failed, cursor unchanged: %v", err)
		return models.IngestResult{}, err
	}
	p.tracker.ReportSuccess()

	result, err := p.alerts.Ingest(ctx, batch)
	if err != nil {
		// The source answered but part of the batch failed locally; keep
		// the cursor so the next cycle re-covers the same window.
		p.recordCycle(result, err)
		metrics.PollCyclesTotal.WithLabelValues("failure").Inc()
		log.Errorf("Ingest failed, cursor unchanged: %v", err)
		return result, err
	}

	p.mu.Lock()
	p.cursor = next
	p.mu.Unlock()
	p.recordCycle(result, nil)
	metrics.PollCyclesTotal.WithLabelValues("success").Inc()

	if result.Created+result.Resolved > 0 {
		log.Infof("Poll completed: created=%d resolved=%d updated=%d skipped=%d",
			result.Created, result.Resolved, result.Updated, result.Skipped)
	} else {
		log.Debugf("Poll completed: updated=%d skipped=%d", result.Updated, result.Skipped)
	}

	p.alerts.RetrySyncAcks(ctx, ackRetryBatch)
	return result, nil
}

// Cursor returns the current fetch watermark.
func (p *Poller) Cursor() zabbix.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Stats returns a snapshot of the last completed cycle.
func (p *Poller) Stats() CycleStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Poller) recordCycle(result models.IngestResult, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = CycleStats{
		LastRunAt:  time.Now().UTC(),
		LastResult: result,
		Cursor:     p.cursor.LastClock,
	}
	if err != nil {
		p.stats.LastError = err.Error()
	}
}
