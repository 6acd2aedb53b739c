package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hostwatch-io/zbx-alert-gateway/pkg/events"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/metrics"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/models"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/store"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/zabbix"
)

// Errors surfaced to API callers. These alias the store's sentinels so both
// layers agree under errors.Is.
var (
	ErrNotFound          = store.ErrNotFound
	ErrInvalidTransition = store.ErrInvalidTransition
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000

	// syncTimeout bounds the post-commit Zabbix acknowledgment call.
	syncTimeout = 10 * time.Second
)

// AlertService owns the alert lifecycle: deduplicated ingestion, the status
// state machine, acknowledgment with source sync-back, and the query surface.
// All writes go through per-alert atomic store transactions; bus events are
// published only after a commit.
type AlertService struct {
	store  *store.Store
	source zabbix.SourceClient
	bus    *events.Bus
}

// NewAlertService creates the lifecycle manager.
func NewAlertService(st *store.Store, source zabbix.SourceClient, bus *events.Bus) *AlertService {
	return &AlertService{
		store:  st,
		source: source,
		bus:    bus,
	}
}

// Ingest processes one fetched batch. Unseen event ids become new alerts with
// a creation history entry; known ids carrying a resolution signal transition
// to resolved; known ids without one are absorbed as duplicates (the stored
// raw payload is refreshed, nothing else changes). Each alert is handled in
// its own atomic transaction, so a partial batch failure never corrupts
// committed alerts.
func (s *AlertService) Ingest(ctx context.Context, batch []models.RawEvent) (models.IngestResult, error) {
	var result models.IngestResult

	// Collapse in-batch duplicates; the last occurrence wins, a resolution
	// signal anywhere in the batch sticks.
	seen := make(map[string]models.RawEvent, len(batch))
	order := make([]string, 0, len(batch))
	for _, ev := range batch {
		if ev.EventID == "" {
			result.Skipped++
			logrus.Warn("Event missing eventid, skipping")
			continue
		}
		if prev, ok := seen[ev.EventID]; ok {
			ev.Resolved = ev.Resolved || prev.Resolved
			seen[ev.EventID] = ev
			continue
		}
		seen[ev.EventID] = ev
		order = append(order, ev.EventID)
	}

	var firstErr error
	for _, eventID := range order {
		ev := seen[eventID]
		if err := s.ingestOne(ctx, ev, &result); err != nil {
			result.Skipped++
			if firstErr == nil {
				firstErr = err
			}
			logrus.Errorf("Failed to ingest event %s: %v", ev.EventID, err)
		}
	}

	metrics.AlertsIngestedTotal.WithLabelValues("created").Add(float64(result.Created))
	metrics.AlertsIngestedTotal.WithLabelValues("resolved").Add(float64(result.Resolved))
	metrics.AlertsIngestedTotal.WithLabelValues("updated").Add(float64(result.Updated))
	metrics.AlertsIngestedTotal.WithLabelValues("skipped").Add(float64(result.Skipped))

	if result.Created+result.Resolved > 0 {
		s.bus.Publish(events.Event{
			Kind:  events.KindAlertBatch,
			Count: result.Created + result.Resolved,
		})
	}
	return result, firstErr
}

func (s *AlertService) ingestOne(ctx context.Context, ev models.RawEvent, result *models.IngestResult) error {
	existing, err := s.store.GetAlertByEventID(ctx, ev.EventID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if ev.Resolved {
			// A problem that arrived already resolved is not worth a row.
			result.Updated++
			return nil
		}
		return s.createAlert(ctx, ev, result)
	case err != nil:
		return err
	}

	if ev.Resolved && existing.Status != models.AlertStatusResolved {
		resolved, alertID, err := s.store.ResolveAlertByEventID(ctx, ev.EventID, time.Now().UTC())
		if err != nil {
			return err
		}
		if resolved {
			result.Resolved++
			logrus.Infof("Alert %s resolved by Zabbix (event %s)", alertID, ev.EventID)
		} else {
			result.Updated++
		}
		return nil
	}

	// Known event, no state change: refresh the payload only.
	if err := s.store.TouchAlert(ctx, ev.EventID, ev.Raw, time.Now().UTC()); err != nil {
		return err
	}
	result.Updated++
	return nil
}

func (s *AlertService) createAlert(ctx context.Context, ev models.RawEvent, result *models.IngestResult) error {
	now := time.Now().UTC()
	alert := &models.Alert{
		ID:              uuid.NewString(),
		ZabbixEventID:   ev.EventID,
		ZabbixProblemID: ev.ProblemID,
		Host:            ev.Host,
		Name:            ev.Name,
		Severity:        ev.Severity,
		Status:          models.AlertStatusNew,
		TriggeredAt:     ev.Clock,
		CreatedAt:       now,
		LastUpdatedAt:   now,
		RawData:         ev.Raw,
	}
	entry := &models.HistoryEntry{
		ID:        uuid.NewString(),
		AlertID:   alert.ID,
		ToStatus:  models.AlertStatusNew,
		ChangedAt: now,
	}

	err := s.store.CreateAlert(ctx, alert, entry)
	if errors.Is(err, store.ErrDuplicateEvent) {
		// Lost the race against a concurrent ingestion of the same event id.
		result.Updated++
		return nil
	}
	if err != nil {
		return err
	}
	result.Created++
	logrus.Infof("Alert created: eventid=%s host=%s severity=%d", ev.EventID, ev.Host, ev.Severity)
	return nil
}

// Acknowledge records an operator acknowledgment. Only alerts in status new
// are eligible; the first concurrent acknowledgment wins. After the local
// transaction commits, the acknowledgment is synced to Zabbix in the
// background; a sync failure only leaves the record flagged unsynced.
func (s *AlertService) Acknowledge(ctx context.Context, alertID, operatorName, reason string) (*models.Alert, error) {
	if operatorName == "" {
		operatorName = "Unknown"
	}
	now := time.Now().UTC()

	ack := &models.Acknowledgment{
		ID:             uuid.NewString(),
		AlertID:        alertID,
		OperatorName:   operatorName,
		Reason:         reason,
		AcknowledgedAt: now,
	}
	from := models.AlertStatusNew
	entry := &models.HistoryEntry{
		ID:         uuid.NewString(),
		AlertID:    alertID,
		FromStatus: &from,
		ToStatus:   models.AlertStatusAcknowledged,
		ChangedAt:  now,
		ChangedBy:  &operatorName,
		Reason:     reason,
	}

	if err := s.store.AcknowledgeAlert(ctx, ack, entry); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			metrics.AcknowledgmentsTotal.WithLabelValues("not_found").Inc()
		case errors.Is(err, ErrInvalidTransition):
			metrics.AcknowledgmentsTotal.WithLabelValues("rejected").Inc()
		default:
			metrics.AcknowledgmentsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	metrics.AcknowledgmentsTotal.WithLabelValues("accepted").Inc()
	logrus.Infof("Alert %s acknowledged by %s", alertID, operatorName)

	alert, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("reload acknowledged alert: %w", err)
	}

	s.bus.Publish(events.Event{
		Kind:     events.KindAlertAck,
		AlertID:  alertID,
		Operator: operatorName,
	})

	// Sync back to Zabbix off the caller's path. The detached context keeps
	// a canceled HTTP request from aborting the sync mid-flight.
	go s.syncAck(ack.ID, alert.ZabbixEventID, operatorName, reason)

	return alert, nil
}

func (s *AlertService) syncAck(ackID, eventID, operatorName, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	message := fmt.Sprintf("Acknowledged by %s", operatorName)
	if reason != "" {
		message += ": " + reason
	}

	if err := s.source.AcknowledgeEvent(ctx, eventID, message); err != nil {
		metrics.AckSyncFailuresTotal.Inc()
		logrus.Warnf("Failed to sync acknowledgment for event %s to Zabbix (will retry): %v", eventID, err)
		return
	}
	if err := s.store.MarkAckSynced(ctx, ackID, true); err != nil {
		logrus.Errorf("Failed to mark acknowledgment %s synced: %v", ackID, err)
	}
}

// RetrySyncAcks re-sends up to limit acknowledgments whose Zabbix sync is
// still pending. Called by the poller after a successful cycle.
func (s *AlertService) RetrySyncAcks(ctx context.Context, limit int) int {
	if limit <= 0 {
		limit = 10
	}
	pending, err := s.store.UnsyncedAcks(ctx, limit)
	if err != nil {
		logrus.Errorf("Failed to load unsynced acknowledgments: %v", err)
		return 0
	}

	synced := 0
	for _, p := range pending {
		message := fmt.Sprintf("Acknowledged by %s", p.Ack.OperatorName)
		if p.Ack.Reason != "" {
			message += ": " + p.Ack.Reason
		}
		if err := s.source.AcknowledgeEvent(ctx, p.ZabbixEventID, message); err != nil {
			metrics.AckSyncFailuresTotal.Inc()
			logrus.Debugf("Retry sync for event %s failed: %v", p.ZabbixEventID, err)
			continue
		}
		if err := s.store.MarkAckSynced(ctx, p.Ack.ID, true); err != nil {
			logrus.Errorf("Failed to mark acknowledgment %s synced: %v", p.Ack.ID, err)
			continue
		}
		synced++
	}
	if synced > 0 {
		logrus.Infof("Synced %d pending acknowledgments to Zabbix", synced)
	}
	return synced
}

// GetAlert returns a single alert by id.
func (s *AlertService) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	return s.store.GetAlert(ctx, alertID)
}

// Query returns alerts matching the filter, newest first, plus the total
// match count.
func (s *AlertService) Query(ctx context.Context, filter models.AlertFilter, page models.Page) ([]*models.Alert, int64, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("invalid status filter %q", filter.Status)
	}
	if filter.MinSeverity < models.SeverityMin || filter.MinSeverity > models.SeverityMax {
		return nil, 0, fmt.Errorf("severity filter out of range: %d", filter.MinSeverity)
	}
	page = clampPage(page)
	return s.store.QueryAlerts(ctx, filter, page)
}

// History returns the full status-change history of an alert, oldest first.
func (s *AlertService) History(ctx context.Context, alertID string) ([]*models.HistoryEntry, error) {
	if _, err := s.store.GetAlert(ctx, alertID); err != nil {
		return nil, err
	}
	return s.store.HistoryByAlert(ctx, alertID)
}

// Acknowledgments returns all acknowledgment records of an alert.
func (s *AlertService) Acknowledgments(ctx context.Context, alertID string) ([]*models.Acknowledgment, error) {
	return s.store.AcknowledgmentsByAlert(ctx, alertID)
}

// HistoryByDateRange returns alerts created in [from, to), newest first, plus
// the total count.
func (s *AlertService) HistoryByDateRange(ctx context.Context, from, to time.Time, page models.Page) ([]*models.Alert, int64, error) {
	if !to.After(from) {
		return nil, 0, fmt.Errorf("date range is empty: from %s to %s", from, to)
	}
	page = clampPage(page)
	return s.store.AlertsByDateRange(ctx, from, to, page)
}

// PurgeOldAlerts deletes alerts older than the retention window, cascading to
// their acknowledgments and history.
func (s *AlertService) PurgeOldAlerts(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	deleted, err := s.store.DeleteAlertsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		logrus.Infof("Purged %d alerts older than %s", deleted, retention)
	}
	return deleted, nil
}

func clampPage(page models.Page) models.Page {
	if page.Limit <= 0 {
		page.Limit = defaultQueryLimit
	}
	if page.Limit > maxQueryLimit {
		page.Limit = maxQueryLimit
	}
	if page.Skip < 0 {
		page.Skip = 0
	}
	return page
}
