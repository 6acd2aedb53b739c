package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hostwatch-io/zbx-alert-gateway/pkg/models"
)

const alertColumns = `id, zabbix_event_id, zabbix_problem_id, host, name, severity,
	status, triggered_at, created_at, last_updated_at, resolved_at, raw_data`

// CreateAlert inserts a new alert together with its creation history entry in
// one transaction. The UNIQUE constraint on zabbix_event_id makes the
// existence check and the insert a single atomic unit: a concurrent insert of
// the same event id fails with ErrDuplicateEvent instead of producing a
// second row.
func (s *Store) CreateAlert(ctx context.Context, alert *models.Alert, entry *models.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create alert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alerts (id, zabbix_event_id, zabbix_problem_id, host, name, severity,
			status, triggered_at, created_at, last_updated_at, resolved_at, raw_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		alert.ID, alert.ZabbixEventID, nullString(alert.ZabbixProblemID), alert.Host,
		alert.Name, alert.Severity, string(alert.Status), timeToNS(alert.TriggeredAt),
		timeToNS(alert.CreatedAt), timeToNS(alert.LastUpdatedAt),
		nullTimeToNS(alert.ResolvedAt), nullString(alert.RawData),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("insert alert: %w", err)
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create alert: %w", err)
	}
	return nil
}

// GetAlert returns the alert with the given id.
func (s *Store) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	return scanAlert(row)
}

// GetAlertByEventID returns the alert tracking the given Zabbix event id.
func (s *Store) GetAlertByEventID(ctx context.Context, eventID string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE zabbix_event_id = ?`, eventID)
	return scanAlert(row)
}

// TouchAlert refreshes last_updated_at and the raw payload of a re-received
// event without changing lifecycle state.
func (s *Store) TouchAlert(ctx context.Context, eventID string, raw string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET last_updated_at = ?, raw_data = ? WHERE zabbix_event_id = ?`,
		timeToNS(now), nullString(raw), eventID)
	if err != nil {
		return fmt.Errorf("touch alert: %w", err)
	}
	return nil
}

// ResolveAlertByEventID transitions the alert for eventID to resolved and
// appends the history entry, atomically. The status guard in the UPDATE makes
// the transition idempotent: an already-resolved alert yields (false, nil)
// with no history written.
func (s *Store) ResolveAlertByEventID(ctx context.Context, eventID string, now time.Time) (bool, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("begin resolve alert: %w", err)
	}
	defer tx.Rollback()

	var alertID string
	var fromStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT id, status FROM alerts WHERE zabbix_event_id = ?`, eventID).
		Scan(&alertID, &fromStatus)
	if err == sql.ErrNoRows {
		return false, "", ErrNotFound
	}
	if err != nil {
		return false, "", fmt.Errorf("load alert for resolve: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE alerts SET status = ?, resolved_at = ?, last_updated_at = ?
		WHERE zabbix_event_id = ? AND status IN (?, ?)
	`,
		string(models.AlertStatusResolved), timeToNS(now), timeToNS(now),
		eventID, string(models.AlertStatusNew), string(models.AlertStatusAcknowledged),
	)
	if err != nil {
		return false, "", fmt.Errorf("resolve alert: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Already resolved: terminal state, nothing to do.
		return false, alertID, nil
	}

	from := models.AlertStatus(fromStatus)
	entry := &models.HistoryEntry{
		ID:         newID(),
		AlertID:    alertID,
		FromStatus: &from,
		ToStatus:   models.AlertStatusResolved,
		ChangedAt:  now,
	}
	if err := insertHistory(ctx, tx, entry); err != nil {
		return false, "", err
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("commit resolve alert: %w", err)
	}
	return true, alertID, nil
}

// AcknowledgeAlert moves the alert from new to acknowledged, recording the
// acknowledgment and the history entry in the same transaction. The
// status = 'new' guard serializes concurrent acknowledgments: the first to
// commit wins, later ones get ErrInvalidTransition and mutate nothing.
func (s *Store) AcknowledgeAlert(ctx context.Context, ack *models.Acknowledgment, entry *models.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin acknowledge: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE alerts SET status = ?, last_updated_at = ?
		WHERE id = ? AND status = ?
	`,
		string(models.AlertStatusAcknowledged), timeToNS(ack.AcknowledgedAt),
		ack.AlertID, string(models.AlertStatusNew),
	)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM alerts WHERE id = ?`, ack.AlertID).Scan(&exists); err != nil {
			return fmt.Errorf("check alert existence: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO acknowledgments (id, alert_id, operator_name, reason, acknowledged_at, synced_to_zabbix)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		ack.ID, ack.AlertID, ack.OperatorName, nullString(ack.Reason),
		timeToNS(ack.AcknowledgedAt), boolToInt(ack.SyncedToZabbix),
	)
	if err != nil {
		return fmt.Errorf("insert acknowledgment: %w", err)
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit acknowledge: %w", err)
	}
	return nil
}

// MarkAckSynced flips the synced flag of an acknowledgment after a
// successful source-side sync.
func (s *Store) MarkAckSynced(ctx context.Context, ackID string, synced bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE acknowledgments SET synced_to_zabbix = ? WHERE id = ?`,
		boolToInt(synced), ackID)
	if err != nil {
		return fmt.Errorf("mark ack synced: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UnsyncedAck pairs an acknowledgment with the Zabbix event id it must be
// synced to.
type UnsyncedAck struct {
	Ack           models.Acknowledgment
	ZabbixEventID string
}

// UnsyncedAcks returns acknowledgments whose source-side sync is still
// pending, oldest first.
func (s *Store) UnsyncedAcks(ctx context.Context, limit int) ([]UnsyncedAck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.alert_id, a.operator_name, a.reason, a.acknowledged_at, a.synced_to_zabbix,
			al.zabbix_event_id
		FROM acknowledgments a
		JOIN alerts al ON al.id = a.alert_id
		WHERE a.synced_to_zabbix = 0
		ORDER BY a.acknowledged_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced acks: %w", err)
	}
	defer rows.Close()

	var out []UnsyncedAck
	for rows.Next() {
		var u UnsyncedAck
		var reason sql.NullString
		var ackedAt int64
		var synced int
		err := rows.Scan(&u.Ack.ID, &u.Ack.AlertID, &u.Ack.OperatorName, &reason,
			&ackedAt, &synced, &u.ZabbixEventID)
		if err != nil {
			return nil, fmt.Errorf("scan unsynced ack: %w", err)
		}
		u.Ack.Reason = reason.String
		u.Ack.AcknowledgedAt = nsToTime(ackedAt)
		u.Ack.SyncedToZabbix = synced != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

// AcknowledgmentsByAlert returns all acknowledgments for an alert, oldest
// first.
func (s *Store) AcknowledgmentsByAlert(ctx context.Context, alertID string) ([]*models.Acknowledgment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, operator_name, reason, acknowledged_at, synced_to_zabbix
		FROM acknowledgments WHERE alert_id = ? ORDER BY acknowledged_at ASC
	`, alertID)
	if err != nil {
		return nil, fmt.Errorf("query acknowledgments: %w", err)
	}
	defer rows.Close()

	var acks []*models.Acknowledgment
	for rows.Next() {
		ack := &models.Acknowledgment{}
		var reason sql.NullString
		var ackedAt int64
		var synced int
		if err := rows.Scan(&ack.ID, &ack.AlertID, &ack.OperatorName, &reason, &ackedAt, &synced); err != nil {
			return nil, fmt.Errorf("scan acknowledgment: %w", err)
		}
		ack.Reason = reason.String
		ack.AcknowledgedAt = nsToTime(ackedAt)
		ack.SyncedToZabbix = synced != 0
		acks = append(acks, ack)
	}
	return acks, rows.Err()
}

// QueryAlerts returns alerts matching the filter, newest created first, plus
// the total match count for pagination.
func (s *Store) QueryAlerts(ctx context.Context, filter models.AlertFilter, page models.Page) ([]*models.Alert, int64, error) {
	var conds []string
	var args []interface{}

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.MinSeverity > 0 {
		conds = append(conds, "severity >= ?")
		args = append(args, filter.MinSeverity)
	}
	if filter.Host != "" {
		conds = append(conds, "host LIKE ?")
		args = append(args, "%"+filter.Host+"%")
	}
	if filter.Search != "" {
		conds = append(conds, "(name LIKE ? OR host LIKE ?)")
		args = append(args, "%"+filter.Search+"%", "%"+filter.Search+"%")
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alerts"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count alerts: %w", err)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts` + where +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, page.Limit, page.Skip)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	alerts, err := scanAlerts(rows)
	if err != nil {
		return nil, 0, err
	}
	return alerts, total, rows.Err()
}

// AlertsByDateRange returns alerts created in [from, to), newest first, plus
// the total count.
func (s *Store) AlertsByDateRange(ctx context.Context, from, to time.Time, page models.Page) ([]*models.Alert, int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE created_at >= ? AND created_at < ?`,
		timeToNS(from), timeToNS(to)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count alerts by range: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE created_at >= ? AND created_at < ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?
	`, timeToNS(from), timeToNS(to), page.Limit, page.Skip)
	if err != nil {
		return nil, 0, fmt.Errorf("query alerts by range: %w", err)
	}
	defer rows.Close()

	alerts, err := scanAlerts(rows)
	if err != nil {
		return nil, 0, err
	}
	return alerts, total, rows.Err()
}

// HistoryByAlert returns all history entries for an alert in ascending
// changed_at order.
func (s *Store) HistoryByAlert(ctx context.Context, alertID string) ([]*models.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, from_status, to_status, changed_at, changed_by, reason
		FROM alert_history WHERE alert_id = ? ORDER BY changed_at ASC, rowid ASC
	`, alertID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []*models.HistoryEntry
	for rows.Next() {
		e := &models.HistoryEntry{}
		var fromStatus, changedBy, reason sql.NullString
		var changedAt int64
		var toStatus string
		if err := rows.Scan(&e.ID, &e.AlertID, &fromStatus, &toStatus, &changedAt, &changedBy, &reason); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if fromStatus.Valid {
			from := models.AlertStatus(fromStatus.String)
			e.FromStatus = &from
		}
		e.ToStatus = models.AlertStatus(toStatus)
		e.ChangedAt = nsToTime(changedAt)
		if changedBy.Valid {
			by := changedBy.String
			e.ChangedBy = &by
		}
		e.Reason = reason.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteAlertsBefore removes alerts created before the cutoff. Foreign keys
// cascade to acknowledgments and history.
func (s *Store) DeleteAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE created_at < ?`, timeToNS(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old alerts: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row scanner) (*models.Alert, error) {
	a := &models.Alert{}
	var problemID, rawData sql.NullString
	var status string
	var triggeredAt, createdAt, updatedAt int64
	var resolvedAt sql.NullInt64
	err := row.Scan(&a.ID, &a.ZabbixEventID, &problemID, &a.Host, &a.Name, &a.Severity,
		&status, &triggeredAt, &createdAt, &updatedAt, &resolvedAt, &rawData)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.ZabbixProblemID = problemID.String
	a.Status = models.AlertStatus(status)
	a.SeverityLabel = models.SeverityLabel(a.Severity)
	a.TriggeredAt = nsToTime(triggeredAt)
	a.CreatedAt = nsToTime(createdAt)
	a.LastUpdatedAt = nsToTime(updatedAt)
	a.ResolvedAt = nsToNullTime(resolvedAt)
	a.RawData = rawData.String
	return a, nil
}

func scanAlerts(rows *sql.Rows) ([]*models.Alert, error) {
	var alerts []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, entry *models.HistoryEntry) error {
	var fromStatus sql.NullString
	if entry.FromStatus != nil {
		fromStatus = sql.NullString{String: string(*entry.FromStatus), Valid: true}
	}
	var changedBy sql.NullString
	if entry.ChangedBy != nil {
		changedBy = sql.NullString{String: *entry.ChangedBy, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO alert_history (id, alert_id, from_status, to_status, changed_at, changed_by, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID, entry.AlertID, fromStatus, string(entry.ToStatus),
		timeToNS(entry.ChangedAt), changedBy, nullString(entry.Reason),
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
