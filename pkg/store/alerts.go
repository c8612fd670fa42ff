package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/linkwatch/linkwatch/pkg/models"
)

// ErrDedupInvariant is returned when the open-alert uniqueness constraint
// fired but no open row can be read back. That combination means the
// constraint and the data disagree and must not be swallowed.
var ErrDedupInvariant = errors.New("open-alert uniqueness violated but no open alert found")

// ErrAlertNotOpen is returned when acknowledging an alert that does not
// exist or is already acknowledged.
var ErrAlertNotOpen = errors.New("alert not found or already acknowledged")

const alertColumns = `id, device_id, interface, severity, cause, message,
	created_at, acknowledged, acknowledged_by, acknowledged_at`

// CreateAlert opens a new alert for a (device, interface) pair. When a
// sibling instance won the race and an open alert already exists, that
// existing row is returned with created=false; this is expected control
// flow, not an error.
func (s *Store) CreateAlert(ctx context.Context, a models.Alert) (models.Alert, bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, device_id, interface, severity, cause, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.DeviceID, a.Interface, a.Severity, a.Cause, a.Message, a.CreatedAt)
	if err == nil {
		return a, true, nil
	}

	if !isUniqueViolation(err, "alerts_open_unique") {
		return models.Alert{}, false, fmt.Errorf("inserting alert %s/%s: %w", a.DeviceID, a.Interface, err)
	}

	existing, err := s.OpenAlert(ctx, a.DeviceID, a.Interface)
	if err != nil {
		return models.Alert{}, false, fmt.Errorf("re-reading open alert %s/%s: %w", a.DeviceID, a.Interface, err)
	}
	if existing == nil {
		// The insert collided with an open row that is gone by the time we
		// look: a racing acknowledge. The invariant cannot be verified, so
		// surface it loudly.
		return models.Alert{}, false, fmt.Errorf("%s/%s: %w", a.DeviceID, a.Interface, ErrDedupInvariant)
	}
	return *existing, false, nil
}

// OpenAlert returns the unacknowledged alert for a (device, interface)
// pair, or nil when none exists.
func (s *Store) OpenAlert(ctx context.Context, deviceID, iface string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE device_id = $1 AND interface = $2 AND NOT acknowledged`,
		deviceID, iface)

	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying open alert: %w", err)
	}
	return &a, nil
}

// AcknowledgeAlert closes an alert by id on behalf of an operator.
func (s *Store) AcknowledgeAlert(ctx context.Context, id, by string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE alerts
		SET acknowledged = true, acknowledged_by = $2, acknowledged_at = now()
		WHERE id = $1 AND NOT acknowledged
		RETURNING `+alertColumns, id, by)

	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, ErrAlertNotOpen
	}
	if err != nil {
		return nil, fmt.Errorf("acknowledging alert %s: %w", id, err)
	}
	return &a, nil
}

// AcknowledgeOpen closes the open alert for a (device, interface) pair if
// one exists, returning nil when there was nothing to close. Used for
// automatic recovery acks; racing with a concurrent acknowledge is benign.
func (s *Store) AcknowledgeOpen(ctx context.Context, deviceID, iface, by string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE alerts
		SET acknowledged = true, acknowledged_by = $3, acknowledged_at = now()
		WHERE device_id = $1 AND interface = $2 AND NOT acknowledged
		RETURNING `+alertColumns, deviceID, iface, by)

	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acknowledging open alert %s/%s: %w", deviceID, iface, err)
	}
	return &a, nil
}

// AlertFilter narrows ListAlerts results. Zero values match everything.
type AlertFilter struct {
	DeviceID string
	OnlyOpen bool
	Since    time.Time
	Limit    int
}

// ListAlerts returns alerts newest first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE 1=1`
	var args []interface{}

	if f.DeviceID != "" {
		args = append(args, f.DeviceID)
		query += fmt.Sprintf(" AND device_id = $%d", len(args))
	}
	if f.OnlyOpen {
		query += " AND NOT acknowledged"
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(r rowScanner) (models.Alert, error) {
	var a models.Alert
	var ackedAt sql.NullTime
	err := r.Scan(&a.ID, &a.DeviceID, &a.Interface, &a.Severity, &a.Cause,
		&a.Message, &a.CreatedAt, &a.Acknowledged, &a.AcknowledgedBy, &ackedAt)
	if err != nil {
		return models.Alert{}, err
	}
	if ackedAt.Valid {
		t := ackedAt.Time
		a.AcknowledgedAt = &t
	}
	return a, nil
}
