package store

import (
	"context"
	"fmt"
	"time"

	"github.com/linkwatch/linkwatch/pkg/models"
)

// UpsertInterface records one interface observation in the inventory
// cache. last_seen never moves backwards, so out-of-order upserts from
// racing instances cannot make an entry look staler than it is.
func (s *Store) UpsertInterface(ctx context.Context, ci models.CachedInterface) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cached_interfaces (
			device_id, interface, comment, mac, if_type, running, disabled, last_seen
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (device_id, interface) DO UPDATE SET
			comment   = EXCLUDED.comment,
			mac       = EXCLUDED.mac,
			if_type   = EXCLUDED.if_type,
			running   = EXCLUDED.running,
			disabled  = EXCLUDED.disabled,
			last_seen = GREATEST(cached_interfaces.last_seen, EXCLUDED.last_seen)`,
		ci.DeviceID, ci.Interface, ci.Comment, ci.MAC, ci.Type,
		ci.Running, ci.Disabled, ci.LastSeen)
	if err != nil {
		return fmt.Errorf("upserting interface %s/%s: %w", ci.DeviceID, ci.Interface, err)
	}
	return nil
}

// AvailableInterfaces returns cached interfaces for a device that are not
// yet under monitoring, for the "add monitor" flow.
func (s *Store) AvailableInterfaces(ctx context.Context, deviceID string) ([]models.CachedInterface, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.device_id, c.interface, c.comment, c.mac, c.if_type,
			c.running, c.disabled, c.last_seen
		FROM cached_interfaces c
		LEFT JOIN monitored_interfaces m
			ON m.device_id = c.device_id AND m.interface = c.interface
		WHERE c.device_id = $1 AND m.interface IS NULL
		ORDER BY c.interface`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying available interfaces: %w", err)
	}
	defer rows.Close()

	var out []models.CachedInterface
	for rows.Next() {
		var ci models.CachedInterface
		if err := rows.Scan(&ci.DeviceID, &ci.Interface, &ci.Comment, &ci.MAC,
			&ci.Type, &ci.Running, &ci.Disabled, &ci.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}

// EvictStaleInterfaces deletes cache entries not refreshed since cutoff.
// Housekeeping only; staleness is otherwise a display concern.
func (s *Store) EvictStaleInterfaces(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_interfaces WHERE last_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evicting stale interfaces: %w", err)
	}
	return res.RowsAffected()
}
