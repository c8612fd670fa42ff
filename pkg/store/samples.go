package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/linkwatch/linkwatch/pkg/models"
)

// Granularity selects the relation a series query reads from.
type Granularity string

const (
	GranularityRaw    Granularity = "raw"
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
)

// SeriesQuery selects rate samples for one device, optionally narrowed to
// one interface, over a time range at a given granularity.
type SeriesQuery struct {
	DeviceID    string
	Interface   string // empty = all interfaces
	From        time.Time
	To          time.Time
	Granularity Granularity
}

// SeriesPoint is one point of a queried series. For rolled-up
// granularities the Bps fields carry bucket averages and the Max fields
// the bucket maxima; for raw samples both carry the sample value.
type SeriesPoint struct {
	Interface   string
	At          time.Time
	RxBps       float64
	TxBps       float64
	TotalBps    float64
	MaxRxBps    float64
	MaxTxBps    float64
	MaxTotalBps float64
}

// AppendSamples writes a batch of samples in one transaction. Rows that
// already exist for their (device, interface, timestamp) key are silently
// skipped, so retried and concurrent writes of the same tick are no-ops.
func (s *Store) AppendSamples(ctx context.Context, batch []models.TrafficSample) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sample batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO traffic_samples (
			device_id, interface, sampled_at,
			rx_bytes_total, tx_bytes_total,
			rx_bps, tx_bps, total_bps, realtime
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (device_id, interface, sampled_at) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare sample insert: %w", err)
	}
	defer stmt.Close()

	var written, skipped uint64
	for _, sm := range batch {
		res, err := stmt.ExecContext(ctx,
			sm.DeviceID, sm.Interface, sm.SampledAt,
			int64(sm.RxBytesTotal), int64(sm.TxBytesTotal),
			sm.RxBps, sm.TxBps, sm.TotalBps, sm.Realtime)
		if err != nil {
			return fmt.Errorf("insert sample %s/%s: %w", sm.DeviceID, sm.Interface, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			skipped++
		} else {
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sample batch: %w", err)
	}

	s.statsMu.Lock()
	s.samplesWritten += written
	s.samplesSkipped += skipped
	s.statsMu.Unlock()
	return nil
}

// seriesRelation maps a granularity to the relation and column set to read.
func seriesRelation(g Granularity) (table string, rolled bool, err error) {
	switch g {
	case GranularityRaw, "":
		return "traffic_samples", false, nil
	case GranularityHourly:
		return "traffic_rollup_hourly", true, nil
	case GranularityDaily:
		return "traffic_rollup_daily", true, nil
	default:
		return "", false, fmt.Errorf("unknown granularity %q", g)
	}
}

// QuerySeries returns the rate series matching q, ordered by time.
func (s *Store) QuerySeries(ctx context.Context, q SeriesQuery) ([]SeriesPoint, error) {
	table, rolled, err := seriesRelation(q.Granularity)
	if err != nil {
		return nil, err
	}

	var query string
	if rolled {
		query = `SELECT interface, bucket, avg_rx_bps, avg_tx_bps, avg_total_bps,
				max_rx_bps, max_tx_bps, max_total_bps
			FROM ` + table + `
			WHERE device_id = $1 AND bucket >= $2 AND bucket < $3`
	} else {
		query = `SELECT interface, sampled_at, rx_bps, tx_bps, total_bps,
				rx_bps, tx_bps, total_bps
			FROM traffic_samples
			WHERE device_id = $1 AND sampled_at >= $2 AND sampled_at < $3`
	}

	args := []interface{}{q.DeviceID, q.From, q.To}
	if q.Interface != "" {
		query += ` AND interface = $4`
		args = append(args, q.Interface)
	}
	query += ` ORDER BY 2, 1`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying series: %w", err)
	}
	defer rows.Close()

	var points []SeriesPoint
	for rows.Next() {
		var p SeriesPoint
		if err := rows.Scan(&p.Interface, &p.At,
			&p.RxBps, &p.TxBps, &p.TotalBps,
			&p.MaxRxBps, &p.MaxTxBps, &p.MaxTotalBps); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// refreshRollups incrementally recomputes hourly and daily buckets touched
// since the previous refresh. Realtime samples are excluded: viewer loops
// write at sub-second cadence and would skew bucket averages.
func (s *Store) refreshRollups(ctx context.Context, since time.Time) {
	buckets := []struct {
		table string
		trunc string
	}{
		{"traffic_rollup_hourly", "hour"},
		{"traffic_rollup_daily", "day"},
	}

	for _, b := range buckets {
		// Re-aggregate from the start of the oldest touched bucket so the
		// open bucket converges instead of double-counting.
		query := fmt.Sprintf(`
			INSERT INTO %s (device_id, interface, bucket,
				avg_rx_bps, max_rx_bps, avg_tx_bps, max_tx_bps,
				avg_total_bps, max_total_bps, sample_count)
			SELECT device_id, interface, date_trunc('%s', sampled_at),
				avg(rx_bps), max(rx_bps), avg(tx_bps), max(tx_bps),
				avg(total_bps), max(total_bps), count(*)
			FROM traffic_samples
			WHERE NOT realtime AND sampled_at >= date_trunc('%s', $1::timestamptz)
			GROUP BY 1, 2, 3
			ON CONFLICT (device_id, interface, bucket) DO UPDATE SET
				avg_rx_bps = EXCLUDED.avg_rx_bps,
				max_rx_bps = EXCLUDED.max_rx_bps,
				avg_tx_bps = EXCLUDED.avg_tx_bps,
				max_tx_bps = EXCLUDED.max_tx_bps,
				avg_total_bps = EXCLUDED.avg_total_bps,
				max_total_bps = EXCLUDED.max_total_bps,
				sample_count = EXCLUDED.sample_count`,
			b.table, b.trunc, b.trunc)

		if _, err := s.db.ExecContext(ctx, query, since); err != nil {
			log.Printf("Rollup refresh (%s) failed: %v", b.trunc, err)
		}
	}
}
