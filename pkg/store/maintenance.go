package store

import (
	"context"
	"log"
	"time"
)

// MaintenanceConfig sets the horizons for the background jobs.
type MaintenanceConfig struct {
	// RetentionHorizon: raw samples and rollups older than this are purged.
	// Only enforced here when TimescaleDB is not managing the hypertable.
	RetentionHorizon time.Duration
	// RealtimeRetention: realtime viewer samples are purged much sooner;
	// they only exist to feed live pages.
	RealtimeRetention time.Duration
	// RollupInterval: cadence of incremental rollup refresh.
	RollupInterval time.Duration
	// PurgeInterval: cadence of retention and cache-eviction sweeps.
	PurgeInterval time.Duration
	// CacheEvictAfter: cached interfaces unseen for this long are deleted.
	// Zero disables eviction.
	CacheEvictAfter time.Duration
}

// DefaultMaintenanceConfig returns the standard horizons: two years of
// samples, one hour of realtime rows, five-minute rollup refresh.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		RetentionHorizon:  730 * 24 * time.Hour,
		RealtimeRetention: time.Hour,
		RollupInterval:    5 * time.Minute,
		PurgeInterval:     time.Hour,
	}
}

// StartMaintenance begins the background rollup and retention loops. They
// run on their own tickers and never participate in the ingestion path.
func (s *Store) StartMaintenance(cfg MaintenanceConfig) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	if cfg.RollupInterval <= 0 {
		cfg.RollupInterval = 5 * time.Minute
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	if cfg.RealtimeRetention <= 0 {
		cfg.RealtimeRetention = time.Hour
	}

	s.wg.Add(2)
	go s.rollupLoop(cfg)
	go s.purgeLoop(cfg)
	log.Printf("Store maintenance started (rollup=%v purge=%v)", cfg.RollupInterval, cfg.PurgeInterval)
}

// StopMaintenance stops the background loops and waits for them.
func (s *Store) StopMaintenance() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	log.Printf("Store maintenance stopped")
}

func (s *Store) rollupLoop(cfg MaintenanceConfig) {
	defer s.wg.Done()

	ticker := time.NewTicker(cfg.RollupInterval)
	defer ticker.Stop()

	last := time.Now().Add(-cfg.RollupInterval)
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// Overlap one interval back so late-arriving samples land.
			s.refreshRollups(context.Background(), last.Add(-cfg.RollupInterval))
			last = start
		case <-s.done:
			return
		}
	}
}

func (s *Store) purgeLoop(cfg MaintenanceConfig) {
	defer s.wg.Done()

	ticker := time.NewTicker(cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.purgeOnce(context.Background(), cfg)
		case <-s.done:
			return
		}
	}
}

func (s *Store) purgeOnce(ctx context.Context, cfg MaintenanceConfig) {
	now := time.Now()

	// Raw retention is Timescale's job when the hypertable policy is
	// active; rollups and realtime rows are always ours.
	if !s.timescale && cfg.RetentionHorizon > 0 {
		s.purge(ctx, `DELETE FROM traffic_samples WHERE sampled_at < $1`,
			now.Add(-cfg.RetentionHorizon), "raw samples")
	}
	s.purge(ctx, `DELETE FROM traffic_samples WHERE realtime AND sampled_at < $1`,
		now.Add(-cfg.RealtimeRetention), "realtime samples")

	if cfg.RetentionHorizon > 0 {
		cutoff := now.Add(-cfg.RetentionHorizon)
		s.purge(ctx, `DELETE FROM traffic_rollup_hourly WHERE bucket < $1`, cutoff, "hourly rollups")
		s.purge(ctx, `DELETE FROM traffic_rollup_daily WHERE bucket < $1`, cutoff, "daily rollups")
	}

	if cfg.CacheEvictAfter > 0 {
		if n, err := s.EvictStaleInterfaces(ctx, now.Add(-cfg.CacheEvictAfter)); err != nil {
			log.Printf("Cache eviction failed: %v", err)
		} else if n > 0 {
			log.Printf("Evicted %d stale cached interfaces", n)
		}
	}
}

func (s *Store) purge(ctx context.Context, query string, cutoff time.Time, what string) {
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		log.Printf("Purging %s failed: %v", what, err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("Purged %d %s older than %s", n, what, cutoff.Format(time.RFC3339))
	}
}

// Stats returns ingestion counters for the periodic stats log line.
func (s *Store) Stats() map[string]interface{} {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return map[string]interface{}{
		"samples_written": s.samplesWritten,
		"samples_skipped": s.samplesSkipped,
		"timescale":       s.timescale,
	}
}
