// Package scheduler drives the polling cadences: a steady-state tick over
// every device with monitored interfaces, and on-demand realtime loops for
// devices an operator is actively viewing. Devices are polled concurrently
// under a bounded semaphore; each device's pipeline is strictly
// fetch → sample → persist → evaluate, and a device still mid-poll when
// its next tick is due skips that tick.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/linkwatch/linkwatch/pkg/alert"
	"github.com/linkwatch/linkwatch/pkg/device"
	"github.com/linkwatch/linkwatch/pkg/models"
	"github.com/linkwatch/linkwatch/pkg/sampler"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	Devices(ctx context.Context) ([]models.Device, error)
	MonitoredInterfaces(ctx context.Context) (map[string][]models.MonitoredInterface, error)
	AppendSamples(ctx context.Context, batch []models.TrafficSample) error
	UpsertInterface(ctx context.Context, ci models.CachedInterface) error
}

// Evaluator runs alert evaluation for one persisted device tick.
type Evaluator interface {
	Evaluate(ctx context.Context, tick alert.Tick, monitors []models.MonitoredInterface) error
}

// Config holds scheduler timing and concurrency settings.
type Config struct {
	PollInterval     time.Duration
	RealtimeInterval time.Duration
	FetchTimeout     time.Duration
	Workers          int64
	StatsInterval    time.Duration // 0 disables the stats log line
}

// Scheduler orchestrates polling for all devices.
type Scheduler struct {
	store   Store
	client  device.Client
	sampler *sampler.Sampler
	engine  Evaluator
	cfg     Config

	sem      *semaphore.Weighted
	inflight sync.Map // device id -> struct{}; steady-tick overlap guard

	registry *registry

	// Stats
	ticks         uint64
	devicesPolled uint64
	ticksSkipped  uint64
	fetchFailures uint64
	storeFailures uint64
}

// New creates a scheduler.
func New(store Store, client device.Client, smp *sampler.Sampler, engine Evaluator, cfg Config) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	s := &Scheduler{
		store:   store,
		client:  client,
		sampler: smp,
		engine:  engine,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.Workers),
	}
	s.registry = newRegistry(s)
	return s
}

// Run blocks until ctx is cancelled, driving the steady-state loop and the
// stats logger.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.steadyLoop(gctx)
	})
	if s.cfg.StatsInterval > 0 {
		g.Go(func() error {
			return s.statsLoop(gctx)
		})
	}
	err := g.Wait()
	s.registry.closeAll()
	return err
}

func (s *Scheduler) steadyLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick launches one bounded polling pass over all devices that have at
// least one monitored interface. It returns without waiting for the
// per-device work; a slow device holds its worker slot, not the tick.
func (s *Scheduler) tick(ctx context.Context) {
	atomic.AddUint64(&s.ticks, 1)

	devices, err := s.store.Devices(ctx)
	if err != nil {
		log.Printf("Tick aborted: listing devices: %v", err)
		return
	}
	monitors, err := s.store.MonitoredInterfaces(ctx)
	if err != nil {
		log.Printf("Tick aborted: listing monitors: %v", err)
		return
	}

	for _, dev := range devices {
		devMonitors := monitors[dev.ID]
		if len(devMonitors) == 0 {
			continue
		}
		if _, busy := s.inflight.LoadOrStore(dev.ID, struct{}{}); busy {
			// Still mid-poll from a previous tick: skip, do not queue.
			atomic.AddUint64(&s.ticksSkipped, 1)
			log.Printf("[%s] Previous poll still running, skipping tick", dev.ID)
			continue
		}

		dev := dev
		go func() {
			defer s.inflight.Delete(dev.ID)
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer s.sem.Release(1)
			s.pollDevice(ctx, dev, devMonitors, false)
		}()
	}
}

// pollDevice runs one device's pipeline: fetch with timeout, derive rate
// samples, persist them, refresh the interface cache, then evaluate
// alerts. Any fetch or persist failure aborts the pipeline for this device
// only; the next tick retries from scratch. Realtime polls persist and
// refresh but skip evaluation: breach windows count steady ticks, and a
// sub-second viewer loop would fill them orders of magnitude too fast.
func (s *Scheduler) pollDevice(ctx context.Context, dev models.Device, monitors []models.MonitoredInterface, realtime bool) []models.TrafficSample {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	stats, err := s.client.FetchInterfaces(fctx, dev)
	if err != nil {
		atomic.AddUint64(&s.fetchFailures, 1)
		log.Printf("[%s] Fetch failed: %v", dev.ID, err)
		return nil
	}

	now := time.Now().UTC()
	samples := make([]models.TrafficSample, 0, len(stats))
	statMap := make(map[string]models.InterfaceStats, len(stats))
	sampleMap := make(map[string]models.TrafficSample, len(stats))

	for _, st := range stats {
		sm := s.sampler.Rate(dev.ID, st.Name, now, st.RxBytesTotal, st.TxBytesTotal)
		sm.Realtime = realtime
		samples = append(samples, sm)
		statMap[st.Name] = st
		sampleMap[st.Name] = sm
	}

	if err := s.store.AppendSamples(ctx, samples); err != nil {
		atomic.AddUint64(&s.storeFailures, 1)
		log.Printf("[%s] Persisting samples failed, skipping evaluation: %v", dev.ID, err)
		return nil
	}

	// Inventory refresh is a side effect of the poll; a failed upsert is
	// logged but does not gate alert evaluation on the durable samples.
	for _, st := range stats {
		ci := models.CachedInterface{
			DeviceID:  dev.ID,
			Interface: st.Name,
			Comment:   st.Comment,
			MAC:       st.MAC,
			Type:      st.Type,
			Running:   st.Running,
			Disabled:  st.Disabled,
			LastSeen:  now,
		}
		if err := s.store.UpsertInterface(ctx, ci); err != nil {
			log.Printf("[%s] Cache upsert for %s failed: %v", dev.ID, st.Name, err)
		}
	}

	if !realtime {
		tick := alert.Tick{DeviceID: dev.ID, At: now, Stats: statMap, Samples: sampleMap}
		if err := s.engine.Evaluate(ctx, tick, monitors); err != nil {
			log.Printf("[%s] Alert evaluation error: %v", dev.ID, err)
		}
	}

	atomic.AddUint64(&s.devicesPolled, 1)
	return samples
}

func (s *Scheduler) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st := s.Stats()
			log.Printf("STATS: ticks=%d polled=%d skipped=%d fetch_failures=%d store_failures=%d realtime_watched=%d",
				st["ticks"], st["devices_polled"], st["ticks_skipped"],
				st["fetch_failures"], st["store_failures"], st["realtime_watched"])
		}
	}
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() map[string]interface{} {
	return map[string]interface{}{
		"ticks":            atomic.LoadUint64(&s.ticks),
		"devices_polled":   atomic.LoadUint64(&s.devicesPolled),
		"ticks_skipped":    atomic.LoadUint64(&s.ticksSkipped),
		"fetch_failures":   atomic.LoadUint64(&s.fetchFailures),
		"store_failures":   atomic.LoadUint64(&s.storeFailures),
		"realtime_watched": s.registry.watchedCount(),
	}
}

// Watch subscribes a viewer to sub-second polling of one device. The
// returned channel delivers each realtime tick's samples; the cancel
// function must be called when the viewer leaves. The realtime loop for a
// device starts with its first viewer and is torn down with its last.
func (s *Scheduler) Watch(deviceID string) (<-chan []models.TrafficSample, func(), error) {
	return s.registry.watch(deviceID)
}
