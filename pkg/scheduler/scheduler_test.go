package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linkwatch/linkwatch/pkg/alert"
	"github.com/linkwatch/linkwatch/pkg/device"
	"github.com/linkwatch/linkwatch/pkg/models"
	"github.com/linkwatch/linkwatch/pkg/sampler"
)

type schedStore struct {
	mu        sync.Mutex
	devices   []models.Device
	monitors  map[string][]models.MonitoredInterface
	samples   []models.TrafficSample
	cached    map[string]models.CachedInterface
	appendErr error
}

func newSchedStore() *schedStore {
	return &schedStore{
		monitors: make(map[string][]models.MonitoredInterface),
		cached:   make(map[string]models.CachedInterface),
	}
}

func (s *schedStore) addDevice(id string, monitoredIfaces ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, models.Device{ID: id, Address: id + ":8728"})
	for _, iface := range monitoredIfaces {
		s.monitors[id] = append(s.monitors[id], models.MonitoredInterface{
			DeviceID: id, Interface: iface, RxFloorBps: 100, WindowTicks: 1,
		})
	}
}

func (s *schedStore) Devices(ctx context.Context) ([]models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Device, len(s.devices))
	copy(out, s.devices)
	return out, nil
}

func (s *schedStore) MonitoredInterfaces(ctx context.Context) (map[string][]models.MonitoredInterface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]models.MonitoredInterface, len(s.monitors))
	for k, v := range s.monitors {
		out[k] = v
	}
	return out, nil
}

func (s *schedStore) AppendSamples(ctx context.Context, batch []models.TrafficSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.samples = append(s.samples, batch...)
	return nil
}

func (s *schedStore) UpsertInterface(ctx context.Context, ci models.CachedInterface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached[ci.DeviceID+"/"+ci.Interface] = ci
	return nil
}

func (s *schedStore) sampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func (s *schedStore) cachedGet(key string) (models.CachedInterface, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ci, ok := s.cached[key]
	return ci, ok
}

func (s *schedStore) samplesFor(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sm := range s.samples {
		if sm.DeviceID == deviceID {
			n++
		}
	}
	return n
}

type recordingEvaluator struct {
	mu    sync.Mutex
	ticks []alert.Tick
}

func (e *recordingEvaluator) Evaluate(ctx context.Context, tick alert.Tick, monitors []models.MonitoredInterface) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ticks = append(e.ticks, tick)
	return nil
}

func (e *recordingEvaluator) tickCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ticks)
}

func (e *recordingEvaluator) firstTick() alert.Tick {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticks[0]
}

func (e *recordingEvaluator) devices() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int)
	for _, t := range e.ticks {
		out[t.DeviceID]++
	}
	return out
}

// blockingClient parks every fetch until released.
type blockingClient struct {
	inner   device.Client
	release chan struct{}
}

func (c *blockingClient) FetchInterfaces(ctx context.Context, dev models.Device) ([]models.InterfaceStats, error) {
	select {
	case <-c.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.inner.FetchInterfaces(ctx, dev)
}

func testConfig() Config {
	return Config{
		PollInterval:     time.Hour, // ticks driven manually in tests
		RealtimeInterval: 5 * time.Millisecond,
		FetchTimeout:     time.Second,
		Workers:          4,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestScheduler_TickPollsPersistsEvaluates(t *testing.T) {
	store := newSchedStore()
	store.addDevice("r1", "ether1")

	client := device.NewStaticClient()
	client.SetInterfaces("r1", []models.InterfaceStats{
		{Name: "ether1", Comment: "uplink", Running: true, RxBytesTotal: 1000, TxBytesTotal: 2000},
		{Name: "ether2", Running: true, RxBytesTotal: 10, TxBytesTotal: 20},
	})

	eval := &recordingEvaluator{}
	s := New(store, client, sampler.New(), eval, testConfig())

	s.tick(context.Background())
	waitFor(t, "evaluation", func() bool { return eval.tickCount() == 1 })

	// All interfaces are sampled and cached, monitored or not.
	if n := store.sampleCount(); n != 2 {
		t.Errorf("Samples persisted = %d, want 2", n)
	}
	if _, ok := store.cachedGet("r1/ether2"); !ok {
		t.Error("Unmonitored interface missing from cache")
	}
	if ci, _ := store.cachedGet("r1/ether1"); ci.Comment != "uplink" {
		t.Errorf("Cached comment = %q, want uplink", ci.Comment)
	}

	tick := eval.firstTick()
	if tick.DeviceID != "r1" {
		t.Errorf("Evaluated device = %q, want r1", tick.DeviceID)
	}
	if _, ok := tick.Samples["ether1"]; !ok {
		t.Error("Evaluation tick missing persisted sample for ether1")
	}
}

func TestScheduler_DeviceWithoutMonitorsNotPolled(t *testing.T) {
	store := newSchedStore()
	store.addDevice("r1", "ether1")
	store.addDevice("r2") // no monitors

	client := device.NewStaticClient()
	client.SetInterfaces("r1", []models.InterfaceStats{{Name: "ether1", Running: true}})
	client.SetInterfaces("r2", []models.InterfaceStats{{Name: "ether1", Running: true}})

	eval := &recordingEvaluator{}
	s := New(store, client, sampler.New(), eval, testConfig())

	s.tick(context.Background())
	waitFor(t, "evaluation", func() bool { return eval.tickCount() == 1 })

	if counts := eval.devices(); counts["r2"] != 0 {
		t.Errorf("Device without monitors was polled: %v", counts)
	}
}

func TestScheduler_FetchFailureIsolated(t *testing.T) {
	store := newSchedStore()
	store.addDevice("r1", "ether1")
	store.addDevice("r2", "ether1")

	client := device.NewStaticClient()
	client.SetError("r1", errors.New("connection refused"))
	client.SetInterfaces("r2", []models.InterfaceStats{{Name: "ether1", Running: true, RxBytesTotal: 5}})

	eval := &recordingEvaluator{}
	s := New(store, client, sampler.New(), eval, testConfig())

	s.tick(context.Background())
	waitFor(t, "r2 evaluation", func() bool { return eval.devices()["r2"] == 1 })

	// The failed device produced no samples and no evaluation.
	if counts := eval.devices(); counts["r1"] != 0 {
		t.Errorf("Failed device was evaluated: %v", counts)
	}
	if n := store.samplesFor("r1"); n != 0 {
		t.Errorf("Failed device wrote %d samples, want 0", n)
	}
	if got := s.Stats()["fetch_failures"].(uint64); got != 1 {
		t.Errorf("fetch_failures = %d, want 1", got)
	}

	// Recovery on the next tick needs no intervention.
	client.SetInterfaces("r1", []models.InterfaceStats{{Name: "ether1", Running: true, RxBytesTotal: 9}})
	s.tick(context.Background())
	waitFor(t, "r1 recovery", func() bool { return eval.devices()["r1"] == 1 })
}

func TestScheduler_PersistFailureSkipsEvaluation(t *testing.T) {
	store := newSchedStore()
	store.addDevice("r1", "ether1")
	store.appendErr = errors.New("disk full")

	client := device.NewStaticClient()
	client.SetInterfaces("r1", []models.InterfaceStats{{Name: "ether1", Running: true}})

	eval := &recordingEvaluator{}
	s := New(store, client, sampler.New(), eval, testConfig())

	s.tick(context.Background())
	waitFor(t, "store failure count", func() bool {
		return s.Stats()["store_failures"].(uint64) == 1
	})

	if n := eval.tickCount(); n != 0 {
		t.Errorf("Evaluations = %d, want 0 when persist fails", n)
	}
}

func TestScheduler_SlowDeviceSkipsTick(t *testing.T) {
	store := newSchedStore()
	store.addDevice("r1", "ether1")

	inner := device.NewStaticClient()
	inner.SetInterfaces("r1", []models.InterfaceStats{{Name: "ether1", Running: true}})
	client := &blockingClient{inner: inner, release: make(chan struct{})}

	eval := &recordingEvaluator{}
	cfg := testConfig()
	cfg.FetchTimeout = 10 * time.Second // the parked fetch must not time out mid-test
	s := New(store, client, sampler.New(), eval, cfg)

	// First tick parks in the fetch; second must skip, not queue.
	s.tick(context.Background())
	waitFor(t, "in-flight poll", func() bool {
		_, busy := s.inflight.Load("r1")
		return busy
	})
	s.tick(context.Background())

	waitFor(t, "skip counter", func() bool {
		return s.Stats()["ticks_skipped"].(uint64) == 1
	})

	close(client.release)
	waitFor(t, "single evaluation", func() bool { return eval.tickCount() == 1 })

	// Only the first tick's poll ran.
	if n := eval.tickCount(); n != 1 {
		t.Errorf("Evaluations = %d, want 1 (skipped tick must not run later)", n)
	}
}

func TestScheduler_FetchTimeoutTreatedAsUnreachable(t *testing.T) {
	store := newSchedStore()
	store.addDevice("r1", "ether1")

	inner := device.NewStaticClient()
	inner.SetInterfaces("r1", []models.InterfaceStats{{Name: "ether1", Running: true}})
	client := &blockingClient{inner: inner, release: make(chan struct{})} // never released

	eval := &recordingEvaluator{}
	cfg := testConfig()
	cfg.FetchTimeout = 10 * time.Millisecond
	s := New(store, client, sampler.New(), eval, cfg)

	s.tick(context.Background())
	waitFor(t, "fetch timeout", func() bool {
		return s.Stats()["fetch_failures"].(uint64) == 1
	})

	if n := store.sampleCount(); n != 0 {
		t.Errorf("Samples = %d, want 0 after timeout", n)
	}
	if n := eval.tickCount(); n != 0 {
		t.Errorf("Evaluations = %d, want 0 after timeout", n)
	}
}
