package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/linkwatch/linkwatch/pkg/device"
	"github.com/linkwatch/linkwatch/pkg/models"
	"github.com/linkwatch/linkwatch/pkg/sampler"
)

// gateStore parks every AppendSamples call until released, signalling once
// when the first caller arrives.
type gateStore struct {
	*schedStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gateStore) AppendSamples(ctx context.Context, batch []models.TrafficSample) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.schedStore.AppendSamples(ctx, batch)
}

func realtimeFixture(t *testing.T) (*Scheduler, *schedStore) {
	t.Helper()
	store := newSchedStore()
	store.addDevice("r1", "ether1")

	client := device.NewStaticClient()
	client.SetInterfaces("r1", []models.InterfaceStats{
		{Name: "ether1", Running: true, RxBytesTotal: 1000, TxBytesTotal: 1000},
	})

	s := New(store, client, sampler.New(), &recordingEvaluator{}, testConfig())
	return s, store
}

func TestWatch_DeliversRealtimeSamples(t *testing.T) {
	s, store := realtimeFixture(t)

	ch, cancel, err := s.Watch("r1")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer cancel()

	select {
	case samples := <-ch:
		if len(samples) != 1 || samples[0].Interface != "ether1" {
			t.Fatalf("Unexpected realtime batch: %+v", samples)
		}
		if !samples[0].Realtime {
			t.Error("Realtime sample not flagged realtime")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a realtime sample batch, got none")
	}

	// Realtime writes through the same durable path.
	waitFor(t, "persisted realtime sample", func() bool { return store.sampleCount() > 0 })
}

func TestWatch_UnknownDevice(t *testing.T) {
	s, _ := realtimeFixture(t)
	if _, _, err := s.Watch("nope"); err == nil {
		t.Error("Expected error for unknown device")
	}
}

func TestWatch_RefcountedTeardown(t *testing.T) {
	s, _ := realtimeFixture(t)

	_, cancel1, err := s.Watch("r1")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	_, cancel2, err := s.Watch("r1")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if n := s.registry.watchedCount(); n != 1 {
		t.Fatalf("Watched devices = %d, want 1 (one loop per device)", n)
	}

	cancel1()
	if n := s.registry.watchedCount(); n != 1 {
		t.Errorf("Watched devices = %d after first unsubscribe, want 1", n)
	}

	cancel2()
	if n := s.registry.watchedCount(); n != 0 {
		t.Errorf("Watched devices = %d after last unsubscribe, want 0", n)
	}

	// Cancel is idempotent.
	cancel2()
	if n := s.registry.watchedCount(); n != 0 {
		t.Errorf("Watched devices = %d after double cancel, want 0", n)
	}
}

func TestWatch_LoopStopsProducingAfterTeardown(t *testing.T) {
	s, store := realtimeFixture(t)

	_, cancel, err := s.Watch("r1")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	waitFor(t, "first realtime sample", func() bool { return store.sampleCount() > 0 })
	cancel()

	// Allow any in-flight poll to finish, then verify the loop is dead.
	time.Sleep(20 * time.Millisecond)
	before := store.sampleCount()
	time.Sleep(50 * time.Millisecond)
	if after := store.sampleCount(); after != before {
		t.Errorf("Samples kept arriving after teardown: %d -> %d", before, after)
	}
}

func TestWatch_RewatchAfterTeardown(t *testing.T) {
	s, _ := realtimeFixture(t)

	_, cancel, err := s.Watch("r1")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	cancel()

	ch, cancel2, err := s.Watch("r1")
	if err != nil {
		t.Fatalf("Re-Watch() error = %v", err)
	}
	defer cancel2()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected samples after re-subscribe")
	}
}

func TestWatch_RealtimeTicksDoNotEvaluateAlerts(t *testing.T) {
	store := newSchedStore()
	store.addDevice("r1", "ether1")

	client := device.NewStaticClient()
	client.SetInterfaces("r1", []models.InterfaceStats{
		{Name: "ether1", Running: true, RxBytesTotal: 1000, TxBytesTotal: 1000},
	})

	eval := &recordingEvaluator{}
	s := New(store, client, sampler.New(), eval, testConfig())

	ch, cancel, err := s.Watch("r1")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer cancel()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a realtime sample batch, got none")
	}
	waitFor(t, "persisted realtime sample", func() bool { return store.sampleCount() > 0 })

	// Sub-second viewing must not advance breach windows.
	if n := eval.tickCount(); n != 0 {
		t.Errorf("Realtime polling ran %d alert evaluations, want 0", n)
	}
}

func TestCloseAll_PollInFlightDoesNotPanic(t *testing.T) {
	store := newSchedStore()
	store.addDevice("r1", "ether1")
	gs := &gateStore{
		schedStore: store,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}

	client := device.NewStaticClient()
	client.SetInterfaces("r1", []models.InterfaceStats{
		{Name: "ether1", Running: true, RxBytesTotal: 1000, TxBytesTotal: 1000},
	})

	s := New(gs, client, sampler.New(), &recordingEvaluator{}, testConfig())

	ch, cancel, err := s.Watch("r1")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer cancel()

	// Park the realtime poll mid-pipeline, tear everything down, then let
	// the poll finish. Its broadcast must find no viewer channels left.
	select {
	case <-gs.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Realtime poll never reached the store")
	}
	s.registry.closeAll()
	close(gs.release)

	time.Sleep(20 * time.Millisecond)
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Received a batch after teardown")
		}
	default:
		t.Error("Viewer channel left open after closeAll")
	}
	if n := s.registry.watchedCount(); n != 0 {
		t.Errorf("Watched devices = %d after closeAll, want 0", n)
	}
}

func TestRun_StopsCleanly(t *testing.T) {
	s, _ := realtimeFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Let the initial tick fire, then shut down.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancellation")
	}
}
