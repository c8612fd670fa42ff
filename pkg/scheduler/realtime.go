package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/linkwatch/linkwatch/pkg/models"
)

const viewerBuffer = 4

// registry tracks which devices have live viewers. One realtime polling
// loop runs per watched device regardless of viewer count; the loop is
// cancelled, not paused, when the last viewer unsubscribes.
type registry struct {
	sched *Scheduler

	mu    sync.Mutex
	feeds map[string]*feed
}

type feed struct {
	deviceID string
	refs     int
	cancel   context.CancelFunc
	viewers  map[chan []models.TrafficSample]struct{}
}

func newRegistry(s *Scheduler) *registry {
	return &registry{sched: s, feeds: make(map[string]*feed)}
}

func (r *registry) watch(deviceID string) (<-chan []models.TrafficSample, func(), error) {
	ch := make(chan []models.TrafficSample, viewerBuffer)

	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.feeds[deviceID]
	if !ok {
		dev, monitors, err := r.lookupDevice(deviceID)
		if err != nil {
			return nil, nil, err
		}

		ctx, cancel := context.WithCancel(context.Background())
		f = &feed{
			deviceID: deviceID,
			cancel:   cancel,
			viewers:  make(map[chan []models.TrafficSample]struct{}),
		}
		r.feeds[deviceID] = f
		go r.run(ctx, f, dev, monitors)
		log.Printf("[%s] Realtime polling started", deviceID)
	}

	f.refs++
	f.viewers[ch] = struct{}{}

	var once sync.Once
	cancelFn := func() {
		once.Do(func() {
			r.unwatch(deviceID, ch)
		})
	}
	return ch, cancelFn, nil
}

func (r *registry) unwatch(deviceID string, ch chan []models.TrafficSample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.feeds[deviceID]
	if !ok {
		return
	}
	if _, ok := f.viewers[ch]; ok {
		delete(f.viewers, ch)
		close(ch)
		f.refs--
	}
	if f.refs <= 0 {
		f.cancel()
		delete(r.feeds, deviceID)
		log.Printf("[%s] Realtime polling stopped (no viewers)", deviceID)
	}
}

// lookupDevice resolves the device record and its monitors once at
// subscription time. Monitor changes mid-session take effect on the next
// steady tick; a viewing session is short-lived enough not to chase them.
func (r *registry) lookupDevice(deviceID string) (models.Device, []models.MonitoredInterface, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	devices, err := r.sched.store.Devices(ctx)
	if err != nil {
		return models.Device{}, nil, fmt.Errorf("listing devices: %w", err)
	}
	monitors, err := r.sched.store.MonitoredInterfaces(ctx)
	if err != nil {
		return models.Device{}, nil, fmt.Errorf("listing monitors: %w", err)
	}
	for _, dev := range devices {
		if dev.ID == deviceID {
			return dev, monitors[deviceID], nil
		}
	}
	return models.Device{}, nil, fmt.Errorf("unknown device %q", deviceID)
}

// run is one device's realtime loop. It writes through the same persist
// pipeline as the steady tick, with samples flagged realtime so rollups
// and long-horizon retention ignore them; alert evaluation stays on the
// steady cadence.
func (r *registry) run(ctx context.Context, f *feed, dev models.Device, monitors []models.MonitoredInterface) {
	ticker := time.NewTicker(r.sched.cfg.RealtimeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samples := r.sched.pollDevice(ctx, dev, monitors, true)
			if samples == nil {
				continue
			}
			r.broadcast(f, samples)
		}
	}
}

func (r *registry) broadcast(f *feed, samples []models.TrafficSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range f.viewers {
		select {
		case ch <- samples:
		default:
			// Viewer not draining; drop this tick for it.
		}
	}
}

func (r *registry) watchedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.feeds)
}

// closeAll tears down every realtime loop. Called on scheduler shutdown.
func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, f := range r.feeds {
		f.cancel()
		// Remove viewers before closing, as unwatch does: a poll already past
		// its context check may still call broadcast, which must find no
		// channels left to send on.
		for ch := range f.viewers {
			delete(f.viewers, ch)
			close(ch)
		}
		delete(r.feeds, id)
	}
}
