// Package sampler converts cumulative interface byte counters into
// bytes-per-second rate samples.
package sampler

import (
	"sync"
	"time"

	"github.com/linkwatch/linkwatch/pkg/models"
)

type counterState struct {
	rx   uint64
	tx   uint64
	seen time.Time
}

// Sampler tracks the previous counter reading per (device, interface) and
// derives rates from consecutive reads. Safe for concurrent use.
type Sampler struct {
	mu   sync.Mutex
	prev map[string]map[string]counterState // device id -> interface -> last read
}

// New creates an empty Sampler.
func New() *Sampler {
	return &Sampler{prev: make(map[string]map[string]counterState)}
}

// Rate converts one counter read into a TrafficSample.
//
// The first observation of an interface seeds the series with a zero-rate
// sample. A counter that moved backwards (device reboot, counter reset) also
// yields a zero-rate tick: decreasing-monotonic is the only reliable reset
// signal, so no wrap arithmetic is attempted.
func (s *Sampler) Rate(deviceID, iface string, now time.Time, rxTotal, txTotal uint64) models.TrafficSample {
	sample := models.TrafficSample{
		DeviceID:     deviceID,
		Interface:    iface,
		SampledAt:    now,
		RxBytesTotal: rxTotal,
		TxBytesTotal: txTotal,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byIface, ok := s.prev[deviceID]
	if !ok {
		byIface = make(map[string]counterState)
		s.prev[deviceID] = byIface
	}

	prev, seen := byIface[iface]
	byIface[iface] = counterState{rx: rxTotal, tx: txTotal, seen: now}

	if !seen {
		return sample // bootstrap: zero-rate seed
	}

	dt := now.Sub(prev.seen).Seconds()
	if dt <= 0 {
		return sample
	}
	if rxTotal < prev.rx || txTotal < prev.tx {
		return sample // counter reset
	}

	sample.RxBps = float64(rxTotal-prev.rx) / dt
	sample.TxBps = float64(txTotal-prev.tx) / dt
	sample.TotalBps = sample.RxBps + sample.TxBps
	return sample
}

// Forget drops all previous-counter state for a device. The next read of
// each interface re-seeds its series.
func (s *Sampler) Forget(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prev, deviceID)
}
