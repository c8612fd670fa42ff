// Package alert evaluates traffic samples against monitor thresholds and
// drives the alert lifecycle: open on breach, acknowledge on operator
// action or recovery. Deduplication across service instances is delegated
// entirely to the store's open-alert uniqueness constraint; the engine
// holds no locks and assumes every write may race a sibling instance.
package alert

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/linkwatch/linkwatch/pkg/models"
)

// Store is the alert persistence surface the engine needs.
type Store interface {
	CreateAlert(ctx context.Context, a models.Alert) (models.Alert, bool, error)
	OpenAlert(ctx context.Context, deviceID, iface string) (*models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id, by string) (*models.Alert, error)
	AcknowledgeOpen(ctx context.Context, deviceID, iface, by string) (*models.Alert, error)
}

// Fanout receives alert transition events. Delivery is best-effort: a
// failed publish never rolls back the state change.
type Fanout interface {
	Publish(ctx context.Context, ev models.AlertEvent) error
}

// Config controls per-cause recovery behavior.
type Config struct {
	// AutoAckTraffic closes low-traffic alerts when the rate recovers.
	AutoAckTraffic bool
	// AutoAckLink closes link-down alerts when the interface runs again.
	AutoAckLink bool
}

// Engine is the alert state machine driver.
type Engine struct {
	store  Store
	fanout Fanout
	cfg    Config

	// Per-(device, interface) consecutive-breach streaks. Instance-local:
	// each instance counts its own ticks, the storage constraint arbitrates.
	mu      sync.Mutex
	streaks map[string]int
}

// NewEngine creates an alert engine.
func NewEngine(store Store, fanout Fanout, cfg Config) *Engine {
	return &Engine{
		store:   store,
		fanout:  fanout,
		cfg:     cfg,
		streaks: make(map[string]int),
	}
}

// Tick carries one device's freshly persisted poll results into
// evaluation. Samples and Stats are keyed by interface name. The scheduler
// only builds a Tick after the samples are durably written.
type Tick struct {
	DeviceID string
	At       time.Time
	Stats    map[string]models.InterfaceStats
	Samples  map[string]models.TrafficSample
}

// Evaluate runs the state machine for every monitor on one device tick.
// It is never called for a device whose fetch failed: no data is not a
// breach.
func (e *Engine) Evaluate(ctx context.Context, tick Tick, monitors []models.MonitoredInterface) error {
	var firstErr error
	for _, m := range monitors {
		if err := e.evaluateOne(ctx, tick, m); err != nil {
			log.Printf("Alert evaluation failed for %s/%s: %v", m.DeviceID, m.Interface, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) evaluateOne(ctx context.Context, tick Tick, m models.MonitoredInterface) error {
	stat, seen := tick.Stats[m.Interface]
	if !seen {
		// Interface absent from the fetch: no data, not a breach.
		e.resetStreak(m.DeviceID, m.Interface)
		return nil
	}
	if stat.Disabled {
		// Administratively down is intentional; nothing to evaluate.
		e.resetStreak(m.DeviceID, m.Interface)
		return nil
	}

	cause, severity, message := e.classify(stat, tick.Samples[m.Interface], m)
	if cause == "" {
		return e.recover(ctx, tick.DeviceID, m.Interface)
	}

	window := m.WindowTicks
	if window < 1 {
		window = 1
	}
	if e.bumpStreak(m.DeviceID, m.Interface) < window {
		return nil
	}

	a, created, err := e.store.CreateAlert(ctx, models.Alert{
		DeviceID:  m.DeviceID,
		Interface: m.Interface,
		Severity:  severity,
		Cause:     cause,
		Message:   message,
		CreatedAt: tick.At,
	})
	if err != nil {
		return err
	}
	if created {
		e.publish(ctx, models.AlertEvent{Type: models.EventAlertCreated, Alert: a})
	}
	return nil
}

// classify returns the breach cause for one monitored interface, or ""
// when the interface is healthy. Link state outranks traffic thresholds:
// a down link always reads as zero traffic too.
func (e *Engine) classify(stat models.InterfaceStats, sample models.TrafficSample, m models.MonitoredInterface) (cause, severity, message string) {
	if !stat.Running {
		return models.CauseLinkDown, models.SeverityCritical,
			fmt.Sprintf("interface %s reported not running", m.Interface)
	}
	if m.RxFloorBps > 0 && sample.RxBps < m.RxFloorBps {
		return models.CauseLowTraffic, models.SeverityWarning,
			fmt.Sprintf("rx %s below floor %s", formatBps(sample.RxBps), formatBps(m.RxFloorBps))
	}
	if m.TxFloorBps > 0 && sample.TxBps < m.TxFloorBps {
		return models.CauseLowTraffic, models.SeverityWarning,
			fmt.Sprintf("tx %s below floor %s", formatBps(sample.TxBps), formatBps(m.TxFloorBps))
	}
	return "", "", ""
}

// recover resets the breach streak and auto-acknowledges a recovered open
// alert when its cause is configured for auto-ack.
func (e *Engine) recover(ctx context.Context, deviceID, iface string) error {
	e.resetStreak(deviceID, iface)

	open, err := e.store.OpenAlert(ctx, deviceID, iface)
	if err != nil {
		return err
	}
	if open == nil {
		return nil
	}
	if !e.autoAckEnabled(open.Cause) {
		return nil
	}

	acked, err := e.store.AcknowledgeOpen(ctx, deviceID, iface, models.SystemUser)
	if err != nil {
		return err
	}
	if acked != nil {
		e.publish(ctx, models.AlertEvent{Type: models.EventAlertAcknowledged, Alert: *acked})
	}
	return nil
}

// Acknowledge closes an alert on behalf of an operator and publishes the
// transition.
func (e *Engine) Acknowledge(ctx context.Context, id, userID string) (*models.Alert, error) {
	a, err := e.store.AcknowledgeAlert(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, models.AlertEvent{Type: models.EventAlertAcknowledged, Alert: *a})
	return a, nil
}

func (e *Engine) autoAckEnabled(cause string) bool {
	switch cause {
	case models.CauseLinkDown:
		return e.cfg.AutoAckLink
	case models.CauseLowTraffic:
		return e.cfg.AutoAckTraffic
	default:
		return true
	}
}

func (e *Engine) publish(ctx context.Context, ev models.AlertEvent) {
	if e.fanout == nil {
		return
	}
	if err := e.fanout.Publish(ctx, ev); err != nil {
		log.Printf("Alert fanout failed (%s %s/%s): %v",
			ev.Type, ev.Alert.DeviceID, ev.Alert.Interface, err)
	}
}

func streakKey(deviceID, iface string) string {
	return deviceID + "\x00" + iface
}

func (e *Engine) bumpStreak(deviceID, iface string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := streakKey(deviceID, iface)
	e.streaks[k]++
	return e.streaks[k]
}

func (e *Engine) resetStreak(deviceID, iface string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.streaks, streakKey(deviceID, iface))
}

// formatBps renders a bytes/second rate in a human scale for alert
// messages.
func formatBps(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("%.1f GB/s", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%.1f MB/s", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%.1f kB/s", v/1e3)
	default:
		return fmt.Sprintf("%.0f B/s", v)
	}
}
