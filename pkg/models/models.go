// Package models defines data structures for monitored devices, traffic
// samples and alerts.
package models

import "time"

// Device is a monitored router. The record itself is owned by the
// management layer; the poller only reads it.
type Device struct {
	ID       string
	Name     string
	Address  string // host:port of the device API
	Username string
	Password string
	Disabled bool
}

// InterfaceStats is one interface as reported by a device on a single
// fetch: identity, operational flags and cumulative byte counters.
type InterfaceStats struct {
	Name         string
	Comment      string
	MAC          string
	Type         string
	Running      bool
	Disabled     bool
	RxBytesTotal uint64
	TxBytesTotal uint64
}

// MonitoredInterface is a (device, interface) pair an operator has opted
// to alert on, with its threshold configuration.
type MonitoredInterface struct {
	DeviceID    string
	Interface   string
	RxFloorBps  float64 // alert when rx rate stays below this; 0 disables
	TxFloorBps  float64 // alert when tx rate stays below this; 0 disables
	WindowTicks int     // consecutive breaching ticks before an alert opens
}

// CachedInterface is the durable inventory record for every interface ever
// seen on a device, monitored or not. One row per (device, interface).
type CachedInterface struct {
	DeviceID  string
	Interface string
	Comment   string
	MAC       string
	Type      string
	Running   bool
	Disabled  bool
	LastSeen  time.Time
}

// TrafficSample is one immutable rate measurement for one interface at one
// tick. Unique on (DeviceID, Interface, SampledAt).
type TrafficSample struct {
	DeviceID     string
	Interface    string
	SampledAt    time.Time
	RxBytesTotal uint64
	TxBytesTotal uint64
	RxBps        float64
	TxBps        float64
	TotalBps     float64
	Realtime     bool // written by a sub-second viewer loop, skipped by rollups
}

// Alert is one open-to-acknowledged incident on a (device, interface)
// pair. At most one unacknowledged row may exist per pair at any time.
type Alert struct {
	ID             string
	DeviceID       string
	Interface      string
	Severity       string
	Cause          string
	Message        string
	CreatedAt      time.Time
	Acknowledged   bool
	AcknowledgedBy string // operator user id, or "system" for auto-ack
	AcknowledgedAt *time.Time
}

// Duration returns the incident length for acknowledged alerts and zero
// for still-open ones.
func (a *Alert) Duration() time.Duration {
	if !a.Acknowledged || a.AcknowledgedAt == nil {
		return 0
	}
	return a.AcknowledgedAt.Sub(a.CreatedAt)
}

// Severity levels
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Breach causes
const (
	CauseLowTraffic = "low_traffic" // rate below the configured floor
	CauseLinkDown   = "link_down"   // device reports the interface not running
)

// SystemUser is the acknowledged_by value for automatic recovery acks.
const SystemUser = "system"

// AlertEvent is the fanout payload published after every alert transition.
type AlertEvent struct {
	Type  string `json:"type"` // "created" or "acknowledged"
	Alert Alert  `json:"alert"`
}

// Alert event types
const (
	EventAlertCreated      = "created"
	EventAlertAcknowledged = "acknowledged"
)
