// Package device provides clients for fetching interface state from
// monitored routers. Client is a capability interface so device families
// with different management protocols can be plugged in per device.
package device

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-routeros/routeros/v3"

	"github.com/linkwatch/linkwatch/pkg/models"
)

// Client fetches the full interface list with cumulative counters from one
// device. A returned error means the device was unreachable or timed out;
// an interface that is administratively or operationally down is reported
// in the data, not as an error.
type Client interface {
	FetchInterfaces(ctx context.Context, dev models.Device) ([]models.InterfaceStats, error)
}

// RouterOSClient talks to MikroTik RouterOS devices over the binary API.
// Connections are dialed per fetch; the API port multiplexes poorly across
// long-lived sessions and a poll tick is a single round trip anyway.
type RouterOSClient struct{}

// NewRouterOSClient creates a RouterOS API client.
func NewRouterOSClient() *RouterOSClient {
	return &RouterOSClient{}
}

// FetchInterfaces runs /interface/print and converts the reply.
func (c *RouterOSClient) FetchInterfaces(ctx context.Context, dev models.Device) ([]models.InterfaceStats, error) {
	conn, err := routeros.DialContext(ctx, dev.Address, dev.Username, dev.Password)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", dev.Address, err)
	}
	defer conn.Close()

	reply, err := conn.RunContext(ctx, "/interface/print")
	if err != nil {
		return nil, fmt.Errorf("interface print on %s: %w", dev.Address, err)
	}

	stats := make([]models.InterfaceStats, 0, len(reply.Re))
	for _, re := range reply.Re {
		name := re.Map["name"]
		if name == "" {
			continue
		}
		stats = append(stats, models.InterfaceStats{
			Name:         name,
			Comment:      re.Map["comment"],
			MAC:          re.Map["mac-address"],
			Type:         re.Map["type"],
			Running:      re.Map["running"] == "true",
			Disabled:     re.Map["disabled"] == "true",
			RxBytesTotal: parseCounter(re.Map["rx-byte"]),
			TxBytesTotal: parseCounter(re.Map["tx-byte"]),
		})
	}
	return stats, nil
}

// parseCounter converts a RouterOS counter attribute. Missing or malformed
// values read as zero rather than failing the whole fetch.
func parseCounter(s string) uint64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// StaticClient serves a fixed interface list per device. Used in tests and
// for dry runs without live routers.
type StaticClient struct {
	mu     sync.RWMutex
	data   map[string][]models.InterfaceStats
	errors map[string]error
}

// NewStaticClient creates an empty static client.
func NewStaticClient() *StaticClient {
	return &StaticClient{
		data:   make(map[string][]models.InterfaceStats),
		errors: make(map[string]error),
	}
}

// SetInterfaces replaces the interface list for a device.
func (c *StaticClient) SetInterfaces(deviceID string, stats []models.InterfaceStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[deviceID] = stats
	delete(c.errors, deviceID)
}

// SetError makes subsequent fetches for a device fail with err.
func (c *StaticClient) SetError(deviceID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[deviceID] = err
}

// FetchInterfaces returns the configured data or error for the device.
func (c *StaticClient) FetchInterfaces(ctx context.Context, dev models.Device) ([]models.InterfaceStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err, ok := c.errors[dev.ID]; ok {
		return nil, err
	}
	stats, ok := c.data[dev.ID]
	if !ok {
		return nil, fmt.Errorf("no interface data for device %s", dev.ID)
	}
	out := make([]models.InterfaceStats, len(stats))
	copy(out, stats)
	return out, nil
}
