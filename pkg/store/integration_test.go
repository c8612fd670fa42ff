//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/linkwatch/linkwatch/pkg/models"
)

// Integration tests need a reachable PostgreSQL instance:
//
//	LINKWATCH_TEST_DATABASE_URL=postgres://... go test -tags integration ./pkg/store
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LINKWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LINKWATCH_TEST_DATABASE_URL not set")
	}

	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Init(ctx, 730*24*time.Hour, 7*24*time.Hour); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return s
}

func TestAppendSamples_RetryIsNoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	deviceID := fmt.Sprintf("it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		s.db.ExecContext(context.Background(),
			`DELETE FROM traffic_samples WHERE device_id = $1`, deviceID)
	})

	at := time.Now().UTC().Truncate(time.Second)
	batch := []models.TrafficSample{
		{
			DeviceID: deviceID, Interface: "ether1", SampledAt: at,
			RxBytesTotal: 1000, TxBytesTotal: 2000,
			RxBps: 10, TxBps: 20, TotalBps: 30,
		},
		{
			DeviceID: deviceID, Interface: "ether2", SampledAt: at,
			RxBytesTotal: 500, TxBytesTotal: 600,
			RxBps: 5, TxBps: 6, TotalBps: 11,
		},
	}

	if err := s.AppendSamples(ctx, batch); err != nil {
		t.Fatalf("AppendSamples() error = %v", err)
	}
	// A retried write of the same tick, as after a crashed instance or a
	// sibling polling the same device, must not duplicate or fail.
	if err := s.AppendSamples(ctx, batch); err != nil {
		t.Fatalf("AppendSamples() retry error = %v", err)
	}

	points, err := s.QuerySeries(ctx, SeriesQuery{
		DeviceID:    deviceID,
		From:        at.Add(-time.Minute),
		To:          at.Add(time.Minute),
		Granularity: GranularityRaw,
	})
	if err != nil {
		t.Fatalf("QuerySeries() error = %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("Series points = %d, want 2 (one per interface, retry skipped)", len(points))
	}
	if points[0].RxBps != 10 || points[1].RxBps != 5 {
		t.Errorf("Series values = %v, first write must win", points)
	}
}

func TestAppendSamples_DistinctTicksAccumulate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	deviceID := fmt.Sprintf("it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		s.db.ExecContext(context.Background(),
			`DELETE FROM traffic_samples WHERE device_id = $1`, deviceID)
	})

	at := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		batch := []models.TrafficSample{{
			DeviceID: deviceID, Interface: "ether1",
			SampledAt: at.Add(time.Duration(i) * time.Minute),
			RxBps:     float64(i), TotalBps: float64(i),
		}}
		if err := s.AppendSamples(ctx, batch); err != nil {
			t.Fatalf("AppendSamples() tick %d error = %v", i, err)
		}
	}

	points, err := s.QuerySeries(ctx, SeriesQuery{
		DeviceID:    deviceID,
		From:        at.Add(-time.Minute),
		To:          at.Add(time.Hour),
		Granularity: GranularityRaw,
	})
	if err != nil {
		t.Fatalf("QuerySeries() error = %v", err)
	}
	if len(points) != 3 {
		t.Errorf("Series points = %d, want 3", len(points))
	}
}
