// Package notify pushes alert transition events to operators. Events flow
// through Redis pub/sub so every service instance's websocket hub sees
// transitions detected by any instance; without Redis a local fanout wires
// the engine straight to the in-process hub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/linkwatch/linkwatch/pkg/models"
)

// Channel is the Redis pub/sub channel for alert events.
const Channel = "linkwatch:alerts"

// Fanout publishes alert events. Best-effort: callers log failures and
// move on.
type Fanout interface {
	Publish(ctx context.Context, ev models.AlertEvent) error
}

// RedisFanout publishes alert events on a Redis channel.
type RedisFanout struct {
	client *redis.Client

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRedisFanout creates a fanout over an established Redis client.
func NewRedisFanout(client *redis.Client) *RedisFanout {
	return &RedisFanout{client: client, done: make(chan struct{})}
}

// Publish sends one event. At-most-once: a lost publish is not retried.
func (f *RedisFanout) Publish(ctx context.Context, ev models.AlertEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding alert event: %w", err)
	}
	if err := f.client.Publish(ctx, Channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing alert event: %w", err)
	}
	return nil
}

// Subscribe starts a background goroutine delivering every event on the
// channel to handler, until Stop is called.
func (f *RedisFanout) Subscribe(handler func(models.AlertEvent)) {
	sub := f.client.Subscribe(context.Background(), Channel)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev models.AlertEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("Dropping malformed alert event: %v", err)
					continue
				}
				handler(ev)
			case <-f.done:
				return
			}
		}
	}()
	log.Printf("Subscribed to %s", Channel)
}

// Stop shuts down the subscriber goroutine.
func (f *RedisFanout) Stop() {
	close(f.done)
	f.wg.Wait()
}

// LocalFanout delivers events directly to an in-process handler. Used when
// Redis is not configured (single-instance deployments).
type LocalFanout struct {
	Handler func(models.AlertEvent)
}

// Publish invokes the handler synchronously.
func (f *LocalFanout) Publish(ctx context.Context, ev models.AlertEvent) error {
	if f.Handler != nil {
		f.Handler(ev)
	}
	return nil
}

// NullFanout discards all events.
type NullFanout struct{}

// Publish discards the event.
func (NullFanout) Publish(context.Context, models.AlertEvent) error { return nil }
