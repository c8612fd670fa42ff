// linkwatch - router interface traffic monitor and alerting daemon.
//
// linkwatch polls every configured router for interface counters, stores
// rate samples as a retention-managed time series in PostgreSQL, evaluates
// threshold alerts with storage-level deduplication so multiple instances
// can run against the same database, and pushes alert transitions to
// connected operator sessions over websockets (bridged through Redis
// pub/sub when configured).
//
// Usage:
//
//	linkwatch serve
//
// Configuration comes from ./config.yaml, ~/.linkwatch/config.yaml or
// LINKWATCH_-prefixed environment variables (e.g. LINKWATCH_DATABASE_URL).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/linkwatch/linkwatch/pkg/alert"
	"github.com/linkwatch/linkwatch/pkg/config"
	"github.com/linkwatch/linkwatch/pkg/device"
	"github.com/linkwatch/linkwatch/pkg/notify"
	"github.com/linkwatch/linkwatch/pkg/sampler"
	"github.com/linkwatch/linkwatch/pkg/scheduler"
	"github.com/linkwatch/linkwatch/pkg/store"
)

const version = "v0.1.0"

func main() {
	root := &cobra.Command{
		Use:          "linkwatch",
		Short:        "linkwatch — router interface traffic monitor and alerting daemon",
		SilenceUsage: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the polling and alerting daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print linkwatch version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("linkwatch %s\n", version)
		},
	}

	root.AddCommand(serveCmd, versionCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("linkwatch %s starting...", version)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelInit()
	if err := st.Init(initCtx, cfg.RetentionHorizon, cfg.CompressionAfter); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	st.StartMaintenance(store.MaintenanceConfig{
		RetentionHorizon:  cfg.RetentionHorizon,
		RealtimeRetention: time.Hour,
		RollupInterval:    cfg.RollupInterval,
		PurgeInterval:     time.Hour,
		CacheEvictAfter:   cfg.CacheEvictAfter,
	})
	defer st.StopMaintenance()

	hub := notify.NewHub()
	defer hub.Close()

	// Redis bridges alert events across instances. Optional: without it,
	// the hub only sees transitions detected by this instance.
	var fanout alert.Fanout = &notify.LocalFanout{Handler: hub.Broadcast}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("Warning: Invalid Redis URL: %v", err)
		} else {
			client := redis.NewClient(opt)
			if err := client.Ping(context.Background()).Err(); err != nil {
				log.Printf("Warning: Redis connection failed: %v", err)
			} else {
				log.Printf("Connected to Redis: %s", cfg.RedisURL)
				rf := notify.NewRedisFanout(client)
				rf.Subscribe(hub.Broadcast)
				defer rf.Stop()
				fanout = rf
			}
		}
	}

	engine := alert.NewEngine(st, fanout, alert.Config{
		AutoAckTraffic: cfg.AutoAckTraffic,
		AutoAckLink:    cfg.AutoAckLink,
	})

	sched := scheduler.New(st, device.NewRouterOSClient(), sampler.New(), engine, scheduler.Config{
		PollInterval:     cfg.PollInterval,
		RealtimeInterval: cfg.RealtimeInterval,
		FetchTimeout:     cfg.FetchTimeout,
		Workers:          int64(cfg.Workers),
		StatsInterval:    30 * time.Second,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws/alerts", hub)
	mux.Handle("/ws/realtime", realtimeHandler(sched))
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		log.Printf("Operator websocket endpoint on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		errCh <- sched.Run(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return err
		}
	case <-ctx.Done():
	}

	log.Printf("Shutting down...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

// realtimeHandler upgrades an operator's live-view request and streams
// each realtime tick's sample batch for one device as JSON. The viewer
// subscription is released when the socket closes, so the device's
// realtime loop stops with its last viewer.
func realtimeHandler(sched *scheduler.Scheduler) http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.URL.Query().Get("device")
		if deviceID == "" {
			http.Error(w, "missing device parameter", http.StatusBadRequest)
			return
		}

		samples, cancel, err := sched.Watch(deviceID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		defer cancel()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("Realtime upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		// Drain the connection so close frames are seen.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case batch, ok := <-samples:
				if !ok {
					return
				}
				payload, err := json.Marshal(batch)
				if err != nil {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	})
}
