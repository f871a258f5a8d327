// Command scheduler is the process entrypoint: it loads configuration,
// wires up storage, the worker pool, the per-tenant scheduler, the broker
// client, and the admin RPC server, then blocks until a shutdown signal
// drains everything. Grounded on fluxforge/agent/main.go's
// config-then-signal-then-run shape, generalized from a single HTTP agent
// loop to several cooperating long-running components.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scriptforge/scriptforge/internal/brokerproto"
	"github.com/scriptforge/scriptforge/internal/config"
	"github.com/scriptforge/scriptforge/internal/guildlog"
	"github.com/scriptforge/scriptforge/internal/pool"
	"github.com/scriptforge/scriptforge/internal/ratelimit"
	"github.com/scriptforge/scriptforge/internal/rpcserver"
	"github.com/scriptforge/scriptforge/internal/scheduler"
	"github.com/scriptforge/scriptforge/internal/store"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("scheduler: config: %v", err)
	}
	log.Printf("scheduler starting: broker=%s admin=%s workers=%s",
		cfg.BrokerRPCConnectAddr, cfg.BotRPCListenAddr, cfg.WorkerSocketPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("scheduler: shutdown signal received, draining")
		cancel()
	}()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("scheduler: opening store: %v", err)
	}
	defer closeStore()

	p := pool.New(pool.LaunchConfig{Command: cfg.WorkerLaunchCmd}, cfg.NoReuseVMs)
	p.SpawnWorkers(pool.TierFree, cfg.NumWorkersFree)
	p.SpawnWorkers(pool.TierLite, cfg.NumWorkersLite)
	p.SpawnWorkers(pool.TierPremium, cfg.NumWorkersPremium)

	go func() {
		if err := pool.Listen(ctx, cfg.WorkerSocketPath, p); err != nil && ctx.Err() == nil {
			log.Printf("scheduler: worker listener exited: %v", err)
			cancel()
		}
	}()

	logs := guildlog.NewHub()
	limiter := ratelimit.New(cfg.EventRateLimitPerSecond, cfg.EventRateLimitBurst)
	handlerDefaults := scheduler.HandlerDefaults{
		HighWaterMark: cfg.HandlerQueueHighWaterMark,
		EventBudget:   time.Duration(cfg.EventWallClockBudgetMS) * time.Millisecond,
	}
	sched := scheduler.New(p, st, logs, nil, limiter, handlerDefaults)
	go sched.Run(ctx)

	brokerEvents := make(chan brokerproto.Event, 256)
	broker := &brokerproto.Client{Addr: cfg.BrokerRPCConnectAddr, Events: brokerEvents}
	go broker.Run(ctx)
	go sched.RunBrokerEvents(ctx, brokerEvents)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsListenAddr, mux); err != nil {
			log.Printf("scheduler: metrics listener exited: %v", err)
		}
	}()

	rpc := rpcserver.New(cfg.BotRPCListenAddr, sched, logs)
	rpcErrCh := make(chan error, 1)
	go func() { rpcErrCh <- rpc.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-rpcErrCh:
		if err != nil {
			log.Printf("scheduler: admin RPC server exited: %v", err)
		}
		cancel()
	}

	sched.Shutdown()
	select {
	case <-sched.Done():
	case <-time.After(30 * time.Second):
		log.Println("scheduler: timed out waiting for handlers to drain")
	}

	log.Println("scheduler: shut down cleanly")
}

// openStore builds the configured Store backend (spec.md §9 "Polymorphism
// over Store"): Postgres when DatabaseURL is set, optionally fronted by a
// Redis bucket-KV cache, falling back to an in-memory store for local runs.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Println("scheduler: DATABASE_URL not set, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	if cfg.RedisAddr == "" {
		return pg, pg.Close, nil
	}

	cached, err := store.NewRedisCachedStore(ctx, cfg.RedisAddr, pg)
	if err != nil {
		pg.Close()
		return nil, nil, err
	}
	return cached, func() {
		_ = cached.Close()
		pg.Close()
	}, nil
}
