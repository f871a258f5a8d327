// Package observability holds the process's Prometheus metrics, grounded
// on the teacher's observability package (promauto-registered vectors at
// package scope, scraped via /metrics).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkerPoolAvailable tracks idle workers per tier.
	WorkerPoolAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scriptforge_workerpool_available_workers",
		Help: "Idle workers currently sitting in the pool",
	}, []string{"tier"})

	// WorkerPoolWaiters tracks queued worker requests per tier.
	WorkerPoolWaiters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scriptforge_workerpool_waiters",
		Help: "Requests blocked waiting for a free worker",
	}, []string{"tier"})

	// BrokenWorkers counts workers returned to the pool in a broken state.
	BrokenWorkers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptforge_broken_workers_total",
		Help: "Workers returned broken and replaced",
	}, []string{"tier"})

	// WorkersSpawned counts worker processes launched.
	WorkersSpawned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptforge_workers_spawned_total",
		Help: "Worker processes spawned",
	}, []string{"tier"})

	// GuildHandlerState tracks the current state of each active handler.
	GuildHandlerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scriptforge_guild_handler_state",
		Help: "1 if the tenant's handler is currently in this state",
	}, []string{"state"})

	// GuildEventQueueDepth tracks per-tenant event queue depth.
	GuildEventQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scriptforge_guild_event_queue_depth",
		Help: "Pending events in a tenant's handler event queue",
	}, []string{"tenant"})

	// GuildEventsDropped counts low-priority events dropped under backpressure.
	GuildEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptforge_guild_events_dropped_total",
		Help: "Events dropped due to high-water-mark backpressure",
	}, []string{"tenant", "reason"})

	// GuildEventEvictions counts claimed workers evicted as broken on runaway
	// budget overrun.
	GuildEventEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptforge_guild_event_evictions_total",
		Help: "Workers evicted as broken for exceeding the per-event wall-clock budget",
	}, []string{"tenant"})

	// TimerFires counts interval timer triggers.
	TimerFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptforge_timer_fires_total",
		Help: "Interval timers triggered",
	}, []string{"tenant"})

	// TasksTriggered counts scheduled tasks triggered.
	TasksTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptforge_tasks_triggered_total",
		Help: "Scheduled tasks triggered",
	}, []string{"tenant", "namespace"})

	// TaskStoreAckRetries counts retried storage acks in the task/timer managers.
	TaskStoreAckRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptforge_store_ack_retries_total",
		Help: "Retries performed after a transient storage failure acking a task or timer",
	}, []string{"component"})

	// BrokerConnected reports broker-link up/down.
	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scriptforge_broker_connected",
		Help: "1 if the broker link is currently connected",
	})

	// BrokerReconnects counts reconnection attempts after disconnect.
	BrokerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scriptforge_broker_reconnects_total",
		Help: "Broker connection attempts following a disconnect",
	})

	// RPCRequests counts admin RPC calls by operation and outcome.
	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptforge_rpc_requests_total",
		Help: "Admin RPC requests handled",
	}, []string{"operation", "outcome"})

	// RPCLogStreamClients tracks active SSE log-stream subscribers.
	RPCLogStreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scriptforge_rpc_log_stream_clients",
		Help: "Currently connected stream_guild_logs subscribers",
	})

	// DashboardWSClients tracks connected admin dashboard websocket clients.
	DashboardWSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scriptforge_dashboard_ws_clients",
		Help: "Currently connected /admin/ws/status clients",
	})

	// RateLimitRejections counts admission denials from the tenant/node limiters.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptforge_ratelimit_rejections_total",
		Help: "Events denied admission by a token-bucket limiter",
	}, []string{"scope"})

	// BucketCacheLatency tracks Redis round-trip time for bucket-KV reads.
	BucketCacheLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scriptforge_bucket_cache_latency_seconds",
		Help:    "Redis round-trip latency for bucket-KV cache operations",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// BucketCacheHits counts bucket-KV reads served from Redis vs the backing store.
	BucketCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptforge_bucket_cache_result_total",
		Help: "Bucket-KV reads by cache outcome",
	}, []string{"outcome"})

	// WorkerReportedMetrics counts observational Metric messages a worker
	// reports (spec.md §4.7); dynamic metric names are not given their own
	// Prometheus series, only counted by name so cardinality stays bounded.
	WorkerReportedMetrics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptforge_worker_reported_metrics_total",
		Help: "Observational Metric messages received from workers",
	}, []string{"tenant", "name"})
)
