// Package config loads process configuration from flags and environment
// variables, the way the teacher's agent config does: no flags library,
// just flag + os.Getenv with explicit defaults.
package config

import (
	"flag"
	"os"
	"runtime"
	"strconv"
)

// Config holds everything cmd/scheduler needs to start.
type Config struct {
	// BrokerRPCConnectAddr is the broker's TCP address (spec.md §6).
	BrokerRPCConnectAddr string
	// BotRPCListenAddr is the admin HTTP/JSON + SSE listen address (spec.md §6).
	BotRPCListenAddr string
	// WorkerSocketPath is the local-domain socket path workers connect back
	// to. On non-unix platforms a TCP listener is used instead (§6).
	WorkerSocketPath string
	// NumWorkersFree/Lite/Premium size each tier's sub-pool at startup.
	NumWorkersFree    int
	NumWorkersLite    int
	NumWorkersPremium int
	// NoReuseVMs puts the pool in diagnostic mode: every return is broken.
	NoReuseVMs bool
	// IntegrationTestsGuild enables log-marker-driven termination instead of
	// signal-driven shutdown, when non-zero.
	IntegrationTestsGuild uint64

	// Ambient stack, not named in spec.md §6 but required to run a real
	// process: storage, cache, metrics.
	DatabaseURL        string
	RedisAddr          string
	MetricsListenAddr  string
	WorkerLaunchCmd    string
	HandlerQueueHighWaterMark int
	EventWallClockBudgetMS    int
	// EventRateLimitPerSecond/Burst size the per-tenant token bucket guarding
	// broker event admission (spec.md §4.6 backpressure, ambient node-level
	// knob the distilled spec leaves to deployment config).
	EventRateLimitPerSecond float64
	EventRateLimitBurst     int
}

// Default returns the configuration the teacher's own RunConfig-equivalent
// ships with before flags/env are applied.
func Default() Config {
	workerSock := "/tmp/scriptforge-worker.sock"
	if runtime.GOOS == "windows" {
		workerSock = "127.0.0.1:7481"
	}
	return Config{
		BrokerRPCConnectAddr:      "0.0.0.0:7480",
		BotRPCListenAddr:          "0.0.0.0:7482",
		WorkerSocketPath:          workerSock,
		NumWorkersFree:            2,
		NumWorkersLite:            0,
		NumWorkersPremium:         0,
		NoReuseVMs:                false,
		IntegrationTestsGuild:     0,
		DatabaseURL:               "",
		RedisAddr:                 "",
		MetricsListenAddr:         "0.0.0.0:9090",
		WorkerLaunchCmd:           "./vmworker",
		HandlerQueueHighWaterMark: 1024,
		EventWallClockBudgetMS:    30_000,
		EventRateLimitPerSecond:   50,
		EventRateLimitBurst:       100,
	}
}

// Load parses flags (falling back to environment variables, falling back to
// Default()) the way fluxforge/agent/config.go builds its Config: explicit
// fields, no reflection-based binding.
func Load(args []string) (Config, error) {
	cfg := Default()
	applyEnv(&cfg)

	fs := flag.NewFlagSet("scheduler", flag.ContinueOnError)
	fs.StringVar(&cfg.BrokerRPCConnectAddr, "broker-rpc-connect-addr", cfg.BrokerRPCConnectAddr, "broker TCP address")
	fs.StringVar(&cfg.BotRPCListenAddr, "bot-rpc-listen-addr", cfg.BotRPCListenAddr, "admin RPC listen address")
	fs.StringVar(&cfg.WorkerSocketPath, "worker-socket-path", cfg.WorkerSocketPath, "worker callback socket path")
	fs.IntVar(&cfg.NumWorkersFree, "num-workers-free", cfg.NumWorkersFree, "initial Free-tier worker count")
	fs.IntVar(&cfg.NumWorkersLite, "num-workers-lite", cfg.NumWorkersLite, "initial Lite-tier worker count")
	fs.IntVar(&cfg.NumWorkersPremium, "num-workers-premium", cfg.NumWorkersPremium, "initial Premium-tier worker count")
	fs.BoolVar(&cfg.NoReuseVMs, "no-reuse-vms", cfg.NoReuseVMs, "treat every worker return as broken")
	fs.Uint64Var(&cfg.IntegrationTestsGuild, "integration-tests-guild", cfg.IntegrationTestsGuild, "tenant id driving log-marker termination")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres DSN")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "optional Redis address for bucket cache")
	fs.StringVar(&cfg.MetricsListenAddr, "metrics-listen-addr", cfg.MetricsListenAddr, "Prometheus /metrics listen address")
	fs.StringVar(&cfg.WorkerLaunchCmd, "worker-launch-cmd", cfg.WorkerLaunchCmd, "path to the vmworker executable")
	fs.IntVar(&cfg.HandlerQueueHighWaterMark, "handler-queue-high-water-mark", cfg.HandlerQueueHighWaterMark, "per-tenant queue depth before low-priority drops begin")
	fs.IntVar(&cfg.EventWallClockBudgetMS, "event-wall-clock-budget-ms", cfg.EventWallClockBudgetMS, "per-event runaway budget in milliseconds")
	fs.Float64Var(&cfg.EventRateLimitPerSecond, "event-rate-limit-per-second", cfg.EventRateLimitPerSecond, "per-tenant broker event admission rate")
	fs.IntVar(&cfg.EventRateLimitBurst, "event-rate-limit-burst", cfg.EventRateLimitBurst, "per-tenant broker event admission burst")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BROKER_RPC_CONNECT_ADDR"); v != "" {
		cfg.BrokerRPCConnectAddr = v
	}
	if v := os.Getenv("BOT_RPC_LISTEN_ADDR"); v != "" {
		cfg.BotRPCListenAddr = v
	}
	if v := os.Getenv("WORKER_SOCKET_PATH"); v != "" {
		cfg.WorkerSocketPath = v
	}
	if v := os.Getenv("NUM_WORKERS_FREE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NumWorkersFree = n
		}
	}
	if v := os.Getenv("NUM_WORKERS_LITE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NumWorkersLite = n
		}
	}
	if v := os.Getenv("NUM_WORKERS_PREMIUM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NumWorkersPremium = n
		}
	}
	if v := os.Getenv("NO_REUSE_VMS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.NoReuseVMs = b
		}
	}
	if v := os.Getenv("INTEGRATION_TESTS_GUILD"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.IntegrationTestsGuild = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("METRICS_LISTEN_ADDR"); v != "" {
		cfg.MetricsListenAddr = v
	}
	if v := os.Getenv("WORKER_LAUNCH_CMD"); v != "" {
		cfg.WorkerLaunchCmd = v
	}
	if v := os.Getenv("EVENT_RATE_LIMIT_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.EventRateLimitPerSecond = f
		}
	}
	if v := os.Getenv("EVENT_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventRateLimitBurst = n
		}
	}
}
