// Package workerproto defines the tagged message union exchanged between
// the scheduler and a vmworker process over the wire codec in
// internal/wire, grounded on the scheduler-worker-rpc wire format.
package workerproto

import (
	"encoding/json"
	"fmt"

	"github.com/scriptforge/scriptforge/internal/wire"
)

// Scheduler -> worker message kinds.
const (
	KindCreateScriptsVm = "create_scripts_vm"
	KindDispatch        = "dispatch"
	KindShutdown        = "shutdown"
)

// Worker -> scheduler message kinds.
const (
	KindHello         = "hello"
	KindScriptsInit   = "scripts_init"
	KindAck           = "ack"
	KindScriptStarted = "script_started"
	KindTaskScheduled = "task_scheduled"
	KindGuildLog      = "guild_log"
	KindMetric        = "metric"
	KindWorkerDown    = "worker_shutdown"
)

// Tier is the QoS class a worker belongs to.
type Tier string

const (
	TierFree    Tier = "free"
	TierLite    Tier = "lite"
	TierPremium Tier = "premium"
)

// Script is the subset of a tenant's stored script visible to the worker.
type Script struct {
	ID             uint64  `json:"id"`
	TenantID       uint64  `json:"tenant_id"`
	PluginID       *uint64 `json:"plugin_id,omitempty"`
	Name           string  `json:"name"`
	CompiledSource string  `json:"compiled_source"`
	Enabled        bool    `json:"enabled"`
}

// CreateScriptsVm replaces a worker's active script set.
type CreateScriptsVm struct {
	Seq      uint64   `json:"seq"`
	TenantID uint64   `json:"tenant_id"`
	Tier     Tier     `json:"tier"`
	Scripts  []Script `json:"scripts"`
}

// Dispatch asks the worker to run registered handlers for one event.
type Dispatch struct {
	Seq       uint64          `json:"seq"`
	EventName string          `json:"event_name"`
	Payload   json.RawMessage `json:"payload"`
}

// IntervalTimerContrib is a timer a script declares at startup.
type IntervalTimerContrib struct {
	Name     string  `json:"name"`
	Minutes  *uint64 `json:"minutes,omitempty"`
	CronExpr *string `json:"cron,omitempty"`
}

// ScriptMeta is the metadata a worker reports once a script finishes its
// top-level evaluation: the interval timers and task buckets it declares.
type ScriptMeta struct {
	IntervalTimers []IntervalTimerContrib `json:"interval_timers"`
	TaskBuckets    []string                `json:"task_buckets"`
}

// Hello is the first and only message a worker sends unprompted on connect.
type Hello struct {
	WorkerID uint64 `json:"worker_id"`
}

// ScriptsInit completes a CreateScriptsVm.
type ScriptsInit struct {
	Seq  uint64     `json:"seq"`
	Meta ScriptMeta `json:"meta"`
}

// Ack completes a Dispatch; Seq must match the Dispatch it answers.
type Ack struct {
	Seq uint64 `json:"seq"`
}

// ScriptStarted is emitted as each script finishes its top-level evaluation.
type ScriptStarted struct {
	Meta ScriptMeta `json:"meta"`
}

// TaskScheduled is a hint that a new scheduled task was enqueued.
type TaskScheduled struct{}

// LogEntry is one tenant-scoped log line surfaced by a worker.
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// GuildLog carries an observational log entry; not part of control flow.
type GuildLog struct {
	Entry LogEntry `json:"entry"`
}

// MetricEvent is an observational metric sample; not part of control flow.
type MetricEvent struct {
	Kind   string  `json:"kind"` // "gauge_set" | "gauge_incr" | "counter_incr" | "counter_absolute"
	Value  float64 `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Metric is an observational metric sample.
type Metric struct {
	Name  string      `json:"name"`
	Event MetricEvent `json:"event"`
}

// ShutdownReason classifies a unilateral worker termination.
type ShutdownReason string

const (
	ReasonRunaway         ShutdownReason = "runaway"
	ReasonOutOfMemory     ShutdownReason = "out_of_memory"
	ReasonOther           ShutdownReason = "other"
	ReasonTooManyInvalid  ShutdownReason = "too_many_invalid_requests"
)

// WorkerDown is sent unilaterally by a worker terminating itself.
type WorkerDown struct {
	Reason ShutdownReason `json:"reason"`
}

// Shutdown asks a worker to terminate cleanly.
type Shutdown struct{}

// EncodeScheduler wraps a scheduler->worker payload in its envelope.
func EncodeScheduler(kind string, v interface{}) (wire.Envelope, error) {
	return wire.Encode(kind, v)
}

// DecodeWorkerMessage inspects e.Kind and decodes into the matching type,
// returning it as an interface{} of the concrete message type. An unknown
// kind is a protocol error per spec: callers must drop the connection.
func DecodeWorkerMessage(e wire.Envelope) (interface{}, error) {
	switch e.Kind {
	case KindHello:
		var m Hello
		return m, e.Decode(&m)
	case KindScriptsInit:
		var m ScriptsInit
		return m, e.Decode(&m)
	case KindAck:
		var m Ack
		return m, e.Decode(&m)
	case KindScriptStarted:
		var m ScriptStarted
		return m, e.Decode(&m)
	case KindTaskScheduled:
		var m TaskScheduled
		return m, e.Decode(&m)
	case KindGuildLog:
		var m GuildLog
		return m, e.Decode(&m)
	case KindMetric:
		var m Metric
		return m, e.Decode(&m)
	case KindWorkerDown:
		var m WorkerDown
		return m, e.Decode(&m)
	default:
		return nil, fmt.Errorf("workerproto: unknown worker message kind %q", e.Kind)
	}
}

// DecodeSchedulerMessage is the worker-side mirror of DecodeWorkerMessage.
func DecodeSchedulerMessage(e wire.Envelope) (interface{}, error) {
	switch e.Kind {
	case KindCreateScriptsVm:
		var m CreateScriptsVm
		return m, e.Decode(&m)
	case KindDispatch:
		var m Dispatch
		return m, e.Decode(&m)
	case KindShutdown:
		var m Shutdown
		return m, e.Decode(&m)
	default:
		return nil, fmt.Errorf("workerproto: unknown scheduler message kind %q", e.Kind)
	}
}
