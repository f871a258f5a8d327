package guild

import (
	"context"
	"encoding/json"
	"time"

	"github.com/scriptforge/scriptforge/internal/pool"
	"github.com/scriptforge/scriptforge/internal/workerproto"
)

// State is one of the four guild-handler states (spec.md §4.6).
type State int

const (
	StateIdle State = iota
	// StateLoading covers both "worker claimed, scripts being injected" and
	// "worker claimed, idle between dispatches" — in both cases the worker
	// is held and no event is currently dispatching.
	StateLoading
	StateDispatching
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Config parameterizes one handler's backpressure and fairness knobs
// (spec.md §4.6 "Fairness and backpressure").
type Config struct {
	Tier                 workerproto.Tier
	HighWaterMark        int
	EventBudget          time.Duration
	LowPriorityEventName func(name string) bool
	MaxEventRetries      int
}

// DefaultConfig matches internal/config's Default(): a 1024-deep queue
// high-water mark, a 30s per-event wall-clock budget, and one retry per
// dropped-worker event.
func DefaultConfig(tier workerproto.Tier) Config {
	return Config{
		Tier:            tier,
		HighWaterMark:   1024,
		EventBudget:     30 * time.Second,
		MaxEventRetries: 1,
		LowPriorityEventName: func(name string) bool {
			return name == "presence_update" || name == "typing_start"
		},
	}
}

type queuedEvent struct {
	seq     uint64
	name    string
	payload json.RawMessage
	retries int

	// onComplete, when set, is the timer/task manager's ack() for the item
	// this event represents (spec.md §4.4/§4.5 "ack"). It runs once the
	// event's Dispatch is acked by the worker, or the event is permanently
	// dropped after exhausting retries — either way the manager's pending
	// set must be cleared or the timer/task can never fire again.
	onComplete func(ctx context.Context)
}

// Status is the observational snapshot behind guild_status() (spec.md §4.9).
type Status struct {
	TenantID             uint64
	State                string
	CurrentClaimedWorker *uint64
	LastClaimedWorker    *uint64
	ClaimedAtMsAgo       *int64
	ReturnedAtMsAgo      *int64
	PendingAcks          int
}

// command is the unexported mailbox message union driving the handler's
// single goroutine (spec.md §4.6 "main loop selects among {incoming
// command, timer_mgr deadline, task_mgr deadline, worker message}").
type command interface{ isCommand() }

type cmdDiscordEvent struct {
	name    string
	payload json.RawMessage
}

func (cmdDiscordEvent) isCommand() {}

type cmdNewTaskScheduled struct{}

func (cmdNewTaskScheduled) isCommand() {}

type cmdReloadScripts struct{}

func (cmdReloadScripts) isCommand() {}

type cmdPurgeCache struct{}

func (cmdPurgeCache) isCommand() {}

type cmdShutdown struct{}

func (cmdShutdown) isCommand() {}

type cmdStatus struct {
	reply chan Status
}

func (cmdStatus) isCommand() {}

type cmdWorkerClaimed struct {
	worker pool.Worker
	err    error
}

func (cmdWorkerClaimed) isCommand() {}

// cmdWorkerMessage and cmdWorkerGone carry the originating *session, not
// just the worker ID: the same worker ID can be reclaimed by this same
// handler across two successive claims (the underlying connection and its
// pool-owned reader persist across the claim/return cycle), so comparing
// session identity rather than worker ID is what actually distinguishes
// "this claim" from "a prior claim of the same worker".
type cmdWorkerMessage struct {
	sess     *session
	workerID uint64
	msg      interface{}
}

func (cmdWorkerMessage) isCommand() {}

type cmdWorkerGone struct {
	sess     *session
	workerID uint64
	err      error
}

func (cmdWorkerGone) isCommand() {}
