// Package guild implements the per-tenant guild handler and its VM session
// (spec.md §4.6, §4.7): a single-goroutine state machine that claims a
// worker from the pool, keeps it loaded with the tenant's scripts, and
// dispatches queued events to it in strict seq order. Grounded on the
// teacher's single-mailbox-goroutine actor idiom (control_plane/ws_hub.go's
// Run/select loop) generalized from a websocket hub to a full state machine.
package guild

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/scriptforge/scriptforge/internal/guildlog"
	"github.com/scriptforge/scriptforge/internal/observability"
	"github.com/scriptforge/scriptforge/internal/pool"
	"github.com/scriptforge/scriptforge/internal/store"
	"github.com/scriptforge/scriptforge/internal/tasks"
	"github.com/scriptforge/scriptforge/internal/timers"
	"github.com/scriptforge/scriptforge/internal/workerproto"
)

const releaseHorizon = 250 * time.Millisecond

// Handler is the central per-tenant state machine (spec.md §4.6). All
// mutable fields below this point in the struct are owned exclusively by
// the goroutine running Run; every other goroutine interacts with a
// Handler only by sending on cmds via the exported Post*/Status methods.
type Handler struct {
	tenantID uint64
	cfg      Config
	pool     *pool.Pool
	st       store.Store
	logs     *guildlog.Hub

	timerMgr *timers.Manager
	taskMgr  *tasks.Manager

	cmds    chan command
	stopped chan struct{}

	// goroutine-owned state
	state   State
	seqGen  uint64
	queue   []queuedEvent
	scripts []store.Script

	sess                *session
	claimedWorker       *pool.Worker
	claimCancel         context.CancelFunc
	scriptsLoaded       bool
	scriptsLoadedWorker *uint64
	loadSeq             *uint64
	dispatchSeq         *uint64
	dispatchDeadline    *time.Time

	lastClaimedWorker *uint64
	claimedAt         time.Time
	returnedAt        time.Time

	purging bool
}

// New constructs a handler for one tenant. Callers must run Handler.Run in
// its own goroutine and detect exit via Done() to remove it from whatever
// registry owns it (spec.md §4.8 "handle future" semantics).
func New(tenantID uint64, cfg Config, p *pool.Pool, st store.Store, logs *guildlog.Hub) *Handler {
	return &Handler{
		tenantID: tenantID,
		cfg:      cfg,
		pool:     p,
		st:       st,
		logs:     logs,
		timerMgr: timers.New(st, tenantID),
		taskMgr:  tasks.New(st, tenantID),
		cmds:     make(chan command, 1024),
		stopped:  make(chan struct{}),
		state:    StateIdle,
	}
}

// Done closes when Run returns, whether from Shutdown, a completed
// PurgeCache drain, or ctx cancellation.
func (h *Handler) Done() <-chan struct{} { return h.stopped }

// Run drives the handler's mailbox loop until ctx is cancelled or the
// handler drains itself out of existence.
func (h *Handler) Run(ctx context.Context) {
	defer close(h.stopped)

	h.taskMgr.InitNextTaskTime(ctx)
	h.refreshScripts(ctx)

	for {
		observability.GuildHandlerState.WithLabelValues(h.state.String()).Set(1)
		observability.GuildEventQueueDepth.WithLabelValues(fmt.Sprint(h.tenantID)).Set(float64(len(h.queue)))

		var timerCh <-chan time.Time
		var t *time.Timer
		if d, ok := h.nextDeadline(); ok {
			wait := time.Until(d)
			if wait < 0 {
				wait = 0
			}
			t = time.NewTimer(wait)
			timerCh = t.C
		}

		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			h.releaseOnShutdown()
			return

		case cmd := <-h.cmds:
			if t != nil {
				t.Stop()
			}
			h.handleCommand(ctx, cmd)
			if h.state == StateDraining {
				h.releaseOnShutdown()
				return
			}

		case <-timerCh:
			h.pumpTimersAndTasks(ctx)
		}
	}
}

func (h *Handler) refreshScripts(ctx context.Context) {
	scripts, err := h.st.ListScripts(ctx, h.tenantID)
	if err != nil {
		log.Printf("guild: tenant %d: failed listing scripts: %v", h.tenantID, err)
		return
	}
	h.scripts = scripts
	h.scriptsLoaded = false
}

// nextDeadline returns the earliest of: the runaway-budget deadline for an
// in-flight dispatch, the timer manager's next fire, and the task
// manager's next fire.
func (h *Handler) nextDeadline() (time.Time, bool) {
	var best time.Time
	found := false
	consider := func(d time.Time, ok bool) {
		if !ok {
			return
		}
		if !found || d.Before(best) {
			best = d
			found = true
		}
	}

	if h.dispatchDeadline != nil {
		consider(*h.dispatchDeadline, true)
	}

	if na := h.timerMgr.NextAction(); na.Kind == timers.ActionRun {
		consider(time.Now(), true)
	} else if na.Kind == timers.ActionWait {
		consider(na.Deadline, true)
	}

	if na := h.taskMgr.NextAction(); na.Kind == tasks.ActionRun {
		consider(time.Now(), true)
	} else if na.Kind == tasks.ActionWait {
		consider(na.Deadline, true)
	}

	return best, found
}

func (h *Handler) imminentTimerOrTask() bool {
	d, ok := h.nextDeadline()
	if !ok {
		return false
	}
	return !d.After(time.Now().Add(releaseHorizon))
}

// pumpTimersAndTasks implements spec.md §4.6 "timer/task interleaving":
// trigger() on each manager and append the results to the queue as
// Events, seq-ordered relative to other ingress.
func (h *Handler) pumpTimersAndTasks(ctx context.Context) {
	if h.dispatchSeq != nil && h.dispatchDeadline != nil && !time.Now().Before(*h.dispatchDeadline) {
		h.evictRunaway(ctx)
	}

	for _, fired := range h.timerMgr.Trigger() {
		payload, _ := json.Marshal(fired)
		name := fired.Name
		h.enqueue(fmt.Sprintf("timer:%s", name), payload, func(ctx context.Context) {
			h.timerMgr.Ack(ctx, name)
		})
	}
	for _, t := range h.taskMgr.StartTriggeredTasks(ctx) {
		taskID := t.ID
		h.enqueue(fmt.Sprintf("task:%s", t.Namespace), t.Data, func(ctx context.Context) {
			h.taskMgr.AckTriggeredTask(ctx, taskID)
		})
	}

	h.tryAdvance(ctx)
}

func (h *Handler) evictRunaway(ctx context.Context) {
	seq := *h.dispatchSeq
	log.Printf("guild: tenant %d: worker exceeded event budget on seq %d, evicting as broken", h.tenantID, seq)
	observability.GuildEventEvictions.WithLabelValues(fmt.Sprint(h.tenantID)).Inc()
	h.teardownWorker(true)
	h.requeueHeadForRetry(ctx)
	h.state = StateIdle
}

// enqueue appends an ingress item unconditionally (timer/task events are
// never subject to backpressure, spec.md §4.6). onComplete may be nil.
func (h *Handler) enqueue(name string, payload []byte, onComplete func(ctx context.Context)) {
	h.seqGen++
	h.queue = append(h.queue, queuedEvent{seq: h.seqGen, name: name, payload: payload, onComplete: onComplete})
}

// enqueueExternal applies the high-water-mark/low-priority drop policy
// before appending (spec.md §4.6 "Fairness and backpressure").
func (h *Handler) enqueueExternal(name string, payload []byte) {
	if len(h.queue) >= h.cfg.HighWaterMark && h.cfg.LowPriorityEventName != nil && h.cfg.LowPriorityEventName(name) {
		observability.GuildEventsDropped.WithLabelValues(fmt.Sprint(h.tenantID), "high_water_mark").Inc()
		return
	}
	h.enqueue(name, payload, nil)
}

