package guild

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/scriptforge/scriptforge/internal/guildlog"
	"github.com/scriptforge/scriptforge/internal/observability"
	"github.com/scriptforge/scriptforge/internal/store"
	"github.com/scriptforge/scriptforge/internal/timers"
	"github.com/scriptforge/scriptforge/internal/workerproto"
)

func (h *Handler) handleCommand(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case cmdDiscordEvent:
		h.enqueueExternal(c.name, c.payload)
		h.tryAdvance(ctx)

	case cmdNewTaskScheduled:
		h.taskMgr.ScheduleRefresh()
		h.tryAdvance(ctx)

	case cmdReloadScripts:
		h.scriptsLoaded = false
		h.refreshScripts(ctx)
		h.tryAdvance(ctx)

	case cmdPurgeCache:
		h.purging = true
		h.tryAdvance(ctx)

	case cmdShutdown:
		h.beginDraining()

	case cmdStatus:
		c.reply <- h.status()

	case cmdWorkerClaimed:
		h.onWorkerClaimed(ctx, c)

	case cmdWorkerMessage:
		h.onWorkerMessage(ctx, c)

	case cmdWorkerGone:
		h.onWorkerGone(ctx, c)
	}
}

// tryAdvance is the state machine's central transition function, called
// after any mutation that might let the handler make progress (spec.md
// §4.6 steps 2-6).
func (h *Handler) tryAdvance(ctx context.Context) {
	if h.state == StateDraining {
		return
	}

	if h.claimedWorker == nil {
		if len(h.queue) > 0 && h.claimCancel == nil {
			h.beginClaim(ctx)
		} else if len(h.queue) == 0 && h.purging && h.claimCancel == nil {
			h.state = StateDraining
		}
		return
	}

	if h.dispatchSeq != nil {
		return // awaiting Ack
	}

	if len(h.queue) == 0 {
		if h.purging || !h.imminentTimerOrTask() {
			h.releaseWorker()
			if h.purging {
				h.state = StateDraining
			}
		} else {
			h.state = StateLoading
		}
		return
	}

	if !h.scriptsLoaded || h.scriptsLoadedWorker == nil || *h.scriptsLoadedWorker != h.claimedWorker.WorkerID {
		h.state = StateLoading
		h.sendCreateScriptsVm()
		return
	}

	h.dispatchHead()
}

// beginClaim implements spec.md §4.6 step 2: transition Idle -> Loading by
// asynchronously requesting a worker from the pool.
func (h *Handler) beginClaim(ctx context.Context) {
	h.state = StateLoading
	claimCtx, cancel := context.WithCancel(ctx)
	h.claimCancel = cancel

	go func() {
		w, err := h.pool.RequestWorker(claimCtx, h.tenantID, h.cfg.Tier)
		h.postCmd(cmdWorkerClaimed{worker: w, err: err})
	}()
}

func (h *Handler) onWorkerClaimed(ctx context.Context, c cmdWorkerClaimed) {
	h.claimCancel = nil

	if c.err != nil {
		log.Printf("guild: tenant %d: worker claim failed: %v", h.tenantID, c.err)
		if !h.purging {
			h.state = StateIdle
			h.tryAdvance(ctx)
		} else {
			h.state = StateDraining
		}
		return
	}

	w := c.worker
	h.claimedWorker = &w
	h.claimedAt = time.Now()
	h.sess = startSession(w, h.cmds)

	h.scriptsLoaded = h.lastClaimedWorker != nil && *h.lastClaimedWorker == w.WorkerID &&
		h.scriptsLoadedWorker != nil && *h.scriptsLoadedWorker == w.WorkerID

	h.tryAdvance(ctx)
}

func (h *Handler) sendCreateScriptsVm() {
	h.seqGen++
	seq := h.seqGen
	h.loadSeq = &seq

	scripts := make([]workerproto.Script, 0, len(h.scripts))
	for _, s := range h.scripts {
		scripts = append(scripts, workerproto.Script{
			ID:             s.ID,
			TenantID:       s.TenantID,
			PluginID:       s.PluginID,
			Name:           s.Name,
			CompiledSource: s.CompiledSource,
			Enabled:        s.Enabled,
		})
	}

	msg := workerproto.CreateScriptsVm{Seq: seq, TenantID: h.tenantID, Tier: h.cfg.Tier, Scripts: scripts}
	if err := h.sess.send(workerproto.KindCreateScriptsVm, msg); err != nil {
		log.Printf("guild: tenant %d: failed sending CreateScriptsVm: %v", h.tenantID, err)
		h.teardownWorker(true)
	}
}

func (h *Handler) dispatchHead() {
	h.state = StateDispatching
	ev := h.queue[0]
	h.dispatchSeq = &h.queue[0].seq

	deadline := time.Now().Add(h.cfg.EventBudget)
	h.dispatchDeadline = &deadline

	msg := workerproto.Dispatch{Seq: ev.seq, EventName: ev.name, Payload: ev.payload}
	if err := h.sess.send(workerproto.KindDispatch, msg); err != nil {
		log.Printf("guild: tenant %d: failed sending Dispatch: %v", h.tenantID, err)
		h.teardownWorker(true)
	}
}

func (h *Handler) onWorkerMessage(ctx context.Context, c cmdWorkerMessage) {
	if h.sess == nil || c.sess != h.sess {
		return // stale message from a torn-down or superseded session
	}

	switch m := c.msg.(type) {
	case workerproto.ScriptsInit:
		if h.loadSeq == nil || m.Seq != *h.loadSeq {
			h.protocolError(ctx, "ScriptsInit seq mismatch")
			return
		}
		h.loadSeq = nil
		h.scriptsLoaded = true
		wid := h.claimedWorker.WorkerID
		h.scriptsLoadedWorker = &wid

		h.applyScriptMeta(ctx, m.Meta.IntervalTimers, m.Meta.TaskBuckets)
		h.tryAdvance(ctx)

	case workerproto.Ack:
		if h.dispatchSeq == nil || m.Seq != *h.dispatchSeq {
			h.protocolError(ctx, "Ack seq mismatch")
			return
		}
		completed := h.queue[0]
		h.queue = h.queue[1:]
		h.dispatchSeq = nil
		h.dispatchDeadline = nil
		h.state = StateLoading
		if completed.onComplete != nil {
			completed.onComplete(ctx)
		}
		h.tryAdvance(ctx)

	case workerproto.ScriptStarted:
		h.applyScriptMeta(ctx, m.Meta.IntervalTimers, m.Meta.TaskBuckets)

	case workerproto.TaskScheduled:
		h.taskMgr.ScheduleRefresh()
		h.tryAdvance(ctx)

	case workerproto.GuildLog:
		h.logs.Publish(guildlog.Entry{TenantID: h.tenantID, Level: m.Entry.Level, Message: m.Entry.Message})

	case workerproto.Metric:
		observability.WorkerReportedMetrics.WithLabelValues(fmt.Sprint(h.tenantID), m.Name).Inc()

	case workerproto.WorkerDown:
		h.logs.Publish(guildlog.Entry{TenantID: h.tenantID, Level: "warn", Message: fmt.Sprintf("worker shut down: %s", m.Reason)})
		broken := m.Reason != workerproto.ReasonOther
		h.teardownWorker(broken)
		if h.dispatchSeq != nil {
			h.requeueHeadForRetry(ctx)
		}
		h.state = StateIdle
		h.tryAdvance(ctx)
	}
}

func (h *Handler) applyScriptMeta(ctx context.Context, declared []workerproto.IntervalTimerContrib, taskBuckets []string) {
	if len(declared) > 0 {
		contribs := make([]timers.Contrib, len(declared))
		for i, c := range declared {
			contribs[i] = timers.Contrib{
				Name:     c.Name,
				Interval: store.IntervalSpec{Minutes: c.Minutes, CronExpr: c.CronExpr},
			}
		}
		h.timerMgr.ScriptStarted(ctx, contribs)
	}
	if len(taskBuckets) > 0 {
		h.taskMgr.ScriptStarted(taskBuckets)
	}
}

func (h *Handler) protocolError(ctx context.Context, reason string) {
	log.Printf("guild: tenant %d: protocol error: %s", h.tenantID, reason)
	h.teardownWorker(true)
	h.requeueHeadForRetry(ctx)
	h.state = StateIdle
	h.tryAdvance(ctx)
}

func (h *Handler) onWorkerGone(ctx context.Context, c cmdWorkerGone) {
	if h.sess == nil || c.sess != h.sess {
		return // stale notice from a torn-down or superseded session
	}
	log.Printf("guild: tenant %d: worker %d connection lost: %v", h.tenantID, c.workerID, c.err)
	h.teardownWorker(true)
	if h.dispatchSeq != nil {
		h.requeueHeadForRetry(ctx)
	}
	h.state = StateIdle
	h.tryAdvance(ctx)
}

// requeueHeadForRetry re-enqueues the in-flight event with a bumped retry
// counter, dropping it past MaxEventRetries (spec.md §4.6 step 7
// "re-enqueue... subject to a per-event retry cap"). A permanently dropped
// event still runs its onComplete hook: a timer or task left in the
// manager's pending set would never fire again otherwise.
func (h *Handler) requeueHeadForRetry(ctx context.Context) {
	h.dispatchSeq = nil
	h.dispatchDeadline = nil
	if len(h.queue) == 0 {
		return
	}
	ev := h.queue[0]
	ev.retries++
	if ev.retries > h.cfg.MaxEventRetries {
		log.Printf("guild: tenant %d: dropping event seq %d after %d retries", h.tenantID, ev.seq, ev.retries)
		h.queue = h.queue[1:]
		if ev.onComplete != nil {
			ev.onComplete(ctx)
		}
		return
	}
	h.queue[0] = ev
}

// teardownWorker returns the claimed worker to the pool and clears the
// session. broken=true marks it for replacement (spec.md §4.6 step 7).
func (h *Handler) teardownWorker(broken bool) {
	if h.claimedWorker == nil {
		return
	}
	w := *h.claimedWorker
	wid := w.WorkerID
	h.lastClaimedWorker = &wid
	w.LastClaimedBy = &h.tenantID
	w.ReturnedAt = time.Now()
	h.returnedAt = w.ReturnedAt

	if h.sess != nil {
		h.sess.close()
	}
	h.sess = nil
	h.claimedWorker = nil
	h.loadSeq = nil
	if broken {
		h.scriptsLoaded = false
		h.scriptsLoadedWorker = nil
	}
	h.pool.ReturnWorker(w, broken)
}

func (h *Handler) releaseWorker() {
	h.teardownWorker(false)
	if !h.purging {
		h.state = StateIdle
	}
}

func (h *Handler) beginDraining() {
	if h.claimCancel != nil {
		h.claimCancel()
	}
	if h.sess != nil {
		_ = h.sess.send(workerproto.KindShutdown, workerproto.Shutdown{})
	}
	// The worker is told to terminate, so its connection can't be handed
	// to another tenant; return it broken so the pool replaces it.
	h.teardownWorker(true)
	h.queue = nil
	h.state = StateDraining
}

func (h *Handler) releaseOnShutdown() {
	if h.claimCancel != nil {
		h.claimCancel()
	}
	h.teardownWorker(true)
}

func (h *Handler) status() Status {
	var claimedAgo, returnedAgo *int64
	if h.claimedWorker != nil {
		ms := time.Since(h.claimedAt).Milliseconds()
		claimedAgo = &ms
	} else if !h.returnedAt.IsZero() {
		ms := time.Since(h.returnedAt).Milliseconds()
		returnedAgo = &ms
	}

	var current *uint64
	if h.claimedWorker != nil {
		wid := h.claimedWorker.WorkerID
		current = &wid
	}

	return Status{
		TenantID:             h.tenantID,
		State:                h.state.String(),
		CurrentClaimedWorker: current,
		LastClaimedWorker:    h.lastClaimedWorker,
		ClaimedAtMsAgo:       claimedAgo,
		ReturnedAtMsAgo:      returnedAgo,
		PendingAcks:          len(h.queue),
	}
}

// postCmd enqueues a command from an arbitrary goroutine (the claim
// goroutine, a session's read loop, or the public Post* API below).
func (h *Handler) postCmd(cmd command) {
	select {
	case h.cmds <- cmd:
	case <-h.stopped:
	}
}
