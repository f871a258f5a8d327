// Package scheduler implements the single top-level orchestrator (spec.md
// §4.8): one mailbox goroutine owning the TenantId -> GuildHandler map, the
// worker pool, the broker client, and the RPC server's command routing.
// Grounded on the teacher's control_plane/scheduler.Scheduler shape,
// generalized from FluxForge's reconciliation-task queue to a per-tenant
// handler registry, and on its ws_hub.go Run/select mailbox idiom.
package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/scriptforge/scriptforge/internal/brokerproto"
	"github.com/scriptforge/scriptforge/internal/guild"
	"github.com/scriptforge/scriptforge/internal/guildlog"
	"github.com/scriptforge/scriptforge/internal/observability"
	"github.com/scriptforge/scriptforge/internal/pool"
	"github.com/scriptforge/scriptforge/internal/ratelimit"
	"github.com/scriptforge/scriptforge/internal/store"
	"github.com/scriptforge/scriptforge/internal/workerproto"
)

// TierLookup decides a tenant's QoS tier; the default always returns Free.
type TierLookup func(tenantID uint64) workerproto.Tier

func defaultTierLookup(uint64) workerproto.Tier { return workerproto.TierFree }

// handlerEntry pairs a running handler with the cancel func that stops it.
type handlerEntry struct {
	handler *guild.Handler
	cancel  context.CancelFunc
}

// HandlerDefaults overrides guild.DefaultConfig's per-tenant backpressure
// knobs for every handler this Scheduler creates. These come straight from
// internal/config.Config's HandlerQueueHighWaterMark/EventWallClockBudgetMS
// (spec.md §4.6 "Fairness and backpressure") — a zero field falls back to
// guild.DefaultConfig's own built-in default rather than zeroing the knob
// out.
type HandlerDefaults struct {
	HighWaterMark int
	EventBudget   time.Duration
}

// Scheduler is the process's single orchestrator (spec.md §4.8).
type Scheduler struct {
	pool            *pool.Pool
	store           store.Store
	logs            *guildlog.Hub
	tier            TierLookup
	limiter         *ratelimit.Limiter
	handlerDefaults HandlerDefaults

	cmds chan command
	done chan struct{}

	handlers         map[uint64]*handlerEntry
	brokerUp         bool
	connectedTenants map[uint64]bool
}

// New constructs a Scheduler. limiter, when non-nil, admits broker events
// per tenant ahead of handler dispatch (spec.md §4.6 backpressure); pass nil
// to admit everything, matching unthrottled single-tenant test setups.
// Run must be called in its own goroutine.
func New(p *pool.Pool, st store.Store, logs *guildlog.Hub, tier TierLookup, limiter *ratelimit.Limiter, handlerDefaults HandlerDefaults) *Scheduler {
	if tier == nil {
		tier = defaultTierLookup
	}
	return &Scheduler{
		pool:             p,
		store:            st,
		logs:             logs,
		tier:             tier,
		limiter:          limiter,
		handlerDefaults:  handlerDefaults,
		cmds:             make(chan command, 4096),
		done:             make(chan struct{}),
		handlers:         make(map[uint64]*handlerEntry),
		connectedTenants: make(map[uint64]bool),
	}
}

// Done closes once Run returns (after a full Shutdown drain).
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Run is the scheduler's single mailbox loop (spec.md §4.8 "it owns... the
// mailbox receiving SchedulerCommands"). It never blocks on worker I/O;
// all worker interaction happens inside the per-tenant handler goroutines.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	handlerCtx, cancelHandlers := context.WithCancel(context.Background())
	defer cancelHandlers()

	reapTicker := time.NewTicker(2 * time.Second)
	defer reapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdownAll()
			return

		case cmd := <-s.cmds:
			if shut := s.handle(handlerCtx, cmd); shut {
				cancelHandlers()
				s.waitAllHandlers()
				return
			}

		case <-reapTicker.C:
			s.reapDeadHandlers()
		}
	}
}

func (s *Scheduler) handle(handlerCtx context.Context, cmd command) (shutdown bool) {
	switch c := cmd.(type) {
	case cmdBrokerConnected:
		s.brokerUp = true
		observability.BrokerConnected.Set(1)

	case cmdBrokerDisconnected:
		s.brokerUp = false
		observability.BrokerConnected.Set(0)

	case cmdBrokerHello:
		s.reconcileConnectedTenants(c.tenants)

	case cmdDiscordEvent:
		if s.limiter != nil {
			key := strconv.FormatUint(c.tenantID, 10)
			if !s.limiter.Allow(key) {
				observability.RateLimitRejections.WithLabelValues("tenant_event").Inc()
				return false
			}
		}
		h := s.handlerFor(handlerCtx, c.tenantID)
		h.PostDiscordEvent(c.name, c.payload)

	case cmdNewTaskScheduled:
		if e, ok := s.handlers[c.tenantID]; ok {
			e.handler.NewTaskScheduled()
		}

	case cmdReloadGuildScripts:
		if e, ok := s.handlers[c.tenantID]; ok {
			e.handler.ReloadScripts()
		}

	case cmdPurgeGuildCache:
		if e, ok := s.handlers[c.tenantID]; ok {
			e.handler.PurgeCache()
		}

	case cmdWorkerStatus:
		c.reply <- s.pool.Snapshot()

	case cmdGuildStatus:
		e, ok := s.handlers[c.tenantID]
		if !ok {
			c.reply <- nil
			return false
		}
		status, err := e.handler.Status(context.Background())
		if err != nil {
			c.reply <- nil
			return false
		}
		c.reply <- &status

	case cmdShutdown:
		return true
	}
	return false
}

// reconcileConnectedTenants implements the broker Hello reconciliation
// decision recorded in DESIGN.md: tenants absent from the broker's
// connected-set are left alone rather than evicted, since a handler with
// in-flight work should drain on its own schedule, not be killed by a
// snapshot race on reconnect.
func (s *Scheduler) reconcileConnectedTenants(tenants []uint64) {
	s.connectedTenants = make(map[uint64]bool, len(tenants))
	for _, t := range tenants {
		s.connectedTenants[t] = true
	}
}

func (s *Scheduler) handlerFor(handlerCtx context.Context, tenantID uint64) *guild.Handler {
	if e, ok := s.handlers[tenantID]; ok {
		return e.handler
	}

	cfg := guild.DefaultConfig(s.tier(tenantID))
	if s.handlerDefaults.HighWaterMark > 0 {
		cfg.HighWaterMark = s.handlerDefaults.HighWaterMark
	}
	if s.handlerDefaults.EventBudget > 0 {
		cfg.EventBudget = s.handlerDefaults.EventBudget
	}
	h := guild.New(tenantID, cfg, s.pool, s.store, s.logs)
	ctx, cancel := context.WithCancel(handlerCtx)
	s.handlers[tenantID] = &handlerEntry{handler: h, cancel: cancel}
	go h.Run(ctx)
	return h
}

// reapDeadHandlers removes handlers whose Run loop has exited (spec.md
// §4.8 "Handler death... detected by a handle future; the scheduler
// removes the entry and the next event rebuilds it").
func (s *Scheduler) reapDeadHandlers() {
	for id, e := range s.handlers {
		select {
		case <-e.handler.Done():
			e.cancel()
			delete(s.handlers, id)
		default:
		}
	}
}

func (s *Scheduler) shutdownAll() {
	for _, e := range s.handlers {
		e.handler.Shutdown()
	}
	s.waitAllHandlers()
}

func (s *Scheduler) waitAllHandlers() {
	for _, e := range s.handlers {
		<-e.handler.Done()
		e.cancel()
	}
}

// --- public API, callable from any goroutine (broker client, RPC server) ---

func (s *Scheduler) post(cmd command) {
	select {
	case s.cmds <- cmd:
	case <-s.done:
	}
}

// BrokerConnected/BrokerDisconnected/BrokerHello mirror brokerproto.Client
// events (spec.md §4.8 commands).
func (s *Scheduler) BrokerConnected()             { s.post(cmdBrokerConnected{}) }
func (s *Scheduler) BrokerDisconnected()          { s.post(cmdBrokerDisconnected{}) }
func (s *Scheduler) BrokerHello(tenants []uint64) { s.post(cmdBrokerHello{tenants: tenants}) }

// DiscordEvent routes an inbound event to its tenant's handler, creating
// the handler if this is the first event seen for that tenant.
func (s *Scheduler) DiscordEvent(tenantID uint64, name string, payload json.RawMessage) {
	s.post(cmdDiscordEvent{tenantID: tenantID, name: name, payload: payload})
}

func (s *Scheduler) NewTaskScheduled(tenantID uint64)   { s.post(cmdNewTaskScheduled{tenantID: tenantID}) }
func (s *Scheduler) ReloadGuildScripts(tenantID uint64) { s.post(cmdReloadGuildScripts{tenantID: tenantID}) }
func (s *Scheduler) PurgeGuildCache(tenantID uint64)    { s.post(cmdPurgeGuildCache{tenantID: tenantID}) }

// WorkerStatus implements vm_worker_status() (spec.md §4.9).
func (s *Scheduler) WorkerStatus(ctx context.Context) ([]pool.WorkerSnapshot, error) {
	reply := make(chan []pool.WorkerSnapshot, 1)
	select {
	case s.cmds <- cmdWorkerStatus{reply: reply}:
	case <-s.done:
		return nil, ErrSchedulerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-s.done:
		return nil, ErrSchedulerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GuildStatus implements guild_status() (spec.md §4.9); returns nil, nil
// when the tenant has no active handler.
func (s *Scheduler) GuildStatus(ctx context.Context, tenantID uint64) (*guild.Status, error) {
	reply := make(chan *guild.Status, 1)
	select {
	case s.cmds <- cmdGuildStatus{tenantID: tenantID, reply: reply}:
	case <-s.done:
		return nil, ErrSchedulerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-s.done:
		return nil, ErrSchedulerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown drains every handler and stops Run (spec.md §4.8 Shutdown).
func (s *Scheduler) Shutdown() { s.post(cmdShutdown{}) }

// RunBrokerEvents adapts a brokerproto.Client's event stream into scheduler
// commands (spec.md §4.2, §4.8). Intended to run in its own goroutine
// alongside client.Run.
func (s *Scheduler) RunBrokerEvents(ctx context.Context, events <-chan brokerproto.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case brokerproto.EventConnected:
				s.BrokerConnected()
			case brokerproto.EventDisconnected:
				s.BrokerDisconnected()
			case brokerproto.EventBrokerHello:
				s.BrokerHello(ev.Hello.ConnectedTenants)
			case brokerproto.EventGuildEvent:
				s.DiscordEvent(ev.GuildEvent.TenantID, ev.GuildEvent.Name, ev.GuildEvent.Payload)
			}
		}
	}
}
