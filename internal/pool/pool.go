// Package pool manages the fleet of out-of-process script execution
// workers: tiered sub-pools, affinity-then-LRU claim selection, FIFO
// waiters, and broken-worker replacement. Grounded on
// cmd/scheduler/src/vmworkerpool.rs, with bookkeeping-under-mutex style
// from the teacher's scheduler/queue.go.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/scriptforge/scriptforge/internal/observability"
	"github.com/scriptforge/scriptforge/internal/wire"
	"github.com/scriptforge/scriptforge/internal/workerproto"
)

// Tier is a QoS class; each has its own idle list, pending set, and waiter
// queue (spec.md §3 "Worker pool state").
type Tier = workerproto.Tier

const (
	TierFree    = workerproto.TierFree
	TierLite    = workerproto.TierLite
	TierPremium = workerproto.TierPremium
)

// Conn is the connection surface a Worker needs: the wire codec reads and
// writes frames directly against it. Satisfied by *net.UnixConn /
// *net.TCPConn, and by test doubles.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Worker is an owned handle to a connected worker process (spec.md §3).
// Messages carries every frame the pool's connection reader decodes off
// Conn; the pool only tracks custody, but it owns the one reader goroutine
// for Conn's entire lifetime.
type Worker struct {
	WorkerID      uint64
	Tier          Tier
	Conn          Conn
	Messages      <-chan Inbound
	LastClaimedBy *uint64
	ReturnedAt    time.Time
}

// Inbound is one decoded frame read off a worker's connection, or a
// terminal read/decode error. vmworkerpool.rs's init_worker_handles spawns
// message_reader exactly once per connection, at accept time, and that
// reader's channel lives with the WorkerHandle across every claim/return
// cycle — there is never more than one reader per connection for its whole
// lifetime. startConnReader mirrors that: it is called once, when a
// connection first becomes known to the pool (CompleteHello), and the
// resulting channel travels with the Worker value through every
// claim/return round-trip. A guild session only ever relays already-decoded
// frames off this channel; it never reads Conn itself, so reclaiming the
// same worker for a second claim can never race a stale reader for frame
// boundaries.
type Inbound struct {
	Msg interface{}
	Err error
}

func startConnReader(conn Conn) <-chan Inbound {
	ch := make(chan Inbound, 4)
	go func() {
		for {
			e, err := wire.ReadEnvelope(conn)
			if err != nil {
				ch <- Inbound{Err: err}
				close(ch)
				return
			}
			msg, err := workerproto.DecodeWorkerMessage(e)
			if err != nil {
				ch <- Inbound{Err: err}
				close(ch)
				return
			}
			ch <- Inbound{Msg: msg}
		}
	}()
	return ch
}

type pendingWorker struct {
	workerID uint64
	tier     Tier
	cmd      *exec.Cmd
	spawnAt  time.Time
}

type waiter struct {
	tenantID uint64
	ch       chan Worker
}

type tierState struct {
	idle      []Worker
	pending   map[uint64]*pendingWorker
	waiters   *list.List // of *waiter
}

func newTierState() *tierState {
	return &tierState{pending: make(map[uint64]*pendingWorker), waiters: list.New()}
}

// LaunchConfig describes how to spawn a new worker process.
type LaunchConfig struct {
	Command string
	Args    []string
}

// Pool tracks worker processes across all tiers under one mutex, mirroring
// vmworkerpool.rs's single PoolInner-behind-a-Mutex design: pool operations
// are O(pool size), so a coarse lock is fine.
type Pool struct {
	mu       sync.Mutex
	tiers    map[Tier]*tierState
	idGen    uint64
	launch   LaunchConfig
	noReuse  bool
	// HelloGrace bounds how long a spawned-but-not-yet-Hello'd worker is
	// tracked before being abandoned and counted broken.
	HelloGrace time.Duration
}

// New creates an empty pool for the three fixed tiers.
func New(launch LaunchConfig, noReuseVMs bool) *Pool {
	p := &Pool{
		tiers:      make(map[Tier]*tierState),
		launch:     launch,
		noReuse:    noReuseVMs,
		HelloGrace: 10 * time.Second,
	}
	for _, t := range []Tier{TierFree, TierLite, TierPremium} {
		p.tiers[t] = newTierState()
	}
	return p
}

func (p *Pool) tier(t Tier) *tierState {
	ts, ok := p.tiers[t]
	if !ok {
		ts = newTierState()
		p.tiers[t] = ts
	}
	return ts
}

// RequestWorker implements spec.md §4.3 request_worker: affinity hit first,
// else oldest-idle (LRU) with worker_id as a deterministic tiebreak, else a
// FIFO waiter. The lock is released before blocking on the channel.
func (p *Pool) RequestWorker(ctx context.Context, tenantID uint64, t Tier) (Worker, error) {
	p.mu.Lock()
	ts := p.tier(t)

	for i, w := range ts.idle {
		if w.LastClaimedBy != nil && *w.LastClaimedBy == tenantID {
			ts.idle = append(ts.idle[:i], ts.idle[i+1:]...)
			observability.WorkerPoolAvailable.WithLabelValues(string(t)).Dec()
			p.mu.Unlock()
			return w, nil
		}
	}

	if len(ts.idle) > 0 {
		sort.SliceStable(ts.idle, func(i, j int) bool {
			if !ts.idle[i].ReturnedAt.Equal(ts.idle[j].ReturnedAt) {
				return ts.idle[i].ReturnedAt.Before(ts.idle[j].ReturnedAt)
			}
			return ts.idle[i].WorkerID < ts.idle[j].WorkerID
		})
		w := ts.idle[0]
		ts.idle = ts.idle[1:]
		observability.WorkerPoolAvailable.WithLabelValues(string(t)).Dec()
		p.mu.Unlock()
		return w, nil
	}

	ch := make(chan Worker, 1)
	el := ts.waiters.PushBack(&waiter{tenantID: tenantID, ch: ch})
	observability.WorkerPoolWaiters.WithLabelValues(string(t)).Inc()
	p.mu.Unlock()

	select {
	case w := <-ch:
		return w, nil
	case <-ctx.Done():
		p.mu.Lock()
		for e := ts.waiters.Front(); e != nil; e = e.Next() {
			if e == el {
				ts.waiters.Remove(el)
				observability.WorkerPoolWaiters.WithLabelValues(string(t)).Dec()
				p.mu.Unlock()
				return Worker{}, ctx.Err()
			}
		}
		p.mu.Unlock()
		// A worker was already handed to this waiter; put it back.
		p.addToPoolOrHandToWaiter(<-ch)
		return Worker{}, ctx.Err()
	}
}

// ReturnWorker implements spec.md §4.3 return_worker. When NoReuseVMs is
// set, every return is treated as broken (diagnostic mode, spec.md §6).
func (p *Pool) ReturnWorker(w Worker, broken bool) {
	broken = broken || p.noReuse

	if broken {
		observability.BrokenWorkers.WithLabelValues(string(w.Tier)).Inc()
		if w.Conn != nil {
			_ = w.Conn.Close()
		}
		p.spawnWorker(w.Tier)
		return
	}

	w.ReturnedAt = time.Now()
	p.addToPoolOrHandToWaiter(w)
}

// addToPoolOrHandToWaiter is the one place every idle-return path (a normal
// ReturnWorker, and CompleteHello's first registration of a new connection)
// funnels through, so it is also the one place that starts a connection's
// reader: only when Messages is still nil, meaning this Worker value has
// never been registered with the pool before.
func (p *Pool) addToPoolOrHandToWaiter(w Worker) {
	if w.Messages == nil && w.Conn != nil {
		w.Messages = startConnReader(w.Conn)
	}

	p.mu.Lock()
	ts := p.tier(w.Tier)

	if front := ts.waiters.Front(); front != nil {
		ts.waiters.Remove(front)
		observability.WorkerPoolWaiters.WithLabelValues(string(w.Tier)).Dec()
		wt := front.Value.(*waiter)
		p.mu.Unlock()
		wt.ch <- w
		return
	}

	ts.idle = append(ts.idle, w)
	observability.WorkerPoolAvailable.WithLabelValues(string(w.Tier)).Inc()
	p.mu.Unlock()
}

// SpawnWorkers launches n worker processes of the given tier.
func (p *Pool) SpawnWorkers(t Tier, n int) {
	for i := 0; i < n; i++ {
		p.spawnWorker(t)
	}
}

func (p *Pool) nextID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idGen++
	return p.idGen
}

func (p *Pool) spawnWorker(t Tier) {
	workerID := p.nextID()

	cmd := exec.Command(p.launch.Command, p.launch.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), fmt.Sprintf("WORKER_ID=%d", workerID))

	if err := cmd.Start(); err != nil {
		observability.BrokenWorkers.WithLabelValues(string(t)).Inc()
		return
	}

	observability.WorkersSpawned.WithLabelValues(string(t)).Inc()

	p.mu.Lock()
	ts := p.tier(t)
	ts.pending[workerID] = &pendingWorker{workerID: workerID, tier: t, cmd: cmd, spawnAt: time.Now()}
	p.mu.Unlock()

	time.AfterFunc(p.HelloGrace, func() { p.abandonIfStillPending(t, workerID) })
}

func (p *Pool) abandonIfStillPending(t Tier, workerID uint64) {
	p.mu.Lock()
	ts := p.tier(t)
	pw, ok := ts.pending[workerID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(ts.pending, workerID)
	p.mu.Unlock()

	observability.BrokenWorkers.WithLabelValues(string(t)).Inc()
	_ = pw.cmd.Process.Kill()
}

// CompleteHello completes a pending spawn: the worker dialed back and sent
// Hello(workerID). worker_id_gen is global across tiers (vmworkerpool.rs's
// single counter), so the tier is found by scanning each tier's pending
// set rather than being supplied by the caller.
func (p *Pool) CompleteHello(workerID uint64, conn Conn) bool {
	p.mu.Lock()
	var foundTier Tier
	found := false
	for t, ts := range p.tiers {
		if _, ok := ts.pending[workerID]; ok {
			delete(ts.pending, workerID)
			foundTier = t
			found = true
			break
		}
	}
	p.mu.Unlock()

	if !found {
		return false
	}

	p.addToPoolOrHandToWaiter(Worker{
		WorkerID:   workerID,
		Tier:       foundTier,
		Conn:       conn,
		ReturnedAt: time.Now(),
	})
	return true
}

// WorkerSnapshot is one row of vm_worker_status() (spec.md §4.9).
type WorkerSnapshot struct {
	WorkerID            uint64
	Tier                Tier
	CurrentlyClaimedBy  *uint64
	LastClaimedBy       *uint64
	ClaimedLastMsAgo    *int64
	ReturnedLastMsAgo   *int64
}

// Snapshot reports idle workers across every tier for the admin RPC. Claimed
// workers are owned by guild handlers, not the pool, so handlers report
// their own claimed worker via guild.Status; this covers the idle half.
func (p *Pool) Snapshot() []WorkerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []WorkerSnapshot
	now := time.Now()
	for t, ts := range p.tiers {
		for _, w := range ts.idle {
			ms := now.Sub(w.ReturnedAt).Milliseconds()
			out = append(out, WorkerSnapshot{
				WorkerID:          w.WorkerID,
				Tier:              t,
				LastClaimedBy:     w.LastClaimedBy,
				ReturnedLastMsAgo: &ms,
			})
		}
	}
	return out
}
