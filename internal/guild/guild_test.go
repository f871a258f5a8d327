package guild

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/scriptforge/scriptforge/internal/guildlog"
	"github.com/scriptforge/scriptforge/internal/pool"
	"github.com/scriptforge/scriptforge/internal/store"
	"github.com/scriptforge/scriptforge/internal/wire"
	"github.com/scriptforge/scriptforge/internal/workerproto"
)

// fakeWorker drives the worker side of an in-memory pipe as a scripted test
// double, standing in for cmd/vmworker's protocol stub.
type fakeWorker struct {
	t    *testing.T
	conn net.Conn
}

func (f *fakeWorker) recvScheduler() interface{} {
	e, err := wire.ReadEnvelope(f.conn)
	if err != nil {
		f.t.Fatalf("fakeWorker: ReadEnvelope: %v", err)
	}
	msg, err := workerproto.DecodeSchedulerMessage(e)
	if err != nil {
		f.t.Fatalf("fakeWorker: DecodeSchedulerMessage: %v", err)
	}
	return msg
}

func (f *fakeWorker) send(kind string, v interface{}) {
	e, err := wire.Encode(kind, v)
	if err != nil {
		f.t.Fatalf("fakeWorker: Encode: %v", err)
	}
	if err := wire.WriteEnvelope(f.conn, e); err != nil {
		f.t.Fatalf("fakeWorker: WriteEnvelope: %v", err)
	}
}

// runScriptedWorker answers CreateScriptsVm with meta and Acks every
// Dispatch, publishing each dispatched event's name on dispatched.
func (f *fakeWorker) runScriptedWorker(meta workerproto.ScriptMeta, dispatched chan<- string) {
	for {
		msg := f.recvScheduler()
		switch m := msg.(type) {
		case workerproto.CreateScriptsVm:
			f.send(workerproto.KindScriptsInit, workerproto.ScriptsInit{Seq: m.Seq, Meta: meta})
		case workerproto.Dispatch:
			dispatched <- m.EventName
			f.send(workerproto.KindAck, workerproto.Ack{Seq: m.Seq})
		case workerproto.Shutdown:
			return
		}
	}
}

func addIdleWorker(p *pool.Pool, workerID uint64, conn net.Conn) {
	p.ReturnWorker(pool.Worker{WorkerID: workerID, Tier: workerproto.TierFree, Conn: conn}, false)
}

func TestHandlerDispatchesAndReleasesWorker(t *testing.T) {
	schedConn, workerConn := net.Pipe()
	st := store.NewMemoryStore()
	p := pool.New(pool.LaunchConfig{}, false)
	addIdleWorker(p, 1, schedConn)

	h := New(1, DefaultConfig(workerproto.TierFree), p, st, guildlog.NewHub())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	dispatched := make(chan string, 4)
	fw := &fakeWorker{t: t, conn: workerConn}
	go fw.runScriptedWorker(workerproto.ScriptMeta{}, dispatched)

	h.PostDiscordEvent("message_create", json.RawMessage(`{"id":1}`))

	select {
	case name := <-dispatched:
		if name != "message_create" {
			t.Fatalf("dispatched event = %q, want message_create", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was never dispatched to the worker")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		status, err := h.Status(context.Background())
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.State == StateIdle.String() && status.CurrentClaimedWorker == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("handler never released its worker back to idle after the queue drained")
}

// TestHandlerReclaimsSameWorkerWithoutDuplicateReader is a regression test
// for a fix where the handler spawned a fresh reader goroutine on every
// worker claim instead of relying on the one connection-lifetime reader
// internal/pool owns: reclaiming the same worker a second time used to race
// a second reader against whatever was still blocked reading the first
// session's stale goroutine. Both events here are dispatched on the very
// same underlying connection, across two separate claims of worker 1.
func TestHandlerReclaimsSameWorkerWithoutDuplicateReader(t *testing.T) {
	schedConn, workerConn := net.Pipe()
	st := store.NewMemoryStore()
	p := pool.New(pool.LaunchConfig{}, false)
	addIdleWorker(p, 1, schedConn)

	h := New(1, DefaultConfig(workerproto.TierFree), p, st, guildlog.NewHub())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	dispatched := make(chan string, 4)
	fw := &fakeWorker{t: t, conn: workerConn}
	go fw.runScriptedWorker(workerproto.ScriptMeta{}, dispatched)

	h.PostDiscordEvent("first", json.RawMessage(`{}`))
	select {
	case name := <-dispatched:
		if name != "first" {
			t.Fatalf("dispatched event = %q, want first", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first event was never dispatched")
	}

	releaseDeadline := time.Now().Add(time.Second)
	for time.Now().Before(releaseDeadline) {
		status, err := h.Status(context.Background())
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.CurrentClaimedWorker == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Only one worker exists in the pool, so this second claim necessarily
	// reclaims worker 1 on the same connection as the first claim.
	h.PostDiscordEvent("second", json.RawMessage(`{}`))
	select {
	case name := <-dispatched:
		if name != "second" {
			t.Fatalf("dispatched event = %q, want second (no stale reader should have stolen or misrouted it)", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second event was never dispatched after reclaiming the same worker")
	}

	select {
	case name := <-dispatched:
		t.Fatalf("unexpected extra dispatch %q: a duplicate reader delivered a frame twice", name)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestHandlerAckWiringAdvancesTimerLastRun is a regression test for a fix
// where a fired interval timer was never acked back to its manager: it
// would be marked pending forever and could never fire again. A worker
// declares one interval timer contribution in its ScriptsInit reply; once
// the timer fires, gets dispatched, and the worker Acks it, the timer's
// last_run in storage must advance past its pre-seeded stale value.
func TestHandlerAckWiringAdvancesTimerLastRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	minutes := uint64(1)
	stale := time.Now().Add(-2 * time.Minute)
	if err := st.UpsertIntervalTimer(ctx, store.IntervalTimer{
		TenantID: 1, Name: "ping", Interval: store.IntervalSpec{Minutes: &minutes}, LastRun: stale,
	}); err != nil {
		t.Fatalf("UpsertIntervalTimer: %v", err)
	}

	schedConn, workerConn := net.Pipe()
	p := pool.New(pool.LaunchConfig{}, false)
	addIdleWorker(p, 1, schedConn)

	h := New(1, DefaultConfig(workerproto.TierFree), p, st, guildlog.NewHub())
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(runCtx)

	dispatched := make(chan string, 4)
	fw := &fakeWorker{t: t, conn: workerConn}
	meta := workerproto.ScriptMeta{IntervalTimers: []workerproto.IntervalTimerContrib{{Name: "ping", Minutes: &minutes}}}
	go fw.runScriptedWorker(meta, dispatched)

	// Any external event claims a worker and drives ScriptsInit, which
	// registers the timer contribution; the pre-seeded stale last_run makes
	// it immediately due once registered.
	h.PostDiscordEvent("boot", json.RawMessage(`{}`))

	sawTimerDispatch := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !sawTimerDispatch {
		select {
		case name := <-dispatched:
			if name == "timer:ping" {
				sawTimerDispatch = true
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	if !sawTimerDispatch {
		t.Fatal("timer:ping was never dispatched")
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		timers, err := st.ListIntervalTimers(ctx, 1)
		if err != nil {
			t.Fatalf("ListIntervalTimers: %v", err)
		}
		if len(timers) == 1 && timers[0].LastRun.After(stale) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timer last_run was never advanced after the worker Acked its dispatch: ack() was not wired to the worker's Ack")
}

// TestHandlerSeqMismatchRetriesOnReplacementWorker exercises spec.md §4.6
// step 7: an Ack with the wrong seq is a protocol error, the worker is torn
// down as broken, and the in-flight event is retried against a second
// worker rather than being lost.
func TestHandlerSeqMismatchRetriesOnReplacementWorker(t *testing.T) {
	schedConn1, workerConn1 := net.Pipe()
	schedConn2, workerConn2 := net.Pipe()
	st := store.NewMemoryStore()
	p := pool.New(pool.LaunchConfig{}, false)
	addIdleWorker(p, 1, schedConn1)
	addIdleWorker(p, 2, schedConn2)

	h := New(1, DefaultConfig(workerproto.TierFree), p, st, guildlog.NewHub())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	// First worker: answers ScriptsInit correctly, then sends back a bogus
	// Ack seq for the Dispatch, triggering a protocol error.
	go func() {
		fw := &fakeWorker{t: t, conn: workerConn1}
		msg := fw.recvScheduler()
		create := msg.(workerproto.CreateScriptsVm)
		fw.send(workerproto.KindScriptsInit, workerproto.ScriptsInit{Seq: create.Seq})
		dispatchMsg := fw.recvScheduler()
		d := dispatchMsg.(workerproto.Dispatch)
		fw.send(workerproto.KindAck, workerproto.Ack{Seq: d.Seq + 999})
	}()

	dispatched := make(chan string, 4)
	fw2 := &fakeWorker{t: t, conn: workerConn2}
	go fw2.runScriptedWorker(workerproto.ScriptMeta{}, dispatched)

	h.PostDiscordEvent("retry_me", json.RawMessage(`{}`))

	select {
	case name := <-dispatched:
		if name != "retry_me" {
			t.Fatalf("replacement worker dispatched %q, want retry_me", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was never retried on the replacement worker")
	}
}
