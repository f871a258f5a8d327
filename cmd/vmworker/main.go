// Command vmworker is a minimal worker process: it implements the
// worker-side half of the scheduler<->worker protocol (internal/workerproto)
// well enough to be claimed, loaded, and dispatched to, but does not host a
// real script sandbox — spec.md §2 names the in-process script sandbox as
// explicitly out of scope ("only the worker<->scheduler protocol is
// specified"). Grounded on the teacher's fluxforge/agent/main.go
// config-then-connect-then-serve shape.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/scriptforge/scriptforge/internal/wire"
	"github.com/scriptforge/scriptforge/internal/workerproto"
)

func main() {
	var (
		addr     = flag.String("addr", defaultAddr(), "scheduler worker-socket address to dial")
		workerID = flag.Uint64("worker-id", defaultWorkerID(), "this worker's identifier, reported in Hello")
	)
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	network := "unix"
	if runtime.GOOS == "windows" {
		network = "tcp"
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, *addr)
	if err != nil {
		log.Fatalf("vmworker %d: dial %s failed: %v", *workerID, *addr, err)
	}
	defer conn.Close()

	w := &worker{id: *workerID, conn: conn}
	if err := w.sayHello(); err != nil {
		log.Fatalf("vmworker %d: hello failed: %v", *workerID, err)
	}
	log.Printf("vmworker %d: connected to %s", *workerID, *addr)

	if err := w.serve(ctx); err != nil {
		log.Printf("vmworker %d: serve exited: %v", *workerID, err)
	}
}

type worker struct {
	id   uint64
	conn net.Conn

	loadedTenant *uint64
}

func (w *worker) sayHello() error {
	e, err := wire.Encode(workerproto.KindHello, workerproto.Hello{WorkerID: w.id})
	if err != nil {
		return err
	}
	return wire.WriteEnvelope(w.conn, e)
}

func (w *worker) send(kind string, v interface{}) error {
	e, err := wire.Encode(kind, v)
	if err != nil {
		return err
	}
	return wire.WriteEnvelope(w.conn, e)
}

// serve reads scheduler frames until the connection closes or a graceful
// Shutdown is received; every message type is handled with a stub response
// since the actual script sandbox is out of scope (spec.md §2).
func (w *worker) serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		w.conn.Close()
	}()

	for {
		e, err := wire.ReadEnvelope(w.conn)
		if err != nil {
			return err
		}

		msg, err := workerproto.DecodeSchedulerMessage(e)
		if err != nil {
			log.Printf("vmworker %d: %v", w.id, err)
			continue
		}

		switch m := msg.(type) {
		case workerproto.CreateScriptsVm:
			w.loadedTenant = &m.TenantID
			log.Printf("vmworker %d: loaded %d script(s) for tenant %d", w.id, len(m.Scripts), m.TenantID)
			if err := w.send(workerproto.KindScriptsInit, workerproto.ScriptsInit{
				Seq:  m.Seq,
				Meta: workerproto.ScriptMeta{},
			}); err != nil {
				return err
			}

		case workerproto.Dispatch:
			if err := w.send(workerproto.KindAck, workerproto.Ack{Seq: m.Seq}); err != nil {
				return err
			}

		case workerproto.Shutdown:
			_ = w.send(workerproto.KindWorkerDown, workerproto.WorkerDown{Reason: workerproto.ReasonOther})
			return nil
		}
	}
}

func defaultAddr() string {
	if runtime.GOOS == "windows" {
		return "127.0.0.1:7481"
	}
	return "/tmp/scriptforge-worker.sock"
}

// defaultWorkerID returns the id the scheduler's pool assigned through the
// WORKER_ID environment variable at spawn; the pool only accepts a Hello
// whose id matches a worker it spawned. Without a parseable WORKER_ID it
// falls back to an id seeded from the process clock, which the pool does
// not recognise.
func defaultWorkerID() uint64 {
	if v := os.Getenv("WORKER_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			return id
		}
	}
	return uint64(time.Now().UnixNano())
}
