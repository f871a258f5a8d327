package pool

import (
	"context"
	"log"
	"net"
	"runtime"

	"github.com/scriptforge/scriptforge/internal/wire"
	"github.com/scriptforge/scriptforge/internal/workerproto"
)

// Listen accepts worker callback connections on path: a unix socket on
// unix platforms, TCP elsewhere (spec.md §6, grounded on
// worker_listener.rs's target_family split). The first frame on each
// connection must be Hello; anything else is a protocol error and the
// connection is dropped.
func Listen(ctx context.Context, path string, pool *Pool) error {
	network := "unix"
	if runtime.GOOS == "windows" {
		network = "tcp"
	}

	ln, err := net.Listen(network, path)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("Pool: accept error: %v", err)
			continue
		}
		go handleConn(conn, pool)
	}
}

func handleConn(conn net.Conn, pool *Pool) {
	e, err := wire.ReadEnvelope(conn)
	if err != nil {
		log.Printf("Pool: worker connection dropped before Hello: %v", err)
		conn.Close()
		return
	}

	msg, err := workerproto.DecodeWorkerMessage(e)
	if err != nil {
		log.Printf("Pool: protocol error on connect: %v", err)
		conn.Close()
		return
	}

	hello, ok := msg.(workerproto.Hello)
	if !ok {
		log.Printf("Pool: first message from worker was %q, expected hello", e.Kind)
		conn.Close()
		return
	}

	if !pool.CompleteHello(hello.WorkerID, conn) {
		log.Printf("Pool: worker %d connected after its pending entry expired", hello.WorkerID)
		conn.Close()
	}
}
