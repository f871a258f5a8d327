package guild

import (
	"io"

	"github.com/scriptforge/scriptforge/internal/pool"
	"github.com/scriptforge/scriptforge/internal/wire"
	"github.com/scriptforge/scriptforge/internal/workerproto"
)

// session is the scoped pairing of a handler with a single claimed worker
// (spec.md §4.7 "VM session"). It does not read the worker's connection
// itself — that reader is owned by internal/pool for the connection's
// entire lifetime, spawned once at Hello, so it survives every
// claim/return cycle instead of being re-spawned per claim. A session just
// relays already-decoded frames off worker.Messages into the handler's
// mailbox, tagged with the session itself so a handler can tell a message
// from its current session apart from one left over by a prior claim of
// the same worker.
type session struct {
	worker pool.Worker
	cmds   chan<- command
	done   chan struct{}
}

func startSession(w pool.Worker, cmds chan<- command) *session {
	s := &session{worker: w, cmds: cmds, done: make(chan struct{})}
	go s.relayLoop()
	return s
}

func (s *session) relayLoop() {
	for {
		select {
		case in, ok := <-s.worker.Messages:
			if !ok {
				s.postGone(io.ErrClosedPipe)
				return
			}
			if in.Err != nil {
				s.postGone(in.Err)
				return
			}
			select {
			case s.cmds <- cmdWorkerMessage{sess: s, workerID: s.worker.WorkerID, msg: in.Msg}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) postGone(err error) {
	select {
	case s.cmds <- cmdWorkerGone{sess: s, workerID: s.worker.WorkerID, err: err}:
	case <-s.done:
	}
}

// close stops this session's relay. It never touches the worker's
// connection or the reader goroutine that feeds worker.Messages: both
// outlive the claim and keep serving whichever session claims the worker
// next (or sit idle between claims).
func (s *session) close() {
	close(s.done)
}

// send writes one scheduler->worker frame (spec.md §4.7 direction).
func (s *session) send(kind string, v interface{}) error {
	e, err := workerproto.EncodeScheduler(kind, v)
	if err != nil {
		return err
	}
	return wire.WriteEnvelope(s.worker.Conn, e)
}
