// Package remotesync implements the Remote-Sync List Entry of spec.md
// §4.6 (component C6): the per-peer queue a WRITE_PREPARE_FWD forwards
// through to a replica chunk server, plus the shared-ownership keep-alive
// that lets a peer finish cleanly even if the owning CSM has already
// moved on.
package remotesync

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/bucket/internal/proto"
	"github.com/sauravfouzdar/bucket/pkg/common"
)

// Forwarder sends op to the remote peer and reports completion through
// report, mirroring the local executor.Submitter/Sink split so a
// concrete RPC client can sit behind it.
type Forwarder interface {
	Forward(op *proto.Op, report func(*proto.Op))
}

// Entry is one CSM's queue of ops forwarded to one remote peer. The
// report closures that Enqueue hands to the Forwarder keep the Entry
// reachable until every forwarded op still in flight has reported back,
// even if the CSM that created this Entry has already been torn down;
// Finish itself only marks the Entry as draining.
type Entry struct {
	peer string
	fwd  Forwarder
	log  zerolog.Logger

	mu        sync.Mutex
	inFlight  int
	finishing bool
	failed    bool

	onDone func(op *proto.Op)
}

// New returns an Entry that forwards to peer via fwd. onDone is called
// (by whatever goroutine the Forwarder reports completion on) once per
// enqueued op, exactly like executor.Sink.Done.
func New(peer string, fwd Forwarder, log zerolog.Logger, onDone func(*proto.Op)) *Entry {
	return &Entry{peer: peer, fwd: fwd, log: log.With().Str("peer", peer).Logger(), onDone: onDone}
}

// Enqueue forwards op to the peer. Once a prior call to Finish has
// started draining this Entry, Enqueue instead fails op immediately with
// StatusHostUnreachable — the peer is going away and must not be handed
// more work.
func (e *Entry) Enqueue(op *proto.Op) {
	e.mu.Lock()
	if e.finishing || e.failed {
		e.mu.Unlock()
		op.Fail(common.StatusHostUnreachable, "")
		e.onDone(op)
		return
	}
	e.inFlight++
	e.mu.Unlock()

	e.fwd.Forward(op, func(done *proto.Op) {
		e.complete(done)
	})
}

func (e *Entry) complete(op *proto.Op) {
	e.mu.Lock()
	e.inFlight--
	drained := e.finishing && e.inFlight == 0
	e.mu.Unlock()

	e.onDone(op)

	if drained {
		e.log.Debug().Msg("remotesync: entry drained after finish")
	}
}

// Fail marks every future Enqueue as an immediate EHOSTUNREACH failure,
// used once the peer connection itself has errored out; ops already in
// flight still report back normally through complete.
func (e *Entry) Fail() {
	e.mu.Lock()
	e.failed = true
	e.mu.Unlock()
}

// Finish begins graceful teardown: no further Enqueue calls are
// accepted, and Finish itself returns immediately regardless of whether
// ops are still in flight — those finish asynchronously through
// complete, which is what keeps e alive (via the closure captured in
// Enqueue's call to fwd.Forward) for as long as they're outstanding.
func (e *Entry) Finish() {
	e.mu.Lock()
	e.finishing = true
	inFlight := e.inFlight
	e.mu.Unlock()
	if inFlight == 0 {
		e.log.Debug().Msg("remotesync: entry finished with nothing in flight")
	}
}

// InFlight reports the number of ops this Entry is still waiting on a
// peer response for, used by tests and diagnostics.
func (e *Entry) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}
