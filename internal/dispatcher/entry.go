package dispatcher

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/bucket/internal/csm"
	"github.com/sauravfouzdar/bucket/internal/proto"
	"github.com/sauravfouzdar/bucket/internal/remotesync"
)

// eventMsg is one queued (event, op) pair awaiting delivery to a CSM.
type eventMsg struct {
	ev csm.Event
	op *proto.Op
}

// ClientEntry binds one ClientSM to the WorkerThread that owns it and is
// the hand-off unit spec.md §4.5 describes: every event, regardless of
// which goroutine observed it, is posted here and delivered by the
// owning worker under the dispatcher's big lock. Go gives goroutines no
// stable identity to compare against a "current thread" the way the
// original's thread-local variable did, so — unlike the original — every
// event takes the queue-and-wake path; there is no same-thread inline
// fast case to detect.
type ClientEntry struct {
	runNode node[*ClientEntry]

	owner *WorkerThread
	CSM   *csm.ClientSM

	mu    sync.Mutex
	inbox []eventMsg
}

func newClientEntry(owner *WorkerThread, c *csm.ClientSM) *ClientEntry {
	e := &ClientEntry{owner: owner, CSM: c}
	e.runNode.v = e
	return e
}

// post appends (ev, op) to this entry's inbox and schedules its owning
// worker to drain it.
func (e *ClientEntry) post(ev csm.Event, op *proto.Op) {
	e.mu.Lock()
	e.inbox = append(e.inbox, eventMsg{ev, op})
	e.mu.Unlock()
	e.owner.schedule(e)
}

// drain detaches and returns the accumulated inbox.
func (e *ClientEntry) drain() []eventMsg {
	e.mu.Lock()
	msgs := e.inbox
	e.inbox = nil
	e.mu.Unlock()
	return msgs
}

// Done implements executor.Sink: the executor calls this, from whatever
// goroutine finished the op, to report completion.
func (e *ClientEntry) Done(op *proto.Op) { e.post(csm.EventCmdDone, op) }

// RemoteSync returns the cached remote-sync entry for peer on this
// connection's CSM, creating one through fwd if none exists yet. The
// returned *remotesync.Entry's completion callback always crosses back
// through this worker's sync_queue before touching the CSM, so a
// Forwarder that reports completion from an arbitrary goroutine can
// never call into HandleEvent without the dispatcher's big lock held —
// the bug spec.md §4.5/§5's single-mutex contract forbids.
func (e *ClientEntry) RemoteSync(peer string, fwd remotesync.Forwarder, log zerolog.Logger) *remotesync.Entry {
	if existing, ok := e.CSM.RemoteSyncer(peer).(*remotesync.Entry); ok && existing != nil {
		return existing
	}
	rs := remotesync.New(peer, fwd, log, func(op *proto.Op) {
		e.owner.postSync(func() {
			e.CSM.HandleEvent(csm.EventCmdDone, op)
			if e.CSM.Closed() {
				e.owner.d.onClosed(e)
				return
			}
			e.owner.rearmTimeout(e)
		})
	})
	e.CSM.RegisterRemoteSyncer(peer, rs)
	return rs
}
