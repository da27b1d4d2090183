// Package opqueue implements the per-connection op FIFO and write-sync
// dependency tracker of spec.md §4.3 (component C3). A Queue is only ever
// touched while the dispatcher's big lock is held, so it does no locking
// of its own.
package opqueue

import "github.com/sauravfouzdar/bucket/internal/proto"

// Entry pairs a submitted op with the byte count reserved for it, the
// (op, reserved_bytes) pair spec.md §3 describes.
type Entry struct {
	Op            *proto.Op
	ReservedBytes int64

	responded      bool
	deviceReleased bool
}

// Pending is a (predecessor, dependent) pair: a WRITE_SYNC that must not
// submit until its predecessor depending-type op completes.
type Pending struct {
	Predecessor   *proto.Op
	Dependent     *proto.Op
	ReservedBytes int64
}

// Hooks lets OnOpFinished drive the side effects (emit a wire response,
// return buffer credit, submit a newly-unblocked op) without opqueue
// needing to import bufmgr, csm or the executor.
type Hooks interface {
	// Respond emits op's FIFO response. Never called for a depending-type
	// op, which by definition never requested one.
	Respond(op *proto.Op)
	// ReleaseDeviceCredit returns reservedBytes of device-tier buffer
	// credit associated with op. Called as soon as op is done, even if
	// op is a depending-type op still blocked behind an earlier,
	// not-yet-done entry and so cannot respond or release its global
	// credit yet (spec.md §4.4's CMD_DONE rule).
	ReleaseDeviceCredit(op *proto.Op, reservedBytes int64)
	// ReleaseGlobalCredit returns reservedBytes of global-tier buffer
	// credit associated with op, once op is actually ready to retire
	// from the FIFO.
	ReleaseGlobalCredit(op *proto.Op, reservedBytes int64)
	// Submit hands a newly-unblocked dependent op to the executor.
	Submit(op *proto.Op)
}

// Queue is the FIFO of in-flight ops for one connection, plus its pending
// write-sync dependency lists.
type Queue struct {
	ops                []*Entry
	pendingOps         []*Pending
	pendingSubmitQueue []*Pending
}

// New returns an empty Queue.
func New() *Queue { return &Queue{} }

// Push appends a newly-admitted op to the tail of the FIFO.
func (q *Queue) Push(op *proto.Op, reservedBytes int64) {
	q.ops = append(q.ops, &Entry{Op: op, ReservedBytes: reservedBytes})
}

// Len returns the number of ops still tracked (submitted but not yet
// fully drained).
func (q *Queue) Len() int { return len(q.ops) }

// Entries exposes the live FIFO for invariant checks and tests; callers
// must not mutate the returned slice.
func (q *Queue) Entries() []*Entry { return q.ops }

// FindLastDependingType scans the FIFO for the most recently submitted
// depending-type op, used when parsing a WRITE_SYNC to find what it must
// wait on.
func (q *Queue) FindLastDependingType() *proto.Op {
	for i := len(q.ops) - 1; i >= 0; i-- {
		if q.ops[i].Op.IsDependingType() {
			return q.ops[i].Op
		}
	}
	return nil
}

// AddPending records that dependent must not submit until predecessor
// completes.
func (q *Queue) AddPending(predecessor, dependent *proto.Op, reservedBytes int64) {
	q.pendingOps = append(q.pendingOps, &Pending{
		Predecessor:   predecessor,
		Dependent:     dependent,
		ReservedBytes: reservedBytes,
	})
}

// OnOpFinished implements the drain of spec.md §4.3: pop completed head
// entries (responding and releasing credit, except for depending-type
// ops which never respond), let a completed non-depending op pass an
// earlier depending-type op that is still in flight, then move any
// pending write-syncs whose predecessor just finished into the submit
// queue and — unless this call is itself nested inside an outer drain —
// flush that submit queue.
func (q *Queue) OnOpFinished(done *proto.Op, hooks Hooks) {
	done.Done = true

	q.sweep(hooks)

	wasEmpty := len(q.pendingSubmitQueue) == 0
	var stillPending []*Pending
	for _, p := range q.pendingOps {
		if p.Predecessor == done {
			q.pendingSubmitQueue = append(q.pendingSubmitQueue, p)
			continue
		}
		stillPending = append(stillPending, p)
	}
	q.pendingOps = stillPending

	if !wasEmpty {
		// A submission triggered from an outer OnOpFinished call is
		// already draining the queue; adding to it here is enough.
		return
	}
	for len(q.pendingSubmitQueue) > 0 {
		p := q.pendingSubmitQueue[0]
		q.pendingSubmitQueue = q.pendingSubmitQueue[1:]
		// p.Dependent's entry already exists in q.ops — Push put it
		// there at admission time, before submitOrDefer decided to
		// defer it — so this must not push a second one; doing so
		// would strand the original, un-done and un-submitted, as a
		// permanent block at the front of the FIFO.
		hooks.Submit(p.Dependent)
	}
}

// sweep walks the FIFO from the head, responding to and releasing credit
// for completed entries, then trims the contiguous completed-and-responded
// prefix. A completed non-depending entry may respond even while an
// earlier depending-type entry (which never itself responds) is still in
// flight; an earlier non-depending, not-yet-done entry blocks everything
// after it, preserving FIFO order for ordinary ops.
//
// Blocking stops further entries from responding or trimming, but it does
// not stop the scan: a depending-type entry that is already done but sits
// behind the blocking entry still gets its device-tier credit released
// immediately, retaining only its global credit until FIFO order lets it
// actually retire (spec.md §4.4's CMD_DONE rule, grounded on the
// original's PutAndResetDevBufferManager split).
func (q *Queue) sweep(hooks Hooks) {
	blocked := false
	for _, e := range q.ops {
		if blocked {
			if e.Op.Done && e.Op.IsDependingType() && !e.deviceReleased {
				hooks.ReleaseDeviceCredit(e.Op, e.ReservedBytes)
				e.deviceReleased = true
			}
			continue
		}
		if !e.Op.Done {
			if e.Op.IsDependingType() {
				continue
			}
			blocked = true
			continue
		}
		if e.responded {
			continue
		}
		if !e.Op.IsDependingType() {
			hooks.Respond(e.Op)
		}
		e.responded = true
		if !e.deviceReleased {
			hooks.ReleaseDeviceCredit(e.Op, e.ReservedBytes)
			e.deviceReleased = true
		}
		hooks.ReleaseGlobalCredit(e.Op, e.ReservedBytes)
	}

	trim := 0
	for trim < len(q.ops) && q.ops[trim].Op.Done && q.ops[trim].responded {
		trim++
	}
	if trim > 0 {
		q.ops = q.ops[trim:]
	}
}
