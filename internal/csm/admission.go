package csm

import (
	"errors"
	"time"

	"github.com/sauravfouzdar/bucket/internal/bufmgr"
	"github.com/sauravfouzdar/bucket/internal/proto"
	"github.com/sauravfouzdar/bucket/pkg/common"
)

var _ bufmgr.Owner = (*ClientSM)(nil)

// admit runs the admission controller of spec.md §4.2 (component C2)
// against op: a bad-size close, the GetRecordAppendStatus free pass, an
// over-quota hard-close check, then a device-then-global buffer
// reservation, with a wait-or-fail decision based on each manager's
// recent grant latency when op carries a max_wait budget.
//
// For a write-payload op (WRITE_PREPARE/WRITE_PREPARE_FWD/RECORD_APPEND)
// this reserves buffer credit against the header-declared size before a
// single byte of the payload has been read off the wire; the caller
// (handleClientCmd) has not yet allocated op.Data or widened the
// connection's read-ahead, so nothing in this op's payload can grow the
// server's memory until the reservation below is actually granted.
func (c *ClientSM) admit(op *proto.Op) {
	if c.rejectBadSize(op) {
		return
	}

	if op.Type == proto.TypeGetRecordAppendStatus && c.isIdle() {
		// The free pass of spec.md §4.4: a status poll on an otherwise
		// idle connection costs nothing to admit, so it skips the
		// buffer manager entirely rather than reserving a meaningless
		// zero-byte grant.
		c.queue.Push(op, 0)
		c.submitOrDefer(op, 0)
		return
	}

	if c.cfg.CloseWriteOnPendingOverQuota && op.Type.IsWrite() && c.isOverQuota(op.NumBytes) {
		c.abort(errors.New("csm: closing connection, buffer manager over quota"))
		return
	}

	if op.Type == proto.TypeRead && c.chunkMgr != nil && !c.chunkMgr.IsChunkReadable(op.ChunkID) {
		op.Fail(common.StatusAgain, "")
		c.finishAdmissionFailure(op)
		return
	}

	if c.wouldExceedMaxWait(op) {
		c.rejectWithMaxWaitBusy(op)
		return
	}

	p := &pendingAdmission{op: op, queuedAt: time.Now()}
	c.pending = p
	c.tryReserveDevice(p)
}

// rejectBadSize closes the connection and bumps the bad-request counter
// when op's declared size is negative or exceeds
// min(max_client_quota, max_io_request_size) — spec.md §4.2 point 1 and
// §7's "bad size fields ... close connection; increment bad_request
// counters." Unlike every other admission check, a bogus num_bytes is
// not just a request this server declines to run: per the original's
// GetWriteOp, it means nothing else this connection claims about
// framing can be trusted either, so the whole connection goes rather
// than just the one op. Runs before anything else in admit, and admit
// runs before a write-payload op's payload collection starts, so a bad
// size is caught before a single payload byte is read off the wire.
func (c *ClientSM) rejectBadSize(op *proto.Op) bool {
	ok := op.NumBytes >= 0
	if ok && c.cfg.MaxClientQuota > 0 && op.NumBytes > c.cfg.MaxClientQuota {
		ok = false
	}
	if ok && c.chunkMgr != nil && op.NumBytes > c.chunkMgr.MaxIORequestSize() {
		ok = false
	}
	if ok {
		return false
	}
	c.metrics.BadRequests.Inc()
	c.abort(errors.New("csm: request num_bytes out of range"))
	return true
}

// isIdle reports whether this connection has nothing else outstanding:
// no op in flight or awaiting a grant, an empty FIFO, no buffer credit
// reserved, and no unconsumed bytes sitting in either socket buffer.
// This is exactly the condition spec.md §4.4 grants
// GET_RECORD_APPEND_STATUS a free pass against.
func (c *ClientSM) isIdle() bool {
	return c.curOp == nil && c.pending == nil && c.queue.Len() == 0 &&
		c.globalClient.ByteCount() == 0 &&
		c.Conn.InBuffer().Len() == 0 && c.Conn.OutBuffer().Len() == 0
}

// isOverQuota reports whether either buffer manager this connection can
// reserve against is already over quota, used by the
// close_write_on_pending_over_quota hard-close policy.
func (c *ClientSM) isOverQuota(bytes int64) bool {
	if dc := c.devClient(); dc != nil && dc.IsOverQuota(bytes) {
		return true
	}
	return c.globalClient.IsOverQuota(bytes)
}

// wouldExceedMaxWait projects the expected grant wait, using each buffer
// manager's decaying average, against op.MaxWaitMillis and rejects
// up front rather than parking an op that is only going to time out
// anyway (spec.md's "wait-or-fail" rule).
func (c *ClientSM) wouldExceedMaxWait(op *proto.Op) bool {
	if !c.cfg.EnforceMaxWait || op.MaxWaitMillis <= 0 {
		return false
	}
	var projected int64
	if dc := c.devClient(); dc != nil {
		projected += dc.GetWaitingAvgUsecs()
	}
	projected += c.globalClient.GetWaitingAvgUsecs()
	return projected/1000 > op.MaxWaitMillis
}

// rejectWithMaxWaitBusy fails op under the wait-or-fail rule with
// ESERVERBUSY. A write-payload op's bytes are still incoming off the
// wire at this point (admission now runs before payload collection), so
// they must be drained rather than left to desynchronize the next
// header — unless there are more of them than max_req_size_discard
// tolerates silently draining, in which case the connection is closed
// instead (spec.md §4.2 point 4, Testable Scenario 3).
func (c *ClientSM) rejectWithMaxWaitBusy(op *proto.Op) {
	op.Fail(common.StatusServerBusy, "exceeds max wait")
	c.finishAdmissionFailure(op)
	if !op.Type.IsWritePayload() {
		return
	}
	if op.NumBytes > int64(c.cfg.MaxReqSizeDiscard) {
		c.abort(errors.New("csm: write payload too large to discard after max-wait reject"))
		return
	}
	c.discardByteCnt = op.NumBytes
}

func (c *ClientSM) tryReserveDevice(p *pendingAdmission) {
	dc := c.devClient()
	if dc == nil {
		c.tryReserveGlobal(p)
		return
	}
	p.needDevice = true
	p.deviceBytes = p.op.NumBytes
	if dc.GetForDiskIO(p.deviceBytes) {
		p.gotDevice = true
		c.tryReserveGlobal(p)
		return
	}
	// Parked: Granted(bytes, true) will resume with tryReserveGlobal.
}

func (c *ClientSM) tryReserveGlobal(p *pendingAdmission) {
	p.needGlobal = true
	p.globalBytes = p.op.NumBytes
	if c.globalClient.GetForDiskIO(p.globalBytes) {
		p.gotGlobal = true
		c.finishAdmission(p)
		return
	}
	// Parked: Granted(bytes, false) will resume with finishAdmission.
}

// Granted implements bufmgr.Owner. It runs under the buffer manager's
// lock, which the caller holds while also holding the dispatcher's big
// lock (internal/bufmgr.Manager.Put's contract), so mutating c's state
// here is safe even though the call may originate from a different
// connection's worker goroutine releasing credit.
func (c *ClientSM) Granted(bytes int64, isDevice bool) {
	p := c.pending
	if p == nil {
		return
	}
	if isDevice {
		p.gotDevice = true
		c.tryReserveGlobal(p)
		return
	}
	p.gotGlobal = true
	c.finishAdmission(p)
}

// finishAdmission runs once a pending admission has cleared both buffer
// managers. A write-payload op has not yet had a single byte of its
// payload read off the wire — that starts now, against the reservation
// just granted; every other op type goes straight to execution.
func (c *ClientSM) finishAdmission(p *pendingAdmission) {
	c.pending = nil
	reserved := p.deviceBytes
	if p.globalBytes > reserved {
		reserved = p.globalBytes
	}
	c.queue.Push(p.op, reserved)

	if p.op.Type.IsWritePayload() {
		c.beginPayloadCollection(p.op, reserved)
		return
	}
	c.submitOrDefer(p.op, reserved)
}

// submitOrDefer enqueues op for execution unless it is a WRITE_SYNC that
// must wait on an outstanding depending-type predecessor, per spec.md
// §4.3's write-sync ordering rule.
func (c *ClientSM) submitOrDefer(op *proto.Op, reserved int64) {
	if op.Type == proto.TypeWriteSync {
		if pred := c.queue.FindLastDependingType(); pred != nil && pred != op && !pred.Done {
			c.queue.AddPending(pred, op, reserved)
			return
		}
	}
	c.Submit(op)
}

// Submit implements opqueue.Hooks; it is also called directly for
// newly-admitted ops. Once the connection has been aborted this
// synthesizes an immediate failure instead of handing a dead
// connection's op to the executor: the only way Submit can still be
// called after abort is a write-sync dependent whose predecessor's real
// CMD_DONE arrived during the terminator state of spec.md §4.4.1 — the
// predecessor itself, already running at the executor before abort, is
// left alone to finish on its own and is never routed back through
// here.
func (c *ClientSM) Submit(op *proto.Op) {
	if c.closed {
		op.Fail(common.StatusHostUnreachable, "")
		c.queue.OnOpFinished(op, c)
		return
	}
	c.submitter.Submit(op, c.sink)
}

// Respond implements opqueue.Hooks: it serializes op's wire response into
// the connection's output buffer.
func (c *ClientSM) Respond(op *proto.Op) {
	if err := op.Response(c.Conn.OutBuffer()); err != nil {
		c.abort(err)
	}
}

// ReleaseDeviceCredit implements opqueue.Hooks: it returns reservedBytes
// of device-tier buffer credit for op. sweep calls this as soon as a
// done depending-type op is known to be stuck behind an earlier,
// still-pending entry, so its device credit is not held hostage to FIFO
// response order the way its global credit and response are (spec.md
// §4.4's CMD_DONE rule, grounded on the original's
// PutAndResetDevBufferManager).
func (c *ClientSM) ReleaseDeviceCredit(op *proto.Op, reservedBytes int64) {
	if reservedBytes == 0 {
		return
	}
	if dc := c.devClient(); dc != nil {
		dc.Put(reservedBytes)
	}
}

// ReleaseGlobalCredit implements opqueue.Hooks: it returns reservedBytes
// of global-tier buffer credit for op, once it is actually ready to
// retire from the FIFO (device credit for the same op may already have
// been released early by ReleaseDeviceCredit).
func (c *ClientSM) ReleaseGlobalCredit(op *proto.Op, reservedBytes int64) {
	if reservedBytes == 0 {
		return
	}
	c.globalClient.Put(reservedBytes)
}

func (c *ClientSM) releasePending(p *pendingAdmission) {
	if p.gotDevice {
		if dc := c.devClient(); dc != nil {
			dc.Put(p.deviceBytes)
		}
	} else if p.needDevice {
		if dc := c.devClient(); dc != nil {
			dc.CancelRequest()
		}
	}
	if p.gotGlobal {
		c.globalClient.Put(p.globalBytes)
	} else if p.needGlobal {
		c.globalClient.CancelRequest()
	}
}

// finishAdmissionFailure responds to an op admission rejected before any
// reservation was made.
func (c *ClientSM) finishAdmissionFailure(op *proto.Op) {
	c.curOp = nil
	c.queue.Push(op, 0)
	c.queue.OnOpFinished(op, c)
}
