package csm

import (
	"errors"

	"github.com/sauravfouzdar/bucket/internal/proto"
	"github.com/sauravfouzdar/bucket/pkg/common"
)

// Event is one of the five things the dispatcher can deliver to a
// ClientSM, per spec.md §4.4.
type Event int

const (
	EventNetRead Event = iota
	EventNetWrote
	EventCmdDone
	EventInactivityTimeout
	EventNetError
)

func (e Event) String() string {
	switch e {
	case EventNetRead:
		return "NET_READ"
	case EventNetWrote:
		return "NET_WROTE"
	case EventCmdDone:
		return "CMD_DONE"
	case EventInactivityTimeout:
		return "INACTIVITY_TIMEOUT"
	case EventNetError:
		return "NET_ERROR"
	default:
		return "UNKNOWN"
	}
}

// HandleEvent is the CSM's single entry point. The dispatcher guarantees
// it is only ever called for one connection from one goroutine at a
// time, with the big lock held.
func (c *ClientSM) HandleEvent(ev Event, op *proto.Op) {
	// Once closed, spec.md §4.4.1's terminator state still needs real
	// CMD_DONE callbacks for whatever this connection already handed to
	// the executor before it was torn down — everything else (a new
	// NET_READ, a repeated NET_ERROR, a timer this connection no longer
	// has armed) is dropped.
	if c.closed && ev != EventNetError && ev != EventCmdDone {
		return
	}
	c.enter()
	defer c.leave()

	switch ev {
	case EventNetRead:
		c.onNetRead()
	case EventNetWrote:
		// Nothing to do beyond the flush leave() already performed;
		// kept as a distinct event so the dispatcher's bridge has a
		// symmetric name for "the socket write completed."
	case EventCmdDone:
		c.onCmdDone(op)
	case EventInactivityTimeout:
		c.onInactivityTimeout()
	case EventNetError:
		c.abort(errors.New("net error"))
	}
}

// onNetRead pulls whatever is newly available off the socket and drives
// it as far as it will go: discarding leftover bytes from a previously
// failed payload, finishing a payload op's collection, or parsing a new
// command header.
func (c *ClientSM) onNetRead() {
	for {
		if c.discardByteCnt > 0 {
			if !c.discard() {
				return
			}
			continue
		}
		if c.curOp != nil {
			if !c.collectPayload() {
				return
			}
			continue
		}
		if c.pending != nil {
			// Still waiting on a buffer grant for the previous op;
			// don't start parsing a new header until it resolves.
			return
		}
		if !c.parseNext() {
			return
		}
	}
}

// discard consumes up to discardByteCnt bytes already sitting in the
// input buffer, reporting whether it made progress. It exists so a
// payload that was rejected mid-collection (e.g. StatusServerBusy
// discovered after the header but before all bytes arrived) doesn't
// desynchronize framing for the next command.
func (c *ClientSM) discard() bool {
	buf := c.Conn.InBuffer()
	n := int64(buf.Len())
	if n == 0 {
		return false
	}
	if n > c.discardByteCnt {
		n = c.discardByteCnt
	}
	buf.Next(int(n))
	c.discardByteCnt -= n
	return true
}

// parseNext looks for a complete header in the input buffer and, if
// found, runs it through handle_client_cmd.
func (c *ClientSM) parseNext() bool {
	buf := c.Conn.InBuffer()
	avail, cmdLen := proto.IsMsgAvail(buf.Bytes())
	if !avail {
		if buf.Len() > proto.MaxRPCHeaderLen {
			c.metrics.BadRequests.Inc()
			c.abort(errors.New("csm: request header too long"))
		}
		return false
	}
	raw := make([]byte, cmdLen)
	copy(raw, buf.Bytes()[:cmdLen])
	buf.Next(cmdLen)

	op, err := proto.ParseCommand(raw, cmdLen)
	if err != nil {
		c.metrics.BadRequests.Inc()
		c.abort(err)
		return false
	}
	op.Clnt = c
	op.ClientSMFlag = true
	c.handleClientCmd(op)
	return true
}

// handleClientCmd is get_write_op plus admission dispatch. Per spec.md
// §4.2/§4.4, admission (the buffer-quota reservation) must run before a
// single byte of a write/append payload is pulled off the wire into
// memory — that reservation is the entire memory bound the admission
// controller exists to enforce. A write-payload op is therefore admitted
// against its header-declared size immediately; only once admit grants
// (or parks and later grants) the reservation does beginPayloadCollection
// start trickling bytes in against it.
func (c *ClientSM) handleClientCmd(op *proto.Op) {
	if !op.Type.IsWritePayload() {
		c.admit(op)
		return
	}

	if c.raMgr != nil && op.Type == proto.TypeRecordAppend {
		align, forward := c.raMgr.AlignmentAndForwardFlag(op.ChunkID)
		op.Align = align
		op.ForwardFlag = forward
	}
	if op.Align > 0 {
		if rem := op.NumBytes % op.Align; rem != 0 {
			op.NumBytes += op.Align - rem
		}
	}

	// admit's rejectBadSize check closes the connection outright on a
	// bad num_bytes (spec.md §4.2 point 1), so there is nothing left to
	// frame-align by discarding bytes the way a recoverable admission
	// failure would.
	c.admit(op)
}

// beginPayloadCollection starts trickling op's payload in off the wire
// now that admit has reserved reservedBytes of buffer credit for all of
// it; collectPayload moves bytes from the connection's input buffer into
// op.Data as further NET_READ events keep arriving.
func (c *ClientSM) beginPayloadCollection(op *proto.Op, reservedBytes int64) {
	op.Data = make([]byte, 0, op.NumBytes)
	c.curOp = op
	c.curReserved = reservedBytes
	c.Conn.SetReadAhead(int(op.NumBytes))
	c.collectPayload()
}

// collectPayload appends whatever payload bytes are newly available in
// the input buffer to c.curOp, submitting it for execution once complete
// (admission already ran in admit before beginPayloadCollection was
// called, so this does not re-admit).
func (c *ClientSM) collectPayload() bool {
	op := c.curOp
	need := op.NumBytes - int64(len(op.Data))
	buf := c.Conn.InBuffer()
	if buf.Len() == 0 {
		return false
	}
	n := int64(buf.Len())
	if n > need {
		n = need
	}
	op.Data = append(op.Data, buf.Next(int(n))...)
	if int64(len(op.Data)) < op.NumBytes {
		return buf.Len() > 0
	}

	reserved := c.curReserved
	c.curOp = nil
	c.curReserved = 0
	c.Conn.SetReadAhead(proto.MaxRPCHeaderLen)
	c.submitOrDefer(op, reserved)
	return true
}

// onCmdDone runs when an admitted op finishes executing, draining the
// op FIFO's dependency tracker and writing any now-ready responses.
func (c *ClientSM) onCmdDone(op *proto.Op) {
	if op == nil {
		return
	}
	if op.Type == proto.TypeSpaceReserve && op.Status == common.StatusOK {
		c.recordReservation(op)
	}
	c.queue.OnOpFinished(op, c)
	if c.closed {
		c.logIfTerminatorDrained()
	}
}

// onInactivityTimeout closes the connection: if an op was in flight this
// is an I/O timeout (the client, or this server, is too slow); if the
// connection was idle it is a plain idle disconnect. Either way there is
// nothing left to do but tear down.
func (c *ClientSM) onInactivityTimeout() {
	if c.queue.Len() > 0 || c.curOp != nil || c.pending != nil {
		c.abort(errors.New("csm: io timeout"))
		return
	}
	c.abort(errors.New("csm: idle timeout"))
}
