// Package proto is the chunk server's RPC codec: parsing incoming request
// headers, framing payload bytes, and serializing responses. spec.md
// treats this as an opaque external collaborator ("ParseCommand, per-op
// Response/Show"); this package is the concrete implementation the rest of
// the module is written against.
package proto

import (
	"time"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

// Type is an RPC opcode.
type Type int

const (
	TypeRead Type = iota
	TypeWritePrepare
	TypeWritePrepareFwd
	TypeWrite
	TypeWriteSync
	TypeRecordAppend
	TypeGetRecordAppendStatus
	TypeSizeInquiry
	TypeSpaceReserve
	TypePing
)

func (t Type) String() string {
	switch t {
	case TypeRead:
		return "READ"
	case TypeWritePrepare:
		return "WRITE_PREPARE"
	case TypeWritePrepareFwd:
		return "WRITE_PREPARE_FWD"
	case TypeWrite:
		return "WRITE"
	case TypeWriteSync:
		return "WRITE_SYNC"
	case TypeRecordAppend:
		return "RECORD_APPEND"
	case TypeGetRecordAppendStatus:
		return "GET_RECORD_APPEND_STATUS"
	case TypeSizeInquiry:
		return "SIZE_INQUIRY"
	case TypeSpaceReserve:
		return "SPACE_RESERVE"
	case TypePing:
		return "PING"
	default:
		return "UNKNOWN"
	}
}

// IsChunkRead reports whether t reads chunk bytes back to the client
// (spec.md §4.4 "chunk read ops").
func (t Type) IsChunkRead() bool { return t == TypeRead }

// IsWritePayload reports whether t carries num_bytes of write/append
// payload that is collected from the wire once admission has reserved
// buffer credit for it (spec.md §4.4 "WRITE_PREPARE / RECORD_APPEND").
func (t Type) IsWritePayload() bool {
	return t == TypeWritePrepare || t == TypeWritePrepareFwd || t == TypeRecordAppend
}

// IsWrite reports whether t mutates chunk bytes, used by the
// close_write_on_pending_over_quota hard-close policy to decide which
// ops are subject to it.
func (t Type) IsWrite() bool {
	switch t {
	case TypeWritePrepare, TypeWritePrepareFwd, TypeWrite, TypeWriteSync, TypeRecordAppend:
		return true
	default:
		return false
	}
}

// Op is a single in-flight RPC: opcode, identity, status and the fields
// the client state machine consults per spec.md §3.
type Op struct {
	Type Type
	Seq  uint64

	ChunkID ChunkID
	TxnID   common.TransactionID
	Offset  uint64

	// NumBytes is the payload size named by the header; Align is the
	// write-alignment hint get_write_op normalizes against.
	NumBytes int64
	Align    int64

	MaxWaitMillis int64
	// ReplyRequestedFlag distinguishes WRITE_PREPARE/WRITE_PREPARE_FWD
	// variants that do, or do not, ask for a reply — only the
	// no-reply variants are "depending types" per the GLOSSARY.
	ReplyRequestedFlag bool
	ForwardFlag        bool

	Status    common.Status
	StatusMsg string
	StartTime time.Time
	Done      bool

	// Data holds the payload collected from the wire (writes, appends)
	// or produced by the executor (read results).
	Data []byte

	// Clnt is the CSM back-pointer (spec.md §3's op.clnt); it is opaque
	// here to avoid a package cycle with internal/csm, which casts it
	// back on the rare occasions it needs it (logging, assertions).
	Clnt interface{}
	// ClientSMFlag mirrors op.client_sm_flag: true once the CSM has
	// taken ownership of this op.
	ClientSMFlag bool
}

// ChunkID is the chunk this op targets.
type ChunkID = common.ChunkID

// IsDependingType reports whether an op of this type, once submitted,
// must be waited on by a subsequent WRITE_SYNC before that WRITE_SYNC may
// itself submit (the GLOSSARY's "depending-type op").
func (o *Op) IsDependingType() bool {
	switch o.Type {
	case TypeWritePrepare, TypeWritePrepareFwd:
		return !o.ReplyRequestedFlag
	case TypeWrite:
		return true
	default:
		return false
	}
}

// Show renders a short human-readable summary of the op, used in trace
// logging and in error paths that need to name the offending request.
func (o *Op) Show() string {
	return o.Type.String()
}

// Fail sets status/message on an op that admission or validation has
// rejected, marking it done so it can flow straight to the FIFO response
// path.
func (o *Op) Fail(status common.Status, msg string) {
	o.Status = status
	if msg == "" {
		msg = common.StatusMessage(status)
	}
	o.StatusMsg = msg
	o.Done = true
}
