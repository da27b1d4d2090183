// Package executor declares the collaborators the client state machine
// calls out to once an op is admitted: the thing that actually performs
// chunk I/O, and the chunk/record-append bookkeeping the admission
// controller and get_write_op consult. spec.md §4.2/§4.4 treat these as
// external; pkg/chunkserver supplies the concrete implementation.
package executor

import "github.com/sauravfouzdar/bucket/internal/proto"

// Sink receives an op's completion once Submit's async work finishes. A
// Submit implementation must eventually call exactly one of Done or
// Done-with-failure (via op.Fail before calling Done) for every op it
// accepts, matching spec.md §4.4's CMD_DONE contract.
type Sink interface {
	// Done reports op as finished; op.Status/op.Data are already set.
	// The caller may be running on any goroutine — Sink implementations
	// (internal/dispatcher's bridge) take care of getting back onto the
	// op's owning worker under the big lock.
	Done(op *proto.Op)
}

// Submitter is the executor side of an admitted op: given a submitted op
// and the sink to report completion to, it performs the op (disk read,
// disk write, record-append bookkeeping, forward to a remote-sync peer)
// and calls sink.Done exactly once.
type Submitter interface {
	Submit(op *proto.Op, sink Sink)
}

// ChunkManager answers the chunk-identity questions admission needs
// before it will accept an op for a given chunk.
type ChunkManager interface {
	// IsChunkReadable reports whether id currently has a complete, valid
	// local replica; a false return yields StatusAgain rather than a
	// hard failure, since the chunk may simply be mid-replication.
	IsChunkReadable(id proto.ChunkID) bool
	// MaxIORequestSize bounds a single op's payload, independent of the
	// buffer manager's quota (spec.md's "max_io_request_size").
	MaxIORequestSize() int64
}

// RecordAppendManager answers the atomic-record-append questions
// get_write_op needs to normalize a RECORD_APPEND's alignment and decide
// whether it must additionally be forwarded to replicas, plus the space
// release a failed or short append must perform.
type RecordAppendManager interface {
	// AlignmentAndForwardFlag returns the padding alignment a pending
	// append against id must round up to, and whether this chunk server
	// is the primary (and so must forward the op to replicas itself).
	AlignmentAndForwardFlag(id proto.ChunkID) (align int64, forward bool)
	// ChunkSpaceRelease gives back space reserved by txn against id that
	// an aborted or short append will not end up using.
	ChunkSpaceRelease(id proto.ChunkID, txn uint64, bytes int64)
}
