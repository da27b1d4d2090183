package csm

import (
	"github.com/sauravfouzdar/bucket/internal/proto"
	"github.com/sauravfouzdar/bucket/pkg/common"
)

// reservationKey identifies one outstanding SPACE_RESERVE grant by the
// chunk and transaction it was made against.
type reservationKey struct {
	ChunkID proto.ChunkID
	TxnID   common.TransactionID
}

// recordReservation tracks a just-completed SPACE_RESERVE so its bytes
// can be given back through chunk_space_release if this connection
// disconnects before the reservation is otherwise consumed or released,
// per spec.md §3's "reservations" CSM attribute.
func (c *ClientSM) recordReservation(op *proto.Op) {
	c.reservations[reservationKey{ChunkID: op.ChunkID, TxnID: op.TxnID}] += op.NumBytes
}

// releaseReservations gives back every reservation this connection still
// holds, exactly once per (chunk, transaction) entry, satisfying spec.md
// §8's reservation-release law on disconnect.
func (c *ClientSM) releaseReservations() {
	if c.raMgr == nil {
		c.reservations = nil
		return
	}
	for key, bytes := range c.reservations {
		c.raMgr.ChunkSpaceRelease(key.ChunkID, uint64(key.TxnID), bytes)
	}
	c.reservations = nil
}
