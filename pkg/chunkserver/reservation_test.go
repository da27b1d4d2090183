package chunkserver

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sauravfouzdar/bucket/internal/config"
	"github.com/sauravfouzdar/bucket/internal/proto"
	"github.com/sauravfouzdar/bucket/pkg/common"
)

func newTestChunkServer(t *testing.T) *ChunkServer {
	t.Helper()
	cs, err := NewChunkServer(common.ServerID("cs-1"), common.ChunkServerConfig{
		StorageRoot: t.TempDir(),
	}, &config.ClientSM{}, zerolog.Nop(), nil)
	require.NoError(t, err)
	return cs
}

func TestDoSpaceReserveTracksGrantedBytes(t *testing.T) {
	cs := newTestChunkServer(t)

	op := &proto.Op{Type: proto.TypeSpaceReserve, ChunkID: 1, TxnID: 9, NumBytes: 4096}
	cs.doSpaceReserve(op)

	require.Equal(t, common.StatusOK, op.Status)
	key := spaceReservationKey{ChunkID: 1, TxnID: 9}
	cs.reservedMu.Lock()
	got := cs.reserved[key]
	cs.reservedMu.Unlock()
	assert.EqualValues(t, 4096, got)
}

func TestChunkSpaceReleaseGivesBackTrackedReservation(t *testing.T) {
	cs := newTestChunkServer(t)

	op := &proto.Op{Type: proto.TypeSpaceReserve, ChunkID: 1, TxnID: 9, NumBytes: 4096}
	cs.doSpaceReserve(op)

	cs.ChunkSpaceRelease(1, 9, 4096)

	key := spaceReservationKey{ChunkID: 1, TxnID: 9}
	cs.reservedMu.Lock()
	_, stillTracked := cs.reserved[key]
	cs.reservedMu.Unlock()
	assert.False(t, stillTracked, "releasing the full reserved amount must drop the entry")
}

func TestChunkSpaceReleasePartialLeavesRemainder(t *testing.T) {
	cs := newTestChunkServer(t)

	op := &proto.Op{Type: proto.TypeSpaceReserve, ChunkID: 2, TxnID: 5, NumBytes: 4096}
	cs.doSpaceReserve(op)

	cs.ChunkSpaceRelease(2, 5, 1000)

	key := spaceReservationKey{ChunkID: 2, TxnID: 5}
	cs.reservedMu.Lock()
	remaining := cs.reserved[key]
	cs.reservedMu.Unlock()
	assert.EqualValues(t, 3096, remaining)
}
