package chunkserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

func TestStorageManagerCreateWriteReadChunk(t *testing.T) {
	sm, err := NewStorageManager(t.TempDir())
	require.NoError(t, err)

	id := common.ChunkID(1)
	require.NoError(t, sm.CreateChunk(id))
	require.NoError(t, sm.WriteChunk(id, 0, []byte("hello world")))

	buf := make([]byte, 5)
	n, err := sm.ReadChunk(id, 6, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
}

func TestStorageManagerUpdateAndReadMetadata(t *testing.T) {
	sm, err := NewStorageManager(t.TempDir())
	require.NoError(t, err)

	id := common.ChunkID(2)
	require.NoError(t, sm.CreateChunk(id))
	require.NoError(t, sm.UpdateMetadata(id, 3, 4096))

	version, size, checksum, err := sm.ReadMetadata(id)
	require.NoError(t, err)
	assert.EqualValues(t, 3, version)
	assert.EqualValues(t, 4096, size)
	assert.NotZero(t, checksum)
}

func TestStorageManagerLoadChunksFindsCreatedChunks(t *testing.T) {
	sm, err := NewStorageManager(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, sm.CreateChunk(common.ChunkID(10)))
	require.NoError(t, sm.CreateChunk(common.ChunkID(20)))

	ids, err := sm.LoadChunks()
	require.NoError(t, err)
	assert.ElementsMatch(t, []common.ChunkID{10, 20}, ids)
}

func TestStorageManagerDeleteChunkIsIdempotent(t *testing.T) {
	sm, err := NewStorageManager(t.TempDir())
	require.NoError(t, err)

	id := common.ChunkID(5)
	require.NoError(t, sm.CreateChunk(id))
	require.NoError(t, sm.DeleteChunk(id))
	require.NoError(t, sm.DeleteChunk(id))

	ids, err := sm.LoadChunks()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
