package master

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

func TestCreateFileThenGetFileMetadata(t *testing.T) {
	mm := NewMetadataManager(t.TempDir())

	id, err := mm.CreateFile("/a.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	md, err := mm.GetFileMetadata("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, id, md.ID)
	assert.Equal(t, "/a.txt", md.Path)
}

func TestCreateFileRejectsDuplicatePath(t *testing.T) {
	mm := NewMetadataManager(t.TempDir())
	_, err := mm.CreateFile("/a.txt")
	require.NoError(t, err)

	_, err = mm.CreateFile("/a.txt")
	assert.ErrorIs(t, err, common.ErrFileExists)
}

func TestDeleteFileRemovesChunks(t *testing.T) {
	mm := NewMetadataManager(t.TempDir())
	fileID, err := mm.CreateFile("/a.txt")
	require.NoError(t, err)

	chunkID, err := mm.CreateChunk(fileID, 0)
	require.NoError(t, err)

	require.NoError(t, mm.DeleteFile("/a.txt"))

	_, err = mm.GetFileMetadata("/a.txt")
	assert.ErrorIs(t, err, common.ErrFileNotFound)

	_, err = mm.GetChunkMetadata(chunkID)
	assert.ErrorIs(t, err, common.ErrChunkNotFound)
}

func TestCreateChunkExtendsChunkIDsSparsely(t *testing.T) {
	mm := NewMetadataManager(t.TempDir())
	fileID, err := mm.CreateFile("/a.txt")
	require.NoError(t, err)

	chunk2, err := mm.CreateChunk(fileID, 2)
	require.NoError(t, err)

	got, err := mm.GetChunkID(fileID, 2)
	require.NoError(t, err)
	assert.Equal(t, chunk2, got)

	md, err := mm.GetFileMetadata("/a.txt")
	require.NoError(t, err)
	assert.Len(t, md.ChunkIDs, 3)
}

func TestAddAndMarkChunkLocationUnavailable(t *testing.T) {
	mm := NewMetadataManager(t.TempDir())
	fileID, err := mm.CreateFile("/a.txt")
	require.NoError(t, err)
	chunkID, err := mm.CreateChunk(fileID, 0)
	require.NoError(t, err)

	require.NoError(t, mm.AddChunkLocation(chunkID, common.ReplicaLocation{Server: "s1", Address: "a1"}))
	require.NoError(t, mm.AddChunkLocation(chunkID, common.ReplicaLocation{Server: "s2", Address: "a2"}))

	md, err := mm.GetChunkMetadata(chunkID)
	require.NoError(t, err)
	assert.Len(t, md.Locations, 2)

	mm.MarkChunkUnavailable(chunkID, "s1")

	md, err = mm.GetChunkMetadata(chunkID)
	require.NoError(t, err)
	require.Len(t, md.Locations, 1)
	assert.Equal(t, common.ServerID("s2"), md.Locations[0].Server)
}

func TestListDirectoryReturnsFilesAndSubdirs(t *testing.T) {
	mm := NewMetadataManager(t.TempDir())
	_, err := mm.CreateFile("/dir/a.txt")
	require.NoError(t, err)
	require.NoError(t, mm.CreateDirectory("/dir"))
	require.NoError(t, mm.CreateDirectory("/dir/sub"))

	entries := mm.ListDirectory("/dir")
	assert.ElementsMatch(t, []string{"/dir/a.txt", "/dir/sub"}, entries)
}
