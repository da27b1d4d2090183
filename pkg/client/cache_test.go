package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

func TestMetadataCachePutGet(t *testing.T) {
	c := NewMetadataCache(time.Minute)

	_, ok := c.Get("/a")
	assert.False(t, ok)

	md := common.FileMetadata{ID: "f1", Path: "/a", Size: 10}
	c.Put("/a", md)

	got, ok := c.Get("/a")
	require.True(t, ok)
	assert.Equal(t, md, *got)
}

func TestMetadataCacheExpires(t *testing.T) {
	c := NewMetadataCache(time.Millisecond)
	c.Put("/a", common.FileMetadata{Path: "/a"})
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("/a")
	assert.False(t, ok)
}

func TestMetadataCacheInvalidate(t *testing.T) {
	c := NewMetadataCache(time.Minute)
	c.Put("/a", common.FileMetadata{Path: "/a"})
	c.Invalidate("/a")

	_, ok := c.Get("/a")
	assert.False(t, ok)
}

func TestLocationCachePutGet(t *testing.T) {
	c := NewLocationCache(time.Minute)
	locs := []common.ReplicaLocation{{Server: "s1", Address: "127.0.0.1:9000"}}
	c.Put(common.ChunkID(5), locs)

	got, ok := c.Get(common.ChunkID(5))
	require.True(t, ok)
	assert.Equal(t, locs, got)

	c.Invalidate(common.ChunkID(5))
	_, ok = c.Get(common.ChunkID(5))
	assert.False(t, ok)
}
