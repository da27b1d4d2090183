package chunkserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewChunkStartsReadableAtZeroSize(t *testing.T) {
	c := NewChunk(1, 1)

	size, version, checksum, readable := c.snapshot()
	assert.Zero(t, size)
	assert.EqualValues(t, 1, version)
	assert.Zero(t, checksum)
	assert.True(t, readable)
}

func TestSetSizeUpdatesSizeAndChecksum(t *testing.T) {
	c := NewChunk(1, 1)
	c.setSize(4096, 0xdeadbeef)

	size, _, checksum, _ := c.snapshot()
	assert.EqualValues(t, 4096, size)
	assert.EqualValues(t, 0xdeadbeef, checksum)
}
