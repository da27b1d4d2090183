package proto

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

func TestIsMsgAvail(t *testing.T) {
	avail, n := IsMsgAvail([]byte("READ\r\nseq=1\r\n"))
	assert.False(t, avail)
	assert.Zero(t, n)

	buf := []byte("READ\r\nseq=1\r\n\r\ntrailing garbage")
	avail, n = IsMsgAvail(buf)
	require.True(t, avail)
	assert.Equal(t, len("READ\r\nseq=1\r\n\r\n"), n)
}

func TestParseCommandRoundTripsEncodeRequest(t *testing.T) {
	op := &Op{
		Type:     TypeWrite,
		Seq:      7,
		ChunkID:  ChunkID(42),
		Offset:   1024,
		NumBytes: 5,
		Data:     []byte("hello"),
	}

	encoded := EncodeRequest(op)
	avail, cmdLen := IsMsgAvail(encoded)
	require.True(t, avail)

	parsed, err := ParseCommand(encoded, cmdLen)
	require.NoError(t, err)
	assert.Equal(t, op.Type, parsed.Type)
	assert.Equal(t, op.Seq, parsed.Seq)
	assert.Equal(t, op.ChunkID, parsed.ChunkID)
	assert.Equal(t, op.Offset, parsed.Offset)
	assert.Equal(t, op.NumBytes, parsed.NumBytes)
}

func TestParseCommandRejectsUnknownType(t *testing.T) {
	buf := []byte("BOGUS\r\n\r\n")
	avail, cmdLen := IsMsgAvail(buf)
	require.True(t, avail)

	_, err := ParseCommand(buf, cmdLen)
	assert.Error(t, err)
}

func TestResponseRoundTripsReadResponse(t *testing.T) {
	op := &Op{Seq: 3, Status: common.StatusOK, Data: []byte("chunk bytes")}

	var buf bytes.Buffer
	require.NoError(t, op.Response(&buf))

	status, msg, data, err := ReadResponse(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, common.StatusOK, status)
	assert.Empty(t, msg)
	assert.Equal(t, op.Data, data)
}

func TestResponseCarriesStatusMessage(t *testing.T) {
	op := &Op{Seq: 9}
	op.Fail(common.StatusChunkNotFound, "")

	var buf bytes.Buffer
	require.NoError(t, op.Response(&buf))

	status, msg, data, err := ReadResponse(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, common.StatusChunkNotFound, status)
	assert.Equal(t, common.StatusMessage(common.StatusChunkNotFound), msg)
	assert.Empty(t, data)
}

func TestOpIsDependingType(t *testing.T) {
	write := &Op{Type: TypeWrite}
	assert.True(t, write.IsDependingType())

	prepareNoReply := &Op{Type: TypeWritePrepare, ReplyRequestedFlag: false}
	assert.True(t, prepareNoReply.IsDependingType())

	prepareWithReply := &Op{Type: TypeWritePrepare, ReplyRequestedFlag: true}
	assert.False(t, prepareWithReply.IsDependingType())

	read := &Op{Type: TypeRead}
	assert.False(t, read.IsDependingType())
}
