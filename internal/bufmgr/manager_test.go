package bufmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOwner struct {
	grants []int64
}

func (o *fakeOwner) Granted(bytes int64, isDevice bool) { o.grants = append(o.grants, bytes) }

func TestGetGrantsWithinQuota(t *testing.T) {
	m := NewManager("test", 100, nil)
	owner := &fakeOwner{}

	assert.True(t, m.Get(owner, 60))
	assert.Equal(t, int64(60), m.ByteCount(owner))
}

func TestGetParksRequestOverQuota(t *testing.T) {
	m := NewManager("test", 100, nil)
	a, b := &fakeOwner{}, &fakeOwner{}

	require.True(t, m.Get(a, 80))
	assert.False(t, m.Get(b, 50))
	assert.Empty(t, b.grants)
}

func TestPutGrantsParkedRequestOnceRoomFrees(t *testing.T) {
	m := NewManager("test", 100, nil)
	a, b := &fakeOwner{}, &fakeOwner{}

	require.True(t, m.Get(a, 80))
	require.False(t, m.Get(b, 50))

	m.Put(a, 80)

	require.Len(t, b.grants, 1)
	assert.Equal(t, int64(50), b.grants[0])
	assert.Equal(t, int64(50), m.ByteCount(b))
}

func TestCancelRequestIsIdempotent(t *testing.T) {
	m := NewManager("test", 100, nil)
	owner := &fakeOwner{}

	m.CancelRequest(owner)
	require.False(t, m.Get(&fakeOwner{}, 101))
	m.CancelRequest(owner)
}

func TestIsOverQuota(t *testing.T) {
	m := NewManager("test", 100, nil)
	owner := &fakeOwner{}
	require.True(t, m.Get(owner, 90))

	assert.True(t, m.IsOverQuota(owner, 20))
	assert.False(t, m.IsOverQuota(owner, 5))
}
