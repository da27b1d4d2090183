package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

func TestLeaseGrantThenCurrent(t *testing.T) {
	lm := NewLeaseManager(time.Minute)

	_, ok := lm.Current(1)
	assert.False(t, ok)

	lm.Grant(1, "s1")
	primary, ok := lm.Current(1)
	require.True(t, ok)
	assert.Equal(t, common.ServerID("s1"), primary)
}

func TestLeaseExpires(t *testing.T) {
	lm := NewLeaseManager(time.Millisecond)
	lm.Grant(1, "s1")
	time.Sleep(5 * time.Millisecond)

	_, ok := lm.Current(1)
	assert.False(t, ok)
}

func TestLeaseRenewRequiresExistingLease(t *testing.T) {
	lm := NewLeaseManager(time.Minute)

	_, err := lm.Renew(1)
	assert.ErrorIs(t, err, common.ErrLeaseNotFound)

	lm.Grant(1, "s1")
	exp, err := lm.Renew(1)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))
}

func TestLeaseRevoke(t *testing.T) {
	lm := NewLeaseManager(time.Minute)
	lm.Grant(1, "s1")

	require.NoError(t, lm.Revoke(1))
	_, ok := lm.Current(1)
	assert.False(t, ok)

	err := lm.Revoke(1)
	assert.ErrorIs(t, err, common.ErrLeaseNotFound)
}
