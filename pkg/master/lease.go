package master

import (
	"sync"
	"time"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

// LeaseManager grants and tracks the primary lease for each chunk: when a
// client wants to mutate a chunk, the master picks a replica as primary
// and records an expiration the primary must keep renewing.
type LeaseManager struct {
	mutex sync.Mutex
	// leases maps a chunk to its current primary and that lease's
	// expiration.
	leases map[common.ChunkID]leaseState

	leaseDuration time.Duration
}

type leaseState struct {
	primary    common.ServerID
	expiration time.Time
}

// NewLeaseManager returns a LeaseManager granting leases of duration.
func NewLeaseManager(duration time.Duration) *LeaseManager {
	return &LeaseManager{
		leases:        make(map[common.ChunkID]leaseState),
		leaseDuration: duration,
	}
}

// Grant assigns primary as id's lease holder, returning the new
// expiration.
func (lm *LeaseManager) Grant(id common.ChunkID, primary common.ServerID) time.Time {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	exp := time.Now().Add(lm.leaseDuration)
	lm.leases[id] = leaseState{primary: primary, expiration: exp}
	return exp
}

// Renew extends id's existing lease, failing if none is held.
func (lm *LeaseManager) Renew(id common.ChunkID) (time.Time, error) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	state, ok := lm.leases[id]
	if !ok {
		return time.Time{}, common.ErrLeaseNotFound
	}
	state.expiration = time.Now().Add(lm.leaseDuration)
	lm.leases[id] = state
	return state.expiration, nil
}

// Current returns id's primary and whether its lease is still valid.
func (lm *LeaseManager) Current(id common.ChunkID) (common.ServerID, bool) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	state, ok := lm.leases[id]
	if !ok || time.Now().After(state.expiration) {
		return "", false
	}
	return state.primary, true
}

// Revoke drops id's lease outright, used once its primary is declared
// dead.
func (lm *LeaseManager) Revoke(id common.ChunkID) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	if _, ok := lm.leases[id]; !ok {
		return common.ErrLeaseNotFound
	}
	delete(lm.leases, id)
	return nil
}
