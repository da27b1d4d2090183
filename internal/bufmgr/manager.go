// Package bufmgr implements the quota-enforcing I/O buffer managers of
// spec.md §4.1: a global instance shared by every connection, and one
// instance per storage device. Both are the same type; the manager named
// "global" is the global one, and any other name marks a per-device
// manager.
package bufmgr

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Owner is any client of a Manager; the client state machine (csm.ClientSM)
// is the only implementation, but the interface keeps this package
// independent of internal/csm.
type Owner interface {
	// Granted is invoked, under the caller's lock, when a previously
	// queued Get/GetForDiskIO request is satisfied. isDevice is true when
	// the granting manager is a per-device one (any name but "global").
	Granted(bytes int64, isDevice bool)
}

// request is a parked, not-yet-granted reservation.
type request struct {
	owner    Owner
	bytes    int64
	forDisk  bool
	queuedAt time.Time
}

// Manager is a quota-enforcing allocator for I/O buffers. One instance
// backs the global pool; callers construct a second instance per storage
// device when a per-device manager is needed.
type Manager struct {
	name string

	mu       sync.Mutex
	quota    int64
	inUse    int64
	byOwner  map[Owner]int64
	waiting  map[Owner]*request
	waitSum  time.Duration
	waitN    int64
	overQuot int64

	bytesInUse     prometheus.Gauge
	waitHist       prometheus.Observer
	overQuotaCount prometheus.Counter
}

// NewManager constructs a Manager with the given byte quota. name
// distinguishes the global manager ("global") from a per-device manager
// (the device identity) in exported metrics.
func NewManager(name string, quota int64, reg prometheus.Registerer) *Manager {
	m := &Manager{
		name:    name,
		quota:   quota,
		byOwner: make(map[Owner]int64),
		waiting: make(map[Owner]*request),
	}

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "bucket",
		Subsystem:   "bufmgr",
		Name:        "bytes_in_use",
		Help:        "Bytes currently reserved against this buffer manager.",
		ConstLabels: prometheus.Labels{"manager": name},
	})
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "bucket",
		Subsystem:   "bufmgr",
		Name:        "grant_wait_usec",
		Help:        "Time a reservation spent parked before being granted.",
		ConstLabels: prometheus.Labels{"manager": name},
		Buckets:     prometheus.ExponentialBuckets(10, 4, 10),
	})
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "bucket",
		Subsystem:   "bufmgr",
		Name:        "over_quota_total",
		Help:        "Number of requests rejected or queued for exceeding quota.",
		ConstLabels: prometheus.Labels{"manager": name},
	})
	if reg != nil {
		reg.MustRegister(gauge, hist, counter)
	}
	m.bytesInUse = gauge
	m.waitHist = hist
	m.overQuotaCount = counter

	return m
}

// IsOverQuota reports whether granting bytes more to owner would push this
// manager over its quota.
func (m *Manager) IsOverQuota(owner Owner, bytes int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse+bytes > m.quota
}

// Get requests bytes for owner. It grants immediately if quota allows;
// otherwise the request is parked and owner.Granted fires later from Put.
func (m *Manager) Get(owner Owner, bytes int64) (granted bool) {
	return m.get(owner, bytes, false)
}

// GetForDiskIO is Get with the stronger semantics spec.md §4.1 describes
// for a reservation about to feed a disk submission: functionally
// identical admission here. A parked request records that it came
// through GetForDiskIO, but the Granted callback reports only whether
// the granting manager is a per-device one.
func (m *Manager) GetForDiskIO(owner Owner, bytes int64) (granted bool) {
	return m.get(owner, bytes, true)
}

func (m *Manager) get(owner Owner, bytes int64, forDisk bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inUse+bytes <= m.quota {
		m.inUse += bytes
		m.byOwner[owner] += bytes
		m.bytesInUse.Set(float64(m.inUse))
		return true
	}

	m.overQuot++
	m.overQuotaCount.Inc()
	m.waiting[owner] = &request{owner: owner, bytes: bytes, forDisk: forDisk, queuedAt: time.Now()}
	return false
}

// Put returns bytes of credit previously reserved by owner. If a parked
// request can now be satisfied, in FIFO-by-map-iteration order (Go map
// order is unspecified but there is at most one parked request per owner
// under this CSM's invariant of "at most one cur_op"), it grants it and
// invokes owner.Granted under the manager's lock, matching spec.md's
// "Grant callbacks ... are delivered under the big lock" — the Manager's
// own lock plays that role for buffer-grant purposes; the caller is
// expected to already hold the big lock when calling Put from CSM code.
func (m *Manager) Put(owner Owner, bytes int64) {
	m.mu.Lock()
	m.inUse -= bytes
	if m.inUse < 0 {
		m.inUse = 0
	}
	m.byOwner[owner] -= bytes
	if m.byOwner[owner] <= 0 {
		delete(m.byOwner, owner)
	}
	m.bytesInUse.Set(float64(m.inUse))

	var toGrant []*request
	for o, req := range m.waiting {
		if m.inUse+req.bytes > m.quota {
			continue
		}
		m.inUse += req.bytes
		m.byOwner[o] += req.bytes
		delete(m.waiting, o)
		toGrant = append(toGrant, req)
	}
	m.bytesInUse.Set(float64(m.inUse))
	m.mu.Unlock()

	isDevice := m.name != "global"
	for _, req := range toGrant {
		wait := time.Since(req.queuedAt)
		m.waitHist.Observe(float64(wait.Microseconds()))
		m.recordWait(wait)
		req.owner.Granted(req.bytes, isDevice)
	}
}

// CancelRequest withdraws owner's pending grant request, if any. It is a
// no-op if owner has no parked request (the idempotence-of-grant law).
func (m *Manager) CancelRequest(owner Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waiting, owner)
}

// GetWaitingAvgUsecs returns a decaying average of recent grant wait times,
// in microseconds, used by the admission controller's max-wait check.
func (m *Manager) GetWaitingAvgUsecs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waitN == 0 {
		return 0
	}
	return m.waitSum.Microseconds() / m.waitN
}

// recordWait folds a single grant latency into the decaying average. It is
// separate from Put's histogram observation because the admission
// controller's max-wait formula needs a cheap running mean, not a
// histogram query.
func (m *Manager) recordWait(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	const decay = 16
	if m.waitN == 0 {
		m.waitSum = d
		m.waitN = 1
		return
	}
	avg := m.waitSum / time.Duration(m.waitN)
	avg = avg - avg/decay + d/decay
	m.waitSum = avg
	m.waitN = 1
}

// ByteCount returns the bytes currently reserved by owner.
func (m *Manager) ByteCount(owner Owner) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byOwner[owner]
}

// Name returns the manager's identity, used in log lines and as the device
// tag when this is a per-device manager.
func (m *Manager) Name() string { return m.name }
