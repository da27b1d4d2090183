// Package dispatcher implements the Client Thread Dispatcher of
// spec.md §4.5 (component C5): a fixed pool of worker goroutines, a
// single shared lock standing in for the original's "big lock," and the
// hand-off queues that let any goroutine — a connection's reader, a
// completed op's executor callback, an inactivity timer — safely post an
// event for delivery by the connection's owning worker.
package dispatcher

import (
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/bucket/internal/csm"
	"github.com/sauravfouzdar/bucket/internal/netconn"
)

// Dispatcher owns the worker pool and the lock every CSM method call
// executes under.
type Dispatcher struct {
	mu sync.Mutex

	workers []*WorkerThread
	next    int

	log zerolog.Logger

	entriesMu sync.Mutex
	entries   map[*ClientEntry]struct{}

	nextInstance uint64
}

// New builds a Dispatcher with n worker goroutines; workers do not start
// running until Start is called.
func New(n int, log zerolog.Logger) *Dispatcher {
	if n < 1 {
		n = 1
	}
	d := &Dispatcher{
		log:     log,
		entries: make(map[*ClientEntry]struct{}),
	}
	for i := 0; i < n; i++ {
		d.workers = append(d.workers, newWorkerThread(i, d))
	}
	return d
}

// Start launches every worker's event loop.
func (d *Dispatcher) Start() {
	for _, w := range d.workers {
		go w.run()
	}
}

// Stop halts every worker's event loop. In-flight connections are left
// to the caller to close.
func (d *Dispatcher) Stop() {
	for _, w := range d.workers {
		w.stop()
	}
}

// Accept takes a freshly accepted connection, builds its ClientSM and
// binds it to a worker chosen round-robin, then starts that
// connection's reader goroutine.
func (d *Dispatcher) Accept(raw net.Conn, newCSM func(conn *netconn.Conn, instanceNum uint64) *csm.ClientSM) *ClientEntry {
	conn := netconn.New(raw)

	d.mu.Lock()
	d.nextInstance++
	instance := d.nextInstance
	w := d.workers[d.next]
	d.next = (d.next + 1) % len(d.workers)
	d.mu.Unlock()

	c := newCSM(conn, instance)
	e := newClientEntry(w, c)
	c.SetSink(e)

	d.entriesMu.Lock()
	d.entries[e] = struct{}{}
	d.entriesMu.Unlock()

	w.assign(e)
	return e
}

// onAssigned starts the reader goroutine for a just-bound connection.
// Called from the owning worker's own loop, so no lock is needed around
// starting the goroutine itself.
func (d *Dispatcher) onAssigned(e *ClientEntry) {
	go d.readLoop(e)
	w := e.owner
	w.rearmTimeout(e)
}

// onClosed drops e from the live-connections set once its CSM has torn
// itself down.
func (d *Dispatcher) onClosed(e *ClientEntry) {
	d.entriesMu.Lock()
	delete(d.entries, e)
	d.entriesMu.Unlock()
}

// readLoop is the sole reader of e's socket: it blocks on the
// connection, and for every successful read posts NET_READ, relying on
// the OS socket buffer rather than a hand-off queue to pace delivery.
// Each Fill is bounded by the connection's read-ahead, but the loop does
// not wait for the owning worker to drain e's inbox before reading again,
// so more than one read-ahead's worth can be buffered unprocessed.
func (d *Dispatcher) readLoop(e *ClientEntry) {
	for {
		n, err := e.CSM.Conn.Fill()
		if n > 0 {
			e.post(csm.EventNetRead, nil)
		}
		if err != nil {
			e.post(csm.EventNetError, nil)
			return
		}
		if e.CSM.Closed() {
			return
		}
	}
}

// Len reports how many connections are currently live, used by metrics
// and tests.
func (d *Dispatcher) Len() int {
	d.entriesMu.Lock()
	defer d.entriesMu.Unlock()
	return len(d.entries)
}
