package dispatcher

import (
	"sync/atomic"

	"github.com/sauravfouzdar/bucket/internal/csm"
)

// WorkerThread is one of the dispatcher's fixed pool of worker
// goroutines. It owns an add_queue of newly-accepted connections and a
// run_queue of entries with events waiting to be delivered, matching
// spec.md §4.5 (component C5); what the original implements with real
// OS threads and a condition variable, this implements with a goroutine
// and a buffered wake channel.
type WorkerThread struct {
	id int
	d  *Dispatcher

	addQ list[*ClientEntry]
	runQ list[*ClientEntry]

	// syncQ holds remote-sync completion callbacks posted by
	// internal/remotesync Entries forwarding on this worker's
	// connections. Unlike addQ/runQ it dedupes nothing — a callback is a
	// one-shot closure, not a reschedulable entry — so it is a plain
	// slice guarded by the dispatcher's big lock rather than the
	// intrusive node[T] list.
	syncQ []func()

	wakeCh   chan struct{}
	signaled atomic.Bool
	done     chan struct{}
}

func newWorkerThread(id int, d *Dispatcher) *WorkerThread {
	return &WorkerThread{
		id:     id,
		d:      d,
		wakeCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// schedule pushes e onto the run queue and wakes the worker. The
// signaled flag is the wakeup counter of spec.md §4.5: its 0->1
// transition is the only caller that actually sends on wakeCh, so N
// concurrent schedule calls while the worker is busy collapse into a
// single wake rather than piling up.
func (w *WorkerThread) schedule(e *ClientEntry) {
	w.d.mu.Lock()
	w.runQ.push(&e.runNode)
	w.d.mu.Unlock()
	w.wake()
}

// assign pushes e onto the add queue, used once for a freshly accepted
// connection to hand it to its owning worker.
func (w *WorkerThread) assign(e *ClientEntry) {
	w.d.mu.Lock()
	w.addQ.push(&e.runNode)
	w.d.mu.Unlock()
	w.wake()
}

// postSync queues fn to run on this worker under the dispatcher's big
// lock, then wakes it. internal/remotesync Entries use this to cross
// back from whatever goroutine a Forwarder's completion callback runs on
// to the single worker goroutine that owns the forwarding connection's
// ClientSM, matching spec.md §4.5's sync_queue hand-off.
func (w *WorkerThread) postSync(fn func()) {
	w.d.mu.Lock()
	w.syncQ = append(w.syncQ, fn)
	w.d.mu.Unlock()
	w.wake()
}

func (w *WorkerThread) wake() {
	if w.signaled.CompareAndSwap(false, true) {
		w.wakeCh <- struct{}{}
	}
}

func (w *WorkerThread) stop() { close(w.done) }

// run is the worker's event loop: block for a wakeup, then drain and
// dispatch everything that accumulated since the last one.
func (w *WorkerThread) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wakeCh:
		}
		w.signaled.Store(false)
		w.drainAndDispatch()
	}
}

func (w *WorkerThread) drainAndDispatch() {
	w.d.mu.Lock()
	added := w.addQ.drain()
	runnable := w.runQ.drain()
	synced := w.syncQ
	w.syncQ = nil
	w.d.mu.Unlock()

	for _, e := range added {
		w.d.onAssigned(e)
	}

	if len(synced) > 0 {
		w.d.mu.Lock()
		for _, fn := range synced {
			fn()
		}
		w.d.mu.Unlock()
	}

	for _, e := range runnable {
		msgs := e.drain()
		if len(msgs) == 0 {
			continue
		}
		w.d.mu.Lock()
		for _, m := range msgs {
			e.CSM.HandleEvent(m.ev, m.op)
		}
		w.d.mu.Unlock()

		if e.CSM.Closed() {
			w.d.onClosed(e)
			continue
		}
		w.rearmTimeout(e)
	}
}

func (w *WorkerThread) rearmTimeout(e *ClientEntry) {
	d := e.CSM.NextTimeout()
	e.CSM.Conn.SetInactivityTimeout(d, func() {
		e.post(csm.EventInactivityTimeout, nil)
	})
}
