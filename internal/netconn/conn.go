// Package netconn is the thin transport layer the dispatcher's net manager
// sits on: one Conn per accepted TCP connection, owning its in/out byte
// buffers, read-ahead control and inactivity timeout. spec.md scopes "the
// net manager event loop itself" out — this package is the concrete
// socket plumbing underneath the events internal/dispatcher delivers.
package netconn

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// Conn wraps one accepted connection. It is owned by exactly one
// dispatcher worker goroutine at a time; the in/out buffers are safe to
// read from that goroutine without the big lock, matching spec.md §5's
// "parsing ... may perform the only lock-free work on bulk buffers."
type Conn struct {
	raw      net.Conn
	peerName string

	mu  sync.Mutex
	in  bytes.Buffer
	out bytes.Buffer

	readAhead int
	closed    bool
	lastErr   error

	idleTimeout time.Duration
	ioTimeout   time.Duration
	timer       *time.Timer
	onTimeout   func()
}

// New wraps conn with read-ahead left at zero (no bound beyond Fill's own
// read size); callers set a bound with SetReadAhead.
func New(conn net.Conn) *Conn {
	return &Conn{
		raw:      conn,
		peerName: conn.RemoteAddr().String(),
	}
}

// PeerName returns the remote address string, used in log lines.
func (c *Conn) PeerName() string { return c.peerName }

// InBuffer exposes the accumulated, not-yet-consumed input bytes. Callers
// consume from the front with the buffer's own Next or Read.
func (c *Conn) InBuffer() *bytes.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &c.in
}

// OutBuffer exposes the accumulated, not-yet-flushed output bytes.
func (c *Conn) OutBuffer() *bytes.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &c.out
}

// SetReadAhead bounds how many bytes a single Fill reads before another
// NET_READ is delivered; zero or a negative value leaves Fill bounded
// only by its own 64 KiB read size.
func (c *Conn) SetReadAhead(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readAhead = n
}

// ReadAhead returns the current read-ahead budget.
func (c *Conn) ReadAhead() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readAhead
}

// Fill reads whatever is available from the socket (bounded by the
// read-ahead budget when set) into the input buffer, returning the number
// of bytes read.
func (c *Conn) Fill() (int, error) {
	c.mu.Lock()
	ahead := c.readAhead
	c.mu.Unlock()

	bufSize := 64 * 1024
	if ahead > 0 && ahead < bufSize {
		bufSize = ahead
	}
	buf := make([]byte, bufSize)

	n, err := c.raw.Read(buf)
	if n > 0 {
		c.mu.Lock()
		c.in.Write(buf[:n])
		c.mu.Unlock()
	}
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		if err == io.EOF {
			return n, err
		}
		return n, err
	}
	return n, nil
}

// StartFlush writes the accumulated output buffer to the socket. It is
// called only once recursion_cnt has returned to 1, per spec.md §4.4's
// flush discipline.
func (c *Conn) StartFlush() error {
	c.mu.Lock()
	data := c.out.Bytes()
	c.out.Reset()
	c.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	_, err := c.raw.Write(data)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
	}
	return err
}

// Err returns the last socket error observed, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Good reports whether the connection is still usable: open and free of a
// recorded socket error.
func (c *Conn) Good() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.lastErr == nil
}

// Close tears down the underlying socket and cancels any pending
// inactivity timer.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	return c.raw.Close()
}

// SetInactivityTimeout arms a one-shot timer that invokes onTimeout (the
// dispatcher's INACTIVITY_TIMEOUT delivery) after d, rearming on each
// call. spec.md §4.4's flush discipline picks d: io_timeout_sec when
// there is pending I/O, idle_timeout_sec otherwise.
func (c *Conn) SetInactivityTimeout(d time.Duration, onTimeout func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.onTimeout = onTimeout
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		cb := c.onTimeout
		c.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}
