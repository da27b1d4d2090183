// Package rpc is the ancillary net/rpc transport the master and chunk
// servers use to talk to each other: chunk server heartbeats, lease
// requests, and the client-facing namespace calls. It deliberately does
// not carry chunk data — that traffic goes over the raw CSM protocol in
// internal/proto/internal/csm instead, net/rpc's gob framing being a poor
// fit for admission-controlled bulk I/O.
package rpc

import (
	"context"
	"net"
	"net/rpc"
	"sync"
)

// Server wraps net/rpc.Server with a Serve/Stop pair that fits a
// long-running service's start/shutdown lifecycle.
type Server struct {
	*rpc.Server

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// NewServer returns an empty RPC server; register services with
// Register before calling Serve.
func NewServer() *Server {
	return &Server{Server: rpc.NewServer()}
}

// Register registers rcvr's exported methods as RPC methods.
func (s *Server) Register(rcvr interface{}) error {
	return s.Server.Register(rcvr)
}

// Serve accepts connections on lis until Stop is called, handling each
// one on its own goroutine as net/rpc.Server expects.
func (s *Server) Serve(lis net.Listener) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		lis.Close()
		return
	}
	s.listener = lis
	s.mu.Unlock()
	s.Server.Accept(lis)
}

// Stop closes the listener, ending Serve's Accept loop. If Serve has not
// taken its listener yet, Serve closes it on entry instead.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Client wraps net/rpc.Client with a context-aware Call, since
// net/rpc.Client.Call itself has no deadline support.
type Client struct {
	*rpc.Client
}

// Dial connects to an RPC server at address.
func Dial(address string) (*Client, error) {
	c, err := rpc.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	return &Client{Client: c}, nil
}

// Call invokes serviceMethod, returning ctx.Err() if it is cancelled
// before the call completes. The underlying call is not aborted on
// timeout — net/rpc offers no cancellation — so callers that time out
// should also close the Client to free the goroutine.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply interface{}) error {
	done := make(chan error, 1)
	go func() { done <- c.Client.Call(serviceMethod, args, reply) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
