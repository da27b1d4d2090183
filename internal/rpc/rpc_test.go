package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type EchoService struct{}

func (EchoService) Echo(arg *string, reply *string) error {
	*reply = *arg
	return nil
}

func (EchoService) Hang(arg *string, reply *string) error {
	time.Sleep(time.Hour)
	return nil
}

func startEchoServer(t *testing.T) (*Server, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer()
	require.NoError(t, s.Register(EchoService{}))
	go s.Serve(lis)
	t.Cleanup(func() { s.Stop() })
	return s, lis.Addr().String()
}

func TestCallRoundTrips(t *testing.T) {
	_, addr := startEchoServer(t)

	client, err := Dial(addr)
	require.NoError(t, err)
	defer client.Close()

	var reply string
	arg := "hello"
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, client.Call(ctx, "EchoService.Echo", &arg, &reply))
	assert.Equal(t, arg, reply)
}

func TestCallHonorsContextTimeout(t *testing.T) {
	_, addr := startEchoServer(t)

	client, err := Dial(addr)
	require.NoError(t, err)
	defer client.Close()

	var reply string
	arg := "hello"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = client.Call(ctx, "EchoService.Hang", &arg, &reply)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopClosesListener(t *testing.T) {
	s, addr := startEchoServer(t)

	// Serve runs on its own goroutine; a completed call shows it has taken
	// the listener, so Stop has a listener to close.
	client, err := Dial(addr)
	require.NoError(t, err)
	defer client.Close()
	var reply string
	arg := "ping"
	require.NoError(t, client.Call(context.Background(), "EchoService.Echo", &arg, &reply))

	require.NoError(t, s.Stop())

	_, err = Dial(addr)
	assert.Error(t, err)
}
