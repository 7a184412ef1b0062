package pal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectAcceptReadWrite(t *testing.T) {
	listener := New("tcp")
	require.NoError(t, listener.Bind("127.0.0.1:0"))
	require.NoError(t, listener.Listen(1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	accepted := make(chan Socket, 1)
	acceptErr := make(chan error, 1)
	go func() {
		peer, _, err := listener.Accept(ctx)
		accepted <- peer
		acceptErr <- err
	}()

	client := New("tcp")
	require.NoError(t, client.Connect(ctx, listener.LocalAddress()))

	require.NoError(t, <-acceptErr)
	server := <-accepted
	require.NotNil(t, server)

	n, err := client.Write(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = server.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	assert.NoError(t, client.Close())
	assert.NoError(t, server.Close())
	assert.NoError(t, listener.Close())
}

func TestSetGetOptKeepAlive(t *testing.T) {
	s := New("tcp")
	require.NoError(t, s.SetOpt(OptKeepAlive, 0))
	v, err := s.GetOpt(OptKeepAlive)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestGetOptUnsupportedOption(t *testing.T) {
	s := New("tcp")
	_, err := s.GetOpt(Option(999))
	require.Error(t, err)
}

func TestReadOnUnconnectedSocketReturnsBadState(t *testing.T) {
	s := New("tcp")
	_, err := s.Read(context.Background(), make([]byte, 8))
	require.Error(t, err)
}
