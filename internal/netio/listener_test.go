package netio

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerDeliversInOrder(t *testing.T) {
	a, err := NewUDPSocket("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewUDPSocket("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	l := NewListener(logging.NewDefaultLoggerFactory())
	var mu sync.Mutex
	var received []string
	done := make(chan struct{})

	_, err = l.Add(a, func(packet []byte, src, dst net.Addr) {
		mu.Lock()
		received = append(received, string(packet))
		if len(received) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)
	l.Start()
	defer l.Shutdown()

	for _, msg := range []string{"one", "two", "three"} {
		_, err := b.WriteTo([]byte(msg), a.LocalAddr())
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond) // keep UDP delivery order deterministic for the test
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packets")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, received)
}

func TestListenerCapacity(t *testing.T) {
	l := NewListener(logging.NewDefaultLoggerFactory())
	var socks []*net.UDPConn
	defer func() {
		for _, s := range socks {
			s.Close()
		}
	}()

	for i := 0; i < MaxConnections; i++ {
		sock, err := NewUDPSocket("127.0.0.1:0")
		require.NoError(t, err)
		socks = append(socks, sock)
		_, err = l.Add(sock, func([]byte, net.Addr, net.Addr) {})
		require.NoError(t, err)
	}

	extra, err := NewUDPSocket("127.0.0.1:0")
	require.NoError(t, err)
	defer extra.Close()
	_, err = l.Add(extra, func([]byte, net.Addr, net.Addr) {})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestSocketConnectionRelayShim(t *testing.T) {
	a, err := NewUDPSocket("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	conn := NewSocketConnection(a)
	var relayed []byte
	conn.SetRelayShim(relayShimFunc(func(payload []byte, _ net.Addr) error {
		relayed = append([]byte(nil), payload...)
		return nil
	}))

	require.NoError(t, conn.Send([]byte("hello"), a.LocalAddr()))
	assert.Equal(t, "hello", string(relayed))

	require.NoError(t, conn.Close())
	assert.Error(t, conn.Send([]byte("x"), a.LocalAddr()))
}

type relayShimFunc func(payload []byte, peer net.Addr) error

func (f relayShimFunc) SendRelayed(payload []byte, peer net.Addr) error { return f(payload, peer) }
