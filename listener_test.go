//go:build linux

package ironpool

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestListener(t *testing.T, poolSize int, handler ConnHandler) (*AsyncListener, func()) {
	t.Helper()
	l, err := New("127.0.0.1:0", 64, poolSize, 8)
	require.NoError(t, err)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- l.Serve(50, handler)
	}()

	stop := func() {
		_ = l.Close()
		select {
		case <-serveErr:
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return after Close")
		}
	}
	return l, stop
}

func TestAsyncListener_AcceptAndEcho(t *testing.T) {
	l, stop := startTestListener(t, 2, func(workerID int, conn *Connection, event ConnectionState) error {
		switch event {
		case StateOpened:
			_, _ = conn.Write([]byte("HI\n"))
		case StateData:
			buf := make([]byte, 256)
			n, err := conn.Read(buf)
			if err != nil {
				return nil
			}
			_, _ = conn.Write(buf[:n])
		}
		return nil
	})
	defer stop()

	conn, err := net.DialTimeout("tcp", l.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	greeting, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HI\n", greeting)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = reader.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestAsyncListener_CloseEventDeliveredOnPeerHangup(t *testing.T) {
	var mu sync.Mutex
	var states []ConnectionState
	closedSeen := make(chan struct{})

	l, stop := startTestListener(t, 2, func(workerID int, conn *Connection, event ConnectionState) error {
		mu.Lock()
		states = append(states, event)
		mu.Unlock()
		if event == StateClosed {
			close(closedSeen)
		}
		return nil
	})
	defer stop()

	conn, err := net.DialTimeout("tcp", l.Addr().String(), time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case <-closedSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("never observed a StateClosed event after peer hangup")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, StateOpened, states[0])
	assert.Equal(t, StateClosed, states[len(states)-1])
}

func TestAsyncListener_SlotReuseAfterClose(t *testing.T) {
	var mu sync.Mutex
	ids := make(map[uint64]int)

	opened := make(chan uint64, 8)

	l, stop := startTestListener(t, 2, func(workerID int, conn *Connection, event ConnectionState) error {
		mu.Lock()
		ids[conn.ID]++
		mu.Unlock()
		if event == StateOpened {
			opened <- conn.ID
		}
		return nil
	})
	defer stop()

	dial := func() net.Conn {
		c, err := net.DialTimeout("tcp", l.Addr().String(), time.Second)
		require.NoError(t, err)
		return c
	}

	var firstID, secondID, thirdID uint64
	c1 := dial()
	firstID = <-opened
	c2 := dial()
	secondID = <-opened
	_ = secondID

	require.NoError(t, c1.Close())
	time.Sleep(100 * time.Millisecond) // let the poller observe the hangup and free the slot

	c3 := dial()
	thirdID = <-opened
	defer c2.Close()
	defer c3.Close()

	assert.Equal(t, firstID, thirdID, "freed slot should be reused first-fit")
}
