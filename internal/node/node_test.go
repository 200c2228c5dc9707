package node

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnrelay/turnrelay/internal/bufpool"
	"github.com/turnrelay/turnrelay/internal/ioloop"
	"github.com/turnrelay/turnrelay/internal/rlog"
	"github.com/turnrelay/turnrelay/internal/wire"
)

func TestNodeHandleTaskAssignRespondsWithRelayAddr(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	pool := bufpool.New(256, 8, 0)
	poller, err := ioloop.New()
	require.NoError(t, err)
	reactor := ioloop.NewReactor(poller, rlog.Nop())
	defer reactor.Close()
	go reactor.Run()

	n := New(reactor, pool, rlog.Nop())
	require.NoError(t, n.Connect(ln.Addr().(*net.TCPAddr)))

	var coordConn net.Conn
	select {
	case coordConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("node never dialed in")
	}
	defer coordConn.Close()

	assign := wire.TaskAssign{
		TaskID: 42, Kind: wire.TaskTurn, Priority: 1, GroupID: 1,
		Participants: []wire.ParticipantDescriptor{{UserID: 1, Addr: &net.UDPAddr{Port: 1}}},
	}
	frame := make([]byte, wire.HeaderLen+len(assign.Encode()))
	wire.Frame(frame, wire.TypeTaskAssign, 5, assign.Encode())
	_, err = coordConn.Write(frame)
	require.NoError(t, err)

	var dec wire.StreamDecoder
	buf := make([]byte, 1024)
	coordConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	nRead, err := coordConn.Read(buf)
	require.NoError(t, err)
	dec.Feed(buf[:nRead])
	h, payload, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, wire.TypeTaskAssignResponse, h.Type)
	assert.Equal(t, uint16(5), h.Seq)

	resp, err := wire.DecodeTaskAssignResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), resp.TaskID)
	assert.NotNil(t, resp.RelayAddr)
}
