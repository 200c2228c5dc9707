package node

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnrelay/turnrelay/internal/bufpool"
	"github.com/turnrelay/turnrelay/internal/rlog"
	"github.com/turnrelay/turnrelay/internal/wire"
)

func TestWorkerFansOutToOtherRunningParticipants(t *testing.T) {
	pool := bufpool.New(256, 8, 0)
	w, err := newWorker(pool, rlog.Nop())
	require.NoError(t, err)
	defer w.Close()

	task := NewTask(1, wire.TaskTurn, 1, []wire.ParticipantDescriptor{{UserID: 1}, {UserID: 2}, {UserID: 3}})
	w.AddTask(task)

	// Three independent UDP sockets stand in for the three participants.
	c1, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer c1.Close()
	c2, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer c2.Close()
	c3, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer c3.Close()

	// Learn 2 and 3's endpoints first so 1's datagram has running peers to
	// fan out to. 3's first datagram is itself fanned out to the already
	// running 2, so 2 has one datagram to drain before 1's arrives.
	learn := func(conn *net.UDPConn, userID uint32) {
		env := wire.Envelope{TaskID: 1, UserID: userID, Inner: wire.InnerCommand, Payload: []byte("hi")}
		_, err := conn.WriteToUDP(env.Encode(), w.Addr())
		require.NoError(t, err)
	}
	learn(c2, 2)
	learn(c3, 3)
	time.Sleep(100 * time.Millisecond)
	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c2.ReadFromUDP(make([]byte, 1024))
	require.NoError(t, err)

	env := wire.Envelope{TaskID: 1, UserID: 1, Inner: wire.InnerCommand, Payload: []byte("from one")}
	_, err = c1.WriteToUDP(env.Encode(), w.Addr())
	require.NoError(t, err)

	for _, conn := range []*net.UDPConn{c2, c3} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 1024)
		n, _, err := conn.ReadFromUDP(buf)
		require.NoError(t, err)
		h, payload, err := wire.Split(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, wire.TypeTurnPack, h.Type)
		inner, err := wire.DecodeEnvelope(payload)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), inner.UserID)
		assert.Equal(t, []byte("from one"), inner.Payload)
	}

	// The sender itself must not receive its own fan-out.
	c1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1024)
	_, _, err = c1.ReadFromUDP(buf)
	assert.Error(t, err)
}

func TestWorkerDropsDatagramForUnknownTask(t *testing.T) {
	pool := bufpool.New(256, 4, 0)
	w, err := newWorker(pool, rlog.Nop())
	require.NoError(t, err)
	defer w.Close()

	c1, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer c1.Close()

	env := wire.Envelope{TaskID: 999, UserID: 1, Inner: wire.InnerCommand, Payload: []byte("x")}
	_, err = c1.WriteToUDP(env.Encode(), w.Addr())
	require.NoError(t, err)

	assert.Equal(t, 0, w.TaskCount())
}
