package node

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnrelay/turnrelay/internal/config"
	"github.com/turnrelay/turnrelay/internal/rerr"
	"github.com/turnrelay/turnrelay/internal/wire"
)

func TestNewTaskParticipantsStartPending(t *testing.T) {
	descs := []wire.ParticipantDescriptor{{UserID: 1}, {UserID: 2}}
	task := NewTask(1, wire.TaskTurn, 1, descs)
	assert.Empty(t, task.runningPeers(0))
}

func TestLearnTransitionsPendingToRunning(t *testing.T) {
	task := NewTask(1, wire.TaskTurn, 1, []wire.ParticipantDescriptor{{UserID: 1}, {UserID: 2}})
	addr1 := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1000}

	task.learn(1, addr1)
	peers := task.runningPeers(2)
	require.Len(t, peers, 1)
	assert.Equal(t, addr1, peers[0])
}

func TestLearnNeverOverwritesRunningAddress(t *testing.T) {
	task := NewTask(1, wire.TaskTurn, 1, []wire.ParticipantDescriptor{{UserID: 1}})
	addr1 := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1000}
	addr2 := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 2000}

	task.learn(1, addr1)
	task.learn(1, addr2) // simulated roaming/NAT rebind, must be ignored

	peers := task.runningPeers(0)
	require.Len(t, peers, 1)
	assert.Equal(t, addr1, peers[0])
}

func TestRunningPeersExcludesSenderAndPending(t *testing.T) {
	task := NewTask(1, wire.TaskTurn, 1, []wire.ParticipantDescriptor{{UserID: 1}, {UserID: 2}, {UserID: 3}})
	a1 := &net.UDPAddr{Port: 1}
	a2 := &net.UDPAddr{Port: 2}
	task.learn(1, a1)
	task.learn(2, a2)
	// UserID 3 stays Pending (never sent a datagram).

	peers := task.runningPeers(1)
	require.Len(t, peers, 1)
	assert.Equal(t, a2, peers[0])
}

func TestJoinAppendsPendingParticipantUpToCap(t *testing.T) {
	orig := config.GroupMaxUser
	config.GroupMaxUser = 2
	defer func() { config.GroupMaxUser = orig }()

	task := NewTask(1, wire.TaskTurn, 1, []wire.ParticipantDescriptor{{UserID: 1}})
	require.NoError(t, task.join(2))

	err := task.join(3)
	assert.True(t, rerr.Of(err, rerr.ResourceExhausted))
}

func TestLeaveRemovesParticipant(t *testing.T) {
	task := NewTask(1, wire.TaskTurn, 1, []wire.ParticipantDescriptor{{UserID: 1}, {UserID: 2}})
	addr := &net.UDPAddr{Port: 1}
	task.learn(1, addr)
	task.learn(2, addr)

	task.leave(1)
	peers := task.runningPeers(2)
	assert.Empty(t, peers)
}
