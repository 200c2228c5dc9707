// Package config holds the tunable constants of the relay platform. All are
// variables rather than untyped consts so that cmd/serv can override them
// from flags without every package depending on the flag package.
package config

import "time"

var (
	// ClientLoginPort is the UDP port the coordinator listens on for client
	// login and group traffic.
	ClientLoginPort = 8123

	// NodeServLoginPort is the TCP port the coordinator listens on for node
	// server registration and control traffic.
	NodeServLoginPort = 9123

	// PacketBufferCapacity is the default element size of a packet buffer,
	// header included.
	PacketBufferCapacity = 2000

	// GroupMaxUser is the maximum number of members a group may have.
	GroupMaxUser = 8

	// WorkerMaxTaskCount is the maximum number of turn tasks a single
	// task-worker (one reactor on one UDP socket) may host before a new
	// task-worker is spawned.
	WorkerMaxTaskCount = 512

	// HeartbeatInitCount (K) is the number of missed periods tolerated
	// before a participant is declared dead.
	HeartbeatInitCount = 3

	// HeartbeatPeriod is the tick interval of the heartbeat supervisor.
	HeartbeatPeriod = 2 * time.Second

	// WaitResDeadline is the default iowait timeout.
	WaitResDeadline = 5 * time.Second

	// DefragTimeout is the reassembly deadline for a fragment set.
	DefragTimeout = 5 * time.Second

	// CliFragmentMaxLen is the client-side default maximum fragment length.
	CliFragmentMaxLen = 512

	// DataMaxLen bounds the total length of a reassembled payload (1 GiB).
	DataMaxLen = 1 << 30

	// MaxPayloadLen bounds a single split() input (4 MiB).
	MaxPayloadLen = 4 << 20

	// ListGroupResponseBudget is the byte budget LIST_GROUP pagination must
	// not exceed in a single response.
	ListGroupResponseBudget = 4000
)
