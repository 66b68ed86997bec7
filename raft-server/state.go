package server

import (
	"sync"

	"github.com/Konstantsiy/casual-kv/tracker"
)

type State int

const (
	// Follower - normal state, receives entries from the leader
	// and redirects clients to it
	Follower State = iota

	// Candidate - trying to become leader, kept for status reporting,
	// elections are driven from outside the node
	Candidate

	// Leader - receives client requests and replicates them to followers
	// Only 1 leader at a time in the cluster
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// NodeID is the stable identity of a cluster member.
type NodeID string

// Node is a cluster member with the addresses its peers reach it on.
type Node struct {
	ID NodeID
	// Addr is the host:port of the HTTP listener serving peer RPCs and clients
	Addr string
	// GRPCAddr is the host:port of the gRPC listener, empty when gRPC is off
	GRPCAddr string
}

// SharedTracker is the single log tracker of a node, shared by the leader loop,
// every replicator and the follower RPC handlers. Writers take the write lock,
// everyone else the read lock.
type SharedTracker struct {
	sync.RWMutex
	tracker.Tracker
}

func NewSharedTracker(t tracker.Tracker) *SharedTracker {
	return &SharedTracker{Tracker: t}
}

// Status is a point-in-time view of the node, served on /status.
type Status struct {
	ID            NodeID `json:"id"`
	State         string `json:"state"`
	Term          uint64 `json:"term"`
	Leader        NodeID `json:"leader,omitempty"`
	FirstLogIndex uint64 `json:"first_log_index"`
	LastLogIndex  uint64 `json:"last_log_index"`
	CommitIndex   uint64 `json:"commit_index"`
	SnapshotCount int    `json:"snapshot_count"`
}
