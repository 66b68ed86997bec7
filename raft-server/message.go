package server

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedMessage is returned when a loop receives a message
	// kind it does not handle on that channel.
	ErrUnexpectedMessage = errors.New("unexpected message")

	// ErrLeadershipLost fails client requests still pending when the
	// leader steps down or shuts down. Their outcome is unknown.
	ErrLeadershipLost = errors.New("leadership lost")

	// ErrReadTimeout fails a read whose leadership confirmation did not
	// reach a quorum in time.
	ErrReadTimeout = errors.New("read not confirmed by a quorum in time")

	// ErrRoleTaken is returned by NewLeader while another LeaderRole is alive
	// on the same node.
	ErrRoleTaken = errors.New("leader role is already taken")

	errNotLeader = errors.New("node is not the leader")
)

// NotLeaderError is the answer to client requests sent to a node that is
// not the leader. Leader and Addr are empty when the leader is unknown.
type NotLeaderError struct {
	ID     NodeID
	Leader NodeID
	Addr   string
}

func (e *NotLeaderError) Error() string {
	if e.Leader == "" {
		return fmt.Sprintf("node %s is not the leader, leader is unknown", e.ID)
	}

	return fmt.Sprintf("node %s is not the leader, leader is %s at %s", e.ID, e.Leader, e.Addr)
}

// RaftMessage travels on the client request channel of a node and back
// on the per-request response channel.
type RaftMessage interface {
	raftMessage()
}

// ClientReadMsg asks the leader to serve a read-only command.
type ClientReadMsg struct {
	Body []byte
	Tx   chan<- RaftMessage
}

// ClientWriteMsg asks the leader to replicate and apply a command.
type ClientWriteMsg struct {
	Body []byte
	Tx   chan<- RaftMessage
}

// ClientResp carries the state machine result or the reason the request failed.
type ClientResp struct {
	Body []byte
	Err  error
}

func (ClientReadMsg) raftMessage()  {}
func (ClientWriteMsg) raftMessage() {}
func (ClientResp) raftMessage()     {}

// reply hands resp to tx without blocking and reports whether it was taken.
func reply(tx chan<- RaftMessage, resp ClientResp) bool {
	select {
	case tx <- resp:
		return true
	default:
		return false
	}
}

// ReplicatorMsg travels between a leader and its replicators.
type ReplicatorMsg interface {
	replicatorMsg()
}

// ReplicateReq tells a replicator a new entry exists at Index.
type ReplicateReq struct {
	Index uint64
}

// ConfirmReq asks a replicator to prove leadership with a heartbeat.
// Seq identifies the read that needs the proof.
type ConfirmReq struct {
	Seq uint64
}

// ReplicateResp reports the replication progress of follower ID.
type ReplicateResp struct {
	NextIndex  uint64
	MatchIndex uint64
	ID         NodeID
}

// ConfirmResp reports that follower ID accepted the leader's term
// after confirmation Seq was requested.
type ConfirmResp struct {
	Seq uint64
	ID  NodeID
}

// StepDownResp reports that follower ID knows of a newer Term.
type StepDownResp struct {
	Term uint64
	ID   NodeID
}

// ReplicatorFailed reports that the replicator of follower ID stopped on Err.
type ReplicatorFailed struct {
	ID  NodeID
	Err error
}

func (ReplicateReq) replicatorMsg()     {}
func (ConfirmReq) replicatorMsg()       {}
func (ReplicateResp) replicatorMsg()    {}
func (ConfirmResp) replicatorMsg()      {}
func (StepDownResp) replicatorMsg()     {}
func (ReplicatorFailed) replicatorMsg() {}
