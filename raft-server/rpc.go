package server

import (
	"context"

	"github.com/Konstantsiy/casual-kv/tracker"
)

type AppendEntriesRequest struct {
	Term         uint64  // leader's term
	LeaderID     NodeID  // so followers can redirect clients
	PrevLogIndex uint64  // index of log entry immediately preceding new ones
	PrevLogTerm  uint64  // term of prevLogIndex entry
	Entries      []Entry // log entries to store (empty for heartbeat)
	LeaderCommit uint64  // leader's commit index
}

type AppendEntriesResponse struct {
	Term    uint64 // currentTerm, for leader to update itself
	Success bool   // true if follower contained entry matching prevLogIndex and prevLogTerm
}

type InstallSnapshotRequest struct {
	Term              uint64 // leader's term
	LeaderID          NodeID
	LastIncludedIndex uint64 // the snapshot replaces all entries up through this index
	LastIncludedTerm  uint64 // term of lastIncludedIndex
	Data              []byte // serialized state machine
}

type InstallSnapshotResponse struct {
	Term uint64 // currentTerm, for leader to update itself
}

// Entry is a log entry on the wire.
type Entry struct {
	Index   uint64
	Term    uint64
	Kind    tracker.EntityKind
	Payload []byte
}

func toWire(e tracker.LogEntry) Entry {
	return Entry{
		Index:   e.Index,
		Term:    e.Term,
		Kind:    e.Entity.Kind,
		Payload: e.Entity.Data,
	}
}

func fromWire(e Entry) tracker.LogEntry {
	return tracker.LogEntry{
		Index:  e.Index,
		Term:   e.Term,
		Entity: tracker.Entity{Kind: e.Kind, Data: e.Payload},
	}
}

// Transport delivers leader RPCs to a follower. Implementations must honor
// ctx cancellation, the replicator bounds every call with its RPC timeout.
type Transport interface {
	AppendEntries(ctx context.Context, node Node, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, node Node, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}
