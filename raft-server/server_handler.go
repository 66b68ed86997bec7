package server

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Konstantsiy/casual-kv/tracker"
)

// HandleAppendEntries applies a leader's AppendEntries to the local log.
func (r *Raft) HandleAppendEntries(req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	var resp, ok = r.acceptLeader(req.Term, req.LeaderID)
	if !ok {
		return resp, nil
	}

	var entries = make([]tracker.LogEntry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = fromWire(e)
	}

	r.tracker.Lock()
	// Check if the log contains an entry at prevLogIndex with matching term,
	// if not the leader walks nextIndex back and retries
	success, err := r.tracker.Append(req.PrevLogIndex, req.PrevLogTerm, entries)
	if err == nil && success {
		// only entries known to match the leader's log may be committed
		var lastNew = req.PrevLogIndex + uint64(len(entries))
		var commit = min(req.LeaderCommit, lastNew)
		if commit > r.tracker.CommitIndex() {
			_, err = r.tracker.Commit(commit)
		}
	}
	var lastIndex = r.tracker.LastLogIndex()
	lastTerm, termErr := r.tracker.LogTerm(lastIndex)
	r.tracker.Unlock()

	if err != nil {
		return nil, fmt.Errorf("cannot append entries after %d: %w", req.PrevLogIndex, err)
	}
	if termErr != nil {
		return nil, fmt.Errorf("cannot read term of last log entry %d: %w", lastIndex, termErr)
	}

	r.setLastLog(lastIndex, lastTerm)

	if len(entries) > 0 {
		r.logger.Debug("appended entries",
			zap.Uint64("prev_index", req.PrevLogIndex),
			zap.Int("count", len(entries)),
			zap.Bool("success", success))
	}

	resp.Success = success
	return resp, nil
}

// HandleInstallSnapshot replaces the local state with a leader's snapshot.
func (r *Raft) HandleInstallSnapshot(req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	var aer, ok = r.acceptLeader(req.Term, req.LeaderID)
	var resp = &InstallSnapshotResponse{Term: aer.Term}
	if !ok {
		return resp, nil
	}

	r.tracker.Lock()
	err := r.tracker.InstallSnapshot(tracker.Snapshot{
		Index: req.LastIncludedIndex,
		Term:  req.LastIncludedTerm,
		Data:  req.Data,
	})
	var lastIndex = r.tracker.LastLogIndex()
	lastTerm, termErr := r.tracker.LogTerm(lastIndex)
	r.tracker.Unlock()

	if err != nil {
		return nil, fmt.Errorf("cannot install snapshot %d: %w", req.LastIncludedIndex, err)
	}
	if termErr != nil {
		return nil, fmt.Errorf("cannot read term of last log entry %d: %w", lastIndex, termErr)
	}

	r.setLastLog(lastIndex, lastTerm)
	return resp, nil
}

// acceptLeader checks the relevance of a leader RPC and follows its sender
// when the term is current. It reports false for stale terms.
func (r *Raft) acceptLeader(term uint64, leader NodeID) (*AppendEntriesResponse, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if term < r.currentTerm {
		return &AppendEntriesResponse{Term: r.currentTerm}, false
	}

	if term > r.currentTerm || r.state != Follower || r.currentLeader != leader {
		r.becomeFollowerLocked(term, leader)
	}

	return &AppendEntriesResponse{Term: r.currentTerm}, true
}
