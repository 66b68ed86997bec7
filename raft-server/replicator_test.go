package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Konstantsiy/casual-kv/tracker"
)

// scriptedTransport answers AppendEntries with appendFn and records every call.
type scriptedTransport struct {
	mx          sync.Mutex
	requests    []*AppendEntriesRequest
	snapshots   []*InstallSnapshotRequest
	inflight    int
	maxInflight int

	appendFn   func(req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	snapshotFn func(req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

func (s *scriptedTransport) AppendEntries(ctx context.Context, _ Node, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	s.mx.Lock()
	s.inflight++
	s.maxInflight = max(s.maxInflight, s.inflight)
	s.requests = append(s.requests, req)
	var fn = s.appendFn
	s.mx.Unlock()

	defer func() {
		s.mx.Lock()
		s.inflight--
		s.mx.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(req)
}

func (s *scriptedTransport) InstallSnapshot(ctx context.Context, _ Node, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	s.mx.Lock()
	s.snapshots = append(s.snapshots, req)
	var fn = s.snapshotFn
	s.mx.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(req)
}

func (s *scriptedTransport) sent() []*AppendEntriesRequest {
	s.mx.Lock()
	defer s.mx.Unlock()

	return append([]*AppendEntriesRequest(nil), s.requests...)
}

// fakeFollower holds a prefix of the leader's log of length last.
type fakeFollower struct {
	mx   sync.Mutex
	term uint64
	last uint64
}

func (f *fakeFollower) appendEntries(req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	f.mx.Lock()
	defer f.mx.Unlock()

	if req.PrevLogIndex > f.last {
		return &AppendEntriesResponse{Term: f.term}, nil
	}

	f.last = max(f.last, req.PrevLogIndex+uint64(len(req.Entries)))
	return &AppendEntriesResponse{Term: f.term, Success: true}, nil
}

func (f *fakeFollower) installSnapshot(req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	f.mx.Lock()
	defer f.mx.Unlock()

	f.last = req.LastIncludedIndex
	return &InstallSnapshotResponse{Term: f.term}, nil
}

func (f *fakeFollower) length() uint64 {
	f.mx.Lock()
	defer f.mx.Unlock()

	return f.last
}

func newFakeTransport(f *fakeFollower) *scriptedTransport {
	return &scriptedTransport{appendFn: f.appendEntries, snapshotFn: f.installSnapshot}
}

// newLeaderTracker returns a tracker with n set commands of term 1.
func newLeaderTracker(t *testing.T, n int, threshold uint64) *SharedTracker {
	var st = NewSharedTracker(newTestTracker(t, threshold))
	for i := 1; i <= n; i++ {
		_, err := st.AppendLog(tracker.Command(setCmd(t, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))), 1)
		require.NoError(t, err)
	}
	return st
}

func newTestReplicator(t *testing.T, st *SharedTracker, transport Transport, nextIndex, matchIndex uint64) (*Replicator, chan ReplicatorMsg, chan ReplicatorMsg) {
	var rx = make(chan ReplicatorMsg, 1024)
	var tx = make(chan ReplicatorMsg, 1024)

	var rep = newReplicator(replicatorConfig{
		node:         Node{ID: "n2", Addr: "raft-node-2:8000"},
		nextIndex:    nextIndex,
		term:         1,
		tracker:      st,
		id:           "n1",
		rxRepl:       rx,
		txRepl:       tx,
		heartbeat:    20 * time.Millisecond,
		rpcTimeout:   100 * time.Millisecond,
		retryBackoff: time.Millisecond,
		transport:    transport,
		logger:       zaptest.NewLogger(t),
	})
	rep.matchIndex = matchIndex

	return rep, rx, tx
}

func drainReports(tx chan ReplicatorMsg) []ReplicatorMsg {
	var res []ReplicatorMsg
	for {
		select {
		case msg := <-tx:
			res = append(res, msg)
		default:
			return res
		}
	}
}

func TestReplicator_UpdatingSendsOneEntryAtATime(t *testing.T) {
	var follower = &fakeFollower{term: 1, last: 2}
	var transport = newFakeTransport(follower)
	var rep, _, tx = newTestReplicator(t, newLeaderTracker(t, 5, 0), transport, 3, 2)
	rep.state = Updating

	require.NoError(t, rep.runUpdating(context.Background()))

	require.Equal(t, UpToDate, rep.state)
	require.Equal(t, uint64(6), rep.nextIndex)
	require.Equal(t, uint64(5), rep.matchIndex)
	require.Equal(t, uint64(5), follower.length())

	var requests = transport.sent()
	require.Len(t, requests, 3)
	for i, req := range requests {
		var index = uint64(3 + i)
		require.Len(t, req.Entries, 1)
		require.Equal(t, index, req.Entries[0].Index)
		require.Equal(t, index-1, req.PrevLogIndex)
		require.Equal(t, uint64(1), req.PrevLogTerm)
		require.Equal(t, NodeID("n1"), req.LeaderID)
	}
	require.Equal(t, 1, transport.maxInflight)

	var reports = drainReports(tx)
	require.Len(t, reports, 3)
	for i, msg := range reports {
		require.Equal(t, ReplicateResp{NextIndex: uint64(4 + i), MatchIndex: uint64(3 + i), ID: "n2"}, msg)
	}
}

func TestReplicator_SendNextStep(t *testing.T) {
	var follower = &fakeFollower{term: 1, last: 2}
	var rep, _, _ = newTestReplicator(t, newLeaderTracker(t, 5, 0), newFakeTransport(follower), 3, 2)
	rep.state = Updating

	require.NoError(t, rep.sendNext(context.Background()))
	require.Equal(t, uint64(3), rep.matchIndex)
	require.Equal(t, uint64(4), rep.nextIndex)
	require.Equal(t, Updating, rep.state)
}

func TestReplicator_LaggedWalksBack(t *testing.T) {
	tests := []struct {
		name      string
		nextIndex uint64
		requests  int
	}{
		{name: "far ahead", nextIndex: 9, requests: 6},
		{name: "right after follower log", nextIndex: 4, requests: 1},
		{name: "nothing to walk back", nextIndex: 1, requests: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var follower = &fakeFollower{term: 1, last: 3}
			if tt.nextIndex == 1 {
				follower.last = 0
			}

			var transport = newFakeTransport(follower)
			var rep, _, _ = newTestReplicator(t, newLeaderTracker(t, 8, 0), transport, tt.nextIndex, 0)
			rep.state = Lagged

			require.NoError(t, rep.runLagged(context.Background()))
			require.Equal(t, Updating, rep.state)
			require.Equal(t, follower.length(), rep.matchIndex)
			require.Equal(t, rep.matchIndex+1, rep.nextIndex)

			var requests = transport.sent()
			require.Len(t, requests, tt.requests)
			for i := 1; i < len(requests); i++ {
				require.Less(t, requests[i].PrevLogIndex, requests[i-1].PrevLogIndex)
			}
			for _, req := range requests {
				require.Empty(t, req.Entries)
			}
		})
	}
}

func TestReplicator_RejectAtMatchRestartsProgress(t *testing.T) {
	var rep, _, _ = newTestReplicator(t, newLeaderTracker(t, 5, 0), nil, 6, 4)

	// a refusal above matchIndex only walks back
	rep.reject(context.Background())
	require.Equal(t, uint64(5), rep.nextIndex)
	require.Equal(t, uint64(4), rep.matchIndex)

	// a refusal at matchIndex drops the acknowledged prefix
	rep.reject(context.Background())
	require.Equal(t, uint64(4), rep.nextIndex)
	require.Equal(t, uint64(0), rep.matchIndex)

	rep.reject(context.Background())
	require.Equal(t, uint64(3), rep.nextIndex)
}

func TestReplicator_FollowerLostItsLog(t *testing.T) {
	var follower = &fakeFollower{term: 1}
	var transport = newFakeTransport(follower)
	var rep, _, tx = newTestReplicator(t, newLeaderTracker(t, 5, 0), transport, 4, 3)
	rep.state = Updating

	require.NoError(t, rep.runUpdating(context.Background()))
	require.Equal(t, Lagged, rep.state)
	require.Equal(t, uint64(0), rep.matchIndex)

	require.NoError(t, rep.runLagged(context.Background()))
	require.Equal(t, Updating, rep.state)
	require.Equal(t, uint64(1), rep.nextIndex)

	require.NoError(t, rep.runUpdating(context.Background()))
	require.Equal(t, UpToDate, rep.state)
	require.Equal(t, uint64(5), rep.matchIndex)
	require.Equal(t, uint64(5), follower.length())

	// one refused entry, two checks walking back, then the whole log
	require.Len(t, transport.sent(), 8)

	var last ReplicatorMsg
	for _, msg := range drainReports(tx) {
		last = msg
	}
	require.Equal(t, ReplicateResp{NextIndex: 6, MatchIndex: 5, ID: "n2"}, last)
}

func TestReplicator_RefusalsAtLogStartBackOff(t *testing.T) {
	var transport = &scriptedTransport{
		appendFn: func(*AppendEntriesRequest) (*AppendEntriesResponse, error) {
			return &AppendEntriesResponse{Term: 1}, nil
		},
	}

	var rep, _, _ = newTestReplicator(t, newLeaderTracker(t, 5, 0), transport, 1, 0)
	rep.retryBackoff = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, rep.run(ctx))
	require.Equal(t, uint64(1), rep.nextIndex)
	require.Equal(t, uint64(0), rep.matchIndex)
	require.Less(t, len(transport.sent()), 20)
}

func TestReplicator_HeartbeatIsIdempotent(t *testing.T) {
	var follower = &fakeFollower{term: 1, last: 5}
	var transport = newFakeTransport(follower)
	var rep, _, tx = newTestReplicator(t, newLeaderTracker(t, 5, 0), transport, 6, 5)

	for i := 0; i < 10; i++ {
		require.NoError(t, rep.beat(context.Background()))
	}

	require.Equal(t, UpToDate, rep.state)
	require.Equal(t, uint64(6), rep.nextIndex)
	require.Equal(t, uint64(5), rep.matchIndex)
	require.Empty(t, drainReports(tx))

	for _, req := range transport.sent() {
		require.Empty(t, req.Entries)
		require.Equal(t, uint64(5), req.PrevLogIndex)
	}
}

func TestReplicator_TransportErrorsKeepProgress(t *testing.T) {
	var follower = &fakeFollower{term: 1, last: 2}
	var failures = 3
	var transport = &scriptedTransport{
		appendFn: func(req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
			if failures > 0 {
				failures--
				return nil, errors.New("connection refused")
			}
			return follower.appendEntries(req)
		},
	}

	var rep, _, _ = newTestReplicator(t, newLeaderTracker(t, 5, 0), transport, 3, 2)
	rep.state = UpToDate

	core, logs := observer.New(zap.InfoLevel)
	rep.logger = zap.New(core)

	// a failed heartbeat changes nothing
	require.NoError(t, rep.beat(context.Background()))
	require.Equal(t, UpToDate, rep.state)
	require.Equal(t, uint64(3), rep.nextIndex)
	require.Equal(t, uint64(2), rep.matchIndex)

	var failed = logs.FilterMessage("heartbeat failed").All()
	require.Len(t, failed, 1)
	require.Equal(t, zap.ErrorLevel, failed[0].Level)

	// the same entry is retried until it is delivered
	rep.state = Updating
	require.NoError(t, rep.sendNext(context.Background()))
	require.Equal(t, uint64(4), rep.nextIndex)
	require.Equal(t, uint64(3), rep.matchIndex)

	var requests = transport.sent()
	require.Len(t, requests, 4)
	for _, req := range requests[1:] {
		require.Len(t, req.Entries, 1)
		require.Equal(t, uint64(3), req.Entries[0].Index)
	}
}

func TestReplicator_NeedSnapshot(t *testing.T) {
	var st = newLeaderTracker(t, 12, 5)
	_, err := st.Commit(10)
	require.NoError(t, err)
	require.Equal(t, uint64(11), st.FirstLogIndex())

	var follower = &fakeFollower{term: 1, last: 2}
	var transport = newFakeTransport(follower)
	var rep, _, tx = newTestReplicator(t, st, transport, 3, 2)
	rep.state = Updating

	require.NoError(t, rep.runUpdating(context.Background()))
	require.Equal(t, NeedSnapshot, rep.state)

	require.NoError(t, rep.runNeedSnapshot(context.Background()))
	require.Equal(t, Updating, rep.state)
	require.Equal(t, uint64(10), rep.matchIndex)
	require.Equal(t, uint64(11), rep.nextIndex)
	require.Len(t, transport.snapshots, 1)
	require.Equal(t, uint64(10), transport.snapshots[0].LastIncludedIndex)
	require.Equal(t, uint64(1), transport.snapshots[0].LastIncludedTerm)

	require.NoError(t, rep.runUpdating(context.Background()))
	require.Equal(t, UpToDate, rep.state)
	require.Equal(t, uint64(12), rep.matchIndex)
	require.Equal(t, uint64(12), follower.length())

	var last ReplicatorMsg
	for _, msg := range drainReports(tx) {
		last = msg
	}
	require.Equal(t, ReplicateResp{NextIndex: 13, MatchIndex: 12, ID: "n2"}, last)
}

func TestReplicator_HeartbeatOnCompactedPrev(t *testing.T) {
	var st = newLeaderTracker(t, 10, 5)
	_, err := st.Commit(10)
	require.NoError(t, err)

	var rep, _, _ = newTestReplicator(t, st, newFakeTransport(&fakeFollower{term: 1}), 5, 0)

	require.NoError(t, rep.beat(context.Background()))
	require.Equal(t, NeedSnapshot, rep.state)
}

func TestReplicator_StepDown(t *testing.T) {
	var transport = newFakeTransport(&fakeFollower{term: 7})
	var rep, _, tx = newTestReplicator(t, newLeaderTracker(t, 3, 0), transport, 4, 0)

	err := rep.beat(context.Background())
	require.ErrorIs(t, err, errSteppedDown)
	require.Equal(t, []ReplicatorMsg{StepDownResp{Term: 7, ID: "n2"}}, drainReports(tx))
	require.Equal(t, uint64(4), rep.nextIndex)
}

func TestReplicator_ConfirmsReads(t *testing.T) {
	var transport = newFakeTransport(&fakeFollower{term: 1, last: 3})
	var rep, rx, tx = newTestReplicator(t, newLeaderTracker(t, 3, 0), transport, 4, 3)

	rx <- ConfirmReq{Seq: 2}
	rx <- ConfirmReq{Seq: 3}
	require.NoError(t, rep.beat(context.Background()))
	require.Equal(t, []ReplicatorMsg{ConfirmResp{Seq: 3, ID: "n2"}}, drainReports(tx))

	// nothing new to confirm
	require.NoError(t, rep.beat(context.Background()))
	require.Empty(t, drainReports(tx))

	require.ErrorIs(t, rep.handle(context.Background(), ReplicateResp{}), ErrUnexpectedMessage)
}

func TestReplicator_RunFollowsAnnouncements(t *testing.T) {
	var follower = &fakeFollower{term: 1}
	var st = newLeaderTracker(t, 0, 0)
	var rep, rx, tx = newTestReplicator(t, st, newFakeTransport(follower), 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- rep.run(ctx) }()

	for i := 1; i <= 3; i++ {
		st.Lock()
		index, err := st.AppendLog(tracker.Command(setCmd(t, "k", fmt.Sprintf("v%d", i))), 1)
		st.Unlock()
		require.NoError(t, err)

		rx <- ReplicateReq{Index: index}
	}

	require.Eventually(t, func() bool {
		for {
			select {
			case msg := <-tx:
				if resp, ok := msg.(ReplicateResp); ok && resp.MatchIndex == 3 {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(3), follower.length())

	cancel()
	require.NoError(t, <-done)
}
