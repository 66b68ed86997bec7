package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func startGRPCFollower(t *testing.T) (*Raft, Node) {
	var follower = setupTestRaft(t, "n2", testNodes(2), nil, 0)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var srv = grpc.NewServer()
	RegisterGRPCService(srv, follower)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return follower, Node{ID: "n2", GRPCAddr: lis.Addr().String()}
}

func TestGRPCTransport_AppendEntries(t *testing.T) {
	follower, node := startGRPCFollower(t)

	var transport = NewGRPCTransport()
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := transport.AppendEntries(ctx, node, &AppendEntriesRequest{
		Term:         2,
		LeaderID:     "n1",
		Entries:      wireEntries(t, 1, 2),
		LeaderCommit: 1,
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, uint64(2), resp.Term)

	var st = follower.Status()
	require.Equal(t, uint64(1), st.CommitIndex)
	require.Equal(t, uint64(2), st.Term)
	require.Equal(t, NodeID("n1"), st.Leader)

	// a gap in the log is refused, not an error
	resp, err = transport.AppendEntries(ctx, node, &AppendEntriesRequest{
		Term:         2,
		LeaderID:     "n1",
		PrevLogIndex: 5,
		PrevLogTerm:  2,
		LeaderCommit: 1,
	})
	require.NoError(t, err)
	require.False(t, resp.Success)
}

func TestGRPCTransport_InstallSnapshot(t *testing.T) {
	follower, node := startGRPCFollower(t)

	// build a snapshot on a separate leader tracker
	var leader = setupTestRaft(t, "n1", testNodes(2), nil, 2)
	seedLog(t, leader, 1, 1, 1)

	leader.tracker.Lock()
	_, err := leader.tracker.Commit(3)
	require.NoError(t, err)
	snap, err := leader.tracker.Snapshot()
	leader.tracker.Unlock()
	require.NoError(t, err)
	require.Equal(t, uint64(2), snap.Index)

	var transport = NewGRPCTransport()
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := transport.InstallSnapshot(ctx, node, &InstallSnapshotRequest{
		Term:              1,
		LeaderID:          "n1",
		LastIncludedIndex: snap.Index,
		LastIncludedTerm:  snap.Term,
		Data:              snap.Data,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), resp.Term)

	var st = follower.Status()
	require.Equal(t, uint64(2), st.CommitIndex)
	require.Equal(t, uint64(3), st.FirstLogIndex)
	require.Equal(t, 1, st.SnapshotCount)

	follower.tracker.RLock()
	value, err := follower.tracker.Propagate(getCmd(t, "key-2"))
	follower.tracker.RUnlock()
	require.NoError(t, err)
	require.Equal(t, "value-2", string(value))
}

func TestGRPCTransport_Errors(t *testing.T) {
	var transport = NewGRPCTransport()
	defer transport.Close()

	_, err := transport.AppendEntries(context.Background(), Node{ID: "n2"}, &AppendEntriesRequest{})
	require.ErrorContains(t, err, "no gRPC address")

	// the handler error travels back as an Internal status
	_, node := startGRPCFollower(t)
	_, err = transport.InstallSnapshot(context.Background(), node, &InstallSnapshotRequest{
		Term:              1,
		LeaderID:          "n1",
		LastIncludedIndex: 4,
		LastIncludedTerm:  1,
		Data:              []byte("not a snapshot"),
	})
	require.Error(t, err)
	require.Equal(t, codes.Internal, status.Code(err))
}
