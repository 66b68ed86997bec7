package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	grpcServiceName = "casualkv.Raft"
	jsonCodecName   = "json"
)

// jsonCodec carries the same JSON messages as the HTTP transport over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// raftService is what a gRPC server needs to answer leader RPCs, *Raft implements it.
type raftService interface {
	HandleAppendEntries(req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	HandleInstallSnapshot(req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*raftService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterGRPCService serves leader RPCs for raft on s.
func RegisterGRPCService(s *grpc.Server, raft *Raft) {
	s.RegisterService(&raftServiceDesc, raft)
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req AppendEntriesRequest
	if err := dec(&req); err != nil {
		return nil, err
	}

	var handle = func(_ context.Context, req any) (any, error) {
		resp, err := srv.(raftService).HandleAppendEntries(req.(*AppendEntriesRequest))
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return resp, nil
	}

	if interceptor == nil {
		return handle(ctx, &req)
	}

	return interceptor(ctx, &req, &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + grpcServiceName + "/AppendEntries",
	}, handle)
}

func installSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req InstallSnapshotRequest
	if err := dec(&req); err != nil {
		return nil, err
	}

	var handle = func(_ context.Context, req any) (any, error) {
		resp, err := srv.(raftService).HandleInstallSnapshot(req.(*InstallSnapshotRequest))
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return resp, nil
	}

	if interceptor == nil {
		return handle(ctx, &req)
	}

	return interceptor(ctx, &req, &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + grpcServiceName + "/InstallSnapshot",
	}, handle)
}

// GRPCTransport sends leader RPCs over gRPC to Node.GRPCAddr, keeping one
// connection per address.
type GRPCTransport struct {
	mx    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewGRPCTransport() *GRPCTransport {
	return &GRPCTransport{conns: make(map[string]*grpc.ClientConn)}
}

func (t *GRPCTransport) AppendEntries(ctx context.Context, node Node, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	var resp AppendEntriesResponse
	if err := t.invoke(ctx, node, "AppendEntries", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

func (t *GRPCTransport) InstallSnapshot(ctx context.Context, node Node, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	var resp InstallSnapshotResponse
	if err := t.invoke(ctx, node, "InstallSnapshot", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

func (t *GRPCTransport) invoke(ctx context.Context, node Node, method string, req, resp any) error {
	conn, err := t.conn(node)
	if err != nil {
		return err
	}

	return conn.Invoke(ctx, "/"+grpcServiceName+"/"+method, req, resp)
}

func (t *GRPCTransport) conn(node Node) (*grpc.ClientConn, error) {
	if node.GRPCAddr == "" {
		return nil, fmt.Errorf("node %s has no gRPC address", node.ID)
	}

	t.mx.Lock()
	defer t.mx.Unlock()

	if conn, ok := t.conns[node.GRPCAddr]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(node.GRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", node.ID, err)
	}

	t.conns[node.GRPCAddr] = conn
	return conn, nil
}

// Close closes every connection.
func (t *GRPCTransport) Close() error {
	t.mx.Lock()
	defer t.mx.Unlock()

	var firstErr error
	for addr, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, addr)
	}

	return firstErr
}

var _ Transport = (*GRPCTransport)(nil)
