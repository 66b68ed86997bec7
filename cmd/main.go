package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	raftserver "github.com/Konstantsiy/casual-kv/raft-server"
	"github.com/Konstantsiy/casual-kv/state-machine"
	"github.com/Konstantsiy/casual-kv/tracker"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config, replaces the flags below")
		id         = flag.String("id", "", "ID of this node")
		port       = flag.String("port", "8000", "HTTP port")
		grpcPort   = flag.String("grpc-port", "9000", "gRPC port, used with --transport grpc")
		peers      = flag.String("peers", "", "Comma separated cluster members with this node (e.g., n1=raft-node-1:8000,n2=raft-node-2:8000)")
		grpcPeers  = flag.String("grpc-peers", "", "Comma separated gRPC addresses of the members (e.g., n1=raft-node-1:9000)")
		leader     = flag.String("leader", "", "ID of the bootstrap leader")
		dataDir    = flag.String("data", "", "Data directory for the bolt storage")
		engine     = flag.String("engine", raftserver.StorageMemory, "Log storage: memory or bolt")
		transport  = flag.String("transport", raftserver.TransportHTTP, "Peer transport: http or grpc")
		threshold  = flag.Uint64("snapshot-threshold", 0, "Applied entries between snapshots, 0 disables compaction")
		logLevel   = flag.String("log-level", "info", "Log level")
	)

	flag.Parse()

	var (
		config *raftserver.Config
		err    error
	)
	if *configPath != "" {
		config, err = raftserver.LoadConfig(*configPath)
	} else {
		config, err = configFromFlags(flagConfig{
			id:        *id,
			peers:     *peers,
			grpcPeers: *grpcPeers,
			leader:    *leader,
			dataDir:   *dataDir,
			engine:    *engine,
			transport: *transport,
			threshold: *threshold,
			logLevel:  *logLevel,
		})
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := raftserver.NewLogger(config.Log.Level, config.Log.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err = run(config, *port, *grpcPort, logger); err != nil {
		logger.Fatal("node stopped", zap.Error(err))
	}
}

type flagConfig struct {
	id, peers, grpcPeers, leader, dataDir, engine, transport, logLevel string

	threshold uint64
}

func configFromFlags(f flagConfig) (*raftserver.Config, error) {
	if f.id == "" {
		return nil, errors.New("node ID must be provided")
	}

	if f.peers == "" {
		return nil, errors.New("peers must be provided")
	}

	addrs, err := parsePeers(f.peers)
	if err != nil {
		return nil, err
	}

	grpcAddrs, err := parsePeers(f.grpcPeers)
	if err != nil {
		return nil, err
	}

	var config = &raftserver.Config{
		Node: raftserver.NodeConfig{
			ID:          f.id,
			Address:     addrs.get(f.id),
			GRPCAddress: grpcAddrs.get(f.id),
			DataDir:     f.dataDir,
		},
		Raft: raftserver.RaftConfig{
			BootstrapLeader:   f.leader,
			SnapshotThreshold: f.threshold,
		},
		Storage:   raftserver.StorageConfig{Engine: f.engine},
		Transport: f.transport,
		Log:       raftserver.LogConfig{Level: f.logLevel},
	}

	for _, p := range addrs {
		config.Cluster.Peers = append(config.Cluster.Peers, raftserver.PeerConfig{
			ID:          p.id,
			Address:     p.addr,
			GRPCAddress: grpcAddrs.get(p.id),
		})
	}

	config.SetDefaults()
	if err = config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

type peerAddr struct {
	id, addr string
}

type peerList []peerAddr

func (l peerList) get(id string) string {
	for _, p := range l {
		if p.id == id {
			return p.addr
		}
	}
	return ""
}

// parsePeers reads "id=host:port" pairs separated by commas.
func parsePeers(s string) (peerList, error) {
	var res peerList
	if s == "" {
		return res, nil
	}

	for _, pair := range strings.Split(s, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, expected id=host:port", pair)
		}
		res = append(res, peerAddr{id: id, addr: addr})
	}

	return res, nil
}

func openStorage(config *raftserver.Config) (tracker.Storage, error) {
	if config.Storage.Engine != raftserver.StorageBolt {
		return tracker.NewMemoryStorage(), nil
	}

	if err := os.MkdirAll(config.Node.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return tracker.OpenBoltStorage(filepath.Join(config.Node.DataDir, fmt.Sprintf("node-%s.db", config.Node.ID)))
}

func run(config *raftserver.Config, port, grpcPort string, logger *zap.Logger) error {
	storage, err := openStorage(config)
	if err != nil {
		return err
	}
	defer storage.Close()

	raftLog, err := tracker.New(storage, state_machine.New(),
		tracker.WithSnapshotThreshold(config.Raft.SnapshotThreshold),
		tracker.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}

	var peerTransport raftserver.Transport = raftserver.NewRaftClient(config.Raft.RPCTimeout)
	if config.Transport == raftserver.TransportGRPC {
		grpcTransport := raftserver.NewGRPCTransport()
		defer grpcTransport.Close()
		peerTransport = grpcTransport
	}

	var id = raftserver.NodeID(config.Node.ID)
	raft, err := raftserver.NewRaft(id, config.Nodes(), raftLog, peerTransport, config.Options(logger)...)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	switch leader := raftserver.NodeID(config.Raft.BootstrapLeader); leader {
	case "":
		raft.BecomeFollower(config.Raft.BootstrapTerm, "")
	case id:
		raft.BecomeLeader(config.Raft.BootstrapTerm)
	default:
		raft.BecomeFollower(config.Raft.BootstrapTerm, leader)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	raftserver.NewHTTPHandler(raft, config.Raft.ClientTimeout).RegisterHandlers(mux)

	httpServer := &http.Server{Addr: fmt.Sprintf(":%s", port), Handler: mux}
	errc := make(chan error, 2)

	go func() {
		logger.Info("listening", zap.String("transport", "http"), zap.String("port", port))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	if config.Transport == raftserver.TransportGRPC {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", grpcPort))
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}

		grpcServer := grpc.NewServer()
		raftserver.RegisterGRPCService(grpcServer, raft)
		defer grpcServer.GracefulStop()

		go func() {
			logger.Info("listening", zap.String("transport", "grpc"), zap.String("port", grpcPort))
			if err := grpcServer.Serve(lis); err != nil {
				errc <- err
			}
		}()
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- raft.Run(ctx)
	}()

	var failure error
	select {
	case <-ctx.Done():
	case failure = <-errc:
	case failure = <-runDone:
		runDone <- failure
	}

	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) && failure == nil {
		failure = err
	}

	if errors.Is(failure, context.Canceled) {
		return nil
	}
	return failure
}
