package server

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"

	StorageMemory = "memory"
	StorageBolt   = "bolt"
)

type Config struct {
	Node      NodeConfig    `yaml:"node"`
	Cluster   ClusterConfig `yaml:"cluster"`
	Raft      RaftConfig    `yaml:"raft"`
	Storage   StorageConfig `yaml:"storage"`
	Transport string        `yaml:"transport"`
	Log       LogConfig     `yaml:"log"`
}

type NodeConfig struct {
	ID          string `yaml:"id"`
	Address     string `yaml:"address"`
	GRPCAddress string `yaml:"grpc_address"`
	DataDir     string `yaml:"data_dir"`
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID          string `yaml:"id"`
	Address     string `yaml:"address"`
	GRPCAddress string `yaml:"grpc_address"`
}

type RaftConfig struct {
	// BootstrapLeader is the node that starts as leader of BootstrapTerm,
	// every other node starts as its follower
	BootstrapLeader string `yaml:"bootstrap_leader"`
	BootstrapTerm   uint64 `yaml:"bootstrap_term"`

	Heartbeat         time.Duration `yaml:"heartbeat"`
	RPCTimeout        time.Duration `yaml:"rpc_timeout"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ClientTimeout     time.Duration `yaml:"client_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	SnapshotThreshold uint64        `yaml:"snapshot_threshold"`
}

type StorageConfig struct {
	// Engine is memory or bolt, bolt keeps the log in DataDir
	Engine string `yaml:"engine"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults fills every unset tunable.
func (c *Config) SetDefaults() {
	if c.Transport == "" {
		c.Transport = TransportHTTP
	}
	if c.Storage.Engine == "" {
		c.Storage.Engine = StorageMemory
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Raft.BootstrapTerm == 0 {
		c.Raft.BootstrapTerm = 1
	}
	if c.Raft.Heartbeat == 0 {
		c.Raft.Heartbeat = defaultHeartbeat
	}
	if c.Raft.RPCTimeout == 0 {
		c.Raft.RPCTimeout = defaultRPCTimeout
	}
	if c.Raft.RetryBackoff == 0 {
		c.Raft.RetryBackoff = defaultRetryBackoff
	}
	if c.Raft.ReadTimeout == 0 {
		c.Raft.ReadTimeout = defaultReadTimeout
	}
	if c.Raft.ClientTimeout == 0 {
		c.Raft.ClientTimeout = defaultClientTimeout
	}
	if c.Raft.ShutdownTimeout == 0 {
		c.Raft.ShutdownTimeout = defaultShutdownTimeout
	}
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}

	if c.Node.Address == "" {
		return fmt.Errorf("node.address is required")
	}

	if len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster.peers must contain at least one peer")
	}

	switch c.Storage.Engine {
	case StorageMemory:
	case StorageBolt:
		if c.Node.DataDir == "" {
			return fmt.Errorf("node.data_dir is required for the %s storage", StorageBolt)
		}
	default:
		return fmt.Errorf("unknown storage.engine %q", c.Storage.Engine)
	}

	switch c.Transport {
	case TransportHTTP, TransportGRPC:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}

	found := false
	for _, peer := range c.Cluster.Peers {
		if peer.ID == c.Node.ID {
			found = true
			if peer.Address != c.Node.Address {
				return fmt.Errorf("node address mismatch: node.address=%s but peer address=%s",
					c.Node.Address, peer.Address)
			}
			break
		}
	}

	if !found {
		return fmt.Errorf("node.id=%s not found in cluster.peers", c.Node.ID)
	}

	uniqueIDs := make(map[string]bool)
	for _, peer := range c.Cluster.Peers {
		if peer.ID == "" {
			return fmt.Errorf("peer with address %s has no ID", peer.Address)
		}

		if uniqueIDs[peer.ID] {
			return fmt.Errorf("duplicate peer ID: %s", peer.ID)
		}
		uniqueIDs[peer.ID] = true

		if c.Transport == TransportGRPC && peer.GRPCAddress == "" {
			return fmt.Errorf("peer %s has no grpc_address", peer.ID)
		}
	}

	if c.Raft.BootstrapLeader != "" && !uniqueIDs[c.Raft.BootstrapLeader] {
		return fmt.Errorf("raft.bootstrap_leader=%s not found in cluster.peers", c.Raft.BootstrapLeader)
	}

	if c.Raft.RPCTimeout <= 0 || c.Raft.Heartbeat <= 0 {
		return fmt.Errorf("raft.heartbeat and raft.rpc_timeout must be positive")
	}

	return nil
}

// Nodes returns every cluster member.
func (c *Config) Nodes() []Node {
	var res = make([]Node, len(c.Cluster.Peers))
	for i, peer := range c.Cluster.Peers {
		res[i] = Node{
			ID:       NodeID(peer.ID),
			Addr:     peer.Address,
			GRPCAddr: peer.GRPCAddress,
		}
	}
	return res
}

// Options turns the raft section into NewRaft options.
func (c *Config) Options(logger *zap.Logger) []Option {
	return []Option{
		WithHeartbeat(c.Raft.Heartbeat),
		WithRPCTimeout(c.Raft.RPCTimeout),
		WithRetryBackoff(c.Raft.RetryBackoff),
		WithReadTimeout(c.Raft.ReadTimeout),
		WithShutdownTimeout(c.Raft.ShutdownTimeout),
		WithLogger(logger),
	}
}
