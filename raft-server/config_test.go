package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testConfigYAML = `
node:
  id: n2
  address: raft-node-2:8000
  grpc_address: raft-node-2:9000
cluster:
  peers:
    - id: n1
      address: raft-node-1:8000
      grpc_address: raft-node-1:9000
    - id: n2
      address: raft-node-2:8000
      grpc_address: raft-node-2:9000
    - id: n3
      address: raft-node-3:8000
      grpc_address: raft-node-3:9000
raft:
  bootstrap_leader: n1
  heartbeat: 50ms
  snapshot_threshold: 100
transport: grpc
log:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	var path = filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func validConfig() *Config {
	var c = &Config{
		Node: NodeConfig{ID: "n1", Address: "raft-node-1:8000"},
		Cluster: ClusterConfig{Peers: []PeerConfig{
			{ID: "n1", Address: "raft-node-1:8000"},
			{ID: "n2", Address: "raft-node-2:8000"},
		}},
	}
	c.SetDefaults()
	return c
}

func TestLoadConfig(t *testing.T) {
	c, err := LoadConfig(writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	require.Equal(t, "n2", c.Node.ID)
	require.Equal(t, TransportGRPC, c.Transport)
	require.Equal(t, "n1", c.Raft.BootstrapLeader)
	require.Equal(t, uint64(100), c.Raft.SnapshotThreshold)
	require.Equal(t, 50*time.Millisecond, c.Raft.Heartbeat)
	require.Equal(t, "debug", c.Log.Level)

	// unset tunables get defaults
	require.Equal(t, uint64(1), c.Raft.BootstrapTerm)
	require.Equal(t, defaultRPCTimeout, c.Raft.RPCTimeout)
	require.Equal(t, defaultReadTimeout, c.Raft.ReadTimeout)
	require.Equal(t, defaultClientTimeout, c.Raft.ClientTimeout)
	require.Equal(t, StorageMemory, c.Storage.Engine)

	require.Equal(t, []Node{
		{ID: "n1", Addr: "raft-node-1:8000", GRPCAddr: "raft-node-1:9000"},
		{ID: "n2", Addr: "raft-node-2:8000", GRPCAddr: "raft-node-2:9000"},
		{ID: "n3", Addr: "raft-node-3:8000", GRPCAddr: "raft-node-3:9000"},
	}, c.Nodes())

	var opts = c.Options(zaptest.NewLogger(t))
	r, err := NewRaft("n2", c.Nodes(), newTestTracker(t, 0), nil, opts...)
	require.NoError(t, err)
	require.Equal(t, 50*time.Millisecond, r.heartbeat)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read config file")

	_, err = LoadConfig(writeConfig(t, "node: ["))
	require.ErrorContains(t, err, "failed to parse config file")

	_, err = LoadConfig(writeConfig(t, "node:\n  id: n1\n"))
	require.ErrorContains(t, err, "invalid configuration")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{
			name:   "valid",
			modify: func(c *Config) {},
		},
		{
			name:   "missing node id",
			modify: func(c *Config) { c.Node.ID = "" },
			errMsg: "node.id is required",
		},
		{
			name:   "missing node address",
			modify: func(c *Config) { c.Node.Address = "" },
			errMsg: "node.address is required",
		},
		{
			name:   "no peers",
			modify: func(c *Config) { c.Cluster.Peers = nil },
			errMsg: "at least one peer",
		},
		{
			name:   "node not in peers",
			modify: func(c *Config) { c.Node.ID = "n9" },
			errMsg: "not found in cluster.peers",
		},
		{
			name:   "address mismatch",
			modify: func(c *Config) { c.Node.Address = "raft-node-1:9999" },
			errMsg: "node address mismatch",
		},
		{
			name: "duplicate peer",
			modify: func(c *Config) {
				c.Cluster.Peers = append(c.Cluster.Peers, PeerConfig{ID: "n2", Address: "raft-node-3:8000"})
			},
			errMsg: "duplicate peer ID",
		},
		{
			name: "peer without id",
			modify: func(c *Config) {
				c.Cluster.Peers = append(c.Cluster.Peers, PeerConfig{Address: "raft-node-3:8000"})
			},
			errMsg: "has no ID",
		},
		{
			name:   "unknown storage",
			modify: func(c *Config) { c.Storage.Engine = "rocks" },
			errMsg: "unknown storage.engine",
		},
		{
			name:   "bolt needs a data dir",
			modify: func(c *Config) { c.Storage.Engine = StorageBolt },
			errMsg: "node.data_dir is required",
		},
		{
			name:   "unknown transport",
			modify: func(c *Config) { c.Transport = "udp" },
			errMsg: "unknown transport",
		},
		{
			name:   "grpc needs peer addresses",
			modify: func(c *Config) { c.Transport = TransportGRPC },
			errMsg: "has no grpc_address",
		},
		{
			name:   "unknown bootstrap leader",
			modify: func(c *Config) { c.Raft.BootstrapLeader = "n7" },
			errMsg: "raft.bootstrap_leader=n7",
		},
		{
			name:   "negative heartbeat",
			modify: func(c *Config) { c.Raft.Heartbeat = -time.Second },
			errMsg: "must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c = validConfig()
			tt.modify(c)

			var err = c.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("warn", false)
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(-1))
	require.True(t, logger.Core().Enabled(1))

	logger, err = NewLogger("debug", true)
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(-1))

	_, err = NewLogger("loud", false)
	require.ErrorContains(t, err, "invalid log level")
}
