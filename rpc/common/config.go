package common

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// helper functions for to interface with Dragonboat (for the server util)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the ServerConfig to Dragonboat Config
func (c *ServerConfig) ToDragonboatConfig() config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            c.ShardID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ServerConfig) ToNodeHostConfig() config.NodeHostConfig {
	dir := filepath.Join(c.DataDir, "raft")
	return config.NodeHostConfig{
		WALDir:         dir,
		NodeHostDir:    dir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// Transport configuration (shared by server and client)
// --------------------------------------------------------------------------

// SocketConf holds socket buffer sizes in bytes (0 = OS default)
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds TCP specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int // 0 = OS default
}

// ServerTransportConfig configures the listening side of a transport
type ServerTransportConfig struct {
	Endpoint string // host:port for tcp, socket path for unix
	SocketConf
	TCPConf
}

// ClientTransportConfig configures the dialing side of a transport
type ClientTransportConfig struct {
	// Endpoints are tried in order on every (re)connect
	Endpoints []string
	SocketConf
	TCPConf
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// CommitMode selects the store implementation behind the sync server
type CommitMode string

const (
	CommitModeLocal CommitMode = "local" // lstore on the configured engine
	CommitModeRaft  CommitMode = "raft"  // dstore replicated through dragonboat
)

// ServerConfig holds all configuration parameters of a sync server.
type ServerConfig struct {
	Transport ServerTransportConfig

	// storage
	Engine  string // maple, pebble or sqlite
	DataDir string
	Mode    CommitMode

	// Dragonboat parameters (Mode == raft)
	ShardID            uint64
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	ReplicaID          uint64
	ClusterMembers     map[uint64]string

	// commit path
	TimeoutSecond int64
	BlockSize     uint64
	FirstID       uint64

	// sync
	Name        string        // readable server name shown to clients
	BorrowGrace time.Duration // 0 = borrows of disconnected clients are held forever

	// HTTP inspection api settings ("" = disabled)
	InspectEndpoint string

	// Logging configuration
	LogLevel string
}

// IsRaft reports whether the commit path is replicated
func (c *ServerConfig) IsRaft() bool {
	return c.Mode == CommitModeRaft
}

// Timeout returns the commit timeout
func (c *ServerConfig) Timeout() time.Duration {
	if c.TimeoutSecond <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TimeoutSecond) * time.Second
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Sync Server")
	addField("Name", c.Name)
	addField("Endpoint", c.Transport.Endpoint)
	addField("Inspect Endpoint", c.InspectEndpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Borrow Grace", c.BorrowGrace.String())

	addSection("Storage")
	addField("Commit Mode", string(c.Mode))
	addField("Engine", c.Engine)
	addField("Data Directory", c.DataDir)
	addField("Key Block Size", strconv.FormatUint(c.BlockSize, 10))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	if c.IsRaft() {
		// Node Identity
		addSection("Node Identity")
		addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
		addField("Node ID", strconv.FormatUint(c.ReplicaID, 10))
		addField("Shard ID", strconv.FormatUint(c.ShardID, 10))

		// RAFT parameters
		addSection("RAFT Parameters")
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Check Quorum", fmt.Sprintf("%t", true))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))

		addSection("Cluster")
		sb.WriteString("  Initial Members:\n")

		// Sort keys for consistent output
		var ids []uint64
		for k := range c.ClusterMembers {
			ids = append(ids, k)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, k := range ids {
			sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.ClusterMembers[k]))
		}
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientConfig configures a sync client
type ClientConfig struct {
	ClientID string // stable id of this client, generated on first start when empty

	// local store
	Engine  string
	DataDir string

	Transport     ClientTransportConfig
	TimeoutSecond int

	// key ranges
	RangeSize uint64 // ids per requested range (0 = server default)
	Watermark uint64 // request a new range when fewer ids are left

	// reconnect backoff
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	LogLevel string
}

// Timeout returns the round trip timeout
func (c *ClientConfig) Timeout() time.Duration {
	if c.TimeoutSecond <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSecond) * time.Second
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Client ID", c.ClientID)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Engine", c.Engine)
	addField("Data Directory", c.DataDir)
	addField("Range Size", strconv.FormatUint(c.RangeSize, 10))
	addField("Watermark", strconv.FormatUint(c.Watermark, 10))
	addField("Reconnect Backoff", fmt.Sprintf("%s .. %s", c.ReconnectMin, c.ReconnectMax))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
