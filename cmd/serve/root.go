package serve

import (
	"fmt"
	"strings"
	"time"

	cmdUtil "github.com/ValentinKolb/tKV/cmd/util"
	"github.com/ValentinKolb/tKV/lib/util"
	"github.com/ValentinKolb/tKV/rpc/common"
	"github.com/ValentinKolb/tKV/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultBorrowGrace = 15 * time.Minute

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the tKV sync server",
		Long:    `Start the tKV sync server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is TKV_<flag> (e.g. TKV_BORROW_GRACE=30m)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// storage
	key := "engine"
	ServeCmd.PersistentFlags().String(key, "pebble", cmdUtil.WrapString("Storage engine of the server store (maple, pebble, sqlite). maple keeps everything in memory"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("DataDir is the directory of the store, and of the raft log and snapshots in raft mode"))

	key = "mode"
	ServeCmd.PersistentFlags().String(key, "local", cmdUtil.WrapString("Commit path of the server: 'local' commits to the engine directly, 'raft' replicates every commit through dragonboat"))

	key = "block-size"
	ServeCmd.PersistentFlags().Uint64(key, 1000, cmdUtil.WrapString("Default number of ids in a key range issued to a client"))

	key = "first-id"
	ServeCmd.PersistentFlags().Uint64(key, 1, cmdUtil.WrapString("First id issued by a fresh store"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout in seconds of a single commit"))

	// sync
	key = "name"
	ServeCmd.PersistentFlags().String(key, "tkv", cmdUtil.WrapString("Readable name of this server shown to clients"))

	key = "borrow-grace"
	ServeCmd.PersistentFlags().Duration(key, defaultBorrowGrace, cmdUtil.WrapString("Time a disconnected client keeps its borrows before they are revoked (0 = keep forever)"))

	key = "inspect-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the read-only HTTP inspection api and the /metrics endpoint (e.g. localhost:9090, empty = disabled)"))

	// raft
	key = "shard-id"
	ServeCmd.PersistentFlags().Uint64(key, 100, cmdUtil.WrapString("(raft mode) ShardID of the replicated state machine"))

	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Uint64(key, 100, cmdUtil.WrapString("(raft mode) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. \nOther raft configuration parameters (ElectionRTT=value/10, HeartbeatRTT=value/100) are derived from this value"))

	key = "snapshot-entries"
	ServeCmd.PersistentFlags().Uint64(key, 10, cmdUtil.WrapString("(raft mode) SnapshotEntries defines how often the state machine should be snapshotted automatically. It is defined in terms of the number of applied Raft log entries. SnapshotEntries can be set to 0 to disable such automatic snapshotting (not recommended)"))

	key = "compaction-overhead"
	ServeCmd.PersistentFlags().Uint64(key, 5, cmdUtil.WrapString("(raft mode) CompactionOverhead defines the number of snapshots that should be retained in the system. Recommended value is about 1/2 of SnapshotEntries"))

	key = "replica-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(raft mode) ReplicaID is the unique identifier for this NodeHost instance (e.g. 'node-1')"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(raft mode) ClusterMembers is a comma-separated list of NodeHost addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	// transport
	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the sync api will listen (e.g. localhost:8080, /tmp/tkv.sock, ...)"))

	key = "transport-write-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the write buffer for each connection (in KB)"))

	key = "transport-read-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the read buffer for each connection (in KB)"))

	key = "transport-tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY (tcp only)"))

	key = "transport-tcp-keepalive"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The keepalive interval in seconds (tcp only)"))

	key = "transport-tcp-linger"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The linger time in seconds (tcp only)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig.Engine = viper.GetString("engine")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.BlockSize = viper.GetUint64("block-size")
	serveCmdConfig.FirstID = viper.GetUint64("first-id")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.Name = viper.GetString("name")
	serveCmdConfig.BorrowGrace = viper.GetDuration("borrow-grace")
	serveCmdConfig.InspectEndpoint = viper.GetString("inspect-endpoint")
	serveCmdConfig.ShardID = viper.GetUint64("shard-id")
	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	serveCmdConfig.SnapshotEntries = viper.GetUint64("snapshot-entries")
	serveCmdConfig.CompactionOverhead = viper.GetUint64("compaction-overhead")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.Transport = common.ServerTransportConfig{
		Endpoint: viper.GetString("endpoint"),
		SocketConf: common.SocketConf{
			WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
			ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
		},
		TCPConf: common.TCPConf{
			TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
		},
	}

	if serveCmdConfig.BorrowGrace < 0 {
		return fmt.Errorf("borrow-grace must not be negative")
	}

	switch mode := common.CommitMode(viper.GetString("mode")); mode {
	case common.CommitModeLocal, common.CommitModeRaft:
		serveCmdConfig.Mode = mode
	default:
		return fmt.Errorf("invalid mode %s (expected local or raft)", mode)
	}

	if !serveCmdConfig.IsRaft() {
		return nil
	}

	// parse replica id
	id := viper.GetString("replica-id")
	if id == "" {
		return fmt.Errorf("ReplicaId is required in raft mode")
	}
	serveCmdConfig.ReplicaID = uint64(util.HashString(id, 0))

	// parse cluster members
	clusterMembers := viper.GetString("cluster-members")
	if clusterMembers == "" {
		return fmt.Errorf("ClusterMembers is required in raft mode")
	}
	serveCmdConfig.ClusterMembers = make(map[uint64]string)
	for _, member := range strings.Split(clusterMembers, ",") {
		parts := strings.Split(member, "=")
		if len(parts) != 2 {
			return fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
		}
		idHash := util.HashString(strings.TrimSpace(parts[0]), 0)
		serveCmdConfig.ClusterMembers[uint64(idHash)] = strings.TrimSpace(parts[1])
	}

	// test if the replica id is in the cluster members
	if _, ok := serveCmdConfig.ClusterMembers[serveCmdConfig.ReplicaID]; !ok {
		return fmt.Errorf("no address found for replica ID %s in cluster members", id)
	}

	return nil
}

// run starts the tKV sync server
func run(_ *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	serv := server.NewRPCServer(
		*serveCmdConfig,
		t,
		s,
	)

	return serv.Serve()
}
