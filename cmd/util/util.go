package util

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/rpc/client"
	"github.com/ValentinKolb/tKV/rpc/common"
	"github.com/ValentinKolb/tKV/rpc/serializer"
	"github.com/ValentinKolb/tKV/rpc/transport"
	"github.com/ValentinKolb/tKV/rpc/transport/tcp"
	"github.com/ValentinKolb/tKV/rpc/transport/unix"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// Output colors of the client commands
var (
	Key     = color.New(color.FgCyan).SprintFunc()
	Good    = color.New(color.FgGreen).SprintFunc()
	Warn    = color.New(color.FgYellow).SprintFunc()
	Bad     = color.New(color.FgRed, color.Bold).SprintFunc()
	Faint   = color.New(color.Faint).SprintFunc()
	Added   = color.New(color.FgGreen).SprintFunc()
	Removed = color.New(color.FgRed).SprintFunc()
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and sets up viper for TKV_ environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("tkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Client commands
// --------------------------------------------------------------------------

// SetupClientFlags adds the flags of a sync client to a command group
func SetupClientFlags(cmd *cobra.Command) {
	key := "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of round trips to the server"))

	key = "transport-endpoints"
	cmd.PersistentFlags().String(key, "localhost:8080", WrapString("The address of the tKV server (host:port for tcp, socket path for unix). Multiple endpoints can be given as a comma-separated list, they are tried in order"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the write buffer for the transport (in KB)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the read buffer for the transport (in KB)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY (tcp only)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval in seconds (tcp only)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, 0, WrapString("The linger time in seconds (tcp only)"))

	key = "client-id"
	cmd.PersistentFlags().String(key, "", WrapString("Stable id of this client. Generated and stored in the data dir when empty"))

	key = "engine"
	cmd.PersistentFlags().String(key, "pebble", WrapString("Storage engine of the local store (maple, pebble, sqlite)"))

	key = "data-dir"
	cmd.PersistentFlags().String(key, defaultClientDir(), WrapString("Directory of the local store"))

	key = "range-size"
	cmd.PersistentFlags().Uint64(key, 0, WrapString("Ids per requested key range (0 = server default)"))

	key = "watermark"
	cmd.PersistentFlags().Uint64(key, 0, WrapString("Request a new key range when fewer ids are left (0 = only when empty)"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "error", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

func defaultClientDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".tkv")
	}
	return ".tkv"
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	return &common.ClientConfig{
		ClientID:      viper.GetString("client-id"),
		Engine:        viper.GetString("engine"),
		DataDir:       viper.GetString("data-dir"),
		TimeoutSecond: viper.GetInt("timeout"),
		RangeSize:     viper.GetUint64("range-size"),
		Watermark:     viper.GetUint64("watermark"),
		LogLevel:      viper.GetString("log-level"),
		Transport: common.ClientTransportConfig{
			Endpoints: strings.Split(viper.GetString("transport-endpoints"), ","),
			SocketConf: common.SocketConf{
				WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
				ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
			},
			TCPConf: common.TCPConf{
				TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
				TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
				TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			},
		},
	}
}

// NewClient creates and starts a sync client from the flags of cmd
func NewClient(cmd *cobra.Command) (*client.Client, error) {
	if err := BindCommandFlags(cmd); err != nil {
		return nil, err
	}
	config := GetClientConfig()
	if err := common.InitLoggers(config.LogLevel); err != nil {
		return nil, err
	}

	s, err := GetSerializer()
	if err != nil {
		return nil, err
	}
	t, err := GetTransport()
	if err != nil {
		return nil, err
	}

	c, err := client.NewClient(*config, t, s)
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// Context returns the context of one command, bounded by the client timeout
func Context() (context.Context, context.CancelFunc) {
	timeout := time.Duration(viper.GetInt("timeout")) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// Describe renders an error for the terminal, with the return code when there is one
func Describe(err error) string {
	if code := errs.CodeOf(err); code != errs.RetCInternalError {
		return fmt.Sprintf("%s %s", Bad(code.String()+":"), err)
	}
	return Bad("error: ") + err.Error()
}

// --------------------------------------------------------------------------
// Serializer and transport
// --------------------------------------------------------------------------

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	s, ok := serializer.ByName(viper.GetString("serializer"))
	if !ok {
		return nil, fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}
	return s, nil
}

// GetTransport creates a client transport based on configuration
func GetTransport() (transport.IRPCClientTransport, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPClientTransport(), nil
	case "unix":
		return unix.NewUnixClientTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// GetServerTransport creates a server transport based on configuration
func GetServerTransport() (transport.IRPCServerTransport, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPServerTransport(), nil
	case "unix":
		return unix.NewUnixServerTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}
