package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/tKV/cmd/borrow"
	"github.com/ValentinKolb/tKV/cmd/rec"
	"github.com/ValentinKolb/tKV/cmd/serve"
	"github.com/ValentinKolb/tKV/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "tkv",
		Short: "local-first typed key-value store",
		Long: fmt.Sprintf(`tKV (v%s)

An embeddable, strongly-typed key-value database for local-first
applications. Clients work on a local store and sync record trees,
borrows and key ranges with one authoritative server.`, Version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tKV",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tKV v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(rec.RecordCommands)
	RootCmd.AddCommand(borrow.BorrowCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, util.Describe(err))
		os.Exit(1)
	}
}
