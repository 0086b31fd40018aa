package rec

import (
	"context"
	"time"

	"github.com/ValentinKolb/tKV/cmd/util"
	"github.com/ValentinKolb/tKV/lib/viewer"
	"github.com/ValentinKolb/tKV/rpc/client"
	"github.com/spf13/cobra"
)

var (
	recClient *client.Client
	recViewer *viewer.Viewer

	// RecordCommands represents the record command group
	RecordCommands = &cobra.Command{
		Use:                "rec",
		Short:              "Create, read and edit records through a local-first client",
		PersistentPreRunE:  setupRecClient,
		PersistentPostRunE: closeRecClient,
	}
)

func init() {
	// Add common client flags to the record commands
	util.SetupClientFlags(RecordCommands)

	// Add subcommands
	RecordCommands.AddCommand(treesCmd)
	RecordCommands.AddCommand(lsCmd)
	RecordCommands.AddCommand(getCmd)
	RecordCommands.AddCommand(viewCmd)
	RecordCommands.AddCommand(createCmd)
	RecordCommands.AddCommand(editCmd)
	RecordCommands.AddCommand(releaseCmd)
	RecordCommands.AddCommand(stateCmd)
	RecordCommands.AddCommand(deleteCmd)
	RecordCommands.AddCommand(perfTestCmd)
}

// setupRecClient opens the local store and starts syncing
func setupRecClient(cmd *cobra.Command, _ []string) error {
	c, err := util.NewClient(cmd)
	if err != nil {
		return err
	}
	recClient = c
	recViewer = viewer.New(c.Registry(), c.DB())
	return nil
}

// closeRecClient waits a moment for queued creations to reach the server and
// closes the client
func closeRecClient(_ *cobra.Command, _ []string) error {
	if recClient == nil {
		return nil
	}
	ctx, cancel := util.Context()
	defer cancel()
	flush(ctx)
	return recClient.Close()
}

// flush blocks until the outbox is empty, the client is offline or ctx ends
func flush(ctx context.Context) {
	for recClient.Status().Pending > 0 {
		if !recClient.Status().Online {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}
