package borrow

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/tKV/cmd/util"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/viewer"
	"github.com/ValentinKolb/tKV/rpc/client"
	"github.com/spf13/cobra"
)

var (
	borrowClient *client.Client

	// BorrowCommands represents the borrow command group
	BorrowCommands = &cobra.Command{
		Use:   "borrow",
		Short: "Check records out and in",
		Long: `Check records out and in. A borrow belongs to the client id of the data dir,
so it outlives the command: later commands with the same data dir edit the
record without checking it out again. The server revokes the borrows of a
client that stays disconnected for longer than its grace period.`,
		PersistentPreRunE:  setupBorrowClient,
		PersistentPostRunE: closeBorrowClient,
	}

	// checkoutCmd represents the checkout command
	checkoutCmd = &cobra.Command{
		Use:   "checkout [tree/id]",
		Short: "Take the exclusive right to change a record",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckout,
	}

	// checkinCmd represents the checkin command
	checkinCmd = &cobra.Command{
		Use:   "checkin [tree/id]",
		Short: "Return a previously checked out record",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckin,
	}

	// lsCmd represents the list command
	lsCmd = &cobra.Command{
		Use:   "ls",
		Short: "List the borrows this client holds",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
)

func init() {
	// Add subcommands to borrow command
	BorrowCommands.AddCommand(checkoutCmd)
	BorrowCommands.AddCommand(checkinCmd)
	BorrowCommands.AddCommand(lsCmd)

	// Add common client flags to the borrow command
	util.SetupClientFlags(BorrowCommands)
}

// setupBorrowClient opens the local store and starts syncing
func setupBorrowClient(cmd *cobra.Command, _ []string) error {
	c, err := util.NewClient(cmd)
	if err != nil {
		return err
	}
	borrowClient = c
	return nil
}

func closeBorrowClient(_ *cobra.Command, _ []string) error {
	if borrowClient == nil {
		return nil
	}
	return borrowClient.Close()
}

// runCheckout handles the checkout command
func runCheckout(_ *cobra.Command, args []string) error {
	key, id, err := parseKey(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := util.Context()
	defer cancel()
	if err := borrowClient.WaitOnline(ctx); err != nil {
		return err
	}

	env, err := borrowClient.Checkout(ctx, key.Tree, id)
	if err != nil {
		return fmt.Errorf("failed to check out %s: %w", key, err)
	}

	fmt.Printf("checked out %s\n", util.Key(viewer.NewOpaqueKey(key.Tree, env.Key)))
	return nil
}

// runCheckin handles the checkin command
func runCheckin(_ *cobra.Command, args []string) error {
	key, id, err := parseKey(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := util.Context()
	defer cancel()
	if err := borrowClient.WaitOnline(ctx); err != nil {
		return err
	}

	if err := borrowClient.Checkin(ctx, key.Tree, id); err != nil {
		return fmt.Errorf("failed to check in %s: %w", key, err)
	}

	fmt.Printf("checked in %s\n", util.Key(key))
	return nil
}

// runList prints the borrows the client believes to hold. They are
// reconciled with the server when a session exists.
func runList(_ *cobra.Command, _ []string) error {
	ctx, cancel := util.Context()
	defer cancel()
	if err := borrowClient.WaitOnline(ctx); err != nil {
		fmt.Println(util.Warn("offline, borrows may have been revoked meanwhile"))
	}

	records, err := borrowClient.Borrows()
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Printf("%s  %s\n", util.Key(r.Key), util.Faint(time.Unix(0, r.Acquired).UTC().Format(time.RFC3339)))
	}
	return nil
}

func parseKey(s string) (viewer.OpaqueKey, keys.ID, error) {
	key, err := viewer.ParseOpaqueKey(s)
	if err != nil {
		return viewer.OpaqueKey{}, keys.ID{}, err
	}
	id, err := key.ID()
	return key, id, err
}
