package rec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/tKV/cmd/util"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/lib/viewer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	treesCmd = &cobra.Command{
		Use:   "trees",
		Short: "Lists the trees known to the server (or the local trees when offline)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()

			names, err := remoteTrees(ctx)
			if err != nil {
				warnLocal(err)
				names, err = recViewer.Trees()
				if err != nil {
					return err
				}
			}
			for _, name := range names {
				fmt.Println(util.Key(name))
			}
			return nil
		},
	}
	lsCmd = &cobra.Command{
		Use:   "ls [tree]",
		Short: "Lists the records of a tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := syncTree(name); err != nil {
				return err
			}
			entries, err := recViewer.List(name)
			if err != nil {
				return err
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s  rev=%d  state=%d  %s", util.Key(e.Key), e.Revision, e.State, util.Faint(e.Modified.Format(time.RFC3339)))
				switch {
				case e.Deleted:
					line += "  " + util.Bad("deleted")
				case e.Release != 0:
					line += "  " + util.Good(fmt.Sprintf("release #%d", e.Release))
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [tree/id]",
		Short: "Prints the raw payload of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, id, err := parseKey(args[0])
			if err != nil {
				return err
			}
			if err := syncTree(name); err != nil {
				return err
			}
			env, ok, err := recClient.Get(name, id)
			if err != nil {
				return err
			}
			if !ok || env.Deleted {
				return errs.Newf(errs.RetCNotFound, "record %s does not exist", args[0])
			}
			fmt.Println(string(env.Payload))
			return nil
		},
	}
	viewCmd = &cobra.Command{
		Use:   "view [tree/id]",
		Short: "Shows a record with its metadata as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := viewer.ParseOpaqueKey(args[0])
			if err != nil {
				return err
			}
			if err := syncTree(key.Tree); err != nil {
				return err
			}
			doc, err := recViewer.Render(key)
			if err != nil {
				return err
			}
			fmt.Print(doc)
			return nil
		},
	}
	createCmd = &cobra.Command{
		Use:   "create [tree] [json]",
		Short: "Creates a record with a JSON payload",
		Long:  "Creates a record with a JSON payload. The record is created locally and sent to the server as soon as a session exists. A client without ids for the tree requests a key range first, which needs the server.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, payload := args[0], []byte(args[1])
			if !json.Valid(payload) {
				return errs.Newf(errs.RetCInvalidOperation, "payload is not valid JSON")
			}
			schema, err := parseSchema(viper.GetString("schema"))
			if err != nil {
				return err
			}
			if err := recClient.Subscribe(name); err != nil {
				return err
			}

			ctx, cancel := util.Context()
			defer cancel()
			if err := ensureIDs(ctx, name); err != nil {
				return err
			}

			env, err := recClient.Create(name, schema, payload)
			if err != nil {
				return err
			}
			fmt.Printf("created %s\n", util.Key(viewer.NewOpaqueKey(name, env.Key)))
			return nil
		},
	}
	editCmd = &cobra.Command{
		Use:   "edit [tree/id] [payload]",
		Short: "Replaces the payload of a record",
		Long:  "Replaces the payload of a record and prints the diff. The payload may be JSON or YAML. A record that is not checked out by this client is checked out for the edit and checked in afterwards.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, id, err := parseKey(args[0])
			if err != nil {
				return err
			}
			payload, err := recViewer.ParsePayload(name, args[1])
			if err != nil {
				return err
			}

			ctx, cancel := util.Context()
			defer cancel()
			return withBorrow(ctx, name, id, func(before *record.Envelope) error {
				after, err := recClient.Edit(ctx, name, id, payload)
				if err != nil {
					return err
				}
				return printDiff(name, before, after)
			})
		},
	}
	releaseCmd = &cobra.Command{
		Use:   "release [tree/id] [number]",
		Short: "Releases a record, it is immutable afterwards",
		Long:  "Releases a record. Without a number the server assigns the next release number of the tree.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, id, err := parseKey(args[0])
			if err != nil {
				return err
			}
			var n uint64
			if len(args) == 2 {
				if n, err = strconv.ParseUint(args[1], 10, 32); err != nil {
					return fmt.Errorf("number must be a number: %w", err)
				}
			}

			ctx, cancel := util.Context()
			defer cancel()
			return withBorrow(ctx, name, id, func(_ *record.Envelope) error {
				env, err := recClient.Release(ctx, name, id, uint32(n))
				if err != nil {
					return err
				}
				fmt.Printf("released %s as %s\n", util.Key(viewer.NewOpaqueKey(name, env.Key)), util.Good(fmt.Sprintf("#%d", env.Release)))
				return nil
			})
		},
	}
	stateCmd = &cobra.Command{
		Use:   "state [tree/id] [state]",
		Short: "Sets the state number of a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, id, err := parseKey(args[0])
			if err != nil {
				return err
			}
			state, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("state must be a number: %w", err)
			}

			ctx, cancel := util.Context()
			defer cancel()
			return withBorrow(ctx, name, id, func(_ *record.Envelope) error {
				env, err := recClient.SetState(ctx, name, id, uint32(state))
				if err != nil {
					return err
				}
				fmt.Printf("%s state=%d\n", util.Key(viewer.NewOpaqueKey(name, env.Key)), env.State)
				return nil
			})
		},
	}
	deleteCmd = &cobra.Command{
		Use:   "del [tree/id]",
		Short: "Deletes a record, leaving a tombstone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, id, err := parseKey(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := util.Context()
			defer cancel()
			return withBorrow(ctx, name, id, func(_ *record.Envelope) error {
				env, err := recClient.Delete(ctx, name, id)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", util.Key(viewer.NewOpaqueKey(name, env.Key)))
				return nil
			})
		},
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Shows the sync state of the client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = recClient.WaitOnline(ctx)

			s := recClient.Status()
			online := util.Bad("offline")
			if s.Online {
				online = util.Good("online")
			}
			fmt.Printf("client   %s\n", util.Key(recClient.ID()))
			fmt.Printf("state    %s\n", online)
			if s.Halted != nil {
				fmt.Printf("halted   %s\n", util.Bad(s.Halted))
			}
			fmt.Printf("server   %s %s\n", s.ServerName, util.Faint(s.ServerIdentity))
			fmt.Printf("pending  %d\n", s.Pending)
			for _, name := range recClient.LocalTrees() {
				cursor, err := recClient.Cursor(name)
				if err != nil {
					return err
				}
				available, err := recClient.Available(name)
				if err != nil {
					return err
				}
				fmt.Printf("tree     %s cursor=%d ids=%d\n", util.Key(name), cursor, available)
			}
			return nil
		},
	}
	forgetServerCmd = &cobra.Command{
		Use:   "forget-server",
		Short: "Forgets the pinned server identity so the client may sync with another server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := recClient.ForgetServer(); err != nil {
				return err
			}
			fmt.Println("server identity forgotten")
			return nil
		},
	}
)

func init() {
	key := "schema"
	createCmd.Flags().String(key, "1.0", util.WrapString("Schema version of the payload (major.minor)"))

	RecordCommands.AddCommand(statusCmd)
	RecordCommands.AddCommand(forgetServerCmd)
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

func parseKey(s string) (string, keys.ID, error) {
	key, err := viewer.ParseOpaqueKey(s)
	if err != nil {
		return "", keys.ID{}, err
	}
	id, err := key.ID()
	return key.Tree, id, err
}

func parseSchema(s string) (record.SchemaVersion, error) {
	major, minor, _ := strings.Cut(strings.TrimPrefix(s, "v"), ".")
	ma, err := strconv.ParseUint(major, 10, 16)
	if err != nil {
		return record.SchemaVersion{}, fmt.Errorf("invalid schema %q: %w", s, err)
	}
	var mi uint64
	if minor != "" {
		if mi, err = strconv.ParseUint(minor, 10, 16); err != nil {
			return record.SchemaVersion{}, fmt.Errorf("invalid schema %q: %w", s, err)
		}
	}
	return record.SchemaVersion{Major: uint16(ma), Minor: uint16(mi)}, nil
}

func remoteTrees(ctx context.Context) ([]string, error) {
	if err := recClient.WaitOnline(ctx); err != nil {
		return nil, err
	}
	return recClient.Trees(ctx)
}

// syncTree subscribes to a tree and waits until the local copy caught up.
// Without a server the local state is used.
func syncTree(name string) error {
	if err := recClient.Subscribe(name); err != nil {
		return err
	}
	ctx, cancel := util.Context()
	defer cancel()
	if err := recClient.WaitSynced(ctx, name); err != nil {
		warnLocal(err)
	}
	return nil
}

// ensureIDs requests a key range when the pool of a tree is empty
func ensureIDs(ctx context.Context, name string) error {
	available, err := recClient.Available(name)
	if err != nil || available > 0 {
		return err
	}
	if err := recClient.WaitOnline(ctx); err != nil {
		return fmt.Errorf("no ids left for %s and no server to request them from: %w", name, err)
	}
	_, err = recClient.RequestRange(ctx, name, viper.GetUint64("range-size"))
	return err
}

// withBorrow runs fn while the client holds the borrow of a record. A borrow
// taken here is returned afterwards.
func withBorrow(ctx context.Context, name string, id keys.ID, fn func(before *record.Envelope) error) error {
	if err := recClient.WaitOnline(ctx); err != nil {
		return err
	}
	held, err := recClient.Holds(name, id)
	if err != nil {
		return err
	}
	if !held {
		if _, err := recClient.Checkout(ctx, name, id); err != nil {
			return err
		}
		defer func() {
			if err := recClient.Checkin(ctx, name, id); err != nil {
				fmt.Fprintln(os.Stderr, util.Warn("checkin failed: "), err)
			}
		}()
	}

	before, ok, err := recClient.Get(name, id)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.RetCNotFound, "record %s/%s does not exist", name, id)
	}
	return fn(before)
}

func printDiff(name string, before, after *record.Envelope) error {
	a, err := recViewer.RenderEnvelope(name, before)
	if err != nil {
		return err
	}
	b, err := recViewer.RenderEnvelope(name, after)
	if err != nil {
		return err
	}
	for _, line := range strings.SplitAfter(viewer.Diff(a, b), "\n") {
		switch {
		case strings.HasPrefix(line, "+"):
			fmt.Print(util.Added(line))
		case strings.HasPrefix(line, "-"):
			fmt.Print(util.Removed(line))
		default:
			fmt.Print(util.Faint(line))
		}
	}
	return nil
}

func warnLocal(err error) {
	fmt.Fprintf(os.Stderr, "%s %v, showing local data\n", util.Warn("warning:"), err)
}
