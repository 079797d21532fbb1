package pair

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sidkik/lansync/cmd/util"
	"github.com/sidkik/lansync/pkg/config"
	"github.com/sidkik/lansync/pkg/errors"
)

// Mocked for unit testing.
var (
	newID = func() string { return uuid.New().String() }
	now   = time.Now
)

// New creates a new `pair` command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage the folders synced with other devices",
	}
	cmd.AddCommand(newAddCommand(), newListCommand(), newRemoveCommand())
	return cmd
}

func newAddCommand() *cobra.Command {
	var pair config.SyncPair
	var role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a pair",
		Long: "Add a pair. On the source device, the folder is served to the peer " +
			"by `lansync serve`. On the sink device, `lansync sync` pulls the " +
			"source's folder into the local folder.",
		Run: func(_ *cobra.Command, _ []string) {
			_, store, err := util.LoadConfig()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "load config"))
			}

			pair.Role = config.Role(role)
			added, err := addPair(store, pair)
			if err != nil {
				util.HandleFatalError(err)
			}
			fmt.Printf("Added pair %s\n", added.ID)
		},
	}
	cmd.Flags().StringVar(&pair.ID, "id", "", "ID of the pair. It must match on both "+
		"devices. Generated if not set.")
	cmd.Flags().StringVar(&role, "role", "", "Role of this device: source or sink")
	cmd.Flags().StringVar(&pair.SourcePath, "source-path", "", "Folder served by the source")
	cmd.Flags().StringVar(&pair.SinkPath, "sink-path", "", "Folder the sink syncs into")
	cmd.Flags().StringVar(&pair.SourceDevice, "source-device", "", "Name of the source device")
	cmd.Flags().StringVar(&pair.SinkDevice, "sink-device", "", "Name of the sink device")
	cmd.Flags().StringVar(&pair.PeerAddress, "peer-address", "", "Address of the source device")
	cmd.Flags().IntVar(&pair.PeerPort, "peer-port", 0, "Port of the source's sync server")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the configured pairs",
		Run: func(_ *cobra.Command, _ []string) {
			cfg, _, err := util.LoadConfig()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "load config"))
			}
			printPairs(os.Stdout, cfg.Pairs)
		},
	}
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove PAIR_ID",
		Short: "Remove a pair and forget the sync status of its files",
		Long: "Remove a pair and forget the sync status of its files. " +
			"The files themselves are left in place.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			cfg, store, err := util.LoadConfig()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "load config"))
			}

			statusStore, err := util.OpenStatusStore(cfg)
			if err != nil {
				util.HandleFatalError(err)
			}
			defer statusStore.Close()

			if err := removePair(context.Background(), store, statusStore, args[0]); err != nil {
				statusStore.Close()
				util.HandleFatalError(err)
			}
			fmt.Printf("Removed pair %s\n", args[0])
		},
	}
}

type pairAdder interface {
	AddPair(pair config.SyncPair) error
}

func addPair(store pairAdder, pair config.SyncPair) (config.SyncPair, error) {
	if pair.ID == "" {
		pair.ID = newID()
	}

	var err error
	pair.SourcePath, err = absPath(pair.SourcePath)
	if err != nil {
		return config.SyncPair{}, errors.WithContext(err, "source path")
	}
	pair.SinkPath, err = absPath(pair.SinkPath)
	if err != nil {
		return config.SyncPair{}, errors.WithContext(err, "sink path")
	}

	createdAt := now().UTC()
	pair.CreatedAt = &createdAt
	pair.Active = true
	if err := store.AddPair(pair); err != nil {
		return config.SyncPair{}, err
	}
	return pair, nil
}

// absPath makes relative paths absolute. Paths relative to the home
// directory are left for the config parser to expand.
func absPath(path string) (string, error) {
	if path == "" || strings.HasPrefix(path, "~") {
		return path, nil
	}
	return filepath.Abs(path)
}

type pairRemover interface {
	RemovePair(id string) error
}

type recordDeleter interface {
	DeleteAllForPair(ctx context.Context, pairID string) error
}

func removePair(ctx context.Context, store pairRemover, records recordDeleter, id string) error {
	if err := store.RemovePair(id); err != nil {
		return err
	}

	if err := records.DeleteAllForPair(ctx, id); err != nil {
		return errors.WithContext(err, "delete file statuses")
	}
	return nil
}

func printPairs(w io.Writer, pairs []config.SyncPair) {
	if len(pairs) == 0 {
		fmt.Fprintln(w, "No pairs are configured.")
		return
	}

	out := tabwriter.NewWriter(w, 0, 10, 5, ' ', 0)
	defer out.Flush()

	fmt.Fprintln(out, "ID\tROLE\tFOLDER\tPEER\tLAST SYNCED\tACTIVE")
	for _, pair := range pairs {
		peer := "-"
		if pair.PeerAddress != "" {
			peer = fmt.Sprintf("%s:%d", pair.PeerAddress, pair.Port())
		}

		lastSynced := "never"
		if pair.LastSyncedAt != nil {
			lastSynced = pair.LastSyncedAt.Local().Format("2006-01-02 15:04:05")
		}

		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\t%t\n",
			pair.ID, pair.Role, pair.LocalPath(), peer, lastSynced, pair.Active)
	}
}
