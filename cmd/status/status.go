package status

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sidkik/lansync/cmd/util"
	"github.com/sidkik/lansync/pkg/config"
	"github.com/sidkik/lansync/pkg/errors"
	"github.com/sidkik/lansync/pkg/status"
)

// New creates a new `status` command.
func New() *cobra.Command {
	var pairID string
	var all bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the sync status of files in each pair",
		Long: "Show how many files of each pair are in each state, followed by the " +
			"files that aren't synced. Use --all to list synced files as well.",
		Run: func(_ *cobra.Command, _ []string) {
			cfg, _, err := util.LoadConfig()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "load config"))
			}

			store, err := util.OpenStatusStore(cfg)
			if err != nil {
				util.HandleFatalError(err)
			}
			defer store.Close()

			pairs, err := selectPairs(cfg.Pairs, pairID)
			if err == nil {
				err = printStatus(context.Background(), os.Stdout, store, pairs, all)
			}
			if err != nil {
				store.Close()
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&pairID, "pair", "", "Only show this pair")
	cmd.Flags().BoolVar(&all, "all", false, "List synced files too")
	return cmd
}

type recordLister interface {
	CountByStatus(ctx context.Context, pairID string) (map[status.Status]int, error)
	ListByPair(ctx context.Context, pairID string) ([]status.FileRecord, error)
}

func selectPairs(pairs []config.SyncPair, pairID string) ([]config.SyncPair, error) {
	if pairID == "" {
		return pairs, nil
	}

	for _, pair := range pairs {
		if pair.ID == pairID {
			return []config.SyncPair{pair}, nil
		}
	}
	return nil, errors.NewFriendlyError("Pair %q doesn't exist. "+
		"Run `lansync pair list` to see the configured pairs.", pairID)
}

func printStatus(ctx context.Context, w io.Writer, store recordLister,
	pairs []config.SyncPair, all bool) error {
	if len(pairs) == 0 {
		fmt.Fprintln(w, "No pairs are configured.")
		return nil
	}

	for i, pair := range pairs {
		if i != 0 {
			fmt.Fprintln(w)
		}
		if err := printPair(ctx, w, store, pair, all); err != nil {
			return errors.WithContext(err, fmt.Sprintf("pair %s", pair.ID))
		}
	}
	return nil
}

func printPair(ctx context.Context, w io.Writer, store recordLister,
	pair config.SyncPair, all bool) error {
	fmt.Fprintf(w, "%s (%s: %s)\n", pair.ID, pair.Role, pair.LocalPath())
	if pair.LastSyncedAt != nil {
		fmt.Fprintf(w, "Last synced: %s\n", pair.LastSyncedAt.Local().Format("2006-01-02 15:04:05"))
	}

	counts, err := store.CountByStatus(ctx, pair.ID)
	if err != nil {
		return errors.WithContext(err, "count")
	}

	var summary []string
	for _, s := range status.AllStatuses {
		if counts[s] != 0 {
			summary = append(summary, fmt.Sprintf("%d %s", counts[s], util.ColorStatus(s)))
		}
	}
	if len(summary) == 0 {
		fmt.Fprintln(w, "No files tracked yet.")
		return nil
	}
	fmt.Fprintln(w, strings.Join(summary, ", "))

	records, err := store.ListByPair(ctx, pair.ID)
	if err != nil {
		return errors.WithContext(err, "list")
	}

	out := tabwriter.NewWriter(w, 0, 10, 5, ' ', 0)
	defer out.Flush()
	for _, r := range records {
		if r.Status == status.Synced && !all {
			continue
		}

		fmt.Fprintf(out, "  %s\t%s\t%s\n", r.RemotePath, util.ColorStatus(r.Status), r.ErrorMessage)
	}
	return nil
}
