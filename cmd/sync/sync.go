package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/lansync/cmd/util"
	"github.com/sidkik/lansync/pkg/config"
	"github.com/sidkik/lansync/pkg/errors"
	"github.com/sidkik/lansync/pkg/netprobe"
	"github.com/sidkik/lansync/pkg/orchestrator"
	"github.com/sidkik/lansync/pkg/scheduler"
	"github.com/sidkik/lansync/pkg/status"
	"github.com/sidkik/lansync/pkg/sync/client"
)

const progressTemplate = `{{string . "prefix"}} {{counters . }} {{bar . }} {{percent . }}`

// New creates a new `sync` command.
func New() *cobra.Command {
	var once bool
	var pairID string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull changes for the pairs this device is the sink of",
		Long: "Pull changes from the source of every active pair where this device " +
			"is the sink. By default, it keeps running and syncs periodically. " +
			"With --once, it runs a single cycle for the pair given by --pair. " +
			"Send SIGUSR1 to a running daemon to sync all pairs right away.",
		Run: func(_ *cobra.Command, _ []string) {
			if once && pairID == "" {
				util.HandleFatalError(errors.NewFriendlyError("--once requires --pair"))
			}

			cfg, store, err := util.LoadConfig()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "load config"))
			}

			statusStore, err := util.OpenStatusStore(cfg)
			if err != nil {
				util.HandleFatalError(err)
			}
			defer statusStore.Close()

			orch := newOrchestrator(cfg, store, netprobe.New(cfg.PreferredInterfaces), statusStore)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				signals := make(chan os.Signal, 1)
				signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
				<-signals
				log.Info("Stopping sync")
				cancel()
			}()

			if once {
				if timeout > 0 {
					var cancelTimeout context.CancelFunc
					ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
					defer cancelTimeout()
				}
				err = runOnce(ctx, orch, pairID, os.Stdout)
			} else {
				triggers := make(chan os.Signal, 1)
				notifyTrigger(triggers)
				defer signal.Stop(triggers)
				runDaemon(ctx, cfg, orch, store, timeout, triggers)
			}

			if err != nil {
				// Close the store before HandleFatalError exits.
				statusStore.Close()
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single sync cycle and exit")
	cmd.Flags().StringVar(&pairID, "pair", "", "The pair to sync when running with --once")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort a cycle that takes longer "+
		"than this. Zero means no limit.")
	return cmd
}

var newClient = func(address string, port int) client.Client {
	return client.New(address, port)
}

// newOrchestrator locks each pair with a file next to the status database,
// so the daemon and `sync --once` never run a cycle of the same pair at once.
func newOrchestrator(cfg config.Config, pairs orchestrator.PairStore,
	probe orchestrator.NetworkProbe, statusStore status.Store) *orchestrator.Orchestrator {
	return orchestrator.New(pairs, probe, statusStore, newClient, orchestrator.Options{
		Parallelism: cfg.Parallelism,
		Locker:      scheduler.NewFileLocker(filepath.Dir(cfg.Database)),
	})
}

type cycleRunner interface {
	RunCycle(ctx context.Context, pairID string, progress orchestrator.Progress) (
		orchestrator.CycleResult, error)
}

func runOnce(ctx context.Context, runner cycleRunner, pairID string, out io.Writer) error {
	var bar *pb.ProgressBar
	progress := func(done, total int, result orchestrator.EntryResult) {
		if bar == nil {
			bar = pb.New(total)
			bar.SetTemplateString(progressTemplate)
			bar.Set("prefix", pairID)
			bar.SetWriter(out)
			bar.Start()
		}
		bar.SetCurrent(int64(done))
		if result.Outcome == orchestrator.Failed {
			log.WithError(result.Err).WithField("path", result.Path).Debug("File failed to sync")
		}
	}

	result, err := runner.RunCycle(ctx, pairID, progress)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("sync pair %s", pairID))
	}

	fmt.Fprintf(out, "Synced %s: %s\n", pairID, result)
	if result.Failed > 0 {
		fmt.Fprintln(out, "Run `lansync status` to see which files failed.")
	}
	return nil
}

// runDaemon syncs the sink pairs until ctx is cancelled. Every receive on
// `triggers` starts a cycle of all pairs without waiting for the interval.
func runDaemon(ctx context.Context, cfg config.Config, runner cycleRunner,
	pairs scheduler.PairLister, timeout time.Duration, triggers <-chan os.Signal) {
	s := scheduler.New(runner, pairs, scheduler.Options{
		Interval:     cfg.SyncInterval.Std(),
		BackoffBase:  cfg.BackoffBase.Std(),
		BackoffMax:   cfg.BackoffMax.Std(),
		CycleTimeout: timeout,
		OnResult:     logResult,
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-triggers:
				n := s.TriggerAll()
				log.WithField("pairs", n).Info("Syncing all pairs now")
			}
		}
	}()

	log.WithField("interval", cfg.SyncInterval.Std()).Info("Syncing sink pairs")
	s.Run(ctx)
}

func logResult(pairID string, result orchestrator.CycleResult, err error) {
	pairLog := log.WithField("pair", pairID)
	switch {
	case err == nil:
		pairLog.WithField("duration", result.FinishedAt.Sub(result.StartedAt)).
			Infof("Synced: %s", result)
	case errors.IsCycleRetryable(err):
		// The scheduler logs the retry.
		pairLog.WithError(err).Debug("Cycle failed")
	default:
		pairLog.WithError(err).Debug("Cycle skipped")
	}
}
