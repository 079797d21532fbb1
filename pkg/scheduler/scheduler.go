// Package scheduler runs sync cycles for every sink pair, periodically and on
// demand. Each pair gets its own worker, so a pair never has two cycles
// running at once while different pairs sync concurrently.
package scheduler

import (
	"context"
	"fmt"
	goSync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/lansync/pkg/config"
	"github.com/sidkik/lansync/pkg/errors"
	"github.com/sidkik/lansync/pkg/orchestrator"
)

// CycleRunner runs a single sync cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, pairID string, progress orchestrator.Progress) (
		orchestrator.CycleResult, error)
}

// PairLister lists the configured pairs.
type PairLister interface {
	PairsForAccount(ctx context.Context) ([]config.SyncPair, error)
}

// ResultHandler is notified after every cycle.
type ResultHandler func(pairID string, result orchestrator.CycleResult, err error)

// reconcileInterval is how often the pair configuration is re-read to start
// and stop workers.
var reconcileInterval = time.Minute

// Options configure a Scheduler. Zero values are replaced by the defaults in
// the config package.
type Options struct {
	Interval    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// CycleTimeout bounds a single cycle. Zero means no limit.
	CycleTimeout time.Duration

	OnResult ResultHandler
	Clock    clockwork.Clock
	Log      logrus.FieldLogger
}

// Scheduler keeps one worker per active sink pair.
type Scheduler struct {
	runner CycleRunner
	pairs  PairLister
	opts   Options

	workersLock goSync.Mutex
	workers     map[string]*worker
	wg          goSync.WaitGroup
}

type worker struct {
	pairID  string
	trigger chan struct{}
	cancel  context.CancelFunc
}

// New returns a Scheduler. Nothing runs until Run is called.
func New(runner CycleRunner, pairs PairLister, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = config.DefaultSyncInterval
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = config.DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = config.DefaultBackoffMax
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	return &Scheduler{
		runner:  runner,
		pairs:   pairs,
		opts:    opts,
		workers: map[string]*worker{},
	}
}

// WorkName is the unique key of a pair's worker.
func WorkName(pairID string) string {
	return fmt.Sprintf("sync_%s", pairID)
}

// Run starts a worker for each sink pair and keeps the set of workers in
// sync with the configuration until ctx is cancelled. It waits for running
// cycles to stop before returning.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()

	for {
		if err := s.reconcile(ctx); err != nil {
			s.opts.Log.WithError(err).Warn("Failed to read pairs. Will retry.")
		}

		timer := s.opts.Clock.NewTimer(reconcileInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.stopAll()
			return
		case <-timer.Chan():
		}
	}
}

// Trigger asks for the pair to be synced now. If a cycle is already running,
// another one starts once it's done. It returns false if the pair has no
// worker.
func (s *Scheduler) Trigger(pairID string) bool {
	s.workersLock.Lock()
	defer s.workersLock.Unlock()

	w, ok := s.workers[WorkName(pairID)]
	if !ok {
		return false
	}

	select {
	case w.trigger <- struct{}{}:
	default:
	}
	return true
}

// TriggerAll asks for every pair with a worker to be synced now, and returns
// how many there were.
func (s *Scheduler) TriggerAll() int {
	s.workersLock.Lock()
	defer s.workersLock.Unlock()

	for _, w := range s.workers {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(s.workers)
}

func (s *Scheduler) reconcile(ctx context.Context) error {
	pairs, err := s.pairs.PairsForAccount(ctx)
	if err != nil {
		return errors.WithContext(err, "list pairs")
	}

	wanted := map[string]string{}
	for _, pair := range pairs {
		if pair.Role == config.RoleSink {
			wanted[WorkName(pair.ID)] = pair.ID
		}
	}

	s.workersLock.Lock()
	defer s.workersLock.Unlock()

	for name, w := range s.workers {
		if _, ok := wanted[name]; !ok {
			s.opts.Log.WithField("pair", w.pairID).Info("Pair removed. Stopping sync.")
			w.cancel()
			delete(s.workers, name)
		}
	}

	for name, pairID := range wanted {
		if _, ok := s.workers[name]; ok {
			continue
		}

		workerCtx, cancel := context.WithCancel(ctx)
		w := &worker{
			pairID:  pairID,
			trigger: make(chan struct{}, 1),
			cancel:  cancel,
		}
		s.workers[name] = w

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runWorker(workerCtx, w)
		}()
	}
	return nil
}

func (s *Scheduler) stopAll() {
	s.workersLock.Lock()
	defer s.workersLock.Unlock()

	for name, w := range s.workers {
		w.cancel()
		delete(s.workers, name)
	}
}

func (s *Scheduler) runWorker(ctx context.Context, w *worker) {
	log := s.opts.Log.WithField("pair", w.pairID)
	var failures int
	for {
		result, err := s.runCycle(ctx, w.pairID)
		if ctx.Err() != nil {
			return
		}

		if s.opts.OnResult != nil {
			s.opts.OnResult(w.pairID, result, err)
		}

		delay := s.opts.Interval
		switch {
		case err == nil:
			failures = 0
		case errors.IsCycleRetryable(err):
			failures++
			delay = s.backoff(failures)
			log.WithError(err).Warnf("Sync failed. Will retry in %s.", delay)
		default:
			failures = 0
			log.WithError(err).Errorf("Sync failed. Will retry in %s.", delay)
		}

		timer := s.opts.Clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.trigger:
			timer.Stop()
		case <-timer.Chan():
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, pairID string) (orchestrator.CycleResult, error) {
	if s.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CycleTimeout)
		defer cancel()
	}
	return s.runner.RunCycle(ctx, pairID, nil)
}

// backoff returns the delay before retrying after `failures` consecutive
// failed cycles. It doubles with every failure, starting at BackoffBase and
// capped at BackoffMax.
func (s *Scheduler) backoff(failures int) time.Duration {
	delay := s.opts.BackoffBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= s.opts.BackoffMax {
			return s.opts.BackoffMax
		}
	}

	if delay > s.opts.BackoffMax {
		return s.opts.BackoffMax
	}
	return delay
}
