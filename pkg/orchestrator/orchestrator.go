// Package orchestrator runs sync cycles. A cycle pulls the source's current
// manifest, compares it against the sink's file statuses, and downloads
// whatever changed.
//
// Failures are handled at two levels. Problems that affect the whole cycle,
// such as the peer being unreachable, abort the cycle and are returned so
// that the scheduler can retry it later. Problems with a single file are
// recorded on that file's status and the cycle moves on to the next file;
// the file is picked up again on the next cycle since it isn't SYNCED.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path"
	goSync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/lansync/pkg/config"
	"github.com/sidkik/lansync/pkg/errors"
	"github.com/sidkik/lansync/pkg/status"
	"github.com/sidkik/lansync/pkg/sync"
	"github.com/sidkik/lansync/pkg/sync/client"
)

// PairStore provides the current pair configuration.
type PairStore interface {
	PairsForAccount(ctx context.Context) ([]config.SyncPair, error)
	UpdatePairLastSynced(ctx context.Context, id string, timestamp time.Time) error
}

// NetworkProbe reports whether the device is on a network suitable for
// syncing.
type NetworkProbe interface {
	IsOnPreferredNetwork() bool
}

// PairLocker gives a cycle exclusive use of a pair, including against other
// processes sharing the same status database. The returned function releases
// the lock.
type PairLocker interface {
	TryLock(pairID string) (unlock func(), err error)
}

// ClientFactory returns a client for the sync server at address:port.
type ClientFactory func(address string, port int) client.Client

// Outcome is the result of syncing a single file.
type Outcome string

const (
	// Transferred files were downloaded from the source.
	Transferred Outcome = "transferred"

	// Skipped files already matched the source.
	Skipped Outcome = "skipped"

	// Failed files couldn't be synced.
	Failed Outcome = "failed"
)

// EntryResult is the result of syncing a single manifest entry.
type EntryResult struct {
	Path    string
	Outcome Outcome
	Err     error
}

// Progress is called after each manifest entry is processed. It's always
// called from the goroutine running the cycle.
type Progress func(done, total int, result EntryResult)

// CycleResult summarizes a cycle.
type CycleResult struct {
	Pair        string
	Entries     int
	Transferred int
	Skipped     int
	Failed      int
	Deleted     int
	StartedAt   time.Time
	FinishedAt  time.Time
}

func (r CycleResult) String() string {
	return fmt.Sprintf("%d transferred, %d unchanged, %d failed, %d deleted",
		r.Transferred, r.Skipped, r.Failed, r.Deleted)
}

// Options tune an Orchestrator. The zero value is usable.
type Options struct {
	// Parallelism is the number of files downloaded at once.
	Parallelism int

	// Locker, if set, is held for the duration of every cycle.
	Locker PairLocker

	Clock clockwork.Clock
	Log   logrus.FieldLogger
}

// Orchestrator runs sync cycles for sink pairs.
type Orchestrator struct {
	pairs     PairStore
	probe     NetworkProbe
	store     status.Store
	newClient ClientFactory
	locker    PairLocker

	parallelism int
	clock       clockwork.Clock
	log         logrus.FieldLogger
}

// Mocked for unit testing.
var (
	hashFile = sync.HashFile
	newID    = func() string { return uuid.New().String() }
)

// New returns an Orchestrator.
func New(pairs PairStore, probe NetworkProbe, store status.Store,
	newClient ClientFactory, opts Options) *Orchestrator {
	if opts.Parallelism <= 0 {
		opts.Parallelism = config.DefaultParallelism
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	return &Orchestrator{
		pairs:       pairs,
		probe:       probe,
		store:       store,
		newClient:   newClient,
		locker:      opts.Locker,
		parallelism: opts.Parallelism,
		clock:       opts.Clock,
		log:         opts.Log,
	}
}

// RunCycle runs one sync cycle for the pair. The returned error is non-nil
// only if the cycle as a whole failed; per-file failures are counted in the
// result. If ctx is cancelled, no new downloads are started and the pair's
// last-synced time isn't updated.
func (o *Orchestrator) RunCycle(ctx context.Context, pairID string,
	progress Progress) (CycleResult, error) {
	result := CycleResult{Pair: pairID, StartedAt: o.clock.Now()}

	if !o.probe.IsOnPreferredNetwork() {
		return result, errors.PreconditionNotMet{Reason: "not connected to a preferred network"}
	}

	pair, err := o.resolvePair(ctx, pairID)
	if err != nil {
		return result, err
	}
	log := o.log.WithField("pair", pairID)

	if o.locker != nil {
		unlock, err := o.locker.TryLock(pairID)
		if err != nil {
			return result, err
		}
		defer unlock()
	}

	c := o.newClient(pair.PeerAddress, pair.Port())
	if !c.Ping(ctx) {
		return result, errors.NetworkUnreachable{Address: c.Address()}
	}

	manifest, err := c.FetchManifest(ctx)
	if err != nil {
		return result, err
	}
	result.Entries = len(manifest)

	for res := range o.syncEntries(ctx, c, pair, manifest) {
		switch res.Outcome {
		case Transferred:
			result.Transferred++
		case Skipped:
			result.Skipped++
		case Failed:
			result.Failed++
			log.WithError(res.Err).WithField("path", res.Path).Warn("Failed to sync file")
		}

		if progress != nil {
			done := result.Transferred + result.Skipped + result.Failed
			progress(done, result.Entries, res)
		}
	}

	if err := ctx.Err(); err != nil {
		result.FinishedAt = o.clock.Now()
		return result, errors.WithContext(err, "cycle interrupted")
	}

	result.Deleted = o.markDeleted(ctx, pair, manifest)
	result.FinishedAt = o.clock.Now()

	if err := o.pairs.UpdatePairLastSynced(ctx, pair.ID, result.FinishedAt); err != nil {
		log.WithError(err).Warn("Failed to update last synced time")
	}

	log.WithField("duration", result.FinishedAt.Sub(result.StartedAt)).
		Infof("Sync complete: %s", result)
	return result, nil
}

func (o *Orchestrator) resolvePair(ctx context.Context, pairID string) (config.SyncPair, error) {
	pairs, err := o.pairs.PairsForAccount(ctx)
	if err != nil {
		return config.SyncPair{}, errors.WithContext(err, "get pairs")
	}

	for _, pair := range pairs {
		if pair.ID != pairID {
			continue
		}

		switch {
		case pair.Role != config.RoleSink:
			return config.SyncPair{}, errors.ConfigurationMissing{PairID: pairID, Field: "sink role"}
		case pair.SinkPath == "":
			return config.SyncPair{}, errors.ConfigurationMissing{PairID: pairID, Field: "sink folder"}
		case pair.PeerAddress == "":
			return config.SyncPair{}, errors.ConfigurationMissing{PairID: pairID, Field: "peer address"}
		}
		return pair, nil
	}
	return config.SyncPair{}, errors.ConfigurationMissing{PairID: pairID, Field: "active pair"}
}

// syncEntries syncs the manifest with a pool of workers. The returned channel
// is closed once every dispatched entry is done. Entries aren't dispatched
// after ctx is cancelled.
func (o *Orchestrator) syncEntries(ctx context.Context, c client.Client, pair config.SyncPair,
	manifest []sync.ManifestEntry) <-chan EntryResult {
	numWorkers := o.parallelism
	if len(manifest) < numWorkers {
		numWorkers = len(manifest)
	}

	var wg goSync.WaitGroup
	toSync := make(chan sync.ManifestEntry, numWorkers*2)
	results := make(chan EntryResult, numWorkers)
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range toSync {
				results <- o.syncEntry(ctx, c, pair, entry)
			}
		}()
	}

	go func() {
	feed:
		for _, entry := range manifest {
			select {
			case toSync <- entry:
			case <-ctx.Done():
				break feed
			}
		}
		close(toSync)

		wg.Wait()
		close(results)
	}()
	return results
}

func (o *Orchestrator) syncEntry(ctx context.Context, c client.Client, pair config.SyncPair,
	entry sync.ManifestEntry) EntryResult {
	res := EntryResult{Path: entry.Path}
	fail := func(err error) EntryResult {
		res.Outcome = Failed
		res.Err = err
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail(errors.WithContext(err, "cycle interrupted"))
	}

	localPath, err := sync.ResolveWithinRoot(pair.SinkPath, entry.Path)
	if err != nil {
		return fail(err)
	}

	existing, found, err := o.store.GetByLocalPath(ctx, localPath)
	if err != nil {
		return fail(errors.WithContext(err, "get status"))
	}

	if found && existing.Status == status.Synced && existing.Checksum == entry.Checksum {
		res.Outcome = Skipped
		return res
	}

	record, err := o.beginTransfer(ctx, pair, entry, localPath, existing, found)
	if err != nil {
		return fail(errors.WithContext(err, "update status"))
	}

	transferred, err := o.download(ctx, c, pair, entry, localPath)
	if err != nil {
		if updateErr := o.store.UpdateStatusWithError(
			context.Background(), record.ID, status.Failed, err.Error()); updateErr != nil {
			o.log.WithError(updateErr).WithField("path", localPath).Error("Failed to record file failure")
		}
		return fail(err)
	}

	// The context isn't used here so that a completed transfer is recorded
	// even if the cycle is cancelled right after.
	if err := o.store.MarkSynced(context.Background(), record.ID, entry.Checksum, o.clock.Now()); err != nil {
		return fail(errors.WithContext(err, "update status"))
	}

	res.Outcome = Skipped
	if transferred {
		res.Outcome = Transferred
	}
	return res
}

// beginTransfer moves the file's record to SYNCING, creating it if needed.
// The record keeps its last verified checksum until the transfer completes.
func (o *Orchestrator) beginTransfer(ctx context.Context, pair config.SyncPair,
	entry sync.ManifestEntry, localPath string, existing status.FileRecord,
	found bool) (status.FileRecord, error) {
	record := status.FileRecord{
		ID:         newID(),
		PairID:     pair.ID,
		LocalPath:  localPath,
		RemotePath: entry.Path,
		FileName:   path.Base(entry.Path),
		Size:       entry.Size,
		Modified:   entry.ModTime(),
		Status:     status.Syncing,
	}

	if found {
		record.ID = existing.ID
		record.Checksum = existing.Checksum
		record.SyncedAt = existing.SyncedAt

		switch {
		case existing.Status == status.Synced:
			// The source's copy changed since it was last synced.
			err := o.store.UpdateStatus(ctx, existing.ID, status.Modified, existing.SyncedAt)
			if err != nil {
				return status.FileRecord{}, err
			}
		case !status.CanTransition(existing.Status, status.Syncing):
			// Left over from a cycle that was interrupted mid-transfer.
			err := o.store.UpdateStatusWithError(ctx, existing.ID, status.Failed, "transfer interrupted")
			if err != nil {
				return status.FileRecord{}, err
			}
		}
	}

	return record, o.store.Upsert(ctx, record)
}

func (o *Orchestrator) download(ctx context.Context, c client.Client, pair config.SyncPair,
	entry sync.ManifestEntry, localPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.WithContext(err, "cycle interrupted")
	}

	// If the sink already has the right contents, for example because the
	// status database was reset, DownloadFile can skip the transfer.
	knownChecksum, err := hashFile(localPath)
	if err != nil {
		if !os.IsNotExist(errors.RootCause(err)) {
			o.log.WithError(err).WithField("path", localPath).Debug("Failed to hash local file")
		}
		knownChecksum = ""
	}

	return c.DownloadFile(ctx, entry, pair.SinkPath, knownChecksum)
}

// markDeleted marks SYNCED files that the source no longer has as DELETED.
// The local copies are left alone.
func (o *Orchestrator) markDeleted(ctx context.Context, pair config.SyncPair,
	manifest []sync.ManifestEntry) int {
	inManifest := map[string]struct{}{}
	for _, entry := range manifest {
		inManifest[entry.Path] = struct{}{}
	}

	synced, err := o.store.ListByStatus(ctx, pair.ID, status.Synced)
	if err != nil {
		o.log.WithError(err).WithField("pair", pair.ID).Warn("Failed to check for deleted files")
		return 0
	}

	var deleted int
	for _, record := range synced {
		if _, ok := inManifest[record.RemotePath]; ok {
			continue
		}

		if err := o.store.UpdateStatus(ctx, record.ID, status.Deleted, record.SyncedAt); err != nil {
			o.log.WithError(err).WithField("path", record.LocalPath).Warn("Failed to mark file as deleted")
			continue
		}
		deleted++
	}
	return deleted
}
