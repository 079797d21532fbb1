package sync

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/lansync/pkg/config"
	"github.com/sidkik/lansync/pkg/errors"
	"github.com/sidkik/lansync/pkg/orchestrator"
	"github.com/sidkik/lansync/pkg/scheduler"
	"github.com/sidkik/lansync/pkg/sync/client"
)

type fakeRunner struct {
	entries []orchestrator.EntryResult
	result  orchestrator.CycleResult
	err     error
}

func (r fakeRunner) RunCycle(ctx context.Context, pairID string, progress orchestrator.Progress) (
	orchestrator.CycleResult, error) {
	for i, entry := range r.entries {
		if progress != nil {
			progress(i+1, len(r.entries), entry)
		}
	}
	return r.result, r.err
}

func TestRunOnce(t *testing.T) {
	tests := []struct {
		name      string
		runner    fakeRunner
		expOutput []string
		expErr    error
	}{
		{
			name: "Success",
			runner: fakeRunner{
				entries: []orchestrator.EntryResult{
					{Path: "a.txt", Outcome: orchestrator.Transferred},
					{Path: "b.txt", Outcome: orchestrator.Skipped},
				},
				result: orchestrator.CycleResult{Transferred: 1, Skipped: 1},
			},
			expOutput: []string{"Synced photos: 1 transferred, 1 unchanged, 0 failed, 0 deleted"},
		},
		{
			name: "PartialFailure",
			runner: fakeRunner{
				entries: []orchestrator.EntryResult{
					{Path: "a.txt", Outcome: orchestrator.Failed, Err: errors.New("disk full")},
				},
				result: orchestrator.CycleResult{Failed: 1},
			},
			expOutput: []string{"1 failed", "lansync status"},
		},
		{
			name: "InProgress",
			runner: fakeRunner{
				err: errors.CycleInProgress{PairID: "photos"},
			},
			expErr: errors.CycleInProgress{PairID: "photos"},
		},
		{
			name: "CycleFailure",
			runner: fakeRunner{
				err: errors.NetworkUnreachable{Address: "10.0.0.2:8765"},
			},
			expErr: errors.NetworkUnreachable{Address: "10.0.0.2:8765"},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			var out bytes.Buffer
			err := runOnce(context.Background(), test.runner, "photos", &out)
			if test.expErr != nil {
				assert.Equal(t, test.expErr, errors.RootCause(err))
				return
			}

			require.NoError(t, err)
			for _, exp := range test.expOutput {
				assert.Contains(t, out.String(), exp)
			}
		})
	}
}

type fakePairs []config.SyncPair

func (p fakePairs) PairsForAccount(context.Context) ([]config.SyncPair, error) {
	return p, nil
}

func (p fakePairs) UpdatePairLastSynced(context.Context, string, time.Time) error {
	return nil
}

type onNetwork struct{}

func (onNetwork) IsOnPreferredNetwork() bool { return true }

func TestOnceWhileDaemonHoldsLock(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{Database: filepath.Join(dir, "status.db")}
	pairs := fakePairs{{
		ID:          "photos",
		Role:        config.RoleSink,
		SinkPath:    filepath.Join(dir, "photos"),
		PeerAddress: "10.0.0.2",
		Active:      true,
	}}

	origNewClient := newClient
	newClient = func(string, int) client.Client {
		t.Fatal("the peer shouldn't be contacted while the pair is locked")
		return nil
	}
	defer func() { newClient = origNewClient }()

	// The daemon is in the middle of a cycle.
	unlock, err := scheduler.NewFileLocker(dir).TryLock("photos")
	require.NoError(t, err)
	defer unlock()

	orch := newOrchestrator(cfg, pairs, onNetwork{}, nil)
	err = runOnce(context.Background(), orch, "photos", &bytes.Buffer{})
	require.Error(t, err)

	var friendly errors.FriendlyError
	require.True(t, errors.As(errors.RootCause(err), &friendly))
	assert.Contains(t, friendly.FriendlyMessage(), "already being synced")
}

type countingRunner struct {
	calls chan string
}

func (r countingRunner) RunCycle(ctx context.Context, pairID string, _ orchestrator.Progress) (
	orchestrator.CycleResult, error) {
	r.calls <- pairID
	return orchestrator.CycleResult{Pair: pairID}, nil
}

func TestRunDaemonTrigger(t *testing.T) {
	cfg := config.Config{}.WithDefaults()
	pairs := fakePairs{{ID: "photos", Role: config.RoleSink, Active: true}}
	runner := countingRunner{calls: make(chan string, 10)}
	triggers := make(chan os.Signal, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runDaemon(ctx, cfg, runner, pairs, 0, triggers)
		close(done)
	}()

	expectCycle := func() {
		select {
		case pairID := <-runner.calls:
			assert.Equal(t, "photos", pairID)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a cycle")
		}
	}

	// The first cycle starts right away, and the next one waits for the
	// interval unless triggered.
	expectCycle()
	triggers <- os.Interrupt
	expectCycle()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon didn't stop")
	}
}
