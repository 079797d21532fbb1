package serve

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/lansync/pkg/config"
	"github.com/sidkik/lansync/pkg/errors"
	"github.com/sidkik/lansync/pkg/sync"
)

type fakeStore struct {
	pairs   []config.SyncPair
	updates map[string]string
}

func (s *fakeStore) PairsForAccount(ctx context.Context) ([]config.SyncPair, error) {
	return s.pairs, nil
}

func (s *fakeStore) UpdatePeerAddress(ctx context.Context, id, address string) error {
	if s.updates == nil {
		s.updates = map[string]string{}
	}
	s.updates[id] = address
	return nil
}

type fakeProbe struct {
	addr string
	err  error
}

func (p fakeProbe) LocalAddress() (string, error) {
	return p.addr, p.err
}

func mockListen(t *testing.T) *[]int {
	var ports []int
	origListen := listen
	listen = func(port int) (net.Listener, error) {
		ports = append(ports, port)
		return net.Listen("tcp", "127.0.0.1:0")
	}
	t.Cleanup(func() { listen = origListen })
	return &ports
}

func TestSourcePairs(t *testing.T) {
	pairs := sourcePairs([]config.SyncPair{
		{ID: "a", Role: config.RoleSource},
		{ID: "b", Role: config.RoleSink},
		{ID: "c", Role: config.RoleSource},
	})
	require.Len(t, pairs, 2)
	assert.Equal(t, "a", pairs[0].ID)
	assert.Equal(t, "c", pairs[1].ID)
}

func TestListenForPairs(t *testing.T) {
	cfg := config.Config{ListenPort: 9000}

	tests := []struct {
		name     string
		pairs    []config.SyncPair
		expPorts []int
		expErr   bool
	}{
		{
			name: "DistinctPorts",
			pairs: []config.SyncPair{
				{ID: "a", Role: config.RoleSource, SourcePath: t.TempDir()},
				{ID: "b", Role: config.RoleSource, SourcePath: t.TempDir(), PeerPort: 9001},
			},
			expPorts: []int{9000, 9001},
		},
		{
			name: "DuplicatePorts",
			pairs: []config.SyncPair{
				{ID: "a", Role: config.RoleSource, SourcePath: t.TempDir()},
				{ID: "b", Role: config.RoleSource, SourcePath: t.TempDir(), PeerPort: 9000},
			},
			expPorts: []int{9000},
			expErr:   true,
		},
		{
			name: "MissingFolder",
			pairs: []config.SyncPair{
				{ID: "a", Role: config.RoleSource, SourcePath: "/does/not/exist"},
			},
			expPorts: []int{9000},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			ports := mockListen(t)
			toServe, err := listenForPairs(cfg, test.pairs)
			assert.Equal(t, test.expPorts, *ports)

			if test.expErr {
				_, ok := errors.RootCause(err).(errors.FriendlyError)
				assert.True(t, ok, "expected a friendly error, got %v", err)
				return
			}

			require.NoError(t, err)
			require.Len(t, toServe, len(test.pairs))
			for _, s := range toServe {
				s.listener.Close()
			}
		})
	}
}

type fakeWarmer struct {
	closed bool
}

func (w *fakeWarmer) Run(ctx context.Context) {
	<-ctx.Done()
}

func (w *fakeWarmer) Close() error {
	w.closed = true
	return nil
}

func mockWarmer(t *testing.T) *[]*fakeWarmer {
	var warmers []*fakeWarmer
	origNewWarmer := newWarmer
	newWarmer = func(*sync.Catalog, *sync.ChecksumCache) (cacheWarmer, error) {
		w := &fakeWarmer{}
		warmers = append(warmers, w)
		return w, nil
	}
	t.Cleanup(func() { newWarmer = origNewWarmer })
	return &warmers
}

func TestListenForPairsCleansUpOnFailure(t *testing.T) {
	warmers := mockWarmer(t)

	var listeners []net.Listener
	origListen := listen
	listen = func(port int) (net.Listener, error) {
		if port == 9001 {
			return nil, errors.New("address already in use")
		}
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		listeners = append(listeners, ln)
		return ln, err
	}
	defer func() { listen = origListen }()

	_, err := listenForPairs(config.Config{ListenPort: 9000}, []config.SyncPair{
		{ID: "a", Role: config.RoleSource, SourcePath: t.TempDir()},
		{ID: "b", Role: config.RoleSource, SourcePath: t.TempDir(), PeerPort: 9001},
	})
	assert.Error(t, err)

	require.Len(t, listeners, 1)
	assert.Error(t, listeners[0].Close(), "listener should already be closed")
	require.Len(t, *warmers, 1)
	assert.True(t, (*warmers)[0].closed)
}

func TestRunStopsWhenAServerStops(t *testing.T) {
	mockWarmer(t)

	origListen := listen
	listen = func(port int) (net.Listener, error) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}

		// The second pair's server can't accept connections.
		if port == 9001 {
			ln.Close()
		}
		return ln, nil
	}
	defer func() { listen = origListen }()

	store := &fakeStore{pairs: []config.SyncPair{
		{ID: "a", Role: config.RoleSource, SourcePath: t.TempDir(), Active: true},
		{ID: "b", Role: config.RoleSource, SourcePath: t.TempDir(), PeerPort: 9001, Active: true},
	}}
	cfg := config.Config{ListenPort: 9000}.WithDefaults()

	errs := make(chan error, 1)
	go func() { errs <- run(context.Background(), cfg, store) }()

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "serve pair b")
	case <-time.After(5 * time.Second):
		t.Fatal("run kept going after a server stopped")
	}
}

func TestAdvertise(t *testing.T) {
	toServe := []*served{
		{pair: config.SyncPair{ID: "stale", PeerAddress: "10.0.0.9"}},
		{pair: config.SyncPair{ID: "current", PeerAddress: "10.0.0.2"}},
	}

	store := &fakeStore{}
	advertise(context.Background(), fakeProbe{addr: "10.0.0.2"}, store, toServe)
	assert.Equal(t, map[string]string{"stale": "10.0.0.2"}, store.updates)

	store = &fakeStore{}
	advertise(context.Background(), fakeProbe{err: errors.New("offline")}, store, toServe)
	assert.Empty(t, store.updates)
}

func TestRunWithoutSourcePairs(t *testing.T) {
	store := &fakeStore{pairs: []config.SyncPair{{ID: "a", Role: config.RoleSink}}}
	err := run(context.Background(), config.Config{}.WithDefaults(), store)
	_, ok := errors.RootCause(err).(errors.FriendlyError)
	assert.True(t, ok, "expected a friendly error, got %v", err)
}
