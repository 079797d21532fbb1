package config

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/lansync/pkg/errors"
)

const configPath = "/home/test/.lansync.yaml"

func mockHome(t *testing.T) {
	fs = afero.NewMemMapFs()
	homedirExpand = func(path string) (string, error) {
		if strings.HasPrefix(path, "~") {
			return "/home/test" + strings.TrimPrefix(path, "~"), nil
		}
		return path, nil
	}
	t.Cleanup(func() {
		fs = afero.NewOsFs()
		homedirExpand = defaultHomedirExpand
	})
}

var defaultHomedirExpand = homedirExpand

func TestParseConfig(t *testing.T) {
	defaults := Config{}.WithDefaults()
	defaults.Database = "/home/test/.lansync.db"

	createdAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	withPair := defaults
	withPair.Account = "alice"
	withPair.Pairs = []SyncPair{{
		ID:          "pair-1",
		Role:        RoleSink,
		SourcePath:  "/sdcard/DCIM",
		SinkPath:    "/home/test/Photos",
		PeerAddress: "192.168.1.20",
		PeerPort:    8765,
		CreatedAt:   &createdAt,
		Active:      true,
	}}

	tuned := defaults
	tuned.SyncInterval = Duration(5 * time.Minute)
	tuned.Parallelism = 8

	tests := []struct {
		name      string
		input     string
		expConfig Config
		expError  error
	}{
		{
			name:      "Missing",
			expConfig: defaults,
		},
		{
			name:      "EmptyVersion",
			input:     "account: \"\"\n",
			expConfig: defaults,
		},
		{
			name: "Pair",
			input: `version: v1alpha1
account: alice
pairs:
- id: pair-1
  role: sink
  sourcePath: /sdcard/DCIM
  sinkPath: ~/Photos
  peerAddress: 192.168.1.20
  peerPort: 8765
  createdAt: "2024-01-02T03:04:05Z"
  active: true
`,
			expConfig: withPair,
		},
		{
			name:      "Durations",
			input:     "syncInterval: 5m\nparallelism: 8\n",
			expConfig: tuned,
		},
		{
			name:  "IncorrectVersion",
			input: "version: v2\n",
			expError: errors.WithContext(incompatibleVersionError{
				path:   configPath,
				exp:    SupportedConfigVersion,
				actual: "v2",
			}, "parse"),
		},
		{
			name:  "ExtraFields",
			input: fmt.Sprintf("version: %s\nextra: fields", SupportedConfigVersion),
			expError: errors.WithContext(
				errors.NewFriendlyError(parseConfigErrTemplate, configPath,
					errors.New("error unmarshaling JSON: while decoding JSON: "+
						`json: unknown field "extra"`)),
				"parse"),
		},
		{
			name:  "MissingRole",
			input: "pairs:\n- id: pair-1\n  sinkPath: /tmp\n",
			expError: errors.NewFriendlyError("Pair 1 in %q is invalid: %s",
				configPath, errors.MissingFieldError{Field: "role"}),
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			mockHome(t)
			if test.input != "" {
				require.NoError(t, afero.WriteFile(fs, configPath, []byte(test.input), 0644))
			}

			cfg, err := ParseConfig(configPath)
			if test.expError != nil {
				assert.Equal(t, test.expError, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expConfig, cfg)
		})
	}
}

func TestDurationRejectsNumbers(t *testing.T) {
	mockHome(t)
	require.NoError(t, afero.WriteFile(fs, configPath, []byte("syncInterval: 900\n"), 0644))

	_, err := ParseConfig(configPath)
	assert.Error(t, err)
}

func TestFileStore(t *testing.T) {
	mockHome(t)
	ctx := context.Background()
	store := NewFileStore(configPath)

	pairs, err := store.PairsForAccount(ctx)
	require.NoError(t, err)
	assert.Empty(t, pairs)

	sink := SyncPair{ID: "sink", Role: RoleSink, SinkPath: "/photos", Active: true}
	source := SyncPair{ID: "source", Role: RoleSource, SourcePath: "/docs", Active: true}
	inactive := SyncPair{ID: "inactive", Role: RoleSink, SinkPath: "/old"}
	otherAccount := SyncPair{ID: "other", Account: "bob", Role: RoleSink, SinkPath: "/bob", Active: true}
	for _, pair := range []SyncPair{sink, source, inactive, otherAccount} {
		require.NoError(t, store.AddPair(pair))
	}

	err = store.AddPair(sink)
	assert.Equal(t, errors.NewFriendlyError("Pair %q already exists", "sink"), err)

	err = store.AddPair(SyncPair{ID: "bad", Role: RoleSink})
	assert.Error(t, err)

	cfg, err := store.Load()
	require.NoError(t, err)
	cfg.Account = "alice"
	require.NoError(t, WriteConfig(configPath, cfg))

	pairs, err = store.PairsForAccount(ctx)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "sink", pairs[0].ID)
	assert.Equal(t, "source", pairs[1].ID)

	syncedAt := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	require.NoError(t, store.UpdatePairLastSynced(ctx, "sink", syncedAt))
	require.NoError(t, store.UpdatePeerAddress(ctx, "sink", "10.0.0.7"))

	pair, err := store.Pair("sink")
	require.NoError(t, err)
	require.NotNil(t, pair.LastSyncedAt)
	assert.True(t, syncedAt.Equal(*pair.LastSyncedAt))
	assert.Equal(t, "10.0.0.7", pair.PeerAddress)
	assert.Equal(t, DefaultPort, pair.Port())
	assert.Equal(t, "/photos", pair.LocalPath())

	assert.Error(t, store.UpdatePeerAddress(ctx, "missing", "10.0.0.8"))

	require.NoError(t, store.RemovePair("sink"))
	_, err = store.Pair("sink")
	assert.Equal(t, errors.NewFriendlyError("Pair %q doesn't exist", "sink"), err)
	assert.Error(t, store.RemovePair("sink"))
}

func TestUpdateKeepsConfigAsWritten(t *testing.T) {
	mockHome(t)
	ctx := context.Background()

	raw := `version: v1alpha1
pairs:
- id: photos
  role: sink
  sinkPath: ~/Photos
  peerAddress: 10.0.0.2
  active: true
`
	require.NoError(t, afero.WriteFile(fs, configPath, []byte(raw), 0600))

	store := NewFileStore(configPath)
	syncedAt := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	require.NoError(t, store.UpdatePairLastSynced(ctx, "photos", syncedAt))
	require.NoError(t, store.AddPair(SyncPair{
		ID: "docs", Role: RoleSource, SourcePath: "~/Documents", Active: true}))

	written, err := afero.ReadFile(fs, configPath)
	require.NoError(t, err)
	assert.Contains(t, string(written), "~/Photos")
	assert.Contains(t, string(written), "~/Documents")
	assert.NotContains(t, string(written), "/home/test")
	assert.Contains(t, string(written), "lastSyncedAt:")
	for _, field := range []string{"database", "listenPort", "syncInterval", "backoffBase",
		"backoffMax", "parallelism", "preferredInterfaces", "createdAt", "0001-01-01"} {
		assert.NotContains(t, string(written), field)
	}

	// Only the config file is left behind.
	entries, err := afero.ReadDir(fs, "/home/test")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".lansync.yaml", entries[0].Name())
	assert.Equal(t, "-rw-------", entries[0].Mode().Perm().String())

	// Readers still get defaults and expanded paths.
	pair, err := store.Pair("photos")
	require.NoError(t, err)
	assert.Equal(t, "/home/test/Photos", pair.SinkPath)
	cfg, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "/home/test/.lansync.db", cfg.Database)
}

func TestWriteConfigReplacesFile(t *testing.T) {
	mockHome(t)

	require.NoError(t, afero.WriteFile(fs, configPath, []byte("version: v1alpha1\naccount: alice\n"), 0644))
	require.NoError(t, WriteConfig(configPath, Config{Account: "bob"}))

	cfg, err := ParseConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Account)

	info, err := fs.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().Perm().String())
}
