package config

import (
	"context"
	goSync "sync"
	"time"

	"github.com/sidkik/lansync/pkg/errors"
)

// FileStore stores pairs in the lansync config file. Every call re-reads the
// file, so edits made while a daemon is running are picked up on the next
// cycle.
type FileStore struct {
	path string
	lock goSync.Mutex
}

// NewFileStore returns a FileStore backed by the config file at `path`.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the path of the config file.
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the current contents of the config file.
func (s *FileStore) Load() (Config, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return ParseConfig(s.path)
}

// PairsForAccount returns the active pairs belonging to the configured
// account. Pairs without an account are assumed to belong to it.
func (s *FileStore) PairsForAccount(ctx context.Context) ([]SyncPair, error) {
	cfg, err := s.Load()
	if err != nil {
		return nil, err
	}

	var pairs []SyncPair
	for _, pair := range cfg.Pairs {
		if !pair.Active {
			continue
		}
		if pair.Account != "" && cfg.Account != "" && pair.Account != cfg.Account {
			continue
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// Pair returns the pair with the given ID.
func (s *FileStore) Pair(id string) (SyncPair, error) {
	cfg, err := s.Load()
	if err != nil {
		return SyncPair{}, err
	}

	for _, pair := range cfg.Pairs {
		if pair.ID == id {
			return pair, nil
		}
	}
	return SyncPair{}, errors.NewFriendlyError("Pair %q doesn't exist", id)
}

// UpdatePairLastSynced records when the pair last completed a cycle.
func (s *FileStore) UpdatePairLastSynced(ctx context.Context, id string, timestamp time.Time) error {
	return s.updatePair(id, func(pair *SyncPair) {
		pair.LastSyncedAt = &timestamp
	})
}

// UpdatePeerAddress records the address of the pair's sync server.
func (s *FileStore) UpdatePeerAddress(ctx context.Context, id, address string) error {
	return s.updatePair(id, func(pair *SyncPair) {
		pair.PeerAddress = address
	})
}

// AddPair adds a new pair. The ID must be unique.
func (s *FileStore) AddPair(pair SyncPair) error {
	if err := pair.validate(); err != nil {
		return errors.NewFriendlyError("Invalid pair: %s", err)
	}

	return s.update(func(cfg *Config) error {
		for _, existing := range cfg.Pairs {
			if existing.ID == pair.ID {
				return errors.NewFriendlyError("Pair %q already exists", pair.ID)
			}
		}
		cfg.Pairs = append(cfg.Pairs, pair)
		return nil
	})
}

// RemovePair removes the pair with the given ID.
func (s *FileStore) RemovePair(id string) error {
	return s.update(func(cfg *Config) error {
		for i, pair := range cfg.Pairs {
			if pair.ID == id {
				cfg.Pairs = append(cfg.Pairs[:i], cfg.Pairs[i+1:]...)
				return nil
			}
		}
		return errors.NewFriendlyError("Pair %q doesn't exist", id)
	})
}

func (s *FileStore) updatePair(id string, fn func(*SyncPair)) error {
	return s.update(func(cfg *Config) error {
		for i := range cfg.Pairs {
			if cfg.Pairs[i].ID == id {
				fn(&cfg.Pairs[i])
				return nil
			}
		}
		return errors.NewFriendlyError("Pair %q doesn't exist", id)
	})
}

// update rewrites the config file with the changes made by `fn`. `fn` gets the
// file's contents as written, so unset fields stay unset and paths keep
// their `~`.
func (s *FileStore) update(fn func(*Config) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	cfg, err := readConfig(s.path)
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	if err := fn(&cfg); err != nil {
		return err
	}
	return WriteConfig(s.path, cfg)
}
