package scheduler

import (
	"net/url"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/lansync/pkg/errors"
)

// FileLocker serializes the cycles of each pair across processes, using one
// lock file per pair. The locks are released by the OS if the process dies.
type FileLocker struct {
	dir string
}

// NewFileLocker returns a FileLocker that keeps its lock files in `dir`.
func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir}
}

// LockPath returns the lock file of the pair.
func (l *FileLocker) LockPath(pairID string) string {
	return filepath.Join(l.dir, "."+url.PathEscape(WorkName(pairID))+".lock")
}

// TryLock takes the pair's lock without blocking. It returns
// errors.CycleInProgress if the lock is already held, by this process or
// another one.
func (l *FileLocker) TryLock(pairID string) (func(), error) {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return nil, errors.WithContext(err, "create lock directory")
	}

	lock := flock.New(l.LockPath(pairID))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.WithContext(err, "lock pair")
	}
	if !locked {
		return nil, errors.CycleInProgress{PairID: pairID}
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			log.WithError(err).WithField("pair", pairID).Warn("Failed to release pair lock")
		}
	}, nil
}
