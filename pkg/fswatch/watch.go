// Package fswatch keeps a source folder's checksum cache fresh. It watches
// the folder for changes, drops the cached checksums of anything that
// changed, and rehashes the folder once the changes settle so that the next
// manifest request doesn't have to.
package fswatch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/lansync/pkg/errors"
	"github.com/sidkik/lansync/pkg/sync"
)

var fs = afero.NewOsFs()

// settleDelay is how long to wait after a change before rehashing, so that a
// burst of writes only causes a single scan.
var settleDelay = 2 * time.Second

// Warmer invalidates and recomputes the checksums of a catalog's files as
// they change.
type Warmer struct {
	catalog *sync.Catalog
	cache   *sync.ChecksumCache
	watcher *fsnotify.Watcher
}

// NewWarmer starts watching the catalog's root. `cache` must be the cache
// used by `catalog`.
func NewWarmer(catalog *sync.Catalog, cache *sync.ChecksumCache) (*Warmer, error) {
	pathsToWatch, err := getPathsToWatch(catalog.Root())
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range pathsToWatch {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	return &Warmer{catalog: catalog, cache: cache, watcher: watcher}, nil
}

// Close stops watching the folder. It's safe to call more than once, and
// doesn't need to be called after Run returns.
func (w *Warmer) Close() error {
	return w.watcher.Close()
}

// Run handles file events until the context is cancelled. The catalog is
// hashed once up front.
func (w *Warmer) Run(ctx context.Context) {
	defer func() {
		if err := w.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
	}()

	changed := make(chan struct{}, 1)
	changed <- struct{}{}
	go w.warm(ctx, changed)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

			select {
			case changed <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).WithField("root", w.catalog.Root()).Warn("File watcher error")
		}
	}
}

func (w *Warmer) handleEvent(event fsnotify.Event) {
	log.WithField("event", event.String()).Debug("Source file changed")
	w.cache.Invalidate(event.Name)

	// fsnotify doesn't watch directories recursively, so new directories
	// have to be added as they appear.
	if event.Op&fsnotify.Create == 0 {
		return
	}

	fi, err := fs.Stat(event.Name)
	if err != nil || !fi.IsDir() {
		return
	}

	paths, err := getPathsToWatch(event.Name)
	if err != nil {
		log.WithError(err).WithField("path", event.Name).Warn("Failed to watch new directory")
		return
	}
	for _, path := range paths {
		if err := w.watcher.Add(path); err != nil {
			log.WithError(err).WithField("path", path).Warn("Failed to watch new directory")
		}
	}
}

func (w *Warmer) warm(ctx context.Context, changed <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(settleDelay):
		}

		// Changes that arrived while settling are covered by this scan.
		select {
		case <-changed:
		default:
		}

		start := time.Now()
		entries := w.catalog.Scan()
		log.WithFields(log.Fields{
			"root":     w.catalog.Root(),
			"files":    len(entries),
			"duration": time.Since(start),
		}).Debug("Warmed checksum cache")
	}
}

// getPathsToWatch returns `root` and every directory below it. Watching a
// directory covers the files directly inside it.
func getPathsToWatch(root string) (paths []string, err error) {
	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}

	if !fi.IsDir() {
		return nil, errors.Errorf("%s is not a directory", root)
	}

	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}

		if fi.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}
