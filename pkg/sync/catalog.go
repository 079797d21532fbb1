package sync

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/lansync/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// hashBlockSize is the size of the buffer used to stream files into the
// hasher.
const hashBlockSize = 32 * 1024

// Catalog produces manifests for a single root folder.
type Catalog struct {
	root  string
	cache *ChecksumCache
}

// NewCatalog returns a Catalog for `root`. The cache is optional.
func NewCatalog(root string, cache *ChecksumCache) *Catalog {
	return &Catalog{root: filepath.Clean(root), cache: cache}
}

// Root returns the folder described by the catalog.
func (c *Catalog) Root() string {
	return c.root
}

// Scan returns a ManifestEntry for every regular file under the catalog's
// root, sorted by path. A missing root, or a root that isn't a directory,
// results in an empty manifest. Files that can't be read are logged and
// left out rather than failing the whole scan.
func (c *Catalog) Scan() []ManifestEntry {
	fi, err := fs.Stat(c.root)
	if err != nil || !fi.IsDir() {
		log.WithField("root", c.root).Debug("Sync folder is missing or not a directory")
		return []ManifestEntry{}
	}

	entries := []ManifestEntry{}
	walkErr := afero.Walk(fs, c.root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("Skipping unreadable path")
			if fi != nil && fi.IsDir() && path != c.root {
				return filepath.SkipDir
			}
			return nil
		}

		if fi.IsDir() {
			return nil
		}

		if !fi.Mode().IsRegular() {
			log.WithField("path", path).Warn("Skipping file that isn't a regular file")
			return nil
		}

		relativePath, err := filepath.Rel(c.root, path)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("Skipping file outside of sync folder")
			return nil
		}

		checksum, err := c.checksum(path, fi)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("Skipping file that couldn't be hashed")
			return nil
		}

		entries = append(entries, ManifestEntry{
			Path:     filepath.ToSlash(relativePath),
			Size:     fi.Size(),
			Modified: toMillis(fi.ModTime()),
			Checksum: checksum,
		})
		return nil
	})
	if walkErr != nil {
		log.WithError(walkErr).WithField("root", c.root).Warn("Folder scan ended early")
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries
}

func (c *Catalog) checksum(path string, fi os.FileInfo) (string, error) {
	if checksum, ok := c.cache.Get(path, fi.Size(), fi.ModTime()); ok {
		return checksum, nil
	}

	checksum, err := HashFile(path)
	if err != nil {
		return "", err
	}
	c.cache.Put(path, fi.Size(), fi.ModTime(), checksum)
	return checksum, nil
}

// Scan is a convenience wrapper around an uncached Catalog.
func Scan(root string) []ManifestEntry {
	return NewCatalog(root, nil).Scan()
}

// HashFile returns the lowercase hex MD5 of the file at the given path. The
// file is streamed through the hasher, so it's never held in memory.
func HashFile(path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	return HashReader(f)
}

// HashReader returns the lowercase hex MD5 of everything read from r.
func HashReader(r io.Reader) (string, error) {
	hasher := md5.New()
	if _, err := io.CopyBuffer(hasher, r, make([]byte, hashBlockSize)); err != nil {
		return "", errors.WithContext(err, "read")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
