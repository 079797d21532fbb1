package sync

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ChecksumCache memoizes file checksums between scans. An entry is only
// reused if the file's size and modification time are unchanged, so a stale
// entry can never be served for a modified file. A nil *ChecksumCache is a
// valid, always-empty cache.
type ChecksumCache struct {
	entries map[string]cachedChecksum
	lock    sync.Mutex
}

type cachedChecksum struct {
	size     int64
	modTime  time.Time
	checksum string
}

// NewChecksumCache returns an empty ChecksumCache.
func NewChecksumCache() *ChecksumCache {
	return &ChecksumCache{entries: map[string]cachedChecksum{}}
}

// Get returns the cached checksum for path if it was computed for the same
// size and modification time.
func (c *ChecksumCache) Get(path string, size int64, modTime time.Time) (string, bool) {
	if c == nil {
		return "", false
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	cached, ok := c.entries[path]
	if !ok || cached.size != size || !cached.modTime.Equal(modTime) {
		return "", false
	}
	return cached.checksum, true
}

// Put records the checksum of path.
func (c *ChecksumCache) Put(path string, size int64, modTime time.Time, checksum string) {
	if c == nil {
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	c.entries[path] = cachedChecksum{size: size, modTime: modTime, checksum: checksum}
}

// Invalidate drops path, and anything below it if path is a directory.
func (c *ChecksumCache) Invalidate(path string) {
	if c == nil {
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	delete(c.entries, path)
	prefix := path + string(filepath.Separator)
	for p := range c.entries {
		if strings.HasPrefix(p, prefix) {
			delete(c.entries, p)
		}
	}
}

// Len returns the number of cached checksums.
func (c *ChecksumCache) Len() int {
	if c == nil {
		return 0
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.entries)
}
