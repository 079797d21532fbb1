package sync

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/sidkik/lansync/pkg/errors"
)

// ManifestEntry describes a single file exposed by a source device.
type ManifestEntry struct {
	// Path is relative to the synced folder and always uses forward slashes.
	Path string `json:"path"`

	// Size is the size of the file in bytes.
	Size int64 `json:"size"`

	// Modified is the file's modification time in milliseconds since the
	// Unix epoch.
	Modified int64 `json:"modified"`

	// Checksum is the lowercase hex MD5 of the file's contents.
	Checksum string `json:"checksum"`
}

// ModTime returns the entry's modification time.
func (e ManifestEntry) ModTime() time.Time {
	return time.Unix(0, e.Modified*int64(time.Millisecond))
}

func toMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

var checksumPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// rawManifestEntry mirrors ManifestEntry with pointer fields so that missing
// fields can be told apart from zero values.
type rawManifestEntry struct {
	Path     *string `json:"path"`
	Size     *int64  `json:"size"`
	Modified *int64  `json:"modified"`
	Checksum *string `json:"checksum"`
}

// DecodeManifest parses a manifest body. Every field of every entry is
// required, so a partially filled entry fails the whole manifest rather than
// being synced with garbage values.
func DecodeManifest(r io.Reader) ([]ManifestEntry, error) {
	var raw []rawManifestEntry
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.WithContext(err, "decode")
	}

	if raw == nil {
		return nil, errors.New("manifest is not a JSON array")
	}

	entries := make([]ManifestEntry, 0, len(raw))
	for i, e := range raw {
		entry, err := e.validate()
		if err != nil {
			return nil, errors.WithContext(err, fmt.Sprintf("entry %d", i))
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (e rawManifestEntry) validate() (ManifestEntry, error) {
	switch {
	case e.Path == nil:
		return ManifestEntry{}, errors.MissingFieldError{Field: "path"}
	case e.Size == nil:
		return ManifestEntry{}, errors.MissingFieldError{Field: "size"}
	case e.Modified == nil:
		return ManifestEntry{}, errors.MissingFieldError{Field: "modified"}
	case e.Checksum == nil:
		return ManifestEntry{}, errors.MissingFieldError{Field: "checksum"}
	}

	if *e.Path == "" {
		return ManifestEntry{}, errors.New("empty path")
	}
	if *e.Size < 0 {
		return ManifestEntry{}, errors.Errorf("negative size for %q", *e.Path)
	}
	if !checksumPattern.MatchString(*e.Checksum) {
		return ManifestEntry{}, errors.Errorf("malformed checksum %q for %q", *e.Checksum, *e.Path)
	}

	return ManifestEntry{
		Path:     *e.Path,
		Size:     *e.Size,
		Modified: *e.Modified,
		Checksum: *e.Checksum,
	}, nil
}
