package status

import (
	"time"
)

// Status is the sync state of a single file on the sink.
type Status string

const (
	// Pending files have been observed but no transfer has been attempted.
	Pending Status = "PENDING"

	// Syncing files are currently being transferred.
	Syncing Status = "SYNCING"

	// Synced files match the source's content as of the last cycle.
	Synced Status = "SYNCED"

	// Modified files were synced, but the source's checksum has since
	// changed.
	Modified Status = "MODIFIED"

	// Failed files couldn't be transferred. They're retried on the next
	// cycle.
	Failed Status = "FAILED"

	// Deleted files were synced, but the source no longer lists them.
	Deleted Status = "DELETED"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{Pending, Syncing, Synced, Modified, Failed, Deleted}

var transitions = map[Status][]Status{
	Pending:  {Syncing, Failed},
	Syncing:  {Synced, Failed},
	Synced:   {Modified, Deleted},
	Modified: {Syncing},
	Failed:   {Syncing},
	Deleted:  {Syncing},
}

// CanTransition returns whether a record may move from `from` to `to`.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Valid returns whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// FileRecord is the sink's bookkeeping for a single synced file.
type FileRecord struct {
	ID     string
	PairID string

	// LocalPath is the absolute path of the file on the sink. It's unique
	// across all records.
	LocalPath string

	// RemotePath is the forward-slash path relative to the source's root.
	RemotePath string

	FileName string
	Size     int64
	Modified time.Time

	// Checksum is the content hash of the last verified transfer. It's only
	// meaningful once the record has been Synced.
	Checksum string

	Status       Status
	SyncedAt     time.Time
	ErrorMessage string
}
