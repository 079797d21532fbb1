package errors

import (
	"fmt"
)

// ErrFileChanged is returned when a downloaded file doesn't match the
// checksum advertised in the manifest. This usually means the source
// modified the file between the manifest request and the download.
var ErrFileChanged = New("file contents changed during sync")

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// NetworkUnreachable is returned when the peer's sync server doesn't answer
// the liveness check.
type NetworkUnreachable struct {
	Address string
}

func (err NetworkUnreachable) Error() string {
	return fmt.Sprintf("peer %s is not reachable on this network", err.Address)
}

// ProtocolError is returned when the peer answers with an unexpected status
// code, or with a body that doesn't match the manifest schema.
type ProtocolError struct {
	Op         string
	StatusCode int
	Reason     string
}

func (err ProtocolError) Error() string {
	if err.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d: %s", err.Op, err.StatusCode, err.Reason)
	}
	return fmt.Sprintf("%s: %s", err.Op, err.Reason)
}

// PathTraversalRejected is returned when a requested path resolves outside
// of the synced root.
type PathTraversalRejected struct {
	Path string
}

func (err PathTraversalRejected) Error() string {
	return fmt.Sprintf("path %q resolves outside of the sync root", err.Path)
}

// FileTransferError wraps any failure while transferring a single file.
type FileTransferError struct {
	Path string
	Err  error
}

func (err FileTransferError) Error() string {
	return fmt.Sprintf("transfer %s: %s", err.Path, err.Err)
}

func (err FileTransferError) Unwrap() error {
	return err.Err
}

// ConfigurationMissing is returned when a pair lacks a value that's needed
// to run a cycle, such as the peer address.
type ConfigurationMissing struct {
	PairID string
	Field  string
}

func (err ConfigurationMissing) Error() string {
	return fmt.Sprintf("pair %s has no %s configured", err.PairID, err.Field)
}

// PreconditionNotMet is returned when the device isn't on the network type
// required for syncing.
type PreconditionNotMet struct {
	Reason string
}

func (err PreconditionNotMet) Error() string {
	return fmt.Sprintf("sync precondition not met: %s", err.Reason)
}

// CycleInProgress is returned when another cycle, possibly in another
// process, holds the pair's lock.
type CycleInProgress struct {
	PairID string
}

func (err CycleInProgress) Error() string {
	return fmt.Sprintf("pair %s is already being synced", err.PairID)
}

// FriendlyMessage implements FriendlyError.
func (err CycleInProgress) FriendlyMessage() string {
	return fmt.Sprintf("Pair %q is already being synced by another lansync process. "+
		"Try again once it finishes.", err.PairID)
}

// IsCycleRetryable returns whether a failed cycle should be retried with
// backoff. Configuration errors aren't, since retrying quickly won't fix
// them; they're picked up again on the regular schedule.
func IsCycleRetryable(err error) bool {
	if err == nil {
		return false
	}

	var missing ConfigurationMissing
	return !As(err, &missing)
}
