package config

import (
	"time"

	"github.com/sidkik/lansync/pkg/errors"
)

// Role is the part the local device plays in a pair.
type Role string

const (
	// RoleSource devices serve their folder to the peer.
	RoleSource Role = "source"

	// RoleSink devices pull the peer's folder.
	RoleSink Role = "sink"
)

// SyncPair is a source/sink relationship between two devices.
type SyncPair struct {
	ID      string `json:"id"`
	Account string `json:"account,omitempty"`
	Role    Role   `json:"role"`

	SourceDevice string `json:"sourceDevice,omitempty"`
	SinkDevice   string `json:"sinkDevice,omitempty"`

	// SourcePath is the folder served by the source device.
	SourcePath string `json:"sourcePath,omitempty"`

	// SinkPath is the folder the sink device writes into.
	SinkPath string `json:"sinkPath,omitempty"`

	// PeerAddress and PeerPort locate the source device's sync server.
	PeerAddress string `json:"peerAddress,omitempty"`
	PeerPort    int    `json:"peerPort,omitempty"`

	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	Active       bool       `json:"active"`
}

// LocalPath returns the folder on this device.
func (p SyncPair) LocalPath() string {
	if p.Role == RoleSource {
		return p.SourcePath
	}
	return p.SinkPath
}

// Port returns the port of the source's sync server.
func (p SyncPair) Port() int {
	if p.PeerPort == 0 {
		return DefaultPort
	}
	return p.PeerPort
}

func (p SyncPair) validate() error {
	if p.ID == "" {
		return errors.MissingFieldError{Field: "id"}
	}

	switch p.Role {
	case RoleSource:
		if p.SourcePath == "" {
			return errors.MissingFieldError{Field: "sourcePath"}
		}
	case RoleSink:
		if p.SinkPath == "" {
			return errors.MissingFieldError{Field: "sinkPath"}
		}
	case "":
		return errors.MissingFieldError{Field: "role"}
	default:
		return errors.Errorf("unknown role %q", p.Role)
	}

	if p.PeerPort < 0 || p.PeerPort > 65535 {
		return errors.Errorf("invalid port %d", p.PeerPort)
	}
	return nil
}
