package version

import (
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle state of a version as seen by the supervisor.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusCrashed  Status = "crashed"
)

// Version is one runnable application directory under the active root.
type Version struct {
	ID        string     `json:"id"`
	Path      string     `json:"path"`
	Status    Status     `json:"status"`
	Port      int        `json:"port,omitempty"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	LastError string     `json:"exitError,omitempty"`
}

// Active reports whether the version owns a live process.
func (v Version) Active() bool {
	return v.Status == StatusStarting || v.Status == StatusRunning
}

// Normalize clears process fields that must not outlive an active status.
func (v *Version) Normalize() {
	if v.Status == "" {
		v.Status = StatusStopped
	}
	if !v.Active() {
		v.Port = 0
		v.PID = 0
		v.StartedAt = nil
	}
}

var errInvalidID = errors.New("invalid version id: allowed [A-Za-z0-9._-], must not start with '.' or '_'")

// IsReserved reports whether a directory name belongs to the supervisor itself
// (staging, trash, archive, snapshots) rather than to a version.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// ValidateID checks that id is usable as a single directory name.
func ValidateID(id string) error {
	if id == "" || len(id) > 128 || IsReserved(id) || strings.Contains(id, "..") {
		return errInvalidID
	}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return errInvalidID
	}
	return nil
}
