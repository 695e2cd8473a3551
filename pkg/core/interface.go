// pkg/core/interface.go
package core

import (
	"context"
	"io"
	"io/fs"
	"time"
)

// Transport fetches remote resources. Implementations return errors wrapping
// ErrNotFound, ErrAuthRequired or ErrTransport.
type Transport interface {
	// Fetch opens url, optionally restricted to a byte range
	Fetch(ctx context.Context, url string, r *ByteRange) (io.ReadCloser, error)

	// Head returns resource metadata without the body
	Head(ctx context.Context, url string) (*ResourceInfo, error)
}

// ByteRange selects Length bytes starting at Offset. Length 0 reads to the end.
type ByteRange struct {
	Offset int64
	Length int64
}

// ResourceInfo is the result of a Head request
type ResourceInfo struct {
	Size         int64
	LastModified time.Time
	ETag         string
}

// Filesystem is the on-disk collaborator used by transactions.
// Write errors wrap ErrPermissionDenied or ErrDiskSpaceInsufficient where
// applicable; Remove and ReadFile wrap fs.ErrNotExist for missing paths.
type Filesystem interface {
	WriteAtomic(path string, data []byte, mode fs.FileMode, owner, group string) error
	Remove(path string) error
	FreeSpace(mountPath string) (uint64, error)
	ReadFile(path string) ([]byte, error)
	Stat(path string) (FileInfo, error)
}

// FileInfo is the mode and ownership of a file on disk
type FileInfo struct {
	Mode  fs.FileMode
	Owner string
	Group string
}

// ScriptRunner executes package scripts and returns the exit code
type ScriptRunner interface {
	Run(ctx context.Context, body string, env ScriptEnv) (int, error)
}

// ScriptEnv is exported to scripts as PACKAGE_NAME, PACKAGE_VERSION,
// INSTALL_ROOT and MPKG_PHASE.
type ScriptEnv struct {
	PackageName    string
	PackageVersion string
	InstallRoot    string
	Phase          string
}

// Environ returns the environment entries for env
func (e ScriptEnv) Environ() []string {
	return []string{
		"PACKAGE_NAME=" + e.PackageName,
		"PACKAGE_VERSION=" + e.PackageVersion,
		"INSTALL_ROOT=" + e.InstallRoot,
		"MPKG_PHASE=" + e.Phase,
	}
}

// EventType identifies a repository or cache state change
type EventType string

const (
	EventSyncStarted       EventType = "sync_started"
	EventSyncCompleted     EventType = "sync_completed"
	EventSyncFailed        EventType = "sync_failed"
	EventAuthFailure       EventType = "auth_failure"
	EventMirrorSwitch      EventType = "mirror_switch"
	EventRepositoryAdded   EventType = "repository_added"
	EventRepositoryRemoved EventType = "repository_removed"
	EventCacheEviction     EventType = "cache_eviction"
	EventUpdateAvailable   EventType = "update_available"
)

// Event is published to the notification sink
type Event struct {
	Type       EventType
	Repository string
	Package    string
	Message    string
	Err        error
	Time       time.Time
}

// Notifier receives events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Notifiers fans out to each notifier in turn
type Notifiers []Notifier

func (ns Notifiers) Notify(e Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(e)
		}
	}
}
