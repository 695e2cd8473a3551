// pkg/core/errors.go
package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error kinds. Every failure surfaced by mpkg wraps exactly one of these.
var (
	// Resolver level
	ErrPackageNotFound    = errors.New("package not found")
	ErrVersionConflict    = errors.New("version conflict")
	ErrDependencyConflict = errors.New("dependency conflict")

	// Repository client
	ErrRepositoryUnavailable = errors.New("repository unavailable")
	ErrNetwork               = errors.New("network error")

	// Integrity; never downgraded to success
	ErrSignatureVerification = errors.New("signature verification failed")
	ErrChecksumMismatch      = errors.New("checksum mismatch")
	ErrSecurityViolation     = errors.New("security violation")

	// Filesystem level
	ErrPermissionDenied      = errors.New("permission denied")
	ErrDiskSpaceInsufficient = errors.New("disk space insufficient")
	ErrCache                 = errors.New("cache error")

	ErrPackageCorrupted = errors.New("package corrupted")

	// Input level, raised before any mutation
	ErrInvalidMetadata = errors.New("invalid metadata")
	ErrConfig          = errors.New("config error")

	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrScriptFailed reports a maintainer script that exited non-zero
	ErrScriptFailed = errors.New("script failed")

	// ErrConsistencyViolation reports a broken installed-set/graph invariant
	ErrConsistencyViolation = errors.New("consistency violation")
)

// Transport errors returned by Transport implementations.
var (
	ErrNotFound     = errors.New("not found")
	ErrAuthRequired = errors.New("authentication required")
	ErrTransport    = errors.New("transport failure")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrPackageNotFound, "package_not_found"},
	{ErrVersionConflict, "version_conflict"},
	{ErrDependencyConflict, "dependency_conflict"},
	{ErrRepositoryUnavailable, "repository_unavailable"},
	{ErrNetwork, "network_error"},
	{ErrSignatureVerification, "signature_verification_failed"},
	{ErrChecksumMismatch, "checksum_mismatch"},
	{ErrSecurityViolation, "security_violation"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrDiskSpaceInsufficient, "disk_space_insufficient"},
	{ErrCache, "cache_error"},
	{ErrPackageCorrupted, "package_corrupted"},
	{ErrInvalidMetadata, "invalid_metadata"},
	{ErrConfig, "config_error"},
	{ErrUnsupportedOperation, "unsupported_operation"},
	{ErrScriptFailed, "script_failed"},
	{ErrConsistencyViolation, "consistency_violation"},
}

// KindOf returns the taxonomy name of err ("checksum_mismatch", ...), or
// "unknown" when err wraps none of the kinds.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	// Conflicts match several kinds; report the most specific one.
	var ce *ConflictError
	if errors.As(err, &ce) {
		return "dependency_conflict"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "unknown"
}

// IsFatal reports whether err is an integrity failure that must abort a
// transaction immediately.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSignatureVerification) ||
		errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrSecurityViolation)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRepositoryUnavailable) ||
		errors.Is(err, ErrTransport)
}

// Error wraps an error with the operation, package and version that produced it
type Error struct {
	Op      string // Operation or transaction phase
	Package string // Package name if applicable
	Version string // Package version if applicable
	Err     error  // Underlying error, wraps one of the kinds
}

// Errorf builds an *Error whose cause wraps kind.
func Errorf(kind error, op, pkg, version, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	var cause error
	if msg == "" {
		cause = kind
	} else {
		cause = fmt.Errorf("%w: %s", kind, msg)
	}
	return &Error{Op: op, Package: pkg, Version: version, Err: cause}
}

// Wrap attaches the op/package/version context to err while keeping it
// matchable against kind.
func Wrap(kind error, op, pkg, version string, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return &Error{Op: op, Package: pkg, Version: version, Err: err}
	}
	return &Error{Op: op, Package: pkg, Version: version, Err: fmt.Errorf("%w: %w", kind, err)}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Package != "" {
		b.WriteByte(' ')
		b.WriteString(e.Package)
		if e.Version != "" {
			b.WriteByte('@')
			b.WriteString(e.Version)
		}
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Requirement is one constraint placed on a package, and who placed it.
type Requirement struct {
	By         string // requesting package, or "request"
	Constraint string
}

// Conflict is one offending pair or constraint set found by the resolver.
type Conflict struct {
	Package      string
	With         string        // other package for declared conflicts
	Requirements []Requirement // constraints for version conflicts
	Reason       string
	Version      bool // true for version conflicts
}

func (c Conflict) String() string {
	if !c.Version {
		s := fmt.Sprintf("%s conflicts with %s", c.Package, c.With)
		if c.Reason != "" {
			s += " (" + c.Reason + ")"
		}
		return s
	}
	parts := make([]string, 0, len(c.Requirements))
	for _, r := range c.Requirements {
		parts = append(parts, fmt.Sprintf("%s requires %s %s", r.By, c.Package, r.Constraint))
	}
	s := fmt.Sprintf("%s: %s", c.Package, strings.Join(parts, ", "))
	if c.Reason != "" {
		s += " (" + c.Reason + ")"
	}
	return s
}

// ConflictError lists every conflict found while planning. It matches
// ErrDependencyConflict, and ErrVersionConflict when any entry is a version
// conflict.
type ConflictError struct {
	Op        string
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	lines := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		lines = append(lines, c.String())
	}
	sort.Strings(lines)
	op := e.Op
	if op == "" {
		op = "resolve"
	}
	return fmt.Sprintf("%s: dependency conflict: %s", op, strings.Join(lines, "; "))
}

func (e *ConflictError) Unwrap() []error {
	errs := []error{ErrDependencyConflict}
	for _, c := range e.Conflicts {
		if c.Version {
			errs = append(errs, ErrVersionConflict)
			break
		}
	}
	return errs
}

// Packages returns the sorted set of package names involved.
func (e *ConflictError) Packages() []string {
	seen := make(map[string]bool)
	for _, c := range e.Conflicts {
		seen[c.Package] = true
		if c.With != "" {
			seen[c.With] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TransactionError is returned by a failed transaction and carries the
// rollback outcome.
type TransactionError struct {
	ID          string
	Phase       string
	Err         error
	RolledBack  bool
	RollbackErr error
}

func (e *TransactionError) Error() string {
	s := fmt.Sprintf("transaction %s failed in %s: %v", e.ID, e.Phase, e.Err)
	switch {
	case e.RollbackErr != nil:
		s += fmt.Sprintf(" (rollback failed: %v)", e.RollbackErr)
	case e.RolledBack:
		s += " (rolled back)"
	}
	return s
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}
