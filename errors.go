// errors.go
package mpkg

import "github.com/arc-language/mpkg/pkg/core"

// Re-export the error kinds so callers can match with errors.Is without
// importing pkg/core
var (
	ErrPackageNotFound       = core.ErrPackageNotFound
	ErrVersionConflict       = core.ErrVersionConflict
	ErrDependencyConflict    = core.ErrDependencyConflict
	ErrRepositoryUnavailable = core.ErrRepositoryUnavailable
	ErrNetwork               = core.ErrNetwork
	ErrSignatureVerification = core.ErrSignatureVerification
	ErrChecksumMismatch      = core.ErrChecksumMismatch
	ErrSecurityViolation     = core.ErrSecurityViolation
	ErrPermissionDenied      = core.ErrPermissionDenied
	ErrDiskSpaceInsufficient = core.ErrDiskSpaceInsufficient
	ErrCache                 = core.ErrCache
	ErrPackageCorrupted      = core.ErrPackageCorrupted
	ErrInvalidMetadata       = core.ErrInvalidMetadata
	ErrConfig                = core.ErrConfig
	ErrUnsupportedOperation  = core.ErrUnsupportedOperation
	ErrScriptFailed          = core.ErrScriptFailed
	ErrConsistencyViolation  = core.ErrConsistencyViolation
)

type (
	// Error wraps an error kind with the operation and package it hit
	Error = core.Error
	// ConflictError lists every conflict found while planning or removing
	ConflictError = core.ConflictError
	// Conflict is one entry of a ConflictError
	Conflict = core.Conflict
	// TransactionError reports the failed phase and the rollback outcome
	TransactionError = core.TransactionError
)

// KindOf returns the stable name of the error kind in err's chain, e.g.
// "checksum_mismatch"
func KindOf(err error) string { return core.KindOf(err) }
