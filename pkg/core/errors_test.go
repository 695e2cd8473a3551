package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCarriesContext(t *testing.T) {
	err := Errorf(ErrChecksumMismatch, "verify", "nginx", "1.20.0", "expected %s", "sha256:ab")

	assert.Equal(t, "verify nginx@1.20.0: checksum mismatch: expected sha256:ab", err.Error())
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, "checksum_mismatch", KindOf(err))
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
}

func TestWrapKeepsKind(t *testing.T) {
	cause := fmt.Errorf("dial tcp: %w", ErrTransport)
	err := Wrap(ErrNetwork, "fetch", "curl", "7.0.0", cause)

	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, IsTransient(err))
	assert.Nil(t, Wrap(ErrNetwork, "fetch", "", "", nil))
}

func TestConflictErrorMatchesKinds(t *testing.T) {
	err := &ConflictError{Conflicts: []Conflict{{
		Package: "C",
		Version: true,
		Requirements: []Requirement{
			{By: "A", Constraint: "=1.0.0"},
			{By: "D", Constraint: "=2.0.0"},
		},
	}}}

	assert.ErrorIs(t, err, ErrDependencyConflict)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, "dependency_conflict", KindOf(err))
	assert.Contains(t, err.Error(), "A requires C =1.0.0")
	assert.Contains(t, err.Error(), "D requires C =2.0.0")

	declared := &ConflictError{Conflicts: []Conflict{{Package: "a", With: "b"}}}
	assert.False(t, errors.Is(declared, ErrVersionConflict))
	assert.Equal(t, []string{"a", "b"}, declared.Packages())
}

func TestTransactionErrorUnwraps(t *testing.T) {
	inner := Errorf(ErrDiskSpaceInsufficient, "precheck", "", "", "/opt")
	err := &TransactionError{ID: "tx1", Phase: "precheck", Err: inner, RolledBack: true}

	require.ErrorIs(t, err, ErrDiskSpaceInsufficient)
	assert.Contains(t, err.Error(), "rolled back")
}
