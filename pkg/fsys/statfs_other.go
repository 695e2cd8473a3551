//go:build !unix

package fsys

import (
	"io/fs"
	"math"
)

// Free space is not measured on this platform.
func freeSpace(string) (uint64, error) {
	return math.MaxUint64, nil
}

func isNoSpace(error) bool { return false }

// Ownership is not reported on this platform.
func ownerIDs(fs.FileInfo) (string, string, bool) { return "", "", false }
