// pkg/metadata/checksum.go
package metadata

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/arc-language/mpkg/pkg/core"
	"golang.org/x/crypto/blake2b"
)

// Supported checksum algorithms
const (
	SHA256     = "sha256"
	SHA512     = "sha512"
	BLAKE2b256 = "blake2b-256"
)

// Checksum is an algorithm-tagged digest. Its text form is "algo:hex";
// Nix base32 digests are accepted on input.
type Checksum struct {
	Algorithm string
	Digest    []byte
}

// DigestSize returns the digest length of alg, or 0 if unsupported
func DigestSize(alg string) int {
	switch alg {
	case SHA256, BLAKE2b256:
		return 32
	case SHA512:
		return 64
	}
	return 0
}

// NewHash returns a hash.Hash for alg
func NewHash(alg string) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	}
	return nil, fmt.Errorf("%w: unsupported checksum algorithm %q", core.ErrInvalidMetadata, alg)
}

// Sum computes the checksum of data with alg
func Sum(alg string, data []byte) (Checksum, error) {
	h, err := NewHash(alg)
	if err != nil {
		return Checksum{}, err
	}
	h.Write(data)
	return Checksum{Algorithm: alg, Digest: h.Sum(nil)}, nil
}

// SHA256Sum is shorthand for Sum(SHA256, data)
func SHA256Sum(data []byte) Checksum {
	d := sha256.Sum256(data)
	return Checksum{Algorithm: SHA256, Digest: d[:]}
}

// ParseChecksum parses "algo:digest" with a hex or Nix base32 digest
func ParseChecksum(s string) (Checksum, error) {
	alg, digest, ok := strings.Cut(s, ":")
	if !ok {
		return Checksum{}, fmt.Errorf("%w: checksum %q lacks an algorithm tag", core.ErrInvalidMetadata, s)
	}
	alg = strings.ToLower(alg)
	if alg == "blake2b" {
		alg = BLAKE2b256
	}
	size := DigestSize(alg)
	if size == 0 {
		return Checksum{}, fmt.Errorf("%w: unsupported checksum algorithm %q", core.ErrInvalidMetadata, alg)
	}

	var b []byte
	var err error
	switch len(digest) {
	case hex.EncodedLen(size):
		b, err = hex.DecodeString(digest)
	case nixBase32Len(size):
		b, err = fromNixBase32(digest, size)
	default:
		err = fmt.Errorf("digest length %d does not fit %s", len(digest), alg)
	}
	if err != nil {
		return Checksum{}, fmt.Errorf("%w: checksum %q: %v", core.ErrInvalidMetadata, s, err)
	}
	return Checksum{Algorithm: alg, Digest: b}, nil
}

// MustChecksum is like ParseChecksum but panics on error
func MustChecksum(s string) Checksum {
	c, err := ParseChecksum(s)
	if err != nil {
		panic(err)
	}
	return c
}

// IsZero reports whether c is unset
func (c Checksum) IsZero() bool {
	return c.Algorithm == "" && len(c.Digest) == 0
}

// WellFormed checks the digest length against the declared algorithm
func (c Checksum) WellFormed() error {
	size := DigestSize(c.Algorithm)
	if size == 0 {
		return fmt.Errorf("unsupported checksum algorithm %q", c.Algorithm)
	}
	if len(c.Digest) != size {
		return fmt.Errorf("%s digest has %d bytes, want %d", c.Algorithm, len(c.Digest), size)
	}
	return nil
}

// Equal compares algorithm and digest in constant time
func (c Checksum) Equal(o Checksum) bool {
	if c.Algorithm != o.Algorithm {
		return false
	}
	return subtle.ConstantTimeCompare(c.Digest, o.Digest) == 1
}

// Matches recomputes the checksum of data and compares it to c
func (c Checksum) Matches(data []byte) bool {
	got, err := Sum(c.Algorithm, data)
	if err != nil {
		return false
	}
	return c.Equal(got)
}

func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}
	return c.Algorithm + ":" + hex.EncodeToString(c.Digest)
}

// NixString renders the digest in Nix base32
func (c Checksum) NixString() string {
	return c.Algorithm + ":" + toNixBase32(c.Digest)
}

func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Checksum) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*c = Checksum{}
		return nil
	}
	parsed, err := ParseChecksum(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
