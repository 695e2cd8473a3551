// pkg/security/verifier.go
package security

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"slices"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/arc-language/mpkg/pkg/core"
	"github.com/arc-language/mpkg/pkg/metadata"
	"github.com/charmbracelet/log"
)

// Verifier gates installs on checksums and signatures
type Verifier struct {
	keys    *KeyStore
	enforce bool
	log     *log.Logger
}

// NewVerifier returns a verifier over keys. With verifySignatures false,
// signature failures are logged as warnings; checksum failures are always
// errors.
func NewVerifier(keys *KeyStore, verifySignatures bool, logger *log.Logger) *Verifier {
	if keys == nil {
		keys = NewKeyStore()
	}
	return &Verifier{
		keys:    keys,
		enforce: verifySignatures,
		log:     core.LoggerOr(logger).WithPrefix("security"),
	}
}

// Keys returns the key store
func (v *Verifier) Keys() *KeyStore { return v.keys }

// VerifyChecksum recomputes the digest with expected's algorithm and
// compares in constant time.
func VerifyChecksum(payload []byte, expected metadata.Checksum) error {
	if err := expected.WellFormed(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrChecksumMismatch, err)
	}
	got, err := metadata.Sum(expected.Algorithm, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrChecksumMismatch, err)
	}
	if !got.Equal(expected) {
		return fmt.Errorf("%w: got %s, want %s", core.ErrChecksumMismatch, got, expected)
	}
	return nil
}

// VerifySignature checks sig over blob. The signing key must belong to
// keyIDs, the repository's declared key set.
func (v *Verifier) VerifySignature(blob []byte, sig *metadata.Signature, keyIDs []string) error {
	if sig == nil {
		return fmt.Errorf("%w: package is unsigned", core.ErrSignatureVerification)
	}
	if !slices.Contains(keyIDs, sig.KeyID) {
		return fmt.Errorf("%w: key %s is not declared by the repository", core.ErrSignatureVerification, sig.KeyID)
	}
	key, ok := v.keys.Lookup(sig.KeyID)
	if !ok {
		return fmt.Errorf("%w: unknown key %s", core.ErrSignatureVerification, sig.KeyID)
	}

	switch key.Algorithm {
	case Ed25519:
		if sig.Algorithm != "" && sig.Algorithm != Ed25519 {
			return fmt.Errorf("%w: %s signature for %s key", core.ErrSignatureVerification, sig.Algorithm, key.Algorithm)
		}
		if !ed25519.Verify(key.Ed25519, blob, sig.Data) {
			return fmt.Errorf("%w: bad ed25519 signature from %s", core.ErrSignatureVerification, sig.KeyID)
		}
	case OpenPGP:
		if sig.Algorithm != "" && sig.Algorithm != OpenPGP {
			return fmt.Errorf("%w: %s signature for %s key", core.ErrSignatureVerification, sig.Algorithm, key.Algorithm)
		}
		var err error
		if bytes.HasPrefix(sig.Data, []byte("-----BEGIN")) {
			_, err = openpgp.CheckArmoredDetachedSignature(key.PGP, bytes.NewReader(blob), bytes.NewReader(sig.Data), nil)
		} else {
			_, err = openpgp.CheckDetachedSignature(key.PGP, bytes.NewReader(blob), bytes.NewReader(sig.Data), nil)
		}
		if err != nil {
			return fmt.Errorf("%w: openpgp signature from %s: %v", core.ErrSignatureVerification, sig.KeyID, err)
		}
	default:
		return fmt.Errorf("%w: unsupported key algorithm %q", core.ErrSignatureVerification, key.Algorithm)
	}
	return nil
}

// VerifyPackage checks payload against the package checksum, then the
// metadata signature when the repository declares keys.
func (v *Verifier) VerifyPackage(pkg *metadata.Package, payload []byte, repoKeys []string) error {
	if err := VerifyChecksum(payload, pkg.Checksum); err != nil {
		return core.Wrap(core.ErrChecksumMismatch, "verify", pkg.Name, pkg.Version.String(), err)
	}
	if len(repoKeys) == 0 {
		return nil
	}

	blob, err := pkg.SigningBlob()
	if err == nil {
		err = v.VerifySignature(blob, pkg.Signature, repoKeys)
	}
	if err == nil {
		return nil
	}
	if !v.enforce {
		v.log.Warn("signature check failed, continuing because verify_signatures is off",
			"package", pkg.Name, "version", pkg.Version.String(), "err", err)
		return nil
	}
	return core.Wrap(core.ErrSignatureVerification, "verify", pkg.Name, pkg.Version.String(), err)
}
