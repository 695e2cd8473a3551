// pkg/metadata/archive.go
package metadata

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/arc-language/mpkg/pkg/core"
)

// Archive magics, NUL padded to 16 bytes
var (
	ArchiveMagic      = []byte("PKG\x00MULTIOS\x00\x00\x00\x00\x00")
	DeltaArchiveMagic = []byte("PKG\x00MULTIOSΔ\x00\x00\x00")
)

const (
	magicLen      = 16
	trailerLen    = 32
	maxMetadata   = 16 << 20
	maxPayloadLen = 1 << 40
)

// DeltaHeader is the metadata block of a delta archive
type DeltaHeader struct {
	Package string `json:"package"`
	Delta   Delta  `json:"delta"`
}

// EncodeArchive writes pkg and payload in the package archive format
func EncodeArchive(w io.Writer, pkg *Package, payload []byte) error {
	meta, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	return encode(w, ArchiveMagic, meta, nil, payload, pkg.Checksum.Algorithm)
}

// EncodeDeltaArchive writes a delta archive carrying patch
func EncodeDeltaArchive(w io.Writer, hdr *DeltaHeader, tag byte, patch []byte) error {
	meta, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("encoding delta metadata: %w", err)
	}
	return encode(w, DeltaArchiveMagic, meta, &tag, patch, hdr.Delta.DeltaChecksum.Algorithm)
}

func encode(w io.Writer, magic, meta []byte, tag *byte, payload []byte, alg string) error {
	trailer, err := trailerSum(alg, meta, payload)
	if err != nil {
		return err
	}

	var buf [8]byte
	if _, err := w.Write(magic); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(meta)))
	if _, err := w.Write(buf[:4]); err != nil {
		return err
	}
	if tag != nil {
		if _, err := w.Write([]byte{*tag}); err != nil {
			return err
		}
	}
	if _, err := w.Write(meta); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf[:], uint64(len(payload)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err = w.Write(trailer)
	return err
}

// trailerSum digests meta||payload and keeps the first 32 bytes
func trailerSum(alg string, meta, payload []byte) ([]byte, error) {
	if alg == "" {
		alg = SHA256
	}
	h, err := NewHash(alg)
	if err != nil {
		return nil, err
	}
	h.Write(meta)
	h.Write(payload)
	return h.Sum(nil)[:trailerLen], nil
}

// DecodeArchive reads a package archive and checks its trailer
func DecodeArchive(r io.Reader) (*Package, []byte, error) {
	meta, _, payload, trailer, err := decode(r, ArchiveMagic, false)
	if err != nil {
		return nil, nil, err
	}
	var pkg Package
	if err := json.Unmarshal(meta, &pkg); err != nil {
		return nil, nil, corrupted("", "", "metadata: %v", err)
	}
	want, err := trailerSum(pkg.Checksum.Algorithm, meta, payload)
	if err != nil {
		return nil, nil, corrupted(pkg.Name, pkg.Version.String(), "%v", err)
	}
	if !bytes.Equal(want, trailer) {
		return nil, nil, corrupted(pkg.Name, pkg.Version.String(), "archive trailer does not match contents")
	}
	return &pkg, payload, nil
}

// DecodeDeltaArchive reads a delta archive and checks its trailer
func DecodeDeltaArchive(r io.Reader) (*DeltaHeader, byte, []byte, error) {
	meta, tag, patch, trailer, err := decode(r, DeltaArchiveMagic, true)
	if err != nil {
		return nil, 0, nil, err
	}
	var hdr DeltaHeader
	if err := json.Unmarshal(meta, &hdr); err != nil {
		return nil, 0, nil, corrupted("", "", "delta metadata: %v", err)
	}
	want, err := trailerSum(hdr.Delta.DeltaChecksum.Algorithm, meta, patch)
	if err != nil {
		return nil, 0, nil, corrupted(hdr.Package, hdr.Delta.TargetVersion.String(), "%v", err)
	}
	if !bytes.Equal(want, trailer) {
		return nil, 0, nil, corrupted(hdr.Package, hdr.Delta.TargetVersion.String(), "delta trailer does not match contents")
	}
	return &hdr, tag, patch, nil
}

func decode(r io.Reader, magic []byte, withTag bool) (meta []byte, tag byte, payload, trailer []byte, err error) {
	head := make([]byte, magicLen+4)
	if _, err = io.ReadFull(r, head); err != nil {
		return nil, 0, nil, nil, truncated(err)
	}
	if !bytes.Equal(head[:magicLen], magic) {
		return nil, 0, nil, nil, corrupted("", "", "bad magic %q", head[:magicLen])
	}
	metaLen := binary.LittleEndian.Uint32(head[magicLen:])
	if metaLen > maxMetadata {
		return nil, 0, nil, nil, corrupted("", "", "metadata length %d too large", metaLen)
	}

	if withTag {
		var t [1]byte
		if _, err = io.ReadFull(r, t[:]); err != nil {
			return nil, 0, nil, nil, truncated(err)
		}
		tag = t[0]
	}

	meta = make([]byte, metaLen)
	if _, err = io.ReadFull(r, meta); err != nil {
		return nil, 0, nil, nil, truncated(err)
	}

	var lenBuf [8]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, 0, nil, nil, truncated(err)
	}
	payloadLen := binary.LittleEndian.Uint64(lenBuf[:])
	if payloadLen > maxPayloadLen {
		return nil, 0, nil, nil, corrupted("", "", "payload length %d too large", payloadLen)
	}

	var pb bytes.Buffer
	if _, err = io.CopyN(&pb, r, int64(payloadLen)); err != nil {
		return nil, 0, nil, nil, truncated(err)
	}

	trailer = make([]byte, trailerLen)
	if _, err = io.ReadFull(r, trailer); err != nil {
		return nil, 0, nil, nil, truncated(err)
	}
	return meta, tag, pb.Bytes(), trailer, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return corrupted("", "", "archive truncated")
	}
	return corrupted("", "", "%v", err)
}

func corrupted(name, ver, format string, args ...any) error {
	return core.Errorf(core.ErrPackageCorrupted, "decode archive", name, ver, format, args...)
}
