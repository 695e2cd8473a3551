// pkg/delta/algorithms.go
package delta

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/ulikunitz/xz"
)

// Built-in algorithm names
const (
	CopyInsert   = "copy-insert"
	CopyInsertXZ = "copy-insert-xz"
	ByteReplace  = "byte-replace"
)

const (
	tagCopyInsert   byte = 1
	tagCopyInsertXZ byte = 2
	tagByteReplace  byte = 3
)

// copy-insert opcodes
const (
	opCopy   byte = 0x01 // uvarint offset, uvarint length
	opInsert byte = 0x02 // uvarint length, bytes
)

// byte-replace opcodes, u32 little endian operands
const (
	opReplace  byte = 0x01 // offset, length, bytes
	opAppend   byte = 0x02 // length, bytes
	opTruncate byte = 0x03 // new length
)

const blockSize = 32

func builtins() []Algorithm {
	return []Algorithm{
		{Name: CopyInsert, Tag: tagCopyInsert, Apply: applyCopyInsert, Diff: diffCopyInsert},
		{Name: CopyInsertXZ, Tag: tagCopyInsertXZ, Apply: applyCopyInsertXZ, Diff: diffCopyInsertXZ},
		{Name: ByteReplace, Tag: tagByteReplace, Apply: applyByteReplace, Diff: diffByteReplace},
	}
}

func malformed(alg, format string, args ...any) error {
	return fmt.Errorf("%w: %s patch: %s", core.ErrPackageCorrupted, alg, fmt.Sprintf(format, args...))
}

// patchReader is satisfied by bytes.Reader and bufio.Reader
type patchReader interface {
	io.Reader
	io.ByteReader
}

func applyCopyInsert(base, patch []byte, limit int64) ([]byte, error) {
	return copyInsert(CopyInsert, base, bytes.NewReader(patch), limit)
}

// copyInsert streams opcodes from r; output beyond limit is an error
func copyInsert(alg string, base []byte, r patchReader, limit int64) ([]byte, error) {
	var out bytes.Buffer
	grow := func(n uint64) error {
		if limit > 0 && uint64(out.Len())+n > uint64(limit) {
			return malformed(alg, "output exceeds %d bytes", limit)
		}
		return nil
	}
	for {
		op, err := r.ReadByte()
		if err == io.EOF {
			return out.Bytes(), nil
		}
		if err != nil {
			return nil, malformed(alg, "%v", err)
		}
		switch op {
		case opCopy:
			off, err1 := binary.ReadUvarint(r)
			n, err2 := binary.ReadUvarint(r)
			if err1 != nil || err2 != nil {
				return nil, malformed(alg, "truncated copy")
			}
			if off > uint64(len(base)) || n > uint64(len(base))-off {
				return nil, malformed(alg, "copy [%d,+%d) outside base of %d bytes", off, n, len(base))
			}
			if err := grow(n); err != nil {
				return nil, err
			}
			out.Write(base[off : off+n])
		case opInsert:
			n, err := binary.ReadUvarint(r)
			if err != nil || n > math.MaxInt64 {
				return nil, malformed(alg, "truncated insert")
			}
			if err := grow(n); err != nil {
				return nil, err
			}
			if _, err := io.CopyN(&out, r, int64(n)); err != nil {
				return nil, malformed(alg, "truncated insert")
			}
		default:
			return nil, malformed(alg, "unknown opcode %#x", op)
		}
	}
}

// diffCopyInsert indexes aligned base blocks and greedily extends matches
// found in the target.
func diffCopyInsert(base, target []byte) ([]byte, error) {
	index := make(map[string]int)
	for off := 0; off+blockSize <= len(base); off += blockSize {
		k := string(base[off : off+blockSize])
		if _, ok := index[k]; !ok {
			index[k] = off
		}
	}

	var out bytes.Buffer
	var lit []byte
	flush := func() {
		if len(lit) == 0 {
			return
		}
		out.WriteByte(opInsert)
		out.Write(binary.AppendUvarint(nil, uint64(len(lit))))
		out.Write(lit)
		lit = lit[:0]
	}

	for i := 0; i < len(target); {
		if i+blockSize <= len(target) {
			if off, ok := index[string(target[i:i+blockSize])]; ok {
				n := blockSize
				for off+n < len(base) && i+n < len(target) && base[off+n] == target[i+n] {
					n++
				}
				flush()
				out.WriteByte(opCopy)
				out.Write(binary.AppendUvarint(nil, uint64(off)))
				out.Write(binary.AppendUvarint(nil, uint64(n)))
				i += n
				continue
			}
		}
		lit = append(lit, target[i])
		i++
	}
	flush()
	return out.Bytes(), nil
}

// applyCopyInsertXZ decodes while applying, so a stream that expands past
// limit stops there
func applyCopyInsertXZ(base, patch []byte, limit int64) ([]byte, error) {
	zr, err := xz.NewReader(bytes.NewReader(patch))
	if err != nil {
		return nil, malformed(CopyInsertXZ, "%v", err)
	}
	return copyInsert(CopyInsertXZ, base, bufio.NewReader(zr), limit)
}

func diffCopyInsertXZ(base, target []byte) ([]byte, error) {
	raw, err := diffCopyInsert(base, target)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func applyByteReplace(base, patch []byte, limit int64) ([]byte, error) {
	out := append([]byte(nil), base...)
	r := bytes.NewReader(patch)
	u32 := func() (uint32, error) {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, malformed(ByteReplace, "truncated operand")
		}
		return binary.LittleEndian.Uint32(b[:]), nil
	}
	take := func(n uint32) ([]byte, error) {
		if uint64(n) > uint64(r.Len()) {
			return nil, malformed(ByteReplace, "truncated data")
		}
		b := make([]byte, n)
		io.ReadFull(r, b)
		return b, nil
	}

	for {
		op, err := r.ReadByte()
		if err == io.EOF {
			return out, nil
		}
		switch op {
		case opReplace:
			off, err := u32()
			if err != nil {
				return nil, err
			}
			n, err := u32()
			if err != nil {
				return nil, err
			}
			if uint64(off)+uint64(n) > uint64(len(out)) {
				return nil, malformed(ByteReplace, "replace [%d,+%d) outside %d bytes", off, n, len(out))
			}
			data, err := take(n)
			if err != nil {
				return nil, err
			}
			copy(out[off:], data)
		case opAppend:
			n, err := u32()
			if err != nil {
				return nil, err
			}
			if limit > 0 && uint64(len(out))+uint64(n) > uint64(limit) {
				return nil, malformed(ByteReplace, "output exceeds %d bytes", limit)
			}
			data, err := take(n)
			if err != nil {
				return nil, err
			}
			out = append(out, data...)
		case opTruncate:
			n, err := u32()
			if err != nil {
				return nil, err
			}
			if uint64(n) > uint64(len(out)) {
				return nil, malformed(ByteReplace, "truncate to %d beyond %d bytes", n, len(out))
			}
			out = out[:n]
		default:
			return nil, malformed(ByteReplace, "unknown opcode %#x", op)
		}
	}
}

func diffByteReplace(base, target []byte) ([]byte, error) {
	if uint64(len(base)) > 1<<32-1 || uint64(len(target)) > 1<<32-1 {
		return nil, fmt.Errorf("%w: byte-replace is limited to 4GiB payloads", core.ErrUnsupportedOperation)
	}
	var out bytes.Buffer
	u32 := func(v int) {
		out.Write(binary.LittleEndian.AppendUint32(nil, uint32(v)))
	}

	common := min(len(base), len(target))
	if len(target) < len(base) {
		out.WriteByte(opTruncate)
		u32(len(target))
	}
	for i := 0; i < common; {
		if base[i] == target[i] {
			i++
			continue
		}
		j := i
		for j < common && base[j] != target[j] {
			j++
		}
		out.WriteByte(opReplace)
		u32(i)
		u32(j - i)
		out.Write(target[i:j])
		i = j
	}
	if len(target) > len(base) {
		out.WriteByte(opAppend)
		u32(len(target) - len(base))
		out.Write(target[len(base):])
	}
	return out.Bytes(), nil
}
