// pkg/metadata/nixbase32.go
package metadata

import (
	"fmt"
	"strings"
)

// Nix uses a special base32 alphabet (without E, O, U, T)
const nixBase32Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

func nixBase32Len(size int) int {
	return (size*8-1)/5 + 1
}

// toNixBase32 encodes digest bytes the way Nix prints hashes
func toNixBase32(b []byte) string {
	length := nixBase32Len(len(b))
	out := make([]byte, length)

	for n := 0; n < length; n++ {
		bit := n * 5
		i := bit / 8
		j := uint(bit % 8)

		v := b[i] >> j
		if i < len(b)-1 && j > 3 {
			v |= b[i+1] << (8 - j)
		}
		out[length-n-1] = nixBase32Alphabet[v&0x1f]
	}

	return string(out)
}

// fromNixBase32 decodes a Nix base32 string into size bytes
func fromNixBase32(s string, size int) ([]byte, error) {
	if len(s) != nixBase32Len(size) {
		return nil, fmt.Errorf("base32 digest has length %d, want %d", len(s), nixBase32Len(size))
	}
	out := make([]byte, size)

	for n := 0; n < len(s); n++ {
		c := s[len(s)-n-1]
		idx := strings.IndexByte(nixBase32Alphabet, c)
		if idx < 0 {
			return nil, fmt.Errorf("invalid character in base32 string: %c", c)
		}
		digit := byte(idx)

		bit := n * 5
		i := bit / 8
		j := uint(bit % 8)

		out[i] |= digit << j
		if j > 3 {
			carry := digit >> (8 - j)
			if i < size-1 {
				out[i+1] |= carry
			} else if carry != 0 {
				return nil, fmt.Errorf("invalid base32 encoding")
			}
		}
	}

	return out, nil
}
