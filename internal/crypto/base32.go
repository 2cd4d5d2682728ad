package crypto

import (
	"fmt"
	"strings"
)

// Case selects the output case of the Crockford base32 encoder.
type Case int

const (
	Upper Case = iota
	Lower
)

// Crockford's alphabet: digits then letters with I, L, O and U excluded.
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var crockfordDecode = func() [256]int8 {
	var table [256]int8
	for i := range table {
		table[i] = -1
	}
	for i := 0; i < len(crockfordAlphabet); i++ {
		c := crockfordAlphabet[i]
		table[c] = int8(i)
		table[c|0x20] = int8(i) // lower-case alias
	}
	// Decode folding per Crockford: visually ambiguous characters.
	for _, c := range "Oo" {
		table[c] = 0
	}
	for _, c := range "IiLl" {
		table[c] = 1
	}
	return table
}()

// EncodeBase32 encodes b as Crockford base32, MSB-first in 5-bit groups.
func EncodeBase32(b []byte, outCase Case) string {
	if len(b) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.Grow((len(b)*8 + 4) / 5)

	var acc uint64
	var bits uint
	for _, by := range b {
		acc = acc<<8 | uint64(by)
		bits += 8
		for bits >= 5 {
			bits -= 5
			sb.WriteByte(crockfordAlphabet[(acc>>bits)&0x1f])
		}
	}
	if bits > 0 {
		sb.WriteByte(crockfordAlphabet[(acc<<(5-bits))&0x1f])
	}

	out := sb.String()
	if outCase == Lower {
		return strings.ToLower(out)
	}
	return out
}

// DecodeBase32 is the inverse of EncodeBase32. It accepts either case and
// folds the ambiguous characters (i, l -> 1; o -> 0). Hyphens are skipped.
// Not used on the hot path; IDs are opaque once minted.
func DecodeBase32(s string) ([]byte, error) {
	var acc uint64
	var bits uint
	out := make([]byte, 0, len(s)*5/8)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '-' {
			continue
		}
		v := crockfordDecode[c]
		if v < 0 {
			return nil, fmt.Errorf("base32: invalid character %q at %d", c, i)
		}
		acc = acc<<5 | uint64(v)
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(acc>>bits))
		}
	}
	return out, nil
}
