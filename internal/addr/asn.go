// Package addr provides SCION addressing primitives used by the coordinator,
// most importantly the 48-bit AS number and its canonical string forms.
package addr

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxASN is the largest valid SCION AS number (48 bits).
const MaxASN = 1<<48 - 1

// asnBGPMax is the upper bound (exclusive) of the BGP-compatible range.
// ASNs below it are written in decimal, larger ones as three 16-bit
// hexadecimal groups separated by colons.
const asnBGPMax = 1 << 32

// ASN is a SCION AS number. The zero value is a valid ASN (0).
type ASN uint64

// ParseASN parses an ASN in its canonical string form: decimal for values
// below 2^32, otherwise three colon-separated 16-bit hexadecimal groups
// ("ffff:ffff:ffff").
func ParseASN(s string) (ASN, error) {
	if !strings.Contains(s, ":") {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid decimal ASN %q", s)
		}
		if v >= asnBGPMax {
			return 0, fmt.Errorf("invalid decimal ASN %q: out of BGP range, use hex groups", s)
		}
		return ASN(v), nil
	}

	groups := strings.Split(s, ":")
	if len(groups) != 3 {
		return 0, fmt.Errorf("invalid ASN %q: wrong number of colon-separated groups", s)
	}
	var v uint64
	for _, g := range groups {
		part, err := strconv.ParseUint(g, 16, 64)
		if err != nil || part > 0xffff {
			return 0, fmt.Errorf("invalid hexadecimal ASN group %q in %q", g, s)
		}
		v = v<<16 | part
	}
	return ASN(v), nil
}

// MustParseASN is ParseASN for static input, panicking on error. Test use only.
func MustParseASN(s string) ASN {
	a, err := ParseASN(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromInt converts a raw integer (e.g. a database value) to an ASN.
func FromInt(v int64) (ASN, error) {
	if v < 0 || v > MaxASN {
		return 0, fmt.Errorf("ASN %d out of range", v)
	}
	return ASN(v), nil
}

// String returns the canonical string form.
func (a ASN) String() string {
	if a < asnBGPMax {
		return strconv.FormatUint(uint64(a), 10)
	}
	return fmt.Sprintf("%x:%x:%x", uint64(a)>>32&0xffff, uint64(a)>>16&0xffff, uint64(a)&0xffff)
}

// Valid reports whether the ASN is inside the 48-bit range.
func (a ASN) Valid() bool {
	return a <= MaxASN
}
