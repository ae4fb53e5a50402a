// Package base62 is the reversible codec between the platform's 63-bit
// integer identifiers and their compact string form. Clients only ever see
// the string form; raw integers never cross the API boundary.
package base62

import "errors"

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

const base = uint64(62)

// ErrMalformed is returned by Decode for values outside the alphabet or
// outside the uint64 range.
var ErrMalformed = errors.New("malformed base62 value")

var digits = func() [256]int8 {
	var table [256]int8
	for i := range table {
		table[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		table[alphabet[i]] = int8(i)
	}
	return table
}()

// Encode renders n in base62. Encode(0) is "0".
func Encode(n uint64) string {
	if n == 0 {
		return string(alphabet[0])
	}
	var buf [11]byte // 62^11 > 2^63, eleven digits cover the id range
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = alphabet[n%base]
		n /= base
	}
	return string(buf[i:])
}

// Decode parses a base62 string back to its integer. It is the inverse of
// Encode for every representable value; anything else fails with ErrMalformed.
func Decode(s string) (uint64, error) {
	if s == "" {
		return 0, ErrMalformed
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		d := digits[s[i]]
		if d < 0 {
			return 0, ErrMalformed
		}
		if n > (^uint64(0)-uint64(d))/base {
			return 0, ErrMalformed
		}
		n = n*base + uint64(d)
	}
	return n, nil
}
