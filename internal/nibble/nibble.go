// Package nibble converts between ASCII hex characters and 4-bit values.
//
// The radio adapters speak upper-case ASCII hex on their line interfaces and
// accept partial input (a trailing odd character is ignored), which is why
// this package exists next to encoding/hex.
package nibble

import "errors"

// ErrInvalid is returned when a character is not a hex digit.
var ErrInvalid = errors.New("invalid hex character")

// Valid reports whether c is 0-9, a-f or A-F.
func Valid(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'f':
		return true
	case c >= 'A' && c <= 'F':
		return true
	}
	return false
}

// ToNibble returns the value of a hex character. Invalid characters map to 0;
// callers that care check Valid first.
func ToNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}

// FromNibble returns the upper-case hex character for the low 4 bits of n.
func FromNibble(n byte) byte {
	n &= 0x0f
	if n < 10 {
		return '0' + n
	}
	return 'A' + n - 10
}

// Encode appends the upper-case hex representation of src to dst.
func Encode(dst, src []byte) []byte {
	for _, b := range src {
		dst = append(dst, FromNibble(b>>4), FromNibble(b))
	}
	return dst
}

// EncodeToString returns the upper-case hex representation of src.
func EncodeToString(src []byte) string {
	return string(Encode(make([]byte, 0, len(src)*2), src))
}

// Decode converts hex pairs to bytes. A trailing odd character is ignored.
func Decode(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src)/2)
	for i := 0; i+1 < len(src); i += 2 {
		if !Valid(src[i]) || !Valid(src[i+1]) {
			return nil, ErrInvalid
		}
		out = append(out, ToNibble(src[i])<<4|ToNibble(src[i+1]))
	}
	return out, nil
}

// DecodePrefix converts hex pairs until the first invalid character or the
// end of src, returning at most max bytes.
func DecodePrefix(src []byte, max int) []byte {
	out := make([]byte, 0, len(src)/2)
	for i := 0; i+1 < len(src) && len(out) < max; i += 2 {
		if !Valid(src[i]) || !Valid(src[i+1]) {
			break
		}
		out = append(out, ToNibble(src[i])<<4|ToNibble(src[i+1]))
	}
	return out
}
