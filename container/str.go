package container

import (
	"math/rand/v2"
)

// Str is an owned string that distinguishes "no string" from the empty string.
type Str struct {
	s     string
	valid bool
}

// NullStr is the absent string.
var NullStr = Str{}

// NewStr wraps s.
func NewStr(s string) Str {
	return Str{s: s, valid: true}
}

// RandomStr generates n ascii letters from a to y. n of zero gives the absent string.
func RandomStr(n int) Str {
	if n <= 0 {
		return NullStr
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + rand.IntN(25))
	}
	return Str{s: string(b), valid: true}
}

// IsNull reports whether no string is held.
func (s Str) IsNull() bool {
	return !s.valid
}

// String returns the payload, empty when absent.
func (s Str) String() string {
	return s.s
}

// Len is the payload length.
func (s Str) Len() int {
	return len(s.s)
}
