// Package util contains small helpers shared by go-gpib packages.
package util

import "bytes"

// CloneSlice clones slice with cloneSize.
// This function will use src length as the clone size if cloneSize is 0.
func CloneSlice[T any](src []T, cloneSize int) []T {
	if cloneSize == 0 {
		cloneSize = len(src)
	}
	clone := make([]T, cloneSize)
	copy(clone, src)

	return clone
}

// TrimSuffixOnce removes a single trailing occurrence of suffix from b.
// It reports whether the suffix was present.
func TrimSuffixOnce(b, suffix []byte) ([]byte, bool) {
	if len(suffix) == 0 || !bytes.HasSuffix(b, suffix) {
		return b, false
	}

	return b[:len(b)-len(suffix)], true
}

// IsASCII reports whether every byte of s is 7-bit ASCII.
func IsASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return false
		}
	}

	return true
}
