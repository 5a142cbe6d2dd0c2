// Package idgen produces random secrets in the Base62 alphabet used for API
// keys.
package idgen

import (
	"crypto/rand"
	"fmt"
)

// alphabet is 0-9, a-z, A-Z.
const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

const base = len(alphabet)

// maxUnbiased is the largest multiple of base that fits in a byte. Bytes at
// or above it are rejected so every symbol is equally likely.
const maxUnbiased = 256 - 256%base

// valid maps each byte to whether it is in the alphabet.
var valid [256]bool

func init() {
	for i := 0; i < len(alphabet); i++ {
		valid[alphabet[i]] = true
	}
}

// RandomString returns n symbols drawn uniformly from the Base62 alphabet
// using crypto/rand.
func RandomString(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}

	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4+1)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiased {
				continue
			}
			out = append(out, alphabet[int(b)%base])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// IsValid reports whether s is non-empty and uses only Base62 characters.
func IsValid(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !valid[s[i]] {
			return false
		}
	}
	return true
}
