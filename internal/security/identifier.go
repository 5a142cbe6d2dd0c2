// Package security validates caller-supplied identifiers before they are
// embedded in store keys.
package security

import (
	"errors"
	"net/netip"
	"unicode"
	"unicode/utf8"
)

// Validation errors
var (
	ErrEmptyIdentifier   = errors.New("identifier cannot be empty")
	ErrIdentifierTooLong = errors.New("identifier exceeds maximum length")
	ErrInvalidCharacter  = errors.New("identifier contains invalid characters")
	ErrInvalidIP         = errors.New("identifier is not a valid IP address")
)

// MaxIdentifierLength bounds identifiers used in counter and block keys.
const MaxIdentifierLength = 256

// ValidateIdentifier checks that id is non-empty, bounded, valid UTF-8 and
// free of whitespace and control characters.
func ValidateIdentifier(id string) error {
	if id == "" {
		return ErrEmptyIdentifier
	}
	if len(id) > MaxIdentifierLength {
		return ErrIdentifierTooLong
	}
	if !utf8.ValidString(id) {
		return ErrInvalidCharacter
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalidCharacter
		}
	}
	return nil
}

// ValidateIP checks that s is a literal IPv4 or IPv6 address.
func ValidateIP(s string) error {
	if _, err := netip.ParseAddr(s); err != nil {
		return ErrInvalidIP
	}
	return nil
}

// IsInternalIP reports whether s is a loopback, private, link-local or
// unspecified address. Unparseable input is not internal.
func IsInternalIP(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified()
}
