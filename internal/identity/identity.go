// Package identity canonicalizes WhatsApp addresses to a single
// +E164 form so tenant resolution and conversation lookups never
// split on cosmetic formatting differences (spec.md §9 REDESIGN FLAG:
// the source compares addresses in whatever form the provider sent
// them in, which silently double-counts the same customer).
package identity

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidAddress is returned when a value cannot be canonicalized
// to +E164.
var ErrInvalidAddress = errors.New("identity: invalid address")

var e164Digits = regexp.MustCompile(`^[1-9]\d{6,14}$`)

// Canonicalize strips WhatsApp's "whatsapp:" scheme prefix and any
// punctuation, and returns the address as "+<countrycode><number>".
// It rejects values that cannot plausibly be E.164 numbers.
func Canonicalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "whatsapp:")
	s = strings.TrimPrefix(s, "tel:")

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			// leading plus is kept implicitly; digits alone are enough
		default:
			// drop spaces, dashes, parens
		}
	}
	digits := b.String()
	if !e164Digits.MatchString(digits) {
		return "", ErrInvalidAddress
	}
	return "+" + digits, nil
}

// MustCanonicalize panics on invalid input; reserved for constants and
// tests where the input is known-good.
func MustCanonicalize(raw string) string {
	v, err := Canonicalize(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// Equal reports whether two raw addresses canonicalize to the same
// value. Invalid addresses are never equal to anything.
func Equal(a, b string) bool {
	ca, err := Canonicalize(a)
	if err != nil {
		return false
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false
	}
	return ca == cb
}
