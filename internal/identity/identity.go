// Package identity derives the canonical account key and serializes work per key.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

const (
	MinDigits = 6
	MaxDigits = 15
)

var ErrInvalid = errors.New("identity: invalid")

// Identity is the digits-only canonical form of a phone number.
type Identity string

func (id Identity) String() string {
	return string(id)
}

// ValidationError reports why a raw identity was rejected.
type ValidationError struct {
	Raw    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("identity: invalid %q: %s", e.Raw, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

// Normalize strips one leading '+' and the separators " -.()" and requires
// MinDigits..MaxDigits digits.
func Normalize(raw string) (Identity, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", &ValidationError{Raw: raw, Reason: fmt.Sprintf("unexpected character %q", r)}
		}
	}
	digits := b.String()
	if len(digits) < MinDigits || len(digits) > MaxDigits {
		return "", &ValidationError{
			Raw:    raw,
			Reason: fmt.Sprintf("want %d-%d digits, got %d", MinDigits, MaxDigits, len(digits)),
		}
	}
	return Identity(digits), nil
}

// MustNormalize is Normalize for constants in tests and examples.
func MustNormalize(raw string) Identity {
	id, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return id
}
