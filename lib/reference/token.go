// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reference

import (
	"fmt"
	"strings"
)

// maxFieldLength bounds a single token field. Tokens travel in audit
// metadata and socket payloads; generous but finite.
const maxFieldLength = 128

// Token identifies one versioned catalog entry. The canonical text
// form is @NAMESPACE:PROJECT:VERSION:ID, which is also how tokens
// serialize (encoding.TextMarshaler). Tokens are comparable and usable
// as map keys.
type Token struct {
	// Namespace selects the resolver (uppercase alphanumeric, e.g.
	// "RM").
	Namespace string

	// Project names the catalog within the namespace (e.g. "OSSA").
	Project string

	// Version pins the catalog revision (e.g. "0.1.8").
	Version string

	// ID names the entry (e.g. "E-018-STD").
	ID string
}

// ParseToken validates s and returns its Token. The form is a leading
// "@" followed by exactly four non-empty colon-separated fields.
func ParseToken(s string) (Token, error) {
	if s == "" {
		return Token{}, fmt.Errorf("reference: empty token: %w", ErrInvalidToken)
	}
	if s[0] != '@' {
		return Token{}, fmt.Errorf("reference: token %q must start with '@': %w", s, ErrInvalidToken)
	}
	fields := strings.Split(s[1:], ":")
	if len(fields) != 4 {
		return Token{}, fmt.Errorf("reference: token %q has %d fields, want 4: %w", s, len(fields), ErrInvalidToken)
	}
	token := Token{
		Namespace: fields[0],
		Project:   fields[1],
		Version:   fields[2],
		ID:        fields[3],
	}
	if err := token.Validate(); err != nil {
		return Token{}, err
	}
	return token, nil
}

// MustParseToken is ParseToken for constants and tests; panics on
// error.
func MustParseToken(s string) Token {
	token, err := ParseToken(s)
	if err != nil {
		panic(err)
	}
	return token
}

// Validate checks the field rules: namespace uppercase alphanumeric,
// every field non-empty and drawn from the token charset.
func (t Token) Validate() error {
	if err := validateNamespace(t.Namespace); err != nil {
		return fmt.Errorf("reference: token namespace %q: %w", t.Namespace, err)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"project", t.Project},
		{"version", t.Version},
		{"id", t.ID},
	} {
		if err := validateField(field.value); err != nil {
			return fmt.Errorf("reference: token %s %q: %w", field.name, field.value, err)
		}
	}
	return nil
}

// ValidateNamespace checks a namespace against the token rules:
// non-empty, at most 128 bytes, characters A-Z or 0-9 only.
func ValidateNamespace(namespace string) error {
	if err := validateNamespace(namespace); err != nil {
		return fmt.Errorf("reference: namespace %q: %w", namespace, err)
	}
	return nil
}

// validateNamespace enforces the namespace rules: non-empty, at most
// maxFieldLength bytes, characters A-Z or 0-9 only.
func validateNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("empty field: %w", ErrInvalidToken)
	}
	if len(namespace) > maxFieldLength {
		return fmt.Errorf("field is %d bytes, maximum is %d: %w", len(namespace), maxFieldLength, ErrInvalidToken)
	}
	for i := 0; i < len(namespace); i++ {
		c := namespace[i]
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return fmt.Errorf("character %q at position %d is not uppercase alphanumeric: %w", c, i, ErrInvalidToken)
		}
	}
	return nil
}

// validateField enforces the shared field rules for project, version,
// and id: non-empty, bounded, characters a-z A-Z 0-9 . _ -
func validateField(field string) error {
	if field == "" {
		return fmt.Errorf("empty field: %w", ErrInvalidToken)
	}
	if len(field) > maxFieldLength {
		return fmt.Errorf("field is %d bytes, maximum is %d: %w", len(field), maxFieldLength, ErrInvalidToken)
	}
	for i := 0; i < len(field); i++ {
		c := field[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return fmt.Errorf("invalid character %q at position %d: %w", c, i, ErrInvalidToken)
		}
	}
	return nil
}

// String returns the canonical @NAMESPACE:PROJECT:VERSION:ID form.
func (t Token) String() string {
	return "@" + t.Namespace + ":" + t.Project + ":" + t.Version + ":" + t.ID
}

// IsZero reports whether t is the unusable zero value.
func (t Token) IsZero() bool { return t == Token{} }

// MarshalText implements encoding.TextMarshaler using the canonical
// form.
func (t Token) MarshalText() ([]byte, error) {
	if t.IsZero() {
		return nil, fmt.Errorf("reference: cannot marshal zero token")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces the zero value, matching omitempty round-trips.
func (t *Token) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*t = Token{}
		return nil
	}
	parsed, err := ParseToken(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
