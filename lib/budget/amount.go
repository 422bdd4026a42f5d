// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// currencyScale is the fixed-point denominator: one currency unit is
// 1_000_000 micros.
const currencyScale = 1_000_000

// Amount is a two-component resource quantity: model tokens and
// currency in micro-units. Integer arithmetic throughout: many small
// commits must sum exactly, so floating point never touches the
// ledger.
type Amount struct {
	Tokens         int64 `json:"tokens"`
	CurrencyMicros int64 `json:"currency_micros,omitempty"`
}

// Tokens returns a token-only Amount.
func Tokens(n int64) Amount { return Amount{Tokens: n} }

// Add returns a + b component-wise.
func (a Amount) Add(b Amount) Amount {
	return Amount{
		Tokens:         a.Tokens + b.Tokens,
		CurrencyMicros: a.CurrencyMicros + b.CurrencyMicros,
	}
}

// Sub returns a - b component-wise.
func (a Amount) Sub(b Amount) Amount {
	return Amount{
		Tokens:         a.Tokens - b.Tokens,
		CurrencyMicros: a.CurrencyMicros - b.CurrencyMicros,
	}
}

// IsZero reports whether both components are zero.
func (a Amount) IsZero() bool { return a.Tokens == 0 && a.CurrencyMicros == 0 }

// IsNegative reports whether either component is negative.
func (a Amount) IsNegative() bool { return a.Tokens < 0 || a.CurrencyMicros < 0 }

// Covers reports whether a is at least b in both components.
func (a Amount) Covers(b Amount) bool {
	return a.Tokens >= b.Tokens && a.CurrencyMicros >= b.CurrencyMicros
}

// Min returns the component-wise minimum of a and b.
func Min(a, b Amount) Amount {
	return Amount{
		Tokens:         min(a.Tokens, b.Tokens),
		CurrencyMicros: min(a.CurrencyMicros, b.CurrencyMicros),
	}
}

// Validate rejects negative components.
func (a Amount) Validate() error {
	if a.IsNegative() {
		return fmt.Errorf("budget: negative amount %s", a)
	}
	return nil
}

// String renders like "1500tok $0.25". A single-component amount
// drops the zero component; the zero Amount prints "0tok".
func (a Amount) String() string {
	switch {
	case a.CurrencyMicros == 0:
		return strconv.FormatInt(a.Tokens, 10) + "tok"
	case a.Tokens == 0:
		return "$" + FormatCurrencyMicros(a.CurrencyMicros)
	}
	return fmt.Sprintf("%dtok $%s", a.Tokens, FormatCurrencyMicros(a.CurrencyMicros))
}

// ParseCurrency parses a decimal currency string ("0.25", "12",
// "3.5") into micro-units. At most six fractional digits.
func ParseCurrency(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("budget: empty currency value")
	}
	negative := false
	rest := s
	if rest[0] == '+' || rest[0] == '-' {
		negative = rest[0] == '-'
		rest = rest[1:]
	}
	whole, frac, hasFrac := strings.Cut(rest, ".")
	if whole == "" && (!hasFrac || frac == "") {
		return 0, fmt.Errorf("budget: malformed currency value %q", s)
	}
	if whole == "" {
		whole = "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 {
		return 0, fmt.Errorf("budget: malformed currency value %q", s)
	}
	if units > math.MaxInt64/currencyScale-1 {
		return 0, fmt.Errorf("budget: currency value %q overflows", s)
	}
	micros := units * currencyScale
	if hasFrac {
		if len(frac) > 6 {
			return 0, fmt.Errorf("budget: currency value %q has more than six fractional digits", s)
		}
		part, err := strconv.ParseInt(frac+strings.Repeat("0", 6-len(frac)), 10, 64)
		if err != nil || part < 0 {
			return 0, fmt.Errorf("budget: malformed currency value %q", s)
		}
		micros += part
	}
	if negative {
		micros = -micros
	}
	return micros, nil
}

// FormatCurrencyMicros renders micro-units as a decimal string with
// trailing zeros trimmed: 250000 is "0.25", 1_000_000 is "1".
func FormatCurrencyMicros(micros int64) string {
	sign := ""
	if micros < 0 {
		sign = "-"
		micros = -micros
	}
	units := micros / currencyScale
	frac := micros % currencyScale
	if frac == 0 {
		return sign + strconv.FormatInt(units, 10)
	}
	digits := strconv.FormatInt(frac, 10)
	digits = strings.Repeat("0", 6-len(digits)) + digits
	digits = strings.TrimRight(digits, "0")
	return fmt.Sprintf("%s%d.%s", sign, units, digits)
}
