// Package ada converts between decimal ADA amounts and lovelace.
//
// 1 ADA = 1,000,000 lovelace. Lovelace is indivisible, so amounts with more
// than six fractional digits are rejected rather than truncated.
package ada

import (
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits in an ADA amount.
const Decimals = 6

// LovelacePerADA is the number of lovelace in one ADA.
const LovelacePerADA = 1_000_000

// Parse converts a decimal string (e.g. "1.5") to lovelace (1500000).
// Returns (nil, false) on empty, signed, exponent, or over-precise input.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "+-eE") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
		if frac == "" || whole == "" {
			return nil, false
		}
	}
	if len(frac) > Decimals {
		return nil, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return nil, false
		}
	}
	return new(big.Int).SetString(whole+frac, 10)
}

// ParsePositive is Parse with an additional > 0 requirement.
func ParsePositive(s string) (*big.Int, bool) {
	v, ok := Parse(s)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// Format converts lovelace to a decimal ADA string with exactly six
// fractional digits (e.g. "1.500000").
func Format(lovelace *big.Int) string {
	if lovelace == nil {
		return "0.000000"
	}
	neg := lovelace.Sign() < 0
	s := new(big.Int).Abs(lovelace).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Canonical re-formats a decimal ADA string with six fractional digits.
func Canonical(s string) (string, bool) {
	v, ok := Parse(s)
	if !ok {
		return "", false
	}
	return Format(v), true
}
