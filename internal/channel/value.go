package channel

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ParseValue coerces loosely typed text into an integer channel value.
//
// It trims whitespace, one layer of JSON array brackets and one layer of
// quotes, so `1`, `"1"`, `["1"]` and ` 1 ` all yield 1. Integral decimal
// notation such as "1.0" or "1e3" is accepted and evaluated exactly.
// Empty, non-numeric, fractional and out-of-range values return an error
// wrapping ErrInvalidValue.
func ParseValue(text string) (int64, error) {
	s := strings.TrimSpace(text)
	if len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidValue)
	}

	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	return parseDecimal(s)
}

// maxExponent bounds the exponent of decimal notation. Anything larger
// cannot be an int64 unless the mantissa is zero.
const maxExponent = 40

// parseDecimal accepts integral decimal notation such as "1.0", "1e3" or
// "2.50e1" without going through float64, so no digit is ever rounded.
func parseDecimal(s string) (int64, error) {
	mant, exp := s, 0
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		e, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return 0, notNumeric(s)
		}
		mant, exp = s[:i], e
	}

	sign := ""
	if mant != "" && (mant[0] == '-' || mant[0] == '+') {
		sign, mant = mant[:1], mant[1:]
	}
	whole, frac, _ := strings.Cut(mant, ".")
	digits := whole + frac
	if digits == "" || strings.Trim(digits, "0123456789") != "" {
		return 0, notNumeric(s)
	}

	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return 0, nil
	}
	if exp > maxExponent {
		return 0, fmt.Errorf("%w: %s overflows int64", ErrInvalidValue, truncate(s))
	}
	if exp < -maxExponent-len(mant) {
		return 0, fmt.Errorf("%w: %s is not an integer", ErrInvalidValue, truncate(s))
	}

	shift := exp - len(frac)
	switch {
	case shift > 0:
		digits += strings.Repeat("0", shift)
	case shift < 0:
		if -shift > len(digits) {
			return 0, fmt.Errorf("%w: %s is not an integer", ErrInvalidValue, truncate(s))
		}
		cut := len(digits) + shift
		if strings.Trim(digits[cut:], "0") != "" {
			return 0, fmt.Errorf("%w: %s is not an integer", ErrInvalidValue, truncate(s))
		}
		digits = digits[:cut]
		if digits == "" {
			return 0, nil
		}
	}

	v, err := strconv.ParseInt(sign+digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s overflows int64", ErrInvalidValue, truncate(s))
	}
	return v, nil
}

func notNumeric(s string) error {
	return fmt.Errorf("%w: %q is not numeric", ErrInvalidValue, truncate(s))
}

const maxEchoLen = 32

// truncate keeps untrusted input short in error messages. It never splits
// a UTF-8 sequence.
func truncate(s string) string {
	if len(s) <= maxEchoLen {
		return s
	}
	cut := maxEchoLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
