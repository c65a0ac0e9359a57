package gateway

import (
	"fmt"
	"strings"
)

// countryCode is prepended to local numbers. The program operates on
// Indonesian numbers only.
const countryCode = "62"

// NormalizeMSISDN converts a raw phone number to the digits-only,
// country-coded form providers require: no `+`, no separators, local
// `0` prefix rewritten to the country code.
func NormalizeMSISDN(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case digits == "":
		return "", fmt.Errorf("no digits in %q", raw)
	case strings.HasPrefix(digits, countryCode):
		// Already country-coded (covers "+62..." after digit filtering).
	case strings.HasPrefix(digits, "0"):
		digits = countryCode + digits[1:]
	case strings.HasPrefix(digits, "8"):
		// Bare local mobile number without the trunk prefix.
		digits = countryCode + digits
	default:
		return "", fmt.Errorf("unrecognized number format %q", raw)
	}

	if len(digits) < 10 || len(digits) > 15 {
		return "", fmt.Errorf("number %q has invalid length after normalization", raw)
	}
	return digits, nil
}
