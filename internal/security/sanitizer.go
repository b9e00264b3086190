package security

import (
	"strings"
	"unicode"
)

// maxFieldLength caps any single sanitized input field
const maxFieldLength = 10000

// SanitizeString strips control characters and trims the input to a bounded
// length. It deliberately does not try to "fix" suspicious content; the
// threat detector scores that separately.
func SanitizeString(input string) string {
	if len(input) > maxFieldLength {
		input = input[:maxFieldLength]
	}

	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// SanitizeMap sanitizes every string value in a flat parameter map and drops
// keys carrying operator-injection prefixes.
func SanitizeMap(params map[string]string) map[string]string {
	clean := make(map[string]string, len(params))
	for key, value := range params {
		if strings.HasPrefix(key, "$") || strings.Contains(key, ".") {
			continue
		}
		clean[SanitizeString(key)] = SanitizeString(value)
	}
	return clean
}
