package utils

import "strings"

// ParseCSV splits a comma-separated string and returns trimmed non-empty values.
// Returns nil for empty/whitespace-only input.
// This function is used throughout the codebase to parse comma-separated
// configuration values (CORS origins, categorization rule terms).
func ParseCSV(s string) []string {
	if s == "" {
		return nil
	}

	var result []string
	for _, v := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return nil
	}

	return result
}

// NormalizeVendor canonicalizes a merchant/counterparty string for grouping.
// Lowercases, strips punctuation, collapses runs of whitespace, and drops
// trailing purely-numeric tokens (store numbers, payment references) so that
// "ACME Corp #4821" and "acme corp" group under the same vendor key.
func NormalizeVendor(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}

	tokens := strings.Fields(b.String())
	// Trim trailing numeric reference tokens, but never strip the whole name.
	for len(tokens) > 1 && isNumericToken(tokens[len(tokens)-1]) {
		tokens = tokens[:len(tokens)-1]
	}

	return strings.Join(tokens, " ")
}

func isNumericToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
