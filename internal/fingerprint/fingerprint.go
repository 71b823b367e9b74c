// Package fingerprint turns free-form visitor text into a stable cache key.
//
// Normalization is deliberately aggressive: case, punctuation, and whitespace
// differences must not produce distinct fingerprints, so that "What are your
// hours?" and "what are your hours" intentionally collide in the AI response
// cache. The fingerprint is the hex SHA-256 of the normalized text, which is
// deterministic and locale-insensitive.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Normalize lowercases the text, strips punctuation and symbols, and
// collapses all runs of whitespace to a single space. The result is trimmed;
// an input with no letters, digits, or spaces normalizes to "".
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	lastSpace := true // swallow leading whitespace
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			// punctuation and symbols are dropped entirely
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Fingerprint returns the hex-encoded SHA-256 of the normalized text.
// Callers that already hold normalized text should use Sum directly.
func Fingerprint(text string) string {
	return Sum(Normalize(text))
}

// Sum hashes already-normalized text. The output is 64 lowercase hex
// characters, matching the char(64) cache key column.
func Sum(normalized string) string {
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}

// Tokens splits normalized text into its space-separated tokens. Used by the
// escalation engine for topic accumulation.
func Tokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, " ")
}
