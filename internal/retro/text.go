package retro

import (
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// normalizeText canonicalizes user-supplied text to NFC before bounds
// checks and storage, so visually identical strings compare and count
// the same.
func normalizeText(s string) string {
	return norm.NFC.String(s)
}

// charCount counts Unicode code points, not bytes.
func charCount(s string) int {
	return utf8.RuneCountInString(s)
}
