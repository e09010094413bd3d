package utils

import (
	"strings"
	"unicode"
)

// Slugify lowers a title into a URL-friendly slug: letters and digits kept,
// runs of anything else collapsed into single hyphens.
func Slugify(title string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
