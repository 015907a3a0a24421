package slayers

import (
	"golang.org/x/text/unicode/norm"
	"regexp"
	"strings"
	"unicode"
)

var (
	// hyphenRun matches hyphens along with any spaces or other hyphens
	// around them
	hyphenRun = regexp.MustCompile(`[ -]*-[ -]*`)
	spaceRun  = regexp.MustCompile(` {2,}`)
)

// SanitizeName reduces name to letters, single spaces and single
// hyphens, capped at maxLen runes. maxLen <= 0 uses DefaultNameMaxLength.
//
// Spaces around a hyphen are dropped ("Mary - Jane" becomes
// "Mary-Jane"), and the result never starts or ends with a space or a
// hyphen. SanitizeName(SanitizeName(x, n), n) == SanitizeName(x, n).
func SanitizeName(name string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultNameMaxLength
	}
	// dropping a character can leave neighbours that compose (or a
	// compatibility form that expands), so repeat until nothing changes
	s := name
	for i := 0; i < sanitizeMaxPasses; i++ {
		next := sanitizeOnce(s, maxLen)
		if next == s {
			break
		}
		s = next
	}
	return s
}

const sanitizeMaxPasses = 4

func sanitizeOnce(name string, maxLen int) string {
	if name == "" {
		return ""
	}

	s := strings.Map(
		func(r rune) rune {
			switch {
			case unicode.IsSpace(r):
				return ' '
			case r == '-', unicode.IsLetter(r):
				return r
			default:
				return -1
			}
		},
		norm.NFKC.String(name),
	)
	s = hyphenRun.ReplaceAllString(s, "-")
	s = spaceRun.ReplaceAllString(s, " ")
	s = trimNameEdges(norm.NFKC.String(s))

	if runes := []rune(s); len(runes) > maxLen {
		s = trimNameEdges(string(runes[:maxLen]))
	}
	return s
}

func trimNameEdges(s string) string {
	return strings.Trim(s, " -")
}
