package slayers

import (
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// canonicalSeparator is the token Flatten rewrites every separator run to
const canonicalSeparator = ":"

var (
	// separatorRun matches a run of separator characters along with any
	// whitespace around it
	separatorRun = regexp.MustCompile(`\s*[-:=|\x{2013}\x{2014}]+(?:\s*[-:=|\x{2013}\x{2014}]+)*\s*`)
	lineBreak    = regexp.MustCompile(`\r\n|\r|\n|\x{2028}|\x{2029}`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// newTextTransformer returns a transformer that applies NFKC and drops
// format characters (zero-width spaces, joiners, direction marks).
// Transformers hold state, so one is built per call.
func newTextTransformer() transform.Transformer {
	return transform.Chain(norm.NFKC, runes.Remove(runes.In(unicode.Cf)))
}

func canonicalText(raw string) string {
	if raw == "" {
		return ""
	}
	s, _, err := transform.String(newTextTransformer(), raw)
	if err != nil {
		return raw
	}
	return s
}

// Flatten returns raw as a single line: newlines and tabs become spaces,
// every separator run becomes ":", and whitespace is collapsed.
// A hyphen run directly between two letters (Mary-Jane) is kept as-is.
func Flatten(raw string) string {
	return flatten(raw, true)
}

// flatten is Flatten, optionally without splitting "Label-Word" pairs.
// Nicknames are flattened without it, since a label word is part of
// the name there.
func flatten(raw string, splitLabels bool) string {
	s := canonicalText(raw)
	if s == "" {
		return ""
	}
	s = strings.Map(
		func(r rune) rune {
			if unicode.IsSpace(r) {
				return ' '
			}
			return r
		}, s,
	)

	matches := separatorRun.FindAllStringIndex(s, -1)
	if len(matches) > 0 {
		var b strings.Builder
		b.Grow(len(s))
		last := 0
		for _, m := range matches {
			start, end := m[0], m[1]
			b.WriteString(s[last:start])
			run := s[start:end]
			if isIntraWordHyphen(s, start, end, run, splitLabels) {
				b.WriteString(run)
			} else {
				b.WriteString(canonicalSeparator)
			}
			last = end
		}
		b.WriteString(s[last:])
		s = b.String()
	}

	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// isIntraWordHyphen reports whether the separator run s[start:end] is
// made only of ASCII hyphens with a letter immediately on both sides.
// With splitLabels, a hyphen right after a field label ("Name-Jon") is
// a separator.
func isIntraWordHyphen(s string, start, end int, run string, splitLabels bool) bool {
	if strings.Trim(run, "-") != "" {
		return false
	}
	if start == 0 || end >= len(s) {
		return false
	}
	before, _ := utf8.DecodeLastRuneInString(s[:start])
	after, _ := utf8.DecodeRuneInString(s[end:])
	if !unicode.IsLetter(before) || !unicode.IsLetter(after) {
		return false
	}
	return !splitLabels || !labelBefore(s, start)
}

// labelBefore reports whether the letters ending at s[:end] are a field
// label standing as its own word, not the tail of a hyphenated name
func labelBefore(s string, end int) bool {
	start := end
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(s[:start])
		if !unicode.IsLetter(r) {
			if r == '-' {
				return false
			}
			break
		}
		start -= size
	}
	return isFieldLabel(s[start:end])
}

func isFieldLabel(word string) bool {
	switch strings.ToLower(word) {
	case labelName, labelID, labelRank:
		return true
	}
	return false
}

// Lines splits raw on any newline convention, collapses whitespace
// within each line, and drops lines left empty
func Lines(raw string) []string {
	s := canonicalText(raw)
	if s == "" {
		return nil
	}
	var lines []string
	for _, line := range lineBreak.Split(s, -1) {
		line = strings.TrimSpace(whitespace.ReplaceAllString(line, " "))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
