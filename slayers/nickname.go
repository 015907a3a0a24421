package slayers

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

const nicknameSeparator = " | "

var formattedNickname = regexp.MustCompile(`^[\p{L}\s-]{1,32} \| \d+$`)

// FormatNickname returns the "Name | ID" nickname for a sanitized name
func FormatNickname(name, id string) string {
	return fmt.Sprintf("%s%s%s", name, nicknameSeparator, id)
}

// ValidNickname reports whether s has the formatted nickname shape, so
// that (name, id) can be read back from it
func ValidNickname(s string) bool {
	return formattedNickname.MatchString(s)
}

// ParseNickname reads the name and ID back out of a formatted nickname,
// using the same delimited grammar that parses requests. Label words
// are kept, since they're part of the name here.
func ParseNickname(s string) (name string, id string, ok bool) {
	if !ValidNickname(s) {
		return "", "", false
	}
	fields, matched := delimitedFields(flatten(s, false), false)
	if !matched {
		return "", "", false
	}
	return fields.Name, fields.ID, true
}

// FitNickname shortens name so that the formatted nickname fits within
// limit runes, returning the name actually used and the nickname.
// limit <= 0 uses the Discord nickname limit. When id alone can't fit,
// the name is left as-is.
func FitNickname(name, id string, limit int) (string, string) {
	if limit <= 0 {
		limit = discordNicknameMaxLength
	}
	available := limit - utf8.RuneCountInString(nicknameSeparator+id)
	if available < 1 || utf8.RuneCountInString(name) <= available {
		return name, FormatNickname(name, id)
	}
	fitted := SanitizeName(name, available)
	return fitted, FormatNickname(fitted, id)
}
