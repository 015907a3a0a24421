package slayers

import (
	"github.com/stretchr/testify/assert"
	"strings"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{input: "Jon Snow", expected: "Jon Snow"},
		{input: "  Jon   Snow!! ", expected: "Jon Snow"},
		{input: "Jon\tSnow", expected: "Jon Snow"},
		{input: "Mary - Jane", expected: "Mary-Jane"},
		{input: "Jon - - Snow", expected: "Jon-Snow"},
		{input: "--Jon--", expected: "Jon"},
		{input: "Jon_Snow", expected: "JonSnow"},
		{input: "O'Brien", expected: "OBrien"},
		{input: "Agent 7", expected: "Agent"},
		{input: "José", expected: "José"},
		{input: "Ｊｏｎ", expected: "Jon"},
		{input: "\u11001\u1161", expected: "\uac00"},
		{input: "\u1100.\u1161\u11a8", expected: "\uac01"},
		{input: "12345", expected: ""},
		{input: "", expected: ""},
		{input: "Abcdefghij", maxLen: 5, expected: "Abcde"},
		{input: "Abcd efgh", maxLen: 5, expected: "Abcd"},
		{input: "Ab-cdef", maxLen: 3, expected: "Ab"},
		{input: strings.Repeat("a", 40), expected: strings.Repeat("a", DefaultNameMaxLength)},
	}

	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tc.expected, SanitizeName(tc.input, tc.maxLen))
			},
		)
	}
}

func TestSanitizeName_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"Jon Snow",
		"  Jon   Snow!! ",
		"Mary - Jane",
		"- - a - - b - -",
		"Abcd efgh ijkl",
		"x-y z-",
		"Þór  Óðinsson",
		"\u200bJon\u200b",
		strings.Repeat("ab ", 20),
		"\u11001\u1161",
		"\u1100 \u1161",
		"\u1100.\u1161\u11a8",
		"ﬀ ﬁ",
	}
	for _, in := range inputs {
		for _, n := range []int{0, 1, 3, 5, 8, 32} {
			once := SanitizeName(in, n)
			assert.Equal(t, once, SanitizeName(once, n), "input %q, maxLen %d", in, n)
			limit := n
			if limit <= 0 {
				limit = DefaultNameMaxLength
			}
			assert.LessOrEqual(t, len([]rune(once)), limit)
			assert.False(t, strings.HasPrefix(once, " ") || strings.HasSuffix(once, " "))
			assert.False(t, strings.HasPrefix(once, "-") || strings.HasSuffix(once, "-"))
			assert.NotContains(t, once, "  ")
		}
	}
}
