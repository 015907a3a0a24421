package slayers

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestFlatten(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "spaced hyphen",
			input:    "Jon Snow - 445566",
			expected: "Jon Snow:445566",
		},
		{
			name:     "labeled lines",
			input:    "Name: Jon Snow\nID: 445566\nRank: 3",
			expected: "Name:Jon Snow ID:445566 Rank:3",
		},
		{
			name:     "pipe keeps intra-word hyphen",
			input:    "Mary-Jane | 42",
			expected: "Mary-Jane:42",
		},
		{
			name:     "hyphen after a label",
			input:    "Name-Jon Snow ID-445566",
			expected: "Name:Jon Snow ID:445566",
		},
		{
			name:     "label word inside a hyphenated name",
			input:    "Mary-Name-Jane",
			expected: "Mary-Name-Jane",
		},
		{
			name:     "dashes",
			input:    "Jon — 12 – 3",
			expected: "Jon:12:3",
		},
		{
			name:     "mixed separator run",
			input:    "Jon :: - 12",
			expected: "Jon:12",
		},
		{
			name:     "equals",
			input:    "Jon=12",
			expected: "Jon:12",
		},
		{
			name:     "hyphen between letter and digit",
			input:    "Jon-12",
			expected: "Jon:12",
		},
		{
			name:     "zero width characters and tabs",
			input:    "Jon\u200b Snow\t\t12",
			expected: "Jon Snow 12",
		},
		{
			name:     "fullwidth forms",
			input:    "Ｊｏｎ：１２",
			expected: "Jon:12",
		},
		{
			name:     "crlf",
			input:    "Jon Snow\r\n445566\r\n",
			expected: "Jon Snow 445566",
		},
		{
			name:     "empty",
			input:    "",
			expected: "",
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tc.expected, Flatten(tc.input))
			},
		)
	}
}

func TestFlatten_NicknameKeepsLabelHyphens(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Name-Jon:12", flatten("Name-Jon | 12", false))
	assert.Equal(t, "Name:Jon:12", flatten("Name-Jon | 12", true))
}

func TestLines(t *testing.T) {
	t.Parallel()
	assert.Equal(
		t,
		[]string{"a", "b", "c", "d e"},
		Lines("a\r\nb\rc\n\n  d   e \n"),
	)
	assert.Equal(t, []string{"Jon Snow 445566"}, Lines("Jon Snow 445566"))
	assert.Nil(t, Lines(""))
	assert.Nil(t, Lines("\n \n"))
}
