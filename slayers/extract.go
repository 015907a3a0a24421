package slayers

import (
	"log/slog"
	"regexp"
	"strings"
)

const (
	grammarLabeledLines   = "labeled_lines"
	grammarLabeledInline  = "labeled_inline"
	grammarDelimited      = "delimited"
	grammarLinePositional = "line_positional"

	labelName = "name"
	labelID   = "id"
	labelRank = "rank"
)

var (
	labeledLine = regexp.MustCompile(
		`(?i)^(name|id|rank)\s*[-:=|\x{2013}\x{2014}]+\s*(.*)$`,
	)
	inlineLabel = regexp.MustCompile(`(?i)\b(name|id|rank)\s*:`)
	digitsOnly  = regexp.MustCompile(`^[0-9]+$`)

	// trailingLabelWord matches an "ID" or "Rank" label left at the end of
	// a name segment, as in "Jon Snow ID: 445566"
	trailingLabelWord = regexp.MustCompile(`(?i)\s+(id|rank)$`)
)

// ParsedFields holds the fields extracted from a request. An empty string
// means the field is absent. ID and Rank, when present, are decimal
// digit strings, kept as-is.
type ParsedFields struct {
	Name string `json:"name,omitempty"`
	ID   string `json:"id,omitempty"`
	Rank string `json:"rank,omitempty"`
}

// Complete reports whether both the name and the ID are present
func (p ParsedFields) Complete() bool {
	return p.Name != "" && p.ID != ""
}

func (p ParsedFields) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(labelName, p.Name),
		slog.String(labelID, p.ID),
		slog.String(labelRank, p.Rank),
	)
}

// Grammar is one candidate parsing rule. Match is a pure function,
// returning false when raw doesn't have the grammar's shape.
type Grammar struct {
	Name  string
	Match func(raw string) (ParsedFields, bool)
}

// DefaultGrammars is the cascade used by Extract, most explicit first
var DefaultGrammars = []Grammar{
	{Name: grammarLabeledLines, Match: matchLabeledLines},
	{Name: grammarLabeledInline, Match: matchLabeledInline},
	{Name: grammarDelimited, Match: matchDelimited},
	{Name: grammarLinePositional, Match: matchLinePositional},
}

// Extractor tries each of its grammars in order, and returns the first
// structural match
type Extractor struct {
	grammars []Grammar
}

// NewExtractor returns an Extractor for the given grammars. With no
// grammars, DefaultGrammars is used.
func NewExtractor(grammars ...Grammar) *Extractor {
	if len(grammars) == 0 {
		grammars = DefaultGrammars
	}
	g := make([]Grammar, len(grammars))
	copy(g, grammars)
	return &Extractor{grammars: g}
}

// Extract returns the fields from the first matching grammar, and that
// grammar's name. When nothing matches, it returns empty fields and
// an empty name.
func (e *Extractor) Extract(raw string) (ParsedFields, string) {
	for _, g := range e.grammars {
		if fields, ok := g.Match(raw); ok {
			return fields, g.Name
		}
	}
	return ParsedFields{}, ""
}

var defaultExtractor = NewExtractor()

// Extract parses raw with DefaultGrammars
func Extract(raw string) ParsedFields {
	fields, _ := defaultExtractor.Extract(raw)
	return fields
}

func isDigits(s string) bool {
	return digitsOnly.MatchString(s)
}

// trimValue strips whitespace and leftover separator characters from
// the edges of a field value
func trimValue(s string) string {
	return strings.Trim(s, " \t:=|-–—")
}

// labeledFields validates a label-to-value map collected by one of the
// labeled grammars
func labeledFields(values map[string]string) (ParsedFields, bool) {
	fields := ParsedFields{
		Name: values[labelName],
		ID:   values[labelID],
		Rank: values[labelRank],
	}
	if fields.Name == "" || !isDigits(fields.ID) {
		return ParsedFields{}, false
	}
	if fields.Rank != "" && !isDigits(fields.Rank) {
		return ParsedFields{}, false
	}
	return fields, true
}

// matchLabeledLines matches "Name: ...", "ID: ...", "Rank: ..." on
// separate lines, in any order. Unlabeled lines are ignored, and the
// first occurrence of a label wins.
func matchLabeledLines(raw string) (ParsedFields, bool) {
	values := map[string]string{}
	for _, line := range Lines(raw) {
		m := labeledLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		label := strings.ToLower(m[1])
		if _, seen := values[label]; seen {
			continue
		}
		values[label] = trimValue(m[2])
	}
	return labeledFields(values)
}

// matchLabeledInline finds the same labels anywhere in the flattened
// text. Each value runs up to the next label. ID and Rank take the
// first token of their value.
func matchLabeledInline(raw string) (ParsedFields, bool) {
	flat := Flatten(raw)
	locs := inlineLabel.FindAllStringSubmatchIndex(flat, -1)
	if len(locs) == 0 {
		return ParsedFields{}, false
	}

	values := map[string]string{}
	for i, loc := range locs {
		label := strings.ToLower(flat[loc[2]:loc[3]])
		end := len(flat)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if _, seen := values[label]; seen {
			continue
		}
		value := trimValue(flat[loc[1]:end])
		if label != labelName {
			value, _, _ = strings.Cut(value, " ")
			value = trimValue(value)
		}
		values[label] = value
	}
	return labeledFields(values)
}

// matchDelimited matches "Name : ID" or "Name : ID : Rank" on the
// flattened text. The ID is the first all-digit segment following at
// least one name segment. Stray "Name", "ID" and "Rank" labels are
// dropped.
func matchDelimited(raw string) (ParsedFields, bool) {
	return delimitedFields(Flatten(raw), true)
}

func delimitedFields(flat string, dropLabels bool) (ParsedFields, bool) {
	var segments []string
	for _, seg := range strings.Split(flat, canonicalSeparator) {
		seg = strings.TrimSpace(seg)
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if dropLabels && len(segments) > 0 && strings.EqualFold(segments[0], labelName) {
		segments = segments[1:]
	}

	idIdx := -1
	var nameParts []string
	for i, seg := range segments {
		if isDigits(seg) && len(nameParts) > 0 {
			idIdx = i
			break
		}
		if dropLabels && (strings.EqualFold(seg, labelID) || strings.EqualFold(seg, labelRank)) {
			continue
		}
		nameParts = append(nameParts, seg)
	}
	if idIdx < 0 {
		return ParsedFields{}, false
	}

	if dropLabels {
		last := len(nameParts) - 1
		nameParts[last] = trailingLabelWord.ReplaceAllString(nameParts[last], "")
	}
	fields := ParsedFields{
		Name: strings.TrimSpace(strings.Join(nameParts, " ")),
		ID:   segments[idIdx],
	}
	if fields.Name == "" {
		return ParsedFields{}, false
	}

	rest := segments[idIdx+1:]
	if dropLabels && len(rest) > 0 && strings.EqualFold(rest[0], labelRank) {
		rest = rest[1:]
	}
	switch len(rest) {
	case 0:
	case 1:
		if !isDigits(rest[0]) {
			return ParsedFields{}, false
		}
		fields.Rank = rest[0]
	default:
		return ParsedFields{}, false
	}
	return fields, true
}

// matchLinePositional matches two or three lines, where the second line
// is all digits: name, ID, then an optional rank
func matchLinePositional(raw string) (ParsedFields, bool) {
	lines := Lines(raw)
	if len(lines) < 2 || len(lines) > 3 {
		return ParsedFields{}, false
	}
	if !isDigits(lines[1]) {
		return ParsedFields{}, false
	}
	fields := ParsedFields{Name: lines[0], ID: lines[1]}
	if len(lines) == 3 && isDigits(lines[2]) {
		fields.Rank = lines[2]
	}
	return fields, true
}
