package slayers

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strings"
)

var exportHeader = []string{"NAME", "ID", "DISCORD_TAG"}

// ExportRow is one line of the slayer export
type ExportRow struct {
	Name       string
	ID         string
	DiscordTag string
}

// ExportRowsFromMembers builds export rows from members whose nickname
// is a valid formatted nickname. Other members are skipped.
func ExportRowsFromMembers(members []Member) []ExportRow {
	rows := make([]ExportRow, 0, len(members))
	for _, m := range members {
		name, id, ok := ParseNickname(m.Nickname)
		if !ok {
			continue
		}
		rows = append(rows, ExportRow{Name: name, ID: id, DiscordTag: m.Username})
	}
	sortExportRows(rows)
	return rows
}

// ExportRowsFromRecords builds export rows from registry records
func ExportRowsFromRecords(records []MemberRecord) []ExportRow {
	rows := make([]ExportRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, ExportRow{Name: r.Name, ID: r.GameID, DiscordTag: r.Username})
	}
	sortExportRows(rows)
	return rows
}

func sortExportRows(rows []ExportRow) {
	slices.SortStableFunc(
		rows, func(a, b ExportRow) int {
			if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		},
	)
}

// WriteExportCSV writes the header and rows as CSV
func WriteExportCSV(w io.Writer, rows []ExportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("error writing csv header: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write([]string{r.Name, r.ID, r.DiscordTag}); err != nil {
			return fmt.Errorf("error writing csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportRegistry writes every registry record to w as CSV, returning the
// number of rows written
func ExportRegistry(ctx context.Context, registry MemberRegistry, w io.Writer) (int, error) {
	records, err := registry.ListMembers(ctx)
	if err != nil {
		return 0, fmt.Errorf("error listing members: %w", err)
	}
	rows := ExportRowsFromRecords(records)
	return len(rows), WriteExportCSV(w, rows)
}
