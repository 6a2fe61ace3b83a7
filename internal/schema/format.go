package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/inkwell-ai/inkwell/internal/models"
)

// FormatForPrompt renders a schema compactly for LLM prompts: one block
// per table with typed columns, key flags and sample values, followed by
// the relationship list.
func FormatForPrompt(s *models.SchemaInfo) string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	for _, t := range s.Tables {
		if t.RowCount > 0 {
			fmt.Fprintf(&b, "TABLE %s (~%d rows)\n", t.Name, t.RowCount)
		} else {
			fmt.Fprintf(&b, "TABLE %s\n", t.Name)
		}
		for _, c := range t.Columns {
			b.WriteString("  ")
			b.WriteString(c.Name)
			b.WriteByte(' ')
			b.WriteString(c.Type)
			if c.PrimaryKey {
				b.WriteString(" PRIMARY KEY")
			}
			if c.ForeignKey != "" {
				b.WriteString(" REFERENCES ")
				b.WriteString(c.ForeignKey)
			}
			if !c.Nullable && !c.PrimaryKey {
				b.WriteString(" NOT NULL")
			}
			if c.Comment != "" {
				b.WriteString(" -- ")
				b.WriteString(c.Comment)
			}
			if vals := t.SampleValues[c.Name]; len(vals) > 0 {
				fmt.Fprintf(&b, " (e.g. %s)", strings.Join(vals, ", "))
			}
			b.WriteByte('\n')
		}
	}
	for _, fk := range s.Relationships {
		fmt.Fprintf(&b, "FOREIGN KEY %s.%s -> %s.%s\n", fk.FromTable, fk.FromColumn, fk.ToTable, fk.ToColumn)
	}
	return b.String()
}

// JoinHints derives join-pattern hints from the foreign key graph, one
// per relationship, for the generation prompt.
func JoinHints(s *models.SchemaInfo) []string {
	if s == nil || len(s.Relationships) == 0 {
		return nil
	}
	hints := make([]string, 0, len(s.Relationships))
	seen := make(map[string]bool, len(s.Relationships))
	for _, fk := range s.Relationships {
		h := fmt.Sprintf("JOIN %s ON %s.%s = %s.%s",
			fk.ToTable, fk.FromTable, fk.FromColumn, fk.ToTable, fk.ToColumn)
		if !seen[h] {
			seen[h] = true
			hints = append(hints, h)
		}
	}
	sort.Strings(hints)
	return hints
}
