package models

import (
	"strings"
	"time"
)

// SchemaInfo is the introspected structure of one external database,
// cached per connection and invalidated by fingerprint mismatch or TTL.
type SchemaInfo struct {
	DatabaseName  string       `json:"database_name"`
	Tables        []TableInfo  `json:"tables"`
	Relationships []ForeignKey `json:"relationships"`
	CachedAt      time.Time    `json:"cached_at"`
	Fingerprint   string       `json:"fingerprint"`
}

// TableInfo describes one table. SampleValues is opt-in and maps column
// name to up to five distinct non-null values.
type TableInfo struct {
	Name         string              `json:"name"`
	Columns      []ColumnInfo        `json:"columns"`
	RowCount     int64               `json:"row_count,omitempty"`
	SampleValues map[string][]string `json:"sample_values,omitempty"`
}

// ColumnInfo describes one column. ForeignKey, when set, is "table.column".
type ColumnInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primary_key"`
	ForeignKey string `json:"foreign_key,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

// ForeignKey is one edge of the relationship graph.
type ForeignKey struct {
	FromTable  string `json:"from_table"`
	FromColumn string `json:"from_column"`
	ToTable    string `json:"to_table"`
	ToColumn   string `json:"to_column"`
}

// FindTable returns the table with the given name, case-insensitive.
func (s *SchemaInfo) FindTable(name string) *TableInfo {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i]
		}
	}
	return nil
}

// TableNames returns all table names in declaration order.
func (s *SchemaInfo) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		names = append(names, t.Name)
	}
	return names
}

// HasColumn reports whether the table contains the column,
// case-insensitive.
func (t *TableInfo) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// ColumnNames returns the table's column names in declaration order.
func (t *TableInfo) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}
