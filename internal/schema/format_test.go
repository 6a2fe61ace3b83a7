package schema

import (
	"strings"
	"testing"

	"github.com/inkwell-ai/inkwell/internal/models"
)

func TestFormatForPrompt(t *testing.T) {
	info := &models.SchemaInfo{
		Tables: []models.TableInfo{
			{
				Name:     "orders",
				RowCount: 1200,
				Columns: []models.ColumnInfo{
					{Name: "id", Type: "integer", PrimaryKey: true},
					{Name: "user_id", Type: "integer", ForeignKey: "users.id"},
					{Name: "status", Type: "text", Nullable: false, Comment: "order lifecycle state"},
					{Name: "total", Type: "numeric", Nullable: true},
				},
				SampleValues: map[string][]string{
					"status": {"pending", "shipped"},
				},
			},
		},
		Relationships: []models.ForeignKey{
			{FromTable: "orders", FromColumn: "user_id", ToTable: "users", ToColumn: "id"},
		},
	}

	out := FormatForPrompt(info)
	for _, want := range []string{
		"TABLE orders (~1200 rows)",
		"id integer PRIMARY KEY",
		"user_id integer REFERENCES users.id",
		"status text",
		"NOT NULL",
		"-- order lifecycle state",
		"(e.g. pending, shipped)",
		"FOREIGN KEY orders.user_id -> users.id",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestFormatForPromptNil(t *testing.T) {
	if got := FormatForPrompt(nil); got != "" {
		t.Errorf("FormatForPrompt(nil) = %q", got)
	}
}

func TestJoinHints(t *testing.T) {
	info := &models.SchemaInfo{
		Relationships: []models.ForeignKey{
			{FromTable: "orders", FromColumn: "user_id", ToTable: "users", ToColumn: "id"},
			{FromTable: "orders", FromColumn: "user_id", ToTable: "users", ToColumn: "id"},
			{FromTable: "order_items", FromColumn: "order_id", ToTable: "orders", ToColumn: "id"},
		},
	}
	hints := JoinHints(info)
	if len(hints) != 2 {
		t.Fatalf("hints = %d, want 2 (deduplicated)", len(hints))
	}
	if hints[0] != "JOIN orders ON order_items.order_id = orders.id" {
		t.Errorf("hints[0] = %q", hints[0])
	}
	if hints[1] != "JOIN users ON orders.user_id = users.id" {
		t.Errorf("hints[1] = %q", hints[1])
	}
}

func TestJoinHintsEmpty(t *testing.T) {
	if hints := JoinHints(nil); hints != nil {
		t.Errorf("JoinHints(nil) = %v", hints)
	}
	if hints := JoinHints(&models.SchemaInfo{}); hints != nil {
		t.Errorf("JoinHints(empty) = %v", hints)
	}
}
