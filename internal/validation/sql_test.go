package validation

import (
	"strings"
	"testing"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/models"
)

func TestValidateUserInput(t *testing.T) {
	valid := []string{
		"top 5 customers by revenue",
		"how many orders were placed last month",
		"   customers in berlin  ",
	}
	for _, q := range valid {
		if err := ValidateUserInput(q); err != nil {
			t.Errorf("ValidateUserInput(%q) = %v, want nil", q, err)
		}
	}

	invalid := []string{
		"",
		"   ",
		"SELECT * FROM users",
		"select * from users",
		"DELETE everything",
		"delete everything",
		"DROP TABLE users; --",
		"name'; DROP TABLE users;--",
		"anything OR 1=1",
	}
	for _, q := range invalid {
		err := ValidateUserInput(q)
		if err == nil {
			t.Errorf("ValidateUserInput(%q) = nil, want error", q)
			continue
		}
		if !apperr.IsKind(err, apperr.Validation) {
			t.Errorf("ValidateUserInput(%q) kind = %v, want Validation", q, apperr.KindOf(err))
		}
	}
}

func TestValidateSQLForbiddenOps(t *testing.T) {
	err := ValidateSQL("SELECT 1; DELETE FROM users")
	if err == nil {
		t.Fatal("DELETE should be rejected")
	}
	if !strings.Contains(err.Error(), "Query contains forbidden operation: DELETE") {
		t.Errorf("error = %q, want forbidden-operation message naming DELETE", err.Error())
	}

	for _, op := range []string{"DROP", "TRUNCATE", "INSERT", "UPDATE", "GRANT"} {
		sql := "SELECT * FROM t WHERE note = '" + op + " me'"
		if err := ValidateSQL(sql); err == nil {
			t.Errorf("ValidateSQL(%q) = nil, want rejection (validator is literal-blind on purpose)", sql)
		}
	}

	// Word boundaries: column names containing keyword substrings pass.
	ok := []string{
		"SELECT updated_at FROM orders",
		"SELECT created_at, dropped_count FROM stats",
		"WITH recent AS (SELECT * FROM orders) SELECT * FROM recent",
	}
	for _, sql := range ok {
		if err := ValidateSQL(sql); err != nil {
			t.Errorf("ValidateSQL(%q) = %v, want nil", sql, err)
		}
	}
}

func TestValidateSQLShape(t *testing.T) {
	if err := ValidateSQL("EXPLAIN SELECT 1"); err == nil {
		t.Error("non-SELECT prefix should be rejected")
	}
	if err := ValidateSQL(""); err == nil {
		t.Error("empty SQL should be rejected")
	}
	if err := ValidateSQL("SELECT 1; SELECT 2"); err == nil {
		t.Error("stacked statements should be rejected")
	}
	if err := ValidateSQL("SELECT 1;"); err != nil {
		t.Errorf("trailing semicolon should be allowed, got %v", err)
	}
}

func TestValidateSQLInjection(t *testing.T) {
	bad := []string{
		"SELECT * FROM users WHERE name = '' UNION SELECT password FROM admins",
		"SELECT * FROM t WHERE 1=1 OR 1=1",
		"SELECT /* sneaky */ * FROM t",
		"SELECT pg_sleep(10)",
		"SELECT SLEEP(5)",
		"SELECT BENCHMARK(1000000, MD5('x'))",
		"SELECT LOAD_FILE('/etc/passwd')",
		"SELECT * FROM t INTO OUTFILE '/tmp/x'",
	}
	for _, sql := range bad {
		if err := ValidateSQL(sql); err == nil {
			t.Errorf("ValidateSQL(%q) = nil, want injection rejection", sql)
		}
	}
}

func testSchema() *models.SchemaInfo {
	return &models.SchemaInfo{
		DatabaseName: "shop",
		Tables: []models.TableInfo{
			{Name: "customers", Columns: []models.ColumnInfo{
				{Name: "id"}, {Name: "name"}, {Name: "region"},
			}},
			{Name: "orders", Columns: []models.ColumnInfo{
				{Name: "id"}, {Name: "customer_id"}, {Name: "total"},
			}},
		},
	}
}

func TestValidateSchemaRefs(t *testing.T) {
	schema := testSchema()

	ok := []string{
		"SELECT name FROM customers",
		"SELECT c.name, o.total FROM customers c JOIN orders o ON c.id = o.customer_id",
		"SELECT name FROM CUSTOMERS",
		"SELECT customers.region FROM customers",
		"WITH totals AS (SELECT customer_id, SUM(total) t FROM orders GROUP BY customer_id) SELECT * FROM totals",
	}
	for _, sql := range ok {
		if err := ValidateSchemaRefs(sql, schema); err != nil {
			t.Errorf("ValidateSchemaRefs(%q) = %v, want nil", sql, err)
		}
	}

	if err := ValidateSchemaRefs("SELECT name FROM customerz", schema); err == nil {
		t.Error("unknown table customerz should be rejected")
	}
	if err := ValidateSchemaRefs("SELECT customers.salary FROM customers", schema); err == nil {
		t.Error("unknown column customers.salary should be rejected")
	}
	if err := ValidateSchemaRefs("SELECT x FROM anything", nil); err != nil {
		t.Errorf("nil schema should skip validation, got %v", err)
	}
}

func TestTablesReferenced(t *testing.T) {
	sql := "SELECT * FROM public.customers c JOIN orders o ON c.id = o.customer_id LEFT JOIN orders dup ON 1=0"
	got := TablesReferenced(sql)
	if len(got) != 2 {
		t.Fatalf("TablesReferenced = %v, want [customers orders]", got)
	}
	if got[0] != "customers" || got[1] != "orders" {
		t.Errorf("TablesReferenced = %v, want [customers orders]", got)
	}
}
