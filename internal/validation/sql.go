package validation

import (
	"regexp"
	"strings"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/models"
)

// Three validation layers guard the NL-to-SQL path. User input is checked
// before any model call, generated SQL before EXPLAIN/execute, and schema
// references once a schema is linked. All failures carry the Validation
// error kind so the HTTP layer maps them to 400s.

// forbiddenOps are statement keywords that must never appear in generated
// SQL, word-bounded and case-insensitive.
var forbiddenOps = []string{
	"DROP", "DELETE", "TRUNCATE", "ALTER", "INSERT", "UPDATE", "CREATE",
	"GRANT", "REVOKE", "EXEC", "EXECUTE", "CALL", "BEGIN", "COMMIT",
	"ROLLBACK", "SAVEPOINT", "LOCK", "UNLOCK",
}

var forbiddenRe = regexp.MustCompile(`(?i)\b(` + strings.Join(forbiddenOps, "|") + `)\b`)

// injectionPatterns are matched case-insensitively against both user input
// and generated SQL.
var injectionPatterns = []string{
	"';--",
	"UNION SELECT",
	"OR 1=1",
	"/*",
	"SLEEP(",
	"PG_SLEEP(",
	"WAITFOR DELAY",
	"BENCHMARK(",
	"LOAD_FILE(",
	"INTO OUTFILE",
	"INTO DUMPFILE",
	"XP_CMDSHELL",
}

var stackedStatementRe = regexp.MustCompile(`(?i);\s*(DROP|DELETE|TRUNCATE|ALTER|INSERT|UPDATE|CREATE|GRANT|REVOKE|EXEC|EXECUTE)\b`)

var rawSQLPrefixes = []string{"SELECT", "DROP", "DELETE", "INSERT", "UPDATE"}

// ValidateUserInput rejects empty questions, raw SQL pasted as a question,
// and injection-looking input. Runs before any LLM call.
func ValidateUserInput(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return apperr.New(apperr.Validation, "query must not be empty")
	}

	upper := strings.ToUpper(trimmed)
	firstWord := upper
	if i := strings.IndexAny(upper, " \t\n"); i > 0 {
		firstWord = upper[:i]
	}
	for _, prefix := range rawSQLPrefixes {
		if firstWord == prefix {
			return apperr.New(apperr.Validation, "raw SQL is not accepted; describe the question in natural language")
		}
	}

	if p := matchInjection(upper); p != "" {
		return apperr.New(apperr.Validation, "query contains a disallowed pattern: %s", p)
	}
	if stackedStatementRe.MatchString(trimmed) {
		return apperr.New(apperr.Validation, "query contains a disallowed pattern: stacked statement")
	}
	return nil
}

// ValidateSQL enforces the generated-SQL layer: SELECT/WITH only, no
// forbidden operations, no injection patterns, single statement.
func ValidateSQL(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return apperr.New(apperr.Validation, "generated SQL is empty")
	}

	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return apperr.New(apperr.Validation, "only SELECT statements are allowed")
	}

	if m := forbiddenRe.FindStringSubmatch(trimmed); m != nil {
		return apperr.New(apperr.Validation, "Query contains forbidden operation: %s", strings.ToUpper(m[1]))
	}

	if p := matchInjection(upper); p != "" {
		return apperr.New(apperr.Validation, "Query contains suspicious pattern: %s", p)
	}

	// Semicolons are only tolerated as a trailing terminator.
	body := strings.TrimRight(trimmed, "; \t\r\n")
	if strings.Contains(body, ";") {
		return apperr.New(apperr.Validation, "multiple SQL statements are not allowed")
	}
	return nil
}

// ValidateSchemaRefs checks that every table referenced after FROM/JOIN
// exists in the schema, and that qualified column references resolve.
// CTE names introduced by the statement itself are exempt.
func ValidateSchemaRefs(sql string, schema *models.SchemaInfo) error {
	if schema == nil || len(schema.Tables) == 0 {
		return nil
	}

	ctes := cteNames(sql)
	for _, table := range TablesReferenced(sql) {
		if ctes[strings.ToLower(table)] {
			continue
		}
		if schema.FindTable(table) == nil {
			return apperr.New(apperr.Validation, "unknown table: %s", table)
		}
	}

	for _, ref := range columnRefs(sql) {
		if ctes[strings.ToLower(ref.table)] {
			continue
		}
		t := schema.FindTable(ref.table)
		if t == nil {
			// Alias or unknown qualifier; only known tables are checked.
			continue
		}
		if !t.HasColumn(ref.column) {
			return apperr.New(apperr.Validation, "unknown column: %s.%s", ref.table, ref.column)
		}
	}
	return nil
}

func matchInjection(upperSQL string) string {
	for _, p := range injectionPatterns {
		if strings.Contains(upperSQL, p) {
			return p
		}
	}
	return ""
}

var tableRefRe = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)

// TablesReferenced extracts the table names that follow FROM and JOIN
// keywords, unqualified and deduplicated in order of first appearance.
func TablesReferenced(sql string) []string {
	seen := make(map[string]bool)
	var tables []string
	for _, m := range tableRefRe.FindAllStringSubmatch(sql, -1) {
		name := m[1]
		// Strip a schema qualifier: "public.users" -> "users".
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		key := strings.ToLower(name)
		if name != "" && !seen[key] {
			seen[key] = true
			tables = append(tables, name)
		}
	}
	return tables
}

var cteRe = regexp.MustCompile(`(?i)\b([a-zA-Z_][a-zA-Z0-9_]*)\s+AS\s*\(`)

func cteNames(sql string) map[string]bool {
	names := make(map[string]bool)
	for _, m := range cteRe.FindAllStringSubmatch(sql, -1) {
		names[strings.ToLower(m[1])] = true
	}
	return names
}

type columnRef struct {
	table  string
	column string
}

var columnRefRe = regexp.MustCompile(`\b([a-zA-Z_][a-zA-Z0-9_]*)\.([a-zA-Z_][a-zA-Z0-9_]*)\b`)

func columnRefs(sql string) []columnRef {
	var refs []columnRef
	for _, m := range columnRefRe.FindAllStringSubmatch(sql, -1) {
		refs = append(refs, columnRef{table: m[1], column: m[2]})
	}
	return refs
}
