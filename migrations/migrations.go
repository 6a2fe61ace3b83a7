// Package migrations embeds the SQL schema for every store this service
// owns. Files are named <scope>_<seq>_<name>.up.sql; each store applies
// only its own scope, so the app database never grows vector tables and
// vice versa. Applied IDs are tracked per database in
// inkwell_schema_migrations.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var migrationsFS embed.FS

// Migration is one embedded schema step.
type Migration struct {
	ID    string
	Scope string
	SQL   string
}

// ForScope returns the scope's migrations in ID order.
func ForScope(scope string) ([]Migration, error) {
	paths, err := fs.Glob(migrationsFS, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var out []Migration
	for _, path := range paths {
		id := strings.TrimSuffix(path, ".up.sql")
		s, _, found := strings.Cut(id, "_")
		if !found || s != scope {
			continue
		}
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		out = append(out, Migration{ID: id, Scope: s, SQL: string(data)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Apply runs the scope's pending migrations against db. Params substitute
// {{name}} tokens in the SQL before execution, which is how the vector
// table name, embedding dimension and index list count reach the DDL.
func Apply(ctx context.Context, db *sql.DB, scope string, params map[string]string) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS inkwell_schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create inkwell_schema_migrations: %w", err)
	}

	pending, err := ForScope(scope)
	if err != nil {
		return err
	}

	applied, err := appliedIDs(ctx, db)
	if err != nil {
		return err
	}

	replacer := buildReplacer(params)
	for _, m := range pending {
		if applied[m.ID] {
			continue
		}

		stmt := replacer.Replace(m.SQL)
		if strings.TrimSpace(stmt) == "" {
			return fmt.Errorf("empty migration %s", m.ID)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO inkwell_schema_migrations (id) VALUES ($1)`, m.ID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.ID, err)
		}
	}

	return nil
}

func appliedIDs(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM inkwell_schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query inkwell_schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan inkwell_schema_migrations: %w", err)
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inkwell_schema_migrations: %w", err)
	}
	return applied, nil
}

func buildReplacer(params map[string]string) *strings.Replacer {
	pairs := make([]string, 0, len(params)*2)
	for k, v := range params {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...)
}
