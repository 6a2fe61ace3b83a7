// Package schema introspects target databases (postgres, mysql, sqlite),
// detects structural change through cheap fingerprints, and links
// questions to the subset of tables they need.
package schema

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/formatting"
	pmetrics "github.com/inkwell-ai/inkwell/internal/metrics"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/util"
)

// Introspector reads table, column and relationship structure from a
// live target database. It is stateless; the Service layers caching on
// top.
type Introspector struct {
	sampleLimit int
	logger      *zap.Logger
}

// NewIntrospector builds an introspector. sampleLimit caps how many
// distinct sample values are kept per column when sampling is requested.
func NewIntrospector(sampleLimit int, logger *zap.Logger) *Introspector {
	if sampleLimit <= 0 {
		sampleLimit = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Introspector{sampleLimit: sampleLimit, logger: logger}
}

// Fingerprint computes a cheap hash of (table name, column count) pairs in
// deterministic order. It is fast enough to run before every cache-expired
// introspection; a changed fingerprint means the full pass must rerun.
func (in *Introspector) Fingerprint(ctx context.Context, db *sqlx.DB, dialect string) (string, error) {
	pairs, err := in.tableColumnCounts(ctx, db, dialect)
	if err != nil {
		return "", fmt.Errorf("schema fingerprint (%s): %w", dialect, err)
	}

	h := md5.New()
	for _, p := range pairs {
		fmt.Fprintf(h, "%s:%d;", p.name, p.columns)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type tableCount struct {
	name    string
	columns int
}

func (in *Introspector) tableColumnCounts(ctx context.Context, db *sqlx.DB, dialect string) ([]tableCount, error) {
	switch dialect {
	case models.DialectPostgres:
		return scanTableCounts(ctx, db, `
			SELECT table_name, COUNT(*) AS column_count
			FROM information_schema.columns
			WHERE table_schema = 'public'
			GROUP BY table_name
			ORDER BY table_name`)
	case models.DialectMySQL:
		return scanTableCounts(ctx, db, `
			SELECT TABLE_NAME, COUNT(*) AS column_count
			FROM information_schema.COLUMNS
			WHERE TABLE_SCHEMA = DATABASE()
			GROUP BY TABLE_NAME
			ORDER BY TABLE_NAME`)
	case models.DialectSQLite:
		names, err := sqliteTableNames(ctx, db)
		if err != nil {
			return nil, err
		}
		pairs := make([]tableCount, 0, len(names))
		for _, name := range names {
			cols, err := sqliteColumns(ctx, db, name)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, tableCount{name: name, columns: len(cols)})
		}
		return pairs, nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}

func scanTableCounts(ctx context.Context, db *sqlx.DB, query string) ([]tableCount, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []tableCount
	for rows.Next() {
		var p tableCount
		if err := rows.Scan(&p.name, &p.columns); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// Introspect runs the full pass: columns with key flags, relationships and
// approximate row counts. Sample values are collected only when
// withSamples is set; they cost one extra query per table.
func (in *Introspector) Introspect(ctx context.Context, db *sqlx.DB, dialect, dbName string, withSamples bool) (*models.SchemaInfo, error) {
	start := time.Now()

	var (
		info *models.SchemaInfo
		err  error
	)
	switch dialect {
	case models.DialectPostgres:
		info, err = in.introspectPostgres(ctx, db)
	case models.DialectMySQL:
		info, err = in.introspectMySQL(ctx, db)
	case models.DialectSQLite:
		info, err = in.introspectSQLite(ctx, db)
	default:
		err = fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		pmetrics.SchemaIntrospections.WithLabelValues(dialect, "error").Inc()
		return nil, err
	}

	info.DatabaseName = dbName
	info.CachedAt = time.Now()
	if info.Fingerprint, err = in.Fingerprint(ctx, db, dialect); err != nil {
		// The structure was just read successfully; a failing fingerprint
		// only disables change detection until the next pass.
		in.logger.Warn("fingerprint after introspection failed", zap.Error(err))
		info.Fingerprint = ""
	}

	markForeignKeys(info)

	if withSamples {
		in.collectSamples(ctx, db, dialect, info)
	}

	pmetrics.SchemaIntrospections.WithLabelValues(dialect, "ok").Inc()
	in.logger.Info("schema introspected",
		zap.String("dialect", dialect),
		zap.String("database", dbName),
		zap.Int("tables", len(info.Tables)),
		zap.Int("relationships", len(info.Relationships)),
		zap.Duration("took", time.Since(start)),
	)
	return info, nil
}

func (in *Introspector) introspectPostgres(ctx context.Context, db *sqlx.DB) (*models.SchemaInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.table_name,
		       c.column_name,
		       c.data_type,
		       c.is_nullable = 'YES',
		       COALESCE(col_description(to_regclass(quote_ident(c.table_schema) || '.' || quote_ident(c.table_name)), c.ordinal_position), '')
		FROM information_schema.columns c
		WHERE c.table_schema = 'public'
		ORDER BY c.table_name, c.ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("postgres columns: %w", err)
	}
	info, err := scanColumns(rows)
	if err != nil {
		return nil, err
	}

	pkRows, err := db.QueryContext(ctx, `
		SELECT kcu.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = 'public'`)
	if err != nil {
		return nil, fmt.Errorf("postgres primary keys: %w", err)
	}
	if err := applyPrimaryKeys(info, pkRows); err != nil {
		return nil, err
	}

	fkRows, err := db.QueryContext(ctx, `
		SELECT kcu.table_name, kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name
		 AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = 'public'`)
	if err != nil {
		return nil, fmt.Errorf("postgres foreign keys: %w", err)
	}
	if err := scanForeignKeys(info, fkRows); err != nil {
		return nil, err
	}

	// Planner statistics are approximate but avoid COUNT(*) table scans.
	countRows, err := db.QueryContext(ctx, `
		SELECT c.relname, GREATEST(c.reltuples, 0)::bigint
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = 'public' AND c.relkind = 'r'`)
	if err != nil {
		in.logger.Warn("postgres row estimates unavailable", zap.Error(err))
		return info, nil
	}
	defer countRows.Close()
	for countRows.Next() {
		var name string
		var count int64
		if err := countRows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("postgres row estimates: %w", err)
		}
		if t := info.FindTable(name); t != nil {
			t.RowCount = count
		}
	}
	return info, countRows.Err()
}

func (in *Introspector) introspectMySQL(ctx context.Context, db *sqlx.DB) (*models.SchemaInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT TABLE_NAME,
		       COLUMN_NAME,
		       DATA_TYPE,
		       IS_NULLABLE = 'YES',
		       COALESCE(COLUMN_COMMENT, '')
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE()
		ORDER BY TABLE_NAME, ORDINAL_POSITION`)
	if err != nil {
		return nil, fmt.Errorf("mysql columns: %w", err)
	}
	info, err := scanColumns(rows)
	if err != nil {
		return nil, err
	}

	pkRows, err := db.QueryContext(ctx, `
		SELECT TABLE_NAME, COLUMN_NAME
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND COLUMN_KEY = 'PRI'`)
	if err != nil {
		return nil, fmt.Errorf("mysql primary keys: %w", err)
	}
	if err := applyPrimaryKeys(info, pkRows); err != nil {
		return nil, err
	}

	fkRows, err := db.QueryContext(ctx, `
		SELECT TABLE_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
		FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = DATABASE() AND REFERENCED_TABLE_NAME IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("mysql foreign keys: %w", err)
	}
	if err := scanForeignKeys(info, fkRows); err != nil {
		return nil, err
	}

	countRows, err := db.QueryContext(ctx, `
		SELECT TABLE_NAME, COALESCE(TABLE_ROWS, 0)
		FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = DATABASE()`)
	if err != nil {
		in.logger.Warn("mysql row estimates unavailable", zap.Error(err))
		return info, nil
	}
	defer countRows.Close()
	for countRows.Next() {
		var name string
		var count int64
		if err := countRows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("mysql row estimates: %w", err)
		}
		if t := info.FindTable(name); t != nil {
			t.RowCount = count
		}
	}
	return info, countRows.Err()
}

func (in *Introspector) introspectSQLite(ctx context.Context, db *sqlx.DB) (*models.SchemaInfo, error) {
	names, err := sqliteTableNames(ctx, db)
	if err != nil {
		return nil, err
	}

	info := &models.SchemaInfo{}
	for _, name := range names {
		cols, err := sqliteColumns(ctx, db, name)
		if err != nil {
			return nil, err
		}
		table := models.TableInfo{Name: name, Columns: cols}

		// SQLite keeps no cheap statistics; COUNT(*) is the fallback.
		var count int64
		if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(name))).Scan(&count); err == nil {
			table.RowCount = count
		}
		info.Tables = append(info.Tables, table)

		fks, err := sqliteForeignKeys(ctx, db, name)
		if err != nil {
			return nil, err
		}
		info.Relationships = append(info.Relationships, fks...)
	}
	return info, nil
}

func sqliteTableNames(ctx context.Context, db *sqlx.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlite tables: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func sqliteColumns(ctx context.Context, db *sqlx.DB, table string) ([]models.ColumnInfo, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("sqlite table_info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []models.ColumnInfo
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("sqlite table_info %s: %w", table, err)
		}
		cols = append(cols, models.ColumnInfo{
			Name:       name,
			Type:       strings.ToLower(ctype),
			Nullable:   notNull == 0,
			PrimaryKey: pk > 0,
		})
	}
	return cols, rows.Err()
}

func sqliteForeignKeys(ctx context.Context, db *sqlx.DB, table string) ([]models.ForeignKey, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("sqlite foreign_key_list %s: %w", table, err)
	}
	defer rows.Close()

	var fks []models.ForeignKey
	for rows.Next() {
		var (
			id, seq                  int
			refTable, from           string
			to                       sql.NullString
			onUpdate, onDelete, mtch string
		)
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &mtch); err != nil {
			return nil, fmt.Errorf("sqlite foreign_key_list %s: %w", table, err)
		}
		fks = append(fks, models.ForeignKey{
			FromTable:  table,
			FromColumn: from,
			ToTable:    refTable,
			ToColumn:   to.String,
		})
	}
	return fks, rows.Err()
}

// scanColumns folds (table, column, type, nullable, comment) rows into
// tables in arrival order, which each dialect query keeps deterministic.
func scanColumns(rows *sql.Rows) (*models.SchemaInfo, error) {
	defer rows.Close()

	info := &models.SchemaInfo{}
	index := map[string]int{}
	for rows.Next() {
		var (
			table, column, dataType, comment string
			nullable                         bool
		)
		if err := rows.Scan(&table, &column, &dataType, &nullable, &comment); err != nil {
			return nil, fmt.Errorf("scan columns: %w", err)
		}
		i, ok := index[table]
		if !ok {
			info.Tables = append(info.Tables, models.TableInfo{Name: table})
			i = len(info.Tables) - 1
			index[table] = i
		}
		info.Tables[i].Columns = append(info.Tables[i].Columns, models.ColumnInfo{
			Name:     column,
			Type:     strings.ToLower(dataType),
			Nullable: nullable,
			Comment:  comment,
		})
	}
	return info, rows.Err()
}

func applyPrimaryKeys(info *models.SchemaInfo, rows *sql.Rows) error {
	defer rows.Close()
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return fmt.Errorf("scan primary keys: %w", err)
		}
		setColumnFlag(info, table, column, func(c *models.ColumnInfo) {
			c.PrimaryKey = true
		})
	}
	return rows.Err()
}

func scanForeignKeys(info *models.SchemaInfo, rows *sql.Rows) error {
	defer rows.Close()
	for rows.Next() {
		var fk models.ForeignKey
		if err := rows.Scan(&fk.FromTable, &fk.FromColumn, &fk.ToTable, &fk.ToColumn); err != nil {
			return fmt.Errorf("scan foreign keys: %w", err)
		}
		info.Relationships = append(info.Relationships, fk)
	}
	return rows.Err()
}

// markForeignKeys writes "table.column" references onto the originating
// columns so formatted schemas show the join targets inline.
func markForeignKeys(info *models.SchemaInfo) {
	for _, fk := range info.Relationships {
		setColumnFlag(info, fk.FromTable, fk.FromColumn, func(c *models.ColumnInfo) {
			c.ForeignKey = fk.ToTable + "." + fk.ToColumn
		})
	}
}

func setColumnFlag(info *models.SchemaInfo, table, column string, apply func(*models.ColumnInfo)) {
	t := info.FindTable(table)
	if t == nil {
		return
	}
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, column) {
			apply(&t.Columns[i])
			return
		}
	}
}

// binary and large-object types are skipped when sampling values.
var unsampleableTypes = map[string]bool{
	"bytea": true, "blob": true, "binary": true, "varbinary": true,
	"image": true, "tinyblob": true, "mediumblob": true, "longblob": true,
}

// collectSamples reads up to sampleLimit rows per table in one query and
// keeps distinct non-null stringified values per column. Failures are
// logged and skipped; samples are best-effort.
func (in *Introspector) collectSamples(ctx context.Context, db *sqlx.DB, dialect string, info *models.SchemaInfo) {
	for ti := range info.Tables {
		t := &info.Tables[ti]
		query := fmt.Sprintf(`SELECT * FROM %s LIMIT %d`, quoteIdentDialect(dialect, t.Name), in.sampleLimit)
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			in.logger.Debug("sample values unavailable",
				zap.String("table", t.Name), zap.Error(err))
			continue
		}
		samples := in.scanSamples(rows, t)
		rows.Close()
		if len(samples) > 0 {
			t.SampleValues = samples
		}
	}
}

func (in *Introspector) scanSamples(rows *sql.Rows, t *models.TableInfo) map[string][]string {
	cols, err := rows.Columns()
	if err != nil {
		return nil
	}

	skip := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if unsampleableTypes[c.Type] {
			skip[strings.ToLower(c.Name)] = true
		}
	}

	samples := map[string][]string{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return samples
		}
		for i, col := range cols {
			if skip[strings.ToLower(col)] || vals[i] == nil {
				continue
			}
			v := formatting.EncodeValue(vals[i], "")
			s := util.TruncateString(fmt.Sprintf("%v", v), 40, false)
			if s == "" || util.ContainsString(samples[col], s) {
				continue
			}
			if len(samples[col]) < in.sampleLimit {
				samples[col] = append(samples[col], s)
			}
		}
	}
	return samples
}

// quoteIdent wraps an identifier in double quotes, the form postgres and
// sqlite accept natively. Identifiers come from the database's own
// catalog, never from user input.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdentDialect(dialect, name string) string {
	if dialect == models.DialectMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return quoteIdent(name)
}

// SortTables orders tables by name for deterministic prompts.
func SortTables(info *models.SchemaInfo) {
	sort.Slice(info.Tables, func(i, j int) bool {
		return info.Tables[i].Name < info.Tables[j].Name
	})
}
