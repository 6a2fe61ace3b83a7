package sqlconn

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/models"
)

// DSNParts are the components of a parsed connection URI. Password is
// plaintext here; it is encrypted the moment a connection is saved.
type DSNParts struct {
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// defaultPorts per dialect, applied when the URI leaves the port out.
var defaultPorts = map[string]int{
	models.DialectPostgres: 5432,
	models.DialectMySQL:    3306,
}

// ParseDSN splits a connection URI into components. Accepted schemes:
// postgres:// (postgresql://), mysql://, sqlite:// or sqlite: with a
// filesystem path.
func ParseDSN(raw string) (*DSNParts, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, apperr.New(apperr.Validation, "connection string must not be empty")
	}

	// sqlite URIs carry only a path.
	if rest, ok := strings.CutPrefix(trimmed, "sqlite://"); ok {
		return sqliteParts(rest)
	}
	if rest, ok := strings.CutPrefix(trimmed, "sqlite:"); ok {
		return sqliteParts(rest)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "invalid connection string")
	}

	var dialect string
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		dialect = models.DialectPostgres
	case "mysql":
		dialect = models.DialectMySQL
	case "":
		return nil, apperr.New(apperr.Validation, "connection string is missing a scheme (postgres://, mysql://, sqlite://)")
	default:
		return nil, apperr.New(apperr.Validation, "unsupported database type: %s", u.Scheme)
	}

	parts := &DSNParts{
		Type:     dialect,
		Host:     u.Hostname(),
		Database: strings.TrimPrefix(u.Path, "/"),
	}
	if parts.Host == "" {
		parts.Host = "localhost"
	}
	if parts.Database == "" {
		return nil, apperr.New(apperr.Validation, "connection string is missing a database name")
	}
	if u.User != nil {
		parts.Username = u.User.Username()
		parts.Password, _ = u.User.Password()
	}
	if p := u.Port(); p != "" {
		parts.Port, err = strconv.Atoi(p)
		if err != nil {
			return nil, apperr.New(apperr.Validation, "invalid port %q", p)
		}
	} else {
		parts.Port = defaultPorts[dialect]
	}
	return parts, nil
}

func sqliteParts(path string) (*DSNParts, error) {
	path = strings.TrimSpace(path)
	// A leading extra slash appears in sqlite:///abs/path.
	if strings.HasPrefix(path, "/") && strings.HasPrefix(path[1:], "/") {
		path = path[1:]
	}
	if path == "" {
		return nil, apperr.New(apperr.Validation, "sqlite connection string is missing a file path")
	}
	return &DSNParts{Type: models.DialectSQLite, Database: path}, nil
}

// BuildDSN renders a driver DSN for a stored connection. The password
// is supplied separately because it is never stored in the clear.
func BuildDSN(conn *models.DatabaseConnection, password string, connectTimeoutSeconds int) (driver string, dsn string, err error) {
	if connectTimeoutSeconds <= 0 {
		connectTimeoutSeconds = 30
	}
	switch conn.Type {
	case models.DialectPostgres:
		kv := []string{
			"host=" + pqQuote(conn.Host),
			fmt.Sprintf("port=%d", conn.Port),
			"user=" + pqQuote(conn.Username),
			"dbname=" + pqQuote(conn.Database),
			"sslmode=prefer",
			fmt.Sprintf("connect_timeout=%d", connectTimeoutSeconds),
		}
		if password != "" {
			kv = append(kv, "password="+pqQuote(password))
		}
		if conn.Schema != "" {
			kv = append(kv, "search_path="+pqQuote(conn.Schema))
		}
		return "postgres", strings.Join(kv, " "), nil
	case models.DialectMySQL:
		// parseTime makes DATE/DATETIME scan as time.Time for the wire encoder.
		return "mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&timeout=%ds",
			conn.Username, password, conn.Host, conn.Port, conn.Database, connectTimeoutSeconds), nil
	case models.DialectSQLite:
		// mode=ro enforces read-only at the driver; the sentinel check then
		// simply confirms it.
		return "sqlite3", fmt.Sprintf("file:%s?mode=ro", conn.Database), nil
	default:
		return "", "", apperr.New(apperr.Validation, "unsupported database type: %s", conn.Type)
	}
}

// pqQuote wraps a lib/pq keyword value in single quotes when it needs
// them, escaping embedded quotes and backslashes.
func pqQuote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + replacer.Replace(v) + "'"
}

// quoteIdent quotes an identifier for the given dialect: backticks for
// MySQL, double quotes elsewhere.
func quoteIdent(dialect, name string) string {
	if dialect == models.DialectMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
