package models

import (
	"strings"
	"time"
)

// Supported external database dialects
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

// DatabaseConnection is a stored pointer to an external database. The
// password is held only as ciphertext; plaintext exists transiently while
// opening a pool.
type DatabaseConnection struct {
	ID                 string         `json:"id" db:"id"`
	Name               string         `json:"name" db:"name"`
	Type               string         `json:"type" db:"type"`
	Host               string         `json:"host" db:"host"`
	Port               int            `json:"port" db:"port"`
	Database           string         `json:"database" db:"database_name"`
	Username           string         `json:"username" db:"username"`
	PasswordCiphertext string         `json:"-" db:"password_ciphertext"`
	Schema             string         `json:"schema,omitempty" db:"schema_name"`
	MaskingPolicy      *MaskingPolicy `json:"masking_policy,omitempty"`
	UserID             string         `json:"user_id" db:"user_id"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	LastUsedAt         *time.Time     `json:"last_used_at,omitempty" db:"last_used_at"`
}

// MaskingPolicy holds three disjoint sets of column names. Redact wins
// over mask, mask over hash, when a column appears in more than one set.
type MaskingPolicy struct {
	MaskColumns   []string `json:"mask_columns"`
	RedactColumns []string `json:"redact_columns"`
	HashColumns   []string `json:"hash_columns"`
}

// IsEmpty reports whether no masking rules are configured.
func (p *MaskingPolicy) IsEmpty() bool {
	return p == nil || (len(p.MaskColumns) == 0 && len(p.RedactColumns) == 0 && len(p.HashColumns) == 0)
}

// FewShotExample is a stored (natural question, SQL) pair used to prime
// generation. Similarity is populated at retrieval time.
type FewShotExample struct {
	ID         string    `json:"id" db:"id"`
	Question   string    `json:"natural_question" db:"natural_question"`
	SQL        string    `json:"sql" db:"sql_query"`
	SQLContext string    `json:"sql_context,omitempty" db:"sql_context"`
	Complexity string    `json:"complexity,omitempty" db:"complexity"`
	Domain     string    `json:"domain,omitempty" db:"domain"`
	Embedding  []float32 `json:"-"`
	Similarity float64   `json:"similarity,omitempty"`
}

// Few-shot complexity buckets
const (
	ComplexityBasic       = "basic"
	ComplexityJoins       = "joins"
	ComplexityAggregation = "aggregation"
	ComplexitySubqueries  = "subqueries"
	ComplexityWindow      = "window"
)

// SQLChatSession is the in-process state of one SQL chat. Only the
// connection persists; sessions last the process.
type SQLChatSession struct {
	SessionID    string        `json:"session_id"`
	UserID       string        `json:"user_id"`
	ConnectionID string        `json:"connection_id"`
	Schema       *SchemaInfo   `json:"-"`
	Status       string        `json:"status"`
	QueryHistory []QueryResult `json:"query_history,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastQueryAt  *time.Time    `json:"last_query_at,omitempty"`
}

// ValidDialect reports whether t names a supported dialect.
func ValidDialect(t string) bool {
	switch strings.ToLower(t) {
	case DialectPostgres, DialectMySQL, DialectSQLite:
		return true
	}
	return false
}
