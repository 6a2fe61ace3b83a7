package formatting

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Wire-value encoding for SQL result rows.
//
// database/sql drivers disagree about what they hand back for non-primitive
// column types: lib/pq returns NUMERIC and UUID columns as []byte, mysql
// returns almost everything as []byte, and DATE/TIMESTAMP arrive as
// time.Time only when the driver parses them. EncodeValue folds all of that
// into JSON-safe shapes: dates as ISO 8601 strings, decimals as floats,
// UUIDs as canonical strings, JSON columns inlined, and remaining byte
// blobs as UTF-8 text or hex.

// EncodeValue normalizes a single scanned value. dbType is the driver's
// DatabaseTypeName for the column (may be empty when unknown).
func EncodeValue(v interface{}, dbType string) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return encodeTime(val, dbType)
	case []byte:
		return encodeBytes(val, dbType)
	case string, bool, int, int32, int64, float32, float64:
		return val
	default:
		return val
	}
}

// EncodeRow builds the JSON object for one row. columns, dbTypes and values
// are parallel slices; dbTypes may be nil when column type metadata is
// unavailable.
func EncodeRow(columns []string, dbTypes []string, values []interface{}) map[string]interface{} {
	row := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		if i >= len(values) {
			break
		}
		dbType := ""
		if i < len(dbTypes) {
			dbType = dbTypes[i]
		}
		row[col] = EncodeValue(values[i], dbType)
	}
	return row
}

func encodeTime(t time.Time, dbType string) string {
	if strings.EqualFold(dbType, "DATE") {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}

func encodeBytes(b []byte, dbType string) interface{} {
	switch strings.ToUpper(dbType) {
	case "NUMERIC", "DECIMAL", "DEC", "MONEY", "FLOAT8", "FLOAT4", "DOUBLE", "FLOAT":
		if f, err := strconv.ParseFloat(string(b), 64); err == nil {
			return f
		}
		return string(b)
	case "UUID":
		if u, err := uuid.Parse(string(b)); err == nil {
			return u.String()
		}
		if u, err := uuid.FromBytes(b); err == nil {
			return u.String()
		}
		return string(b)
	case "JSON", "JSONB":
		if json.Valid(b) {
			return json.RawMessage(append([]byte(nil), b...))
		}
		return string(b)
	case "BYTEA", "BLOB", "BINARY", "VARBINARY":
		return encodeBlob(b)
	}

	// Unknown column type: guess from the payload. Decimal detection only
	// fires on strings with a fractional part so mysql text columns that
	// happen to hold digits keep their string identity.
	s := string(b)
	if looksDecimal(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	if len(s) == 36 {
		if u, err := uuid.Parse(s); err == nil {
			return u.String()
		}
	}
	return encodeBlob(b)
}

func encodeBlob(b []byte) interface{} {
	if utf8.Valid(b) {
		return string(b)
	}
	return hex.EncodeToString(b)
}

// looksDecimal reports whether s is a plain signed decimal with a
// fractional part ("-12.5", "0.07"). Exponents, hex and bare integers are
// rejected; typed NUMERIC columns are converted unconditionally above.
func looksDecimal(s string) bool {
	if s == "" {
		return false
	}
	i := 0
	if s[0] == '-' || s[0] == '+' {
		i++
	}
	digits, dot := 0, false
	for ; i < len(s); i++ {
		switch {
		case s[i] >= '0' && s[i] <= '9':
			digits++
		case s[i] == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return dot && digits > 0
}
