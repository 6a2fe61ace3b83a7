package masking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/inkwell-ai/inkwell/internal/models"
)

// Masker applies a per-connection MaskingPolicy to result rows after
// execution and before they leave the service. Column matching is
// case-insensitive; when a column appears in more than one set the order
// of application is redact, then mask, then hash.

const (
	emailSentinel = "****@****.***"
	phoneSentinel = "***-***-****"
	maskSentinel  = "****"

	hashPrefixLen = 12
)

var (
	emailRe = regexp.MustCompile(`^[a-zA-Z0-9_.%+-]+@[a-zA-Z0-9.-]+$`)
	phoneRe = regexp.MustCompile(`^\+?[0-9][0-9\-\s().]{5,}[0-9]$`)
)

// Masker holds lower-cased lookup sets for one policy.
type Masker struct {
	redact map[string]bool
	mask   map[string]bool
	hash   map[string]bool
}

// New builds a Masker from a policy. A nil or empty policy yields a
// pass-through masker.
func New(policy *models.MaskingPolicy) *Masker {
	m := &Masker{
		redact: toSet(nil),
		mask:   toSet(nil),
		hash:   toSet(nil),
	}
	if policy == nil {
		return m
	}
	m.redact = toSet(policy.RedactColumns)
	m.mask = toSet(policy.MaskColumns)
	m.hash = toSet(policy.HashColumns)
	return m
}

func toSet(cols []string) map[string]bool {
	set := make(map[string]bool, len(cols))
	for _, c := range cols {
		c = strings.TrimSpace(strings.ToLower(c))
		if c != "" {
			set[c] = true
		}
	}
	return set
}

// Empty reports whether the masker has no rules and Apply would be a no-op.
func (m *Masker) Empty() bool {
	return len(m.redact) == 0 && len(m.mask) == 0 && len(m.hash) == 0
}

// Apply transforms rows in place and returns them. Redacted columns are
// dropped from each row; masked and hashed columns keep nulls as nulls.
func (m *Masker) Apply(rows []map[string]interface{}) []map[string]interface{} {
	if m.Empty() || len(rows) == 0 {
		return rows
	}
	for _, row := range rows {
		for col, val := range row {
			key := strings.ToLower(col)
			switch {
			case m.redact[key]:
				delete(row, col)
			case m.mask[key]:
				row[col] = maskValue(val)
			case m.hash[key]:
				row[col] = hashValue(val)
			}
		}
	}
	return rows
}

// Columns filters a column-name list, dropping redacted names so the
// result header matches the rows.
func (m *Masker) Columns(columns []string) []string {
	if len(m.redact) == 0 {
		return columns
	}
	kept := make([]string, 0, len(columns))
	for _, c := range columns {
		if !m.redact[strings.ToLower(c)] {
			kept = append(kept, c)
		}
	}
	return kept
}

func maskValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	s := stringify(v)
	switch {
	case emailRe.MatchString(s):
		return emailSentinel
	case phoneRe.MatchString(s):
		return phoneSentinel
	default:
		return maskSentinel
	}
}

func hashValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	sum := sha256.Sum256([]byte(stringify(v)))
	return hex.EncodeToString(sum[:])[:hashPrefixLen]
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}
