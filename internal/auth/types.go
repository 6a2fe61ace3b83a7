package auth

import "time"

// UserContext is the authenticated identity a request carries. UserID is
// the scoping key the stores filter on; nothing here implies roles.
type UserContext struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name,omitempty"`
	IsAPIKey bool   `json:"is_api_key"`

	// APIKeyID is set when the identity came from a stored key row.
	APIKeyID string `json:"api_key_id,omitempty"`
}

// APIKey is a stored key for programmatic access. The plaintext key is
// returned exactly once at creation; only its SHA-256 hash persists.
type APIKey struct {
	ID        string     `json:"id" db:"id"`
	KeyHash   string     `json:"-" db:"key_hash"`
	KeyPrefix string     `json:"key_prefix" db:"key_prefix"`
	UserID    string     `json:"user_id" db:"user_id"`
	Name      string     `json:"name" db:"name"`
	IsActive  bool       `json:"is_active" db:"is_active"`
	LastUsed  *time.Time `json:"last_used,omitempty" db:"last_used"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
