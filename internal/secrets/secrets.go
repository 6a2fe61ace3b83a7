package secrets

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// defaultDevSecret is used when SQL_CHAT_ENCRYPTION_KEY is not configured.
// Fine for local development, useless for anything reachable from outside.
const defaultDevSecret = "inkwell-dev-secret-change-in-production"

// Cipher encrypts and decrypts stored connection passwords as Fernet
// tokens. The Fernet key is the SHA-256 digest of the configured secret,
// so any passphrase works and the same passphrase always derives the same
// key across restarts.
type Cipher struct {
	key *fernet.Key
}

// NewCipher derives a cipher from the configured secret. An empty secret
// falls back to the development default.
func NewCipher(secret string) *Cipher {
	if secret == "" {
		secret = defaultDevSecret
	}
	sum := sha256.Sum256([]byte(secret))
	var k fernet.Key
	copy(k[:], sum[:])
	return &Cipher{key: &k}
}

// UsingDevDefault reports whether the given secret would fall back to the
// built-in development key.
func UsingDevDefault(secret string) bool {
	return secret == "" || secret == defaultDevSecret
}

// Encrypt returns the Fernet token for plaintext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), c.key)
	if err != nil {
		return "", fmt.Errorf("encrypt secret: %w", err)
	}
	return string(tok), nil
}

// Decrypt verifies and decrypts a Fernet token. Tokens never expire;
// stored connection passwords stay valid until the connection is deleted.
func (c *Cipher) Decrypt(token string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{c.key})
	if msg == nil {
		return "", errors.New("invalid or corrupted ciphertext")
	}
	return string(msg), nil
}
