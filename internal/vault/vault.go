package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Vault provides authenticated field encryption, one-way hashing, and
// pattern-driven masking for logs and responses.
type Vault struct {
	aead cipher.AEAD
}

var ErrBadKey = errors.New("vault key must be 32 bytes of hex")

// New builds a Vault from a hex-encoded 256-bit key.
func New(keyHex string) (*Vault, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce. Output is
// base64(nonce || ciphertext || tag).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt; tampering with any byte fails authentication.
func (v *Vault) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Hash returns the hex SHA-256 of value, for fields that never need to
// be recovered.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

var fullRedactFields = []string{"pin", "password", "secret", "token", "cvv", "authorization", "credential"}
var partialRedactFields = []string{"account", "card", "phone", "msisdn", "pan", "iban"}

// Mask redacts value according to the shape of its field name: full
// redaction for credential-like fields, last-4 for account-like
// identifiers, domain-preserving for email-shaped values.
func Mask(field, value string) string {
	if value == "" {
		return value
	}
	lower := strings.ToLower(field)
	for _, f := range fullRedactFields {
		if strings.Contains(lower, f) {
			return "[REDACTED]"
		}
	}
	if strings.Contains(lower, "mail") && strings.Count(value, "@") == 1 {
		return maskEmail(value)
	}
	for _, f := range partialRedactFields {
		if strings.Contains(lower, f) {
			return maskSuffix(value, 4)
		}
	}
	return value
}

// MaskMap returns a masked copy of a string map, for structured logging.
func MaskMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = Mask(k, v)
	}
	return out
}

func maskSuffix(value string, keep int) string {
	if len(value) <= keep {
		return strings.Repeat("*", len(value))
	}
	return strings.Repeat("*", len(value)-keep) + value[len(value)-keep:]
}

func maskEmail(value string) string {
	at := strings.Index(value, "@")
	if at <= 0 {
		return "[REDACTED]"
	}
	local := value[:at]
	if len(local) == 1 {
		return "*" + value[at:]
	}
	return local[:1] + strings.Repeat("*", len(local)-1) + value[at:]
}
