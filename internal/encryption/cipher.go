// Package encryption provides at-rest encryption for driver credentials.
//
// Storage config JSON blobs carry provider secrets (S3 keys, WebDAV
// passwords). Those fields are encrypted with AES-256-GCM under a key
// derived from ENCRYPTION_SECRET and only decrypted lazily when a driver
// is materialized.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters follow the library-recommended interactive defaults.
const (
	scryptN = 32768
	scryptR = 8
	scryptP = 1
	keyLen  = 32
)

// keySalt is a fixed application salt. The secret itself is the only
// confidential input; the salt just domain-separates the derived key.
var keySalt = []byte("cloudpaste.storage-config.v1")

// Cipher encrypts and decrypts short secret strings.
type Cipher struct {
	aead cipher.AEAD
}

// New derives the AEAD key from secret and returns a ready cipher.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption secret must not be empty")
	}

	key, err := scrypt.Key([]byte(secret), keySalt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// EncryptString seals plaintext and returns base64(nonce || ciphertext).
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func (c *Cipher) DecryptString(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid encrypted value: %w", err)
	}

	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("invalid encrypted value: too short")
	}

	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value: %w", err)
	}

	return string(plain), nil
}
