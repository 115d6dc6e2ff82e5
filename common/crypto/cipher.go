package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 100_000
	keyLength     = 32
)

// keySalt is fixed so every process derives the same symmetric key from the
// shared master secret. Rotating the master secret re-encrypts on next write.
var keySalt = []byte("conductor.credential.v1")

// Cipher encrypts and decrypts credential material with AES-256-GCM.
// The key is derived once from the master secret via PBKDF2-SHA256.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the symmetric key from the master secret and prepares the
// AEAD. The master secret must be at least 32 bytes.
func NewCipher(masterSecret string) (*Cipher, error) {
	if len(masterSecret) < keyLength {
		return nil, fmt.Errorf("master secret must be at least %d bytes, got %d", keyLength, len(masterSecret))
	}

	key := pbkdf2.Key([]byte(masterSecret), keySalt, keyIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// DigestPrefix returns the first 8 hex chars of SHA-256(value). Logs and
// execution records reference secrets only through this prefix.
func DigestPrefix(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:8]
}
