package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// ivSize is the GCM nonce length used for new envelopes.
	ivSize = 12

	// tagSize is the GCM authentication tag length.
	tagSize = 16

	// scrypt cost parameters for password-derived keys
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// DefaultKeySalt is used when no salt is configured for password-derived keys.
const DefaultKeySalt = "mcp-authz/storage/v1"

// ErrDecrypt is returned when an envelope cannot be authenticated. It covers a
// wrong key, a tampered ciphertext and a malformed envelope.
var ErrDecrypt = errors.New("decryption failed")

// Encryptor seals data at rest using AES-256-GCM. The envelope format is
// hex(iv):hex(authTag):hex(ciphertext).
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an encryptor from a raw 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: gcm}, nil
}

// NewEncryptorFromPassword derives the key from a password with scrypt.
// An empty salt selects DefaultKeySalt.
func NewEncryptorFromPassword(password, salt string) (*Encryptor, error) {
	key, err := DeriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	return NewEncryptor(key)
}

// DeriveKey derives a 32-byte key from a password using scrypt.
func DeriveKey(password, salt string) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("encryption password is required")
	}
	if salt == "" {
		salt = DefaultKeySalt
	}
	key, err := scrypt.Key([]byte(password), []byte(salt), scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext and returns the hex envelope.
func (e *Encryptor) Seal(plaintext []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	// GCM appends the tag to the ciphertext; the envelope stores it separately.
	sealed := e.aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Open authenticates and decrypts an envelope produced by Seal.
// Any failure is reported as ErrDecrypt and no plaintext is returned.
func (e *Encryptor) Open(envelope string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(envelope), ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed envelope", ErrDecrypt)
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return nil, fmt.Errorf("%w: invalid iv", ErrDecrypt)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: invalid auth tag", ErrDecrypt)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext", ErrDecrypt)
	}

	plaintext, err := e.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecrypt)
	}
	return plaintext, nil
}

// IsEnvelope reports whether data looks like a Seal envelope rather than
// plaintext JSON.
func IsEnvelope(data []byte) bool {
	parts := strings.Split(strings.TrimSpace(string(data)), ":")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts[:2] {
		if _, err := hex.DecodeString(p); err != nil || p == "" {
			return false
		}
	}
	_, err := hex.DecodeString(parts[2])
	return err == nil
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key to base64
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
