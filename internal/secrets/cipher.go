// Package secrets provides credential encryption, password hashing, and
// secure token generation for the gateway.
//
// Backend credentials are stored in the registry encrypted at rest as
// base64(salt || iv || ciphertext), where the 256-bit AES-GCM key is derived
// from a shared secret with PBKDF2-HMAC-SHA256.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/vyrodovalexey/avregw/internal/observability"
)

// Encryption format constants. These must not change: the registration
// tooling and the gateway have to agree on the exact layout.
const (
	saltSize = 16
	ivSize   = 12
	keySize  = 32

	// pbkdf2Iterations is the PBKDF2-HMAC-SHA256 iteration count used for
	// key derivation on both encrypt and decrypt.
	pbkdf2Iterations = 100000

	// tokenBytes is the entropy of generated session tokens.
	tokenBytes = 32
)

// Cipher encrypts and decrypts backend credentials with a shared secret.
type Cipher struct {
	secret []byte
	logger observability.Logger
}

// CipherOption is a functional option for configuring the cipher.
type CipherOption func(*Cipher)

// WithCipherLogger sets the logger for the cipher.
func WithCipherLogger(logger observability.Logger) CipherOption {
	return func(c *Cipher) {
		c.logger = logger
	}
}

// NewCipher creates a cipher using the given shared secret.
func NewCipher(secret string, opts ...CipherOption) *Cipher {
	c := &Cipher{
		secret: []byte(secret),
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Decrypt decodes and decrypts an encrypted credential.
//
// On any failure (malformed base64, input shorter than salt+iv, GCM
// authentication mismatch) the original encoded string is returned unchanged
// and a warning is logged. A credential that was stored unencrypted, or
// encrypted under a different key, degrades to being used verbatim instead
// of blocking the cache load.
func (c *Cipher) Decrypt(encoded string) string {
	plaintext, err := c.decrypt(encoded)
	if err != nil {
		c.logger.Warn("credential decryption failed, using stored value as-is",
			observability.Error(err),
		)
		return encoded
	}
	return plaintext
}

func (c *Cipher) decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode credential: %w", err)
	}

	if len(raw) < saltSize+ivSize {
		return "", fmt.Errorf("credential too short: %d bytes", len(raw))
	}

	salt := raw[:saltSize]
	iv := raw[saltSize : saltSize+ivSize]
	ciphertext := raw[saltSize+ivSize:]

	gcm, err := c.deriveGCM(salt)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}

	return string(plaintext), nil
}

// Encrypt encrypts a plaintext credential into the at-rest format. A fresh
// random salt and IV are generated per call, so encrypting the same value
// twice yields different outputs.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	gcm, err := c.deriveGCM(salt)
	if err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nil, iv, []byte(plaintext), nil)

	raw := make([]byte, 0, saltSize+ivSize+len(ciphertext))
	raw = append(raw, salt...)
	raw = append(raw, iv...)
	raw = append(raw, ciphertext...)

	return base64.StdEncoding.EncodeToString(raw), nil
}

// deriveGCM derives the AES-256-GCM AEAD for the given salt.
func (c *Cipher) deriveGCM(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.secret, salt, pbkdf2Iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return gcm, nil
}

// HashPassword returns the base64-encoded SHA-256 digest of a password.
// One-way; only ever compared against a stored digest.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return base64.StdEncoding.EncodeToString(sum[:])
}

var tokenSanitizer = strings.NewReplacer("+", "", "/", "", "=", "")

// GenerateSecureToken returns an unguessable bearer token: 32 bytes from a
// cryptographically secure RNG, base64-encoded with padding and
// URL-unfriendly characters stripped.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return tokenSanitizer.Replace(base64.StdEncoding.EncodeToString(buf)), nil
}
