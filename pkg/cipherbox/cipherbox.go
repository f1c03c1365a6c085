// Package cipherbox encrypts provider secrets at rest and signs data with
// keys derived from a single master secret.
package cipherbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

var (
	// ErrDecryptionFailed is returned for any ciphertext that cannot be
	// authenticated: tampering, a different key, or malformed input.
	ErrDecryptionFailed = errors.New("cipherbox: decryption failed")

	// ErrEmptyInput is returned when asked to encrypt an empty secret.
	ErrEmptyInput = errors.New("cipherbox: empty input")
)

// keySalt is fixed so the same master secret always yields the same keys
// across restarts and replicas.
var keySalt = []byte("ledgerowl/cipherbox/v1")

const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	keyLen   = 32
	nonceLen = 12
	tagLen   = 16

	minSecretLen = 16
)

// Box holds the derived encryption and signing keys. It is safe for
// concurrent use.
type Box struct {
	aead    cipher.AEAD
	signKey []byte
}

// New derives an AES-256-GCM key and an HMAC-SHA256 key from secret with
// scrypt. Derivation is deliberately slow; construct one Box per process.
func New(secret string) (*Box, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("cipherbox: master secret must be at least %d bytes, got %d", minSecretLen, len(secret))
	}

	derived, err := scrypt.Key([]byte(secret), keySalt, scryptN, scryptR, scryptP, 2*keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving keys: %w", err)
	}

	block, err := aes.NewCipher(derived[:keyLen])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Box{aead: aead, signKey: derived[keyLen:]}, nil
}

// Encrypt seals plaintext and returns base64(nonce ‖ tag ‖ ciphertext).
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyInput
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	// Seal returns ciphertext ‖ tag; reorder so the tag follows the nonce.
	sealed := b.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, nonceLen+tagLen+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It never returns partial plaintext: every
// failure is reported as ErrDecryptionFailed.
func (b *Box) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if len(raw) <= nonceLen+tagLen {
		return "", ErrDecryptionFailed
	}

	nonce := raw[:nonceLen]
	tag := raw[nonceLen : nonceLen+tagLen]
	ct := raw[nonceLen+tagLen:]

	sealed := make([]byte, 0, len(ct)+tagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Sign returns the hex-encoded HMAC-SHA256 of data under the box signing key.
func (b *Box) Sign(data []byte) string {
	return hex.EncodeToString(HMACSHA256(b.signKey, data))
}

// VerifySignature reports whether signature is the hex HMAC of data.
func (b *Box) VerifySignature(data []byte, signature string) bool {
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return Equal(HMACSHA256(b.signKey, data), provided)
}

// HMACSHA256 computes the raw HMAC-SHA256 of data with key.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Equal compares a and b in constant time. Buffers of different length are
// rejected up front so the comparison itself always scans equal-length input.
func Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// RandomToken returns n random bytes, hex-encoded.
func RandomToken(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("cipherbox: token length must be positive, got %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateAPIKey returns a key of the form prefix_random.signature where
// signature is the box HMAC of the random part.
func (b *Box) GenerateAPIKey(prefix string) (string, error) {
	random, err := RandomToken(24)
	if err != nil {
		return "", err
	}
	return prefix + "_" + random + "." + b.Sign([]byte(random)), nil
}

// VerifyAPIKey recomputes the HMAC of the key's random part and compares it
// to the embedded signature in constant time. The prefix is not checked.
func (b *Box) VerifyAPIKey(key string) bool {
	underscore := strings.IndexByte(key, '_')
	dot := strings.LastIndexByte(key, '.')
	if underscore < 0 || dot <= underscore+1 || dot == len(key)-1 {
		return false
	}
	return b.VerifySignature([]byte(key[underscore+1:dot]), key[dot+1:])
}
