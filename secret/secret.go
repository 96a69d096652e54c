// Package secret vends the hashing, identifier generation and encryption primitives used to protect
// artifacts.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	// largest multiple of len(alphabet) within a byte; bytes at or above it are rejected to keep the
	// distribution uniform
	alphabetCutoff = 256 - 256%len(alphabet)
	tokenBytes     = 32
	hkdfInfo       = "zap inline content"
)

// NewShortID returns a random alphanumeric identifier of length n
func NewShortID(n int) (string, error) {
	b := make([]byte, 0, n)
	buf := make([]byte, n+n/2)
	for len(b) < n {
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return "", err
		}
		for _, c := range buf {
			if int(c) >= alphabetCutoff {
				continue
			}
			b = append(b, alphabet[int(c)%len(alphabet)])
			if len(b) == n {
				break
			}
		}
	}
	return string(b), nil
}

// NewToken returns a random hex encoded capability token
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the digest under which a capability token is stored
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CheckToken compares a presented token with the stored digest in constant time
func CheckToken(hash, token string) bool {
	return subtle.ConstantTimeCompare([]byte(hash), []byte(HashToken(token))) == 1
}

func HashPassword(passwd string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(passwd), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func CheckPassword(hash, passwd string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(passwd)) == nil
}

func normalizeAnswer(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

// HashQuizAnswer digests the answer after trimming and lower casing it
func HashQuizAnswer(answer string) string {
	sum := sha256.Sum256([]byte(normalizeAnswer(answer)))
	return hex.EncodeToString(sum[:])
}

// CheckQuizAnswer compares a presented answer with the stored digest in constant time
func CheckQuizAnswer(hash, answer string) bool {
	return subtle.ConstantTimeCompare([]byte(hash), []byte(HashQuizAnswer(answer))) == 1
}

// Cipher encrypts inline content at rest with XChaCha20-Poly1305 under a key derived from the
// configured secret.
type Cipher struct {
	key []byte
}

func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty encryption secret")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, err
	}
	return &Cipher{key: key}, nil
}

// NewRandomSecret returns a secret suitable for NewCipher when none is configured
func NewRandomSecret() (string, error) {
	b := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
