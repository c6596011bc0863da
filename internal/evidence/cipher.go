package evidence

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ashureev/proctor-engine/internal/domain"
	"golang.org/x/crypto/hkdf"
)

const (
	// MinSecretSize is the minimum length of the server-held evidence secret.
	MinSecretSize = 32
	keySize       = 32
	keyLabel      = "proctor-engine:evidence:v1"
)

// ErrWeakSecret is returned when the evidence secret is too short.
var ErrWeakSecret = errors.New("evidence: secret too short")

// Sealed is an AES-GCM ciphertext with its nonce and tag held separately.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// Sealer encrypts evidence with AES-256-GCM. The key is derived once from the
// server secret and is never exposed.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the evidence key from secret with HKDF-SHA256.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("%w: %d bytes, minimum %d", ErrWeakSecret, len(secret), MinSecretSize)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyLabel)), key); err != nil {
		return nil, fmt.Errorf("evidence: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("evidence: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("evidence: gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce. aad is authenticated but not encrypted.
func (s *Sealer) Seal(plaintext, aad []byte) (Sealed, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("evidence: nonce: %w", err)
	}

	out := s.aead.Seal(nil, nonce, plaintext, aad)
	split := len(out) - s.aead.Overhead()
	return Sealed{
		Nonce:      nonce,
		Ciphertext: out[:split],
		Tag:        out[split:],
	}, nil
}

// Open authenticates and decrypts. Any failure is reported as domain.ErrIntegrity
// and no plaintext is returned.
func (s *Sealer) Open(sealed Sealed, aad []byte) ([]byte, error) {
	if len(sealed.Nonce) != s.aead.NonceSize() || len(sealed.Tag) != s.aead.Overhead() {
		return nil, fmt.Errorf("%w: malformed envelope", domain.ErrIntegrity)
	}

	buf := make([]byte, 0, len(sealed.Ciphertext)+len(sealed.Tag))
	buf = append(buf, sealed.Ciphertext...)
	buf = append(buf, sealed.Tag...)

	plaintext, err := s.aead.Open(nil, sealed.Nonce, buf, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", domain.ErrIntegrity)
	}
	return plaintext, nil
}
