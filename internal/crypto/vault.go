// Package crypto seals venue secrets at rest and signs venue requests.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the OWASP minimum for PBKDF2-HMAC-SHA256.
	DefaultIterations = 480_000
	aesKeyLen         = 32
	sealVersion       = 1
)

// ErrSealed is returned when a sealed blob cannot be opened.
var ErrSealed = errors.New("crypto: cannot open sealed secret")

// Vault seals secrets with AES-256-GCM under a key derived once from a
// passphrase. Sealed blobs are version byte | nonce | ciphertext.
type Vault struct {
	aead cipher.AEAD
}

// VenueSecret is the plaintext sealed into domain.VenueCredential.Sealed.
type VenueSecret struct {
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
}

// NewVault derives the vault key from passphrase and salt. Zero iterations
// means DefaultIterations.
func NewVault(passphrase, salt string, iterations int) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: vault passphrase must not be empty")
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if salt == "" {
		salt = "venuecore-vault"
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(salt), iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return &Vault{aead: gcm}, nil
}

// Seal encrypts plaintext. aad binds the blob to its owner (the venue id)
// so a blob copied to another venue fails to open.
func (v *Vault) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+v.aead.Overhead())
	out = append(out, sealVersion)
	out = append(out, nonce...)
	return v.aead.Seal(out, nonce, plaintext, aad), nil
}

// Open decrypts a blob produced by Seal with the same aad.
func (v *Vault) Open(sealed, aad []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(sealed) < 1+ns+v.aead.Overhead() || sealed[0] != sealVersion {
		return nil, ErrSealed
	}
	plain, err := v.aead.Open(nil, sealed[1:1+ns], sealed[1+ns:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealed, err)
	}
	return plain, nil
}

// SealSecret seals s for venue.
func (v *Vault) SealSecret(venue string, s VenueSecret) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal secret: %w", err)
	}
	return v.Seal(raw, []byte(venue))
}

// OpenSecret opens a blob sealed by SealSecret for venue.
func (v *Vault) OpenSecret(venue string, sealed []byte) (VenueSecret, error) {
	raw, err := v.Open(sealed, []byte(venue))
	if err != nil {
		return VenueSecret{}, err
	}
	var s VenueSecret
	if err := json.Unmarshal(raw, &s); err != nil {
		return VenueSecret{}, fmt.Errorf("crypto: decode secret: %w", err)
	}
	return s, nil
}
