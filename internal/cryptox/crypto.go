// Package cryptox implements the cryptographic primitives used by the
// encrypted store and the sharing engine: authenticated symmetric
// encryption (AES-256-GCM), password-based key derivation (PBKDF2-SHA256),
// password hashing (Argon2id), HMAC signing, and secure random identifiers.
//
// All failures are reported as typed errors wrapping common.ErrCryptoFailure
// or common.ErrInvalidPassword; the package never falls back to weak
// defaults such as a fixed IV.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/docvault/docvault/internal/common"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the symmetric key length in bytes (AES-256).
	KeySize = 32

	// SaltSize is the length of salts used for key derivation and
	// password hashing.
	SaltSize = 16

	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12

	// TagSize is the AES-GCM authentication tag length.
	TagSize = 16

	// DefaultIterations is the PBKDF2 iteration count used when the
	// caller does not supply one.
	DefaultIterations = 600_000
)

// Sealed is the result of authenticated encryption. The ciphertext is
// useless without both the IV and the tag, so the three always travel
// together.
type Sealed struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
}

// GenerateKey produces a fresh 256-bit symmetric key. It fails only when
// the secure random source is unavailable.
func GenerateKey() ([]byte, error) {
	return randBytes(KeySize)
}

// GenerateSalt produces a random salt for key derivation or password
// hashing.
func GenerateSalt() ([]byte, error) {
	return randBytes(SaltSize)
}

// DeriveKey stretches a password into a 256-bit key using PBKDF2-SHA256.
// The same password, salt, and iteration count always yield the same key.
// Iteration counts below 1 are replaced by DefaultIterations.
func DeriveKey(password, salt []byte, iterations int) []byte {
	if iterations < 1 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key(password, salt, iterations, KeySize, sha256.New)
}

// Verifier returns a fingerprint of key material that can be persisted to
// detect a wrong unlock password without storing the key itself.
func Verifier(key []byte) []byte {
	hash := sha256.Sum256(key)
	return hash[:]
}

// Encrypt seals plaintext under key with AES-256-GCM using a fresh random
// nonce. The GCM tag is split off the ciphertext so that both parts are
// persisted explicitly.
func Encrypt(plaintext, key []byte) (*Sealed, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, err := randBytes(NonceSize)
	if err != nil {
		return nil, err
	}

	sealed := aesgcm.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagSize

	return &Sealed{
		IV:         nonce,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
	}, nil
}

// Decrypt opens a Sealed value. Any modification of the IV, ciphertext, or
// tag causes an error wrapping common.ErrCryptoFailure; partially decrypted
// data is never returned.
func Decrypt(s *Sealed, key []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	sealed = append(sealed, s.Ciphertext...)
	sealed = append(sealed, s.Tag...)

	plaintext, err := aesgcm.Open(nil, s.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", common.ErrCryptoFailure)
	}
	return plaintext, nil
}

// EncryptValue serializes v to JSON and seals it under key.
func EncryptValue(v any, key []byte) (*Sealed, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serializing value: %w", err)
	}
	return Encrypt(plaintext, key)
}

// DecryptValue opens a Sealed value and unmarshals the plaintext JSON
// into v.
func DecryptValue(s *Sealed, key []byte, v any) error {
	plaintext, err := Decrypt(s, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, v)
}

// PasswordHash is a self-contained Argon2id password record: it carries
// the parameters needed to re-derive and compare a candidate password.
type PasswordHash struct {
	Hash    []byte `json:"hash"`
	Salt    []byte `json:"salt"`
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// HashPassword derives an Argon2id hash of password under a fresh random
// salt.
func HashPassword(password []byte) (*PasswordHash, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	h := &PasswordHash{Salt: salt, Time: 1, Memory: 64 * 1024, Threads: 4}
	h.Hash = argon2.IDKey(password, h.Salt, h.Time, h.Memory, h.Threads, KeySize)
	return h, nil
}

// VerifyPassword reports whether password matches h. The comparison is
// constant-time.
func VerifyPassword(password []byte, h *PasswordHash) bool {
	if h == nil {
		return false
	}
	candidate := argon2.IDKey(password, h.Salt, h.Time, h.Memory, h.Threads, uint32(len(h.Hash)))
	return subtle.ConstantTimeCompare(candidate, h.Hash) == 1
}

// Sign computes an HMAC-SHA256 signature over data. Use for tokens that
// must be tamper-evident but not confidential.
func Sign(data, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifySignature reports whether sig is a valid HMAC-SHA256 signature of
// data under key, in constant time.
func VerifySignature(data, key, sig []byte) bool {
	return hmac.Equal(Sign(data, key), sig)
}

// NewToken returns a random hex token encoding size bytes of entropy.
// size values below 16 are raised to 16 so tokens always carry at least
// 128 bits.
func NewToken(size int) (string, error) {
	if size < 16 {
		size = 16
	}
	b, err := randBytes(size)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewID returns a prefixed random identifier, e.g. "share_3f9a...".
// Identifiers carry 128 bits of entropy.
func NewID(prefix string) (string, error) {
	token, err := NewToken(16)
	if err != nil {
		return "", err
	}
	return prefix + "_" + token, nil
}

// WipeBytes overwrites b with zeros. Useful for removing key material
// from memory after use. A nil slice is a no-op.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCryptoFailure, err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCryptoFailure, err)
	}
	return aesgcm, nil
}

func randBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("%w: entropy source unavailable: %v", common.ErrCryptoFailure, err)
	}
	return b, nil
}
