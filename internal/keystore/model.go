package keystore

import "time"

// EncryptionAlgorithm identifies the AEAD used for persisted entries.
// Kept in each row so the format can evolve without breaking old exports.
const EncryptionAlgorithm = "aes-256-gcm"

// Entry is one persisted key→encrypted-blob record. The ciphertext is
// never stored without its IV and authentication tag.
type Entry struct {
	ID             string
	Key            string
	IV             []byte
	Ciphertext     []byte
	Tag            []byte
	Algorithm      string
	ExpiresAt      *time.Time
	AccessCount    int64
	LastAccessedAt *time.Time
	CreatedAt      time.Time
}

// Expired reports whether the entry is logically absent at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// MasterKeyRecord is the persisted form of the store's master key.
//
// When Wrapped is true, KeyCiphertext/KeyIV/KeyTag hold the master key
// sealed under a key derived from the user password with PBKDF2(Salt,
// Iterations). When Wrapped is false, KeyCiphertext holds the raw key
// bytes: opaque to casual inspection but not secret against full local
// access, which is a documented limitation of passwordless stores.
//
// Verifier is a fingerprint of the unwrapped key used to detect a wrong
// unlock password.
type MasterKeyRecord struct {
	Salt          []byte
	Iterations    int
	Wrapped       bool
	KeyIV         []byte
	KeyCiphertext []byte
	KeyTag        []byte
	Verifier      []byte
	CreatedAt     time.Time
}
