// Package keystore implements the encrypted key-value store: a persistent
// key→encrypted-blob map with a lazily-initialized master key, transparent
// encrypt-on-write/decrypt-on-read, and per-entry expiration.
//
// The master key never leaves the Store: other components request
// store/retrieve operations, not key material. Only its (optionally
// password-wrapped) encrypted form is persisted.
package keystore

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docvault/docvault/internal/common"
	"github.com/docvault/docvault/internal/cryptox"
	"github.com/docvault/docvault/internal/logging"
	"github.com/google/uuid"
)

// Store is one isolated encrypted store instance bound to a Repository.
// Create with New, unlock with Initialize, return to the uninitialized
// state with Clear.
type Store struct {
	repo   Repository
	logger logging.Logger

	mu        sync.RWMutex
	masterKey []byte

	iterations int
	now        func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithIterations overrides the PBKDF2 iteration count used when wrapping
// the master key under a user password.
func WithIterations(n int) Option {
	return func(s *Store) { s.iterations = n }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over the given repository. The store is locked until
// Initialize is called.
func New(repo Repository, logger logging.Logger, opts ...Option) *Store {
	s := &Store{
		repo:       repo,
		logger:     logger.With("component", "keystore"),
		iterations: cryptox.DefaultIterations,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialized reports whether the master key is present in memory.
func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.masterKey != nil
}

// Initialize establishes or unlocks the master key.
//
// On first use it generates a fresh key; with a password the key is
// persisted wrapped under a PBKDF2-derived key, otherwise it is persisted
// unwrapped (documented limitation for passwordless stores). On later
// calls it unlocks the existing record; a wrong or missing password yields
// common.ErrInvalidPassword. Supplying a password to a previously
// passwordless store wraps the existing key under it.
func (s *Store) Initialize(ctx context.Context, password []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.masterKey != nil {
		return nil
	}

	rec, err := s.repo.GetMasterKey(ctx)
	if errors.Is(err, common.ErrNotFound) {
		return s.createMasterKey(ctx, password)
	}
	if err != nil {
		return err
	}
	return s.unlockMasterKey(ctx, rec, password)
}

func (s *Store) createMasterKey(ctx context.Context, password []byte) error {
	key, err := cryptox.GenerateKey()
	if err != nil {
		return err
	}

	rec, err := s.wrapKey(key, password)
	if err != nil {
		return err
	}
	if err := s.repo.PutMasterKey(ctx, rec); err != nil {
		return err
	}

	s.masterKey = key
	s.logger.Info(ctx, "master key created", "password_protected", rec.Wrapped)
	return nil
}

func (s *Store) wrapKey(key, password []byte) (*MasterKeyRecord, error) {
	rec := &MasterKeyRecord{
		Iterations: s.iterations,
		Verifier:   cryptox.Verifier(key),
		CreatedAt:  s.now(),
	}

	if len(password) == 0 {
		rec.KeyCiphertext = append([]byte(nil), key...)
		return rec, nil
	}

	salt, err := cryptox.GenerateSalt()
	if err != nil {
		return nil, err
	}
	kek := cryptox.DeriveKey(password, salt, s.iterations)
	defer cryptox.WipeBytes(kek)

	sealed, err := cryptox.Encrypt(key, kek)
	if err != nil {
		return nil, err
	}

	rec.Salt = salt
	rec.Wrapped = true
	rec.KeyIV = sealed.IV
	rec.KeyCiphertext = sealed.Ciphertext
	rec.KeyTag = sealed.Tag
	return rec, nil
}

func (s *Store) unlockMasterKey(ctx context.Context, rec *MasterKeyRecord, password []byte) error {
	var key []byte

	if rec.Wrapped {
		if len(password) == 0 {
			return fmt.Errorf("%w: password required", common.ErrInvalidPassword)
		}
		kek := cryptox.DeriveKey(password, rec.Salt, rec.Iterations)
		defer cryptox.WipeBytes(kek)

		sealed := &cryptox.Sealed{IV: rec.KeyIV, Ciphertext: rec.KeyCiphertext, Tag: rec.KeyTag}
		unwrapped, err := cryptox.Decrypt(sealed, kek)
		if err != nil {
			return common.ErrInvalidPassword
		}
		key = unwrapped
	} else {
		key = append([]byte(nil), rec.KeyCiphertext...)

		// Upgrade a passwordless record when the caller supplies a
		// password: same key, now wrapped.
		if len(password) > 0 {
			upgraded, err := s.wrapKey(key, password)
			if err != nil {
				return err
			}
			upgraded.CreatedAt = rec.CreatedAt
			if err := s.repo.PutMasterKey(ctx, upgraded); err != nil {
				return err
			}
			s.logger.Info(ctx, "master key record upgraded to password protection")
		}
	}

	if subtle.ConstantTimeCompare(cryptox.Verifier(key), rec.Verifier) != 1 {
		cryptox.WipeBytes(key)
		return common.ErrInvalidPassword
	}

	s.masterKey = key
	s.logger.Info(ctx, "store unlocked", "password_protected", rec.Wrapped)
	return nil
}

// Lock wipes the in-memory master key without touching persisted data.
// Reads and writes fail with ErrStoreLocked until the next Initialize.
func (s *Store) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masterKey == nil {
		return common.ErrStoreLocked
	}
	cryptox.WipeBytes(s.masterKey)
	s.masterKey = nil
	return nil
}

func (s *Store) key() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.masterKey == nil {
		return nil, common.ErrStoreLocked
	}
	return s.masterKey, nil
}

// Put serializes value, seals it under the master key, and persists the
// entry at key, replacing any prior entry atomically. A nil expiresAt
// means the entry never expires.
func (s *Store) Put(ctx context.Context, key string, value any, expiresAt *time.Time) error {
	mk, err := s.key()
	if err != nil {
		return err
	}

	entry, err := s.sealEntry(key, value, expiresAt, mk)
	if err != nil {
		return err
	}
	return s.repo.Upsert(ctx, entry)
}

func (s *Store) sealEntry(key string, value any, expiresAt *time.Time, mk []byte) (*Entry, error) {
	sealed, err := cryptox.EncryptValue(value, mk)
	if err != nil {
		return nil, fmt.Errorf("encrypting value for %q: %w", key, err)
	}
	return &Entry{
		ID:         uuid.NewString(),
		Key:        key,
		IV:         sealed.IV,
		Ciphertext: sealed.Ciphertext,
		Tag:        sealed.Tag,
		Algorithm:  EncryptionAlgorithm,
		ExpiresAt:  expiresAt,
		CreatedAt:  s.now(),
	}, nil
}

// Get decrypts the entry at key into dest and reports whether it was
// found. Expired entries are purged and reported absent. Decryption
// failures (corrupted row or wrong key) are logged as integrity warnings,
// the entry is discarded, and the read reports absent — callers doing
// cache-miss-style reads never see an error for a bad row.
func (s *Store) Get(ctx context.Context, key string, dest any) (bool, error) {
	mk, err := s.key()
	if err != nil {
		return false, err
	}

	entry, err := s.repo.Get(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if entry.Expired(s.now()) {
		if err := s.repo.Delete(ctx, key); err != nil {
			return false, err
		}
		return false, nil
	}

	sealed := &cryptox.Sealed{IV: entry.IV, Ciphertext: entry.Ciphertext, Tag: entry.Tag}
	plaintext, err := cryptox.Decrypt(sealed, mk)
	if err != nil {
		s.logger.Warn(ctx, "integrity check failed, discarding entry", "key", key, "entry_id", entry.ID)
		if err := s.repo.Delete(ctx, key); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := s.repo.Touch(ctx, key, s.now()); err != nil {
		return false, err
	}
	if err := json.Unmarshal(plaintext, dest); err != nil {
		return false, fmt.Errorf("deserializing value for %q: %w", key, err)
	}
	return true, nil
}

// Retrieve is a typed convenience over Store.Get: it returns the decoded
// value, or nil when the key is absent, expired, or failed integrity
// checks.
func Retrieve[T any](ctx context.Context, s *Store, key string) (*T, error) {
	var v T
	found, err := s.Get(ctx, key, &v)
	if err != nil || !found {
		return nil, err
	}
	return &v, nil
}

// Remove deletes the entry at key. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.key(); err != nil {
		return err
	}
	return s.repo.Delete(ctx, key)
}

// Keys lists stored keys with the given prefix in insertion order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if _, err := s.key(); err != nil {
		return nil, err
	}
	return s.repo.Keys(ctx, prefix)
}

// Clear deletes every entry and the master-key record, wipes the
// in-memory key, and returns the store to the uninitialized state. The
// deletes run in one transaction so a failure leaves the store intact.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.repo.InTx(ctx, func(repo Repository) error {
		if err := repo.DeleteAll(ctx); err != nil {
			return err
		}
		return repo.DeleteMasterKey(ctx)
	})
	if err != nil {
		return err
	}

	cryptox.WipeBytes(s.masterKey)
	s.masterKey = nil
	s.logger.Info(ctx, "store cleared")
	return nil
}

// CleanupExpired sweeps all entries, purging those past expiry, and
// returns the number purged. Intended for periodic maintenance.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info(ctx, "expired entries purged", "count", n)
	}
	return int(n), nil
}

// Snapshot is the plaintext export format. It must remain stable across
// versions for export/import compatibility.
type Snapshot struct {
	Version    int             `json:"version"`
	ExportedAt time.Time       `json:"exported_at"`
	Entries    []SnapshotEntry `json:"entries"`
}

// SnapshotEntry is one decrypted entry in a Snapshot.
type SnapshotEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Export decrypts every live entry into a plaintext snapshot blob for
// backup or migration. Entries that fail integrity checks are skipped
// with a warning.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	mk, err := s.key()
	if err != nil {
		return nil, err
	}

	entries, err := s.repo.All(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Version: 1, ExportedAt: s.now()}
	for _, e := range entries {
		if e.Expired(s.now()) {
			continue
		}
		sealed := &cryptox.Sealed{IV: e.IV, Ciphertext: e.Ciphertext, Tag: e.Tag}
		plaintext, err := cryptox.Decrypt(sealed, mk)
		if err != nil {
			s.logger.Warn(ctx, "skipping unreadable entry during export", "key", e.Key)
			continue
		}
		snap.Entries = append(snap.Entries, SnapshotEntry{
			Key:       e.Key,
			Value:     json.RawMessage(plaintext),
			ExpiresAt: e.ExpiresAt,
		})
	}
	return json.Marshal(snap)
}

// Import fully replaces the store's state with the given snapshot,
// re-keying the store under the supplied password. This is also the
// password-change path: export, import with the new password. The swap
// runs in one transaction, so a failed import leaves the previous
// entries and master key untouched.
func (s *Store) Import(ctx context.Context, blob []byte, password []byte) error {
	snap := &Snapshot{}
	if err := json.Unmarshal(blob, snap); err != nil {
		return fmt.Errorf("parsing snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := cryptox.GenerateKey()
	if err != nil {
		return err
	}
	rec, err := s.wrapKey(key, password)
	if err != nil {
		return err
	}

	entries := make([]*Entry, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		entry, err := s.sealEntry(e.Key, e.Value, e.ExpiresAt, key)
		if err != nil {
			return fmt.Errorf("importing entry %q: %w", e.Key, err)
		}
		entries = append(entries, entry)
	}

	err = s.repo.InTx(ctx, func(repo Repository) error {
		if err := repo.DeleteAll(ctx); err != nil {
			return err
		}
		if err := repo.DeleteMasterKey(ctx); err != nil {
			return err
		}
		if err := repo.PutMasterKey(ctx, rec); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := repo.Upsert(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	cryptox.WipeBytes(s.masterKey)
	s.masterKey = key
	s.logger.Info(ctx, "snapshot imported", "entries", len(snap.Entries))
	return nil
}
