package keystore

import (
	"context"
	"time"
)

// Repository is the persistence substrate for encrypted entries and the
// master-key record. Implementations exist for SQLite and PostgreSQL.
// Consumers of the engine never touch this interface directly; they go
// through Store.
type Repository interface {
	// InTx runs fn against a transaction-scoped repository, committing on
	// success and rolling back on error. A repository already scoped to a
	// transaction runs fn directly.
	InTx(ctx context.Context, fn func(Repository) error) error

	// Upsert atomically inserts or replaces the entry at entry.Key. The
	// original created_at survives replacement so listings keep insertion
	// order.
	Upsert(ctx context.Context, entry *Entry) error

	// Get returns the entry at key, or common.ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// Touch increments the entry's access count and stamps the access time.
	Touch(ctx context.Context, key string, at time.Time) error

	// Delete removes the entry at key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// DeleteAll removes every entry but leaves the master-key record alone.
	DeleteAll(ctx context.Context) error

	// Keys lists stored keys with the given prefix in insertion order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// All returns every entry in insertion order.
	All(ctx context.Context) ([]*Entry, error)

	// DeleteExpired purges entries whose expiry is at or before now and
	// returns the number removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// GetMasterKey returns the persisted master-key record, or
	// common.ErrNotFound when the store was never initialized.
	GetMasterKey(ctx context.Context) (*MasterKeyRecord, error)

	// PutMasterKey inserts or replaces the master-key record.
	PutMasterKey(ctx context.Context, rec *MasterKeyRecord) error

	// DeleteMasterKey removes the master-key record.
	DeleteMasterKey(ctx context.Context) error
}
