package keystore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docvault/docvault/internal/common"
	"github.com/docvault/docvault/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setupStore(t *testing.T, opts ...Option) (*Store, *SQLiteRepository, *fakeClock) {
	t.Helper()
	db, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{t: time.Now()}
	repo := NewSQLiteRepository(db)
	opts = append([]Option{WithClock(clock.now), WithIterations(1000)}, opts...)
	return New(repo, logging.NewNop(), opts...), repo, clock
}

type document struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func TestStore_RequiresInitialize(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()

	err := s.Put(ctx, "k", "v", nil)
	assert.ErrorIs(t, err, common.ErrStoreLocked)

	var v string
	_, err = s.Get(ctx, "k", &v)
	assert.ErrorIs(t, err, common.ErrStoreLocked)
}

func TestStore_RoundTrip(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, nil))

	in := document{Title: "resume", Body: "experience"}
	require.NoError(t, s.Put(ctx, "docs/1", in, nil))

	out, err := Retrieve[document](ctx, s, "docs/1")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, in, *out)
}

func TestStore_GetAbsent(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, nil))

	out, err := Retrieve[document](ctx, s, "missing")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestStore_CiphertextNotPlaintext(t *testing.T) {
	s, repo, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, nil))

	require.NoError(t, s.Put(ctx, "k", "super-secret-value", nil))

	raw, err := repo.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotContains(t, string(raw.Ciphertext), "super-secret-value")
	assert.Equal(t, EncryptionAlgorithm, raw.Algorithm)
	assert.NotEmpty(t, raw.IV)
	assert.NotEmpty(t, raw.Tag)
}

func TestStore_ExpiredEntryPurgedOnRead(t *testing.T) {
	s, repo, clock := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, nil))

	exp := clock.now().Add(time.Minute)
	require.NoError(t, s.Put(ctx, "k", "v", &exp))

	// still live
	out, err := Retrieve[string](ctx, s, "k")
	require.NoError(t, err)
	require.NotNil(t, out)

	clock.advance(2 * time.Minute)

	out, err = Retrieve[string](ctx, s, "k")
	require.NoError(t, err)
	assert.Nil(t, out)

	// purged as a side effect
	_, err = repo.Get(ctx, "k")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestStore_TamperedEntryReadsAsAbsent(t *testing.T) {
	s, repo, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, nil))

	require.NoError(t, s.Put(ctx, "k", "v", nil))

	raw, err := repo.Get(ctx, "k")
	require.NoError(t, err)
	raw.Ciphertext[0] ^= 0x01
	require.NoError(t, repo.Upsert(ctx, raw))

	out, err := Retrieve[string](ctx, s, "k")
	require.NoError(t, err) // read-soft-fail: no error surfaces
	assert.Nil(t, out)

	_, err = repo.Get(ctx, "k")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestStore_AccessBookkeeping(t *testing.T) {
	s, repo, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, nil))

	require.NoError(t, s.Put(ctx, "k", "v", nil))
	for range 3 {
		_, err := Retrieve[string](ctx, s, "k")
		require.NoError(t, err)
	}

	raw, err := repo.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), raw.AccessCount)
	assert.NotNil(t, raw.LastAccessedAt)
}

func TestStore_CleanupExpired(t *testing.T) {
	s, _, clock := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, nil))

	past := clock.now().Add(time.Minute)
	future := clock.now().Add(time.Hour)
	require.NoError(t, s.Put(ctx, "p1", 1, &past))
	require.NoError(t, s.Put(ctx, "p2", 2, &past))
	require.NoError(t, s.Put(ctx, "p3", 3, &past))
	require.NoError(t, s.Put(ctx, "f1", 4, &future))
	require.NoError(t, s.Put(ctx, "f2", 5, nil))

	clock.advance(10 * time.Minute)

	n, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, k := range []string{"p1", "p2", "p3"} {
		out, err := Retrieve[int](ctx, s, k)
		require.NoError(t, err)
		assert.Nil(t, out)
	}
	out, err := Retrieve[int](ctx, s, "f1")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 4, *out)
}

func TestStore_PasswordLifecycle(t *testing.T) {
	s, repo, clock := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx, []byte("hunter2")))
	require.NoError(t, s.Put(ctx, "k", "v", nil))

	// fresh store instance over the same repository: wrong password
	s2 := New(repo, logging.NewNop(), WithClock(clock.now), WithIterations(1000))
	err := s2.Initialize(ctx, []byte("wrong"))
	assert.ErrorIs(t, err, common.ErrInvalidPassword)
	assert.False(t, s2.Initialized())

	// missing password
	err = s2.Initialize(ctx, nil)
	assert.ErrorIs(t, err, common.ErrInvalidPassword)

	// correct password unlocks and reads back
	require.NoError(t, s2.Initialize(ctx, []byte("hunter2")))
	out, err := Retrieve[string](ctx, s2, "k")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "v", *out)
}

func TestStore_PasswordlessThenUpgrade(t *testing.T) {
	s, repo, clock := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx, nil))
	require.NoError(t, s.Put(ctx, "k", "v", nil))

	// supplying a password to a passwordless store wraps the key
	s2 := New(repo, logging.NewNop(), WithClock(clock.now), WithIterations(1000))
	require.NoError(t, s2.Initialize(ctx, []byte("new-pass")))

	rec, err := repo.GetMasterKey(ctx)
	require.NoError(t, err)
	assert.True(t, rec.Wrapped)

	// old data still readable, and the password is now required
	out, err := Retrieve[string](ctx, s2, "k")
	require.NoError(t, err)
	require.NotNil(t, out)

	s3 := New(repo, logging.NewNop(), WithClock(clock.now), WithIterations(1000))
	assert.ErrorIs(t, s3.Initialize(ctx, nil), common.ErrInvalidPassword)
}

func TestStore_MasterKeyNeverPersistedPlain(t *testing.T) {
	s, repo, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, []byte("pw")))

	rec, err := repo.GetMasterKey(ctx)
	require.NoError(t, err)
	assert.True(t, rec.Wrapped)
	assert.NotEqual(t, s.masterKey, rec.KeyCiphertext)
	assert.NotEmpty(t, rec.KeyIV)
	assert.NotEmpty(t, rec.KeyTag)
}

func TestStore_ClearLocksStore(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, nil))
	require.NoError(t, s.Put(ctx, "k", "v", nil))

	require.NoError(t, s.Clear(ctx))
	assert.False(t, s.Initialized())
	assert.ErrorIs(t, s.Put(ctx, "k", "v", nil), common.ErrStoreLocked)

	// re-initializing generates a fresh key and an empty store
	require.NoError(t, s.Initialize(ctx, nil))
	out, err := Retrieve[string](ctx, s, "k")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestStore_ExportImport_PasswordChange(t *testing.T) {
	s, repo, clock := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, []byte("old-pass")))

	exp := clock.now().Add(time.Hour)
	require.NoError(t, s.Put(ctx, "docs/1", document{Title: "cv"}, nil))
	require.NoError(t, s.Put(ctx, "docs/2", document{Title: "bio"}, &exp))

	blob, err := s.Export(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Import(ctx, blob, []byte("new-pass")))

	out, err := Retrieve[document](ctx, s, "docs/1")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "cv", out.Title)

	// the old password no longer unlocks
	s2 := New(repo, logging.NewNop(), WithClock(clock.now), WithIterations(1000))
	assert.ErrorIs(t, s2.Initialize(ctx, []byte("old-pass")), common.ErrInvalidPassword)
	require.NoError(t, s2.Initialize(ctx, []byte("new-pass")))
}

func TestStore_KeysPrefix(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, nil))

	require.NoError(t, s.Put(ctx, "share/desc/1", 1, nil))
	require.NoError(t, s.Put(ctx, "share/desc/2", 2, nil))
	require.NoError(t, s.Put(ctx, "acl/doc1", 3, nil))

	keys, err := s.Keys(ctx, "share/desc/")
	require.NoError(t, err)
	assert.Equal(t, []string{"share/desc/1", "share/desc/2"}, keys)
}

func TestStore_LockWithoutDataLoss(t *testing.T) {
	s, repo, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, []byte("pass")))
	require.NoError(t, s.Put(ctx, "k", "v", nil))

	require.NoError(t, s.Lock())
	assert.ErrorIs(t, s.Lock(), common.ErrStoreLocked)

	var out string
	_, err := s.Get(ctx, "k", &out)
	assert.ErrorIs(t, err, common.ErrStoreLocked)

	// unlocking again sees the same data
	s2 := New(repo, logging.NewNop(), WithIterations(1000))
	require.NoError(t, s2.Initialize(ctx, []byte("pass")))
	value, err := Retrieve[string](ctx, s2, "k")
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, "v", *value)
}

// failingRepo fails Upsert after limit calls, including inside
// transactions, to exercise rollback paths.
type failingRepo struct {
	Repository
	upserts *int
	limit   int
}

func (r *failingRepo) Upsert(ctx context.Context, e *Entry) error {
	*r.upserts++
	if *r.upserts > r.limit {
		return errors.New("disk full")
	}
	return r.Repository.Upsert(ctx, e)
}

func (r *failingRepo) InTx(ctx context.Context, fn func(Repository) error) error {
	return r.Repository.InTx(ctx, func(tx Repository) error {
		return fn(&failingRepo{Repository: tx, upserts: r.upserts, limit: r.limit})
	})
}

func TestStore_ImportFailureKeepsPreviousState(t *testing.T) {
	db, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	base := NewSQLiteRepository(db)
	upserts := 0
	repo := &failingRepo{Repository: base, upserts: &upserts, limit: 3}

	s := New(repo, logging.NewNop(), WithIterations(1000))
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, []byte("old-pass")))
	require.NoError(t, s.Put(ctx, "docs/a", "alpha", nil))
	require.NoError(t, s.Put(ctx, "docs/b", "beta", nil))

	blob, err := s.Export(ctx)
	require.NoError(t, err)

	// the second snapshot entry hits the write failure inside the import
	// transaction; everything it wrote must roll back
	require.Error(t, s.Import(ctx, blob, []byte("new-pass")))

	out, err := Retrieve[string](ctx, s, "docs/a")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "alpha", *out)

	// the persisted master-key record still answers to the old password
	s2 := New(base, logging.NewNop(), WithIterations(1000))
	require.NoError(t, s2.Initialize(ctx, []byte("old-pass")))
}

// clearFailRepo refuses to drop the master-key record.
type clearFailRepo struct {
	Repository
}

func (r *clearFailRepo) DeleteMasterKey(ctx context.Context) error {
	return errors.New("disk full")
}

func (r *clearFailRepo) InTx(ctx context.Context, fn func(Repository) error) error {
	return r.Repository.InTx(ctx, func(tx Repository) error {
		return fn(&clearFailRepo{Repository: tx})
	})
}

func TestStore_ClearFailureLeavesEntries(t *testing.T) {
	db, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := &clearFailRepo{Repository: NewSQLiteRepository(db)}
	s := New(repo, logging.NewNop(), WithIterations(1000))
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, nil))
	require.NoError(t, s.Put(ctx, "k", "v", nil))

	require.Error(t, s.Clear(ctx))

	// the entry delete rolled back along with the failed key delete
	out, err := Retrieve[string](ctx, s, "k")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "v", *out)
}
