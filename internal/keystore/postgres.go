package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/docvault/docvault/internal/common"
	"github.com/docvault/docvault/internal/dbx"
	"github.com/docvault/docvault/internal/keystore/migrations"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresRepository implements Repository over PostgreSQL for server
// deployments that persist vault state centrally.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository returns a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// OpenPostgres connects to the PostgreSQL database at dsn and applies
// pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	goose.SetBaseFS(migrations.Postgres)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "postgres"); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return db, nil
}

// InTx runs fn in a database transaction when the repository is bound to
// a *sql.DB. A repository already scoped to a transaction runs fn directly.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(Repository) error) error {
	db, ok := r.db.(*sql.DB)
	if !ok {
		return fn(r)
	}
	return dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(NewPostgresRepository(tx))
	})
}

func (r *PostgresRepository) Upsert(ctx context.Context, e *Entry) error {
	query := `INSERT INTO entries (key, id, iv, ciphertext, tag, algorithm, expires_at, access_count, last_accessed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (key) DO UPDATE SET
			id = excluded.id,
			iv = excluded.iv,
			ciphertext = excluded.ciphertext,
			tag = excluded.tag,
			algorithm = excluded.algorithm,
			expires_at = excluded.expires_at,
			access_count = excluded.access_count,
			last_accessed_at = excluded.last_accessed_at`

	_, err := r.db.ExecContext(ctx, query,
		e.Key, e.ID, e.IV, e.Ciphertext, e.Tag, e.Algorithm,
		nanosOrNil(e.ExpiresAt), e.AccessCount, nanosOrNil(e.LastAccessedAt), e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert entry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, key string) (*Entry, error) {
	query := `SELECT key, id, iv, ciphertext, tag, algorithm, expires_at, access_count, last_accessed_at, created_at
		FROM entries WHERE key = $1`
	row := r.db.QueryRowContext(ctx, query, key)
	return scanEntry(row.Scan)
}

func (r *PostgresRepository) Touch(ctx context.Context, key string, at time.Time) error {
	query := `UPDATE entries SET access_count = access_count + 1, last_accessed_at = $1 WHERE key = $2`
	if _, err := r.db.ExecContext(ctx, query, at.UnixNano(), key); err != nil {
		return fmt.Errorf("failed to touch entry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("failed to clear entries: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Keys(ctx context.Context, prefix string) ([]string, error) {
	query := `SELECT key FROM entries WHERE key LIKE $1 || '%' ORDER BY created_at, key`
	rows, err := r.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to select keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *PostgresRepository) All(ctx context.Context) ([]*Entry, error) {
	query := `SELECT key, id, iv, ciphertext, tag, algorithm, expires_at, access_count, last_accessed_at, created_at
		FROM entries ORDER BY created_at, key`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select entries: %w", err)
	}
	defer rows.Close()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM entries WHERE expires_at IS NOT NULL AND expires_at <= $1`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) GetMasterKey(ctx context.Context) (*MasterKeyRecord, error) {
	query := `SELECT salt, iterations, wrapped, key_iv, key_ciphertext, key_tag, verifier, created_at
		FROM master_key WHERE id = 1`
	row := r.db.QueryRowContext(ctx, query)

	rec := &MasterKeyRecord{}
	var createdAt int64
	err := row.Scan(&rec.Salt, &rec.Iterations, &rec.Wrapped, &rec.KeyIV, &rec.KeyCiphertext, &rec.KeyTag, &rec.Verifier, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load master key record: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	return rec, nil
}

func (r *PostgresRepository) PutMasterKey(ctx context.Context, rec *MasterKeyRecord) error {
	query := `INSERT INTO master_key (id, salt, iterations, wrapped, key_iv, key_ciphertext, key_tag, verifier, created_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			salt = excluded.salt,
			iterations = excluded.iterations,
			wrapped = excluded.wrapped,
			key_iv = excluded.key_iv,
			key_ciphertext = excluded.key_ciphertext,
			key_tag = excluded.key_tag,
			verifier = excluded.verifier,
			created_at = excluded.created_at`
	_, err := r.db.ExecContext(ctx, query,
		rec.Salt, rec.Iterations, rec.Wrapped, rec.KeyIV, rec.KeyCiphertext, rec.KeyTag, rec.Verifier, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store master key record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteMasterKey(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM master_key WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to delete master key record: %w", err)
	}
	return nil
}
