// Package backup ships store snapshots to S3-compatible object storage
// (MinIO in development) via presigned URLs, so the upload path never
// needs the bucket credentials. Snapshots are sealed under a backup
// password before leaving the process; the bucket never sees plaintext.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/docvault/docvault/internal/cryptox"
	"github.com/docvault/docvault/internal/keystore"
	"github.com/docvault/docvault/internal/logging"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// S3Config holds the object-storage settings. AccessKey/SecretKey are
// static credentials; BaseEndpoint points at an S3-compatible backend
// such as MinIO.
type S3Config struct {
	Region       string
	AccessKey    string
	SecretKey    string
	Bucket       string
	BaseEndpoint string
}

// envelope is the uploaded object format: a store snapshot sealed under
// a key derived from the backup password.
type envelope struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
}

// Uploader ships sealed store exports to object storage and fetches
// them back.
type Uploader struct {
	cfg        S3Config
	store      *keystore.Store
	logger     logging.Logger
	httpClient *http.Client
	iterations int
	now        func() time.Time
}

// UploaderOption customizes an Uploader.
type UploaderOption func(*Uploader)

// WithHTTPClient overrides the HTTP client used against presigned URLs.
func WithHTTPClient(c *http.Client) UploaderOption {
	return func(u *Uploader) { u.httpClient = c }
}

// WithIterations overrides the key-derivation cost. Intended for tests.
func WithIterations(n int) UploaderOption {
	return func(u *Uploader) { u.iterations = n }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) UploaderOption {
	return func(u *Uploader) { u.now = now }
}

// NewUploader creates an Uploader over the given store.
func NewUploader(store *keystore.Store, cfg S3Config, logger logging.Logger, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		cfg:        cfg,
		store:      store,
		logger:     logger.With("component", "backup"),
		httpClient: &http.Client{Timeout: time.Minute},
		iterations: cryptox.DefaultIterations,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *Uploader) storageKey() string {
	d := u.now()
	return fmt.Sprintf("backups/%d/%02d/%02d/%v", d.Year(), d.Month(), d.Day(), uuid.New())
}

func (u *Uploader) presignClient(ctx context.Context) (*s3.PresignClient, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(u.cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			u.cfg.AccessKey,
			u.cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(u.cfg.BaseEndpoint)
	})

	return newS3PresignClient(client), nil
}

// PresignedPutURL returns a fresh storage key and a presigned PUT URL
// valid for 15 minutes.
func (u *Uploader) PresignedPutURL(ctx context.Context) (string, string, error) {
	pc, err := u.presignClient(ctx)
	if err != nil {
		return "", "", err
	}

	bucket := u.cfg.Bucket
	key := u.storageKey()

	req, err := presignPutObject(pc, ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return "", "", err
	}
	return key, req.URL, nil
}

// PresignedGetURL returns a presigned GET URL for an existing backup key.
func (u *Uploader) PresignedGetURL(ctx context.Context, key string) (string, error) {
	pc, err := u.presignClient(ctx)
	if err != nil {
		return "", err
	}

	bucket := u.cfg.Bucket

	req, err := presignGetObject(pc, ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// BackupExport exports the store, seals the snapshot under password, and
// uploads it, returning the storage key under which it was saved.
func (u *Uploader) BackupExport(ctx context.Context, password []byte) (string, error) {
	blob, err := u.store.Export(ctx)
	if err != nil {
		return "", err
	}

	object, err := u.seal(blob, password)
	if err != nil {
		return "", err
	}

	key, url, err := u.PresignedPutURL(ctx)
	if err != nil {
		return "", err
	}

	if err := u.upload(ctx, url, object); err != nil {
		return "", err
	}

	u.logger.Info(ctx, "backup uploaded", "key", key, "bytes", len(object))
	return key, nil
}

// FetchBackup downloads and unseals a previously uploaded snapshot.
func (u *Uploader) FetchBackup(ctx context.Context, key string, password []byte) ([]byte, error) {
	url, err := u.PresignedGetURL(ctx, key)
	if err != nil {
		return nil, err
	}

	object, err := u.download(ctx, url)
	if err != nil {
		return nil, err
	}
	return u.unseal(object, password)
}

// Restore downloads a backup and replaces the store's contents with it,
// re-keying the store under storePassword.
func (u *Uploader) Restore(ctx context.Context, key string, backupPassword, storePassword []byte) error {
	blob, err := u.FetchBackup(ctx, key, backupPassword)
	if err != nil {
		return err
	}
	return u.store.Import(ctx, blob, storePassword)
}

func (u *Uploader) seal(blob, password []byte) ([]byte, error) {
	salt, err := cryptox.GenerateSalt()
	if err != nil {
		return nil, err
	}
	dk := cryptox.DeriveKey(password, salt, u.iterations)
	defer cryptox.WipeBytes(dk)

	sealed, err := cryptox.Encrypt(blob, dk)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&envelope{
		Version:    1,
		Salt:       salt,
		Iterations: u.iterations,
		IV:         sealed.IV,
		Ciphertext: sealed.Ciphertext,
		Tag:        sealed.Tag,
	})
}

func (u *Uploader) unseal(object, password []byte) ([]byte, error) {
	env := &envelope{}
	if err := json.Unmarshal(object, env); err != nil {
		return nil, fmt.Errorf("parsing backup envelope: %w", err)
	}

	dk := cryptox.DeriveKey(password, env.Salt, env.Iterations)
	defer cryptox.WipeBytes(dk)

	return cryptox.Decrypt(&cryptox.Sealed{IV: env.IV, Ciphertext: env.Ciphertext, Tag: env.Tag}, dk)
}

func (u *Uploader) upload(ctx context.Context, url string, blob []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload failed: %s", resp.Status)
	}
	return nil
}

func (u *Uploader) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
