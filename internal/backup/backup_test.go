package backup

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docvault/docvault/internal/common"
	"github.com/docvault/docvault/internal/keystore"
	"github.com/docvault/docvault/internal/logging"
)

func newStore(t *testing.T) *keystore.Store {
	t.Helper()
	db, err := keystore.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := keystore.New(keystore.NewSQLiteRepository(db), logging.NewNop(), keystore.WithIterations(1000))
	require.NoError(t, store.Initialize(context.Background(), []byte("store-pw")))
	return store
}

func stubAWS(t *testing.T) {
	t.Helper()
	origLoad := loadDefaultAWSConfig
	origNewS3 := newS3ClientFromConfig
	origNewPre := newS3PresignClient
	origPut := presignPutObject
	origGet := presignGetObject
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNewS3
		newS3PresignClient = origNewPre
		presignPutObject = origPut
		presignGetObject = origGet
	})

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, nil
	}
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return &s3.Client{}
	}
	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return &s3.PresignClient{}
	}
}

// fakeBucket is an httptest-backed stand-in for the presigned-URL target.
func fakeBucket(t *testing.T) (*httptest.Server, map[string][]byte) {
	t.Helper()
	objects := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			objects[r.URL.Path] = body
		case http.MethodGet:
			blob, ok := objects[r.URL.Path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(blob)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, objects
}

func stubPresignTo(srv *httptest.Server) {
	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return &v4.PresignedHTTPRequest{URL: srv.URL + "/" + *in.Key}, nil
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return &v4.PresignedHTTPRequest{URL: srv.URL + "/" + *in.Key}, nil
	}
}

func TestBackupExport_RoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "doc/readme", "hello", nil))

	srv, objects := fakeBucket(t)
	stubAWS(t)
	stubPresignTo(srv)

	clock := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	u := NewUploader(store, S3Config{Bucket: "vault", Region: "us-east-1"}, logging.NewNop(),
		WithIterations(1000), WithClock(func() time.Time { return clock }))

	key, err := u.BackupExport(ctx, []byte("backup-pw"))
	require.NoError(t, err)
	assert.Regexp(t, `^backups/2026/03/14/`, key)

	// the stored object is a sealed envelope, not the plaintext snapshot
	require.Contains(t, objects, "/"+key)
	assert.NotContains(t, string(objects["/"+key]), "hello")

	blob, err := u.FetchBackup(ctx, key, []byte("backup-pw"))
	require.NoError(t, err)
	assert.Contains(t, string(blob), "doc/readme")

	_, err = u.FetchBackup(ctx, key, []byte("wrong-pw"))
	assert.ErrorIs(t, err, common.ErrCryptoFailure)
}

func TestRestore_ReplacesStoreContents(t *testing.T) {
	source := newStore(t)
	ctx := context.Background()
	require.NoError(t, source.Put(ctx, "doc/readme", "hello", nil))

	srv, _ := fakeBucket(t)
	stubAWS(t)
	stubPresignTo(srv)

	uploader := NewUploader(source, S3Config{Bucket: "vault"}, logging.NewNop(), WithIterations(1000))
	key, err := uploader.BackupExport(ctx, []byte("backup-pw"))
	require.NoError(t, err)

	target := newStore(t)
	require.NoError(t, target.Put(ctx, "stale/key", "old", nil))

	restorer := NewUploader(target, S3Config{Bucket: "vault"}, logging.NewNop(), WithIterations(1000))
	require.NoError(t, restorer.Restore(ctx, key, []byte("backup-pw"), []byte("new-store-pw")))

	value, err := keystore.Retrieve[string](ctx, target, "doc/readme")
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, "hello", *value)

	stale, err := keystore.Retrieve[string](ctx, target, "stale/key")
	require.NoError(t, err)
	assert.Nil(t, stale)
}

func TestFetchBackup_MissingKey(t *testing.T) {
	store := newStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	stubAWS(t)
	stubPresignTo(srv)

	u := NewUploader(store, S3Config{Bucket: "vault"}, logging.NewNop())
	_, err := u.FetchBackup(context.Background(), "backups/2026/01/01/nope", []byte("pw"))
	assert.ErrorContains(t, err, "download failed")
}
