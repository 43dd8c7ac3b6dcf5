package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docvault/docvault/internal/access"
	"github.com/docvault/docvault/internal/keystore"
	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/sharing"
)

const origin = "https://vault.example"

func newAPI(t *testing.T) http.Handler {
	t.Helper()
	db, err := keystore.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := keystore.New(keystore.NewSQLiteRepository(db), logging.NewNop(), keystore.WithIterations(1000))
	require.NoError(t, store.Initialize(context.Background(), nil))

	evaluator := access.NewEvaluator(store, logging.NewNop())
	svc := sharing.NewService(store, evaluator, []byte("session-secret"), logging.NewNop())

	return NewRouter(NewHandler(svc, nil, origin, logging.NewNop()), logging.NewNop())
}

type stubBackupper struct {
	key string
	err error
}

func (s *stubBackupper) BackupExport(ctx context.Context, password []byte) (string, error) {
	return s.key, s.err
}

func doJSON(t *testing.T, api http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	return rec
}

func createShare(t *testing.T, api http.Handler, body map[string]any) *ShareResponse {
	t.Helper()
	rec := doJSON(t, api, http.MethodPost, "/api/shares", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	share := &ShareResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), share))
	return share
}

func TestCreateShare(t *testing.T) {
	api := newAPI(t)

	share := createShare(t, api, map[string]any{
		"resource_id": "doc-1",
		"created_by":  "alice",
		"ttl":         "48h",
	})

	assert.Regexp(t, `^share_[0-9a-f]{32}$`, share.ID)
	assert.Equal(t, "doc-1", share.ResourceID)
	assert.Equal(t, origin+"/shared/"+share.ID+"?token="+share.Token, share.URL)
	assert.True(t, share.IsActive)
	assert.False(t, share.Protected)
	require.NotNil(t, share.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(48*time.Hour), *share.ExpiresAt, time.Minute)
}

func TestCreateShare_BadRequest(t *testing.T) {
	api := newAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/shares", map[string]any{"created_by": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateShare_RejectsNonJSON(t *testing.T) {
	api := newAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/shares", bytes.NewReader([]byte("resource_id=doc-1")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestGetShare(t *testing.T) {
	api := newAPI(t)
	share := createShare(t, api, map[string]any{"resource_id": "doc-1", "created_by": "alice"})

	rec := doJSON(t, api, http.MethodGet, "/api/shares/"+share.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := &ShareResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), got))
	assert.Equal(t, share.ID, got.ID)

	rec = doJSON(t, api, http.MethodGet, "/api/shares/share_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveShare(t *testing.T) {
	api := newAPI(t)
	share := createShare(t, api, map[string]any{"resource_id": "doc-1", "created_by": "alice"})

	rec := doJSON(t, api, http.MethodGet, "/shared/"+share.ID+"?token="+share.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)

	rec = doJSON(t, api, http.MethodGet, "/shared/"+share.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, api, http.MethodGet, "/shared/"+share.ID+"?token=bogus", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveShare_PasswordGating(t *testing.T) {
	api := newAPI(t)
	share := createShare(t, api, map[string]any{
		"resource_id": "doc-1",
		"created_by":  "alice",
		"password":    "open sesame",
	})
	assert.Contains(t, share.URL, "&protected=true")

	rec := doJSON(t, api, http.MethodGet, "/shared/"+share.ID+"?token="+share.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "requires_password")

	req := httptest.NewRequest(http.MethodGet, "/shared/"+share.ID+"?token="+share.Token, nil)
	req.Header.Set("X-Share-Password", "open sesame")
	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAccessShare(t *testing.T) {
	api := newAPI(t)
	share := createShare(t, api, map[string]any{
		"resource_id":      "doc-1",
		"created_by":       "alice",
		"max_access_count": 1,
	})

	rec := doJSON(t, api, http.MethodPost, "/shared/"+share.ID+"/access", map[string]any{
		"token":     share.Token,
		"principal": "bob",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := &AccessShareResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), res))
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.SessionToken)
	require.NotNil(t, res.Share)
	assert.Equal(t, 1, res.Share.AccessCount)

	// the budget is spent
	rec = doJSON(t, api, http.MethodPost, "/shared/"+share.ID+"/access", map[string]any{
		"token":     share.Token,
		"principal": "bob",
	})
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_exhausted")
}

func TestRevokeShare(t *testing.T) {
	api := newAPI(t)
	share := createShare(t, api, map[string]any{"resource_id": "doc-1", "created_by": "alice"})

	rec := doJSON(t, api, http.MethodDelete, "/api/shares/"+share.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, api, http.MethodGet, "/shared/"+share.ID+"?token="+share.Token, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Contains(t, rec.Body.String(), "revoked")

	rec = doJSON(t, api, http.MethodDelete, "/api/shares/share_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShareStats(t *testing.T) {
	api := newAPI(t)
	share := createShare(t, api, map[string]any{"resource_id": "doc-1", "created_by": "alice"})

	for _, principal := range []string{"bob", "carol"} {
		rec := doJSON(t, api, http.MethodPost, "/shared/"+share.ID+"/access", map[string]any{
			"token":     share.Token,
			"principal": principal,
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, api, http.MethodGet, "/api/shares/"+share.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stats := &sharing.Stats{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), stats))
	assert.Equal(t, 2, stats.TotalAccesses)
	assert.Equal(t, 2, stats.UniqueAccessors)

	rec = doJSON(t, api, http.MethodGet, "/api/shares/share_missing/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupShares(t *testing.T) {
	api := newAPI(t)
	share := createShare(t, api, map[string]any{
		"resource_id":      "doc-1",
		"created_by":       "alice",
		"max_access_count": 1,
	})

	rec := doJSON(t, api, http.MethodPost, "/shared/"+share.ID+"/access", map[string]any{"token": share.Token})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, api, http.MethodPost, "/api/shares/cleanup", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deactivated": 1}`, rec.Body.String())
}

func TestCreateBackup(t *testing.T) {
	db, err := keystore.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := keystore.New(keystore.NewSQLiteRepository(db), logging.NewNop(), keystore.WithIterations(1000))
	require.NoError(t, store.Initialize(context.Background(), nil))
	svc := sharing.NewService(store, access.NewEvaluator(store, logging.NewNop()), []byte("s"), logging.NewNop())

	api := NewRouter(NewHandler(svc, &stubBackupper{key: "backups/2026/08/26/abc"}, origin, logging.NewNop()), logging.NewNop())

	rec := doJSON(t, api, http.MethodPost, "/api/backup", map[string]any{"password": "pw"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"key": "backups/2026/08/26/abc"}`, rec.Body.String())

	rec = doJSON(t, api, http.MethodPost, "/api/backup", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBackup_NotConfigured(t *testing.T) {
	api := newAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/backup", map[string]any{"password": "pw"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
