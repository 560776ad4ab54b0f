package immich

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthHeaders(t *testing.T) {
	var gotAPIKey, gotBearer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("x-api-key")
		gotBearer = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-key", zerolog.Nop())
	require.NoError(t, c.doJSON(context.Background(), http.MethodGet, "/albums", nil, nil))
	assert.Equal(t, "secret-key", gotAPIKey)
	assert.Empty(t, gotBearer)

	// A session token takes precedence over the configured API key.
	require.NoError(t, c.WithToken("user-token").doJSON(context.Background(), http.MethodGet, "/albums", nil, nil))
	assert.Equal(t, "Bearer user-token", gotBearer)
}

func TestServerErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", zerolog.Nop())
	err := c.doJSON(context.Background(), http.MethodGet, "/albums", nil, nil)
	var srvErr *ServerError
	require.True(t, errors.As(err, &srvErr))
	assert.Equal(t, http.StatusInternalServerError, srvErr.StatusCode)
}

func TestBulkUploadCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assets/bulk-upload-check", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"id": "i1", "action": "reject", "reason": "duplicate", "assetId": "a9"},
				{"id": "i2", "action": "accept"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", zerolog.Nop())
	results, err := c.BulkUploadCheck(context.Background(), []BulkCheck{
		{ID: "i1", Checksum: "aaa"},
		{ID: "i2", Checksum: "bbb"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results["i1"].IsDuplicate())
	assert.Equal(t, "a9", results["i1"].AssetID)
	assert.False(t, results["i2"].IsDuplicate())
}

func TestUploadAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assets", r.URL.Path)
		assert.Equal(t, "da39a3ee", r.Header.Get("x-immich-checksum"))
		// The body arrives chunked; it is streamed, not buffered up front.
		assert.LessOrEqual(t, r.ContentLength, int64(0))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "cat.jpg", r.FormValue("originalFileName"))
		assert.NotEmpty(t, r.FormValue("deviceAssetId"))

		file, header, err := r.FormFile("assetData")
		require.NoError(t, err)
		defer file.Close()
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "cat bytes", string(data))
		assert.Equal(t, "cat.jpg", header.Filename)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "new-asset", "status": "created"})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", zerolog.Nop())
	var lastPct int
	resp, err := c.UploadAsset(context.Background(), UploadRequest{
		Filename:      "cat.jpg",
		ContentType:   "image/jpeg",
		Data:          []byte("cat bytes"),
		Checksum:      "da39a3ee",
		DeviceAssetID: "cat.jpg-1-9",
		DeviceID:      "photodrop-sess",
		Progress:      func(pct int) { lastPct = pct },
	})
	require.NoError(t, err)
	assert.Equal(t, "new-asset", resp.ID)
	assert.False(t, resp.Duplicate())
	assert.Equal(t, 100, lastPct)
}

func TestUploadAssetDuplicateStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "existing", "status": "duplicate"})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", zerolog.Nop())
	resp, err := c.UploadAsset(context.Background(), UploadRequest{
		Filename: "cat.jpg",
		Data:     []byte("x"),
	})
	require.NoError(t, err)
	assert.True(t, resp.Duplicate())
}

func TestAddAssetToAlbumDuplicateCountsAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": "asset-1", "success": false, "error": "duplicate"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", zerolog.Nop())
	added, err := c.AddAssetToAlbum(context.Background(), "album-1", "asset-1")
	require.NoError(t, err)
	assert.True(t, added)
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/login", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "correct" {
			http.Error(w, `{"message":"bad credentials"}`, http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken": "tok",
			"userId":      "u1",
			"userEmail":   "a@b.c",
			"name":        "Ada",
			"isAdmin":     true,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", zerolog.Nop())

	result, err := c.Login(context.Background(), "a@b.c", "correct")
	require.NoError(t, err)
	assert.Equal(t, "tok", result.AccessToken)
	assert.True(t, result.IsAdmin)

	_, err = c.Login(context.Background(), "a@b.c", "wrong")
	assert.Error(t, err)
}
