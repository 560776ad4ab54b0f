package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photodrop/internal/album"
	"photodrop/internal/chunk"
	"photodrop/internal/dedup"
	"photodrop/internal/download"
	"photodrop/internal/immich"
	"photodrop/internal/invite"
	"photodrop/internal/progress"
	"photodrop/internal/store"
	"photodrop/internal/upload"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeBackend is a minimal stand-in for the asset service.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "correct" {
			http.Error(w, `{"message":"bad credentials"}`, http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken": "tok", "userId": "u1", "userEmail": "a@b.c",
			"name": "Ada", "isAdmin": true,
		})
	})
	mux.HandleFunc("/assets/bulk-upload-check", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	})
	mux.HandleFunc("/assets", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "asset-1", "status": "created"})
	})
	mux.HandleFunc("/albums", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]any{"id": "album-1"})
			return
		}
		json.NewEncoder(w).Encode([]any{})
	})
	mux.HandleFunc("/albums/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{"success": true}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	router  *gin.Engine
	invites *invite.Registry
}

func newHarness(t *testing.T, public bool) *harness {
	t.Helper()
	backend := fakeBackend(t)

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zerolog.Nop()
	client := immich.New(backend.URL, "key", logger)
	hub := progress.NewHub(logger)
	chunks := chunk.NewManager(t.TempDir(), time.Hour, logger)
	invites := invite.NewRegistry(db)
	albums := album.NewResolver(client, logger)
	coord := upload.New(client, dedup.New(db), invites, albums, hub, db, 2, "", logger)

	server := New(Config{
		SessionSecret: "test-secret",
		PublicUpload:  public,
		MaxFileSize:   1 << 20,
	}, coord, chunks, hub, invites, albums, client, download.NewHTTPDownloader(1<<20, logger), db, logger)

	router := gin.New()
	server.Register(router)
	return &harness{router: router, invites: invites}
}

func (h *harness) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func jsonRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func sessionCookieFrom(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie in response")
	return nil
}

func TestLoginLogout(t *testing.T) {
	h := newHarness(t, true)

	w := h.do(jsonRequest(http.MethodPost, "/api/login", gin.H{"email": "a@b.c", "password": "wrong"}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(jsonRequest(http.MethodPost, "/api/login", gin.H{"email": "a@b.c", "password": "correct"}))
	require.Equal(t, http.StatusOK, w.Code)
	cookie := sessionCookieFrom(t, w)

	// The admin surface opens up with the session cookie.
	w = h.do(httptest.NewRequest(http.MethodGet, "/api/invites", nil), cookie)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(httptest.NewRequest(http.MethodGet, "/api/invites", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Logout clears the cookie.
	w = h.do(httptest.NewRequest(http.MethodPost, "/api/logout", nil), cookie)
	require.Equal(t, http.StatusOK, w.Code)
	cleared := sessionCookieFrom(t, w)
	assert.Empty(t, cleared.Value)
}

func TestConfigReflectsSession(t *testing.T) {
	h := newHarness(t, true)

	w := h.do(httptest.NewRequest(http.MethodGet, "/api/config", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["logged_in"])
	assert.Equal(t, true, body["public_upload"])
}

func TestUploadRequiresInviteWhenPrivate(t *testing.T) {
	h := newHarness(t, false)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "cat.jpg")
	require.NoError(t, err)
	fw.Write([]byte("cat bytes"))
	mw.WriteField("session_id", "sess")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := h.do(req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUploadEndToEnd(t *testing.T) {
	h := newHarness(t, true)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "cat.jpg")
	require.NoError(t, err)
	fw.Write([]byte("cat bytes"))
	mw.WriteField("session_id", "sess")
	mw.WriteField("item_id", "item-1")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := h.do(req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "done", body["status"])
	assert.Equal(t, "asset-1", body["asset_id"])
}

func TestBatchFileUpload(t *testing.T) {
	h := newHarness(t, true)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range []string{"one.jpg", "two.jpg"} {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		fw.Write([]byte("same bytes"))
	}
	mw.WriteField("session_id", "sess")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload/batch", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := h.do(req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Total      int `json:"total"`
		Succeeded  int `json:"succeeded"`
		Duplicates int `json:"duplicates"`
		Failed     int `json:"failed"`
		Results    []struct {
			Filename string `json:"filename"`
			Status   string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, 1, body.Succeeded)
	// Identical bytes: the second file short-circuits as a duplicate.
	assert.Equal(t, 1, body.Duplicates)
	assert.Zero(t, body.Failed)
	require.Len(t, body.Results, 2)
	assert.Equal(t, "done", body.Results[0].Status)
	assert.Equal(t, "duplicate", body.Results[1].Status)

	// A batch with no files is rejected outright.
	var empty bytes.Buffer
	emw := multipart.NewWriter(&empty)
	emw.WriteField("session_id", "sess")
	require.NoError(t, emw.Close())
	req = httptest.NewRequest(http.MethodPost, "/api/upload/batch", &empty)
	req.Header.Set("Content-Type", emw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, h.do(req).Code)
}

func TestChunkedUploadEndToEnd(t *testing.T) {
	h := newHarness(t, true)

	w := h.do(jsonRequest(http.MethodPost, "/api/upload/chunk/init", gin.H{
		"session_id":   "sess",
		"item_id":      "item-1",
		"name":         "big.mp4",
		"content_type": "video/mp4",
		"size":         6,
		"total_chunks": 2,
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	putChunk := func(index int, data string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("chunk", "blob")
		require.NoError(t, err)
		fw.Write([]byte(data))
		mw.WriteField("session_id", "sess")
		mw.WriteField("item_id", "item-1")
		mw.WriteField("index", strconv.Itoa(index))
		require.NoError(t, mw.Close())
		req := httptest.NewRequest(http.MethodPost, "/api/upload/chunk", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return h.do(req)
	}

	// Out of order on purpose.
	require.Equal(t, http.StatusOK, putChunk(1, "def").Code)
	require.Equal(t, http.StatusOK, putChunk(0, "abc").Code)

	w = h.do(jsonRequest(http.MethodPost, "/api/upload/chunk/complete", gin.H{
		"session_id": "sess",
		"item_id":    "item-1",
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "done", body["status"])

	// The session is consumed; completing again is a 404.
	w = h.do(jsonRequest(http.MethodPost, "/api/upload/chunk/complete", gin.H{
		"session_id": "sess",
		"item_id":    "item-1",
	}))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func loginAdmin(t *testing.T, h *harness) *http.Cookie {
	t.Helper()
	w := h.do(jsonRequest(http.MethodPost, "/api/login", gin.H{"email": "a@b.c", "password": "correct"}))
	require.Equal(t, http.StatusOK, w.Code)
	return sessionCookieFrom(t, w)
}

func TestCreateInviteDefaultsToOneTime(t *testing.T) {
	h := newHarness(t, true)
	cookie := loginAdmin(t, h)

	w := h.do(jsonRequest(http.MethodPost, "/api/invites", gin.H{"name": "party"}), cookie)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["max_uses"])
	assert.Equal(t, true, body["one_time"])

	// Zero would be a link nobody can ever use.
	w = h.do(jsonRequest(http.MethodPost, "/api/invites", gin.H{"max_uses": 0}), cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(jsonRequest(http.MethodPost, "/api/invites", gin.H{"max_uses": -1}), cookie)
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(-1), body["max_uses"])
	assert.Equal(t, false, body["one_time"])
}

func TestInvitePasswordFlow(t *testing.T) {
	h := newHarness(t, false)
	link, err := h.invites.Create(context.Background(), invite.CreateParams{MaxUses: -1, Password: "pw", OwnerUserID: "u1"})
	require.NoError(t, err)

	w := h.do(jsonRequest(http.MethodPost, "/api/invite/"+link.Token+"/auth", gin.H{"password": "nope"}))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(jsonRequest(http.MethodPost, "/api/invite/"+link.Token+"/auth", gin.H{"password": "pw"}))
	require.Equal(t, http.StatusOK, w.Code)
	cookie := sessionCookieFrom(t, w)

	w = h.do(httptest.NewRequest(http.MethodGet, "/api/invite/"+link.Token, nil), cookie)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["authorized"])
	assert.Equal(t, true, body["requires_password"])
}

func TestInviteInfoUnknownToken(t *testing.T) {
	h := newHarness(t, true)
	w := h.do(httptest.NewRequest(http.MethodGet, "/api/invite/bogus", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSupportedPlatforms(t *testing.T) {
	h := newHarness(t, true)
	w := h.do(httptest.NewRequest(http.MethodGet, "/api/supported-platforms", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "tiktok"))
}

func TestBatchURLLimit(t *testing.T) {
	h := newHarness(t, true)
	urls := make([]string, 11)
	for i := range urls {
		urls[i] = "https://example.com/a.jpg"
	}
	w := h.do(jsonRequest(http.MethodPost, "/api/upload/urls", gin.H{"urls": urls, "session_id": "sess"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
