package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/buildmesh/controller/lib/auth"
	"github.com/buildmesh/controller/lib/catalog"
	"github.com/buildmesh/controller/lib/dispatch"
	mw "github.com/buildmesh/controller/lib/middleware"
	"github.com/buildmesh/controller/lib/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "0123456789abcdef0123456789abcdef"

func testHandler(t *testing.T) (*Handler, catalog.Catalog) {
	t.Helper()
	cat := catalog.NewMemory()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Handler{
		Catalog:        cat,
		Store:          st,
		Dispatch:       dispatch.New(cat, log),
		Auth:           mw.NewAuthorizer(cat, testAdminKey),
		Log:            log,
		WorkerTokenTTL: 90 * time.Second,
		MaxSourceBytes: 1 << 20,
		MaxCertsBytes:  1 << 20,
		MaxResultBytes: 1 << 20,
	}, cat
}

// withBuildID attaches a chi route param the way the real router would,
// without needing a full router in these handler-level tests.
func withBuildID(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("buildID", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func multipartSubmitBody(t *testing.T, platform, source string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	require.NoError(t, w.WriteField("platform", platform))
	part, err := w.CreateFormFile("source", "source.zip")
	require.NoError(t, err)
	_, err = part.Write([]byte(source))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestSubmitBuildRequiresAdmin(t *testing.T) {
	h, _ := testHandler(t)
	body, ct := multipartSubmitBody(t, catalog.PlatformIOS, "zip-bytes")
	req := httptest.NewRequest(http.MethodPost, "/api/builds/submit", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	h.SubmitBuild(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitBuildStoresSourceAndCreatesBuild(t *testing.T) {
	h, cat := testHandler(t)
	body, ct := multipartSubmitBody(t, catalog.PlatformIOS, "zip-bytes")
	req := httptest.NewRequest(http.MethodPost, "/api/builds/submit", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(auth.HeaderAPIKey, testAdminKey)
	rec := httptest.NewRecorder()

	h.SubmitBuild(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp buildDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, catalog.StatusPending, resp.Status)
	assert.NotEmpty(t, resp.AccessToken)

	b, err := cat.GetBuild(req.Context(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.PlatformIOS, b.Platform)
	assert.True(t, h.Store.Exists(store.Ref(b.SourceRef)))
}

func TestSubmitBuildRejectsInvalidPlatform(t *testing.T) {
	h, _ := testHandler(t)
	body, ct := multipartSubmitBody(t, "windows", "zip-bytes")
	req := httptest.NewRequest(http.MethodPost, "/api/builds/submit", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(auth.HeaderAPIKey, testAdminKey)
	rec := httptest.NewRecorder()

	h.SubmitBuild(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelBuildIsIdempotentOnTerminal(t *testing.T) {
	h, cat := testHandler(t)
	ctx := context.Background()
	b, err := cat.CreateBuild(ctx, catalog.PlatformIOS, "source/1", nil)
	require.NoError(t, err)
	require.NoError(t, cat.CancelBuild(ctx, b.ID, time.Now().UTC()))

	req := withBuildID(httptest.NewRequest(http.MethodPost, "/api/builds/"+b.ID+"/cancel", nil), b.ID)
	req.Header.Set(auth.HeaderAPIKey, testAdminKey)
	rec := httptest.NewRecorder()
	h.CancelBuild(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelBuildReleasesWorkerAndPublishesEvent(t *testing.T) {
	h, cat := testHandler(t)
	ctx := context.Background()
	_, _, _, err := cat.RegisterWorker(ctx, "w1", "w1", nil, 90*time.Second, time.Now())
	require.NoError(t, err)
	_, err = cat.CreateBuild(ctx, catalog.PlatformIOS, "source/1", nil)
	require.NoError(t, err)
	b, err := h.Dispatch.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, b)
	require.True(t, h.Dispatch.IsBusy("w1"))

	sub, unsub := h.Dispatch.Subscribe()
	defer unsub()

	req := withBuildID(httptest.NewRequest(http.MethodPost, "/api/builds/"+b.ID+"/cancel", nil), b.ID)
	req.Header.Set(auth.HeaderAPIKey, testAdminKey)
	rec := httptest.NewRecorder()
	h.CancelBuild(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.False(t, h.Dispatch.IsBusy("w1"))
	select {
	case ev := <-sub:
		assert.Equal(t, "build:cancelled", ev.Type)
	default:
		t.Fatal("expected a published cancellation event")
	}
}

func TestDownloadRequiresCompletedStatus(t *testing.T) {
	h, cat := testHandler(t)
	ctx := context.Background()
	b, err := cat.CreateBuild(ctx, catalog.PlatformIOS, "source/1", nil)
	require.NoError(t, err)

	req := withBuildID(httptest.NewRequest(http.MethodGet, "/api/builds/"+b.ID+"/download", nil), b.ID)
	req.Header.Set(auth.HeaderAPIKey, testAdminKey)
	rec := httptest.NewRecorder()
	h.Download(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListBuildsRequiresAdmin(t *testing.T) {
	h, _ := testHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/builds", nil)
	rec := httptest.NewRecorder()
	h.ListBuilds(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
