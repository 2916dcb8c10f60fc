package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/buildmesh/controller/lib/auth"
	"github.com/buildmesh/controller/lib/catalog"
	"github.com/buildmesh/controller/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterWorkerRequiresAdmin(t *testing.T) {
	h, _ := testHandler(t)
	body := strings.NewReader(`{"name":"w1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/workers/register", body)
	rec := httptest.NewRecorder()
	h.RegisterWorker(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterWorkerIdempotentOnID(t *testing.T) {
	h, _ := testHandler(t)

	body := strings.NewReader(`{"id":"w1","name":"w1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/workers/register", body)
	req.Header.Set(auth.HeaderAPIKey, testAdminKey)
	rec := httptest.NewRecorder()
	h.RegisterWorker(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	var first map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, "registered", first["status"])

	body2 := strings.NewReader(`{"id":"w1","name":"w1"}`)
	req2 := httptest.NewRequest(http.MethodPost, "/api/workers/register", body2)
	req2.Header.Set(auth.HeaderAPIKey, testAdminKey)
	rec2 := httptest.NewRecorder()
	h.RegisterWorker(rec2, req2)
	require.Equal(t, http.StatusCreated, rec2.Code)
	var second map[string]any
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &second))
	assert.Equal(t, "re-registered", second["status"])
}

func TestPollReturnsNilJobWhenQueueEmpty(t *testing.T) {
	h, cat := testHandler(t)
	ctx := context.Background()
	_, tok, _, err := cat.RegisterWorker(ctx, "w1", "w1", nil, 90*time.Second, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/workers/poll?worker_id=w1", nil)
	req.Header.Set(auth.HeaderWorkerID, "w1")
	req.Header.Set(auth.HeaderAccessToken, tok)
	rec := httptest.NewRecorder()
	h.Poll(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp["job"])
	assert.NotEmpty(t, resp["token"])
}

func TestPollClaimsPendingBuild(t *testing.T) {
	h, cat := testHandler(t)
	ctx := context.Background()
	_, tok, _, err := cat.RegisterWorker(ctx, "w1", "w1", nil, 90*time.Second, time.Now())
	require.NoError(t, err)
	_, err = cat.CreateBuild(ctx, catalog.PlatformIOS, "source/1", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/workers/poll?worker_id=w1", nil)
	req.Header.Set(auth.HeaderWorkerID, "w1")
	req.Header.Set(auth.HeaderAccessToken, tok)
	rec := httptest.NewRecorder()
	h.Poll(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp["job"])
}

// TestPollIgnoresQueryWorkerIDMismatch guards against a holder of a
// valid token for w2 using ?worker_id=w1 to rotate w1's token or claim
// builds on w1's behalf: the query param must never override the
// identity bound to the presented credential.
func TestPollIgnoresQueryWorkerIDMismatch(t *testing.T) {
	h, cat := testHandler(t)
	ctx := context.Background()
	_, tok1, _, err := cat.RegisterWorker(ctx, "w1", "w1", nil, 90*time.Second, time.Now())
	require.NoError(t, err)
	_, tok2, _, err := cat.RegisterWorker(ctx, "w2", "w2", nil, 90*time.Second, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/workers/poll?worker_id=w1", nil)
	req.Header.Set(auth.HeaderWorkerID, "w2")
	req.Header.Set(auth.HeaderAccessToken, tok2)
	rec := httptest.NewRecorder()
	h.Poll(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	newToken := resp["token"].(string)

	w1, err := cat.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, tok1, w1.AccessToken, "w1's token must be untouched by a poll authenticated as w2")

	w2, err := cat.GetWorker(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, newToken, w2.AccessToken, "the rotated token must belong to the authenticated worker, w2")
}

func buildCertsZip(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for name, content := range map[string]string{
		"cert.p12":               "p12-bytes",
		"p12_password.txt":       "p12pass\n",
		"keychain_password.txt":  "keychainpass\n",
		"provisioning/a.mobileprovision": "profile-a",
	} {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestGetCertsSecureUnpacksZip(t *testing.T) {
	h, cat := testHandler(t)
	ctx := context.Background()
	_, tok, _, err := cat.RegisterWorker(ctx, "w1", "w1", nil, 90*time.Second, time.Now())
	require.NoError(t, err)

	zipBytes := buildCertsZip(t)
	ref, _, err := h.Store.Put(ctx, store.BucketCerts, "certid1", bytes.NewReader(zipBytes), 1<<20)
	require.NoError(t, err)
	refStr := string(ref)

	b, err := cat.CreateBuild(ctx, catalog.PlatformIOS, "source/1", &refStr)
	require.NoError(t, err)
	claimed, err := cat.ClaimNextPending(ctx, "w1", time.Now())
	require.NoError(t, err)
	require.Equal(t, b.ID, claimed.ID)

	req := withBuildID(httptest.NewRequest(http.MethodGet, "/api/builds/"+b.ID+"/certs-secure", nil), b.ID)
	req.Header.Set(auth.HeaderWorkerID, "w1")
	req.Header.Set(auth.HeaderAccessToken, tok)
	req.Header.Set(auth.HeaderBuildID, b.ID)
	rec := httptest.NewRecorder()
	h.GetCertsSecure(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp certsSecureResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.P12)
	assert.Equal(t, "p12pass", resp.P12Password)
	assert.Equal(t, "keychainpass", resp.KeychainPassword)
	assert.Len(t, resp.ProvisioningProfiles, 1)
}

func TestGetCertsSecureRejectsMismatchedBuildIDHeader(t *testing.T) {
	h, cat := testHandler(t)
	ctx := context.Background()
	_, tok, _, err := cat.RegisterWorker(ctx, "w1", "w1", nil, 90*time.Second, time.Now())
	require.NoError(t, err)
	refStr := "certs/other"
	b, err := cat.CreateBuild(ctx, catalog.PlatformIOS, "source/1", &refStr)
	require.NoError(t, err)
	_, err = cat.ClaimNextPending(ctx, "w1", time.Now())
	require.NoError(t, err)

	req := withBuildID(httptest.NewRequest(http.MethodGet, "/api/builds/"+b.ID+"/certs-secure", nil), b.ID)
	req.Header.Set(auth.HeaderWorkerID, "w1")
	req.Header.Set(auth.HeaderAccessToken, tok)
	req.Header.Set(auth.HeaderBuildID, "some-other-build")
	rec := httptest.NewRecorder()
	h.GetCertsSecure(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHeartbeatReportsCancelledOutcome(t *testing.T) {
	h, cat := testHandler(t)
	ctx := context.Background()
	_, tok, _, err := cat.RegisterWorker(ctx, "w1", "w1", nil, 90*time.Second, time.Now())
	require.NoError(t, err)
	_, err = cat.CreateBuild(ctx, catalog.PlatformIOS, "source/1", nil)
	require.NoError(t, err)
	b, err := cat.ClaimNextPending(ctx, "w1", time.Now())
	require.NoError(t, err)
	require.NoError(t, cat.CancelBuild(ctx, b.ID, time.Now().UTC()))

	req := withBuildID(httptest.NewRequest(http.MethodPost, "/api/builds/"+b.ID+"/heartbeat?worker_id=w1", nil), b.ID)
	req.Header.Set(auth.HeaderWorkerID, "w1")
	req.Header.Set(auth.HeaderAccessToken, tok)
	rec := httptest.NewRecorder()
	h.Heartbeat(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cancelled", resp["status"])
}

func multipartUploadBody(t *testing.T, buildID, workerID string, success bool, result, errMsg string) (io.Reader, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	require.NoError(t, w.WriteField("build_id", buildID))
	require.NoError(t, w.WriteField("worker_id", workerID))
	if success {
		require.NoError(t, w.WriteField("success", "true"))
		part, err := w.CreateFormFile("result", "result.ipa")
		require.NoError(t, err)
		_, err = part.Write([]byte(result))
		require.NoError(t, err)
	} else {
		require.NoError(t, w.WriteField("success", "false"))
		require.NoError(t, w.WriteField("error_message", errMsg))
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestUploadCompletesBuildOnSuccess(t *testing.T) {
	h, cat := testHandler(t)
	ctx := context.Background()
	_, tok, _, err := cat.RegisterWorker(ctx, "w1", "w1", nil, 90*time.Second, time.Now())
	require.NoError(t, err)
	_, err = cat.CreateBuild(ctx, catalog.PlatformIOS, "source/1", nil)
	require.NoError(t, err)
	b, err := cat.ClaimNextPending(ctx, "w1", time.Now())
	require.NoError(t, err)
	require.NoError(t, cat.MarkBuilding(ctx, b.ID, time.Now().UTC()))

	body, ct := multipartUploadBody(t, b.ID, "w1", true, "ipa-bytes", "")
	req := httptest.NewRequest(http.MethodPost, "/api/workers/upload", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(auth.HeaderWorkerID, "w1")
	req.Header.Set(auth.HeaderAccessToken, tok)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	done, err := cat.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCompleted, done.Status)
	assert.False(t, h.Dispatch.IsBusy("w1"))
}

func TestUploadFailsBuildWithErrorMessage(t *testing.T) {
	h, cat := testHandler(t)
	ctx := context.Background()
	_, tok, _, err := cat.RegisterWorker(ctx, "w1", "w1", nil, 90*time.Second, time.Now())
	require.NoError(t, err)
	_, err = cat.CreateBuild(ctx, catalog.PlatformIOS, "source/1", nil)
	require.NoError(t, err)
	b, err := cat.ClaimNextPending(ctx, "w1", time.Now())
	require.NoError(t, err)

	body, ct := multipartUploadBody(t, b.ID, "w1", false, "", "compiler exploded")
	req := httptest.NewRequest(http.MethodPost, "/api/workers/upload", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(auth.HeaderWorkerID, "w1")
	req.Header.Set(auth.HeaderAccessToken, tok)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	done, err := cat.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Equal(t, "compiler exploded", *done.ErrorMessage)
}

func TestUploadRejectsMismatchedWorkerToken(t *testing.T) {
	h, cat := testHandler(t)
	ctx := context.Background()
	_, _, _, err := cat.RegisterWorker(ctx, "w1", "w1", nil, 90*time.Second, time.Now())
	require.NoError(t, err)
	_, tok2, _, err := cat.RegisterWorker(ctx, "w2", "w2", nil, 90*time.Second, time.Now())
	require.NoError(t, err)
	_, err = cat.CreateBuild(ctx, catalog.PlatformIOS, "source/1", nil)
	require.NoError(t, err)
	b, err := cat.ClaimNextPending(ctx, "w1", time.Now())
	require.NoError(t, err)
	require.NoError(t, cat.MarkBuilding(ctx, b.ID, time.Now().UTC()))

	// Authenticated as w2 but claiming to upload w1's result: must be
	// rejected before the build is touched.
	body, ct := multipartUploadBody(t, b.ID, "w1", true, "ipa-bytes", "")
	req := httptest.NewRequest(http.MethodPost, "/api/workers/upload", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(auth.HeaderWorkerID, "w2")
	req.Header.Set(auth.HeaderAccessToken, tok2)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	stillBuilding, err := cat.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusBuilding, stillBuilding.Status)
}

func TestUploadRequiresWorkerCredential(t *testing.T) {
	h, cat := testHandler(t)
	ctx := context.Background()
	_, _, _, err := cat.RegisterWorker(ctx, "w1", "w1", nil, 90*time.Second, time.Now())
	require.NoError(t, err)
	_, err = cat.CreateBuild(ctx, catalog.PlatformIOS, "source/1", nil)
	require.NoError(t, err)
	b, err := cat.ClaimNextPending(ctx, "w1", time.Now())
	require.NoError(t, err)

	body, ct := multipartUploadBody(t, b.ID, "w1", true, "ipa-bytes", "")
	req := httptest.NewRequest(http.MethodPost, "/api/workers/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
