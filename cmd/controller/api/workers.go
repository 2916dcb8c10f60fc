package api

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/buildmesh/controller/lib/auth"
	"github.com/buildmesh/controller/lib/catalog"
	"github.com/buildmesh/controller/lib/dispatch"
	"github.com/buildmesh/controller/lib/httperr"
	"github.com/buildmesh/controller/lib/logger"
	mw "github.com/buildmesh/controller/lib/middleware"
	"github.com/buildmesh/controller/lib/store"
	"github.com/go-chi/chi/v5"
)

type registerWorkerRequest struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Capabilities json.RawMessage `json:"capabilities"`
}

// RegisterWorker handles POST /api/workers/register (admin only).
// Re-registering an existing id rotates its access token rather than
// creating a duplicate worker.
func (h *Handler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	if !h.Auth.IsAdmin(r) {
		httperr.WriteError(w, http.StatusUnauthorized, "admin credential required")
		return
	}

	var req registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.WriteError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Name == "" {
		httperr.WriteValidationError(w, "name is required", nil)
		return
	}

	now := time.Now().UTC()
	worker, token, reRegistered, err := h.Catalog.RegisterWorker(ctx, req.ID, req.Name, req.Capabilities, h.WorkerTokenTTL, now)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}

	status := "registered"
	if reRegistered {
		status = "re-registered"
	}
	dto := toWorkerDTO(worker, token)
	httperr.WriteJSON(w, http.StatusCreated, map[string]any{
		"id":                     dto.ID,
		"status":                 status,
		"access_token":           dto.AccessToken,
		"access_token_expires_at": dto.AccessTokenExpires,
	})
}

// Poll handles GET /api/workers/poll?worker_id={id} (worker). Claims the
// next pending build (or returns the one this worker is already bound
// to) and rotates the worker's access token on every call.
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	if r.URL.Query().Get("worker_id") == "" {
		httperr.WriteError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	worker, err := h.Auth.AuthorizeWorker(ctx, r)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	// The worker_id query param is informational only; every privileged
	// operation below uses the id bound to the presented access token, not
	// the caller-supplied query value, so a valid token can never be used
	// to act as (or mint a fresh token for) a different worker.
	workerID := worker.ID

	now := time.Now().UTC()
	token, _, err := h.Catalog.RotateWorkerToken(ctx, workerID, h.WorkerTokenTTL, now)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}

	build, err := h.Dispatch.ClaimNextPending(ctx, workerID)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	if build == nil {
		httperr.WriteJSON(w, http.StatusOK, map[string]any{"job": nil, "token": token})
		return
	}

	job := map[string]any{
		"id":       build.ID,
		"platform": build.Platform,
	}
	sourceURL := "/api/builds/" + build.ID + "/source"
	job["source_url"] = sourceURL
	if build.CertsRef != nil {
		certsURL := "/api/builds/" + build.ID + "/certs"
		job["certs_url"] = certsURL
	} else {
		job["certs_url"] = nil
	}

	httperr.WriteJSON(w, http.StatusOK, map[string]any{"job": job, "token": token})
}

// GetSource handles GET /api/builds/{id}/source (worker bound to this build).
func (h *Handler) GetSource(w http.ResponseWriter, r *http.Request) {
	h.streamWorkerAsset(w, r, func(b *catalog.Build) (*string, bool) { return &b.SourceRef, true })
}

// GetCerts handles GET /api/builds/{id}/certs (worker bound to this
// build). Returns 404 if the build has no certs.
func (h *Handler) GetCerts(w http.ResponseWriter, r *http.Request) {
	h.streamWorkerAsset(w, r, func(b *catalog.Build) (*string, bool) { return b.CertsRef, b.CertsRef != nil })
}

func (h *Handler) streamWorkerAsset(w http.ResponseWriter, r *http.Request, pick func(*catalog.Build) (*string, bool)) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	id := chi.URLParam(r, "buildID")

	b, err := h.Catalog.GetBuild(ctx, id)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	if _, err := h.Auth.AuthorizeWorkerForBuild(ctx, r, b); err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	refStr, ok := pick(b)
	if !ok {
		httperr.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	ref := store.Ref(*refStr)
	size, err := h.Store.Size(ref)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	f, err := h.Store.Open(ref)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", itoa(size))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f) //nolint:errcheck
}

// certsSecureResponse is the decoded content of a build's certs bundle:
// spec §6 requires an additional X-Build-Id check beyond the worker's
// normal credential before this endpoint will unpack it.
type certsSecureResponse struct {
	P12                  string   `json:"p12"`
	P12Password          string   `json:"p12Password"`
	KeychainPassword     string   `json:"keychainPassword"`
	ProvisioningProfiles []string `json:"provisioningProfiles"`
}

// GetCertsSecure handles GET /api/builds/{id}/certs-secure (worker bound
// to this build, plus a matching X-Build-Id header). The certs bundle is
// a zip archive; its contents are unpacked and base64-encoded in the
// response.
func (h *Handler) GetCertsSecure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	id := chi.URLParam(r, "buildID")

	b, err := h.Catalog.GetBuild(ctx, id)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	if _, err := h.Auth.AuthorizeWorkerForBuild(ctx, r, b); err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	if err := mw.RequireBuildIDHeader(r, id); err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	if b.CertsRef == nil {
		httperr.WriteError(w, http.StatusNotFound, "not found")
		return
	}

	ref := store.Ref(*b.CertsRef)
	f, err := h.Store.Open(ref)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	defer f.Close()

	buf, err := io.ReadAll(f)
	if err != nil {
		log.Error("read certs bundle", "build_id", id, "err", err)
		httperr.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		log.Error("certs bundle is not a valid zip", "build_id", id, "err", err)
		httperr.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var resp certsSecureResponse
	for _, zf := range zr.File {
		switch {
		case zf.Name == "cert.p12":
			data, err := readZipFile(zf)
			if err != nil {
				continue
			}
			resp.P12 = base64.StdEncoding.EncodeToString(data)
		case zf.Name == "p12_password.txt":
			data, err := readZipFile(zf)
			if err == nil {
				resp.P12Password = strings.TrimSpace(string(data))
			}
		case zf.Name == "keychain_password.txt":
			data, err := readZipFile(zf)
			if err == nil {
				resp.KeychainPassword = strings.TrimSpace(string(data))
			}
		case strings.HasSuffix(zf.Name, ".mobileprovision"):
			data, err := readZipFile(zf)
			if err == nil {
				resp.ProvisioningProfiles = append(resp.ProvisioningProfiles, base64.StdEncoding.EncodeToString(data))
			}
		}
	}

	httperr.WriteJSON(w, http.StatusOK, resp)
}

func readZipFile(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

type heartbeatRequest struct {
	Progress *string `json:"progress"`
}

// Heartbeat handles POST /api/builds/{id}/heartbeat?worker_id={id}
// (worker bound to this build).
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	id := chi.URLParam(r, "buildID")
	if r.URL.Query().Get("worker_id") == "" {
		httperr.WriteError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	worker, err := h.Auth.AuthorizeWorker(ctx, r)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	// As in Poll: act on the authenticated worker's id, never the
	// query-supplied one.
	workerID := worker.ID

	var req heartbeatRequest
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	now := time.Now().UTC()
	outcome, err := h.Catalog.RecordHeartbeat(ctx, id, workerID, now)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	if err := h.Catalog.RecordWorkerSeen(ctx, workerID, now); err != nil {
		log.Warn("record worker seen", "worker_id", workerID, "err", err)
	}

	var status string
	switch outcome {
	case catalog.HeartbeatOK:
		status = "ok"
	case catalog.HeartbeatCancelled:
		status = "cancelled"
	default:
		status = "unknown"
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]string{"status": status})
}

type telemetryRequest struct {
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      telemetryData `json:"data"`
}

type telemetryData struct {
	CPUPercent *float64 `json:"cpu_percent"`
	MemoryMB   *float64 `json:"memory_mb"`
}

// Telemetry handles POST /api/builds/{id}/telemetry (worker bound to
// this build, plus a matching X-Build-Id header). Out-of-range samples
// are silently dropped.
func (h *Handler) Telemetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	id := chi.URLParam(r, "buildID")

	b, err := h.Catalog.GetBuild(ctx, id)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	worker, err := h.Auth.AuthorizeWorkerForBuild(ctx, r, b)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	if err := mw.RequireBuildIDHeader(r, id); err != nil {
		httperr.Respond(w, r, log, err)
		return
	}

	var req telemetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.WriteError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Data.CPUPercent == nil || req.Data.MemoryMB == nil {
		httperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if !catalog.ValidCPUSnapshot(*req.Data.CPUPercent, *req.Data.MemoryMB) {
		httperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	snap := catalog.CPUSnapshot{BuildID: b.ID, Timestamp: ts, CPUPercent: *req.Data.CPUPercent, MemoryMB: *req.Data.MemoryMB}
	if err := h.Catalog.AppendCPUSnapshot(ctx, b.ID, snap); err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	if err := h.Catalog.RecordWorkerSeen(ctx, worker.ID, ts); err != nil {
		log.Warn("record worker seen", "worker_id", worker.ID, "err", err)
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadResult struct {
	BuildID      string
	WorkerID     string
	Success      bool
	ErrorMessage string
	ResultRef    *store.Ref
}

// Upload handles POST /api/workers/upload (worker). Multipart body:
// build_id, worker_id, success fields, plus either a "result" file (on
// success) or an error_message field (on failure).
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	worker, err := h.Auth.AuthorizeWorker(ctx, r)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		httperr.WriteError(w, http.StatusBadRequest, "expected multipart/form-data body")
		return
	}

	var res uploadResult
	var resultStored bool

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			httperr.WriteError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		switch part.FormName() {
		case "build_id":
			b, _ := io.ReadAll(io.LimitReader(part, 256))
			res.BuildID = string(b)
		case "worker_id":
			b, _ := io.ReadAll(io.LimitReader(part, 256))
			res.WorkerID = string(b)
		case "success":
			b, _ := io.ReadAll(io.LimitReader(part, 16))
			res.Success = strings.TrimSpace(string(b)) == "true"
		case "error_message":
			b, _ := io.ReadAll(io.LimitReader(part, 4096))
			res.ErrorMessage = string(b)
		case "result":
			ref, _, err := h.Store.Put(ctx, store.BucketResult, res.BuildID, part, h.MaxResultBytes)
			if err != nil {
				httperr.Respond(w, r, log, err)
				return
			}
			res.ResultRef = &ref
			resultStored = true
		}
		part.Close()
	}

	if res.BuildID == "" || res.WorkerID == "" {
		if resultStored {
			h.Store.Delete(*res.ResultRef)
		}
		httperr.WriteValidationError(w, "build_id and worker_id are required", nil)
		return
	}
	if res.WorkerID != worker.ID {
		// The body's worker_id field is not itself a credential; trust only
		// the id bound to the authenticated access token.
		if resultStored {
			h.Store.Delete(*res.ResultRef)
		}
		httperr.Respond(w, r, log, auth.ErrInvalidCredential)
		return
	}

	b, err := h.Catalog.GetBuild(ctx, res.BuildID)
	if err != nil {
		if resultStored {
			h.Store.Delete(*res.ResultRef)
		}
		httperr.Respond(w, r, log, err)
		return
	}
	if b.WorkerID == nil || *b.WorkerID != res.WorkerID {
		if resultStored {
			h.Store.Delete(*res.ResultRef)
		}
		httperr.Respond(w, r, log, catalog.ErrForbidden)
		return
	}

	now := time.Now().UTC()
	if res.Success {
		if !resultStored {
			httperr.WriteValidationError(w, "result file is required on success", nil)
			return
		}
		if err := h.Catalog.CompleteBuild(ctx, res.BuildID, res.WorkerID, string(*res.ResultRef), now); err != nil {
			h.Store.Delete(*res.ResultRef)
			httperr.Respond(w, r, log, err)
			return
		}
	} else {
		if resultStored {
			h.Store.Delete(*res.ResultRef)
		}
		if err := h.Catalog.FailBuild(ctx, res.BuildID, res.WorkerID, res.ErrorMessage, now); err != nil {
			httperr.Respond(w, r, log, err)
			return
		}
	}

	h.Dispatch.Release(res.WorkerID)
	evType := "build:completed"
	if !res.Success {
		evType = "build:failed"
	}
	h.Dispatch.Publish(dispatch.Event{BuildID: res.BuildID, Type: evType, At: now})
	httperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
