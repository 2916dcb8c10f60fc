package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/buildmesh/controller/lib/catalog"
	"github.com/buildmesh/controller/lib/dispatch"
	"github.com/buildmesh/controller/lib/httperr"
	"github.com/buildmesh/controller/lib/logger"
	"github.com/buildmesh/controller/lib/store"
	"github.com/go-chi/chi/v5"
	"github.com/nrednav/cuid2"
)

const maxPlatformFieldBytes = 64

// SubmitBuild handles POST /api/builds/submit (admin only). The request
// body is a multipart stream: a "platform" field and a "source" file,
// with an optional "certs" file. Both files are streamed directly to the
// Object Store — never buffered whole in memory.
func (h *Handler) SubmitBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	if !h.Auth.IsAdmin(r) {
		httperr.WriteError(w, http.StatusUnauthorized, "admin credential required")
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		httperr.WriteError(w, http.StatusBadRequest, "expected multipart/form-data body")
		return
	}

	var platform string
	var sourceRef store.Ref
	var certsRef *store.Ref
	haveSource := false

	objectID := cuid2.Generate()

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
		case "platform":
			b, err := io.ReadAll(io.LimitReader(part, maxPlatformFieldBytes))
			if err != nil {
				httperr.WriteError(w, http.StatusBadRequest, "failed to read platform field")
				return
			}
			platform = string(b)
		case "source":
			ref, _, err := h.Store.Put(ctx, store.BucketSource, objectID, part, h.MaxSourceBytes)
			if err != nil {
				httperr.Respond(w, r, log, err)
				return
			}
			sourceRef = ref
			haveSource = true
		case "certs":
			ref, _, err := h.Store.Put(ctx, store.BucketCerts, objectID, part, h.MaxCertsBytes)
			if err != nil {
				if haveSource {
					h.Store.Delete(sourceRef)
				}
				httperr.Respond(w, r, log, err)
				return
			}
			certsRef = &ref
		}
		part.Close()
	}

	if platform != catalog.PlatformIOS && platform != catalog.PlatformAndroid {
		h.rollbackSubmit(sourceRef, certsRef, haveSource)
		httperr.WriteValidationError(w, "invalid or missing platform", map[string]string{"platform": "must be \"ios\" or \"android\""})
		return
	}
	if !haveSource {
		h.rollbackSubmit(sourceRef, certsRef, haveSource)
		httperr.WriteValidationError(w, "missing source file", nil)
		return
	}

	var certsRefStr *string
	if certsRef != nil {
		s := string(*certsRef)
		certsRefStr = &s
	}

	b, err := h.Catalog.CreateBuild(ctx, platform, string(sourceRef), certsRefStr)
	if err != nil {
		h.rollbackSubmit(sourceRef, certsRef, haveSource)
		httperr.Respond(w, r, log, err)
		return
	}

	httperr.WriteJSON(w, http.StatusCreated, toBuildDTO(b, true))
}

func (h *Handler) rollbackSubmit(sourceRef store.Ref, certsRef *store.Ref, haveSource bool) {
	if haveSource {
		h.Store.Delete(sourceRef)
	}
	if certsRef != nil {
		h.Store.Delete(*certsRef)
	}
}

func (h *Handler) loadBuildForOwnerOrAdmin(w http.ResponseWriter, r *http.Request) (*catalog.Build, bool) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	id := chi.URLParam(r, "buildID")

	b, err := h.Catalog.GetBuild(ctx, id)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return nil, false
	}
	if err := h.Auth.AuthorizeBuildAccess(r, b); err != nil {
		httperr.Respond(w, r, log, err)
		return nil, false
	}
	return b, true
}

// BuildStatus handles GET /api/builds/{id}/status (admin or build owner).
func (h *Handler) BuildStatus(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBuildForOwnerOrAdmin(w, r)
	if !ok {
		return
	}
	httperr.WriteJSON(w, http.StatusOK, toBuildDTO(b, false))
}

// GetLogs handles GET /api/builds/{id}/logs (admin or build owner).
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	b, ok := h.loadBuildForOwnerOrAdmin(w, r)
	if !ok {
		return
	}
	entries, err := h.Catalog.GetLogs(r.Context(), b.ID)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	out := make([]logEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = toLogDTO(e)
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{"logs": out})
}

// GetEvents handles GET /api/builds/{id}/events (admin or build owner;
// supplemented endpoint exposing the hash-chained event log).
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBuildForOwnerOrAdmin(w, r)
	if !ok {
		return
	}
	events, err := h.Catalog.GetEvents(r.Context(), b.ID)
	if err != nil {
		httperr.Respond(w, r, logger.FromContext(r.Context()), err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

// Download handles GET /api/builds/{id}/download (admin or build owner).
// The build must be completed; the artifact is streamed with a
// pre-computed Content-Length, never buffered whole.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	b, ok := h.loadBuildForOwnerOrAdmin(w, r)
	if !ok {
		return
	}
	if b.Status != catalog.StatusCompleted || b.ResultRef == nil {
		httperr.WriteError(w, http.StatusBadRequest, "build is not completed")
		return
	}
	ref := store.Ref(*b.ResultRef)
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
	w.Header().Set("Content-Disposition", "attachment; filename=\""+b.ID+"\"")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f) //nolint:errcheck
}

// CancelBuild handles POST /api/builds/{id}/cancel (admin or build
// owner). Cancellation is idempotent on terminal builds: a build that
// already finished returns 400.
func (h *Handler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	b, ok := h.loadBuildForOwnerOrAdmin(w, r)
	if !ok {
		return
	}
	if b.Status == catalog.StatusCompleted || b.Status == catalog.StatusFailed {
		httperr.WriteError(w, http.StatusBadRequest, "Build already finished")
		return
	}
	if err := h.Catalog.CancelBuild(r.Context(), b.ID, time.Now().UTC()); err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	if b.WorkerID != nil {
		h.Dispatch.Release(*b.WorkerID)
	}
	h.Dispatch.Publish(dispatch.Event{BuildID: b.ID, Type: "build:cancelled", At: time.Now().UTC()})
	httperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// RetryBuild handles POST /api/builds/{id}/retry (admin or build owner).
// It creates a new build sharing the original's source/certs refs.
func (h *Handler) RetryBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	b, ok := h.loadBuildForOwnerOrAdmin(w, r)
	if !ok {
		return
	}

	if !h.Store.Exists(store.Ref(b.SourceRef)) {
		httperr.WriteError(w, http.StatusBadRequest, "source is no longer available")
		return
	}
	if b.CertsRef != nil && !h.Store.Exists(store.Ref(*b.CertsRef)) {
		httperr.WriteError(w, http.StatusBadRequest, "certs are no longer available")
		return
	}

	nb, err := h.Catalog.CreateBuild(ctx, b.Platform, b.SourceRef, b.CertsRef)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}

	dto := toBuildDTO(nb, true)
	httperr.WriteJSON(w, http.StatusCreated, map[string]any{
		"id":                dto.ID,
		"status":            dto.Status,
		"submitted_at":      dto.SubmittedAt,
		"access_token":      dto.AccessToken,
		"original_build_id": b.ID,
	})
}

// ListActiveBuilds handles GET /api/builds/active (admin only): builds
// currently assigned or building.
func (h *Handler) ListActiveBuilds(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	if !h.Auth.IsAdmin(r) {
		httperr.WriteError(w, http.StatusUnauthorized, "admin credential required")
		return
	}
	builds, err := h.Catalog.ListAssignedOrBuilding(r.Context())
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	out := make([]buildDTO, len(builds))
	for i, b := range builds {
		out[i] = toBuildDTO(b, false)
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{"builds": out})
}

// ListBuilds handles GET /api/builds (admin only; supplemented), with an
// optional ?status= filter.
func (h *Handler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	if !h.Auth.IsAdmin(r) {
		httperr.WriteError(w, http.StatusUnauthorized, "admin credential required")
		return
	}
	filter := catalog.BuildFilter{Status: r.URL.Query().Get("status")}
	builds, err := h.Catalog.ListBuilds(r.Context(), filter)
	if err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	out := make([]buildDTO, len(builds))
	for i, b := range builds {
		out[i] = toBuildDTO(b, false)
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{"builds": out})
}

type postLogRequest struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Logs    []postLogEntry `json:"logs"`
}

type postLogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func validLogLevel(level string) bool {
	switch level {
	case catalog.LogInfo, catalog.LogWarn, catalog.LogError:
		return true
	default:
		return false
	}
}

// PostLogs handles POST /api/builds/{id}/logs (worker). Accepts either a
// single {level, message} entry or a batch {logs: [...]}. In batch mode,
// entries with an invalid level are silently dropped; a single invalid
// entry is a 400.
func (h *Handler) PostLogs(w http.ResponseWriter, r *http.Request) {
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

	var req postLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.WriteError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	now := time.Now().UTC()
	var entries []catalog.LogEntry

	if len(req.Logs) > 0 {
		for _, e := range req.Logs {
			if !validLogLevel(e.Level) {
				continue
			}
			entries = append(entries, catalog.LogEntry{BuildID: b.ID, Timestamp: now, Level: e.Level, Message: e.Message})
		}
	} else {
		if !validLogLevel(req.Level) {
			httperr.WriteValidationError(w, "invalid log level", map[string]string{"level": req.Level})
			return
		}
		entries = append(entries, catalog.LogEntry{BuildID: b.ID, Timestamp: now, Level: req.Level, Message: req.Message})
	}

	if err := h.Catalog.AppendLogs(ctx, b.ID, entries); err != nil {
		httperr.Respond(w, r, log, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
