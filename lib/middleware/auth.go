package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/buildmesh/controller/lib/auth"
	"github.com/buildmesh/controller/lib/catalog"
)

// Authorizer implements the three-scope authorization model (spec §4.5):
// admin pre-shared key, build-owner token, worker id+access-token pair.
// Every comparison of secret material goes through auth.Equal
// (constant-time).
type Authorizer struct {
	catalog  catalog.Catalog
	adminKey string
}

// NewAuthorizer constructs an Authorizer. adminKey must already satisfy
// the minimum-length requirement; config.Validate enforces that.
func NewAuthorizer(cat catalog.Catalog, adminKey string) *Authorizer {
	return &Authorizer{catalog: cat, adminKey: adminKey}
}

// IsAdmin reports whether the request carries a valid admin key.
func (a *Authorizer) IsAdmin(r *http.Request) bool {
	return auth.CheckAdminKey(r.Header.Get(auth.HeaderAPIKey), a.adminKey)
}

// AuthorizeBuildAccess grants access to build if the request is admin, or
// carries the build-owner token matching build.AccessToken.
func (a *Authorizer) AuthorizeBuildAccess(r *http.Request, build *catalog.Build) error {
	if a.IsAdmin(r) {
		return nil
	}
	token := r.Header.Get(auth.HeaderBuildToken)
	if token == "" {
		return auth.ErrMissingCredential
	}
	if !auth.CheckBuildToken(token, build.AccessToken) {
		return auth.ErrInvalidCredential
	}
	return nil
}

// AuthorizeWorker validates the X-Worker-Id / X-Access-Token pair against
// the Catalog and returns the matching Worker.
func (a *Authorizer) AuthorizeWorker(ctx context.Context, r *http.Request) (*catalog.Worker, error) {
	workerID := r.Header.Get(auth.HeaderWorkerID)
	token := r.Header.Get(auth.HeaderAccessToken)
	if workerID == "" || token == "" {
		return nil, auth.ErrMissingCredential
	}
	w, err := a.catalog.GetWorker(ctx, workerID)
	if err != nil {
		return nil, auth.ErrInvalidCredential
	}
	if !auth.CheckWorkerToken(token, w.AccessToken) {
		return nil, auth.ErrInvalidCredential
	}
	if w.AccessTokenExpires.Before(time.Now()) {
		return nil, auth.ErrTokenExpired
	}
	return w, nil
}

// AuthorizeWorkerForBuild additionally verifies that build.WorkerID
// equals the presented worker id, preventing lateral access between
// workers (spec §4.5).
func (a *Authorizer) AuthorizeWorkerForBuild(ctx context.Context, r *http.Request, build *catalog.Build) (*catalog.Worker, error) {
	w, err := a.AuthorizeWorker(ctx, r)
	if err != nil {
		return nil, err
	}
	if build.WorkerID == nil || *build.WorkerID != w.ID {
		return nil, auth.ErrWorkerBuildMismatch
	}
	return w, nil
}

// RequireBuildIDHeader enforces the cert-egress/telemetry rule: the
// X-Build-Id header must equal the path's build id, a defense against
// URL-rewrite or logging leakage where the path is trusted less than a
// deliberately-supplied header.
func RequireBuildIDHeader(r *http.Request, pathBuildID string) error {
	hdr := r.Header.Get(auth.HeaderBuildID)
	if hdr == "" {
		return auth.ErrMissingCredential
	}
	if !auth.Equal(hdr, pathBuildID) {
		return auth.ErrBuildIDHeaderMismatch
	}
	return nil
}
