package webdav

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/cloudpaste/internal/auth"
	"github.com/cloudpaste/cloudpaste/internal/cachebus"
	"github.com/cloudpaste/cloudpaste/internal/config"
	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/dircache"
	"github.com/cloudpaste/cloudpaste/internal/driver/localfs"
	"github.com/cloudpaste/cloudpaste/internal/encryption"
	"github.com/cloudpaste/cloudpaste/internal/mount"
	"github.com/cloudpaste/cloudpaste/internal/permissions"
	"github.com/cloudpaste/cloudpaste/internal/vfs"
)

type davFixture struct {
	db      *database.DB
	handler *Handler
}

func newDavFixture(t *testing.T, getCfg config.ConfigGetter) *davFixture {
	t.Helper()

	db := database.NewTestDB(t)

	hash, err := auth.HashPassword("pw")
	require.NoError(t, err)
	require.NoError(t, db.Auth.CreateAdmin(&database.Admin{
		ID: "a1", Username: "alice", PasswordHash: hash,
	}))

	logger := slog.Default()
	cipher, err := encryption.New("test-secret")
	require.NoError(t, err)

	resolver := mount.NewResolver(db.Mounts, db.Storage, cipher, logger)
	cache, err := dircache.New(dircache.Config{})
	require.NoError(t, err)
	bus := cachebus.New(logger)
	require.True(t, cachebus.WireFSInvalidation(bus, logger, cache, resolver, resolver))
	fs := vfs.New(resolver, cache, bus, db.FsMeta, logger)

	if getCfg == nil {
		getCfg = func() *config.Config { return config.DefaultConfig() }
	}
	authSvc := auth.NewService(db.Auth, time.Hour, logger)

	return &davFixture{
		db:      db,
		handler: NewHandler(getCfg, fs, authSvc, logger),
	}
}

func (f *davFixture) addLocalMount(t *testing.T, path string) {
	t.Helper()

	cfgJSON, err := json.Marshal(localfs.Config{RootPath: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, f.db.Storage.Create(&database.StorageConfig{
		ID:           "cfg-" + strings.Trim(path, "/"),
		Name:         "cfg-" + strings.Trim(path, "/"),
		DriverKind:   database.DriverLocal,
		DriverConfig: string(cfgJSON),
		IsPublic:     true,
		AdminID:      "a1",
	}))
	require.NoError(t, f.db.Mounts.Create(&database.StorageMount{
		ID:              "m-" + strings.Trim(path, "/"),
		Name:            "m-" + strings.Trim(path, "/"),
		StorageConfigID: "cfg-" + strings.Trim(path, "/"),
		MountPath:       path,
		IsActive:        true,
		WebDAVPolicy:    database.WebDAVPolicyNative,
		CreatedBy:       "admin:a1",
	}))
}

func (f *davFixture) do(method, target, body string, auth func(*http.Request)) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if auth != nil {
		auth(req)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func asAdmin(req *http.Request) { req.SetBasicAuth("alice", "pw") }

func TestUnauthenticatedRequestsAreChallenged(t *testing.T) {
	f := newDavFixture(t, nil)

	rec := f.do("PROPFIND", "/dav/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec = f.do("PROPFIND", "/dav/", "", func(r *http.Request) {
		r.SetBasicAuth("alice", "wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminPutGetMoveDelete(t *testing.T) {
	f := newDavFixture(t, nil)
	f.addLocalMount(t, "/docs")

	rec := f.do(http.MethodPut, "/dav/docs/hello.txt", "hello webdav", asAdmin)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodGet, "/dav/docs/hello.txt", "", asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello webdav", rec.Body.String())

	rec = f.do("PROPFIND", "/dav/docs/", "", func(r *http.Request) {
		asAdmin(r)
		r.Header.Set("Depth", "1")
	})
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello.txt")

	rec = f.do("MOVE", "/dav/docs/hello.txt", "", func(r *http.Request) {
		asAdmin(r)
		r.Header.Set("Destination", "http://example.com/dav/docs/renamed.txt")
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodGet, "/dav/docs/renamed.txt", "", asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodDelete, "/dav/docs/renamed.txt", "", asAdmin)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/dav/docs/renamed.txt", "", asAdmin)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMkcolCreatesDirectory(t *testing.T) {
	f := newDavFixture(t, nil)
	f.addLocalMount(t, "/docs")

	rec := f.do("MKCOL", "/dav/docs/sub", "", asAdmin)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do("PROPFIND", "/dav/docs/", "", func(r *http.Request) {
		asAdmin(r)
		r.Header.Set("Depth", "1")
	})
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Contains(t, rec.Body.String(), "sub")
}

func TestAPIKeyReadOnlyAccess(t *testing.T) {
	f := newDavFixture(t, nil)
	f.addLocalMount(t, "/docs")

	require.NoError(t, f.db.Auth.CreateAPIKey(&database.APIKey{
		ID:          "k1",
		Name:        "reader",
		Key:         "reader-secret",
		Permissions: uint32(permissions.WebDAVRead | permissions.MountView),
		Role:        string(permissions.RoleGuest),
		BasicPath:   "/docs",
		IsEnable:    true,
	}))

	rec := f.do(http.MethodPut, "/dav/docs/seed.txt", "seed", asAdmin)
	require.Equal(t, http.StatusCreated, rec.Code)

	asKey := func(r *http.Request) { r.SetBasicAuth("reader", "reader-secret") }

	rec = f.do(http.MethodGet, "/dav/docs/seed.txt", "", asKey)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "seed", rec.Body.String())

	rec = f.do(http.MethodPut, "/dav/docs/blocked.txt", "nope", asKey)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodDelete, "/dav/docs/seed.txt", "", asKey)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPIKeyPathScopeAppliesToMove(t *testing.T) {
	f := newDavFixture(t, nil)
	f.addLocalMount(t, "/docs")
	f.addLocalMount(t, "/other")

	require.NoError(t, f.db.Auth.CreateAPIKey(&database.APIKey{
		ID:          "k2",
		Name:        "writer",
		Key:         "writer-secret",
		Permissions: uint32(permissions.WebDAVRead | permissions.WebDAVManage | permissions.MountView | permissions.MountUpload | permissions.MountRename),
		Role:        string(permissions.RoleGuest),
		BasicPath:   "/docs",
		IsEnable:    true,
	}))

	asKey := func(r *http.Request) { r.SetBasicAuth("writer", "writer-secret") }

	rec := f.do(http.MethodPut, "/dav/docs/a.txt", "a", asKey)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Destination outside the key's path scope is rejected before the
	// rename reaches the filesystem.
	rec = f.do("MOVE", "/dav/docs/a.txt", "", func(r *http.Request) {
		asKey(r)
		r.Header.Set("Destination", "http://example.com/dav/other/a.txt")
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do("MOVE", "/dav/docs/a.txt", "", func(r *http.Request) {
		asKey(r)
		r.Header.Set("Destination", "http://example.com/dav/docs/b.txt")
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestDisabledChannelReturnsNotFound(t *testing.T) {
	disabled := false
	f := newDavFixture(t, func() *config.Config {
		cfg := config.DefaultConfig()
		cfg.WebDAV.Enabled = &disabled
		return cfg
	})

	rec := f.do("PROPFIND", "/dav/", "", asAdmin)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
