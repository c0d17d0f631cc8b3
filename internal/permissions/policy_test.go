package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scopedKey() *Principal {
	return &Principal{
		Kind:        PrincipalAPIKey,
		ID:          "key-1",
		Authorities: MountView | MountUpload,
		BasicPath:   "/team",
		Role:        RoleGeneral,
	}
}

func TestAuthorizeGuestRejected(t *testing.T) {
	d := Authorize(nil, Lookup("fs.read"), Guest(), Request{Method: "GET", Paths: []string{"/team"}})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnauthenticated, d.Reason)
	assert.Equal(t, 401, d.Status)
}

func TestAuthorizeAdminBypass(t *testing.T) {
	d := Authorize(nil, Lookup("fs.delete"), Admin("a1"), Request{Method: "POST", Paths: []string{"/anything"}})
	assert.True(t, d.Allowed)
}

func TestAuthorizeMissingPermission(t *testing.T) {
	d := Authorize(nil, Lookup("fs.delete"), scopedKey(), Request{Method: "POST", Paths: []string{"/team/x"}})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMissingPermission, d.Reason)
	assert.Equal(t, 403, d.Status)
}

func TestAuthorizePathScope(t *testing.T) {
	p := scopedKey()

	// Upload under the scope: allowed.
	d := Authorize(nil, Lookup("fs.upload"), p, Request{Method: "POST", Paths: []string{"/team/docs"}})
	assert.True(t, d.Allowed)

	// Upload outside the scope: path_scope denial.
	d = Authorize(nil, Lookup("fs.upload"), p, Request{Method: "POST", Paths: []string{"/other"}})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPathScope, d.Reason)

	// Listing the scope itself in navigation mode: allowed.
	d = Authorize(nil, Lookup("fs.read"), p, Request{Method: "GET", Paths: []string{"/team"}})
	assert.True(t, d.Allowed)

	// Root in operation mode: denied. Root in navigation mode: allowed
	// because it is an ancestor of the scope.
	d = Authorize(nil, Lookup("fs.upload"), p, Request{Method: "POST", Paths: []string{"/"}})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPathScope, d.Reason)

	d = Authorize(nil, Lookup("fs.read"), p, Request{Method: "GET", Paths: []string{"/"}})
	assert.True(t, d.Allowed)
}

func TestAuthorizeSiblingPrefixNotInScope(t *testing.T) {
	// "/teamster" shares a string prefix with "/team" but is not inside it.
	d := Authorize(nil, Lookup("fs.upload"), scopedKey(), Request{Method: "POST", Paths: []string{"/teamster/a"}})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPathScope, d.Reason)
}

func TestAuthorizeCustomCheck(t *testing.T) {
	policy := &Policy{
		ID:          "test.custom",
		RequireAuth: true,
		Custom:      func(p *Principal) bool { return p.Role == RoleAdmin },
		Message:     "nope",
	}
	d := Authorize(nil, policy, scopedKey(), Request{})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCustomCheck, d.Reason)
}

func TestAuthorizeAnyMode(t *testing.T) {
	policy := &Policy{
		ID:          "test.any",
		Permissions: []Flag{MountDelete, MountUpload},
		Mode:        ModeAny,
		RequireAuth: true,
	}
	d := Authorize(nil, policy, scopedKey(), Request{})
	assert.True(t, d.Allowed)
}

func TestLookupKnownPolicies(t *testing.T) {
	for _, id := range []string{
		"auth.authenticated", "admin.all",
		"fs.read", "fs.upload", "fs.copy", "fs.rename", "fs.delete",
		"webdav.read", "webdav.manage", "text.share", "file.share",
	} {
		require.NotNil(t, Lookup(id), id)
	}
	assert.Nil(t, Lookup("no.such.policy"))
}
