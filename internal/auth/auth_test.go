package auth

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/permissions"
)

func newTestService(t *testing.T) (*Service, *database.DB) {
	t.Helper()
	db := database.NewTestDB(t)
	return NewService(db.Auth, time.Hour, slog.Default()), db
}

func createAdmin(t *testing.T, db *database.DB, id, username, password string) {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	require.NoError(t, db.Auth.CreateAdmin(&database.Admin{
		ID: id, Username: username, PasswordHash: hash,
	}))
}

func TestLoginAndBearerResolution(t *testing.T) {
	svc, db := newTestService(t)
	createAdmin(t, db, "a1", "alice", "s3cret")

	_, _, err := svc.Login("alice", "wrong")
	require.Error(t, err)
	_, _, err = svc.Login("nobody", "s3cret")
	require.Error(t, err)

	admin, token, err := svc.Login("alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "a1", admin.ID)
	require.NotEmpty(t, token.Token)

	p, err := svc.ResolveAdminToken(token.Token)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.IsAdmin())
	assert.Equal(t, "a1", p.ID)
	assert.Equal(t, permissions.AllFlags, p.Authorities)

	require.NoError(t, svc.Logout(token.Token))
	p, err = svc.ResolveAdminToken(token.Token)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestResolveAPIKey(t *testing.T) {
	svc, db := newTestService(t)

	require.NoError(t, db.Auth.CreateAPIKey(&database.APIKey{
		ID: "k1", Name: "ci", Key: "sk-live-1",
		Permissions: uint32(permissions.MountCopy),
		Role:        string(permissions.RoleGeneral),
		BasicPath:   "/docs",
		IsEnable:    true,
	}))
	disabled := &database.APIKey{
		ID: "k2", Name: "off", Key: "sk-off", Role: string(permissions.RoleGeneral),
		BasicPath: "/", IsEnable: false,
	}
	require.NoError(t, db.Auth.CreateAPIKey(disabled))

	p, err := svc.ResolveAPIKey("sk-live-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, permissions.PrincipalAPIKey, p.Kind)
	assert.Equal(t, "/docs", p.BasicPath)
	// Explicit bits merge with the role preset.
	assert.True(t, permissions.Has(p.Authorities, permissions.MountCopy))
	assert.True(t, permissions.Has(p.Authorities, permissions.MountView))
	assert.False(t, permissions.Has(p.Authorities, permissions.MountDelete))
	require.NotNil(t, p.KeyInfo)
	assert.Equal(t, "ci", p.KeyInfo.Name)

	// Resolution records the use.
	keys, err := db.Auth.ListAPIKeys()
	require.NoError(t, err)
	for _, k := range keys {
		if k.ID == "k1" {
			assert.NotNil(t, k.LastUsed)
		}
	}

	p, err = svc.ResolveAPIKey("sk-off")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = svc.ResolveAPIKey("unknown")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestResolveBasic(t *testing.T) {
	svc, db := newTestService(t)
	createAdmin(t, db, "a1", "alice", "pw")
	require.NoError(t, db.Auth.CreateAPIKey(&database.APIKey{
		ID: "k1", Name: "dav", Key: "sk-dav",
		Role: string(permissions.RoleGeneral), BasicPath: "/", IsEnable: true,
	}))

	p, err := svc.ResolveBasic("alice", "pw")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.IsAdmin())

	// Api key secret accepted in either field.
	p, err = svc.ResolveBasic("sk-dav", "sk-dav")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, permissions.PrincipalAPIKey, p.Kind)

	p, err = svc.ResolveBasic("alice", "wrong")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestParseBasic(t *testing.T) {
	user, pass, ok := ParseBasic("Basic YWxpY2U6cHc=") // alice:pw
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "pw", pass)

	_, _, ok = ParseBasic("Bearer abc")
	assert.False(t, ok)
	_, _, ok = ParseBasic("Basic %%%")
	assert.False(t, ok)
}
