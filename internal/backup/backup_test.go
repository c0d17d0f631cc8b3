package backup

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/cloudpaste/internal/database"
)

func seedSource(t *testing.T) *database.DB {
	t.Helper()

	db := database.NewTestDB(t)
	database.SeedAdmin(t, db, "a1", "alice")
	require.NoError(t, db.Storage.Create(&database.StorageConfig{
		ID: "cfg1", Name: "primary", DriverKind: database.DriverLocal,
		DriverConfig: `{"rootPath":"/tmp/x"}`, IsPublic: true, AdminID: "a1",
	}))
	require.NoError(t, db.Mounts.Create(&database.StorageMount{
		ID: "m1", Name: "docs", StorageConfigID: "cfg1", MountPath: "/docs",
		IsActive: true, WebDAVPolicy: database.WebDAVPolicyNative, CreatedBy: "admin:a1",
	}))
	require.NoError(t, db.Shares.CreatePasteShare(&database.PasteShare{
		ID: "p1", Slug: "hello", Content: "hi there", CreatedBy: "admin:a1",
	}))
	require.NoError(t, db.Shares.SetPassword("paste_passwords", "p1", "hash", "plain"))
	return db
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := seedSource(t)
	engine := NewEngine(src.Connection(), slog.Default())

	env, err := engine.CreateBackup(BackupFull, nil)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, env.Metadata.Version)
	assert.Len(t, env.Metadata.Checksum, 16)
	assert.Equal(t, 1, env.Metadata.Tables["storage_mounts"])
	assert.Equal(t, 1, env.Metadata.Tables["paste_passwords"])

	// Serialize and decode, as a real download/upload cycle would.
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))

	dst := database.NewTestDB(t)
	restorer := NewEngine(dst.Connection(), slog.Default())

	res, err := restorer.Restore(&decoded, RestoreOptions{Mode: RestoreOverwrite})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed)
	assert.Greater(t, res.Inserted, 0)

	cfg, err := dst.Storage.Get("cfg1")
	require.NoError(t, err)
	assert.Equal(t, "a1", cfg.AdminID)
	m, err := dst.Mounts.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, "admin:a1", m.CreatedBy)

	paste, err := dst.Shares.GetPasteShareBySlug("hello")
	require.NoError(t, err)
	assert.Equal(t, "hi there", paste.Content)
	pw, err := dst.Shares.GetPassword("paste_passwords", "p1")
	require.NoError(t, err)
	assert.Equal(t, "hash", pw.PasswordHash)
}

func TestRestoreRemapsOwnership(t *testing.T) {
	src := seedSource(t)
	env, err := NewEngine(src.Connection(), slog.Default()).CreateBackup(BackupFull, nil)
	require.NoError(t, err)

	dst := database.NewTestDB(t)
	database.SeedAdmin(t, dst, "a2", "bob")
	restorer := NewEngine(dst.Connection(), slog.Default())

	_, err = restorer.Restore(env, RestoreOptions{
		Mode:           RestoreMerge,
		CurrentAdminID: "a2",
	})
	require.NoError(t, err)

	cfg, err := dst.Storage.Get("cfg1")
	require.NoError(t, err)
	assert.Equal(t, "a2", cfg.AdminID)
	m, err := dst.Mounts.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, "admin:a2", m.CreatedBy)
	paste, err := dst.Shares.GetPasteShareBySlug("hello")
	require.NoError(t, err)
	assert.Equal(t, "admin:a2", paste.CreatedBy)

	// API keys and admin tokens are never remapped: the backup's own
	// admin account came along, so a1's credentials still belong to a1.
	admin, err := dst.Auth.GetAdmin("a1")
	require.NoError(t, err)
	assert.Equal(t, "alice", admin.Username)
}

func TestRestoreRejectsTamperedChecksum(t *testing.T) {
	src := seedSource(t)
	engine := NewEngine(src.Connection(), slog.Default())
	env, err := engine.CreateBackup(BackupFull, nil)
	require.NoError(t, err)

	env.Data["pastes"][0]["content"] = "tampered"

	dst := database.NewTestDB(t)
	_, err = NewEngine(dst.Connection(), slog.Default()).Restore(env, RestoreOptions{Mode: RestoreMerge})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestRestoreRejectsMissingChecksum(t *testing.T) {
	src := seedSource(t)
	engine := NewEngine(src.Connection(), slog.Default())
	env, err := engine.CreateBackup(BackupFull, nil)
	require.NoError(t, err)

	env.Metadata.Checksum = ""

	dst := database.NewTestDB(t)
	restorer := NewEngine(dst.Connection(), slog.Default())
	_, err = restorer.Restore(env, RestoreOptions{Mode: RestoreMerge})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no checksum")

	// The explicit opt-out still restores it.
	res, err := restorer.Restore(env, RestoreOptions{Mode: RestoreMerge, SkipIntegrityCheck: true})
	require.NoError(t, err)
	assert.Greater(t, res.Inserted, 0)
}

func TestMergeModeIgnoresExistingRows(t *testing.T) {
	src := seedSource(t)
	engine := NewEngine(src.Connection(), slog.Default())
	env, err := engine.CreateBackup(BackupModules, []string{"text_management"})
	require.NoError(t, err)

	// Restoring into the same database: every row already exists.
	res, err := engine.Restore(env, RestoreOptions{Mode: RestoreMerge, SkipIntegrityCheck: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 0, res.Failed)
	assert.Greater(t, res.Ignored, 0)
}

func TestModuleExpansionPullsDependencies(t *testing.T) {
	included, auto, err := expandModules([]string{"mount_management"})
	require.NoError(t, err)
	assert.Equal(t, []string{"account_management", "mount_management", "storage_config"}, included)
	assert.Equal(t, []string{"account_management", "storage_config"}, auto)

	_, _, err = expandModules([]string{"bogus"})
	require.Error(t, err)
}

func TestRestoreOrderRespectsDependencies(t *testing.T) {
	order := restoreOrder([]string{"storage_mounts", "paste_passwords", "storage_configs", "admins", "pastes"})

	pos := map[string]int{}
	for i, t := range order {
		pos[t] = i
	}
	assert.Less(t, pos["admins"], pos["storage_configs"])
	assert.Less(t, pos["storage_configs"], pos["storage_mounts"])
	assert.Less(t, pos["pastes"], pos["paste_passwords"])
}

func TestIntegrityCheckFlagsDanglingRefs(t *testing.T) {
	src := seedSource(t)
	engine := NewEngine(src.Connection(), slog.Default())
	env, err := engine.CreateBackup(BackupModules, []string{"mount_management"})
	require.NoError(t, err)

	// Point the mount at a config that exists nowhere.
	env.Data["storage_mounts"][0]["storage_config_id"] = "ghost"
	checksum, err := Checksum(env.Data)
	require.NoError(t, err)
	env.Metadata.Checksum = checksum

	dst := database.NewTestDB(t)
	database.SeedAdmin(t, dst, "a1", "alice")
	restorer := NewEngine(dst.Connection(), slog.Default())

	_, err = restorer.Restore(env, RestoreOptions{Mode: RestoreMerge, StrictIntegrity: true})
	require.Error(t, err)

	res, err := restorer.Restore(env, RestoreOptions{Mode: RestoreMerge})
	require.NoError(t, err)
	require.Len(t, res.IntegrityIssues, 1)
	assert.Equal(t, "storage_mounts", res.IntegrityIssues[0].Table)
}

func TestChecksumStability(t *testing.T) {
	a := map[string][]map[string]any{
		"t": {{"b": 1, "a": "x", "nested": map[string]any{"z": true, "y": nil}}},
	}
	b := map[string][]map[string]any{
		"t": {{"nested": map[string]any{"y": nil, "z": true}, "a": "x", "b": 1}},
	}
	ca, err := Checksum(a)
	require.NoError(t, err)
	cb, err := Checksum(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
	assert.Len(t, ca, 16)
}
