package scheduler

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/cloudpaste/internal/database"
)

func newScheduler(t *testing.T) (*Scheduler, *database.DB) {
	t.Helper()

	db := database.NewTestDB(t)
	require.NoError(t, db.Auth.CreateAdmin(&database.Admin{
		ID: "a1", Username: "alice", PasswordHash: "x",
	}))

	s := New(db, slog.Default())
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s, db
}

func countRuns(t *testing.T, db *database.DB, jobID, status string) int {
	t.Helper()
	var n int
	err := db.Connection().QueryRow(
		`SELECT COUNT(*) FROM scheduled_job_runs WHERE job_id = ? AND status = ?`,
		jobID, status).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestUploadSessionSweep(t *testing.T) {
	s, db := newScheduler(t)

	stale := &database.UploadSession{
		ID: "u-stale", UserID: "a1", UserKind: "admin", MountID: "m1",
		FsPath: "/docs/big.bin", FileSize: 100, MimeType: "application/octet-stream",
		Strategy: database.StrategySingleSession, PartSize: 100, TotalParts: 1,
		Status: database.UploadActive, ExpiresAt: time.Now().Add(-time.Hour),
	}
	fresh := &database.UploadSession{
		ID: "u-fresh", UserID: "a1", UserKind: "admin", MountID: "m1",
		FsPath: "/docs/other.bin", FileSize: 100, MimeType: "application/octet-stream",
		Strategy: database.StrategySingleSession, PartSize: 100, TotalParts: 1,
		Status: database.UploadActive, ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, db.Uploads.Create(stale))
	require.NoError(t, db.Uploads.Create(fresh))

	require.NoError(t, s.RunNow("upload-session-sweep"))

	got, err := db.Uploads.Get("u-stale")
	require.NoError(t, err)
	assert.Equal(t, database.UploadExpired, got.Status)

	got, err = db.Uploads.Get("u-fresh")
	require.NoError(t, err)
	assert.Equal(t, database.UploadActive, got.Status)

	assert.Equal(t, 1, countRuns(t, db, "upload-session-sweep", "success"))
}

func TestShareExpirySweep(t *testing.T) {
	s, db := newScheduler(t)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, db.Shares.CreatePasteShare(&database.PasteShare{
		ID: "p-old", Slug: "old", Content: "gone", ExpiresAt: &past, CreatedBy: "admin:a1",
	}))
	require.NoError(t, db.Shares.CreatePasteShare(&database.PasteShare{
		ID: "p-live", Slug: "live", Content: "here", CreatedBy: "admin:a1",
	}))

	require.NoError(t, s.RunNow("share-expiry-sweep"))

	gone, err := db.Shares.GetPasteShareBySlug("old")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := db.Shares.GetPasteShareBySlug("live")
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestAdminTokenSweep(t *testing.T) {
	s, db := newScheduler(t)

	require.NoError(t, db.Auth.CreateToken(&database.AdminToken{
		Token: "t-old", AdminID: "a1", ExpiresAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, db.Auth.CreateToken(&database.AdminToken{
		Token: "t-live", AdminID: "a1", ExpiresAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, s.RunNow("admin-token-sweep"))

	admin, err := db.Auth.ResolveToken("t-old")
	require.NoError(t, err)
	assert.Nil(t, admin)

	admin, err = db.Auth.ResolveToken("t-live")
	require.NoError(t, err)
	require.NotNil(t, admin)
}

func TestRunNowRejectsUnknownJob(t *testing.T) {
	s, _ := newScheduler(t)
	assert.Error(t, s.RunNow("no-such-job"))
}
