package tasks

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/cloudpaste/internal/config"
	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/driver"
	"github.com/cloudpaste/cloudpaste/internal/permissions"
)

// fakeFS scripts CopyItem outcomes per source path.
type fakeFS struct {
	mu    sync.Mutex
	sizes map[string]int64
	// script maps a source path to a queue of outcomes; an error entry
	// fails that attempt, a nil entry succeeds.
	script map[string][]error
	copies int
}

func (f *fakeFS) GetFileInfo(ctx context.Context, path string, principal *permissions.Principal) (*driver.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.sizes[path]
	if !ok {
		return nil, driver.NewNotFound(path)
	}
	return &driver.FileInfo{Name: path, Path: path, Size: size}, nil
}

func (f *fakeFS) CopyItem(ctx context.Context, src, tgt string, principal *permissions.Principal, opts driver.CopyOptions) (*driver.CopyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies++

	queue := f.script[src]
	if len(queue) > 0 {
		next := queue[0]
		f.script[src] = queue[1:]
		if next != nil {
			return nil, next
		}
	}
	size := f.sizes[src]
	if opts.OnProgress != nil {
		opts.OnProgress(size)
	}
	return &driver.CopyResult{Status: driver.CopySuccess, Source: src, Target: tgt, ContentLength: size}, nil
}

func testConfigGetter() config.ConfigGetter {
	cfg := config.DefaultConfig()
	return func() *config.Config { return cfg }
}

func newTestManager(t *testing.T, fs FileSystem) (*Manager, *database.TaskDB) {
	t.Helper()
	db := database.NewTestTaskDB(t)
	m := NewManager(db.Tasks, fs, testConfigGetter(), slog.Default())
	m.Register(NewCopyHandler(slog.Default()))
	return m, db
}

func copyPayload(t *testing.T, items []CopyPayloadItem, opts CopyTaskOptions) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(CopyPayload{Items: items, Options: opts})
	require.NoError(t, err)
	return raw
}

func TestCreateJobValidatesPayload(t *testing.T) {
	m, _ := newTestManager(t, &fakeFS{})

	_, err := m.CreateJob("copy", json.RawMessage(`{"items":[]}`), permissions.Admin("a1"))
	require.Error(t, err)

	_, err = m.CreateJob("nope", json.RawMessage(`{}`), permissions.Admin("a1"))
	require.Error(t, err)

	job, err := m.CreateJob("copy", copyPayload(t, []CopyPayloadItem{
		{SourcePath: "/src/a.txt", TargetPath: "/dst/a.txt"},
	}, CopyTaskOptions{}), permissions.Admin("a1"))
	require.NoError(t, err)
	assert.Regexp(t, `^copy-\d{10}-[a-z0-9]{6}$`, job.ID)
	assert.Equal(t, database.TaskPending, job.Status)

	var stats copyStats
	require.NoError(t, json.Unmarshal([]byte(job.Stats), &stats))
	assert.Equal(t, 1, stats.TotalItems)
}

func TestCopyJobRetriesTransientFailure(t *testing.T) {
	fs := &fakeFS{
		sizes: map[string]int64{"/src/big.bin": 10485760},
		script: map[string][]error{
			// First attempt dies mid-transfer, second succeeds.
			"/src/big.bin": {&driver.Error{Code: "ECONNRESET", Message: "connection reset"}, nil},
		},
	}
	m, _ := newTestManager(t, fs)

	job, err := m.CreateJob("copy", copyPayload(t, []CopyPayloadItem{
		{SourcePath: "/src/big.bin", TargetPath: "/dst/big.bin"},
	}, CopyTaskOptions{RetryPolicy: &RetryPolicy{Limit: 2, DelayMS: 1, Backoff: "exponential"}}), permissions.Admin("a1"))
	require.NoError(t, err)

	claimed, err := m.runOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	rec, err := m.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, database.TaskCompleted, rec.Status)

	var stats copyStats
	require.NoError(t, json.Unmarshal([]byte(rec.Stats), &stats))
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 0, stats.FailedCount)
	assert.EqualValues(t, 10485760, stats.BytesTransferred)
	require.Len(t, stats.ItemResults, 1)
	assert.Equal(t, "success", stats.ItemResults[0].Status)
	assert.Equal(t, 1, stats.ItemResults[0].RetryCount)
}

func TestCopyJobPartialOutcome(t *testing.T) {
	fs := &fakeFS{
		sizes: map[string]int64{"/ok.txt": 3, "/bad.txt": 4},
		script: map[string][]error{
			// A 404 is terminal, no retries.
			"/bad.txt": {driver.NewNotFound("/bad.txt")},
		},
	}
	m, _ := newTestManager(t, fs)

	job, err := m.CreateJob("copy", copyPayload(t, []CopyPayloadItem{
		{SourcePath: "/ok.txt", TargetPath: "/dst/ok.txt"},
		{SourcePath: "/bad.txt", TargetPath: "/dst/bad.txt"},
	}, CopyTaskOptions{RetryPolicy: &RetryPolicy{Limit: 2, DelayMS: 1, Backoff: "linear"}}), permissions.Admin("a1"))
	require.NoError(t, err)

	_, err = m.runOnce(context.Background())
	require.NoError(t, err)

	rec, err := m.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, database.TaskPartial, rec.Status)

	var stats copyStats
	require.NoError(t, json.Unmarshal([]byte(rec.Stats), &stats))
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailedCount)
	assert.Equal(t, 2, stats.ProcessedItems)
	assert.Equal(t, "failed", stats.ItemResults[1].Status)
	assert.Equal(t, 0, stats.ItemResults[1].RetryCount)
	// Only one copy attempt for the terminal failure.
	assert.Equal(t, 2, fs.copies)
}

func TestCancelledJobStaysCancelled(t *testing.T) {
	fs := &fakeFS{sizes: map[string]int64{"/a.txt": 1}}
	m, db := newTestManager(t, fs)

	job, err := m.CreateJob("copy", copyPayload(t, []CopyPayloadItem{
		{SourcePath: "/a.txt", TargetPath: "/b.txt"},
	}, CopyTaskOptions{}), permissions.Admin("a1"))
	require.NoError(t, err)

	// Cancel before a worker picks it up: the claim still happens, but
	// the cancellation must survive the run.
	ok, err := db.Tasks.Cancel(job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	claimed, err := m.runOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)

	rec, err := m.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, database.TaskCancelled, rec.Status)
}

// slowFailFS reports mid-transfer progress slowly enough for a persist
// to fire, records what got persisted, then fails the item terminally.
type slowFailFS struct {
	repo *database.TaskRepository
	seen []int64
}

func (f *slowFailFS) GetFileInfo(ctx context.Context, path string, principal *permissions.Principal) (*driver.FileInfo, error) {
	return &driver.FileInfo{Name: path, Path: path, Size: 800}, nil
}

func (f *slowFailFS) CopyItem(ctx context.Context, src, tgt string, principal *permissions.Principal, opts driver.CopyOptions) (*driver.CopyResult, error) {
	time.Sleep(progressInterval + 50*time.Millisecond)
	opts.OnProgress(800)

	recs, err := f.repo.List(database.TaskFilter{Limit: 1})
	if err == nil && len(recs) == 1 {
		var stats copyStats
		if json.Unmarshal([]byte(recs[0].Stats), &stats) == nil {
			f.seen = append(f.seen, stats.BytesTransferred)
		}
	}
	return nil, driver.NewNotFound(src)
}

func TestPersistedProgressNeverDecreases(t *testing.T) {
	fs := &slowFailFS{}
	m, db := newTestManager(t, fs)
	fs.repo = db.Tasks

	job, err := m.CreateJob("copy", copyPayload(t, []CopyPayloadItem{
		{SourcePath: "/src/flaky.bin", TargetPath: "/dst/flaky.bin"},
	}, CopyTaskOptions{}), permissions.Admin("a1"))
	require.NoError(t, err)

	_, err = m.runOnce(context.Background())
	require.NoError(t, err)

	// The mid-transfer persist recorded the partial bytes.
	require.Len(t, fs.seen, 1)
	assert.EqualValues(t, 800, fs.seen[0])

	// The failure must not roll the persisted counter back below it.
	rec, err := m.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, database.TaskFailed, rec.Status)
	var stats copyStats
	require.NoError(t, json.Unmarshal([]byte(rec.Stats), &stats))
	assert.GreaterOrEqual(t, stats.BytesTransferred, fs.seen[0])
	assert.Equal(t, 1, stats.FailedCount)
}

// fakeLoader scripts PrincipalForKey per key id.
type fakeLoader struct {
	principals map[string]*permissions.Principal
}

func (f *fakeLoader) PrincipalForKey(id string) (*permissions.Principal, error) {
	return f.principals[id], nil
}

func TestExecutionPrincipalReloadsAPIKeyScope(t *testing.T) {
	m, _ := newTestManager(t, &fakeFS{})
	m.SetPrincipalLoader(&fakeLoader{principals: map[string]*permissions.Principal{
		"k1": {
			Kind:        permissions.PrincipalAPIKey,
			ID:          "k1",
			Authorities: permissions.MountView | permissions.MountCopy,
			BasicPath:   "/docs",
			Role:        permissions.RoleGuest,
		},
	}})
	exec := &ExecutionContext{manager: m, jobID: "j1"}

	// The stored key's permission bits and path scope come back intact.
	p := exec.Principal(&database.TaskRecord{ID: "j1", UserID: "k1", UserKind: string(permissions.PrincipalAPIKey)})
	assert.Equal(t, "/docs", p.BasicPath)
	assert.True(t, permissions.Has(p.Authorities, permissions.MountCopy))
	assert.False(t, permissions.Has(p.Authorities, permissions.MountUpload))

	// A key deleted since the job was queued can no longer do anything.
	p = exec.Principal(&database.TaskRecord{ID: "j2", UserID: "gone", UserKind: string(permissions.PrincipalAPIKey)})
	require.NotNil(t, p)
	assert.Equal(t, permissions.Flag(0), p.Authorities)

	// Admin jobs are rebuilt with full authority as before.
	p = exec.Principal(&database.TaskRecord{ID: "j3", UserID: "a1", UserKind: string(permissions.PrincipalAdmin)})
	assert.True(t, p.IsAdmin())
}

func TestFinalStatusDerivation(t *testing.T) {
	status, msg := finalStatus(`{"successCount":2,"failedCount":0}`, nil)
	assert.Equal(t, database.TaskCompleted, status)
	assert.Nil(t, msg)

	status, _ = finalStatus(`{"successCount":0,"failedCount":3}`, nil)
	assert.Equal(t, database.TaskFailed, status)

	status, _ = finalStatus(`{"successCount":1,"failedCount":1}`, nil)
	assert.Equal(t, database.TaskPartial, status)

	// Skipped-only runs count as completed.
	status, _ = finalStatus(`{"successCount":0,"failedCount":0,"skippedCount":4}`, nil)
	assert.Equal(t, database.TaskCompleted, status)

	status, msg = finalStatus(`{}`, assert.AnError)
	assert.Equal(t, database.TaskFailed, status)
	require.NotNil(t, msg)
}
