package localfs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/driver"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()

	cfgJSON, err := json.Marshal(Config{RootPath: t.TempDir()})
	require.NoError(t, err)

	d := &Driver{
		cfg: &database.StorageConfig{
			ID:           "cfg1",
			DriverKind:   database.DriverLocal,
			DriverConfig: string(cfgJSON),
		},
		logger: slog.Default(),
	}
	require.NoError(t, d.Initialize(context.Background()))
	return d
}

func put(t *testing.T, d *Driver, path, content string) {
	t.Helper()
	err := d.UploadFile(context.Background(), path, strings.NewReader(content), driver.UploadOptions{Size: int64(len(content))})
	require.NoError(t, err)
}

func TestUploadListDownload(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	put(t, d, "/docs/a.txt", "hello world")
	require.NoError(t, d.CreateDirectory(ctx, "/docs/sub"))

	listing, err := d.ListDirectory(ctx, "/docs", driver.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/docs/", listing.Path)
	require.Len(t, listing.Items, 2)
	// Directories sort first.
	assert.Equal(t, "sub", listing.Items[0].Name)
	assert.True(t, listing.Items[0].IsDirectory)
	assert.Equal(t, "a.txt", listing.Items[1].Name)
	assert.EqualValues(t, 11, listing.Items[1].Size)

	info, err := d.GetFileInfo(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.False(t, info.IsDirectory)
	assert.NotEmpty(t, info.ETag)

	desc, err := d.DownloadFile(ctx, "/docs/a.txt")
	require.NoError(t, err)
	require.NotNil(t, desc.Size)
	assert.EqualValues(t, 11, *desc.Size)

	h, err := desc.GetStream(ctx)
	require.NoError(t, err)
	body, err := io.ReadAll(h.Stream)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.Equal(t, "hello world", string(body))
}

func TestDownloadRange(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	put(t, d, "/a.txt", "0123456789")

	desc, err := d.DownloadFile(ctx, "/a.txt")
	require.NoError(t, err)

	h, err := desc.GetRange(ctx, 2, 5)
	require.NoError(t, err)
	assert.True(t, h.SupportsRange)
	body, err := io.ReadAll(h.Stream)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.Equal(t, "2345", string(body))
}

func TestDownloadMissingIsNotFound(t *testing.T) {
	d := newTestDriver(t)

	_, err := d.DownloadFile(context.Background(), "/nope.txt")
	require.Error(t, err)
	assert.True(t, driver.IsNotFound(err))
}

func TestCopySkipExisting(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	put(t, d, "/src.txt", "data")
	put(t, d, "/dst.txt", "already here")

	res, err := d.CopyItem(ctx, "/src.txt", "/dst.txt", driver.CopyOptions{SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, driver.CopySkipped, res.Status)

	res, err = d.CopyItem(ctx, "/src.txt", "/fresh.txt", driver.CopyOptions{})
	require.NoError(t, err)
	assert.Equal(t, driver.CopySuccess, res.Status)
	assert.EqualValues(t, 4, res.ContentLength)
}

func TestCopyDirectoryRecursive(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	put(t, d, "/dir/a.txt", "aa")
	put(t, d, "/dir/sub/b.txt", "bbb")

	res, err := d.CopyItem(ctx, "/dir", "/copy", driver.CopyOptions{})
	require.NoError(t, err)
	assert.Equal(t, driver.CopySuccess, res.Status)
	assert.EqualValues(t, 5, res.ContentLength)

	info, err := d.GetFileInfo(ctx, "/copy/sub/b.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 3, info.Size)
}

func TestRenameAndBatchRemove(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	put(t, d, "/a.txt", "x")
	put(t, d, "/b.txt", "y")

	require.NoError(t, d.RenameItem(ctx, "/a.txt", "/moved/a.txt"))
	_, err := d.GetFileInfo(ctx, "/a.txt")
	assert.True(t, driver.IsNotFound(err))

	res, err := d.BatchRemoveItems(ctx, []string{"/moved", "/b.txt"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)
	assert.Empty(t, res.Failed)
}

func TestPathTraversalRejected(t *testing.T) {
	d := newTestDriver(t)

	_, err := d.GetFileInfo(context.Background(), "/../etc/passwd")
	// Clean collapses the traversal to /etc/passwd inside the root, so a
	// not-found is also acceptable; what must never happen is escaping.
	require.Error(t, err)
}
