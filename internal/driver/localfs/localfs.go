// Package localfs implements the LOCAL storage driver on top of a
// directory on the server's filesystem.
package localfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/driver"
	"github.com/cloudpaste/cloudpaste/internal/pathutil"
	"github.com/cloudpaste/cloudpaste/internal/streaming"
)

func init() {
	driver.Register(database.DriverLocal, func(cfg *database.StorageConfig, secrets driver.SecretDecrypter, logger *slog.Logger) driver.Driver {
		return &Driver{cfg: cfg, logger: logger.With("driver", "localfs", "storage_config", cfg.ID)}
	})
}

// Config is the driver_config blob for LOCAL storage. It carries no
// secret fields.
type Config struct {
	RootPath string `json:"rootPath"`
}

// Driver serves a subtree of the local filesystem.
type Driver struct {
	cfg    *database.StorageConfig
	logger *slog.Logger

	root string
	fs   afero.Fs
}

var _ interface {
	driver.Driver
	driver.Reader
	driver.Writer
	driver.Atomic
	driver.Proxy
	driver.CrossStorage
} = (*Driver)(nil)

func (d *Driver) DeclaredCapabilities() driver.Capability {
	return driver.CapReader | driver.CapWriter | driver.CapAtomic | driver.CapProxy | driver.CapCrossStorage
}

func (d *Driver) Kind() database.DriverKind { return database.DriverLocal }

func (d *Driver) Initialize(ctx context.Context) error {
	var cfg Config
	if err := json.Unmarshal([]byte(d.cfg.DriverConfig), &cfg); err != nil {
		return fmt.Errorf("parse local driver config: %w", err)
	}
	if cfg.RootPath == "" {
		return fmt.Errorf("local driver config missing rootPath")
	}
	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create root %s: %w", root, err)
	}
	d.root = root
	d.fs = afero.NewBasePathFs(afero.NewOsFs(), root)
	return nil
}

func (d *Driver) Cleanup(ctx context.Context) error { return nil }

// rel converts a mount-relative virtual path into an fs-relative one,
// refusing traversal outside the root.
func (d *Driver) rel(p string) (string, error) {
	clean := path.Clean("/" + p)
	if strings.Contains(clean, "..") {
		return "", driver.NewForbidden("path escapes storage root")
	}
	return strings.TrimPrefix(clean, "/"), nil
}

func (d *Driver) ListDirectory(ctx context.Context, p string, opts driver.ListOptions) (*driver.Listing, error) {
	rel, err := d.rel(p)
	if err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(d.fs, rel)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, driver.NewNotFound(p)
		}
		return nil, driver.WrapInternal("list directory", err)
	}

	dir := pathutil.NormalizeDir(p)
	listing := &driver.Listing{
		Path:   dir,
		Type:   "directory",
		IsRoot: dir == "/",
	}
	for _, e := range entries {
		if opts.Limit > 0 && len(listing.Items) >= opts.Limit {
			break
		}
		listing.Items = append(listing.Items, fileInfo(dir+e.Name(), e))
	}
	sort.Slice(listing.Items, func(i, j int) bool {
		if listing.Items[i].IsDirectory != listing.Items[j].IsDirectory {
			return listing.Items[i].IsDirectory
		}
		return listing.Items[i].Name < listing.Items[j].Name
	})
	return listing, nil
}

func fileInfo(virtualPath string, fi os.FileInfo) driver.FileInfo {
	mod := fi.ModTime()
	info := driver.FileInfo{
		Name:        fi.Name(),
		Path:        virtualPath,
		IsDirectory: fi.IsDir(),
		Modified:    &mod,
	}
	if fi.IsDir() {
		info.Path = pathutil.NormalizeDir(virtualPath)
		return info
	}
	info.Size = fi.Size()
	info.MimeType = mime.TypeByExtension(path.Ext(fi.Name()))
	info.ETag = fmt.Sprintf("%x-%x", mod.UnixNano(), fi.Size())
	return info
}

func (d *Driver) GetFileInfo(ctx context.Context, p string) (*driver.FileInfo, error) {
	rel, err := d.rel(p)
	if err != nil {
		return nil, err
	}
	fi, err := d.fs.Stat(rel)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, driver.NewNotFound(p)
		}
		return nil, driver.WrapInternal("stat", err)
	}
	info := fileInfo(pathutil.Normalize(p), fi)
	return &info, nil
}

func (d *Driver) DownloadFile(ctx context.Context, p string) (*streaming.StreamDescriptor, error) {
	info, err := d.GetFileInfo(ctx, p)
	if err != nil {
		return nil, err
	}
	if info.IsDirectory {
		return nil, driver.NewNotFound(p)
	}
	rel, err := d.rel(p)
	if err != nil {
		return nil, err
	}

	size := info.Size
	return &streaming.StreamDescriptor{
		Size:         &size,
		ContentType:  info.MimeType,
		ETag:         info.ETag,
		LastModified: info.Modified,
		GetStream: func(ctx context.Context) (*streaming.StreamHandle, error) {
			f, err := d.fs.Open(rel)
			if err != nil {
				return nil, driver.WrapInternal("open", err)
			}
			return &streaming.StreamHandle{Stream: f}, nil
		},
		GetRange: func(ctx context.Context, start, end int64) (*streaming.StreamHandle, error) {
			f, err := d.fs.Open(rel)
			if err != nil {
				return nil, driver.WrapInternal("open", err)
			}
			if _, err := f.Seek(start, io.SeekStart); err != nil {
				_ = f.Close()
				return nil, driver.WrapInternal("seek", err)
			}
			var rc io.ReadCloser = f
			if end >= start {
				rc = &limitedReadCloser{r: io.LimitReader(f, end-start+1), c: f}
			}
			return &streaming.StreamHandle{Stream: rc, SupportsRange: true}, nil
		},
	}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

func (d *Driver) UploadFile(ctx context.Context, p string, src io.Reader, opts driver.UploadOptions) error {
	rel, err := d.rel(p)
	if err != nil {
		return err
	}
	if err := d.fs.MkdirAll(path.Dir(rel), 0o755); err != nil {
		return driver.WrapInternal("create parent", err)
	}
	f, err := d.fs.Create(rel)
	if err != nil {
		return driver.WrapInternal("create", err)
	}
	defer f.Close()

	var w io.Writer = f
	if opts.OnProgress != nil {
		w = &progressWriter{w: f, report: opts.OnProgress}
	}
	if _, err := io.Copy(w, src); err != nil {
		return driver.WrapInternal("write", err)
	}
	return nil
}

type progressWriter struct {
	w       io.Writer
	written int64
	report  func(int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	p.report(p.written)
	return n, err
}

func (d *Driver) CreateDirectory(ctx context.Context, p string) error {
	rel, err := d.rel(p)
	if err != nil {
		return err
	}
	if err := d.fs.MkdirAll(rel, 0o755); err != nil {
		return driver.WrapInternal("mkdir", err)
	}
	return nil
}

func (d *Driver) BatchRemoveItems(ctx context.Context, paths []string) (*driver.BatchRemoveResult, error) {
	res := &driver.BatchRemoveResult{}
	for _, p := range paths {
		rel, err := d.rel(p)
		if err == nil {
			err = d.fs.RemoveAll(rel)
		}
		if err != nil {
			res.Failed = append(res.Failed, driver.RemoveFailure{Path: p, Error: err.Error()})
			continue
		}
		res.Success++
	}
	return res, nil
}

func (d *Driver) RenameItem(ctx context.Context, oldPath, newPath string) error {
	oldRel, err := d.rel(oldPath)
	if err != nil {
		return err
	}
	newRel, err := d.rel(newPath)
	if err != nil {
		return err
	}
	if err := d.fs.MkdirAll(path.Dir(newRel), 0o755); err != nil {
		return driver.WrapInternal("create parent", err)
	}
	if err := d.fs.Rename(oldRel, newRel); err != nil {
		if os.IsNotExist(err) {
			return driver.NewNotFound(oldPath)
		}
		return driver.WrapInternal("rename", err)
	}
	return nil
}

func (d *Driver) CopyItem(ctx context.Context, src, tgt string, opts driver.CopyOptions) (*driver.CopyResult, error) {
	res := &driver.CopyResult{Source: src, Target: tgt}

	srcRel, err := d.rel(src)
	if err != nil {
		return nil, err
	}
	tgtRel, err := d.rel(tgt)
	if err != nil {
		return nil, err
	}

	fi, err := d.fs.Stat(srcRel)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, driver.NewNotFound(src)
		}
		return nil, driver.WrapInternal("stat source", err)
	}

	if opts.SkipExisting {
		if _, err := d.fs.Stat(tgtRel); err == nil {
			res.Status = driver.CopySkipped
			return res, nil
		}
	}

	if fi.IsDir() {
		n, err := d.copyDir(ctx, srcRel, tgtRel, opts)
		if err != nil {
			return nil, err
		}
		res.Status = driver.CopySuccess
		res.ContentLength = n
		return res, nil
	}

	n, err := d.copyFile(srcRel, tgtRel, opts.OnProgress)
	if err != nil {
		return nil, err
	}
	res.Status = driver.CopySuccess
	res.ContentLength = n
	return res, nil
}

func (d *Driver) copyDir(ctx context.Context, srcRel, tgtRel string, opts driver.CopyOptions) (int64, error) {
	var total int64
	err := afero.Walk(d.fs, srcRel, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, srcRel), "/")
		dst := path.Join(tgtRel, rel)
		if fi.IsDir() {
			return d.fs.MkdirAll(dst, 0o755)
		}
		n, err := d.copyFile(p, dst, nil)
		total += n
		if opts.OnProgress != nil {
			opts.OnProgress(total)
		}
		return err
	})
	if err != nil {
		return total, driver.WrapInternal("copy directory", err)
	}
	return total, nil
}

func (d *Driver) copyFile(srcRel, tgtRel string, onProgress func(int64)) (int64, error) {
	in, err := d.fs.Open(srcRel)
	if err != nil {
		return 0, driver.WrapInternal("open source", err)
	}
	defer in.Close()

	if err := d.fs.MkdirAll(path.Dir(tgtRel), 0o755); err != nil {
		return 0, driver.WrapInternal("create parent", err)
	}
	out, err := d.fs.Create(tgtRel)
	if err != nil {
		return 0, driver.WrapInternal("create target", err)
	}
	defer out.Close()

	var w io.Writer = out
	if onProgress != nil {
		w = &progressWriter{w: out, report: onProgress}
	}
	n, err := io.Copy(w, in)
	if err != nil {
		return n, driver.WrapInternal("copy", err)
	}
	return n, nil
}

func (d *Driver) SupportsProxyMode() bool { return true }

func (d *Driver) GenerateProxyURL(ctx context.Context, p string, channel string) (*driver.ProxyResult, error) {
	u := "/api/fs/proxy?path=" + url.QueryEscape(pathutil.Normalize(p))
	return &driver.ProxyResult{URL: u, Type: "proxy", Channel: channel}, nil
}

func (d *Driver) HandleCrossStorageCopy(ctx context.Context, src, tgt string) (*driver.CrossStoragePlan, error) {
	// No presignable URLs for local disk: the task layer streams bytes
	// through the server.
	return &driver.CrossStoragePlan{
		Source:      src,
		Target:      tgt,
		IsDirectory: pathutil.HasDirSuffix(src),
	}, nil
}
