// Package vfs is the filesystem facade: it composes the mount resolver,
// the storage drivers, the directory cache and the cache bus into the
// path-addressed API every surface (HTTP, WebDAV, tasks) talks to.
package vfs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/cloudpaste/cloudpaste/internal/cachebus"
	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/dircache"
	"github.com/cloudpaste/cloudpaste/internal/driver"
	"github.com/cloudpaste/cloudpaste/internal/mount"
	"github.com/cloudpaste/cloudpaste/internal/pathutil"
	"github.com/cloudpaste/cloudpaste/internal/permissions"
	"github.com/cloudpaste/cloudpaste/internal/streaming"
)

// FS is the facade. All operations take the caller's principal; path
// scope and permission checks happen in the API layer, while capability
// and storage ACL checks happen here.
type FS struct {
	resolver *mount.Resolver
	cache    *dircache.Cache
	bus      *cachebus.Bus
	meta     *database.FsMetaRepository
	logger   *slog.Logger
}

// New creates the facade.
func New(resolver *mount.Resolver, cache *dircache.Cache, bus *cachebus.Bus, meta *database.FsMetaRepository, logger *slog.Logger) *FS {
	return &FS{
		resolver: resolver,
		cache:    cache,
		bus:      bus,
		meta:     meta,
		logger:   logger.With("component", "vfs"),
	}
}

// Resolver exposes the underlying mount resolver.
func (f *FS) Resolver() *mount.Resolver { return f.resolver }

// ListResult is a directory listing plus its presentation overlay.
type ListResult struct {
	driver.Listing
	Header string `json:"headerMarkdown,omitempty"`
	Footer string `json:"footerMarkdown,omitempty"`
}

// ListDirectory lists a virtual directory, serving from the directory
// cache when fresh and synthesizing virtual directories from the mount
// table.
func (f *FS) ListDirectory(ctx context.Context, p string, principal *permissions.Principal) (*ListResult, error) {
	p = pathutil.Normalize(p)

	res, err := f.resolver.Resolve(ctx, p, principal)
	if err != nil {
		if driver.IsNotFound(err) {
			return f.listVirtual(p)
		}
		return nil, err
	}

	reader, ok := res.Driver.(driver.Reader)
	if !ok {
		return nil, driver.NewNotImplemented(string(res.Config.DriverKind), "listDirectory")
	}

	var listing driver.Listing
	if cached := f.cache.Get(res.Mount.ID, res.SubPath); cached != nil {
		if err := json.Unmarshal(cached, &listing); err == nil {
			return f.overlay(p, &listing)
		}
		// Corrupt entry; fall through to the driver.
		f.cache.Invalidate(res.Mount.ID, res.SubPath)
	}

	fresh, err := reader.ListDirectory(ctx, res.SubPath, driver.ListOptions{})
	if err != nil {
		return nil, err
	}
	rebase(fresh, res.Mount.MountPath, res.SubPath)

	if raw, err := json.Marshal(fresh); err == nil {
		f.cache.Set(res.Mount.ID, res.SubPath, raw, mountTTL(res.Mount))
	}
	return f.overlay(p, fresh)
}

func mountTTL(m *database.StorageMount) time.Duration {
	if m.CacheTTL != nil && *m.CacheTTL > 0 {
		return time.Duration(*m.CacheTTL) * time.Second
	}
	return 0 // cache default
}

// rebase rewrites driver-relative item paths into full virtual paths.
func rebase(l *driver.Listing, mountPath, subPath string) {
	l.Path = pathutil.NormalizeDir(pathutil.Join(mountPath, subPath))
	l.IsRoot = l.Path == "/"
	for i := range l.Items {
		item := &l.Items[i]
		full := pathutil.Join(mountPath, item.Path)
		if item.IsDirectory {
			item.Path = pathutil.NormalizeDir(full)
		} else {
			item.Path = full
		}
	}
}

func (f *FS) listVirtual(p string) (*ListResult, error) {
	listing, err := f.resolver.VirtualListing(p)
	if err != nil {
		return nil, err
	}
	return f.overlay(p, listing)
}

// GetFileInfo stats one virtual path.
func (f *FS) GetFileInfo(ctx context.Context, p string, principal *permissions.Principal) (*driver.FileInfo, error) {
	p = pathutil.Normalize(p)

	res, err := f.resolver.Resolve(ctx, p, principal)
	if err != nil {
		if driver.IsNotFound(err) {
			if virtual, _, verr := f.resolver.IsVirtualDir(p); verr == nil && virtual {
				return &driver.FileInfo{
					Name:        pathutil.Base(p),
					Path:        pathutil.NormalizeDir(p),
					IsDirectory: true,
				}, nil
			}
		}
		return nil, err
	}

	reader, ok := res.Driver.(driver.Reader)
	if !ok {
		return nil, driver.NewNotImplemented(string(res.Config.DriverKind), "getFileInfo")
	}
	info, err := reader.GetFileInfo(ctx, res.SubPath)
	if err != nil {
		return nil, err
	}
	full := pathutil.Join(res.Mount.MountPath, info.Path)
	if info.IsDirectory {
		info.Path = pathutil.NormalizeDir(full)
	} else {
		info.Path = full
	}
	return info, nil
}

// DownloadFile resolves the path and runs the streaming algorithm over
// the driver's descriptor.
func (f *FS) DownloadFile(ctx context.Context, p string, principal *permissions.Principal, req streaming.Request) (*streaming.RangeReader, error) {
	desc, _, err := f.Describe(ctx, p, principal)
	if err != nil {
		return nil, err
	}
	return streaming.NewRangeReader(desc, req)
}

// Describe returns the raw stream descriptor for a file, for callers
// that assemble their own responses.
func (f *FS) Describe(ctx context.Context, p string, principal *permissions.Principal) (*streaming.StreamDescriptor, *mount.Resolution, error) {
	res, err := f.resolver.Resolve(ctx, pathutil.Normalize(p), principal)
	if err != nil {
		return nil, nil, err
	}
	reader, ok := res.Driver.(driver.Reader)
	if !ok {
		return nil, nil, driver.NewNotImplemented(string(res.Config.DriverKind), "downloadFile")
	}
	desc, err := reader.DownloadFile(ctx, res.SubPath)
	if err != nil {
		return nil, nil, err
	}
	return desc, res, nil
}

// UploadFile writes one file and invalidates its parent chain.
func (f *FS) UploadFile(ctx context.Context, p string, principal *permissions.Principal, src io.Reader, opts driver.UploadOptions) error {
	res, err := f.resolver.Resolve(ctx, pathutil.Normalize(p), principal)
	if err != nil {
		return err
	}
	writer, ok := res.Driver.(driver.Writer)
	if !ok {
		return driver.NewNotImplemented(string(res.Config.DriverKind), "uploadFile")
	}
	if err := writer.UploadFile(ctx, res.SubPath, src, opts); err != nil {
		return err
	}
	f.invalidate(res.Mount.ID, "upload", pathutil.Parent(res.SubPath))
	return nil
}

// CreateDirectory creates one directory and invalidates its parent chain.
func (f *FS) CreateDirectory(ctx context.Context, p string, principal *permissions.Principal) error {
	res, err := f.resolver.Resolve(ctx, pathutil.Normalize(p), principal)
	if err != nil {
		return err
	}
	writer, ok := res.Driver.(driver.Writer)
	if !ok {
		return driver.NewNotImplemented(string(res.Config.DriverKind), "createDirectory")
	}
	if err := writer.CreateDirectory(ctx, res.SubPath); err != nil {
		return err
	}
	f.invalidate(res.Mount.ID, "mkdir", pathutil.Parent(res.SubPath))
	return nil
}

// RenameItem renames within one mount. The operation is gated on the
// driver's atomic capability.
func (f *FS) RenameItem(ctx context.Context, oldPath, newPath string, principal *permissions.Principal) error {
	oldRes, err := f.resolver.Resolve(ctx, pathutil.Normalize(oldPath), principal)
	if err != nil {
		return err
	}
	newRes, err := f.resolver.Resolve(ctx, pathutil.Normalize(newPath), principal)
	if err != nil {
		return err
	}
	if oldRes.Config.ID != newRes.Config.ID {
		return &driver.Error{
			Code:       driver.CodeConflict,
			Message:    "rename cannot cross storage configs",
			HTTPStatus: 409,
		}
	}
	atomic, ok := oldRes.Driver.(driver.Atomic)
	if !ok {
		return driver.NewNotImplemented(string(oldRes.Config.DriverKind), "renameItem")
	}
	if err := atomic.RenameItem(ctx, oldRes.SubPath, newRes.SubPath); err != nil {
		return err
	}
	f.invalidate(oldRes.Mount.ID, "rename", pathutil.Parent(oldRes.SubPath))
	f.invalidate(newRes.Mount.ID, "rename", pathutil.Parent(newRes.SubPath))
	return nil
}

// CopyItem copies src to tgt. Same-config copies use the driver's atomic
// copy; cross-config copies stream bytes through the server.
func (f *FS) CopyItem(ctx context.Context, src, tgt string, principal *permissions.Principal, opts driver.CopyOptions) (*driver.CopyResult, error) {
	srcRes, err := f.resolver.Resolve(ctx, pathutil.Normalize(src), principal)
	if err != nil {
		return nil, err
	}
	tgtRes, err := f.resolver.Resolve(ctx, pathutil.Normalize(tgt), principal)
	if err != nil {
		return nil, err
	}

	var result *driver.CopyResult
	if srcRes.Config.ID == tgtRes.Config.ID {
		atomic, ok := srcRes.Driver.(driver.Atomic)
		if !ok {
			return nil, driver.NewNotImplemented(string(srcRes.Config.DriverKind), "copyItem")
		}
		sub := srcRes.SubPath
		if pathutil.HasDirSuffix(src) {
			sub = pathutil.NormalizeDir(sub)
		}
		result, err = atomic.CopyItem(ctx, sub, tgtRes.SubPath, opts)
	} else {
		result, err = f.crossStorageCopy(ctx, srcRes, tgtRes, pathutil.HasDirSuffix(src), opts)
	}
	if err != nil {
		return nil, err
	}

	result.Source = pathutil.Normalize(src)
	result.Target = pathutil.Normalize(tgt)
	f.invalidate(tgtRes.Mount.ID, "copy", pathutil.Parent(tgtRes.SubPath))
	return result, nil
}

// crossStorageCopy streams bytes from the source driver into the target
// driver, recursing into directories.
func (f *FS) crossStorageCopy(ctx context.Context, srcRes, tgtRes *mount.Resolution, isDir bool, opts driver.CopyOptions) (*driver.CopyResult, error) {
	srcReader, ok := srcRes.Driver.(driver.Reader)
	if !ok {
		return nil, driver.NewNotImplemented(string(srcRes.Config.DriverKind), "downloadFile")
	}
	tgtWriter, ok := tgtRes.Driver.(driver.Writer)
	if !ok {
		return nil, driver.NewNotImplemented(string(tgtRes.Config.DriverKind), "uploadFile")
	}

	result := &driver.CopyResult{}
	if isDir {
		n, err := f.copyTree(ctx, srcReader, tgtWriter, pathutil.NormalizeDir(srcRes.SubPath), pathutil.NormalizeDir(tgtRes.SubPath), opts)
		if err != nil {
			return nil, err
		}
		result.Status = driver.CopySuccess
		result.ContentLength = n
		return result, nil
	}

	if opts.SkipExisting {
		if tgtReader, ok := tgtRes.Driver.(driver.Reader); ok {
			if _, err := tgtReader.GetFileInfo(ctx, tgtRes.SubPath); err == nil {
				result.Status = driver.CopySkipped
				return result, nil
			}
		}
	}

	n, err := f.copyStream(ctx, srcReader, tgtWriter, srcRes.SubPath, tgtRes.SubPath, opts.OnProgress)
	if err != nil {
		return nil, err
	}
	result.Status = driver.CopySuccess
	result.ContentLength = n
	return result, nil
}

func (f *FS) copyTree(ctx context.Context, src driver.Reader, tgt driver.Writer, srcDir, tgtDir string, opts driver.CopyOptions) (int64, error) {
	listing, err := src.ListDirectory(ctx, srcDir, driver.ListOptions{})
	if err != nil {
		return 0, err
	}
	if err := tgt.CreateDirectory(ctx, tgtDir); err != nil {
		return 0, err
	}

	var total int64
	for _, item := range listing.Items {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		srcChild := pathutil.Join(srcDir, item.Name)
		tgtChild := pathutil.Join(tgtDir, item.Name)
		if item.IsDirectory {
			n, err := f.copyTree(ctx, src, tgt, pathutil.NormalizeDir(srcChild), pathutil.NormalizeDir(tgtChild), opts)
			total += n
			if err != nil {
				return total, err
			}
			continue
		}
		n, err := f.copyStream(ctx, src, tgt, srcChild, tgtChild, nil)
		total += n
		if err != nil {
			return total, err
		}
		if opts.OnProgress != nil {
			opts.OnProgress(total)
		}
	}
	return total, nil
}

func (f *FS) copyStream(ctx context.Context, src driver.Reader, tgt driver.Writer, srcPath, tgtPath string, onProgress func(int64)) (int64, error) {
	desc, err := src.DownloadFile(ctx, srcPath)
	if err != nil {
		return 0, err
	}
	handle, err := desc.GetStream(ctx)
	if err != nil {
		return 0, err
	}
	defer handle.Close()

	size := int64(-1)
	if desc.Size != nil {
		size = *desc.Size
	}
	counter := &countingReader{r: handle.Stream}
	err = tgt.UploadFile(ctx, tgtPath, counter, driver.UploadOptions{
		ContentType: desc.ContentType,
		Size:        size,
		OnProgress:  onProgress,
	})
	return counter.n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// BatchRemoveItems removes a set of paths and fires one invalidation
// event covering everything that changed.
func (f *FS) BatchRemoveItems(ctx context.Context, paths []string, principal *permissions.Principal) (*driver.BatchRemoveResult, error) {
	agg := &driver.BatchRemoveResult{}

	type group struct {
		res   *mount.Resolution
		paths []string
	}
	groups := map[string]*group{}
	for _, p := range paths {
		res, err := f.resolver.Resolve(ctx, pathutil.Normalize(p), principal)
		if err != nil {
			agg.Failed = append(agg.Failed, driver.RemoveFailure{Path: p, Error: err.Error()})
			continue
		}
		g, ok := groups[res.Mount.ID]
		if !ok {
			g = &group{res: res}
			groups[res.Mount.ID] = g
		}
		sub := res.SubPath
		if pathutil.HasDirSuffix(p) {
			sub = pathutil.NormalizeDir(sub)
		}
		g.paths = append(g.paths, sub)
	}

	for _, g := range groups {
		writer, ok := g.res.Driver.(driver.Writer)
		if !ok {
			for _, p := range g.paths {
				agg.Failed = append(agg.Failed, driver.RemoveFailure{
					Path:  p,
					Error: "driver does not support delete",
				})
			}
			continue
		}
		res, err := writer.BatchRemoveItems(ctx, g.paths)
		if err != nil {
			for _, p := range g.paths {
				agg.Failed = append(agg.Failed, driver.RemoveFailure{Path: p, Error: err.Error()})
			}
			continue
		}
		agg.Success += res.Success
		agg.Failed = append(agg.Failed, res.Failed...)

		parents := make([]string, 0, len(g.paths))
		for _, p := range g.paths {
			parents = append(parents, pathutil.Parent(p))
		}
		f.invalidate(g.res.Mount.ID, "batch-remove", parents...)
	}
	return agg, nil
}

// BatchCopyItem is one copy request.
type BatchCopyItem struct {
	SourcePath string `json:"sourcePath"`
	TargetPath string `json:"targetPath"`
}

// BatchCopyResult separates copies performed inline (same storage) from
// cross-storage plans that the task orchestrator must execute.
type BatchCopyResult struct {
	Results             []driver.CopyResult       `json:"results"`
	CrossStorageResults []driver.CrossStoragePlan `json:"crossStorageResults,omitempty"`
	CrossStorageItems   []BatchCopyItem           `json:"-"`
}

// BatchCopyItems performs same-storage copies inline and plans
// cross-storage ones. Directory sources get a trailing slash appended to
// their targets when the caller omitted it.
func (f *FS) BatchCopyItems(ctx context.Context, items []BatchCopyItem, principal *permissions.Principal, opts driver.CopyOptions) (*BatchCopyResult, error) {
	out := &BatchCopyResult{}

	for _, item := range items {
		src, tgt := item.SourcePath, item.TargetPath
		if pathutil.HasDirSuffix(src) && !pathutil.HasDirSuffix(tgt) {
			tgt += "/"
		}

		srcRes, err := f.resolver.Resolve(ctx, pathutil.Normalize(src), principal)
		if err != nil {
			out.Results = append(out.Results, driver.CopyResult{
				Status: driver.CopyFailed, Source: src, Target: tgt, Error: err.Error(),
			})
			continue
		}
		tgtRes, err := f.resolver.Resolve(ctx, pathutil.Normalize(tgt), principal)
		if err != nil {
			out.Results = append(out.Results, driver.CopyResult{
				Status: driver.CopyFailed, Source: src, Target: tgt, Error: err.Error(),
			})
			continue
		}

		if srcRes.Config.ID != tgtRes.Config.ID {
			plan := driver.CrossStoragePlan{
				Source:      src,
				Target:      tgt,
				IsDirectory: pathutil.HasDirSuffix(src),
			}
			if planner, ok := srcRes.Driver.(driver.CrossStorage); ok {
				if p, err := planner.HandleCrossStorageCopy(ctx, srcRes.SubPath, tgtRes.SubPath); err == nil {
					plan.DownloadURL = p.DownloadURL
					plan.UploadURL = p.UploadURL
				}
			}
			out.CrossStorageResults = append(out.CrossStorageResults, plan)
			out.CrossStorageItems = append(out.CrossStorageItems, BatchCopyItem{SourcePath: src, TargetPath: tgt})
			continue
		}

		res, err := f.CopyItem(ctx, src, tgt, principal, opts)
		if err != nil {
			out.Results = append(out.Results, driver.CopyResult{
				Status: driver.CopyFailed, Source: src, Target: tgt, Error: err.Error(),
			})
			continue
		}
		out.Results = append(out.Results, *res)
	}
	return out, nil
}

// invalidate drops the local cache entries and broadcasts the event so
// other listeners (previews, future processes) observe the change.
func (f *FS) invalidate(mountID, reason string, paths ...string) {
	f.bus.Publish(cachebus.Event{
		Target:  cachebus.TargetFS,
		MountID: mountID,
		Paths:   paths,
		Reason:  reason,
	})
}
