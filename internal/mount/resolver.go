// Package mount resolves virtual paths to storage mounts and materialized
// drivers.
package mount

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/driver"
	"github.com/cloudpaste/cloudpaste/internal/pathutil"
	"github.com/cloudpaste/cloudpaste/internal/permissions"
)

// Resolution is the outcome of resolving a virtual path.
type Resolution struct {
	Driver  driver.Driver
	Mount   *database.StorageMount
	Config  *database.StorageConfig
	SubPath string
}

// Resolver maps virtual paths onto active mounts and memoizes driver
// instances per storage config.
type Resolver struct {
	mounts  *database.MountRepository
	storage *database.StorageRepository
	secrets driver.SecretDecrypter
	logger  *slog.Logger

	mu      sync.Mutex
	drivers map[string]driver.Driver
}

// NewResolver creates a resolver over the given repositories.
func NewResolver(mounts *database.MountRepository, storage *database.StorageRepository, secrets driver.SecretDecrypter, logger *slog.Logger) *Resolver {
	return &Resolver{
		mounts:  mounts,
		storage: storage,
		secrets: secrets,
		logger:  logger.With("component", "mount-resolver"),
		drivers: map[string]driver.Driver{},
	}
}

// ErrNoMount reports a path outside every active mount that is not a
// virtual directory either.
func errNoMount(p string) error { return driver.NewNotFound(p) }

// Resolve finds the active mount with the longest mount_path that is an
// ancestor-or-equal of p, enforces the backing config's ACL for API key
// principals, and returns the memoized driver plus the mount-relative
// sub path.
func (r *Resolver) Resolve(ctx context.Context, p string, principal *permissions.Principal) (*Resolution, error) {
	p = pathutil.Normalize(p)

	mounts, err := r.mounts.ListActive()
	if err != nil {
		return nil, err
	}

	// ListActive orders by sort_order then created_at, so the first hit
	// at the longest length wins ties.
	var best *database.StorageMount
	for _, m := range mounts {
		if !pathutil.IsAncestorOrSelf(m.MountPath, p) {
			continue
		}
		if best == nil || len(m.MountPath) > len(best.MountPath) {
			best = m
		}
	}
	if best == nil {
		return nil, errNoMount(p)
	}

	cfg, err := r.storage.Get(best.StorageConfigID)
	if err != nil {
		return nil, err
	}

	if principal != nil && principal.Kind == permissions.PrincipalAPIKey && !cfg.IsPublic {
		ok, err := r.storage.ACLAdmits(cfg.ID, string(principal.Kind), principal.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, driver.NewForbidden("storage config is private")
		}
	}

	d, err := r.driverFor(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sub := pathutil.SubPath(best.MountPath, p)
	if pathutil.HasDirSuffix(p) {
		sub = pathutil.NormalizeDir(sub)
	}
	return &Resolution{Driver: d, Mount: best, Config: cfg, SubPath: sub}, nil
}

// IsVirtualDir reports whether p is an ancestor of any active mount path,
// and returns the mounts directly below it.
func (r *Resolver) IsVirtualDir(p string) (bool, []*database.StorageMount, error) {
	norm := pathutil.Normalize(p)

	mounts, err := r.mounts.ListActive()
	if err != nil {
		return false, nil, err
	}

	virtual := norm == "/"
	var children []*database.StorageMount
	for _, m := range mounts {
		mp := pathutil.Normalize(m.MountPath)
		if !pathutil.IsDescendant(norm, mp) {
			continue
		}
		virtual = true
		if pathutil.Parent(mp) == norm {
			children = append(children, m)
		}
	}
	return virtual, children, nil
}

// VirtualListing synthesizes the directory entry set for a virtual path.
func (r *Resolver) VirtualListing(p string) (*driver.Listing, error) {
	virtual, children, err := r.IsVirtualDir(p)
	if err != nil {
		return nil, err
	}
	if !virtual {
		return nil, errNoMount(p)
	}

	dir := pathutil.NormalizeDir(p)
	listing := &driver.Listing{
		Path:      dir,
		Type:      "directory",
		IsRoot:    dir == "/",
		IsVirtual: true,
	}
	for _, m := range children {
		listing.Items = append(listing.Items, driver.FileInfo{
			Name:        pathutil.Base(m.MountPath),
			Path:        pathutil.NormalizeDir(m.MountPath),
			IsDirectory: true,
		})
	}
	return listing, nil
}

// ValidateMountPath rejects a new mount path that would nest inside, or
// swallow, an existing active mount.
func (r *Resolver) ValidateMountPath(mountPath, excludeID string) error {
	mp := pathutil.Normalize(mountPath)
	mounts, err := r.mounts.ListActive()
	if err != nil {
		return err
	}
	for _, m := range mounts {
		if m.ID == excludeID {
			continue
		}
		other := pathutil.Normalize(m.MountPath)
		if pathutil.IsAncestorOrSelf(other, mp) || pathutil.IsAncestorOrSelf(mp, other) {
			return &driver.Error{
				Code:       driver.CodeConflict,
				Message:    "mount path overlaps existing mount " + other,
				HTTPStatus: 409,
			}
		}
	}
	return nil
}

func (r *Resolver) driverFor(ctx context.Context, cfg *database.StorageConfig) (driver.Driver, error) {
	r.mu.Lock()
	if d, ok := r.drivers[cfg.ID]; ok {
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	d, err := driver.New(ctx, cfg, r.secrets, r.logger)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.drivers[cfg.ID]; ok {
		// Lost the construction race.
		_ = d.Cleanup(ctx)
		return cached, nil
	}
	r.drivers[cfg.ID] = d
	return d, nil
}

// DriverForConfig materializes (or reuses) the driver for a storage
// config directly, for surfaces that address storage without a mount,
// like file shares.
func (r *Resolver) DriverForConfig(ctx context.Context, cfg *database.StorageConfig) (driver.Driver, error) {
	return r.driverFor(ctx, cfg)
}

// EvictConfig drops the memoized driver for one storage config.
func (r *Resolver) EvictConfig(storageConfigID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.drivers[storageConfigID]; ok {
		_ = d.Cleanup(context.Background())
		delete(r.drivers, storageConfigID)
	}
}

// EvictAll drops every memoized driver.
func (r *Resolver) EvictAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, d := range r.drivers {
		_ = d.Cleanup(context.Background())
		delete(r.drivers, id)
	}
}

// MountIDsByConfig resolves the active mount ids backed by a config, for
// cache-bus fan-out.
func (r *Resolver) MountIDsByConfig(storageConfigID string) ([]string, error) {
	mounts, err := r.mounts.ListByConfig(storageConfigID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(mounts))
	for _, m := range mounts {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
