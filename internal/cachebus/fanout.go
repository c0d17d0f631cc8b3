package cachebus

import (
	"log/slog"
)

// DirCache is the slice of the directory cache the fan-out needs.
type DirCache interface {
	InvalidatePathAndAncestors(mountID, path string)
	InvalidateMount(mountID string)
	InvalidateAll()
}

// MountLookup resolves the mounts backed by a storage config so that a
// config-level event can fan out to every affected mount.
type MountLookup interface {
	MountIDsByConfig(storageConfigID string) ([]string, error)
}

// DriverCache invalidates memoized driver instances.
type DriverCache interface {
	EvictConfig(storageConfigID string)
	EvictAll()
}

// WireFSInvalidation subscribes the canonical fs-target listener: it
// applies each event against the directory cache and the driver memo.
// Unknown targets are ignored so preview listeners can coexist.
func WireFSInvalidation(bus *Bus, logger *slog.Logger, dirs DirCache, mounts MountLookup, drivers DriverCache) bool {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "cache-bus-fanout")

	return bus.Subscribe(func(ev Event) {
		if ev.Target != TargetFS {
			return
		}

		switch {
		case ev.InvalidateAll:
			dirs.InvalidateAll()
			if drivers != nil {
				drivers.EvictAll()
			}

		case ev.StorageConfigID != "":
			if drivers != nil {
				drivers.EvictConfig(ev.StorageConfigID)
			}
			if mounts == nil {
				return
			}
			ids, err := mounts.MountIDsByConfig(ev.StorageConfigID)
			if err != nil {
				log.Error("failed to resolve mounts for storage config",
					"storage_config_id", ev.StorageConfigID,
					"reason", ev.Reason,
					"err", err)
				return
			}
			for _, id := range ids {
				dirs.InvalidateMount(id)
			}

		case ev.MountID != "" && len(ev.Paths) > 0:
			for _, p := range ev.Paths {
				dirs.InvalidatePathAndAncestors(ev.MountID, p)
			}

		case ev.MountID != "":
			dirs.InvalidateMount(ev.MountID)
		}
	})
}
