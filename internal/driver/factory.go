package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cloudpaste/cloudpaste/internal/database"
)

// SecretDecrypter decrypts secret fields inside a driver config blob.
// Decryption is lazy: it runs when the driver is materialized, not when
// the config row is loaded.
type SecretDecrypter interface {
	DecryptString(ciphertext string) (string, error)
}

// Constructor builds an uninitialized driver from its config row.
type Constructor func(cfg *database.StorageConfig, secrets SecretDecrypter, logger *slog.Logger) Driver

// Declarer is implemented by drivers that declare their capability set up
// front so the factory can validate the contract on instantiation.
type Declarer interface {
	DeclaredCapabilities() Capability
}

var (
	registryMu sync.RWMutex
	registry   = map[database.DriverKind]Constructor{}
)

// Register installs a constructor for a driver kind. Called from driver
// package init functions; registering a kind twice panics.
func Register(kind database.DriverKind, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic(fmt.Sprintf("driver: duplicate registration for kind %s", kind))
	}
	registry[kind] = ctor
}

// Kinds lists the registered driver kinds.
func Kinds() []database.DriverKind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]database.DriverKind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	return kinds
}

// New constructs, contract-validates and initializes a driver for the
// given storage config.
func New(ctx context.Context, cfg *database.StorageConfig, secrets SecretDecrypter, logger *slog.Logger) (Driver, error) {
	registryMu.RLock()
	ctor, ok := registry[cfg.DriverKind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("driver: unknown kind %q", cfg.DriverKind)
	}

	d := ctor(cfg, secrets, logger)
	if err := validateContract(d); err != nil {
		return nil, err
	}
	if err := d.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("driver: initialize %s (%s): %w", cfg.Name, cfg.DriverKind, err)
	}
	return d, nil
}

// validateContract checks the driver implements every capability it
// declares. A driver that declares nothing only has to satisfy Driver.
func validateContract(d Driver) error {
	decl, ok := d.(Declarer)
	if !ok {
		return nil
	}
	declared := decl.DeclaredCapabilities()
	actual := Capabilities(d)
	if missing := declared &^ actual; missing != 0 {
		return fmt.Errorf("driver: kind %s declares %s but does not implement %s",
			d.Kind(), declared, missing)
	}
	return nil
}
