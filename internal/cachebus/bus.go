// Package cachebus is the in-process pub/sub used to broadcast cache
// invalidation events. Delivery is at-least-once to in-process listeners;
// a faulty listener is logged and never blocks its peers.
package cachebus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Channel is the single event channel the bus carries.
const Channel = "cache.invalidate"

// maxSubscribers caps listener registration.
const maxSubscribers = 50

// Target selects which cache family an event addresses.
type Target string

const (
	TargetFS      Target = "fs"
	TargetPreview Target = "preview"
)

// Event is the invalidation payload.
type Event struct {
	Target            Target   `json:"target"`
	MountID           string   `json:"mountId,omitempty"`
	Paths             []string `json:"paths,omitempty"`
	StorageConfigID   string   `json:"storageConfigId,omitempty"`
	Reason            string   `json:"reason"`
	InvalidateAll     bool     `json:"invalidateAll,omitempty"`
	BumpMountsVersion bool     `json:"bumpMountsVersion,omitempty"`
}

// Listener consumes events. Listeners may run concurrently with each
// other but each listener sees one producer's events in issue order.
type Listener func(Event)

// Bus is the process-wide event bus. The zero value is not usable; create
// one with New and share it via dependency injection so tests can spin up
// isolated instances.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *slog.Logger

	mountsVersion atomic.Int64
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "cache-bus")}
}

// Subscribe registers a listener. Returns false when the subscriber cap
// is reached.
func (b *Bus) Subscribe(l Listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.listeners) >= maxSubscribers {
		b.logger.Warn("subscriber limit reached, listener rejected", "limit", maxSubscribers)
		return false
	}
	b.listeners = append(b.listeners, l)
	return true
}

// Publish delivers the event to every listener in registration order.
// Listener panics are recovered, logged and swallowed.
func (b *Bus) Publish(ev Event) {
	if ev.BumpMountsVersion {
		b.mountsVersion.Add(1)
	}

	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		b.deliver(l, ev)
	}
}

func (b *Bus) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("cache bus listener panicked",
				"channel", Channel,
				"reason", ev.Reason,
				"panic", r)
		}
	}()
	l(ev)
}

// MountsVersion returns the monotonic epoch counter other caches use to
// detect mount-table changes.
func (b *Bus) MountsVersion() int64 {
	return b.mountsVersion.Load()
}
