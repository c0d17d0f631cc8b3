package cachebus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(nil)

	var got []string
	ok := b.Subscribe(func(ev Event) { got = append(got, "first:"+ev.Reason) })
	require.True(t, ok)
	ok = b.Subscribe(func(ev Event) { got = append(got, "second:"+ev.Reason) })
	require.True(t, ok)

	b.Publish(Event{Target: TargetFS, Reason: "upload"})

	assert.Equal(t, []string{"first:upload", "second:upload"}, got)
}

func TestSubscriberLimit(t *testing.T) {
	b := New(nil)

	for i := 0; i < maxSubscribers; i++ {
		require.True(t, b.Subscribe(func(Event) {}))
	}
	assert.False(t, b.Subscribe(func(Event) {}))
}

func TestPanickingListenerDoesNotBlockPeers(t *testing.T) {
	b := New(nil)

	b.Subscribe(func(Event) { panic("boom") })

	var delivered bool
	b.Subscribe(func(Event) { delivered = true })

	b.Publish(Event{Target: TargetFS, Reason: "rename"})
	assert.True(t, delivered)
}

func TestMountsVersionBumps(t *testing.T) {
	b := New(nil)

	assert.EqualValues(t, 0, b.MountsVersion())
	b.Publish(Event{Target: TargetFS, Reason: "mount.update", BumpMountsVersion: true})
	b.Publish(Event{Target: TargetFS, Reason: "upload"})
	assert.EqualValues(t, 1, b.MountsVersion())
}

type fakeDirCache struct {
	calls []string
}

func (f *fakeDirCache) InvalidatePathAndAncestors(mountID, path string) {
	f.calls = append(f.calls, fmt.Sprintf("chain:%s:%s", mountID, path))
}
func (f *fakeDirCache) InvalidateMount(mountID string) {
	f.calls = append(f.calls, "mount:"+mountID)
}
func (f *fakeDirCache) InvalidateAll() {
	f.calls = append(f.calls, "all")
}

type fakeMountLookup struct{ byConfig map[string][]string }

func (f *fakeMountLookup) MountIDsByConfig(id string) ([]string, error) {
	return f.byConfig[id], nil
}

func TestFanoutPathEvent(t *testing.T) {
	b := New(nil)
	dirs := &fakeDirCache{}
	require.True(t, WireFSInvalidation(b, nil, dirs, nil, nil))

	b.Publish(Event{Target: TargetFS, MountID: "m1", Paths: []string{"/a/b", "/a/c"}, Reason: "batch-remove"})

	assert.Equal(t, []string{"chain:m1:/a/b", "chain:m1:/a/c"}, dirs.calls)
}

func TestFanoutStorageConfigEvent(t *testing.T) {
	b := New(nil)
	dirs := &fakeDirCache{}
	mounts := &fakeMountLookup{byConfig: map[string][]string{"cfg1": {"m1", "m2"}}}
	require.True(t, WireFSInvalidation(b, nil, dirs, mounts, nil))

	b.Publish(Event{Target: TargetFS, StorageConfigID: "cfg1", Reason: "config.update"})

	assert.Equal(t, []string{"mount:m1", "mount:m2"}, dirs.calls)
}

func TestFanoutIgnoresOtherTargets(t *testing.T) {
	b := New(nil)
	dirs := &fakeDirCache{}
	require.True(t, WireFSInvalidation(b, nil, dirs, nil, nil))

	b.Publish(Event{Target: TargetPreview, MountID: "m1", Reason: "preview"})
	assert.Empty(t, dirs.calls)
}
