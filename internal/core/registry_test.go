package core

import (
	"context"
	"testing"
	"time"
)

func TestRegistryTracksAnnouncements(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	r := NewDeviceRegistry(store, 24*time.Hour, testLogger())
	r.now = clock.Now
	ctx := context.Background()

	for _, id := range []string{"kitchen", "attic", "garage"} {
		if _, isNew := r.OnAnnouncement(ctx, Announcement{DeviceID: id, Platform: PlatformBK7231N, Version: oldBuild, ReceivedAt: clock.Now()}); !isNew {
			t.Errorf("%s reported as known", id)
		}
		clock.Advance(time.Minute)
	}

	d, isNew := r.OnAnnouncement(ctx, Announcement{DeviceID: "attic", Platform: PlatformBK7231N, Version: newBuild, ReceivedAt: clock.Now()})
	if isNew {
		t.Error("re-announcement reported as new")
	}
	if d.InstalledVersion != newBuild || !d.LastSeen.Equal(clock.Now()) {
		t.Errorf("device not updated: %+v", d)
	}

	var ids []string
	for _, d := range r.List() {
		ids = append(ids, d.ID)
	}
	if len(ids) != 3 || ids[0] != "kitchen" || ids[1] != "attic" || ids[2] != "garage" {
		t.Errorf("order = %v, want first-seen order", ids)
	}

	reloaded := NewDeviceRegistry(store, 24*time.Hour, testLogger())
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, ok := reloaded.Get("attic"); !ok || got.InstalledVersion != newBuild {
		t.Errorf("reloaded device = %+v, %v", got, ok)
	}
	if n := len(reloaded.List()); n != 3 {
		t.Errorf("reloaded %d devices", n)
	}
}

func TestRegistryStaleness(t *testing.T) {
	clock := newFakeClock()
	r := NewDeviceRegistry(NewMemoryStore(), time.Hour, testLogger())
	r.now = clock.Now

	d, _ := r.OnAnnouncement(context.Background(), Announcement{DeviceID: "plug", Platform: PlatformBK7231T, Version: oldBuild, ReceivedAt: clock.Now()})
	if r.IsStale(d) {
		t.Fatal("fresh device reported stale")
	}
	clock.Advance(2 * time.Hour)
	if !r.IsStale(d) {
		t.Fatal("silent device not reported stale")
	}
	if _, ok := r.Get("plug"); !ok {
		t.Fatal("stale devices must stay registered")
	}
}

func TestSetInstalledVersionUnknownDevice(t *testing.T) {
	r := NewDeviceRegistry(NewMemoryStore(), 0, testLogger())
	if err := r.SetInstalledVersion(context.Background(), "ghost", newBuild); err != ErrDeviceNotFound {
		t.Errorf("err = %v, want ErrDeviceNotFound", err)
	}
}
