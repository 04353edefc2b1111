package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDeviceSnapshots(t *testing.T) {
	source := newFakeSource(testRelease(newBuild, PlatformBK7231N))
	env := newTestEnv(t, source, time.Second)
	ctx := context.Background()

	env.announce("plug1", PlatformBK7231N, oldBuild)
	env.announce("bulb", PlatformBK7231T, oldBuild)
	if err := env.backups.RecordBackup(ctx, "plug1", PlatformBK7231N, "1.17.400"); err != nil {
		t.Fatalf("RecordBackup: %v", err)
	}

	snap, err := env.svc.GetDeviceSnapshot(ctx, "plug1")
	if err != nil {
		t.Fatalf("GetDeviceSnapshot: %v", err)
	}
	if snap.LatestVersion != newBuild || !snap.UpdateAvailable {
		t.Errorf("update view = %q/%v", snap.LatestVersion, snap.UpdateAvailable)
	}
	if snap.BackupVersion != "1.17.400" || snap.BackupAvailable {
		t.Errorf("backup view = %q/%v, want withdrawn backup reported unavailable", snap.BackupVersion, snap.BackupAvailable)
	}
	if snap.Session != nil || snap.Stale {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	if _, err := env.svc.GetDeviceSnapshot(ctx, "ghost"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("ghost err = %v", err)
	}

	list := env.svc.ListDevices(ctx)
	if len(list) != 2 || list[0].ID != "plug1" || list[1].ID != "bulb" {
		t.Fatalf("list = %+v", list)
	}
	if list[1].LatestVersion != "" || list[1].UpdateAvailable {
		t.Errorf("platform without an image reported an update: %+v", list[1])
	}
}

func TestListDevicesLooksUpMissingBackupOnce(t *testing.T) {
	source := newFakeSource(testRelease(newBuild, PlatformBK7231N))
	env := newTestEnv(t, source, time.Second)
	ctx := context.Background()

	ids := []string{"plug1", "plug2", "plug3", "plug4", "plug5"}
	for _, id := range ids {
		env.announce(id, PlatformBK7231N, oldBuild)
		if err := env.backups.RecordBackup(ctx, id, PlatformBK7231N, "1.17.400"); err != nil {
			t.Fatalf("RecordBackup: %v", err)
		}
	}

	for i := 0; i < 4; i++ {
		list := env.svc.ListDevices(ctx)
		if len(list) != len(ids) {
			t.Fatalf("list has %d devices, want %d", len(list), len(ids))
		}
		for _, snap := range list {
			if snap.BackupVersion != "1.17.400" || snap.BackupAvailable {
				t.Errorf("%s backup view = %q/%v", snap.ID, snap.BackupVersion, snap.BackupAvailable)
			}
		}
	}
	if calls := env.source.tagCalls.Load(); calls != 1 {
		t.Errorf("tag lookups = %d, want 1", calls)
	}
	if calls := env.source.latestCalls.Load(); calls != 1 {
		t.Errorf("latest lookups = %d, want 1", calls)
	}
}

func TestGetSessionState(t *testing.T) {
	source := newFakeSource(testRelease(newBuild, PlatformBK7231N))
	env := newTestEnv(t, source, time.Second)
	env.announce("plug1", PlatformBK7231N, oldBuild)

	if _, err := env.svc.GetSessionState("ghost"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("ghost err = %v", err)
	}
	if _, err := env.svc.GetSessionState("plug1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("no-session err = %v", err)
	}

	env.downloader.err = errors.New("connection reset")
	if _, err := env.svc.RequestInstall(context.Background(), "plug1", ""); err != nil {
		t.Fatalf("RequestInstall: %v", err)
	}
	waitForState(t, env.orch, "plug1", StateFailed)

	status, err := env.svc.GetSessionState("plug1")
	if err != nil {
		t.Fatalf("GetSessionState: %v", err)
	}
	if status.FailureReason != ReasonDownloadError {
		t.Errorf("failure reason = %q", status.FailureReason)
	}
}

func TestCheckNowAutoInstall(t *testing.T) {
	source := newFakeSource(testRelease(newBuild, PlatformBK7231N))
	env := newTestEnv(t, source, time.Second)
	svc := NewService(ServiceConfig{AutoInstall: true}, nil, env.orch)

	env.announce("plug1", PlatformBK7231N, oldBuild)
	env.announce("current", PlatformBK7231N, newBuild)
	env.ackWith(PlatformBK7231N, func(string) string { return newBuild })

	summary, err := svc.CheckNow(context.Background())
	if err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if summary.Tag != newBuild || len(summary.Assets) != 1 || summary.Stale {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Changes == "" {
		t.Error("expected a changes excerpt")
	}

	waitForState(t, env.orch, "plug1", StateCompleted)
	if _, ok := env.orch.Status("current"); ok {
		t.Error("up-to-date device got a session")
	}
}

func TestCheckNowWithoutAutoInstallOnlyReports(t *testing.T) {
	source := newFakeSource(testRelease(newBuild, PlatformBK7231N))
	env := newTestEnv(t, source, time.Second)
	env.announce("plug1", PlatformBK7231N, oldBuild)

	if _, err := env.svc.CheckNow(context.Background()); err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if _, ok := env.orch.Status("plug1"); ok {
		t.Error("session started without auto install")
	}
}

func TestCheckNowServesStaleRelease(t *testing.T) {
	source := newFakeSource(testRelease(newBuild, PlatformBK7231N))
	env := newTestEnv(t, source, time.Second)
	ctx := context.Background()

	if _, err := env.svc.CheckNow(ctx); err != nil {
		t.Fatalf("first CheckNow: %v", err)
	}
	source.setLatestErr(&RegistryFetchError{StatusCode: 502, Err: errors.New("bad gateway")})

	summary, err := env.svc.CheckNow(ctx)
	if !IsStale(err) {
		t.Fatalf("err = %v, want stale", err)
	}
	if summary.Tag != newBuild || !summary.Stale {
		t.Fatalf("summary = %+v", summary)
	}

	latest, err := env.svc.LatestRelease(ctx)
	if err != nil {
		t.Fatalf("LatestRelease: %v", err)
	}
	if latest.Tag != newBuild || !latest.Stale {
		t.Errorf("latest = %+v", latest)
	}
}

func TestLatestReleaseWithoutCacheFails(t *testing.T) {
	source := newFakeSource(nil)
	source.setLatestErr(&RegistryFetchError{StatusCode: 500, Err: errors.New("boom")})
	env := newTestEnv(t, source, time.Second)

	_, err := env.svc.LatestRelease(context.Background())
	var fetchErr *RegistryFetchError
	if !errors.As(err, &fetchErr) || fetchErr.Stale {
		t.Fatalf("err = %v, want non-stale registry error", err)
	}
}

func TestStagedFirmwareNotStaged(t *testing.T) {
	env := newTestEnv(t, newFakeSource(testRelease(newBuild, PlatformBK7231N)), time.Second)
	if _, err := env.svc.StagedFirmware("OpenBK7231N_" + newBuild + ".rbl"); !errors.Is(err, ErrBlobNotStaged) {
		t.Fatalf("err = %v", err)
	}
}
