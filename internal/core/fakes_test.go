package core

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSource struct {
	mu          sync.Mutex
	latest      *Release
	latestErr   error
	tagErr      error
	tags        map[string]*Release
	delay       time.Duration
	latestCalls atomic.Int32
	tagCalls    atomic.Int32
}

func newFakeSource(latest *Release, others ...*Release) *fakeSource {
	f := &fakeSource{latest: latest, tags: make(map[string]*Release)}
	if latest != nil {
		f.tags[latest.Tag] = latest
	}
	for _, r := range others {
		f.tags[r.Tag] = r
	}
	return f
}

func (f *fakeSource) LatestRelease(ctx context.Context) (*Release, error) {
	f.latestCalls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	return f.latest, nil
}

func (f *fakeSource) ReleaseByTag(_ context.Context, tag string) (*Release, error) {
	f.tagCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tagErr != nil {
		return nil, f.tagErr
	}
	rel, ok := f.tags[tag]
	if !ok {
		return nil, &RegistryFetchError{StatusCode: 404, Err: ErrReleaseNotFound}
	}
	return rel, nil
}

func (f *fakeSource) setLatestErr(err error) {
	f.mu.Lock()
	f.latestErr = err
	f.mu.Unlock()
}

func (f *fakeSource) setTagErr(err error) {
	f.mu.Lock()
	f.tagErr = err
	f.mu.Unlock()
}

func (f *fakeSource) removeTag(tag string) {
	f.mu.Lock()
	delete(f.tags, tag)
	f.mu.Unlock()
}

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string]string)} }

func (k *fakeKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data[key] = value
	return nil
}

func (k *fakeKV) Get(_ context.Context, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.data[key], nil
}

type fakeDownloader struct {
	mu    sync.Mutex
	err   error
	calls atomic.Int32
}

func (d *fakeDownloader) Download(_ context.Context, asset Asset, progress func(done, total int64)) ([]byte, error) {
	d.calls.Add(1)
	d.mu.Lock()
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, &DownloadError{Filename: asset.Filename, Err: err}
	}
	data := []byte("firmware:" + asset.Filename)
	if progress != nil {
		progress(int64(len(data)), int64(len(data)))
	}
	return data, nil
}

type sentCommand struct {
	DeviceID string
	URL      string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentCommand
	err    error
	onSend func(deviceID, url string)
}

func (s *fakeSender) SendOTA(_ context.Context, deviceID, url string) error {
	s.mu.Lock()
	err, onSend := s.err, s.onSend
	if err == nil {
		s.sent = append(s.sent, sentCommand{DeviceID: deviceID, URL: url})
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if onSend != nil {
		onSend(deviceID, url)
	}
	return nil
}

func (s *fakeSender) commands() []sentCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentCommand(nil), s.sent...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (p *fakePublisher) Publish(_ context.Context, _ string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev, ok := message.(SessionEvent); ok {
		p.events = append(p.events, ev)
	}
	return nil
}

func (p *fakePublisher) states() []SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	states := make([]SessionState, 0, len(p.events))
	for _, ev := range p.events {
		states = append(states, ev.State)
	}
	return states
}

func testRelease(tag string, platforms ...Platform) *Release {
	rel := &Release{
		Tag:         tag,
		Name:        "Release " + tag,
		HTMLURL:     "https://github.com/openshwprojects/OpenBK7231T_App/releases/tag/" + tag,
		Body:        "### Changes\n- fixes for " + tag + "\n",
		PublishedAt: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, p := range platforms {
		name := p.FirmwarePrefix() + "_" + tag + ".rbl"
		rel.Assets = append(rel.Assets, Asset{
			Platform:    p,
			Version:     tag,
			Filename:    name,
			DownloadURL: "https://github.com/openshwprojects/OpenBK7231T_App/releases/download/" + tag + "/" + name,
			Size:        int64(len("firmware:" + name)),
			ReleaseTag:  tag,
		})
	}
	return rel
}

type testEnv struct {
	source     *fakeSource
	downloader *fakeDownloader
	sender     *fakeSender
	events     *fakePublisher
	store      DataStore
	registry   *DeviceRegistry
	resolver   *Resolver
	backups    *BackupManager
	firmware   *FirmwareServer
	orch       *Orchestrator
	svc        *Service
}

func newTestEnv(t *testing.T, source *fakeSource, ackTimeout time.Duration) *testEnv {
	t.Helper()
	logger := testLogger()
	store := NewMemoryStore()

	firmware, err := NewFirmwareServer(FirmwareServerConfig{
		StoragePath: t.TempDir(),
		BaseURL:     "https://ota.local:8080/",
		PathPrefix:  "/api/openbk_firmware",
	}, logger)
	if err != nil {
		t.Fatalf("NewFirmwareServer: %v", err)
	}

	resolver := NewResolver(source, nil, ResolverConfig{PollInterval: time.Hour}, logger)
	registry := NewDeviceRegistry(store, 24*time.Hour, logger)
	backups := NewBackupManager(store, resolver, logger)

	env := &testEnv{
		source:     source,
		downloader: &fakeDownloader{},
		sender:     &fakeSender{},
		events:     &fakePublisher{},
		store:      store,
		registry:   registry,
		resolver:   resolver,
		backups:    backups,
		firmware:   firmware,
	}
	env.orch = NewOrchestrator(OrchestratorConfig{AckTimeout: ackTimeout, ExpectedDuration: time.Minute}, OrchestratorDeps{
		Registry:   registry,
		Resolver:   resolver,
		Backups:    backups,
		Firmware:   firmware,
		Downloader: env.downloader,
		Sender:     env.sender,
		Store:      store,
		Events:     env.events,
		Logger:     logger,
	})
	env.svc = NewService(ServiceConfig{}, nil, env.orch)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.orch.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) announce(deviceID string, platform Platform, version string) {
	e.svc.HandleAnnouncement(context.Background(), Announcement{
		DeviceID:   deviceID,
		Platform:   platform,
		Version:    version,
		ReceivedAt: time.Now(),
	})
}

// ackWith makes every OTA command answered by a re-announcement of version.
func (e *testEnv) ackWith(platform Platform, version func(deviceID string) string) {
	e.sender.mu.Lock()
	e.sender.onSend = func(deviceID, _ string) {
		go e.announce(deviceID, platform, version(deviceID))
	}
	e.sender.mu.Unlock()
}

func waitForState(t *testing.T, o *Orchestrator, deviceID string, want SessionState) SessionStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := o.Status(deviceID); ok && st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := o.Status(deviceID)
	t.Fatalf("device %s: state %q, want %q", deviceID, st.State, want)
	return SessionStatus{}
}
