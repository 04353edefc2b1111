package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const latestReleaseCacheKey = "openbk:release:latest"

var assetNamePattern = regexp.MustCompile(`^Open(BK[0-9A-Za-z]+)_(\d+(?:\.\d+)*)\.rbl$`)

// ParseAssetFilename extracts platform and build version from an OTA image
// name such as "OpenBK7231N_1.17.551.rbl". Non-OTA artifacts return false.
func ParseAssetFilename(name string) (Platform, string, bool) {
	m := assetNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	platform, ok := ParsePlatform(m[1])
	if !ok {
		return "", "", false
	}
	return platform, m[2], true
}

// ReleaseSource is the remote release registry.
type ReleaseSource interface {
	LatestRelease(ctx context.Context) (*Release, error)
	ReleaseByTag(ctx context.Context, tag string) (*Release, error)
}

// KeyValueCache is an optional shared cache for the latest release.
type KeyValueCache interface {
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// ResolverConfig holds cache lifetimes for the resolver.
type ResolverConfig struct {
	PollInterval     time.Duration
	ErrorBackoff     time.Duration
	FetchTimeout     time.Duration
	VersionCacheSize int
	VersionCacheTTL  time.Duration
}

// Resolver answers "what is the latest build" and "which asset fits this
// platform". Concurrent callers share one in-flight registry fetch.
type Resolver struct {
	source ReleaseSource
	cache  KeyValueCache
	cfg    ResolverConfig
	logger *logrus.Logger
	now    func() time.Time

	group     singleflight.Group
	warmOnce  sync.Once
	byVersion *expirable.LRU[string, versionEntry]

	mu         sync.RWMutex
	latest     *Release
	fetchedAt  time.Time
	lastErr    error
	retryAt    time.Time
	limitErr   error
	limitUntil time.Time
}

// versionEntry is a cached tag lookup. Not-found results live for the
// cache TTL; other failures are retried after retryAt.
type versionEntry struct {
	rel     *Release
	err     error
	retryAt time.Time
}

type cachedRelease struct {
	Release   *Release  `json:"release"`
	FetchedAt time.Time `json:"fetched_at"`
}

// NewResolver creates a resolver. cache may be nil.
func NewResolver(source ReleaseSource, cache KeyValueCache, cfg ResolverConfig, logger *logrus.Logger) *Resolver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Hour
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.VersionCacheSize <= 0 {
		cfg.VersionCacheSize = 32
	}
	if cfg.VersionCacheTTL <= 0 {
		cfg.VersionCacheTTL = 10 * time.Minute
	}
	return &Resolver{
		source:    source,
		cache:     cache,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		byVersion: expirable.NewLRU[string, versionEntry](cfg.VersionCacheSize, nil, cfg.VersionCacheTTL),
	}
}

// Latest returns the newest release. While the cached value is younger than
// the poll interval no registry call is made. When the registry fails the
// last good release is returned together with a stale RegistryFetchError;
// with nothing cached the error is returned alone.
func (r *Resolver) Latest(ctx context.Context) (*Release, error) {
	r.warmOnce.Do(func() { r.warm(ctx) })

	r.mu.RLock()
	latest, fetchedAt, lastErr, retryAt := r.latest, r.fetchedAt, r.lastErr, r.retryAt
	r.mu.RUnlock()

	now := r.now()
	if latest != nil && lastErr == nil && now.Sub(fetchedAt) < r.cfg.PollInterval {
		return latest, nil
	}
	if lastErr != nil && now.Before(retryAt) {
		return r.degraded(latest, lastErr)
	}
	if err := r.rateLimit(now); err != nil {
		return r.degraded(latest, err)
	}
	return r.fetchLatest(ctx)
}

// Refresh forces a registry fetch regardless of cache age. An active rate
// limit is still honoured.
func (r *Resolver) Refresh(ctx context.Context) (*Release, error) {
	r.warmOnce.Do(func() { r.warm(ctx) })
	if err := r.rateLimit(r.now()); err != nil {
		r.mu.RLock()
		latest := r.latest
		r.mu.RUnlock()
		return r.degraded(latest, err)
	}
	return r.fetchLatest(ctx)
}

// detached bounds a shared fetch by its own deadline instead of the
// cancellation of whichever caller started it.
func (r *Resolver) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FetchTimeout)
}

func (r *Resolver) fetchLatest(ctx context.Context) (*Release, error) {
	ch := r.group.DoChan("latest", func() (interface{}, error) {
		fetchCtx, cancel := r.detached(ctx)
		defer cancel()

		rel, err := r.source.LatestRelease(fetchCtx)
		now := r.now()

		if err != nil {
			retryAt := r.retryAfter(err, now)
			r.mu.Lock()
			r.lastErr = err
			r.retryAt = retryAt
			r.mu.Unlock()
			r.noteRateLimit(err, retryAt)

			r.logger.WithError(err).WithField("retry_at", retryAt).Warn("Release registry fetch failed")
			return nil, err
		}
		r.mu.Lock()
		r.latest = rel
		r.fetchedAt = now
		r.lastErr = nil
		r.retryAt = time.Time{}
		r.limitErr = nil
		r.mu.Unlock()

		r.byVersion.Add(rel.Tag, versionEntry{rel: rel})
		r.store(fetchCtx, rel, now)

		r.logger.WithFields(logrus.Fields{
			"tag":    rel.Tag,
			"assets": len(rel.Assets),
		}).Info("Fetched latest release")
		return rel, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			r.mu.RLock()
			latest := r.latest
			r.mu.RUnlock()
			return r.degraded(latest, res.Err)
		}
		if res.Shared {
			r.logger.Debug("Shared in-flight release fetch")
		}
		return res.Val.(*Release), nil
	}
}

// retryAfter is the earliest time the registry should be asked again after err.
func (r *Resolver) retryAfter(err error, now time.Time) time.Time {
	retryAt := now.Add(r.cfg.ErrorBackoff)
	var fetchErr *RegistryFetchError
	if errors.As(err, &fetchErr) && fetchErr.RateLimited && fetchErr.ResetAt.After(retryAt) {
		retryAt = fetchErr.ResetAt
	}
	return retryAt
}

// noteRateLimit records a rate limit reported by any registry call. It
// applies to every endpoint until it lifts.
func (r *Resolver) noteRateLimit(err error, until time.Time) {
	var fetchErr *RegistryFetchError
	if !errors.As(err, &fetchErr) || !fetchErr.RateLimited {
		return
	}
	r.mu.Lock()
	r.limitErr = err
	r.limitUntil = until
	r.mu.Unlock()
}

func (r *Resolver) rateLimit(now time.Time) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.limitErr != nil && now.Before(r.limitUntil) {
		return r.limitErr
	}
	return nil
}

func (r *Resolver) degraded(latest *Release, err error) (*Release, error) {
	if latest == nil {
		return nil, err
	}
	stale := &RegistryFetchError{Stale: true, Err: err}
	var fetchErr *RegistryFetchError
	if errors.As(err, &fetchErr) {
		stale.StatusCode = fetchErr.StatusCode
		stale.RateLimited = fetchErr.RateLimited
		stale.ResetAt = fetchErr.ResetAt
		stale.Err = fetchErr.Err
	}
	return latest, stale
}

// warm seeds the in-memory value from the shared cache after a restart.
func (r *Resolver) warm(ctx context.Context) {
	if r.cache == nil {
		return
	}
	ctx, cancel := r.detached(ctx)
	defer cancel()
	raw, err := r.cache.Get(ctx, latestReleaseCacheKey)
	if err != nil || raw == "" {
		return
	}
	var cached cachedRelease
	if err := json.Unmarshal([]byte(raw), &cached); err != nil || cached.Release == nil {
		r.logger.WithError(err).Warn("Ignoring unreadable cached release")
		return
	}

	r.mu.Lock()
	if r.latest == nil {
		r.latest = cached.Release
		r.fetchedAt = cached.FetchedAt
	}
	r.mu.Unlock()
	r.byVersion.Add(cached.Release.Tag, versionEntry{rel: cached.Release})

	r.logger.WithFields(logrus.Fields{
		"tag":        cached.Release.Tag,
		"fetched_at": cached.FetchedAt,
	}).Info("Loaded cached release")
}

func (r *Resolver) store(ctx context.Context, rel *Release, fetchedAt time.Time) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(cachedRelease{Release: rel, FetchedAt: fetchedAt})
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, latestReleaseCacheKey, string(data), 0); err != nil {
		r.logger.WithError(err).Warn("Failed to cache latest release")
	}
}

// ByVersion returns the release tagged tag, served from a short-lived cache.
// Missing tags are cached too, and failed lookups are not repeated before
// the error backoff or an active rate limit has passed.
func (r *Resolver) ByVersion(ctx context.Context, tag string) (*Release, error) {
	r.mu.RLock()
	latest := r.latest
	r.mu.RUnlock()
	if latest != nil && latest.Tag == tag {
		return latest, nil
	}

	now := r.now()
	if e, ok := r.byVersion.Get(tag); ok {
		if e.rel != nil {
			return e.rel, nil
		}
		if errors.Is(e.err, ErrReleaseNotFound) || now.Before(e.retryAt) {
			return nil, fmt.Errorf("resolve release %s: %w", tag, e.err)
		}
	}
	if err := r.rateLimit(now); err != nil {
		return nil, fmt.Errorf("resolve release %s: %w", tag, err)
	}
	return r.VerifyVersion(ctx, tag)
}

// VerifyVersion always asks the registry whether tag still exists and
// refreshes the version cache with the answer.
func (r *Resolver) VerifyVersion(ctx context.Context, tag string) (*Release, error) {
	ch := r.group.DoChan("tag:"+tag, func() (interface{}, error) {
		fetchCtx, cancel := r.detached(ctx)
		defer cancel()

		rel, err := r.source.ReleaseByTag(fetchCtx, tag)
		if err != nil {
			r.recordTagError(tag, err)
			return nil, err
		}
		r.byVersion.Add(tag, versionEntry{rel: rel})
		return rel, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("resolve release %s: %w", tag, res.Err)
		}
		return res.Val.(*Release), nil
	}
}

func (r *Resolver) recordTagError(tag string, err error) {
	if errors.Is(err, ErrReleaseNotFound) {
		r.byVersion.Add(tag, versionEntry{err: err})
		return
	}
	retryAt := r.retryAfter(err, r.now())
	r.noteRateLimit(err, retryAt)
	// A transient failure does not evict a release that is known to exist.
	if e, ok := r.byVersion.Peek(tag); ok && e.rel != nil {
		return
	}
	r.byVersion.Add(tag, versionEntry{err: err, retryAt: retryAt})

	r.logger.WithError(err).WithFields(logrus.Fields{
		"tag":      tag,
		"retry_at": retryAt,
	}).Warn("Release lookup failed")
}

// AssetFor picks the OTA image for platform. Absence is a normal outcome.
func AssetFor(rel *Release, platform Platform) (Asset, bool) {
	if rel == nil {
		return Asset{}, false
	}
	for _, a := range rel.Assets {
		if a.Platform == platform {
			return a, true
		}
	}
	return Asset{}, false
}
