package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"example.com/backstage/services/openbk-ota/config"
	"example.com/backstage/services/openbk-ota/internal/core"
	"github.com/sirupsen/logrus"
)

// GitHubClient reads firmware releases from the GitHub REST API and
// downloads their assets.
type GitHubClient struct {
	baseURL        string
	owner          string
	repo           string
	userAgent      string
	maxSize        int64
	httpClient     *http.Client
	downloadClient *http.Client
	logger         *logrus.Logger
}

// NewGitHubClient creates a registry client. maxSize bounds asset downloads.
func NewGitHubClient(cfg config.RegistryConfig, maxSize int64, logger *logrus.Logger) *GitHubClient {
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	downloadTimeout := cfg.DownloadTimeout
	if downloadTimeout <= 0 {
		downloadTimeout = 5 * time.Minute
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "openbk-ota"
	}
	return &GitHubClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		owner:          cfg.Owner,
		repo:           cfg.Repo,
		userAgent:      userAgent,
		maxSize:        maxSize,
		httpClient:     &http.Client{Timeout: requestTimeout},
		downloadClient: &http.Client{Timeout: downloadTimeout},
		logger:         logger,
	}
}

type githubRelease struct {
	TagName     string        `json:"tag_name"`
	Name        string        `json:"name"`
	HTMLURL     string        `json:"html_url"`
	Body        string        `json:"body"`
	Draft       bool          `json:"draft"`
	Prerelease  bool          `json:"prerelease"`
	PublishedAt time.Time     `json:"published_at"`
	Assets      []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string    `json:"name"`
	Size               int64     `json:"size"`
	BrowserDownloadURL string    `json:"browser_download_url"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// LatestRelease returns the newest published release.
func (c *GitHubClient) LatestRelease(ctx context.Context) (*core.Release, error) {
	return c.fetchRelease(ctx, fmt.Sprintf("/repos/%s/%s/releases/latest", c.owner, c.repo))
}

// ReleaseByTag returns the release with the given tag, or a fetch error
// wrapping core.ErrReleaseNotFound.
func (c *GitHubClient) ReleaseByTag(ctx context.Context, tag string) (*core.Release, error) {
	return c.fetchRelease(ctx, fmt.Sprintf("/repos/%s/%s/releases/tags/%s", c.owner, c.repo, url.PathEscape(tag)))
}

func (c *GitHubClient) fetchRelease(ctx context.Context, path string) (*core.Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &core.RegistryFetchError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &core.RegistryFetchError{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"path":      path,
		"status":    resp.StatusCode,
		"remaining": resp.Header.Get("X-RateLimit-Remaining"),
	}).Debug("Registry request")

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var payload githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &core.RegistryFetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode release: %w", err)}
	}
	return toRelease(payload), nil
}

func (c *GitHubClient) statusError(resp *http.Response) error {
	fetchErr := &core.RegistryFetchError{StatusCode: resp.StatusCode}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		fetchErr.Err = core.ErrReleaseNotFound
		return fetchErr
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		fetchErr.RateLimited = true
		fetchErr.ResetAt = rateLimitReset(resp.Header, time.Now())
	}

	var body struct {
		Message string `json:"message"`
	}
	json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	if body.Message == "" {
		body.Message = resp.Status
	}
	fetchErr.Err = errors.New(body.Message)
	return fetchErr
}

// rateLimitReset reads the reset instant from X-RateLimit-Reset (unix
// seconds) or Retry-After (delay in seconds).
func rateLimitReset(h http.Header, now time.Time) time.Time {
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(secs, 0)
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return now.Add(time.Duration(secs) * time.Second)
		}
	}
	return time.Time{}
}

func toRelease(r githubRelease) *core.Release {
	rel := &core.Release{
		Tag:         r.TagName,
		Name:        r.Name,
		HTMLURL:     r.HTMLURL,
		Body:        r.Body,
		PublishedAt: r.PublishedAt,
	}
	for _, a := range r.Assets {
		platform, version, ok := core.ParseAssetFilename(a.Name)
		if !ok {
			continue
		}
		rel.Assets = append(rel.Assets, core.Asset{
			Platform:    platform,
			Version:     version,
			Filename:    a.Name,
			DownloadURL: a.BrowserDownloadURL,
			Size:        a.Size,
			PublishedAt: r.PublishedAt,
			ReleaseTag:  r.TagName,
		})
	}
	return rel
}

// Download fetches an asset, following the CDN redirect, and refuses images
// larger than the configured limit.
func (c *GitHubClient) Download(ctx context.Context, asset core.Asset, progress func(done, total int64)) ([]byte, error) {
	fail := func(err error) ([]byte, error) {
		return nil, &core.DownloadError{Filename: asset.Filename, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.DownloadURL, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/octet-stream")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail(fmt.Errorf("unexpected status %s", resp.Status))
	}

	total := resp.ContentLength
	if total <= 0 {
		total = asset.Size
	}
	if c.maxSize > 0 && total > c.maxSize {
		return fail(fmt.Errorf("image is %d bytes, limit is %d", total, c.maxSize))
	}

	var body io.Reader = resp.Body
	if c.maxSize > 0 {
		body = io.LimitReader(resp.Body, c.maxSize+1)
	}
	counter := &progressReader{r: body, total: total, report: progress}
	data, err := io.ReadAll(counter)
	if err != nil {
		return fail(err)
	}
	if c.maxSize > 0 && int64(len(data)) > c.maxSize {
		return fail(fmt.Errorf("image exceeds %d bytes", c.maxSize))
	}
	if resp.ContentLength > 0 && int64(len(data)) != resp.ContentLength {
		return fail(fmt.Errorf("truncated: got %d of %d bytes", len(data), resp.ContentLength))
	}

	c.logger.WithFields(logrus.Fields{
		"filename": asset.Filename,
		"size":     len(data),
	}).Info("Firmware downloaded")
	return data, nil
}

type progressReader struct {
	r      io.Reader
	done   int64
	total  int64
	report func(done, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		if p.report != nil {
			p.report(p.done, p.total)
		}
	}
	return n, err
}
