package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"example.com/backstage/services/openbk-ota/config"
	"example.com/backstage/services/openbk-ota/internal/core"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

const releaseJSON = `{
  "tag_name": "1.17.551",
  "name": "1.17.551",
  "html_url": "https://github.com/openshwprojects/OpenBK7231T_App/releases/tag/1.17.551",
  "body": "### Changes\n- [fix](https://x) watchdog\n",
  "published_at": "2025-05-01T10:00:00Z",
  "assets": [
    {"name": "OpenBK7231N_1.17.551.rbl", "size": 11, "browser_download_url": "%[1]s/download/OpenBK7231N_1.17.551.rbl"},
    {"name": "OpenBK7231N_QIO_1.17.551.bin", "size": 99, "browser_download_url": "%[1]s/download/OpenBK7231N_QIO_1.17.551.bin"},
    {"name": "OpenBK7231T_1.17.551.rbl", "size": 11, "browser_download_url": "%[1]s/download/OpenBK7231T_1.17.551.rbl"},
    {"name": "OpenBL602_1.17.551.bin", "size": 99, "browser_download_url": "%[1]s/download/OpenBL602_1.17.551.bin"}
  ]
}`

func newRegistryServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *GitHubClient) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewGitHubClient(config.RegistryConfig{
		BaseURL: srv.URL,
		Owner:   "openshwprojects",
		Repo:    "OpenBK7231T_App",
	}, 64, testLogger())
	return srv, client
}

func TestLatestReleaseParsesAssets(t *testing.T) {
	var srvURL string
	srv, client := newRegistryServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/openshwprojects/OpenBK7231T_App/releases/latest" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("missing User-Agent")
		}
		fmt.Fprintf(w, releaseJSON, srvURL)
	})
	srvURL = srv.URL

	rel, err := client.LatestRelease(context.Background())
	if err != nil {
		t.Fatalf("LatestRelease: %v", err)
	}
	if rel.Tag != "1.17.551" || len(rel.Assets) != 2 {
		t.Fatalf("release = %+v", rel)
	}
	a, ok := core.AssetFor(rel, core.PlatformBK7231T)
	if !ok || a.Version != "1.17.551" || a.ReleaseTag != "1.17.551" {
		t.Errorf("BK7231T asset = %+v", a)
	}
	if !strings.HasSuffix(a.DownloadURL, "/download/OpenBK7231T_1.17.551.rbl") {
		t.Errorf("download url = %q", a.DownloadURL)
	}
}

func TestReleaseByTagNotFound(t *testing.T) {
	_, client := newRegistryServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})

	_, err := client.ReleaseByTag(context.Background(), "0.0.1")
	if !errors.Is(err, core.ErrReleaseNotFound) {
		t.Fatalf("err = %v, want ErrReleaseNotFound", err)
	}
}

func TestRateLimitedResponse(t *testing.T) {
	reset := time.Now().Add(20 * time.Minute).Truncate(time.Second)
	_, client := newRegistryServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(reset.Unix()))
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"API rate limit exceeded"}`)
	})

	_, err := client.LatestRelease(context.Background())
	var fetchErr *core.RegistryFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("err = %v", err)
	}
	if !fetchErr.RateLimited || !fetchErr.ResetAt.Equal(reset) || fetchErr.StatusCode != http.StatusForbidden {
		t.Errorf("fetch error = %+v", fetchErr)
	}
	if !strings.Contains(err.Error(), "rate limit exceeded") {
		t.Errorf("message lost: %v", err)
	}
}

func TestServerErrorIsNotRateLimit(t *testing.T) {
	_, client := newRegistryServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.LatestRelease(context.Background())
	var fetchErr *core.RegistryFetchError
	if !errors.As(err, &fetchErr) || fetchErr.RateLimited || fetchErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
}

func TestDownloadReportsProgress(t *testing.T) {
	srv, client := newRegistryServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/download/ok.rbl":
			http.Redirect(w, r, "/cdn/ok.rbl", http.StatusFound)
		case "/cdn/ok.rbl":
			w.Write([]byte("hello world"))
		case "/download/big.rbl":
			w.Write([]byte(strings.Repeat("x", 100)))
		default:
			http.NotFound(w, r)
		}
	})

	var last int64
	data, err := client.Download(context.Background(), core.Asset{Filename: "ok.rbl", DownloadURL: srv.URL + "/download/ok.rbl"}, func(done, total int64) {
		last = done
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "hello world" || last != int64(len(data)) {
		t.Errorf("data = %q, progress = %d", data, last)
	}

	_, err = client.Download(context.Background(), core.Asset{Filename: "big.rbl", DownloadURL: srv.URL + "/download/big.rbl"}, nil)
	var dlErr *core.DownloadError
	if !errors.As(err, &dlErr) || dlErr.Filename != "big.rbl" {
		t.Errorf("oversized download: err = %v", err)
	}

	_, err = client.Download(context.Background(), core.Asset{Filename: "gone.rbl", DownloadURL: srv.URL + "/download/gone.rbl"}, nil)
	if !errors.As(err, &dlErr) {
		t.Errorf("missing asset: err = %v", err)
	}
}

func TestRateLimitResetRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h := http.Header{}
	h.Set("Retry-After", "90")
	if got := rateLimitReset(h, now); !got.Equal(now.Add(90 * time.Second)) {
		t.Errorf("reset = %v", got)
	}
	if got := rateLimitReset(http.Header{}, now); !got.IsZero() {
		t.Errorf("reset without headers = %v", got)
	}
}
