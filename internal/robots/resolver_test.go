package robots

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IliaW/front-page-snapshot-worker/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const robotsBody = `User-agent: *
Disallow: /private/
Crawl-delay: 5
Request-rate: 1/5

User-agent: snapshot-worker
Disallow: /internal/
Crawl-delay: 2
Request-rate: 2/1
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestResolver(t *testing.T, userAgent string) *Resolver {
	t.Helper()
	cfg := &config.RobotsConfig{CacheDir: t.TempDir(), FetchTimeout: 2 * time.Second}
	return NewResolver(cfg, userAgent, testLogger())
}

func TestParseSelectsAgentStanza(t *testing.T) {
	policy := Parse([]byte(robotsBody), "snapshot-worker/1.0")

	assert.False(t, policy.Allowed("https://site.test/internal/page"))
	assert.True(t, policy.Allowed("https://site.test/private/page"))
	assert.True(t, policy.Allowed("https://site.test/"))
	assert.Equal(t, 2*time.Second, policy.CrawlDelay)
	assert.InDelta(t, 2.0, policy.RequestRate, 0.001)
}

func TestParseFallsBackToWildcardStanza(t *testing.T) {
	policy := Parse([]byte(robotsBody), "some-other-bot")

	assert.False(t, policy.Allowed("https://site.test/private/page"))
	assert.True(t, policy.Allowed("https://site.test/"))
	assert.Equal(t, 5*time.Second, policy.CrawlDelay)
	assert.InDelta(t, 0.2, policy.RequestRate, 0.001)
}

func TestParseMalformedFailsOpen(t *testing.T) {
	policy := Parse([]byte("\x00\x01 not robots at all"), "snapshot-worker")

	assert.True(t, policy.Allowed("https://site.test/anything"))
	assert.Zero(t, policy.CrawlDelay)
}

func TestResolveFetchesParsesAndPersists(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/robots.txt", r.URL.Path)
		hits.Add(1)
		_, _ = w.Write([]byte(robotsBody))
	}))
	defer server.Close()

	resolver := newTestResolver(t, "snapshot-worker")
	policy := resolver.Resolve(server.URL)

	assert.False(t, policy.Allowed(server.URL+"/internal/page"))
	assert.Equal(t, int64(1), hits.Load())

	// memoized for the run
	again := resolver.Resolve(server.URL)
	assert.Same(t, policy, again)
	assert.Equal(t, int64(1), hits.Load())

	// a fresh resolver sharing the cache dir reads the persisted file
	second := NewResolver(&config.RobotsConfig{CacheDir: resolver.cfg.CacheDir}, "snapshot-worker", testLogger())
	fromDisk := second.Resolve(server.URL)
	assert.False(t, fromDisk.Allowed(server.URL+"/internal/page"))
	assert.Equal(t, int64(1), hits.Load())
}

func TestResolveFailsOpenOnErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	resolver := newTestResolver(t, "snapshot-worker")
	policy := resolver.Resolve(server.URL)

	assert.True(t, policy.Allowed(server.URL+"/private/page"))
	assert.Zero(t, policy.CrawlDelay)
	assert.Zero(t, policy.RequestRate)
}

func TestResolveFailsOpenOnConnectionError(t *testing.T) {
	resolver := newTestResolver(t, "snapshot-worker")
	policy := resolver.Resolve("http://127.0.0.1:1")

	assert.True(t, policy.Allowed("http://127.0.0.1:1/anything"))
}

func TestSiteOrigin(t *testing.T) {
	origin, err := SiteOrigin("https://www.example.gov/some/page?q=1")
	require.NoError(t, err)
	assert.Equal(t, "https://www.example.gov", origin)

	_, err = SiteOrigin("not-a-url")
	assert.Error(t, err)
}
