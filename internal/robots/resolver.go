// Package robots resolves a site's crawl policy: per-path allow rules,
// crawl delay and request rate, derived from the origin's robots.txt.
package robots

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	netUrl "net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/IliaW/front-page-snapshot-worker/config"
	"github.com/kennygrant/sanitize"
	localCache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
)

// Policy is derived once per origin and read-only afterwards. The zero value
// allows everything: an unreachable robots.txt must not stop a crawl, only
// a parsed disallow rule may.
type Policy struct {
	group       *robotstxt.Group
	RequestRate float64       // requests per second, 0 when absent
	CrawlDelay  time.Duration // 0 when absent
}

// Allowed reports whether the url's path may be fetched under the selected
// user-agent stanza. Unmatched paths default to allowed.
func (p *Policy) Allowed(rawUrl string) bool {
	if p.group == nil {
		return true
	}
	u, err := netUrl.Parse(rawUrl)
	if err != nil {
		return p.group.Test(rawUrl)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return p.group.Test(path)
}

type Resolver struct {
	cfg       *config.RobotsConfig
	userAgent string
	log       *slog.Logger
	policies  *localCache.Cache
	client    *http.Client
}

func NewResolver(cfg *config.RobotsConfig, userAgent string, log *slog.Logger) *Resolver {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{
		cfg:       cfg,
		userAgent: userAgent,
		log:       log,
		policies:  localCache.New(localCache.NoExpiration, localCache.NoExpiration),
		client:    &http.Client{Timeout: timeout},
	}
}

// Resolve returns the policy for an origin, memoized for the lifetime of the
// run. A race on first resolution re-fetches the same file twice, which is
// wasteful but harmless.
func (r *Resolver) Resolve(origin string) *Policy {
	if cached, ok := r.policies.Get(origin); ok {
		return cached.(*Policy)
	}
	policy := r.resolve(origin)
	r.policies.Set(origin, policy, localCache.NoExpiration)

	return policy
}

func (r *Resolver) resolve(origin string) *Policy {
	cachePath := r.cacheFilePath(origin)
	if content, err := os.ReadFile(cachePath); err == nil {
		r.log.Debug("using cached robots.txt file.", slog.String("origin", origin))
		return Parse(content, r.userAgent)
	}

	content, ok := r.fetch(origin)
	if !ok {
		return &Policy{}
	}
	r.persist(cachePath, content)

	return Parse(content, r.userAgent)
}

func (r *Resolver) fetch(origin string) ([]byte, bool) {
	robotsUrl := strings.TrimSuffix(origin, "/") + "/robots.txt"
	r.log.Info("getting robots.txt.", slog.String("url", robotsUrl))

	resp, err := r.client.Get(robotsUrl)
	if err != nil {
		r.log.Warn("failed to fetch robots.txt. Crawling at default pace.",
			slog.String("url", robotsUrl), slog.String("err", err.Error()))
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.log.Warn("non-200 response for robots.txt. Crawling at default pace.",
			slog.String("url", robotsUrl), slog.Int("status", resp.StatusCode))
		return nil, false
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		r.log.Warn("failed to read robots.txt body.", slog.String("err", err.Error()))
		return nil, false
	}

	return content, true
}

func (r *Resolver) persist(path string, content []byte) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		r.log.Warn("failed to create robots cache dir.", slog.String("err", err.Error()))
		return
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		r.log.Warn("failed to persist robots.txt.", slog.String("path", path),
			slog.String("err", err.Error()))
	}
}

func (r *Resolver) cacheFilePath(origin string) string {
	u, err := netUrl.Parse(origin)
	name := origin
	if err == nil && u.Host != "" {
		name = u.Host
	}
	return filepath.Join(r.cfg.CacheDir, sanitize.BaseName(name)+"_robots.txt")
}

// Parse builds a policy from robots.txt content: the most specific matching
// user-agent stanza (falling back to the wildcard one), its Crawl-delay, and
// its Request-rate. A malformed file fails open.
func Parse(content []byte, userAgent string) *Policy {
	data, err := robotstxt.FromBytes(content)
	if err != nil {
		return &Policy{}
	}
	policy := &Policy{group: data.FindGroup(userAgent)}
	if policy.group != nil {
		policy.CrawlDelay = policy.group.CrawlDelay
	}
	policy.RequestRate = extractRequestRate(content, userAgent)

	return policy
}

// extractRequestRate scans for the Request-rate directive, which the
// robotstxt library does not model. "1/5" means one request per five
// seconds. The stanza matching the user-agent wins over the wildcard one.
func extractRequestRate(content []byte, userAgent string) float64 {
	var wildcardRate, agentRate float64
	inWildcard, inAgent := false, false

	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(strings.ToLower(key))
		value = strings.TrimSpace(value)
		switch key {
		case "user-agent":
			inWildcard = value == "*"
			inAgent = value != "*" && strings.HasPrefix(strings.ToLower(userAgent), strings.ToLower(value))
		case "request-rate":
			rate := parseRate(value)
			if inAgent && agentRate == 0 {
				agentRate = rate
			}
			if inWildcard && wildcardRate == 0 {
				wildcardRate = rate
			}
		}
	}
	if agentRate > 0 {
		return agentRate
	}
	return wildcardRate
}

func parseRate(value string) float64 {
	requests, interval, found := strings.Cut(value, "/")
	if !found {
		return 0
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(requests), 64)
	if err != nil || n <= 0 {
		return 0
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(interval), 64)
	if err != nil || d <= 0 {
		return 0
	}
	return n / d
}

// SiteOrigin reduces a page url to its scheme://host origin, the key for
// policy caching and politeness tracking.
func SiteOrigin(rawUrl string) (string, error) {
	u, err := netUrl.Parse(rawUrl)
	if err != nil {
		return "", fmt.Errorf("failed to parse url %q: %w", rawUrl, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no origin", rawUrl)
	}
	return u.Scheme + "://" + u.Host, nil
}
