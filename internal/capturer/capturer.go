// Package capturer takes a full-page screenshot of each live target while
// honoring the site's robots.txt policy and pacing directives.
package capturer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	netUrl "net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/IliaW/front-page-snapshot-worker/config"
	"github.com/IliaW/front-page-snapshot-worker/internal/model"
	"github.com/IliaW/front-page-snapshot-worker/internal/robots"
	"github.com/kennygrant/sanitize"
)

// ErrPolicyDisallowed marks a target whose path is excluded by the site's
// robots.txt. Such targets are failed without opening a session and without
// any request to the site.
var ErrPolicyDisallowed = errors.New("disallowed by robots.txt policy")

// BrowserSession is the slice of the session lifecycle the capturer drives.
// Each capture gets a fresh session and must Close it on every path.
type BrowserSession interface {
	OpenContext() error
	OpenPage() error
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close()
}

// SessionFactory hands out a new session bound to the shared browser engine.
type SessionFactory func() (BrowserSession, error)

type PolicyResolver interface {
	Resolve(origin string) *robots.Policy
}

// Uploader mirrors the screenshot to remote storage. Optional; a failed
// upload returns an empty link and never fails the capture.
type Uploader interface {
	WriteScreenshot(ctx context.Context, body []byte, gnis, filename string) string
}

type Capturer struct {
	cfg        *config.ScreenshotConfig
	log        *slog.Logger
	newSession SessionFactory
	policies   PolicyResolver
	uploader   Uploader

	mu           sync.Mutex
	lastDispatch map[string]time.Time
}

func New(cfg *config.ScreenshotConfig, newSession SessionFactory, policies PolicyResolver,
	uploader Uploader, log *slog.Logger) *Capturer {
	return &Capturer{
		cfg:          cfg,
		log:          log,
		newSession:   newSession,
		policies:     policies,
		uploader:     uploader,
		lastDispatch: make(map[string]time.Time),
	}
}

// Capture never returns an error: every failure mode (policy, session,
// navigation, disk) is folded into a FAILURE record so sibling captures
// keep running.
func (c *Capturer) Capture(ctx context.Context, target model.Target) *model.OutcomeRecord {
	record := model.NewOutcomeRecord(target)
	record.Classification = model.Failure

	origin, err := robots.SiteOrigin(target.URL)
	if err != nil {
		record.Error = err.Error()
		return record
	}
	policy := c.policies.Resolve(origin)
	if !policy.Allowed(target.URL) {
		c.log.Warn("target excluded by site policy.", slog.String("url", target.URL))
		record.Error = ErrPolicyDisallowed.Error()
		return record
	}
	if err = c.waitCrawlDelay(ctx, origin, dispatchDelay(policy)); err != nil {
		record.Error = err.Error()
		return record
	}

	body, err := c.takeScreenshot(ctx, target.URL)
	if err != nil {
		c.log.Error("screenshot failed.", slog.String("url", target.URL),
			slog.String("err", err.Error()))
		record.Error = err.Error()
		return record
	}

	path := c.screenshotPath(origin, target)
	if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		record.Error = fmt.Sprintf("failed to create screenshot dir: %s", err)
		return record
	}
	if err = os.WriteFile(path, body, 0644); err != nil {
		record.Error = fmt.Sprintf("failed to save screenshot: %s", err)
		return record
	}
	record.ScreenshotPath = path
	record.Classification = model.Success
	c.log.Info("screenshot saved.", slog.String("url", target.URL), slog.String("path", path))

	if c.uploader != nil {
		record.RemoteLink = c.uploader.WriteScreenshot(ctx, body, target.GNIS, filepath.Base(path))
	}

	return record
}

func (c *Capturer) takeScreenshot(ctx context.Context, url string) ([]byte, error) {
	sess, err := c.newSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create browser session: %w", err)
	}
	defer sess.Close()

	if err = sess.OpenContext(); err != nil {
		return nil, err
	}
	if err = sess.OpenPage(); err != nil {
		return nil, err
	}
	if err = sess.Navigate(ctx, url); err != nil {
		return nil, err
	}

	return sess.Screenshot(ctx)
}

// waitCrawlDelay spaces out successive dispatches to the same origin. The
// first dispatch per origin goes immediately; each later one reserves the
// slot one delay after the previous reservation, so concurrent captures of
// one site queue up rather than stampede.
func (c *Capturer) waitCrawlDelay(ctx context.Context, origin string, delay time.Duration) error {
	c.mu.Lock()
	now := time.Now()
	last, seen := c.lastDispatch[origin]
	slot := now
	if seen && delay > 0 && last.Add(delay).After(now) {
		slot = last.Add(delay)
	}
	c.lastDispatch[origin] = slot
	c.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	c.log.Debug("honoring crawl delay.", slog.String("origin", origin),
		slog.Duration("wait", wait))
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("canceled while honoring crawl delay: %w", ctx.Err())
	}
}

// dispatchDelay converts the site policy into a pause between requests.
// Crawl-delay wins; a request rate of n per d seconds maps to d/n.
func dispatchDelay(policy *robots.Policy) time.Duration {
	if policy.CrawlDelay > 0 {
		return policy.CrawlDelay
	}
	if policy.RequestRate > 0 {
		return time.Duration(float64(time.Second) / policy.RequestRate)
	}
	return 0
}

func (c *Capturer) screenshotPath(origin string, target model.Target) string {
	host := origin
	if u, err := netUrl.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	name := fmt.Sprintf("front_page_%s_%s.jpeg", filenameStem(target.PlaceName), target.GNIS)

	return filepath.Join(c.cfg.OutputDir, sanitize.BaseName(host), name)
}

// filenameStem reduces a place name to a filesystem-safe stem. Names that are
// themselves urls are cut down to their last path segment, and any file
// extension is dropped since the output is always jpeg.
func filenameStem(placeName string) string {
	stem := placeName
	if u, err := netUrl.Parse(placeName); err == nil && u.Host != "" {
		if segment := path.Base(u.Path); segment != "." && segment != "/" && segment != "" {
			stem = segment
		} else {
			return sanitize.BaseName(u.Host)
		}
	}
	if ext := filepath.Ext(stem); ext != "" && len(ext) <= 5 {
		stem = strings.TrimSuffix(stem, ext)
	}
	return sanitize.Name(stem)
}
