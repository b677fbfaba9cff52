// Package session owns the headless browser engine for a scraping run and
// hands out isolated context/page pairs, one per navigation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/front-page-snapshot-worker/config"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

var (
	// ErrInvalidState signals a session method called out of state-machine
	// order. This is a programming defect, not a recoverable runtime
	// condition, and is logged loudly at the call site.
	ErrInvalidState = errors.New("session method called out of order")
	// ErrNavigationExhausted is the explicit outcome of a navigation whose
	// retries all timed out. Callers must not treat a normal return as proof
	// the page loaded.
	ErrNavigationExhausted = errors.New("navigation retries exhausted")
)

type state int

const (
	stateBrowserReady state = iota
	stateContextOpen
	statePageOpen
	stateClosed
)

func (s state) String() string {
	return [...]string{"BROWSER_READY", "CONTEXT_OPEN", "PAGE_OPEN", "CLOSED"}[s]
}

// Manager launches one browser engine per run and shares it across all
// capture tasks. Contexts and pages are never shared between tasks.
type Manager struct {
	cfg         *config.ScreenshotConfig
	userAgent   string
	log         *slog.Logger
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
	started     bool
}

func NewManager(cfg *config.ScreenshotConfig, userAgent string, log *slog.Logger) *Manager {
	return &Manager{cfg: cfg, userAgent: userAgent, log: log}
}

// Start launches the browser. A failure here is fatal to the whole run and
// is propagated, never retried.
func (m *Manager) Start(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	m.browserCtx, m.browserStop = chromedp.NewContext(m.allocCtx)

	launchCtx, cancel := context.WithTimeout(m.browserCtx, m.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(launchCtx); err != nil {
		m.Stop()
		return fmt.Errorf("failed to launch browser engine: %w", err)
	}
	m.started = true
	m.log.Info("browser engine launched.")

	return nil
}

// Stop tears down the browser and allocator in reverse order of acquisition.
// It must run on every exit path of a run. Idempotent.
func (m *Manager) Stop() {
	if m.browserStop != nil {
		m.browserStop()
		m.browserStop = nil
	}
	if m.allocCancel != nil {
		m.allocCancel()
		m.allocCancel = nil
	}
	if m.started {
		m.log.Info("browser engine stopped.")
		m.started = false
	}
}

// NewSession hands out a session in the BROWSER_READY state. One session
// serves exactly one navigation; the fresh context and page prevent state
// (cookies, local storage) leaking between targets.
func (m *Manager) NewSession() (*Session, error) {
	if !m.started {
		return nil, fmt.Errorf("browser engine is not started: %w", ErrInvalidState)
	}
	return &Session{mgr: m, log: m.log, state: stateBrowserReady}, nil
}

type Session struct {
	mgr       *Manager
	log       *slog.Logger
	state     state
	tabCtx    context.Context
	tabCancel context.CancelFunc
	// navigate performs one navigation attempt; nil means goTo.
	navigate func(ctx context.Context, url string) error
}

// OpenContext creates a fresh browsing context on the shared browser. The
// tab lives in its own browser context (incognito-style profile), not the
// browser's default one, so cookies and local storage are invisible to
// other sessions.
func (s *Session) OpenContext() error {
	if s.state != stateBrowserReady {
		return s.violation("OpenContext")
	}
	s.tabCtx, s.tabCancel = chromedp.NewContext(s.mgr.browserCtx, chromedp.WithNewBrowserContext())
	s.state = stateContextOpen
	s.log.Debug("browser context created.")

	return nil
}

// OpenPage attaches the blank page target of the context.
func (s *Session) OpenPage() error {
	if s.state != stateContextOpen {
		return s.violation("OpenPage")
	}
	// Running an empty task list materializes the page target.
	if err := chromedp.Run(s.tabCtx); err != nil {
		return fmt.Errorf("failed to open page: %w", err)
	}
	s.state = statePageOpen
	s.log.Debug("page created.")

	return nil
}

// Navigate goes to the url and waits for the network to go idle. A timed-out
// attempt is retried with a backoff that starts at RetryDelay and doubles;
// any other engine error abandons the navigation immediately. Exhausting all
// attempts returns ErrNavigationExhausted.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.state != statePageOpen {
		return s.violation("Navigate")
	}
	attempts := s.mgr.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	attemptNav := s.navigate
	if attemptNav == nil {
		attemptNav = s.goTo
	}
	backoff := time.Duration(0)
	for attempt := 1; attempt <= attempts; attempt++ {
		if backoff > 0 {
			s.log.Info("waiting before navigation retry.", slog.String("url", url),
				slog.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("navigation canceled: %w", ctx.Err())
			}
		}
		err := attemptNav(ctx, url)
		if err == nil {
			return nil
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("navigation to %q failed: %w", url, err)
		}
		s.log.Warn("navigation timed out.", slog.String("url", url),
			slog.String("attempt", fmt.Sprintf("%d/%d", attempt, attempts)))
		if backoff == 0 {
			backoff = s.mgr.cfg.RetryDelay
		} else {
			backoff *= 2
		}
	}

	return fmt.Errorf("%q after %d attempts: %w", url, attempts, ErrNavigationExhausted)
}

func (s *Session) goTo(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(s.tabCtx, s.mgr.cfg.NavigationTimeout)
	defer cancel()
	// cooperative cancellation: an interrupt releases the page mid-attempt
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(navCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(map[string]interface{}{
			"User-Agent": s.mgr.userAgent,
		}),
		enableLifeCycleEvents(),
		navigateAndWaitFor(url, "networkIdle"),
	)
}

// Screenshot captures the full page as JPEG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	if s.state != statePageOpen {
		return nil, s.violation("Screenshot")
	}
	timeout := s.mgr.cfg.ScreenshotTimeout
	if timeout <= 0 {
		timeout = s.mgr.cfg.NavigationTimeout
	}
	shotCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var buf []byte
	if err := chromedp.Run(shotCtx, chromedp.FullScreenshot(&buf, s.mgr.cfg.Quality)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}

	return buf, nil
}

// Close releases the page and context. Idempotent; closing a session with
// nothing open is a no-op. The context and page must never be read again
// after Close.
func (s *Session) Close() {
	if s.tabCancel != nil {
		s.tabCancel()
		s.tabCancel = nil
		s.log.Debug("page and context closed.")
	}
	s.state = stateClosed
}

func (s *Session) violation(method string) error {
	s.log.Error("session precondition violation.", slog.String("method", method),
		slog.String("state", s.state.String()))
	return fmt.Errorf("%s called in state %s: %w", method, s.state, ErrInvalidState)
}

func enableLifeCycleEvents() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		err := page.Enable().Do(ctx)
		if err != nil {
			return err
		}
		err = page.SetLifecycleEventsEnabled(true).Do(ctx)
		if err != nil {
			return err
		}
		return nil
	}
}

func navigateAndWaitFor(url string, eventName string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		_, _, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		return waitFor(ctx, eventName)
	}
}

// waitFor blocks until the lifecycle event is seen or the context expires.
func waitFor(ctx context.Context, eventName string) error {
	ch := make(chan struct{})
	cctx, cancel := context.WithCancel(ctx)
	chromedp.ListenTarget(cctx, lifecycleListener(eventName, cancel, ch))
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lifecycleListener signals ch exactly once for the named event. Duplicate
// events can be delivered before the canceled listener is detached.
func lifecycleListener(eventName string, cancel context.CancelFunc, ch chan<- struct{}) func(ev interface{}) {
	var once sync.Once
	return func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventLifecycleEvent:
			if e.Name == eventName {
				cancel()
				once.Do(func() { close(ch) })
			}
		}
	}
}
