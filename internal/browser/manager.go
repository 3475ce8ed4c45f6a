// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/config"
)

const (
	launchTimeout       = 30 * time.Second
	shutdownGracePeriod = 10 * time.Second
)

// Manager owns the Chrome process and the single tab a run drives.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	page *Page

	mu     sync.Mutex
	closed bool
}

// NewManager launches Chrome and opens the primary tab. The browser lives
// until Shutdown is called or ctx is cancelled.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		logger: logger.Named("browser_manager"),
	}

	m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(ctx, buildAllocatorOptions(cfg)...)

	var ctxOpts []chromedp.ContextOption
	if cfg.Debug {
		sugar := m.logger.Sugar()
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(sugar.Debugf))
	}
	ctxOpts = append(ctxOpts, chromedp.WithErrorf(m.logger.Sugar().Errorf))
	m.tabCtx, m.tabCancel = chromedp.NewContext(m.allocCtx, ctxOpts...)

	// The first Run allocates the browser and ties its lifetime to the context
	// it is given, so it must run on tabCtx itself rather than a derived one.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(m.tabCtx) }()

	var err error
	select {
	case err = <-started:
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(launchTimeout):
		err = fmt.Errorf("browser did not start within %s", launchTimeout)
	}
	if err != nil {
		m.tabCancel()
		m.allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	m.page = newPage(m.tabCtx, cfg, m.logger)
	if err := m.page.idle.start(m.tabCtx); err != nil {
		m.tabCancel()
		m.allocCancel()
		return nil, fmt.Errorf("failed to enable network tracking: %w", err)
	}
	m.logger.Info("Browser launched.",
		zap.Bool("headless", cfg.Headless),
		zap.Int("viewport_width", cfg.Viewport.Width),
		zap.Int("viewport_height", cfg.Viewport.Height))
	return m, nil
}

// Page returns the primary tab.
func (m *Manager) Page() *Page {
	return m.page
}

// Shutdown closes the browser gracefully, then kills the process if it has
// not exited within the grace period. Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.logger.Debug("Shutting down browser.")
	if m.page != nil {
		m.page.stopIdleTracker()
	}

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(m.tabCtx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(shutdownGracePeriod):
		err = fmt.Errorf("browser did not close within %s", shutdownGracePeriod)
	}

	m.tabCancel()
	m.allocCancel()
	if err != nil {
		m.logger.Warn("Browser shutdown was not clean.", zap.Error(err))
		return err
	}
	m.logger.Info("Browser shut down.")
	return nil
}

// buildAllocatorOptions translates the browser config into Chrome flags.
func buildAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+10)
	opts = append(opts, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)

	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.IgnoreCertErrors)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Viewport.Width, cfg.Viewport.Height))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if runtime.GOOS == "linux" {
		opts = append(opts, chromedp.NoSandbox, chromedp.Flag("disable-dev-shm-usage", true))
	}

	for _, arg := range cfg.Args {
		key, value := splitFlag(arg)
		if value == "" {
			opts = append(opts, chromedp.Flag(key, true))
		} else {
			opts = append(opts, chromedp.Flag(key, value))
		}
	}
	return opts
}

// splitFlag parses "--name=value" or "--name" into its parts.
func splitFlag(arg string) (string, string) {
	key, value, _ := strings.Cut(strings.TrimLeft(arg, "-"), "=")
	return key, value
}
