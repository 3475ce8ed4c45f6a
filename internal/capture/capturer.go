// Package capture turns the live page into an immutable UiSnapshot.
package capture

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// Capturer observes a page without touching it.
type Capturer struct {
	cfg    config.CaptureConfig
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Capturer.
func New(cfg config.CaptureConfig, logger *zap.Logger) *Capturer {
	return &Capturer{
		cfg:    cfg,
		logger: logger.Named("capture"),
		now:    time.Now,
	}
}

// Capture waits for the page to settle and then reads its URL, text and
// screenshot. A settle wait that hits its ceiling yields a Partial snapshot
// rather than an error. Every failure except the screenshot is a CaptureError.
func (c *Capturer) Capture(ctx context.Context, page schemas.Page) (schemas.UiSnapshot, error) {
	idle, err := page.WaitForIdle(ctx, c.cfg.SettleQuietPeriod, c.cfg.SettleTimeout)
	if err != nil {
		return schemas.UiSnapshot{}, schemas.Errorf(schemas.KindCapture, "settle wait failed: %w", err)
	}
	if !idle {
		c.logger.Debug("Page did not settle before the ceiling, capturing best-effort.",
			zap.Duration("ceiling", c.cfg.SettleTimeout))
	}

	url, err := bounded(ctx, c.cfg.ExtractTimeout, page.URL)
	if err != nil {
		return schemas.UiSnapshot{}, schemas.Errorf(schemas.KindCapture, "failed to read page url: %w", err)
	}

	text, err := bounded(ctx, c.cfg.ExtractTimeout, func(ctx context.Context) (string, error) {
		return page.ExtractText(ctx, c.cfg.MaxTextChars)
	})
	if err != nil {
		return schemas.UiSnapshot{}, schemas.Errorf(schemas.KindCapture, "text extraction failed: %w", err)
	}

	shot, err := bounded(ctx, c.cfg.ExtractTimeout, page.Screenshot)
	if err != nil {
		if ctx.Err() != nil {
			return schemas.UiSnapshot{}, schemas.Errorf(schemas.KindCapture, "capture interrupted: %w", ctx.Err())
		}
		c.logger.Warn("Screenshot failed, continuing without an image.", zap.Error(err))
		shot = nil
	}

	snap := schemas.NewUiSnapshot(url, truncateRunes(text, c.cfg.MaxTextChars), shot, !idle, c.now())
	c.logger.Debug("Captured snapshot.",
		zap.String("url", snap.URL),
		zap.String("fingerprint", snap.Fingerprint[:12]),
		zap.Int("text_chars", len(snap.TextExtract)),
		zap.Bool("partial", snap.Partial))
	return snap, nil
}

// bounded runs fn under its own timeout when one is configured.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := fn(callCtx)
	if err != nil && callCtx.Err() != nil && ctx.Err() == nil {
		return out, fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	return out, err
}

// truncateRunes guards against drivers that return more than asked for.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
