// internal/browser/page.go
package browser

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed resolver.js
var resolverScript string

const (
	refAttribute  = "data-webpilot-ref"
	readyProbeTTL = 500 * time.Millisecond
	scrollFactor  = 0.8
)

// Page drives one chromedp tab. Every method is bounded by both the tab's
// lifetime and the caller's context.
type Page struct {
	ctx    context.Context
	cfg    config.BrowserConfig
	logger *zap.Logger
	idle   *idleTracker
}

var _ schemas.Page = (*Page)(nil)

func newPage(tabCtx context.Context, cfg config.BrowserConfig, logger *zap.Logger) *Page {
	return &Page{
		ctx:    tabCtx,
		cfg:    cfg,
		logger: logger.Named("page"),
		idle:   newIdleTracker(logger),
	}
}

func (p *Page) stopIdleTracker() {
	p.idle.stop()
}

// run executes actions under the combined tab/caller context and classifies
// the resulting error.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	return p.classify(ctx, chromedp.Run(runCtx, actions...))
}

// classify maps raw driver failures onto the sentinels the loop understands.
func (p *Page) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if p.ctx.Err() != nil ||
		errors.Is(err, chromedp.ErrInvalidContext) ||
		errors.Is(err, chromedp.ErrInvalidTarget) ||
		errors.Is(err, chromedp.ErrChannelClosed) ||
		strings.Contains(err.Error(), "target closed") {
		return fmt.Errorf("%w: %v", schemas.ErrPageUnreachable, err)
	}
	return err
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if p.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.NavigationTimeout)
		defer cancel()
	}
	p.logger.Debug("Navigating.", zap.String("url", url))
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (p *Page) ExtractText(ctx context.Context, maxChars int) (string, error) {
	script := fmt.Sprintf(`(() => { const t = document.body ? document.body.innerText : ''; return %s; })()`, sliceExpr("t", maxChars))
	var text string
	if err := p.run(ctx, chromedp.Evaluate(script, &text)); err != nil {
		return "", err
	}
	return text, nil
}

func sliceExpr(v string, maxChars int) string {
	if maxChars <= 0 {
		return v
	}
	return fmt.Sprintf("%s.slice(0, %d)", v, maxChars)
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// WaitForIdle waits for the network to be quiet and the document to report
// readyState "complete". Hitting the ceiling is not an error.
func (p *Page) WaitForIdle(ctx context.Context, quiet, ceiling time.Duration) (bool, error) {
	waitCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()

	idle, err := p.idle.wait(waitCtx, quiet, ceiling, p.documentReady)
	if err != nil {
		return false, p.classify(ctx, err)
	}
	return idle, nil
}

func (p *Page) documentReady(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, readyProbeTTL)
	defer cancel()
	var state string
	if err := chromedp.Run(probeCtx, chromedp.Evaluate(`document.readyState`, &state)); err != nil {
		return false
	}
	return state == "complete"
}

type resolveResult struct {
	Found       bool   `json:"found"`
	Description string `json:"description"`
	Strategy    string `json:"strategy"`
}

// Find runs the in-page resolver, which tags the chosen node with a fresh
// token so later calls can address it by attribute.
func (p *Page) Find(ctx context.Context, hint string, purpose schemas.TargetPurpose) (schemas.ElementHandle, error) {
	token := uuid.NewString()
	args, err := json.Marshal([]string{hint, string(purpose), token})
	if err != nil {
		return schemas.ElementHandle{}, fmt.Errorf("failed to encode resolver arguments: %w", err)
	}
	argList := strings.TrimSuffix(strings.TrimPrefix(string(args), "["), "]")
	script := resolverScript + "(" + argList + ")"

	var res resolveResult
	if err := p.run(ctx, chromedp.Evaluate(script, &res)); err != nil {
		return schemas.ElementHandle{}, fmt.Errorf("element resolution for %q failed: %w", hint, err)
	}
	if !res.Found {
		return schemas.ElementHandle{}, fmt.Errorf("%w: %q", schemas.ErrElementNotFound, hint)
	}

	p.logger.Debug("Resolved target.",
		zap.String("hint", hint),
		zap.String("strategy", res.Strategy),
		zap.String("element", res.Description))
	return schemas.ElementHandle{Ref: token, Description: res.Description, Strategy: res.Strategy}, nil
}

func refSelector(el schemas.ElementHandle) string {
	return fmt.Sprintf(`[%s="%s"]`, refAttribute, el.Ref)
}

func (p *Page) Click(ctx context.Context, el schemas.ElementHandle) error {
	return p.run(ctx, chromedp.Click(refSelector(el), chromedp.ByQuery))
}

const selectContentsJS = `(() => {
	const el = document.querySelector(%q);
	if (!el) return false;
	if (typeof el.select === 'function') { el.select(); return true; }
	const r = document.createRange();
	r.selectNodeContents(el);
	const s = window.getSelection();
	s.removeAllRanges();
	s.addRange(r);
	return true;
})()`

// Type replaces the element's content with text. The existing content is
// selected first so the inserted text overwrites it.
func (p *Page) Type(ctx context.Context, el schemas.ElementHandle, text string) error {
	sel := refSelector(el)
	var selected bool
	return p.run(ctx,
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.Focus(sel, chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(selectContentsJS, sel), &selected),
		chromedp.ActionFunc(func(c context.Context) error {
			if !selected {
				return fmt.Errorf("%w: %s disappeared before typing", schemas.ErrElementNotFound, el.Description)
			}
			return input.InsertText(text).Do(c)
		}),
	)
}

func (p *Page) ScrollIntoView(ctx context.Context, el schemas.ElementHandle) error {
	return p.run(ctx, chromedp.ScrollIntoView(refSelector(el), chromedp.ByQuery))
}

func (p *Page) ScrollViewport(ctx context.Context, dir schemas.ScrollDirection) error {
	sign := 1
	if dir == schemas.ScrollUp {
		sign = -1
	}
	script := fmt.Sprintf(`window.scrollBy(0, %d * window.innerHeight * %g)`, sign, scrollFactor)
	return p.run(ctx, chromedp.Evaluate(script, nil))
}
