// internal/browser/idle.go
package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const minIdlePoll = 10 * time.Millisecond

// idleTracker counts in-flight requests on a tab so callers can wait for the
// network to go quiet.
type idleTracker struct {
	logger *zap.Logger

	mu           sync.Mutex
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time

	cancelListener context.CancelFunc
}

func newIdleTracker(logger *zap.Logger) *idleTracker {
	return &idleTracker{
		logger:       logger.Named("idle"),
		inflight:     make(map[network.RequestID]struct{}),
		lastActivity: time.Now(),
	}
}

// start subscribes to network events on the tab and enables the domain.
func (t *idleTracker) start(tabCtx context.Context) error {
	listenCtx, cancel := context.WithCancel(tabCtx)
	chromedp.ListenTarget(listenCtx, t.handleEvent)
	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		cancel()
		return err
	}
	t.mu.Lock()
	t.cancelListener = cancel
	t.mu.Unlock()
	return nil
}

func (t *idleTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelListener != nil {
		t.cancelListener()
		t.cancelListener = nil
	}
}

func (t *idleTracker) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		// Streams never finish and would hold the page "busy" forever.
		if e.Type == network.ResourceTypeEventSource || e.Type == network.ResourceTypeWebSocket {
			return
		}
		t.begin(e.RequestID)
	case *network.EventLoadingFinished:
		t.end(e.RequestID)
	case *network.EventLoadingFailed:
		t.end(e.RequestID)
	}
}

func (t *idleTracker) begin(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[id] = struct{}{}
	t.lastActivity = time.Now()
}

func (t *idleTracker) end(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[id]; !ok {
		return
	}
	delete(t.inflight, id)
	t.lastActivity = time.Now()
}

func (t *idleTracker) snapshot() (int, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight), t.lastActivity
}

// wait polls until no request has been in flight for quiet and ready (when
// non-nil) reports true, or until ceiling elapses. It returns false with a nil
// error when the ceiling was hit, and ctx's error when ctx ends first.
func (t *idleTracker) wait(ctx context.Context, quiet, ceiling time.Duration, ready func(context.Context) bool) (bool, error) {
	poll := quiet / 4
	if poll < minIdlePoll {
		poll = minIdlePoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	limit := time.NewTimer(ceiling)
	defer limit.Stop()

	quietSince := time.Now()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-limit.C:
			count, _ := t.snapshot()
			t.logger.Debug("Settle ceiling reached.", zap.Int("inflight_requests", count), zap.Duration("ceiling", ceiling))
			return false, nil
		case <-ticker.C:
			count, last := t.snapshot()
			if count > 0 {
				quietSince = time.Now()
				continue
			}
			if last.After(quietSince) {
				quietSince = last
			}
			if time.Since(quietSince) < quiet {
				continue
			}
			if ready != nil && !ready(ctx) {
				continue
			}
			return true, nil
		}
	}
}
