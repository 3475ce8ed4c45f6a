// internal/browser/context.go
package browser

import (
	"context"
)

// CombineContext returns a context that carries the values of tabCtx (where
// chromedp keeps its target) and is cancelled when either tabCtx or opCtx is
// done. opCtx typically carries the caller's deadline.
func CombineContext(tabCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tabCtx)

	// Carry the operational deadline over so chromedp sees it directly.
	if deadline, ok := opCtx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		combined, cancelDeadline = context.WithDeadline(combined, deadline)
		prev := cancel
		cancel = func() { cancelDeadline(); prev() }
	}

	stop := context.AfterFunc(opCtx, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}
