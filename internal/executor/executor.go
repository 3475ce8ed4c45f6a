// Package executor translates validated decisions into driver calls.
package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

// Capturer re-observes the page after an action.
type Capturer interface {
	Capture(ctx context.Context, page schemas.Page) (schemas.UiSnapshot, error)
}

// Executor performs one decision against a page.
type Executor struct {
	cfg      config.ExecutorConfig
	capturer Capturer
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates an Executor. metrics may be nil.
func New(cfg config.ExecutorConfig, capturer Capturer, metrics *observability.Metrics, logger *zap.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		capturer: capturer,
		metrics:  metrics,
		logger:   logger.Named("executor"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Execute runs the decision and returns a partial StepOutcome with Executed,
// the error classification, the resolved target and the resulting snapshot
// filled in. done and abort never touch the page.
func (e *Executor) Execute(ctx context.Context, decision schemas.ActionDecision, page schemas.Page) (out schemas.StepOutcome) {
	start := e.now()
	out = schemas.StepOutcome{Decision: &decision, Timestamp: start.UTC()}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic while executing action.",
				zap.Stringer("decision", decision),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			out.Executed = false
			out.Resulting = nil
			out = out.WithError(schemas.Errorf(schemas.KindExecution, "panic during %s: %v", decision.Action(), r))
		}
		out.Duration = e.now().Sub(start)
		e.metrics.RecordAction(string(decision.Action()), out.Duration)
	}()

	if decision.Terminal() {
		return out
	}

	target, err := e.perform(ctx, decision, page)
	if target != nil {
		out.Target = target
	}
	if err != nil {
		e.logger.Info("Action failed.", zap.Stringer("decision", decision), zap.Error(err))
		return out.WithError(err)
	}
	out.Executed = true

	snap, err := e.capturer.Capture(ctx, page)
	if err != nil {
		e.logger.Warn("Could not capture the page after the action.", zap.Stringer("decision", decision), zap.Error(err))
		return out
	}
	out.Resulting = &snap
	return out
}

func (e *Executor) perform(ctx context.Context, d schemas.ActionDecision, page schemas.Page) (*schemas.ElementHandle, error) {
	switch d.Action() {
	case schemas.ActionClick:
		el, err := e.find(ctx, page, d.Target(), schemas.PurposeClick)
		if err != nil {
			return nil, err
		}
		return &el, e.bounded(ctx, func(c context.Context) error { return page.Click(c, el) }, "click %q", d.Target())

	case schemas.ActionType:
		el, err := e.find(ctx, page, d.Target(), schemas.PurposeType)
		if err != nil {
			return nil, err
		}
		return &el, e.bounded(ctx, func(c context.Context) error { return page.Type(c, el, d.Value()) }, "type into %q", el.Description)

	case schemas.ActionScroll:
		if d.Target() == "" {
			return nil, e.bounded(ctx, func(c context.Context) error { return page.ScrollViewport(c, d.ScrollDirection()) }, "scroll %s", d.ScrollDirection())
		}
		el, err := e.find(ctx, page, d.Target(), schemas.PurposeScroll)
		if err != nil {
			return nil, err
		}
		return &el, e.bounded(ctx, func(c context.Context) error { return page.ScrollIntoView(c, el) }, "scroll to %q", d.Target())

	case schemas.ActionWait:
		pause := e.waitDuration(d)
		e.logger.Debug("Waiting.", zap.Duration("pause", pause))
		if err := e.sleep(ctx, pause); err != nil {
			return nil, err
		}
		// A wait only fails when the page is gone afterwards.
		return nil, e.bounded(ctx, func(c context.Context) error {
			_, err := page.URL(c)
			return err
		}, "page check after wait")
	}
	return nil, schemas.Errorf(schemas.KindExecution, "no executor for action %q", d.Action())
}

func (e *Executor) find(ctx context.Context, page schemas.Page, hint string, purpose schemas.TargetPurpose) (schemas.ElementHandle, error) {
	var el schemas.ElementHandle
	err := e.bounded(ctx, func(c context.Context) error {
		var err error
		el, err = page.Find(c, hint, purpose)
		return err
	}, "resolve %q", hint)
	if err == nil {
		e.logger.Debug("Target resolved.", zap.String("hint", hint), zap.String("element", el.Description), zap.String("strategy", el.Strategy))
	}
	return el, err
}

// bounded runs one driver call under the action timeout.
func (e *Executor) bounded(ctx context.Context, fn func(context.Context) error, format string, args ...any) error {
	callCtx := ctx
	if e.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.ActionTimeout)
		defer cancel()
	}
	if err := fn(callCtx); err != nil {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
	return nil
}

// waitDuration picks the model's requested pause, capped, or the default.
func (e *Executor) waitDuration(d schemas.ActionDecision) time.Duration {
	pause := e.cfg.WaitDuration
	if secs, ok := d.WaitSeconds(); ok {
		pause = time.Duration(secs * float64(time.Second))
	}
	if e.cfg.MaxWait > 0 && pause > e.cfg.MaxWait {
		pause = e.cfg.MaxWait
	}
	return pause
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
