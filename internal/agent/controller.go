// Package agent runs the observe, decide and act loop against a page.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/reasoning"
)

// Capturer observes the page.
type Capturer interface {
	Capture(ctx context.Context, page schemas.Page) (schemas.UiSnapshot, error)
}

// Reasoner turns an observation into the next decision.
type Reasoner interface {
	Decide(ctx context.Context, goal string, snap schemas.UiSnapshot, history []schemas.StepOutcome) (reasoning.Decision, error)
}

// Executor carries out a non-terminal decision.
type Executor interface {
	Execute(ctx context.Context, decision schemas.ActionDecision, page schemas.Page) schemas.StepOutcome
}

// Recorder persists a run as it progresses. A Recorder serves one run at a time.
type Recorder interface {
	Begin(ctx context.Context, run schemas.RunSummary) error
	Record(ctx context.Context, outcome schemas.StepOutcome) error
	Finish(ctx context.Context, run schemas.RunSummary) error
}

// Dependencies are the collaborators of a Controller. Recorder and Metrics
// may be nil.
type Dependencies struct {
	Capturer Capturer
	Reasoner Reasoner
	Executor Executor
	Recorder Recorder
	Metrics  *observability.Metrics

	// HistoryWindow is how many of the latest outcomes the reasoner is shown
	// per decision. Negative shows the whole history.
	HistoryWindow int
}

// Task describes one run.
type Task struct {
	ID       string // Generated when empty.
	Goal     string
	StartURL string // Navigated to before the first capture when set.

	// Criteria is recorded with the run and builds the success check unless
	// Success is set.
	Criteria schemas.SuccessCriteria
	Success  SuccessPredicate
}

// Controller drives runs. It keeps no per-run state, so one Controller can
// serve several runs as long as each gets its own page and recorder.
type Controller struct {
	cfg      config.LoopConfig
	capturer Capturer
	reasoner Reasoner
	executor Executor
	recorder Recorder
	metrics  *observability.Metrics
	window   int
	logger   *zap.Logger
	now      func() time.Time
}

const finishTimeout = 10 * time.Second

// minRepeatedDoneStall is the lowest stall threshold at which a done repeated
// on an unchanged page is seen before stall detection ends the run.
const minRepeatedDoneStall = 3

// New creates a Controller.
func New(cfg config.LoopConfig, deps Dependencies, logger *zap.Logger) (*Controller, error) {
	if deps.Capturer == nil || deps.Reasoner == nil || deps.Executor == nil {
		return nil, errors.New("agent requires a capturer, a reasoner and an executor")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rec := deps.Recorder
	if rec == nil {
		rec = discardRecorder{}
	}
	return &Controller{
		cfg:      cfg,
		capturer: deps.Capturer,
		reasoner: deps.Reasoner,
		executor: deps.Executor,
		recorder: rec,
		metrics:  deps.Metrics,
		window:   deps.HistoryWindow,
		logger:   logger.Named("agent"),
		now:      time.Now,
	}, nil
}

// Run executes task against page until the run reaches a terminal status.
// The returned error is reserved for setup failures (an invalid task, a
// failed first navigation or an unwritable trace); everything that happens
// inside the loop is reported through the returned state.
func (c *Controller) Run(ctx context.Context, page schemas.Page, task Task) (*RunState, error) {
	goal := strings.TrimSpace(task.Goal)
	if goal == "" {
		return nil, errors.New("goal must not be empty")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Success == nil {
		p, err := PredicateFor(task.Criteria)
		if err != nil {
			return nil, err
		}
		task.Success = p
	}
	if _, ok := task.Success.(repeatedDone); ok && c.cfg.StallThreshold < minRepeatedDoneStall {
		return nil, fmt.Errorf("loop.stall_threshold must be at least %d when no success check is given", minRepeatedDoneStall)
	}

	st := newRunState(task.ID, goal, task.StartURL, c.now())
	st.criteria = task.Criteria
	logger := c.logger.With(zap.String("run_id", st.RunID()))
	logger.Info("Starting run.",
		zap.String("goal", goal),
		zap.String("start_url", task.StartURL),
		zap.Stringer("success", task.Success))

	if task.StartURL != "" {
		if err := page.Navigate(ctx, task.StartURL); err != nil {
			return nil, fmt.Errorf("failed to open start page %s: %w", task.StartURL, err)
		}
	}
	if err := c.recorder.Begin(context.WithoutCancel(ctx), st.Summary()); err != nil {
		return nil, fmt.Errorf("failed to start trace: %w", err)
	}

	r := &run{Controller: c, st: st, page: page, success: task.Success, logger: logger}
	r.loop(ctx)

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := c.recorder.Finish(finishCtx, st.Summary()); err != nil {
		logger.Error("Failed to finalize trace.", zap.Error(err))
	}
	c.metrics.RecordRun(string(st.Status()))

	fields := []zap.Field{
		zap.String("status", string(st.Status())),
		zap.Int("iterations", st.Iterations()),
		zap.Duration("elapsed", st.FinishedAt().Sub(st.StartedAt())),
	}
	if st.LastError() != nil {
		fields = append(fields, zap.String("kind", string(st.LastErrorKind())), zap.Error(st.LastError()))
	}
	logger.Info("Run finished.", fields...)
	return st, nil
}

// run binds the per-run values the iteration stages share.
type run struct {
	*Controller
	st      *RunState
	page    schemas.Page
	success SuccessPredicate
	logger  *zap.Logger
}

func (r *run) loop(ctx context.Context) {
	for r.st.Status() == schemas.StatusRunning {
		if err := ctx.Err(); err != nil {
			r.logger.Info("Run cancelled.", zap.Error(err))
			r.terminate(schemas.StatusAborted, "", err)
			return
		}
		if r.st.Iterations() >= r.cfg.MaxIterations {
			r.logger.Warn("Iteration limit reached.", zap.Int("max_iterations", r.cfg.MaxIterations))
			r.terminate(schemas.StatusFailed, "", nil)
			return
		}

		r.step(ctx)

		if r.st.Status() == schemas.StatusRunning && r.cfg.StepDelay > 0 {
			t := time.NewTimer(r.cfg.StepDelay)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
		}
	}
}

// step runs one iteration and records exactly one outcome for it, unless the
// run was cancelled mid-iteration.
func (r *run) step(ctx context.Context) {
	st := r.st
	index := st.iterations
	st.iterations++
	start := r.now()
	out := schemas.StepOutcome{Index: index, Timestamp: start.UTC()}
	logger := r.logger.With(zap.Int("step", index))

	// 1. Observe.
	snap, err := r.capturer.Capture(ctx, r.page)
	if err != nil {
		if ctx.Err() != nil {
			r.terminate(schemas.StatusAborted, "", ctx.Err())
			return
		}
		if schemas.KindOf(err) != schemas.KindCapture {
			err = schemas.NewStepError(schemas.KindCapture, err)
		}
		logger.Warn("Capture failed.", zap.Error(err))
		r.fail(ctx, out.WithError(err), err, start)
		return
	}
	out.Observed = &snap

	// 2. Stall detection.
	prevStalls := st.ConsecutiveStalls()
	stalls := st.observe(snap.Fingerprint)
	if stalls > prevStalls {
		r.metrics.RecordStall()
	}
	if stalls+1 >= r.cfg.StallThreshold {
		err := schemas.Errorf(schemas.KindStalled, "page unchanged for %d consecutive captures", stalls+1)
		logger.Warn("Page stopped changing.", zap.Int("captures", stalls+1), zap.String("url", snap.URL))
		r.terminate(schemas.StatusFailed, schemas.KindStalled, err)
		r.finishStep(ctx, out.WithError(err), start)
		return
	}

	// 3. Decide.
	decision, err := r.reasoner.Decide(ctx, st.Goal(), snap, st.recent(r.window))
	out.Attempts = decision.Attempts
	if err != nil {
		if ctx.Err() != nil {
			r.terminate(schemas.StatusAborted, "", ctx.Err())
			return
		}
		out = out.WithError(err)
		if out.ErrorKind == schemas.KindDecisionParse {
			logger.Warn("Model output unusable, aborting.", zap.Error(err))
			r.terminate(schemas.StatusAborted, schemas.KindDecisionParse, err)
			r.finishStep(ctx, out, start)
			return
		}
		logger.Warn("Reasoning failed.", zap.Error(err))
		r.fail(ctx, out, err, start)
		return
	}
	action := decision.Action
	out.Decision = &action
	logger.Info("Decision.", zap.Stringer("decision", action), zap.String("reasoning", action.Reasoning()))

	switch action.Action() {
	case schemas.ActionAbort:
		r.terminate(schemas.StatusAborted, "", fmt.Errorf("model aborted: %s", reasonOr(action, "no reason given")))
		r.finishStep(ctx, out, start)
		return

	case schemas.ActionDone:
		if r.success.Confirm(snap, st.History()) {
			out.Confirmed = true
			r.terminate(schemas.StatusSucceeded, "", nil)
		} else {
			logger.Info("Done not confirmed by the page, continuing.", zap.Stringer("success", r.success))
		}
		r.finishStep(ctx, out, start)
		return
	}

	// 4. Act.
	res := r.executor.Execute(ctx, action, r.page)
	out.Executed = res.Executed
	out.ErrorKind = res.ErrorKind
	out.ErrorDetail = res.ErrorDetail
	out.Target = res.Target
	out.Resulting = res.Resulting

	if out.Failed() {
		err := schemas.NewStepError(out.ErrorKind, errors.New(out.ErrorDetail))
		if ctx.Err() != nil {
			r.terminate(schemas.StatusAborted, "", ctx.Err())
			r.finishStep(ctx, out, start)
			return
		}
		logger.Warn("Action failed.", zap.String("kind", string(out.ErrorKind)), zap.String("detail", out.ErrorDetail))
		r.fail(ctx, out, err, start)
		return
	}
	st.consecutiveFailures = 0
	r.finishStep(ctx, out, start)
}

// fail counts a failed iteration and ends the run at the failure threshold.
func (r *run) fail(ctx context.Context, out schemas.StepOutcome, err error, start time.Time) {
	r.st.consecutiveFailures++
	if r.st.consecutiveFailures >= r.cfg.FailureThreshold {
		r.terminate(schemas.StatusFailed, out.ErrorKind, err)
	}
	r.finishStep(ctx, out, start)
}

// finishStep appends the outcome and persists it. Callers set any terminal
// status first so that a persistence failure never overrides it.
func (r *run) finishStep(ctx context.Context, out schemas.StepOutcome, start time.Time) {
	out.Duration = r.now().Sub(start)
	if err := r.st.append(out); err != nil {
		// Only reachable through a controller bug.
		panic(err)
	}
	r.metrics.RecordIteration(iterationLabel(out))

	if err := r.recorder.Record(context.WithoutCancel(ctx), out); err != nil {
		r.st.consecutivePersistFailures++
		r.metrics.RecordPersistFailure()
		r.logger.Error("Failed to persist step.",
			zap.Int("step", out.Index),
			zap.Int("consecutive", r.st.consecutivePersistFailures),
			zap.Error(err))
		if r.st.consecutivePersistFailures >= r.cfg.PersistenceFailureThreshold {
			r.terminate(schemas.StatusFailed, schemas.KindPersistence, schemas.NewStepError(schemas.KindPersistence, err))
		}
		return
	}
	r.st.consecutivePersistFailures = 0
}

func (r *run) terminate(status schemas.RunStatus, kind schemas.ErrorKind, err error) {
	r.st.transition(status, kind, err, r.now())
}

func iterationLabel(out schemas.StepOutcome) string {
	switch {
	case out.Failed():
		return string(out.ErrorKind)
	case out.Confirmed:
		return "succeeded"
	case out.Decision != nil && out.Decision.Action() == schemas.ActionDone:
		return "unconfirmed_done"
	case out.Decision != nil && out.Decision.Action() == schemas.ActionAbort:
		return "aborted"
	default:
		return "ok"
	}
}

func reasonOr(d schemas.ActionDecision, fallback string) string {
	if r := strings.TrimSpace(d.Reasoning()); r != "" {
		return r
	}
	return fallback
}

type discardRecorder struct{}

func (discardRecorder) Begin(context.Context, schemas.RunSummary) error { return nil }
func (discardRecorder) Record(context.Context, schemas.StepOutcome) error { return nil }
func (discardRecorder) Finish(context.Context, schemas.RunSummary) error { return nil }
