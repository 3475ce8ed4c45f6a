package agent_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/reasoning"
)

func page(text string) schemas.UiSnapshot {
	return schemas.NewUiSnapshot("https://app.example.com/", text, []byte("png"), false, time.Unix(0, 0))
}

func decide(d schemas.DecisionDraft) reasoning.Decision {
	return reasoning.Decision{
		Action:   schemas.MustDecision(d),
		Attempts: []schemas.ReasoningAttempt{{Number: 1, Kind: schemas.AttemptInitial, Tier: schemas.TierPowerful}},
	}
}

// captureStep is one scripted capture result.
type captureStep struct {
	snap schemas.UiSnapshot
	err  error
}

// scriptedCapturer replays captures in order and repeats the last one.
type scriptedCapturer struct {
	steps []captureStep
	calls int
}

func capturesOf(texts ...string) *scriptedCapturer {
	c := &scriptedCapturer{}
	for _, t := range texts {
		c.steps = append(c.steps, captureStep{snap: page(t)})
	}
	return c
}

// changingPages yields a different page on every capture.
func changingPages(n int) *scriptedCapturer {
	c := &scriptedCapturer{}
	for i := 0; i < n; i++ {
		c.steps = append(c.steps, captureStep{snap: page(fmt.Sprintf("page %d", i))})
	}
	return c
}

func (c *scriptedCapturer) Capture(context.Context, schemas.Page) (schemas.UiSnapshot, error) {
	i := c.calls
	if i >= len(c.steps) {
		i = len(c.steps) - 1
	}
	c.calls++
	return c.steps[i].snap, c.steps[i].err
}

type reasonStep struct {
	decision reasoning.Decision
	err      error
}

// scriptedReasoner replays decisions in order, repeats the last one, and
// keeps a copy of every history it was shown.
type scriptedReasoner struct {
	steps     []reasonStep
	histories [][]schemas.StepOutcome
	hook      func(call int)
}

func decisions(ds ...schemas.DecisionDraft) *scriptedReasoner {
	r := &scriptedReasoner{}
	for _, d := range ds {
		r.steps = append(r.steps, reasonStep{decision: decide(d)})
	}
	return r
}

func (r *scriptedReasoner) Decide(_ context.Context, _ string, _ schemas.UiSnapshot, history []schemas.StepOutcome) (reasoning.Decision, error) {
	call := len(r.histories)
	r.histories = append(r.histories, history)
	if r.hook != nil {
		r.hook(call)
	}
	i := call
	if i >= len(r.steps) {
		i = len(r.steps) - 1
	}
	return r.steps[i].decision, r.steps[i].err
}

// fakeExecutor succeeds unless fn says otherwise.
type fakeExecutor struct {
	fn    func(ctx context.Context, d schemas.ActionDecision) error
	calls []schemas.ActionDecision
}

func (e *fakeExecutor) Execute(ctx context.Context, d schemas.ActionDecision, _ schemas.Page) schemas.StepOutcome {
	e.calls = append(e.calls, d)
	out := schemas.StepOutcome{Decision: &d}
	if e.fn != nil {
		if err := e.fn(ctx, d); err != nil {
			return out.WithError(err)
		}
	}
	out.Executed = true
	return out
}

// memoryRecorder keeps what it is given and fails on demand.
type memoryRecorder struct {
	begun    []schemas.RunSummary
	steps    []schemas.StepOutcome
	finished []schemas.RunSummary
	failWith error
}

func (m *memoryRecorder) Begin(_ context.Context, run schemas.RunSummary) error {
	m.begun = append(m.begun, run)
	return nil
}

func (m *memoryRecorder) Record(_ context.Context, out schemas.StepOutcome) error {
	if m.failWith != nil {
		return m.failWith
	}
	m.steps = append(m.steps, out)
	return nil
}

func (m *memoryRecorder) Finish(_ context.Context, run schemas.RunSummary) error {
	m.finished = append(m.finished, run)
	return nil
}

var errDisk = errors.New("disk full")
