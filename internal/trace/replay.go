package trace

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/reasoning"
)

var endOfRecording = schemas.MustDecision(schemas.DecisionDraft{
	Action:    string(schemas.ActionAbort),
	Reasoning: "the recorded trace has no further decisions",
})

// Replayer hands out the decisions of a recorded run in their original
// order, in place of a reasoning client. Once the recording is used up it
// answers with abort.
type Replayer struct {
	steps  []StepRecord
	next   int
	logger *zap.Logger
}

// NewReplayer prepares a replay of t.
func NewReplayer(t *Trace, logger *zap.Logger) *Replayer {
	return &Replayer{steps: t.Decisions(), logger: logger.Named("replay")}
}

// Remaining is the number of decisions not yet replayed.
func (r *Replayer) Remaining() int { return len(r.steps) - r.next }

func (r *Replayer) Decide(ctx context.Context, _ string, snap schemas.UiSnapshot, _ []schemas.StepOutcome) (reasoning.Decision, error) {
	if err := ctx.Err(); err != nil {
		return reasoning.Decision{}, err
	}
	if r.next >= len(r.steps) {
		return reasoning.Decision{Action: endOfRecording}, nil
	}
	rec := r.steps[r.next]
	r.next++

	if rec.Fingerprint != "" && rec.Fingerprint != snap.Fingerprint {
		r.logger.Warn("Page differs from the recording.",
			zap.Int("recorded_step", rec.Index),
			zap.String("recorded_url", rec.URL),
			zap.String("url", snap.URL))
	}
	return reasoning.Decision{Action: *rec.Decision}, nil
}
