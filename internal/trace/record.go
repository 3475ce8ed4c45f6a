// Package trace writes, reads and replays run traces. A trace is a directory
// per run holding a manifest, one JSON record per step and the screenshot each
// decision was made on.
package trace

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const manifestFile = "run.json"

func stepJSONName(index int) string { return fmt.Sprintf("step_%04d.json", index) }
func stepPNGName(index int) string { return fmt.Sprintf("step_%04d.png", index) }

// StepRecord is the on-disk form of one step.
type StepRecord struct {
	Index       int                        `json:"index"`
	Fingerprint string                     `json:"fingerprint,omitempty"`
	URL         string                     `json:"url,omitempty"`
	Partial     bool                       `json:"partial"`
	Screenshot  string                     `json:"screenshot,omitempty"` // File name relative to the run directory.
	Decision    *schemas.ActionDecision    `json:"decision,omitempty"`
	Outcome     Outcome                    `json:"outcome"`
	Attempts    []schemas.ReasoningAttempt `json:"attempts,omitempty"`
	Timestamp   time.Time                  `json:"timestamp"`
}

// Outcome is what happened after the decision.
type Outcome struct {
	Executed          bool                   `json:"executed"`
	Confirmed         bool                   `json:"confirmed,omitempty"`
	ErrorKind         schemas.ErrorKind      `json:"error_kind,omitempty"`
	ErrorDetail       string                 `json:"error_detail,omitempty"`
	Target            *schemas.ElementHandle `json:"target,omitempty"`
	ResultFingerprint string                 `json:"result_fingerprint,omitempty"`
	ResultURL         string                 `json:"result_url,omitempty"`
	Duration          time.Duration          `json:"duration_ns"`
}

// Summary is a one-line description of what the step did.
func (s StepRecord) Summary() string {
	what := "(no decision)"
	if s.Decision != nil {
		what = s.Decision.String()
	}
	switch {
	case s.Outcome.ErrorKind != "":
		return fmt.Sprintf("%s -> %s: %s", what, s.Outcome.ErrorKind, s.Outcome.ErrorDetail)
	case s.Outcome.Confirmed:
		return what + " -> confirmed"
	case s.Decision != nil && s.Decision.Action() == schemas.ActionDone:
		return what + " -> not confirmed"
	case s.Outcome.Executed:
		return what + " -> ok"
	default:
		return what
	}
}

func newStepRecord(out schemas.StepOutcome) StepRecord {
	rec := StepRecord{
		Index:     out.Index,
		Decision:  out.Decision,
		Attempts:  out.Attempts,
		Timestamp: out.Timestamp,
		Outcome: Outcome{
			Executed:    out.Executed,
			Confirmed:   out.Confirmed,
			ErrorKind:   out.ErrorKind,
			ErrorDetail: out.ErrorDetail,
			Target:      out.Target,
			Duration:    out.Duration,
		},
	}
	if obs := out.Observed; obs != nil {
		rec.Fingerprint = obs.Fingerprint
		rec.URL = obs.URL
		rec.Partial = obs.Partial
		if len(obs.Screenshot) > 0 {
			rec.Screenshot = stepPNGName(out.Index)
		}
	}
	if res := out.Resulting; res != nil {
		rec.Outcome.ResultFingerprint = res.Fingerprint
		rec.Outcome.ResultURL = res.URL
	}
	return rec
}
