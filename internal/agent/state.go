package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// RunState is the mutable context of one run. The controller owns it and
// passes it explicitly through each stage of an iteration; nothing else
// writes to it. Readers get copies.
type RunState struct {
	runID    string
	goal     string
	startURL string
	criteria schemas.SuccessCriteria

	history []schemas.StepOutcome

	consecutiveFailures        int
	consecutiveStalls          int
	consecutivePersistFailures int
	iterations                 int

	status   schemas.RunStatus
	lastErr  error
	lastKind schemas.ErrorKind

	// Fingerprint of the last successful capture and whether the step that
	// followed it failed. Both feed stall detection.
	lastFingerprint string
	lastStepFailed  bool

	startedAt  time.Time
	finishedAt time.Time
}

func newRunState(id, goal, startURL string, at time.Time) *RunState {
	return &RunState{
		runID:     id,
		goal:      goal,
		startURL:  startURL,
		status:    schemas.StatusRunning,
		startedAt: at.UTC(),
	}
}

func (s *RunState) RunID() string { return s.runID }
func (s *RunState) Goal() string { return s.goal }
func (s *RunState) StartURL() string { return s.startURL }
func (s *RunState) Status() schemas.RunStatus { return s.status }
func (s *RunState) Iterations() int { return s.iterations }
func (s *RunState) ConsecutiveFailures() int { return s.consecutiveFailures }
func (s *RunState) ConsecutiveStalls() int { return s.consecutiveStalls }
func (s *RunState) LastError() error { return s.lastErr }
func (s *RunState) LastErrorKind() schemas.ErrorKind { return s.lastKind }
func (s *RunState) StartedAt() time.Time { return s.startedAt }
func (s *RunState) FinishedAt() time.Time { return s.finishedAt }

// History returns a copy of the recorded outcomes in iteration order.
func (s *RunState) History() []schemas.StepOutcome {
	out := make([]schemas.StepOutcome, len(s.history))
	copy(out, s.history)
	return out
}

// Summary renders the state for manifests and indexes.
func (s *RunState) Summary() schemas.RunSummary {
	sum := schemas.RunSummary{
		RunID:         s.runID,
		Goal:          s.goal,
		StartURL:      s.startURL,
		Status:        s.status,
		LastErrorKind: s.lastKind,
		StartedAt:     s.startedAt,
		FinishedAt:    s.finishedAt,
		Steps:         len(s.history),
	}
	if !s.criteria.IsZero() {
		c := s.criteria
		sum.Success = &c
	}
	if s.lastErr != nil {
		sum.LastError = s.lastErr.Error()
	}
	return sum
}

// recent returns a copy of the last n outcomes. A negative n returns them all.
func (s *RunState) recent(n int) []schemas.StepOutcome {
	h := s.history
	if n >= 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	out := make([]schemas.StepOutcome, len(h))
	copy(out, h)
	return out
}

var errHistoryOrder = errors.New("step index out of order")

// append adds an outcome to the history. Indices must be contiguous.
func (s *RunState) append(out schemas.StepOutcome) error {
	if out.Index != len(s.history) {
		return fmt.Errorf("%w: got %d, want %d", errHistoryOrder, out.Index, len(s.history))
	}
	s.history = append(s.history, out)
	s.lastStepFailed = out.Failed()
	return nil
}

// transition moves a running state to a terminal one. Terminal states are
// final; later calls report false and change nothing.
func (s *RunState) transition(to schemas.RunStatus, kind schemas.ErrorKind, err error, at time.Time) bool {
	if s.status.Terminal() || !to.Terminal() {
		return false
	}
	s.status = to
	s.lastKind = kind
	s.lastErr = err
	s.finishedAt = at.UTC()
	return true
}

// observe updates the stall counter for a fresh capture and reports the new
// count. An unchanged page only counts as a stall when the previous step ran
// cleanly; after a failed step the counter holds.
func (s *RunState) observe(fingerprint string) int {
	switch {
	case s.lastFingerprint == "" || fingerprint != s.lastFingerprint:
		s.consecutiveStalls = 0
	case !s.lastStepFailed:
		s.consecutiveStalls++
	}
	s.lastFingerprint = fingerprint
	return s.consecutiveStalls
}
