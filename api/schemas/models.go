package schemas

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// UiSnapshot is a point-in-time observation of the page. Treat it as a value;
// nothing mutates a snapshot after NewUiSnapshot returns it.
type UiSnapshot struct {
	Fingerprint string    `json:"fingerprint"`
	TextExtract string    `json:"text_extract"`
	Screenshot  []byte    `json:"-"` // Written to its own file by the trace recorder.
	URL         string    `json:"url"`
	Partial     bool      `json:"partial"` // The settle wait hit its ceiling.
	CapturedAt  time.Time `json:"captured_at"`
}

// NewUiSnapshot builds a snapshot and derives its fingerprint from the text.
func NewUiSnapshot(url, text string, screenshot []byte, partial bool, at time.Time) UiSnapshot {
	return UiSnapshot{
		Fingerprint: Fingerprint(text),
		TextExtract: text,
		Screenshot:  screenshot,
		URL:         url,
		Partial:     partial,
		CapturedAt:  at.UTC(),
	}
}

// Fingerprint hashes the whitespace-normalised text so that reflows and
// trailing newlines do not register as a change.
func Fingerprint(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusAborted   RunStatus = "aborted"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// AttemptKind distinguishes the first reasoning request from repair requests.
type AttemptKind string

const (
	AttemptInitial AttemptKind = "initial"
	AttemptRepair  AttemptKind = "repair"
)

// ReasoningAttempt records one request to the reasoning provider.
type ReasoningAttempt struct {
	Number    int           `json:"number"`
	Kind      AttemptKind   `json:"kind"`
	Tier      ModelTier     `json:"tier"`
	Raw       string        `json:"raw,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// StepOutcome is the immutable record of one loop iteration.
type StepOutcome struct {
	Index       int                `json:"index"`
	Observed    *UiSnapshot        `json:"observed,omitempty"` // Snapshot the decision was made on.
	Decision    *ActionDecision    `json:"decision,omitempty"`
	Executed    bool               `json:"executed"`
	Confirmed   bool               `json:"confirmed,omitempty"` // A done that passed the success check.
	ErrorKind   ErrorKind          `json:"error_kind,omitempty"`
	ErrorDetail string             `json:"error_detail,omitempty"`
	Target      *ElementHandle     `json:"target,omitempty"`
	Resulting   *UiSnapshot        `json:"resulting,omitempty"`
	Attempts    []ReasoningAttempt `json:"attempts,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Duration    time.Duration      `json:"duration_ns"`
}

// Failed reports whether the iteration ended in an error.
func (o StepOutcome) Failed() bool { return o.ErrorKind != "" }

// WithError returns a copy of o carrying the classification of err.
func (o StepOutcome) WithError(err error) StepOutcome {
	if err == nil {
		return o
	}
	o.ErrorKind = KindOf(err)
	o.ErrorDetail = err.Error()
	return o
}

// RunSummary describes a run for manifests and indexes.
type RunSummary struct {
	RunID         string    `json:"run_id"`
	Goal          string    `json:"goal"`
	StartURL      string    `json:"start_url,omitempty"`
	Status        RunStatus `json:"status"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorKind ErrorKind `json:"last_error_kind,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
	Steps         int       `json:"steps"`

	// Success is the success check the run was started with, when it was
	// built from criteria. Nil means a done had to be repeated.
	Success *SuccessCriteria `json:"success,omitempty"`
}

// SuccessCriteria are the serialisable inputs of a success check: text
// markers and a regular expression over the page text, combined with all
// or any. The zero value means no explicit check.
type SuccessCriteria struct {
	Texts []string `json:"texts,omitempty"`
	Regex string   `json:"regex,omitempty"`
	All   bool     `json:"all,omitempty"`
}

// IsZero reports whether c names no check.
func (c SuccessCriteria) IsZero() bool { return len(c.Texts) == 0 && c.Regex == "" }
