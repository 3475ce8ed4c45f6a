package schemas

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ActionKind enumerates the interactions the reasoning model may request.
type ActionKind string

const (
	ActionClick  ActionKind = "click"
	ActionType   ActionKind = "type"
	ActionWait   ActionKind = "wait"
	ActionScroll ActionKind = "scroll"
	ActionDone   ActionKind = "done"  // The model believes the goal is reached.
	ActionAbort  ActionKind = "abort" // The model gives up on the goal.
)

// ErrInvalidDecision is wrapped by every validation failure from NewActionDecision.
var ErrInvalidDecision = errors.New("invalid action decision")

// DecisionDraft is the unvalidated, wire-level shape of a decision as produced
// by a model or read back from a trace.
type DecisionDraft struct {
	Action     string   `json:"action"`
	Target     string   `json:"target,omitempty"`
	Value      string   `json:"value,omitempty"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ActionDecision is a validated decision. The zero value is not a valid
// decision; values only come out of NewActionDecision or UnmarshalJSON.
type ActionDecision struct {
	action     ActionKind
	target     string
	value      string
	reasoning  string
	confidence *float64
}

// NewActionDecision normalises and validates a draft.
func NewActionDecision(d DecisionDraft) (ActionDecision, error) {
	kind := ActionKind(strings.ToLower(strings.TrimSpace(d.Action)))
	target := strings.TrimSpace(d.Target)
	value := strings.TrimSpace(d.Value)

	switch kind {
	case ActionClick:
		if target == "" {
			return ActionDecision{}, fmt.Errorf("%w: click requires a target", ErrInvalidDecision)
		}
	case ActionType:
		// Preserve the value verbatim; leading spaces can be meaningful in a text field.
		value = d.Value
		if strings.TrimSpace(value) == "" {
			return ActionDecision{}, fmt.Errorf("%w: type requires a value", ErrInvalidDecision)
		}
	case ActionScroll:
		value = strings.ToLower(value)
		if value != "" && value != string(ScrollUp) && value != string(ScrollDown) {
			return ActionDecision{}, fmt.Errorf("%w: scroll value must be 'up' or 'down', got %q", ErrInvalidDecision, d.Value)
		}
	case ActionWait:
		if value != "" {
			secs, err := strconv.ParseFloat(strings.TrimSuffix(value, "s"), 64)
			if err != nil || secs <= 0 || math.IsInf(secs, 0) || math.IsNaN(secs) {
				return ActionDecision{}, fmt.Errorf("%w: wait value must be a positive number of seconds, got %q", ErrInvalidDecision, d.Value)
			}
		}
	case ActionDone, ActionAbort:
	case "":
		return ActionDecision{}, fmt.Errorf("%w: missing action", ErrInvalidDecision)
	default:
		return ActionDecision{}, fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, d.Action)
	}

	if d.Confidence != nil {
		c := *d.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return ActionDecision{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidDecision, c)
		}
		d.Confidence = &c
	}

	return ActionDecision{
		action:     kind,
		target:     target,
		value:      value,
		reasoning:  strings.TrimSpace(d.Reasoning),
		confidence: d.Confidence,
	}, nil
}

// MustDecision is NewActionDecision for literals known to be valid.
func MustDecision(d DecisionDraft) ActionDecision {
	dec, err := NewActionDecision(d)
	if err != nil {
		panic(err)
	}
	return dec
}

func (d ActionDecision) Action() ActionKind { return d.action }
func (d ActionDecision) Target() string     { return d.target }
func (d ActionDecision) Value() string      { return d.value }
func (d ActionDecision) Reasoning() string  { return d.reasoning }

// Confidence returns the model's self-reported confidence, if any.
func (d ActionDecision) Confidence() (float64, bool) {
	if d.confidence == nil {
		return 0, false
	}
	return *d.confidence, true
}

// IsZero reports whether d was never validated.
func (d ActionDecision) IsZero() bool { return d.action == "" }

// Terminal reports whether the decision ends the run rather than touching the page.
func (d ActionDecision) Terminal() bool {
	return d.action == ActionDone || d.action == ActionAbort
}

// WaitSeconds returns the pause requested by a wait decision.
func (d ActionDecision) WaitSeconds() (float64, bool) {
	if d.action != ActionWait || d.value == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(strings.TrimSuffix(d.value, "s"), 64)
	if err != nil {
		return 0, false
	}
	return secs, true
}

// ScrollDirection returns the scroll direction, defaulting to down.
func (d ActionDecision) ScrollDirection() ScrollDirection {
	if d.value == string(ScrollUp) {
		return ScrollUp
	}
	return ScrollDown
}

// Draft returns the wire form of the decision.
func (d ActionDecision) Draft() DecisionDraft {
	var conf *float64
	if d.confidence != nil {
		c := *d.confidence
		conf = &c
	}
	return DecisionDraft{
		Action:     string(d.action),
		Target:     d.target,
		Value:      d.value,
		Reasoning:  d.reasoning,
		Confidence: conf,
	}
}

// Equal reports whether two decisions request the same interaction with the same rationale.
func (d ActionDecision) Equal(o ActionDecision) bool {
	if d.action != o.action || d.target != o.target || d.value != o.value || d.reasoning != o.reasoning {
		return false
	}
	if (d.confidence == nil) != (o.confidence == nil) {
		return false
	}
	return d.confidence == nil || *d.confidence == *o.confidence
}

func (d ActionDecision) String() string {
	var b strings.Builder
	b.WriteString(string(d.action))
	if d.target != "" {
		fmt.Fprintf(&b, " target=%q", d.target)
	}
	if d.value != "" {
		fmt.Fprintf(&b, " value=%q", d.value)
	}
	return b.String()
}

func (d ActionDecision) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Draft())
}

// UnmarshalJSON re-validates, so a decision read from disk is as trustworthy as a fresh one.
func (d *ActionDecision) UnmarshalJSON(data []byte) error {
	var draft DecisionDraft
	if err := json.Unmarshal(data, &draft); err != nil {
		return err
	}
	dec, err := NewActionDecision(draft)
	if err != nil {
		return err
	}
	*d = dec
	return nil
}
