package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// SuccessPredicate decides whether a done decision is backed by the page.
// It is supplied per run.
type SuccessPredicate interface {
	// Confirm is called with the snapshot the done decision was made on and
	// the history recorded before the current step.
	Confirm(snap schemas.UiSnapshot, history []schemas.StepOutcome) bool
	String() string
}

type textMarkers []string

// TextMarkers confirms when every marker appears in the text extract,
// ignoring case. Blank markers are dropped; with none left it never confirms.
func TextMarkers(markers ...string) SuccessPredicate {
	var m textMarkers
	for _, marker := range markers {
		if marker = strings.TrimSpace(marker); marker != "" {
			m = append(m, strings.ToLower(marker))
		}
	}
	return m
}

func (m textMarkers) Confirm(snap schemas.UiSnapshot, _ []schemas.StepOutcome) bool {
	if len(m) == 0 {
		return false
	}
	text := strings.ToLower(snap.TextExtract)
	for _, marker := range m {
		if !strings.Contains(text, marker) {
			return false
		}
	}
	return true
}

func (m textMarkers) String() string { return fmt.Sprintf("text%q", []string(m)) }

type pattern struct{ re *regexp.Regexp }

// Pattern confirms when re matches the text extract.
func Pattern(re *regexp.Regexp) SuccessPredicate { return pattern{re: re} }

// CompilePattern is Pattern for an expression string.
func CompilePattern(expr string) (SuccessPredicate, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid success pattern: %w", err)
	}
	return Pattern(re), nil
}

func (p pattern) Confirm(snap schemas.UiSnapshot, _ []schemas.StepOutcome) bool {
	return p.re.MatchString(snap.TextExtract)
}

func (p pattern) String() string { return fmt.Sprintf("pattern(%s)", p.re) }

// PredicateFor builds the check described by c. Texts and the regex are
// combined with AnyOf unless c.All is set. Zero criteria give RepeatedDone.
func PredicateFor(c schemas.SuccessCriteria) (SuccessPredicate, error) {
	var ps []SuccessPredicate
	if m := TextMarkers(c.Texts...).(textMarkers); len(m) > 0 {
		ps = append(ps, m)
	}
	if c.Regex != "" {
		p, err := CompilePattern(c.Regex)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	switch {
	case len(ps) == 0:
		return RepeatedDone(), nil
	case len(ps) == 1:
		return ps[0], nil
	case c.All:
		return AllOf(ps...), nil
	default:
		return AnyOf(ps...), nil
	}
}

type repeatedDone struct{}

// RepeatedDone confirms a done when the immediately preceding step was an
// unconfirmed done made on the same page. The model has to insist once
// before the run ends.
func RepeatedDone() SuccessPredicate { return repeatedDone{} }

func (repeatedDone) Confirm(snap schemas.UiSnapshot, history []schemas.StepOutcome) bool {
	if len(history) == 0 {
		return false
	}
	prev := history[len(history)-1]
	return prev.Decision != nil &&
		prev.Decision.Action() == schemas.ActionDone &&
		!prev.Confirmed &&
		prev.Observed != nil &&
		prev.Observed.Fingerprint == snap.Fingerprint
}

func (repeatedDone) String() string { return "repeated-done" }

type anyOf []SuccessPredicate

// AnyOf confirms when at least one predicate does.
func AnyOf(ps ...SuccessPredicate) SuccessPredicate { return anyOf(ps) }

func (a anyOf) Confirm(snap schemas.UiSnapshot, history []schemas.StepOutcome) bool {
	for _, p := range a {
		if p.Confirm(snap, history) {
			return true
		}
	}
	return false
}

func (a anyOf) String() string { return "any" + joinPredicates(a) }

type allOf []SuccessPredicate

// AllOf confirms when every predicate does. An empty AllOf never confirms.
func AllOf(ps ...SuccessPredicate) SuccessPredicate { return allOf(ps) }

func (a allOf) Confirm(snap schemas.UiSnapshot, history []schemas.StepOutcome) bool {
	if len(a) == 0 {
		return false
	}
	for _, p := range a {
		if !p.Confirm(snap, history) {
			return false
		}
	}
	return true
}

func (a allOf) String() string { return "all" + joinPredicates(a) }

func joinPredicates(ps []SuccessPredicate) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
