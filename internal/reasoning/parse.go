// internal/reasoning/parse.go
package reasoning

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
)

// targetSuffixSeparators mark where a model starts describing a target
// instead of naming it.
var targetSuffixSeparators = []string{" (", " - ", " — ", " -> ", " → ", " under ", " / "}

// ParseDecision turns a raw model reply into a validated decision. It
// accepts a JSON object (bare, fenced or inside prose) and falls back to
// "action: ..." lines.
func ParseDecision(raw string) (schemas.ActionDecision, error) {
	draft, jsonErr := llmutil.ParseJSONResponse[schemas.DecisionDraft](raw)
	if jsonErr != nil || draft.Action == "" {
		fallback, ok := parseFieldDraft(raw)
		if !ok {
			if jsonErr == nil {
				jsonErr = errors.New("JSON object has no \"action\" field")
			}
			return schemas.ActionDecision{}, fmt.Errorf("%w: %v", schemas.ErrInvalidDecision, jsonErr)
		}
		draft = fallback
	}
	draft.Target = SanitizeTarget(draft.Target)
	return schemas.NewActionDecision(*draft)
}

func parseFieldDraft(raw string) (*schemas.DecisionDraft, bool) {
	fields := llmutil.ParseFieldLines(raw, "action", "target", "value", "reasoning", "confidence")
	action := strings.Trim(fields["action"], " []`'\"")
	if action == "" {
		return nil, false
	}
	draft := &schemas.DecisionDraft{
		Action:    action,
		Target:    fields["target"],
		Value:     strings.Trim(fields["value"], "`"),
		Reasoning: fields["reasoning"],
	}
	if c := strings.TrimSpace(fields["confidence"]); c != "" {
		if f, err := strconv.ParseFloat(c, 64); err == nil {
			draft.Confidence = &f
		}
	}
	return draft, true
}

// SanitizeTarget strips descriptive suffixes and quoting that models add to
// element names, e.g. `"Save" (bottom right)` becomes `Save`.
func SanitizeTarget(target string) string {
	t := strings.TrimSpace(target)
	for _, sep := range targetSuffixSeparators {
		if i := strings.Index(t, sep); i > 0 {
			t = strings.TrimSpace(t[:i])
		}
	}
	return strings.TrimSpace(strings.Trim(t, " '\"`[]"))
}
