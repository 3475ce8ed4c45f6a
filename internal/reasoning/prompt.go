// internal/reasoning/prompt.go
package reasoning

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
)

const systemPrompt = `You are the reasoning core of 'webpilot', a UI automation agent that observes a live web page and decides the single next interaction that moves it closer to the user's goal.
You receive the goal, the current URL, the visible page text and, when available, a screenshot of the viewport. You respond with exactly one JSON object.`

// actionVocabulary lists what the executor can do.
const actionVocabulary = `

Available actions:
    - click: Press a visible element. Requires "target".
    - type: Replace the content of an input, textarea or editable region with "value". "target" names the field; leave it empty to type into the focused field.
    - scroll: Scroll the page. "value" is "up" or "down". With a "target", scroll that element into view instead.
    - wait: The page is still loading. "value" may give the pause in seconds.
    - done: The goal is visibly complete on the current page.
    - abort: The goal cannot be achieved from here (for example a permission error).`

const targetRules = `

Target rules:
    - "target" is the literal visible text, label, placeholder or aria-label of the element, e.g. "All issues". No directions, positions or qualifiers.
    - Titles like "Untitled" or "New view" are often editable regions, not inputs. Click them once, then use type.
    - When a field has no label, use the exact text currently shown inside it as the target.
    - Do not click "Create", "Save" or "Submit" until the required fields are filled. Fill empty mandatory fields with short realistic text.
    - If the page did not change after your last action, do not repeat it. Pick a different element or fill a required field first.
    - If the page is loading, choose wait.
    - Choose done only when the goal is visibly satisfied in the page text.`

const outputSchema = `

Output format (strict):
Respond with only this JSON object, no markdown and no commentary:
{"action": "click|type|scroll|wait|done|abort", "target": "<element text or empty>", "value": "<text, direction or seconds, or empty>", "reasoning": "<one short sentence>", "confidence": <0.0-1.0>}`

// SystemPrompt returns the fixed instructions sent with every request.
func SystemPrompt() string {
	return systemPrompt + actionVocabulary + targetRules + outputSchema
}

// PromptInput is everything that varies between requests.
type PromptInput struct {
	Goal      string
	Snapshot  schemas.UiSnapshot
	History   []schemas.StepOutcome
	TextChars int
}

// BuildUserPrompt renders the per-step part of the prompt.
func BuildUserPrompt(in PromptInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Goal:\n%s\n\n", in.Goal)
	fmt.Fprintf(&b, "Current URL: %s\n", in.Snapshot.URL)
	if in.Snapshot.Partial {
		b.WriteString("Note: the page was still busy when this snapshot was taken; it may be incomplete.\n")
	}

	text := in.Snapshot.TextExtract
	if in.TextChars > 0 {
		text = llmutil.Truncate(text, in.TextChars)
	}
	fmt.Fprintf(&b, "\nVisible page text:\n%s\n", text)

	if hint := clickHint(in.History); hint != "" {
		fmt.Fprintf(&b, "\n%s\n", hint)
	}

	b.WriteString("\nRecent steps (oldest first):\n")
	b.WriteString(SummarizeHistory(in.History))

	b.WriteString("\nDecide the next action. Respond with a single JSON object.")
	return b.String()
}

// SummarizeHistory renders one compact line per outcome.
func SummarizeHistory(history []schemas.StepOutcome) string {
	if len(history) == 0 {
		return "    (none, this is the first step)\n"
	}
	var b strings.Builder
	for _, o := range history {
		fmt.Fprintf(&b, "    %d. %s -> %s\n", o.Index, describeDecision(o), describeResult(o))
	}
	return b.String()
}

func describeDecision(o schemas.StepOutcome) string {
	if o.Decision == nil {
		return "(no decision)"
	}
	return o.Decision.String()
}

func describeResult(o schemas.StepOutcome) string {
	switch {
	case o.Failed():
		return fmt.Sprintf("FAILED %s: %s", o.ErrorKind, llmutil.Truncate(o.ErrorDetail, 160))
	case o.Decision != nil && o.Decision.Action() == schemas.ActionDone && !o.Confirmed:
		return "not confirmed, the goal is not visibly complete yet"
	case o.Confirmed:
		return "confirmed"
	case o.Executed && o.Resulting != nil && o.Observed != nil && o.Resulting.Fingerprint == o.Observed.Fingerprint:
		return "ok, but the page did not change"
	case o.Executed:
		return "ok"
	default:
		return "not executed"
	}
}

// clickHint nudges the model after a click that may have opened an input.
func clickHint(history []schemas.StepOutcome) string {
	if len(history) == 0 {
		return ""
	}
	last := history[len(history)-1]
	if last.Decision == nil || last.Decision.Action() != schemas.ActionClick || !last.Executed || last.Failed() {
		return ""
	}
	return fmt.Sprintf("(Note: '%s' was just clicked. If it opened an input field, you can now type.)", last.Decision.Target())
}

// repairPrompt asks the model to restate its previous reply in the schema.
func repairPrompt(userPrompt, raw string, cause error) string {
	return fmt.Sprintf(`%s

Your previous reply could not be used:
%s

Problem: %v

Reply again with only the JSON object described in the output format. Use one of the listed actions and include every required field.`,
		userPrompt, llmutil.Truncate(raw, 800), cause)
}
