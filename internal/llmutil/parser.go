// internal/llmutil/parser.go
package llmutil

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoJSON is returned when a response holds nothing that looks like a JSON object.
var ErrNoJSON = errors.New("no JSON object found in response")

var (
	// \x60 is a backtick; raw strings cannot hold one.
	fencedObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json|JSON)?\\s*({.*?})\\s*\x60\x60\x60")

	// fieldLineRegex matches "key: value" lines, tolerating list markers and bold keys.
	fieldLineRegex = regexp.MustCompile(`^\s*(?:[-*]\s*)?\**([A-Za-z_]+)\**\s*[:=]\s*(.*?)\s*$`)
)

// ExtractJSONObject locates the JSON object in a model response. It handles
// a bare object, a markdown-fenced object and an object embedded in prose.
func ExtractJSONObject(response string) (string, error) {
	response = strings.TrimSpace(response)
	if strings.HasPrefix(response, "{") && strings.HasSuffix(response, "}") {
		return response, nil
	}
	if m := fencedObjectRegex.FindStringSubmatch(response); len(m) > 1 {
		return m[1], nil
	}
	first := strings.Index(response, "{")
	last := strings.LastIndex(response, "}")
	if first == -1 || last <= first {
		return "", ErrNoJSON
	}
	return response[first : last+1], nil
}

// ParseJSONResponse decodes the JSON object found in response into T.
func ParseJSONResponse[T any](response string) (*T, error) {
	raw, err := ExtractJSONObject(response)
	if err != nil {
		return nil, err
	}
	var result T
	if err := json.UnmarshalFromString(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(raw, 500))
	}
	return &result, nil
}

// ParseFieldLines reads "key: value" lines and returns the values of the
// requested keys, lower-cased. The first occurrence of a key wins. Lines
// that do not start with a known key are appended to the previous key's
// value, so a multi-line reasoning survives.
func ParseFieldLines(response string, keys ...string) map[string]string {
	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[strings.ToLower(k)] = true
	}

	out := make(map[string]string)
	current := ""
	for _, line := range strings.Split(response, "\n") {
		if m := fieldLineRegex.FindStringSubmatch(line); m != nil {
			key := strings.ToLower(m[1])
			if wanted[key] {
				if _, seen := out[key]; !seen {
					out[key] = m[2]
					current = key
				} else {
					current = ""
				}
				continue
			}
		}
		trimmed := strings.TrimSpace(line)
		if current != "" && trimmed != "" && !strings.HasPrefix(trimmed, "```") {
			out[current] = strings.TrimSpace(out[current] + " " + trimmed)
		}
	}
	return out
}

// Truncate cuts s to at most maxLen bytes without splitting a rune, adding
// an ellipsis when anything was removed.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
