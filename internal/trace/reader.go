package trace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// Trace is a recorded run loaded from disk.
type Trace struct {
	Dir   string
	Run   schemas.RunSummary
	Steps []StepRecord // Ordered by index.
}

// Load reads the manifest and every step record of the run in runDir.
func Load(runDir string) (*Trace, error) {
	data, err := os.ReadFile(filepath.Join(runDir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read trace manifest: %w", err)
	}
	t := &Trace{Dir: runDir}
	if err := json.Unmarshal(data, &t.Run); err != nil {
		return nil, fmt.Errorf("failed to parse trace manifest: %w", err)
	}

	paths, err := filepath.Glob(filepath.Join(runDir, "step_*.json"))
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
		}
		var rec StepRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
		t.Steps = append(t.Steps, rec)
	}
	sort.Slice(t.Steps, func(i, j int) bool { return t.Steps[i].Index < t.Steps[j].Index })
	return t, nil
}

// Decisions returns the recorded decisions in order, skipping steps that
// ended before one was made.
func (t *Trace) Decisions() []StepRecord {
	var out []StepRecord
	for _, s := range t.Steps {
		if s.Decision != nil {
			out = append(out, s)
		}
	}
	return out
}

// ScreenshotPath is the absolute path of a step's screenshot, or empty.
func (t *Trace) ScreenshotPath(s StepRecord) string {
	if s.Screenshot == "" {
		return ""
	}
	return filepath.Join(t.Dir, s.Screenshot)
}

func describeCriteria(c schemas.SuccessCriteria) string {
	var parts []string
	if len(c.Texts) > 0 {
		parts = append(parts, fmt.Sprintf("text %q", c.Texts))
	}
	if c.Regex != "" {
		parts = append(parts, fmt.Sprintf("regex %q", c.Regex))
	}
	sep := " or "
	if c.All {
		sep = " and "
	}
	return strings.Join(parts, sep)
}

// Render writes a human-readable listing of the trace.
func (t *Trace) Render(w io.Writer) error {
	fmt.Fprintf(w, "Run:     %s\n", t.Run.RunID)
	fmt.Fprintf(w, "Goal:    %s\n", t.Run.Goal)
	if t.Run.StartURL != "" {
		fmt.Fprintf(w, "URL:     %s\n", t.Run.StartURL)
	}
	status := string(t.Run.Status)
	if t.Run.LastErrorKind != "" {
		status += " (" + string(t.Run.LastErrorKind) + ")"
	}
	fmt.Fprintf(w, "Status:  %s\n", status)
	if c := t.Run.Success; c != nil {
		fmt.Fprintf(w, "Success: %s\n", describeCriteria(*c))
	}
	if t.Run.LastError != "" {
		fmt.Fprintf(w, "Error:   %s\n", t.Run.LastError)
	}
	if !t.Run.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Elapsed: %s\n", t.Run.FinishedAt.Sub(t.Run.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tURL\tATTEMPTS\tRESULT")
	for _, s := range t.Steps {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", s.Index, s.URL, len(s.Attempts), s.Summary())
	}
	return tw.Flush()
}
