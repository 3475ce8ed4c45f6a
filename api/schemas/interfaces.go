package schemas

import (
	"context"
	"time"
)

// -- Browser Driver Interface --

// TargetPurpose tells the element resolver what the caller intends to do with
// the match, which widens or narrows the set of acceptable candidates.
type TargetPurpose string

const (
	PurposeClick  TargetPurpose = "click"  // Anything a user could press.
	PurposeType   TargetPurpose = "type"   // Inputs, textareas and contenteditable regions.
	PurposeScroll TargetPurpose = "scroll" // Any visible element.
)

// ScrollDirection is the direction of a viewport scroll.
type ScrollDirection string

const (
	ScrollDown ScrollDirection = "down"
	ScrollUp   ScrollDirection = "up"
)

// ElementHandle identifies an element resolved on the live page. Ref is an
// opaque token the driver can use to find the same node again.
type ElementHandle struct {
	Ref         string `json:"ref"`
	Description string `json:"description"` // Tag and visible label, for logs and traces.
	Strategy    string `json:"strategy"`    // Which resolution stage matched.
}

// Page is the narrow view of a browser tab that the control loop needs.
// Implementations must bound every call by the supplied context.
//
//go:generate mockery --name Page --output ../../internal/mocks --outpkg mocks
type Page interface {
	// Navigate loads the URL and returns once the main document has been committed.
	Navigate(ctx context.Context, url string) error
	// URL returns the address of the current document.
	URL(ctx context.Context) (string, error)
	// ExtractText returns the visible text of the document body, truncated to maxChars.
	ExtractText(ctx context.Context, maxChars int) (string, error)
	// Screenshot returns a PNG of the viewport.
	Screenshot(ctx context.Context) ([]byte, error)
	// WaitForIdle blocks until the page has been quiet for the quiet period or
	// the ceiling elapses. It reports whether quiescence was actually reached.
	WaitForIdle(ctx context.Context, quiet, ceiling time.Duration) (bool, error)
	// Find resolves a human-readable hint to an element. It returns
	// ErrElementNotFound when no strategy matches.
	Find(ctx context.Context, hint string, purpose TargetPurpose) (ElementHandle, error)
	Click(ctx context.Context, el ElementHandle) error
	Type(ctx context.Context, el ElementHandle, text string) error
	ScrollIntoView(ctx context.Context, el ElementHandle) error
	ScrollViewport(ctx context.Context, dir ScrollDirection) error
}

// -- LLM Client Schemas & Interface --

// ModelTier allows for selecting a large language model based on a preference
// for speed versus advanced capabilities.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, potentially slower model.
)

// GenerationOptions provides detailed parameters to control the text generation
// process of the LLM, such as creativity (temperature) and output format.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Controls randomness. Lower is more deterministic.
	ForceJSONFormat bool    `json:"force_json_format"` // If true, forces the model to output valid JSON.
	TopP            float64 `json:"top_p"`             // Nucleus sampling parameter.
	TopK            int     `json:"top_k"`             // Top-k sampling parameter.
}

// ImagePart is an inline image sent alongside the prompt.
type ImagePart struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// GenerationRequest encapsulates a complete request to the LLM, including the
// system and user prompts, the desired model tier, and generation options.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"` // Instructions for the model's persona and task.
	UserPrompt   string            `json:"user_prompt"`   // The specific query or input from the user.
	Images       []ImagePart       `json:"images,omitempty"`
	Tier         ModelTier         `json:"tier"`    // The desired model tier (fast or powerful).
	Options      GenerationOptions `json:"options"` // Advanced generation parameters.
}

// LLMClient defines a standard interface for interacting with a Large Language
// Model, abstracting the specifics of the underlying provider (e.g., Gemini).
type LLMClient interface {
	// Generate produces a text completion based on the provided request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close cleans up any resources held by the client (e.g., network connections, SDK resources).
	Close() error
}
