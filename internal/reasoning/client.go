// Package reasoning asks the reasoning model for the next action and turns
// its free-form reply into a validated decision.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

// Decision is a validated action plus every request made to obtain it.
type Decision struct {
	Action   schemas.ActionDecision
	Attempts []schemas.ReasoningAttempt
}

// Client implements the decide step on top of an LLMClient.
type Client struct {
	llm     schemas.LLMClient
	cfg     config.ReasoningConfig
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewClient creates a reasoning client. metrics may be nil.
func NewClient(llm schemas.LLMClient, cfg config.ReasoningConfig, metrics *observability.Metrics, logger *zap.Logger) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Client{
		llm:     llm,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		metrics: metrics,
		logger:  logger.Named("reasoning"),
		now:     time.Now,
	}
}

// Decide requests the next action for snap. The loop controller passes the
// configured window already; longer histories are trimmed to it. Malformed
// replies are re-requested on the fast tier up to the repair bound, after
// which a DecisionParseError is returned. A transport failure returns a
// ProviderError without consuming a repair attempt. The returned Decision
// carries the attempts made even when err is non-nil.
func (c *Client) Decide(ctx context.Context, goal string, snap schemas.UiSnapshot, history []schemas.StepOutcome) (Decision, error) {
	if c.cfg.HistoryWindow >= 0 && len(history) > c.cfg.HistoryWindow {
		history = history[len(history)-c.cfg.HistoryWindow:]
	}

	userPrompt := BuildUserPrompt(PromptInput{
		Goal:      goal,
		Snapshot:  snap,
		History:   history,
		TextChars: c.cfg.PromptTextChars,
	})
	req := schemas.GenerationRequest{
		SystemPrompt: SystemPrompt(),
		UserPrompt:   userPrompt,
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			Temperature:     c.cfg.Temperature,
			ForceJSONFormat: true,
		},
	}
	if c.cfg.AttachScreenshot && len(snap.Screenshot) > 0 {
		req.Images = []schemas.ImagePart{{MIMEType: "image/png", Data: snap.Screenshot}}
	}

	var out Decision
	var lastErr error
	maxAttempts := 1 + max(c.cfg.MaxRepairAttempts, 0)

	for n := 1; n <= maxAttempts; n++ {
		kind := schemas.AttemptInitial
		if n > 1 {
			kind = schemas.AttemptRepair
		}

		attempt := schemas.ReasoningAttempt{Number: n, Kind: kind, Tier: req.Tier, StartedAt: c.now().UTC()}
		raw, err := c.generate(ctx, req)
		attempt.Duration = c.now().Sub(attempt.StartedAt)
		attempt.Raw = raw

		if err != nil {
			attempt.Error = err.Error()
			out.Attempts = append(out.Attempts, attempt)
			c.metrics.RecordReasoningAttempt(string(kind), string(req.Tier), "provider_error", attempt.Duration)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			c.logger.Warn("Reasoning provider request failed.", zap.Int("attempt", n), zap.Error(err))
			return out, schemas.NewStepError(schemas.KindProvider, err)
		}

		decision, perr := ParseDecision(raw)
		if perr == nil {
			out.Attempts = append(out.Attempts, attempt)
			out.Action = decision
			c.metrics.RecordReasoningAttempt(string(kind), string(req.Tier), "ok", attempt.Duration)
			c.logger.Info("Decided next action.",
				zap.Stringer("decision", decision),
				zap.String("reasoning", decision.Reasoning()),
				zap.Int("attempts", n))
			return out, nil
		}

		attempt.Error = perr.Error()
		out.Attempts = append(out.Attempts, attempt)
		lastErr = perr
		c.metrics.RecordReasoningAttempt(string(kind), string(req.Tier), "invalid", attempt.Duration)
		c.logger.Warn("Model reply was not a valid decision.",
			zap.Int("attempt", n),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(perr))

		req.UserPrompt = repairPrompt(userPrompt, raw, perr)
		req.Tier = schemas.TierFast
		req.Images = nil
	}

	return out, schemas.Errorf(schemas.KindDecisionParse, "no valid decision after %d attempts: %w", maxAttempts, lastErr)
}

// generate applies the rate limit and per-request timeout.
func (c *Client) generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	callCtx := ctx
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	raw, err := c.llm.Generate(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("reasoning request timed out after %s: %w", c.cfg.RequestTimeout, err)
		}
		return "", err
	}
	return raw, nil
}
