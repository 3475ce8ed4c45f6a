package reasoning

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/mocks"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

func testReasoningConfig() config.ReasoningConfig {
	return config.ReasoningConfig{
		PromptTextChars:   6000,
		HistoryWindow:     2,
		MaxRepairAttempts: 2,
		RequestTimeout:    time.Second,
		AttachScreenshot:  true,
		Temperature:       0.2,
	}
}

func newTestClient(t *testing.T, llm schemas.LLMClient, metrics *observability.Metrics) *Client {
	t.Helper()
	return NewClient(llm, testReasoningConfig(), metrics, zaptest.NewLogger(t))
}

func TestDecide_FirstAttemptValid(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return req.Tier == schemas.TierPowerful &&
			req.Options.ForceJSONFormat &&
			len(req.Images) == 1 && req.Images[0].MIMEType == "image/png" &&
			strings.Contains(req.UserPrompt, "Goal:\nSign in")
	})).Return(`{"action":"click","target":"Sign in","reasoning":"start"}`, nil).Once()

	metrics := observability.NewMetrics("test")
	c := newTestClient(t, llm, metrics)

	d, err := c.Decide(context.Background(), "Sign in", snapshot("Welcome. Sign in"), nil)
	require.NoError(t, err)
	assert.Equal(t, schemas.ActionClick, d.Action.Action())
	assert.Equal(t, "Sign in", d.Action.Target())
	require.Len(t, d.Attempts, 1)
	assert.Equal(t, schemas.AttemptInitial, d.Attempts[0].Kind)
	assert.Empty(t, d.Attempts[0].Error)
	assert.Contains(t, d.Attempts[0].Raw, `"click"`)
	llm.AssertExpectations(t)

	count, err := testutil.GatherAndCount(metrics.Registry(), "test_reasoning_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDecide_RepairsOnFastTier(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return req.Tier == schemas.TierPowerful
	})).Return("I would click the button.", nil).Once()
	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return req.Tier == schemas.TierFast &&
			len(req.Images) == 0 &&
			strings.Contains(req.UserPrompt, "Your previous reply could not be used") &&
			strings.Contains(req.UserPrompt, "I would click the button.")
	})).Return(`{"action":"wait"}`, nil).Once()

	c := newTestClient(t, llm, nil)
	d, err := c.Decide(context.Background(), "g", snapshot("page"), nil)
	require.NoError(t, err)
	assert.Equal(t, schemas.ActionWait, d.Action.Action())
	require.Len(t, d.Attempts, 2)
	assert.NotEmpty(t, d.Attempts[0].Error)
	assert.Equal(t, schemas.AttemptRepair, d.Attempts[1].Kind)
	assert.Equal(t, schemas.TierFast, d.Attempts[1].Tier)
	llm.AssertExpectations(t)
}

func TestDecide_RepairExhaustionIsParseError(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	llm.On("Generate", mock.Anything, mock.Anything).Return(`{"action":"teleport"}`, nil).Times(3)

	c := newTestClient(t, llm, nil)
	d, err := c.Decide(context.Background(), "g", snapshot("page"), nil)
	require.Error(t, err)
	assert.Equal(t, schemas.KindDecisionParse, schemas.KindOf(err))
	assert.ErrorIs(t, err, schemas.ErrInvalidDecision)
	assert.Len(t, d.Attempts, 3, "every attempt is reported")
	assert.True(t, d.Action.IsZero())
	llm.AssertNumberOfCalls(t, "Generate", 3)
}

func TestDecide_ProviderErrorDoesNotRepair(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	llm.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("503 service unavailable")).Once()

	c := newTestClient(t, llm, nil)
	d, err := c.Decide(context.Background(), "g", snapshot("page"), nil)
	require.Error(t, err)
	assert.Equal(t, schemas.KindProvider, schemas.KindOf(err))
	require.Len(t, d.Attempts, 1)
	assert.Contains(t, d.Attempts[0].Error, "503")
	llm.AssertNumberOfCalls(t, "Generate", 1)
}

func TestDecide_CancelledContext(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	llm.On("Generate", mock.Anything, mock.Anything).Return("", context.Canceled).Maybe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, llm, nil)
	_, err := c.Decide(ctx, "g", snapshot("page"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecide_TrimsHistoryToWindow(t *testing.T) {
	history := make([]schemas.StepOutcome, 5)
	for i := range history {
		history[i] = schemas.StepOutcome{Index: i, Decision: decisionPtr(schemas.DecisionDraft{Action: "scroll", Value: "down"}), Executed: true}
	}

	var prompt string
	llm := new(mocks.MockLLMClient)
	llm.On("Generate", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		prompt = args.Get(1).(schemas.GenerationRequest).UserPrompt
	}).Return(`{"action":"done"}`, nil).Once()

	c := newTestClient(t, llm, nil)
	_, err := c.Decide(context.Background(), "g", snapshot("page"), history)
	require.NoError(t, err)

	assert.NotContains(t, prompt, "    2. scroll")
	assert.Contains(t, prompt, "    3. scroll")
	assert.Contains(t, prompt, "    4. scroll")
}

func TestDecide_NoScreenshotWhenDisabled(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return len(req.Images) == 0
	})).Return(`{"action":"done"}`, nil).Once()

	cfg := testReasoningConfig()
	cfg.AttachScreenshot = false
	c := NewClient(llm, cfg, nil, zaptest.NewLogger(t))

	_, err := c.Decide(context.Background(), "g", snapshot("page"), nil)
	require.NoError(t, err)
	llm.AssertExpectations(t)
}

func TestDecide_RequestTimeout(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	llm.On("Generate", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return("", context.DeadlineExceeded).Once()

	cfg := testReasoningConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	c := NewClient(llm, cfg, nil, zaptest.NewLogger(t))

	_, err := c.Decide(context.Background(), "g", snapshot("page"), nil)
	require.Error(t, err)
	assert.Equal(t, schemas.KindProvider, schemas.KindOf(err))
	assert.Contains(t, err.Error(), "timed out")
}
