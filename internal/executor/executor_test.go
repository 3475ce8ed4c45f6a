package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/mocks"
)

type stubCapturer struct {
	snap  schemas.UiSnapshot
	err   error
	calls int
}

func (s *stubCapturer) Capture(context.Context, schemas.Page) (schemas.UiSnapshot, error) {
	s.calls++
	return s.snap, s.err
}

func testExecutorConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		ActionTimeout: 200 * time.Millisecond,
		WaitDuration:  2 * time.Second,
		MaxWait:       10 * time.Second,
	}
}

// newTestExecutor returns an executor whose sleeps are recorded instead of taken.
func newTestExecutor(t *testing.T, capt Capturer) (*Executor, *[]time.Duration) {
	t.Helper()
	e := New(testExecutorConfig(), capt, nil, zaptest.NewLogger(t))
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func decision(d schemas.DecisionDraft) schemas.ActionDecision { return schemas.MustDecision(d) }

var saveButton = schemas.ElementHandle{Ref: "ref-1", Description: `button "Save"`, Strategy: "exact"}

func TestExecute_Click(t *testing.T) {
	capt := &stubCapturer{snap: schemas.NewUiSnapshot("https://x", "after", nil, false, time.Now())}
	page := new(mocks.MockPage)
	page.On("Find", mock.Anything, "Save", schemas.PurposeClick).Return(saveButton, nil)
	page.On("Click", mock.Anything, saveButton).Return(nil)

	e, _ := newTestExecutor(t, capt)
	out := e.Execute(context.Background(), decision(schemas.DecisionDraft{Action: "click", Target: "Save"}), page)

	assert.True(t, out.Executed)
	assert.False(t, out.Failed())
	require.NotNil(t, out.Target)
	assert.Equal(t, saveButton, *out.Target)
	require.NotNil(t, out.Resulting)
	assert.Equal(t, "after", out.Resulting.TextExtract)
	assert.Equal(t, 1, capt.calls)
	page.AssertExpectations(t)
}

func TestExecute_ClickElementNotFound(t *testing.T) {
	capt := &stubCapturer{}
	page := new(mocks.MockPage)
	page.On("Find", mock.Anything, "Nonexistent Button", schemas.PurposeClick).
		Return(schemas.ElementHandle{}, schemas.ErrElementNotFound)

	e, _ := newTestExecutor(t, capt)
	out := e.Execute(context.Background(), decision(schemas.DecisionDraft{Action: "click", Target: "Nonexistent Button"}), page)

	assert.False(t, out.Executed)
	assert.Equal(t, schemas.KindElementNotFound, out.ErrorKind)
	assert.Contains(t, out.ErrorDetail, "Nonexistent Button")
	assert.Nil(t, out.Resulting)
	assert.Zero(t, capt.calls, "no re-capture after a failed action")
	page.AssertNotCalled(t, "Click", mock.Anything, mock.Anything)
}

func TestExecute_ClickTimeout(t *testing.T) {
	page := new(mocks.MockPage)
	page.On("Find", mock.Anything, "Save", schemas.PurposeClick).Return(saveButton, nil)
	page.On("Click", mock.Anything, saveButton).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(context.DeadlineExceeded)

	e, _ := newTestExecutor(t, &stubCapturer{})
	out := e.Execute(context.Background(), decision(schemas.DecisionDraft{Action: "click", Target: "Save"}), page)

	assert.Equal(t, schemas.KindExecutionTimeout, out.ErrorKind)
	require.NotNil(t, out.Target, "the resolved element is kept for the trace")
}

func TestExecute_Type(t *testing.T) {
	field := schemas.ElementHandle{Ref: "ref-2", Description: `input "Title"`}
	page := new(mocks.MockPage)
	page.On("Find", mock.Anything, "Title", schemas.PurposeType).Return(field, nil)
	page.On("Type", mock.Anything, field, " AI Test Project").Return(nil)

	e, _ := newTestExecutor(t, &stubCapturer{})
	out := e.Execute(context.Background(), decision(schemas.DecisionDraft{Action: "type", Target: "Title", Value: " AI Test Project"}), page)

	assert.True(t, out.Executed)
	page.AssertExpectations(t)
}

func TestExecute_TypeWithoutTargetUsesFocusedField(t *testing.T) {
	field := schemas.ElementHandle{Ref: "ref-3", Strategy: "focused"}
	page := new(mocks.MockPage)
	page.On("Find", mock.Anything, "", schemas.PurposeType).Return(field, nil)
	page.On("Type", mock.Anything, field, "hello").Return(nil)

	e, _ := newTestExecutor(t, &stubCapturer{})
	out := e.Execute(context.Background(), decision(schemas.DecisionDraft{Action: "type", Value: "hello"}), page)
	assert.True(t, out.Executed)
}

func TestExecute_Scroll(t *testing.T) {
	t.Run("viewport defaults to down", func(t *testing.T) {
		page := new(mocks.MockPage)
		page.On("ScrollViewport", mock.Anything, schemas.ScrollDown).Return(nil)

		e, _ := newTestExecutor(t, &stubCapturer{})
		out := e.Execute(context.Background(), decision(schemas.DecisionDraft{Action: "scroll"}), page)
		assert.True(t, out.Executed)
		assert.Nil(t, out.Target)
		page.AssertExpectations(t)
	})

	t.Run("viewport up", func(t *testing.T) {
		page := new(mocks.MockPage)
		page.On("ScrollViewport", mock.Anything, schemas.ScrollUp).Return(nil)

		e, _ := newTestExecutor(t, &stubCapturer{})
		out := e.Execute(context.Background(), decision(schemas.DecisionDraft{Action: "scroll", Value: "up"}), page)
		assert.True(t, out.Executed)
	})

	t.Run("into view", func(t *testing.T) {
		footer := schemas.ElementHandle{Ref: "ref-4"}
		page := new(mocks.MockPage)
		page.On("Find", mock.Anything, "Footer", schemas.PurposeScroll).Return(footer, nil)
		page.On("ScrollIntoView", mock.Anything, footer).Return(nil)

		e, _ := newTestExecutor(t, &stubCapturer{})
		out := e.Execute(context.Background(), decision(schemas.DecisionDraft{Action: "scroll", Target: "Footer"}), page)
		assert.True(t, out.Executed)
		page.AssertExpectations(t)
	})
}

func TestExecute_Wait(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"default", "", 2 * time.Second},
		{"model value", "3", 3 * time.Second},
		{"fractional with suffix", "1.5s", 1500 * time.Millisecond},
		{"capped", "120", 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := new(mocks.MockPage)
			page.On("URL", mock.Anything).Return("https://x", nil)

			e, slept := newTestExecutor(t, &stubCapturer{})
			out := e.Execute(context.Background(), decision(schemas.DecisionDraft{Action: "wait", Value: tt.value}), page)

			assert.True(t, out.Executed)
			assert.Equal(t, []time.Duration{tt.want}, *slept)
		})
	}

	t.Run("fails only when the page is unreachable", func(t *testing.T) {
		page := new(mocks.MockPage)
		page.On("URL", mock.Anything).Return("", schemas.ErrPageUnreachable)

		e, _ := newTestExecutor(t, &stubCapturer{})
		out := e.Execute(context.Background(), decision(schemas.DecisionDraft{Action: "wait"}), page)
		assert.False(t, out.Executed)
		assert.Equal(t, schemas.KindExecution, out.ErrorKind)
		assert.Contains(t, out.ErrorDetail, "page unreachable")
	})
}

func TestExecute_TerminalDecisionsDoNotTouchThePage(t *testing.T) {
	for _, action := range []string{"done", "abort"} {
		t.Run(action, func(t *testing.T) {
			capt := &stubCapturer{}
			page := new(mocks.MockPage)

			e, _ := newTestExecutor(t, capt)
			out := e.Execute(context.Background(), decision(schemas.DecisionDraft{Action: action}), page)

			assert.False(t, out.Executed)
			assert.False(t, out.Failed())
			assert.Zero(t, capt.calls)
			page.AssertExpectations(t)
			assert.Empty(t, page.Calls)
		})
	}
}

func TestExecute_RecaptureFailureLeavesResultEmpty(t *testing.T) {
	capt := &stubCapturer{err: errors.New("capture broke")}
	page := new(mocks.MockPage)
	page.On("ScrollViewport", mock.Anything, schemas.ScrollDown).Return(nil)

	e, _ := newTestExecutor(t, capt)
	out := e.Execute(context.Background(), decision(schemas.DecisionDraft{Action: "scroll"}), page)
	assert.True(t, out.Executed)
	assert.False(t, out.Failed())
	assert.Nil(t, out.Resulting)
}

func TestExecute_RecoversFromPanics(t *testing.T) {
	page := new(mocks.MockPage)
	page.On("Find", mock.Anything, "Save", schemas.PurposeClick).Run(func(mock.Arguments) {
		panic("driver exploded")
	}).Return(saveButton, nil)

	e, _ := newTestExecutor(t, &stubCapturer{})
	out := e.Execute(context.Background(), decision(schemas.DecisionDraft{Action: "click", Target: "Save"}), page)
	assert.False(t, out.Executed)
	assert.Equal(t, schemas.KindExecution, out.ErrorKind)
	assert.Contains(t, out.ErrorDetail, "driver exploded")
}

func TestSleepCtx(t *testing.T) {
	require.NoError(t, sleepCtx(context.Background(), 0))
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
