package service

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/mocks"
	"github.com/xkilldash9x/webpilot/internal/reasoning"
	"github.com/xkilldash9x/webpilot/internal/session"
	"github.com/xkilldash9x/webpilot/internal/store"
)

type fakePage struct {
	mocks.MockPage
}

func (p *fakePage) ApplyStorageState(ctx context.Context, state *schemas.StorageState) error {
	return p.Called(ctx, state).Error(0)
}

func (p *fakePage) CaptureStorageState(ctx context.Context) (*schemas.StorageState, error) {
	args := p.Called(ctx)
	state, _ := args.Get(0).(*schemas.StorageState)
	return state, args.Error(1)
}

type fakeBrowser struct {
	page     *fakePage
	shutdown int
}

func (b *fakeBrowser) Page() SessionPage { return b.page }

func (b *fakeBrowser) Shutdown(context.Context) error {
	b.shutdown++
	return nil
}

type stubReasoner struct{}

func (stubReasoner) Decide(context.Context, string, schemas.UiSnapshot, []schemas.StepOutcome) (reasoning.Decision, error) {
	return reasoning.Decision{Action: schemas.MustDecision(schemas.DecisionDraft{Action: "abort", Reasoning: "stub"})}, nil
}

type factoryHarness struct {
	factory *concreteFactory
	browser *fakeBrowser
	llm     *mocks.MockLLMClient
	cfg     *config.Config
}

func newFactoryHarness(t *testing.T) *factoryHarness {
	t.Helper()
	h := &factoryHarness{
		browser: &fakeBrowser{page: &fakePage{}},
		llm:     new(mocks.MockLLMClient),
		cfg:     config.NewDefaultConfig(),
	}
	h.cfg.SetTraceDir(t.TempDir())
	h.cfg.SessionCfg.Dir = t.TempDir()
	h.factory = &concreteFactory{
		launchBrowser: func(context.Context, config.BrowserConfig, *zap.Logger) (Browser, error) {
			return h.browser, nil
		},
		newLLM: func(context.Context, config.LLMRouterConfig, *zap.Logger) (schemas.LLMClient, error) {
			return h.llm, nil
		},
		connectIndex: func(context.Context, string, *zap.Logger) (*store.Store, func(), error) {
			t.Fatal("index should not be connected without a postgres url")
			return nil, nil, nil
		},
	}
	return h
}

func TestCreate_WiresRunComponents(t *testing.T) {
	h := newFactoryHarness(t)
	h.llm.On("Close").Return(nil).Once()

	c, err := h.factory.Create(context.Background(), h.cfg, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.NotNil(t, c.Agent)
	assert.NotNil(t, c.Recorder)
	assert.NotNil(t, c.Sessions)
	assert.NotNil(t, c.Metrics)
	assert.Nil(t, c.Index)
	assert.Same(t, h.llm, c.LLM)
	assert.Same(t, h.browser.page, c.Page())

	c.Shutdown()
	assert.Equal(t, 1, h.browser.shutdown)
	h.llm.AssertExpectations(t)
}

func TestCreate_ReasonerOverrideSkipsProvider(t *testing.T) {
	h := newFactoryHarness(t)
	h.factory.newLLM = func(context.Context, config.LLMRouterConfig, *zap.Logger) (schemas.LLMClient, error) {
		t.Fatal("provider should not be built when a reasoner is supplied")
		return nil, nil
	}

	c, err := h.factory.Create(context.Background(), h.cfg, Options{Reasoner: stubReasoner{}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NotNil(t, c.Agent)
	assert.Nil(t, c.LLM)
	c.Shutdown()
}

func TestCreate_BrowserOnly(t *testing.T) {
	h := newFactoryHarness(t)
	h.factory.newLLM = nil

	c, err := h.factory.Create(context.Background(), h.cfg, Options{BrowserOnly: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, c.Agent)
	assert.Nil(t, c.Recorder)
	assert.NotNil(t, c.Sessions)
	c.Shutdown()
	assert.Equal(t, 1, h.browser.shutdown)
}

func TestCreate_SessionsDisabled(t *testing.T) {
	h := newFactoryHarness(t)
	h.cfg.SessionCfg.Enabled = false

	c, err := h.factory.Create(context.Background(), h.cfg, Options{BrowserOnly: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, c.Sessions)
	assert.NoError(t, c.RestoreSession(context.Background(), "https://linear.app"), "nothing to restore")
	assert.ErrorContains(t, c.SaveSession(context.Background(), "https://linear.app"), "session.enabled")
	c.Shutdown()
}

func TestCreate_CleansUpOnFailure(t *testing.T) {
	t.Run("browser launch fails", func(t *testing.T) {
		h := newFactoryHarness(t)
		h.llm.On("Close").Return(nil).Once()
		h.factory.launchBrowser = func(context.Context, config.BrowserConfig, *zap.Logger) (Browser, error) {
			return nil, errors.New("chrome not found")
		}

		_, err := h.factory.Create(context.Background(), h.cfg, Options{}, zaptest.NewLogger(t))
		assert.ErrorContains(t, err, "failed to start browser")
		h.llm.AssertExpectations(t)
	})

	t.Run("index connection fails", func(t *testing.T) {
		h := newFactoryHarness(t)
		h.llm.On("Close").Return(nil).Once()
		h.cfg.TraceCfg.PostgresURL = "postgres://localhost/webpilot"
		h.factory.connectIndex = func(context.Context, string, *zap.Logger) (*store.Store, func(), error) {
			return nil, nil, errors.New("connection refused")
		}

		_, err := h.factory.Create(context.Background(), h.cfg, Options{}, zaptest.NewLogger(t))
		assert.ErrorContains(t, err, "failed to connect trace index")
		assert.Equal(t, 1, h.browser.shutdown)
		h.llm.AssertExpectations(t)
	})

	t.Run("provider fails before the browser starts", func(t *testing.T) {
		h := newFactoryHarness(t)
		h.factory.newLLM = func(context.Context, config.LLMRouterConfig, *zap.Logger) (schemas.LLMClient, error) {
			return nil, errors.New("missing api key")
		}

		_, err := h.factory.Create(context.Background(), h.cfg, Options{}, zaptest.NewLogger(t))
		assert.ErrorContains(t, err, "missing api key")
		assert.Zero(t, h.browser.shutdown)
	})
}

func TestCreate_ConnectsIndex(t *testing.T) {
	h := newFactoryHarness(t)
	h.llm.On("Close").Return(nil)
	h.cfg.TraceCfg.PostgresURL = "postgres://localhost/webpilot"

	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()
	mockPool.ExpectPing()

	closed := false
	h.factory.connectIndex = func(ctx context.Context, url string, logger *zap.Logger) (*store.Store, func(), error) {
		assert.Equal(t, "postgres://localhost/webpilot", url)
		s, err := store.New(ctx, mockPool, logger)
		return s, func() { closed = true }, err
	}

	c, err := h.factory.Create(context.Background(), h.cfg, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NotNil(t, c.Index)

	c.Shutdown()
	assert.True(t, closed)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestComponents_Sessions(t *testing.T) {
	h := newFactoryHarness(t)
	ctx := context.Background()
	c, err := h.factory.Create(ctx, h.cfg, Options{BrowserOnly: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Shutdown()

	t.Run("nothing saved yet", func(t *testing.T) {
		require.NoError(t, c.RestoreSession(ctx, "https://linear.app/team"))
		h.browser.page.AssertNotCalled(t, "ApplyStorageState", mock.Anything, mock.Anything)
	})

	state := &schemas.StorageState{Cookies: []schemas.Cookie{{Name: "sid", Value: "abc", Domain: "linear.app", Path: "/", Expires: -1}}}

	t.Run("save then restore", func(t *testing.T) {
		h.browser.page.On("CaptureStorageState", ctx).Return(state, nil).Once()
		require.NoError(t, c.SaveSession(ctx, "https://linear.app/login"))

		_, err := session.NewStore(h.cfg.SessionCfg.Dir, zap.NewNop()).Load("https://www.linear.app")
		require.NoError(t, err)

		h.browser.page.On("ApplyStorageState", ctx, mock.MatchedBy(func(s *schemas.StorageState) bool {
			return len(s.Cookies) == 1 && s.Cookies[0].Value == "abc"
		})).Return(nil).Once()
		require.NoError(t, c.RestoreSession(ctx, "https://linear.app/team"))
		h.browser.page.AssertExpectations(t)
	})

	t.Run("capture failure", func(t *testing.T) {
		h.browser.page.On("CaptureStorageState", ctx).Return(nil, errors.New("target closed")).Once()
		assert.ErrorContains(t, c.SaveSession(ctx, "https://linear.app"), "target closed")
	})
}
