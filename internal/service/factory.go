// Package service builds the components a command needs from configuration.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/capture"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/executor"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/reasoning"
	"github.com/xkilldash9x/webpilot/internal/session"
	"github.com/xkilldash9x/webpilot/internal/store"
	"github.com/xkilldash9x/webpilot/internal/trace"
)

// Options adjusts what Create builds.
type Options struct {
	// Reasoner replaces the model-backed reasoning client, as replay does.
	Reasoner agent.Reasoner
	// BrowserOnly skips everything but the browser and the session store.
	BrowserOnly bool
}

// ComponentFactory creates the set of components needed for a command.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, opts Options, logger *zap.Logger) (*Components, error)
}

type (
	browserLauncher func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (Browser, error)
	llmBuilder      func(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) (schemas.LLMClient, error)
	indexConnector  func(ctx context.Context, url string, logger *zap.Logger) (*store.Store, func(), error)
)

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	launchBrowser browserLauncher
	newLLM        llmBuilder
	connectIndex  indexConnector
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{
		launchBrowser: launchChrome,
		newLLM: func(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) (schemas.LLMClient, error) {
			return llmclient.NewRouterFromConfig(ctx, cfg, logger)
		},
		connectIndex: store.Connect,
	}
}

// Create handles the full dependency injection and initialization of run components.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, opts Options, logger *zap.Logger) (*Components, error) {
	components := &Components{
		Config:  cfg,
		Metrics: observability.NewMetrics(cfg.Metrics().Namespace),
		logger:  logger,
	}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Reasoning provider. Built before the browser so a bad model config fails fast.
	reasoner := opts.Reasoner
	if reasoner == nil && !opts.BrowserOnly {
		llm, err := f.newLLM(ctx, cfg.Agent().LLM, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to create reasoning provider: %w", err)
			return nil, initializationErr
		}
		components.LLM = llm
		reasoner = reasoning.NewClient(llm, cfg.Agent().Reasoning, components.Metrics, logger)
		logger.Debug("Reasoning client initialized.")
	}

	// 2. Browser.
	b, err := f.launchBrowser(ctx, cfg.Browser(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to start browser: %w", err)
		return nil, initializationErr
	}
	components.Browser = b
	logger.Debug("Browser started.")

	// 3. Session store.
	if cfg.Session().Enabled {
		components.Sessions = session.NewStore(cfg.Session().Dir, logger)
	}
	if opts.BrowserOnly {
		return components, nil
	}

	// 4. Trace recorder, with the optional database index behind it.
	var index trace.Index
	if url := cfg.Trace().PostgresURL; url != "" {
		s, closeFn, err := f.connectIndex(ctx, url, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to connect trace index: %w", err)
			return nil, initializationErr
		}
		components.Index, components.closeIndex = s, closeFn
		index = s
		logger.Debug("Trace index connected.")
	}
	components.Recorder = trace.NewRecorder(cfg.Trace().Dir, index, logger)

	// 5. The loop.
	capturer := capture.New(cfg.Capture(), logger)
	controller, err := agent.New(cfg.Loop(), agent.Dependencies{
		Capturer: capturer,
		Reasoner: reasoner,
		Executor: executor.New(cfg.Executor(), capturer, components.Metrics, logger),
		Recorder: components.Recorder,
		Metrics:  components.Metrics,

		HistoryWindow: cfg.Agent().Reasoning.HistoryWindow,
	}, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create loop controller: %w", err)
		return nil, initializationErr
	}
	components.Agent = controller
	logger.Debug("Loop controller initialized.")

	return components, nil
}

// chromeBrowser adapts *browser.Manager to Browser.
type chromeBrowser struct{ *browser.Manager }

func (c chromeBrowser) Page() SessionPage { return c.Manager.Page() }

func launchChrome(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (Browser, error) {
	m, err := browser.NewManager(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return chromeBrowser{m}, nil
}
