package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/session"
	"github.com/xkilldash9x/webpilot/internal/store"
	"github.com/xkilldash9x/webpilot/internal/trace"
)

// SessionPage is a page that can also save and restore login state.
type SessionPage interface {
	schemas.Page
	ApplyStorageState(ctx context.Context, state *schemas.StorageState) error
	CaptureStorageState(ctx context.Context) (*schemas.StorageState, error)
}

// Browser owns the single page a run drives.
type Browser interface {
	Page() SessionPage
	Shutdown(ctx context.Context) error
}

// Components holds everything a command needs for one run and releases it
// in Shutdown.
type Components struct {
	Config   config.Interface
	Metrics  *observability.Metrics
	Browser  Browser
	Sessions *session.Store    // nil when sessions are disabled.
	LLM      schemas.LLMClient // nil when the caller supplied its own reasoner.
	Index    *store.Store      // nil unless trace.postgres_url is set.
	Recorder *trace.Recorder
	Agent    *agent.Controller

	logger     *zap.Logger
	closeIndex func()
}

// Page is the browser's page.
func (c *Components) Page() SessionPage { return c.Browser.Page() }

// RestoreSession applies any saved login state for url's host. It must run
// before the first navigation to url.
func (c *Components) RestoreSession(ctx context.Context, url string) error {
	if c.Sessions == nil || url == "" {
		return nil
	}
	state, err := c.Sessions.Load(url)
	if err != nil {
		return err
	}
	if state.IsEmpty() {
		return nil
	}
	return c.Page().ApplyStorageState(ctx, state)
}

// SaveSession stores the page's current login state under url's host.
func (c *Components) SaveSession(ctx context.Context, url string) error {
	if c.Sessions == nil {
		return errors.New("sessions are disabled (session.enabled)")
	}
	state, err := c.Page().CaptureStorageState(ctx)
	if err != nil {
		return err
	}
	return c.Sessions.Save(url, state)
}

// Shutdown releases components in reverse order of creation. It is safe on a
// partially built value.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.Debug("Beginning components shutdown sequence.")

	if c.LLM != nil {
		if err := c.LLM.Close(); err != nil {
			logger.Warn("Error closing reasoning provider.", zap.Error(err))
		}
	}

	if c.Browser != nil {
		// The run context may already be cancelled; give the browser its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Browser.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser shut down.")
		}
	}

	if c.closeIndex != nil {
		c.closeIndex()
		logger.Debug("Trace index connection closed.")
	}
}
