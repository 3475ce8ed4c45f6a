// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// -- Page Mock --

// MockPage mocks schemas.Page.
type MockPage struct {
	mock.Mock
}

var _ schemas.Page = (*MockPage)(nil)

func (m *MockPage) Navigate(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *MockPage) URL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) ExtractText(ctx context.Context, maxChars int) (string, error) {
	args := m.Called(ctx, maxChars)
	return args.String(0), args.Error(1)
}

func (m *MockPage) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	var buf []byte
	if b := args.Get(0); b != nil {
		buf = b.([]byte)
	}
	return buf, args.Error(1)
}

func (m *MockPage) WaitForIdle(ctx context.Context, quiet, ceiling time.Duration) (bool, error) {
	args := m.Called(ctx, quiet, ceiling)
	return args.Bool(0), args.Error(1)
}

func (m *MockPage) Find(ctx context.Context, hint string, purpose schemas.TargetPurpose) (schemas.ElementHandle, error) {
	args := m.Called(ctx, hint, purpose)
	return args.Get(0).(schemas.ElementHandle), args.Error(1)
}

func (m *MockPage) Click(ctx context.Context, el schemas.ElementHandle) error {
	args := m.Called(ctx, el)
	return args.Error(0)
}

func (m *MockPage) Type(ctx context.Context, el schemas.ElementHandle, text string) error {
	args := m.Called(ctx, el, text)
	return args.Error(0)
}

func (m *MockPage) ScrollIntoView(ctx context.Context, el schemas.ElementHandle) error {
	args := m.Called(ctx, el)
	return args.Error(0)
}

func (m *MockPage) ScrollViewport(ctx context.Context, dir schemas.ScrollDirection) error {
	args := m.Called(ctx, dir)
	return args.Error(0)
}

// -- LLM Client Mock --

// MockLLMClient mocks schemas.LLMClient.
type MockLLMClient struct {
	mock.Mock
}

var _ schemas.LLMClient = (*MockLLMClient)(nil)

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	args := m.Called()
	return args.Error(0)
}
