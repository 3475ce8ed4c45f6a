// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. WEBPILOT_LOOP_MAX_ITERATIONS.
const EnvPrefix = "WEBPILOT"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Capture() CaptureConfig
	Executor() ExecutorConfig
	Loop() LoopConfig
	Agent() AgentConfig
	Trace() TraceConfig
	Session() SessionConfig
	Metrics() MetricsConfig
	Run() RunConfig

	// Browser Setters
	SetBrowserHeadless(bool)

	// Loop Setters
	SetLoopMaxIterations(int)

	// Trace Setters
	SetTraceDir(string)

	// Metrics Setters
	SetMetricsListenAddr(string)
}

// Config holds the entire application configuration. Fields are exported for
// viper's decoder; everything else goes through the Interface getters.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	CaptureCfg  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	ExecutorCfg ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	LoopCfg     LoopConfig     `mapstructure:"loop" yaml:"loop"`
	AgentCfg    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	TraceCfg    TraceConfig    `mapstructure:"trace" yaml:"trace"`
	SessionCfg  SessionConfig  `mapstructure:"session" yaml:"session"`
	MetricsCfg  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	RunCfg      RunConfig      `mapstructure:"run" yaml:"run"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Capture() CaptureConfig { return c.CaptureCfg }
func (c *Config) Executor() ExecutorConfig { return c.ExecutorCfg }
func (c *Config) Loop() LoopConfig { return c.LoopCfg }
func (c *Config) Agent() AgentConfig { return c.AgentCfg }
func (c *Config) Trace() TraceConfig { return c.TraceCfg }
func (c *Config) Session() SessionConfig { return c.SessionCfg }
func (c *Config) Metrics() MetricsConfig { return c.MetricsCfg }
func (c *Config) Run() RunConfig { return c.RunCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }
func (c *Config) SetLoopMaxIterations(n int) { c.LoopCfg.MaxIterations = n }
func (c *Config) SetTraceDir(dir string) { c.TraceCfg.Dir = dir }
func (c *Config) SetMetricsListenAddr(a string) { c.MetricsCfg.ListenAddr = a }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chrome instance driven by chromedp.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	Debug             bool           `mapstructure:"debug" yaml:"debug"`
}

// ViewportConfig is the window size in CSS pixels.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// CaptureConfig tunes the state capturer.
type CaptureConfig struct {
	MaxTextChars      int           `mapstructure:"max_text_chars" yaml:"max_text_chars"`
	SettleQuietPeriod time.Duration `mapstructure:"settle_quiet_period" yaml:"settle_quiet_period"`
	SettleTimeout     time.Duration `mapstructure:"settle_timeout" yaml:"settle_timeout"` // Hard ceiling on the settle wait.
	ExtractTimeout    time.Duration `mapstructure:"extract_timeout" yaml:"extract_timeout"`
}

// ExecutorConfig tunes the action executor.
type ExecutorConfig struct {
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	WaitDuration  time.Duration `mapstructure:"wait_duration" yaml:"wait_duration"`
	MaxWait       time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
}

// LoopConfig bounds the control loop.
type LoopConfig struct {
	MaxIterations               int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	StallThreshold              int           `mapstructure:"stall_threshold" yaml:"stall_threshold"`
	FailureThreshold            int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	PersistenceFailureThreshold int           `mapstructure:"persistence_failure_threshold" yaml:"persistence_failure_threshold"`
	StepDelay                   time.Duration `mapstructure:"step_delay" yaml:"step_delay"`
}

// AgentConfig holds settings related to the reasoning side of the loop.
type AgentConfig struct {
	LLM       LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
	Reasoning ReasoningConfig `mapstructure:"reasoning" yaml:"reasoning"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
	ProviderOllama LLMProvider = "ollama"
)

// LLMRouterConfig configures the model routing logic. The default model
// fields name entries in Models.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP        float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK        int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// ReasoningConfig tunes prompt construction and decision repair.
type ReasoningConfig struct {
	PromptTextChars   int           `mapstructure:"prompt_text_chars" yaml:"prompt_text_chars"`
	HistoryWindow     int           `mapstructure:"history_window" yaml:"history_window"`
	MaxRepairAttempts int           `mapstructure:"max_repair_attempts" yaml:"max_repair_attempts"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	AttachScreenshot  bool          `mapstructure:"attach_screenshot" yaml:"attach_screenshot"`
	Temperature       float64       `mapstructure:"temperature" yaml:"temperature"`
}

// TraceConfig controls where run traces go.
type TraceConfig struct {
	Dir         string `mapstructure:"dir" yaml:"dir"`
	PostgresURL string `mapstructure:"postgres_url" yaml:"-"`
}

// SessionConfig controls the storage-state files reused across runs.
type SessionConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	// SaveAfterRun stores the page's login state once a run ends, so
	// refreshed cookies and tokens carry over to the next run.
	SaveAfterRun bool `mapstructure:"save_after_run" yaml:"save_after_run"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	Namespace  string `mapstructure:"namespace" yaml:"namespace"`
}

// SiteRule maps a keyword found in a goal to a start URL.
type SiteRule struct {
	Keyword string `mapstructure:"keyword" yaml:"keyword"`
	URL     string `mapstructure:"url" yaml:"url"`
}

// RunConfig holds defaults for the run command.
type RunConfig struct {
	DefaultURL string     `mapstructure:"default_url" yaml:"default_url"`
	SiteRules  []SiteRule `mapstructure:"site_rules" yaml:"site_rules"`
}

// StartURLFor picks the first rule whose keyword appears in the goal.
func (r RunConfig) StartURLFor(goal string) string {
	lower := strings.ToLower(goal)
	for _, rule := range r.SiteRules {
		if rule.Keyword != "" && strings.Contains(lower, strings.ToLower(rule.Keyword)) {
			return rule.URL
		}
	}
	return r.DefaultURL
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "webpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 900)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.debug", false)

	// -- Capture --
	v.SetDefault("capture.max_text_chars", 8000)
	v.SetDefault("capture.settle_quiet_period", "500ms")
	v.SetDefault("capture.settle_timeout", "5s")
	v.SetDefault("capture.extract_timeout", "5s")

	// -- Executor --
	v.SetDefault("executor.action_timeout", "4s")
	v.SetDefault("executor.wait_duration", "2s")
	v.SetDefault("executor.max_wait", "10s")

	// -- Loop --
	v.SetDefault("loop.max_iterations", 30)
	v.SetDefault("loop.stall_threshold", 3)
	v.SetDefault("loop.failure_threshold", 3)
	v.SetDefault("loop.persistence_failure_threshold", 3)
	v.SetDefault("loop.step_delay", "1500ms")

	// -- Agent --
	v.SetDefault("agent.llm.default_fast_model", "fast")
	v.SetDefault("agent.llm.default_powerful_model", "powerful")
	v.SetDefault("agent.llm.models.fast.provider", string(ProviderGemini))
	v.SetDefault("agent.llm.models.fast.model", "gemini-2.5-flash")
	v.SetDefault("agent.llm.models.fast.api_timeout", "60s")
	v.SetDefault("agent.llm.models.fast.temperature", 0.2)
	v.SetDefault("agent.llm.models.fast.max_tokens", 1024)
	v.SetDefault("agent.llm.models.powerful.provider", string(ProviderGemini))
	v.SetDefault("agent.llm.models.powerful.model", "gemini-2.5-pro")
	v.SetDefault("agent.llm.models.powerful.api_timeout", "120s")
	v.SetDefault("agent.llm.models.powerful.temperature", 0.2)
	v.SetDefault("agent.llm.models.powerful.max_tokens", 2048)

	v.SetDefault("agent.reasoning.prompt_text_chars", 6000)
	v.SetDefault("agent.reasoning.history_window", 5)
	v.SetDefault("agent.reasoning.max_repair_attempts", 2)
	v.SetDefault("agent.reasoning.request_timeout", "60s")
	v.SetDefault("agent.reasoning.requests_per_second", 1.0)
	v.SetDefault("agent.reasoning.burst", 2)
	v.SetDefault("agent.reasoning.attach_screenshot", true)
	v.SetDefault("agent.reasoning.temperature", 0.2)

	// -- Trace --
	v.SetDefault("trace.dir", "traces")
	v.SetDefault("trace.postgres_url", "")

	// -- Session --
	v.SetDefault("session.enabled", true)
	v.SetDefault("session.dir", "~/.webpilot/sessions")
	v.SetDefault("session.save_after_run", true)

	// -- Metrics --
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("metrics.namespace", "webpilot")

	// -- Run --
	v.SetDefault("run.default_url", "https://google.com")
	v.SetDefault("run.site_rules", []map[string]string{
		{"keyword": "linear", "url": "https://linear.app/"},
		{"keyword": "notion", "url": "https://www.notion.so/"},
	})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are only ever read from the environment.
	_ = v.BindEnv("agent.llm.models.fast.api_key", EnvPrefix+"_FAST_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("agent.llm.models.powerful.api_key", EnvPrefix+"_POWERFUL_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("trace.postgres_url", EnvPrefix+"_TRACE_POSTGRES_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.SessionCfg.Dir, &c.TraceCfg.Dir, &c.LoggerCfg.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("could not expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.CaptureCfg.Validate(); err != nil {
		return err
	}
	if err := c.ExecutorCfg.Validate(); err != nil {
		return err
	}
	if err := c.LoopCfg.Validate(); err != nil {
		return err
	}
	if err := c.AgentCfg.Reasoning.Validate(); err != nil {
		return err
	}
	if err := c.AgentCfg.LLM.Validate(); err != nil {
		return fmt.Errorf("agent.llm configuration invalid: %w", err)
	}
	if c.TraceCfg.Dir == "" {
		return fmt.Errorf("trace.dir is a required configuration field")
	}
	return nil
}

// Validate checks the capture settings.
func (c *CaptureConfig) Validate() error {
	if c.MaxTextChars <= 0 {
		return fmt.Errorf("capture.max_text_chars must be a positive integer")
	}
	if c.SettleTimeout <= 0 || c.ExtractTimeout <= 0 {
		return fmt.Errorf("capture.settle_timeout and capture.extract_timeout must be positive durations")
	}
	if c.SettleQuietPeriod < 0 || c.SettleQuietPeriod > c.SettleTimeout {
		return fmt.Errorf("capture.settle_quiet_period must be between 0 and capture.settle_timeout")
	}
	return nil
}

// Validate checks the executor settings.
func (e *ExecutorConfig) Validate() error {
	if e.ActionTimeout <= 0 {
		return fmt.Errorf("executor.action_timeout must be a positive duration")
	}
	if e.WaitDuration < 0 || e.MaxWait < e.WaitDuration {
		return fmt.Errorf("executor.max_wait must be at least executor.wait_duration")
	}
	return nil
}

// Validate checks the loop bounds.
func (l *LoopConfig) Validate() error {
	if l.MaxIterations <= 0 {
		return fmt.Errorf("loop.max_iterations must be a positive integer")
	}
	if l.StallThreshold < 2 {
		return fmt.Errorf("loop.stall_threshold must be at least 2")
	}
	if l.FailureThreshold <= 0 {
		return fmt.Errorf("loop.failure_threshold must be a positive integer")
	}
	if l.PersistenceFailureThreshold <= 0 {
		return fmt.Errorf("loop.persistence_failure_threshold must be a positive integer")
	}
	if l.StepDelay < 0 {
		return fmt.Errorf("loop.step_delay must not be negative")
	}
	return nil
}

// Validate checks the reasoning settings.
func (r *ReasoningConfig) Validate() error {
	if r.PromptTextChars <= 0 {
		return fmt.Errorf("agent.reasoning.prompt_text_chars must be a positive integer")
	}
	if r.HistoryWindow < 0 || r.MaxRepairAttempts < 0 {
		return fmt.Errorf("agent.reasoning.history_window and max_repair_attempts must not be negative")
	}
	if r.RequestTimeout <= 0 {
		return fmt.Errorf("agent.reasoning.request_timeout must be a positive duration")
	}
	if r.RequestsPerSecond < 0 {
		return fmt.Errorf("agent.reasoning.requests_per_second must not be negative")
	}
	return nil
}

// Validate checks that both default models resolve to a configured model.
func (r *LLMRouterConfig) Validate() error {
	for _, name := range []string{r.DefaultFastModel, r.DefaultPowerfulModel} {
		m, ok := r.Models[name]
		if !ok {
			return fmt.Errorf("default model %q is not defined in models", name)
		}
		switch m.Provider {
		case ProviderGemini, ProviderOpenAI, ProviderOllama:
		default:
			return fmt.Errorf("model %q has unsupported provider %q", name, m.Provider)
		}
		if m.Model == "" {
			return fmt.Errorf("model %q is missing a model name", name)
		}
	}
	return nil
}
