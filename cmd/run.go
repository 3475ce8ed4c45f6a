package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/service"
)

// Process exit codes for a finished run.
const (
	ExitSucceeded = 0
	ExitSetup     = 1
	ExitFailed    = 2
	ExitAborted   = 3
)

// ExitError reports a run that ended in a status other than succeeded.
type ExitError struct {
	Code   int
	Status schemas.RunStatus
	Reason string
}

func (e *ExitError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("run %s", e.Status)
	}
	return fmt.Sprintf("run %s: %s", e.Status, e.Reason)
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSucceeded
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitSetup
}

func exitErrorFor(st *agent.RunState) error {
	var code int
	switch st.Status() {
	case schemas.StatusSucceeded:
		return nil
	case schemas.StatusAborted:
		code = ExitAborted
	default:
		code = ExitFailed
	}
	e := &ExitError{Code: code, Status: st.Status()}
	if st.LastError() != nil {
		e.Reason = st.LastError().Error()
	}
	return e
}

// successFlags are the flags that pick a run's success predicate.
type successFlags struct {
	texts []string
	regex string
	all   bool
}

func (f *successFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.texts, "success-text", nil, "text whose presence confirms a done decision (repeatable)")
	cmd.Flags().StringVar(&f.regex, "success-regex", "", "regular expression over the page text that confirms a done decision")
	cmd.Flags().BoolVar(&f.all, "success-all", false, "require every success check instead of any one")
}

func (f *successFlags) criteria() schemas.SuccessCriteria {
	return schemas.SuccessCriteria{Texts: f.texts, Regex: f.regex, All: f.all}
}

// set reports whether any success flag was given on the command line.
func (f *successFlags) set(cmd *cobra.Command) bool {
	for _, name := range []string{"success-text", "success-regex", "success-all"} {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

// predicate builds the success check. Without flags a done decision is only
// accepted once it is repeated on an unchanged page.
func (f *successFlags) predicate() (agent.SuccessPredicate, error) {
	return agent.PredicateFor(f.criteria())
}

// overrideFlags are the config values a command line may override.
type overrideFlags struct {
	maxIterations int
	headless      bool
	metricsAddr   string
}

func (f *overrideFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.maxIterations, "max-iterations", 0, "override loop.max_iterations")
	cmd.Flags().BoolVar(&f.headless, "headless", false, "override browser.headless")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
}

func (f *overrideFlags) apply(cmd *cobra.Command, cfg config.Interface) {
	if cmd.Flags().Changed("max-iterations") {
		cfg.SetLoopMaxIterations(f.maxIterations)
	}
	if cmd.Flags().Changed("headless") {
		cfg.SetBrowserHeadless(f.headless)
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.SetMetricsListenAddr(f.metricsAddr)
	}
}

func newRunCmd() *cobra.Command {
	var (
		startURL  string
		success   successFlags
		overrides overrideFlags
	)

	runCmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Work toward a goal in the browser until it succeeds, fails or aborts",
		Long: `Run opens the start page and repeats observe, decide and act until the
goal is confirmed, a limit is reached or the model gives up.

Exit status is 0 when the run succeeded, 2 when it failed, 3 when it was
aborted and 1 when it could not start.`,
		Example: `  webpilot run "Create a project named AI Test Project in Linear" --success-text "AI Test Project"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			overrides.apply(cmd, cfg)

			predicate, err := success.predicate()
			if err != nil {
				return err
			}

			goal := strings.TrimSpace(strings.Join(args, " "))
			if startURL == "" {
				startURL = cfg.Run().StartURLFor(goal)
			}

			task := agent.Task{Goal: goal, StartURL: startURL, Criteria: success.criteria(), Success: predicate}
			return executeRun(cmd.Context(), cmd.OutOrStdout(), cfg, task, service.Options{})
		},
	}

	runCmd.Flags().StringVar(&startURL, "url", "", "start page (default: chosen from run.site_rules, then run.default_url)")
	success.register(runCmd)
	overrides.register(runCmd)
	return runCmd
}

// executeRun builds the components, runs task and prints the outcome. The
// metrics endpoint, when configured, lives exactly as long as the run.
func executeRun(ctx context.Context, out io.Writer, cfg config.Interface, task agent.Task, opts service.Options) error {
	logger := observability.GetLogger()

	components, err := newFactory().Create(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer components.Shutdown()

	if err := components.RestoreSession(ctx, task.StartURL); err != nil {
		logger.Warn("Could not restore saved session; continuing without it.", zap.Error(err))
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	g, gctx := errgroup.WithContext(runCtx)

	if addr := cfg.Metrics().ListenAddr; addr != "" {
		g.Go(func() error {
			return components.Metrics.Serve(gctx, addr, logger)
		})
	}

	var st *agent.RunState
	g.Go(func() error {
		defer stopRun()
		var err error
		st, err = components.Agent.Run(gctx, components.Page(), task)
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if s := cfg.Session(); s.Enabled && s.SaveAfterRun {
		saveSessionAfterRun(ctx, components, task.StartURL, logger)
	}

	printSummary(out, st, components.Recorder.RunDir())
	return exitErrorFor(st)
}

const sessionSaveTimeout = 10 * time.Second

// saveSessionAfterRun stores the login state the run ended with. A failure is
// logged and never changes the run's outcome.
func saveSessionAfterRun(ctx context.Context, components *service.Components, url string, logger *zap.Logger) {
	if url == "" {
		return
	}
	// The run may have ended through cancellation; the browser is still up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionSaveTimeout)
	defer cancel()
	if err := components.SaveSession(ctx, url); err != nil {
		logger.Warn("Could not save session after run.", zap.String("url", url), zap.Error(err))
		return
	}
	logger.Debug("Session saved after run.", zap.String("url", url))
}

func printSummary(out io.Writer, st *agent.RunState, traceDir string) {
	fmt.Fprintf(out, "Run %s %s after %d iteration(s) in %s.\n",
		st.RunID(), st.Status(), st.Iterations(), st.FinishedAt().Sub(st.StartedAt()).Round(time.Millisecond))
	switch {
	case st.LastError() == nil:
	case st.LastErrorKind() == "":
		fmt.Fprintf(out, "Last error: %v\n", st.LastError())
	default:
		fmt.Fprintf(out, "Last error (%s): %v\n", st.LastErrorKind(), st.LastError())
	}
	fmt.Fprintf(out, "Trace: %s\n", traceDir)
}
