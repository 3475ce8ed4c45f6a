package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/service"
	"github.com/xkilldash9x/webpilot/internal/trace"
)

func newReplayCmd() *cobra.Command {
	var (
		startURL  string
		success   successFlags
		overrides overrideFlags
	)

	replayCmd := &cobra.Command{
		Use:   "replay <run-dir>",
		Short: "Replay the decisions of a recorded run against a live page",
		Long: `Replay feeds the decisions stored in a trace directory back through the
loop in their original order, without calling a model. The replay is itself
recorded as a new run. When the recording runs out the replay aborts.

Without success flags the replay uses the success check the recorded run
was started with.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			overrides.apply(cmd, cfg)

			recorded, err := trace.Load(args[0])
			if err != nil {
				return err
			}
			if len(recorded.Decisions()) == 0 {
				return fmt.Errorf("trace %s has no recorded decisions", args[0])
			}

			criteria := success.criteria()
			if !success.set(cmd) && recorded.Run.Success != nil {
				criteria = *recorded.Run.Success
			}
			predicate, err := agent.PredicateFor(criteria)
			if err != nil {
				return err
			}
			if startURL == "" {
				startURL = recorded.Run.StartURL
			}

			observability.GetLogger().Info("Replaying recorded run.",
				zap.String("recorded_run", recorded.Run.RunID),
				zap.Int("decisions", len(recorded.Decisions())))

			task := agent.Task{Goal: recorded.Run.Goal, StartURL: startURL, Criteria: criteria, Success: predicate}
			opts := service.Options{Reasoner: trace.NewReplayer(recorded, observability.GetLogger())}
			return executeRun(cmd.Context(), cmd.OutOrStdout(), cfg, task, opts)
		},
	}

	replayCmd.Flags().StringVar(&startURL, "url", "", "start page (default: the recorded start URL)")
	success.register(replayCmd)
	overrides.register(replayCmd)
	return replayCmd
}
