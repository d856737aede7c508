package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/autopilot/internal/daemon"
	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/setup"
	"github.com/msageha/autopilot/internal/status"
	"github.com/msageha/autopilot/internal/uds"
)

func newInitCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize .autopilot/ with a default config and sample workflows",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			base, err := setup.Run(dir, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", base)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Agent name (default: directory name)")
	return cmd
}

func newDaemonCommand(g *globals) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the agent daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, cfg, err := g.loadConfig(configPath)
			if err != nil {
				return err
			}
			d, err := daemon.New(dir, cfg)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			return d.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Config file (default: <dir>/config.yaml)")
	return cmd
}

func newPredictCommand(g *globals) *cobra.Command {
	var (
		actionType string
		data       string
		priority   int
		deadline   string
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict, decide and, when allowed, execute a business action",
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := buildAction(actionType, data, priority, deadline)
			if err != nil {
				return err
			}
			return g.call(cmd, uds.CmdPredict, uds.PredictParams{Action: action})
		},
	}
	cmd.Flags().StringVar(&actionType, "type", "", "Action type (required)")
	cmd.Flags().StringVar(&data, "data", "", "Action data as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", 0, "Action priority")
	cmd.Flags().StringVar(&deadline, "deadline", "", "Deadline (RFC3339)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func buildAction(actionType, data string, priority int, deadline string) (model.BusinessAction, error) {
	action := model.BusinessAction{Type: actionType, Priority: priority}
	if actionType == "" {
		return action, fmt.Errorf("--type is required")
	}
	m, err := parseObject("data", data)
	if err != nil {
		return action, err
	}
	action.Data = m
	if deadline != "" {
		t, err := time.Parse(time.RFC3339, deadline)
		if err != nil {
			return action, fmt.Errorf("--deadline: %w", err)
		}
		action.Deadline = &t
	}
	return action, nil
}

func newLearnCommand(g *globals) *cobra.Command {
	var (
		action   string
		outcome  string
		context  string
		userID   string
		feedback float64
	)
	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Record an observed interaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			var fb *float64
			if cmd.Flags().Changed("feedback") {
				fb = &feedback
			}
			i, err := buildInteraction(action, outcome, context, userID, fb)
			if err != nil {
				return err
			}
			return g.call(cmd, uds.CmdLearn, uds.LearnParams{Interaction: i})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "Action name (required)")
	cmd.Flags().StringVar(&outcome, "outcome", string(model.OutcomeSuccess), "Outcome: success|failure|partial")
	cmd.Flags().StringVar(&context, "context", "", "Interaction context as a JSON object")
	cmd.Flags().StringVar(&userID, "user", "", "User id")
	cmd.Flags().Float64Var(&feedback, "feedback", 0, "Explicit feedback score")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func buildInteraction(action, outcome, context, userID string, feedback *float64) (model.UserInteraction, error) {
	i := model.UserInteraction{
		UserID:   userID,
		Action:   action,
		Outcome:  model.Outcome(outcome),
		Feedback: feedback,
	}
	if !i.Outcome.Valid() {
		return i, fmt.Errorf("--outcome: unknown outcome %q", outcome)
	}
	m, err := parseObject("context", context)
	if err != nil {
		return i, err
	}
	i.Context = m
	return i, nil
}

func newMetricsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show agent, learning, decision and workflow metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, uds.CmdMetrics, nil)
		},
	}
}

func newWorkflowsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List loaded workflows, their metrics and suggested chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, uds.CmdWorkflows, nil)
		},
	}
}

func newDecisionOutcomeCommand(g *globals) *cobra.Command {
	var (
		id      string
		correct bool
		actual  string
	)
	cmd := &cobra.Command{
		Use:   "decision-outcome",
		Short: "Report whether a past decision was correct",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, uds.CmdDecisionOutcome, uds.DecisionOutcomeParams{
				DecisionID:    id,
				WasCorrect:    correct,
				ActualOutcome: actual,
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Decision id (required)")
	cmd.Flags().BoolVar(&correct, "correct", false, "The decision was correct")
	cmd.Flags().StringVar(&actual, "actual", "", "Observed outcome")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newStatusCommand(g *globals) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon liveness and workflow file validity",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, cfg, err := g.loadConfig("")
			if err != nil {
				return err
			}
			return status.Run(cmd.OutOrStdout(), status.PathsFor(dir, cfg), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newStopCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running daemon to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, uds.CmdShutdown, nil)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autopilot %s\n", version)
		},
	}
}
