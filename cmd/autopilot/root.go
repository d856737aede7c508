package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/autopilot/internal/daemon"
	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/setup"
	"github.com/msageha/autopilot/internal/uds"
)

// globals holds flags shared by every subcommand.
type globals struct {
	dir string
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:          "autopilot",
		Short:        "Autonomous decision and workflow agent",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.dir, "dir", "", "autopilot directory (default: nearest .autopilot/ above the working directory)")

	root.AddCommand(
		newInitCommand(),
		newDaemonCommand(g),
		newPredictCommand(g),
		newLearnCommand(g),
		newMetricsCommand(g),
		newWorkflowsCommand(g),
		newDecisionOutcomeCommand(g),
		newStatusCommand(g),
		newStopCommand(g),
		newVersionCommand(),
	)
	return root
}

// autopilotDir resolves the --dir flag or searches upward from the working directory.
func (g *globals) autopilotDir() (string, error) {
	if g.dir != "" {
		return filepath.Abs(g.dir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	dir, ok := setup.FindDir(wd)
	if !ok {
		return "", fmt.Errorf("%s/ directory not found. Run 'autopilot init <dir>' first", setup.DirName)
	}
	return dir, nil
}

func (g *globals) loadConfig(path string) (string, model.Config, error) {
	dir, err := g.autopilotDir()
	if err != nil {
		return "", model.Config{}, err
	}
	if path == "" {
		path = filepath.Join(dir, "config.yaml")
	}
	cfg, err := model.LoadConfig(path)
	if err != nil {
		return "", model.Config{}, err
	}
	return dir, cfg, nil
}

func (g *globals) client() (*uds.Client, error) {
	dir, cfg, err := g.loadConfig("")
	if err != nil {
		return nil, err
	}
	return uds.NewClient(daemon.ResolveSocket(dir, cfg)), nil
}

// call sends a command to the running daemon and prints the response data
// to cmd's output.
func (g *globals) call(cmd *cobra.Command, command string, params any) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	var out any
	if err := c.CallContext(cmd.Context(), command, params, &out); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// parseObject decodes an optional JSON object flag value.
func parseObject(flag, raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return m, nil
}
