package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/voltagent/voltagent/internal/agent"
	"github.com/voltagent/voltagent/internal/balancer"
	"github.com/voltagent/voltagent/internal/config"
	"github.com/voltagent/voltagent/internal/orchestrator"
	"github.com/voltagent/voltagent/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yaml>",
	Short: "Check a workflow definition for cycles and unknown dependencies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := workflow.LoadDefinitionFile(args[0])
		if err != nil {
			printError("parse failed: %v", err)
			return err
		}
		mgr := workflow.New(workflow.DefaultConfig(), nil, nil)
		if err := mgr.Register(def); err != nil {
			printError("invalid workflow: %v", err)
			return err
		}
		printSuccess("workflow %q is valid (%d steps)", def.ID, len(def.Steps))
		return nil
	},
}

var (
	runInputs  []string
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Execute a workflow with locally registered agents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)
		cfg.Coord.DrainInterval = 25 * time.Millisecond

		def, err := workflow.LoadDefinitionFile(args[0])
		if err != nil {
			return err
		}

		orch, err := orchestrator.New(cfg)
		if err != nil {
			return err
		}
		ctx := context.Background()
		if err := orch.Start(ctx); err != nil {
			return err
		}
		defer orch.Stop(ctx)

		for _, id := range agentIDs(def) {
			echo := agent.NewScripted(id, id)
			if err := orch.RegisterAgent(echo, balancer.RegisterOptions{}); err != nil {
				return err
			}
		}

		if err := orch.RegisterWorkflow(def); err != nil {
			return err
		}

		input := map[string]any{}
		for _, kv := range runInputs {
			k, v, found := strings.Cut(kv, "=")
			if !found {
				return fmt.Errorf("invalid --input %q, want key=value", kv)
			}
			input[k] = v
		}

		printHeader("⚡ VoltAgent Run")
		execID, err := orch.ExecuteWorkflow(def.ID, input)
		if err != nil {
			return err
		}
		fmt.Printf("Execution: %s\n", execID)

		ex, err := orch.Workflows().Wait(execID, runTimeout)
		if err != nil {
			return err
		}
		printExecution(ex)
		if ex.Status != workflow.StatusCompleted {
			return fmt.Errorf("workflow finished %s", ex.Status)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringArrayVar(&runInputs, "input", nil, "workflow input as key=value (repeatable)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 5*time.Minute, "how long to wait for completion")
}

// agentIDs collects every agent named in step params, sorted.
func agentIDs(def workflow.Definition) []string {
	seen := map[string]struct{}{}
	for _, step := range def.Steps {
		if id, ok := step.Params["agent"].(string); ok && id != "" {
			seen[id] = struct{}{}
		}
		if id, ok := step.Params["source"].(string); ok && id != "" {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func printExecution(ex workflow.Execution) {
	switch ex.Status {
	case workflow.StatusCompleted:
		printSuccess("workflow completed in %s", ex.EndTime.Sub(ex.StartTime).Truncate(time.Millisecond))
	default:
		printError("workflow %s: %s", ex.Status, ex.Error)
	}
	ids := make([]string, 0, len(ex.Results))
	for id := range ex.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		res := ex.Results[id]
		label := color.GreenString("ok")
		switch res.Status {
		case workflow.StepFailed:
			label = color.RedString("failed")
		case workflow.StepSkipped:
			label = color.YellowString("skipped")
		}
		fmt.Printf("  %-20s %s", id, label)
		if res.Output != nil {
			fmt.Printf("  %v", res.Output)
		}
		if res.Error != "" {
			fmt.Printf("  %s", res.Error)
		}
		fmt.Println()
	}
}
