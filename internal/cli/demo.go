package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/voltagent/voltagent/internal/agent"
	"github.com/voltagent/voltagent/internal/balancer"
	"github.com/voltagent/voltagent/internal/bus"
	"github.com/voltagent/voltagent/internal/config"
	"github.com/voltagent/voltagent/internal/coord"
	"github.com/voltagent/voltagent/internal/orchestrator"
	"github.com/voltagent/voltagent/internal/workflow"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted two-agent workflow to exercise the stack",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		cfg.Persistence.Backend = "none"
		cfg.Coord.DrainInterval = 25 * time.Millisecond
		setupLogging(cfg)

		orch, err := orchestrator.New(cfg)
		if err != nil {
			return err
		}
		ctx := context.Background()
		if err := orch.Start(ctx); err != nil {
			return err
		}
		defer orch.Stop(ctx)

		printHeader("⚡ VoltAgent Demo")

		orch.Events().Subscribe("coordination.*", func(ev bus.Event) error {
			fmt.Printf("  event %-28s source=%s\n", ev.Type, ev.Source)
			return nil
		})

		researcher := agent.NewScripted("researcher", "researcher",
			agent.WithResponse("collect facts about electric grids", "grids balance supply and demand in real time"))
		writer := agent.NewScripted("writer", "writer")
		if err := orch.RegisterAgent(researcher, balancer.RegisterOptions{Capabilities: []string{"research"}}); err != nil {
			return err
		}
		if err := orch.RegisterAgent(writer, balancer.RegisterOptions{Capabilities: []string{"writing"}}); err != nil {
			return err
		}

		def := workflow.Definition{
			ID:   "demo-brief",
			Name: "Research brief",
			Steps: []workflow.Step{
				{ID: "research", Params: map[string]any{
					"agent": "researcher",
					"task":  "collect facts about electric grids",
				}},
				{ID: "compose", DependsOn: []string{"research"}, Params: map[string]any{
					"agent": "writer",
					"task":  "write a two-line brief",
				}},
			},
		}
		if err := orch.RegisterWorkflow(def); err != nil {
			return err
		}

		execID, err := orch.ExecuteWorkflow("demo-brief", nil)
		if err != nil {
			return err
		}
		ex, err := orch.Workflows().Wait(execID, 30*time.Second)
		if err != nil {
			return err
		}
		printExecution(ex)

		// One ad-hoc coordination on top of the workflow.
		reqID, err := orch.RequestCoordination(coord.Request{
			SourceAgentID: "writer",
			TargetAgentID: "researcher",
			Mode:          coord.Pipeline,
			Task:          "double-check the brief",
		})
		if err != nil {
			return err
		}
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if s, ok := orch.CoordinationSession(reqID); ok && s.Status == coord.SessionCompleted {
				printSuccess("coordination completed: %s", s.Result)
				break
			}
			time.Sleep(25 * time.Millisecond)
		}

		fmt.Printf("Metrics: %+v\n", orch.Metrics())
		return nil
	},
}
