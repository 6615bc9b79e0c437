package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gados/internal/betarun"
	"github.com/alfredjeanlab/gados/internal/scenario"
	"github.com/alfredjeanlab/gados/internal/ui"
)

// printRun reports where a scenario wrote its evidence.
func printRun(w io.Writer, summary string, run betarun.Result) {
	fmt.Fprintln(w, summary)
	fmt.Fprintf(w, "Run:      %s\n", run.RunID)
	fmt.Fprintf(w, "Decision: %s\n", run.DecisionRel)
}

var guardrailCmd = &cobra.Command{
	Use:     "guardrail",
	Short:   "Record simulated spend and escalate budget thresholds",
	GroupID: "scenarios",
	RunE: func(cmd *cobra.Command, args []string) error {
		budget, _ := cmd.Flags().GetFloat64("budget")
		stepsRaw, _ := cmd.Flags().GetString("steps")
		scope, _ := cmd.Flags().GetString("scope")

		var steps []float64
		if strings.TrimSpace(stepsRaw) != "" {
			var err error
			if steps, err = scenario.ParseSteps(stepsRaw); err != nil {
				return fmt.Errorf("invalid --steps: %w", err)
			}
		}

		ws, err := openWorkspace(cmd.Context())
		if err != nil {
			return err
		}
		defer ws.Close()

		res, err := ws.scenarios.Guardrail(cmd.Context(), scenario.GuardrailInput{
			BudgetUSD: budget,
			StepsUSD:  steps,
			ScopeID:   scope,
		})
		if err != nil {
			return err
		}
		run, err := ws.scenarios.WriteGuardrailRun(cmd.Context(), res)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{"result": res, "run": run})
		}
		summary := fmt.Sprintf("Spent $%.2f of $%.2f", res.SpendUSD, res.BudgetUSD)
		if res.Threshold != "" {
			summary += " " + ui.RenderLevel(scenario.ThresholdSeverity(res.Threshold)) + " " + res.Threshold
		}
		if res.EscalationRel != "" {
			summary += "\nEscalation: " + res.EscalationRel
		}
		printRun(out, summary, run)
		return nil
	},
}

var driftCmd = &cobra.Command{
	Use:     "drift",
	Short:   "Compare the environment against the approved policy baseline",
	GroupID: "scenarios",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseline, _ := cmd.Flags().GetString("baseline")

		ws, err := openWorkspace(cmd.Context())
		if err != nil {
			return err
		}
		defer ws.Close()

		res, err := ws.scenarios.Drift(cmd.Context(), baseline, "")
		if err != nil {
			return err
		}
		run, err := ws.scenarios.WriteDriftRun(cmd.Context(), res)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{"result": res, "run": run})
		}
		summary := "No policy drift."
		if len(res.Drifts) > 0 {
			var b strings.Builder
			fmt.Fprintf(&b, "%d drift(s), max severity %s", len(res.Drifts), res.MaxSeverity)
			for _, d := range res.Drifts {
				fmt.Fprintf(&b, "\n  %s: expected %s, got %s (%s)", d.Key, d.Expected, d.Actual, d.Severity)
			}
			b.WriteString("\nReport: " + res.ReportRel)
			summary = b.String()
		}
		printRun(out, summary, run)
		return nil
	},
}

var slaCmd = &cobra.Command{
	Use:     "sla",
	Short:   "Check an agent's heartbeat age and bus latency against SLAs",
	GroupID: "scenarios",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		agentID, _ := cmd.Flags().GetString("agent-id")
		hbSLA, _ := cmd.Flags().GetDuration("heartbeat-sla")
		latSLA, _ := cmd.Flags().GetDuration("latency-sla")

		ws, err := openWorkspace(cmd.Context())
		if err != nil {
			return err
		}
		defer ws.Close()

		res, err := ws.scenarios.SLA(cmd.Context(), scenario.SLAInput{
			Role:         role,
			AgentID:      agentID,
			HeartbeatSLA: hbSLA,
			LatencySLA:   latSLA,
		})
		if err != nil {
			return err
		}
		run, err := ws.scenarios.WriteSLARun(cmd.Context(), res)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{"result": res, "run": run})
		}
		summary := fmt.Sprintf("%s/%s within SLA (latency %.2fms)", res.Role, res.AgentID, res.LatencyMS)
		if res.Breached {
			summary = fmt.Sprintf("%s %s/%s: %s\nReport: %s",
				ui.RenderLevel("CRITICAL"), res.Role, res.AgentID, strings.Join(res.Reasons, ", "), res.ReportRel)
		}
		printRun(out, summary, run)
		return nil
	},
}

var heartbeatCmd = &cobra.Command{
	Use:     "heartbeat",
	Short:   "Record a heartbeat for an agent",
	GroupID: "scenarios",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		agentID, _ := cmd.Flags().GetString("agent-id")

		ws, err := openWorkspace(cmd.Context())
		if err != nil {
			return err
		}
		defer ws.Close()

		if err := ws.scenarios.Beat(cmd.Context(), role, agentID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Heartbeat recorded for %s/%s\n", role, agentID)
		return nil
	},
}

func init() {
	guardrailCmd.Flags().Float64("budget", 10, "daily budget in USD")
	guardrailCmd.Flags().String("steps", "", "comma separated spend steps in USD (default: 40%, 40%, 30% of budget)")
	guardrailCmd.Flags().String("scope", "", "budget scope id (default: the UTC day)")

	driftCmd.Flags().String("baseline", scenario.DefaultBaselineRel, "policy baseline relative to the project root")

	slaCmd.Flags().String("role", "CoordinationAgent", "agent role")
	slaCmd.Flags().String("agent-id", "CA-1", "agent id")
	slaCmd.Flags().Duration("heartbeat-sla", scenario.DefaultHeartbeatSLA, "maximum heartbeat age")
	slaCmd.Flags().Duration("latency-sla", scenario.DefaultLatencySLA, "maximum inbox probe latency")

	heartbeatCmd.Flags().String("role", "CoordinationAgent", "agent role")
	heartbeatCmd.Flags().String("agent-id", "CA-1", "agent id")
}
