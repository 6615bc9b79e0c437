package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gados/internal/client"
	"github.com/alfredjeanlab/gados/internal/registry"
)

var runsCmd = &cobra.Command{
	Use:     "runs",
	Short:   "Register and list delivery runs",
	GroupID: "remote",
}

func parseDetails(cmd *cobra.Command) (map[string]any, error) {
	raw, _ := cmd.Flags().GetString("details")
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid --details: %w", err)
	}
	return m, nil
}

var runsStartCmd = &cobra.Command{
	Use:   "start <project-id>",
	Short: "Register a running run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := registry.StartRequest{ProjectID: args[0]}
		req.ProjectName, _ = cmd.Flags().GetString("name")
		req.Environment, _ = cmd.Flags().GetString("env")
		req.CorrelationID, _ = cmd.Flags().GetString("correlation-id")
		req.TriggeredBy, _ = cmd.Flags().GetString("triggered-by")
		labels, _ := cmd.Flags().GetStringToString("label")
		if len(labels) > 0 {
			req.Labels = make(map[string]any, len(labels))
			for k, v := range labels {
				req.Labels[k] = v
			}
		}
		var err error
		if req.Details, err = parseDetails(cmd); err != nil {
			return err
		}

		run, err := apiClient.StartRun(cmd.Context(), req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), run)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Started %s (%s/%s)\n", run.RunID, run.ProjectID, run.Environment)
		return nil
	},
}

var runsCompleteCmd = &cobra.Command{
	Use:   "complete <run-id>",
	Short: "Finish a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := registry.CompleteRequest{}
		req.Status, _ = cmd.Flags().GetString("status")
		req.FinishedBy, _ = cmd.Flags().GetString("finished-by")
		var err error
		if req.Details, err = parseDetails(cmd); err != nil {
			return err
		}

		run, err := apiClient.CompleteRun(cmd.Context(), args[0], req)
		if client.IsNotFound(err) {
			return fmt.Errorf("no run %q", args[0])
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), run)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", run.RunID, run.Status)
		return nil
	},
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		limit, _ := cmd.Flags().GetInt("limit")
		beta, _ := cmd.Flags().GetBool("beta")

		out := cmd.OutOrStdout()
		if beta {
			runs, err := apiClient.BetaRuns(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, runs)
			}
			printBetaRuns(out, runs)
			return nil
		}

		runs, err := apiClient.ListRuns(cmd.Context(), project, limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(out, runs)
		}
		printRuns(out, runs)
		return nil
	},
}

var runsProjectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects with their latest run",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		projects, err := apiClient.ListProjects(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), projects)
		}
		printProjects(cmd.OutOrStdout(), projects)
		return nil
	},
}

func init() {
	runsStartCmd.Flags().String("name", "", "project display name")
	runsStartCmd.Flags().String("env", "", "environment (default: beta)")
	runsStartCmd.Flags().String("correlation-id", "", "correlation id")
	runsStartCmd.Flags().String("triggered-by", "", "who triggered the run")
	runsStartCmd.Flags().StringToString("label", nil, "label key=value (repeatable)")
	runsStartCmd.Flags().String("details", "", "JSON object details")

	runsCompleteCmd.Flags().String("status", registry.StatusSucceeded, "succeeded, failed or cancelled")
	runsCompleteCmd.Flags().String("finished-by", "", "who finished the run")
	runsCompleteCmd.Flags().String("details", "", "JSON object details merged into the run")

	runsListCmd.Flags().String("project", "", "filter by project id")
	runsListCmd.Flags().Int("limit", 50, "maximum runs")
	runsListCmd.Flags().Bool("beta", false, "list recorded beta scenario runs instead")

	runsProjectsCmd.Flags().Int("limit", 50, "maximum projects")

	runsCmd.AddCommand(runsStartCmd, runsCompleteCmd, runsListCmd, runsProjectsCmd)
}
