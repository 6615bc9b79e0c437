package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/alfredjeanlab/gados/internal/betarun"
	"github.com/alfredjeanlab/gados/internal/presence"
	"github.com/alfredjeanlab/gados/internal/registry"
	"github.com/alfredjeanlab/gados/internal/store"
	"github.com/alfredjeanlab/gados/internal/ui"
	"github.com/alfredjeanlab/gados/internal/validator"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func printFindings(w io.Writer, findings []validator.Finding) {
	for _, f := range findings {
		line := fmt.Sprintf("%s %s: %s", ui.RenderLevel(f.Level), f.Code, f.Message)
		if f.Artifact != "" {
			line += " " + ui.RenderMuted("("+f.Artifact+")")
		}
		fmt.Fprintln(w, line)
	}
}

func printInbox(w io.Writer, msgs []*store.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No pending messages.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tFROM\tTYPE\tSEVERITY\tATTEMPTS")
	for _, m := range msgs {
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%s\t%d\n",
			m.MessageID,
			m.CreatedAt.Format("2006-01-02 15:04:05"),
			m.FromRole, m.FromAgentID,
			m.Type,
			ui.RenderLevel(m.Severity),
			m.Attempts,
		)
	}
	tw.Flush()
}

func printRuns(w io.Writer, runs []registry.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPROJECT\tENV\tSTATUS\tSTARTED\tFINISHED")
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.ProjectID, r.Environment, r.Status,
			r.StartedAt.Format("2006-01-02 15:04:05"), finished)
	}
	tw.Flush()
}

func printProjects(w io.Writer, projects []registry.Project) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECT\tNAME\tLATEST RUN\tSTATUS")
	for _, p := range projects {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ProjectID, p.ProjectName, p.LatestRun.RunID, p.LatestRun.Status)
	}
	tw.Flush()
}

func printBetaRuns(w io.Writer, runs []betarun.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSCENARIO\tDECISION\tGENERATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.RunID, r.Scenario, ui.RenderDecision(r.Decision), r.GeneratedAtUTC)
	}
	tw.Flush()
}

func printRoster(w io.Writer, agents []presence.Entry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROLE\tAGENT\tLAST SEEN\tIDLE\tBEATS\tSTATE")
	for _, a := range agents {
		state := "alive"
		if a.Dead {
			state = "dead"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0fs\t%d\t%s\n",
			a.Role, a.AgentID, a.LastSeen.Format("2006-01-02 15:04:05"), a.IdleSecs, a.BeatCount, state)
	}
	tw.Flush()
}
