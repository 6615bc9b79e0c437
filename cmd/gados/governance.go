package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gados/internal/artifacts"
	"github.com/alfredjeanlab/gados/internal/config"
	"github.com/alfredjeanlab/gados/internal/events"
	"github.com/alfredjeanlab/gados/internal/notify"
	"github.com/alfredjeanlab/gados/internal/paths"
	"github.com/alfredjeanlab/gados/internal/reporting"
	"github.com/alfredjeanlab/gados/internal/review"
	"github.com/alfredjeanlab/gados/internal/ui"
	"github.com/alfredjeanlab/gados/internal/validator"
)

// loadProject resolves the project layout without opening any store.
func loadProject() (*config.Config, paths.Project, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, paths.Project{}, err
	}
	return cfg, paths.New(cfg.RepoRoot, cfg.GadosRoot), nil
}

var validateCmd = &cobra.Command{
	Use:     "validate",
	Short:   "Check the project tree for governance compliance",
	GroupID: "governance",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, p, err := loadProject()
		if err != nil {
			return err
		}
		findings, err := validator.Validate(p)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		errs, warns := validator.Counts(findings)
		if jsonOutput {
			if err := printJSON(out, map[string]any{"findings": findings, "errors": errs, "warnings": warns}); err != nil {
				return err
			}
		} else {
			printFindings(out, findings)
		}
		if errs > 0 {
			return fmt.Errorf("validation failed: %d error(s), %d warning(s)", errs, warns)
		}
		return nil
	},
}

var reviewCmd = &cobra.Command{
	Use:     "review",
	Short:   "Run the review checks and write a GO/NO-GO evidence pack",
	GroupID: "governance",
	RunE: func(cmd *cobra.Command, args []string) error {
		runKey, _ := cmd.Flags().GetString("run-key")
		checksRel, _ := cmd.Flags().GetString("checks")

		_, p, err := loadProject()
		if err != nil {
			return err
		}
		checks, err := review.LoadChecks(p, checksRel)
		if err != nil {
			return err
		}
		res, err := review.New(p, events.NoopPublisher{}).Run(cmd.Context(), runKey, checks)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			if err := printJSON(out, res); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out, "Run:            %s\n", res.RunID)
			fmt.Fprintf(out, "Recommendation: %s\n", ui.RenderDecision(res.Recommendation))
			fmt.Fprintf(out, "Confidence:     %s\n", res.Confidence)
			fmt.Fprintf(out, "Decision:       %s\n", res.DecisionRel)
			for _, r := range res.BlockedReasons {
				fmt.Fprintf(out, "  blocked: %s\n", r)
			}
		}
		if res.Blocked() {
			return fmt.Errorf("run %s is NO-GO: record an override with 'gados override --run-key %s'", res.RunID, res.RunKey)
		}
		return nil
	},
}

var overrideCmd = &cobra.Command{
	Use:     "override",
	Short:   "Record an accountable human override for a NO-GO run",
	GroupID: "governance",
	RunE: func(cmd *cobra.Command, args []string) error {
		runKey, _ := cmd.Flags().GetString("run-key")
		approvedBy, _ := cmd.Flags().GetString("approved-by")
		role, _ := cmd.Flags().GetString("role")
		reason, _ := cmd.Flags().GetString("reason")

		_, p, err := loadProject()
		if err != nil {
			return err
		}
		rel, created, err := artifacts.CreateOverride(p, artifacts.OverrideInput{
			RunKey:     runKey,
			ApprovedBy: approvedBy,
			Role:       role,
			Reason:     reason,
		}, time.Now())
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(cmd.OutOrStdout(), "Override recorded: %s\n", rel)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Override already exists: %s\n", rel)
		}
		return nil
	},
}

var digestCmd = &cobra.Command{
	Use:     "digest",
	Short:   "Write the daily digest or flush queued notifications",
	GroupID: "governance",
}

var digestRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Write the daily governance digest report",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, p, err := loadProject()
		if err != nil {
			return err
		}
		rel, err := reporting.RunDailyDigest(cmd.Context(), p, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), rel)
		return nil
	},
}

var digestFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Render queued notifications into a digest report",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, p, err := loadProject()
		if err != nil {
			return err
		}
		n := notify.New(notify.Config{
			RuntimeDir: cfg.RuntimeDir,
			ReportsDir: filepath.Join(cfg.GadosRoot, "log", "reports"),
		})
		path, count, err := n.FlushDigest()
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "No queued notifications.")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d notifications)\n", p.Rel(path), count)
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:     "report",
	Short:   "Read project reports",
	GroupID: "governance",
}

var reportShowCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "Render a project markdown artifact in the terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, p, err := loadProject()
		if err != nil {
			return err
		}
		md, err := artifacts.Read(p, args[0])
		if err != nil {
			return err
		}
		rendered, err := ui.RenderMarkdown(md, ui.Width())
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), rendered)
		return nil
	},
}

func init() {
	reviewCmd.Flags().String("run-key", "", "stable key for this review (required)")
	reviewCmd.Flags().String("checks", review.ChecksRel, "checks config relative to the project root")
	_ = reviewCmd.MarkFlagRequired("run-key")

	overrideCmd.Flags().String("run-key", "", "run key of the blocked run (required)")
	overrideCmd.Flags().String("approved-by", "", "accountable human (required)")
	overrideCmd.Flags().String("role", "HumanAuthority", "role of the approver")
	overrideCmd.Flags().String("reason", "", "why the run may proceed (required)")
	for _, f := range []string{"run-key", "approved-by", "reason"} {
		_ = overrideCmd.MarkFlagRequired(f)
	}

	digestCmd.AddCommand(digestRunCmd, digestFlushCmd)
	reportCmd.AddCommand(reportShowCmd)
}
