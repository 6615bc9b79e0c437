package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gados/internal/client"
	"github.com/alfredjeanlab/gados/internal/ui"
)

var (
	httpURL      string
	authUser     string
	authPassword string
	jsonOutput   bool
	noColor      bool

	apiClient client.ControlPlane
)

func defaultHTTPURL() string {
	if s := os.Getenv("GADOS_HTTP_URL"); s != "" {
		return s
	}
	return "http://localhost:8000"
}

var rootCmd = &cobra.Command{
	Use:           "gados <command>",
	Short:         "Governance control plane for agent-driven delivery",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}
		apiClient = client.NewHTTPClient(httpURL).WithBasicAuth(authUser, authPassword)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if apiClient != nil {
			apiClient.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "http-url", defaultHTTPURL(), "control plane URL")
	rootCmd.PersistentFlags().StringVar(&authUser, "user", os.Getenv("GADOS_BASIC_AUTH_USER"), "basic auth user for write routes")
	rootCmd.PersistentFlags().StringVar(&authPassword, "password", os.Getenv("GADOS_BASIC_AUTH_PASSWORD"), "basic auth password for write routes")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "governance", Title: "Governance:"},
		&cobra.Group{ID: "scenarios", Title: "Scenarios:"},
		&cobra.Group{ID: "remote", Title: "Control plane:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Governance
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(overrideCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(reportCmd)

	// Scenarios
	rootCmd.AddCommand(guardrailCmd)
	rootCmd.AddCommand(driftCmd)
	rootCmd.AddCommand(slaCmd)
	rootCmd.AddCommand(heartbeatCmd)

	// Control plane
	rootCmd.AddCommand(busCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(healthCmd)

	// System
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
