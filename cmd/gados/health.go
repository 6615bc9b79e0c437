package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gados/internal/client"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of the control plane",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		grpcAddr, _ := cmd.Flags().GetString("grpc")

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		health, err := apiClient.Health(ctx)
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}

		grpcStatus := ""
		if grpcAddr != "" {
			hc, err := client.NewGRPCHealthClient(grpcAddr)
			if err != nil {
				return err
			}
			defer hc.Close()
			if grpcStatus, err = hc.Check(ctx, ""); err != nil {
				return fmt.Errorf("checking gRPC health: %w", err)
			}
		}

		if jsonOutput {
			out := map[string]any{
				"status":       health.Status,
				"ready":        health.Ready,
				"auth_enabled": health.AuthEnabled,
			}
			if grpcStatus != "" {
				out["grpc"] = grpcStatus
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Health: %s (ready=%t)\n", health.Status, health.Ready)
			if grpcStatus != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "gRPC:   %s\n", grpcStatus)
			}
		}

		if !health.Ready {
			return fmt.Errorf("unhealthy: %s", health.Status)
		}
		if grpcStatus != "" && grpcStatus != "SERVING" {
			return fmt.Errorf("gRPC unhealthy: %s", grpcStatus)
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().String("grpc", "", "also check the gRPC health service at this address")
}
