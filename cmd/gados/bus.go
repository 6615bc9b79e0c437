package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gados/internal/bus"
)

var busCmd = &cobra.Command{
	Use:     "bus",
	Short:   "Send, read and acknowledge agent bus messages",
	GroupID: "remote",
}

var busSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message to an agent inbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := bus.SendRequest{}
		req.FromRole, _ = cmd.Flags().GetString("from-role")
		req.FromAgentID, _ = cmd.Flags().GetString("from-agent")
		req.ToRole, _ = cmd.Flags().GetString("to-role")
		req.ToAgentID, _ = cmd.Flags().GetString("to-agent")
		req.Type, _ = cmd.Flags().GetString("type")
		req.Severity, _ = cmd.Flags().GetString("severity")
		req.CorrelationID, _ = cmd.Flags().GetString("correlation-id")
		req.IdempotencyKey, _ = cmd.Flags().GetString("idempotency-key")
		req.StoryID, _ = cmd.Flags().GetString("story")
		req.EpicID, _ = cmd.Flags().GetString("epic")
		req.ArtifactRefs, _ = cmd.Flags().GetStringSlice("artifact")

		if raw, _ := cmd.Flags().GetString("payload"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Payload); err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
		}

		res, err := apiClient.Send(cmd.Context(), req)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, res)
		}
		if res.Duplicate {
			fmt.Fprintf(out, "Duplicate of %s\n", res.MessageID)
			return nil
		}
		fmt.Fprintf(out, "Sent %s\n", res.MessageID)
		return nil
	},
}

var busInboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List pending messages for an agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		agentID, _ := cmd.Flags().GetString("agent-id")
		limit, _ := cmd.Flags().GetInt("limit")

		msgs, err := apiClient.Inbox(cmd.Context(), role, agentID, limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), msgs)
		}
		printInbox(cmd.OutOrStdout(), msgs)
		return nil
	},
}

var busAckCmd = &cobra.Command{
	Use:   "ack <message-id>",
	Short: "Acknowledge or reject a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := bus.AckRequest{MessageID: args[0]}
		req.Status, _ = cmd.Flags().GetString("status")
		req.ActorRole, _ = cmd.Flags().GetString("role")
		req.ActorID, _ = cmd.Flags().GetString("agent-id")
		req.Notes, _ = cmd.Flags().GetString("notes")

		if err := apiClient.Ack(cmd.Context(), req); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", req.Status, req.MessageID)
		return nil
	},
}

func init() {
	f := busSendCmd.Flags()
	f.String("from-role", "", "sender role")
	f.String("from-agent", "", "sender agent id")
	f.String("to-role", "", "recipient role")
	f.String("to-agent", "", "recipient agent id")
	f.String("type", "", "message type")
	f.String("severity", "INFO", "INFO, WARN, ERROR or CRITICAL")
	f.String("correlation-id", "", "correlation id (generated when empty)")
	f.String("idempotency-key", "", "idempotency key (content hash when empty)")
	f.String("story", "", "related story id")
	f.String("epic", "", "related epic id")
	f.StringSlice("artifact", nil, "artifact reference (repeatable)")
	f.String("payload", "", "JSON object payload")
	for _, name := range []string{"from-role", "from-agent", "to-role", "to-agent", "type"} {
		_ = busSendCmd.MarkFlagRequired(name)
	}

	busInboxCmd.Flags().String("role", "", "recipient role")
	busInboxCmd.Flags().String("agent-id", "", "recipient agent id")
	busInboxCmd.Flags().Int("limit", bus.DefaultInboxLimit, "maximum messages")
	_ = busInboxCmd.MarkFlagRequired("role")
	_ = busInboxCmd.MarkFlagRequired("agent-id")

	busAckCmd.Flags().String("status", "ACKED", "ACKED or NACKED")
	busAckCmd.Flags().String("role", "", "acting role")
	busAckCmd.Flags().String("agent-id", "", "acting agent id")
	busAckCmd.Flags().String("notes", "", "notes (recorded as last_error on NACKED)")
	_ = busAckCmd.MarkFlagRequired("role")
	_ = busAckCmd.MarkFlagRequired("agent-id")

	busCmd.AddCommand(busSendCmd, busInboxCmd, busAckCmd)
}
