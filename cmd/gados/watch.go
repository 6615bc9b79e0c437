package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gados/internal/config"
	"github.com/alfredjeanlab/gados/internal/events"
	"github.com/alfredjeanlab/gados/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Stream control plane events from NATS",
	GroupID: "remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")
		natsURL, _ := cmd.Flags().GetString("nats-url")
		if natsURL == "" {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			natsURL = cfg.NATSURL
		}
		if natsURL == "" {
			return fmt.Errorf("no NATS URL: set --nats-url or GADOS_NATS_URL")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		sub, err := events.NewNATSSubscriber(natsURL,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("nats: disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				slog.Info("nats: reconnected")
			}),
		)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer sub.Close()

		return watchEvents(ctx, sub, topic, cmd.OutOrStdout())
	},
}

// watchEvents prints deliveries on topic until ctx is done or the
// subscription ends.
func watchEvents(ctx context.Context, sub events.Subscriber, topic string, w io.Writer) error {
	ch, cancel, err := sub.Subscribe(topic)
	if err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-ch:
			if !ok {
				return nil
			}
			if jsonOutput {
				var payload any
				if err := json.Unmarshal(d.Data, &payload); err != nil {
					payload = string(d.Data)
				}
				rec := map[string]any{"topic": d.Topic, "event": payload}
				if d.RequestID != "" {
					rec["request_id"] = d.RequestID
				}
				if err := printJSON(w, rec); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintf(w, "%s %s %s\n",
				ui.RenderMuted(time.Now().UTC().Format(time.TimeOnly)),
				ui.RenderAccent(d.Topic),
				string(d.Data))
		}
	}
}

func init() {
	watchCmd.Flags().String("topic", "gados.>", "subject to subscribe to")
	watchCmd.Flags().String("nats-url", "", "NATS server URL (default: GADOS_NATS_URL)")
}
