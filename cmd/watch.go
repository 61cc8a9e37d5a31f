package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	ray5agent "github.com/laserkit/Ray5Agent"
)

func newWatchCmd() *cobra.Command {
	var flagNotify bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Hold a session open and stream device events",
		Long: "Connects to the engraver, keeps the session alive with status probes, " +
			"and prints connection, heartbeat and catalog events until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			address, err := resolveAddress(sigCtx, "", store)
			if err != nil {
				return err
			}

			manager := ray5agent.NewSessionManager(newManagerConfig(store))
			group := ray5agent.NewSafeGroup(sigCtx)
			group.GoSafe("session-loop", manager.Run)
			group.GoSafe("event-stream", func(ctx context.Context) error {
				return streamEvents(ctx, manager, flagNotify)
			})

			if err := manager.Connect(address); err != nil {
				stop()
				group.WaitOrInterrupt(time.Second)
				return err
			}
			log.Info().Str("address", address).Msg("watching device")

			err = group.WaitOrInterrupt(5 * time.Second)
			if dropped := manager.DroppedEvents(); dropped > 0 {
				log.Warn().Int64("dropped", dropped).Msg("event consumer lagged behind")
			}
			// Ctrl-C is the normal way out of watch.
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&flagNotify, "notify", false, "Send desktop notifications for connection and batch events")
	return cmd
}

func streamEvents(ctx context.Context, manager *ray5agent.SessionManager, notify bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-manager.Events():
			if !ok {
				return nil
			}
			renderEvent(event, notify)
		}
	}
}

func renderEvent(event ray5agent.Event, notify bool) {
	switch ev := event.(type) {
	case *ray5agent.ConnectionStateEvent:
		entry := log.Info().Str("state", string(ev.State))
		if ev.Address != "" {
			entry = entry.Str("address", ev.Address)
		}
		if ev.HardwareAddr != "" {
			entry = entry.Str("hardware_addr", ev.HardwareAddr)
		}
		if ev.Reason != "" {
			entry = entry.Str("reason", ev.Reason)
		}
		entry.Msg("connection state changed")
		if notify {
			notifyConnection(ev)
		}
	case *ray5agent.CatalogUpdatedEvent:
		log.Info().
			Int("files", len(ev.Files)).
			Strs("changed", ev.ChangedNames).
			Msg("catalog updated")
	case *ray5agent.HeartbeatEvent:
		log.Debug().Str("address", ev.Address).Msg("device heartbeat")
	case *ray5agent.OperationErrorEvent:
		log.Error().Str("op", ev.Op).Str("error", ev.Message).Msg("device operation failed")
	case *ray5agent.BatchCompletedEvent:
		failed := ray5agent.CountFailures(ev.Results)
		log.Info().
			Str("kind", string(ev.Kind)).
			Str("batch_id", ev.BatchID).
			Int("items", len(ev.Results)).
			Int("failed", failed).
			Msg("batch completed")
		if notify {
			notifyDesktop("Ray5 batch finished",
				fmt.Sprintf("%s: %d ok, %d failed", ev.Kind, len(ev.Results)-failed, failed))
		}
	}
}

func notifyConnection(ev *ray5agent.ConnectionStateEvent) {
	switch ev.State {
	case ray5agent.StateConnected:
		notifyDesktop("Ray5 connected", fmt.Sprintf("%s (%s)", ev.Address, ev.HardwareAddr))
	case ray5agent.StateFailed:
		notifyDesktop("Ray5 connection failed", ev.Reason)
	case ray5agent.StateDisconnected:
		notifyDesktop("Ray5 disconnected", "session closed")
	}
}

func notifyDesktop(title, message string) {
	if err := beeep.Notify(title, message, ""); err != nil {
		log.Debug().Err(err).Msg("desktop notification failed")
	}
}
