package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	ray5agent "github.com/laserkit/Ray5Agent"
	"github.com/laserkit/Ray5Agent/internal/storage"
)

func newLsCmd() *cobra.Command {
	var flagPath string

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List files on the device SD card",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			address, err := resolveAddress(ctx, "", store)
			if err != nil {
				return err
			}
			client, err := newDeviceClient(address)
			if err != nil {
				return err
			}
			files, err := client.ListFiles(ctx, flagPath)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Println("no files")
				return nil
			}
			writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "NAME\tSIZE")
			for _, file := range files {
				fmt.Fprintf(writer, "%s\t%s\n", file.Name, humanize.Bytes(uint64(file.Size)))
			}
			return writer.Flush()
		},
	}

	cmd.Flags().StringVar(&flagPath, "path", "/", "SD card directory to list")
	return cmd
}

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload gcode files to the device",
		Long: "Uploads each file in turn through a short-lived session. One file " +
			"failing does not stop the rest; the command exits non-zero if any item failed.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatchCommand(cmd.Context(), ray5agent.BatchUpload, args)
		},
	}
	return cmd
}

func newRmCmd() *cobra.Command {
	var flagYes bool

	cmd := &cobra.Command{
		Use:   "rm <name>...",
		Short: "Delete files from the device SD card",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flagYes && !confirmDelete(args) {
				log.Info().Msg("delete aborted")
				return nil
			}
			return runBatchCommand(cmd.Context(), ray5agent.BatchDelete, args)
		},
	}

	cmd.Flags().BoolVar(&flagYes, "yes", false, "Skip the confirmation prompt")
	return cmd
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print the device's firmware and network summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			address, err := resolveAddress(ctx, "", store)
			if err != nil {
				return err
			}
			client, err := newDeviceClient(address)
			if err != nil {
				return err
			}
			identity, err := client.QueryIdentity(ctx)
			if err != nil {
				return err
			}
			log.Info().
				Str("address", address).
				Str("hardware_addr", identity.HardwareAddr).
				Msg("device identified")
			fmt.Println(strings.TrimSpace(identity.FirmwareInfo))
			return nil
		},
	}
	return cmd
}

func confirmDelete(names []string) bool {
	fmt.Printf("delete %d file(s) from the device? [y/N]: ", len(names))
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// runBatchCommand connects, runs one batch through the session manager, and
// reports per-item outcomes.
func runBatchCommand(parent context.Context, kind ray5agent.BatchKind, items []string) error {
	if firstNonEmpty(items...) == "" {
		return errors.New("no usable items in batch")
	}
	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	address, err := resolveAddress(sigCtx, "", store)
	if err != nil {
		return err
	}

	results, err := runSessionBatch(sigCtx, store, address, kind, items)
	if err != nil {
		return err
	}
	for _, result := range results {
		if result.Failed() {
			log.Error().Str("item", result.Item).Err(result.Err).Msg("item failed")
			continue
		}
		log.Info().Str("item", result.Item).Msg("item done")
	}
	if failed := ray5agent.CountFailures(results); failed > 0 {
		return errors.Errorf("%d of %d items failed", failed, len(results))
	}
	return nil
}

type batchOutcome struct {
	results []ray5agent.ItemResult
	err     error
}

// runSessionBatch drives a full session for one batch: connect, submit, wait
// for the completion event, tear down.
func runSessionBatch(parent context.Context, store *storage.Store, address string, kind ray5agent.BatchKind, items []string) ([]ray5agent.ItemResult, error) {
	runCtx, cancel := context.WithCancel(parent)
	defer cancel()

	manager := ray5agent.NewSessionManager(newManagerConfig(store))
	group := ray5agent.NewSafeGroup(runCtx)
	group.GoSafe("session-loop", manager.Run)

	outcomeCh := make(chan batchOutcome, 1)
	group.GoSafe("batch-driver", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-manager.Events():
				if !ok {
					return nil
				}
				switch ev := event.(type) {
				case *ray5agent.ConnectionStateEvent:
					if ev.State == ray5agent.StateConnected {
						switch kind {
						case ray5agent.BatchUpload:
							manager.RunUpload(items)
						case ray5agent.BatchDelete:
							manager.RunDelete(items)
						}
					}
					if ev.State == ray5agent.StateFailed {
						outcomeCh <- batchOutcome{err: errors.Errorf("connect to %s failed: %s", address, ev.Reason)}
						return nil
					}
				case *ray5agent.OperationErrorEvent:
					// A transient refresh failure is recoverable; only a
					// rejection of this batch ends the session early.
					if ev.Op != string(kind) {
						log.Warn().Str("op", ev.Op).Str("error", ev.Message).Msg("device operation failed")
						continue
					}
					outcomeCh <- batchOutcome{err: errors.New(ev.Message)}
					return nil
				case *ray5agent.BatchCompletedEvent:
					outcomeCh <- batchOutcome{results: ev.Results}
					return nil
				}
			}
		}
	})

	if err := manager.Connect(address); err != nil {
		cancel()
		group.WaitOrInterrupt(time.Second)
		return nil, err
	}

	var outcome batchOutcome
	select {
	case outcome = <-outcomeCh:
	case <-runCtx.Done():
		outcome.err = runCtx.Err()
	}
	cancel()
	if err := group.WaitOrInterrupt(5 * time.Second); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("session teardown reported an error")
	}
	return outcome.results, outcome.err
}
