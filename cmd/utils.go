package main

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	ray5agent "github.com/laserkit/Ray5Agent"
	"github.com/laserkit/Ray5Agent/internal/config"
	"github.com/laserkit/Ray5Agent/internal/storage"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// setupLogging rebuilds the global logger when --log-file asks for a tee.
func setupLogging(cmd *cobra.Command, args []string) error {
	path := strings.TrimSpace(rootLogFile)
	if path == "" {
		return nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open log file %s failed", path)
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, file)).With().Timestamp().Logger()
	return nil
}

// openStore opens the agent database, honoring --db then $RAY5AGENT_DB_PATH.
func openStore() (*storage.Store, error) {
	return storage.NewStore(rootDBPath)
}

// resolveAddress picks the device address from the flag, the environment,
// then the most recently connected profile.
func resolveAddress(ctx context.Context, flagAddr string, store *storage.Store) (string, error) {
	if addr := firstNonEmpty(flagAddr, rootAddr, config.String(ray5agent.EnvDeviceAddr, "")); addr != "" {
		return addr, nil
	}
	if store != nil {
		profile, err := store.LastProfile(ctx)
		if err != nil {
			return "", err
		}
		if profile != nil {
			log.Info().Str("address", profile.Address).Msg("using last connected device")
			return profile.Address, nil
		}
	}
	return "", errors.Errorf("no device address: pass --addr or set $%s", ray5agent.EnvDeviceAddr)
}

// newDeviceClient builds a one-shot client with env-tuned timeouts.
func newDeviceClient(address string) (*ray5agent.Client, error) {
	normalized, err := ray5agent.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	transport, err := ray5agent.NewHTTPTransport(normalized, nil)
	if err != nil {
		return nil, err
	}
	control := config.Duration(ray5agent.EnvControlTimeout, ray5agent.DefaultControlTimeout)
	upload := config.Duration(ray5agent.EnvUploadTimeout, ray5agent.DefaultUploadTimeout)
	return ray5agent.NewClientWithTransport(transport, control, upload), nil
}

// newManagerConfig assembles the session config from the environment, with
// the store wired in as profile sink and transfer recorder.
func newManagerConfig(store *storage.Store) ray5agent.Config {
	cfg := ray5agent.Config{
		KeepaliveInterval: config.Duration(ray5agent.EnvKeepaliveInterval, ray5agent.DefaultKeepaliveInterval),
		ControlTimeout:    config.Duration(ray5agent.EnvControlTimeout, ray5agent.DefaultControlTimeout),
		UploadTimeout:     config.Duration(ray5agent.EnvUploadTimeout, ray5agent.DefaultUploadTimeout),
		MarkerTicks:       config.Int(ray5agent.EnvMarkerTicks, ray5agent.DefaultMarkerTicks),
		MarkerInterval:    config.Duration(ray5agent.EnvMarkerInterval, ray5agent.DefaultMarkerInterval),
	}
	if store != nil {
		cfg.Profiles = store
		cfg.Recorder = store
	}
	return cfg
}
