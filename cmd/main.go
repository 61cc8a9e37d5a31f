package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/laserkit/Ray5Agent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "ray5agent",
	Short: "Session agent for Longer Ray5 laser engravers",
	Long: `ray5agent talks to the engraver's ESP3D web firmware over HTTP. It keeps a
watched session alive with periodic status probes, mirrors the SD card
listing, and moves gcode files on and off the device.`,
}

var (
	rootAddr    string
	rootDBPath  string
	rootLogFile string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootAddr, "addr", "", "Device address overriding $RAY5_ADDR")
	rootCmd.PersistentFlags().StringVar(&rootDBPath, "db", "", "SQLite path overriding $RAY5AGENT_DB_PATH")
	rootCmd.PersistentFlags().StringVar(&rootLogFile, "log-file", "", "Tee structured logs to this file as well as stderr")
	rootCmd.PersistentPreRunE = setupLogging
	rootCmd.AddCommand(
		newWatchCmd(),
		newLsCmd(),
		newUploadCmd(),
		newRmCmd(),
		newInfoCmd(),
		newHistoryCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("ray5agent command failed")
	}
}
