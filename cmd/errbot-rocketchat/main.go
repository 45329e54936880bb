// Command errbot-rocketchat runs the Rocket.Chat connection bridge as a
// standalone daemon: it maintains an authenticated realtime session against
// a Rocket.Chat server, logs every inbound message in canonical form, and
// keeps reconnecting until interrupted. Bot frameworks embed the bridge
// package directly; this binary is the reference wiring.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cardoso/errbot-rocketchat/pkg/bridge"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath   string
	logLevel     string
	writeExample bool
)

var rootCmd = &cobra.Command{
	Use:     "errbot-rocketchat",
	Short:   "Rocket.Chat connection bridge",
	Version: fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
	RunE:    run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "debug", "minimum log level")
	rootCmd.Flags().BoolVarP(&writeExample, "generate-config", "g", false, "write the example config to stdout and exit")
}

func run(cmd *cobra.Command, args []string) error {
	if writeExample {
		fmt.Print(bridge.ExampleConfig)
		return nil
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		Level(level).
		With().Timestamp().Logger()

	cfg, err := bridge.LoadConfig(configPath)
	if err != nil {
		return err
	}

	b, err := bridge.New(cfg, log)
	if err != nil {
		return err
	}
	b.OnMessage(func(msg *bridge.CanonicalMessage) {
		log.Info().
			Str("room", msg.Room.Name).
			Str("sender", msg.Sender.Username).
			Str("body", msg.Body).
			Msg("Message received")
	})
	b.OnSendFailure(func(send *bridge.PendingSend, err error) {
		log.Error().Err(err).Str("room", string(send.Room)).Msg("Message permanently undeliverable")
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("server", cfg.ServerURL).Str("version", Tag).Msg("Starting bridge")
	if err := b.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
