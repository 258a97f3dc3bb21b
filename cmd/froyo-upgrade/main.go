// Command froyo-upgrade reconciles a deployed topology with new versions of
// its blueprint.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/upgrade/cmd/froyo-upgrade/commands"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = commands.Execute(ctx, Version, Commit, BuildDate)
	stop()

	if err != nil {
		if ctx.Err() != nil {
			log.Warn().Msg("Interrupted")
		}
		log.Error().Err(err).Msg("froyo-upgrade failed")
		os.Exit(1)
	}
}
