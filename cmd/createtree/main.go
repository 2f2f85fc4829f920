package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/createtree2017/createtree/pkg/cli"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Build flags
var version = ""
var commit = ""
var date = ""

func main() {
	// Optional .env file, real environment variables take precedence
	_ = godotenv.Load()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Create signal based context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Launch command
	cmd := cli.New(version, commit, date)
	if err := cmd.ParseAndRun(ctx, os.Args[1:]); err != nil {
		log.Fatal().Err(err).Send()
	}
}
