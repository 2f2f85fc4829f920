package generate

import (
	"context"
	"errors"
	"fmt"

	"github.com/createtree2017/createtree"
	"github.com/createtree2017/createtree/pkg/music"
	"github.com/createtree2017/createtree/pkg/orchestrator"
	"github.com/rs/zerolog/log"
)

type Config struct {
	createtree.Config

	Request music.Request
}

// Run generates a single song and waits for its final status.
func Run(ctx context.Context, cfg *Config) error {
	log.Info().Msg("generate: process started")
	defer log.Info().Msg("generate: process ended")

	svc, err := createtree.Open(ctx, &cfg.Config)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("generate: couldn't close service")
		}
	}()
	svc.Orchestrator.Start(ctx)

	sub := svc.Notifier.SubscribeAll()
	defer sub.Close()
	go func() {
		for u := range sub.C {
			log.Info().Str("job", u.JobID).Str("status", u.Status).Msgf("generate: %s", u.Message)
		}
	}()

	task, err := svc.Orchestrator.Submit(ctx, &cfg.Request)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	job, err := task.Wait(ctx)
	switch {
	case errors.Is(err, orchestrator.ErrTimeout):
		log.Warn().Str("job", task.JobID()).Msg("generate: timed out, run reconcile later")
		return err
	case err != nil:
		return fmt.Errorf("generate: %w", err)
	}

	u, durable := job.Playable()
	log.Info().
		Str("job", job.ID).
		Str("url", u).
		Bool("durable", durable).
		Float32("duration", job.DurationSeconds).
		Msg("generate: song ready")
	fmt.Println(u)
	return nil
}
