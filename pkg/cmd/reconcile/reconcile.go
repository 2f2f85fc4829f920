package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/createtree2017/createtree"
	"github.com/createtree2017/createtree/pkg/orchestrator"
	"github.com/createtree2017/createtree/pkg/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	createtree.Config

	Concurrency int
	Limit       int
	// MinAge skips jobs updated more recently than this.
	MinAge time.Duration
}

type settler interface {
	Expire(ctx context.Context, id string) (*storage.Job, error)
	Reconcile(ctx context.Context, id string) (*storage.Job, error)
	Backfill(ctx context.Context, id string) (*storage.Job, error)
}

type lister interface {
	ListJobs(ctx context.Context, page, size int, orderBy string, filter ...storage.Filter) ([]*storage.Job, error)
}

// Run settles abandoned and timed out jobs and retries failed storage
// migrations.
func Run(ctx context.Context, cfg *Config) error {
	log.Info().Msg("reconcile: process started")
	defer log.Info().Msg("reconcile: process ended")

	svc, err := createtree.Open(ctx, &cfg.Config)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("reconcile: couldn't close service")
		}
	}()

	res, err := sweep(ctx, svc.Store, svc.Orchestrator, cfg)
	if err != nil {
		return err
	}
	log.Info().
		Int64("expired", res.expired).
		Int64("reconciled", res.reconciled).
		Int64("backfilled", res.backfilled).
		Int64("failed", res.failed).
		Msg("reconcile: sweep done")
	return nil
}

type result struct {
	expired    int64
	reconciled int64
	backfilled int64
	failed     int64
}

func sweep(ctx context.Context, jobs lister, s settler, cfg *Config) (*result, error) {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	before := time.Now().UTC().Add(-cfg.MinAge)

	// Jobs whose owner is gone. Expire leaves alone the ones still inside
	// their deadline.
	unfinished, err := jobs.ListJobs(ctx, 1, cfg.Limit, "updated_at asc",
		storage.Where("status IN ?", []string{
			string(storage.Pending), string(storage.Submitted), string(storage.Running),
		}),
		storage.Where("updated_at <= ?", before))
	if err != nil {
		return nil, fmt.Errorf("reconcile: couldn't list unfinished jobs: %w", err)
	}
	timedOut, err := jobs.ListJobs(ctx, 1, cfg.Limit, "updated_at asc",
		storage.Where("status = ?", string(storage.TimedOut)),
		storage.Where("updated_at <= ?", before))
	if err != nil {
		return nil, fmt.Errorf("reconcile: couldn't list timed out jobs: %w", err)
	}
	unmigrated, err := jobs.ListJobs(ctx, 1, cfg.Limit, "updated_at asc",
		storage.Where("status = ?", string(storage.Completed)),
		storage.Where("migration_failed = ?", true),
		storage.Where("updated_at <= ?", before))
	if err != nil {
		return nil, fmt.Errorf("reconcile: couldn't list unmigrated jobs: %w", err)
	}

	var res result
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	run := func(id string, fn func(context.Context, string) (*storage.Job, error), counter *int64) {
		g.Go(func() error {
			job, err := fn(gctx, id)
			if errors.Is(err, orchestrator.ErrWrongStatus) {
				log.Debug().Err(err).Str("job", id).Msg("reconcile: job skipped")
				return nil
			}
			if err != nil {
				// One job failing doesn't stop the sweep.
				log.Warn().Err(err).Str("job", id).Msg("reconcile: couldn't settle job")
				atomic.AddInt64(&res.failed, 1)
				return nil
			}
			if job.Status == storage.TimedOut && counter != &res.expired {
				return nil
			}
			atomic.AddInt64(counter, 1)
			log.Info().Str("job", id).Str("status", string(job.Status)).Msg("reconcile: job settled")
			return nil
		})
	}
	for _, j := range unfinished {
		run(j.ID, s.Expire, &res.expired)
	}
	for _, j := range timedOut {
		run(j.ID, s.Reconcile, &res.reconciled)
	}
	for _, j := range unmigrated {
		run(j.ID, s.Backfill, &res.backfilled)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &res, nil
}
