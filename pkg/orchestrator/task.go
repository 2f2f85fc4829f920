package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/createtree2017/createtree/pkg/filestore"
	"github.com/createtree2017/createtree/pkg/storage"
	"github.com/createtree2017/createtree/pkg/suno"
	"github.com/rs/zerolog/log"
)

const (
	timeoutDiag = "timed out"
	// settleTimeout bounds the work done after the provider answered:
	// migration and the terminal write.
	settleTimeout = 5 * time.Minute
)

// Task is the polling loop of a single job. Only one task exists per job
// id at a time.
type Task struct {
	o        *Orchestrator
	job      *storage.Job
	deadline time.Time
	// diag is carried into the terminal record.
	diag    string
	release func()

	startOnce  sync.Once
	finishOnce sync.Once
	done       chan struct{}
	result     *storage.Job
	err        error
}

// deadline is when a job times out. Jobs not yet submitted get the
// submission grace on top.
func (o *Orchestrator) deadline(job *storage.Job) time.Time {
	if job.SubmittedAt != nil {
		return job.SubmittedAt.Add(o.timeout)
	}
	return job.UpdatedAt.Add(o.submitGrace + o.timeout)
}

// claim makes this process the only owner of a job until release is
// called: once in-process and once through the lease.
func (o *Orchestrator) claim(ctx context.Context, id string, deadline time.Time) (func(), error) {
	if !o.track(id) {
		return nil, fmt.Errorf("orchestrator: job %s: %w", id, ErrAlreadyPolling)
	}
	ttl := time.Until(deadline) + settleTimeout
	if ttl < settleTimeout {
		ttl = settleTimeout
	}
	release, ok, err := o.locker.Acquire(ctx, "poll:"+id, ttl)
	if err != nil {
		o.untrack(id)
		return nil, fmt.Errorf("orchestrator: couldn't lease job %s: %w", id, err)
	}
	if !ok {
		o.untrack(id)
		return nil, fmt.Errorf("orchestrator: job %s: %w", id, ErrAlreadyPolling)
	}
	return func() {
		release()
		o.untrack(id)
	}, nil
}

func (o *Orchestrator) newTask(ctx context.Context, job *storage.Job) (*Task, error) {
	deadline := o.deadline(job)
	release, err := o.claim(ctx, job.ID, deadline)
	if err != nil {
		return nil, err
	}
	return o.task(job, deadline, release), nil
}

// task wraps a claimed job. release is called once the loop is done.
func (o *Orchestrator) task(job *storage.Job, deadline time.Time, release func()) *Task {
	var diag string
	if job.Error != nil {
		diag = dropDiag(dropDiag(*job.Error, migrationDiag), timeoutDiag)
	}
	return &Task{
		o:        o,
		job:      job,
		deadline: deadline,
		diag:     diag,
		release:  release,
		done:     make(chan struct{}),
	}
}

func (t *Task) JobID() string {
	return t.job.ID
}

// Deadline is when the job times out.
func (t *Task) Deadline() time.Time {
	return t.deadline
}

// Done is closed when the loop returns.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the loop returns and gives the final job record. A
// loop stopped by shutdown returns the shutdown error and no job.
func (t *Task) Wait(ctx context.Context) (*storage.Job, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return t.result, t.err
	}
}

// Start launches the loop. Calling it more than once has no effect.
func (t *Task) Start() {
	t.startOnce.Do(func() {
		o := t.o
		o.lock.Lock()
		if o.closed {
			o.lock.Unlock()
			t.err = fmt.Errorf("orchestrator: job %s: %w", t.job.ID, context.Canceled)
			t.finish()
			close(t.done)
			return
		}
		parent := o.base
		o.wg.Add(1)
		o.lock.Unlock()
		go func() {
			defer o.wg.Done()
			defer close(t.done)
			defer t.finish()
			t.result, t.err = t.run(parent)
		}()
	})
}

func (t *Task) finish() {
	t.finishOnce.Do(t.release)
}

func (t *Task) run(parent context.Context) (*storage.Job, error) {
	o := t.o
	id := t.job.ID
	providerID := *t.job.ProviderID

	ctx, cancel := context.WithDeadline(parent, t.deadline)
	defer cancel()
	// Settling outlives the parent so a finished song is recorded, but
	// not a forced shutdown.
	settle := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(o.hard, settleTimeout)
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	var failures int
	for {
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			if parent.Err() != nil {
				log.Info().Str("job", id).Msg("orchestrator: polling stopped, job left running")
				return nil, fmt.Errorf("orchestrator: job %s: %w", id, parent.Err())
			}
			sctx, scancel := settle()
			defer scancel()
			return t.timeout(sctx)
		}

		st, err := o.provider.Poll(ctx, providerID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			if failures > o.maxPollErrors {
				log.Error().Err(err).Str("job", id).Int("failures", failures).Msg("orchestrator: polling exhausted")
				sctx, scancel := settle()
				defer scancel()
				return t.fail(sctx, ErrPollingExhausted, fmt.Sprintf("polling exhausted: %v", err))
			}
			log.Warn().Err(err).Str("job", id).Int("failures", failures).Msg("orchestrator: poll failed")
			continue
		}
		failures = 0

		switch st.State {
		case suno.Succeeded:
			sctx, scancel := settle()
			defer scancel()
			return t.complete(sctx, st)
		case suno.Failed:
			sctx, scancel := settle()
			defer scancel()
			return t.fail(sctx, ErrProviderFailure, st.Message)
		default:
			log.Debug().Str("job", id).Str("state", string(st.State)).Msg("orchestrator: still composing")
		}
	}
}

func (t *Task) timeout(ctx context.Context) (*storage.Job, error) {
	id := t.job.ID
	msg := fmt.Sprintf("%s after %s", timeoutDiag, t.o.timeout)
	if err := t.o.store.Transition(ctx, id, storage.TimedOut, storage.Fields{
		"error": joinDiag(t.diag, msg),
	}); err != nil {
		return nil, fmt.Errorf("orchestrator: job %s: %w", id, err)
	}
	t.o.publish(id, storage.TimedOut, "timed_out", "")
	log.Warn().Str("job", id).Msg("orchestrator: job timed out")
	job, err := t.o.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: job %s: %w", id, err)
	}
	return job, fmt.Errorf("orchestrator: job %s: %w", id, ErrTimeout)
}

// fail records msg verbatim as the job error.
func (t *Task) fail(ctx context.Context, cause error, msg string) (*storage.Job, error) {
	id := t.job.ID
	if err := t.o.store.Transition(ctx, id, storage.Failed, storage.Fields{
		"error": msg,
	}); err != nil {
		return nil, fmt.Errorf("orchestrator: job %s: %w", id, err)
	}
	t.o.publish(id, storage.Failed, "failed", "Generation failed: "+msg)
	log.Warn().Str("job", id).Str("reason", msg).Msg("orchestrator: job failed")
	job, err := t.o.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: job %s: %w", id, err)
	}
	return job, fmt.Errorf("orchestrator: job %s: %w: %s", id, cause, msg)
}

// complete migrates the artifact and records the job as completed. A
// failed migration still completes the job, flagged and without a
// storage url.
func (t *Task) complete(ctx context.Context, st *suno.Status) (*storage.Job, error) {
	id := t.job.ID
	if t.job.Status == storage.Running {
		t.o.publish(id, storage.Running, "saving", "Saving your song")
	}

	fields := storage.Fields{
		"provider_url": st.ArtifactURL,
		"credit_used":  st.CreditUsed,
		"completed_at": time.Now().UTC(),
	}
	if st.Duration > 0 {
		fields["duration_seconds"] = st.Duration
	}
	diag := t.diag
	dst := filestore.MusicPath(id, st.ArtifactURL)
	res, err := t.o.migrator.Migrate(ctx, st.ArtifactURL, dst)
	if err != nil {
		log.Error().Err(err).Str("job", id).Msg("orchestrator: migration failed, keeping provider url")
		fields["migration_failed"] = true
		fields["storage_url"] = nil
		fields["storage_path"] = nil
		if d := joinDiag(diag, fmt.Sprintf("%s: %v", migrationDiag, err)); d != nil {
			diag = *d
		}
	} else {
		fields["migration_failed"] = false
		fields["storage_url"] = res.URL
		fields["storage_path"] = res.Path
		if st.Duration <= 0 && res.Duration > 0 {
			fields["duration_seconds"] = float32(res.Duration.Seconds())
		}
	}
	fields["error"] = joinDiag(diag)

	if err := t.o.store.Transition(ctx, id, storage.Completed, fields); err != nil {
		return nil, fmt.Errorf("orchestrator: job %s: %w", id, err)
	}
	t.o.publish(id, storage.Completed, "completed", "")
	log.Info().Str("job", id).Bool("durable", err == nil).Msg("orchestrator: job completed")
	job, err := t.o.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: job %s: %w", id, err)
	}
	return job, nil
}
