package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/createtree2017/createtree/pkg/filestore"
	"github.com/createtree2017/createtree/pkg/lease"
	"github.com/createtree2017/createtree/pkg/lyrics"
	"github.com/createtree2017/createtree/pkg/music"
	"github.com/createtree2017/createtree/pkg/notify"
	"github.com/createtree2017/createtree/pkg/storage"
	"github.com/createtree2017/createtree/pkg/suno"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

var (
	// ErrProviderFailure means the provider reported the song as failed.
	ErrProviderFailure = errors.New("orchestrator: provider reported failure")
	// ErrTimeout means the job ran out of time with the provider state
	// unknown.
	ErrTimeout = errors.New("orchestrator: job timed out")
	// ErrPollingExhausted means too many consecutive polls failed.
	ErrPollingExhausted = errors.New("orchestrator: polling exhausted")
	// ErrAlreadyPolling means another loop already owns the job.
	ErrAlreadyPolling = errors.New("orchestrator: job is already being polled")
	// ErrWrongStatus means the job isn't in a status the operation accepts.
	ErrWrongStatus = errors.New("orchestrator: wrong job status")
)

type Provider interface {
	Submit(ctx context.Context, spec *suno.Spec) (string, error)
	Poll(ctx context.Context, id string) (*suno.Status, error)
}

type Migrator interface {
	Migrate(ctx context.Context, src, dst string) (*filestore.Result, error)
}

type Resolver interface {
	Resolve(ctx context.Context, req *music.Request) *lyrics.Plan
}

type Repository interface {
	CreateJob(ctx context.Context, v *storage.Job) error
	GetJob(ctx context.Context, id string) (*storage.Job, error)
	Transition(ctx context.Context, id string, to storage.Status, fields storage.Fields) error
	FinishMigration(ctx context.Context, id string, fields storage.Fields) error
	ListJobs(ctx context.Context, page, size int, orderBy string, filter ...storage.Filter) ([]*storage.Job, error)
}

type Config struct {
	Store    Repository
	Provider Provider
	Migrator Migrator
	Lyrics   Resolver
	Notifier *notify.Notifier
	Locker   lease.Locker

	// Interval is the wait between polls.
	Interval time.Duration
	// Timeout is the time a job may spend between submission and a
	// terminal status.
	Timeout time.Duration
	// MaxPollErrors is the number of consecutive poll errors tolerated.
	MaxPollErrors int
	// SubmitGrace is how long a job may stay pending or submitted before
	// another process treats its submitter as gone.
	SubmitGrace time.Duration
	// Format is the output format hint sent to the provider.
	Format string
}

const (
	DefaultInterval      = 5 * time.Second
	DefaultTimeout       = 10 * time.Minute
	DefaultMaxPollErrors = 3
	DefaultSubmitGrace   = 3 * time.Minute
)

type Orchestrator struct {
	store         Repository
	provider      Provider
	migrator      Migrator
	lyrics        Resolver
	notifier      *notify.Notifier
	locker        lease.Locker
	interval      time.Duration
	timeout       time.Duration
	maxPollErrors int
	submitGrace   time.Duration
	format        string

	lock   sync.Mutex
	active map[string]struct{}
	base   context.Context
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup

	// hard bounds the settling of finished jobs. It is only cancelled
	// when a shutdown runs out of time.
	hard       context.Context
	hardCancel context.CancelFunc
}

func New(cfg *Config) *Orchestrator {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxPollErrors := cfg.MaxPollErrors
	if maxPollErrors <= 0 {
		maxPollErrors = DefaultMaxPollErrors
	}
	submitGrace := cfg.SubmitGrace
	if submitGrace <= 0 {
		submitGrace = DefaultSubmitGrace
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.New()
	}
	locker := cfg.Locker
	if locker == nil {
		locker = lease.NewLocal()
	}
	base, cancel := context.WithCancel(context.Background())
	hard, hardCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:         cfg.Store,
		provider:      cfg.Provider,
		migrator:      cfg.Migrator,
		lyrics:        cfg.Lyrics,
		notifier:      notifier,
		locker:        locker,
		interval:      interval,
		timeout:       timeout,
		maxPollErrors: maxPollErrors,
		submitGrace:   submitGrace,
		format:        cfg.Format,
		active:        map[string]struct{}{},
		base:          base,
		cancel:        cancel,
		hard:          hard,
		hardCancel:    hardCancel,
	}
}

// Start ties the polling loops to ctx. Loops stopped by ctx leave their
// jobs running so they can be resumed later.
func (o *Orchestrator) Start(ctx context.Context) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.cancel()
	o.base, o.cancel = context.WithCancel(ctx)
	o.closed = false
}

// Shutdown stops every polling loop and waits for them to return. Loops
// still saving a finished song get until ctx is done, then they are
// cancelled too. Shutdown only returns once every loop has returned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.lock.Lock()
	o.cancel()
	o.closed = true
	o.lock.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		o.hardCancel()
		<-done
		return fmt.Errorf("orchestrator: shutdown: %w", ctx.Err())
	}
}

// Watch resumes unfinished jobs every interval until ctx is done. It picks
// up jobs whose owner went away and settles the ones left behind.
func (o *Orchestrator) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tasks, err := o.ResumeAll(ctx)
		if err != nil {
			log.Error().Err(err).Msg("orchestrator: watch")
			continue
		}
		if len(tasks) > 0 {
			log.Info().Int("jobs", len(tasks)).Msg("orchestrator: picked up unfinished jobs")
		}
	}
}

func (o *Orchestrator) Notifier() *notify.Notifier {
	return o.notifier
}

// Submit creates a job, resolves its lyrics and sends it to the provider.
// The returned task is already polling.
func (o *Orchestrator) Submit(ctx context.Context, req *music.Request) (*Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id := ulid.Make().String()
	if err := o.notifier.Begin(req.UserID, id); err != nil {
		return nil, err
	}
	// The job is owned from creation, so no other process takes it for
	// abandoned while the provider is being called.
	release, err := o.claim(ctx, id, time.Now().Add(o.submitGrace+o.timeout))
	if err != nil {
		o.notifier.Release(id)
		return nil, err
	}
	abort := func() {
		release()
		o.notifier.Release(id)
	}

	job := &storage.Job{
		ID:                id,
		UserID:            req.UserID,
		HospitalID:        req.HospitalID,
		Prompt:            req.Prompt,
		Style:             req.Style,
		Title:             req.Title,
		SubjectName:       req.SubjectName,
		Gender:            req.Gender,
		RequestedDuration: req.Duration,
		Instrumental:      req.Instrumental,
		GenerateLyrics:    req.GenerateLyrics,
		Status:            storage.Pending,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		abort()
		return nil, fmt.Errorf("orchestrator: couldn't create job: %w", err)
	}
	log.Info().Str("job", id).Str("user", req.UserID).Msg("orchestrator: job created")
	o.publish(id, storage.Pending, "lyrics", "Writing lyrics")

	plan := o.lyrics.Resolve(ctx, req)

	spec := &suno.Spec{
		Prompt:       plan.Prompt,
		Lyrics:       plan.Lyrics,
		Style:        req.Style,
		Title:        plan.Title,
		Duration:     req.Duration,
		Instrumental: plan.Instrumental,
		AutoMode:     autoMode(plan, req),
		Format:       o.format,
	}
	providerID, err := o.provider.Submit(ctx, spec)
	if err != nil {
		msg := err.Error()
		if terr := o.store.Transition(detach(ctx), id, storage.Failed, storage.Fields{
			"error": joinDiag(plan.Degraded, msg),
		}); terr != nil {
			log.Error().Err(terr).Str("job", id).Msg("orchestrator: couldn't record submission failure")
			abort()
		} else {
			release()
			o.publish(id, storage.Failed, "failed", "Generation failed: "+msg)
		}
		return nil, fmt.Errorf("orchestrator: job %s: %w", id, err)
	}

	submitted := time.Now().UTC()
	fields := storage.Fields{
		"provider_id":   providerID,
		"lyrics":        plan.Lyrics,
		"lyrics_source": string(plan.Source),
		"title":         plan.Title,
		"submitted_at":  submitted,
	}
	if plan.Degraded != "" {
		fields["error"] = plan.Degraded
	}
	// The provider already has the job: from here on the caller going
	// away must not lose the record.
	ctx = detach(ctx)
	if err := o.store.Transition(ctx, id, storage.Submitted, fields); err != nil {
		abort()
		return nil, fmt.Errorf("orchestrator: job %s: %w", id, err)
	}
	o.publish(id, storage.Submitted, "submitted", "Sent to the composer")
	log.Info().Str("job", id).Str("provider", providerID).Msg("orchestrator: job submitted")

	if err := o.store.Transition(ctx, id, storage.Running, nil); err != nil {
		abort()
		return nil, fmt.Errorf("orchestrator: job %s: %w", id, err)
	}
	o.publish(id, storage.Running, "composing", "Composing music")

	job.Status = storage.Running
	job.ProviderID = &providerID
	job.SubmittedAt = &submitted
	if plan.Degraded != "" {
		job.Error = &plan.Degraded
	}
	t := o.task(job, submitted.Add(o.timeout), release)
	t.Start()
	return t, nil
}

// autoMode lets the provider write everything from the prompt when there
// are no lyrics and custom mode would lack its required fields.
func autoMode(plan *lyrics.Plan, req *music.Request) bool {
	if plan.Lyrics != "" {
		return false
	}
	return strings.TrimSpace(req.Style) == "" || plan.Title == ""
}

// Resume restarts polling of an unfinished job, typically after a
// restart. Jobs that don't need polling return a nil task. Jobs whose owner
// is gone for longer than their deadline are settled without polling.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*Task, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: couldn't get job %s: %w", id, err)
	}
	switch job.Status {
	case storage.Pending, storage.Submitted, storage.Running:
	default:
		return nil, nil
	}
	deadline := o.deadline(job)
	if time.Now().After(deadline.Add(settleTimeout)) && !o.isActive(id) {
		_, err := o.expire(ctx, job)
		return nil, err
	}

	release, err := o.claim(ctx, id, deadline)
	if err != nil {
		return nil, err
	}
	if job.Status != storage.Running && time.Since(job.UpdatedAt) < o.submitGrace {
		// Its submitter may still be waiting on the provider.
		release()
		return nil, nil
	}

	switch job.Status {
	case storage.Pending:
		// The provider may never have seen it and the request isn't
		// replayable without the resolved lyrics.
		defer release()
		return nil, o.abandon(ctx, id)
	case storage.Submitted:
		if err := o.store.Transition(ctx, id, storage.Running, nil); err != nil {
			release()
			return nil, fmt.Errorf("orchestrator: job %s: %w", id, err)
		}
		job.Status = storage.Running
	}
	if job.ProviderID == nil {
		defer release()
		msg := "missing provider id"
		if err := o.store.Transition(ctx, id, storage.Failed, storage.Fields{"error": msg}); err != nil {
			return nil, fmt.Errorf("orchestrator: job %s: %w", id, err)
		}
		o.publish(id, storage.Failed, "failed", "Generation failed: "+msg)
		return nil, nil
	}

	t := o.task(job, deadline, release)
	if err := o.notifier.Begin(job.UserID, id); err != nil {
		log.Debug().Err(err).Str("job", id).Msg("orchestrator: resumed job not shown in slot")
	}
	o.publish(id, storage.Running, "composing", "Composing music")
	t.Start()
	log.Info().Str("job", id).Time("deadline", t.deadline).Msg("orchestrator: job resumed")
	return t, nil
}

const abandonedDiag = "interrupted before submission"

func (o *Orchestrator) abandon(ctx context.Context, id string) error {
	if err := o.store.Transition(ctx, id, storage.Failed, storage.Fields{"error": abandonedDiag}); err != nil {
		return fmt.Errorf("orchestrator: job %s: %w", id, err)
	}
	o.publish(id, storage.Failed, "failed", "Generation failed: "+abandonedDiag)
	return nil
}

// Expire settles an unfinished job that is past its deadline and the
// settling window, whoever holds its lease. Pending jobs fail, submitted
// and running jobs time out and can still be reconciled.
func (o *Orchestrator) Expire(ctx context.Context, id string) (*storage.Job, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: couldn't get job %s: %w", id, err)
	}
	switch job.Status {
	case storage.Pending, storage.Submitted, storage.Running:
	default:
		return nil, fmt.Errorf("orchestrator: expire job %s (%s): %w", id, job.Status, ErrWrongStatus)
	}
	if !time.Now().After(o.deadline(job).Add(settleTimeout)) {
		return nil, fmt.Errorf("orchestrator: expire job %s: not past its deadline: %w", id, ErrWrongStatus)
	}
	return o.expire(ctx, job)
}

func (o *Orchestrator) expire(ctx context.Context, job *storage.Job) (*storage.Job, error) {
	id := job.ID
	switch job.Status {
	case storage.Pending:
		if err := o.abandon(ctx, id); err != nil {
			return nil, err
		}
	case storage.Submitted, storage.Running:
		if job.Status == storage.Submitted {
			if err := o.store.Transition(ctx, id, storage.Running, nil); err != nil {
				return nil, fmt.Errorf("orchestrator: job %s: %w", id, err)
			}
		}
		var prev string
		if job.Error != nil {
			prev = dropDiag(*job.Error, timeoutDiag)
		}
		if err := o.store.Transition(ctx, id, storage.TimedOut, storage.Fields{
			"error": joinDiag(prev, fmt.Sprintf("%s after %s", timeoutDiag, o.timeout)),
		}); err != nil {
			return nil, fmt.Errorf("orchestrator: job %s: %w", id, err)
		}
		o.publish(id, storage.TimedOut, "timed_out", "")
	}
	log.Warn().Str("job", id).Str("was", string(job.Status)).Msg("orchestrator: abandoned job settled")
	return o.store.GetJob(ctx, id)
}

// ResumeAll resumes every unfinished job and returns the started tasks.
func (o *Orchestrator) ResumeAll(ctx context.Context) ([]*Task, error) {
	jobs, err := o.store.ListJobs(ctx, 1, 0, "created_at asc",
		storage.Where("status IN ?", []string{
			string(storage.Pending), string(storage.Submitted), string(storage.Running),
		}))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: couldn't list unfinished jobs: %w", err)
	}
	var tasks []*Task
	for _, job := range jobs {
		t, err := o.Resume(ctx, job.ID)
		if errors.Is(err, ErrAlreadyPolling) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("job", job.ID).Msg("orchestrator: couldn't resume job")
			continue
		}
		if t != nil {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// Reconcile polls a timed out job once and settles it if the provider has
// a final answer. The job stays timed out otherwise.
func (o *Orchestrator) Reconcile(ctx context.Context, id string) (*storage.Job, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: couldn't get job %s: %w", id, err)
	}
	if job.Status != storage.TimedOut || job.ProviderID == nil {
		return nil, fmt.Errorf("orchestrator: reconcile job %s (%s): %w", id, job.Status, ErrWrongStatus)
	}
	t, err := o.newTask(ctx, job)
	if err != nil {
		return nil, err
	}
	defer t.finish()

	st, err := o.provider.Poll(ctx, *job.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reconcile job %s: %w", id, err)
	}
	switch st.State {
	case suno.Succeeded:
		return t.complete(ctx, st)
	case suno.Failed:
		return t.fail(ctx, ErrProviderFailure, st.Message)
	default:
		log.Info().Str("job", id).Str("state", string(st.State)).Msg("orchestrator: reconcile: provider not done")
		return job, nil
	}
}

// Backfill retries the storage migration of a job that completed without
// durable storage.
func (o *Orchestrator) Backfill(ctx context.Context, id string) (*storage.Job, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: couldn't get job %s: %w", id, err)
	}
	if job.Status != storage.Completed || !job.MigrationFailed || job.ProviderURL == nil {
		return nil, fmt.Errorf("orchestrator: backfill job %s (%s): %w", id, job.Status, ErrWrongStatus)
	}
	if !o.track(id) {
		return nil, ErrAlreadyPolling
	}
	defer o.untrack(id)

	dst := filestore.MusicPath(id, *job.ProviderURL)
	res, err := o.migrator.Migrate(ctx, *job.ProviderURL, dst)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: backfill job %s: %w", id, err)
	}
	fields := storage.Fields{
		"storage_url":  res.URL,
		"storage_path": res.Path,
		"error":        nil,
	}
	if job.Error != nil {
		if rest := dropDiag(*job.Error, migrationDiag); rest != "" {
			fields["error"] = rest
		}
	}
	if job.DurationSeconds == 0 && res.Duration > 0 {
		fields["duration_seconds"] = float32(res.Duration.Seconds())
	}
	if err := o.store.FinishMigration(ctx, id, fields); err != nil {
		return nil, fmt.Errorf("orchestrator: backfill job %s: %w", id, err)
	}
	log.Info().Str("job", id).Str("url", res.URL).Msg("orchestrator: backfill done")
	return o.store.GetJob(ctx, id)
}

func (o *Orchestrator) track(id string) bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	if _, ok := o.active[id]; ok {
		return false
	}
	o.active[id] = struct{}{}
	return true
}

func (o *Orchestrator) untrack(id string) {
	o.lock.Lock()
	defer o.lock.Unlock()
	delete(o.active, id)
}

func (o *Orchestrator) isActive(id string) bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	_, ok := o.active[id]
	return ok
}

// Active returns the ids of the jobs being polled.
func (o *Orchestrator) Active() []string {
	o.lock.Lock()
	defer o.lock.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

var stageMessages = map[storage.Status]string{
	storage.Completed: "Your song is ready",
	storage.TimedOut:  "This is taking longer than expected",
}

func (o *Orchestrator) publish(id string, status storage.Status, stage, msg string) {
	if msg == "" {
		msg = stageMessages[status]
	}
	o.notifier.Publish(notify.Update{
		JobID:      id,
		Status:     string(status),
		Stage:      stage,
		Message:    msg,
		Generating: !status.Terminal(),
	})
}

const migrationDiag = "storage migration failed"

func joinDiag(diags ...string) *string {
	var parts []string
	for _, d := range diags {
		if d != "" {
			parts = append(parts, d)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	s := strings.Join(parts, "\n")
	return &s
}

func dropDiag(text, prefix string) string {
	var keep []string
	for _, l := range strings.Split(text, "\n") {
		if l != "" && !strings.HasPrefix(l, prefix) {
			keep = append(keep, l)
		}
	}
	return strings.Join(keep, "\n")
}

// detach keeps the values of ctx but not its cancellation.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
