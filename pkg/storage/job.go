package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type Status string

const (
	Pending   Status = "pending"
	Submitted Status = "submitted"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	TimedOut  Status = "timed_out"
)

// Terminal reports whether no more polling happens in this status.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == TimedOut
}

var ErrInvalidTransition = errors.New("invalid transition")

// predecessors lists, for each status, the statuses a job may move from.
// A completed record is only touched again by FinishMigration.
var predecessors = map[Status][]Status{
	Submitted: {Pending},
	Running:   {Submitted, Running},
	Completed: {Running, TimedOut},
	Failed:    {Pending, Submitted, Running, TimedOut},
	TimedOut:  {Running},
}

// CanTransition reports whether a job in status from may move to status to.
func CanTransition(from, to Status) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

type Job struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	UserID            string  `gorm:"index;not null;default:''"`
	HospitalID        *string `gorm:"index"`
	Prompt            string  `gorm:"not null;default:''"`
	Style             string  `gorm:"not null;default:''"`
	Title             string  `gorm:"not null;default:''"`
	SubjectName       string  `gorm:"not null;default:''"`
	Gender            string  `gorm:"not null;default:''"`
	RequestedDuration int     `gorm:"not null;default:0"`
	Instrumental      bool    `gorm:"not null;default:false"`
	GenerateLyrics    bool    `gorm:"not null;default:false"`

	ProviderID *string `gorm:"index"`
	Status     Status  `gorm:"index;not null;default:'pending'"`

	// ProviderURL is ephemeral. StorageURL is only set after a successful
	// migration.
	ProviderURL     *string
	StorageURL      *string
	StoragePath     *string
	MigrationFailed bool `gorm:"not null;default:false"`

	Lyrics          string  `gorm:"not null;default:''"`
	LyricsSource    string  `gorm:"not null;default:''"`
	DurationSeconds float32 `gorm:"not null;default:0"`

	Error      *string
	CreditUsed int `gorm:"not null;default:0"`

	SubmittedAt *time.Time
	CompletedAt *time.Time
}

// Playable returns the URL to play the job's audio and whether it is
// durable.
func (j *Job) Playable() (string, bool) {
	if j.StorageURL != nil && *j.StorageURL != "" {
		return *j.StorageURL, true
	}
	if j.Status == Completed && j.ProviderURL != nil {
		return *j.ProviderURL, false
	}
	return "", false
}

// Fields are column values written together with a status change.
type Fields map[string]any

func (s *Store) CreateJob(ctx context.Context, v *Job) error {
	if v.Status == "" {
		v.Status = Pending
	}
	if err := s.db.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("storage: failed to create Job %s: %w", v.ID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var v Job
	if err := s.db.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get Job %s: %w", id, err)
	}
	return &v, nil
}

// Transition moves a job to a new status and writes fields in the same
// statement. It fails with ErrInvalidTransition if the job's current
// status isn't an allowed predecessor, so status never regresses.
func (s *Store) Transition(ctx context.Context, id string, to Status, fields Fields) error {
	preds, ok := predecessors[to]
	if !ok {
		return fmt.Errorf("storage: unknown status %q: %w", to, ErrInvalidTransition)
	}
	from := make([]string, 0, len(preds))
	for _, p := range preds {
		from = append(from, string(p))
	}
	values := map[string]any{}
	for k, v := range fields {
		values[k] = v
	}
	values["status"] = to
	values["updated_at"] = time.Now().UTC()

	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("storage: failed to update Job %s: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("storage: job %s %s -> %s: %w", id, current.Status, to, ErrInvalidTransition)
}

// FinishMigration writes the durable storage fields of a completed job
// whose migration failed. Jobs that are not flagged are left untouched and
// get ErrInvalidTransition.
func (s *Store) FinishMigration(ctx context.Context, id string, fields Fields) error {
	values := map[string]any{}
	for k, v := range fields {
		values[k] = v
	}
	values["migration_failed"] = false
	values["updated_at"] = time.Now().UTC()

	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ? AND migration_failed = ?", id, Completed, true).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("storage: failed to update Job %s: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("storage: job %s (%s, migration failed %v) isn't waiting for storage: %w",
		id, current.Status, current.MigrationFailed, ErrInvalidTransition)
}

func (s *Store) ListJobs(ctx context.Context, page, size int, orderBy string, filter ...Filter) ([]*Job, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * size
	vs := []*Job{}

	q := s.db.WithContext(ctx)
	if size > 0 {
		q = q.Offset(offset).Limit(size)
	}
	for _, f := range filter {
		q = q.Where(f.Query, f.Args...)
	}
	// Order by
	if orderBy != "" {
		q = q.Order(orderBy)
	}
	if err := q.Find(&vs).Error; err != nil {
		return nil, fmt.Errorf("storage: failed to list Jobs: %w", err)
	}
	return vs, nil
}
