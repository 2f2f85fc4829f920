package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/createtree2017/createtree/pkg/filestore"
	"github.com/createtree2017/createtree/pkg/music"
	"github.com/createtree2017/createtree/pkg/notify"
	"github.com/createtree2017/createtree/pkg/orchestrator"
	"github.com/createtree2017/createtree/pkg/storage"
	"github.com/createtree2017/createtree/pkg/suno"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type jobStore interface {
	GetJob(ctx context.Context, id string) (*storage.Job, error)
	ListJobs(ctx context.Context, page, size int, orderBy string, filter ...storage.Filter) ([]*storage.Job, error)
}

type musicService interface {
	Reconcile(ctx context.Context, id string) (*storage.Job, error)
	Backfill(ctx context.Context, id string) (*storage.Job, error)
}

type server struct {
	jobs  jobStore
	music musicService
	// submit starts a generation and returns the job id.
	submit   func(ctx context.Context, req *music.Request) (string, error)
	notifier *notify.Notifier
}

func submitter(o *orchestrator.Orchestrator) func(context.Context, *music.Request) (string, error) {
	return func(ctx context.Context, req *music.Request) (string, error) {
		task, err := o.Submit(ctx, req)
		if err != nil {
			return "", err
		}
		return task.JobID(), nil
	}
}

// submitTimeout bounds lyrics resolution plus the provider submission.
const submitTimeout = 2 * time.Minute

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *server) routes(r chi.Router) {
	r.Post("/api/music", s.createMusic)
	r.Get("/api/music", s.listMusic)
	r.Get("/api/music/{id}", s.getMusic)
	r.Post("/api/music/{id}/reconcile", s.reconcileMusic)
	r.Post("/api/music/{id}/backfill", s.backfillMusic)
	r.Get("/api/status", s.getStatus)
	r.Get("/api/status/ws", s.streamStatus)
}

type Job struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	UserID          string     `json:"userId"`
	HospitalID      *string    `json:"hospitalId,omitempty"`
	Title           string     `json:"title"`
	Prompt          string     `json:"prompt"`
	Style           string     `json:"style"`
	Lyrics          string     `json:"lyrics,omitempty"`
	LyricsSource    string     `json:"lyricsSource,omitempty"`
	ProviderID      *string    `json:"providerId,omitempty"`
	PlayableURL     string     `json:"playableUrl,omitempty"`
	Durable         bool       `json:"durable"`
	StoragePath     *string    `json:"storagePath,omitempty"`
	MigrationFailed bool       `json:"migrationFailed"`
	DurationSeconds float32    `json:"durationSeconds"`
	CreditUsed      int        `json:"creditUsed"`
	Error           *string    `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

func toJob(j *storage.Job) *Job {
	u, durable := j.Playable()
	return &Job{
		ID:              j.ID,
		Status:          string(j.Status),
		UserID:          j.UserID,
		HospitalID:      j.HospitalID,
		Title:           j.Title,
		Prompt:          j.Prompt,
		Style:           j.Style,
		Lyrics:          j.Lyrics,
		LyricsSource:    j.LyricsSource,
		ProviderID:      j.ProviderID,
		PlayableURL:     u,
		Durable:         durable,
		StoragePath:     j.StoragePath,
		MigrationFailed: j.MigrationFailed,
		DurationSeconds: j.DurationSeconds,
		CreditUsed:      j.CreditUsed,
		Error:           j.Error,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		CompletedAt:     j.CompletedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("web: couldn't encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *server) createMusic(w http.ResponseWriter, r *http.Request) {
	var req music.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("couldn't decode request: %w", err))
		return
	}
	if v := r.Header.Get("X-User-ID"); v != "" {
		req.UserID = v
	}

	// The job outlives a client that hangs up mid-submission.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), submitTimeout)
	defer cancel()
	id, err := s.submit(ctx, &req)
	var subErr *suno.SubmissionError
	switch {
	case err == nil:
	case errors.Is(err, music.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, notify.ErrBusy):
		writeError(w, http.StatusConflict, err)
		return
	case errors.As(err, &subErr):
		log.Warn().Err(err).Msg("web: submission rejected")
		writeError(w, http.StatusBadGateway, err)
		return
	default:
		log.Error().Err(err).Msg("web: couldn't submit")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": string(storage.Running),
	})
}

func (s *server) getMusic(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, toJob(job))
}

func (s *server) listMusic(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := strconv.Atoi(q.Get("page"))
	if err != nil {
		page = 1
	}
	size, err := strconv.Atoi(q.Get("size"))
	if err != nil || size <= 0 || size > 100 {
		size = 20
	}
	var filters []storage.Filter
	if v := q.Get("user"); v != "" {
		filters = append(filters, storage.Where("user_id = ?", v))
	}
	if v := q.Get("hospital"); v != "" {
		filters = append(filters, storage.Where("hospital_id = ?", v))
	}
	if v := q.Get("status"); v != "" {
		filters = append(filters, storage.Where("status = ?", v))
	}
	jobs, err := s.jobs.ListJobs(r.Context(), page, size, "created_at desc", filters...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJob(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) reconcileMusic(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, s.music.Reconcile)
}

func (s *server) backfillMusic(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, s.music.Backfill)
}

func (s *server) settle(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*storage.Job, error)) {
	id := chi.URLParam(r, "id")
	job, err := fn(r.Context(), id)
	var uploadErr *filestore.StorageUploadError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toJob(job))
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, orchestrator.ErrWrongStatus), errors.Is(err, orchestrator.ErrAlreadyPolling):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &uploadErr):
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *server) getStatus(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if v := r.Header.Get("X-User-ID"); v != "" {
		user = v
	}
	if user == "" {
		writeError(w, http.StatusBadRequest, errors.New("user is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.notifier.Current(user))
}

const writeWait = 10 * time.Second

// streamStatus sends status updates over a websocket. With a job id the
// stream ends after the job's last update.
func (s *server) streamStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("web: couldn't upgrade websocket")
		return
	}
	defer conn.Close()

	var sub *notify.Subscription
	if jobID != "" {
		sub = s.notifier.Subscribe(jobID)
	} else {
		sub = s.notifier.SubscribeAll()
	}
	defer sub.Close()

	// Reads are only needed to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case u, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(u); err != nil {
				return
			}
			if jobID != "" && !u.Generating {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, u.Status)
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
		}
	}
}
