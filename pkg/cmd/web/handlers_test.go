package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/createtree2017/createtree/pkg/music"
	"github.com/createtree2017/createtree/pkg/notify"
	"github.com/createtree2017/createtree/pkg/orchestrator"
	"github.com/createtree2017/createtree/pkg/storage"
	"github.com/createtree2017/createtree/pkg/suno"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

type fakeJobs struct {
	jobs map[string]*storage.Job
}

func (f *fakeJobs) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) ListJobs(ctx context.Context, page, size int, orderBy string, filter ...storage.Filter) ([]*storage.Job, error) {
	var out []*storage.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

type fakeMusic struct {
	err error
}

func (f *fakeMusic) Reconcile(ctx context.Context, id string) (*storage.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &storage.Job{ID: id, Status: storage.Completed}, nil
}

func (f *fakeMusic) Backfill(ctx context.Context, id string) (*storage.Job, error) {
	return f.Reconcile(ctx, id)
}

func strPtr(s string) *string { return &s }

func newTestServer(t *testing.T, submitErr error) (*httptest.Server, *notify.Notifier) {
	t.Helper()
	n := notify.New()
	s := &server{
		jobs: &fakeJobs{jobs: map[string]*storage.Job{
			"done": {
				ID:              "done",
				Status:          storage.Completed,
				ProviderURL:     strPtr("https://provider.test/a.mp3"),
				MigrationFailed: true,
			},
		}},
		music: &fakeMusic{err: orchestrator.ErrWrongStatus},
		submit: func(ctx context.Context, req *music.Request) (string, error) {
			if err := req.Validate(); err != nil {
				return "", err
			}
			if submitErr != nil {
				return "", submitErr
			}
			return "job-1", nil
		},
		notifier: n,
	}
	r := chi.NewRouter()
	s.routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, n
}

func TestCreateMusic(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"accepted", `{"prompt":"lullaby","userId":"u1"}`, nil, http.StatusAccepted},
		{"invalid json", `{"prompt":`, nil, http.StatusBadRequest},
		{"invalid request", `{"prompt":"lullaby"}`, nil, http.StatusBadRequest},
		{"busy", `{"prompt":"lullaby","userId":"u1"}`, notify.ErrBusy, http.StatusConflict},
		{"rejected", `{"prompt":"lullaby","userId":"u1"}`,
			fmt.Errorf("orchestrator: job x: %w", &suno.SubmissionError{Err: errors.New("400")}), http.StatusBadGateway},
		{"internal", `{"prompt":"lullaby","userId":"u1"}`, errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.err)
			resp, err := http.Post(srv.URL+"/api/music", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d; want %d", resp.StatusCode, tt.status)
			}
			if tt.status != http.StatusAccepted {
				return
			}
			var got map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got["id"] != "job-1" {
				t.Fatalf("id = %q; want job-1", got["id"])
			}
		})
	}
}

func TestGetMusic(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/music/done")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	var got Job
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.PlayableURL != "https://provider.test/a.mp3" || got.Durable || !got.MigrationFailed {
		t.Fatalf("job = %+v; want provider url flagged as not durable", got)
	}

	resp2, err := http.Get(srv.URL + "/api/music/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", resp2.StatusCode)
	}

	resp3, err := http.Post(srv.URL+"/api/music/done/reconcile", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusConflict {
		t.Fatalf("reconcile status = %d; want 409", resp3.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	srv, n := newTestServer(t, nil)
	if err := n.Begin("u1", "job-1"); err != nil {
		t.Fatal(err)
	}
	n.Publish(notify.Update{JobID: "job-1", Status: "running", Message: "Composing music", Generating: true})

	resp, err := http.Get(srv.URL + "/api/status?user=u1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got notify.State
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if !got.Generating || got.Message != "Composing music" {
		t.Fatalf("state = %+v; want generating with message", got)
	}
}

func TestStatusStream(t *testing.T) {
	srv, n := newTestServer(t, nil)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/status/ws?job=job-1"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// A late subscriber still gets the last update replayed.
	n.Publish(notify.Update{JobID: "job-1", Status: "running", Generating: true})
	n.Publish(notify.Update{JobID: "job-1", Status: "completed"})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var last notify.Update
	for {
		var u notify.Update
		if err := conn.ReadJSON(&u); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("ReadJSON() err = %v; want normal close", err)
			}
			break
		}
		last = u
	}
	if last.Status != "completed" {
		t.Fatalf("last update = %q; want completed", last.Status)
	}
}
