package suno

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(&Config{
		BaseURL: srv.URL,
		Token:   "secret",
		Wait:    time.Millisecond,
	})
}

func TestSubmit(t *testing.T) {
	var got generateRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s; want POST /generate", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("authorization"); auth != "Bearer secret" {
			t.Errorf("authorization = %q; want %q", auth, "Bearer secret")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("couldn't decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"task-1"}}`))
	})

	id, err := c.Submit(context.Background(), &Spec{
		Prompt:       "lullaby for Minjun",
		Lyrics:       "[Verse]\nsleep Minjun",
		Style:        "lullaby",
		Duration:     180,
		Instrumental: false,
	})
	if err != nil {
		t.Fatalf("Submit() err = %v; want nil", err)
	}
	if id != "task-1" {
		t.Fatalf("Submit() = %q; want %q", id, "task-1")
	}
	if !got.CustomMode || got.Instrumental || got.Lyrics == "" || got.Model != defaultModel {
		t.Fatalf("Submit() sent %+v; want custom mode with lyrics", got)
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http status", http.StatusInternalServerError, `boom`},
		{"envelope code", http.StatusOK, `{"code":429,"msg":"insufficient credits"}`},
		{"malformed", http.StatusOK, `{"code":200,`},
		{"empty id", http.StatusOK, `{"code":200,"msg":"ok","data":{"taskId":""}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Submit(context.Background(), &Spec{Prompt: "x"})
			var subErr *SubmissionError
			if !errors.As(err, &subErr) {
				t.Fatalf("Submit() err = %v; want *SubmissionError", err)
			}
		})
	}
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    State
		wantURL string
		wantMsg string
	}{
		{"pending", `{"code":200,"data":{"status":"PENDING"}}`, Queued, "", ""},
		{"first", `{"code":200,"data":{"status":"FIRST_SUCCESS"}}`, Running, "", ""},
		{
			"success",
			`{"code":200,"data":{"status":"SUCCESS","creditsUsed":12,"response":{"sunoData":[{"audioUrl":"https://cdn/x.mp3","duration":181.5}]}}}`,
			Succeeded, "https://cdn/x.mp3", "",
		},
		{"success without audio", `{"code":200,"data":{"status":"SUCCESS"}}`, Failed, "", "provider returned no audio"},
		{
			"failed",
			`{"code":200,"data":{"status":"GENERATE_AUDIO_FAILED","errorMessage":"model overloaded"}}`,
			Failed, "", "model overloaded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if id := r.URL.Query().Get("taskId"); id != "task-1" {
					t.Errorf("taskId = %q; want %q", id, "task-1")
				}
				_, _ = w.Write([]byte(tt.body))
			})
			got, err := c.Poll(context.Background(), "task-1")
			if err != nil {
				t.Fatalf("Poll() err = %v; want nil", err)
			}
			if got.State != tt.want || got.ArtifactURL != tt.wantURL || got.Message != tt.wantMsg {
				t.Fatalf("Poll() = %+v; want state %s url %q message %q", got, tt.want, tt.wantURL, tt.wantMsg)
			}
		})
	}
}

func TestPollError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"bad gateway", http.StatusBadGateway, `upstream`},
		{"unknown status", http.StatusOK, `{"code":200,"data":{"status":"WHATEVER"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Poll(context.Background(), "task-1")
			var pollErr *PollError
			if !errors.As(err, &pollErr) {
				t.Fatalf("Poll() err = %v; want *PollError", err)
			}
		})
	}
}
