package suno

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Spec is everything the provider needs to compose a song.
type Spec struct {
	Prompt       string
	Lyrics       string
	Style        string
	Title        string
	Duration     int
	Instrumental bool
	AutoMode     bool
	Format       string
}

// State is the provider-side progress of a song.
type State string

const (
	Queued    State = "queued"
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

// Status is the answer to a single poll.
type Status struct {
	State       State
	ArtifactURL string
	Message     string
	Duration    float32
	Lyrics      string
	CreditUsed  int
}

// SubmissionError is returned when the provider refuses or garbles a
// submission. It is not worth retrying.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("suno: submission failed: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// PollError is a transport level failure while asking for a status. A
// provider-side failure is reported as a Failed status instead.
type PollError struct {
	ID  string
	Err error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("suno: poll %s failed: %v", e.ID, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

type generateRequest struct {
	Prompt       string `json:"prompt"`
	Lyrics       string `json:"lyrics,omitempty"`
	Style        string `json:"style,omitempty"`
	Title        string `json:"title,omitempty"`
	Duration     int    `json:"duration,omitempty"`
	CustomMode   bool   `json:"customMode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model"`
	Format       string `json:"format,omitempty"`
	CallBackURL  string `json:"callBackUrl,omitempty"`
}

type generateResponse struct {
	TaskID string `json:"taskId"`
}

// Submit sends a generation and returns the provider task id.
func (c *Client) Submit(ctx context.Context, spec *Spec) (string, error) {
	req := &generateRequest{
		Prompt:       spec.Prompt,
		Lyrics:       spec.Lyrics,
		Style:        spec.Style,
		Title:        spec.Title,
		Duration:     spec.Duration,
		CustomMode:   !spec.AutoMode,
		Instrumental: spec.Instrumental,
		Model:        c.model,
		Format:       spec.Format,
		CallBackURL:  c.callbackURL,
	}
	var resp generateResponse
	if err := c.do(ctx, "POST", "generate", req, &resp); err != nil {
		return "", &SubmissionError{Err: err}
	}
	if resp.TaskID == "" {
		return "", &SubmissionError{Err: errors.New("suno: empty task id")}
	}
	return resp.TaskID, nil
}

type recordResponse struct {
	TaskID       string `json:"taskId"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
	CreditsUsed  int    `json:"creditsUsed"`
	Response     struct {
		SunoData []track `json:"sunoData"`
	} `json:"response"`
}

type track struct {
	ID       string  `json:"id"`
	AudioURL string  `json:"audioUrl"`
	Prompt   string  `json:"prompt"`
	Title    string  `json:"title"`
	Duration float32 `json:"duration"`
}

// Poll asks the provider for the status of a task.
func (c *Client) Poll(ctx context.Context, id string) (*Status, error) {
	path := fmt.Sprintf("generate/record-info?taskId=%s", url.QueryEscape(id))
	var resp recordResponse
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, &PollError{ID: id, Err: err}
	}
	status, err := toStatus(&resp)
	if err != nil {
		return nil, &PollError{ID: id, Err: err}
	}
	return status, nil
}

func toStatus(resp *recordResponse) (*Status, error) {
	switch strings.ToUpper(resp.Status) {
	case "PENDING":
		return &Status{State: Queued}, nil
	case "TEXT_SUCCESS", "FIRST_SUCCESS":
		return &Status{State: Running}, nil
	case "SUCCESS":
		for _, t := range resp.Response.SunoData {
			if t.AudioURL == "" {
				continue
			}
			return &Status{
				State:       Succeeded,
				ArtifactURL: t.AudioURL,
				Duration:    t.Duration,
				Lyrics:      t.Prompt,
				CreditUsed:  resp.CreditsUsed,
			}, nil
		}
		return &Status{State: Failed, Message: "provider returned no audio"}, nil
	case "CREATE_TASK_FAILED", "GENERATE_AUDIO_FAILED", "CALLBACK_EXCEPTION", "SENSITIVE_WORD_ERROR":
		msg := resp.ErrorMessage
		if msg == "" {
			msg = strings.ToLower(resp.Status)
		}
		return &Status{State: Failed, Message: msg, CreditUsed: resp.CreditsUsed}, nil
	default:
		return nil, fmt.Errorf("suno: unknown task status %q", resp.Status)
	}
}
