package music

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// LyricsSource tells where the lyrics sent to the provider came from.
type LyricsSource string

const (
	// LyricsNone means no lyrics were sent (instrumental or title-only).
	LyricsNone LyricsSource = "none"
	// LyricsUser means the requester supplied the lyrics inline.
	LyricsUser LyricsSource = "user"
	// LyricsTemplate means the deterministic template was used.
	LyricsTemplate LyricsSource = "template"
	// LyricsLLM means the lyrics were written by the text generator.
	LyricsLLM LyricsSource = "llm"
)

// Request is the user intent behind a music generation. It is never
// modified once submitted.
type Request struct {
	Prompt         string `json:"prompt"`
	Style          string `json:"style"`
	Title          string `json:"title"`
	Duration       int    `json:"durationSeconds"`
	Instrumental   bool   `json:"instrumental"`
	GenerateLyrics bool   `json:"generateLyrics"`
	Lyrics         string `json:"lyrics,omitempty"`

	SubjectName string `json:"subjectName"`
	Gender      string `json:"gender"`
	Language    string `json:"language,omitempty"`

	UserID     string  `json:"userId"`
	HospitalID *string `json:"hospitalId,omitempty"`
}

const MaxDuration = 8 * 60

// MaxSubjectLength bounds the personalization name, in runes. Longer names
// are rejected rather than cut, so the name always reaches the lyrics whole.
const MaxSubjectLength = 40

var ErrInvalidRequest = errors.New("music: invalid request")

// Validate checks the fields a generation can't start without.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" && strings.TrimSpace(r.Style) == "" {
		return fmt.Errorf("%w: prompt or style is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if r.Duration < 0 || r.Duration > MaxDuration {
		return fmt.Errorf("%w: duration must be between 0 and %d seconds", ErrInvalidRequest, MaxDuration)
	}
	if n := utf8.RuneCountInString(strings.Join(strings.Fields(r.SubjectName), " ")); n > MaxSubjectLength {
		return fmt.Errorf("%w: subject name is longer than %d characters", ErrInvalidRequest, MaxSubjectLength)
	}
	return nil
}
