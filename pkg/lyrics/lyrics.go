package lyrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/createtree2017/createtree/pkg/music"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultMaxLyricsLength is the provider's ceiling for the lyrics field.
	DefaultMaxLyricsLength = 3000
	// DefaultMaxPromptLength is the provider's ceiling for the prompt field.
	DefaultMaxPromptLength = 400
	// MaxSubjectLength bounds the personalization name. Requests are
	// validated against it, so Subject only cuts unvalidated input.
	MaxSubjectLength = music.MaxSubjectLength
)

// Generator writes lyrics from instructions, typically an LLM.
type Generator interface {
	Chat(ctx context.Context, system, prompt string) (string, error)
}

// Plan is what gets sent to the provider for the text fields.
type Plan struct {
	Prompt       string
	Title        string
	Lyrics       string
	Instrumental bool
	Source       music.LyricsSource
	// Degraded explains why the preferred lyrics source wasn't used.
	Degraded string
}

type Config struct {
	Generator       Generator
	Language        string
	MaxLyricsLength int
	MaxPromptLength int
	Timeout         time.Duration
}

type Resolver struct {
	generator Generator
	language  string
	maxLyrics int
	maxPrompt int
	timeout   time.Duration
}

func New(cfg *Config) *Resolver {
	maxLyrics := cfg.MaxLyricsLength
	if maxLyrics <= 0 {
		maxLyrics = DefaultMaxLyricsLength
	}
	maxPrompt := cfg.MaxPromptLength
	if maxPrompt <= 0 {
		maxPrompt = DefaultMaxPromptLength
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	lang := cfg.Language
	if lang == "" {
		lang = "ko"
	}
	return &Resolver{
		generator: cfg.Generator,
		language:  lang,
		maxLyrics: maxLyrics,
		maxPrompt: maxPrompt,
		timeout:   timeout,
	}
}

// Resolve decides the prompt, title and lyrics for a request. It never
// fails: a broken generator degrades to the template.
func (r *Resolver) Resolve(ctx context.Context, req *music.Request) *Plan {
	lang := req.Language
	if lang == "" {
		lang = r.language
	}
	tmpl := lookup(lang)
	subject := Subject(req.SubjectName)

	plan := &Plan{
		Prompt:       r.prompt(tmpl, req.Prompt, subject),
		Title:        strings.TrimSpace(req.Title),
		Instrumental: req.Instrumental || !req.GenerateLyrics,
		Source:       music.LyricsNone,
	}
	if plan.Title == "" && subject != "" {
		plan.Title = fmt.Sprintf(tmpl.title, subject)
	}
	if plan.Instrumental {
		return plan
	}

	if text := strings.TrimSpace(req.Lyrics); text != "" {
		plan.Lyrics = Fit(text, subject, r.maxLyrics)
		plan.Source = music.LyricsUser
		return plan
	}

	if r.generator != nil {
		text, err := r.generate(ctx, req, subject, lang)
		if err == nil {
			plan.Lyrics = Fit(text, subject, r.maxLyrics)
			plan.Source = music.LyricsLLM
			return plan
		}
		log.Warn().Err(err).Str("subject", subject).Msg("lyrics: generator unavailable, using template")
		plan.Degraded = fmt.Sprintf("lyrics generation failed, used template: %v", err)
	}
	plan.Lyrics = Fit(tmpl.render(subject, req.Gender), subject, r.maxLyrics)
	plan.Source = music.LyricsTemplate
	return plan
}

func (r *Resolver) prompt(tmpl template, prompt, subject string) string {
	prompt = strings.TrimSpace(prompt)
	if subject != "" && !strings.Contains(prompt, subject) {
		if prompt == "" {
			prompt = fmt.Sprintf(tmpl.title, subject)
		} else {
			prompt = fmt.Sprintf(tmpl.prompt, prompt, subject)
		}
	}
	return Fit(prompt, subject, r.maxPrompt)
}

const system = `You write short, gentle song lyrics for parents and their babies.
Use section tags such as [Verse], [Chorus] and [Outro] on their own lines.
Answer with the lyrics only.`

func (r *Resolver) generate(ctx context.Context, req *music.Request, subject, lang string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "Language: %s\n", lang)
	fmt.Fprintf(&b, "Topic: %s\n", strings.TrimSpace(req.Prompt))
	if req.Style != "" {
		fmt.Fprintf(&b, "Style: %s\n", req.Style)
	}
	if subject != "" {
		fmt.Fprintf(&b, "Mention the name %q in the first verse line.\n", subject)
	}
	if req.Gender != "" {
		fmt.Fprintf(&b, "The child is a %s.\n", req.Gender)
	}
	fmt.Fprintf(&b, "Keep it under %d characters.", r.maxLyrics)

	text, err := r.generator.Chat(ctx, system, b.String())
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("lyrics: empty lyrics")
	}
	if subject != "" && !strings.Contains(text, subject) {
		return "", fmt.Errorf("lyrics: generated lyrics don't mention %q", subject)
	}
	return text, nil
}

// Subject normalizes a personalization name so it can be matched
// byte-for-byte in prompts and lyrics.
func Subject(name string) string {
	name = norm.NFC.String(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		if unicode.IsControl(r) || r == '[' || r == ']' {
			return -1
		}
		return r
	}, name)
	name = strings.Join(strings.Fields(name), " ")
	if runes := []rune(name); len(runes) > MaxSubjectLength {
		name = strings.TrimSpace(string(runes[:MaxSubjectLength]))
	}
	return name
}
