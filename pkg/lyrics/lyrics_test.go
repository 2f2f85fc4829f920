package lyrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/createtree2017/createtree/pkg/music"
)

type fakeGenerator struct {
	text  string
	err   error
	calls int
}

func (f *fakeGenerator) Chat(ctx context.Context, system, prompt string) (string, error) {
	f.calls++
	return f.text, f.err
}

func TestResolveInstrumental(t *testing.T) {
	gen := &fakeGenerator{text: "should not be used"}
	r := New(&Config{Generator: gen})
	tests := []struct {
		name string
		req  music.Request
	}{
		{"no lyrics flag", music.Request{Prompt: "lullaby", SubjectName: "Minjun"}},
		{"instrumental wins", music.Request{Prompt: "lullaby", SubjectName: "Minjun", GenerateLyrics: true, Instrumental: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(context.Background(), &tt.req)
			if got.Lyrics != "" {
				t.Fatalf("Resolve().Lyrics = %q; want empty", got.Lyrics)
			}
			if !got.Instrumental {
				t.Fatalf("Resolve().Instrumental = false; want true")
			}
			if got.Source != music.LyricsNone {
				t.Fatalf("Resolve().Source = %s; want %s", got.Source, music.LyricsNone)
			}
			if !strings.Contains(got.Prompt, "Minjun") {
				t.Fatalf("Resolve().Prompt = %q; want it to contain the subject", got.Prompt)
			}
		})
	}
	if gen.calls != 0 {
		t.Fatalf("generator calls = %d; want 0", gen.calls)
	}
}

func TestResolveTemplate(t *testing.T) {
	r := New(&Config{Language: "en"})
	got := r.Resolve(context.Background(), &music.Request{
		Prompt:         "lullaby for Minjun",
		GenerateLyrics: true,
		SubjectName:    "Minjun",
		Gender:         "boy",
		Duration:       180,
	})
	if got.Instrumental {
		t.Fatalf("Resolve().Instrumental = true; want false")
	}
	if got.Source != music.LyricsTemplate {
		t.Fatalf("Resolve().Source = %s; want %s", got.Source, music.LyricsTemplate)
	}
	if !strings.Contains(got.Lyrics, "Minjun") || !strings.Contains(got.Lyrics, "boy") {
		t.Fatalf("Resolve().Lyrics = %q; want subject and pronoun line", got.Lyrics)
	}
	if got.Prompt != "lullaby for Minjun" {
		t.Fatalf("Resolve().Prompt = %q; want prompt unchanged", got.Prompt)
	}
	if got.Title != "A Lullaby for Minjun" {
		t.Fatalf("Resolve().Title = %q; want %q", got.Title, "A Lullaby for Minjun")
	}
	if got.Degraded != "" {
		t.Fatalf("Resolve().Degraded = %q; want empty", got.Degraded)
	}
}

func TestResolveGenerator(t *testing.T) {
	tests := []struct {
		name       string
		gen        *fakeGenerator
		wantSource music.LyricsSource
		degraded   bool
	}{
		{"ok", &fakeGenerator{text: "[Verse]\nSleep tight, 서연"}, music.LyricsLLM, false},
		{"error", &fakeGenerator{err: errors.New("503")}, music.LyricsTemplate, true},
		{"empty", &fakeGenerator{text: "  "}, music.LyricsTemplate, true},
		{"missing subject", &fakeGenerator{text: "[Verse]\nSleep tight"}, music.LyricsTemplate, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(&Config{Generator: tt.gen})
			got := r.Resolve(context.Background(), &music.Request{
				Prompt:         "자장가",
				GenerateLyrics: true,
				SubjectName:    "서연",
			})
			if got.Source != tt.wantSource {
				t.Fatalf("Resolve().Source = %s; want %s", got.Source, tt.wantSource)
			}
			if (got.Degraded != "") != tt.degraded {
				t.Fatalf("Resolve().Degraded = %q; want degraded %v", got.Degraded, tt.degraded)
			}
			if !strings.Contains(got.Lyrics, "서연") {
				t.Fatalf("Resolve().Lyrics = %q; want subject", got.Lyrics)
			}
		})
	}
}

func TestResolveUserLyrics(t *testing.T) {
	r := New(&Config{MaxLyricsLength: 30})
	got := r.Resolve(context.Background(), &music.Request{
		Prompt:         "lullaby",
		GenerateLyrics: true,
		SubjectName:    "Minjun",
		Lyrics:         "la la la la la la\nsleep Minjun sleep\nla la la la la la",
	})
	if got.Source != music.LyricsUser {
		t.Fatalf("Resolve().Source = %s; want %s", got.Source, music.LyricsUser)
	}
	if n := utf8.RuneCountInString(got.Lyrics); n > 30 {
		t.Fatalf("len(Resolve().Lyrics) = %d; want <= 30", n)
	}
	if !strings.Contains(got.Lyrics, "Minjun") {
		t.Fatalf("Resolve().Lyrics = %q; want subject kept", got.Lyrics)
	}
}

func TestResolveLongSubject(t *testing.T) {
	for _, max := range []int{MaxSubjectLength, 60, 120, 500} {
		for _, name := range []string{"Minjun", "Alexandria-Genevieve Montgomery", "김민준", strings.Repeat("가", 24)} {
			r := New(&Config{MaxLyricsLength: max, Language: "en"})
			got := r.Resolve(context.Background(), &music.Request{
				Prompt:         "lullaby",
				GenerateLyrics: true,
				SubjectName:    name,
			})
			if n := utf8.RuneCountInString(got.Lyrics); n > max {
				t.Fatalf("max %d name %q: len = %d; want <= %d", max, name, n, max)
			}
			if !strings.Contains(got.Lyrics, Subject(name)) {
				t.Fatalf("max %d name %q: lyrics %q lost the name", max, name, got.Lyrics)
			}
		}
	}
}

func TestFit(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		token string
		max   int
		want  string
	}{
		{"fits", "abc\ndef", "x", 10, "abc\ndef"},
		{"drops tail lines", "one\ntwo\nthree", "", 7, "one\ntwo"},
		{"keeps anchor after long head", "aaaaaaaaaa\nhi Bo\ntail", "Bo", 10, "hi Bo\ntail"},
		{"keeps head when it fits", "ab\nhi Bo\ntail", "Bo", 8, "ab\nhi Bo"},
		{"cuts long anchor line", "0123456789 Bo 0123456789", "Bo", 8, "56789 Bo"},
		{"cuts before far token", "0123456789 Bo", "Bo", 5, "89 Bo"},
		{"cuts first line without token", "0123456789", "", 4, "0123"},
		{"runes", "가나다라마바사", "", 3, "가나다"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fit(tt.text, tt.token, tt.max)
			if got != tt.want {
				t.Fatalf("Fit(%q, %q, %d) = %q; want %q", tt.text, tt.token, tt.max, got, tt.want)
			}
		})
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Minjun  ", "Minjun"},
		{"Min\tjun", "Min jun"},
		{"[Verse] Bo", "Verse Bo"},
		{"가", "가"},
	}
	for _, tt := range tests {
		if got := Subject(tt.in); got != tt.want {
			t.Fatalf("Subject(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}
