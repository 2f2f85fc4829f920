package music

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"prompt only", Request{Prompt: "lullaby", UserID: "u"}, true},
		{"style only", Request{Style: "piano", UserID: "u"}, true},
		{"no prompt nor style", Request{Prompt: "  ", UserID: "u"}, false},
		{"no user", Request{Prompt: "lullaby"}, false},
		{"negative duration", Request{Prompt: "lullaby", UserID: "u", Duration: -1}, false},
		{"too long", Request{Prompt: "lullaby", UserID: "u", Duration: MaxDuration + 1}, false},
		{"max duration", Request{Prompt: "lullaby", UserID: "u", Duration: MaxDuration}, true},
		{"long subject", Request{Prompt: "lullaby", UserID: "u", SubjectName: strings.Repeat("가", MaxSubjectLength+1)}, false},
		{"max subject", Request{Prompt: "lullaby", UserID: "u", SubjectName: "  " + strings.Repeat("가", MaxSubjectLength) + "  "}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v; want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("Validate() = %v; want ErrInvalidRequest", err)
			}
		})
	}
}
